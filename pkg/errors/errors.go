package errors

import (
	"errors"
	"fmt"
)

var (
	ErrCardIndexOutOfRange = errors.New("card index out of range")
	ErrNotReservedByCaller = errors.New("card is not reserved by caller")
	ErrNotCoRunner         = errors.New("caller is not a registered co-runner of this card")
	ErrPerUserCapReached   = errors.New("per-user GPU reservation limit reached")
	ErrMaintenanceMode     = errors.New("arbiter is in maintenance mode")
	ErrTooManyClients      = errors.New("maximum number of clients reached")
	ErrFrameTooLarge       = errors.New("frame exceeds maximum size")
	ErrUnknownMessageKind  = errors.New("unknown message kind")
	ErrNoGPUsRequested     = errors.New("job requests zero GPUs")
)

// CardBusyError is returned when a release is rejected because a process
// owned by the caller's uid is still active on the card.
type CardBusyError struct {
	CardIndex int
	PID       int32
}

func (e CardBusyError) Error() string {
	return fmt.Sprintf("card %d still has active process pid %d owned by caller", e.CardIndex, e.PID)
}

// NewCardBusy constructs a CardBusyError.
func NewCardBusy(cardIndex int, pid int32) error {
	return CardBusyError{CardIndex: cardIndex, PID: pid}
}
