// Package arbiter implements the reservation table, wait queue and
// admission loop that decide which uid owns which card (spec components
// C3, C4 and C5). It has no knowledge of sockets or wire framing; it is
// driven by whatever transport decodes requests (see pkg/server) and by
// the periodic tick.
package arbiter

import (
	"context"
	"time"

	"github.com/xqms/gpu-claim/pkg/protocol"
)

// Gate is the subset of gpu.Gate's behavior the admission loop depends on.
type Gate interface {
	Admit(minor uint32, uid int32) error
	Revoke(minor uint32) error
}

// Prober is the subset of gpu.Prober's behavior the admission loop depends
// on to refresh telemetry and ownership every tick.
type Prober interface {
	CardCount() int
	Sample(ctx context.Context, prev []protocol.Card) []protocol.Card
	IsStale(i int) bool
}

// Card is the arbiter's authoritative view of one GPU: the wire-visible
// protocol.Card snapshot plus fields that never leave the process.
type Card struct {
	protocol.Card

	// LockedUntilUpdate is set the instant a card is revoked and cleared on
	// the next successful sample of that card, closing the window in which
	// the card could otherwise be handed to the next queue head before the
	// driver has torn down the lingering context.
	LockedUntilUpdate bool

	// Stale is true for the duration of a tick in which this card's sample
	// attempt failed; such a card keeps its previous snapshot and is
	// excluded from the free set until a sample succeeds again.
	Stale bool
}

// Job is one pending entry in the FIFO admission queue.
type Job struct {
	UID         int32
	PID         int32
	NumGPUs     int64
	Priority    float32
	SubmittedAt time.Time
}

func (j Job) toWire() protocol.Job {
	return protocol.Job{
		UID:            j.UID,
		PID:            j.PID,
		NumGPUs:        j.NumGPUs,
		Priority:       j.Priority,
		SubmissionTime: j.SubmittedAt,
	}
}

// Config holds the policy constants the admission loop is parameterized
// over.
type Config struct {
	GPULimitPerUser int
	IdleTimeout     time.Duration
}

// ClaimOutcome is produced when a queued Job is resolved (fulfilled or
// rejected) by the admission loop, so that the transport layer can route a
// reply back to the originating connection.
type ClaimOutcome struct {
	PID          int32
	ClaimedCards []protocol.Card
	Error        string
}
