package arbiter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	claimerrors "github.com/xqms/gpu-claim/pkg/errors"
	"github.com/xqms/gpu-claim/pkg/protocol"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Server owns the entire reservation table and wait queue. It is meant to
// be driven exclusively by a single goroutine (the core loop in
// pkg/server): every method mutates shared state directly and none of them
// take a lock, matching spec.md §5's single-threaded reactor model.
type Server struct {
	cfg    Config
	gate   Gate
	prober Prober
	logger *logrus.Entry

	sentinelPath string
	maintenance  bool

	cards []Card
	queue queue

	revocationsThisTick int
}

// NewServer constructs a Server and takes its first sample of every card
// discovered by prober.
func NewServer(ctx context.Context, cfg Config, gate Gate, prober Prober, sentinelPath string, logger *logrus.Entry) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		gate:         gate,
		prober:       prober,
		logger:       logger,
		sentinelPath: sentinelPath,
		cards:        make([]Card, prober.CardCount()),
	}

	sampled := prober.Sample(ctx, nil)
	for i := range sampled {
		s.cards[i] = Card{Card: sampled[i]}
	}

	s.refreshMaintenance()

	return s, nil
}

// CardCount returns the number of cards under management.
func (s *Server) CardCount() int { return len(s.cards) }

// Snapshot returns the wire-visible view of cards, queue and maintenance
// state for a Status reply.
func (s *Server) Snapshot() protocol.StatusResponse {
	cards := make([]protocol.Card, len(s.cards))
	for i, c := range s.cards {
		cards[i] = c.Card
	}

	jobs := s.queue.snapshot()
	wireJobs := make([]protocol.Job, len(jobs))
	for i, j := range jobs {
		wireJobs[i] = j.toWire()
	}

	return protocol.StatusResponse{
		Cards:       cards,
		JobsInQueue: wireJobs,
		Maintenance: s.maintenance,
	}
}

// SetMaintenance lets an external watcher (the fsnotify-driven sentinel
// watcher) push an immediate maintenance-flag update, ahead of the next
// tick's fallback stat.
func (s *Server) SetMaintenance(on bool) {
	s.maintenance = on
}

func (s *Server) refreshMaintenance() {
	_, err := os.Stat(s.sentinelPath)
	s.maintenance = err == nil
}

// cardsHeldBy counts how many cards uid currently holds reserved.
func (s *Server) cardsHeldBy(uid int32) int {
	n := 0
	for _, c := range s.cards {
		if c.ReservedByUID == uid {
			n++
		}
	}

	return n
}

// EnqueueClaim validates the static per-request cap (spec.md §4.5's Claim
// table entry) and, if it passes, enqueues a Job. It does not run an
// admission pass itself; the caller follows up with TryAdmit or Tick. It
// returns an immediate rejection (and whether the connection must be
// closed) when the request itself is invalid, independently of current
// holdings.
func (s *Server) EnqueueClaim(ctx context.Context, uid, pid int32, numGPUs uint32) (*protocol.ClaimResponse, bool) {
	if int(numGPUs) > s.cfg.GPULimitPerUser {
		return &protocol.ClaimResponse{Error: claimerrors.ErrPerUserCapReached.Error()}, true
	}

	if numGPUs == 0 {
		return &protocol.ClaimResponse{Error: claimerrors.ErrNoGPUsRequested.Error()}, true
	}

	s.queue.enqueue(Job{UID: uid, PID: pid, NumGPUs: int64(numGPUs)})

	return nil, false
}

// CoRun registers pid as an additional co-runner on every card in
// cardIDs, all of which must already be reserved by uid. On any
// out-of-range index or ownership mismatch nothing is mutated and the
// caller is told to close the connection, matching the source's
// fail-closed behavior for a malformed CoRun.
func (s *Server) CoRun(uid, pid int32, cardIDs []uint32) ([]protocol.Card, string, bool) {
	for _, id := range cardIDs {
		if int(id) >= len(s.cards) {
			return nil, fmt.Errorf("%w: %d", claimerrors.ErrCardIndexOutOfRange, id).Error(), true
		}

		if s.cards[id].ReservedByUID != uid {
			return nil, fmt.Errorf("%w: card %d", claimerrors.ErrNotReservedByCaller, id).Error(), true
		}
	}

	out := make([]protocol.Card, 0, len(cardIDs))
	for _, id := range cardIDs {
		s.cards[id].ClientPIDs = appendUnique(s.cards[id].ClientPIDs, pid)
		out = append(out, s.cards[id].Card)
	}

	return out, "", false
}

// Release validates and releases every card in cardIDs that pid is
// registered on and that has no lingering process owned by uid. Invalid
// entries accumulate a per-card error message and are left untouched;
// valid entries are released (and the card revoked if no processes or
// co-runners remain).
func (s *Server) Release(uid, pid int32, cardIDs []uint32) string {
	var errs *multierror.Error

	for _, id := range cardIDs {
		if int(id) >= len(s.cards) {
			errs = multierror.Append(errs, fmt.Errorf("%w: %d", claimerrors.ErrCardIndexOutOfRange, id))
			continue
		}

		card := &s.cards[id]

		if card.ReservedByUID != uid {
			errs = multierror.Append(errs, fmt.Errorf("%w: card %d", claimerrors.ErrNotReservedByCaller, id))
			continue
		}

		if !containsPID(card.ClientPIDs, pid) {
			errs = multierror.Append(errs, fmt.Errorf("%w: card %d", claimerrors.ErrNotCoRunner, id))
			continue
		}

		if proc := findProcessByUID(card.Processes, uid); proc != nil {
			errs = multierror.Append(errs, claimerrors.NewCardBusy(int(id), proc.PID))
			continue
		}

		s.releaseFromClient(int(id), pid)
	}

	if errs == nil {
		return ""
	}

	errs.ErrorFormat = newlineErrorFormat

	return errs.Error()
}

// newlineErrorFormat renders a *multierror.Error as one message per line,
// matching the wire format ReleaseResponse.Errors has always used.
func newlineErrorFormat(errs []error) string {
	lines := make([]string, len(errs))
	for i, err := range errs {
		lines[i] = err.Error()
	}

	return strings.Join(lines, "\n")
}

// ClientDisconnected cancels pid's queued Job (if any) and releases its
// co-run registration on every card, revoking any card left with no
// processes and no remaining co-runners.
func (s *Server) ClientDisconnected(pid int32) {
	s.queue.removeByPID(pid)

	for i := range s.cards {
		if containsPID(s.cards[i].ClientPIDs, pid) {
			s.releaseFromClient(i, pid)
		}
	}
}

// releaseFromClient removes pid from card i's co-runner list; if that
// leaves the card with no processes and no co-runners, the card is
// revoked.
func (s *Server) releaseFromClient(i int, pid int32) {
	card := &s.cards[i]
	card.ClientPIDs = removePID(card.ClientPIDs, pid)

	if len(card.Processes) == 0 && len(card.ClientPIDs) == 0 {
		s.revoke(i)
	}
}

// admit transfers card i to uid/pid via the gate and updates in-memory
// state to match.
func (s *Server) admit(i int, uid, pid int32) error {
	card := &s.cards[i]

	if err := s.gate.Admit(card.MinorID, uid); err != nil {
		return fmt.Errorf("admitting uid %d to card %d: %w", uid, i, err)
	}

	card.ReservedByUID = uid
	card.ClientPIDs = []int32{pid}
	card.LastUsageTime = time.Now()

	return nil
}

// revoke transfers card i back to root via the gate, clears co-runners and
// arms LockedUntilUpdate so the card cannot be re-handed out before the
// next successful sample confirms the driver has released it.
func (s *Server) revoke(i int) {
	card := &s.cards[i]

	if err := s.gate.Revoke(card.MinorID); err != nil {
		s.logger.WithError(err).WithField("card", i).Warn("failed to revoke card")
	}

	card.ReservedByUID = 0
	card.ClientPIDs = nil
	card.LockedUntilUpdate = true
	s.revocationsThisTick++

	s.logger.WithField("card", i).Info("card released")
}

// QueueDepth returns the number of jobs currently waiting.
func (s *Server) QueueDepth() int { return s.queue.len() }

// CardsReservedCount returns the number of cards currently reserved by a
// non-root uid.
func (s *Server) CardsReservedCount() int {
	n := 0
	for _, c := range s.cards {
		if c.ReservedByUID != 0 {
			n++
		}
	}

	return n
}

// StaleCardCount returns the number of cards whose most recent sample
// attempt failed.
func (s *Server) StaleCardCount() int {
	n := 0
	for _, c := range s.cards {
		if c.Stale {
			n++
		}
	}

	return n
}

// RevocationsSinceLastCall returns the number of revocations performed
// since the last call and resets the counter.
func (s *Server) RevocationsSinceLastCall() int {
	n := s.revocationsThisTick
	s.revocationsThisTick = 0

	return n
}

func appendUnique(pids []int32, pid int32) []int32 {
	if containsPID(pids, pid) {
		return pids
	}

	return append(pids, pid)
}

func containsPID(pids []int32, pid int32) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}

	return false
}

func removePID(pids []int32, pid int32) []int32 {
	out := pids[:0]
	for _, p := range pids {
		if p != pid {
			out = append(out, p)
		}
	}

	return out
}

func findProcessByUID(procs []protocol.Process, uid int32) *protocol.Process {
	for i := range procs {
		if procs[i].UID == uid {
			return &procs[i]
		}
	}

	return nil
}

// freeCardIndices returns, in increasing index order, every card that is
// unreserved, not locked from a same-tick revoke, and has no driver-visible
// process -- the feasibility predicate from spec.md §4.4.
func (s *Server) freeCardIndices() []int {
	var free []int

	for i, c := range s.cards {
		if c.ReservedByUID == 0 && !c.LockedUntilUpdate && !c.Stale && len(c.Processes) == 0 {
			free = append(free, i)
		}
	}

	return free
}
