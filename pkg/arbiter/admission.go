package arbiter

import (
	"context"
	"time"

	claimerrors "github.com/xqms/gpu-claim/pkg/errors"
	"github.com/xqms/gpu-claim/pkg/protocol"

	"golang.org/x/sys/unix"
)

// Tick runs one full pass of the admission loop: refresh every card from
// the probe, reap dead co-runners and idle reservations, refresh the
// maintenance flag, then drain the queue from the head while feasible.
// now is injectable so tests can simulate idle timeouts without sleeping.
func (s *Server) Tick(ctx context.Context, now time.Time) []ClaimOutcome {
	s.refreshCards(ctx, now)
	s.refreshMaintenance()

	return s.drainQueue()
}

// TryAdmit runs an opportunistic admission pass triggered by a new Claim
// arriving between ticks: it refreshes the maintenance flag and drains the
// queue against the current card snapshot, without re-sampling telemetry.
// The periodic Tick is the only path that re-samples; this keeps a newly
// queued job from waiting a full tick interval when capacity is already
// free right now.
func (s *Server) TryAdmit() []ClaimOutcome {
	s.refreshMaintenance()

	return s.drainQueue()
}

// refreshCards re-samples every card, reaps co-runner pids that are no
// longer alive when a card has gone idle, and revokes cards idle past
// cfg.IdleTimeout.
func (s *Server) refreshCards(ctx context.Context, now time.Time) {
	prevWire := make([]protocol.Card, len(s.cards))
	for i, c := range s.cards {
		prevWire[i] = c.Card
	}

	sampled := s.prober.Sample(ctx, prevWire)

	for i := range s.cards {
		card := &s.cards[i]

		if s.prober.IsStale(i) {
			card.Stale = true
			continue
		}

		lastUsage := card.LastUsageTime
		clientPIDs := card.ClientPIDs
		card.Stale = false
		card.Card = sampled[i]
		card.LockedUntilUpdate = false

		// Co-runner pids are the arbiter's own record; the probe never
		// reports them, so they are carried over from before the sample.
		card.ClientPIDs = clientPIDs

		// The probe only advances LastUsageTime while a driver-visible
		// process is running; a reserved card with none keeps the idle
		// clock admit() started, rather than snapping back to the probe's
		// zero value and looking idle-timed-out immediately.
		if len(card.Processes) > 0 {
			lastUsage = now
		}
		card.LastUsageTime = lastUsage

		if len(card.Processes) == 0 && len(card.ClientPIDs) > 0 {
			alive := make([]int32, 0, len(card.ClientPIDs))

			for _, pid := range card.ClientPIDs {
				if processAlive(pid) {
					alive = append(alive, pid)
				} else {
					s.logger.WithField("card", i).WithField("pid", pid).Info("dropping dead co-runner")
				}
			}

			card.ClientPIDs = alive

			if len(card.ClientPIDs) == 0 {
				s.revoke(i)
				continue
			}
		}

		if card.ReservedByUID != 0 && now.Sub(card.LastUsageTime) > s.cfg.IdleTimeout {
			s.logger.WithField("card", i).Info("revoking idle card")
			s.revoke(i)
		}
	}
}

// processAlive reports whether pid refers to a live process, via a
// zero-signal existence check. EPERM means the process exists but belongs
// to another user, so it counts as alive.
func processAlive(pid int32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || err == unix.EPERM
}

// drainQueue attempts to satisfy the queue head repeatedly until it blocks,
// exactly as spec.md §4.4 describes: no head-of-line bypass, leftmost-first
// packing of the free set.
func (s *Server) drainQueue() []ClaimOutcome {
	var outcomes []ClaimOutcome

	for {
		job, ok := s.queue.front()
		if !ok {
			return outcomes
		}

		if s.maintenance {
			outcomes = append(outcomes, ClaimOutcome{
				PID:   job.PID,
				Error: claimerrors.ErrMaintenanceMode.Error(),
			})
			s.queue.popFront()
			continue
		}

		if s.cardsHeldBy(job.UID)+int(job.NumGPUs) > s.cfg.GPULimitPerUser {
			outcomes = append(outcomes, ClaimOutcome{
				PID:   job.PID,
				Error: claimerrors.ErrPerUserCapReached.Error(),
			})
			s.queue.popFront()
			continue
		}

		free := s.freeCardIndices()
		if int64(len(free)) < job.NumGPUs {
			return outcomes
		}

		claimed := make([]protocol.Card, 0, job.NumGPUs)
		for i := int64(0); i < job.NumGPUs; i++ {
			idx := free[i]

			if err := s.admit(idx, job.UID, job.PID); err != nil {
				s.logger.WithError(err).WithField("card", idx).Error("admit failed")
				continue
			}

			claimed = append(claimed, s.cards[idx].Card)
		}

		outcomes = append(outcomes, ClaimOutcome{PID: job.PID, ClaimedCards: claimed})
		s.queue.popFront()
	}
}
