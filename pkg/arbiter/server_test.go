package arbiter_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xqms/gpu-claim/pkg/arbiter"
	"github.com/xqms/gpu-claim/pkg/protocol"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeGate records every Admit/Revoke call instead of touching real device
// nodes, so the admission loop can be exercised without root or hardware.
type fakeGate struct {
	mu      sync.Mutex
	admits  map[uint32]int32
	revokes map[uint32]int
}

func newFakeGate() *fakeGate {
	return &fakeGate{admits: make(map[uint32]int32), revokes: make(map[uint32]int)}
}

func (g *fakeGate) Admit(minor uint32, uid int32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admits[minor] = uid
	return nil
}

func (g *fakeGate) Revoke(minor uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revokes[minor]++
	delete(g.admits, minor)
	return nil
}

// fakeProber hands back whatever card state the test has loaded into it,
// with ReservedByUID taken from the fake gate's current owner of each minor
// (as the real probe reads it from the device node's owner), optionally
// forcing a particular card to fail its next Sample call.
type fakeProber struct {
	cards     []protocol.Card
	failIndex int
	gate      *fakeGate
}

func newFakeProber(n int) *fakeProber {
	cards := make([]protocol.Card, n)
	for i := range cards {
		cards[i] = protocol.Card{Index: uint32(i), MinorID: uint32(i)}
	}
	return &fakeProber{cards: cards, failIndex: -1}
}

func (p *fakeProber) CardCount() int { return len(p.cards) }

func (p *fakeProber) Sample(ctx context.Context, prev []protocol.Card) []protocol.Card {
	out := make([]protocol.Card, len(p.cards))
	copy(out, p.cards)
	if p.gate != nil {
		p.gate.mu.Lock()
		for i := range out {
			out[i].ReservedByUID = p.gate.admits[out[i].MinorID]
		}
		p.gate.mu.Unlock()
	}
	if p.failIndex >= 0 && p.failIndex < len(prev) {
		out[p.failIndex] = prev[p.failIndex]
	}
	return out
}

func (p *fakeProber) IsStale(i int) bool { return i == p.failIndex }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T, numCards int) (*arbiter.Server, *fakeGate, *fakeProber) {
	t.Helper()

	return newTestServerWithSentinel(t, numCards, filepath.Join(t.TempDir(), "maintenance"))
}

func newTestServerWithSentinel(t *testing.T, numCards int, sentinelPath string) (*arbiter.Server, *fakeGate, *fakeProber) {
	t.Helper()

	gate := newFakeGate()
	prober := newFakeProber(numCards)
	prober.gate = gate

	srv, err := arbiter.NewServer(context.Background(), arbiter.Config{
		GPULimitPerUser: 8,
		IdleTimeout:     60 * time.Second,
	}, gate, prober, sentinelPath, testLogger())
	require.NoError(t, err)

	return srv, gate, prober
}

func TestEnqueueClaimRejectsOverCap(t *testing.T) {
	srv, _, _ := newTestServer(t, 4)

	resp, shouldClose := srv.EnqueueClaim(context.Background(), 1000, 1, 9)
	require.True(t, shouldClose)
	require.NotEmpty(t, resp.Error)
	require.Zero(t, srv.QueueDepth())
}

func TestEnqueueClaimRejectsZero(t *testing.T) {
	srv, _, _ := newTestServer(t, 4)

	resp, shouldClose := srv.EnqueueClaim(context.Background(), 1000, 1, 0)
	require.True(t, shouldClose)
	require.NotEmpty(t, resp.Error)
}

func TestTickAdmitsFromFreeCards(t *testing.T) {
	srv, gate, _ := newTestServer(t, 4)

	resp, shouldClose := srv.EnqueueClaim(context.Background(), 1000, 111, 2)
	require.Nil(t, resp)
	require.False(t, shouldClose)
	require.Equal(t, 1, srv.QueueDepth())

	outcomes := srv.Tick(context.Background(), time.Now())
	require.Len(t, outcomes, 1)
	require.Equal(t, int32(111), outcomes[0].PID)
	require.Len(t, outcomes[0].ClaimedCards, 2)
	require.Empty(t, outcomes[0].Error)
	require.Zero(t, srv.QueueDepth())
	require.Equal(t, 2, srv.CardsReservedCount())
	require.Len(t, gate.admits, 2)
}

func TestTickBlocksWhenInsufficientFreeCards(t *testing.T) {
	srv, _, _ := newTestServer(t, 2)

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)
	_, _ = srv.EnqueueClaim(context.Background(), 1001, 2, 2)

	outcomes := srv.Tick(context.Background(), time.Now())
	require.Len(t, outcomes, 1, "only the first job should be admitted; the second blocks on free cards")
	require.Equal(t, int32(1), outcomes[0].PID)
	require.Equal(t, 1, srv.QueueDepth())
}

func TestPerUserCapEnforcedAtDrainTime(t *testing.T) {
	srv, _, _ := newTestServer(t, 8)

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 8)
	srv.Tick(context.Background(), time.Now())
	require.Equal(t, 8, srv.CardsReservedCount())

	resp, shouldClose := srv.EnqueueClaim(context.Background(), 1000, 2, 1)
	require.Nil(t, resp)
	require.False(t, shouldClose)

	outcomes := srv.TryAdmit()
	require.Len(t, outcomes, 1)
	require.Equal(t, int32(2), outcomes[0].PID)
	require.NotEmpty(t, outcomes[0].Error)
}

func TestReleaseRejectsWrongOwner(t *testing.T) {
	srv, _, _ := newTestServer(t, 2)

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)
	srv.Tick(context.Background(), time.Now())

	errs := srv.Release(2000, 1, []uint32{0})
	require.NotEmpty(t, errs)
}

func TestReleaseSucceedsAndRevokesCard(t *testing.T) {
	srv, gate, _ := newTestServer(t, 2)

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)
	srv.Tick(context.Background(), time.Now())
	require.Equal(t, 1, srv.CardsReservedCount())

	errs := srv.Release(1000, 1, []uint32{0})
	require.Empty(t, errs)
	require.Zero(t, srv.CardsReservedCount())
	require.Equal(t, 1, gate.revokes[0])
}

func TestClientDisconnectedReleasesAndCancelsQueue(t *testing.T) {
	srv, _, _ := newTestServer(t, 1)

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)
	srv.Tick(context.Background(), time.Now())
	require.Equal(t, 1, srv.CardsReservedCount())

	_, shouldClose := srv.EnqueueClaim(context.Background(), 2000, 2, 1)
	require.False(t, shouldClose)
	require.Equal(t, 1, srv.QueueDepth())

	srv.ClientDisconnected(1)
	require.Zero(t, srv.CardsReservedCount())

	outcomes := srv.Tick(context.Background(), time.Now())
	require.Len(t, outcomes, 1)
	require.Equal(t, int32(2), outcomes[0].PID)
	require.Len(t, outcomes[0].ClaimedCards, 1)
}

func TestCoRunRequiresCallerOwnership(t *testing.T) {
	srv, _, _ := newTestServer(t, 2)

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)
	srv.Tick(context.Background(), time.Now())

	_, errStr, shouldClose := srv.CoRun(2000, 99, []uint32{0})
	require.NotEmpty(t, errStr)
	require.True(t, shouldClose)

	claimed, errStr, shouldClose := srv.CoRun(1000, 99, []uint32{0})
	require.Empty(t, errStr)
	require.False(t, shouldClose)
	require.Len(t, claimed, 1)
}

func TestMaintenanceModeRejectsQueuedJobs(t *testing.T) {
	sentinelPath := filepath.Join(t.TempDir(), "maintenance")
	srv, _, _ := newTestServerWithSentinel(t, 2, sentinelPath)

	require.NoError(t, os.WriteFile(sentinelPath, nil, 0o644))

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)

	outcomes := srv.TryAdmit()
	require.Len(t, outcomes, 1)
	require.NotEmpty(t, outcomes[0].Error)
	require.Zero(t, srv.QueueDepth())
}

func TestIdleCardReclaimedAfterTimeout(t *testing.T) {
	srv, gate, _ := newTestServer(t, 2)

	start := time.Now()

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)
	outcomes := srv.Tick(context.Background(), start)
	require.Len(t, outcomes, 1)
	require.Equal(t, 1, srv.CardsReservedCount())

	// No driver-visible process ever showed up on the card and only 30s of
	// the 60s idle window have passed, so it must survive this tick.
	srv.Tick(context.Background(), start.Add(30*time.Second))
	require.Equal(t, 1, srv.CardsReservedCount())

	// 61s past the last activity point crosses the 60s idle threshold.
	srv.Tick(context.Background(), start.Add(61*time.Second))
	require.Zero(t, srv.CardsReservedCount())
	require.Equal(t, 1, gate.revokes[0])
}

func TestCoRunSurvivesFirstDisconnectReleasedOnSecond(t *testing.T) {
	srv, gate, _ := newTestServer(t, 1)

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)
	srv.Tick(context.Background(), time.Now())
	require.Equal(t, 1, srv.CardsReservedCount())

	claimed, errStr, shouldClose := srv.CoRun(1000, 2, []uint32{0})
	require.Empty(t, errStr)
	require.False(t, shouldClose)
	require.Len(t, claimed, 1)

	srv.ClientDisconnected(1)
	require.Equal(t, 1, srv.CardsReservedCount(), "card stays reserved while the second co-runner is still attached")
	require.Zero(t, gate.revokes[0])

	srv.ClientDisconnected(2)
	require.Zero(t, srv.CardsReservedCount())
	require.Equal(t, 1, gate.revokes[0])
}

func TestReleaseRejectsBusyCardWithMultipleCoRunners(t *testing.T) {
	srv, gate, prober := newTestServer(t, 1)

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)
	srv.Tick(context.Background(), time.Now())
	require.Equal(t, 1, srv.CardsReservedCount())

	claimed, errStr, shouldClose := srv.CoRun(1000, 2, []uint32{0})
	require.Empty(t, errStr)
	require.False(t, shouldClose)
	require.Len(t, claimed, 1)

	// A driver-visible process owned by the releasing uid shows up on the
	// card while it still has two registered co-runners.
	prober.cards[0].Processes = []protocol.Process{{UID: 1000, PID: 999}}
	srv.Tick(context.Background(), time.Now())

	errs := srv.Release(1000, 1, []uint32{0})
	require.NotEmpty(t, errs, "the busy check must apply regardless of how many co-runners remain")
	require.Equal(t, 1, srv.CardsReservedCount())
	require.Zero(t, gate.revokes[0])
}

func TestStaleCardExcludedFromFreeSetForOneTick(t *testing.T) {
	srv, _, prober := newTestServer(t, 2)

	prober.failIndex = 0

	outcomes := srv.Tick(context.Background(), time.Now())
	require.Empty(t, outcomes)
	require.Equal(t, 1, srv.StaleCardCount())

	_, _ = srv.EnqueueClaim(context.Background(), 1000, 1, 1)

	outcomes = srv.Tick(context.Background(), time.Now())
	require.Len(t, outcomes, 1, "the second card is still free despite the first being stale")
	require.Equal(t, 1, srv.CardsReservedCount())

	prober.failIndex = -1
	srv.Tick(context.Background(), time.Now())
	require.Zero(t, srv.StaleCardCount())
}
