// Package server implements the connection multiplexer (spec.md §4.5,
// component C6): it accepts local control connections, authenticates them
// via kernel peer credentials, decodes one request per frame, and
// dispatches into the single-threaded arbiter core. All mutable arbiter
// state is owned exclusively by the goroutine running Server.Run; every
// other goroutine here only ever forwards values over the events channel.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/xqms/gpu-claim/pkg/arbiter"
	"github.com/xqms/gpu-claim/pkg/defaults"
	claimerrors "github.com/xqms/gpu-claim/pkg/errors"
	"github.com/xqms/gpu-claim/pkg/metrics"
	"github.com/xqms/gpu-claim/pkg/protocol"

	"github.com/sirupsen/logrus"
)

type eventKind int

const (
	eventConnect eventKind = iota
	eventMessage
	eventDisconnect
	eventTick
)

// event is the single type flowing through the core loop's inbox,
// covering every source the reactor multiplexes: new connections, client
// messages, disconnects, and the periodic tick.
type event struct {
	kind eventKind
	pid  int32

	conn *net.UnixConn
	cred peerCred

	req protocol.Request
	err error
}

// Config holds the transport-level policy constants from spec.md §6.
type Config struct {
	SocketPath   string
	TickInterval time.Duration
	MaxClients   int
	MaxFrameSize int
}

// Server is the connection multiplexer. Construct with New and run with
// Run, which blocks until ctx is canceled or a fatal setup error occurs.
type Server struct {
	cfg     Config
	core    *arbiter.Server
	logger  *logrus.Entry
	metrics *metrics.Registry
}

// New constructs a Server bound to an already-initialized arbiter core.
func New(cfg Config, core *arbiter.Server, logger *logrus.Entry, reg *metrics.Registry) *Server {
	return &Server{cfg: cfg, core: core, logger: logger, metrics: reg}
}

// Run binds the control socket and drives the core loop until ctx is
// canceled. It is the only place in the process that mutates *arbiter.Server.
func (s *Server) Run(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	defer listener.Close()

	events := make(chan event, 64)

	go s.acceptLoop(ctx, &credListener{listener}, events)
	go s.tickLoop(ctx, events)

	clients := make(map[int32]*clientConn)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-events:
			s.handle(ctx, ev, clients, events)
		}
	}
}

func (s *Server) listen() (*net.UnixListener, error) {
	_ = os.Remove(s.cfg.SocketPath)

	listener, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.cfg.SocketPath, err)
	}

	if err := os.Chmod(s.cfg.SocketPath, defaults.SocketFilePerm); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod %s: %w", s.cfg.SocketPath, err)
	}

	return listener, nil
}

func (s *Server) acceptLoop(ctx context.Context, l *credListener, events chan<- event) {
	for {
		conn, cred, err := l.acceptWithCred()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.WithError(err).Warn("accept failed")
				continue
			}
		}

		events <- event{kind: eventConnect, conn: conn, cred: cred}
	}
}

func (s *Server) tickLoop(ctx context.Context, events chan<- event) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events <- event{kind: eventTick}
		}
	}
}

func (s *Server) handle(ctx context.Context, ev event, clients map[int32]*clientConn, events chan<- event) {
	switch ev.kind {
	case eventConnect:
		s.handleConnect(ev, clients, events)
	case eventMessage:
		s.handleMessage(ctx, ev, clients, events)
	case eventDisconnect:
		s.handleDisconnect(ev, clients)
	case eventTick:
		s.handleTick(ctx, clients)
	}

	if s.metrics != nil {
		s.metrics.ClientsActive.Set(float64(len(clients)))
		s.metrics.QueueDepth.Set(float64(s.core.QueueDepth()))
		s.metrics.CardsReserved.Set(float64(s.core.CardsReservedCount()))
		s.metrics.StaleCards.Set(float64(s.core.StaleCardCount()))
	}
}

func (s *Server) handleConnect(ev event, clients map[int32]*clientConn, events chan<- event) {
	if len(clients) > s.cfg.MaxClients {
		s.logger.WithError(claimerrors.ErrTooManyClients).Warn("refusing connection")
		ev.conn.Close()
		return
	}

	c := &clientConn{
		conn:        ev.conn,
		uid:         ev.cred.uid,
		pid:         ev.cred.pid,
		connectTime: time.Now(),
	}

	clients[c.pid] = c

	go readLoop(c, s.cfg.MaxFrameSize, events)
}

func (s *Server) handleDisconnect(ev event, clients map[int32]*clientConn) {
	c, ok := clients[ev.pid]
	if !ok {
		return
	}

	if ev.err != nil {
		s.logger.WithError(ev.err).WithField("pid", ev.pid).Info("closing client connection")
	}

	delete(clients, ev.pid)
	c.conn.Close()
	s.core.ClientDisconnected(ev.pid)
}

func (s *Server) handleTick(ctx context.Context, clients map[int32]*clientConn) {
	start := time.Now()
	outcomes := s.core.Tick(ctx, start)

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
		s.metrics.RevocationsTotal.Add(float64(s.core.RevocationsSinceLastCall()))
	}

	s.deliverOutcomes(outcomes, clients)
}

func (s *Server) deliverOutcomes(outcomes []arbiter.ClaimOutcome, clients map[int32]*clientConn) {
	for _, o := range outcomes {
		c, ok := clients[o.PID]
		if !ok {
			// The queue and the clients map are both owned exclusively by this
			// goroutine and kept in lockstep by ClientDisconnected, so an
			// outcome for a pid with no registered client means the two have
			// drifted out of sync -- an invariant violation, not a race to
			// tolerate. Let it propagate as a panic, matching the source's
			// "job without client" logic-assertion abort.
			panic(fmt.Sprintf("outcome delivered for pid %d with no registered client", o.PID))
		}

		resp := protocol.Response{Claim: &protocol.ClaimResponse{ClaimedCards: o.ClaimedCards, Error: o.Error}}
		if err := c.send(resp); err != nil {
			s.logger.WithError(err).WithField("pid", o.PID).Warn("failed to deliver claim outcome")
		}

		if s.metrics != nil && len(o.ClaimedCards) > 0 {
			s.metrics.CardsGrantedTotal.Add(float64(len(o.ClaimedCards)))
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, ev event, clients map[int32]*clientConn, events chan<- event) {
	c, ok := clients[ev.pid]
	if !ok {
		return
	}

	switch {
	case ev.req.Status != nil:
		snapshot := s.core.Snapshot()
		_ = c.send(protocol.Response{Status: &snapshot})

	case ev.req.Claim != nil:
		s.handleClaim(ctx, c, ev.req.Claim, clients, events)

	case ev.req.CoRun != nil:
		claimed, errStr, shouldClose := s.core.CoRun(c.uid, c.pid, ev.req.CoRun.GPUs)
		_ = c.send(protocol.Response{Claim: &protocol.ClaimResponse{ClaimedCards: claimed, Error: errStr}})

		if s.metrics != nil && len(claimed) > 0 {
			s.metrics.CardsGrantedTotal.Add(float64(len(claimed)))
		}

		if shouldClose {
			s.handleDisconnect(event{pid: c.pid}, clients)
		}

	case ev.req.Release != nil:
		errStr := s.core.Release(c.uid, c.pid, ev.req.Release.GPUs)
		_ = c.send(protocol.Response{Release: &protocol.ReleaseResponse{Errors: errStr}})
	}
}

func (s *Server) handleClaim(ctx context.Context, c *clientConn, req *protocol.ClaimRequest, clients map[int32]*clientConn, events chan<- event) {
	rejected, shouldClose := s.core.EnqueueClaim(ctx, c.uid, c.pid, req.NumGPUs)
	if rejected != nil {
		_ = c.send(protocol.Response{Claim: rejected})

		if shouldClose {
			s.handleDisconnect(event{pid: c.pid}, clients)
		}

		return
	}

	// Opportunistic admission: try to satisfy the queue with the current
	// snapshot (no re-sampling), per spec.md §4.5's "invoke the admission
	// loop opportunistically". The periodic tick still does the full
	// resample-and-reclaim pass.
	s.deliverOutcomes(s.core.TryAdmit(), clients)
}
