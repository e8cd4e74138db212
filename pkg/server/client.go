package server

import (
	"net"
	"time"

	claimerrors "github.com/xqms/gpu-claim/pkg/errors"
	"github.com/xqms/gpu-claim/pkg/protocol"
)

// clientConn is one connected control session (spec.md §3's Client
// record). It is only ever touched by the core loop goroutine; the
// per-connection reader goroutine only reads from conn and pushes events,
// it never mutates clientConn fields itself.
type clientConn struct {
	conn        *net.UnixConn
	uid         int32
	pid         int32
	connectTime time.Time
}

func (c *clientConn) send(resp protocol.Response) error {
	b, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}

	_, err = c.conn.Write(b)

	return err
}

// readLoop reads one frame per message (the underlying socket is
// "unixpacket", so message boundaries are preserved by the kernel) and
// forwards an eventMessage per frame, or a single eventDisconnect, to events, strictly in
// arrival order, until the connection closes or a frame fails to decode.
func readLoop(c *clientConn, maxFrameSize int, events chan<- event) {
	buf := make([]byte, maxFrameSize)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			events <- event{kind: eventDisconnect, pid: c.pid}
			return
		}

		if n == maxFrameSize {
			// A "unixpacket" read that exactly fills the buffer likely means
			// the kernel truncated a longer datagram (SOCK_SEQPACKET drops
			// anything past what recv's buffer can hold); decoding it would
			// silently misparse a well-formed but oversized frame.
			events <- event{kind: eventDisconnect, pid: c.pid, err: claimerrors.ErrFrameTooLarge}
			return
		}

		req, err := protocol.DecodeRequest(buf[:n])
		if err != nil {
			events <- event{kind: eventDisconnect, pid: c.pid, err: err}
			return
		}

		events <- event{kind: eventMessage, pid: c.pid, req: req}
	}
}
