package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCred is the uid/pid the kernel attributes to the other end of a
// connection, established once at accept time from SO_PEERCRED and never
// re-derived from anything the client sends afterwards.
type peerCred struct {
	uid int32
	pid int32
}

// credListener wraps a *net.UnixListener (bound on a "unixpacket" socket)
// so that every accepted connection is accompanied by its peer credentials,
// the same SO_PEERCRED lookup canonical UNIX daemons use to authenticate
// local clients without any cryptographic handshake.
type credListener struct {
	*net.UnixListener
}

// acceptWithCred accepts one connection and resolves its peer credentials.
// A connection whose credentials cannot be read is closed and reported as
// an error, per spec.md §4.5 ("reject further bytes if unavailable").
func (l *credListener) acceptWithCred() (*net.UnixConn, peerCred, error) {
	conn, err := l.UnixListener.Accept()
	if err != nil {
		return nil, peerCred{}, err
	}

	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, peerCred{}, fmt.Errorf("accepted connection is not a unix socket")
	}

	cred, err := peerCredOf(uconn)
	if err != nil {
		uconn.Close()
		return nil, peerCred{}, fmt.Errorf("reading peer credentials: %w", err)
	}

	return uconn, cred, nil
}

func peerCredOf(conn *net.UnixConn) (peerCred, error) {
	f, err := conn.File()
	if err != nil {
		return peerCred{}, err
	}
	// File() returns a dup()'d descriptor; it must be closed independently
	// of the connection it was duplicated from.
	defer f.Close()

	ucred, err := unix.GetsockoptUcred(int(f.Fd()), unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return peerCred{}, err
	}

	return peerCred{uid: int32(ucred.Uid), pid: int32(ucred.Pid)}, nil
}
