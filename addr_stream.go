package httpcore

import (
	"context"
	"net"
)

// AddrStream wraps an accepted transport connection together with the peer
// address observed at accept time. It is the unit AddrIncoming yields and
// Serve consumes; Connection owns it for the lifetime of one connection.
type AddrStream struct {
	net.Conn
	remote net.Addr
}

// newAddrStream wraps conn, recording its remote address once at accept
// time rather than re-querying the socket on every use.
func newAddrStream(conn net.Conn) *AddrStream {
	return &AddrStream{Conn: conn, remote: conn.RemoteAddr()}
}

// Remote returns the peer address recorded at accept time.
func (a *AddrStream) Remote() net.Addr { return a.remote }

// Incoming is any source of accepted connections carrying a peer address.
// AddrIncoming is the built-in implementation backed by a net.Listener;
// ServeIncoming lets a caller supply an equivalent stream from elsewhere
// (e.g. a test harness, or a transport other than TCP).
type Incoming interface {
	// Next blocks until a connection is available, the source is closed
	// (in which case it returns net.ErrClosed), or a fatal error occurs.
	Next(ctx context.Context) (*AddrStream, error)
}
