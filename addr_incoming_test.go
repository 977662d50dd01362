package httpcore

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// scriptedListener yields conns/errs in order from a fixed script, then
// blocks until closed.
type scriptedListener struct {
	mu     sync.Mutex
	script []scriptedResult
	pos    int
	addr   net.Addr
	closed chan struct{}
	once   sync.Once
}

type scriptedResult struct {
	conn net.Conn
	err  error
}

func newScriptedListener(script ...scriptedResult) *scriptedListener {
	return &scriptedListener{script: script, addr: &mockAddr{s: "127.0.0.1:0"}, closed: make(chan struct{})}
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.pos < len(l.script) {
		r := l.script[l.pos]
		l.pos++
		l.mu.Unlock()
		return r.conn, r.err
	}
	l.mu.Unlock()

	<-l.closed
	return nil, net.ErrClosed
}

func (l *scriptedListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr { return l.addr }

type fakeConn struct {
	net.Conn
	remote net.Addr
	closed bool
}

func (c *fakeConn) RemoteAddr() net.Addr { return c.remote }
func (c *fakeConn) Close() error         { c.closed = true; return nil }
func (c *fakeConn) Read([]byte) (int, error)  { return 0, net.ErrClosed }
func (c *fakeConn) Write([]byte) (int, error) { return 0, net.ErrClosed }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) LocalAddr() net.Addr              { return &mockAddr{s: "127.0.0.1:8080"} }

type AddrIncomingTestSuite struct {
	suite.Suite
}

func (s *AddrIncomingTestSuite) TestPerConnectionErrorRetriesImmediately() {
	good := &fakeConn{remote: &mockAddr{s: "1.2.3.4:5"}}
	ln := newScriptedListener(
		scriptedResult{err: syscall.ECONNRESET},
		scriptedResult{conn: good},
	)
	ai := NewAddrIncoming(ln, 0, true)

	stream, err := ai.Next(context.Background())
	s.NoError(err)
	s.Equal(good.remote, stream.Remote())
}

func (s *AddrIncomingTestSuite) TestTransientResourceErrorFatalWhenSleepDisabled() {
	ln := newScriptedListener(scriptedResult{err: syscall.EMFILE})
	ai := NewAddrIncoming(ln, 0, false)

	_, err := ai.Next(context.Background())
	s.ErrorIs(err, syscall.EMFILE)
}

func (s *AddrIncomingTestSuite) TestTransientResourceErrorBacksOffWhenSleepEnabled() {
	good := &fakeConn{remote: &mockAddr{s: "1.2.3.4:5"}}
	ln := newScriptedListener(
		scriptedResult{err: syscall.EMFILE},
		scriptedResult{conn: good},
	)
	ai := NewAddrIncoming(ln, 0, true)

	start := time.Now()
	stream, err := ai.Next(context.Background())
	elapsed := time.Since(start)

	s.NoError(err)
	s.Equal(good.remote, stream.Remote())
	s.GreaterOrEqual(elapsed, acceptBackoff)
}

func (s *AddrIncomingTestSuite) TestClosedListenerReturnsCleanly() {
	ln := newScriptedListener()
	ai := NewAddrIncoming(ln, 0, false)
	_ = ai.Close()

	_, err := ai.Next(context.Background())
	s.True(errors.Is(err, net.ErrClosed))
}

func (s *AddrIncomingTestSuite) TestAcceptGuardRejectsOverQuota() {
	conn1 := &fakeConn{remote: &mockAddr{s: "9.9.9.9:1"}}
	conn2 := &fakeConn{remote: &mockAddr{s: "9.9.9.9:2"}}
	good := &fakeConn{remote: &mockAddr{s: "8.8.8.8:3"}}
	ln := newScriptedListener(
		scriptedResult{conn: conn1},
		scriptedResult{conn: conn2},
		scriptedResult{conn: good},
	)
	guard := NewAcceptGuard(context.Background(), 1, time.Minute)
	ai := NewAddrIncoming(ln, 0, false).WithAcceptGuard(guard)

	// First accept succeeds and is allowed by the guard; the second from
	// the same remote IP is rejected and skipped internally, so Next's
	// second call must still return the third connection, which comes from
	// another IP and is allowed.
	stream1, err := ai.Next(context.Background())
	s.Require().NoError(err)
	s.Equal(conn1.remote, stream1.Remote())

	s.True(conn2.closed == false) // not yet touched until the next Accept

	stream2, err := ai.Next(context.Background())
	s.Require().NoError(err)
	s.Equal(good.remote, stream2.Remote())
	s.True(conn2.closed)
}

func (s *AddrIncomingTestSuite) TestPrefaceRejectionClosesConnBeforeServe() {
	bad := &fakeConn{remote: &mockAddr{s: "5.5.5.5:1"}}
	good := &fakeConn{remote: &mockAddr{s: "5.5.5.5:2"}}
	ln := newScriptedListener(
		scriptedResult{conn: bad},
		scriptedResult{conn: good},
	)
	ai := NewAddrIncoming(ln, 0, false).WithPreface(func(c net.Conn) error {
		if c == bad {
			return errors.New("rejected")
		}
		return nil
	})

	stream, err := ai.Next(context.Background())
	s.Require().NoError(err)
	s.Equal(good.remote, stream.Remote())
	s.True(bad.closed)
}

func TestAddrIncoming(t *testing.T) {
	suite.Run(t, new(AddrIncomingTestSuite))
}
