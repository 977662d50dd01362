package httpcore

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
)

// remoteAddrKey is the context key SocketAddrService stamps the peer
// address under, for handlers that want the typed net.Addr rather than the
// string already available on http.Request.RemoteAddr.
type remoteAddrKeyType struct{}

var remoteAddrKey = remoteAddrKeyType{}

// RemoteAddrFromContext returns the peer address stamped by SocketAddrService,
// if any.
func RemoteAddrFromContext(ctx context.Context) (net.Addr, bool) {
	addr, ok := ctx.Value(remoteAddrKey).(net.Addr)
	return addr, ok
}

// socketAddrService wraps a user Service, stamping the peer address into
// every request it dispatches before delegating. It holds no other state.
type socketAddrService struct {
	inner  Service
	remote net.Addr
}

func newSocketAddrService(inner Service, remote net.Addr) *socketAddrService {
	return &socketAddrService{inner: inner, remote: remote}
}

func (s *socketAddrService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.RemoteAddr = s.remote.String()
	ctx := context.WithValue(r.Context(), remoteAddrKey, s.remote)
	s.inner.ServeHTTP(w, r.WithContext(ctx))
}

// LiveCount tracks the number of connections currently in flight so a
// graceful shutdown can wait for them to drain. It is owned by a Server and
// referenced (non-owning) by every NotifyService created for that server's
// connections.
//
// The original Rust implementation gave each NotifyService a weak
// reference into an Rc-counted cell so a late decrement after shutdown had
// already torn things down would simply fail to upgrade and become a
// no-op. Go has no weak references; the same effect is achieved with an
// atomic "retired" flag set exactly once by the owning Server at the end of
// the drain phase, after which every NotifyService.Close call is a no-op.
type LiveCount struct {
	active  atomic.Int64
	retired atomic.Bool
	notify  chan struct{}
	metrics *metricsRegistry
}

// NewLiveCount returns a fresh, non-retired counter with a single-slot
// parked-waiter channel.
func NewLiveCount() *LiveCount {
	return &LiveCount{notify: make(chan struct{}, 1)}
}

// WithMetrics installs the registry this counter reports its live gauge to.
// A nil registry (the default) disables reporting.
func (lc *LiveCount) WithMetrics(m *metricsRegistry) *LiveCount {
	lc.metrics = m
	return lc
}

// Active returns the current live connection count.
func (lc *LiveCount) Active() int64 { return lc.active.Load() }

// increment is called exactly once per accepted connection, before its
// NotifyService is handed off.
func (lc *LiveCount) increment() {
	n := lc.active.Add(1)
	lc.metrics.setActive(n)
}

// decrement is called exactly once when a NotifyService's connection
// closes. If the count reaches zero and a waiter is parked, it is woken
// with a non-blocking send - the channel has capacity for exactly one
// pending notification, which is all that can ever be relevant since at
// most one goroutine waits in a Server's drain step at a time.
func (lc *LiveCount) decrement() {
	n := lc.active.Add(-1)
	lc.metrics.setActive(n)
	if n == 0 {
		select {
		case lc.notify <- struct{}{}:
		default:
		}
	}
}

// retire marks the counter as no longer meaningful; subsequent decrements
// from late-closing connections become no-ops.
func (lc *LiveCount) retire() {
	lc.retired.Store(true)
}

// waitDrained blocks until Active() reaches zero or ctx is done. Because a
// notification can race a concurrent increment, the atomic value is
// re-checked on every wake rather than trusted on its own.
func (lc *LiveCount) waitDrained(ctx context.Context) error {
	for {
		if lc.active.Load() == 0 {
			return nil
		}
		select {
		case <-lc.notify:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// notifyService wraps a Service and decrements LiveCount exactly once when
// closed. Close is idempotent and safe to call after the owning Server has
// retired the counter.
type notifyService struct {
	inner  Service
	counts *LiveCount
	closed atomic.Bool
}

func newNotifyService(inner Service, counts *LiveCount) *notifyService {
	counts.increment()
	return &notifyService{inner: inner, counts: counts}
}

func (n *notifyService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n.inner.ServeHTTP(w, r)
}

// Close releases this connection's slot in LiveCount. It is a no-op if
// LiveCount has already been retired (shutdown's drain step has already
// moved on) or if called more than once.
func (n *notifyService) Close() {
	if n.closed.Swap(true) {
		return
	}
	if n.counts.retired.Load() {
		return
	}
	n.counts.decrement()
}
