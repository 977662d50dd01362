package httpcore

import (
	"context"
	"net"
	"time"
)

// connectionKeepAlivePeriod is the SO_KEEPALIVE period applied to accepted
// sockets when HTTP keep-alive is enabled. It is independent of HTTP
// keep-alive itself: this is TCP-level dead-peer detection, not the
// "reuse this connection for the next request" semantics HTTPConfig.
// KeepAlive controls.
const connectionKeepAlivePeriod = 90 * time.Second

// HTTPConfig is an immutable set of HTTP/1.x protocol options, cloned into
// every Server and every worker spawned by RunWorkers.
type HTTPConfig struct {
	KeepAlive     bool
	Pipeline      bool
	MaxBufSize    int
	SleepOnErrors bool
}

// NewHTTPConfig returns the default configuration: keep-alive on,
// pipelining off, no buffer cap, accept errors are fatal.
func NewHTTPConfig() *HTTPConfig {
	return &HTTPConfig{KeepAlive: true}
}

// WithKeepAlive toggles HTTP/1.1 keep-alive. Disabling it also disables
// SO_KEEPALIVE tagging on accepted sockets.
func (c *HTTPConfig) WithKeepAlive(v bool) *HTTPConfig { c.KeepAlive = v; return c }

// WithPipeline forwards a flush-aggregation hint to Connection: a handler's
// own Flush calls are suppressed, so each response is flushed once, when its
// handler returns. Consecutive pipelined responses are still flushed one by
// one.
func (c *HTTPConfig) WithPipeline(v bool) *HTTPConfig { c.Pipeline = v; return c }

// WithMaxBufSize caps the buffer used while parsing a request head.
func (c *HTTPConfig) WithMaxBufSize(n int) *HTTPConfig { c.MaxBufSize = n; return c }

// WithSleepOnErrors controls accept-error handling. With true, per-connection
// errors (refused/aborted/reset) are retried at once and resource-exhaustion
// errors back off and retry. With false (the default), every accept error
// other than a closed listener is surfaced as fatal, terminating the server.
func (c *HTTPConfig) WithSleepOnErrors(v bool) *HTTPConfig { c.SleepOnErrors = v; return c }

func (c *HTTPConfig) clone() *HTTPConfig {
	cp := *c
	return &cp
}

func (c *HTTPConfig) keepAlivePeriod() time.Duration {
	if !c.KeepAlive {
		return 0
	}
	return connectionKeepAlivePeriod
}

// Bind binds addr as TCP with SO_REUSEADDR (and SO_REUSEPORT on Unix), then
// returns a Server ready to Run. The listen backlog is not set here; it is
// the platform's default.
func (c *HTTPConfig) Bind(addr string, factory NewService) (*Server, error) {
	ln, err := listenReusable(addr)
	if err != nil {
		return nil, err
	}
	return newServer(c.clone(), ln, factory), nil
}

// ServeListener adapts an externally bound listener into a Serve, without
// constructing a Server around it. Useful for embedding into a caller's own
// lifecycle management.
func (c *HTTPConfig) ServeListener(ln net.Listener, factory NewService) *Serve {
	incoming := NewAddrIncoming(ln, c.keepAlivePeriod(), c.SleepOnErrors)
	return NewServe(incoming, factory, c.clone(), NewLiveCount(), nil)
}

// ServeIncoming adapts an arbitrary Incoming source (e.g. a test harness,
// or a non-TCP transport) into a Serve.
func (c *HTTPConfig) ServeIncoming(incoming Incoming, factory NewService) *Serve {
	return NewServe(incoming, factory, c.clone(), NewLiveCount(), nil)
}

// ServeConnection bypasses accept entirely, driving exactly one already-
// established connection with svc. The returned Connection has not been
// started; call Run.
func (c *HTTPConfig) ServeConnection(conn net.Conn, svc Service) *Connection {
	stream := newAddrStream(conn)
	addrSvc := newSocketAddrService(svc, stream.Remote())
	notifySvc := newNotifyService(addrSvc, NewLiveCount())
	return newConnection(stream, notifySvc, c.clone(), nil)
}

// NewStandaloneServer returns a Server with no bound listener and no accept
// loop of its own: HTTP_WORKERS=0 mode, where the embedder receives
// connections by some means outside this package (e.g. one connection per
// process invocation) and drives each directly with ServeConnection. It
// exists only so StartMetricsServer has something to read metrics and
// Ready from; Run, RunUntil, and RunWorkers all return an error if called
// on it.
func (c *HTTPConfig) NewStandaloneServer(factory NewService) *Server {
	metrics := newMetricsRegistry()
	return &Server{
		config:          c.clone(),
		factory:         factory,
		counts:          NewLiveCount().WithMetrics(metrics),
		metrics:         metrics,
		shutdownTimeout: defaultShutdownTimeout,
		firstAcceptDone: make(chan struct{}),
		liveConn:        make(map[*Connection]context.CancelFunc),
		standalone:      true,
	}
}
