package httpcore

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultShutdownTimeout = time.Second

// Server is the top-level composition of AddrIncoming and Serve: it owns a
// bound listener, spawns a Connection per accepted stream, and orchestrates
// graceful shutdown by racing an external signal against the accept loop
// and then bounding the post-unbind drain by a configurable timeout.
type Server struct {
	config  *HTTPConfig
	factory NewService

	incoming *AddrIncoming
	counts   *LiveCount
	metrics  *metricsRegistry
	ticker   *dateTicker

	shutdownTimeout time.Duration
	firstAcceptDone chan struct{}

	liveMu   sync.Mutex
	liveConn map[*Connection]context.CancelFunc

	// standalone marks a Server built by NewStandaloneServer: it owns no
	// listener and runs no accept loop of its own (HTTP_WORKERS=0 - the
	// embedder drives ServeConnection directly per connection it receives
	// from elsewhere). Ready reports healthy immediately since there is no
	// accept loop to wait for.
	standalone bool
}

func newServer(config *HTTPConfig, ln net.Listener, factory NewService) *Server {
	metrics := newMetricsRegistry()
	incoming := NewAddrIncoming(ln, config.keepAlivePeriod(), config.SleepOnErrors).WithMetrics(metrics)
	return &Server{
		config:          config,
		factory:         factory,
		incoming:        incoming,
		counts:          NewLiveCount().WithMetrics(metrics),
		metrics:         metrics,
		shutdownTimeout: defaultShutdownTimeout,
		firstAcceptDone: make(chan struct{}),
		liveConn:        make(map[*Connection]context.CancelFunc),
	}
}

// Addr returns the address the server's listener is bound to, or nil for a
// standalone Server (see NewStandaloneServer).
func (s *Server) Addr() net.Addr {
	if s.incoming == nil {
		return nil
	}
	return s.incoming.Addr()
}

// SetShutdownTimeout overrides the default 1s bound on the post-unbind
// drain wait.
func (s *Server) SetShutdownTimeout(d time.Duration) { s.shutdownTimeout = d }

// WithAcceptGuard installs an optional sliding-window per-remote accept
// limiter, applied before any Service is constructed.
func (s *Server) WithAcceptGuard(guard AcceptLimiter) *Server {
	s.incoming.WithAcceptGuard(guard)
	return s
}

// WithPreface installs an optional pre-dispatch probe (see AddrIncoming.
// WithPreface).
func (s *Server) WithPreface(probe func(net.Conn) error) *Server {
	s.incoming.WithPreface(probe)
	return s
}

// Ready reports whether this server's accept loop has started - used by the
// metrics server's /ready endpoint. A standalone
// Server (HTTP_WORKERS=0) has no accept loop to wait on and is always ready.
func (s *Server) Ready() bool {
	if s.standalone {
		return true
	}
	select {
	case <-s.firstAcceptDone:
		return true
	default:
		return false
	}
}

// Run drives the server until ctx is canceled, then drains for the
// configured shutdown timeout. ctx cancellation is itself treated as the
// graceful shutdown signal, so it is reported as a nil error rather than
// ctx.Err() - only a genuine accept-path failure is returned.
func (s *Server) Run(ctx context.Context) error {
	err := s.RunUntil(ctx, ctx.Done())
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// RunUntil drives the accept loop, spawning a Connection per accepted
// stream, until shutdown fires or a fatal accept-path error occurs. Once
// triggered, it closes the listener (no further accepts) and waits for
// in-flight connections to drain, bounded by the shutdown timeout.
func (s *Server) RunUntil(ctx context.Context, shutdown <-chan struct{}) error {
	if s.standalone {
		return errors.New("httpcore: standalone server has no accept loop; drive ServeConnection directly")
	}

	startDateTicker(s.metrics)

	serve := NewServe(s.incoming, s.factory, s.config, s.counts, s.metrics)

	acceptCtx, cancelAccept := context.WithCancel(ctx)
	defer cancelAccept()

	connErrs := make(chan error, 1)
	go s.acceptLoop(acceptCtx, serve, connErrs)

	var runErr error
	select {
	case <-shutdown:
	case err := <-connErrs:
		runErr = err
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	cancelAccept()
	_ = s.incoming.Close()

	drainStart := time.Now()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancelDrain()
	drainErr := s.counts.waitDrained(drainCtx)
	s.metrics.observeShutdownDrain(time.Since(drainStart))
	s.counts.retire()

	if drainErr != nil {
		// Timed out with connections still live: force them closed rather
		// than leaving their goroutines running past RunUntil's return.
		s.closeLiveConnections()
	}

	return runErr
}

// acceptLoop repeatedly pulls Connections from serve and spawns each on its
// own goroutine, until Next returns an error (clean close on shutdown, or a
// fatal/factory error reported back on errs).
//
// Connections are deliberately NOT tied to the accept loop's own context:
// closing the listener must not itself tear down in-flight connections,
// only the configurable shutdown timeout (via closeLiveConnections) does
// that. Each Connection gets its own cancelable context, tracked in
// liveConn so the drain step can force-close any still running once the
// timeout elapses.
func (s *Server) acceptLoop(ctx context.Context, serve *Serve, errs chan<- error) {
	close(s.firstAcceptDone)
	for {
		conn, err := serve.Next(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			select {
			case errs <- err:
			default:
			}
			return
		}

		connCtx, cancel := context.WithCancel(context.Background())
		s.trackConnection(conn, cancel)

		go func() {
			defer s.untrackConnection(conn)
			conn.Run(connCtx)
			if err := conn.Err(); err != nil {
				logger.Error("server: connection ended with error", zap.Error(err))
			}
		}()
	}
}

func (s *Server) trackConnection(c *Connection, cancel context.CancelFunc) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.liveConn[c] = cancel
}

func (s *Server) untrackConnection(c *Connection) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	delete(s.liveConn, c)
}

// closeLiveConnections forcibly cancels and closes every connection still
// tracked as live. Called only after the shutdown drain timeout elapses.
func (s *Server) closeLiveConnections() {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	for c, cancel := range s.liveConn {
		cancel()
		_ = c.Close()
	}
}

// RunWorkers turns this already-bound Server into worker 0 of an n-worker
// pool: it spawns n-1 additional Servers, each with its own listener bound
// to the same address via SO_REUSEPORT, and drives all n until shutdown
// fires or ctx is canceled. The kernel distributes accepted connections
// across the per-worker listeners; workers share nothing but the service
// factory and any accept guard or preface probe installed on this Server -
// there is no cross-worker queue. On
// platforms without SO_REUSEPORT, n>1 returns ErrReusePortUnsupported
// rather than silently running a single worker.
func (s *Server) RunWorkers(ctx context.Context, n int) error {
	if s.standalone {
		return errors.New("httpcore: standalone server has no accept loop; drive ServeConnection directly")
	}
	if n <= 0 {
		n = 1
	}
	if n > 1 && !reusePortSupported {
		return ErrReusePortUnsupported
	}

	addr := s.Addr().String()
	errs := make(chan error, n)

	go func() { errs <- s.Run(ctx) }()

	for i := 1; i < n; i++ {
		go func() {
			worker, err := s.config.Bind(addr, s.factory)
			if err != nil {
				errs <- err
				return
			}
			worker.SetShutdownTimeout(s.shutdownTimeout)
			worker.incoming.WithAcceptGuard(s.incoming.guard)
			worker.incoming.WithPreface(s.incoming.preface)
			errs <- worker.Run(ctx)
		}()
	}

	var firstErr error
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
