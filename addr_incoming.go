package httpcore

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// acceptBackoff is the fixed delay inserted after a resource-exhaustion
// accept error (EMFILE/ENFILE) to avoid spinning a CPU core in a tight
// error loop while file descriptors recover.
const acceptBackoff = 10 * time.Millisecond

// AddrIncoming is a lazy, effectively infinite source of AddrStream values
// drawn from a bound listener. It owns the listener exclusively: only the
// goroutine driving its accept loop may call Next.
type AddrIncoming struct {
	listener      net.Listener
	keepAlive     time.Duration // 0 disables SO_KEEPALIVE tagging
	sleepOnErrors bool
	preface       func(net.Conn) error
	guard         AcceptLimiter

	backoffDeadline time.Time
	metrics         *metricsRegistry
}

// NewAddrIncoming wraps an already-bound listener. keepAlive of 0 disables
// per-socket keep-alive tagging.
func NewAddrIncoming(ln net.Listener, keepAlive time.Duration, sleepOnErrors bool) *AddrIncoming {
	return &AddrIncoming{
		listener:      ln,
		keepAlive:     keepAlive,
		sleepOnErrors: sleepOnErrors,
	}
}

// WithMetrics installs the registry accept-loop events are reported to. A
// nil registry (the zero value of AddrIncoming) disables reporting.
func (a *AddrIncoming) WithMetrics(m *metricsRegistry) *AddrIncoming {
	a.metrics = m
	return a
}

// WithPreface installs an optional probe invoked synchronously right after
// a connection is accepted and keep-alive tagged, before it is ever handed
// to Serve. A non-nil error closes the socket and is treated as a
// per-connection failure regardless of its underlying kind, since by
// definition it never reached the application protocol.
func (a *AddrIncoming) WithPreface(probe func(net.Conn) error) *AddrIncoming {
	a.preface = probe
	return a
}

// WithAcceptGuard installs an optional sliding-window accept limiter. A
// rejected peer is closed before a Service is ever constructed and never
// participates in LiveCount accounting.
func (a *AddrIncoming) WithAcceptGuard(guard AcceptLimiter) *AddrIncoming {
	a.guard = guard
	return a
}

// Addr returns the address the underlying listener is bound to.
func (a *AddrIncoming) Addr() net.Addr { return a.listener.Addr() }

// Close stops accepting; a Next call blocked in Accept returns net.ErrClosed.
func (a *AddrIncoming) Close() error { return a.listener.Close() }

// Next implements Incoming. With sleepOnErrors set it loops internally over
// per-connection and transient-resource errors; without it, every accept
// error other than a closed listener is returned. It returns once it has a
// connection to hand back, hits an error it does not retry, or observes the
// listener was closed.
func (a *AddrIncoming) Next(ctx context.Context) (*AddrStream, error) {
	for {
		if !a.backoffDeadline.IsZero() {
			if err := a.sleepUntilBackoffElapsed(ctx); err != nil {
				return nil, err
			}
			a.backoffDeadline = time.Time{}
		}

		conn, err := a.listener.Accept()
		if err != nil {
			class := classifyAcceptError(err)

			switch class {
			case classCleanClose:
				return nil, err
			case classPerConnection:
				if !a.sleepOnErrors {
					a.metrics.recordAccept("fatal")
					logger.Error("accept: per-connection error, sleep_on_errors disabled", zap.Error(err))
					return nil, err
				}
				a.metrics.recordAccept(acceptErrorMetricLabel(err))
				logger.Debug("accept: per-connection error, retrying", zap.Error(err))
				continue
			case classTransientResource:
				if !a.sleepOnErrors {
					a.metrics.recordAccept("fatal")
					logger.Error("accept: resource exhaustion, sleep_on_errors disabled", zap.Error(err))
					return nil, err
				}
				a.metrics.recordAccept("backoff")
				a.metrics.observeBackoff(acceptBackoff)
				logger.Warn("accept: resource exhaustion, backing off", zap.Error(err), zap.Duration("backoff", acceptBackoff))
				a.backoffDeadline = time.Now().Add(acceptBackoff)
				continue
			default: // classFatal
				a.metrics.recordAccept("fatal")
				logger.Error("accept: fatal error", zap.Error(err))
				return nil, err
			}
		}

		if a.keepAlive > 0 {
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if kerr := tcpConn.SetKeepAlive(true); kerr != nil {
					logger.Warn("accept: failed to enable keep-alive", zap.Error(kerr))
				} else if kerr := tcpConn.SetKeepAlivePeriod(a.keepAlive); kerr != nil {
					logger.Warn("accept: failed to set keep-alive period", zap.Error(kerr))
				}
			}
		}

		if a.guard != nil && !a.guard.Allow(conn.RemoteAddr()) {
			logger.Debug("accept: rejected by accept guard", zap.Stringer("remote", conn.RemoteAddr()))
			_ = conn.Close()
			a.metrics.recordAccept("rate_limited")
			continue
		}

		if a.preface != nil {
			if perr := a.preface(conn); perr != nil {
				logger.Debug("accept: preface probe rejected connection", zap.Error(perr))
				_ = conn.Close()
				a.metrics.recordAccept("preface_rejected")
				continue
			}
		}

		a.metrics.recordAccept("success")
		return newAddrStream(conn), nil
	}
}

func (a *AddrIncoming) sleepUntilBackoffElapsed(ctx context.Context) error {
	d := time.Until(a.backoffDeadline)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
