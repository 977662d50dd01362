package httpcore

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Connection drives an HTTP/1.x dispatcher over a single accepted
// connection until the peer closes, the service completes with keep-alive
// disabled, or an unrecoverable protocol/IO error occurs.
//
// HTTP/1 wire parsing and framing is out of scope for this package by
// design; rather than reimplement a parser, Connection
// drives the standard library's own *http.Server over a synthetic
// single-connection listener, which is the external "Dispatcher" the
// surrounding spec treats as a black box.
type Connection struct {
	stream  *AddrStream
	notify  *notifyService
	config  *HTTPConfig
	metrics *metricsRegistry

	done chan struct{}
	err  error
}

// newConnection constructs a Connection ready to run. svc has already been
// wrapped with per-connection lifecycle accounting by Serve.
func newConnection(stream *AddrStream, svc *notifyService, config *HTTPConfig, metrics *metricsRegistry) *Connection {
	return &Connection{
		stream:  stream,
		notify:  svc,
		config:  config,
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Done returns a channel closed once the connection has finished.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, valid after Done is closed. A clean
// client-initiated close reports nil.
func (c *Connection) Err() error { return c.err }

// Close forcibly tears down the connection's transport, unblocking any
// in-flight dispatch.
func (c *Connection) Close() error {
	return c.stream.Close()
}

// Run drives the connection to completion. It must be called on its own
// goroutine by the caller (Server.RunUntil does this for every Connection
// Serve yields); Run itself does not spawn anything.
func (c *Connection) Run(ctx context.Context) {
	defer close(c.done)
	defer c.notify.Close()

	started := time.Now()
	defer func() {
		c.metrics.observeConnectionDuration(time.Since(started))
	}()

	ln := newSingleConnListener(c.stream)

	srv := &http.Server{
		Handler:  pipelineAggregatingHandler(c.notify, c.config.Pipeline),
		ErrorLog: log.New(zapWriter{logger}, "", 0),
	}
	srv.SetKeepAlivesEnabled(c.config.KeepAlive)
	if c.config.MaxBufSize > 0 {
		// http.Server has no direct "read buffer size" knob; MaxHeaderBytes
		// caps the amount it will buffer while parsing a request head,
		// which is the closest real equivalent to MaxBufSize's intent of
		// bounding per-connection parse-time memory.
		srv.MaxHeaderBytes = c.config.MaxBufSize
	}
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		<-ctx.Done()
		ln.close()
		_ = c.stream.Close()
	}()

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		logger.Error("connection: dispatch error", zap.Stringer("remote", c.stream.Remote()), zap.Error(err))
		c.err = err
	}
}

// pipelineAggregatingHandler wraps inner so that, when pipeline is true, the
// handler's own Flush calls are suppressed and each response goes out in a
// single flush once the handler returns. Responses to consecutive pipelined
// requests are not coalesced: net/http still flushes each one when its
// handler returns. When pipeline is false, inner is returned unchanged and
// its Flush calls reach the connection as usual.
func pipelineAggregatingHandler(inner http.Handler, pipeline bool) http.Handler {
	if !pipeline {
		return inner
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(&bufferedFlushWriter{ResponseWriter: w}, r)
	})
}

// bufferedFlushWriter suppresses a handler's own explicit Flush calls; the
// underlying connection is flushed once by net/http after ServeHTTP
// returns, aggregating whatever the handler wrote across the call instead
// of on every intermediate Flush.
type bufferedFlushWriter struct {
	http.ResponseWriter
}

func (w *bufferedFlushWriter) Flush() {}

// singleConnListener is a net.Listener that yields exactly one connection
// and then blocks until closed. http.Server.Serve expects to own a
// listener that can hand it arbitrarily many connections; this adapts one
// already-accepted connection to that shape so the standard library's own
// HTTP/1.x framing can be reused as the "external Dispatcher" the core
// treats as a black box, without this package reimplementing wire parsing.
type singleConnListener struct {
	conn     net.Conn
	addr     net.Addr
	once     sync.Once
	consumed chan struct{}
	closed   chan struct{}
}

func newSingleConnListener(stream *AddrStream) *singleConnListener {
	l := &singleConnListener{
		conn:     stream,
		addr:     stream.Remote(),
		consumed: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	l.consumed <- struct{}{}
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case <-l.consumed:
		return l.conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *singleConnListener) close() {
	l.once.Do(func() { close(l.closed) })
}

func (l *singleConnListener) Close() error {
	l.close()
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.addr }

// zapWriter adapts *zap.Logger to io.Writer so *http.Server (which only
// accepts a standard library *log.Logger) logs through the package logger
// instead of stderr.
type zapWriter struct{ logger *zap.Logger }

func (w zapWriter) Write(p []byte) (int, error) {
	w.logger.Error("connection: http server log", zap.ByteString("msg", p))
	return len(p), nil
}
