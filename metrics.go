package httpcore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// metricsRegistry holds the Prometheus collectors the core reports to. It
// is safe to use with a nil receiver so components can be wired without
// metrics at all (every method is a no-op in that case).
type metricsRegistry struct {
	registry *prometheus.Registry

	acceptTotal        *prometheus.CounterVec
	acceptBackoff      prometheus.Histogram
	activeConnections  prometheus.Gauge
	connectionDuration prometheus.Histogram
	dateRefreshes      prometheus.Counter
	shutdownDrain      prometheus.Histogram
}

// newMetricsRegistry builds a fresh registry with every collector already
// registered on it.
func newMetricsRegistry() *metricsRegistry {
	m := &metricsRegistry{
		registry: prometheus.NewRegistry(),
		acceptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_core_accept_total",
			Help: "Total accept-loop outcomes by result.",
		}, []string{"result"}),
		acceptBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_core_accept_backoff_seconds",
			Help:    "Observed accept-error backoff sleep durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 8),
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_core_active_connections",
			Help: "Number of connections currently live (LiveCount.active).",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_core_connection_duration_seconds",
			Help:    "Duration of a served connection from accept to close.",
			Buckets: prometheus.DefBuckets,
		}),
		dateRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_core_date_ticker_refreshes_total",
			Help: "Total number of times the process-wide Date cache was refreshed.",
		}),
		shutdownDrain: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_core_shutdown_drain_seconds",
			Help:    "Time spent waiting for in-flight connections to drain during shutdown.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.acceptTotal,
		m.acceptBackoff,
		m.activeConnections,
		m.connectionDuration,
		m.dateRefreshes,
		m.shutdownDrain,
	)
	return m
}

func (m *metricsRegistry) recordAccept(result string) {
	if m == nil {
		return
	}
	m.acceptTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observeBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.acceptBackoff.Observe(d.Seconds())
}

func (m *metricsRegistry) setActive(n int64) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *metricsRegistry) observeConnectionDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.connectionDuration.Observe(d.Seconds())
}

func (m *metricsRegistry) recordDateRefresh() {
	if m == nil {
		return
	}
	m.dateRefreshes.Inc()
}

func (m *metricsRegistry) observeShutdownDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.shutdownDrain.Observe(d.Seconds())
}

// StartMetricsServer starts a small HTTP admin server exposing /metrics,
// /health, and /ready for srv's own metrics registry. It is independent of
// the core's own listener(s) - metrics and health checks use plain net/http
// since they are not on the hot accept/dispatch path this package exists
// to optimize.
func StartMetricsServer(ctx context.Context, listenAddr string, srv *Server) *http.Server {
	reg := srv.metrics
	ready := srv.Ready

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"not-ready"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ready"}`)
	})

	adminSrv := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("metrics server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server: shutdown error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("metrics server: starting", zap.String("addr", listenAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server: failed", zap.Error(err))
		}
	}()

	return adminSrv
}
