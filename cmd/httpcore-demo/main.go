package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	httpcore "github.com/systemli/go-httpcore"
)

// echoService answers every request with its method, path, and the peer
// address httpcore stamped into the request context.
func echoService() (httpcore.Service, error) {
	return httpcore.ServiceFunc(func(w http.ResponseWriter, r *http.Request) {
		remote, _ := httpcore.RemoteAddrFromContext(r.Context())
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "%s %s from %s\n", r.Method, r.URL.Path, remote)
	}), nil
}

func main() {
	cfg, err := httpcore.NewConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "httpcore-demo: config error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP_WORKERS=0: this process owns no listener and runs no accept
	// loop. Whatever hands it connections (inetd-style supervision, a
	// socket passed down by a parent process) is expected to drive each
	// one directly through cfg.HTTPConfig().ServeConnection; here we only
	// stand up the metrics/health/ready admin server, which reports ready
	// immediately since there is no accept loop to wait on.
	if cfg.Workers == 0 {
		srv := cfg.HTTPConfig().NewStandaloneServer(httpcore.NewServiceFunc(echoService))
		httpcore.StartMetricsServer(ctx, cfg.MetricsAddr, srv)
		<-ctx.Done()
		return
	}

	srv, err := cfg.HTTPConfig().Bind(cfg.ListenAddr, httpcore.NewServiceFunc(echoService))
	if err != nil {
		fmt.Fprintln(os.Stderr, "httpcore-demo: bind error:", err)
		os.Exit(1)
	}
	srv.SetShutdownTimeout(cfg.ShutdownTimeout)

	if cfg.AcceptRateLimit > 0 {
		srv.WithAcceptGuard(httpcore.NewAcceptGuard(ctx, cfg.AcceptRateLimit, time.Minute))
	}

	httpcore.StartMetricsServer(ctx, cfg.MetricsAddr, srv)

	if cfg.Workers > 1 {
		if err := srv.RunWorkers(ctx, cfg.Workers); err != nil {
			logFatal(err)
		}
		return
	}

	if err := srv.Run(ctx); err != nil {
		logFatal(err)
	}
}

func logFatal(err error) {
	l, _ := zap.NewProduction()
	l.Fatal("httpcore-demo: server stopped with error", zap.Error(err))
}
