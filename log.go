package httpcore

import "go.uber.org/zap"

// logger is the package-wide structured logger used by every component of
// the core. It is initialized at package load to zap's production defaults so the
// package works out of the box when embedded, and can be overridden by
// SetLogger before the first Server is constructed.
var logger = mustDefaultLogger()

func mustDefaultLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails if the default config can't build
		// its own encoder/sink, which does not happen with stock config.
		panic(err)
	}
	return l
}

// SetLogger overrides the package-wide logger. It must be called before any
// Server, AddrIncoming, or Connection is created; it is not safe to call
// concurrently with running servers.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	logger = l
}
