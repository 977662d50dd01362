package httpcore

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-level configuration for an embedding program: where
// to listen, how many workers to run, and the knobs that feed HTTPConfig.
// It mirrors this codebase's existing NewConfig convention (environment
// variables with defaults) but returns an error instead of exiting the
// process, since this package is meant to be embedded rather than run as
// its own main.
type Config struct {
	ListenAddr      string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	Workers         int // 0 means serve_connection-only: no accept loop of our own
	KeepAlive       bool
	SleepOnErrors   bool
	AcceptRateLimit int // accepts per minute per remote IP; 0 disables
}

// NewConfig builds a Config from the environment, applying defaults for
// anything unset.
func NewConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:      getenvDefault("HTTP_LISTEN_ADDR", ":8080"),
		MetricsAddr:     getenvDefault("METRICS_LISTEN_ADDR", ":9090"),
		KeepAlive:       true,
		ShutdownTimeout: time.Second,
		Workers:         1,
	}

	if v := os.Getenv("HTTP_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("httpcore: invalid HTTP_SHUTDOWN_TIMEOUT %q: %w", v, err)
		}
		cfg.ShutdownTimeout = d
	}

	if v := os.Getenv("HTTP_SLEEP_ON_ERRORS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("httpcore: invalid HTTP_SLEEP_ON_ERRORS %q: %w", v, err)
		}
		cfg.SleepOnErrors = b
	}

	if v := os.Getenv("HTTP_KEEP_ALIVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("httpcore: invalid HTTP_KEEP_ALIVE %q: %w", v, err)
		}
		cfg.KeepAlive = b
	}

	if v := os.Getenv("HTTP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("httpcore: invalid HTTP_WORKERS %q", v)
		}
		cfg.Workers = n
	}

	if v := os.Getenv("ACCEPT_RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("httpcore: invalid ACCEPT_RATE_LIMIT_PER_MINUTE %q", v)
		}
		cfg.AcceptRateLimit = n
	}

	return cfg, nil
}

// HTTPConfig builds the HTTPConfig this Config implies.
func (c *Config) HTTPConfig() *HTTPConfig {
	return NewHTTPConfig().
		WithKeepAlive(c.KeepAlive).
		WithSleepOnErrors(c.SleepOnErrors)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
