package httpcore

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// dateTicker refreshes a process-wide rendered HTTP Date header string once
// per second and serves it from an atomic load, so a caller of String never
// calls into the system clock or formats a timestamp itself. Connection does
// not read it: responses served through net/http carry the Date header that
// net/http renders on its own for each response.
type dateTicker struct {
	current atomic.Value // string
	enabled atomic.Bool
	stop    chan struct{}
	done    chan struct{}
	metrics *metricsRegistry
}

var (
	globalDateTicker     *dateTicker
	globalDateTickerOnce sync.Once
)

// startDateTicker starts the process-wide date ticker exactly once; repeated
// calls are no-ops and return the same instance. Whichever Server starts it
// first supplies the registry its refresh count is reported against.
func startDateTicker(m *metricsRegistry) *dateTicker {
	globalDateTickerOnce.Do(func() {
		globalDateTicker = newDateTicker(m)
		globalDateTicker.run()
	})
	return globalDateTicker
}

func newDateTicker(m *metricsRegistry) *dateTicker {
	d := &dateTicker{
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		metrics: m,
	}
	d.current.Store(time.Now().UTC().Format(http.TimeFormat))
	d.enabled.Store(true)
	return d
}

func (d *dateTicker) run() {
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-d.stop:
				return
			case now := <-ticker.C:
				d.current.Store(now.UTC().Format(http.TimeFormat))
				d.metrics.recordDateRefresh()
			}
		}
	}()
}

// Stop halts the refresh goroutine. After Stop, String falls back to a
// freshly computed value on every call rather than serving a stale cache.
func (d *dateTicker) Stop() {
	d.enabled.Store(false)
	select {
	case <-d.stop:
		// already stopped
	default:
		close(d.stop)
	}
	<-d.done
}

// String returns the current rendered Date header value. While the ticker
// is running this is a single atomic load; once stopped it computes a fresh
// value every call so correctness never depends on the ticker's lifetime.
func (d *dateTicker) String() string {
	if !d.enabled.Load() {
		return time.Now().UTC().Format(http.TimeFormat)
	}
	return d.current.Load().(string)
}
