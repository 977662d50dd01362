package httpcore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type LifecycleTestSuite struct {
	suite.Suite
}

func (s *LifecycleTestSuite) TestLiveCountBasic() {
	lc := NewLiveCount()
	s.EqualValues(0, lc.Active())

	lc.increment()
	lc.increment()
	s.EqualValues(2, lc.Active())

	lc.decrement()
	s.EqualValues(1, lc.Active())

	lc.decrement()
	s.EqualValues(0, lc.Active())
}

func (s *LifecycleTestSuite) TestWaitDrainedReturnsImmediatelyWhenEmpty() {
	lc := NewLiveCount()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.NoError(lc.waitDrained(ctx))
}

func (s *LifecycleTestSuite) TestWaitDrainedWakesOnDecrement() {
	lc := NewLiveCount()
	lc.increment()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- lc.waitDrained(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	lc.decrement()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("waitDrained did not wake on decrement")
	}
}

func (s *LifecycleTestSuite) TestWaitDrainedTimesOut() {
	lc := NewLiveCount()
	lc.increment()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := lc.waitDrained(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *LifecycleTestSuite) TestNotifyServiceCloseIsIdempotent() {
	lc := NewLiveCount()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	n := newNotifyService(inner, lc)
	s.EqualValues(1, lc.Active())

	n.Close()
	s.EqualValues(0, lc.Active())

	n.Close()
	s.EqualValues(0, lc.Active())
}

func (s *LifecycleTestSuite) TestNotifyServiceCloseAfterRetireIsNoop() {
	lc := NewLiveCount()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	n := newNotifyService(inner, lc)

	lc.retire()
	n.Close()
	// retire happens after increment in a real shutdown only once drained,
	// but a late straggler's decrement must still be a no-op post-retire.
	s.EqualValues(1, lc.Active())
}

func (s *LifecycleTestSuite) TestSocketAddrServiceStampsRemote() {
	var gotAddr interface{}
	var gotRemoteAddr string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr, _ := RemoteAddrFromContext(r.Context())
		gotAddr = addr
		gotRemoteAddr = r.RemoteAddr
	})

	remote := &mockAddr{s: "10.0.0.5:1234"}
	svc := newSocketAddrService(inner, remote)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	s.Equal(remote, gotAddr)
	s.Equal("10.0.0.5:1234", gotRemoteAddr)
}

type mockAddr struct{ s string }

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return m.s }

func TestLifecycle(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}
