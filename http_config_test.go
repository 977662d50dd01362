package httpcore

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type HTTPConfigTestSuite struct {
	suite.Suite
}

func (s *HTTPConfigTestSuite) TestDefaults() {
	c := NewHTTPConfig()
	s.True(c.KeepAlive)
	s.False(c.Pipeline)
	s.Equal(0, c.MaxBufSize)
	s.False(c.SleepOnErrors)
	s.Equal(connectionKeepAlivePeriod, c.keepAlivePeriod())
}

func (s *HTTPConfigTestSuite) TestKeepAliveDisabledZeroesPeriod() {
	c := NewHTTPConfig().WithKeepAlive(false)
	s.Equal(time.Duration(0), c.keepAlivePeriod())
}

func (s *HTTPConfigTestSuite) TestCloneIsIndependent() {
	c := NewHTTPConfig()
	clone := c.clone()
	clone.WithMaxBufSize(4096)

	s.Equal(0, c.MaxBufSize)
	s.Equal(4096, clone.MaxBufSize)
}

func (s *HTTPConfigTestSuite) TestBuilderChaining() {
	c := NewHTTPConfig().
		WithKeepAlive(false).
		WithPipeline(true).
		WithMaxBufSize(2048).
		WithSleepOnErrors(true)

	s.False(c.KeepAlive)
	s.True(c.Pipeline)
	s.Equal(2048, c.MaxBufSize)
	s.True(c.SleepOnErrors)
}

func (s *HTTPConfigTestSuite) TestServeConnectionDrivesOneRequest() {
	server, client := net.Pipe()
	defer client.Close()

	c := NewHTTPConfig()
	svc := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	conn := c.ServeConnection(server, svc)

	go conn.Run(context.Background())

	_, _ = client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusNoContent, resp.StatusCode)
}

func (s *HTTPConfigTestSuite) TestServeListenerProducesServeOverIncoming() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	defer ln.Close()

	c := NewHTTPConfig()
	factory := NewServiceFunc(func() (Service, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}), nil
	})
	serve := c.ServeListener(ln, factory)
	s.NotNil(serve)
	s.Equal(ln.Addr(), serve.incoming.(*AddrIncoming).Addr())
}

func (s *HTTPConfigTestSuite) TestStandaloneServerIsReadyWithNoAcceptLoop() {
	c := NewHTTPConfig()
	factory := NewServiceFunc(func() (Service, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}), nil
	})
	srv := c.NewStandaloneServer(factory)

	s.True(srv.Ready())
	s.Nil(srv.Addr())

	err := srv.Run(context.Background())
	s.Error(err)

	err = srv.RunWorkers(context.Background(), 2)
	s.Error(err)
}

func TestHTTPConfig(t *testing.T) {
	suite.Run(t, new(HTTPConfigTestSuite))
}
