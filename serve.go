package httpcore

import (
	"context"
	"fmt"
)

// Serve pairs an Incoming source with a service factory, producing one
// Connection per accepted stream. Serve itself never spawns a goroutine for
// the Connections it builds - it is purely a producer; callers (Server.
// RunUntil, or anyone calling Next directly) decide when and how to run
// them. This mirrors the original design's explicit rejection of a
// combinator that would couple "produce connections" to "spawn onto an
// executor".
type Serve struct {
	incoming Incoming
	factory  NewService
	config   *HTTPConfig
	counts   *LiveCount
	metrics  *metricsRegistry
}

// NewServe builds a Serve over incoming, using factory to mint one Service
// per accepted connection. counts receives lifecycle accounting for every
// Connection produced.
func NewServe(incoming Incoming, factory NewService, config *HTTPConfig, counts *LiveCount, metrics *metricsRegistry) *Serve {
	return &Serve{
		incoming: incoming,
		factory:  factory,
		config:   config,
		counts:   counts,
		metrics:  metrics,
	}
}

// Next blocks until the next Connection is ready, the incoming source is
// exhausted/closed, or the factory fails. A factory error is fatal: it
// terminates this Serve's usefulness, matching the accept-path propagation
// rule (factory errors are not per-connection errors).
func (s *Serve) Next(ctx context.Context) (*Connection, error) {
	stream, err := s.incoming.Next(ctx)
	if err != nil {
		return nil, err
	}

	svc, err := s.factory.NewService()
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("httpcore: service factory failed: %w", err)
	}

	addrSvc := newSocketAddrService(svc, stream.Remote())
	notifySvc := newNotifyService(addrSvc, s.counts)

	return newConnection(stream, notifySvc, s.config, s.metrics), nil
}
