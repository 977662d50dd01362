package httpcore

import "net/http"

// Service is anything that can answer an HTTP request. It is deliberately
// identical in shape to http.Handler: the wire parsing and framing that
// turns bytes into a *http.Request and a ResponseWriter is an external
// collaborator of this package, not something it reimplements.
type Service = http.Handler

// ServiceFunc adapts a plain function to a Service.
type ServiceFunc func(w http.ResponseWriter, r *http.Request)

// ServeHTTP implements Service.
func (f ServiceFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) { f(w, r) }

// NewService produces a fresh Service instance for each accepted connection.
// Implementations must be safe to call concurrently when used with
// RunWorkers, since the factory is the only object shared across workers.
type NewService interface {
	NewService() (Service, error)
}

// NewServiceFunc adapts a plain function to a NewService.
type NewServiceFunc func() (Service, error)

// NewService implements the NewService interface.
func (f NewServiceFunc) NewService() (Service, error) { return f() }
