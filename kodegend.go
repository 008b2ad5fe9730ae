// Package kodegend embeds the kodegen supervisor: a restart-policy state
// machine per backend server plus a control channel that aggregates usage
// statistics across the fleet.
package kodegend

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kodegen/kodegend/internal/aggregate"
	"github.com/kodegen/kodegend/internal/config"
	"github.com/kodegen/kodegend/internal/introspect"
	"github.com/kodegen/kodegend/internal/journal"
	"github.com/kodegen/kodegend/internal/metrics"
	"github.com/kodegen/kodegend/internal/registry"
	iapi "github.com/kodegen/kodegend/internal/server"
	"github.com/kodegen/kodegend/internal/supervisor"
	"github.com/kodegen/kodegend/pkg/ipc"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = supervisor.Spec

type Transition = supervisor.Transition

type ServiceStatus = ipc.ServiceStatus

type Config = config.Config

type JournalEntry = journal.Entry

// Supervisor is a thin facade over internal/supervisor.
// It provides a stable public API for embedding.

type Supervisor struct{ inner *supervisor.Supervisor }

func New() *Supervisor { return &Supervisor{inner: supervisor.New()} }

func (s *Supervisor) SetGlobalEnv(vars map[string]string) { s.inner.SetGlobalEnv(vars) }
func (s *Supervisor) ExcludeOSEnv()                       { s.inner.ExcludeOSEnv() }
func (s *Supervisor) Register(spec Spec) error            { return s.inner.Register(spec) }
func (s *Supervisor) Start(name string) error             { return s.inner.Start(name) }
func (s *Supervisor) Stop(name string) error              { return s.inner.Stop(name) }
func (s *Supervisor) Restart(name string) error           { return s.inner.Restart(name) }
func (s *Supervisor) Status(name string) (ServiceStatus, error) {
	return s.inner.Status(name)
}
func (s *Supervisor) StatusAll() []ServiceStatus       { return s.inner.StatusAll() }
func (s *Supervisor) OnTransition(fn func(Transition)) { s.inner.OnTransition(fn) }
func (s *Supervisor) Shutdown()                        { s.inner.Shutdown() }

func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// NewHandler builds the control-channel handler for an embedded supervisor.
// Every service registered on s so far becomes a routing candidate for the
// aggregation endpoints; register services before calling this.
func NewHandler(s *Supervisor, basePath string) http.Handler {
	reg := registry.New(registry.Options{})
	for _, spec := range s.inner.Specs() {
		_ = reg.AddServer(registry.Server{Name: spec.Name, Category: spec.Category, Port: spec.Port})
	}
	reg.Start(context.Background())

	hub := iapi.NewHub()
	s.inner.OnTransition(hub.Publish)

	engine := aggregate.New(introspect.NewClient(0), 0)
	return iapi.NewRouter(s.inner, reg, engine, hub, nil, basePath).Handler()
}

// NewHTTPServer serves the control channel on a TCP address and starts
// accepting in a goroutine.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewTCPServer(addr, NewHandler(s, basePath))
}

// NewUnixServer serves the control channel on a unix socket.
func NewUnixServer(socketPath, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewUnixServer(socketPath, NewHandler(s, basePath))
}

// ShutdownUnixServer drains srv and removes the socket file.
func ShutdownUnixServer(ctx context.Context, srv *http.Server, socketPath string) error {
	return iapi.ShutdownUnixServer(ctx, srv, socketPath)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics on addr in the caller's goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
