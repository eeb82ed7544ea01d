package devstack

import (
	"context"
	"io"
	"net/http"
	"time"

	cfg "github.com/loykin/devstack/internal/config"
	"github.com/loykin/devstack/internal/history"
	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/manager"
	"github.com/loykin/devstack/internal/metrics"
	"github.com/loykin/devstack/internal/process"
	iapi "github.com/loykin/devstack/internal/server"
	"github.com/loykin/devstack/internal/stack"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = manager.Status

type Options = manager.Options

type LogEntry = logstore.Entry

type ShutdownReport = manager.ShutdownReport

type Config = cfg.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

// New returns a supervisor keeping maxLines of output per service.
func New(maxLines int, opts Options) *Manager {
	return &Manager{inner: manager.New(logstore.New(maxLines), opts)}
}

func (m *Manager) Register(s Spec) error   { return m.inner.Register(s) }
func (m *Manager) Names() []string         { return m.inner.Names() }
func (m *Manager) Start(name string) error { return m.inner.Start(name) }
func (m *Manager) Stop(name string) error  { return m.inner.Stop(name) }
func (m *Manager) Restart(name string) error {
	return m.inner.Restart(name)
}
func (m *Manager) StartAll() error   { return m.inner.StartAll() }
func (m *Manager) StopAll() error    { return m.inner.StopAll() }
func (m *Manager) RestartAll() error { return m.inner.RestartAll() }
func (m *Manager) Status(ctx context.Context) []Status {
	return m.inner.StatusSnapshot(ctx)
}
func (m *Manager) Tail(name string, n int) []LogEntry { return m.inner.Logs().Tail(name, n) }

// ServicesForRepo lists the services whose repo resolves to root.
func (m *Manager) ServicesForRepo(root string) []string { return m.inner.ServicesForRepo(root) }

// RestartRepoServices restarts the desired-running services of root, e.g.
// after pulling new commits, and returns their names.
func (m *Manager) RestartRepoServices(root string) []string {
	return m.inner.RestartRepoServices(root)
}
func (m *Manager) ShutdownReport() ShutdownReport { return m.inner.ShutdownReport() }

// Stack facade
type Stack struct{ inner *stack.Stack }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewStack assembles a runnable stack; operator messages go to out.
func NewStack(c *Config, out io.Writer) (*Stack, error) {
	s, err := stack.New(c, out)
	if err != nil {
		return nil, err
	}
	return &Stack{inner: s}, nil
}

func (s *Stack) Run(ctx context.Context) error { return s.inner.Run(ctx) }
func (s *Stack) Started() <-chan struct{}      { return s.inner.Started() }
func (s *Stack) AdminAddr() string             { return s.inner.AdminAddr() }
func (s *Stack) Manager() *Manager             { return &Manager{inner: s.inner.Manager()} }

// NewHTTPServer returns an unstarted admin server for m.
func NewHTTPServer(addr, basePath string, m *Manager) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(m.inner, basePath).Handler())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr. It blocks
// until the server fails.
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
