// Package stack assembles the supervisor, watchdog, control loop and admin
// server from a configuration and runs them until cancelled.
package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/devstack/internal/config"
	"github.com/loykin/devstack/internal/history"
	"github.com/loykin/devstack/internal/history/factory"
	"github.com/loykin/devstack/internal/logger"
	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/manager"
	"github.com/loykin/devstack/internal/metrics"
	"github.com/loykin/devstack/internal/probe"
	"github.com/loykin/devstack/internal/server"
	"github.com/loykin/devstack/internal/watchdog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Stack owns every long-lived component of one run.
type Stack struct {
	cfg      *config.Config
	out      io.Writer
	logs     *logstore.Store
	mgr      *manager.Manager
	loop     *Loop
	notifier *watchdog.Notifier
	mirror   *logger.Mirror
	sink     history.Sink
	router   *server.Router

	mu        sync.Mutex
	adminAddr string
	started   chan struct{}
}

// New builds a stack from cfg. Operator messages are written to out.
// Registering the configured services happens here, so a broken service
// list fails before anything is launched.
func New(cfg *config.Config, out io.Writer) (*Stack, error) {
	if out == nil {
		out = io.Discard
	}
	out = &syncWriter{w: out}
	s := &Stack{cfg: cfg, out: out, started: make(chan struct{})}

	s.logs = logstore.New(cfg.Log.MaxLines)
	mirror, err := logger.NewMirror(cfg.Log.Config)
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		s.mirror = mirror
		s.logs.Observe(func(service string, e logstore.Entry) {
			if err := mirror.WriteLine(service, e.Line); err != nil {
				slog.Debug("log mirror write failed", "service", service, "error", err)
			}
		})
	}

	e, err := cfg.BuildEnv()
	if err != nil {
		return nil, err
	}

	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		s.sink = sink
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	sup := cfg.Supervisor
	s.mgr = manager.New(s.logs, manager.Options{
		StopTimeout:      sup.StopTimeout,
		PortWait:         sup.PortWait,
		PortPoll:         sup.PortPoll,
		StaleKillTimeout: sup.StaleKillTimeout,
		HealthTimeout:    sup.HealthTimeout,
		Quiet:            sup.Quiet,
		Echo:             out,
		Env:              e,
		Prober:           probe.System{},
		Sink:             s.sink,
	})
	for _, spec := range cfg.Services {
		if err := s.mgr.Register(spec); err != nil {
			return nil, err
		}
	}

	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	s.loop = &Loop{
		Manager:  s.mgr,
		Watchdog: watchdog.New(rules),
		Python:   sup.Python,
		Interval: sup.PollInterval,
	}
	if len(rules) > 0 {
		n, err := watchdog.NewNotifier(rules)
		if err != nil {
			slog.Warn("file notifications unavailable, polling only", "error", err)
		} else {
			s.notifier = n
			s.loop.Notifier = n
		}
	}

	s.router = server.NewRouter(s.mgr, cfg.Admin.BasePath)
	if cfg.Log.TailDefault > 0 {
		s.router.TailDefault = cfg.Log.TailDefault
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		s.router.Metrics = metrics.Handler()
	}
	return s, nil
}

// Manager returns the supervisor.
func (s *Stack) Manager() *manager.Manager { return s.mgr }

// Started is closed once the admin listener is up and services were started.
func (s *Stack) Started() <-chan struct{} { return s.started }

// AdminAddr is the bound admin address, available after Started.
func (s *Stack) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

// Run starts every service, serves the admin API and runs the control loop
// until ctx is cancelled, then stops everything and prints a shutdown report.
func (s *Stack) Run(ctx context.Context) error {
	defer s.close()
	// second StopAll in case the normal shutdown path is skipped
	defer func() { _ = s.mgr.StopAll() }()

	ln, err := s.listenAdmin()
	if err != nil {
		return err
	}
	addr := ln.Addr().String()
	s.mu.Lock()
	s.adminAddr = addr
	s.mu.Unlock()
	adminURL := "http://" + addr + s.cfg.Admin.BasePath

	g, gctx := errgroup.WithContext(ctx)
	admin := server.NewServer(addr, s.router.Handler())
	g.Go(func() error { return serve(admin, ln) })

	var metricsSrv *http.Server
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		mln, err := net.Listen("tcp", s.cfg.Metrics.Listen)
		if err != nil {
			_ = admin.Close()
			return fmt.Errorf("metrics listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error { return serve(metricsSrv, mln) })
	}

	startedAt := time.Now()
	s.ensureDeps(gctx)
	if err := s.mgr.StartAll(); err != nil {
		slog.Warn("some services failed to start", "error", err)
	}
	s.printf("")
	s.printf("[runner] Stack starting...")
	s.printf("[runner] Stack admin UI: %s", adminURL)
	s.printf("[runner] Waiting for all services to be ready...")
	s.printf("[runner] Stop: Ctrl+C")
	s.printf("")
	close(s.started)

	go func() {
		WaitReady(gctx, s.mgr, startedAt, s.cfg.Supervisor.ReadyTimeout, time.Second)
		if gctx.Err() != nil {
			return
		}
		for _, l := range Summary(s.mgr.StatusSnapshot(gctx), portOf(addr), adminURL) {
			s.printf("%s", l)
		}
	}()

	g.Go(func() error {
		if err := s.loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	<-gctx.Done()
	s.printf("")
	s.printf("[runner] Shutting down...")
	if err := s.mgr.StopAll(); err != nil {
		s.printf("[runner] Shutdown warnings: %v", err)
	}
	for _, l := range s.mgr.ShutdownReport().Lines() {
		s.printf("%s", l)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(sctx); err != nil {
		_ = admin.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(sctx)
	}
	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// listenAdmin binds the admin address, moving up to a free port when the
// configured one is taken and pick_free_port is set.
func (s *Stack) listenAdmin() (net.Listener, error) {
	addr := s.cfg.Admin.Listen
	ln, err := net.Listen("tcp", addr)
	if err == nil || !s.cfg.Admin.PickFreePort {
		if err != nil {
			return nil, fmt.Errorf("admin listen: %w", err)
		}
		return ln, nil
	}
	host, portStr, serr := net.SplitHostPort(addr)
	port, perr := strconv.Atoi(portStr)
	if serr != nil || perr != nil || port == 0 {
		return nil, fmt.Errorf("admin listen: %w", err)
	}
	free := probe.PickFreePort(port, probe.DefaultFreePortScan)
	alt := net.JoinHostPort(host, strconv.Itoa(free))
	ln, err = net.Listen("tcp", alt)
	if err != nil {
		return nil, fmt.Errorf("admin listen: %w", err)
	}
	s.printf("[runner] admin port %d busy, using %d", port, free)
	return ln, nil
}

// ensureDeps installs declared dependencies before the first start. A
// failed install is reported in the service's stream; the start goes ahead.
func (s *Stack) ensureDeps(ctx context.Context) {
	for _, spec := range s.cfg.Services {
		var err error
		inst := ServiceInstaller(s.logs, spec.Name)
		switch spec.Deps {
		case "node":
			err = inst.EnsureNode(ctx, spec.WorkDir)
		case "python":
			_, err = inst.EnsurePython(ctx, spec.WorkDir, s.cfg.Supervisor.Python)
		default:
			continue
		}
		if err != nil {
			s.logs.Append(spec.Name, fmt.Sprintf("[runner] %s dependency install failed: %v", spec.Deps, err))
			slog.Warn("dependency install failed", "service", spec.Name, "kind", spec.Deps, "error", err)
		}
	}
}

func (s *Stack) close() {
	if s.notifier != nil {
		_ = s.notifier.Close()
	}
	if c, ok := s.sink.(io.Closer); ok {
		_ = c.Close()
	}
	_ = s.mirror.Close()
}

func (s *Stack) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
