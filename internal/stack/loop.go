package stack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/devstack/internal/deps"
	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/manager"
	"github.com/loykin/devstack/internal/metrics"
	"github.com/loykin/devstack/internal/watchdog"
)

const DefaultPollInterval = 600 * time.Millisecond

// Installer is the dependency work done before a reinstall-and-restart.
type Installer interface {
	EnsureNode(ctx context.Context, dir string) error
	EnsurePython(ctx context.Context, dir, systemPython string) (string, error)
}

// InstallerFactory builds an Installer whose output lands in the log
// stream of service.
type InstallerFactory func(service string) Installer

// Loop is the single control loop: it polls the watchdog, applies the
// resulting actions, and records processes that died unexpectedly.
type Loop struct {
	Manager  *manager.Manager
	Watchdog *watchdog.Watchdog
	// Notifier is optional; when set it wakes the loop before the next tick.
	Notifier *watchdog.Notifier
	// Installers defaults to real npm/pip installs logged into the service stream.
	Installers InstallerFactory
	Python     string
	Interval   time.Duration
}

// Run primes the watchdog and ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if l.Watchdog != nil {
		l.Watchdog.Prime()
	}
	var wake <-chan struct{}
	if l.Notifier != nil {
		wake = l.Notifier.C()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			l.Tick(ctx, now)
		case <-wake:
			l.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one pass: watch events first, then unexpected exits.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	if l.Watchdog != nil {
		for _, ev := range l.Watchdog.Poll(now) {
			l.dispatch(ctx, ev)
		}
	}
	for _, x := range l.Manager.Exited() {
		l.Manager.NoteExit(x.Name, x.Code)
	}
}

func (l *Loop) dispatch(ctx context.Context, ev watchdog.Event) {
	logs := l.Manager.Logs()
	spec, ok := l.Manager.Spec(ev.Service)
	if !ok {
		slog.Warn("watch event for unknown service", "service", ev.Service)
		return
	}
	metrics.IncWatchEvent(ev.Service, ev.Action.String())
	logs.Append(ev.Service, fmt.Sprintf("[runner] watchdog: %s (%s)", ev.Action, ev.Reason))

	switch ev.Action {
	case watchdog.ActionRestart:
	case watchdog.ActionNodeReinstallRestart:
		if err := l.installer(ev.Service).EnsureNode(ctx, spec.WorkDir); err != nil {
			logs.Append(ev.Service, fmt.Sprintf("[runner] watchdog: node dependency install failed, restart skipped: %v", err))
			return
		}
	case watchdog.ActionPythonReinstallRestart:
		if _, err := l.installer(ev.Service).EnsurePython(ctx, spec.WorkDir, l.python()); err != nil {
			logs.Append(ev.Service, fmt.Sprintf("[runner] watchdog: python dependency install failed, restart skipped: %v", err))
			return
		}
	default:
		slog.Warn("unhandled watch action", "service", ev.Service, "action", ev.Action)
		return
	}
	if err := l.Manager.Restart(ev.Service); err != nil {
		slog.Warn("watch restart failed", "service", ev.Service, "error", err)
	}
}

func (l *Loop) installer(service string) Installer {
	if l.Installers != nil {
		return l.Installers(service)
	}
	return ServiceInstaller(l.Manager.Logs(), service)
}

func (l *Loop) python() string {
	if l.Python != "" {
		return l.Python
	}
	return "python3"
}

// ServiceInstaller runs real installs whose output and progress messages
// are appended to service's log stream.
func ServiceInstaller(logs *logstore.Store, service string) *deps.Installer {
	return &deps.Installer{
		Run: deps.ExecRunner(&lineWriter{logs: logs, service: service}),
		Logf: func(format string, args ...any) {
			logs.Append(service, "[runner] "+fmt.Sprintf(format, args...))
		},
	}
}

// lineWriter splits written bytes into lines and appends each non-empty
// line to a service stream. A trailing partial line waits for more data.
type lineWriter struct {
	logs    *logstore.Store
	service string
	mu      sync.Mutex
	buf     bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		if strings.TrimSpace(line) != "" {
			w.logs.Append(w.service, line)
		}
	}
}
