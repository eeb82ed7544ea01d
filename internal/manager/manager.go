package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/devstack/internal/env"
	"github.com/loykin/devstack/internal/history"
	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/metrics"
	"github.com/loykin/devstack/internal/probe"
	"github.com/loykin/devstack/internal/process"
)

const (
	DefaultStopTimeout      = 8 * time.Second
	DefaultPortWait         = 8 * time.Second
	DefaultPortPoll         = 250 * time.Millisecond
	DefaultStaleKillTimeout = 2 * time.Second
	DefaultHealthTimeout    = 1500 * time.Millisecond
	DefaultAlertLookback    = 60

	historyTimeout = 2 * time.Second
	maxLineBytes   = 1024 * 1024
)

// Options tune the supervisor. Zero values fall back to the defaults above.
type Options struct {
	StopTimeout      time.Duration
	PortWait         time.Duration
	PortPoll         time.Duration
	StaleKillTimeout time.Duration
	HealthTimeout    time.Duration
	AlertLookback    int

	// Quiet keeps service output out of Echo.
	Quiet bool
	Echo  io.Writer

	Env        *env.Env
	Prober     probe.Prober
	Sink       history.Sink
	HTTPClient *http.Client
}

func (o *Options) setDefaults() {
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.PortWait <= 0 {
		o.PortWait = DefaultPortWait
	}
	if o.PortPoll <= 0 {
		o.PortPoll = DefaultPortPoll
	}
	if o.StaleKillTimeout <= 0 {
		o.StaleKillTimeout = DefaultStaleKillTimeout
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}
	if o.AlertLookback <= 0 {
		o.AlertLookback = DefaultAlertLookback
	}
	if o.Echo == nil {
		o.Echo = os.Stdout
	}
	if o.Env == nil {
		o.Env = env.New()
	}
	if o.Prober == nil {
		o.Prober = probe.System{}
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.HealthTimeout}
	}
}

// state is the mutable runtime record of one service. Guarded by Manager.mu.
type state struct {
	proc      *process.Process
	startedAt time.Time
	desired   bool
	restarts  int
	lastExit  *int
	lastPID   int
	alert     *logstore.Alert
}

// Manager supervises a fixed set of services registered at startup.
//
// mu guards the spec and state maps and is only held for map access.
// Lifecycle operations on one service are serialized by that service's
// op lock so a stop never interleaves with a start of the same name.
type Manager struct {
	opts Options
	logs *logstore.Store

	mu     sync.Mutex
	order  []string
	specs  map[string]process.Spec
	states map[string]*state
	ops    map[string]*sync.Mutex

	echoMu sync.Mutex
}

// New returns a Manager that captures service output into logs.
func New(logs *logstore.Store, opts Options) *Manager {
	if logs == nil {
		logs = logstore.New(0)
	}
	opts.setDefaults()
	return &Manager{
		opts:   opts,
		logs:   logs,
		specs:  make(map[string]process.Spec),
		states: make(map[string]*state),
		ops:    make(map[string]*sync.Mutex),
	}
}

// Logs returns the store service output is written to.
func (m *Manager) Logs() *logstore.Store { return m.logs }

// Register adds spec in the stopped state with desired-running set.
// Registering a name twice is an error.
func (m *Manager) Register(spec process.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.specs[spec.Name]; ok {
		return fmt.Errorf("service %q already registered", spec.Name)
	}
	m.specs[spec.Name] = spec
	m.states[spec.Name] = &state{desired: true}
	m.ops[spec.Name] = &sync.Mutex{}
	m.order = append(m.order, spec.Name)
	return nil
}

// Names lists registered services in registration order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Spec returns the registered spec for name.
func (m *Manager) Spec(name string) (process.Spec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.specs[name]
	return s, ok
}

func (m *Manager) lookup(name string) (process.Spec, *sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[name]
	if !ok {
		return process.Spec{}, nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return spec, m.ops[name], nil
}

// Start launches name unless a live process already exists for it.
// Stale listeners left on the service port by an earlier run are
// terminated first; any other listener makes Start fail untouched.
func (m *Manager) Start(name string) error {
	spec, op, err := m.lookup(name)
	if err != nil {
		return err
	}
	op.Lock()
	defer op.Unlock()
	return m.start(spec)
}

func (m *Manager) start(spec process.Spec) error {
	name := spec.Name
	m.mu.Lock()
	st := m.states[name]
	if st.proc != nil && st.proc.Alive() {
		m.mu.Unlock()
		return nil
	}
	st.desired = true
	lastPID := st.lastPID
	m.mu.Unlock()

	if err := m.clearPort(spec, lastPID); err != nil {
		return err
	}

	launch, environ := withVenv(spec, m.opts.Env.Merge(m.serviceEnv(spec)))
	p, err := process.Start(launch, environ)
	if err != nil {
		m.logs.Append(name, fmt.Sprintf("[runner] failed to start: %v", err))
		slog.Error("service start failed", "service", name, "error", err)
		return err
	}

	m.mu.Lock()
	st.proc = p
	st.startedAt = p.StartedAt()
	st.lastPID = p.PID()
	st.lastExit = nil
	st.alert = nil
	m.mu.Unlock()

	m.logs.Append(name, fmt.Sprintf("[runner] started (pid=%d)", p.PID()))
	metrics.IncStart(name)
	metrics.SetRunning(name, true)
	m.record(history.Event{Type: history.EventStart, Service: name, PID: p.PID()})
	go m.stream(name, p)
	return nil
}

// Stop clears desired-running and terminates the process group, escalating
// to a kill after the stop timeout. Stopping a stopped service is a no-op.
func (m *Manager) Stop(name string) error {
	spec, op, err := m.lookup(name)
	if err != nil {
		return err
	}
	op.Lock()
	defer op.Unlock()
	_, err = m.stop(spec.Name)
	return err
}

// stop returns the PID of the process it stopped, or 0 when none was live.
func (m *Manager) stop(name string) (int, error) {
	m.mu.Lock()
	st := m.states[name]
	st.desired = false
	p := st.proc
	st.proc = nil
	if p != nil {
		st.lastPID = p.PID()
	}
	m.mu.Unlock()
	if p == nil {
		return 0, nil
	}

	wasAlive := p.Alive()
	err := p.Terminate(m.opts.StopTimeout)
	metrics.SetRunning(name, false)
	if err != nil {
		m.logs.Append(name, fmt.Sprintf("[runner] stop failed: %v", err))
		slog.Warn("service stop failed", "service", name, "pid", p.PID(), "error", err)
		return p.PID(), err
	}
	m.logs.Append(name, "[runner] stopped")
	metrics.IncStop(name)
	ev := history.Event{Type: history.EventStop, Service: name, PID: p.PID()}
	if code, exited := p.Poll(); exited {
		ev.ExitCode = &code
	}
	m.record(ev)
	if !wasAlive {
		return 0, nil
	}
	return p.PID(), nil
}

// Restart stops name, waits for its port to be released, and starts it
// again. When the port is taken by someone else, or does not free up
// before the deadline, the service is left stopped and a
// *RestartBlockedError is returned.
func (m *Manager) Restart(name string) error {
	spec, op, err := m.lookup(name)
	if err != nil {
		return err
	}
	op.Lock()
	defer op.Unlock()

	m.mu.Lock()
	m.states[name].restarts++
	m.mu.Unlock()
	metrics.IncRestart(name)
	m.logs.Append(name, "[runner] restart requested")

	oldPID, err := m.stop(name)
	m.mu.Lock()
	m.states[name].desired = true
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if spec.Port > 0 && oldPID > 0 {
		if err := m.waitPortReleased(spec, oldPID); err != nil {
			return err
		}
	}
	return m.start(spec)
}

// StartAll starts every service in registration order. One failure does
// not prevent the others from starting.
func (m *Manager) StartAll() error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Start(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every service. It is safe to call repeatedly.
func (m *Manager) StopAll() error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Stop(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestartAll restarts every service in registration order.
func (m *Manager) RestartAll() error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Restart(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExitInfo names a process that died while it was supposed to be running.
type ExitInfo struct {
	Name string
	Code int
}

// Exited lists services whose process has exited while desired-running.
func (m *Manager) Exited() []ExitInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExitInfo
	for _, name := range m.order {
		st := m.states[name]
		if st.proc == nil || !st.desired {
			continue
		}
		if code, exited := st.proc.Poll(); exited {
			out = append(out, ExitInfo{Name: name, Code: code})
		}
	}
	return out
}

// NoteExit records an unexpected exit. Repeated notes with the same code
// are ignored so a crashed service logs its exit once.
func (m *Manager) NoteExit(name string, code int) {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok || (st.lastExit != nil && *st.lastExit == code) {
		m.mu.Unlock()
		return
	}
	c := code
	st.lastExit = &c
	pid := st.lastPID
	m.mu.Unlock()

	m.logs.Append(name, fmt.Sprintf("[runner] process exited with code %d", code))
	metrics.IncUnexpectedExit(name)
	metrics.SetRunning(name, false)
	m.record(history.Event{Type: history.EventExit, Service: name, PID: pid, ExitCode: &c})
}

// ServicesForRepo returns the services whose owning checkout resolves to root.
func (m *Manager) ServicesForRepo(root string) []string {
	target := (&process.Spec{Repo: root}).RepoRoot()
	if target == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, name := range m.order {
		spec := m.specs[name]
		if r := spec.RepoRoot(); r != "" && r == target {
			out = append(out, name)
		}
	}
	return out
}

// RestartRepoServices restarts the desired-running services of root after
// an update and returns the names it restarted.
func (m *Manager) RestartRepoServices(root string) []string {
	var restarted []string
	for _, name := range m.ServicesForRepo(root) {
		m.logs.Append(name, "[runner] update: restarting after git pull")
		m.mu.Lock()
		desired := m.states[name].desired
		m.mu.Unlock()
		if !desired {
			continue
		}
		if err := m.Restart(name); err != nil {
			slog.Warn("repo restart failed", "service", name, "error", err)
		}
		restarted = append(restarted, name)
	}
	return restarted
}

func (m *Manager) setAlert(name string, a *logstore.Alert) {
	m.mu.Lock()
	m.states[name].alert = a
	m.mu.Unlock()
}

// record sends e to the history sink, if any. Failures are only logged.
func (m *Manager) record(e history.Event) {
	if m.opts.Sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := m.opts.Sink.Send(ctx, e); err != nil {
		slog.Warn("history send failed", "service", e.Service, "type", e.Type, "error", err)
	}
}

// stream copies the child's combined output into the log store until EOF.
// Lines longer than maxLineBytes are truncated; the remainder is drained so
// the child never writes into a closed pipe.
func (m *Manager) stream(name string, p *process.Process) {
	out := p.Output()
	defer func() { _ = out.Close() }()
	r := bufio.NewReaderSize(out, 64*1024)
	var (
		line      []byte
		truncated bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if room := maxLineBytes - len(line); len(chunk) > room {
			line = append(line, chunk[:max(room, 0)]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		m.emit(name, line, truncated)
		line, truncated = line[:0], false
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				if !m.opts.Quiet {
					m.echo("runner", fmt.Sprintf("log stream error for %s: %v", name, err))
				}
				slog.Debug("output stream ended", "service", name, "error", err)
			}
			return
		}
	}
}

func (m *Manager) emit(name string, raw []byte, truncated bool) {
	text := strings.TrimRight(string(raw), "\r\n")
	if text == "" {
		return
	}
	if truncated {
		text += " [truncated]"
	}
	if !m.opts.Quiet {
		m.echo(name, text)
	}
	m.logs.Append(name, text)
}

func (m *Manager) echo(name, line string) {
	m.echoMu.Lock()
	defer m.echoMu.Unlock()
	_, _ = fmt.Fprintf(m.opts.Echo, "[%s] %s\n", name, line)
}
