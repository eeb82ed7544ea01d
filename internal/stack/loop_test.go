package stack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/manager"
	"github.com/loykin/devstack/internal/process"
	"github.com/loykin/devstack/internal/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like processes")
	}
}

type fakeInstaller struct {
	mu      sync.Mutex
	nodeErr error
	pyErr   error
	calls   []string
}

func (f *fakeInstaller) EnsureNode(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "node:"+dir)
	return f.nodeErr
}

func (f *fakeInstaller) EnsurePython(_ context.Context, dir, systemPython string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "python:"+dir+":"+systemPython)
	return filepath.Join(dir, ".venv", "bin", "python"), f.pyErr
}

func newLoopManager(t *testing.T, specs ...process.Spec) *manager.Manager {
	t.Helper()
	m := manager.New(logstore.New(200), manager.Options{
		Quiet:       true,
		StopTimeout: 2 * time.Second,
		PortWait:    time.Second,
		PortPoll:    20 * time.Millisecond,
	})
	for _, s := range specs {
		require.NoError(t, m.Register(s))
	}
	t.Cleanup(func() { _ = m.StopAll() })
	return m
}

func pid(t *testing.T, m *manager.Manager, name string) int {
	t.Helper()
	for _, s := range m.StatusSnapshot(t.Context()) {
		if s.Name == name && s.PID != nil {
			return *s.PID
		}
	}
	t.Fatalf("%s is not running", name)
	return 0
}

func hasLine(logs *logstore.Store, service, sub string) bool {
	for _, e := range logs.Tail(service, 1000) {
		if strings.Contains(e.Line, sub) {
			return true
		}
	}
	return false
}

func changedRule(t *testing.T, service string, action watchdog.Action) (watchdog.Rule, string) {
	t.Helper()
	root := t.TempDir()
	file := filepath.Join(root, "deps.txt")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.WriteFile(file, []byte("a"), 0o644))
	require.NoError(t, os.Chtimes(file, old, old))
	return watchdog.Rule{Service: service, Root: root, Globs: []string{"deps.txt"}, Action: action, Reason: "deps changed"}, file
}

func bump(t *testing.T, file string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, os.Chtimes(file, now, now))
}

func TestTick_RestartOnChange(t *testing.T) {
	requireUnix(t)
	rule, file := changedRule(t, "api", watchdog.ActionRestart)
	m := newLoopManager(t, process.Spec{Name: "api", Args: []string{"sleep", "30"}, WorkDir: rule.Root})
	require.NoError(t, m.Start("api"))
	before := pid(t, m, "api")

	l := &Loop{Manager: m, Watchdog: watchdog.New([]watchdog.Rule{rule})}
	l.Watchdog.Prime()
	l.Tick(t.Context(), time.Now())
	assert.Equal(t, before, pid(t, m, "api"), "no change, no restart")

	bump(t, file)
	l.Tick(t.Context(), time.Now())
	assert.NotEqual(t, before, pid(t, m, "api"))
	assert.True(t, hasLine(m.Logs(), "api", "[runner] watchdog: restart (deps changed)"))
	assert.True(t, hasLine(m.Logs(), "api", "[runner] restart requested"))
}

func TestTick_ReinstallBeforeRestart(t *testing.T) {
	requireUnix(t)
	rule, file := changedRule(t, "web", watchdog.ActionNodeReinstallRestart)
	m := newLoopManager(t, process.Spec{Name: "web", Args: []string{"sleep", "30"}, WorkDir: rule.Root})
	require.NoError(t, m.Start("web"))
	before := pid(t, m, "web")

	inst := &fakeInstaller{}
	l := &Loop{
		Manager:    m,
		Watchdog:   watchdog.New([]watchdog.Rule{rule}),
		Installers: func(string) Installer { return inst },
	}
	l.Watchdog.Prime()
	bump(t, file)
	l.Tick(t.Context(), time.Now())

	assert.Equal(t, []string{"node:" + rule.Root}, inst.calls)
	assert.NotEqual(t, before, pid(t, m, "web"))
}

func TestTick_FailedInstallSkipsRestart(t *testing.T) {
	requireUnix(t)
	rule, file := changedRule(t, "worker", watchdog.ActionPythonReinstallRestart)
	m := newLoopManager(t, process.Spec{Name: "worker", Args: []string{"sleep", "30"}, WorkDir: rule.Root})
	require.NoError(t, m.Start("worker"))
	before := pid(t, m, "worker")

	inst := &fakeInstaller{pyErr: errors.New("pip exploded")}
	l := &Loop{
		Manager:    m,
		Watchdog:   watchdog.New([]watchdog.Rule{rule}),
		Installers: func(string) Installer { return inst },
		Python:     "python3.12",
	}
	l.Watchdog.Prime()
	bump(t, file)
	l.Tick(t.Context(), time.Now())

	assert.Equal(t, []string{"python:" + rule.Root + ":python3.12"}, inst.calls)
	assert.Equal(t, before, pid(t, m, "worker"))
	assert.True(t, hasLine(m.Logs(), "worker", "restart skipped: pip exploded"))
}

func TestTick_RecordsUnexpectedExit(t *testing.T) {
	requireUnix(t)
	m := newLoopManager(t, process.Spec{Name: "flaky", Command: "sh -c 'exit 3'"})
	require.NoError(t, m.Start("flaky"))

	l := &Loop{Manager: m}
	require.Eventually(t, func() bool {
		l.Tick(t.Context(), time.Now())
		return hasLine(m.Logs(), "flaky", "[runner] process exited with code 3")
	}, 3*time.Second, 20*time.Millisecond)

	l.Tick(t.Context(), time.Now())
	n := 0
	for _, e := range m.Logs().Tail("flaky", 1000) {
		if strings.Contains(e.Line, "exited with code") {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestRun_StopsOnCancel(t *testing.T) {
	m := newLoopManager(t)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- (&Loop{Manager: m, Interval: 10 * time.Millisecond}).Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLineWriter(t *testing.T) {
	logs := logstore.New(50)
	w := &lineWriter{logs: logs, service: "svc"}
	_, _ = w.Write([]byte("added 12 pack"))
	_, _ = w.Write([]byte("ages\r\n\n  \nfound 0 vulnerabilities\npartial"))

	var lines []string
	for _, e := range logs.Tail("svc", 1000) {
		lines = append(lines, e.Line)
	}
	assert.Equal(t, []string{"added 12 packages", "found 0 vulnerabilities"}, lines)
}

func TestServiceInstaller_LogsIntoStream(t *testing.T) {
	logs := logstore.New(50)
	inst := ServiceInstaller(logs, "svc")
	inst.Logf("installing %s", "deps")
	tail := logs.Tail("svc", 1)
	require.Len(t, tail, 1)
	assert.Equal(t, "[runner] installing deps", tail[0].Line)
}
