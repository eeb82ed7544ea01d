package manager

import (
	"bytes"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/process"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like processes")
	}
}

// fakeProber scripts port listeners and process facts. Each ListenPIDs
// call consumes one step of the port's sequence; the last step repeats.
type fakeProber struct {
	mu         sync.Mutex
	listen     map[int][][]int
	open       map[int]bool
	cmd        map[int]string
	pgid       map[int]int
	alive      map[int]bool
	terminated []int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		listen: make(map[int][][]int),
		open:   make(map[int]bool),
		cmd:    make(map[int]string),
		pgid:   make(map[int]int),
		alive:  make(map[int]bool),
	}
}

func (f *fakeProber) setListeners(port int, steps ...[]int) {
	f.mu.Lock()
	f.listen[port] = steps
	f.mu.Unlock()
}

func (f *fakeProber) setOpen(port int, open bool) {
	f.mu.Lock()
	f.open[port] = open
	f.mu.Unlock()
}

func (f *fakeProber) setCommand(pid int, cmdline string) {
	f.mu.Lock()
	f.cmd[pid] = cmdline
	f.mu.Unlock()
}

func (f *fakeProber) setGroup(pid, pgid int) {
	f.mu.Lock()
	f.pgid[pid] = pgid
	f.mu.Unlock()
}

func (f *fakeProber) setAlive(pid int, alive bool) {
	f.mu.Lock()
	f.alive[pid] = alive
	f.mu.Unlock()
}

func (f *fakeProber) terminatedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}

func (f *fakeProber) PortOpen(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[port]
}

func (f *fakeProber) ListenPIDs(port int) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.listen[port]
	if len(seq) == 0 {
		return nil
	}
	if len(seq) > 1 {
		f.listen[port] = seq[1:]
	}
	return append([]int(nil), seq[0]...)
}

func (f *fakeProber) Command(pid int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cmd[pid]
}

func (f *fakeProber) ProcessGroup(pid int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pgid[pid]
}

func (f *fakeProber) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProber) Terminate(pid int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, pid)
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestManager(t *testing.T, fp *fakeProber, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Prober:        fp,
		Quiet:         true,
		StopTimeout:   2 * time.Second,
		PortWait:      time.Second,
		PortPoll:      20 * time.Millisecond,
		HealthTimeout: 500 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m := New(logstore.New(200), opts)
	t.Cleanup(func() { _ = m.StopAll() })
	return m
}

func sleeper(name string, port int) process.Spec {
	return process.Spec{Name: name, Args: []string{"sleep", "30"}, Port: port}
}

func pidOf(t *testing.T, m *Manager, name string) int {
	t.Helper()
	for _, s := range m.StatusSnapshot(t.Context()) {
		if s.Name == name {
			require.NotNil(t, s.PID, "%s has no pid", name)
			return *s.PID
		}
	}
	t.Fatalf("service %s not in snapshot", name)
	return 0
}

func statusOf(t *testing.T, m *Manager, name string) Status {
	t.Helper()
	for _, s := range m.StatusSnapshot(t.Context()) {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("service %s not in snapshot", name)
	return Status{}
}

func countLines(m *Manager, name, substr string) int {
	n := 0
	for _, e := range m.Logs().Tail(name, m.Logs().MaxLines()) {
		if strings.Contains(e.Line, substr) {
			n++
		}
	}
	return n
}
