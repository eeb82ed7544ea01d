package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotReaped is returned by Terminate when a process survived the forced kill.
var ErrNotReaped = errors.New("process did not exit after kill")

// Process is a launched child. Its stdout and stderr share one pipe that is
// exposed through Output; exit is observed by a single wait goroutine.
type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	output    *os.File
	done      chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Start launches spec in its own process group with env as the complete
// environment. The caller owns reading Output until EOF.
func Start(spec Spec, env []string) (*Process, error) {
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe for %s: %w", spec.Name, err)
	}
	cmd.Stdin = nil
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	// the child holds its own copy of the write end
	_ = w.Close()

	p := &Process{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		output:    r,
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.exitCode = exitCodeOf(p.cmd.ProcessState)
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) Name() string         { return p.name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Output is the combined stdout/stderr stream. It reaches EOF once every
// process holding the write end has exited.
func (p *Process) Output() io.ReadCloser { return p.output }

// Done is closed after the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Poll reports the exit code without blocking. exited is false while the
// process is alive. Signal deaths are reported as the negated signal number.
func (p *Process) Poll() (code int, exited bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Alive is shorthand for a Poll that has not exited.
func (p *Process) Alive() bool {
	_, exited := p.Poll()
	return !exited
}

// Terminate signals the whole process group to stop, waits up to grace,
// then kills the group and waits a further two seconds for the reap.
func (p *Process) Terminate(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	_ = signalGroup(p.pid, false)
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	_ = signalGroup(p.pid, true)
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("%s (pid %d): %w", p.name, p.pid, ErrNotReaped)
	}
}
