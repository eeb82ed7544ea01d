package detector

import (
	"context"
	"errors"
	"os/exec"
	"strconv"

	"github.com/loykin/devstack/internal/process"
)

// CommandDetector runs a command that should exit 0 while the service is healthy.
type CommandDetector struct {
	Command string
	Dir     string
}

func (d CommandDetector) Check(ctx context.Context) (bool, string) {
	spec := process.Spec{Command: d.Command}
	cmd := spec.BuildCommand()
	cmd.Dir = d.Dir
	if err := cmd.Start(); err != nil {
		return false, truncate(err.Error(), 50)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return false, "CMD timeout"
	}
	if err == nil {
		return true, "CMD ok"
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, "CMD exit " + itoa(ee.ExitCode())
	}
	return false, truncate(err.Error(), 50)
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }

func itoa(n int) string { return strconv.Itoa(n) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
