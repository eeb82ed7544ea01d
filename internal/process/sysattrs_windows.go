//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

func shellCommand(script string) *exec.Cmd {
	return exec.Command("cmd", "/C", script) // #nosec G204
}

// Windows has no graceful group signal; both paths terminate the process.
func signalGroup(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func exitCodeOf(st *os.ProcessState) int {
	if st == nil {
		return -1
	}
	return st.ExitCode()
}
