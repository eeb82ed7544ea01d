//go:build !windows

package probe

import "syscall"

// ProcessGroup returns the process group id of pid, or 0 if unknown.
func (s System) ProcessGroup(pid int) int {
	pg, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pg
}

func signalZero(pid int) bool { return syscall.Kill(pid, 0) == nil }

// negative targets address a whole process group
func sendTerm(target int) error { return syscall.Kill(target, syscall.SIGTERM) }

func sendKill(target int) error { return syscall.Kill(target, syscall.SIGKILL) }
