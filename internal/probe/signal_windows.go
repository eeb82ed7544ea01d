//go:build windows

package probe

import "os"

// ProcessGroup is not meaningful on Windows.
func (s System) ProcessGroup(pid int) int { return 0 }

func signalZero(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sendTerm(target int) error { return sendKill(target) }

func sendKill(target int) error {
	p, err := os.FindProcess(abs(target))
	if err != nil {
		return err
	}
	return p.Kill()
}
