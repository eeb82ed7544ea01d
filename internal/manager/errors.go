package manager

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownService is returned for names that were never registered.
var ErrUnknownService = errors.New("unknown service")

// maxReportedPIDs bounds how many listener PIDs end up in messages and alerts.
const maxReportedPIDs = 5

// PortConflictError reports a start refused because processes that do not
// belong to the service listen on its port. Nothing was signalled.
type PortConflictError struct {
	Service string
	Port    int
	PIDs    []int
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("%s: port %d in use by PID(s): %s", e.Service, e.Port, joinPIDs(e.PIDs))
}

// RestartBlockedError reports a restart that did not relaunch the service
// because its port stayed busy. Timeout is true when the port simply never
// freed up; otherwise a foreign process took it.
type RestartBlockedError struct {
	Service string
	Port    int
	PIDs    []int
	Timeout bool
}

func (e *RestartBlockedError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: restart blocked: port %d not released in time (PID(s): %s)", e.Service, e.Port, joinPIDs(e.PIDs))
	}
	return fmt.Sprintf("%s: restart blocked: port %d in use by PID(s): %s", e.Service, e.Port, joinPIDs(e.PIDs))
}

func firstPIDs(pids []int) []int {
	if len(pids) > maxReportedPIDs {
		pids = pids[:maxReportedPIDs]
	}
	return append([]int(nil), pids...)
}

func joinPIDs(pids []int) string {
	pids = firstPIDs(pids)
	if len(pids) == 0 {
		return "unknown"
	}
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}
