package manager

import (
	"fmt"
	"sort"
	"strings"
)

// ShutdownReport describes what is left behind after StopAll.
type ShutdownReport struct {
	// StillAlive holds "name:pid" for last known PIDs that survived.
	StillAlive []string
	// PortNotes explains every service port that still has a listener.
	PortNotes []string
}

// Complete is true when no runner-owned process survived.
func (r ShutdownReport) Complete() bool { return len(r.StillAlive) == 0 }

// Lines renders the report as operator-facing messages.
func (r ShutdownReport) Lines() []string {
	if r.Complete() {
		return []string{"[runner] Shutdown complete: all runner processes stopped."}
	}
	lines := []string{"[runner] Shutdown incomplete: still alive: " + strings.Join(r.StillAlive, ", ")}
	for _, n := range r.PortNotes {
		lines = append(lines, "[runner] NOTE: "+n)
	}
	return lines
}

// ShutdownReport checks the last known PID of every service and the
// listeners left on configured ports.
func (m *Manager) ShutdownReport() ShutdownReport {
	m.mu.Lock()
	lastPIDs := make(map[string]int, len(m.states))
	for name, st := range m.states {
		if st.lastPID > 0 {
			lastPIDs[name] = st.lastPID
		}
	}
	var ports []int
	for _, name := range m.order {
		if p := m.specs[name].Port; p > 0 {
			ports = append(ports, p)
		}
	}
	m.mu.Unlock()

	names := make([]string, 0, len(lastPIDs))
	for name := range lastPIDs {
		names = append(names, name)
	}
	sort.Strings(names)

	var r ShutdownReport
	for _, name := range names {
		if pid := lastPIDs[name]; m.opts.Prober.Alive(pid) {
			r.StillAlive = append(r.StillAlive, fmt.Sprintf("%s:%d", name, pid))
		}
	}
	for _, port := range ports {
		listeners := m.opts.Prober.ListenPIDs(port)
		if len(listeners) == 0 {
			continue
		}
		held := make(map[int]bool, len(listeners))
		for _, pid := range listeners {
			held[pid] = true
		}
		var ours []string
		for _, name := range names {
			if held[lastPIDs[name]] {
				ours = append(ours, fmt.Sprintf("%s:%d", name, lastPIDs[name]))
			}
		}
		if len(ours) > 0 {
			r.PortNotes = append(r.PortNotes, fmt.Sprintf("port %d still held by runner PID(s): %s", port, strings.Join(ours, ", ")))
		} else {
			r.PortNotes = append(r.PortNotes, fmt.Sprintf("port %d still has non-runner listener PID(s): %s", port, joinPIDs(listeners)))
		}
	}
	return r
}
