package manager

import (
	"fmt"
	"time"

	"github.com/loykin/devstack/internal/history"
	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/metrics"
	"github.com/loykin/devstack/internal/process"
)

// owns reports whether a listener on the service port is a leftover of the
// service itself. A listener we cannot identify is treated as foreign.
func (m *Manager) owns(spec process.Spec, lastPID, pid int) bool {
	if lastPID > 0 && (pid == lastPID || m.opts.Prober.ProcessGroup(pid) == lastPID) {
		return true
	}
	return spec.OwnsCommandLine(m.opts.Prober.Command(pid))
}

// clearPort makes the service port available before a launch. Stale
// listeners from an earlier run are terminated; if any listener is foreign
// nothing is signalled and a *PortConflictError is returned.
func (m *Manager) clearPort(spec process.Spec, lastPID int) error {
	if spec.Port <= 0 {
		return nil
	}
	name := spec.Name
	listeners := m.opts.Prober.ListenPIDs(spec.Port)
	if len(listeners) == 0 {
		return nil
	}

	var stale, foreign []int
	for _, pid := range listeners {
		if m.owns(spec, lastPID, pid) {
			stale = append(stale, pid)
		} else {
			foreign = append(foreign, pid)
		}
	}
	if len(foreign) > 0 {
		return m.portConflict(spec, foreign)
	}

	for _, pid := range stale {
		m.logs.Append(name, fmt.Sprintf("[runner] terminating stale listener on port %d (pid=%d)", spec.Port, pid))
		if err := m.opts.Prober.Terminate(pid, m.opts.StaleKillTimeout); err != nil {
			m.logs.Append(name, fmt.Sprintf("[runner] could not terminate stale pid %d: %v", pid, err))
			continue
		}
		metrics.IncStaleKilled(name)
		m.record(history.Event{Type: history.EventStaleKilled, Service: name, PID: pid, Detail: fmt.Sprintf("port %d", spec.Port)})
	}

	deadline := time.Now().Add(m.opts.PortWait)
	for {
		remaining := m.opts.Prober.ListenPIDs(spec.Port)
		if len(remaining) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return m.portConflict(spec, remaining)
		}
		time.Sleep(m.opts.PortPoll)
	}
}

func (m *Manager) portConflict(spec process.Spec, pids []int) error {
	err := &PortConflictError{Service: spec.Name, Port: spec.Port, PIDs: firstPIDs(pids)}
	msg := fmt.Sprintf("port %d in use by PID(s): %s", spec.Port, joinPIDs(pids))
	e := m.logs.Append(spec.Name, "[runner] start blocked: "+msg)
	m.setAlert(spec.Name, &logstore.Alert{
		Type:         logstore.AlertPortConflict,
		Message:      msg,
		TS:           e.TS,
		Port:         spec.Port,
		ListenerPIDs: err.PIDs,
	})
	metrics.IncPortConflict(spec.Name)
	m.record(history.Event{Type: history.EventPortConflict, Service: spec.Name, Detail: msg})
	return err
}

// waitPortReleased polls until nothing listens on the port of a service that
// was just stopped. Listeners belonging to oldPID or its process group are
// expected to disappear; any other listener aborts the wait immediately.
func (m *Manager) waitPortReleased(spec process.Spec, oldPID int) error {
	deadline := time.Now().Add(m.opts.PortWait)
	var listeners []int
	for time.Now().Before(deadline) {
		listeners = m.opts.Prober.ListenPIDs(spec.Port)
		if len(listeners) == 0 && !m.opts.Prober.PortOpen(spec.Port) {
			return nil
		}
		var foreign []int
		for _, pid := range listeners {
			if pid != oldPID && m.opts.Prober.ProcessGroup(pid) != oldPID {
				foreign = append(foreign, pid)
			}
		}
		if len(foreign) > 0 {
			return m.restartBlocked(spec, listeners, false)
		}
		time.Sleep(m.opts.PortPoll)
	}
	return m.restartBlocked(spec, listeners, true)
}

func (m *Manager) restartBlocked(spec process.Spec, pids []int, timeout bool) error {
	err := &RestartBlockedError{Service: spec.Name, Port: spec.Port, PIDs: firstPIDs(pids), Timeout: timeout}
	msg := fmt.Sprintf("port %d in use by PID(s): %s", spec.Port, joinPIDs(pids))
	if timeout {
		msg = fmt.Sprintf("port %d not released within %s (PID(s): %s)", spec.Port, m.opts.PortWait, joinPIDs(pids))
	}
	e := m.logs.Append(spec.Name, "[runner] restart blocked: "+msg)
	m.setAlert(spec.Name, &logstore.Alert{
		Type:         logstore.AlertRestartBlocked,
		Message:      msg,
		TS:           e.TS,
		Port:         spec.Port,
		ListenerPIDs: err.PIDs,
	})
	metrics.IncRestartBlocked(spec.Name)
	m.record(history.Event{Type: history.EventRestartBlocked, Service: spec.Name, Detail: msg})
	return err
}
