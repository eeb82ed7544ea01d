package logstore

import "strings"

// Alert types surfaced in status snapshots.
const (
	AlertPortInUse         = "port_in_use"
	AlertConnectionRefused = "connection_refused"
	AlertModuleNotFound    = "module_not_found"
	AlertPortConflict      = "port_conflict"
	AlertRestartBlocked    = "restart_blocked"
)

// Alert is a failure hint derived from recent output.
type Alert struct {
	Type         string  `json:"type"`
	Message      string  `json:"message"`
	TS           float64 `json:"ts"`
	Port         int     `json:"port,omitempty"`
	ListenerPIDs []int   `json:"listener_pids,omitempty"`
}

type alertPattern struct {
	kind   string
	needle string
}

// checked in order; the first pattern matching a line wins
var alertPatterns = []alertPattern{
	{AlertPortInUse, "port in use"},
	{AlertPortInUse, "address already in use"},
	{AlertPortInUse, "eaddrinuse"},
	{AlertConnectionRefused, "connection refused"},
	{AlertModuleNotFound, "modulenotfounderror"},
	{AlertModuleNotFound, "cannot find module"},
}

// DetectAlert scans the last lookback lines of service, most recent first,
// and returns the first known failure pattern found.
func (s *Store) DetectAlert(service string, lookback int) *Alert {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	recent := s.Tail(service, lookback)
	for i := len(recent) - 1; i >= 0; i-- {
		e := recent[i]
		lower := strings.ToLower(e.Line)
		for _, p := range alertPatterns {
			if strings.Contains(lower, p.needle) {
				return &Alert{Type: p.kind, Message: strings.TrimSpace(e.Line), TS: e.TS}
			}
		}
	}
	return nil
}
