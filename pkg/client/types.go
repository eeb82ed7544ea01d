package client

import "fmt"

// ServiceStatus mirrors one entry of GET /api/services.
type ServiceStatus struct {
	Name           string   `json:"name"`
	PID            *int     `json:"pid"`
	Running        bool     `json:"running"`
	ExitCode       *int     `json:"exit_code"`
	UptimeS        *float64 `json:"uptime_s"`
	URL            string   `json:"url"`
	HealthURL      string   `json:"health_url"`
	Port           int      `json:"port"`
	PortOpen       bool     `json:"port_open"`
	HealthOK       bool     `json:"health_ok"`
	HealthStatus   string   `json:"health_status"`
	RestartCount   int      `json:"restart_count"`
	DesiredRunning bool     `json:"desired_running"`
	RepoRoot       string   `json:"repo_root"`
	RepoName       string   `json:"repo_name"`
	Alert          *Alert   `json:"alert"`
}

// Alert is a diagnosis attached to a service.
type Alert struct {
	Type         string  `json:"type"`
	Message      string  `json:"message"`
	TS           float64 `json:"ts"`
	Port         int     `json:"port,omitempty"`
	ListenerPIDs []int   `json:"listener_pids,omitempty"`
}

// ServicesResponse is the body of GET /api/services.
type ServicesResponse struct {
	Services  []ServiceStatus `json:"services"`
	Timestamp float64         `json:"timestamp"`
}

// ActionResult is returned by service and stack actions. OK is false when
// the supervisor refused or failed the action; Error then says why.
type ActionResult struct {
	OK      bool   `json:"ok"`
	Service string `json:"service,omitempty"`
	Action  string `json:"action"`
	Error   string `json:"error,omitempty"`
}

// LogEntry is a single captured output line.
type LogEntry struct {
	ID   int64   `json:"id"`
	TS   float64 `json:"ts"`
	Line string  `json:"line"`
}

// LogsResponse is the body of GET /api/logs/{name}.
type LogsResponse struct {
	Service   string     `json:"service"`
	Entries   []LogEntry `json:"entries"`
	MinID     *int64     `json:"min_id"`
	MaxID     *int64     `json:"max_id"`
	Truncated bool       `json:"truncated"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	if e.Detail != "" {
		return fmt.Sprintf("API error: %s (%s)", e.Code, e.Detail)
	}
	return "API error: " + e.Code
}
