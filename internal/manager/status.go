package manager

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loykin/devstack/internal/detector"
	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/process"
	"golang.org/x/sync/errgroup"
)

// probeParallelism bounds concurrent port and HTTP probes in a snapshot.
const probeParallelism = 8

// Status is the externally visible view of one service.
type Status struct {
	Name           string          `json:"name"`
	PID            *int            `json:"pid"`
	Running        bool            `json:"running"`
	ExitCode       *int            `json:"exit_code"`
	UptimeS        *float64        `json:"uptime_s"`
	URL            string          `json:"url"`
	HealthURL      string          `json:"health_url"`
	Port           int             `json:"port"`
	PortOpen       bool            `json:"port_open"`
	HealthOK       bool            `json:"health_ok"`
	HealthStatus   string          `json:"health_status"`
	RestartCount   int             `json:"restart_count"`
	DesiredRunning bool            `json:"desired_running"`
	RepoRoot       string          `json:"repo_root"`
	RepoName       string          `json:"repo_name"`
	Alert          *logstore.Alert `json:"alert"`
}

type snapshotRow struct {
	spec      process.Spec
	proc      *process.Process
	startedAt time.Time
	desired   bool
	restarts  int
	alert     *logstore.Alert
}

// StatusSnapshot returns one entry per registered service in registration
// order. State is copied under the lock; probing happens outside it.
func (m *Manager) StatusSnapshot(ctx context.Context) []Status {
	m.mu.Lock()
	rows := make([]snapshotRow, 0, len(m.order))
	for _, name := range m.order {
		st := m.states[name]
		row := snapshotRow{
			spec:      m.specs[name],
			proc:      st.proc,
			startedAt: st.startedAt,
			desired:   st.desired,
			restarts:  st.restarts,
		}
		if st.alert != nil {
			a := *st.alert
			row.alert = &a
		}
		rows = append(rows, row)
	}
	m.mu.Unlock()

	out := make([]Status, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)
	for i := range rows {
		g.Go(func() error {
			out[i] = m.status(gctx, rows[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Manager) status(ctx context.Context, row snapshotRow) Status {
	spec := row.spec
	s := Status{
		Name:           spec.Name,
		URL:            spec.URL,
		HealthURL:      spec.HealthURL,
		Port:           spec.Port,
		RestartCount:   row.restarts,
		DesiredRunning: row.desired,
		HealthStatus:   "n/a",
		Alert:          row.alert,
	}
	if root := spec.RepoRoot(); root != "" {
		s.RepoRoot = root
		s.RepoName = filepath.Base(root)
	}
	if row.proc != nil {
		pid := row.proc.PID()
		s.PID = &pid
		if code, exited := row.proc.Poll(); exited {
			s.ExitCode = &code
		} else {
			s.Running = true
			up := time.Since(row.startedAt).Seconds()
			s.UptimeS = &up
		}
	}
	if spec.Port > 0 {
		s.PortOpen = m.opts.Prober.PortOpen(spec.Port)
	}

	if s.Running {
		portOpen := s.PortOpen
		check := detector.For(spec, func(int) bool { return portOpen }, m.opts.HTTPClient)
		hctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
		s.HealthOK, s.HealthStatus = check.Check(hctx)
		cancel()
		if !s.HealthOK {
			slog.Debug("health check failing", "service", spec.Name, "check", check.Describe(), "status", s.HealthStatus)
		}
	}

	if s.Alert == nil && s.Running && (!s.HealthOK || !s.PortOpen) {
		if a := m.logs.DetectAlert(spec.Name, m.opts.AlertLookback); a != nil {
			if a.Type == logstore.AlertPortInUse && spec.Port > 0 {
				a.Port = spec.Port
				a.ListenerPIDs = firstPIDs(m.opts.Prober.ListenPIDs(spec.Port))
			}
			s.Alert = a
		}
	}
	return s
}
