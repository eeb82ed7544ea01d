package stack

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/manager"
)

// WaitReady polls until every desired-running service is healthy and, when
// it declares ready markers, has printed one of them since since. It gives
// up after timeout and reports whether the stack became ready.
func WaitReady(ctx context.Context, mgr *manager.Manager, since time.Time, timeout, poll time.Duration) bool {
	deadline := time.Now().Add(timeout)
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		if ready(ctx, mgr, since) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

func ready(ctx context.Context, mgr *manager.Manager, since time.Time) bool {
	logs := mgr.Logs()
	for _, st := range mgr.StatusSnapshot(ctx) {
		if !st.DesiredRunning {
			continue
		}
		if !st.HealthOK {
			return false
		}
		spec, _ := mgr.Spec(st.Name)
		if len(spec.ReadyMarkers) > 0 && !logs.HasAnySubstringSince(st.Name, since, spec.ReadyMarkers, logstore.ReadyLookback) {
			return false
		}
	}
	return true
}

// Summary renders the "STACK READY" table printed once startup settles.
func Summary(statuses []manager.Status, adminPort int, adminURL string) []string {
	lines := []string{"", "[runner] ===================== STACK READY ====================="}
	for _, st := range statuses {
		state := "WAITING"
		if st.PortOpen || (st.Port == 0 && st.HealthOK) {
			state = "OK"
		}
		lines = append(lines, fmt.Sprintf("[runner]   %-20s port=%5d [%-7s] %s", st.Name, st.Port, state, st.HealthStatus))
		if st.URL != "" {
			lines = append(lines, "[runner]     -> "+st.URL)
		}
	}
	lines = append(lines,
		fmt.Sprintf("[runner]   %-20s port=%5d [%-7s]", "admin", adminPort, "OK"),
		"[runner]     -> "+adminURL,
		"[runner] ==========================================================",
		"",
	)
	return lines
}
