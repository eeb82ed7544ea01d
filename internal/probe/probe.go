// Package probe answers questions about the local machine: whether a TCP
// port is accepting connections, which processes listen on it, what those
// processes are, and how to get rid of them.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	DefaultDialTimeout  = 600 * time.Millisecond
	DefaultHTTPTimeout  = 1500 * time.Millisecond
	DefaultQueryTimeout = 2 * time.Second
	DefaultFreePortScan = 50
)

// Prober is the subset of host inspection the supervisor relies on.
// System implements it against the real machine; tests substitute fakes.
type Prober interface {
	PortOpen(port int) bool
	ListenPIDs(port int) []int
	Command(pid int) string
	ProcessGroup(pid int) int
	Alive(pid int) bool
	Terminate(pid int, grace time.Duration) error
}

// System probes the host it runs on.
type System struct {
	DialTimeout  time.Duration
	QueryTimeout time.Duration
}

var _ Prober = System{}

func (s System) dialTimeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return DefaultDialTimeout
}

func (s System) queryCtx() (context.Context, context.CancelFunc) {
	d := s.QueryTimeout
	if d <= 0 {
		d = DefaultQueryTimeout
	}
	return context.WithTimeout(context.Background(), d)
}

// PortOpen reports whether something accepts TCP connections on 127.0.0.1:port.
func (s System) PortOpen(port int) bool {
	return PortOpen(port, s.dialTimeout())
}

// PortOpen dials 127.0.0.1:port with timeout.
func PortOpen(port int, timeout time.Duration) bool {
	if port <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// ListenPIDs returns the distinct PIDs holding a TCP listening socket on port,
// in ascending order. Sockets whose owner cannot be resolved are skipped.
func (s System) ListenPIDs(port int) []int {
	if port <= 0 {
		return nil
	}
	ctx, cancel := s.queryCtx()
	defer cancel()
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil
	}
	seen := make(map[int]struct{})
	var out []int
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		pid := int(c.Pid)
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// Command returns the full command line of pid, or "" when it cannot be read.
func (s System) Command(pid int) string {
	ctx, cancel := s.queryCtx()
	defer cancel()
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	cmdline, err := p.CmdlineWithContext(ctx)
	if err != nil {
		return ""
	}
	return cmdline
}

// Alive reports whether pid refers to a live, non-zombie process.
func (s System) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ctx, cancel := s.queryCtx()
	defer cancel()
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.StatusWithContext(ctx); err == nil {
		for _, v := range st {
			if v == process.Zombie {
				return false
			}
		}
	}
	return signalZero(pid)
}

// Terminate asks pid's process group (or pid alone when it leads no group)
// to exit, waits up to grace, then kills it.
func (s System) Terminate(pid int, grace time.Duration) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	target := pid
	if pg := s.ProcessGroup(pid); pg == pid {
		target = -pid
	}
	if err := sendTerm(target); err != nil && s.Alive(pid) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	if waitGone(s, pid, grace) {
		return nil
	}
	_ = sendKill(target)
	if waitGone(s, pid, 2*time.Second) {
		return nil
	}
	return fmt.Errorf("pid %d still alive after kill", pid)
}

func waitGone(p Prober, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !p.Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// HTTPOK performs a GET against url and reports whether it answered 2xx,
// together with a short status such as "HTTP 200" or the failure reason.
func HTTPOK(ctx context.Context, client *http.Client, url string) (bool, string) {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, truncate(err.Error(), 50)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, truncate(reason(err), 50)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func reason(err error) string {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return opErr.Err.Error()
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// PickFreePort returns the first port in [start, start+limit) that nothing
// listens on, or start+limit when all of them are taken.
func PickFreePort(start, limit int) int {
	if limit <= 0 {
		limit = DefaultFreePortScan
	}
	for off := 0; off < limit; off++ {
		if !PortOpen(start+off, 200*time.Millisecond) {
			return start + off
		}
	}
	return start + limit
}
