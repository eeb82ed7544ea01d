package stack

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/devstack/internal/config"
	"github.com/loykin/devstack/internal/history/sqlite"
	"github.com/loykin/devstack/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func testConfig(t *testing.T, services ...process.Spec) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Admin.Listen = "127.0.0.1:0"
	cfg.Admin.PickFreePort = false
	cfg.Supervisor.PollInterval = 50 * time.Millisecond
	cfg.Supervisor.StopTimeout = 2 * time.Second
	cfg.Supervisor.ReadyTimeout = 2 * time.Second
	cfg.Services = services
	return cfg
}

func runStack(t *testing.T, s *Stack) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case <-s.Started():
	case err := <-done:
		stop()
		t.Fatalf("stack exited early: %v", err)
	case <-time.After(5 * time.Second):
		stop()
		t.Fatal("stack did not start")
	}
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("stack did not shut down")
			return nil
		}
	}
}

func TestNew_RejectsDuplicateServices(t *testing.T) {
	cfg := testConfig(t,
		process.Spec{Name: "a", Args: []string{"sleep", "1"}},
		process.Spec{Name: "a", Args: []string{"sleep", "1"}},
	)
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	requireUnix(t)
	out := &lockedBuffer{}
	s, err := New(testConfig(t, process.Spec{Name: "sleeper", Args: []string{"sleep", "30"}}), out)
	require.NoError(t, err)
	shutdown := runStack(t, s)

	resp, err := http.Get("http://" + s.AdminAddr() + "/api/services")
	require.NoError(t, err)
	var body struct {
		Services []struct {
			Name    string `json:"name"`
			Running bool   `json:"running"`
		} `json:"services"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	require.Len(t, body.Services, 1)
	assert.Equal(t, "sleeper", body.Services[0].Name)
	assert.True(t, body.Services[0].Running)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "STACK READY")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, shutdown())
	text := out.String()
	assert.Contains(t, text, "[runner] Stack starting...")
	assert.Contains(t, text, "[runner] Stack admin UI: http://"+s.AdminAddr())
	assert.Contains(t, text, "[runner] Shutting down...")
	assert.Contains(t, text, "[runner] Shutdown complete: all runner processes stopped.")

	for _, st := range s.Manager().StatusSnapshot(t.Context()) {
		assert.False(t, st.Running)
	}
}

func TestRun_RecordsHistory(t *testing.T) {
	requireUnix(t)
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	cfg := testConfig(t, process.Spec{Name: "sleeper", Args: []string{"sleep", "30"}})
	cfg.History.DSN = dsn
	s, err := New(cfg, &lockedBuffer{})
	require.NoError(t, err)
	shutdown := runStack(t, s)
	require.NoError(t, shutdown())

	sink, err := sqlite.New(dsn)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	events, err := sink.Recent(t.Context(), "sleeper", 10)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, string(e.Type))
	}
	assert.Contains(t, types, "start")
	assert.Contains(t, types, "stop")
}

func TestRun_AdminPortFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = busy.Close() }()

	cfg := testConfig(t)
	cfg.Admin.Listen = busy.Addr().String()
	cfg.Admin.PickFreePort = true
	out := &lockedBuffer{}
	s, err := New(cfg, out)
	require.NoError(t, err)
	shutdown := runStack(t, s)

	assert.NotEqual(t, busy.Addr().String(), s.AdminAddr())
	resp, err := http.Get("http://" + s.AdminAddr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, shutdown())
	assert.Contains(t, out.String(), "busy, using")
}

func TestRun_AdminPortBusyWithoutFallback(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = busy.Close() }()

	cfg := testConfig(t)
	cfg.Admin.Listen = busy.Addr().String()
	s, err := New(cfg, nil)
	require.NoError(t, err)
	err = s.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin listen")
}
