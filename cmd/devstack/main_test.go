package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/devstack/internal/logstore"
	"github.com/loykin/devstack/internal/manager"
	"github.com/loykin/devstack/internal/process"
	"github.com/loykin/devstack/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdmin(t *testing.T) (*manager.Manager, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix sleep")
	}
	gin.SetMode(gin.TestMode)
	m := manager.New(logstore.New(100), manager.Options{Quiet: true, StopTimeout: 2 * time.Second})
	require.NoError(t, m.Register(process.Spec{Name: "web", Args: []string{"sleep", "30"}}))
	require.NoError(t, m.Register(process.Spec{Name: "worker", Args: []string{"sleep", "30"}}))
	t.Cleanup(func() { _ = m.StopAll() })
	require.NoError(t, m.StartAll())
	srv := httptest.NewServer(server.NewRouter(m, "").Handler())
	t.Cleanup(srv.Close)
	return m, srv.URL
}

func run(ctx context.Context, args ...string) (string, error) {
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := run(t.Context(), "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "devstack")
	assert.Contains(t, out, "logs")
}

func TestStatus(t *testing.T) {
	_, url := newAdmin(t)
	out, err := run(t.Context(), "status", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, "running")

	out, err = run(t.Context(), "status", "--json", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"services"`)
	assert.Contains(t, out, `"desired_running": true`)
}

func TestServiceActions(t *testing.T) {
	m, url := newAdmin(t)
	out, err := run(t.Context(), "stop", "web", "--api-url", url)
	require.NoError(t, err)
	assert.Equal(t, "web: stop ok\n", out)
	for _, s := range m.StatusSnapshot(t.Context()) {
		if s.Name == "web" {
			assert.False(t, s.Running)
		}
	}

	out, err = run(t.Context(), "restart", "web", "--api-url", url)
	require.NoError(t, err)
	assert.Equal(t, "web: restart ok\n", out)

	_, err = run(t.Context(), "start", "ghost", "--api-url", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown_service")
}

func TestStackCommand(t *testing.T) {
	_, url := newAdmin(t)
	out, err := run(t.Context(), "stack", "stop", "--api-url", url)
	require.NoError(t, err)
	assert.Equal(t, "stack: stop ok\n", out)

	_, err = run(t.Context(), "stack", "reboot", "--api-url", url)
	require.Error(t, err)
}

func TestLogs(t *testing.T) {
	m, url := newAdmin(t)
	m.Logs().Append("worker", "first")
	m.Logs().Append("worker", "second")

	out, err := run(t.Context(), "logs", "worker", "--tail", "1", "--api-url", url)
	require.NoError(t, err)
	assert.Equal(t, "second\n", out)

	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(150 * time.Millisecond)
		m.Logs().Append("worker", "third")
	}()
	out, err = run(ctx, "logs", "worker", "--follow", "--api-url", url)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Contains(t, lines, "third")
}

func TestUnreachable(t *testing.T) {
	_, err := run(t.Context(), "status", "--api-url", "http://127.0.0.1:1", "--api-timeout", "200ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestUpMissingConfig(t *testing.T) {
	_, err := run(t.Context(), "up", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error loading config")
}
