package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix only")
	}
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestPortOpen(t *testing.T) {
	ln, port := listen(t)
	assert.True(t, System{}.PortOpen(port))
	_ = ln.Close()
	assert.False(t, System{}.PortOpen(port))
	assert.False(t, System{}.PortOpen(0))
}

func TestListenPIDsFindsOwnProcess(t *testing.T) {
	requireUnix(t)
	_, port := listen(t)
	pids := System{}.ListenPIDs(port)
	assert.Contains(t, pids, os.Getpid())
	assert.Empty(t, System{}.ListenPIDs(0))
}

func TestCommandAndGroup(t *testing.T) {
	requireUnix(t)
	s := System{}
	cmd := s.Command(os.Getpid())
	assert.NotEmpty(t, cmd)
	assert.Greater(t, s.ProcessGroup(os.Getpid()), 0)
	assert.True(t, s.Alive(os.Getpid()))
	assert.False(t, s.Alive(0))
}

func TestTerminateEscalatesAndReaps(t *testing.T) {
	requireUnix(t)
	// ignores SIGTERM so only the forced kill can end it
	cmd := exec.Command("/bin/sh", "-c", "trap '' TERM; sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	s := System{}
	require.True(t, s.Alive(cmd.Process.Pid))
	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Terminate(cmd.Process.Pid, 200*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process was not reaped")
	}
}

func TestHTTPOK(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }))
	defer bad.Close()

	good, status := HTTPOK(context.Background(), nil, ok.URL)
	assert.True(t, good)
	assert.Equal(t, "HTTP 204", status)

	good, status = HTTPOK(context.Background(), nil, bad.URL)
	assert.False(t, good)
	assert.Equal(t, "HTTP 503", status)

	good, status = HTTPOK(context.Background(), &http.Client{Timeout: 200 * time.Millisecond}, "http://127.0.0.1:1")
	assert.False(t, good)
	assert.NotEmpty(t, status)
	assert.LessOrEqual(t, len(status), 50)
}

func TestPickFreePort(t *testing.T) {
	_, port := listen(t)
	assert.Equal(t, port+1, PickFreePort(port, 1))
	got := PickFreePort(port, 5)
	assert.NotEqual(t, port, got)
}
