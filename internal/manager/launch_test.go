package manager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/devstack/internal/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVenv creates dir/.venv/bin/python as a script that announces itself.
func fakeVenv(t *testing.T, dir string) string {
	t.Helper()
	bin := filepath.Join(dir, ".venv", "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	py := filepath.Join(bin, "python")
	require.NoError(t, os.WriteFile(py, []byte("#!/bin/sh\necho \"venv-python $*\"\nexec sleep 30\n"), 0o755))
	return py
}

func envValue(environ []string, key string) string {
	for _, kv := range environ {
		if len(kv) > len(key) && kv[:len(key)+1] == key+"=" {
			return kv[len(key)+1:]
		}
	}
	return ""
}

func TestWithVenv_RewritesInterpreterAndPath(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	py := fakeVenv(t, dir)

	spec := process.Spec{Name: "api", Deps: "python", WorkDir: dir, Args: []string{"python3", "src/main.py"}}
	got, environ := withVenv(spec, []string{"PATH=/usr/bin", "HOME=/home/dev", "VIRTUAL_ENV=/elsewhere"})
	assert.Equal(t, []string{py, "src/main.py"}, got.Args)
	assert.Equal(t, filepath.Join(dir, ".venv", "bin")+":/usr/bin", envValue(environ, "PATH"))
	assert.Equal(t, filepath.Join(dir, ".venv"), envValue(environ, "VIRTUAL_ENV"))
	assert.Equal(t, py, envValue(environ, "PYTHON"))
	assert.Equal(t, "/home/dev", envValue(environ, "HOME"))

	spec = process.Spec{Name: "api", Deps: "python", WorkDir: dir, Command: "  python -m uvicorn app:main --port 8000"}
	got, _ = withVenv(spec, nil)
	assert.Equal(t, py+" -m uvicorn app:main --port 8000", got.Command)

	// other executables and non-python services are left alone
	spec = process.Spec{Name: "api", Deps: "python", WorkDir: dir, Args: []string{"gunicorn", "app"}}
	got, _ = withVenv(spec, nil)
	assert.Equal(t, []string{"gunicorn", "app"}, got.Args)

	node := process.Spec{Name: "web", Deps: "node", WorkDir: dir, Args: []string{"python3"}}
	got, environ = withVenv(node, []string{"PATH=/usr/bin"})
	assert.Equal(t, node, got)
	assert.Equal(t, []string{"PATH=/usr/bin"}, environ)
}

func TestWithVenv_NoVenvOnDisk(t *testing.T) {
	spec := process.Spec{Name: "api", Deps: "python", WorkDir: t.TempDir(), Args: []string{"python3", "main.py"}}
	got, environ := withVenv(spec, []string{"PATH=/usr/bin"})
	assert.Equal(t, spec, got)
	assert.Equal(t, []string{"PATH=/usr/bin"}, environ)
}

func TestStart_PythonServiceUsesVenvInterpreter(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	fakeVenv(t, dir)
	m := newTestManager(t, newFakeProber())
	require.NoError(t, m.Register(process.Spec{Name: "api", Deps: "python", WorkDir: dir, Command: "python3 src/main.py"}))
	require.NoError(t, m.Start("api"))

	require.Eventually(t, func() bool {
		return countLines(m, "api", "venv-python src/main.py") == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStart_EnvFileLayeredUnderExplicitEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, "broker.env")
	require.NoError(t, os.WriteFile(envFile, []byte("BROKER_HOST=mqtt.local\nBROKER_PORT=1883\n"), 0o644))

	m := newTestManager(t, newFakeProber())
	require.NoError(t, m.Register(process.Spec{
		Name:    "ingest",
		Command: `sh -c 'echo "broker=$BROKER_HOST:$BROKER_PORT"; sleep 30'`,
		EnvFile: envFile,
		Env:     []string{"BROKER_PORT=8883"},
	}))
	require.NoError(t, m.Start("ingest"))
	require.Eventually(t, func() bool {
		return countLines(m, "ingest", "broker=mqtt.local:8883") == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Register(process.Spec{
		Name:    "quiet",
		Command: `sh -c 'echo "host=[$BROKER_HOST]"; sleep 30'`,
		EnvFile: filepath.Join(dir, "missing.env"),
	}))
	require.NoError(t, m.Start("quiet"))
	require.Eventually(t, func() bool {
		return countLines(m, "quiet", "host=[]") == 1
	}, 5*time.Second, 20*time.Millisecond)
}
