package manager

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/devstack/internal/deps"
	"github.com/loykin/devstack/internal/process"
)

// serviceEnv returns the per-service entries for a launch: the service's
// env_file first, then its explicit env, which wins on conflicts.
func (m *Manager) serviceEnv(spec process.Spec) []string {
	if spec.EnvFile == "" {
		return spec.Env
	}
	vars, err := deps.ReadDotenv(spec.EnvFile)
	if err != nil {
		m.logs.Append(spec.Name, fmt.Sprintf("[runner] env_file ignored: %v", err))
		slog.Warn("env file unreadable", "service", spec.Name, "path", spec.EnvFile, "error", err)
		return spec.Env
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)+len(spec.Env))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return append(out, spec.Env...)
}

// withVenv points a python service at the interpreter of its .venv: the
// venv bin directory leads PATH, VIRTUAL_ENV and PYTHON are set, and a bare
// python/python3 executable is replaced by the venv interpreter. Specs
// without a venv on disk are returned unchanged.
func withVenv(spec process.Spec, environ []string) (process.Spec, []string) {
	if spec.Deps != "python" || spec.WorkDir == "" {
		return spec, environ
	}
	dir, err := filepath.Abs(spec.WorkDir)
	if err != nil {
		return spec, environ
	}
	py := deps.VenvPython(dir)
	if _, err := os.Stat(py); err != nil {
		return spec, environ
	}
	bin := filepath.Dir(py)

	out := make([]string, 0, len(environ)+3)
	path := bin
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "PATH":
			if v != "" {
				path = bin + string(os.PathListSeparator) + v
			}
		case "VIRTUAL_ENV", "PYTHON":
		default:
			out = append(out, kv)
		}
	}
	out = append(out, "PATH="+path, "VIRTUAL_ENV="+filepath.Dir(bin), "PYTHON="+py)

	switch {
	case len(spec.Args) > 0:
		if isBarePython(spec.Args[0]) {
			spec.Args = append([]string{py}, spec.Args[1:]...)
		}
	case !strings.ContainsAny(py, " \t"):
		cmd := strings.TrimLeft(spec.Command, " \t")
		if f := strings.Fields(cmd); len(f) > 0 && isBarePython(f[0]) {
			spec.Command = py + cmd[len(f[0]):]
		}
	}
	return spec, out
}

func isBarePython(exe string) bool {
	return exe == "python" || exe == "python3"
}
