// Package deps keeps Node and Python project dependencies in sync with their
// manifests, using a fingerprint marker to skip redundant installs.
package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
)

const markerName = ".deps_installed"

// Runner executes name with args inside dir.
type Runner func(ctx context.Context, dir, name string, args ...string) error

// ExecRunner returns a Runner that streams combined output to out.
func ExecRunner(out io.Writer) Runner {
	return func(ctx context.Context, dir, name string, args ...string) error {
		// #nosec G204
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Dir = dir
		if out != nil {
			cmd.Stdout = out
			cmd.Stderr = out
		}
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return nil
	}
}

// Installer ensures dependencies before a service (re)starts.
type Installer struct {
	Run Runner
	// Logf receives progress messages; nil discards them.
	Logf func(format string, args ...any)
}

func (i *Installer) logf(format string, args ...any) {
	if i.Logf != nil {
		i.Logf(format, args...)
	}
}

func (i *Installer) run(ctx context.Context, dir, name string, args ...string) error {
	r := i.Run
	if r == nil {
		r = ExecRunner(nil)
	}
	return r(ctx, dir, name, args...)
}

func fileSHA256(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func readMarker(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func writeMarker(path, value string) error {
	return os.WriteFile(path, []byte(value+"\n"), 0o644)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NodeFingerprint prefers package-lock.json and falls back to package.json.
func NodeFingerprint(dir string) string {
	lock := filepath.Join(dir, "package-lock.json")
	if exists(lock) {
		return "lock:" + fileSHA256(lock)
	}
	return "pkg:" + fileSHA256(filepath.Join(dir, "package.json"))
}

// PythonFingerprint hashes requirements.txt.
func PythonFingerprint(dir string) string {
	return "req:" + fileSHA256(filepath.Join(dir, "requirements.txt"))
}

var viteChunkRef = regexp.MustCompile(`['"]\./chunks/(dep-[^'"]+\.js)['"]`)

// ViteHealthy reports whether node_modules/vite references only chunk files
// that exist. Partially upgraded installs fail with ERR_MODULE_NOT_FOUND.
func ViteHealthy(nodeModules string) bool {
	cli := filepath.Join(nodeModules, "vite", "dist", "node", "cli.js")
	chunks := filepath.Join(nodeModules, "vite", "dist", "node", "chunks")
	if !exists(cli) || !exists(chunks) {
		return false
	}
	b, err := os.ReadFile(cli)
	if err != nil {
		return false
	}
	for _, m := range viteChunkRef.FindAllStringSubmatch(string(b), -1) {
		if !exists(filepath.Join(chunks, m[1])) {
			return false
		}
	}
	return true
}

// EnsureNode installs npm dependencies in dir when node_modules is missing,
// the manifest fingerprint drifted, or the Vite install is inconsistent.
func (i *Installer) EnsureNode(ctx context.Context, dir string) error {
	if !exists(filepath.Join(dir, "package.json")) {
		return fmt.Errorf("missing package.json in %s: %w", dir, fs.ErrNotExist)
	}
	nodeModules := filepath.Join(dir, "node_modules")
	marker := filepath.Join(dir, markerName)
	expected := NodeFingerprint(dir)
	current := readMarker(marker)

	needsInstall := !exists(nodeModules)
	if !needsInstall && current != expected {
		i.logf("node deps changed in %s, reinstalling", dir)
		needsInstall = true
	}
	if !needsInstall && exists(filepath.Join(nodeModules, "vite")) && !ViteHealthy(nodeModules) {
		i.logf("corrupted vite install in %s, reinstalling", dir)
		if err := os.RemoveAll(nodeModules); err != nil {
			return fmt.Errorf("remove node_modules: %w", err)
		}
		needsInstall = true
	}

	if !needsInstall {
		if current == "" {
			return writeMarker(marker, expected)
		}
		return nil
	}
	mode := "install"
	if exists(filepath.Join(dir, "package-lock.json")) {
		mode = "ci"
	}
	i.logf("installing npm deps in %s (npm %s)", dir, mode)
	if err := i.run(ctx, dir, "npm", mode, "--no-audit", "--no-fund"); err != nil {
		return err
	}
	return writeMarker(marker, expected)
}

// VenvPython returns the interpreter path inside dir/.venv.
func VenvPython(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, ".venv", "Scripts", "python.exe")
	}
	return filepath.Join(dir, ".venv", "bin", "python")
}

// EnsurePython creates dir/.venv when missing and installs requirements.txt
// when the fingerprint marker is absent or stale. It returns the interpreter
// services should use.
func (i *Installer) EnsurePython(ctx context.Context, dir, systemPython string) (string, error) {
	if !exists(filepath.Join(dir, "requirements.txt")) {
		return "", fmt.Errorf("missing requirements.txt in %s: %w", dir, fs.ErrNotExist)
	}
	if systemPython == "" {
		systemPython = "python3"
	}
	venvDir := filepath.Join(dir, ".venv")
	venvPython := VenvPython(dir)
	marker := filepath.Join(venvDir, markerName)
	expected := PythonFingerprint(dir)

	if !exists(venvPython) {
		i.logf("creating python venv in %s", venvDir)
		if err := i.run(ctx, dir, systemPython, "-m", "venv", venvDir); err != nil {
			return "", err
		}
	}
	py := systemPython
	if exists(venvPython) {
		py = venvPython
	}
	if readMarker(marker) != expected {
		i.logf("installing python deps in %s", dir)
		if err := i.run(ctx, dir, py, "-m", "pip", "install", "-r", "requirements.txt"); err != nil {
			return "", err
		}
		if err := os.MkdirAll(venvDir, 0o755); err != nil {
			return "", err
		}
		if err := writeMarker(marker, expected); err != nil {
			return "", err
		}
	}
	return py, nil
}

// ReadDotenv parses a .env file. A missing file yields an empty map.
func ReadDotenv(path string) (map[string]string, error) {
	m, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, nil
}
