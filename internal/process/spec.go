package process

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Spec describes one supervised service. It is created once from
// configuration and never mutated afterwards.
type Spec struct {
	Name         string   `json:"name" mapstructure:"name"`
	Command      string   `json:"command,omitempty" mapstructure:"command"` // shell-style command line
	Args         []string `json:"args,omitempty" mapstructure:"args"`       // explicit argv, preferred over Command
	WorkDir      string   `json:"work_dir" mapstructure:"workdir"`
	Env          []string `json:"env,omitempty" mapstructure:"env"`           // KEY=VALUE entries layered over the stack env
	EnvFile      string   `json:"env_file,omitempty" mapstructure:"env_file"` // dotenv read at each start; missing file is ignored
	URL          string   `json:"url" mapstructure:"url"`
	HealthURL    string   `json:"health_url" mapstructure:"health_url"`
	HealthCmd    string   `json:"health_cmd,omitempty" mapstructure:"health_cmd"` // exits 0 while healthy
	Port         int      `json:"port" mapstructure:"port"`
	Repo         string   `json:"repo,omitempty" mapstructure:"repo"` // owning checkout, for bulk restarts
	ReadyMarkers []string `json:"ready_markers,omitempty" mapstructure:"ready_markers"`
	Deps         string   `json:"deps,omitempty" mapstructure:"deps"`               // node|python: installed into WorkDir before the first start
	OwnerHints   []string `json:"owner_hints,omitempty" mapstructure:"owner_hints"` // extra command-line fragments identifying stale instances
}

// Validate checks the fields required to launch the service.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("service name is required")
	}
	if !ValidName(s.Name) {
		return fmt.Errorf("service %q: name must not contain characters other than letters, digits, '.', '_' or '-'", s.Name)
	}
	if len(s.Args) == 0 && strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %q: command or args is required", s.Name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("service %q: invalid port %d", s.Name, s.Port)
	}
	switch s.Deps {
	case "", "node", "python":
	default:
		return fmt.Errorf("service %q: unknown deps kind %q", s.Name, s.Deps)
	}
	if s.Deps != "" && s.WorkDir == "" {
		return fmt.Errorf("service %q: deps requires workdir", s.Name)
	}
	return nil
}

// ValidName reports whether s is usable as a URL path segment and log file
// name: non-empty, only letters, digits, '.', '_' or '-', and no "..".
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// BuildCommand constructs an *exec.Cmd for the spec. Args are used verbatim
// when present. Otherwise Command is split on whitespace, falling back to
// /bin/sh -c when it contains shell metacharacters, and an explicit
// "sh -c '...'" prefix is honoured without double-wrapping.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Args[0], s.Args[1:]...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return shellCommand("exit 0")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// One pair of quotes around the script is stripped.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}

// Executable returns the program the spec launches.
func (s *Spec) Executable() string {
	if len(s.Args) > 0 {
		return s.Args[0]
	}
	if f := strings.Fields(s.Command); len(f) > 0 {
		return f[0]
	}
	return ""
}

// PathMarkers lists the absolute paths that identify a process as an
// instance of this service: the working directory and an absolute
// executable path.
func (s *Spec) PathMarkers() []string {
	var out []string
	if s.WorkDir != "" {
		if abs, err := filepath.Abs(s.WorkDir); err == nil {
			out = append(out, filepath.Clean(abs))
		}
	}
	if exe := s.Executable(); filepath.IsAbs(exe) {
		out = append(out, filepath.Clean(exe))
	}
	return out
}

// OwnsCommandLine reports whether cmdline looks like an instance of this
// service. A path marker must equal an argument (or the value of a
// key=value argument) or be a parent directory of it; owner hints match
// anywhere in the command line.
func (s *Spec) OwnsCommandLine(cmdline string) bool {
	if strings.TrimSpace(cmdline) == "" {
		return false
	}
	fields := strings.Fields(cmdline)
	for _, marker := range s.PathMarkers() {
		for _, f := range fields {
			if withinPath(f, marker) {
				return true
			}
			if _, v, ok := strings.Cut(f, "="); ok && withinPath(v, marker) {
				return true
			}
		}
	}
	for _, h := range s.OwnerHints {
		if h = strings.TrimSpace(h); h != "" && strings.Contains(cmdline, h) {
			return true
		}
	}
	return false
}

// withinPath is true when arg is dir itself or lies below it.
func withinPath(arg, dir string) bool {
	if arg == dir {
		return true
	}
	sep := string(filepath.Separator)
	if strings.HasSuffix(dir, sep) {
		return false
	}
	return strings.HasPrefix(arg, dir+sep) || strings.HasPrefix(arg, dir+"/")
}

// RepoRoot returns the cleaned absolute owning directory, or "" if unset.
func (s *Spec) RepoRoot() string {
	if s.Repo == "" {
		return ""
	}
	abs, err := filepath.Abs(s.Repo)
	if err != nil {
		return filepath.Clean(s.Repo)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
