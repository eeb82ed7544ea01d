package process

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// An explicit "sh -c '...'" command must not be wrapped in another shell.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) != 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[2] != "echo hi" {
		t.Fatalf("expected quotes stripped, got %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	s := Spec{Name: "y", Command: "echo hi | wc -c"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_ArgsWin(t *testing.T) {
	s := Spec{Name: "z", Command: "ignored", Args: []string{"npm", "run", "dev"}}
	cmd := s.BuildCommand()
	if strings.Join(cmd.Args, " ") != "npm run dev" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if s.Executable() != "npm" {
		t.Fatalf("unexpected executable %q", s.Executable())
	}
}

func TestBuildCommand_PlainSplit(t *testing.T) {
	s := Spec{Name: "p", Command: "  python  -m  http.server 4000 "}
	cmd := s.BuildCommand()
	if strings.Join(cmd.Args, " ") != "python -m http.server 4000" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		errContains string
	}{
		{"valid command", Spec{Name: "api", Command: "echo hello"}, ""},
		{"valid args", Spec{Name: "api", Args: []string{"echo"}, Port: 8000}, ""},
		{"missing name", Spec{Command: "echo"}, "name is required"},
		{"slash in name", Spec{Name: "a/b", Command: "echo"}, "must not contain"},
		{"missing command", Spec{Name: "api"}, "command or args"},
		{"bad port", Spec{Name: "api", Command: "echo", Port: 70000}, "invalid port"},
		{"negative port", Spec{Name: "api", Command: "echo", Port: -1}, "invalid port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestPathMarkers(t *testing.T) {
	dir := t.TempDir()
	s := Spec{
		Name:       "frontend",
		Args:       []string{"/usr/local/bin/node", "server.js"},
		WorkDir:    dir + "/./",
		OwnerHints: []string{" vite ", ""},
	}
	got := s.PathMarkers()
	want := []string{filepath.Clean(dir), "/usr/local/bin/node"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("markers = %v, want %v", got, want)
	}

	rel := Spec{Name: "x", Command: "npm run dev"}
	if len(rel.PathMarkers()) != 0 {
		t.Fatalf("expected no markers, got %v", rel.PathMarkers())
	}
}

func TestOwnsCommandLine(t *testing.T) {
	requireUnix(t)
	root := t.TempDir()
	app := filepath.Join(root, "app")
	s := Spec{Name: "web", Command: "npm run dev", WorkDir: app, OwnerHints: []string{"vite --port 5173"}}

	tests := []struct {
		cmdline string
		want    bool
	}{
		{"node " + app + "/server.js", true},
		{"node " + app, true},
		{"python --root=" + app + "/src", true},
		{"node ./node_modules/.bin/vite --port 5173", true},
		{"node " + app + "-legacy/server.js", false},
		{"node " + app + "2/server.js", false},
		{"python --root=" + app + "_old", false},
		{"python -m http.server 4000", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := s.OwnsCommandLine(tt.cmdline); got != tt.want {
			t.Errorf("OwnsCommandLine(%q) = %v, want %v", tt.cmdline, got, tt.want)
		}
	}
}

func TestRepoRootResolves(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(dir, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	a := Spec{Repo: dir}
	b := Spec{Repo: link + "/"}
	if a.RepoRoot() != b.RepoRoot() {
		t.Fatalf("expected same root, got %q and %q", a.RepoRoot(), b.RepoRoot())
	}
	if (&Spec{}).RepoRoot() != "" {
		t.Fatal("expected empty root")
	}
}
