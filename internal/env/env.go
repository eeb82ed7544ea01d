package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env composes the environment handed to every service:
// OS environment (optional), then .env files in load order, then explicit
// globals, then the service's own entries.
type Env struct {
	Var   Var  // global variables (K->V)
	UseOS bool // start from the supervisor's own environment
	files Var  // merged .env file contents
	base  Var  // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var), UseOS: true}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parsePairs(os.Environ())
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies "K=V" entries as globals, skipping malformed ones.
func (e *Env) SetPairs(kvs []string) {
	for k, v := range parsePairs(kvs) {
		e.Set(k, v)
	}
}

// LoadFile merges a dotenv file. Later files override earlier ones.
func (e *Env) LoadFile(path string) error {
	m, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if e.files == nil {
		e.files = make(Var)
	}
	for k, v := range m {
		e.files[k] = v
	}
	return nil
}

// Merge returns the final sorted "K=V" list for a service, expanding ${VAR}
// references against the composed map (single pass, no recursion).
func (e *Env) Merge(perService []string) []string {
	m := e.Map(perService)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Map is Merge in map form.
func (e *Env) Map(perService []string) Var {
	m := make(Var)
	if e.UseOS {
		if e.base == nil {
			e.FromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.files {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parsePairs(perService) {
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return expanded
}

func parsePairs(kvs []string) Var {
	out := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		out[kv[:i]] = kv[i+1:]
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		key := s[i+2 : i+2+j]
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
