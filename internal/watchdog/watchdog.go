// Package watchdog polls file patterns under service directories and turns
// bursts of modifications into single debounced events.
package watchdog

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnore lists directory names never descended into.
var DefaultIgnore = []string{".git", "node_modules", ".venv", "__pycache__"}

// Rule watches Globs under Root on behalf of Service.
type Rule struct {
	Service  string
	Root     string
	Globs    []string
	Action   Action
	Debounce time.Duration
	Reason   string
	// Ignore overrides DefaultIgnore when non-nil.
	Ignore []string
}

func (r Rule) ignored() []string {
	if r.Ignore != nil {
		return r.Ignore
	}
	return DefaultIgnore
}

// Event is emitted at most once per change burst per rule.
type Event struct {
	Service string
	Action  Action
	Reason  string
}

// Watchdog is driven by a single control loop and is not safe for
// concurrent use.
type Watchdog struct {
	rules   []Rule
	last    []time.Time
	pending []time.Time
}

func New(rules []Rule) *Watchdog {
	return &Watchdog{
		rules:   rules,
		last:    make([]time.Time, len(rules)),
		pending: make([]time.Time, len(rules)),
	}
}

// Rules returns the configured rules.
func (w *Watchdog) Rules() []Rule { return w.rules }

// Prime records the current latest modification time of every rule so that
// files present at startup never trigger an event.
func (w *Watchdog) Prime() {
	for i, r := range w.rules {
		w.last[i] = LatestModTime(r)
		w.pending[i] = time.Time{}
	}
}

// Poll re-scans every rule. A newer modification time opens a burst; once
// the rule's debounce has elapsed since the burst opened, one event is
// emitted and the rule returns to steady state.
func (w *Watchdog) Poll(now time.Time) []Event {
	var out []Event
	for i, r := range w.rules {
		latest := LatestModTime(r)
		if latest.After(w.last[i]) {
			if w.pending[i].IsZero() {
				w.pending[i] = now
			}
			w.last[i] = latest
		}
		if w.pending[i].IsZero() {
			continue
		}
		debounce := r.Debounce
		if debounce < 0 {
			debounce = 0
		}
		if now.Sub(w.pending[i]) < debounce {
			continue
		}
		out = append(out, Event{Service: r.Service, Action: r.Action, Reason: r.Reason})
		w.pending[i] = time.Time{}
	}
	return out
}

// LatestModTime returns the newest modification time among files under
// r.Root matching any of r.Globs, or the zero time if none match.
func LatestModTime(r Rule) time.Time {
	var latest time.Time
	patterns := expandGlobs(r.Globs)
	if len(patterns) == 0 {
		return latest
	}
	skip := make(map[string]struct{}, len(r.ignored()))
	for _, n := range r.ignored() {
		skip[n] = struct{}{}
	}
	_ = filepath.WalkDir(r.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != r.Root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if _, ok := skip[d.Name()]; ok && path != r.Root {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(r.Root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, rel); ok {
				if info, err := d.Info(); err == nil && info.ModTime().After(latest) {
					latest = info.ModTime()
				}
				break
			}
		}
		return nil
	})
	return latest
}

// expandGlobs makes every pattern match at any depth below the root.
func expandGlobs(globs []string) []string {
	out := make([]string, 0, len(globs))
	for _, g := range globs {
		g = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(g)), "./")
		if g == "" {
			continue
		}
		if !strings.HasPrefix(g, "**") {
			g = "**/" + g
		}
		out = append(out, g)
	}
	return out
}
