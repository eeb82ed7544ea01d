// Package logstore keeps the recent output of every supervised service in
// per-service ring buffers that share one global id sequence.
package logstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLines  = 2000
	DefaultSinceCap  = 200
	DefaultLookback  = 50
	ReadyLookback    = 400
	defaultWaitLimit = time.Second
)

// Entry is a single captured output line.
type Entry struct {
	ID   int64   `json:"id"`
	TS   float64 `json:"ts"`
	Line string  `json:"line"`
}

// Observer is notified after every append, outside the store lock.
type Observer func(service string, e Entry)

// Store is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	maxLines  int
	nextID    int64
	buffers   map[string]*ring
	changed   chan struct{}
	observers []Observer
	now       func() time.Time
}

// New returns a store whose per-service buffers hold at most maxLines entries.
func New(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	return &Store{
		maxLines: maxLines,
		nextID:   1,
		buffers:  make(map[string]*ring),
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// Observe registers fn to receive every appended entry.
func (s *Store) Observe(fn Observer) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// MaxLines reports the configured per-service capacity.
func (s *Store) MaxLines() int { return s.maxLines }

// Append assigns the next global id to line and stores it for service,
// evicting the oldest entry when the buffer is full. Waiters are woken.
func (s *Store) Append(service, line string) Entry {
	now := s.now()
	s.mu.Lock()
	e := Entry{ID: s.nextID, TS: float64(now.UnixNano()) / 1e9, Line: line}
	s.nextID++
	buf, ok := s.buffers[service]
	if !ok {
		buf = newRing(s.maxLines)
		s.buffers[service] = buf
	}
	buf.push(e)
	close(s.changed)
	s.changed = make(chan struct{})
	obs := s.observers
	s.mu.Unlock()

	for _, fn := range obs {
		fn(service, e)
	}
	return e
}

// Tail returns the last n entries for service, oldest first.
func (s *Store) Tail(service string, n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailLocked(service, n)
}

func (s *Store) tailLocked(service string, n int) []Entry {
	buf := s.buffers[service]
	if buf == nil || n <= 0 {
		return []Entry{}
	}
	all := buf.entries()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Since returns up to limit entries with id greater than afterID, oldest first.
func (s *Store) Since(service string, afterID int64, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultSinceCap
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Entry{}
	buf := s.buffers[service]
	if buf == nil {
		return out
	}
	for _, e := range buf.entries() {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Snapshot is a tail read together with the buffer's id range.
type Snapshot struct {
	Entries   []Entry `json:"entries"`
	MinID     *int64  `json:"min_id"`
	MaxID     *int64  `json:"max_id"`
	Truncated bool    `json:"truncated"`
}

// TailSnapshot reads the last n entries and reports whether older entries
// exist that are not part of the result.
func (s *Store) TailSnapshot(service string, n int) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Entries: s.tailLocked(service, n)}
	if buf := s.buffers[service]; buf != nil && buf.count > 0 {
		minID, maxID := buf.first().ID, buf.last().ID
		snap.MinID = &minID
		snap.MaxID = &maxID
		snap.Truncated = maxID-minID+1 > int64(len(snap.Entries))
	}
	return snap
}

func (s *Store) hasNewLocked(service string, afterID int64) bool {
	buf := s.buffers[service]
	return buf != nil && buf.count > 0 && buf.last().ID > afterID
}

// WaitForNew blocks until service has an entry newer than afterID, the
// timeout elapses, or ctx is done. It reports whether new data exists.
func (s *Store) WaitForNew(ctx context.Context, service string, afterID int64, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultWaitLimit
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.hasNewLocked(service, afterID) {
			s.mu.Unlock()
			return true
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.hasNewLocked(service, afterID)
		case <-ctx.Done():
			return false
		}
	}
}

// HasAnySubstringSince reports whether any of the last lookback entries
// recorded at or after since contains one of needles, case-insensitively.
func (s *Store) HasAnySubstringSince(service string, since time.Time, needles []string, lookback int) bool {
	lowered := make([]string, 0, len(needles))
	for _, n := range needles {
		if n != "" {
			lowered = append(lowered, strings.ToLower(n))
		}
	}
	if len(lowered) == 0 {
		return false
	}
	if lookback < 1 {
		lookback = 1
	}
	sinceTS := float64(since.UnixNano()) / 1e9
	for _, e := range s.Tail(service, lookback) {
		if e.TS < sinceTS {
			continue
		}
		hay := strings.ToLower(e.Line)
		for _, n := range lowered {
			if strings.Contains(hay, n) {
				return true
			}
		}
	}
	return false
}

type ring struct {
	buf   []Entry
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Entry, capacity)} }

func (r *ring) push(e Entry) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) first() Entry { return r.buf[r.start] }

func (r *ring) last() Entry { return r.buf[(r.start+r.count-1)%len(r.buf)] }

func (r *ring) entries() []Entry {
	out := make([]Entry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
