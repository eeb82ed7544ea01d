package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the supervisor's own log output and the optional
// on-disk mirrors of service output. Rotation follows lumberjack semantics.
type Config struct {
	Level      string `mapstructure:"level"`  // debug|info|warn|error
	Format     string `mapstructure:"format"` // text|json|color
	File       string `mapstructure:"file"`   // supervisor log file, in addition to stderr
	Dir        string `mapstructure:"dir"`    // per-service mirrors: Dir/<service>.log
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger writing to w and, when File is set, to a
// rotating file as well. The returned closer releases the file.
func New(c Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	if w == nil {
		w = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("log dir: %w", err)
		}
		f := c.rotating(c.File)
		w = io.MultiWriter(w, f)
		closer = f
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts)
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Mirror appends service output lines to Dir/<service>.log, one rotating
// file per service, created on first use.
type Mirror struct {
	cfg     Config
	mu      sync.Mutex
	writers map[string]*lj.Logger
}

// NewMirror returns nil when c.Dir is empty.
func NewMirror(c Config) (*Mirror, error) {
	if c.Dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	return &Mirror{cfg: c, writers: make(map[string]*lj.Logger)}, nil
}

// Path returns the mirror file for service.
func (m *Mirror) Path(service string) string {
	return filepath.Join(m.cfg.Dir, service+".log")
}

// WriteLine appends line plus a newline to the service's file.
func (m *Mirror) WriteLine(service, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.writers[service]
	if !ok {
		w = m.cfg.rotating(m.Path(service))
		m.writers[service] = w
	}
	_, err := io.WriteString(w, line+"\n")
	return err
}

func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for name, w := range m.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.writers, name)
	}
	return first
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
