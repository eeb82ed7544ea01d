package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/devstack/internal/env"
	"github.com/loykin/devstack/internal/logger"
	"github.com/loykin/devstack/internal/process"
	"github.com/loykin/devstack/internal/watchdog"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. DEVSTACK_ADMIN_LISTEN.
const EnvPrefix = "DEVSTACK"

// Config represents the top-level TOML structure.
type Config struct {
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	UseOSEnv   bool             `mapstructure:"use_os_env"`
	Services   []process.Spec   `mapstructure:"services"`
	Watch      []WatchConfig    `mapstructure:"watch"`

	path string
}

type AdminConfig struct {
	Listen       string `mapstructure:"listen"`
	PickFreePort bool   `mapstructure:"pick_free_port"`
	BasePath     string `mapstructure:"base_path"`
}

type LogConfig struct {
	logger.Config `mapstructure:",squash"`
	MaxLines      int `mapstructure:"max_lines"`    // ring capacity per service
	TailDefault   int `mapstructure:"tail_default"` // lines returned when ?tail= is absent
}

type SupervisorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	PortWait         time.Duration `mapstructure:"port_wait"`
	PortPoll         time.Duration `mapstructure:"port_poll"`
	StaleKillTimeout time.Duration `mapstructure:"stale_kill_timeout"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout"`
	Quiet            bool          `mapstructure:"quiet"`
	Python           string        `mapstructure:"python"` // interpreter used to create virtualenvs
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // empty: served by the admin listener at /metrics
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// WatchConfig is one [[watch]] entry.
type WatchConfig struct {
	Service  string        `mapstructure:"service"`
	Root     string        `mapstructure:"root"` // defaults to the service workdir
	Globs    []string      `mapstructure:"globs"`
	Action   string        `mapstructure:"action"`
	Debounce time.Duration `mapstructure:"debounce"`
	Reason   string        `mapstructure:"reason"`
	Ignore   []string      `mapstructure:"ignore"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("admin.listen", "127.0.0.1:9000")
	v.SetDefault("admin.pick_free_port", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.max_lines", 2000)
	v.SetDefault("log.tail_default", 200)
	v.SetDefault("supervisor.poll_interval", "600ms")
	v.SetDefault("supervisor.stop_timeout", "8s")
	v.SetDefault("supervisor.port_wait", "8s")
	v.SetDefault("supervisor.port_poll", "250ms")
	v.SetDefault("supervisor.stale_kill_timeout", "2s")
	v.SetDefault("supervisor.health_timeout", "1500ms")
	v.SetDefault("supervisor.ready_timeout", "120s")
	v.SetDefault("supervisor.quiet", true)
	v.SetDefault("supervisor.python", "python3")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("use_os_env", true)
}

// Load reads a TOML file. An empty path yields the defaults with no services.
// Relative paths inside the file resolve against the file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base := ""
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		path = abs
		base = filepath.Dir(abs)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.path = path
	if base != "" {
		c.resolvePaths(base)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Path returns the absolute path of the loaded file, or "".
func (c *Config) Path() string { return c.path }

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func (c *Config) resolvePaths(base string) {
	c.Log.Dir = resolve(base, c.Log.Dir)
	c.Log.File = resolve(base, c.Log.File)
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = resolve(base, f)
	}
	for i := range c.Services {
		s := &c.Services[i]
		s.WorkDir = resolve(base, s.WorkDir)
		s.Repo = resolve(base, s.Repo)
		s.EnvFile = resolve(base, s.EnvFile)
	}
	for i := range c.Watch {
		c.Watch[i].Root = resolve(base, c.Watch[i].Root)
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Log.MaxLines <= 0 {
		return errors.New("log.max_lines must be positive")
	}
	seen := make(map[string]process.Spec, len(c.Services))
	for _, s := range c.Services {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = s
	}
	for i, w := range c.Watch {
		spec, ok := seen[w.Service]
		if !ok {
			return fmt.Errorf("watch[%d]: unknown service %q", i, w.Service)
		}
		if _, err := watchdog.ParseAction(w.Action); err != nil {
			return fmt.Errorf("watch[%d]: %w", i, err)
		}
		if len(w.Globs) == 0 {
			return fmt.Errorf("watch[%d]: globs required", i)
		}
		if w.Debounce < 0 {
			return fmt.Errorf("watch[%d]: negative debounce", i)
		}
		if w.Root == "" && spec.WorkDir == "" {
			return fmt.Errorf("watch[%d]: root required when service %q has no workdir", i, w.Service)
		}
	}
	return nil
}

// Rules converts the [[watch]] entries into watchdog rules.
func (c *Config) Rules() ([]watchdog.Rule, error) {
	specs := make(map[string]process.Spec, len(c.Services))
	for _, s := range c.Services {
		specs[s.Name] = s
	}
	rules := make([]watchdog.Rule, 0, len(c.Watch))
	for _, w := range c.Watch {
		action, err := watchdog.ParseAction(w.Action)
		if err != nil {
			return nil, err
		}
		root := w.Root
		if root == "" {
			root = specs[w.Service].WorkDir
		}
		reason := w.Reason
		if reason == "" {
			reason = "files changed under " + root
		}
		rules = append(rules, watchdog.Rule{
			Service:  w.Service,
			Root:     root,
			Globs:    w.Globs,
			Action:   action,
			Debounce: w.Debounce,
			Reason:   reason,
			Ignore:   w.Ignore,
		})
	}
	return rules, nil
}

// BuildEnv composes the stack-wide environment: optional OS environment,
// then env_files in order, then the top-level env list.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.New()
	e.UseOS = c.UseOSEnv
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}
