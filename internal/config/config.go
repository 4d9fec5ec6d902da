package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/sidecar/internal/bootstrap"
	"github.com/loykin/sidecar/internal/env"
	"github.com/loykin/sidecar/internal/logger"
	"github.com/loykin/sidecar/internal/metrics"
	"github.com/loykin/sidecar/internal/registry"
	"github.com/loykin/sidecar/internal/relay"
)

// Defaults applied when the file leaves a key unset.
const (
	DefaultListen    = "127.0.0.1:7788"
	DefaultBasePath  = "/api"
	DefaultStopGrace = 5 * time.Second
	DefaultKillWait  = 3 * time.Second
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Python    string          `toml:"python" mapstructure:"python"`
	VenvDir   string          `toml:"venv_dir" mapstructure:"venv_dir"`
	Env       []string        `toml:"env" mapstructure:"env"`
	EnvFiles  []string        `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv  bool            `toml:"use_os_env" mapstructure:"use_os_env"`
	StopGrace time.Duration   `toml:"stop_grace" mapstructure:"stop_grace"`
	KillWait  time.Duration   `toml:"kill_wait" mapstructure:"kill_wait"`
	Bootstrap BootstrapConfig `toml:"bootstrap" mapstructure:"bootstrap"`
	Health    HealthConfig    `toml:"health" mapstructure:"health"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	Relay     RelayConfig     `toml:"relay" mapstructure:"relay"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`

	Services []registry.Definition `toml:"services" mapstructure:"services"`
}

type BootstrapConfig struct {
	StepTimeout time.Duration `toml:"step_timeout" mapstructure:"step_timeout"`
	TailLines   int           `toml:"tail_lines" mapstructure:"tail_lines"`
}

type HealthConfig struct {
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
	RequestTimeout time.Duration `toml:"request_timeout" mapstructure:"request_timeout"`
}

type LogConfig struct {
	Level             string `toml:"level" mapstructure:"level"`
	NoColor           bool   `toml:"no_color" mapstructure:"no_color"`
	Dir               string `toml:"dir" mapstructure:"dir"`
	File              string `toml:"file" mapstructure:"file"`
	MaxSizeMB         int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups        int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays        int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress          bool   `toml:"compress" mapstructure:"compress"`
	WorkerLog         string `toml:"worker_log" mapstructure:"worker_log"`
	WorkerLogMaxBytes int64  `toml:"worker_log_max_bytes" mapstructure:"worker_log_max_bytes"`
}

type RelayConfig struct {
	Command        []string      `toml:"command" mapstructure:"command"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir"`
	Env            []string      `toml:"env" mapstructure:"env"`
	DefaultTimeout time.Duration `toml:"default_timeout" mapstructure:"default_timeout"`
	LongTimeout    time.Duration `toml:"long_timeout" mapstructure:"long_timeout"`
	LongOperations []string      `toml:"long_operations" mapstructure:"long_operations"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	Engine   string `toml:"engine" mapstructure:"engine"` // gin (default) or echo
}

type MetricsConfig struct {
	Enabled bool                `toml:"enabled" mapstructure:"enabled"`
	Usage   metrics.UsageConfig `toml:"usage" mapstructure:"usage"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
	Buffer  int      `toml:"buffer" mapstructure:"buffer"`
}

// Config is a loaded and resolved configuration file.
type Config struct {
	FileConfig
	// Path is the absolute location of the file; empty for defaults.
	Path string
	// GlobalEnv holds env_files contents overridden by the env list.
	GlobalEnv []string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetDefault("use_os_env", true)
	v.SetDefault("stop_grace", DefaultStopGrace)
	v.SetDefault("kill_wait", DefaultKillWait)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.engine", "gin")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.worker_log_max_bytes", logger.DefaultWorkerLogMaxBytes)
	v.SetDefault("relay.default_timeout", relay.DefaultTimeout)
	v.SetDefault("relay.long_timeout", relay.LongTimeout)
	v.SetEnvPrefix("SIDECAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	v := newViper()
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	return &Config{FileConfig: fc}, nil
}

// Load reads a TOML file, applies defaults, resolves paths relative to the
// file's directory and validates the service definitions.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := newViper()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c := &Config{FileConfig: fc, Path: abs}
	c.resolvePaths(filepath.Dir(abs))
	if c.GlobalEnv, err = c.globalEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) resolvePaths(base string) {
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range c.Services {
		c.Services[i].Root = rel(c.Services[i].Root)
	}
	for i := range c.EnvFiles {
		c.EnvFiles[i] = rel(c.EnvFiles[i])
	}
	c.Log.Dir = rel(c.Log.Dir)
	c.Relay.WorkDir = rel(c.Relay.WorkDir)
}

// Validate checks cross-field constraints. Service definitions are checked by
// the registry.
func (c *Config) Validate() error {
	var errs []error
	if _, err := registry.New(c.Services...); err != nil {
		errs = append(errs, err)
	}
	switch c.Server.Engine {
	case "", "gin", "echo":
	default:
		errs = append(errs, fmt.Errorf("server.engine must be gin or echo, got %q", c.Server.Engine))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one entry in history.dsns"))
	}
	if c.StopGrace < 0 || c.KillWait < 0 {
		errs = append(errs, errors.New("stop_grace and kill_wait must not be negative"))
	}
	return errors.Join(errs...)
}

// Registry builds the service registry from the loaded definitions.
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Services...)
}

// WorkerEnv composes the base environment shared by workers and the relay.
func (c *Config) WorkerEnv() *env.Env {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.FromKVs(nil)
	}
	return e.WithKVs(c.GlobalEnv)
}

func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:             c.Log.Level,
		NoColor:           c.Log.NoColor,
		Dir:               c.Log.Dir,
		File:              c.Log.File,
		MaxSizeMB:         c.Log.MaxSizeMB,
		MaxBackups:        c.Log.MaxBackups,
		MaxAgeDays:        c.Log.MaxAgeDays,
		Compress:          c.Log.Compress,
		WorkerLog:         c.Log.WorkerLog,
		WorkerLogMaxBytes: c.Log.WorkerLogMaxBytes,
	}
}

func (c *Config) BootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		Python:      c.Python,
		VenvDir:     c.VenvDir,
		StepTimeout: c.Bootstrap.StepTimeout,
		TailLines:   c.Bootstrap.TailLines,
		Env:         c.WorkerEnv().Merge(nil),
	}
}

func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		DefaultTimeout: c.Relay.DefaultTimeout,
		LongTimeout:    c.Relay.LongTimeout,
		LongOperations: c.Relay.LongOperations,
	}
}

// RelayEnabled reports whether a relay process is configured.
func (c *Config) RelayEnabled() bool { return len(c.Relay.Command) > 0 }

func (c *Config) RelayHostConfig() relay.HostConfig {
	return relay.HostConfig{
		Command: c.Relay.Command,
		WorkDir: c.Relay.WorkDir,
		Env:     c.WorkerEnv().Merge(c.Relay.Env),
	}
}

// globalEnv merges env_files in order and then the env list on top.
func (c *Config) globalEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	pairs, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		out = append(out, kv[0]+"="+kv[1])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (an "export " prefix and surrounding
// quotes are stripped). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out = append(out, [2]string{k, v})
	}
	return out, nil
}
