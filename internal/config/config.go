package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kodegen/kodegend/internal/logger"
	"github.com/kodegen/kodegend/internal/metrics"
	"github.com/kodegen/kodegend/internal/supervisor"
	"github.com/kodegen/kodegend/pkg/ipc"
	"github.com/spf13/viper"
)

// Config is the top-level TOML structure of the daemon config file.
type Config struct {
	// Control channel. Socket is the unix socket path; Listen is an
	// optional plain TCP address for remote use. When both are empty the
	// daemon falls back to ipc.DefaultSocketPath().
	Socket   string `toml:"socket" mapstructure:"socket"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	PIDFile  string `toml:"pid_file" mapstructure:"pid_file"`

	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`

	// Log is the daemon's own structured log. ServiceLog holds rotation
	// defaults applied to every service that does not override them.
	Log        logger.DaemonConfig `toml:"log" mapstructure:"log"`
	ServiceLog *logger.Config      `toml:"service_log" mapstructure:"service_log"`

	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Registry  RegistryConfig  `toml:"registry" mapstructure:"registry"`
	Aggregate AggregateConfig `toml:"aggregate" mapstructure:"aggregate"`
	Journal   JournalConfig   `toml:"journal" mapstructure:"journal"`
	Export    ExportConfig    `toml:"export" mapstructure:"export"`

	Services []supervisor.Spec `toml:"service" mapstructure:"service"`
}

type MetricsConfig struct {
	Enabled   bool                   `toml:"enabled" mapstructure:"enabled"`
	Listen    string                 `toml:"listen" mapstructure:"listen"`
	Resources metrics.ResourceConfig `toml:"resources" mapstructure:"resources"`
}

type RegistryConfig struct {
	ConnectionTTL time.Duration `toml:"connection_ttl" mapstructure:"connection_ttl"`
	SweepInterval time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
}

type AggregateConfig struct {
	ServerTimeout time.Duration `toml:"server_timeout" mapstructure:"server_timeout"`
}

// JournalConfig selects the lifecycle journal backend by DSN scheme
// (sqlite:// or postgres://; a bare path means sqlite). Empty disables it.
type JournalConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// ExportConfig selects the transition export sink by DSN scheme
// (clickhouse:// or opensearch://). Empty disables it.
type ExportConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Load parses the TOML file at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("use_os_env", true)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Socket == "" && c.Listen == "" {
		c.Socket = ipc.DefaultSocketPath()
	}
	// Per-service log settings start from the top-level defaults; fields a
	// service sets itself win.
	if c.ServiceLog != nil {
		for i := range c.Services {
			mergeLogDefaults(&c.Services[i].Log, *c.ServiceLog)
		}
	}
}

func mergeLogDefaults(dst *logger.Config, def logger.Config) {
	if dst.Dir == "" {
		dst.Dir = def.Dir
	}
	if dst.StdoutPath == "" {
		dst.StdoutPath = def.StdoutPath
	}
	if dst.StderrPath == "" {
		dst.StderrPath = def.StderrPath
	}
	if dst.MaxSizeMB == 0 {
		dst.MaxSizeMB = def.MaxSizeMB
	}
	if dst.MaxBackups == 0 {
		dst.MaxBackups = def.MaxBackups
	}
	if dst.MaxAgeDays == 0 {
		dst.MaxAgeDays = def.MaxAgeDays
	}
	if def.Compress {
		dst.Compress = true
	}
}

// Validate checks daemon-level constraints and every service spec.
func (c *Config) Validate() error {
	names := make(map[string]struct{}, len(c.Services))
	ports := make(map[uint16]string, len(c.Services))
	for i := range c.Services {
		s := &c.Services[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("service %d: %w", i, err)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		names[s.Name] = struct{}{}
		if other, dup := ports[s.Port]; dup {
			return fmt.Errorf("service %q reuses port %d of %q", s.Name, s.Port, other)
		}
		ports[s.Port] = s.Name
	}
	return nil
}

// GlobalEnv merges env_files contents (in order) with top-level env entries,
// which override last. The OS environment is not part of this map; whether
// services inherit it is governed by use_os_env at supervisor level.
func (c *Config) GlobalEnv() (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range c.EnvFiles {
		vars, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range vars {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m, nil
}

// LoadEnvFile parses a .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export keyword, no quoting).
// Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if k != "" {
				m[k] = v
			}
		}
	}
	return m, nil
}
