package logger

import (
	"fmt"
	"io"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where a supervised server's stdout/stderr go. With only
// Dir set the files are Dir/<name>.stdout.log and Dir/<name>.stderr.log;
// explicit paths win over Dir. Rotation follows lumberjack semantics.
type Config struct {
	Dir        string `mapstructure:"dir" json:"dir"`
	StdoutPath string `mapstructure:"stdout_path" json:"stdout_path"`
	StderrPath string `mapstructure:"stderr_path" json:"stderr_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// Writers returns rotating writers for the named server's stdout and
// stderr. Either writer may be nil when no destination is configured.
func (c Config) Writers(name string) (stdout, stderr io.WriteCloser, err error) {
	outPath := c.StdoutPath
	errPath := c.StderrPath
	if outPath == "" && c.Dir != "" {
		outPath = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if errPath == "" && c.Dir != "" {
		errPath = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if outPath != "" {
		stdout = c.rotator(outPath)
	}
	if errPath != "" {
		stderr = c.rotator(errPath)
	}
	return stdout, stderr, nil
}

func (c Config) rotator(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    orDefault(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: orDefault(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     orDefault(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
