// Package config loads the optional kernelbridge YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kernelbridge/internal/capture"
	"kernelbridge/internal/kernel"
)

// Default values
const (
	DefaultListen      = "127.0.0.1:8888"
	DefaultSyncTimeout = 2 * time.Second
)

// DefaultCommand evaluates each cell with the POSIX shell
var DefaultCommand = []string{"/bin/sh", "-c"}

// DefaultLanguage describes the shell interpreter
var DefaultLanguage = kernel.LanguageInfo{
	Name:           "sh",
	MimeType:       "text/x-sh",
	FileExtension:  ".sh",
	CodemirrorMode: "shell",
}

// Config holds the parsed configuration. All fields are optional; zero values select
// the defaults returned by the accessors.
type Config struct {
	Listen      string              `yaml:"listen"`     // e.g. "127.0.0.1:8888"
	TokenFile   string              `yaml:"token_file"` // token is generated when empty
	RawLogLevel string              `yaml:"log_level"`  // debug, info, warn, error
	Interpreter InterpreterConfig   `yaml:"interpreter"`
	Capture     CaptureConfig       `yaml:"capture"`
	Display     DisplayConfig       `yaml:"display"`
	Language    kernel.LanguageInfo `yaml:"language"`
	Banner      string              `yaml:"banner"`
}

// InterpreterConfig selects the program evaluating the cells
type InterpreterConfig struct {
	Command     []string `yaml:"command"` // the cell is appended
	Args        []string `yaml:"args"`
	Dir         string   `yaml:"dir"`
	ResourceDir string   `yaml:"resource_dir"`
}

// CaptureConfig tunes the standard stream capture
type CaptureConfig struct {
	RawMode          string `yaml:"mode"`           // pipe or pty
	RawFlushInterval string `yaml:"flush_interval"` // e.g. "250ms"
	ChunkSize        int    `yaml:"chunk_size"`
}

// DisplayConfig controls the display channel
type DisplayConfig struct {
	Markdown       bool   `yaml:"markdown"`
	RawSyncTimeout string `yaml:"sync_timeout"`
}

// Load reads the file at path. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports values the accessors would silently replace
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.parseLogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch capture.Mode(c.Capture.RawMode) {
	case "", capture.ModePipe, capture.ModePTY:
	default:
		errs = append(errs, fmt.Errorf("capture.mode must be %q or %q, got %q", capture.ModePipe, capture.ModePTY, c.Capture.RawMode))
	}
	for name, raw := range map[string]string{
		"capture.flush_interval": c.Capture.RawFlushInterval,
		"display.sync_timeout":   c.Display.RawSyncTimeout,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %q", name, raw))
		}
	}
	if c.Capture.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_size must not be negative"))
	}
	return errors.Join(errs...)
}

// ListenAddr returns the configured listen address or the default
func (c *Config) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return DefaultListen
}

// LogLevel returns the configured level, falling back to info
func (c *Config) LogLevel() slog.Level {
	level, err := c.parseLogLevel()
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c *Config) parseLogLevel() (slog.Level, error) {
	var level slog.Level
	if c.RawLogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.RawLogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Command returns the interpreter command or the default
func (c *Config) Command() []string {
	if len(c.Interpreter.Command) > 0 {
		return c.Interpreter.Command
	}
	return DefaultCommand
}

// CaptureOptions converts the capture section
func (c *Config) CaptureOptions() capture.Options {
	opts := capture.Options{
		FlushInterval: capture.DefaultFlushInterval,
		ChunkSize:     capture.DefaultChunkSize,
		Mode:          capture.ModePipe,
	}
	if d, err := time.ParseDuration(c.Capture.RawFlushInterval); err == nil && d > 0 {
		opts.FlushInterval = d
	}
	if c.Capture.ChunkSize > 0 {
		opts.ChunkSize = c.Capture.ChunkSize
	}
	if c.Capture.RawMode != "" {
		opts.Mode = capture.Mode(c.Capture.RawMode)
	}
	return opts
}

// SyncTimeout returns how long the kernel waits for the display channel after an
// evaluation
func (c *Config) SyncTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Display.RawSyncTimeout); err == nil && d > 0 {
		return d
	}
	return DefaultSyncTimeout
}

// LanguageInfo returns the configured language, falling back to DefaultLanguage when
// no name is set
func (c *Config) LanguageInfo() kernel.LanguageInfo {
	if c.Language.Name != "" {
		return c.Language
	}
	return DefaultLanguage
}
