// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates daemon configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/flume/internal/tracing"
	flumeerrors "github.com/tombee/flume/pkg/errors"
)

// BackendMemory and BackendSQLite are the supported backend types.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config represents the complete flumed configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Log     LogConfig      `yaml:"log"`
	Backend BackendConfig  `yaml:"backend"`
	Queue   QueueConfig    `yaml:"queue"`
	Worker  WorkerConfig   `yaml:"worker"`
	Tracing tracing.Config `yaml:"tracing"`

	// Orgs are seeded at startup with the builtin tool catalog and a
	// default pipeline each.
	Orgs []string `yaml:"orgs,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the TCP address to bind (e.g., ":9876", "127.0.0.1:9876").
	// Environment: FLUME_LISTEN
	Listen string `yaml:"listen,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown. Environment: FLUME_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format is the log format (json, text).
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// BackendConfig configures the run storage backend.
type BackendConfig struct {
	// Type is the backend type: "memory" or "sqlite".
	// Environment: FLUME_BACKEND
	Type string `yaml:"type,omitempty"`

	// SQLite contains sqlite-specific configuration.
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

// SQLiteConfig contains sqlite connection settings.
type SQLiteConfig struct {
	// Path is the database file path.
	// Environment: FLUME_SQLITE_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool `yaml:"wal"`
}

// QueueConfig configures the job queue.
type QueueConfig struct {
	// Type is the queue type. Only "memory" is supported.
	Type string `yaml:"type,omitempty"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	// Concurrency is the number of concurrent workers.
	// Environment: FLUME_WORKER_CONCURRENCY
	Concurrency int `yaml:"concurrency,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":9876",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Backend: BackendConfig{
			Type: BackendMemory,
			SQLite: SQLiteConfig{
				Path: defaultDatabasePath(),
				WAL:  true,
			},
		},
		Queue: QueueConfig{
			Type: "memory",
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Tracing: tracing.Config{
			Enabled:        false,
			ServiceName:    "flumed",
			ServiceVersion: "unknown",
		},
		Orgs: []string{"default"},
	}
}

// Load reads configuration from the given path (optional), applies
// defaults for missing values, overlays environment variables, and
// validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &flumeerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in zero values with defaults. This lets minimal
// config files work without specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = defaults.Server.Listen
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Backend.Type == "" {
		c.Backend.Type = defaults.Backend.Type
	}
	if c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = defaults.Backend.SQLite.Path
	}

	if c.Queue.Type == "" {
		c.Queue.Type = defaults.Queue.Type
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = defaults.Worker.Concurrency
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = defaults.Tracing.ServiceVersion
	}

	if len(c.Orgs) == 0 {
		c.Orgs = defaults.Orgs
	}
}

// loadFromFile merges YAML configuration from path into c.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv overlays environment variables onto c.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("FLUME_LISTEN"); val != "" {
		c.Server.Listen = val
	}
	if val := os.Getenv("FLUME_SHUTDOWN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = duration
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("FLUME_BACKEND"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("FLUME_SQLITE_PATH"); val != "" {
		c.Backend.SQLite.Path = val
	}
	if val := os.Getenv("FLUME_SQLITE_WAL"); val != "" {
		c.Backend.SQLite.WAL = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("FLUME_WORKER_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Worker.Concurrency = n
		}
	}

	if val := os.Getenv("FLUME_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("FLUME_ORGS"); val != "" {
		c.Orgs = c.Orgs[:0]
		for _, org := range strings.Split(val, ",") {
			if org = strings.TrimSpace(org); org != "" {
				c.Orgs = append(c.Orgs, org)
			}
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return &flumeerrors.ConfigError{
			Key:    "log.level",
			Reason: fmt.Sprintf("unknown level %q (expected debug, info, warn, or error)", c.Log.Level),
		}
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return &flumeerrors.ConfigError{
			Key:    "log.format",
			Reason: fmt.Sprintf("unknown format %q (expected json or text)", c.Log.Format),
		}
	}

	switch c.Backend.Type {
	case BackendMemory:
	case BackendSQLite:
		if c.Backend.SQLite.Path == "" {
			return &flumeerrors.ConfigError{
				Key:    "backend.sqlite.path",
				Reason: "sqlite backend requires a database path",
			}
		}
	default:
		return &flumeerrors.ConfigError{
			Key:    "backend.type",
			Reason: fmt.Sprintf("unknown backend %q (expected memory or sqlite)", c.Backend.Type),
		}
	}

	if c.Queue.Type != "memory" {
		return &flumeerrors.ConfigError{
			Key:    "queue.type",
			Reason: fmt.Sprintf("unknown queue %q (only memory is supported)", c.Queue.Type),
		}
	}

	if c.Worker.Concurrency < 1 {
		return &flumeerrors.ConfigError{
			Key:    "worker.concurrency",
			Reason: "concurrency must be at least 1",
		}
	}

	return nil
}

// defaultDatabasePath returns the default sqlite database location,
// following XDG conventions.
func defaultDatabasePath() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "flume", "flume.db")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "flume.db")
	}
	return filepath.Join(homeDir, ".flume", "flume.db")
}
