// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads termrelay-server configuration.
//
// Configuration comes from one YAML file named by the --config flag or
// the TERMRELAY_CONFIG environment variable, layered over [Default].
// Without a file the defaults apply as-is.
//
// The legacy variables PORT, SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY,
// and SUPABASE_TRANSCRIPTS_TABLE are read before the file is applied,
// so a value in the file always wins over them. Path and credential
// fields additionally expand ${VAR} and ${VAR:-default}.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by transcript.backend.
const (
	BackendAuto   = "auto"
	BackendMemory = "memory"
	BackendRemote = "remote"
	BackendSQLite = "sqlite"
)

// Config is the termrelay-server configuration.
type Config struct {
	// Listen is the HTTP listen address. Default: ":3000".
	Listen string `yaml:"listen"`

	// LogLevel is debug, info, warn, or error. Default: info.
	LogLevel string `yaml:"log_level"`

	// Session configures session lifetime and history.
	Session SessionConfig `yaml:"session"`

	// Command configures how the interactive program is launched.
	Command CommandConfig `yaml:"command"`

	// Transcript selects and configures the transcript backend.
	Transcript TranscriptConfig `yaml:"transcript"`

	// Viewer configures WebSocket viewers.
	Viewer ViewerConfig `yaml:"viewer"`
}

// SessionConfig configures session lifetime and history.
type SessionConfig struct {
	// HistoryLimit bounds each session's replay buffer. Default: 2000.
	HistoryLimit int `yaml:"history_limit"`

	// DefaultRepoPath is used when a request names no repository.
	// Empty means the server's working directory.
	DefaultRepoPath string `yaml:"default_repo_path"`

	// ClosedRetention keeps a session that exited on its own listed
	// for this long before it is removed. Default: 0.
	ClosedRetention time.Duration `yaml:"closed_retention"`

	// PersistQueueLimit bounds events waiting for the transcript
	// backend per session. Default: 10000.
	PersistQueueLimit int `yaml:"persist_queue_limit"`

	// PersistTimeout bounds one transcript append. Default: 10s.
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CommandConfig configures how the interactive program is launched.
type CommandConfig struct {
	// Executable overrides executable discovery.
	Executable string `yaml:"executable"`

	// Args are prepended to the generated approval-mode/model flags.
	Args []string `yaml:"args"`

	// Env is layered over the process environment for every session.
	Env map[string]string `yaml:"env"`

	// ApprovalMode and Model are used when a request omits them.
	ApprovalMode string `yaml:"approval_mode"`
	Model        string `yaml:"model"`

	// InitialMessageDelay is the pause before a bootstrap message is
	// typed into a new session. Default: 20ms.
	InitialMessageDelay time.Duration `yaml:"initial_message_delay"`

	// Columns and Rows size new terminals. Default: 160x40.
	Columns int `yaml:"columns"`
	Rows    int `yaml:"rows"`

	// TermName is exported as TERM. Default: xterm-color.
	TermName string `yaml:"term_name"`
}

// TranscriptConfig selects the transcript backend.
type TranscriptConfig struct {
	// Backend is auto, memory, remote, or sqlite. auto selects remote
	// when its URL and key are set, memory otherwise. Default: auto.
	Backend string `yaml:"backend"`

	Remote RemoteConfig `yaml:"remote"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RemoteConfig configures the PostgREST transcript backend.
type RemoteConfig struct {
	URL        string        `yaml:"url"`
	ServiceKey string        `yaml:"service_key"`
	Table      string        `yaml:"table"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SQLiteConfig configures the local durable transcript backend.
type SQLiteConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// ViewerConfig configures WebSocket viewers.
type ViewerConfig struct {
	// SendQueueLimit is the number of frames a viewer may fall behind
	// before it is disconnected. Default: 8192.
	SendQueueLimit int `yaml:"send_queue_limit"`

	// PingInterval, PongWait, and WriteTimeout drive keepalive.
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadLimit bounds one inbound frame in bytes. Default: 1 MiB.
	ReadLimit int64 `yaml:"read_limit"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen:   ":3000",
		LogLevel: "info",
		Session: SessionConfig{
			HistoryLimit:      2000,
			PersistQueueLimit: 10000,
			PersistTimeout:    10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Command: CommandConfig{
			InitialMessageDelay: 20 * time.Millisecond,
			Columns:             160,
			Rows:                40,
			TermName:            "xterm-color",
		},
		Transcript: TranscriptConfig{
			Backend: BackendAuto,
			Remote: RemoteConfig{
				Table:   "codex_transcripts",
				Timeout: 10 * time.Second,
			},
			SQLite: SQLiteConfig{
				Path: "${HOME}/.local/state/termrelay/transcripts.db",
			},
		},
		Viewer: ViewerConfig{
			SendQueueLimit: 8192,
			PingInterval:   30 * time.Second,
			PongWait:       60 * time.Second,
			WriteTimeout:   10 * time.Second,
			ReadLimit:      1 << 20,
		},
	}
}

// Load reads the file named by TERMRELAY_CONFIG, or returns the
// defaults (with legacy environment fallbacks) when it is unset.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("TERMRELAY_CONFIG"))
}

// LoadFile reads path over the defaults. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	config := Default()
	config.applyLegacyEnvironment(os.LookupEnv)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	config.expandVariables()
	return config, nil
}

// applyLegacyEnvironment reads the variables the service has always
// honored. lookup is os.LookupEnv outside tests.
func (c *Config) applyLegacyEnvironment(lookup func(string) (string, bool)) {
	if port, ok := lookup("PORT"); ok && port != "" {
		c.Listen = ":" + port
	}
	if url, ok := lookup("SUPABASE_URL"); ok && url != "" {
		c.Transcript.Remote.URL = url
	}
	if key, ok := lookup("SUPABASE_SERVICE_ROLE_KEY"); ok && key != "" {
		c.Transcript.Remote.ServiceKey = key
	}
	if table, ok := lookup("SUPABASE_TRANSCRIPTS_TABLE"); ok && table != "" {
		c.Transcript.Remote.Table = table
	}
}

func (c *Config) expandVariables() {
	c.Session.DefaultRepoPath = expandVars(c.Session.DefaultRepoPath)
	c.Command.Executable = expandVars(c.Command.Executable)
	c.Transcript.Remote.URL = expandVars(c.Transcript.Remote.URL)
	c.Transcript.Remote.ServiceKey = expandVars(c.Transcript.Remote.ServiceKey)
	c.Transcript.SQLite.Path = expandVars(c.Transcript.SQLite.Path)
	for key, value := range c.Command.Env {
		c.Command.Env[key] = expandVars(value)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}. An unset or empty
// variable without a default expands to "".
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// EffectiveBackend resolves BackendAuto to the backend that will be
// used.
func (c *Config) EffectiveBackend() string {
	if c.Transcript.Backend != BackendAuto {
		return c.Transcript.Backend
	}
	if c.Transcript.Remote.URL != "" && c.Transcript.Remote.ServiceKey != "" {
		return BackendRemote
	}
	return BackendMemory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Session.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("session.history_limit must be positive, got %d", c.Session.HistoryLimit))
	}
	if c.Session.ClosedRetention < 0 {
		errs = append(errs, fmt.Errorf("session.closed_retention must not be negative"))
	}
	if c.Session.PersistQueueLimit <= 0 {
		errs = append(errs, fmt.Errorf("session.persist_queue_limit must be positive, got %d", c.Session.PersistQueueLimit))
	}
	if c.Command.Columns <= 0 || c.Command.Rows <= 0 {
		errs = append(errs, fmt.Errorf("command.columns and command.rows must be positive, got %dx%d", c.Command.Columns, c.Command.Rows))
	}
	if c.Command.InitialMessageDelay < 0 {
		errs = append(errs, errors.New("command.initial_message_delay must not be negative"))
	}

	switch c.Transcript.Backend {
	case BackendAuto, BackendMemory:
	case BackendRemote:
		if c.Transcript.Remote.URL == "" || c.Transcript.Remote.ServiceKey == "" {
			errs = append(errs, errors.New("transcript.remote.url and transcript.remote.service_key are required for the remote backend"))
		}
		if c.Transcript.Remote.Table == "" {
			errs = append(errs, errors.New("transcript.remote.table is required for the remote backend"))
		}
	case BackendSQLite:
		if c.Transcript.SQLite.Path == "" {
			errs = append(errs, errors.New("transcript.sqlite.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("transcript.backend must be one of auto, memory, remote, sqlite, got %q", c.Transcript.Backend))
	}

	if c.Viewer.SendQueueLimit <= 0 {
		errs = append(errs, fmt.Errorf("viewer.send_queue_limit must be positive, got %d", c.Viewer.SendQueueLimit))
	}
	if c.Viewer.PingInterval <= 0 || c.Viewer.PongWait <= c.Viewer.PingInterval {
		errs = append(errs, errors.New("viewer.pong_wait must exceed viewer.ping_interval, and both must be positive"))
	}
	if c.Viewer.WriteTimeout <= 0 {
		errs = append(errs, errors.New("viewer.write_timeout must be positive"))
	}

	return errors.Join(errs...)
}
