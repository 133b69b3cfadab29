// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	config := Default()
	if config.Listen != ":3000" {
		t.Errorf("Listen = %q, want :3000", config.Listen)
	}
	if config.Session.HistoryLimit != 2000 {
		t.Errorf("HistoryLimit = %d, want 2000", config.Session.HistoryLimit)
	}
	if config.Command.InitialMessageDelay != 20*time.Millisecond {
		t.Errorf("InitialMessageDelay = %v, want 20ms", config.Command.InitialMessageDelay)
	}
	if config.Command.Columns != 160 || config.Command.Rows != 40 {
		t.Errorf("size = %dx%d, want 160x40", config.Command.Columns, config.Command.Rows)
	}
	if config.Transcript.Remote.Table != "codex_transcripts" {
		t.Errorf("Remote.Table = %q, want codex_transcripts", config.Transcript.Remote.Table)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}
}

func TestLegacyEnvironment(t *testing.T) {
	t.Parallel()
	environment := map[string]string{
		"PORT":                       "8080",
		"SUPABASE_URL":               "https://example.supabase.co",
		"SUPABASE_SERVICE_ROLE_KEY":  "secret",
		"SUPABASE_TRANSCRIPTS_TABLE": "",
	}
	config := Default()
	config.applyLegacyEnvironment(func(key string) (string, bool) {
		value, ok := environment[key]
		return value, ok
	})
	if config.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", config.Listen)
	}
	if config.Transcript.Remote.URL != "https://example.supabase.co" {
		t.Errorf("Remote.URL = %q", config.Transcript.Remote.URL)
	}
	if config.Transcript.Remote.Table != "codex_transcripts" {
		t.Errorf("empty SUPABASE_TRANSCRIPTS_TABLE replaced the default: %q", config.Transcript.Remote.Table)
	}
	if got := config.EffectiveBackend(); got != BackendRemote {
		t.Errorf("EffectiveBackend() = %q, want %q", got, BackendRemote)
	}
}

func TestEffectiveBackend(t *testing.T) {
	t.Parallel()
	config := Default()
	if got := config.EffectiveBackend(); got != BackendMemory {
		t.Errorf("EffectiveBackend() without credentials = %q, want memory", got)
	}
	config.Transcript.Backend = BackendSQLite
	if got := config.EffectiveBackend(); got != BackendSQLite {
		t.Errorf("EffectiveBackend() = %q, want sqlite", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termrelay.yaml")
	content := `
listen: "127.0.0.1:9000"
session:
  history_limit: 50
  default_repo_path: "${TERMRELAY_TEST_ROOT:-/srv/repos}"
  closed_retention: 5m
command:
  executable: /usr/local/bin/codex
  args: ["--quiet"]
  env:
    TOKEN: "${TERMRELAY_TEST_TOKEN}"
  initial_message_delay: 50ms
transcript:
  backend: sqlite
  sqlite:
    path: /var/lib/termrelay/t.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("TERMRELAY_TEST_TOKEN", "abc")

	config, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if config.Listen != "127.0.0.1:9000" {
		t.Errorf("Listen = %q", config.Listen)
	}
	if config.Session.HistoryLimit != 50 {
		t.Errorf("HistoryLimit = %d, want 50", config.Session.HistoryLimit)
	}
	if config.Session.DefaultRepoPath != "/srv/repos" {
		t.Errorf("DefaultRepoPath = %q, want /srv/repos", config.Session.DefaultRepoPath)
	}
	if config.Session.ClosedRetention != 5*time.Minute {
		t.Errorf("ClosedRetention = %v, want 5m", config.Session.ClosedRetention)
	}
	if config.Command.Env["TOKEN"] != "abc" {
		t.Errorf("Env[TOKEN] = %q, want abc", config.Command.Env["TOKEN"])
	}
	if config.Command.InitialMessageDelay != 50*time.Millisecond {
		t.Errorf("InitialMessageDelay = %v, want 50ms", config.Command.InitialMessageDelay)
	}
	// Fields the file does not mention keep their defaults.
	if config.Command.Columns != 160 {
		t.Errorf("Columns = %d, want default 160", config.Command.Columns)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Parallel()
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadFile of a missing file: expected error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"history", func(c *Config) { c.Session.HistoryLimit = 0 }, "history_limit"},
		{"backend", func(c *Config) { c.Transcript.Backend = "s3" }, "transcript.backend"},
		{"remote creds", func(c *Config) { c.Transcript.Backend = BackendRemote }, "service_key"},
		{"size", func(c *Config) { c.Command.Rows = 0 }, "command.columns"},
		{"keepalive", func(c *Config) { c.Viewer.PongWait = c.Viewer.PingInterval }, "pong_wait"},
		{"queue", func(c *Config) { c.Viewer.SendQueueLimit = -1 }, "send_queue_limit"},
	}
	for _, test := range tests {
		config := Default()
		test.mutate(config)
		err := config.Validate()
		if err == nil {
			t.Errorf("%s: Validate() = nil, want error mentioning %q", test.name, test.want)
			continue
		}
		if !strings.Contains(err.Error(), test.want) {
			t.Errorf("%s: Validate() = %v, want mention of %q", test.name, err, test.want)
		}
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("TERMRELAY_TEST_SET", "value")
	tests := map[string]string{
		"${TERMRELAY_TEST_SET}":          "value",
		"${TERMRELAY_TEST_UNSET:-dflt}":  "dflt",
		"${TERMRELAY_TEST_UNSET}":        "",
		"pre/${TERMRELAY_TEST_SET}/post": "pre/value/post",
		"no variables":                   "no variables",
	}
	for input, want := range tests {
		if got := expandVars(input); got != want {
			t.Errorf("expandVars(%q) = %q, want %q", input, got, want)
		}
	}
}
