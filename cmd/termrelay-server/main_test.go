// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/termrelay/lib/config"
	"github.com/bureau-foundation/termrelay/lib/logging"
	"github.com/bureau-foundation/termrelay/transcript"
	"github.com/bureau-foundation/termrelay/transcript/remote"
	"github.com/bureau-foundation/termrelay/transcript/sqlitestore"
)

func TestOpenStore(t *testing.T) {
	t.Parallel()
	logger := logging.Discard()

	cfg := config.Default()
	cfg.Transcript.Backend = config.BackendMemory
	store, closer, err := openStore(cfg, logger)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*transcript.MemoryStore); !ok {
		t.Errorf("memory backend = %T", store)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("closing memory store: %v", err)
	}

	cfg = config.Default()
	cfg.Transcript.Remote.URL = "https://project.example.com"
	cfg.Transcript.Remote.ServiceKey = "key"
	store, _, err = openStore(cfg, logger)
	if err != nil {
		t.Fatalf("auto with credentials: %v", err)
	}
	if _, ok := store.(*remote.Store); !ok {
		t.Errorf("auto backend with credentials = %T, want *remote.Store", store)
	}

	cfg = config.Default()
	cfg.Transcript.Backend = config.BackendSQLite
	cfg.Transcript.SQLite.Path = filepath.Join(t.TempDir(), "transcripts.db")
	store, closer, err = openStore(cfg, logger)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if _, ok := store.(*sqlitestore.Store); !ok {
		t.Errorf("sqlite backend = %T", store)
	}
	ctx := context.Background()
	if err := store.Append(ctx, "s1", transcript.Event{Type: transcript.Stdout, Data: "hi", At: time.Now()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("closing sqlite store: %v", err)
	}

	cfg = config.Default()
	cfg.Transcript.Backend = "tape"
	if _, _, err := openStore(cfg, logger); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestManagerConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Session.ClosedRetention = time.Minute
	cfg.Command.Executable = "/usr/bin/agent"
	cfg.Command.Args = []string{"--quiet"}
	cfg.Command.ApprovalMode = "full-auto"

	got := managerConfig(cfg, nil, logging.Discard())
	if got.HistoryLimit != 2000 || got.PersistQueueLimit != 10000 {
		t.Errorf("limits = %d/%d, want 2000/10000", got.HistoryLimit, got.PersistQueueLimit)
	}
	if got.Columns != 160 || got.Rows != 40 || got.TermName != "xterm-color" {
		t.Errorf("terminal = %dx%d %q", got.Columns, got.Rows, got.TermName)
	}
	if got.ClosedRetention != time.Minute {
		t.Errorf("ClosedRetention = %v, want 1m", got.ClosedRetention)
	}
	if got.Command.Executable != "/usr/bin/agent" || len(got.Command.Args) != 1 || got.Command.ApprovalMode != "full-auto" {
		t.Errorf("Command = %+v", got.Command)
	}
	if got.InitialMessageDelay != 20*time.Millisecond {
		t.Errorf("InitialMessageDelay = %v, want 20ms", got.InitialMessageDelay)
	}

	limits := viewerLimits(cfg.Viewer)
	if limits.SendQueueLimit != 8192 || limits.PingInterval != 30*time.Second || limits.ReadLimit != 1<<20 {
		t.Errorf("viewer limits = %+v", limits)
	}
}

func TestRunVersion(t *testing.T) {
	t.Parallel()
	if err := run([]string{"--version"}); err != nil {
		t.Errorf("run --version: %v", err)
	}
	if err := run([]string{"--no-such-flag"}); err == nil {
		t.Error("unknown flag accepted")
	}
}
