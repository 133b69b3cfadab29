// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/termrelay/gateway"
	"github.com/bureau-foundation/termrelay/lib/config"
	"github.com/bureau-foundation/termrelay/lib/logging"
	"github.com/bureau-foundation/termrelay/lib/process"
	"github.com/bureau-foundation/termrelay/lib/version"
	"github.com/bureau-foundation/termrelay/server"
	"github.com/bureau-foundation/termrelay/session"
	"github.com/bureau-foundation/termrelay/transcript"
	"github.com/bureau-foundation/termrelay/transcript/remote"
	"github.com/bureau-foundation/termrelay/transcript/sqlitestore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal("termrelay-server", err)
	}
}

func run(args []string) error {
	var configPath string
	var listen string
	var logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("termrelay-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("TERMRELAY_CONFIG"), "path to the YAML config file (env TERMRELAY_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "listen address, overriding the config file")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error, overriding the config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("termrelay-server")
		return nil
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := logging.New(level)
	slog.SetDefault(logger)

	logger.Info("starting termrelay-server", "version", version.Info())

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore.Close(); err != nil {
			logger.Error("closing transcript store failed", "error", err)
		}
	}()

	manager := session.NewManager(managerConfig(cfg, store, logger))
	relay, err := server.New(server.Config{
		Address: cfg.Listen,
		Manager: manager,
		Store:   store,
		Viewer:  viewerLimits(cfg.Viewer),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := relay.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("listening", "address", relay.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-relay.Done():
		logger.Error("server stopped", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout)
	defer cancel()
	if err := relay.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("shutdown: %w", err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// openStore builds the configured transcript backend. The returned
// closer releases it after shutdown has flushed every session.
func openStore(cfg *config.Config, logger *slog.Logger) (transcript.Store, io.Closer, error) {
	backend := cfg.EffectiveBackend()
	switch backend {
	case config.BackendMemory:
		logger.Info("transcripts kept in memory")
		return transcript.NewMemoryStore(), nopCloser{}, nil

	case config.BackendRemote:
		store, err := remote.New(remote.Config{
			URL:        cfg.Transcript.Remote.URL,
			ServiceKey: cfg.Transcript.Remote.ServiceKey,
			Table:      cfg.Transcript.Remote.Table,
			Timeout:    cfg.Transcript.Remote.Timeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("transcripts sent to remote table", "table", cfg.Transcript.Remote.Table)
		return store, nopCloser{}, nil

	case config.BackendSQLite:
		store, err := sqlitestore.Open(sqlitestore.Config{
			Path:     cfg.Transcript.SQLite.Path,
			PoolSize: cfg.Transcript.SQLite.PoolSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("transcripts stored in sqlite", "path", cfg.Transcript.SQLite.Path)
		return store, store, nil
	}
	return nil, nil, fmt.Errorf("unknown transcript backend %q", backend)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func managerConfig(cfg *config.Config, store transcript.Store, logger *slog.Logger) session.Config {
	return session.Config{
		Store:           store,
		Logger:          logger,
		HistoryLimit:    cfg.Session.HistoryLimit,
		DefaultRepoPath: cfg.Session.DefaultRepoPath,
		Command: session.CommandDefaults{
			Executable:   cfg.Command.Executable,
			Args:         cfg.Command.Args,
			Env:          cfg.Command.Env,
			ApprovalMode: cfg.Command.ApprovalMode,
			Model:        cfg.Command.Model,
		},
		InitialMessageDelay: cfg.Command.InitialMessageDelay,
		Columns:             cfg.Command.Columns,
		Rows:                cfg.Command.Rows,
		TermName:            cfg.Command.TermName,
		ClosedRetention:     cfg.Session.ClosedRetention,
		PersistQueueLimit:   cfg.Session.PersistQueueLimit,
		PersistTimeout:      cfg.Session.PersistTimeout,
	}
}

func viewerLimits(viewer config.ViewerConfig) gateway.Limits {
	return gateway.Limits{
		SendQueueLimit: viewer.SendQueueLimit,
		PingInterval:   viewer.PingInterval,
		PongWait:       viewer.PongWait,
		WriteTimeout:   viewer.WriteTimeout,
		ReadLimit:      viewer.ReadLimit,
	}
}
