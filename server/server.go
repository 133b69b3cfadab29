// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes a session manager over HTTP.
//
// Routes:
//
//	GET    /api/health
//	GET    /api/sessions
//	POST   /api/sessions
//	GET    /api/sessions/{id}
//	DELETE /api/sessions/{id}
//	GET    /api/sessions/{id}/transcript
//	POST   /api/sessions/{id}/resize
//	GET    /api/transcripts
//	GET    /ws?sessionId={id}
//
// Errors are returned as {"error": message}. /api responses are gzip
// compressed when the client accepts it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/bureau-foundation/termrelay/gateway"
	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/session"
	"github.com/bureau-foundation/termrelay/transcript"
)

// Config configures a Server.
type Config struct {
	// Address is the TCP listen address, e.g. ":3000".
	Address string

	Manager *session.Manager

	// Store serves transcript fetches. Nil serves empty transcripts.
	Store transcript.Store

	// Viewer bounds each WebSocket viewer.
	Viewer gateway.Limits

	Clock  clock.Clock
	Logger *slog.Logger
}

// Server is the termrelay HTTP server.
type Server struct {
	address    string
	manager    *session.Manager
	gateway    *gateway.Gateway
	httpServer *http.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	served   chan error
}

// New returns a Server. It does not listen until Start.
func New(config Config) (*Server, error) {
	if config.Manager == nil {
		return nil, errors.New("server: session manager is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	h := &handler{
		manager: config.Manager,
		store:   config.Store,
		clock:   config.Clock,
		logger:  config.Logger,
	}
	api := http.NewServeMux()
	api.HandleFunc("GET /api/health", h.handleHealth)
	api.HandleFunc("GET /api/sessions", h.handleListSessions)
	api.HandleFunc("POST /api/sessions", h.handleCreateSession)
	api.HandleFunc("GET /api/sessions/{id}", h.handleGetSession)
	api.HandleFunc("DELETE /api/sessions/{id}", h.handleCloseSession)
	api.HandleFunc("GET /api/sessions/{id}/transcript", h.handleTranscript)
	api.HandleFunc("POST /api/sessions/{id}/resize", h.handleResize)
	api.HandleFunc("GET /api/transcripts", h.handleListTranscripts)

	viewers := gateway.New(gateway.Config{
		Sessions: config.Manager,
		Clock:    config.Clock,
		Logger:   config.Logger.With("component", "gateway"),
		Limits:   config.Viewer,
	})

	// The gateway hijacks its connections, so it stays outside the
	// compression wrapper.
	mux := http.NewServeMux()
	mux.Handle("/api/", gzhttp.GzipHandler(api))
	mux.Handle("GET /ws", viewers)

	return &Server{
		address: config.Address,
		manager: config.Manager,
		gateway: viewers,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(config.Logger.Handler(), slog.LevelWarn),
		},
		logger: config.Logger,
	}, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves in the
// background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.served = make(chan error, 1)
	served := s.served
	s.mu.Unlock()

	s.logger.Info("termrelay server listening", "address", listener.Addr().String())
	go func() {
		err := s.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.logger.Error("http server failed", "error", err)
		}
		served <- err
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done returns a channel receiving the serve loop's error, nil after a
// clean shutdown. It is nil before Start.
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Shutdown stops accepting requests, closes every session and waits
// for their transcripts, disconnects remaining viewers, and then waits
// for in-flight requests, all bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down termrelay server")
	var errs []error
	if err := s.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	s.gateway.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping http server: %w", err))
	}
	return errors.Join(errs...)
}
