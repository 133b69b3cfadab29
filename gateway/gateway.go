// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway serves session viewers over WebSocket.
//
// A viewer connects to /ws?sessionId=<id>. It receives the frames
// described in package protocol and may send input and signal frames.
// A request without a session id is closed with 1008
// session-id-required, an unknown id with 1008 session-not-found.
// When the session's program exits the viewer is closed with 1000
// session-ended after the exit event has been delivered. A viewer that
// cannot keep up is closed with 1013 viewer-backlog.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/lib/netutil"
	"github.com/bureau-foundation/termrelay/protocol"
	"github.com/bureau-foundation/termrelay/session"
)

// SessionQueryParameter names the query parameter carrying the
// session id.
const SessionQueryParameter = "sessionId"

// Default Limits values.
const (
	DefaultSendQueueLimit = 8192
	DefaultPingInterval   = 30 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultReadLimit      = 1 << 20
)

// Limits bounds each viewer connection.
type Limits struct {
	// SendQueueLimit is the number of frames a viewer may have queued
	// before it is disconnected.
	SendQueueLimit int

	// PingInterval is the time between keepalive pings.
	PingInterval time.Duration

	// PongWait is how long a viewer may stay silent, pongs included,
	// before the connection is dropped.
	PongWait time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// ReadLimit is the largest frame accepted from a viewer.
	ReadLimit int64
}

func (l Limits) withDefaults() Limits {
	if l.SendQueueLimit <= 0 {
		l.SendQueueLimit = DefaultSendQueueLimit
	}
	if l.PingInterval <= 0 {
		l.PingInterval = DefaultPingInterval
	}
	if l.PongWait <= 0 {
		l.PongWait = DefaultPongWait
	}
	if l.WriteTimeout <= 0 {
		l.WriteTimeout = DefaultWriteTimeout
	}
	if l.ReadLimit <= 0 {
		l.ReadLimit = DefaultReadLimit
	}
	return l
}

// Sessions looks up sessions by id. *session.Manager implements it.
type Sessions interface {
	Get(id string) (*session.Session, error)
}

// Config configures a Gateway.
type Config struct {
	Sessions Sessions
	Clock    clock.Clock
	Logger   *slog.Logger
	Limits   Limits

	// CheckOrigin validates the Origin header of upgrade requests.
	// Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// Gateway is an http.Handler upgrading requests to viewer connections.
type Gateway struct {
	sessions Sessions
	clock    clock.Clock
	logger   *slog.Logger
	limits   Limits
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	closed  bool
	active  sync.WaitGroup
}

// New returns a Gateway.
func New(config Config) *Gateway {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		sessions: config.Sessions,
		clock:    config.Clock,
		logger:   config.Logger,
		limits:   config.Limits.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
			CheckOrigin:     checkOrigin,
		},
		viewers: make(map[*viewer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the viewer until either
// side closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		g.logger.Debug("viewer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sessionID := r.URL.Query().Get(SessionQueryParameter)
	if sessionID == "" {
		g.reject(conn, protocol.CloseSessionIDRequired)
		return
	}
	target, err := g.sessions.Get(sessionID)
	if err != nil {
		g.reject(conn, protocol.CloseSessionNotFound)
		return
	}

	v := newViewer(conn, sessionID, g.clock, g.logger, g.limits)
	if !g.track(v) {
		g.reject(conn, protocol.CloseServerShutdown)
		return
	}
	defer g.untrack(v)

	go v.writePump()
	clientID := target.Attach(v)
	logger := g.logger.With("session_id", sessionID, "client_id", clientID)
	logger.Info("viewer connected", "remote", r.RemoteAddr)

	g.readLoop(v, target, clientID, logger)

	target.Detach(clientID)
	close(v.readDone)
	<-v.pumpDone
	logger.Info("viewer disconnected")
}

// readLoop dispatches viewer frames until the connection fails.
func (g *Gateway) readLoop(v *viewer, target *session.Session, clientID string, logger *slog.Logger) {
	conn := v.conn
	conn.SetReadLimit(g.limits.ReadLimit)
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(g.limits.PongWait)) }
	_ = extend()
	conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !netutil.IsExpectedCloseError(err) && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Debug("viewer read ended", "error", err)
			}
			return
		}
		_ = extend()
		g.dispatch(v, target, clientID, payload, logger)
	}
}

// dispatch handles one viewer frame. Every rejection is answered with
// an error frame to this viewer only.
func (g *Gateway) dispatch(v *viewer, target *session.Session, clientID string, payload []byte, logger *slog.Logger) {
	frame, err := protocol.DecodeClientFrame(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			v.Send(protocol.EncodeError(protocol.MessageUnknownType))
		} else {
			v.Send(protocol.EncodeError(protocol.MessageInvalidJSON))
		}
		return
	}

	switch frame.Type {
	case protocol.TypeInput:
		input := session.Input{Author: frame.Author, At: frame.At}
		if frame.Data != nil {
			input.Data = *frame.Data
		}
		if input.Author == "" {
			input.Author = clientID
		}
		err = target.SendInput(input)
	case protocol.TypeSignal:
		err = target.SendSignal(frame.Signal)
	}
	if err != nil {
		logger.Debug("viewer frame rejected", "type", frame.Type, "error", err)
		v.Send(protocol.EncodeError(err.Error()))
	}
}

// reject closes a connection that never attached.
func (g *Gateway) reject(conn *websocket.Conn, reason string) {
	defer conn.Close()
	message := websocket.FormatCloseMessage(closeCode(reason), reason)
	deadline := time.Now().Add(g.limits.WriteTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		g.logger.Debug("writing close frame failed", "reason", reason, "error", err)
		return
	}
	// Drain until the peer acknowledges the close.
	_ = conn.SetReadDeadline(deadline)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (g *Gateway) track(v *viewer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.viewers[v] = struct{}{}
	g.active.Add(1)
	return true
}

func (g *Gateway) untrack(v *viewer) {
	g.mu.Lock()
	delete(g.viewers, v)
	g.mu.Unlock()
	g.active.Done()
}

// Close disconnects every viewer with server-shutdown, refuses new
// ones, and waits for their handlers to return.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	viewers := make([]*viewer, 0, len(g.viewers))
	for v := range g.viewers {
		viewers = append(viewers, v)
	}
	g.mu.Unlock()

	for _, v := range viewers {
		v.Close(protocol.CloseServerShutdown)
	}
	g.active.Wait()
}

// ViewerCount reports the number of connected viewers.
func (g *Gateway) ViewerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.viewers)
}
