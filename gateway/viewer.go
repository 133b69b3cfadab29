// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/lib/netutil"
	"github.com/bureau-foundation/termrelay/protocol"
)

// closeCodes maps close reasons to WebSocket close codes. Reasons not
// listed close with CloseNormalClosure.
var closeCodes = map[string]int{
	protocol.CloseSessionIDRequired: websocket.ClosePolicyViolation,
	protocol.CloseSessionNotFound:   websocket.ClosePolicyViolation,
	protocol.CloseSessionEnded:      websocket.CloseNormalClosure,
	protocol.CloseViewerBacklog:     websocket.CloseTryAgainLater,
	protocol.CloseServerShutdown:    websocket.CloseGoingAway,
}

func closeCode(reason string) int {
	if code, ok := closeCodes[reason]; ok {
		return code
	}
	return websocket.CloseNormalClosure
}

// viewer is one WebSocket connection attached to a session. Frames
// are queued by Send and written by writePump, so the session never
// waits on the network.
type viewer struct {
	conn      *websocket.Conn
	sessionID string
	clock     clock.Clock
	logger    *slog.Logger
	limits    Limits

	mu      sync.Mutex
	queue   [][]byte
	closing string

	notify chan struct{}
	// readDone is closed when the read loop returns.
	readDone chan struct{}
	// pumpDone is closed when writePump returns and the connection
	// has been closed.
	pumpDone chan struct{}
}

func newViewer(conn *websocket.Conn, sessionID string, clk clock.Clock, logger *slog.Logger, limits Limits) *viewer {
	return &viewer{
		conn:      conn,
		sessionID: sessionID,
		clock:     clk,
		logger:    logger,
		limits:    limits,
		notify:    make(chan struct{}, 1),
		readDone:  make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
}

// Send queues frame for delivery. A viewer whose queue reaches the
// limit is disconnected with viewer-backlog instead of receiving a
// stream with a gap.
func (v *viewer) Send(frame []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closing != "" {
		return
	}
	if len(v.queue) >= v.limits.SendQueueLimit {
		v.logger.Warn("viewer fell behind, disconnecting",
			"session_id", v.sessionID,
			"queued", len(v.queue),
		)
		v.queue = nil
		v.closing = protocol.CloseViewerBacklog
		v.wake()
		return
	}
	v.queue = append(v.queue, frame)
	v.wake()
}

// Close flushes queued frames and then closes the connection with
// reason. Only the first call has an effect.
func (v *viewer) Close(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closing != "" {
		return
	}
	v.closing = reason
	v.wake()
}

// wake signals writePump. Callers hold v.mu.
func (v *viewer) wake() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

// take returns the queued frames and the pending close reason.
func (v *viewer) take() ([][]byte, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	frames := v.queue
	v.queue = nil
	return frames, v.closing
}

// writePump writes queued frames and keepalive pings until the viewer
// closes, a write fails, or the read loop ends.
func (v *viewer) writePump() {
	ticker := v.clock.NewTicker(v.limits.PingInterval)
	defer func() {
		ticker.Stop()
		v.conn.Close()
		// Later Sends are dropped.
		v.mu.Lock()
		if v.closing == "" {
			v.closing = "connection-closed"
		}
		v.queue = nil
		v.mu.Unlock()
		close(v.pumpDone)
	}()

	for {
		select {
		case <-v.notify:
			frames, reason := v.take()
			for _, frame := range frames {
				if err := v.write(websocket.TextMessage, frame); err != nil {
					return
				}
			}
			if reason != "" {
				v.sendClose(reason)
				return
			}
		case <-ticker.C:
			if err := v.conn.WriteControl(websocket.PingMessage, nil, v.deadline()); err != nil {
				v.logWriteError("ping", err)
				return
			}
		case <-v.readDone:
			return
		}
	}
}

func (v *viewer) write(messageType int, data []byte) error {
	if err := v.conn.SetWriteDeadline(v.deadline()); err != nil {
		return err
	}
	if err := v.conn.WriteMessage(messageType, data); err != nil {
		v.logWriteError("frame", err)
		return err
	}
	return nil
}

// sendClose writes a close frame and waits briefly for the peer to
// answer so the close handshake completes.
func (v *viewer) sendClose(reason string) {
	message := websocket.FormatCloseMessage(closeCode(reason), reason)
	if err := v.conn.WriteControl(websocket.CloseMessage, message, v.deadline()); err != nil {
		v.logWriteError("close", err)
		return
	}
	select {
	case <-v.readDone:
	case <-v.clock.After(v.limits.WriteTimeout):
	}
}

// deadline bounds one network write. Socket deadlines are wall-clock
// instants, so it uses the time package directly.
func (v *viewer) deadline() time.Time {
	return time.Now().Add(v.limits.WriteTimeout)
}

func (v *viewer) logWriteError(what string, err error) {
	if netutil.IsExpectedCloseError(err) {
		return
	}
	v.logger.Debug("viewer write failed", "session_id", v.sessionID, "write", what, "error", err)
}
