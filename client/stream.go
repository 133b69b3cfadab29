// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/termrelay/lib/netutil"
	"github.com/bureau-foundation/termrelay/protocol"
)

// streamWriteTimeout bounds one frame write to the server.
const streamWriteTimeout = 10 * time.Second

// ClosedError reports that the server closed the stream. Reason is
// one of the protocol.Close* values.
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("stream closed (%d)", e.Code)
	}
	return fmt.Sprintf("stream closed: %s (%d)", e.Reason, e.Code)
}

// Stream is an attached viewer connection. Next must be called from a
// single goroutine; the Send methods may be called concurrently with
// it and with each other.
type Stream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Attach opens a viewer stream for session id. The first frames
// returned by Next are welcome, session-state, and the replayed
// history.
func (c *Client) Attach(ctx context.Context, id string) (*Stream, error) {
	target := *c.base
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path += "/ws"
	target.RawQuery = url.Values{"sessionId": {id}}.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultTimeout,
	}
	conn, response, err := dialer.DialContext(ctx, target.String(), nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target.Redacted(), err)
	}
	return &Stream{conn: conn}, nil
}

// Next returns the next server frame. When the server closes the
// stream it returns a *ClosedError.
func (s *Stream) Next() (protocol.ServerFrame, error) {
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return protocol.ServerFrame{}, &ClosedError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return protocol.ServerFrame{}, err
	}
	frame, err := protocol.DecodeServerFrame(payload)
	if err != nil {
		return protocol.ServerFrame{}, fmt.Errorf("decoding frame: %w", err)
	}
	return frame, nil
}

// SendInput types data into the session. author may be empty.
func (s *Stream) SendInput(data, author string) error {
	return s.writeJSON(protocol.ClientFrame{Type: protocol.TypeInput, Data: &data, Author: author})
}

// SendSignal delivers a signal to the session's program. An empty
// name sends SIGINT.
func (s *Stream) SendSignal(name string) error {
	return s.writeJSON(protocol.ClientFrame{Type: protocol.TypeSignal, Signal: name})
}

func (s *Stream) writeJSON(frame protocol.ClientFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(frame)
}

// Close detaches from the session. The session keeps running.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(streamWriteTimeout))
	s.writeMu.Unlock()
	closeErr := s.conn.Close()
	if err != nil && !netutil.IsExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}
