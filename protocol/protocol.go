// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON frames exchanged with viewers.
//
// Every frame is a JSON object with a "type" field. After a viewer
// connects the server sends, in order:
//
//  1. welcome: {type, sessionId, clientId}
//  2. session-state: {type, sessionId, repoPath, createdAt,
//     approvalMode, model, closed}
//  3. every buffered session event (see transcript.Event)
//  4. live events as they are recorded
//
// Viewers send input frames ({type:"input", data, author?, at?}) and
// signal frames ({type:"signal", signal?}). Problems with a viewer's
// own frames are answered with an error frame ({type:"error",
// message}) sent to that viewer only.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bureau-foundation/termrelay/transcript"
)

// Frame types that are not transcript event types.
const (
	TypeWelcome      = "welcome"
	TypeSessionState = "session-state"
	TypeError        = "error"
	TypeInput        = "input"
	TypeSignal       = "signal"
)

// Messages of viewer-local error frames.
const (
	MessageInvalidJSON = "Invalid JSON payload"
	MessageUnknownType = "Unknown message type"
)

// WebSocket close reasons.
const (
	CloseSessionIDRequired = "session-id-required"
	CloseSessionNotFound   = "session-not-found"
	CloseSessionEnded      = "session-ended"
	CloseViewerBacklog     = "viewer-backlog"
	CloseServerShutdown    = "server-shutdown"
)

var (
	// ErrInvalidJSON is returned by DecodeClientFrame for payloads that
	// are not a JSON object.
	ErrInvalidJSON = errors.New(MessageInvalidJSON)

	// ErrUnknownType is returned by DecodeClientFrame for objects whose
	// type is neither input nor signal.
	ErrUnknownType = errors.New(MessageUnknownType)
)

// Welcome is the first frame a viewer receives.
type Welcome struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

// SessionState is a snapshot of session metadata.
type SessionState struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sessionId"`
	RepoPath     string    `json:"repoPath"`
	CreatedAt    time.Time `json:"createdAt"`
	ApprovalMode string    `json:"approvalMode,omitempty"`
	Model        string    `json:"model,omitempty"`
	Closed       bool      `json:"closed"`
}

// ErrorFrame reports a problem with the viewer's own frame.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientFrame is a frame sent by a viewer. Data, Author, and At apply
// to input; Signal applies to signal.
type ClientFrame struct {
	Type   string    `json:"type"`
	Data   *string   `json:"data,omitempty"`
	Author string    `json:"author,omitempty"`
	At     time.Time `json:"at,omitzero"`
	Signal string    `json:"signal,omitempty"`
}

// ServerFrame is the union of every frame the server sends, for
// clients that decode the stream.
type ServerFrame struct {
	transcript.Event
	ClientID  string    `json:"clientId,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	Closed    bool      `json:"closed,omitempty"`
}

// EncodeWelcome returns the welcome frame.
func EncodeWelcome(sessionID, clientID string) []byte {
	return mustMarshal(Welcome{Type: TypeWelcome, SessionID: sessionID, ClientID: clientID})
}

// EncodeSessionState returns a session-state frame. The Type field
// of state is overwritten.
func EncodeSessionState(state SessionState) []byte {
	state.Type = TypeSessionState
	return mustMarshal(state)
}

// EncodeError returns a viewer-local error frame.
func EncodeError(message string) []byte {
	return mustMarshal(ErrorFrame{Type: TypeError, Message: message})
}

// EncodeEvent returns the frame broadcasting event.
func EncodeEvent(event transcript.Event) []byte {
	return mustMarshal(event)
}

// DecodeClientFrame parses a viewer frame, returning ErrInvalidJSON
// or ErrUnknownType when it cannot be dispatched.
//
// An "at" that is neither an RFC 3339 string nor Unix milliseconds is
// ignored, leaving At zero so the server stamps the input.
func DecodeClientFrame(payload []byte) (ClientFrame, error) {
	var wire struct {
		ClientFrame
		At json.RawMessage `json:"at"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ClientFrame{}, ErrInvalidJSON
	}
	frame := wire.ClientFrame
	frame.At = parseTimestamp(wire.At)
	switch frame.Type {
	case TypeInput, TypeSignal:
		return frame, nil
	}
	return frame, ErrUnknownType
}

// parseTimestamp accepts an RFC 3339 string or a number of Unix
// milliseconds, and returns the zero time for anything else.
func parseTimestamp(raw json.RawMessage) time.Time {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if at, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return at
		}
		return time.Time{}
	}
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis).UTC()
	}
	return time.Time{}
}

// DecodeServerFrame parses a server frame.
func DecodeServerFrame(payload []byte) (ServerFrame, error) {
	var frame ServerFrame
	err := json.Unmarshal(payload, &frame)
	return frame, err
}

// mustMarshal encodes values whose types cannot fail to marshal.
func mustMarshal(value any) []byte {
	data, err := json.Marshal(value)
	if err != nil {
		panic("protocol: marshal " + err.Error())
	}
	return data
}
