// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transcript defines session events and the storage contract
// for recording them.
//
// Every event a session records is appended to a [Store] in the order
// the session recorded it. Stores are append-only: there is no update
// or delete. [MemoryStore] keeps transcripts in process; the remote and
// sqlitestore subpackages persist them.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType names the kind of an Event.
type EventType string

const (
	SessionCreated EventType = "session-created"
	Stdout         EventType = "stdout"
	Stdin          EventType = "stdin"
	SignalAck      EventType = "signal-ack"
	Exit           EventType = "exit"
	Error          EventType = "error"
)

// Event is one recorded session event. Which payload fields are set
// depends on Type:
//
//   - session-created: SessionID, RepoPath, ApprovalMode, Model
//   - stdout: Data
//   - stdin: Data, Author
//   - signal-ack: Signal
//   - exit: Code, or Signal when the child was killed by a signal
//   - error: Message
//
// The JSON form is the wire form sent to viewers and HTTP clients.
type Event struct {
	Type         EventType `json:"type"`
	Data         string    `json:"data,omitempty"`
	Code         *int      `json:"code,omitempty"`
	Signal       *string   `json:"signal,omitempty"`
	Author       string    `json:"author,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	RepoPath     string    `json:"repoPath,omitempty"`
	ApprovalMode string    `json:"approvalMode,omitempty"`
	Model        string    `json:"model,omitempty"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// Store records and returns session transcripts.
//
// Append must be safe for concurrent use across sessions. Within one
// session the caller submits events in order, one at a time, and the
// store must preserve that order in Transcript. Append failures are
// *StorageError.
//
// Transcript returns every event appended for sessionID in append
// order, or an empty non-nil slice if there are none.
type Store interface {
	Append(ctx context.Context, sessionID string, event Event) error
	Transcript(ctx context.Context, sessionID string) ([]Event, error)
}

// Lister is implemented by stores that can enumerate the sessions
// they hold, including sessions from before the server last started.
type Lister interface {
	// SessionIDs returns session ids, most recently started first.
	SessionIDs(ctx context.Context) ([]string, error)
}

// StorageError reports a failed store operation.
type StorageError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("transcript %s for session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var storageError *StorageError
	return errors.As(err, &storageError)
}
