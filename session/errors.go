// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"

	"github.com/bureau-foundation/termrelay/terminal"
)

var (
	// ErrSessionNotFound is returned for ids the manager does not hold.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned by SendInput once a session has been
	// closed or its program has exited.
	ErrSessionClosed = errors.New("session closed")

	// ErrEmptyInput is returned by SendInput when Data is empty.
	ErrEmptyInput = errors.New("input payload must include data string")

	// ErrShuttingDown is returned by Create after Shutdown has begun.
	ErrShuttingDown = errors.New("session manager is shutting down")
)

// SpawnError is returned by Create when the program cannot be started.
type SpawnError = terminal.SpawnError
