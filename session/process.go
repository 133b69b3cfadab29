// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"

	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/terminal"
)

// Process is the session's view of a running program. *terminal.Process
// implements it; tests substitute a fake.
type Process interface {
	// Events delivers output chunks and then exactly one exit event,
	// after which it closes.
	Events() <-chan terminal.Event
	Write(data []byte)
	Resize(columns, rows int) error
	Signal(name string) error
	Kill() error
}

// SpawnFunc starts a Process.
type SpawnFunc func(spec terminal.Spec) (Process, error)

// PTYSpawner returns a SpawnFunc running programs on real PTYs.
func PTYSpawner(clk clock.Clock, logger *slog.Logger) SpawnFunc {
	spawner := terminal.Spawner{Clock: clk, Logger: logger}
	return func(spec terminal.Spec) (Process, error) {
		process, err := spawner.Spawn(spec)
		if err != nil {
			return nil, err
		}
		return process, nil
	}
}

// Viewer receives a session's frames. Send must not block: the session
// calls it while holding its lock. Close ends the viewer's connection
// with reason; it is called at most once per attach, also under the
// lock, and must not call back into the session synchronously.
type Viewer interface {
	Send(frame []byte)
	Close(reason string)
}
