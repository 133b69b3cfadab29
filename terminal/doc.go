// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package terminal runs one program on a pseudo-terminal and turns it
// into a stream of events.
//
// A [Process] owns three goroutines: a reader copying PTY output into
// [Event] values, a waiter reaping the child, and a writer draining
// queued input. Consumers read [Process.Events] until it closes. The
// last event on the channel is always the single exit event, and all
// output read before the child exited precedes it.
//
// If a background grandchild keeps the PTY slave open after the child
// exits, the reader may never see EOF. The waiter then gives the reader
// [DefaultDrainGrace] to finish before it abandons remaining output and
// emits the exit anyway.
//
// [Process.Write], [Process.Resize], and [Process.Signal] never block on
// the child and are silent no-ops once it has exited.
package terminal
