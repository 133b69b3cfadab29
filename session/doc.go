// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session multiplexes interactive terminal programs to remote
// viewers.
//
// A [Manager] creates sessions: it builds the command line and
// environment, spawns the program on a PTY, and registers the result.
// Each [Session] records what happens to it as transcript events:
// output, input, and the final exit. Recording an event appends it to a
// bounded replay history, queues it for the transcript store, and
// broadcasts it to every attached [Viewer].
//
// The session mutex is the only serialization point. Recording and
// attaching both hold it, so a viewer that attaches while output is
// flowing receives every event exactly once: either in its replay or
// live, never both and never neither. History order, replay order,
// broadcast order, and persistence submission order are all the single
// order in which events were recorded.
//
// Persistence runs on a per-session goroutine. Callers never wait for
// the store, and store failures are logged and dropped.
package session
