// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Termrelay-server runs interactive programs in pseudo-terminals and
// shares each one with any number of WebSocket viewers.
//
// It serves the session API under /api and viewer connections at /ws,
// and records every session event to the configured transcript backend
// (memory, a PostgREST table, or a local SQLite file).
//
// Usage:
//
//	termrelay-server [--config path] [--listen addr] [--log-level level]
//
// On SIGINT or SIGTERM it stops accepting sessions, terminates running
// programs, waits for their transcripts to be written, and exits.
package main
