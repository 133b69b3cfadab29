// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for termrelay binaries:
// reporting an error that escaped run() before or after the structured
// logger exists, and exiting with the right status.
package process
