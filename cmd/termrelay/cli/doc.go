// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the termrelay CLI: a tree of
// commands with pflag flag sets, typo suggestions for unknown commands
// and flags, and categorized errors whose category selects the exit
// status.
package cli
