// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Termrelay is the command-line client for termrelay-server.
package main

import (
	"os"

	"github.com/bureau-foundation/termrelay/lib/process"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal("termrelay", err)
	}
}

func run(args []string) error {
	return root(os.Stdin, os.Stdout, os.Stderr).Execute(args)
}
