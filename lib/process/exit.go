// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ExitCoder is implemented by errors that carry their own exit status.
type ExitCoder interface {
	ExitCode() int
}

// Fatal prints "<binary>: error: <err>" to stderr and exits. Errors
// implementing ExitCoder choose the status; everything else exits 1.
func Fatal(binary string, err error) {
	fmt.Fprintf(os.Stderr, "%s: error: %v\n", binary, err)
	os.Exit(ExitCode(err))
}

// ExitCode returns the status Fatal would exit with.
func ExitCode(err error) int {
	var coder ExitCoder
	if errors.As(err, &coder) {
		if code := coder.ExitCode(); code != 0 {
			return code
		}
	}
	return 1
}
