// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/bureau-foundation/termrelay/client"
)

// ErrorCategory classifies command errors so scripts can react to the
// exit status without parsing messages.
type ErrorCategory string

const (
	// CategoryValidation: the arguments are wrong. Fix them and retry.
	CategoryValidation ErrorCategory = "validation"

	// CategoryNotFound: the named session does not exist.
	CategoryNotFound ErrorCategory = "not_found"

	// CategoryConflict: the session is in the wrong state, e.g. closed.
	CategoryConflict ErrorCategory = "conflict"

	// CategoryTransient: the server could not be reached or is shutting
	// down. Retrying may help.
	CategoryTransient ErrorCategory = "transient"

	// CategoryInternal: anything else.
	CategoryInternal ErrorCategory = "internal"
)

// exitCodes maps categories to process exit statuses.
var exitCodes = map[ErrorCategory]int{
	CategoryValidation: 2,
	CategoryNotFound:   3,
	CategoryConflict:   4,
	CategoryTransient:  5,
	CategoryInternal:   1,
}

// ToolError is a categorized command error.
type ToolError struct {
	Category ErrorCategory
	Err      error

	// Hint is printed after the message, separated by a blank line.
	Hint string
}

func (e *ToolError) Error() string {
	if e.Hint == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + "\n\n" + e.Hint
}

func (e *ToolError) Unwrap() error { return e.Err }

// ExitCode returns the category's exit status.
func (e *ToolError) ExitCode() int {
	if code, ok := exitCodes[e.Category]; ok {
		return code
	}
	return 1
}

// WithHint sets the hint and returns e.
func (e *ToolError) WithHint(hint string) *ToolError {
	e.Hint = hint
	return e
}

// Validation creates a validation error.
func Validation(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryNotFound, Err: fmt.Errorf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryConflict, Err: fmt.Errorf(format, args...)}
}

// Transient creates a transient error.
func Transient(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryTransient, Err: fmt.Errorf(format, args...)}
}

// Internal creates an internal error.
func Internal(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryInternal, Err: fmt.Errorf(format, args...)}
}

// Classify wraps an error returned by the client in the matching
// category. Errors that are already categorized pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return err
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return &ToolError{Category: CategoryNotFound, Err: err}
		case apiErr.StatusCode == http.StatusConflict:
			return &ToolError{Category: CategoryConflict, Err: err}
		case apiErr.StatusCode == http.StatusServiceUnavailable:
			return &ToolError{Category: CategoryTransient, Err: err}
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return &ToolError{Category: CategoryValidation, Err: err}
		}
		return &ToolError{Category: CategoryInternal, Err: err}
	}
	var netErr net.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.As(err, &netErr) {
		return (&ToolError{Category: CategoryTransient, Err: err}).
			WithHint("Is termrelay-server running? Set --server or TERMRELAY_URL to its address.")
	}
	return &ToolError{Category: CategoryInternal, Err: err}
}
