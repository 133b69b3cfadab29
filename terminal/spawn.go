// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Spec describes the program to start.
type Spec struct {
	// Executable is a bare name resolved against the PATH in Env, or a
	// path (absolute or relative to Dir).
	Executable string
	Args       []string

	// Dir is the working directory. It must exist.
	Dir string

	// Env is the complete environment in KEY=VALUE form. The server's
	// own environment is not inherited.
	Env []string

	// Columns and Rows set the initial window size. Zero means 80x24.
	Columns int
	Rows    int

	// TermName, when set, is exported as TERM and replaces any TERM in
	// Env.
	TermName string
}

// SpawnError reports that a program could not be started. Executable
// and Dir identify the request; Err is the underlying cause.
type SpawnError struct {
	Executable string
	Dir        string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q in %q: %v", e.Executable, e.Dir, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrNotDirectory is wrapped by SpawnError when Spec.Dir exists but is
// not a directory.
var ErrNotDirectory = errors.New("working directory is not a directory")

// resolveExecutable applies exec.LookPath semantics to name, but reads
// PATH from the child's environment instead of the server's.
func resolveExecutable(name, dir string, env []string) (string, error) {
	if name == "" {
		return "", errors.New("executable is empty")
	}
	if strings.Contains(name, "/") {
		candidate := name
		if !filepath.IsAbs(candidate) && dir != "" {
			candidate = filepath.Join(dir, candidate)
		}
		if err := checkExecutable(candidate); err != nil {
			return "", err
		}
		return candidate, nil
	}

	pathValue := ""
	for _, entry := range env {
		if value, ok := strings.CutPrefix(entry, "PATH="); ok {
			pathValue = value
		}
	}
	for _, directory := range filepath.SplitList(pathValue) {
		if directory == "" {
			directory = "."
		}
		candidate := filepath.Join(directory, name)
		if !filepath.IsAbs(candidate) && dir != "" {
			candidate = filepath.Join(dir, candidate)
		}
		if checkExecutable(candidate) == nil {
			return candidate, nil
		}
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return &fs.PathError{Op: "exec", Path: path, Err: fs.ErrPermission}
	}
	return nil
}

func checkDirectory(dir string) error {
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	}
	return nil
}

// childEnvironment returns env with TERM replaced by termName.
func childEnvironment(env []string, termName string) []string {
	if termName == "" {
		return append([]string(nil), env...)
	}
	result := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, "TERM=") {
			continue
		}
		result = append(result, entry)
	}
	return append(result, "TERM="+termName)
}
