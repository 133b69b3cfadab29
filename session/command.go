// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/termrelay/lib/environ"
)

// Environment variables read from the server's environment when
// building a session's command.
const (
	// PassthroughPrefix marks variables forwarded to the program with
	// the prefix removed: CODEX_ENV_TOKEN=x becomes TOKEN=x.
	PassthroughPrefix = "CODEX_ENV_"

	// AdditionalEnvVariable holds a JSON object of extra variables.
	AdditionalEnvVariable = "CODEX_ADDITIONAL_ENV"

	// ExecutableVariable names the program when neither the request
	// nor the configuration does.
	ExecutableVariable = "CODEX_EXECUTABLE"
)

const (
	// DefaultExecutable is the last resort, resolved against PATH.
	DefaultExecutable = "codex"

	// DefaultBundledExecutable is checked relative to the server's
	// working directory before falling back to DefaultExecutable.
	DefaultBundledExecutable = "node_modules/.bin/codex"
)

// Approval modes accepted by the program.
const (
	ApprovalSuggest  = "suggest"
	ApprovalAutoEdit = "auto-edit"
	ApprovalFullAuto = "full-auto"
)

var approvalAliases = map[string]string{
	"suggest":   ApprovalSuggest,
	"read-only": ApprovalSuggest,
	"read_only": ApprovalSuggest,
	"auto-edit": ApprovalAutoEdit,
	"auto":      ApprovalAutoEdit,
	"full-auto": ApprovalFullAuto,
	"full":      ApprovalFullAuto,
}

// Request describes a session to create. Every field is optional.
type Request struct {
	RepoPath       string          `json:"repoPath,omitempty"`
	Command        *CommandRequest `json:"command,omitempty"`
	ApprovalMode   string          `json:"approvalMode,omitempty"`
	Model          string          `json:"model,omitempty"`
	InitialMessage string          `json:"initialMessage,omitempty"`
}

// CommandRequest overrides parts of the configured command. Args
// replaces the configured arguments rather than extending them; Env is
// layered over the configured environment.
type CommandRequest struct {
	Executable string            `json:"executable,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// CommandDefaults is the configured command that requests override.
type CommandDefaults struct {
	Executable   string
	Args         []string
	Env          map[string]string
	ApprovalMode string
	Model        string
}

// CanonicalApprovalMode maps an approval mode or alias, in any case,
// to its canonical name. Unknown and empty modes return "".
func CanonicalApprovalMode(mode string) string {
	return approvalAliases[strings.ToLower(strings.TrimSpace(mode))]
}

// resolveRepoPath picks the program's working directory: the requested
// path if it is a directory, else the configured default if it is one,
// else workingDirectory. Relative paths resolve against
// workingDirectory. It never fails.
func resolveRepoPath(requested, fallback, workingDirectory string) string {
	for _, candidate := range []string{strings.TrimSpace(requested), strings.TrimSpace(fallback)} {
		if candidate == "" {
			continue
		}
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(workingDirectory, candidate)
		}
		candidate = filepath.Clean(candidate)
		if isDirectory(candidate) {
			return candidate
		}
	}
	return workingDirectory
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// resolveExecutable picks the program: an explicit name, then
// CODEX_EXECUTABLE from base, then the bundled path if it exists, then
// DefaultExecutable.
func resolveExecutable(explicit string, base map[string]string, workingDirectory, bundled string) string {
	if trimmed := strings.TrimSpace(explicit); trimmed != "" {
		return trimmed
	}
	if fromEnvironment := strings.TrimSpace(base[ExecutableVariable]); fromEnvironment != "" {
		return fromEnvironment
	}
	if bundled == "" {
		bundled = DefaultBundledExecutable
	}
	if !filepath.IsAbs(bundled) {
		bundled = filepath.Join(workingDirectory, bundled)
	}
	if _, err := os.Stat(bundled); err == nil {
		return bundled
	}
	return DefaultExecutable
}

// buildArgs appends the approval-mode and model flags to args.
func buildArgs(args []string, approvalMode, model string) []string {
	result := append([]string{}, args...)
	if approvalMode != "" {
		result = append(result, "--approval-mode", approvalMode)
	}
	if model != "" {
		result = append(result, "--model", model)
	}
	return result
}

// buildEnvironment layers, lowest first: the server environment without
// passthrough variables, the passthrough variables with their prefix
// removed, the CODEX_ADDITIONAL_ENV payload, the configured command
// environment, and the request's environment. An unparseable payload
// is logged and skipped.
func buildEnvironment(base map[string]string, configured, requested map[string]string, logger *slog.Logger) *environ.Stack {
	var stack environ.Stack
	stack.Push("server", environ.WithoutPrefix(base, PassthroughPrefix))
	stack.Push("passthrough", environ.StripPrefix(base, PassthroughPrefix))

	additional, err := environ.ParseJSON(base[AdditionalEnvVariable])
	if err != nil {
		logger.Warn("ignoring invalid "+AdditionalEnvVariable+" payload", "error", err)
		additional = nil
	}
	stack.Push("additional", additional)
	stack.Push("configured", configured)
	stack.Push("request", requested)
	return &stack
}

func normalizeModel(model string) string {
	return strings.TrimSpace(model)
}
