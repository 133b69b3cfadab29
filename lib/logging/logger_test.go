// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "", want: slog.LevelInfo},
		{input: "debug", want: slog.LevelDebug},
		{input: "INFO", want: slog.LevelInfo},
		{input: " warn ", want: slog.LevelWarn},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "verbose", wantErr: true},
	}
	for _, test := range tests {
		got, err := ParseLevel(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", test.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}

func TestNewWriterEmitsJSON(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	logger := NewWriter(&buffer, slog.LevelInfo)
	logger.Debug("dropped")
	logger.Info("session created", "session_id", "abc")

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log record %q: %v", buffer.String(), err)
	}
	if record["msg"] != "session created" {
		t.Errorf("msg = %v, want %q", record["msg"], "session created")
	}
	if record["session_id"] != "abc" {
		t.Errorf("session_id = %v, want %q", record["session_id"], "abc")
	}
}

func TestOrDiscard(t *testing.T) {
	t.Parallel()
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	logger := Discard()
	if OrDiscard(logger) != logger {
		t.Fatal("OrDiscard replaced a non-nil logger")
	}
}
