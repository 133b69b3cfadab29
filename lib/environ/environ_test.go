// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package environ

import (
	"reflect"
	"testing"
)

func TestStackLaterLayerWins(t *testing.T) {
	t.Parallel()
	base := map[string]string{"A": "1", "PFX_B": "2"}

	var stack Stack
	stack.Push("base", WithoutPrefix(base, "PFX_"))
	stack.Push("passthrough", StripPrefix(base, "PFX_"))
	additional, err := ParseJSON(`{"C":"3"}`)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	stack.Push("additional", additional)
	stack.Push("request", map[string]string{"C": "4"})

	want := map[string]string{"A": "1", "B": "2", "C": "4"}
	if got := stack.Resolve(); !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve() = %v, want %v", got, want)
	}
	wantList := []string{"A=1", "B=2", "C=4"}
	if got := stack.Environ(); !reflect.DeepEqual(got, wantList) {
		t.Errorf("Environ() = %v, want %v", got, wantList)
	}

	origins := map[string]string{"A": "base", "B": "passthrough", "C": "request", "PFX_B": "", "D": ""}
	for key, want := range origins {
		if got := stack.Origin(key); got != want {
			t.Errorf("Origin(%q) = %q, want %q", key, got, want)
		}
	}
	if value, ok := stack.Lookup("C"); !ok || value != "4" {
		t.Errorf("Lookup(C) = %q, %v, want 4, true", value, ok)
	}
}

func TestStackEmpty(t *testing.T) {
	t.Parallel()
	var stack Stack
	stack.Push("nil", nil)
	if got := stack.Resolve(); len(got) != 0 {
		t.Errorf("Resolve() = %v, want empty", got)
	}
	if got := stack.Environ(); len(got) != 0 {
		t.Errorf("Environ() = %v, want empty", got)
	}
	if len(stack.Layers()) != 1 {
		t.Errorf("Layers() length = %d, want 1", len(stack.Layers()))
	}
}

func TestFromList(t *testing.T) {
	t.Parallel()
	got := FromList([]string{"A=1", "B=x=y", "C=", "=bad", "noequals", "A=2"})
	want := map[string]string{"A": "2", "B": "x=y", "C": ""}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FromList = %v, want %v", got, want)
	}
}

func TestStripPrefixSkipsBareKey(t *testing.T) {
	t.Parallel()
	got := StripPrefix(map[string]string{"CODEX_ENV_": "x", "CODEX_ENV_TOKEN": "t", "HOME": "/h"}, "CODEX_ENV_")
	want := map[string]string{"TOKEN": "t"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("StripPrefix = %v, want %v", got, want)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		payload string
		want    map[string]string
		wantErr bool
	}{
		{name: "empty", payload: "  ", want: nil},
		{name: "strings", payload: `{"A":"1","B":"two"}`, want: map[string]string{"A": "1", "B": "two"}},
		{name: "scalars", payload: `{"N": 42, "F": 1.5, "T": true, "Z": null}`, want: map[string]string{"N": "42", "F": "1.5", "T": "true"}},
		{name: "comments", payload: "{\n// token\n\"A\": \"1\",\n}", want: map[string]string{"A": "1"}},
		{name: "nested", payload: `{"A":{"b":1}}`, wantErr: true},
		{name: "array top level", payload: `["A"]`, wantErr: true},
		{name: "invalid", payload: `{not json`, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseJSON(test.payload)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseJSON(%q) = %v, want error", test.payload, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseJSON(%q): %v", test.payload, err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("ParseJSON(%q) = %v, want %v", test.payload, got, test.want)
			}
		})
	}
}
