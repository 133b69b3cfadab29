// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package environ builds subprocess environments from ordered layers.
//
// A [Stack] holds named layers; a key set by a later layer overrides
// the same key from every earlier one. [Stack.Origin] reports which
// layer won for a key, so the session manager can log where a value
// came from without logging the value itself.
//
//	var stack environ.Stack
//	stack.Push("base", environ.WithoutPrefix(environ.FromList(os.Environ()), "CODEX_ENV_"))
//	stack.Push("passthrough", environ.StripPrefix(environ.FromList(os.Environ()), "CODEX_ENV_"))
//	stack.Push("request", request.Env)
//	cmd.Env = stack.Environ()
package environ

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Layer is one named set of variables.
type Layer struct {
	Name   string
	Values map[string]string
}

// Stack is an ordered list of layers. The zero value is empty and
// ready to use.
type Stack struct {
	layers []Layer
}

// Push appends a layer above every existing one. Nil and empty maps
// are recorded but contribute nothing.
func (s *Stack) Push(name string, values map[string]string) {
	s.layers = append(s.layers, Layer{Name: name, Values: values})
}

// Layers returns the layers bottom to top.
func (s *Stack) Layers() []Layer {
	return append([]Layer(nil), s.layers...)
}

// Resolve flattens the stack into one map.
func (s *Stack) Resolve() map[string]string {
	merged := make(map[string]string)
	for _, layer := range s.layers {
		for key, value := range layer.Values {
			merged[key] = value
		}
	}
	return merged
}

// Lookup returns the resolved value of key.
func (s *Stack) Lookup(key string) (string, bool) {
	for index := len(s.layers) - 1; index >= 0; index-- {
		if value, ok := s.layers[index].Values[key]; ok {
			return value, true
		}
	}
	return "", false
}

// Origin returns the name of the topmost layer defining key, or "" if
// no layer does.
func (s *Stack) Origin(key string) string {
	for index := len(s.layers) - 1; index >= 0; index-- {
		if _, ok := s.layers[index].Values[key]; ok {
			return s.layers[index].Name
		}
	}
	return ""
}

// Environ returns the resolved stack as sorted KEY=VALUE strings, the
// form exec.Cmd.Env takes.
func (s *Stack) Environ() []string {
	merged := s.Resolve()
	result := make([]string, 0, len(merged))
	for key, value := range merged {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result
}

// FromList parses KEY=VALUE strings as returned by os.Environ. Entries
// without '=' or with an empty key are skipped. Later duplicates win.
func FromList(list []string) map[string]string {
	values := make(map[string]string, len(list))
	for _, entry := range list {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		values[key] = value
	}
	return values
}

// WithoutPrefix returns a copy of values with every key starting with
// prefix removed.
func WithoutPrefix(values map[string]string, prefix string) map[string]string {
	result := make(map[string]string, len(values))
	for key, value := range values {
		if strings.HasPrefix(key, prefix) {
			continue
		}
		result[key] = value
	}
	return result
}

// StripPrefix returns the keys of values that start with prefix, with
// the prefix removed. A key equal to the prefix would become empty and
// is skipped.
func StripPrefix(values map[string]string, prefix string) map[string]string {
	result := make(map[string]string)
	for key, value := range values {
		stripped, ok := strings.CutPrefix(key, prefix)
		if !ok || stripped == "" {
			continue
		}
		result[stripped] = value
	}
	return result
}

// ParseJSON parses a JSON object of variables. Comments and trailing
// commas are accepted. Non-string scalar values are stringified
// (numbers keep their literal form, booleans become "true"/"false");
// null values are skipped. Arrays and objects are an error.
func ParseJSON(payload string) (map[string]string, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON([]byte(payload)), &raw); err != nil {
		return nil, fmt.Errorf("environ: parsing JSON object: %w", err)
	}
	values := make(map[string]string, len(raw))
	for key, message := range raw {
		value, keep, err := scalarString(message)
		if err != nil {
			return nil, fmt.Errorf("environ: value of %q: %w", key, err)
		}
		if keep {
			values[key] = value
		}
	}
	return values, nil
}

func scalarString(message json.RawMessage) (string, bool, error) {
	trimmed := strings.TrimSpace(string(message))
	if trimmed == "" || trimmed == "null" {
		return "", false, nil
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(message, &text); err != nil {
			return "", false, err
		}
		return text, true, nil
	case 't', 'f':
		value, err := strconv.ParseBool(trimmed)
		if err != nil {
			return "", false, err
		}
		return strconv.FormatBool(value), true, nil
	case '{', '[':
		return "", false, fmt.Errorf("must be a string, number, or boolean")
	}
	var number json.Number
	if err := json.Unmarshal(message, &number); err != nil {
		return "", false, err
	}
	return number.String(), true, nil
}
