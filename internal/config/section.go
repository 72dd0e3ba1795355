// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ValidationState tracks where a section is in its lifecycle. Sections are
// validated exactly once, at load time.
type ValidationState int

const (
	NeedsValidation ValidationState = iota
	Valid
	Invalid
)

func (s ValidationState) String() string {
	switch s {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "needs validation"
	}
}

// Message is one finding from validation, kept on the section so the
// launcher can log it with the right level and config name.
type Message struct {
	Level slog.Level
	Text  string
}

// Section is one block of the effective configuration: the global block,
// the defaults block, or a single virtualization source. Keys are
// lower-case; values keep their case.
type Section struct {
	Name string

	state    ValidationState
	values   map[string]string
	messages []Message
}

func NewSection(name string) *Section {
	return &Section{Name: name, values: make(map[string]string)}
}

// Set stores a value, overwriting any previous one. Keys are normalized to
// lower case the way INI parsers treat them.
func (s *Section) Set(key, value string) {
	s.values[strings.ToLower(strings.TrimSpace(key))] = value
}

// Delete removes a key, if present.
func (s *Section) Delete(key string) {
	delete(s.values, strings.ToLower(key))
}

// Get returns the raw string value for the key.
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.values[strings.ToLower(key)]
	return v, ok
}

// Has reports whether the key is set, even to an empty string.
func (s *Section) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// String returns the value for the key, or def when unset.
func (s *Section) String(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Bool parses the value as a boolean. Accepted spellings are 1, true, yes,
// on and 0, false, no, off, case-insensitive.
func (s *Section) Bool(key string, def bool) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	return ParseBool(v)
}

// Int parses the value as an integer.
func (s *Section) Int(key string, def int) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("option %s=%q is not an integer", key, v)
	}
	return n, nil
}

// List parses the value as a pattern list: either a JSON-style bracketed
// array or a comma-separated string. Items are trimmed and empty items
// dropped.
func (s *Section) List(key string) []string {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	return ParseList(v)
}

// Keys returns the option names set on this section, sorted.
func (s *Section) Keys() []string {
	return sortedKeys(s.values)
}

// Len returns the number of options set.
func (s *Section) Len() int {
	return len(s.values)
}

// Type returns the source type, normalized through the accepted aliases.
func (s *Section) Type() string {
	typ := strings.ToLower(strings.TrimSpace(s.String("type", "")))
	if canonical, ok := typeAliases[typ]; ok {
		return canonical
	}
	return typ
}

// State returns the validation state.
func (s *Section) State() ValidationState {
	return s.state
}

// Messages returns the findings collected during validation.
func (s *Section) Messages() []Message {
	return s.messages
}

func (s *Section) warnf(format string, args ...any) {
	s.messages = append(s.messages, Message{Level: slog.LevelWarn, Text: fmt.Sprintf(format, args...)})
}

func (s *Section) errorf(format string, args ...any) {
	s.messages = append(s.messages, Message{Level: slog.LevelError, Text: fmt.Sprintf(format, args...)})
}

// update merges the other map into this section, later values winning.
func (s *Section) update(values map[string]string) {
	for k, v := range values {
		s.Set(k, v)
	}
}

// ParseBool parses the boolean spellings accepted in config files.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized boolean value %q", value)
	}
}

// ParseList splits a config value into items. A value starting with "[" is
// decoded as a JSON array first; anything else is split on commas.
func ParseList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []string
		if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
			out := make([]string, 0, len(items))
			for _, item := range items {
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			}
			return out
		}
	}
	var out []string
	for part := range strings.SplitSeq(trimmed, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
