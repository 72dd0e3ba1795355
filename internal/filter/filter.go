// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package filter matches hypervisor identifiers against include and exclude
// pattern lists from the configuration.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects how filter patterns are interpreted.
type Mode int

const (
	// ModeAuto tries each pattern as a shell-style glob first and as a
	// regular expression second. This is the behavior when filter_type is
	// not set.
	ModeAuto Mode = iota
	// ModeWildcards interprets patterns as shell-style globs (*, ?, [seq]).
	ModeWildcards
	// ModeRegex interprets patterns as regular expressions.
	ModeRegex
)

// ParseMode maps the filter_type config value to a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return ModeAuto, nil
	case "wildcards":
		return ModeWildcards, nil
	case "regex":
		return ModeRegex, nil
	default:
		return ModeAuto, fmt.Errorf("unsupported filter_type %q, expected \"wildcards\" or \"regex\"", value)
	}
}

// pattern is one compiled filter entry. In auto mode both interpretations
// are kept and either may match.
type pattern struct {
	wildcard *regexp.Regexp
	regex    *regexp.Regexp
}

func (p pattern) match(s string) bool {
	if p.wildcard != nil && p.wildcard.MatchString(s) {
		return true
	}
	return p.regex != nil && p.regex.MatchString(s)
}

// Matcher is a compiled list of patterns. Matching is case-insensitive and
// anchored: the whole identifier must match one of the patterns.
type Matcher struct {
	patterns []pattern
}

func anchored(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)^(?:" + expr + ")$")
}

// Compile builds a matcher for the given patterns in the given mode. In
// regex mode an invalid pattern is an error; in auto mode a pattern that is
// not a valid regular expression simply loses its regex interpretation.
func Compile(patterns []string, mode Mode) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range patterns {
		var p pattern
		var err error
		if mode == ModeAuto || mode == ModeWildcards {
			p.wildcard, err = anchored(translateWildcard(raw))
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern %q: %w", raw, err)
			}
		}
		if mode == ModeAuto || mode == ModeRegex {
			p.regex, err = anchored(raw)
			if err != nil {
				if mode == ModeRegex {
					return nil, fmt.Errorf("invalid filter pattern %q: %w", raw, err)
				}
				p.regex = nil
			}
		}
		m.patterns = append(m.patterns, p)
	}
	return m, nil
}

// Match reports whether s matches any of the patterns.
func (m *Matcher) Match(s string) bool {
	for _, p := range m.patterns {
		if p.match(s) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (m *Matcher) Len() int {
	return len(m.patterns)
}

// Set combines an include list and an exclude list. An empty include list
// admits everything; the exclude list always wins over the include list.
type Set struct {
	include *Matcher
	exclude *Matcher
}

// NewSet compiles both pattern lists. A nil Set admits everything.
func NewSet(include, exclude []string, mode Mode) (*Set, error) {
	inc, err := Compile(include, mode)
	if err != nil {
		return nil, err
	}
	exc, err := Compile(exclude, mode)
	if err != nil {
		return nil, err
	}
	return &Set{include: inc, exclude: exc}, nil
}

// Allows reports whether the identifier passes the filter set.
func (s *Set) Allows(id string) bool {
	if s == nil {
		return true
	}
	if s.exclude.Match(id) {
		return false
	}
	return s.include.Len() == 0 || s.include.Match(id)
}

// Empty reports whether the set has no patterns at all.
func (s *Set) Empty() bool {
	return s == nil || (s.include.Len() == 0 && s.exclude.Len() == 0)
}

// translateWildcard converts one glob pattern into a regular expression
// body. * matches any run of characters, ? a single character, and [seq]
// a character class. An unterminated class is taken literally.
func translateWildcard(pattern string) string {
	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(runes) && (runes[j] == '!' || runes[j] == '^') {
				j++
			}
			if j < len(runes) && runes[j] == ']' {
				j++
			}
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j >= len(runes) {
				b.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			class := string(runes[i+1 : j])
			class = strings.ReplaceAll(class, `\`, `\\`)
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
