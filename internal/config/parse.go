// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/ini.v1"
)

// rawSection is one parsed INI section before merging and validation.
type rawSection struct {
	name   string
	values map[string]string
}

// rawFile is the parse result of one config file.
type rawFile struct {
	path     string
	sections []rawSection
	// warnings collects syntax findings that do not stop the parse, such
	// as commented continuation lines.
	warnings []string
}

var iniLoadOptions = ini.LoadOptions{
	KeyValueDelimiters:         "=:",
	AllowPythonMultilineValues: true,
	IgnoreInlineComment:        true,
}

// parseINIFile reads and parses one config file.
func parseINIFile(path string) (rawFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rawFile{}, err
	}
	return parseINIData(path, data)
}

// parseINIData parses config file content. Section order is preserved;
// values keep their case, keys are lower-cased later by Section.Set.
func parseINIData(path string, data []byte) (rawFile, error) {
	cleaned, warnings := dropCommentedContinuations(data)
	out := rawFile{path: path, warnings: warnings}
	f, err := ini.LoadSources(iniLoadOptions, cleaned)
	if err != nil {
		return out, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			if len(sec.Keys()) > 0 {
				return out, fmt.Errorf("cannot parse %s: values before the first section header", path)
			}
			continue
		}
		values := make(map[string]string, len(sec.Keys()))
		for key, value := range sec.KeysHash() {
			values[key] = stripQuotes(value)
		}
		out.sections = append(out.sections, rawSection{name: sec.Name(), values: values})
	}
	return out, nil
}

// dropCommentedContinuations removes indented comment lines with a warning.
// The INI reader would otherwise join them into the preceding multi-line
// value, which hides typos.
func dropCommentedContinuations(data []byte) ([]byte, []string) {
	var warnings []string
	lines := strings.Split(string(data), "\n")
	kept := lines[:0]
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed != line && (strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";")) {
			warnings = append(warnings, fmt.Sprintf("line %d: ignoring commented line inside a multi-line value", i+1))
			continue
		}
		kept = append(kept, line)
	}
	return []byte(strings.Join(kept, "\n")), warnings
}

// stripQuotes removes one level of surrounding quotes when both ends match
// and the quote character does not occur inside the value.
func stripQuotes(value string) string {
	if len(value) < 2 {
		return value
	}
	first := value[0]
	if first != '"' && first != '\'' {
		return value
	}
	if value[len(value)-1] != first {
		return value
	}
	if strings.ContainsRune(value[1:len(value)-1], rune(first)) {
		return value
	}
	return value[1 : len(value)-1]
}

// listDropinFiles returns the *.conf files of the drop-in directory in
// sorted order. Dotfiles are skipped silently, other extensions with a
// debug note. A missing directory is not an error.
func listDropinFiles(dir string) (paths []string, notes []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, ".conf") {
			notes = append(notes, fmt.Sprintf("ignoring %s: not a .conf file", filepath.Join(dir, name)))
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	slices.Sort(paths)
	return paths, notes, nil
}
