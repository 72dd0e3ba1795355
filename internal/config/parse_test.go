// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStripQuotes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: `"quoted"`, want: "quoted"},
		{in: `'quoted'`, want: "quoted"},
		{in: `plain`, want: "plain"},
		{in: `"mismatched'`, want: `"mismatched'`},
		{in: `"inner"quote"`, want: `"inner"quote"`},
		{in: `""`, want: ""},
		{in: `"`, want: `"`},
		{in: `'it''s'`, want: `'it''s'`},
	}
	for _, tt := range tests {
		if got := stripQuotes(tt.in); got != tt.want {
			t.Errorf("stripQuotes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseINIData(t *testing.T) {
	data := []byte(`
[global]
interval = 120
debug: true

[esx-east]
type = esx
server = "https://vcenter.example.com"
password = 's3cret'
`)
	parsed, err := parseINIData("test.conf", data)
	if err != nil {
		t.Fatalf("parseINIData: %v", err)
	}
	if len(parsed.sections) != 2 {
		t.Fatalf("got %d sections, want 2", len(parsed.sections))
	}
	global := parsed.sections[0]
	if global.name != "global" {
		t.Errorf("first section = %q", global.name)
	}
	if global.values["interval"] != "120" || global.values["debug"] != "true" {
		t.Errorf("global values = %v", global.values)
	}
	esx := parsed.sections[1]
	if esx.values["server"] != "https://vcenter.example.com" {
		t.Errorf("quotes not stripped: %q", esx.values["server"])
	}
	if esx.values["password"] != "s3cret" {
		t.Errorf("single quotes not stripped: %q", esx.values["password"])
	}
}

func TestParseINIDataCommentedContinuation(t *testing.T) {
	data := []byte(`[src]
type = fake
filter_hosts = one,
   # two,
   three
`)
	parsed, err := parseINIData("test.conf", data)
	if err != nil {
		t.Fatalf("parseINIData: %v", err)
	}
	if len(parsed.warnings) != 1 {
		t.Fatalf("warnings = %v, want one about the commented line", parsed.warnings)
	}
	if !strings.Contains(parsed.warnings[0], "line 4") {
		t.Errorf("warning should name the line: %q", parsed.warnings[0])
	}
	value := parsed.sections[0].values["filter_hosts"]
	if strings.Contains(value, "two") {
		t.Errorf("commented continuation must not join: %q", value)
	}
	if !strings.Contains(value, "three") {
		t.Errorf("continuation lost: %q", value)
	}
}

func TestParseINIDataValuesBeforeHeader(t *testing.T) {
	if _, err := parseINIData("test.conf", []byte("type = esx\n")); err == nil {
		t.Fatal("expected error for values before the first section header")
	}
}

func TestListDropinFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.conf", "a.conf", ".hidden.conf", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	paths, notes, err := listDropinFiles(dir)
	if err != nil {
		t.Fatalf("listDropinFiles: %v", err)
	}
	if len(paths) != 2 || !strings.HasSuffix(paths[0], "a.conf") || !strings.HasSuffix(paths[1], "b.conf") {
		t.Errorf("paths = %v, want sorted a.conf, b.conf", paths)
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "notes.txt") {
		t.Errorf("notes = %v, want one about notes.txt", notes)
	}
}

func TestListDropinFilesMissingDir(t *testing.T) {
	paths, notes, err := listDropinFiles(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing drop-in dir must not error, got %v", err)
	}
	if len(paths) != 0 || len(notes) != 0 {
		t.Errorf("got %v, %v for missing dir", paths, notes)
	}
}
