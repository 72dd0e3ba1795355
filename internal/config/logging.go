// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoggingConfig describes where and how verbosely the agent logs.
type LoggingConfig struct {
	// Debug lowers the level to debug.
	Debug bool
	// Dir and File locate the shared log file.
	Dir  string
	File string
	// PerConfig writes an additional log file per source config.
	PerConfig bool
	// Background drops the stderr handler; only files are written then.
	Background bool
}

// Conform to the slog.Leveler interface.
func (c LoggingConfig) Level() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// SetDefaultLogger installs the process-wide structured logger. The
// returned closer owns the log file handle, if one was opened.
func (c LoggingConfig) SetDefaultLogger() (io.Closer, error) {
	var writers []io.Writer
	if !c.Background {
		writers = append(writers, os.Stderr)
	}
	var closer io.Closer
	if c.Dir != "" {
		f, err := c.openLogFile(c.File)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
		closer = f
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: c})
	slog.SetDefault(slog.New(handler))
	slog.Debug("logging: set default logger", "level", c.Level(), "dir", c.Dir, "file", c.File)
	return closer, nil
}

// SourceLogger returns the logger for one source worker. With PerConfig
// enabled it writes to an own file next to the shared one; otherwise it is
// the default logger tagged with the config name.
func (c LoggingConfig) SourceLogger(name string) (*slog.Logger, io.Closer, error) {
	base := slog.Default().With("config", name)
	if !c.PerConfig || c.Dir == "" {
		return base, nil, nil
	}
	f, err := c.openLogFile(perConfigFileName(c.File, name))
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: c})
	return slog.New(handler).With("config", name), f, nil
}

func (c LoggingConfig) openLogFile(name string) (*os.File, error) {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(c.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

// perConfigFileName derives virtwho_<name>.log from virtwho.log. Path
// separators in section names must not escape the log directory.
func perConfigFileName(base, section string) string {
	section = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ':
			return '_'
		}
		return r
	}, section)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "_" + section + ext
}
