// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fake replays canned reports from a JSON file instead of talking
// to a hypervisor. The file format is exactly what `virt-who --print`
// emits, so a captured run can be fed back in for testing and support
// escalations.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("fake", New)
}

// Backend reads the data file on every cycle, so edits to the file show up
// without restarting the agent.
type Backend struct {
	path         string
	isHypervisor bool
	logger       *slog.Logger
}

func New(section *config.Section, logger *slog.Logger) (virt.Virt, error) {
	path := section.String("file", "")
	if path == "" {
		return nil, fmt.Errorf("the fake backend needs the file option")
	}
	isHypervisor, err := section.Bool("is_hypervisor", true)
	if err != nil {
		return nil, err
	}
	return &Backend{path: path, isHypervisor: isHypervisor, logger: logger}, nil
}

func (b *Backend) Prepare(ctx context.Context) error {
	f, err := os.Open(b.path)
	if err != nil {
		return virt.WrapError("cannot open fake data file", err)
	}
	return f.Close()
}

func (b *Backend) IsHypervisor() bool {
	return b.isHypervisor
}

func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	sources, err := b.read()
	if err != nil {
		return nil, err
	}
	var hypervisors []report.Hypervisor
	for _, src := range sources {
		hypervisors = append(hypervisors, src.Hypervisors...)
	}
	b.logger.Debug("read fake data", "file", b.path, "hypervisors", len(hypervisors))
	return hypervisors, nil
}

// ListDomains returns the guest entries of the file. A file captured from a
// hypervisor source has no plain guest lists; its hypervisors' guests are
// flattened instead so such a file still works in guest-list mode.
func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	sources, err := b.read()
	if err != nil {
		return nil, err
	}
	var guests []report.Guest
	for _, src := range sources {
		guests = append(guests, src.Guests...)
	}
	if len(guests) == 0 {
		for _, src := range sources {
			for _, hv := range src.Hypervisors {
				guests = append(guests, hv.Guests...)
			}
		}
	}
	b.logger.Debug("read fake data", "file", b.path, "guests", len(guests))
	return guests, nil
}

func (b *Backend) Cleanup() {}

// fileSource is one config entry of a printed report file.
type fileSource struct {
	Hypervisors []report.Hypervisor `json:"hypervisors"`
	Guests      []report.Guest      `json:"guests"`
}

// read parses the data file. Two layouts are accepted: the current print
// output, a map of config names to their reports, and the older bare form
// holding a single hypervisors or guests list.
func (b *Backend) read() ([]fileSource, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, virt.WrapError("cannot read fake data file", err)
	}

	var bare fileSource
	if err := json.Unmarshal(data, &bare); err == nil {
		if len(bare.Hypervisors) > 0 || len(bare.Guests) > 0 {
			return []fileSource{bare}, nil
		}
	}

	var keyed map[string]fileSource
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, virt.WrapError("fake data file is not valid JSON", err)
	}
	sources := make([]fileSource, 0, len(keyed))
	for _, src := range keyed {
		sources = append(sources, src)
	}
	return sources, nil
}
