// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package datastore provides the buffer between source and destination
// workers. Sources overwrite their slot on every cycle, destinations read
// whatever is current when they wake up.
package datastore

import (
	"slices"
	"sync"

	"github.com/candlepin/virt-who-go/internal/report"
)

// Datastore is a keyed store of the latest report per source. All methods
// are safe for concurrent use.
type Datastore struct {
	mu    sync.Mutex
	items map[string]report.Report
}

func New() *Datastore {
	return &Datastore{items: make(map[string]report.Report)}
}

// Put stores a deep copy of the report under the given source key,
// replacing any previous value. The caller keeps ownership of r and may
// mutate it afterwards.
func (d *Datastore) Put(key string, r report.Report) {
	if r == nil {
		return
	}
	clone := r.Clone()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[key] = clone
}

// Get returns a deep copy of the current report for the key. Several
// destination workers may consume the same source, so the stored value is
// never handed out directly.
func (d *Datastore) Get(key string) (report.Report, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.items[key]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Keys returns the source keys that currently hold a report, sorted.
func (d *Datastore) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.items))
	for k := range d.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of stored reports.
func (d *Datastore) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
