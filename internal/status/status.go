// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package status persists per-source and per-destination delivery
// milestones across agent runs. Status mode merges this file into its
// probe output so an operator sees when data last flowed, not only
// whether credentials work right now.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SourceEntry records the last successful retrieval from one source.
type SourceEntry struct {
	LastSuccessfulRetrieve time.Time `json:"last_successful_retrieve,omitzero"`
	Hypervisors            int       `json:"hypervisors"`
	Guests                 int       `json:"guests"`
}

// DestinationEntry records the last successful submission for one source.
type DestinationEntry struct {
	LastSuccessfulSend time.Time `json:"last_successful_send,omitzero"`
	LastJobID          string    `json:"last_job_id,omitempty"`
}

// Data is the on-disk schema of the status file.
type Data struct {
	Sources      map[string]SourceEntry      `json:"sources"`
	Destinations map[string]DestinationEntry `json:"destinations"`
}

func emptyData() *Data {
	return &Data{
		Sources:      make(map[string]SourceEntry),
		Destinations: make(map[string]DestinationEntry),
	}
}

// Store reads and updates the status file. Workers of one process and
// other virt-who processes may update concurrently, so every mutation
// runs under the lock file.
type Store struct {
	dataPath string
	lockPath string
}

func NewStore(dataPath, lockPath string) *Store {
	return &Store{dataPath: dataPath, lockPath: lockPath}
}

// Read returns the persisted data. A missing or unreadable file yields
// empty data: status history is best effort and never blocks reporting.
func (s *Store) Read() *Data {
	data, err := os.ReadFile(s.dataPath)
	if err != nil {
		return emptyData()
	}
	out := emptyData()
	if err := json.Unmarshal(data, out); err != nil {
		return emptyData()
	}
	if out.Sources == nil {
		out.Sources = make(map[string]SourceEntry)
	}
	if out.Destinations == nil {
		out.Destinations = make(map[string]DestinationEntry)
	}
	return out
}

// UpdateSource replaces the entry for one source.
func (s *Store) UpdateSource(name string, entry SourceEntry) error {
	return s.update(func(data *Data) {
		data.Sources[name] = entry
	})
}

// UpdateDestination replaces the entry for one source on the delivery
// side.
func (s *Store) UpdateDestination(name string, entry DestinationEntry) error {
	return s.update(func(data *Data) {
		data.Destinations[name] = entry
	})
}

func (s *Store) update(mutate func(*Data)) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	data := s.Read()
	mutate(data)
	return s.write(data)
}

func (s *Store) write(data *Data) error {
	if err := os.MkdirAll(filepath.Dir(s.dataPath), 0o700); err != nil {
		return err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	tmp := s.dataPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.dataPath)
}

// lock takes the lock file, waiting up to a few seconds for another
// writer. The file holds the owner's pid for debugging.
func (s *Store) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprint(f, strconv.Itoa(os.Getpid()))
			f.Close()
			return func() { os.Remove(s.lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("status file is locked by another process (%s)", s.lockPath)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
