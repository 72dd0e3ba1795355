// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package report holds the data model that source adapters produce and
// destination workers consume: guest lists, host-guest associations, status
// probes and retrieval errors.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/candlepin/virt-who-go/internal/filter"
)

// State tracks a report through submission. Created reports have not been
// handed to a destination yet; Processing means an asynchronous job is in
// flight on the server.
type State int

const (
	StateCreated State = iota + 1
	StateProcessing
	StateFinished
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateProcessing:
		return "processing"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further state change can happen.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCanceled
}

// Report is the common surface of everything a source adapter can emit.
type Report interface {
	// Source is the name of the config section the report originated from.
	Source() string
	State() State
	SetState(State)
	// Clone returns a deep copy, safe to hand to another goroutine.
	Clone() Report
}

func hashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cannot hash report: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// GuestListReport carries the guests of a single host, used when the
// machine the agent runs on is itself the hypervisor being described.
type GuestListReport struct {
	source string
	state  State

	// HypervisorID identifies the local host, when the source knows it.
	HypervisorID string
	Guests       []Guest
	// JobID is set by the destination worker after an asynchronous
	// submission.
	JobID string
}

func NewGuestListReport(source, hypervisorID string, guests []Guest) *GuestListReport {
	if guests == nil {
		guests = []Guest{}
	}
	return &GuestListReport{
		source:       source,
		state:        StateCreated,
		HypervisorID: hypervisorID,
		Guests:       guests,
	}
}

func (r *GuestListReport) Source() string   { return r.source }
func (r *GuestListReport) State() State     { return r.state }
func (r *GuestListReport) SetState(s State) { r.state = s }

func (r *GuestListReport) Clone() Report {
	out := *r
	out.Guests = slices.Clone(r.Guests)
	return &out
}

// SortedGuests returns the guests ordered by guest ID.
func (r *GuestListReport) SortedGuests() []Guest {
	guests := slices.Clone(r.Guests)
	slices.SortFunc(guests, func(a, b Guest) int {
		return strings.Compare(a.ID, b.ID)
	})
	return guests
}

// Hash returns the content hash used for deduplication. Equal guest sets
// hash equally regardless of the order the hypervisor listed them in.
func (r *GuestListReport) Hash() (string, error) {
	return hashJSON(r.SortedGuests())
}

// HostGuestReport maps hypervisors to their guests for one source. Host
// filters from the source config are applied lazily when the association is
// read, never at construction.
type HostGuestReport struct {
	source      string
	state       State
	hypervisors []Hypervisor
	filters     *filter.Set

	// JobID is set by the destination worker after an asynchronous
	// submission.
	JobID string

	assoc []Hypervisor
}

// NewHostGuestReport builds an association report. filters may be nil to
// include every hypervisor.
func NewHostGuestReport(source string, hypervisors []Hypervisor, filters *filter.Set) *HostGuestReport {
	if hypervisors == nil {
		hypervisors = []Hypervisor{}
	}
	return &HostGuestReport{
		source:      source,
		state:       StateCreated,
		hypervisors: hypervisors,
		filters:     filters,
	}
}

func (r *HostGuestReport) Source() string   { return r.source }
func (r *HostGuestReport) State() State     { return r.state }
func (r *HostGuestReport) SetState(s State) { r.state = s }

func (r *HostGuestReport) Clone() Report {
	out := &HostGuestReport{
		source:      r.source,
		state:       r.state,
		hypervisors: make([]Hypervisor, len(r.hypervisors)),
		filters:     r.filters,
		JobID:       r.JobID,
	}
	for i, h := range r.hypervisors {
		out.hypervisors[i] = h.Clone()
	}
	return out
}

// Association returns the hypervisors that pass the host filters, ordered
// by hypervisor ID. The filtered view is computed once and cached.
func (r *HostGuestReport) Association() []Hypervisor {
	if r.assoc != nil {
		return r.assoc
	}
	assoc := make([]Hypervisor, 0, len(r.hypervisors))
	for _, h := range r.hypervisors {
		if r.filters.Allows(h.HypervisorID) {
			assoc = append(assoc, h)
		}
	}
	slices.SortFunc(assoc, func(a, b Hypervisor) int {
		return strings.Compare(a.HypervisorID, b.HypervisorID)
	})
	r.assoc = assoc
	return r.assoc
}

// Hash returns the content hash of the filtered association, so a change
// hidden by a filter does not force a resend.
func (r *HostGuestReport) Hash() (string, error) {
	return hashJSON(r.Association())
}

// SourceStatus is the per-source half of a status probe.
type SourceStatus struct {
	LastSuccessfulRetrieve time.Time `json:"last_successful_retrieve,omitzero"`
	Hypervisors            int       `json:"hypervisors"`
	Guests                 int       `json:"guests"`
	Connection             string    `json:"connection,omitempty"`
	Message                string    `json:"message,omitempty"`
}

// DestinationStatus is the per-destination half of a status probe. It is
// filled in by the destination worker while the report is in transit.
type DestinationStatus struct {
	LastSuccessfulSend time.Time `json:"last_successful_send,omitzero"`
	LastJobID          string    `json:"last_job_id,omitempty"`
	Connection         string    `json:"connection,omitempty"`
	Message            string    `json:"message,omitempty"`
}

// StatusReport is produced when the agent runs in status mode: it records
// whether the source credentials still work, without submitting inventory.
type StatusReport struct {
	source string
	state  State
	Status SourceStatus
	// Destination is populated by the destination worker before the report
	// is emitted.
	Destination DestinationStatus
}

func NewStatusReport(source string, status SourceStatus) *StatusReport {
	return &StatusReport{source: source, state: StateCreated, Status: status}
}

func (r *StatusReport) Source() string   { return r.source }
func (r *StatusReport) State() State     { return r.state }
func (r *StatusReport) SetState(s State) { r.state = s }

func (r *StatusReport) Clone() Report {
	out := *r
	return &out
}

// ErrorReport signals that a retrieval cycle failed. It carries no
// inventory; destinations log it and, in oneshot mode, give up on the
// source.
type ErrorReport struct {
	source string
	state  State
	Reason string
}

func NewErrorReport(source string, err error) *ErrorReport {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &ErrorReport{source: source, state: StateCreated, Reason: reason}
}

func (r *ErrorReport) Source() string   { return r.source }
func (r *ErrorReport) State() State     { return r.state }
func (r *ErrorReport) SetState(s State) { r.state = s }

func (r *ErrorReport) Clone() Report {
	out := *r
	return &out
}
