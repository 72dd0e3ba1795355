// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package virt defines the contract between the reporting engine and the
// per-hypervisor backends. A backend knows how to talk to one kind of
// virtualization manager; the engine only sees the Virt interface.
package virt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
)

// Virt is one connection to a virtualization backend. Implementations are
// used by a single source worker and need not be safe for concurrent use.
type Virt interface {
	// Prepare opens the connection and authenticates. It is called once
	// before the first cycle and again after a failed cycle.
	Prepare(ctx context.Context) error
	// IsHypervisor reports whether the backend describes remote hypervisors
	// (HostGuestMapping) or the machine the agent itself runs on
	// (ListDomains).
	IsHypervisor() bool
	// HostGuestMapping retrieves every hypervisor with its guests.
	HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error)
	// ListDomains retrieves the guests of the local machine.
	ListDomains(ctx context.Context) ([]report.Guest, error)
	// Cleanup releases the connection. It must be safe to call even when
	// Prepare failed.
	Cleanup()
}

// EventSource is implemented by backends that can subscribe to guest
// lifecycle events. The worker then shortens its wait and reports the
// change without polling for it.
type EventSource interface {
	// Events returns a channel that receives a value whenever guests
	// changed on the backend. The channel must stay valid across Prepare
	// and Cleanup cycles; it simply goes quiet while disconnected.
	Events() <-chan struct{}
}

// Error marks a retrieval failure as recoverable: bad network, rejected
// credentials for this cycle, or a malformed response. The worker logs it
// and retries on the next cycle instead of giving up on the source.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a recoverable backend error. Use fmt verbs freely; a
// trailing ": %w" keeps the cause unwrappable.
func Errorf(format string, args ...any) *Error {
	return &Error{Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a message to an underlying failure.
func WrapError(msg string, err error) *Error {
	return &Error{Msg: msg, Err: err}
}

// Factory builds a backend from its validated config section.
type Factory func(section *config.Section, logger *slog.Logger) (Virt, error)

var factories = map[string]Factory{}

// Register makes a backend kind available to FromConfig. Backends call it
// from their init function; last registration wins.
func Register(kind string, factory Factory) {
	factories[kind] = factory
}

// FromConfig builds the backend for a validated source section. The section
// type decides the backend kind; an unregistered kind is an error even when
// validation accepted it, so a stripped-down build fails loudly.
func FromConfig(section *config.Section, logger *slog.Logger) (Virt, error) {
	kind := section.Type()
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("virtualization backend %q is not compiled in", kind)
	}
	return factory(section, logger)
}

// Registered returns whether the backend kind is available.
func Registered(kind string) bool {
	_, ok := factories[kind]
	return ok
}
