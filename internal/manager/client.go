// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/candlepin/virt-who-go/internal/report"
)

// DestinationClient is the wire protocol behind one destination. A client
// instance belongs to exactly one destination worker and is not shared.
type DestinationClient interface {
	// HypervisorCheckin submits a host-to-guest association. An empty job
	// id means the server handled the submission synchronously; otherwise
	// the caller must poll CheckJobState until the job is terminal.
	HypervisorCheckin(ctx context.Context, r *report.HostGuestReport) (jobID string, err error)
	// SendGuestList updates the guest list of the consumer the agent runs
	// on. Returns ErrGuestListsUnsupported when the destination has no
	// such concept.
	SendGuestList(ctx context.Context, r *report.GuestListReport) error
	// CheckJobState asks the server about an asynchronous submission.
	CheckJobState(ctx context.Context, jobID string) (report.State, error)
	// Heartbeat delivers a status probe instead of inventory.
	Heartbeat(ctx context.Context, r *report.StatusReport) error
	// Close releases the connection, if the protocol holds one.
	Close()
}

// ErrGuestListsUnsupported marks a destination that cannot accept guest
// list reports at all. The worker drops the source permanently rather
// than retrying.
var ErrGuestListsUnsupported = errors.New("destination does not accept guest list reports")

// RateLimitError is returned when the server answered 429. RetryAfter is
// zero when the server named no delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// JobError reports that the server itself marked an asynchronous
// submission as failed. The submission was received; retrying the same
// payload is pointless until the data changes.
type JobError struct {
	JobID  string
	State  report.State
	Reason string
}

func (e *JobError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("job %s %s: %s", e.JobID, e.State, e.Reason)
	}
	return fmt.Sprintf("job %s %s", e.JobID, e.State)
}
