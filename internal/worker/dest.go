// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/datastore"
	"github.com/candlepin/virt-who-go/internal/manager"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/status"
)

// DestOptions carries the knobs shared by all destination workers.
type DestOptions struct {
	Interval time.Duration
	Oneshot  bool
	// StatusStore persists run results across restarts. May be nil.
	StatusStore *status.Store
	Monitor     Monitor
	Logger      *slog.Logger
}

// pendingJob tracks an asynchronous submission for one source.
type pendingJob struct {
	jobID    string
	hash     string
	nextPoll time.Time
	spacing  time.Duration
}

// DestWorker delivers the reports of its sources to one destination. It
// batches host-guest reports, suppresses unchanged content, polls
// asynchronous submission jobs and honors rate limits.
type DestWorker struct {
	loop
	client  manager.DestinationClient
	dest    manager.Destination
	store   *datastore.Datastore
	sources []string
	opts    DestOptions

	collected bool
	// lastSent maps a source to the hash of its last delivered report.
	lastSent map[string]string
	// pending maps a source to its in-flight submission job.
	pending map[string]*pendingJob
	// dropped sources produce reports this destination can never accept.
	dropped map[string]bool
	// outstanding, in oneshot mode, holds the sources still owed a
	// delivery attempt.
	outstanding map[string]bool
}

// NewDestination builds the worker for one route of the destination plan.
func NewDestination(route manager.Route, client manager.DestinationClient, store *datastore.Datastore, opts DestOptions) *DestWorker {
	name := route.Destination.Name()
	logger := opts.Logger.With("destination", name)
	return &DestWorker{
		loop:     newLoop(name, opts.Interval, opts.Oneshot, logger),
		client:   client,
		dest:     route.Destination,
		store:    store,
		sources:  route.Sources,
		opts:     opts,
		lastSent: make(map[string]string),
		pending:  make(map[string]*pendingJob),
		dropped:  make(map[string]bool),
	}
}

func (w *DestWorker) Run(ctx context.Context) error {
	w.logger.Info("destination worker starting",
		"sources", strings.Join(w.sources, ", "), "interval", w.interval, "oneshot", w.oneshot)
	return w.run(ctx, w)
}

// prepare waits for the first reports to arrive, polling the datastore for
// at most one interval so that skewed source cadences still yield a
// meaningful first batch.
func (w *DestWorker) prepare(ctx context.Context) error {
	if w.collected {
		return nil
	}
	deadline := time.Now().Add(w.interval)
	for {
		missing := w.missingSources()
		if len(missing) == 0 {
			break
		}
		if time.Now().After(deadline) {
			w.logger.Warn("starting without reports from some sources",
				"missing", strings.Join(missing, ", "))
			break
		}
		if !w.wait(ctx, time.Second) {
			return errStopped
		}
	}
	if w.oneshot {
		w.outstanding = make(map[string]bool)
		for _, source := range w.sources {
			if _, ok := w.store.Get(source); ok {
				w.outstanding[source] = true
			}
		}
	}
	w.collected = true
	return nil
}

func (w *DestWorker) missingSources() []string {
	var missing []string
	for _, source := range w.sources {
		if _, ok := w.store.Get(source); !ok {
			missing = append(missing, source)
		}
	}
	return missing
}

// submission is one source's contribution to a batched checkin.
type submission struct {
	report *report.HostGuestReport
	hash   string
}

type listSubmission struct {
	report *report.GuestListReport
	hash   string
}

func (w *DestWorker) cycle(ctx context.Context) (bool, error) {
	if err := w.pollJobs(ctx); err != nil {
		return false, err
	}

	var (
		assocs   []*submission
		lists    []*listSubmission
		statuses []*report.StatusReport
	)
	for _, source := range w.sources {
		if w.dropped[source] {
			continue
		}
		if _, busy := w.pending[source]; busy {
			// The previous submission must reach a terminal state before
			// this source may send again.
			continue
		}
		stored, ok := w.store.Get(source)
		if !ok {
			continue
		}
		switch r := stored.(type) {
		case *report.ErrorReport:
			if r.Source() != source {
				w.logger.Warn("ignoring error report from a foreign config",
					"config", source, "origin", r.Source())
				continue
			}
			if w.oneshot {
				return false, fmt.Errorf("source %s failed: %s", source, r.Reason)
			}
			w.logger.Warn("source reported an error, skipping this cycle",
				"config", source, "reason", r.Reason)
		case *report.HostGuestReport:
			hash, err := r.Hash()
			if err != nil {
				w.logger.Error("cannot hash report", "config", source, "error", err)
				continue
			}
			if len(r.Association()) == 0 {
				if _, sent := w.lastSent[source]; sent {
					w.logger.Info("source reports no hypervisors, clearing last-sent state",
						"config", source)
					delete(w.lastSent, source)
				}
				w.settleSource(source)
				continue
			}
			if w.lastSent[source] == hash {
				w.skipDuplicate(source)
				continue
			}
			assocs = append(assocs, &submission{report: r, hash: hash})
		case *report.GuestListReport:
			hash, err := r.Hash()
			if err != nil {
				w.logger.Error("cannot hash report", "config", source, "error", err)
				continue
			}
			if w.lastSent[source] == hash {
				w.skipDuplicate(source)
				continue
			}
			lists = append(lists, &listSubmission{report: r, hash: hash})
		case *report.StatusReport:
			statuses = append(statuses, r)
		}
	}

	if err := w.submitAssociations(ctx, assocs); err != nil {
		return false, err
	}
	for _, sub := range lists {
		if err := w.submitGuestList(ctx, sub); err != nil {
			return false, err
		}
	}
	w.submitStatuses(ctx, statuses)

	if w.oneshot {
		return len(w.outstanding) == 0 && len(w.pending) == 0, nil
	}
	return false, nil
}

// submitAssociations merges the host-guest reports of all sources into one
// checkin call. Satellite 5 servers cannot merge: they get one call per
// source report instead.
func (w *DestWorker) submitAssociations(ctx context.Context, parts []*submission) error {
	if len(parts) == 0 {
		return nil
	}
	if w.dest.Kind() == manager.KindSatellite5 {
		for _, p := range parts {
			hashes := map[string]string{p.report.Source(): p.hash}
			if err := w.checkin(ctx, p.report, hashes); err != nil {
				return err
			}
		}
		return nil
	}
	names := make([]string, 0, len(parts))
	hashes := make(map[string]string, len(parts))
	var hypervisors []report.Hypervisor
	for _, p := range parts {
		names = append(names, p.report.Source())
		hashes[p.report.Source()] = p.hash
		hypervisors = append(hypervisors, p.report.Association()...)
	}
	combined := report.NewHostGuestReport(strings.Join(names, ","), hypervisors, nil)
	return w.checkin(ctx, combined, hashes)
}

// checkin submits one host-guest report and records the outcome for every
// contributing source. Rate limits retry the same call after the suggested
// delay; in oneshot mode they fail the batch instead.
func (w *DestWorker) checkin(ctx context.Context, r *report.HostGuestReport, hashes map[string]string) error {
	batch := r.Association()
	guests := 0
	for _, h := range batch {
		guests += len(h.Guests)
	}
	for {
		start := time.Now()
		jobID, err := w.client.HypervisorCheckin(ctx, r)
		if w.opts.Monitor.SubmitTimer != nil {
			w.opts.Monitor.SubmitTimer.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
		}
		var rateErr *manager.RateLimitError
		if errors.As(err, &rateErr) {
			if !w.backOff(ctx, rateErr) {
				return fmt.Errorf("hypervisor checkin: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("hypervisor checkin: %w", err)
		}
		if w.opts.Monitor.SubmittedCounter != nil {
			w.opts.Monitor.SubmittedCounter.WithLabelValues(w.name).Inc()
		}
		if jobID == "" {
			r.SetState(report.StateFinished)
			for source, hash := range hashes {
				w.lastSent[source] = hash
				w.settleSource(source)
				w.recordSend(source, "")
			}
			w.logger.Info("hypervisor checkin accepted",
				"sources", len(hashes), "hypervisors", len(batch), "guests", guests)
			return nil
		}
		r.SetState(report.StateProcessing)
		r.JobID = jobID
		next := time.Now().Add(config.MinimumJobPollInterval)
		for source, hash := range hashes {
			w.pending[source] = &pendingJob{
				jobID:    jobID,
				hash:     hash,
				nextPoll: next,
				spacing:  config.MinimumJobPollInterval,
			}
		}
		w.logger.Info("hypervisor checkin accepted as job",
			"job", jobID, "sources", len(hashes), "hypervisors", len(batch), "guests", guests)
		return nil
	}
}

func (w *DestWorker) submitGuestList(ctx context.Context, sub *listSubmission) error {
	source := sub.report.Source()
	for {
		start := time.Now()
		err := w.client.SendGuestList(ctx, sub.report)
		if w.opts.Monitor.SubmitTimer != nil {
			w.opts.Monitor.SubmitTimer.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
		}
		if errors.Is(err, manager.ErrGuestListsUnsupported) {
			w.logger.Warn("destination cannot take guest lists, dropping source permanently",
				"config", source)
			w.dropped[source] = true
			w.settleSource(source)
			return nil
		}
		var rateErr *manager.RateLimitError
		if errors.As(err, &rateErr) {
			if !w.backOff(ctx, rateErr) {
				return fmt.Errorf("guest list for %s: %w", source, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("guest list for %s: %w", source, err)
		}
		sub.report.SetState(report.StateFinished)
		w.lastSent[source] = sub.hash
		w.settleSource(source)
		w.recordSend(source, "")
		if w.opts.Monitor.SubmittedCounter != nil {
			w.opts.Monitor.SubmittedCounter.WithLabelValues(w.name).Inc()
		}
		w.logger.Info("guest list accepted", "config", source, "guests", len(sub.report.Guests))
		return nil
	}
}

// submitStatuses probes the destination once and completes every gathered
// status report with the outcome plus the persisted data of previous runs.
func (w *DestWorker) submitStatuses(ctx context.Context, statuses []*report.StatusReport) {
	if len(statuses) == 0 {
		return
	}
	if w.opts.StatusStore != nil {
		persisted := w.opts.StatusStore.Read().Destinations
		for _, r := range statuses {
			entry := persisted[r.Source()]
			r.Destination.LastSuccessfulSend = entry.LastSuccessfulSend
			r.Destination.LastJobID = entry.LastJobID
		}
	}
	probe := statuses[0]
	if err := w.client.Heartbeat(ctx, probe); err != nil {
		w.logger.Warn("destination probe failed", "error", err)
	}
	for _, r := range statuses[1:] {
		r.Destination.Connection = probe.Destination.Connection
		r.Destination.Message = probe.Destination.Message
	}
	for _, r := range statuses {
		r.SetState(report.StateFinished)
		w.store.Put(r.Source(), r)
		w.settleSource(r.Source())
	}
}

// pollJobs checks the state of due submission jobs. Several sources may
// share one batched job; each job id is polled at most once per cycle.
func (w *DestWorker) pollJobs(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	now := time.Now()
	type pollResult struct {
		state report.State
		ok    bool
	}
	results := make(map[string]pollResult)
	for _, source := range w.sources {
		p, pending := w.pending[source]
		if !pending || p.nextPoll.After(now) {
			continue
		}
		res, seen := results[p.jobID]
		if !seen {
			state, err := w.checkJob(ctx, p.jobID)
			if err != nil {
				if errors.Is(err, errStopped) {
					return err
				}
				w.logger.Warn("job state check failed", "job", p.jobID, "error", err)
			}
			res = pollResult{state: state, ok: err == nil}
			results[p.jobID] = res
		}
		switch {
		case !res.ok:
			// Transport trouble: try again later without tightening the
			// spacing.
			p.nextPoll = now.Add(p.spacing)
		case res.state == report.StateFinished:
			w.logger.Info("submission job finished", "job", p.jobID, "config", source)
			w.lastSent[source] = p.hash
			delete(w.pending, source)
			w.settleSource(source)
			w.recordSend(source, p.jobID)
		case res.state == report.StateFailed || res.state == report.StateCanceled:
			w.logger.Warn("submission job did not finish",
				"job", p.jobID, "config", source, "state", res.state.String())
			delete(w.pending, source)
			w.settleSource(source)
		default:
			p.spacing *= 2
			p.nextPoll = now.Add(p.spacing)
		}
	}
	return nil
}

// checkJob polls one job id, backing off and retrying on rate limits.
func (w *DestWorker) checkJob(ctx context.Context, jobID string) (report.State, error) {
	for {
		state, err := w.client.CheckJobState(ctx, jobID)
		var rateErr *manager.RateLimitError
		if errors.As(err, &rateErr) {
			if w.opts.Monitor.RateLimitedCounter != nil {
				w.opts.Monitor.RateLimitedCounter.WithLabelValues(w.name).Inc()
			}
			sleep := rateErr.RetryAfter
			if sleep <= 0 {
				sleep = 2 * config.MinimumJobPollInterval
			}
			w.logger.Warn("destination rate limited, backing off", "sleep", sleep)
			if !w.wait(ctx, sleep) {
				return 0, errStopped
			}
			continue
		}
		var jobErr *manager.JobError
		if errors.As(err, &jobErr) {
			w.logger.Error("submission job failed", "job", jobID, "reason", jobErr.Reason)
			return report.StateFailed, nil
		}
		return state, err
	}
}

// backOff sleeps for the server-suggested retry delay. It reports false
// when the call must not be retried: on termination, or in oneshot mode
// where a rate limit fails the batch.
func (w *DestWorker) backOff(ctx context.Context, rateErr *manager.RateLimitError) bool {
	if w.opts.Monitor.RateLimitedCounter != nil {
		w.opts.Monitor.RateLimitedCounter.WithLabelValues(w.name).Inc()
	}
	if w.oneshot {
		return false
	}
	sleep := rateErr.RetryAfter
	if sleep <= 0 {
		sleep = 2 * config.MinimumJobPollInterval
	}
	w.logger.Warn("destination rate limited, backing off", "sleep", sleep)
	return w.wait(ctx, sleep)
}

func (w *DestWorker) skipDuplicate(source string) {
	w.logger.Debug("report content unchanged, not sending", "config", source)
	if w.opts.Monitor.DuplicatesCounter != nil {
		w.opts.Monitor.DuplicatesCounter.WithLabelValues(w.name).Inc()
	}
	w.settleSource(source)
}

// settleSource marks a source as handled for oneshot accounting. Outside
// oneshot mode this is a no-op.
func (w *DestWorker) settleSource(source string) {
	delete(w.outstanding, source)
}

func (w *DestWorker) recordSend(source, jobID string) {
	if w.opts.StatusStore == nil {
		return
	}
	err := w.opts.StatusStore.UpdateDestination(source, status.DestinationEntry{
		LastSuccessfulSend: time.Now().UTC(),
		LastJobID:          jobID,
	})
	if err != nil {
		w.logger.Warn("cannot persist run data", "error", err)
	}
}

// waitHint shortens the sleep between cycles to the soonest due job poll.
func (w *DestWorker) waitHint() (time.Duration, bool) {
	if len(w.pending) == 0 {
		return 0, false
	}
	var soonest time.Time
	for _, p := range w.pending {
		if soonest.IsZero() || p.nextPoll.Before(soonest) {
			soonest = p.nextPoll
		}
	}
	d := time.Until(soonest)
	if d < time.Second {
		d = time.Second
	}
	return d, true
}

func (w *DestWorker) fail(error) {}

func (w *DestWorker) cleanup() {
	w.client.Close()
	w.logger.Info("destination worker stopped")
}
