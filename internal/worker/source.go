// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/datastore"
	"github.com/candlepin/virt-who-go/internal/filter"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/status"
	"github.com/candlepin/virt-who-go/internal/virt"
)

// SourceOptions carries the knobs shared by all source workers.
type SourceOptions struct {
	Interval time.Duration
	Oneshot  bool
	// StatusMode switches the worker from collecting inventory to probing
	// whether the backend credentials still work.
	StatusMode bool
	// StatusStore persists run results across restarts. May be nil.
	StatusStore *status.Store
	Monitor     Monitor
	Logger      *slog.Logger
}

// SourceWorker polls one virtualization backend on a fixed interval and
// publishes the result to the datastore.
type SourceWorker struct {
	loop
	backend virt.Virt
	store   *datastore.Datastore
	filters *filter.Set
	opts    SourceOptions

	connected bool
}

// NewSource builds the worker for one validated source section.
func NewSource(section *config.Section, backend virt.Virt, store *datastore.Datastore, opts SourceOptions) (*SourceWorker, error) {
	filters, err := config.HostFilters(section)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With("config", section.Name)
	return &SourceWorker{
		loop:    newLoop(section.Name, opts.Interval, opts.Oneshot, logger),
		backend: backend,
		store:   store,
		filters: filters,
		opts:    opts,
	}, nil
}

func (w *SourceWorker) Run(ctx context.Context) error {
	w.logger.Info("source worker starting", "interval", w.interval, "oneshot", w.oneshot)
	if events, ok := w.backend.(virt.EventSource); ok {
		go w.watchEvents(ctx, events.Events())
	}
	return w.run(ctx, w)
}

// watchEvents turns backend change notifications into early wake-ups, so
// a guest starting or stopping is reported before the interval elapses.
func (w *SourceWorker) watchEvents(ctx context.Context, events <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			w.logger.Debug("backend signaled a change, waking up")
			w.notify()
		}
	}
}

func (w *SourceWorker) prepare(ctx context.Context) error {
	if w.connected {
		w.backend.Cleanup()
		w.connected = false
	}
	if err := w.backend.Prepare(ctx); err != nil {
		return err
	}
	w.connected = true
	return nil
}

func (w *SourceWorker) cycle(ctx context.Context) (bool, error) {
	if w.opts.StatusMode {
		w.store.Put(w.name, w.probe(ctx))
		return true, nil
	}

	start := time.Now()
	var (
		r           report.Report
		hypervisors int
		guests      int
	)
	if w.backend.IsHypervisor() {
		mapping, err := w.backend.HostGuestMapping(ctx)
		if err != nil {
			return false, err
		}
		hgr := report.NewHostGuestReport(w.name, mapping, w.filters)
		assoc := hgr.Association()
		hypervisors = len(assoc)
		for _, h := range assoc {
			guests += len(h.Guests)
		}
		r = hgr
	} else {
		domains, err := w.backend.ListDomains(ctx)
		if err != nil {
			return false, err
		}
		guests = len(domains)
		r = report.NewGuestListReport(w.name, "", domains)
	}
	elapsed := time.Since(start)

	w.store.Put(w.name, r)
	w.logger.Info("report collected",
		"hypervisors", hypervisors, "guests", guests, "elapsed", elapsed.Round(time.Millisecond))
	if w.opts.Monitor.RetrieveTimer != nil {
		w.opts.Monitor.RetrieveTimer.WithLabelValues(w.name).Observe(elapsed.Seconds())
	}
	if w.opts.Monitor.HypervisorsGauge != nil {
		w.opts.Monitor.HypervisorsGauge.WithLabelValues(w.name).Set(float64(hypervisors))
	}
	if w.opts.Monitor.GuestsGauge != nil {
		w.opts.Monitor.GuestsGauge.WithLabelValues(w.name).Set(float64(guests))
	}
	if w.opts.StatusStore != nil {
		err := w.opts.StatusStore.UpdateSource(w.name, status.SourceEntry{
			LastSuccessfulRetrieve: time.Now().UTC(),
			Hypervisors:            hypervisors,
			Guests:                 guests,
		})
		if err != nil {
			w.logger.Warn("cannot persist run data", "error", err)
		}
	}
	return true, nil
}

// probe checks whether the backend still answers and wraps the outcome in
// a status report. Probe failures are part of the answer, not worker
// failures.
func (w *SourceWorker) probe(ctx context.Context) *report.StatusReport {
	var (
		st          report.SourceStatus
		hypervisors int
		guests      int
		err         error
	)
	if w.backend.IsHypervisor() {
		var mapping []report.Hypervisor
		mapping, err = w.backend.HostGuestMapping(ctx)
		for _, h := range mapping {
			guests += len(h.Guests)
		}
		hypervisors = len(mapping)
	} else {
		var domains []report.Guest
		domains, err = w.backend.ListDomains(ctx)
		guests = len(domains)
	}

	if err != nil {
		st.Connection = "failure"
		st.Message = err.Error()
		w.logger.Warn("source probe failed", "error", err)
	} else {
		st.Connection = "ok"
		st.LastSuccessfulRetrieve = time.Now().UTC()
		st.Hypervisors = hypervisors
		st.Guests = guests
	}

	if w.opts.StatusStore != nil {
		if err != nil {
			// Show the data of the last successful run next to the
			// failure.
			persisted := w.opts.StatusStore.Read().Sources[w.name]
			st.LastSuccessfulRetrieve = persisted.LastSuccessfulRetrieve
			st.Hypervisors = persisted.Hypervisors
			st.Guests = persisted.Guests
		} else {
			uerr := w.opts.StatusStore.UpdateSource(w.name, status.SourceEntry{
				LastSuccessfulRetrieve: st.LastSuccessfulRetrieve,
				Hypervisors:            hypervisors,
				Guests:                 guests,
			})
			if uerr != nil {
				w.logger.Warn("cannot persist run data", "error", uerr)
			}
		}
	}
	return report.NewStatusReport(w.name, st)
}

// fail publishes the failure so destination workers do not wait forever
// for a report that will not come.
func (w *SourceWorker) fail(err error) {
	if w.opts.Monitor.RetrieveErrorsCounter != nil {
		w.opts.Monitor.RetrieveErrorsCounter.WithLabelValues(w.name).Inc()
	}
	w.store.Put(w.name, report.NewErrorReport(w.name, err))
}

func (w *SourceWorker) cleanup() {
	w.backend.Cleanup()
	w.connected = false
	w.logger.Info("source worker stopped")
}
