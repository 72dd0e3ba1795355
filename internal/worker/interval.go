// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package worker contains the long-lived threads of the agent: one source
// worker per configured backend and one destination worker per distinct
// destination. They exchange reports only through the datastore.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sapcc/go-bits/jobloop"
)

// Worker is one engine thread.
type Worker interface {
	// Run blocks until the context is canceled, Stop is called or, in
	// oneshot mode, the work is settled. The returned error is fatal.
	Run(ctx context.Context) error
	// Stop terminates the worker. Safe to call from any goroutine and
	// more than once.
	Stop()
	// Name identifies the worker in logs.
	Name() string
}

// errStopped is returned by bodies interrupted by Stop or context
// cancellation. The loop swallows it.
var errStopped = errors.New("worker stopped")

// body is the kind-specific half of an interval worker.
type body interface {
	// prepare runs before the first cycle and again after a failure.
	prepare(ctx context.Context) error
	// cycle performs one round of work. done reports, in oneshot mode,
	// that nothing is outstanding anymore.
	cycle(ctx context.Context) (done bool, err error)
	// fail reacts to a failed prepare or cycle.
	fail(err error)
	// cleanup runs once when the worker exits.
	cleanup()
}

// waitHinter lets a body shorten the sleep after a cycle, e.g. to poll a
// pending submission job before the next full interval.
type waitHinter interface {
	waitHint() (time.Duration, bool)
}

// loop is the scheduling state shared by all workers: cooperative
// termination plus interval pacing.
type loop struct {
	name     string
	interval time.Duration
	oneshot  bool
	logger   *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	wake     chan struct{}
}

func newLoop(name string, interval time.Duration, oneshot bool, logger *slog.Logger) loop {
	return loop{
		name:     name,
		interval: interval,
		oneshot:  oneshot,
		logger:   logger,
		stopped:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

func (l *loop) Name() string { return l.name }

// Stop terminates the worker from outside.
func (l *loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
}

func (l *loop) terminated(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-l.stopped:
		return true
	default:
		return false
	}
}

// notify cuts the current wait short. Backends signal it when their guest
// set changed before the interval elapsed.
func (l *loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// wait sleeps for d. It returns false when the worker was terminated and
// true when the time elapsed or a wake-up arrived.
func (l *loop) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !l.terminated(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.stopped:
		return false
	case <-l.wake:
		return true
	case <-timer.C:
		return true
	}
}

// run drives the body until termination. One iteration is: prepare if
// needed, one cycle, then sleep whatever is left of the interval. A failed
// cycle backs off one jittered interval and reconnects before the next
// attempt; in oneshot mode it is fatal.
func (l *loop) run(ctx context.Context, b body) error {
	defer b.cleanup()
	needPrepare := true
	for {
		if l.terminated(ctx) {
			return nil
		}
		start := time.Now()

		var done bool
		err := func() error {
			if needPrepare {
				if err := b.prepare(ctx); err != nil {
					return err
				}
				needPrepare = false
			}
			var err error
			done, err = b.cycle(ctx)
			return err
		}()

		if err != nil {
			if errors.Is(err, errStopped) || l.terminated(ctx) {
				return nil
			}
			l.logger.Error("worker cycle failed", "error", err)
			b.fail(err)
			if l.oneshot {
				return err
			}
			needPrepare = true
			if !l.wait(ctx, jobloop.DefaultJitter(l.interval)) {
				return nil
			}
			continue
		}

		if l.oneshot {
			if done {
				return nil
			}
			// Submissions are still in flight: re-cycle once the next
			// poll is due instead of sleeping a full interval.
			sleep := time.Second
			if h, ok := b.(waitHinter); ok {
				if hint, ok := h.waitHint(); ok {
					sleep = hint
				}
			}
			if !l.wait(ctx, sleep) {
				return nil
			}
			continue
		}

		elapsed := time.Since(start)
		sleep := l.interval - elapsed
		if sleep <= 0 {
			l.logger.Info("cycle took longer than the configured interval",
				"elapsed", elapsed.Round(time.Millisecond), "interval", l.interval)
			continue
		}
		if h, ok := b.(waitHinter); ok {
			if hint, ok := h.waitHint(); ok && hint < sleep {
				sleep = hint
			}
		}
		if !l.wait(ctx, sleep) {
			return nil
		}
	}
}
