// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/candlepin/virt-who-go/internal/monitoring"
)

// Monitor is a collection of Prometheus metrics for the engine workers.
// The zero value disables all instrumentation.
type Monitor struct {
	// A histogram to measure how long one retrieval cycle takes.
	RetrieveTimer *prometheus.HistogramVec
	// A gauge to observe the number of hypervisors seen per source.
	HypervisorsGauge *prometheus.GaugeVec
	// A gauge to observe the number of guests seen per source.
	GuestsGauge *prometheus.GaugeVec
	// A counter to observe failed source cycles.
	RetrieveErrorsCounter *prometheus.CounterVec
	// A histogram to measure how long one submission takes.
	SubmitTimer *prometheus.HistogramVec
	// A counter to observe accepted submissions.
	SubmittedCounter *prometheus.CounterVec
	// A counter to observe reports skipped as unchanged.
	DuplicatesCounter *prometheus.CounterVec
	// A counter to observe rate-limited requests.
	RateLimitedCounter *prometheus.CounterVec
}

// NewMonitor creates a worker monitor and registers its metrics.
func NewMonitor(registry *monitoring.Registry) Monitor {
	retrieveTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "virtwho_retrieve_duration_seconds",
		Help:    "Duration of one host-guest retrieval cycle.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 21), // 0.001s to ~1048s in 21 buckets,
	}, []string{"config"})
	hypervisorsGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "virtwho_hypervisors",
		Help: "Number of hypervisors reported by the source, after filtering.",
	}, []string{"config"})
	guestsGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "virtwho_guests",
		Help: "Number of guests reported by the source, after filtering.",
	}, []string{"config"})
	retrieveErrorsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virtwho_retrieve_errors_total",
		Help: "Number of failed retrieval cycles.",
	}, []string{"config"})
	submitTimer := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "virtwho_submit_duration_seconds",
		Help:    "Duration of one report submission.",
		Buckets: prometheus.DefBuckets,
	}, []string{"destination"})
	submittedCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virtwho_reports_submitted_total",
		Help: "Number of reports accepted by the destination.",
	}, []string{"destination"})
	duplicatesCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virtwho_reports_unchanged_total",
		Help: "Number of reports skipped because the content did not change.",
	}, []string{"destination"})
	rateLimitedCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virtwho_rate_limited_total",
		Help: "Number of requests the destination answered with 429.",
	}, []string{"destination"})
	registry.MustRegister(
		retrieveTimer,
		hypervisorsGauge,
		guestsGauge,
		retrieveErrorsCounter,
		submitTimer,
		submittedCounter,
		duplicatesCounter,
		rateLimitedCounter,
	)
	return Monitor{
		RetrieveTimer:         retrieveTimer,
		HypervisorsGauge:      hypervisorsGauge,
		GuestsGauge:           guestsGauge,
		RetrieveErrorsCounter: retrieveErrorsCounter,
		SubmitTimer:           submitTimer,
		SubmittedCounter:      submittedCounter,
		DuplicatesCounter:     duplicatesCounter,
		RateLimitedCounter:    rateLimitedCounter,
	}
}
