// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package monitoring wires the agent's Prometheus metrics registry.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// Config selects whether metrics are served and how they are labeled.
type Config struct {
	// Port of the /metrics endpoint; zero keeps the endpoint off.
	Port int
	// Labels are attached to every gathered metric so the agent's series
	// can be told apart from other processes scraped by the same server.
	Labels map[string]string
}

type Registry struct {
	*prometheus.Registry
	config Config
}

func NewRegistry(config Config) *Registry {
	registry := &Registry{
		Registry: prometheus.NewRegistry(),
		config:   config,
	}
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

// Gather implements prometheus.Gatherer with the configured labels added
// to every metric.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	families, err := r.Registry.Gather()
	if err != nil {
		return nil, err
	}
	for name, value := range r.config.Labels {
		for _, family := range families {
			for _, metric := range family.Metric {
				metric.Label = append(metric.Label, &dto.LabelPair{
					Name:  &name,
					Value: &value,
				})
			}
		}
	}
	return families, nil
}
