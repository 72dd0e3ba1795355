// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package executor assembles the engine from the effective configuration:
// one source worker per valid section, one destination worker per distinct
// destination, the shared datastore between them, and the optional metrics
// endpoint. It runs the workers to completion and renders the print and
// status outputs.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sapcc/go-bits/httpext"
	"golang.org/x/sync/errgroup"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/datastore"
	"github.com/candlepin/virt-who-go/internal/manager"
	"github.com/candlepin/virt-who-go/internal/manager/candlepin"
	"github.com/candlepin/virt-who-go/internal/manager/satellite"
	"github.com/candlepin/virt-who-go/internal/monitoring"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/status"
	"github.com/candlepin/virt-who-go/internal/virt"
	"github.com/candlepin/virt-who-go/internal/worker"
)

// Executor owns one engine run, continuous or oneshot.
type Executor struct {
	cfg    *config.EffectiveConfig
	logger *slog.Logger
	out    io.Writer
}

func New(cfg *config.EffectiveConfig, logger *slog.Logger, out io.Writer) *Executor {
	return &Executor{cfg: cfg, logger: logger, out: out}
}

// Run builds and runs the workers until the context is canceled or, in
// oneshot, print and status modes, until every worker settled. The print
// and status outputs are rendered after the workers are done.
func (e *Executor) Run(ctx context.Context) error {
	global := e.cfg.Global()
	settings := e.cfg.Settings()

	release, err := acquirePidFile(settings.PidFilePath)
	if err != nil {
		return err
	}
	defer release()

	store := datastore.New()
	var statusStore *status.Store
	if settings.StatusFilePath != "" {
		statusStore = status.NewStore(settings.StatusFilePath, settings.StatusLockPath)
	}

	var monitor worker.Monitor
	if global.MetricsPort > 0 && !global.Print {
		registry := monitoring.NewRegistry(monitoring.Config{
			Port:   global.MetricsPort,
			Labels: map[string]string{"reporter_id": global.ReporterID},
		})
		monitor = worker.NewMonitor(registry)
		go serveMetrics(ctx, registry, global.MetricsPort, e.logger)
	}

	oneshot := global.Oneshot || global.Print || global.Status
	workers, err := e.buildWorkers(store, statusStore, monitor, oneshot)
	if err != nil {
		return err
	}
	e.logger.Info("engine starting",
		"sources", len(e.cfg.Sources()), "workers", len(workers),
		"interval", global.Interval, "oneshot", oneshot)

	var group errgroup.Group
	for _, w := range workers {
		group.Go(func() error { return w.Run(ctx) })
	}
	runErr := group.Wait()

	switch {
	case global.Print:
		if err := e.renderPrint(store); err != nil {
			return err
		}
	case global.Status:
		if err := e.renderStatus(store, global.JSONOutput); err != nil {
			return err
		}
	}
	return runErr
}

// buildWorkers wires sections to backends and the destination plan to
// clients. Print mode runs without destinations: the datastore content is
// the output.
func (e *Executor) buildWorkers(store *datastore.Datastore, statusStore *status.Store, monitor worker.Monitor, oneshot bool) ([]worker.Worker, error) {
	global := e.cfg.Global()
	sources := e.cfg.Sources()

	var workers []worker.Worker
	for _, section := range sources {
		backend, err := virt.FromConfig(section, e.logger)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", section.Name, err)
		}
		w, err := worker.NewSource(section, backend, store, worker.SourceOptions{
			Interval:    global.Interval,
			Oneshot:     oneshot,
			StatusMode:  global.Status,
			StatusStore: statusStore,
			Monitor:     monitor,
			Logger:      e.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", section.Name, err)
		}
		workers = append(workers, w)
	}

	if global.Print {
		return workers, nil
	}

	for _, route := range manager.MapDestinations(sources) {
		client, err := e.newClient(route.Destination)
		if err != nil {
			return nil, fmt.Errorf("destination %s: %w", route.Destination.Name(), err)
		}
		workers = append(workers, worker.NewDestination(route, client, store, worker.DestOptions{
			Interval:    global.Interval,
			Oneshot:     oneshot,
			StatusStore: statusStore,
			Monitor:     monitor,
			Logger:      e.logger,
		}))
	}
	return workers, nil
}

func (e *Executor) newClient(dest manager.Destination) (manager.DestinationClient, error) {
	global := e.cfg.Global()
	switch d := dest.(type) {
	case *manager.Satellite5Destination:
		return satellite.New(satellite.ConfigFromDestination(d), e.logger)
	case *manager.Satellite6Destination:
		return candlepin.New(candlepin.ConfigFromDestination(d, global.ReporterID), e.logger)
	case *manager.DefaultDestination:
		return candlepin.New(candlepin.Config{ReporterID: global.ReporterID}, e.logger)
	default:
		return nil, fmt.Errorf("no client for destination kind %q", dest.Kind())
	}
}

func serveMetrics(ctx context.Context, registry *monitoring.Registry, port int, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", "port", port)
	addr := fmt.Sprintf(":%d", port)
	if err := httpext.ListenAndServeContext(ctx, addr, mux); err != nil {
		logger.Error("metrics server failed", "error", err)
	}
}

// printedSource is one entry of the --print output. The fake backend reads
// files in exactly this shape.
type printedSource struct {
	Hypervisors  []report.Hypervisor `json:"hypervisors,omitempty"`
	Guests       []report.Guest      `json:"guests,omitempty"`
	HypervisorID string              `json:"hypervisorId,omitempty"`
	Error        string              `json:"error,omitempty"`
}

func (e *Executor) renderPrint(store *datastore.Datastore) error {
	out := make(map[string]printedSource)
	for _, key := range store.Keys() {
		r, ok := store.Get(key)
		if !ok {
			continue
		}
		var entry printedSource
		switch r := r.(type) {
		case *report.HostGuestReport:
			entry.Hypervisors = r.Association()
		case *report.GuestListReport:
			entry.Guests = r.SortedGuests()
			entry.HypervisorID = r.HypervisorID
		case *report.ErrorReport:
			entry.Error = r.Reason
		default:
			continue
		}
		out[key] = entry
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.out, string(data))
	return err
}

// statusEntry is one configuration in the --status output.
type statusEntry struct {
	Name        string                   `json:"name"`
	Source      report.SourceStatus      `json:"source"`
	Destination report.DestinationStatus `json:"destination"`
}

func (e *Executor) renderStatus(store *datastore.Datastore, jsonOutput bool) error {
	entries := []statusEntry{}
	for _, key := range store.Keys() {
		r, ok := store.Get(key)
		if !ok {
			continue
		}
		sr, ok := r.(*report.StatusReport)
		if !ok {
			continue
		}
		entries = append(entries, statusEntry{Name: key, Source: sr.Status, Destination: sr.Destination})
	}

	if jsonOutput {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(e.out, string(data))
		return err
	}

	for _, entry := range entries {
		fmt.Fprintf(e.out, "Configuration: %s\n", entry.Name)
		fmt.Fprintf(e.out, "  Source:\n")
		fmt.Fprintf(e.out, "    Connection: %s\n", orUnknown(entry.Source.Connection))
		if entry.Source.Message != "" {
			fmt.Fprintf(e.out, "    Message: %s\n", entry.Source.Message)
		}
		fmt.Fprintf(e.out, "    Last successful retrieve: %s\n", formatTime(entry.Source.LastSuccessfulRetrieve))
		fmt.Fprintf(e.out, "    Hypervisors: %d\n", entry.Source.Hypervisors)
		fmt.Fprintf(e.out, "    Guests: %d\n", entry.Source.Guests)
		fmt.Fprintf(e.out, "  Destination:\n")
		fmt.Fprintf(e.out, "    Connection: %s\n", orUnknown(entry.Destination.Connection))
		if entry.Destination.Message != "" {
			fmt.Fprintf(e.out, "    Message: %s\n", entry.Destination.Message)
		}
		fmt.Fprintf(e.out, "    Last successful send: %s\n", formatTime(entry.Destination.LastSuccessfulSend))
		if entry.Destination.LastJobID != "" {
			fmt.Fprintf(e.out, "    Last job id: %s\n", entry.Destination.LastJobID)
		}
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

// acquirePidFile writes the agent's pid and refuses to start while another
// live process holds the file. The returned release removes the file.
func acquirePidFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if data, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid != os.Getpid() && pidAlive(pid) {
			return nil, fmt.Errorf("virt-who seems to be already running as pid %d; if not, remove %s", pid, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, err
	}
	return func() { _ = os.Remove(path) }, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
