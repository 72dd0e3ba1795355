// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package satellite talks to a Satellite 5 server over its XML-RPC API.
// Satellite 5 has no notion of host-to-guest associations across owners;
// instead every hypervisor is registered as a system of its own and its
// guests are delivered as a virtualization event plan.
package satellite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolo/xmlrpc"

	"github.com/candlepin/virt-who-go/internal/manager"
	"github.com/candlepin/virt-who-go/internal/report"
)

// DefaultDataDir holds the cached system identities Satellite hands out
// when a hypervisor is first registered.
const DefaultDataDir = "/var/lib/virt-who"

// Config is the resolved connection configuration for one Satellite 5
// server.
type Config struct {
	// Server is normalized to https://HOST/XMLRPC when scheme or path are
	// missing.
	Server   string
	Username string
	Password string

	// DataDir caches the per-hypervisor system identities.
	DataDir string
}

// Client implements manager.DestinationClient against Satellite 5. A
// client belongs to one destination worker and is not safe for concurrent
// use.
type Client struct {
	conf   Config
	rpc    *xmlrpc.Client
	logger *slog.Logger

	// systemIDs caches hypervisor registrations for this process; the
	// durable copy lives under DataDir.
	systemIDs map[string]string
}

// ConfigFromDestination resolves the connection options of a satellite5
// destination.
func ConfigFromDestination(d *manager.Satellite5Destination) Config {
	return Config{
		Server:   d.Server,
		Username: d.Username,
		Password: d.Password,
	}
}

func New(conf Config, logger *slog.Logger) (*Client, error) {
	if conf.Server == "" {
		return nil, fmt.Errorf("satellite server is not configured")
	}
	if !strings.HasPrefix(conf.Server, "http://") && !strings.HasPrefix(conf.Server, "https://") {
		conf.Server = "https://" + conf.Server
	}
	if !strings.HasSuffix(conf.Server, "/XMLRPC") {
		conf.Server = strings.TrimSuffix(conf.Server, "/") + "/XMLRPC"
	}
	if conf.DataDir == "" {
		conf.DataDir = DefaultDataDir
	}
	rpc, err := xmlrpc.NewClient(conf.Server, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to set up XML-RPC client: %w", err)
	}
	return &Client{
		conf:      conf,
		rpc:       rpc,
		logger:    logger,
		systemIDs: make(map[string]string),
	}, nil
}

func (c *Client) Close() {
	_ = c.rpc.Close()
}

// HypervisorCheckin delivers the association, one virt_notify call per
// hypervisor. Satellite 5 handles every call synchronously, so no job id
// is ever returned.
func (c *Client) HypervisorCheckin(ctx context.Context, r *report.HostGuestReport) (string, error) {
	assoc := r.Association()
	c.logger.Info("submitting hypervisor checkin",
		"config", r.Source(), "hypervisors", len(assoc), "guests", countGuests(assoc))

	for _, hv := range assoc {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		systemID, err := c.systemID(hv)
		if err != nil {
			return "", err
		}
		plan := eventPlan(hv)
		var result int
		if err := c.rpc.Call("registration.virt_notify", []interface{}{systemID, plan}, &result); err != nil {
			return "", fmt.Errorf("virt_notify for %s failed: %w", hv.HypervisorID, err)
		}
		c.logger.Debug("notified satellite", "hypervisor", hv.HypervisorID, "guests", len(hv.Guests))
	}
	return "", nil
}

// SendGuestList is not a concept Satellite 5 has.
func (c *Client) SendGuestList(ctx context.Context, r *report.GuestListReport) error {
	return manager.ErrGuestListsUnsupported
}

// CheckJobState is never reached: checkins are synchronous.
func (c *Client) CheckJobState(ctx context.Context, jobID string) (report.State, error) {
	return 0, fmt.Errorf("satellite 5 has no asynchronous jobs")
}

// Heartbeat verifies the server answers XML-RPC at all.
func (c *Client) Heartbeat(ctx context.Context, r *report.StatusReport) error {
	var welcome string
	if err := c.rpc.Call("registration.welcome_message", []interface{}{}, &welcome); err != nil {
		r.Destination.Message = err.Error()
		return err
	}
	r.Destination.Connection = "ok"
	return nil
}

// systemID returns the satellite identity for the hypervisor, registering
// it on first contact. Identities are cached on disk so restarts do not
// re-register every hypervisor.
func (c *Client) systemID(hv report.Hypervisor) (string, error) {
	if id, ok := c.systemIDs[hv.HypervisorID]; ok {
		return id, nil
	}
	if id, err := c.loadSystemID(hv.HypervisorID); err == nil {
		c.systemIDs[hv.HypervisorID] = id
		return id, nil
	}

	name := hv.Name
	if name == "" {
		name = hv.HypervisorID
	}
	var reply struct {
		SystemID string `xmlrpc:"system_id"`
	}
	args := []interface{}{
		"virt-who hypervisor " + name,
		"unknown",
		"6Server",
		"x86_64",
		c.conf.Username,
		c.conf.Password,
		map[string]interface{}{},
	}
	if err := c.rpc.Call("registration.new_system_user_pass", args, &reply); err != nil {
		return "", fmt.Errorf("failed to register hypervisor %s: %w", hv.HypervisorID, err)
	}
	if reply.SystemID == "" {
		return "", fmt.Errorf("satellite returned no system id for hypervisor %s", hv.HypervisorID)
	}
	var ignored int
	if err := c.rpc.Call("registration.refresh_hw_profile", []interface{}{reply.SystemID, []interface{}{}}, &ignored); err != nil {
		return "", fmt.Errorf("failed to refresh hardware profile of %s: %w", hv.HypervisorID, err)
	}
	c.logger.Info("registered hypervisor with satellite", "hypervisor", hv.HypervisorID)

	if err := c.storeSystemID(hv.HypervisorID, reply.SystemID); err != nil {
		c.logger.Warn("failed to cache system id", "hypervisor", hv.HypervisorID, "error", err)
	}
	c.systemIDs[hv.HypervisorID] = reply.SystemID
	return reply.SystemID, nil
}

type storedIdentity struct {
	SystemID string `json:"system_id"`
}

func (c *Client) identityPath(hypervisorID string) string {
	return filepath.Join(c.conf.DataDir, "hypervisor-systemid-"+sanitize(hypervisorID)+".json")
}

func (c *Client) loadSystemID(hypervisorID string) (string, error) {
	data, err := os.ReadFile(c.identityPath(hypervisorID))
	if err != nil {
		return "", err
	}
	var stored storedIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return "", err
	}
	if stored.SystemID == "" {
		return "", fmt.Errorf("empty system id in %s", c.identityPath(hypervisorID))
	}
	return stored.SystemID, nil
}

func (c *Client) storeSystemID(hypervisorID, systemID string) error {
	data, err := json.Marshal(storedIdentity{SystemID: systemID})
	if err != nil {
		return err
	}
	return os.WriteFile(c.identityPath(hypervisorID), data, 0o600)
}

// sanitize keeps hypervisor ids usable as file names.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// eventPlan builds the ordered virtualization event list for one
// hypervisor: the host itself, a crawl window, and one domain event per
// guest.
func eventPlan(hv report.Hypervisor) []interface{} {
	plan := []interface{}{
		[]interface{}{0, "exists", "system", map[string]interface{}{
			"identity": "host",
			"uuid":     "0000000000000000",
		}},
		[]interface{}{0, "crawl_began", "system", map[string]interface{}{}},
	}
	for _, guest := range hv.SortedGuests() {
		plan = append(plan, []interface{}{0, "exists", "domain", map[string]interface{}{
			"uuid":        strings.ReplaceAll(guest.ID, "-", ""),
			"name":        fmt.Sprintf("VM %s from %s hypervisor %s", guest.ID, guest.VirtType, hv.HypervisorID),
			"state":       satelliteState(guest.State),
			"virt_type":   "fully_virtualized",
			"vcpus":       1,
			"memory_size": 0,
		}})
	}
	plan = append(plan, []interface{}{0, "crawl_ended", "system", map[string]interface{}{}})
	return plan
}

// satelliteState maps guest power states onto the string set Satellite 5
// accepts.
func satelliteState(s report.GuestState) string {
	switch s {
	case report.GuestStateRunning:
		return "running"
	case report.GuestStateBlocked:
		return "blocked"
	case report.GuestStatePaused:
		return "paused"
	case report.GuestStateShuttingDown:
		return "shutdown"
	case report.GuestStateShutoff:
		return "shutoff"
	case report.GuestStateCrashed:
		return "crashed"
	default:
		return "nostate"
	}
}

func countGuests(assoc []report.Hypervisor) int {
	total := 0
	for _, h := range assoc {
		total += len(h.Guests)
	}
	return total
}
