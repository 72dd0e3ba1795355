// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package xen retrieves host-to-guest mappings from XenServer and XCP-ng
// pools through the XenAPI XML-RPC interface on the pool master.
package xen

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kolo/xmlrpc"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("xen", New)
}

// Backend holds one XenAPI session. Sessions expire server-side; a failed
// cycle makes the worker call Prepare again, which logs in anew.
type Backend struct {
	server       string
	username     string
	password     string
	hypervisorID string
	logger       *slog.Logger

	rpc     *xmlrpc.Client
	session string
}

func New(section *config.Section, logger *slog.Logger) (virt.Virt, error) {
	return &Backend{
		server:       section.String("server", ""),
		username:     section.String("username", ""),
		password:     section.String("password", ""),
		hypervisorID: section.String("hypervisor_id", config.HypervisorIDUUID),
		logger:       logger,
	}, nil
}

func (b *Backend) Prepare(ctx context.Context) error {
	if b.rpc == nil {
		// XenServer pools run self-signed certificates, so verification
		// stays off. The API answers on the root path of the server URL.
		transport := &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
		rpc, err := xmlrpc.NewClient(b.server, transport)
		if err != nil {
			return virt.WrapError("failed to set up XenAPI client", err)
		}
		b.rpc = rpc
	}
	value, err := b.call("session.login_with_password", b.username, b.password, "1.0", "virt-who")
	if err != nil {
		return virt.WrapError("XenAPI login failed", err)
	}
	session, ok := value.(string)
	if !ok || session == "" {
		return virt.Errorf("XenAPI login returned no session reference")
	}
	b.session = session
	b.logger.Debug("logged in to XenAPI", "server", b.server)
	return nil
}

func (b *Backend) IsHypervisor() bool {
	return true
}

func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hostsValue, err := b.call("host.get_all_records", b.session)
	if err != nil {
		return nil, err
	}
	vmsValue, err := b.call("VM.get_all_records", b.session)
	if err != nil {
		return nil, err
	}
	hosts, ok := hostsValue.(map[string]interface{})
	if !ok {
		return nil, virt.Errorf("host.get_all_records returned no record set")
	}
	vms, ok := vmsValue.(map[string]interface{})
	if !ok {
		return nil, virt.Errorf("VM.get_all_records returned no record set")
	}

	out := make([]report.Hypervisor, 0, len(hosts))
	for ref, raw := range hosts {
		host, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id := stringField(host, "uuid")
		if b.hypervisorID == config.HypervisorIDHostname {
			id = stringField(host, "hostname")
		}
		if id == "" {
			b.logger.Warn("host has no usable identifier, skipping", "host", ref)
			continue
		}
		out = append(out, report.NewHypervisor(
			id,
			stringField(host, "hostname"),
			b.residentGuests(host, vms),
			hostFacts(host),
		))
	}
	b.logger.Debug("retrieved XenAPI records", "hosts", len(out), "vms", len(vms))
	return out, nil
}

// ListDomains is not supported: XenAPI always describes the whole pool.
func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	return nil, virt.Errorf("the xen backend only reports hypervisor mappings")
}

func (b *Backend) Cleanup() {
	if b.rpc == nil {
		return
	}
	if b.session != "" {
		_, _ = b.call("session.logout", b.session)
		b.session = ""
	}
	_ = b.rpc.Close()
	b.rpc = nil
}

// call performs one XenAPI request and unwraps the Status/Value envelope
// every method wraps its result in.
func (b *Backend) call(method string, args ...interface{}) (interface{}, error) {
	var result struct {
		Status           string      `xmlrpc:"Status"`
		Value            interface{} `xmlrpc:"Value"`
		ErrorDescription []string    `xmlrpc:"ErrorDescription"`
	}
	if err := b.rpc.Call(method, args, &result); err != nil {
		return nil, virt.Errorf("%s failed: %w", method, err)
	}
	if result.Status != "Success" {
		return nil, virt.Errorf("%s failed: %s", method, strings.Join(result.ErrorDescription, " "))
	}
	return result.Value, nil
}

// residentGuests resolves the resident_VMs references of a host record.
// Control domains are the hosts themselves and are never reported.
func (b *Backend) residentGuests(host, vms map[string]interface{}) []report.Guest {
	refs, _ := host["resident_VMs"].([]interface{})
	guests := make([]report.Guest, 0, len(refs))
	for _, ref := range refs {
		name, ok := ref.(string)
		if !ok {
			continue
		}
		vm, ok := vms[name].(map[string]interface{})
		if !ok {
			b.logger.Warn("resident VM has no record", "vm", name)
			continue
		}
		if boolField(vm, "is_control_domain") {
			continue
		}
		uuid := stringField(vm, "uuid")
		if uuid == "" {
			continue
		}
		guests = append(guests, report.NewGuest(uuid, "xen", guestState(stringField(vm, "power_state"))))
	}
	return guests
}

func hostFacts(host map[string]interface{}) map[string]string {
	facts := make(map[string]string)
	if sockets := stringField(mapField(host, "cpu_info"), "socket_count"); sockets != "" {
		facts[report.FactCPUSocket] = sockets
	}
	software := mapField(host, "software_version")
	if brand := stringField(software, "product_brand"); brand != "" {
		facts[report.FactHypervisorType] = brand
	}
	if version := stringField(software, "product_version"); version != "" {
		facts[report.FactHypervisorVersion] = version
	}
	return facts
}

// guestState maps XenAPI power states onto the reported guest states.
func guestState(state string) report.GuestState {
	switch state {
	case "Running":
		return report.GuestStateRunning
	case "Halted":
		return report.GuestStateShutoff
	case "Paused":
		return report.GuestStatePaused
	case "Suspended":
		return report.GuestStatePMSuspended
	default:
		return report.GuestStateUnknown
	}
}

func stringField(record map[string]interface{}, key string) string {
	s, _ := record[key].(string)
	return s
}

func boolField(record map[string]interface{}, key string) bool {
	v, _ := record[key].(bool)
	return v
}

func mapField(record map[string]interface{}, key string) map[string]interface{} {
	m, _ := record[key].(map[string]interface{})
	return m
}
