// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package libvirt talks to a libvirtd daemon over its RPC protocol, either
// through the local socket or over TCP. Without a server option the backend
// reports the guests of the machine it runs on; with one it reports the
// remote host with its guests as a hypervisor mapping. Guest lifecycle
// events wake the worker up before the interval elapses.
package libvirt

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("libvirt", New)
}

type Backend struct {
	server       string
	hypervisorID string
	logger       *slog.Logger

	conn        *libvirt.Libvirt
	events      chan struct{}
	cancelWatch context.CancelFunc
}

func New(section *config.Section, logger *slog.Logger) (virt.Virt, error) {
	return &Backend{
		server:       section.String("server", ""),
		hypervisorID: section.String("hypervisor_id", config.HypervisorIDUUID),
		logger:       logger,
		events:       make(chan struct{}, 1),
	}, nil
}

func (b *Backend) Prepare(ctx context.Context) error {
	if b.cancelWatch != nil {
		b.cancelWatch()
		b.cancelWatch = nil
	}
	dialer, uri, err := dialTarget(b.server)
	if err != nil {
		return err
	}
	conn := libvirt.NewWithDialer(dialer)
	if err := conn.ConnectToURI(uri); err != nil {
		return virt.WrapError("cannot connect to libvirtd", err)
	}
	b.conn = conn
	b.logger.Debug("connected to libvirtd", "uri", string(uri))

	watchCtx, cancel := context.WithCancel(context.Background())
	lifecycle, err := conn.SubscribeEvents(watchCtx, libvirt.DomainEventIDLifecycle, libvirt.OptDomain{})
	if err != nil {
		// Old daemons without event support still work, they are just
		// polled on the plain interval.
		b.logger.Debug("lifecycle events unavailable", "error", err)
		cancel()
		return nil
	}
	b.cancelWatch = cancel
	go b.watch(watchCtx, conn, lifecycle)
	return nil
}

// watch forwards lifecycle events as change signals. The events channel is
// deliberately not closed here so the worker can keep listening across
// reconnects.
func (b *Backend) watch(ctx context.Context, conn *libvirt.Libvirt, lifecycle <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Disconnected():
			return
		case _, ok := <-lifecycle:
			if !ok {
				return
			}
			select {
			case b.events <- struct{}{}:
			default:
			}
		}
	}
}

// Events implements virt.EventSource.
func (b *Backend) Events() <-chan struct{} {
	return b.events
}

// IsHypervisor reports the mode: a configured server is a remote hypervisor,
// no server means the local machine's guest list.
func (b *Backend) IsHypervisor() bool {
	return b.server != ""
}

func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	if b.conn == nil {
		return nil, virt.Errorf("not connected to libvirtd")
	}
	hostname, err := b.conn.ConnectGetHostname()
	if err != nil {
		return nil, virt.WrapError("failed to read the host name", err)
	}
	caps, err := b.hostCapabilities()
	if err != nil {
		return nil, err
	}

	id := caps.Host.UUID
	if b.hypervisorID == config.HypervisorIDHostname {
		id = hostname
	}
	if id == "" {
		return nil, virt.Errorf("the host reports no uuid to identify it by")
	}

	facts := map[string]string{}
	if _, _, _, _, _, sockets, _, _, err := b.conn.NodeGetInfo(); err == nil {
		facts[report.FactCPUSocket] = strconv.Itoa(int(sockets))
	}
	if typ, err := b.conn.ConnectGetType(); err == nil && typ != "" {
		facts[report.FactHypervisorType] = typ
	}
	if version, err := b.conn.ConnectGetVersion(); err == nil {
		facts[report.FactHypervisorVersion] = strconv.FormatUint(version, 10)
	}
	if caps.Host.UUID != "" {
		facts[report.FactSystemUUID] = caps.Host.UUID
	}

	guests, err := b.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	return []report.Hypervisor{report.NewHypervisor(id, hostname, guests, facts)}, nil
}

func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	if b.conn == nil {
		return nil, virt.Errorf("not connected to libvirtd")
	}
	domains, _, err := b.conn.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, virt.WrapError("failed to list domains", err)
	}
	guests := make([]report.Guest, 0, len(domains))
	for _, domain := range domains {
		state, _, err := b.conn.DomainGetState(domain, 0)
		if err != nil {
			return nil, virt.Errorf("failed to read the state of domain %s: %w", domain.Name, err)
		}
		guests = append(guests, report.NewGuest(formatUUID(domain.UUID), "libvirt", guestState(state)))
	}
	b.logger.Debug("retrieved libvirt domains", "count", len(guests))
	return guests, nil
}

func (b *Backend) Cleanup() {
	if b.cancelWatch != nil {
		b.cancelWatch()
		b.cancelWatch = nil
	}
	if b.conn != nil {
		if err := b.conn.Disconnect(); err != nil {
			b.logger.Debug("libvirtd disconnect failed", "error", err)
		}
		b.conn = nil
	}
}

// capabilities is the slice of the capabilities XML the mapping needs.
type capabilities struct {
	Host struct {
		UUID string `xml:"uuid"`
	} `xml:"host"`
}

func (b *Backend) hostCapabilities() (*capabilities, error) {
	raw, err := b.conn.ConnectGetCapabilities()
	if err != nil {
		return nil, virt.WrapError("failed to read the host capabilities", err)
	}
	caps, err := parseCapabilities(raw)
	if err != nil {
		return nil, virt.WrapError("malformed capabilities document", err)
	}
	return caps, nil
}

func parseCapabilities(raw string) (*capabilities, error) {
	var caps capabilities
	if err := xml.Unmarshal([]byte(raw), &caps); err != nil {
		return nil, err
	}
	caps.Host.UUID = strings.TrimSpace(caps.Host.UUID)
	return &caps, nil
}

// dialTarget picks the transport for the configured server. An empty server
// is the local socket. A bare host name or a qemu+tcp URI dials the daemon
// over TCP; the ssh and tls transports need tooling this agent does not
// carry and are rejected up front.
func dialTarget(server string) (socket.Dialer, libvirt.ConnectURI, error) {
	if server == "" {
		return dialers.NewLocal(), libvirt.QEMUSystem, nil
	}
	raw := server
	if !strings.Contains(raw, "://") {
		raw = "qemu+tcp://" + raw + "/system"
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("server is not a valid libvirt URI: %w", err)
	}
	driver, transport, _ := strings.Cut(parsed.Scheme, "+")
	if driver == "" {
		driver = "qemu"
	}
	path := strings.TrimPrefix(parsed.Path, "/")
	if path == "" {
		path = "system"
	}
	uri := libvirt.ConnectURI(driver + ":///" + path)
	switch transport {
	case "", "tcp":
		if port := parsed.Port(); port != "" {
			return dialers.NewRemote(parsed.Hostname(), dialers.UsePort(port)), uri, nil
		}
		return dialers.NewRemote(parsed.Hostname()), uri, nil
	default:
		return nil, "", fmt.Errorf("unsupported libvirt transport %q, use tcp or connect locally", transport)
	}
}

func formatUUID(uuid libvirt.UUID) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", uuid[0:4], uuid[4:6], uuid[6:8], uuid[8:10], uuid[10:16])
}

// guestState maps libvirt domain states onto the reported guest states. The
// numeric values line up, so anything in range passes through.
func guestState(state int32) report.GuestState {
	if state < int32(report.GuestStateUnknown) || state > int32(report.GuestStatePMSuspended) {
		return report.GuestStateUnknown
	}
	return report.GuestState(state)
}
