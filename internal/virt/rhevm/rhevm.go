// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rhevm retrieves host-to-guest mappings from a Red Hat
// Virtualization manager (oVirt engine) through its REST API. Both the
// version 4 API under /ovirt-engine/api and the legacy version 3 API under
// /api are supported; Prepare probes which one answers.
package rhevm

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("rhevm", New)
}

// apiRoots are probed in order; newer engines answer on the first.
var apiRoots = []string{"ovirt-engine/api", "api"}

type Backend struct {
	base         *url.URL
	username     string
	password     string
	hypervisorID string
	logger       *slog.Logger

	client *http.Client
	api    *url.URL
}

func New(section *config.Section, logger *slog.Logger) (virt.Virt, error) {
	base, err := url.Parse(section.String("server", ""))
	if err != nil {
		return nil, fmt.Errorf("server is not a valid URL: %w", err)
	}
	return &Backend{
		base:         base,
		username:     section.String("username", ""),
		password:     section.String("password", ""),
		hypervisorID: section.String("hypervisor_id", config.HypervisorIDUUID),
		logger:       logger,
	}, nil
}

func (b *Backend) Prepare(ctx context.Context) error {
	if b.client == nil {
		// Engines are commonly deployed with self-signed certificates, so
		// verification is off.
		b.client = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	var failures []string
	for _, root := range apiRoots {
		endpoint := b.base.JoinPath(root)
		status, err := b.probe(ctx, endpoint.String())
		switch {
		case err != nil:
			failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
		case status == http.StatusOK:
			b.api = endpoint
			b.logger.Debug("found RHV API", "url", endpoint.String())
			return nil
		default:
			failures = append(failures, fmt.Sprintf("%s: HTTP %d", endpoint, status))
		}
	}
	return virt.Errorf("no usable RHV API endpoint: %s", strings.Join(failures, "; "))
}

func (b *Backend) IsHypervisor() bool {
	return true
}

func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	if b.api == nil {
		return nil, virt.Errorf("not connected to the RHV API")
	}
	clusters, err := b.fetchClusters(ctx)
	if err != nil {
		return nil, err
	}
	hosts, err := b.fetchHosts(ctx)
	if err != nil {
		return nil, err
	}
	guests, err := b.fetchGuests(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]report.Hypervisor, 0, len(hosts))
	for _, host := range hosts {
		id := host.ID
		switch b.hypervisorID {
		case config.HypervisorIDHWUUID:
			if id = host.Hardware.UUID; id == "" {
				b.logger.Warn("host has no hardware uuid, skipping", "host", host.ID)
				continue
			}
		case config.HypervisorIDHostname:
			if id = host.Name; id == "" {
				b.logger.Warn("host has no name, skipping", "host", host.ID)
				continue
			}
		}
		facts := map[string]string{
			report.FactHypervisorType: "qemu",
		}
		if sockets := host.sockets(); sockets != "" {
			facts[report.FactCPUSocket] = sockets
		}
		if version := host.version(); version != "" {
			facts[report.FactHypervisorVersion] = version
		}
		if name, ok := clusters[host.Cluster.ID]; ok {
			facts[report.FactHypervisorCluster] = name
		}
		out = append(out, report.NewHypervisor(id, host.Name, guests[host.ID], facts))
	}
	b.logger.Debug("retrieved RHV inventory", "hosts", len(hosts), "clusters", len(clusters))
	return out, nil
}

// ListDomains is not supported: the engine always describes remote hosts.
func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	return nil, virt.Errorf("the rhevm backend only reports hypervisor mappings")
}

func (b *Backend) Cleanup() {
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	b.api = nil
}

type apiHost struct {
	ID       string `xml:"id,attr"`
	Name     string `xml:"name"`
	Hardware struct {
		UUID string `xml:"uuid"`
	} `xml:"hardware_information"`
	CPU struct {
		Topology struct {
			// Version 3 carries sockets as an attribute, version 4 as an
			// element.
			SocketsAttr string `xml:"sockets,attr"`
			SocketsElem string `xml:"sockets"`
		} `xml:"topology"`
	} `xml:"cpu"`
	Version struct {
		FullVersionAttr string `xml:"full_version,attr"`
		FullVersionElem string `xml:"full_version"`
	} `xml:"version"`
	Cluster struct {
		ID string `xml:"id,attr"`
	} `xml:"cluster"`
}

func (h apiHost) sockets() string {
	if h.CPU.Topology.SocketsAttr != "" {
		return h.CPU.Topology.SocketsAttr
	}
	return strings.TrimSpace(h.CPU.Topology.SocketsElem)
}

func (h apiHost) version() string {
	if h.Version.FullVersionAttr != "" {
		return h.Version.FullVersionAttr
	}
	return strings.TrimSpace(h.Version.FullVersionElem)
}

type apiVM struct {
	ID     string `xml:"id,attr"`
	Status struct {
		// Version 3 nests the state in an element, version 4 uses the text
		// of status itself.
		Text  string `xml:",chardata"`
		State string `xml:"state"`
	} `xml:"status"`
	Host struct {
		ID string `xml:"id,attr"`
	} `xml:"host"`
}

func (v apiVM) state() string {
	if s := strings.TrimSpace(v.Status.State); s != "" {
		return s
	}
	return strings.TrimSpace(v.Status.Text)
}

type apiCluster struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name"`
}

func (b *Backend) fetchClusters(ctx context.Context) (map[string]string, error) {
	clusters := make(map[string]string)
	err := b.fetchPages(ctx, "clusters", func(data []byte) (int, error) {
		var page struct {
			Clusters []apiCluster `xml:"cluster"`
		}
		if err := xml.Unmarshal(data, &page); err != nil {
			return 0, err
		}
		for _, c := range page.Clusters {
			clusters[c.ID] = c.Name
		}
		return len(page.Clusters), nil
	})
	return clusters, err
}

func (b *Backend) fetchHosts(ctx context.Context) ([]apiHost, error) {
	var hosts []apiHost
	err := b.fetchPages(ctx, "hosts", func(data []byte) (int, error) {
		var page struct {
			Hosts []apiHost `xml:"host"`
		}
		if err := xml.Unmarshal(data, &page); err != nil {
			return 0, err
		}
		hosts = append(hosts, page.Hosts...)
		return len(page.Hosts), nil
	})
	return hosts, err
}

// fetchGuests returns the running guests grouped by the id of the host they
// reside on. VMs without a host assignment are not part of any mapping.
func (b *Backend) fetchGuests(ctx context.Context) (map[string][]report.Guest, error) {
	guests := make(map[string][]report.Guest)
	err := b.fetchPages(ctx, "vms", func(data []byte) (int, error) {
		var page struct {
			VMs []apiVM `xml:"vm"`
		}
		if err := xml.Unmarshal(data, &page); err != nil {
			return 0, err
		}
		for _, vm := range page.VMs {
			if vm.Host.ID == "" {
				continue
			}
			guests[vm.Host.ID] = append(guests[vm.Host.ID],
				report.NewGuest(vm.ID, "rhevm", guestState(vm.state())))
		}
		return len(page.VMs), nil
	})
	return guests, err
}

// fetchPages walks a collection with the engine's search-based pagination
// until a page comes back empty.
func (b *Backend) fetchPages(ctx context.Context, resource string, collect func([]byte) (int, error)) error {
	for page := 1; ; page++ {
		endpoint := b.api.JoinPath(resource)
		endpoint.RawQuery = url.Values{"search": {fmt.Sprintf("page %d", page)}}.Encode()
		data, err := b.get(ctx, endpoint.String())
		if err != nil {
			return err
		}
		n, err := collect(data)
		if err != nil {
			return virt.Errorf("malformed %s response: %w", resource, err)
		}
		if n == 0 {
			return nil
		}
	}
}

func (b *Backend) probe(ctx context.Context, endpoint string) (int, error) {
	resp, err := b.do(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (b *Backend) get(ctx context.Context, endpoint string) ([]byte, error) {
	resp, err := b.do(ctx, endpoint)
	if err != nil {
		return nil, virt.WrapError("RHV API request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, virt.Errorf("RHV API returned HTTP %d for %s", resp.StatusCode, endpoint)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, virt.WrapError("failed to read RHV API response", err)
	}
	return data, nil
}

func (b *Backend) do(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(b.username, b.password)
	req.Header.Set("Accept", "application/xml")
	return b.client.Do(req)
}

// guestState maps engine VM states onto the reported guest states.
func guestState(state string) report.GuestState {
	switch strings.ToLower(state) {
	case "up":
		return report.GuestStateRunning
	case "down", "powering_up", "migrating_from", "migrating_to", "reboot_in_progress", "restoring_state":
		return report.GuestStateShutoff
	case "powering_down", "powered_down", "saving_state":
		return report.GuestStateShuttingDown
	case "paused":
		return report.GuestStatePaused
	case "suspended":
		return report.GuestStatePMSuspended
	case "not_responding", "wait_for_launch":
		return report.GuestStateBlocked
	case "image_illegal", "image_locked":
		return report.GuestStateCrashed
	default:
		return report.GuestStateUnknown
	}
}
