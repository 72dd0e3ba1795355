// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package ahv retrieves host-to-guest mappings from Nutanix AHV. A Prism
// Element endpoint is queried through the v2 REST API; with prism_central
// enabled the v3 API of a Prism Central instance is used instead, which
// spans every registered cluster.
package ahv

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("ahv", New)
}

const (
	defaultPort = "9440"
	v2Root      = "PrismGateway/services/rest/v2.0"
	v3Root      = "api/nutanix/v3"
	// pageSize bounds one v3 list request; listings loop until
	// total_matches entities arrived.
	pageSize = 500
)

type Backend struct {
	base         *url.URL
	username     string
	password     string
	prismCentral bool
	logger       *slog.Logger

	client *http.Client
}

func New(section *config.Section, logger *slog.Logger) (virt.Virt, error) {
	base, err := normalizeEndpoint(section.String("server", ""))
	if err != nil {
		return nil, err
	}
	prismCentral, err := section.Bool("prism_central", false)
	if err != nil {
		return nil, err
	}
	if section.Has("update_interval") {
		logger.Debug("update_interval is superseded by the reporting interval")
	}
	return &Backend{
		base:         base,
		username:     section.String("username", ""),
		password:     section.String("password", ""),
		prismCentral: prismCentral,
		logger:       logger,
	}, nil
}

// normalizeEndpoint fills in the Prism conventions: https on port 9440.
func normalizeEndpoint(server string) (*url.URL, error) {
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("server is not a valid URL: %w", err)
	}
	if u.Port() == "" {
		u.Host += ":" + defaultPort
	}
	return u, nil
}

func (b *Backend) Prepare(ctx context.Context) error {
	if b.client == nil {
		// Prism ships with a self-signed certificate, so verification is
		// off.
		b.client = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	if b.prismCentral {
		var listing struct {
			Metadata struct {
				TotalMatches int `json:"total_matches"`
			} `json:"metadata"`
		}
		payload := map[string]interface{}{"kind": "cluster", "length": 1}
		if err := b.postJSON(ctx, b.base.JoinPath(v3Root, "clusters", "list").String(), payload, &listing); err != nil {
			return virt.WrapError("cannot reach Prism Central", err)
		}
		b.logger.Debug("connected to Prism Central", "clusters", listing.Metadata.TotalMatches)
		return nil
	}
	var cluster struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := b.getJSON(ctx, b.base.JoinPath(v2Root, "cluster").String(), &cluster); err != nil {
		return virt.WrapError("cannot reach Prism Element", err)
	}
	b.logger.Debug("connected to Prism Element", "cluster", cluster.Name, "version", cluster.Version)
	return nil
}

func (b *Backend) IsHypervisor() bool {
	return true
}

func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	if b.prismCentral {
		return b.centralMapping(ctx)
	}
	return b.elementMapping(ctx)
}

// ListDomains is not supported: Prism always describes remote hosts.
func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	return nil, virt.Errorf("the ahv backend only reports hypervisor mappings")
}

func (b *Backend) Cleanup() {
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
}

type v2Host struct {
	UUID               string `json:"uuid"`
	Name               string `json:"name"`
	NumCPUSockets      int    `json:"num_cpu_sockets"`
	HypervisorFullName string `json:"hypervisor_full_name"`
	ClusterUUID        string `json:"cluster_uuid"`
}

type v2VM struct {
	UUID       string `json:"uuid"`
	PowerState string `json:"power_state"`
	HostUUID   string `json:"host_uuid"`
}

type v2Cluster struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

func (b *Backend) elementMapping(ctx context.Context) ([]report.Hypervisor, error) {
	var hosts []v2Host
	if err := b.listV2(ctx, "hosts", &hosts); err != nil {
		return nil, err
	}
	var vms []v2VM
	if err := b.listV2(ctx, "vms", &vms); err != nil {
		return nil, err
	}
	var clusters []v2Cluster
	if err := b.listV2(ctx, "clusters", &clusters); err != nil {
		return nil, err
	}
	clusterNames := make(map[string]string, len(clusters))
	for _, c := range clusters {
		clusterNames[c.UUID] = c.Name
	}

	guests := make(map[string][]report.Guest)
	for _, vm := range vms {
		if vm.HostUUID == "" || vm.UUID == "" {
			continue
		}
		guests[vm.HostUUID] = append(guests[vm.HostUUID],
			report.NewGuest(vm.UUID, "ahv", guestState(vm.PowerState)))
	}

	out := make([]report.Hypervisor, 0, len(hosts))
	for _, host := range hosts {
		if host.UUID == "" {
			continue
		}
		facts := map[string]string{
			report.FactHypervisorType: "AHV",
			report.FactSystemUUID:     host.UUID,
		}
		if host.NumCPUSockets > 0 {
			facts[report.FactCPUSocket] = strconv.Itoa(host.NumCPUSockets)
		}
		if host.HypervisorFullName != "" {
			facts[report.FactHypervisorVersion] = host.HypervisorFullName
		}
		if name, ok := clusterNames[host.ClusterUUID]; ok {
			facts[report.FactHypervisorCluster] = name
		}
		out = append(out, report.NewHypervisor(host.UUID, host.Name, guests[host.UUID], facts))
	}
	b.logger.Debug("retrieved AHV inventory", "api", "v2", "hosts", len(out), "vms", len(vms))
	return out, nil
}

type v3Host struct {
	Metadata struct {
		UUID string `json:"uuid"`
	} `json:"metadata"`
	Status struct {
		Name             string `json:"name"`
		ClusterReference struct {
			Name string `json:"name"`
		} `json:"cluster_reference"`
		Resources struct {
			NumCPUSockets int `json:"num_cpu_sockets"`
			Hypervisor    struct {
				FullName string `json:"hypervisor_full_name"`
			} `json:"hypervisor"`
		} `json:"resources"`
	} `json:"status"`
}

type v3VM struct {
	Metadata struct {
		UUID string `json:"uuid"`
	} `json:"metadata"`
	Status struct {
		Resources struct {
			PowerState    string `json:"power_state"`
			HostReference struct {
				UUID string `json:"uuid"`
			} `json:"host_reference"`
		} `json:"resources"`
	} `json:"status"`
}

func (b *Backend) centralMapping(ctx context.Context) ([]report.Hypervisor, error) {
	var hosts []v3Host
	if err := b.listV3(ctx, "hosts", "host", &hosts); err != nil {
		return nil, err
	}
	var vms []v3VM
	if err := b.listV3(ctx, "vms", "vm", &vms); err != nil {
		return nil, err
	}

	guests := make(map[string][]report.Guest)
	for _, vm := range vms {
		hostUUID := vm.Status.Resources.HostReference.UUID
		if hostUUID == "" || vm.Metadata.UUID == "" {
			continue
		}
		guests[hostUUID] = append(guests[hostUUID],
			report.NewGuest(vm.Metadata.UUID, "ahv", guestState(vm.Status.Resources.PowerState)))
	}

	out := make([]report.Hypervisor, 0, len(hosts))
	for _, host := range hosts {
		if host.Metadata.UUID == "" {
			continue
		}
		facts := map[string]string{
			report.FactHypervisorType: "AHV",
			report.FactSystemUUID:     host.Metadata.UUID,
		}
		if sockets := host.Status.Resources.NumCPUSockets; sockets > 0 {
			facts[report.FactCPUSocket] = strconv.Itoa(sockets)
		}
		if version := host.Status.Resources.Hypervisor.FullName; version != "" {
			facts[report.FactHypervisorVersion] = version
		}
		if cluster := host.Status.ClusterReference.Name; cluster != "" {
			facts[report.FactHypervisorCluster] = cluster
		}
		out = append(out, report.NewHypervisor(host.Metadata.UUID, host.Status.Name, guests[host.Metadata.UUID], facts))
	}
	b.logger.Debug("retrieved AHV inventory", "api", "v3", "hosts", len(out), "vms", len(vms))
	return out, nil
}

// listV2 walks a Prism Element collection page by page until total_entities
// arrived.
func (b *Backend) listV2(ctx context.Context, resource string, out interface{}) error {
	var entities []json.RawMessage
	for page := 1; ; page++ {
		endpoint := b.base.JoinPath(v2Root, resource)
		endpoint.RawQuery = url.Values{
			"count": {strconv.Itoa(pageSize)},
			"page":  {strconv.Itoa(page)},
		}.Encode()
		var listing struct {
			Metadata struct {
				TotalEntities int `json:"total_entities"`
			} `json:"metadata"`
			Entities []json.RawMessage `json:"entities"`
		}
		if err := b.getJSON(ctx, endpoint.String(), &listing); err != nil {
			return err
		}
		entities = append(entities, listing.Entities...)
		if len(listing.Entities) == 0 || len(entities) >= listing.Metadata.TotalEntities {
			break
		}
	}
	return decodeEntities(entities, resource, out)
}

// listV3 walks a Prism Central collection with length/offset list requests
// until total_matches arrived.
func (b *Backend) listV3(ctx context.Context, resource, kind string, out interface{}) error {
	var entities []json.RawMessage
	for offset := 0; ; {
		payload := map[string]interface{}{"kind": kind, "length": pageSize, "offset": offset}
		var listing struct {
			Metadata struct {
				TotalMatches int `json:"total_matches"`
			} `json:"metadata"`
			Entities []json.RawMessage `json:"entities"`
		}
		if err := b.postJSON(ctx, b.base.JoinPath(v3Root, resource, "list").String(), payload, &listing); err != nil {
			return err
		}
		entities = append(entities, listing.Entities...)
		offset += len(listing.Entities)
		if len(listing.Entities) == 0 || offset >= listing.Metadata.TotalMatches {
			break
		}
	}
	return decodeEntities(entities, resource, out)
}

func decodeEntities(entities []json.RawMessage, resource string, out interface{}) error {
	combined, err := json.Marshal(entities)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(combined, out); err != nil {
		return virt.Errorf("malformed %s entities: %w", resource, err)
	}
	return nil
}

func (b *Backend) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	return b.send(req, out)
}

func (b *Backend) postJSON(ctx context.Context, endpoint string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.send(req, out)
}

func (b *Backend) send(req *http.Request, out interface{}) error {
	req.SetBasicAuth(b.username, b.password)
	req.Header.Set("Accept", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return virt.WrapError("Prism API request failed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return virt.WrapError("failed to read Prism API response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return virt.Errorf("Prism API returned HTTP %d for %s", resp.StatusCode, req.URL.Path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return virt.Errorf("malformed Prism API response: %w", err)
	}
	return nil
}

// guestState maps Prism power states onto the reported guest states. The v2
// API spells them lower-case, v3 upper-case.
func guestState(state string) report.GuestState {
	switch strings.ToLower(state) {
	case "on":
		return report.GuestStateRunning
	case "off":
		return report.GuestStateShutoff
	case "paused":
		return report.GuestStatePaused
	case "suspended":
		return report.GuestStatePMSuspended
	default:
		return report.GuestStateUnknown
	}
}
