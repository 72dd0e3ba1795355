// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package esx retrieves host-to-guest mappings from VMware vCenter through
// the vSphere SOAP API. Hosts and their virtual machines are read in bulk
// with the property collector; filter_host_parents and exclude_host_parents
// restrict the report to hosts under matching compute resources.
package esx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/session"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/filter"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("esx", New)
}

type Backend struct {
	server        string
	username      string
	password      string
	hypervisorID  string
	simplifiedVIM bool
	parents       *filter.Set
	logger        *slog.Logger

	client *govmomi.Client
}

func New(section *config.Section, logger *slog.Logger) (virt.Virt, error) {
	simplified, err := section.Bool("simplified_vim", true)
	if err != nil {
		return nil, err
	}
	parents, err := filter.NewSet(
		section.List("filter_host_parents"),
		section.List("exclude_host_parents"),
		filter.ModeAuto)
	if err != nil {
		return nil, fmt.Errorf("invalid host parent filter: %w", err)
	}
	return &Backend{
		server:        section.String("server", ""),
		username:      section.String("username", ""),
		password:      section.String("password", ""),
		hypervisorID:  section.String("hypervisor_id", config.HypervisorIDUUID),
		simplifiedVIM: simplified,
		parents:       parents,
		logger:        logger,
	}, nil
}

func (b *Backend) Prepare(ctx context.Context) error {
	endpoint, err := soap.ParseURL(b.server)
	if err != nil {
		return fmt.Errorf("server is not a valid URL: %w", err)
	}
	endpoint.User = url.UserPassword(b.username, b.password)
	// vCenters are commonly deployed with self-signed certificates, so
	// verification is off.
	soapClient := soap.NewClient(endpoint, true)
	vimClient, err := vim25.NewClient(ctx, soapClient)
	if err != nil {
		return virt.WrapError("cannot reach the vCenter SDK endpoint", err)
	}
	client := &govmomi.Client{Client: vimClient, SessionManager: session.NewManager(vimClient)}
	if err := client.Login(ctx, endpoint.User); err != nil {
		return virt.WrapError("vCenter login failed", err)
	}
	b.client = client
	b.logger.Debug("logged in to vCenter",
		"server", endpoint.Host,
		"version", vimClient.ServiceContent.About.Version)
	return nil
}

func (b *Backend) IsHypervisor() bool {
	return true
}

func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	if b.client == nil {
		return nil, virt.Errorf("not connected to vCenter")
	}
	hosts, err := b.retrieveHosts(ctx)
	if err != nil {
		return nil, err
	}
	clusters, err := b.clusterNames(ctx, hosts)
	if err != nil {
		return nil, err
	}
	vms, err := b.retrieveGuests(ctx, hosts)
	if err != nil {
		return nil, err
	}

	out := make([]report.Hypervisor, 0, len(hosts))
	filtered := 0
	for _, host := range hosts {
		parent := ""
		if host.Parent != nil {
			parent = host.Parent.Value
		}
		if !b.parents.Allows(parent) {
			filtered++
			continue
		}
		id := ""
		hardware := host.Summary.Hardware
		switch b.hypervisorID {
		case config.HypervisorIDHWUUID:
			id = host.Self.Value
		case config.HypervisorIDHostname:
			id = host.Name
		default:
			if hardware != nil {
				id = hardware.Uuid
			}
			if id == "" {
				b.logger.Warn("host has no hardware uuid, skipping", "host", host.Name)
				continue
			}
		}
		facts := map[string]string{
			report.FactHypervisorType: "vmware",
		}
		if hardware != nil {
			facts[report.FactCPUSocket] = strconv.Itoa(int(hardware.NumCpuPkgs))
			if hardware.Uuid != "" {
				facts[report.FactSystemUUID] = hardware.Uuid
			}
		}
		if host.Config != nil {
			if name := host.Config.Product.Name; name != "" {
				facts[report.FactHypervisorType] = name
			}
			if version := host.Config.Product.Version; version != "" {
				facts[report.FactHypervisorVersion] = version
			}
		}
		if host.Parent != nil && host.Parent.Type == "ClusterComputeResource" {
			if name := clusters[*host.Parent]; name != "" {
				facts[report.FactHypervisorCluster] = name
			}
		}
		var guests []report.Guest
		for _, ref := range host.Vm {
			vm, ok := vms[ref]
			if !ok || vm.Config == nil || vm.Config.Uuid == "" {
				b.logger.Debug("virtual machine has no uuid, skipping", "vm", ref.Value)
				continue
			}
			guests = append(guests, report.NewGuest(vm.Config.Uuid, "esx", guestState(vm.Runtime.PowerState)))
		}
		out = append(out, report.NewHypervisor(id, host.Name, guests, facts))
	}
	if filtered > 0 {
		b.logger.Debug("hosts dropped by the parent filter", "count", filtered)
	}
	b.logger.Debug("retrieved vCenter inventory", "hosts", len(hosts), "vms", len(vms))
	return out, nil
}

// ListDomains is not supported: vCenter always describes remote hosts.
func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	return nil, virt.Errorf("the esx backend only reports hypervisor mappings")
}

func (b *Backend) Cleanup() {
	if b.client == nil {
		return
	}
	if err := b.client.Logout(context.Background()); err != nil {
		b.logger.Debug("vCenter logout failed", "error", err)
	}
	b.client = nil
}

// retrieveHosts lists every host system across all datacenters and fetches
// their properties in one property collector round trip. With simplified_vim
// only the properties that end up in the report are requested.
func (b *Backend) retrieveHosts(ctx context.Context) ([]mo.HostSystem, error) {
	finder := find.NewFinder(b.client.Client, false)
	datacenters, err := finder.DatacenterList(ctx, "*")
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, virt.WrapError("failed to list datacenters", err)
	}
	var refs []types.ManagedObjectReference
	for _, datacenter := range datacenters {
		finder.SetDatacenter(datacenter)
		hosts, err := finder.HostSystemList(ctx, "*")
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, virt.WrapError("failed to list hosts", err)
		}
		for _, host := range hosts {
			refs = append(refs, host.Reference())
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}
	props := []string{"name", "parent", "vm", "summary.hardware", "config.product"}
	if !b.simplifiedVIM {
		props = nil
	}
	var hosts []mo.HostSystem
	pc := property.DefaultCollector(b.client.Client)
	if err := pc.Retrieve(ctx, refs, props, &hosts); err != nil {
		return nil, virt.WrapError("failed to retrieve host properties", err)
	}
	return hosts, nil
}

// clusterNames resolves the names of the cluster compute resources the hosts
// sit in. Standalone hosts have a plain compute resource parent and report
// no cluster fact.
func (b *Backend) clusterNames(ctx context.Context, hosts []mo.HostSystem) (map[types.ManagedObjectReference]string, error) {
	var refs []types.ManagedObjectReference
	seen := make(map[types.ManagedObjectReference]bool)
	for _, host := range hosts {
		if host.Parent == nil || host.Parent.Type != "ClusterComputeResource" || seen[*host.Parent] {
			continue
		}
		seen[*host.Parent] = true
		refs = append(refs, *host.Parent)
	}
	names := make(map[types.ManagedObjectReference]string, len(refs))
	if len(refs) == 0 {
		return names, nil
	}
	var clusters []mo.ClusterComputeResource
	pc := property.DefaultCollector(b.client.Client)
	if err := pc.Retrieve(ctx, refs, []string{"name"}, &clusters); err != nil {
		return nil, virt.WrapError("failed to retrieve cluster names", err)
	}
	for _, cluster := range clusters {
		names[cluster.Self] = cluster.Name
	}
	return names, nil
}

// retrieveGuests fetches the properties of every virtual machine referenced
// by the hosts, keyed by reference for the per-host join.
func (b *Backend) retrieveGuests(ctx context.Context, hosts []mo.HostSystem) (map[types.ManagedObjectReference]mo.VirtualMachine, error) {
	var refs []types.ManagedObjectReference
	for _, host := range hosts {
		refs = append(refs, host.Vm...)
	}
	vms := make(map[types.ManagedObjectReference]mo.VirtualMachine, len(refs))
	if len(refs) == 0 {
		return vms, nil
	}
	props := []string{"config.uuid", "runtime.powerState"}
	if !b.simplifiedVIM {
		props = nil
	}
	var machines []mo.VirtualMachine
	pc := property.DefaultCollector(b.client.Client)
	if err := pc.Retrieve(ctx, refs, props, &machines); err != nil {
		return nil, virt.WrapError("failed to retrieve virtual machine properties", err)
	}
	for _, machine := range machines {
		vms[machine.Self] = machine
	}
	return vms, nil
}

func isNotFound(err error) bool {
	var notFound *find.NotFoundError
	return errors.As(err, &notFound)
}

// guestState maps vSphere power states onto the reported guest states.
func guestState(state types.VirtualMachinePowerState) report.GuestState {
	switch state {
	case types.VirtualMachinePowerStatePoweredOn:
		return report.GuestStateRunning
	case types.VirtualMachinePowerStatePoweredOff:
		return report.GuestStateShutoff
	case types.VirtualMachinePowerStateSuspended:
		return report.GuestStatePMSuspended
	default:
		return report.GuestStateUnknown
	}
}
