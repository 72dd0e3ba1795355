// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hyperv retrieves guests from a Microsoft Hyper-V host through
// WS-Management on the WinRM listener. Guests are identified by their BIOS
// GUID, the identifier the guest OS itself sees as its DMI system UUID.
package hyperv

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("hyperv", New)
}

// virtAPIs are the virtualization namespaces tried in order. Server 2012 R2
// and later removed the unversioned namespace, so a fault on the first entry
// moves to the next and stays there.
var virtAPIs = []virtAPI{
	{
		namespace: "root/virtualization",
		query: "select BIOSGUID, ElementName, InstanceID from Msvm_VirtualSystemSettingData " +
			"where SettingType = 3",
		systemID: func(instance map[string]string) string {
			return strings.TrimPrefix(instance["InstanceID"], "Microsoft:")
		},
	},
	{
		namespace: "root/virtualization/v2",
		query: "select BIOSGUID, ElementName, VirtualSystemIdentifier from Msvm_VirtualSystemSettingData " +
			"where VirtualSystemType = 'Microsoft:Hyper-V:System:Realized'",
		systemID: func(instance map[string]string) string {
			return instance["VirtualSystemIdentifier"]
		},
	},
}

type virtAPI struct {
	namespace string
	// query selects the realized virtual system setting data, which carries
	// the BIOS GUID. Snapshots have their own setting data and must stay out.
	query string
	// systemID extracts the join key against Msvm_ComputerSystem.Name.
	systemID func(map[string]string) string
}

type Backend struct {
	endpoint     string
	hypervisorID string
	logger       *slog.Logger

	wsman    *wsmanClient
	apiIndex int
}

func New(section *config.Section, logger *slog.Logger) (virt.Virt, error) {
	endpoint, err := normalizeEndpoint(section.String("server", ""))
	if err != nil {
		return nil, err
	}
	return &Backend{
		endpoint:     endpoint,
		hypervisorID: section.String("hypervisor_id", config.HypervisorIDUUID),
		logger:       logger,
		wsman: &wsmanClient{
			endpoint: endpoint,
			username: section.String("username", ""),
			password: section.String("password", ""),
		},
	}, nil
}

// normalizeEndpoint fills in the WinRM conventions: http on 5985, https on
// 5986, path /wsman.
func normalizeEndpoint(server string) (string, error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("server is not a valid URL: %w", err)
	}
	if u.Port() == "" {
		port := ":5985"
		if u.Scheme == "https" {
			port = ":5986"
		}
		u.Host += port
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/wsman"
	}
	return u.String(), nil
}

func (b *Backend) Prepare(ctx context.Context) error {
	if b.wsman.client == nil {
		b.wsman.client = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	version, err := b.wsman.identify(ctx)
	if err != nil {
		return virt.WrapError("cannot reach the WinRM listener", err)
	}
	b.logger.Debug("connected to WinRM", "endpoint", b.endpoint, "product", version)
	return nil
}

func (b *Backend) IsHypervisor() bool {
	return true
}

func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	settingData, api, err := b.enumerateSettingData(ctx)
	if err != nil {
		return nil, err
	}
	systems, err := b.wsman.enumerate(ctx, api.namespace, "select Name, EnabledState from Msvm_ComputerSystem")
	if err != nil {
		return nil, err
	}
	states := make(map[string]string, len(systems))
	for _, system := range systems {
		states[strings.ToLower(system["Name"])] = system["EnabledState"]
	}

	guests := make([]report.Guest, 0, len(settingData))
	for _, instance := range settingData {
		id, err := decodeWindowsUUID(instance["BIOSGUID"])
		if err != nil {
			b.logger.Warn("virtual machine has no usable BIOS GUID, skipping",
				"vm", instance["ElementName"], "error", err)
			continue
		}
		state := report.GuestStateUnknown
		if enabled, ok := states[strings.ToLower(api.systemID(instance))]; ok {
			state = guestState(enabled)
		}
		guests = append(guests, report.NewGuest(id, "hyperv", state))
	}

	host, err := b.hostEntry(ctx, guests)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("retrieved Hyper-V inventory", "namespace", api.namespace, "guests", len(guests))
	return []report.Hypervisor{host}, nil
}

// ListDomains is not supported: WinRM always describes the remote host.
func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	return nil, virt.Errorf("the hyperv backend only reports hypervisor mappings")
}

func (b *Backend) Cleanup() {
	if b.wsman.client != nil {
		b.wsman.client.CloseIdleConnections()
	}
}

func (b *Backend) enumerateSettingData(ctx context.Context) ([]map[string]string, virtAPI, error) {
	for {
		api := virtAPIs[b.apiIndex]
		instances, err := b.wsman.enumerate(ctx, api.namespace, api.query)
		if err == nil {
			return instances, api, nil
		}
		if b.apiIndex+1 < len(virtAPIs) {
			b.logger.Debug("virtualization namespace not answering, trying the next one",
				"namespace", api.namespace, "error", err)
			b.apiIndex++
			continue
		}
		return nil, api, err
	}
}

// hostEntry collects the identity and facts of the Hyper-V host itself.
func (b *Backend) hostEntry(ctx context.Context, guests []report.Guest) (report.Hypervisor, error) {
	systems, err := b.wsman.enumerate(ctx, "root/cimv2",
		"select DNSHostName, Domain, NumberOfProcessors from Win32_ComputerSystem")
	if err != nil {
		return report.Hypervisor{}, err
	}
	if len(systems) == 0 {
		return report.Hypervisor{}, virt.Errorf("host did not report its computer system")
	}
	hostname := systems[0]["DNSHostName"]
	if domain := systems[0]["Domain"]; domain != "" {
		hostname += "." + domain
	}

	facts := map[string]string{
		report.FactHypervisorType: "hyperv",
	}
	if sockets := systems[0]["NumberOfProcessors"]; sockets != "" {
		facts[report.FactCPUSocket] = sockets
	}
	if oses, err := b.wsman.enumerate(ctx, "root/cimv2", "select Version from Win32_OperatingSystem"); err != nil {
		b.logger.Warn("cannot read the operating system version", "error", err)
	} else if len(oses) > 0 && oses[0]["Version"] != "" {
		facts[report.FactHypervisorVersion] = oses[0]["Version"]
	}

	id := hostname
	if b.hypervisorID == config.HypervisorIDUUID {
		products, err := b.wsman.enumerate(ctx, "root/cimv2", "select UUID from Win32_ComputerSystemProduct")
		if err != nil {
			return report.Hypervisor{}, err
		}
		if len(products) == 0 {
			return report.Hypervisor{}, virt.Errorf("host did not report its system UUID")
		}
		if id, err = decodeWindowsUUID(products[0]["UUID"]); err != nil {
			return report.Hypervisor{}, virt.WrapError("host system UUID is unusable", err)
		}
	}
	return report.NewHypervisor(id, hostname, guests, facts), nil
}

// guestState maps Msvm_ComputerSystem.EnabledState onto the reported guest
// states.
func guestState(enabledState string) report.GuestState {
	switch enabledState {
	case "2":
		return report.GuestStateRunning
	case "3":
		return report.GuestStateShutoff
	case "4":
		return report.GuestStateShuttingDown
	case "6":
		return report.GuestStatePMSuspended
	case "9":
		return report.GuestStatePaused
	default:
		return report.GuestStateUnknown
	}
}

// decodeWindowsUUID converts a UUID from the SMBIOS byte order Windows
// reports, {78563412-AB90-EFCD-1234-567890ABCDEF}, to the canonical
// 12345678-90ab-cdef-1234-567890abcdef form the guest OS sees in its DMI
// tables.
func decodeWindowsUUID(raw string) (string, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(raw, "{"), "}")
	parts := strings.Split(trimmed, "-")
	if len(parts) != 5 || len(parts[0]) != 8 || len(parts[1]) != 4 || len(parts[2]) != 4 {
		return "", fmt.Errorf("malformed windows uuid %q", raw)
	}
	swap := func(hex string) string {
		var sb strings.Builder
		for i := len(hex); i >= 2; i -= 2 {
			sb.WriteString(hex[i-2 : i])
		}
		return sb.String()
	}
	decoded := fmt.Sprintf("%s-%s-%s-%s-%s", swap(parts[0]), swap(parts[1]), swap(parts[2]), parts[3], parts[4])
	return strings.ToLower(decoded), nil
}
