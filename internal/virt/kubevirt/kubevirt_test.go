// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package kubevirt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
)

const versionBody = `{"major": "1", "minor": "28", "gitVersion": "v1.28.3"}`

const nodesBody = `{
	"kind": "NodeList",
	"apiVersion": "v1",
	"items": [
		{
			"metadata": {"name": "node-1"},
			"status": {
				"capacity": {"cpu": "8", "memory": "32Gi"},
				"nodeInfo": {"machineID": "52560c51-87f1-4447-93e7-e2dcbcf9c867", "kubeletVersion": "v1.28.3"}
			}
		},
		{
			"metadata": {"name": "node-2"},
			"status": {
				"capacity": {"cpu": "4"},
				"nodeInfo": {"kubeletVersion": "v1.28.3"}
			}
		}
	]
}`

const instancesBody = `{
	"kind": "VirtualMachineInstanceList",
	"apiVersion": "kubevirt.io/%s",
	"items": [
		{
			"metadata": {"name": "web", "namespace": "default"},
			"spec": {"domain": {"firmware": {"uuid": "3f8a4c1e-0001-0001-0001-000000000001"}}},
			"status": {"phase": "Running", "nodeName": "node-1"}
		},
		{
			"metadata": {"name": "batch", "namespace": "jobs"},
			"spec": {"domain": {"firmware": {"uuid": "3f8a4c1e-0002-0002-0002-000000000002"}}},
			"status": {"phase": "Succeeded", "nodeName": "node-1"}
		},
		{
			"metadata": {"name": "pending", "namespace": "default"},
			"spec": {"domain": {"firmware": {"uuid": "3f8a4c1e-0003-0003-0003-000000000003"}}},
			"status": {"phase": "Scheduling"}
		},
		{
			"metadata": {"name": "noid", "namespace": "default"},
			"spec": {"domain": {"firmware": {}}},
			"status": {"phase": "Running", "nodeName": "node-2"}
		}
	]
}`

// newCluster fakes the two API endpoints the backend reads plus the version
// probe of Prepare. version is the kubevirt.io group version it serves.
func newCluster(t *testing.T, version string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("request with authorization %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/version":
			io.WriteString(w, versionBody)
		case "/api/v1/nodes":
			io.WriteString(w, nodesBody)
		case "/apis/kubevirt.io/" + version + "/virtualmachineinstances":
			fmt.Fprintf(w, instancesBody, version)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

const kubeconfigTemplate = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: %s
  name: test
contexts:
- context:
    cluster: test
    user: admin
  name: test
current-context: test
users:
- name: admin
  user:
    token: secret
`

func writeKubeconfig(t *testing.T, server string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kubeconfig")
	content := fmt.Sprintf(kubeconfigTemplate, server)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write kubeconfig: %v", err)
	}
	return path
}

func newBackend(t *testing.T, kubeconfig string, options map[string]string) *Backend {
	t.Helper()
	section := config.NewSection("test-kubevirt")
	section.Set("type", "kubevirt")
	section.Set("kubeconfig", kubeconfig)
	for key, value := range options {
		section.Set(key, value)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := New(section, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b := v.(*Backend)
	if err := b.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	t.Cleanup(b.Cleanup)
	return b
}

func TestHostGuestMapping(t *testing.T) {
	server := newCluster(t, "v1")
	b := newBackend(t, writeKubeconfig(t, server.URL), nil)

	hypervisors, err := b.HostGuestMapping(context.Background())
	if err != nil {
		t.Fatalf("HostGuestMapping: %v", err)
	}
	// node-2 has no machine id and cannot be reported by uuid.
	if len(hypervisors) != 1 {
		t.Fatalf("got %d hypervisors, want 1", len(hypervisors))
	}
	node := hypervisors[0]
	if node.HypervisorID != "52560c51-87f1-4447-93e7-e2dcbcf9c867" {
		t.Errorf("node id = %q", node.HypervisorID)
	}
	if node.Name != "node-1" {
		t.Errorf("node name = %q", node.Name)
	}
	if node.Facts[report.FactCPUSocket] != "8" {
		t.Errorf("sockets fact = %q", node.Facts[report.FactCPUSocket])
	}
	if node.Facts[report.FactHypervisorType] != "qemu" {
		t.Errorf("type fact = %q", node.Facts[report.FactHypervisorType])
	}
	if node.Facts[report.FactHypervisorVersion] != "v1.28.3" {
		t.Errorf("version fact = %q", node.Facts[report.FactHypervisorVersion])
	}
	if node.Facts[report.FactSystemUUID] != node.HypervisorID {
		t.Errorf("system uuid fact = %q", node.Facts[report.FactSystemUUID])
	}

	if len(node.Guests) != 2 {
		t.Fatalf("node has %d guests, want 2", len(node.Guests))
	}
	states := make(map[string]report.GuestState)
	for _, guest := range node.Guests {
		states[guest.ID] = guest.State
		if guest.VirtType != "kubevirt" {
			t.Errorf("guest %s virt type = %q", guest.ID, guest.VirtType)
		}
	}
	if states["3f8a4c1e-0001-0001-0001-000000000001"] != report.GuestStateRunning {
		t.Errorf("running instance state = %v", states["3f8a4c1e-0001-0001-0001-000000000001"])
	}
	if states["3f8a4c1e-0002-0002-0002-000000000002"] != report.GuestStateShutoff {
		t.Errorf("succeeded instance state = %v", states["3f8a4c1e-0002-0002-0002-000000000002"])
	}
}

func TestHostnameID(t *testing.T) {
	server := newCluster(t, "v1")
	b := newBackend(t, writeKubeconfig(t, server.URL), map[string]string{
		"hypervisor_id": config.HypervisorIDHostname,
	})

	hypervisors, err := b.HostGuestMapping(context.Background())
	if err != nil {
		t.Fatalf("HostGuestMapping: %v", err)
	}
	if len(hypervisors) != 2 {
		t.Fatalf("got %d hypervisors, want 2", len(hypervisors))
	}
	byID := make(map[string]report.Hypervisor)
	for _, hv := range hypervisors {
		byID[hv.HypervisorID] = hv
	}
	// The unscheduled instance and the one without a firmware uuid are not
	// reported anywhere.
	if guests := byID["node-2"].Guests; len(guests) != 0 {
		t.Errorf("node-2 has %d guests, want 0", len(guests))
	}
	if _, ok := byID["node-2"].Facts[report.FactSystemUUID]; ok {
		t.Error("node-2 reports a system uuid fact without a machine id")
	}
}

func TestKubeversionOverride(t *testing.T) {
	server := newCluster(t, "v1alpha3")
	b := newBackend(t, writeKubeconfig(t, server.URL), map[string]string{
		"kubeversion": "v1alpha3",
	})

	hypervisors, err := b.HostGuestMapping(context.Background())
	if err != nil {
		t.Fatalf("HostGuestMapping: %v", err)
	}
	if len(hypervisors) != 1 {
		t.Fatalf("got %d hypervisors, want 1", len(hypervisors))
	}
}

func TestNewRequiresKubeconfig(t *testing.T) {
	section := config.NewSection("test-kubevirt")
	section.Set("type", "kubevirt")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(section, logger); err == nil {
		t.Fatal("New succeeded without a kubeconfig")
	}
}

func TestPrepareMissingKubeconfig(t *testing.T) {
	section := config.NewSection("test-kubevirt")
	section.Set("type", "kubevirt")
	section.Set("kubeconfig", filepath.Join(t.TempDir(), "missing"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := New(section, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.Prepare(context.Background()); err == nil {
		t.Fatal("Prepare succeeded with a missing kubeconfig")
	}
}

func TestListDomainsUnsupported(t *testing.T) {
	server := newCluster(t, "v1")
	b := newBackend(t, writeKubeconfig(t, server.URL), nil)

	if _, err := b.ListDomains(context.Background()); err == nil {
		t.Fatal("ListDomains succeeded, want an error")
	}
}
