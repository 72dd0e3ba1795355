// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package kubevirt retrieves host-to-guest mappings from a Kubernetes
// cluster running KubeVirt. Cluster nodes are the hypervisors; the guests
// are the VirtualMachineInstance objects scheduled onto them, read through
// the raw REST path of the kubevirt.io API group.
package kubevirt

import (
	"context"
	"encoding/json"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("kubevirt", New)
}

// defaultVersion is the kubevirt.io API version queried when the section
// does not pin one with the kubeversion option.
const defaultVersion = "v1"

type Backend struct {
	kubeconfig   string
	version      string
	insecure     bool
	hypervisorID string
	logger       *slog.Logger

	client kubernetes.Interface
}

func New(section *config.Section, logger *slog.Logger) (virt.Virt, error) {
	kubeconfig := section.String("kubeconfig", "")
	if kubeconfig == "" {
		return nil, virt.Errorf("the kubeconfig option is required for kubevirt sources")
	}
	insecure, err := section.Bool("insecure", false)
	if err != nil {
		return nil, err
	}
	return &Backend{
		kubeconfig:   kubeconfig,
		version:      section.String("kubeversion", defaultVersion),
		insecure:     insecure,
		hypervisorID: section.String("hypervisor_id", config.HypervisorIDUUID),
		logger:       logger,
	}, nil
}

func (b *Backend) Prepare(ctx context.Context) error {
	restConfig, err := clientcmd.BuildConfigFromFlags("", b.kubeconfig)
	if err != nil {
		return virt.WrapError("cannot load the kubeconfig", err)
	}
	if b.insecure {
		restConfig.TLSClientConfig = rest.TLSClientConfig{Insecure: true}
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return virt.WrapError("cannot build the Kubernetes client", err)
	}
	version, err := client.Discovery().ServerVersion()
	if err != nil {
		return virt.WrapError("cannot reach the Kubernetes API", err)
	}
	b.client = client
	b.logger.Debug("connected to the Kubernetes API",
		"host", restConfig.Host,
		"version", version.GitVersion)
	return nil
}

func (b *Backend) IsHypervisor() bool {
	return true
}

func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	if b.client == nil {
		return nil, virt.Errorf("not connected to the Kubernetes API")
	}
	nodes, err := b.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, virt.WrapError("failed to list nodes", err)
	}
	guests, err := b.listInstances(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]report.Hypervisor, 0, len(nodes.Items))
	for _, node := range nodes.Items {
		id := node.Status.NodeInfo.MachineID
		if b.hypervisorID == config.HypervisorIDHostname {
			id = node.Name
		}
		if id == "" {
			b.logger.Warn("node has no machine id, skipping", "node", node.Name)
			continue
		}
		out = append(out, report.NewHypervisor(id, node.Name, guests[node.Name], nodeFacts(node)))
	}
	b.logger.Debug("retrieved KubeVirt inventory", "nodes", len(nodes.Items))
	return out, nil
}

func nodeFacts(node corev1.Node) map[string]string {
	facts := map[string]string{
		report.FactHypervisorType: "qemu",
	}
	if cpu := node.Status.Capacity.Cpu(); cpu != nil && !cpu.IsZero() {
		facts[report.FactCPUSocket] = cpu.String()
	}
	if info := node.Status.NodeInfo; info.KubeletVersion != "" {
		facts[report.FactHypervisorVersion] = info.KubeletVersion
	}
	if id := node.Status.NodeInfo.MachineID; id != "" {
		facts[report.FactSystemUUID] = id
	}
	return facts
}

// ListDomains is not supported: the cluster always describes remote nodes.
func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	return nil, virt.Errorf("the kubevirt backend only reports hypervisor mappings")
}

func (b *Backend) Cleanup() {
	b.client = nil
}

// vmiList is the slice of the VirtualMachineInstance schema the mapping
// needs. The kubevirt.io types are not imported; the raw object is decoded
// directly.
type vmiList struct {
	Items []struct {
		Metadata struct {
			Name      string `json:"name"`
			Namespace string `json:"namespace"`
		} `json:"metadata"`
		Spec struct {
			Domain struct {
				Firmware struct {
					UUID string `json:"uuid"`
				} `json:"firmware"`
			} `json:"domain"`
		} `json:"spec"`
		Status struct {
			Phase    string `json:"phase"`
			NodeName string `json:"nodeName"`
		} `json:"status"`
	} `json:"items"`
}

// listInstances returns the guests grouped by the node they are scheduled
// on. Instances without a node or a firmware uuid are not part of any
// mapping yet.
func (b *Backend) listInstances(ctx context.Context) (map[string][]report.Guest, error) {
	raw, err := b.client.CoreV1().RESTClient().Get().
		AbsPath("apis", "kubevirt.io", b.version, "virtualmachineinstances").
		Do(ctx).Raw()
	if err != nil {
		return nil, virt.WrapError("failed to list virtual machine instances", err)
	}
	var list vmiList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, virt.Errorf("malformed virtualmachineinstances response: %w", err)
	}
	guests := make(map[string][]report.Guest)
	for _, vmi := range list.Items {
		if vmi.Status.NodeName == "" {
			continue
		}
		id := vmi.Spec.Domain.Firmware.UUID
		if id == "" {
			b.logger.Debug("instance has no firmware uuid, skipping",
				"namespace", vmi.Metadata.Namespace,
				"name", vmi.Metadata.Name)
			continue
		}
		guests[vmi.Status.NodeName] = append(guests[vmi.Status.NodeName],
			report.NewGuest(id, "kubevirt", guestState(vmi.Status.Phase)))
	}
	return guests, nil
}

// guestState maps VirtualMachineInstance phases onto the reported guest
// states.
func guestState(phase string) report.GuestState {
	switch phase {
	case "Running":
		return report.GuestStateRunning
	case "Succeeded":
		return report.GuestStateShutoff
	case "Failed":
		return report.GuestStateCrashed
	default:
		return report.GuestStateUnknown
	}
}
