// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package vdsm reads the guests of the local oVirt node from the VDSM
// host agent. VDSM only knows about the machine it runs on, so the
// backend is local-only and produces a plain guest list.
package vdsm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kolo/xmlrpc"
	"gopkg.in/ini.v1"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
	"github.com/candlepin/virt-who-go/internal/virt"
)

func init() {
	virt.Register("vdsm", New)
}

// Packaged locations of the VDSM daemon configuration and trust store.
const (
	defaultConfPath   = "/etc/vdsm/vdsm.conf"
	defaultTrustStore = "/etc/pki/vdsm"
	defaultPort       = "54321"
)

// Backend talks XML-RPC to the VDSM agent on this machine. The agent
// authenticates peers with the client certificate oVirt issued to the
// host, so a vdsm section carries no credentials.
type Backend struct {
	confPath string
	logger   *slog.Logger

	rpc *xmlrpc.Client
}

func New(_ *config.Section, logger *slog.Logger) (virt.Virt, error) {
	return &Backend{confPath: defaultConfPath, logger: logger}, nil
}

// agentConf is the subset of vdsm.conf the backend needs.
type agentConf struct {
	ssl        bool
	trustStore string
	port       string
}

// readAgentConf loads vdsm.conf. A missing or unreadable file means the
// packaged defaults are in effect.
func readAgentConf(path string) agentConf {
	conf := agentConf{ssl: true, trustStore: defaultTrustStore, port: defaultPort}
	f, err := ini.Load(path)
	if err != nil {
		return conf
	}
	vars := f.Section("vars")
	conf.ssl = vars.Key("ssl").MustBool(true)
	if ts := vars.Key("trust_store_path").String(); ts != "" {
		conf.trustStore = ts
	}
	if port := f.Section("addresses").Key("management_port").String(); port != "" {
		conf.port = port
	}
	return conf
}

// Prepare reads the agent configuration and builds the XML-RPC client.
// With ssl enabled the agent requires mutual TLS against the host
// certificate, and it listens on the address written into that
// certificate's subject CN.
func (b *Backend) Prepare(ctx context.Context) error {
	b.Cleanup()
	conf := readAgentConf(b.confPath)

	var address string
	var transport http.RoundTripper
	scheme := "http"
	if conf.ssl {
		certPath := filepath.Join(conf.trustStore, "certs", "vdsmcert.pem")
		keyPath := filepath.Join(conf.trustStore, "keys", "vdsmkey.pem")
		caPath := filepath.Join(conf.trustStore, "certs", "cacert.pem")

		pair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return virt.WrapError("cannot load the VDSM host certificate", err)
		}
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return virt.WrapError("cannot read the VDSM CA certificate", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return virt.Errorf("no CA certificate in %s", caPath)
		}
		address, err = certCommonName(certPath)
		if err != nil {
			return virt.WrapError("cannot determine the VDSM address", err)
		}
		transport = &http.Transport{TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{pair},
			RootCAs:      pool,
		}}
		scheme = "https"
	} else {
		hostname, err := os.Hostname()
		if err != nil {
			return virt.WrapError("cannot determine the local hostname", err)
		}
		address = hostname
	}

	rpc, err := xmlrpc.NewClient(fmt.Sprintf("%s://%s:%s", scheme, address, conf.port), transport)
	if err != nil {
		return virt.WrapError("failed to set up the VDSM client", err)
	}
	b.rpc = rpc
	b.logger.Debug("connected to VDSM", "address", address, "port", conf.port, "ssl", conf.ssl)
	return nil
}

func (b *Backend) IsHypervisor() bool {
	return false
}

// HostGuestMapping is not supported: VDSM only knows the local machine.
func (b *Backend) HostGuestMapping(ctx context.Context) ([]report.Hypervisor, error) {
	return nil, virt.Errorf("the vdsm backend only reports guests of the local host")
}

// ListDomains asks the agent for the full VM list and keeps id and state
// of every record.
func (b *Backend) ListDomains(ctx context.Context) ([]report.Guest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var response struct {
		Status struct {
			Code    int    `xmlrpc:"code"`
			Message string `xmlrpc:"message"`
		} `xmlrpc:"status"`
		VMList []interface{} `xmlrpc:"vmList"`
	}
	if err := b.rpc.Call("list", []interface{}{true}, &response); err != nil {
		return nil, virt.WrapError("cannot list virtual machines", err)
	}
	if response.Status.Code != 0 {
		return nil, virt.Errorf("cannot list virtual machines: %s", response.Status.Message)
	}
	guests := make([]report.Guest, 0, len(response.VMList))
	for _, raw := range response.VMList {
		vm, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := vm["vmId"].(string)
		if id == "" {
			b.logger.Warn("VM record without vmId, skipping")
			continue
		}
		status, _ := vm["status"].(string)
		guests = append(guests, report.NewGuest(id, "vdsm", guestState(status)))
	}
	b.logger.Debug("retrieved VDSM guest list", "guests", len(guests))
	return guests, nil
}

func (b *Backend) Cleanup() {
	if b.rpc == nil {
		return
	}
	_ = b.rpc.Close()
	b.rpc = nil
}

// certCommonName extracts the subject CN from a PEM certificate file.
func certCommonName(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", fmt.Errorf("%s contains no PEM certificate", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}
	if cert.Subject.CommonName == "" {
		return "", fmt.Errorf("%s has no subject CN", path)
	}
	return cert.Subject.CommonName, nil
}

// guestState maps VDSM status strings onto reported guest states.
// Transitional states count as shut off until the VM is actually up.
func guestState(status string) report.GuestState {
	switch status {
	case "Up":
		return report.GuestStateRunning
	case "Down", "Migration Destination", "RebootInProgress",
		"Restoring state", "Saving State", "WaitForLaunch", "Powering up":
		return report.GuestStateShutoff
	case "Migration Source", "Powering down":
		return report.GuestStateShuttingDown
	case "Paused":
		return report.GuestStatePaused
	default:
		return report.GuestStateUnknown
	}
}
