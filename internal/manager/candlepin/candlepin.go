// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package candlepin talks to a candlepin-based subscription manager
// (Satellite 6 or the hosted entitlement service) over its REST API.
package candlepin

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/candlepin/virt-who-go/internal/manager"
	"github.com/candlepin/virt-who-go/internal/report"
)

const (
	DefaultHostname = "subscription.rhsm.redhat.com"
	DefaultPort     = "443"
	DefaultPrefix   = "/subscription"

	// Consumer identity left behind by subscription-manager registration.
	DefaultConsumerCert = "/etc/pki/consumer/cert.pem"
	DefaultConsumerKey  = "/etc/pki/consumer/key.pem"

	defaultProxyPort = "3128"

	// Candlepin capability name for asynchronous hypervisor checkins.
	asyncCheckinCapability = "hypervisors_async"
)

// Config is the resolved connection configuration for one candlepin
// endpoint. Zero values fall back to the hosted service defaults.
type Config struct {
	Hostname string
	Port     string
	Prefix   string

	// Owner and Env select the organization. An empty owner is resolved
	// from the consumer's registration on first use.
	Owner string
	Env   string

	// Username switches from consumer-certificate auth to basic auth.
	Username string
	Password string

	Insecure   bool
	CACertPath string

	ConsumerCertPath string
	ConsumerKeyPath  string

	ProxyHostname string
	ProxyPort     string
	ProxyUser     string
	ProxyPassword string
	NoProxy       string

	// ReporterID is attached to asynchronous checkins for server-side
	// bookkeeping of which agent reported.
	ReporterID string
}

// ConfigFromDestination resolves the connection options of a satellite6
// destination, leaving defaults for everything the section did not set.
func ConfigFromDestination(d *manager.Satellite6Destination, reporterID string) Config {
	return Config{
		Hostname:      d.Hostname,
		Port:          d.Port,
		Prefix:        d.Prefix,
		Owner:         d.Owner,
		Env:           d.Env,
		Username:      d.Username,
		Password:      d.Password,
		Insecure:      d.Insecure,
		ProxyHostname: d.ProxyHostname,
		ProxyPort:     d.ProxyPort,
		ProxyUser:     d.ProxyUser,
		ProxyPassword: d.ProxyPassword,
		NoProxy:       d.NoProxy,
		ReporterID:    reporterID,
	}
}

// Client implements manager.DestinationClient against candlepin. A client
// belongs to one destination worker and is not safe for concurrent use.
type Client struct {
	conf   Config
	hc     *http.Client
	base   string
	logger *slog.Logger

	// correlationID tags every request of this worker lifetime so server
	// logs can be matched to ours.
	correlationID string

	capabilities  []string
	probedCaps    bool
	consumerUUID  string
	resolvedOwner string
}

// New builds a client for the endpoint. Without a username the consumer
// certificate is loaded eagerly so a missing registration fails at startup
// rather than mid-cycle.
func New(conf Config, logger *slog.Logger) (*Client, error) {
	if conf.Hostname == "" {
		conf.Hostname = DefaultHostname
	}
	if conf.Port == "" {
		conf.Port = DefaultPort
	}
	if conf.Prefix == "" {
		conf.Prefix = DefaultPrefix
	}
	if !strings.HasPrefix(conf.Prefix, "/") {
		conf.Prefix = "/" + conf.Prefix
	}
	if conf.ConsumerCertPath == "" {
		conf.ConsumerCertPath = DefaultConsumerCert
	}
	if conf.ConsumerKeyPath == "" {
		conf.ConsumerKeyPath = DefaultConsumerKey
	}

	tlsConf := &tls.Config{
		//nolint:gosec
		InsecureSkipVerify: conf.Insecure,
	}
	if conf.CACertPath != "" {
		caData, err := os.ReadFile(conf.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("no certificates found in %s", conf.CACertPath)
		}
		tlsConf.RootCAs = pool
	}

	client := &Client{
		conf:          conf,
		base:          fmt.Sprintf("https://%s:%s%s", conf.Hostname, conf.Port, strings.TrimSuffix(conf.Prefix, "/")),
		logger:        logger,
		correlationID: uuid.New().String(),
	}

	if conf.Username == "" {
		cert, err := tls.LoadX509KeyPair(conf.ConsumerCertPath, conf.ConsumerKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load consumer certificate (is the system registered?): %w", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
		client.consumerUUID, err = consumerUUIDFromCert(conf.ConsumerCertPath)
		if err != nil {
			return nil, err
		}
	}

	transport := &http.Transport{TLSClientConfig: tlsConf}
	switch {
	case conf.ProxyHostname == "":
		transport.Proxy = http.ProxyFromEnvironment
	case noProxyMatch(conf.NoProxy, conf.Hostname):
		transport.Proxy = nil
	default:
		proxyPort := conf.ProxyPort
		if proxyPort == "" {
			proxyPort = defaultProxyPort
		}
		proxyURL := &url.URL{Scheme: "http", Host: conf.ProxyHostname + ":" + proxyPort}
		if conf.ProxyUser != "" {
			proxyURL.User = url.UserPassword(conf.ProxyUser, conf.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	client.hc = &http.Client{Transport: transport, Timeout: 5 * time.Minute}
	return client, nil
}

func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}

// HypervisorCheckin submits the association. Servers that advertise the
// async capability answer with a job to poll; older ones handle the
// submission inline and get the legacy per-hypervisor-id format.
func (c *Client) HypervisorCheckin(ctx context.Context, r *report.HostGuestReport) (string, error) {
	assoc := r.Association()
	c.logger.Info("submitting hypervisor checkin",
		"config", r.Source(), "hypervisors", len(assoc), "guests", countGuests(assoc))

	async, err := c.supportsAsyncCheckin(ctx)
	if err != nil {
		return "", err
	}
	if async {
		return c.asyncCheckin(ctx, assoc)
	}
	return "", c.legacyCheckin(ctx, assoc)
}

func (c *Client) asyncCheckin(ctx context.Context, assoc []report.Hypervisor) (string, error) {
	owner, err := c.owner(ctx)
	if err != nil {
		return "", err
	}
	query := url.Values{"cloaked": {"false"}}
	if c.conf.Env != "" {
		query.Set("env", c.conf.Env)
	}
	if c.conf.ReporterID != "" {
		query.Set("reporter_id", c.conf.ReporterID)
	}
	payload := struct {
		Hypervisors []report.Hypervisor `json:"hypervisors"`
	}{Hypervisors: assoc}

	resp, err := c.do(ctx, http.MethodPost, "/hypervisors/"+url.PathEscape(owner), query, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", apiError(resp)
	}
	var job jobDetail
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return "", fmt.Errorf("failed to decode checkin job: %w", err)
	}
	if job.ID == "" {
		return "", fmt.Errorf("server accepted the checkin but returned no job id")
	}
	c.logger.Debug("checkin accepted", "job", job.ID, "state", job.State)
	return job.ID, nil
}

func (c *Client) legacyCheckin(ctx context.Context, assoc []report.Hypervisor) error {
	owner, err := c.owner(ctx)
	if err != nil {
		return err
	}
	query := url.Values{"owner": {owner}}
	if c.conf.Env != "" {
		query.Set("env", c.conf.Env)
	}
	payload := make(map[string][]report.Guest, len(assoc))
	for _, h := range assoc {
		payload[h.HypervisorID] = h.SortedGuests()
	}

	resp, err := c.do(ctx, http.MethodPost, "/hypervisors", query, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	var result checkinResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode checkin result: %w", err)
	}
	c.logResult(result)
	return nil
}

// SendGuestList replaces the guest list of the consumer this agent runs
// on. Requires consumer-certificate identity.
func (c *Client) SendGuestList(ctx context.Context, r *report.GuestListReport) error {
	if c.consumerUUID == "" {
		return fmt.Errorf("guest list update needs a registered consumer certificate")
	}
	guests := r.SortedGuests()
	c.logger.Info("updating guest list",
		"config", r.Source(), "consumer", c.consumerUUID, "guests", len(guests))

	resp, err := c.do(ctx, http.MethodPut, "/consumers/"+url.PathEscape(c.consumerUUID)+"/guestids", nil, guests)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// CheckJobState polls an asynchronous checkin job. A job the server marked
// failed comes back as a JobError so the caller can tell it apart from a
// polling problem.
func (c *Client) CheckJobState(ctx context.Context, jobID string) (report.State, error) {
	resp, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), url.Values{"result_data": {"true"}}, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, apiError(resp)
	}
	var job jobDetail
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return 0, fmt.Errorf("failed to decode job detail: %w", err)
	}

	switch job.State {
	case "FINISHED":
		var result checkinResult
		if len(job.ResultData) > 0 && json.Unmarshal(job.ResultData, &result) == nil {
			c.logResult(result)
		}
		return report.StateFinished, nil
	case "FAILED":
		return report.StateFailed, &manager.JobError{
			JobID:  job.ID,
			State:  report.StateFailed,
			Reason: decodeJobFailure(job.ResultData),
		}
	case "CANCELED":
		return report.StateCanceled, nil
	default:
		c.logger.Debug("checkin job still running", "job", job.ID, "state", job.State)
		return report.StateProcessing, nil
	}
}

// Heartbeat verifies the endpoint is reachable and records the outcome on
// the status report.
func (c *Client) Heartbeat(ctx context.Context, r *report.StatusReport) error {
	if _, err := c.serverStatus(ctx); err != nil {
		r.Destination.Message = err.Error()
		return err
	}
	r.Destination.Connection = "ok"
	return nil
}

func (c *Client) supportsAsyncCheckin(ctx context.Context) (bool, error) {
	if !c.probedCaps {
		status, err := c.serverStatus(ctx)
		if err != nil {
			return false, err
		}
		c.capabilities = status.ManagerCapabilities
		c.probedCaps = true
		c.logger.Debug("server capabilities", "capabilities", c.capabilities)
	}
	return slices.Contains(c.capabilities, asyncCheckinCapability), nil
}

type serverStatus struct {
	Version             string   `json:"version"`
	ManagerCapabilities []string `json:"managerCapabilities"`
}

func (c *Client) serverStatus(ctx context.Context) (*serverStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status", nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var status serverStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode server status: %w", err)
	}
	return &status, nil
}

// owner returns the configured owner, or resolves it from the consumer's
// registration once.
func (c *Client) owner(ctx context.Context) (string, error) {
	if c.conf.Owner != "" {
		return c.conf.Owner, nil
	}
	if c.resolvedOwner != "" {
		return c.resolvedOwner, nil
	}
	if c.consumerUUID == "" {
		return "", fmt.Errorf("no owner configured and no consumer certificate to resolve one from")
	}
	resp, err := c.do(ctx, http.MethodGet, "/consumers/"+url.PathEscape(c.consumerUUID)+"/owner", nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}
	var owner struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&owner); err != nil {
		return "", fmt.Errorf("failed to decode owner: %w", err)
	}
	if owner.Key == "" {
		return "", fmt.Errorf("server returned no owner key for consumer %s", c.consumerUUID)
	}
	c.resolvedOwner = owner.Key
	c.logger.Debug("resolved owner from registration", "owner", owner.Key)
	return owner.Key, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", c.correlationID)
	if c.conf.Username != "" {
		req.SetBasicAuth(c.conf.Username, c.conf.Password)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		return nil, &manager.RateLimitError{RetryAfter: retryAfter}
	}
	return resp, nil
}

type jobDetail struct {
	ID         string          `json:"id"`
	State      string          `json:"state"`
	StatusPath string          `json:"statusPath"`
	ResultData json.RawMessage `json:"resultData"`
}

type checkinResult struct {
	Created      []json.RawMessage `json:"created"`
	Updated      []json.RawMessage `json:"updated"`
	Unchanged    []json.RawMessage `json:"unchanged"`
	FailedUpdate []json.RawMessage `json:"failedUpdate"`
}

func (c *Client) logResult(result checkinResult) {
	c.logger.Info("hypervisor checkin finished",
		"created", len(result.Created),
		"updated", len(result.Updated),
		"unchanged", len(result.Unchanged),
		"failed", len(result.FailedUpdate))
}

func decodeJobFailure(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		return msg
	}
	return string(data)
}

// apiError turns a non-2xx response into an error, preferring the server's
// displayMessage when the body carries one.
func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var detail struct {
		DisplayMessage string `json:"displayMessage"`
	}
	if json.Unmarshal(data, &detail) == nil && detail.DisplayMessage != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, detail.DisplayMessage)
	}
	return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func consumerUUIDFromCert(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read consumer certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", fmt.Errorf("no PEM data in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse consumer certificate: %w", err)
	}
	if cert.Subject.CommonName == "" {
		return "", fmt.Errorf("consumer certificate %s has no common name", path)
	}
	return cert.Subject.CommonName, nil
}

func noProxyMatch(noProxy, host string) bool {
	for entry := range strings.SplitSeq(noProxy, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || entry == host {
			return true
		}
		// A leading dot, or a bare domain, matches subdomains.
		if strings.HasSuffix(host, "."+strings.TrimPrefix(entry, ".")) {
			return true
		}
	}
	return false
}

func countGuests(assoc []report.Hypervisor) int {
	total := 0
	for _, h := range assoc {
		total += len(h.Guests)
	}
	return total
}
