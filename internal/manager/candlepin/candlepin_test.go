// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package candlepin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/candlepin/virt-who-go/internal/manager"
	"github.com/candlepin/virt-who-go/internal/report"
)

func newTestClient(t *testing.T, server *httptest.Server, conf Config) *Client {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	conf.Hostname = u.Hostname()
	conf.Port = u.Port()
	conf.Insecure = true
	if conf.Username == "" {
		conf.Username = "admin"
		conf.Password = "secret"
	}
	c, err := New(conf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func statusBody(capabilities ...string) string {
	data, _ := json.Marshal(map[string]any{
		"version":             "4.3",
		"managerCapabilities": capabilities,
	})
	return string(data)
}

func testReport() *report.HostGuestReport {
	return report.NewHostGuestReport("s1", []report.Hypervisor{
		report.NewHypervisor("hv-1", "esx1.example.com", []report.Guest{
			report.NewGuest("g2", "esx", report.GuestStateShutoff),
			report.NewGuest("g1", "esx", report.GuestStateRunning),
		}, map[string]string{report.FactCPUSocket: "2"}),
	}, nil)
}

func TestHypervisorCheckinAsync(t *testing.T) {
	var checkins int
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscription/status":
			io.WriteString(w, statusBody("instance_multiplier", "hypervisors_async"))
		case "/subscription/hypervisors/org1":
			checkins++
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if got := r.URL.Query().Get("cloaked"); got != "false" {
				t.Errorf("cloaked = %q, want false", got)
			}
			if got := r.URL.Query().Get("env"); got != "Library" {
				t.Errorf("env = %q, want Library", got)
			}
			if got := r.URL.Query().Get("reporter_id"); got != "host.example.com-abc" {
				t.Errorf("reporter_id = %q", got)
			}
			if r.Header.Get("X-Correlation-ID") == "" {
				t.Error("missing X-Correlation-ID header")
			}
			var payload struct {
				Hypervisors []struct {
					HypervisorID struct {
						HypervisorID string `json:"hypervisorId"`
					} `json:"hypervisorId"`
					Name     string `json:"name"`
					GuestIDs []struct {
						GuestID    string `json:"guestId"`
						State      int    `json:"state"`
						Attributes struct {
							VirtWhoType string `json:"virtWhoType"`
							Active      int    `json:"active"`
						} `json:"attributes"`
					} `json:"guestIds"`
					Facts map[string]string `json:"facts"`
				} `json:"hypervisors"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("failed to decode checkin body: %v", err)
			}
			if len(payload.Hypervisors) != 1 {
				t.Fatalf("got %d hypervisors, want 1", len(payload.Hypervisors))
			}
			hv := payload.Hypervisors[0]
			if hv.HypervisorID.HypervisorID != "hv-1" || hv.Name != "esx1.example.com" {
				t.Errorf("unexpected hypervisor %+v", hv)
			}
			if len(hv.GuestIDs) != 2 || hv.GuestIDs[0].GuestID != "g1" || hv.GuestIDs[1].GuestID != "g2" {
				t.Errorf("guest ids must be sorted, got %+v", hv.GuestIDs)
			}
			if hv.GuestIDs[0].State != int(report.GuestStateRunning) || hv.GuestIDs[0].Attributes.Active != 1 {
				t.Errorf("unexpected guest payload %+v", hv.GuestIDs[0])
			}
			if hv.Facts[report.FactCPUSocket] != "2" {
				t.Errorf("facts = %v", hv.Facts)
			}
			io.WriteString(w, `{"id": "hypervisor_update_17", "state": "CREATED"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Owner: "org1", Env: "Library", ReporterID: "host.example.com-abc"})
	jobID, err := c.HypervisorCheckin(t.Context(), testReport())
	if err != nil {
		t.Fatalf("HypervisorCheckin: %v", err)
	}
	if jobID != "hypervisor_update_17" {
		t.Errorf("jobID = %q", jobID)
	}
	if checkins != 1 {
		t.Errorf("checkins = %d, want 1", checkins)
	}
}

func TestHypervisorCheckinLegacy(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscription/status":
			io.WriteString(w, statusBody("instance_multiplier"))
		case "/subscription/hypervisors":
			if r.URL.Query().Get("owner") != "org1" || r.URL.Query().Get("env") != "Library" {
				t.Errorf("query = %v", r.URL.Query())
			}
			var payload map[string][]struct {
				GuestID string `json:"guestId"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatalf("failed to decode legacy body: %v", err)
			}
			guests, ok := payload["hv-1"]
			if !ok || len(guests) != 2 || guests[0].GuestID != "g1" {
				t.Errorf("unexpected legacy payload %v", payload)
			}
			io.WriteString(w, `{"created": [{}], "updated": [], "unchanged": [], "failedUpdate": []}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Owner: "org1", Env: "Library"})
	jobID, err := c.HypervisorCheckin(t.Context(), testReport())
	if err != nil {
		t.Fatalf("HypervisorCheckin: %v", err)
	}
	if jobID != "" {
		t.Errorf("legacy checkin must be synchronous, got job %q", jobID)
	}
}

func TestCheckJobState(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		want       report.State
		wantJobErr bool
	}{
		{"running", `{"id": "j1", "state": "RUNNING"}`, report.StateProcessing, false},
		{"created", `{"id": "j1", "state": "CREATED"}`, report.StateProcessing, false},
		{"finished", `{"id": "j1", "state": "FINISHED", "resultData": {"created": [], "updated": [{}], "unchanged": [], "failedUpdate": []}}`, report.StateFinished, false},
		{"failed", `{"id": "j1", "state": "FAILED", "resultData": "owner was deleted"}`, report.StateFailed, true},
		{"canceled", `{"id": "j1", "state": "CANCELED"}`, report.StateCanceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/subscription/jobs/j1" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if r.URL.Query().Get("result_data") != "true" {
					t.Errorf("result_data = %q, want true", r.URL.Query().Get("result_data"))
				}
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			c := newTestClient(t, server, Config{Owner: "org1"})
			state, err := c.CheckJobState(t.Context(), "j1")
			if state != tt.want {
				t.Errorf("state = %v, want %v", state, tt.want)
			}
			var jobErr *manager.JobError
			if got := errors.As(err, &jobErr); got != tt.wantJobErr {
				t.Errorf("JobError = %v, want %v (err: %v)", got, tt.wantJobErr, err)
			}
			if tt.wantJobErr && jobErr.Reason != "owner was deleted" {
				t.Errorf("reason = %q", jobErr.Reason)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/subscription/status" {
			io.WriteString(w, statusBody("hypervisors_async"))
			return
		}
		w.Header().Set("Retry-After", "62")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Owner: "org1"})
	_, err := c.HypervisorCheckin(t.Context(), testReport())
	var rateErr *manager.RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("err = %v, want *manager.RateLimitError", err)
	}
	if rateErr.RetryAfter != 62*time.Second {
		t.Errorf("RetryAfter = %v, want 62s", rateErr.RetryAfter)
	}
}

func TestSendGuestList(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/subscription/consumers/abc-123/guestids" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		var guests []struct {
			GuestID string `json:"guestId"`
			State   int    `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&guests); err != nil {
			t.Fatalf("failed to decode guest list: %v", err)
		}
		if len(guests) != 2 || guests[0].GuestID != "g1" || guests[1].GuestID != "g2" {
			t.Errorf("unexpected guest list %v", guests)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	c.consumerUUID = "abc-123"

	r := report.NewGuestListReport("local", "", []report.Guest{
		report.NewGuest("g2", "libvirt", report.GuestStateRunning),
		report.NewGuest("g1", "libvirt", report.GuestStateRunning),
	})
	if err := c.SendGuestList(t.Context(), r); err != nil {
		t.Fatalf("SendGuestList: %v", err)
	}
}

func TestSendGuestListNeedsConsumer(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	if err := c.SendGuestList(t.Context(), report.NewGuestListReport("local", "", nil)); err == nil {
		t.Fatal("expected error without consumer identity")
	}
}

func TestOwnerResolvedFromRegistration(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscription/status":
			io.WriteString(w, statusBody("hypervisors_async"))
		case "/subscription/consumers/abc-123/owner":
			io.WriteString(w, `{"key": "resolved-org"}`)
		case "/subscription/hypervisors/resolved-org":
			io.WriteString(w, `{"id": "j9", "state": "CREATED"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{})
	c.consumerUUID = "abc-123"

	jobID, err := c.HypervisorCheckin(t.Context(), testReport())
	if err != nil {
		t.Fatalf("HypervisorCheckin: %v", err)
	}
	if jobID != "j9" {
		t.Errorf("jobID = %q", jobID)
	}
}

func TestHeartbeat(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, statusBody())
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Owner: "org1"})
	r := report.NewStatusReport("s1", report.SourceStatus{})
	if err := c.Heartbeat(t.Context(), r); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if r.Destination.Connection != "ok" {
		t.Errorf("connection = %q, want ok", r.Destination.Connection)
	}
}

func TestHeartbeatFailure(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Owner: "org1"})
	r := report.NewStatusReport("s1", report.SourceStatus{})
	if err := c.Heartbeat(t.Context(), r); err == nil {
		t.Fatal("expected error")
	}
	if r.Destination.Message == "" {
		t.Error("failure must be recorded on the report")
	}
}

func TestAPIErrorUsesDisplayMessage(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		io.WriteString(w, `{"displayMessage": "Consumer abc has been deleted"}`)
	}))
	defer server.Close()

	c := newTestClient(t, server, Config{Owner: "org1"})
	_, err := c.CheckJobState(t.Context(), "j1")
	if err == nil || err.Error() != "server returned 410: Consumer abc has been deleted" {
		t.Errorf("err = %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("60"); d != 60*time.Second {
		t.Errorf("parseRetryAfter(60) = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("parseRetryAfter(\"\") = %v", d)
	}
	if d := parseRetryAfter("garbage"); d != 0 {
		t.Errorf("parseRetryAfter(garbage) = %v", d)
	}
}

func TestNoProxyMatch(t *testing.T) {
	tests := []struct {
		noProxy string
		host    string
		want    bool
	}{
		{"", "candlepin.example.com", false},
		{"*", "candlepin.example.com", true},
		{"candlepin.example.com", "candlepin.example.com", true},
		{".example.com", "candlepin.example.com", true},
		{"example.com", "candlepin.example.com", true},
		{"example.com", "evilexample.com", false},
		{"other.com, example.com", "candlepin.example.com", true},
	}
	for _, tt := range tests {
		if got := noProxyMatch(tt.noProxy, tt.host); got != tt.want {
			t.Errorf("noProxyMatch(%q, %q) = %v, want %v", tt.noProxy, tt.host, got, tt.want)
		}
	}
}
