// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package hyperv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/report"
)

const identifyResponse = `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsmid="http://schemas.dmtf.org/wbem/wsman/identity/1/wsmanidentity.xsd">
<s:Header/><s:Body><wsmid:IdentifyResponse>
<wsmid:ProductVendor>Microsoft Corporation</wsmid:ProductVendor>
<wsmid:ProductVersion>OS: 10.0.20348 SP: 0.0 Stack: 3.0</wsmid:ProductVersion>
</wsmid:IdentifyResponse></s:Body></s:Envelope>`

const faultResponse = `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
<s:Body><s:Fault><s:Reason><s:Text xml:lang="en-US">The WS-Management service cannot process the request. The resource URI is invalid.</s:Text></s:Reason></s:Fault></s:Body>
</s:Envelope>`

const enumerateResponseFmt = `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration">
<s:Header/><s:Body><wsen:EnumerateResponse>
<wsen:EnumerationContext>%s</wsen:EnumerationContext>
</wsen:EnumerateResponse></s:Body></s:Envelope>`

// pullResponses maps enumeration contexts to their pull responses. The
// Msvm_ComputerSystem collection spans two pulls to cover the pagination
// loop; everything else fits one page.
var pullResponses = map[string]string{
	"settingdata-v2:1": `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
<s:Header/><s:Body><wsen:PullResponse><wsen:Items>
<p:Msvm_VirtualSystemSettingData xmlns:p="http://x/Msvm_VirtualSystemSettingData">
<p:BIOSGUID>{78563412-AB90-EFCD-1234-567890ABCDEF}</p:BIOSGUID>
<p:ElementName>web01</p:ElementName>
<p:VirtualSystemIdentifier>11111111-1111-1111-1111-111111111111</p:VirtualSystemIdentifier>
</p:Msvm_VirtualSystemSettingData>
<p:Msvm_VirtualSystemSettingData xmlns:p="http://x/Msvm_VirtualSystemSettingData">
<p:BIOSGUID>{00D0B221-1111-2222-3333-444455556666}</p:BIOSGUID>
<p:ElementName>db01</p:ElementName>
<p:VirtualSystemIdentifier>22222222-2222-2222-2222-222222222222</p:VirtualSystemIdentifier>
</p:Msvm_VirtualSystemSettingData>
<p:Msvm_VirtualSystemSettingData xmlns:p="http://x/Msvm_VirtualSystemSettingData">
<p:BIOSGUID xsi:nil="true"/>
<p:ElementName>broken01</p:ElementName>
<p:VirtualSystemIdentifier>33333333-3333-3333-3333-333333333333</p:VirtualSystemIdentifier>
</p:Msvm_VirtualSystemSettingData>
</wsen:Items><wsen:EndOfSequence/></wsen:PullResponse></s:Body></s:Envelope>`,

	"msvm-systems:1": `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration">
<s:Header/><s:Body><wsen:PullResponse>
<wsen:EnumerationContext>msvm-systems:2</wsen:EnumerationContext>
<wsen:Items>
<p:Msvm_ComputerSystem xmlns:p="http://x/Msvm_ComputerSystem">
<p:Name>WIN-HOST</p:Name>
<p:EnabledState>2</p:EnabledState>
</p:Msvm_ComputerSystem>
<p:Msvm_ComputerSystem xmlns:p="http://x/Msvm_ComputerSystem">
<p:Name>11111111-1111-1111-1111-111111111111</p:Name>
<p:EnabledState>2</p:EnabledState>
</p:Msvm_ComputerSystem>
</wsen:Items></wsen:PullResponse></s:Body></s:Envelope>`,

	"msvm-systems:2": `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration">
<s:Header/><s:Body><wsen:PullResponse><wsen:Items>
<p:Msvm_ComputerSystem xmlns:p="http://x/Msvm_ComputerSystem">
<p:Name>22222222-2222-2222-2222-222222222222</p:Name>
<p:EnabledState>3</p:EnabledState>
</p:Msvm_ComputerSystem>
</wsen:Items><wsen:EndOfSequence/></wsen:PullResponse></s:Body></s:Envelope>`,

	"cs:1": `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration">
<s:Header/><s:Body><wsen:PullResponse><wsen:Items>
<p:Win32_ComputerSystem xmlns:p="http://x/Win32_ComputerSystem">
<p:DNSHostName>hyperv01</p:DNSHostName>
<p:Domain>example.com</p:Domain>
<p:NumberOfProcessors>2</p:NumberOfProcessors>
</p:Win32_ComputerSystem>
</wsen:Items><wsen:EndOfSequence/></wsen:PullResponse></s:Body></s:Envelope>`,

	"os:1": `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration">
<s:Header/><s:Body><wsen:PullResponse><wsen:Items>
<p:Win32_OperatingSystem xmlns:p="http://x/Win32_OperatingSystem">
<p:Version>10.0.20348</p:Version>
</p:Win32_OperatingSystem>
</wsen:Items><wsen:EndOfSequence/></wsen:PullResponse></s:Body></s:Envelope>`,

	"csproduct:1": `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:wsen="http://schemas.xmlsoap.org/ws/2004/09/enumeration">
<s:Header/><s:Body><wsen:PullResponse><wsen:Items>
<p:Win32_ComputerSystemProduct xmlns:p="http://x/Win32_ComputerSystemProduct">
<p:UUID>{12345678-9ABC-DEF0-1234-56789ABCDEF0}</p:UUID>
</p:Win32_ComputerSystemProduct>
</wsen:Items><wsen:EndOfSequence/></wsen:PullResponse></s:Body></s:Envelope>`,
}

// queryKey classifies the WQL query inside an enumerate request. The most
// specific substrings come first.
func queryKey(t *testing.T, body string) string {
	switch {
	case strings.Contains(body, "SettingType = 3"):
		return "settingdata-v1"
	case strings.Contains(body, "Realized"):
		return "settingdata-v2"
	case strings.Contains(body, "Msvm_ComputerSystem"):
		return "msvm-systems"
	case strings.Contains(body, "Win32_ComputerSystemProduct"):
		return "csproduct"
	case strings.Contains(body, "Win32_OperatingSystem"):
		return "os"
	case strings.Contains(body, "Win32_ComputerSystem"):
		return "cs"
	default:
		t.Errorf("unclassified WQL query in request: %s", body)
		return ""
	}
}

func extractContext(t *testing.T, body string) string {
	t.Helper()
	const open, close = "<wsen:EnumerationContext>", "</wsen:EnumerationContext>"
	start := strings.Index(body, open)
	end := strings.Index(body, close)
	if start < 0 || end < 0 {
		t.Fatalf("pull request without enumeration context: %s", body)
	}
	return body[start+len(open) : end]
}

func newWinRM(t *testing.T, allowProductQuery bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "Administrator" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		body := string(raw)
		w.Header().Set("Content-Type", "application/soap+xml;charset=UTF-8")
		switch {
		case strings.Contains(body, "wsmanidentity.xsd"):
			io.WriteString(w, identifyResponse)
		case strings.Contains(body, "enumeration/Enumerate<"):
			key := queryKey(t, body)
			if key == "settingdata-v1" {
				// The unversioned namespace is gone on 2012 R2 and later.
				w.WriteHeader(http.StatusInternalServerError)
				io.WriteString(w, faultResponse)
				return
			}
			if key == "csproduct" && !allowProductQuery {
				t.Error("Win32_ComputerSystemProduct queried in hostname mode")
			}
			fmt.Fprintf(w, enumerateResponseFmt, key+":1")
		case strings.Contains(body, "enumeration/Pull<"):
			response, ok := pullResponses[extractContext(t, body)]
			if !ok {
				t.Errorf("pull for unknown context in: %s", body)
				w.WriteHeader(http.StatusInternalServerError)
				io.WriteString(w, faultResponse)
				return
			}
			io.WriteString(w, response)
		default:
			t.Errorf("unclassified wsman request: %s", body)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newBackend(t *testing.T, server, hypervisorID string) *Backend {
	t.Helper()
	section := config.NewSection("test-hyperv")
	section.Set("type", "hyperv")
	section.Set("server", server)
	section.Set("username", "Administrator")
	section.Set("password", "secret")
	section.Set("hypervisor_id", hypervisorID)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := New(section, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v.(*Backend)
}

func TestHostGuestMapping(t *testing.T) {
	server := newWinRM(t, true)
	b := newBackend(t, server.URL, "uuid")
	defer b.Cleanup()

	if err := b.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	hypervisors, err := b.HostGuestMapping(context.Background())
	if err != nil {
		t.Fatalf("HostGuestMapping: %v", err)
	}
	if len(hypervisors) != 1 {
		t.Fatalf("got %d hypervisors, want 1", len(hypervisors))
	}
	host := hypervisors[0]

	if host.HypervisorID != "78563412-bc9a-f0de-1234-56789abcdef0" {
		t.Errorf("host id = %q, want the decoded system UUID", host.HypervisorID)
	}
	if host.Name != "hyperv01.example.com" {
		t.Errorf("host name = %q", host.Name)
	}
	if host.Facts[report.FactCPUSocket] != "2" {
		t.Errorf("socket fact = %q", host.Facts[report.FactCPUSocket])
	}
	if host.Facts[report.FactHypervisorType] != "hyperv" {
		t.Errorf("type fact = %q", host.Facts[report.FactHypervisorType])
	}
	if host.Facts[report.FactHypervisorVersion] != "10.0.20348" {
		t.Errorf("version fact = %q", host.Facts[report.FactHypervisorVersion])
	}

	// broken01 has no BIOS GUID and is skipped.
	if len(host.Guests) != 2 {
		t.Fatalf("got %d guests, want 2", len(host.Guests))
	}
	states := make(map[string]report.GuestState)
	for _, g := range host.Guests {
		states[g.ID] = g.State
		if g.VirtType != "hyperv" {
			t.Errorf("guest %s virt type = %q", g.ID, g.VirtType)
		}
	}
	if states["12345678-90ab-cdef-1234-567890abcdef"] != report.GuestStateRunning {
		t.Errorf("web01 state = %v, ids = %v", states["12345678-90ab-cdef-1234-567890abcdef"], states)
	}
	if states["21b2d000-1111-2222-3333-444455556666"] != report.GuestStateShutoff {
		t.Errorf("db01 state = %v", states["21b2d000-1111-2222-3333-444455556666"])
	}

	// The unversioned namespace faulted, so the adapter settled on v2.
	if b.apiIndex != 1 {
		t.Errorf("apiIndex = %d after fallback, want 1", b.apiIndex)
	}
}

func TestHostGuestMappingHostnameID(t *testing.T) {
	server := newWinRM(t, false)
	b := newBackend(t, server.URL, "hostname")
	defer b.Cleanup()

	if err := b.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	hypervisors, err := b.HostGuestMapping(context.Background())
	if err != nil {
		t.Fatalf("HostGuestMapping: %v", err)
	}
	if hypervisors[0].HypervisorID != "hyperv01.example.com" {
		t.Errorf("host id = %q, want the fqdn", hypervisors[0].HypervisorID)
	}
}

func TestPrepareRejectedCredentials(t *testing.T) {
	server := newWinRM(t, true)
	section := config.NewSection("test-hyperv")
	section.Set("type", "hyperv")
	section.Set("server", server.URL)
	section.Set("username", "Administrator")
	section.Set("password", "wrong")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := New(section, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = v.Prepare(context.Background())
	if err == nil {
		t.Fatal("Prepare succeeded with rejected credentials")
	}
	if !strings.Contains(err.Error(), "credentials") {
		t.Errorf("error %q does not mention credentials", err)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hyperv.example.com", "http://hyperv.example.com:5985/wsman"},
		{"https://hyperv.example.com", "https://hyperv.example.com:5986/wsman"},
		{"http://hyperv.example.com:1234/custom", "http://hyperv.example.com:1234/custom"},
	}
	for _, c := range cases {
		got, err := normalizeEndpoint(c.in)
		if err != nil {
			t.Errorf("normalizeEndpoint(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("normalizeEndpoint(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecodeWindowsUUID(t *testing.T) {
	got, err := decodeWindowsUUID("{78563412-AB90-EFCD-1234-567890ABCDEF}")
	if err != nil {
		t.Fatal(err)
	}
	if got != "12345678-90ab-cdef-1234-567890abcdef" {
		t.Errorf("decoded = %q", got)
	}

	got, err = decodeWindowsUUID("78563412-AB90-EFCD-1234-567890ABCDEF")
	if err != nil || got != "12345678-90ab-cdef-1234-567890abcdef" {
		t.Errorf("brace-less decode = %q, %v", got, err)
	}

	if _, err := decodeWindowsUUID(""); err == nil {
		t.Error("empty uuid decoded without error")
	}
	if _, err := decodeWindowsUUID("{1234}"); err == nil {
		t.Error("truncated uuid decoded without error")
	}
}

func TestListDomainsUnsupported(t *testing.T) {
	b := newBackend(t, "hyperv.example.com", "uuid")
	if _, err := b.ListDomains(context.Background()); err == nil {
		t.Fatal("ListDomains succeeded, want unsupported error")
	}
}
