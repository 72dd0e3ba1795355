// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/candlepin/virt-who-go/internal/password"
)

func newGlobalSection(values map[string]string) *Section {
	s := NewSection(GlobalSectionName)
	s.update(builtinGlobalDefaults)
	s.update(values)
	return s
}

func newSourceSection(typ string, values map[string]string) *Section {
	s := NewSection("test-source")
	s.update(builtinSourceDefaults)
	if typ != "" {
		s.Set("type", typ)
	}
	s.update(values)
	return s
}

func fullCredentials() map[string]string {
	return map[string]string{
		"server":   "virt.example.com",
		"username": "admin",
		"password": "secret",
		"owner":    "corp",
		"env":      "prod",
	}
}

func testKeeper(t *testing.T) *password.Keeper {
	t.Helper()
	return password.New(filepath.Join(t.TempDir(), "key"))
}

func TestValidateGlobalDefaults(t *testing.T) {
	s := newGlobalSection(nil)
	g := validateGlobal(s)
	if g.Interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", g.Interval, DefaultInterval)
	}
	if g.Debug || g.Oneshot || g.Background || g.Print || g.Status || g.JSONOutput {
		t.Errorf("boolean defaults must be off: %+v", g)
	}
	if g.MetricsPort != 0 {
		t.Errorf("metrics_port = %d, want 0", g.MetricsPort)
	}
	if g.Logging.Dir != DefaultLogDir || g.Logging.File != DefaultLogFile {
		t.Errorf("logging defaults = %+v", g.Logging)
	}
	if len(s.Messages()) != 0 {
		t.Errorf("unexpected findings: %v", s.Messages())
	}
}

func TestValidateGlobalInterval(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
		warn  bool
	}{
		{value: "600", want: 600 * time.Second},
		{value: "60", want: 60 * time.Second},
		{value: "30", want: DefaultInterval, warn: true},
		{value: "soon", want: DefaultInterval, warn: true},
	}
	for _, tt := range tests {
		s := newGlobalSection(map[string]string{"interval": tt.value})
		g := validateGlobal(s)
		if g.Interval != tt.want {
			t.Errorf("interval %q: got %v, want %v", tt.value, g.Interval, tt.want)
		}
		if warned := len(s.Messages()) > 0; warned != tt.warn {
			t.Errorf("interval %q: warned = %v, messages %v", tt.value, warned, s.Messages())
		}
	}
}

func TestValidateGlobalMetricsPort(t *testing.T) {
	tests := []struct {
		value string
		want  int
		warn  bool
	}{
		{value: "9090", want: 9090},
		{value: "0", want: 0},
		{value: "65536", want: 0, warn: true},
		{value: "-1", want: 0, warn: true},
		{value: "any", want: 0, warn: true},
	}
	for _, tt := range tests {
		s := newGlobalSection(map[string]string{"metrics_port": tt.value})
		g := validateGlobal(s)
		if g.MetricsPort != tt.want {
			t.Errorf("metrics_port %q: got %d, want %d", tt.value, g.MetricsPort, tt.want)
		}
		if warned := len(s.Messages()) > 0; warned != tt.warn {
			t.Errorf("metrics_port %q: warned = %v, messages %v", tt.value, warned, s.Messages())
		}
	}
}

func TestValidateGlobalUnknownOption(t *testing.T) {
	s := newGlobalSection(map[string]string{"frobnicate": "1"})
	validateGlobal(s)
	if !hasMessage(s, slog.LevelWarn, "unknown option frobnicate") {
		t.Errorf("missing warning, messages = %v", s.Messages())
	}
}

func TestValidateSourceValid(t *testing.T) {
	s := newSourceSection("esx", fullCredentials())
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("state = %v, messages %v", s.State(), s.Messages())
	}
	if v := s.String("simplified_vim", ""); v != "true" {
		t.Errorf("simplified_vim = %q, want the esx default true", v)
	}
}

func TestValidateSourceMissingType(t *testing.T) {
	s := newSourceSection("", fullCredentials())
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("section without a type must be invalid")
	}
	if !hasMessage(s, slog.LevelError, "type is not set") {
		t.Errorf("messages = %v", s.Messages())
	}
}

func TestValidateSourceUnknownType(t *testing.T) {
	s := newSourceSection("qemu", fullCredentials())
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("unknown type must be invalid")
	}
	if !hasMessage(s, slog.LevelError, "unsupported virtualization backend type") {
		t.Errorf("messages = %v", s.Messages())
	}
}

func TestValidateSourceTypeAlias(t *testing.T) {
	s := newSourceSection("nutanix", fullCredentials())
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("state = %v, messages %v", s.State(), s.Messages())
	}
	if v := s.String("type", ""); v != "ahv" {
		t.Errorf("type = %q, the alias must be canonicalized", v)
	}
}

func TestValidateSourceRequiredOptions(t *testing.T) {
	s := newSourceSection("esx", nil)
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("esx without credentials must be invalid")
	}
	for _, key := range []string{"server", "username", "password", "owner", "env"} {
		if !hasMessage(s, slog.LevelError, "required option "+key) {
			t.Errorf("missing finding for %s, messages = %v", key, s.Messages())
		}
	}
}

func TestValidateSourceHypervisorID(t *testing.T) {
	s := newSourceSection("hyperv", fullCredentials())
	s.Set("hypervisor_id", "hwuuid")
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("hyperv cannot produce hwuuid identifiers")
	}
	if !hasMessage(s, slog.LevelError, "hypervisor_id") {
		t.Errorf("messages = %v", s.Messages())
	}

	s = newSourceSection("esx", fullCredentials())
	s.Set("hypervisor_id", "HWUUID")
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("state = %v, messages %v", s.State(), s.Messages())
	}
	if v := s.String("hypervisor_id", ""); v != "hwuuid" {
		t.Errorf("hypervisor_id = %q, want the normalized spelling", v)
	}
}

func TestValidateSourceSatellite(t *testing.T) {
	opts := map[string]string{
		"server":   "virt.example.com",
		"username": "admin",
		"password": "secret",
		"sm_type":  "satellite",
	}
	s := newSourceSection("esx", opts)
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("satellite destination without sat_* options must be invalid")
	}
	for _, key := range []string{"sat_server", "sat_username", "sat_password"} {
		if !hasMessage(s, slog.LevelError, "required option "+key) {
			t.Errorf("missing finding for %s, messages = %v", key, s.Messages())
		}
	}

	opts["sat_server"] = "satellite.example.com"
	opts["sat_username"] = "admin"
	opts["sat_password"] = "secret"
	s = newSourceSection("esx", opts)
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("satellite source needs no owner, messages %v", s.Messages())
	}
}

func TestValidateSourceUnknownSMType(t *testing.T) {
	s := newSourceSection("esx", fullCredentials())
	s.Set("sm_type", "foreman")
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("unknown sm_type must be invalid")
	}
	if !hasMessage(s, slog.LevelError, `sm_type "foreman" is not supported`) {
		t.Errorf("messages = %v", s.Messages())
	}
}

func TestValidateSourceLocalCollectors(t *testing.T) {
	for _, typ := range []string{"vdsm", "libvirt"} {
		s := newSourceSection(typ, nil)
		validateSource(s, testKeeper(t))
		if s.State() != Valid {
			t.Errorf("%s without options must be valid, messages %v", typ, s.Messages())
		}
	}
}

func TestValidateSourceRemoteLibvirtNeedsOwner(t *testing.T) {
	s := newSourceSection("libvirt", map[string]string{"server": "qemu+tcp://lv.example.com"})
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("remote libvirt without owner must be invalid")
	}
	for _, key := range []string{"owner", "env"} {
		if !hasMessage(s, slog.LevelError, "required option "+key) {
			t.Errorf("missing finding for %s, messages = %v", key, s.Messages())
		}
	}
}

func TestValidateSourceFake(t *testing.T) {
	guests := filepath.Join(t.TempDir(), "guests.json")
	if err := os.WriteFile(guests, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newSourceSection("fake", map[string]string{"file": guests, "is_hypervisor": "false"})
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("guest-list fake source needs no owner, messages %v", s.Messages())
	}

	s = newSourceSection("fake", map[string]string{"file": guests})
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("hypervisor-mode fake source without owner must be invalid")
	}

	s = newSourceSection("fake", map[string]string{"is_hypervisor": "false"})
	validateSource(s, testKeeper(t))
	if !hasMessage(s, slog.LevelError, "required option file") {
		t.Errorf("messages = %v", s.Messages())
	}

	absent := filepath.Join(t.TempDir(), "absent.json")
	s = newSourceSection("fake", map[string]string{"file": absent, "is_hypervisor": "false"})
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("unreadable file must be rejected")
	}
}

func TestValidateSourceKubevirt(t *testing.T) {
	kubeconfig := filepath.Join(t.TempDir(), "kubeconfig")
	if err := os.WriteFile(kubeconfig, []byte("apiVersion: v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := newSourceSection("kubevirt", map[string]string{
		"kubeconfig": kubeconfig,
		"owner":      "corp",
		"env":        "prod",
	})
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("state = %v, messages %v", s.State(), s.Messages())
	}

	s = newSourceSection("kubevirt", map[string]string{"owner": "corp", "env": "prod"})
	validateSource(s, testKeeper(t))
	if !hasMessage(s, slog.LevelError, "required option kubeconfig") {
		t.Errorf("messages = %v", s.Messages())
	}
}

func TestValidateSourceEncryptedPassword(t *testing.T) {
	keeper := testKeeper(t)
	ciphertext, err := keeper.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	opts := fullCredentials()
	delete(opts, "password")
	opts["encrypted_password"] = ciphertext
	s := newSourceSection("esx", opts)
	validateSource(s, keeper)
	if s.State() != Valid {
		t.Fatalf("state = %v, messages %v", s.State(), s.Messages())
	}
	if v := s.String("password", ""); v != "s3cret" {
		t.Errorf("password = %q, want the decrypted value", v)
	}

	opts = fullCredentials()
	opts["encrypted_password"] = ciphertext
	s = newSourceSection("esx", opts)
	validateSource(s, keeper)
	if v := s.String("password", ""); v != "s3cret" {
		t.Errorf("password = %q, encrypted_password must override the plaintext option", v)
	}

	opts["encrypted_password"] = "not-hex"
	s = newSourceSection("esx", opts)
	validateSource(s, keeper)
	if s.State() != Invalid {
		t.Fatal("undecryptable password must be invalid")
	}
	if !hasMessage(s, slog.LevelError, "cannot be decrypted") {
		t.Errorf("messages = %v", s.Messages())
	}
}

func TestValidateSourceCredentialEncoding(t *testing.T) {
	s := newSourceSection("esx", fullCredentials())
	s.Set("username", "björn")
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Errorf("latin-1 username must pass, messages %v", s.Messages())
	}

	s = newSourceSection("esx", fullCredentials())
	s.Set("username", "管理员")
	validateSource(s, testKeeper(t))
	if !hasMessage(s, slog.LevelError, "latin-1") {
		t.Errorf("messages = %v", s.Messages())
	}

	s = newSourceSection("esx", fullCredentials())
	s.Set("password", "\xff\xfe")
	validateSource(s, testKeeper(t))
	if !hasMessage(s, slog.LevelError, "not valid UTF-8") {
		t.Errorf("messages = %v", s.Messages())
	}
}

func TestValidateSourceUnknownOption(t *testing.T) {
	s := newSourceSection("esx", fullCredentials())
	s.Set("frobnicate", "1")
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("unknown options warn but do not invalidate, messages %v", s.Messages())
	}
	if !hasMessage(s, slog.LevelWarn, "unknown option frobnicate") {
		t.Errorf("messages = %v", s.Messages())
	}

	s = newSourceSection("rhevm", fullCredentials())
	s.Set("simplified_vim", "true")
	validateSource(s, testKeeper(t))
	if !hasMessage(s, slog.LevelWarn, "unknown option simplified_vim") {
		t.Errorf("type-specific options of other backends must warn, messages = %v", s.Messages())
	}
}

func TestValidateSourceBoolOptions(t *testing.T) {
	s := newSourceSection("esx", fullCredentials())
	s.Set("simplified_vim", "bananas")
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("state = %v, messages %v", s.State(), s.Messages())
	}
	if s.Has("simplified_vim") {
		t.Error("unparsable boolean must be dropped")
	}
	if !hasMessage(s, slog.LevelWarn, "simplified_vim") {
		t.Errorf("messages = %v", s.Messages())
	}
}

func TestValidateSourceLibvirtURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		warn bool
	}{
		{in: "lv.example.com", want: "qemu+ssh://lv.example.com/system?no_tty=1", warn: true},
		{in: "qemu+tcp://lv.example.com", want: "qemu+tcp://lv.example.com/system?no_tty=1"},
		{in: "qemu+tcp://lv.example.com/custom?keyfile=/id", want: "qemu+tcp://lv.example.com/custom?keyfile=/id"},
	}
	for _, tt := range tests {
		s := newSourceSection("libvirt", map[string]string{"server": tt.in, "owner": "corp", "env": "prod"})
		validateSource(s, testKeeper(t))
		if s.State() != Valid {
			t.Errorf("server %q: messages %v", tt.in, s.Messages())
			continue
		}
		if v := s.String("server", ""); v != tt.want {
			t.Errorf("server %q normalized to %q, want %q", tt.in, v, tt.want)
		}
		if warned := hasMessage(s, slog.LevelWarn, "no scheme"); warned != tt.warn {
			t.Errorf("server %q: scheme warning = %v, want %v", tt.in, warned, tt.warn)
		}
	}
}

func TestValidateSourceRhevmURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "ovirt.example.com", want: "https://ovirt.example.com:8443/"},
		{in: "https://ovirt.example.com", want: "https://ovirt.example.com:8443/"},
		{in: "https://ovirt.example.com:443/ovirt-engine", want: "https://ovirt.example.com:443/ovirt-engine/"},
	}
	for _, tt := range tests {
		opts := fullCredentials()
		opts["server"] = tt.in
		s := newSourceSection("rhevm", opts)
		validateSource(s, testKeeper(t))
		if s.State() != Valid {
			t.Errorf("server %q: messages %v", tt.in, s.Messages())
			continue
		}
		if v := s.String("server", ""); v != tt.want {
			t.Errorf("server %q normalized to %q, want %q", tt.in, v, tt.want)
		}
	}
}

func TestValidateSourceXenURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "xenserver.example.com", want: "https://xenserver.example.com"},
		{in: "http://xenserver.example.com", want: "http://xenserver.example.com"},
	}
	for _, tt := range tests {
		opts := fullCredentials()
		opts["server"] = tt.in
		s := newSourceSection("xen", opts)
		validateSource(s, testKeeper(t))
		if v := s.String("server", ""); v != tt.want {
			t.Errorf("server %q normalized to %q, want %q", tt.in, v, tt.want)
		}
	}
}

func TestValidateSourceFilters(t *testing.T) {
	s := newSourceSection("esx", fullCredentials())
	s.Set("filter_type", "bogus")
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("unknown filter_type must be invalid")
	}
	if !hasMessage(s, slog.LevelError, "filter_type") {
		t.Errorf("messages = %v", s.Messages())
	}

	s = newSourceSection("rhevm", fullCredentials())
	s.Set("filter_host_parents", "cluster-*")
	validateSource(s, testKeeper(t))
	if s.State() != Valid {
		t.Fatalf("state = %v, messages %v", s.State(), s.Messages())
	}
	if s.Has("filter_host_parents") {
		t.Error("esx-only filter option must be dropped for other backends")
	}
	if !hasMessage(s, slog.LevelWarn, "only supported by the esx backend") {
		t.Errorf("messages = %v", s.Messages())
	}

	s = newSourceSection("esx", fullCredentials())
	s.Set("filter_type", "regex")
	s.Set("filter_hosts", "[broken")
	validateSource(s, testKeeper(t))
	if s.State() != Invalid {
		t.Fatal("invalid filter pattern must be invalid")
	}
	if !hasMessage(s, slog.LevelError, "invalid filter pattern") {
		t.Errorf("messages = %v", s.Messages())
	}
}

func TestHostFilters(t *testing.T) {
	s := newSourceSection("esx", fullCredentials())
	set, err := HostFilters(s)
	if err != nil {
		t.Fatalf("HostFilters: %v", err)
	}
	if set != nil {
		t.Fatal("a section without filters must yield a nil set")
	}

	s.Set("filter_hosts", "host-*")
	s.Set("exclude_hosts", "host-13")
	set, err = HostFilters(s)
	if err != nil {
		t.Fatalf("HostFilters: %v", err)
	}
	if set == nil {
		t.Fatal("set must be non-nil when patterns are present")
	}
	if !set.Allows("host-1") {
		t.Error("host-1 matches the include list")
	}
	if set.Allows("host-13") {
		t.Error("host-13 is excluded")
	}
	if set.Allows("other") {
		t.Error("other does not match the include list")
	}

	s.Set("filter_type", "regex")
	s.Set("filter_hosts", "[broken")
	if _, err := HostFilters(s); err == nil {
		t.Error("invalid pattern must be rejected")
	}
}
