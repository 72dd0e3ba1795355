// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/candlepin/virt-who-go/internal/filter"
	"github.com/candlepin/virt-who-go/internal/password"
)

// validateGlobal normalizes the global section and produces the typed
// view. Bad values never fail the load; they fall back to the documented
// defaults with a warning.
func validateGlobal(s *Section) GlobalConfig {
	for _, key := range s.Keys() {
		if !globalKeys[key] {
			s.warnf("unknown option %s in the global section", key)
		}
	}

	boolOf := func(key string) bool {
		v, err := s.Bool(key, false)
		if err != nil {
			s.warnf("option %s: %v, using false", key, err)
			return false
		}
		return v
	}

	interval := DefaultInterval
	if n, err := s.Int("interval", int(DefaultInterval/time.Second)); err != nil {
		s.warnf("%v, using default %d", err, int(DefaultInterval/time.Second))
	} else if d := time.Duration(n) * time.Second; d < MinimumSendInterval {
		s.warnf("interval %d is less than the minimum %d, using default %d",
			n, int(MinimumSendInterval/time.Second), int(DefaultInterval/time.Second))
	} else {
		interval = d
	}

	metricsPort := 0
	if n, err := s.Int("metrics_port", 0); err != nil {
		s.warnf("%v, metrics stay disabled", err)
	} else if n < 0 || n > 65535 {
		s.warnf("metrics_port %d is out of range, metrics stay disabled", n)
	} else {
		metricsPort = n
	}

	debug := boolOf("debug")
	return GlobalConfig{
		Interval:    interval,
		Debug:       debug,
		Oneshot:     boolOf("oneshot"),
		Background:  boolOf("background"),
		Print:       boolOf("print"),
		Status:      boolOf("status"),
		JSONOutput:  boolOf("json"),
		ReporterID:  s.String("reporter_id", ""),
		MetricsPort: metricsPort,
		Logging: LoggingConfig{
			Debug:      debug,
			Dir:        s.String("log_dir", DefaultLogDir),
			File:       s.String("log_file", DefaultLogFile),
			PerConfig:  boolOf("log_per_config"),
			Background: boolOf("background"),
		},
	}
}

// encryptedKeys maps an encrypted option to the plain option it decrypts
// into. The decrypted value overrides any plaintext one.
var encryptedKeys = map[string]string{
	"encrypted_password":      "password",
	"rhsm_encrypted_password": "rhsm_password",
	"sat_encrypted_password":  "sat_password",
}

var usernameKeys = []string{"username", "rhsm_username", "sat_username", "rhsm_proxy_user"}
var passwordKeys = []string{"password", "rhsm_password", "sat_password", "rhsm_proxy_password"}

// boolSourceKeys are the per-source options parsed as booleans, with the
// types they belong to ("" meaning any).
var boolSourceKeys = map[string]string{
	"simplified_vim": "esx",
	"is_hypervisor":  "fake",
	"prism_central":  "ahv",
	"insecure":       "kubevirt",
	"rhsm_insecure":  "",
}

// validateSource runs every validator over one source section and settles
// its state. The section survives with State() == Valid only if no
// error-level finding was recorded.
func validateSource(s *Section, keeper *password.Keeper) {
	defer func() {
		s.state = Valid
		for _, m := range s.messages {
			if m.Level == slog.LevelError {
				s.state = Invalid
				return
			}
		}
	}()

	typ := s.Type()
	rule, known := typeRules[typ]
	switch {
	case typ == "":
		s.errorf("virtualization backend type is not set")
		return
	case !known:
		s.errorf("unsupported virtualization backend type %q, supported types are %s",
			typ, strings.Join(SourceTypes(), ", "))
		return
	}
	s.Set("type", typ)

	validateKnownKeys(s, rule)
	validateBoolKeys(s, typ)
	validateEncryptedPasswords(s, keeper)
	validateCredentialEncodings(s)
	validateRequiredKeys(s, typ, rule)
	normalizeServerURL(s, typ)
	validateHypervisorID(s, rule)
	validateSMType(s, typ, rule)
	validateFilters(s, typ)
}

func validateKnownKeys(s *Section, rule typeRule) {
	for _, key := range s.Keys() {
		if commonSourceKeys[key] || slices.Contains(rule.extraKeys, key) {
			continue
		}
		s.warnf("unknown option %s", key)
	}
}

func validateBoolKeys(s *Section, typ string) {
	if typ == "esx" && !s.Has("simplified_vim") {
		s.Set("simplified_vim", "true")
	}
	for key, forType := range boolSourceKeys {
		if !s.Has(key) || (forType != "" && forType != typ) {
			continue
		}
		if _, err := s.Bool(key, false); err != nil {
			s.warnf("option %s: %v, using the default", key, err)
			s.Delete(key)
		}
	}
}

func validateEncryptedPasswords(s *Section, keeper *password.Keeper) {
	for encKey, plainKey := range encryptedKeys {
		ciphertext, ok := s.Get(encKey)
		if !ok {
			continue
		}
		plain, err := keeper.Decrypt(ciphertext)
		if err != nil {
			s.errorf("option %s cannot be decrypted: %v", encKey, err)
			continue
		}
		s.Set(plainKey, plain)
	}
}

func validateCredentialEncodings(s *Section) {
	encoder := charmap.ISO8859_1.NewEncoder()
	for _, key := range usernameKeys {
		v, ok := s.Get(key)
		if !ok {
			continue
		}
		if _, err := encoder.String(v); err != nil {
			s.errorf("option %s must be encodable as latin-1 for HTTP basic auth", key)
		}
	}
	for _, key := range passwordKeys {
		if v, ok := s.Get(key); ok && !utf8.ValidString(v) {
			s.errorf("option %s is not valid UTF-8", key)
		}
	}
}

func validateRequiredKeys(s *Section, typ string, rule typeRule) {
	required := func(key string, needed bool) {
		if needed && s.String(key, "") == "" {
			s.errorf("required option %s is not set", key)
		}
	}
	required("server", rule.requiresServer)
	required("username", rule.requiresUsername)
	required("password", rule.requiresPassword)

	switch typ {
	case "fake":
		requireReadableFile(s, "file")
	case "kubevirt":
		requireReadableFile(s, "kubeconfig")
	}
}

func requireReadableFile(s *Section, key string) {
	path, ok := s.Get(key)
	if !ok || path == "" {
		s.errorf("required option %s is not set", key)
		return
	}
	if err := checkReadable(path); err != nil {
		s.errorf("option %s: %v", key, err)
	}
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// normalizeServerURL applies the per-backend URL conventions so adapters
// receive a complete endpoint.
func normalizeServerURL(s *Section, typ string) {
	server, ok := s.Get("server")
	if !ok || server == "" {
		return
	}
	switch typ {
	case "libvirt":
		s.Set("server", normalizeLibvirtURL(s, server))
	case "rhevm":
		s.Set("server", normalizeRhevmURL(s, server))
	case "xen":
		if !strings.Contains(server, "://") {
			s.Set("server", "https://"+server)
		}
	}
}

func normalizeLibvirtURL(s *Section, server string) string {
	if !strings.Contains(server, "://") {
		s.warnf("libvirt server URL %q has no scheme, assuming qemu+ssh://", server)
		server = "qemu+ssh://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		s.errorf("option server is not a valid URL: %v", err)
		return server
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/system"
	}
	if u.RawQuery == "" {
		u.RawQuery = "no_tty=1"
	}
	return u.String()
}

func normalizeRhevmURL(s *Section, server string) string {
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		s.errorf("option server is not a valid URL: %v", err)
		return server
	}
	if u.Port() == "" {
		u.Host += ":8443"
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String()
}

func validateHypervisorID(s *Section, rule typeRule) {
	id := strings.ToLower(s.String("hypervisor_id", HypervisorIDUUID))
	if !slices.Contains(rule.hypervisorIDs, id) {
		s.errorf("hypervisor_id %q is not supported by this backend, expected one of %s",
			id, strings.Join(rule.hypervisorIDs, ", "))
		return
	}
	s.Set("hypervisor_id", id)
}

func validateSMType(s *Section, typ string, rule typeRule) {
	smType := strings.ToLower(s.String("sm_type", SMTypeSAM))
	switch smType {
	case SMTypeSAM:
		s.Set("sm_type", smType)
		if !requiresOwner(s, typ, rule) {
			return
		}
		for _, key := range []string{"owner", "env"} {
			if s.String(key, "") == "" {
				s.errorf("required option %s is not set", key)
			}
		}
	case SMTypeSatellite:
		s.Set("sm_type", smType)
		for _, key := range []string{"sat_server", "sat_username", "sat_password"} {
			if s.String(key, "") == "" {
				s.errorf("required option %s is not set", key)
			}
		}
	default:
		s.errorf("sm_type %q is not supported, expected %s or %s", smType, SMTypeSAM, SMTypeSatellite)
	}
}

// requiresOwner reports whether the section describes a real hypervisor
// collector. Local collectors and fake sources in guest-list mode report
// against the machine's own consumer identity and need no owner or env.
func requiresOwner(s *Section, typ string, rule typeRule) bool {
	if rule.localOnly {
		return false
	}
	switch typ {
	case "libvirt":
		return s.String("server", "") != ""
	case "fake":
		isHypervisor, err := s.Bool("is_hypervisor", true)
		return err == nil && isHypervisor
	}
	return true
}

func validateFilters(s *Section, typ string) {
	if typ != "esx" {
		for _, key := range []string{"filter_host_parents", "exclude_host_parents"} {
			if s.Has(key) {
				s.warnf("option %s is only supported by the esx backend, ignoring", key)
				s.Delete(key)
			}
		}
	}

	mode, err := filter.ParseMode(s.String("filter_type", ""))
	if err != nil {
		s.errorf("%v", err)
		return
	}
	pairs := [][2]string{
		{"filter_hosts", "exclude_hosts"},
		{"filter_host_parents", "exclude_host_parents"},
	}
	for _, pair := range pairs {
		if _, err := filter.NewSet(s.List(pair[0]), s.List(pair[1]), mode); err != nil {
			s.errorf("%v", err)
		}
	}
}

// HostFilters compiles the hypervisor-id filters of a validated source
// section. A section without filters yields nil, which allows everything.
func HostFilters(s *Section) (*filter.Set, error) {
	mode, err := filter.ParseMode(s.String("filter_type", ""))
	if err != nil {
		return nil, err
	}
	set, err := filter.NewSet(s.List("filter_hosts"), s.List("exclude_hosts"), mode)
	if err != nil {
		return nil, err
	}
	if set.Empty() {
		return nil, nil
	}
	return set, nil
}
