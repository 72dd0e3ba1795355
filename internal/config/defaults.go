// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"slices"
	"time"
)

// Well-known section names. Everything else is a virtualization source.
const (
	GlobalSectionName   = "global"
	DefaultsSectionName = "defaults"
	// EnvCmdlineSectionName collects source options given through the
	// environment or the command line instead of a config file.
	EnvCmdlineSectionName = "env/cmdline"
)

// Default filesystem locations. Tests inject other paths via Settings.
const (
	DefaultMainConfigPath = "/etc/virt-who.conf"
	DefaultDropinDirPath  = "/etc/virt-who.d"
	DefaultLogDir         = "/var/log/virtwho"
	DefaultLogFile        = "virtwho.log"
	DefaultPidFilePath    = "/run/virt-who.pid"
	DefaultStatusFilePath = "/var/lib/virt-who/status.json"
	DefaultStatusLockPath = "/var/lib/virt-who/status.lock"
)

// Timing constants for the reporting engine.
const (
	// MinimumSendInterval is the shortest permitted reporting interval.
	// Anything lower is replaced by DefaultInterval with a warning.
	MinimumSendInterval = 60 * time.Second
	// DefaultInterval is the reporting cadence when none is configured.
	DefaultInterval = 3600 * time.Second
	// MinimumJobPollInterval bounds how often an asynchronous submission
	// job may be polled. It doubles after every poll.
	MinimumJobPollInterval = 5 * time.Second
)

// Hypervisor identifier kinds selectable via the hypervisor_id option.
const (
	HypervisorIDUUID     = "uuid"
	HypervisorIDHWUUID   = "hwuuid"
	HypervisorIDHostname = "hostname"
)

// Subscription manager kinds selectable via the sm_type option.
const (
	SMTypeSAM       = "sam"
	SMTypeSatellite = "satellite"
)

// typeRule describes what a source type requires and supports. The
// validators consult this table; the adapters themselves live elsewhere.
type typeRule struct {
	requiresServer   bool
	requiresUsername bool
	requiresPassword bool
	// hypervisorIDs are the identifier kinds the adapter can produce.
	hypervisorIDs []string
	// localOnly marks collectors of the machine the agent runs on. They
	// never need owner and env, even when reporting to sam.
	localOnly bool
	// extraKeys are type-specific options beyond the common set.
	extraKeys []string
}

var typeRules = map[string]typeRule{
	"esx": {
		requiresServer:   true,
		requiresUsername: true,
		requiresPassword: true,
		hypervisorIDs:    []string{HypervisorIDUUID, HypervisorIDHWUUID, HypervisorIDHostname},
		extraKeys:        []string{"simplified_vim", "filter_host_parents", "exclude_host_parents"},
	},
	"rhevm": {
		requiresServer:   true,
		requiresUsername: true,
		requiresPassword: true,
		hypervisorIDs:    []string{HypervisorIDUUID, HypervisorIDHWUUID, HypervisorIDHostname},
	},
	"hyperv": {
		requiresServer:   true,
		requiresUsername: true,
		requiresPassword: true,
		hypervisorIDs:    []string{HypervisorIDUUID, HypervisorIDHostname},
	},
	"xen": {
		requiresServer:   true,
		requiresUsername: true,
		requiresPassword: true,
		hypervisorIDs:    []string{HypervisorIDUUID, HypervisorIDHostname},
	},
	"libvirt": {
		hypervisorIDs: []string{HypervisorIDUUID, HypervisorIDHostname},
	},
	"kubevirt": {
		hypervisorIDs: []string{HypervisorIDUUID, HypervisorIDHostname},
		extraKeys:     []string{"kubeconfig", "kubeversion", "insecure"},
	},
	"ahv": {
		requiresServer:   true,
		requiresUsername: true,
		requiresPassword: true,
		hypervisorIDs:    []string{HypervisorIDUUID},
		extraKeys:        []string{"prism_central", "update_interval"},
	},
	"vdsm": {
		hypervisorIDs: []string{HypervisorIDUUID},
		localOnly:     true,
	},
	"fake": {
		hypervisorIDs: []string{HypervisorIDUUID, HypervisorIDHWUUID, HypervisorIDHostname},
		extraKeys:     []string{"file", "is_hypervisor"},
	},
}

// typeAliases maps accepted type spellings to the canonical kind.
var typeAliases = map[string]string{
	"nutanix": "ahv",
}

// SourceTypes returns the canonical source type names, sorted.
func SourceTypes() []string {
	return sortedKeys(typeRules)
}

// SourceTypeSpellings returns every accepted type spelling, canonical
// names and aliases alike, sorted.
func SourceTypeSpellings() []string {
	spellings := slices.Concat(SourceTypes(), sortedKeys(typeAliases))
	slices.Sort(spellings)
	return spellings
}

// CanonicalSourceType resolves an accepted spelling to the canonical
// source type name.
func CanonicalSourceType(spelling string) string {
	if canonical, ok := typeAliases[spelling]; ok {
		return canonical
	}
	return spelling
}

// builtinSourceDefaults are the documented defaults seeded into every
// source section before any file, env or CLI value applies. Type-specific
// defaults such as simplified_vim are filled in during validation, when
// the type is known.
var builtinSourceDefaults = map[string]string{
	"hypervisor_id": HypervisorIDUUID,
	"sm_type":       SMTypeSAM,
}

// builtinGlobalDefaults seed the global section.
var builtinGlobalDefaults = map[string]string{
	"interval":       "3600",
	"debug":          "false",
	"oneshot":        "false",
	"background":     "false",
	"print":          "false",
	"status":         "false",
	"json":           "false",
	"log_per_config": "false",
	"log_dir":        DefaultLogDir,
	"log_file":       DefaultLogFile,
}

// globalKeys is the set of options routed to the global section when they
// arrive via environment or CLI, and accepted inside [global].
var globalKeys = map[string]bool{
	"interval":       true,
	"debug":          true,
	"oneshot":        true,
	"background":     true,
	"print":          true,
	"status":         true,
	"json":           true,
	"log_per_config": true,
	"log_dir":        true,
	"log_file":       true,
	"reporter_id":    true,
	"configs":        true,
	"metrics_port":   true,
}

// commonSourceKeys are accepted in every source section regardless of type.
var commonSourceKeys = map[string]bool{
	"type":                    true,
	"server":                  true,
	"username":                true,
	"password":                true,
	"encrypted_password":      true,
	"owner":                   true,
	"env":                     true,
	"sm_type":                 true,
	"hypervisor_id":           true,
	"filter_hosts":            true,
	"exclude_hosts":           true,
	"filter_type":             true,
	"rhsm_hostname":           true,
	"rhsm_port":               true,
	"rhsm_prefix":             true,
	"rhsm_username":           true,
	"rhsm_password":           true,
	"rhsm_encrypted_password": true,
	"rhsm_insecure":           true,
	"rhsm_proxy_hostname":     true,
	"rhsm_proxy_port":         true,
	"rhsm_proxy_user":         true,
	"rhsm_proxy_password":     true,
	"rhsm_no_proxy":           true,
	"sat_server":              true,
	"sat_username":            true,
	"sat_password":            true,
	"sat_encrypted_password":  true,
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
