// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config resolves the effective configuration of the agent from
// built-in defaults, the main config file, drop-in files, environment
// variables and command-line options, in that order of precedence.
package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/candlepin/virt-who-go/internal/password"
)

// ErrNoSources is returned by Load when validation leaves no usable
// virtualization source.
var ErrNoSources = errors.New("no valid virtualization source configured")

// Settings holds the process-wide paths and ambient inputs. They are
// injectable so tests never touch the real filesystem or environment.
type Settings struct {
	MainConfigPath string
	DropinDirPath  string
	KeyFilePath    string
	PidFilePath    string
	StatusFilePath string
	StatusLockPath string
	// Environ is the raw environment in os.Environ form.
	Environ []string
	// Hostname seeds the default reporter_id.
	Hostname string
}

// DefaultSettings returns the production paths and the real environment.
func DefaultSettings() Settings {
	hostname, _ := os.Hostname()
	return Settings{
		MainConfigPath: DefaultMainConfigPath,
		DropinDirPath:  DefaultDropinDirPath,
		KeyFilePath:    password.DefaultKeyFile,
		PidFilePath:    DefaultPidFilePath,
		StatusFilePath: DefaultStatusFilePath,
		StatusLockPath: DefaultStatusLockPath,
		Environ:        os.Environ(),
		Hostname:       hostname,
	}
}

// Overrides carries the command-line layer, which has the highest
// precedence. The maps hold only options the user actually passed.
type Overrides struct {
	// Global options such as interval or debug.
	Global map[string]string
	// Source options such as type or server; they form the env/cmdline
	// section together with the corresponding environment variables.
	Source map[string]string
	// Configs lists config files passed with -c. When non-empty, virt
	// sections are read only from these files and the drop-in directory
	// is skipped.
	Configs []string
}

// GlobalConfig is the typed view of the validated global section.
type GlobalConfig struct {
	// Interval between reporting cycles.
	Interval time.Duration
	// Debug enables debug-level logging.
	Debug bool
	// Oneshot makes every worker stop after one successful cycle.
	Oneshot bool
	// Background requests daemon-style behavior from the launcher.
	Background bool
	// Print collects one round of reports and prints them instead of
	// submitting.
	Print bool
	// Status probes source and destination connectivity instead of
	// reporting inventory.
	Status bool
	// JSONOutput switches status output to JSON.
	JSONOutput bool
	// ReporterID identifies this agent instance to the destination.
	ReporterID string
	// MetricsPort serves Prometheus metrics when non-zero.
	MetricsPort int
	Logging     LoggingConfig
}

// EffectiveConfig is the merged and validated configuration. Source
// lookups are by section name; the global block is exposed through Global.
type EffectiveConfig struct {
	settings      Settings
	global        GlobalConfig
	globalSection *Section
	sections      map[string]*Section
}

// Settings returns the ambient paths the config was loaded with.
func (c *EffectiveConfig) Settings() Settings {
	return c.settings
}

// Global returns the typed global configuration.
func (c *EffectiveConfig) Global() GlobalConfig {
	return c.global
}

// Section returns a source section by name.
func (c *EffectiveConfig) Section(name string) (*Section, bool) {
	s, ok := c.sections[name]
	return s, ok
}

// Sections returns every source section, valid or not, sorted by name.
func (c *EffectiveConfig) Sections() []*Section {
	out := make([]*Section, 0, len(c.sections))
	for _, name := range sortedKeys(c.sections) {
		out = append(out, c.sections[name])
	}
	return out
}

// Sources returns the valid source sections, sorted by name. These drive
// the source workers.
func (c *EffectiveConfig) Sources() []*Section {
	var out []*Section
	for _, s := range c.Sections() {
		if s.State() == Valid {
			out = append(out, s)
		}
	}
	return out
}

// LogMessages emits every validation finding through the given logger,
// tagged with the section name it belongs to.
func (c *EffectiveConfig) LogMessages(logger *slog.Logger) {
	sections := append([]*Section{c.globalSection}, c.Sections()...)
	for _, s := range sections {
		for _, m := range s.Messages() {
			logger.Log(context.Background(), m.Level, m.Text, "config", s.Name)
		}
	}
}

// Load builds the effective configuration. It returns the configuration
// even when the error is ErrNoSources, so callers can still log the
// validation findings of the dropped sections.
func Load(settings Settings, overrides Overrides) (*EffectiveConfig, error) {
	cfg := &EffectiveConfig{
		settings: settings,
		sections: make(map[string]*Section),
	}

	global := NewSection(GlobalSectionName)
	cfg.globalSection = global
	global.update(builtinGlobalDefaults)
	defaults := map[string]string{}

	// Raw source sections in precedence order, lowest first.
	var layers []rawSection

	mainLayers, err := loadMainFile(settings.MainConfigPath, global, defaults)
	if err != nil {
		return nil, err
	}

	if len(overrides.Configs) > 0 {
		// Only the files named with -c contribute virt sections; the
		// main file still supplies [global] and [defaults].
		global.Set("configs", strings.Join(overrides.Configs, ","))
		for _, path := range overrides.Configs {
			layers = append(layers, parseSourceFile(path, global)...)
		}
	} else {
		layers = append(layers, mainLayers...)
		dropins, notes, err := listDropinFiles(settings.DropinDirPath)
		if err != nil {
			return nil, err
		}
		for _, note := range notes {
			global.warnf("%s", note)
		}
		for _, path := range dropins {
			layers = append(layers, parseSourceFile(path, global)...)
		}
	}

	envGlobal, envSource := parseEnviron(settings.Environ, global)
	global.update(envGlobal)
	if len(envSource) > 0 {
		layers = append(layers, rawSection{name: EnvCmdlineSectionName, values: envSource})
	}

	global.update(overrides.Global)
	if len(overrides.Source) > 0 {
		layers = append(layers, rawSection{name: EnvCmdlineSectionName, values: overrides.Source})
	}

	// Merge the layers into sections, seeding each new source with the
	// built-in defaults and the [defaults] block.
	for _, layer := range layers {
		section, ok := cfg.sections[layer.name]
		if !ok {
			section = NewSection(layer.name)
			section.update(builtinSourceDefaults)
			section.update(defaults)
			cfg.sections[layer.name] = section
		}
		section.update(layer.values)
	}

	// Options like --satellite or VIRTWHO_SAM alone do not describe a
	// source. Without a type selector the synthetic section would only
	// fail validation, so drop it early with a gentler finding.
	if section, ok := cfg.sections[EnvCmdlineSectionName]; ok && !section.Has("type") {
		global.warnf("ignoring source options from the environment or command line: no virtualization backend selected")
		delete(cfg.sections, EnvCmdlineSectionName)
	}

	if !global.Has("reporter_id") && settings.Hostname != "" {
		global.Set("reporter_id", settings.Hostname)
	}

	cfg.global = validateGlobal(global)
	keeper := password.New(settings.KeyFilePath)
	for _, section := range cfg.sections {
		validateSource(section, keeper)
	}

	if len(cfg.Sources()) == 0 {
		return cfg, ErrNoSources
	}
	return cfg, nil
}

// loadMainFile parses the main config file, routing [global] into the
// global section and [defaults] into the defaults map, and returns the
// remaining sections. A missing file is fine: the agent may be driven
// entirely by drop-ins, env or CLI.
func loadMainFile(path string, global *Section, defaults map[string]string) ([]rawSection, error) {
	parsed, err := parseINIFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, warning := range parsed.warnings {
		global.warnf("%s: %s", path, warning)
	}
	var rest []rawSection
	for _, sec := range parsed.sections {
		switch strings.ToLower(sec.name) {
		case GlobalSectionName:
			global.update(sec.values)
		case DefaultsSectionName:
			for k, v := range sec.values {
				defaults[strings.ToLower(k)] = v
			}
		default:
			rest = append(rest, sec)
		}
	}
	return rest, nil
}

// parseSourceFile parses one drop-in or -c file. Parse failures do not
// stop the load; the file is skipped with an error finding, matching how
// a single broken drop-in must not take down reporting for the others.
func parseSourceFile(path string, global *Section) []rawSection {
	parsed, err := parseINIFile(path)
	if err != nil {
		global.errorf("skipping %s: %v", path, err)
		return nil
	}
	for _, warning := range parsed.warnings {
		global.warnf("%s: %s", path, warning)
	}
	var out []rawSection
	for _, sec := range parsed.sections {
		switch strings.ToLower(sec.name) {
		case GlobalSectionName, DefaultsSectionName:
			// Only the main file may carry these blocks.
			global.warnf("%s: ignoring [%s] section outside the main config file", path, sec.name)
			continue
		}
		out = append(out, sec)
	}
	return out
}

// envBoolSet reports whether the variable is set to a truthy value. Falsy
// and unparsable values leave lower layers untouched.
func envBoolSet(value string) bool {
	b, err := ParseBool(value)
	return err == nil && b
}

// parseEnviron extracts the VIRTWHO_* variables. Global-scope options go
// into the returned global map, source options into the env/cmdline map.
func parseEnviron(environ []string, global *Section) (map[string]string, map[string]string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	globalVals := map[string]string{}
	sourceVals := map[string]string{}

	if envBoolSet(env["VIRTWHO_DEBUG"]) {
		globalVals["debug"] = "true"
	}
	if envBoolSet(env["VIRTWHO_ONE_SHOT"]) {
		globalVals["oneshot"] = "true"
	}
	if envBoolSet(env["VIRTWHO_BACKGROUND"]) {
		globalVals["background"] = "true"
	}
	if v := strings.TrimSpace(env["VIRTWHO_INTERVAL"]); v != "" {
		globalVals["interval"] = v
	}

	if envBoolSet(env["VIRTWHO_SAM"]) {
		sourceVals["sm_type"] = SMTypeSAM
	}
	if envBoolSet(env["VIRTWHO_SATELLITE"]) {
		sourceVals["sm_type"] = SMTypeSatellite
	}

	// Type selectors, e.g. VIRTWHO_ESX=1 plus VIRTWHO_ESX_SERVER=… for
	// the per-type options.
	spellings := SourceTypeSpellings()
	var selected []string
	for _, spelling := range spellings {
		prefix := "VIRTWHO_" + strings.ToUpper(spelling)
		if !envBoolSet(env[prefix]) {
			continue
		}
		selected = append(selected, spelling)
		if len(selected) > 1 {
			continue
		}
		sourceVals["type"] = CanonicalSourceType(spelling)
		for _, opt := range []string{"owner", "env", "server", "username", "password"} {
			if v := env[prefix+"_"+strings.ToUpper(opt)]; v != "" {
				sourceVals[opt] = v
			}
		}
	}
	if len(selected) > 1 {
		global.warnf("multiple source types selected through the environment (%s), using %s",
			strings.Join(selected, ", "), selected[0])
	}

	return globalVals, sourceVals
}
