// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// virt-who is an agent that reports host/guest associations from
// virtualization platforms to a subscription manager.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/httpext"
	"github.com/sapcc/go-bits/must"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/candlepin/virt-who-go/internal/config"
	"github.com/candlepin/virt-who-go/internal/executor"
	_ "github.com/candlepin/virt-who-go/internal/virt/all"
)

func main() {
	if len(os.Args) > 1 {
		// If called with `--version`, report version and exit (packaging
		// uses this to check that the binary was built correctly).
		bininfo.HandleVersionArgument()
	}

	// Set runtime concurrency to match a CPU limit imposed by the
	// container runtime or systemd.
	undoMaxprocs := must.Return(maxprocs.Set(maxprocs.Logger(slog.Debug)))
	defer undoMaxprocs()

	// Override the User-Agent header for all requests made by this
	// process, so server logs show "virt-who/VERSION".
	wrap := httpext.WrapTransport(&http.DefaultTransport)
	wrap.SetOverrideUserAgent(bininfo.Component(), bininfo.VersionOr("rolling"))

	ctx := httpext.ContextWithSIGINT(context.Background(), 0)

	if err := newCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "virt-who",
		Short: "Agent reporting virtual guest IDs to a subscription manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Errors raised from here on are logged properly; keep cobra
			// from printing usage and duplicating them.
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			return run(cmd.Context(), opts, cmd.Flags())
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

// options is the command-line layer. Only flags the user actually set
// make it into the configuration, so the defaults here never shadow
// config files or environment variables.
type options struct {
	debug      bool
	oneshot    bool
	background bool
	interval   int
	print      bool
	status     bool
	jsonOutput bool
	configs    []string
	sam        bool
	satellite  bool

	sources map[string]*sourceOptions
}

// sourceOptions is one per-type flag group, e.g. --esx with --esx-server.
type sourceOptions struct {
	selected bool
	server   string
	username string
	password string
	owner    string
	env      string
}

func (o *options) addFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(&o.debug, "debug", "d", false, "enable debug output")
	flags.BoolVarP(&o.oneshot, "one-shot", "o", false, "send the list of guest IDs and exit immediately")
	flags.IntVarP(&o.interval, "interval", "i", 0, "acquire and send the list of virtual guests every N seconds")
	flags.BoolVarP(&o.background, "background", "b", false, "run in the background (the service manager keeps the process attached)")
	flags.BoolVar(&o.print, "print", false, "print the host/guest association obtained from the sources and exit")
	flags.BoolVar(&o.status, "status", false, "show the connection status of sources and destinations and exit")
	flags.BoolVar(&o.jsonOutput, "json", false, "print the status output as JSON")
	flags.StringArrayVarP(&o.configs, "config", "c", nil, "use the given configuration file; can be given more than once")
	flags.BoolVar(&o.sam, "sam", false, "report to a SAM or Candlepin server (the default)")
	flags.BoolVar(&o.satellite, "satellite", false, "report to a Satellite 5 server")

	o.sources = make(map[string]*sourceOptions)
	for _, spelling := range config.SourceTypeSpellings() {
		group := &sourceOptions{}
		o.sources[spelling] = group
		flags.BoolVar(&group.selected, spelling, false, "report guests of a "+spelling+" source")
		flags.StringVar(&group.server, spelling+"-server", "", "server the "+spelling+" source connects to")
		flags.StringVar(&group.username, spelling+"-username", "", "username for the "+spelling+" source")
		flags.StringVar(&group.password, spelling+"-password", "", "password for the "+spelling+" source")
		flags.StringVar(&group.owner, spelling+"-owner", "", "organization the "+spelling+" hypervisors belong to")
		flags.StringVar(&group.env, spelling+"-env", "", "environment the "+spelling+" hypervisors belong to")
	}
}

// overrides folds the flags the user actually set into the command-line
// configuration layer, mirroring how the VIRTWHO_* environment variables
// are handled.
func (o *options) overrides(flags *pflag.FlagSet) (config.Overrides, []string) {
	var warnings []string
	overrides := config.Overrides{
		Global:  map[string]string{},
		Source:  map[string]string{},
		Configs: o.configs,
	}

	setTrue := func(key string, value bool) {
		if value {
			overrides.Global[key] = "true"
		}
	}
	setTrue("debug", o.debug)
	setTrue("oneshot", o.oneshot)
	setTrue("background", o.background)
	setTrue("print", o.print)
	setTrue("status", o.status)
	setTrue("json", o.jsonOutput)
	if flags.Changed("interval") {
		overrides.Global["interval"] = strconv.Itoa(o.interval)
	}

	if o.sam && o.satellite {
		warnings = append(warnings, "both --sam and --satellite given, using --sam")
	}
	switch {
	case o.sam:
		overrides.Source["sm_type"] = config.SMTypeSAM
	case o.satellite:
		overrides.Source["sm_type"] = config.SMTypeSatellite
	}

	var selected []string
	for _, spelling := range config.SourceTypeSpellings() {
		group := o.sources[spelling]
		if !group.selected {
			continue
		}
		selected = append(selected, spelling)
		if len(selected) > 1 {
			continue
		}
		overrides.Source["type"] = config.CanonicalSourceType(spelling)
		for key, value := range map[string]string{
			"server":   group.server,
			"username": group.username,
			"password": group.password,
			"owner":    group.owner,
			"env":      group.env,
		} {
			if value != "" {
				overrides.Source[key] = value
			}
		}
	}
	if len(selected) > 1 {
		warnings = append(warnings, fmt.Sprintf("multiple source types selected (%s), using %s",
			strings.Join(selected, ", "), selected[0]))
	}
	return overrides, warnings
}

func run(ctx context.Context, opts *options, flags *pflag.FlagSet) error {
	overrides, warnings := opts.overrides(flags)

	cfg, err := config.Load(config.DefaultSettings(), overrides)
	if cfg == nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	global := cfg.Global()
	closer, logErr := global.Logging.SetDefaultLogger()
	if logErr != nil {
		fmt.Fprintln(os.Stderr, logErr)
		return logErr
	}
	if closer != nil {
		defer closer.Close()
	}
	logger := slog.Default()

	logger.Info("virt-who starting", "version", bininfo.VersionOr("rolling"))
	for _, warning := range warnings {
		logger.Warn(warning)
	}
	cfg.LogMessages(logger)
	if err != nil {
		logger.Error("cannot start", "error", err)
		return err
	}
	if global.Background {
		logger.Info("background mode requested; staying in the foreground for the service manager")
	}

	if err := executor.New(cfg, logger, os.Stdout).Run(ctx); err != nil {
		logger.Error("virt-who failed", "error", err)
		return err
	}
	logger.Info("virt-who finished")
	return nil
}
