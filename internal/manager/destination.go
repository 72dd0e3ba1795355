// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package manager defines the delivery side of the engine: the destination
// endpoints derived from source configurations, the client contract the
// destination workers drive, and the mapping that decides which sources
// feed which destination.
package manager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/candlepin/virt-who-go/internal/config"
)

// Destination identifies one distinct delivery endpoint. Sources whose
// sections describe the same endpoint produce equal keys and collapse into
// a single destination worker.
type Destination interface {
	// Key is a digest over every option of the destination, including
	// credentials. Equal keys mean the same endpoint.
	Key() string
	// Kind names the client implementation serving this destination.
	Kind() string
	// Name is a short label safe for logging.
	Name() string
}

const (
	KindSatellite5 = "satellite5"
	KindSatellite6 = "satellite6"
	KindDefault    = "default"
)

// Satellite5Destination is a Satellite 5 server spoken to over XML-RPC.
// The host filters are part of the identity: two sources with different
// filters must not share a worker.
type Satellite5Destination struct {
	Server   string
	Username string
	Password string

	FilterHosts  []string
	ExcludeHosts []string
}

func (d *Satellite5Destination) Key() string {
	return digest(KindSatellite5,
		d.Server, d.Username, d.Password,
		strings.Join(d.FilterHosts, ","), strings.Join(d.ExcludeHosts, ","))
}

func (d *Satellite5Destination) Kind() string { return KindSatellite5 }

func (d *Satellite5Destination) Name() string {
	return fmt.Sprintf("satellite5:%s", d.Server)
}

// Satellite6Destination is a candlepin-based server (Satellite 6 or the
// hosted entitlement service). Owner and env select the organization the
// hypervisors are filed under; the rhsm options select the connection.
type Satellite6Destination struct {
	Owner string
	Env   string

	Hostname      string
	Port          string
	Prefix        string
	Username      string
	Password      string
	Insecure      bool
	ProxyHostname string
	ProxyPort     string
	ProxyUser     string
	ProxyPassword string
	NoProxy       string
}

func (d *Satellite6Destination) Key() string {
	insecure := "0"
	if d.Insecure {
		insecure = "1"
	}
	return digest(KindSatellite6,
		d.Owner, d.Env,
		d.Hostname, d.Port, d.Prefix, d.Username, d.Password, insecure,
		d.ProxyHostname, d.ProxyPort, d.ProxyUser, d.ProxyPassword, d.NoProxy)
}

func (d *Satellite6Destination) Kind() string { return KindSatellite6 }

func (d *Satellite6Destination) Name() string {
	if d.Hostname != "" {
		return fmt.Sprintf("sam:%s/%s", d.Hostname, d.Owner)
	}
	return fmt.Sprintf("sam:%s", d.Owner)
}

// DefaultDestination stands in when a source names no endpoint of its own.
// The client then runs off the system registration in rhsm.conf.
type DefaultDestination struct{}

func (d *DefaultDestination) Key() string  { return KindDefault }
func (d *DefaultDestination) Kind() string { return KindDefault }
func (d *DefaultDestination) Name() string { return KindDefault }

func digest(kind string, options ...string) string {
	h := sha256.New()
	io.WriteString(h, kind)
	for _, opt := range options {
		h.Write([]byte{0})
		io.WriteString(h, opt)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DestinationsForSection constructs every destination the section carries
// enough options for. A section can feed more than one endpoint; a section
// with none gets the default destination.
func DestinationsForSection(s *config.Section) []Destination {
	var out []Destination
	if d, ok := satellite5FromSection(s); ok {
		out = append(out, d)
	}
	if d, ok := satellite6FromSection(s); ok {
		out = append(out, d)
	}
	if len(out) == 0 {
		out = append(out, &DefaultDestination{})
	}
	return out
}

func satellite5FromSection(s *config.Section) (*Satellite5Destination, bool) {
	server := s.String("sat_server", "")
	username := s.String("sat_username", "")
	pass := s.String("sat_password", "")
	if server == "" || username == "" || pass == "" {
		return nil, false
	}
	return &Satellite5Destination{
		Server:       server,
		Username:     username,
		Password:     pass,
		FilterHosts:  s.List("filter_hosts"),
		ExcludeHosts: s.List("exclude_hosts"),
	}, true
}

func satellite6FromSection(s *config.Section) (*Satellite6Destination, bool) {
	owner := s.String("owner", "")
	env := s.String("env", "")
	if owner == "" || env == "" {
		return nil, false
	}
	insecure, err := s.Bool("rhsm_insecure", false)
	if err != nil {
		insecure = false
	}
	return &Satellite6Destination{
		Owner:         owner,
		Env:           env,
		Hostname:      s.String("rhsm_hostname", ""),
		Port:          s.String("rhsm_port", ""),
		Prefix:        s.String("rhsm_prefix", ""),
		Username:      s.String("rhsm_username", ""),
		Password:      s.String("rhsm_password", ""),
		Insecure:      insecure,
		ProxyHostname: s.String("rhsm_proxy_hostname", ""),
		ProxyPort:     s.String("rhsm_proxy_port", ""),
		ProxyUser:     s.String("rhsm_proxy_user", ""),
		ProxyPassword: s.String("rhsm_proxy_password", ""),
		NoProxy:       s.String("rhsm_no_proxy", ""),
	}, true
}

// Route is one destination worker's assignment: the endpoint and the
// source sections feeding it.
type Route struct {
	Destination Destination
	Sources     []string
}

// MapDestinations derives the destination plan from the validated source
// sections. Equal destinations collapse into one route; routes and their
// source lists come back in a deterministic order.
func MapDestinations(sections []*config.Section) []Route {
	byKey := make(map[string]*Route)
	var order []string
	for _, section := range sections {
		for _, dest := range DestinationsForSection(section) {
			key := dest.Key()
			route, ok := byKey[key]
			if !ok {
				route = &Route{Destination: dest}
				byKey[key] = route
				order = append(order, key)
			}
			route.Sources = append(route.Sources, section.Name)
		}
	}
	sort.Strings(order)
	routes := make([]Route, 0, len(order))
	for _, key := range order {
		route := byKey[key]
		sort.Strings(route.Sources)
		routes = append(routes, *route)
	}
	return routes
}
