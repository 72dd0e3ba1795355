// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package report

import (
	"encoding/json"
	"slices"
	"strings"
)

// Fact keys attached to hypervisors. The subscription manager matches on
// these exact strings.
const (
	FactCPUSocket         = "cpu.cpu_socket(s)"
	FactHypervisorType    = "hypervisor.type"
	FactHypervisorVersion = "hypervisor.version"
	FactHypervisorCluster = "hypervisor.cluster"
	FactSystemUUID        = "dmi.system.uuid"
)

// Hypervisor is one host together with the guests that run on it. The ID is
// whatever the hypervisor_id config option selected (uuid, hostname or
// hwuuid) and is treated as opaque.
type Hypervisor struct {
	HypervisorID string
	Name         string
	Guests       []Guest
	Facts        map[string]string
}

// NewHypervisor returns a hypervisor entry. A nil guest slice is normalized
// to empty so serialization stays stable.
func NewHypervisor(id, name string, guests []Guest, facts map[string]string) Hypervisor {
	if guests == nil {
		guests = []Guest{}
	}
	return Hypervisor{HypervisorID: id, Name: name, Guests: guests, Facts: facts}
}

// Clone returns a deep copy. Reports cross goroutine boundaries through the
// datastore, so shared slices and maps are never handed out.
func (h Hypervisor) Clone() Hypervisor {
	out := Hypervisor{
		HypervisorID: h.HypervisorID,
		Name:         h.Name,
		Guests:       slices.Clone(h.Guests),
	}
	if h.Facts != nil {
		out.Facts = make(map[string]string, len(h.Facts))
		for k, v := range h.Facts {
			out.Facts[k] = v
		}
	}
	return out
}

// SortedGuests returns the guests ordered by guest ID. Used for hashing and
// for outgoing payloads so that equal content serializes identically.
func (h Hypervisor) SortedGuests() []Guest {
	guests := slices.Clone(h.Guests)
	slices.SortFunc(guests, func(a, b Guest) int {
		return strings.Compare(a.ID, b.ID)
	})
	return guests
}

type hypervisorIDJSON struct {
	HypervisorID string `json:"hypervisorId"`
}

type hypervisorJSON struct {
	HypervisorID hypervisorIDJSON  `json:"hypervisorId"`
	Name         string            `json:"name"`
	GuestIDs     []Guest           `json:"guestIds"`
	Facts        map[string]string `json:"facts"`
}

// MarshalJSON serializes the hypervisor in the batched check-in format of
// the subscription manager, with guests in a deterministic order.
func (h Hypervisor) MarshalJSON() ([]byte, error) {
	facts := h.Facts
	if facts == nil {
		facts = map[string]string{}
	}
	return json.Marshal(hypervisorJSON{
		HypervisorID: hypervisorIDJSON{HypervisorID: h.HypervisorID},
		Name:         h.Name,
		GuestIDs:     h.SortedGuests(),
		Facts:        facts,
	})
}

func (h *Hypervisor) UnmarshalJSON(data []byte) error {
	var raw hypervisorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h.HypervisorID = raw.HypervisorID.HypervisorID
	h.Name = raw.Name
	h.Guests = raw.GuestIDs
	h.Facts = raw.Facts
	return nil
}
