// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

package report

import "encoding/json"

// GuestState is the power state of a guest as reported by a hypervisor.
// The numeric values are part of the wire format and must not change.
type GuestState int

const (
	GuestStateUnknown GuestState = iota
	GuestStateRunning
	GuestStateBlocked
	GuestStatePaused
	GuestStateShuttingDown
	GuestStateShutoff
	GuestStateCrashed
	GuestStatePMSuspended
)

// Active reports whether the guest counts as active for subscription
// purposes. Only running and paused guests do.
func (s GuestState) Active() bool {
	return s == GuestStateRunning || s == GuestStatePaused
}

func (s GuestState) String() string {
	switch s {
	case GuestStateRunning:
		return "running"
	case GuestStateBlocked:
		return "blocked"
	case GuestStatePaused:
		return "paused"
	case GuestStateShuttingDown:
		return "shutting down"
	case GuestStateShutoff:
		return "shutoff"
	case GuestStateCrashed:
		return "crashed"
	case GuestStatePMSuspended:
		return "pm suspended"
	default:
		return "unknown"
	}
}

// Guest is a single virtual machine as seen by a source adapter. The ID is
// an opaque identifier owned by the hypervisor and is never case-folded.
type Guest struct {
	ID       string
	State    GuestState
	VirtType string
}

// NewGuest returns a guest for the given hypervisor-assigned ID. virtType
// is the source adapter kind that observed the guest, e.g. "esx".
func NewGuest(id, virtType string, state GuestState) Guest {
	return Guest{ID: id, State: state, VirtType: virtType}
}

type guestAttributes struct {
	VirtWhoType string `json:"virtWhoType"`
	Active      int    `json:"active"`
}

type guestJSON struct {
	GuestID    string          `json:"guestId"`
	State      int             `json:"state"`
	Attributes guestAttributes `json:"attributes"`
}

// MarshalJSON serializes the guest in the format the subscription manager
// expects: the state as its numeric code plus derived attributes.
func (g Guest) MarshalJSON() ([]byte, error) {
	active := 0
	if g.State.Active() {
		active = 1
	}
	return json.Marshal(guestJSON{
		GuestID: g.ID,
		State:   int(g.State),
		Attributes: guestAttributes{
			VirtWhoType: g.VirtType,
			Active:      active,
		},
	})
}

func (g *Guest) UnmarshalJSON(data []byte) error {
	var raw guestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.ID = raw.GuestID
	g.State = GuestState(raw.State)
	g.VirtType = raw.Attributes.VirtWhoType
	return nil
}
