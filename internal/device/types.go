package device

import (
	"maps"
	"slices"
	"time"
)

// PowerState is the believed electrical state of a system.
type PowerState string

const (
	PowerOn  PowerState = "On"
	PowerOff PowerState = "Off"

	// PowerUnknown is only recorded when a management controller reported
	// something other than on or off.
	PowerUnknown PowerState = "Unknown"
)

// Valid reports whether s is one of the three recognised states.
func (s PowerState) Valid() bool {
	switch s {
	case PowerOn, PowerOff, PowerUnknown:
		return true
	}
	return false
}

// Backend selects the actuator used for a system.
type Backend string

const (
	// BackendPlug is a network smart plug switching the system's mains.
	BackendPlug Backend = "plug"

	// BackendController is an out-of-band management controller.
	BackendController Backend = "controller"
)

// Valid reports whether b names a supported backend.
func (b Backend) Valid() bool {
	return b == BackendPlug || b == BackendController
}

// Credentials authenticate against a system's backend.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Node selects a slot on a multi-node controller. Zero for plugs.
	Node int `json:"node,omitempty"`
}

// PendingTransition is a commanded state not yet considered authoritative.
type PendingTransition struct {
	Target  PowerState `json:"target"`
	ApplyAt time.Time  `json:"apply_at"`
}

// Due reports whether the transition should be committed at now.
func (p *PendingTransition) Due(now time.Time) bool {
	return p != nil && !now.Before(p.ApplyAt)
}

// BootImage is a virtual media slot.
type BootImage struct {
	Image          string `json:"image"`
	WriteProtected bool   `json:"write_protected"`
	Inserted       bool   `json:"inserted"`
}

// NIC is a network interface reported for a system.
type NIC struct {
	Address string `json:"address"`
}

// Record is the persisted entry for one managed system.
type Record struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Backend addressing
	Backend     Backend     `json:"backend"`
	Address     string      `json:"address"`
	Credentials Credentials `json:"-"`

	// Power
	PowerState    PowerState         `json:"power_state"`
	LastCheckedAt *time.Time         `json:"last_checked_at,omitempty"`
	Pending       *PendingTransition `json:"pending,omitempty"`

	// Passthrough attributes. Empty strings mean "never set".
	BootDevice string               `json:"boot_device,omitempty"`
	BootMode   string               `json:"boot_mode,omitempty"`
	SecureBoot bool                 `json:"secure_boot"`
	BootImages map[string]BootImage `json:"boot_images,omitempty"`
	NICs       []NIC                `json:"nics,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy of r. Registry callers always
// receive copies so that cached records cannot be mutated in place.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}

	cpy := *r
	if r.LastCheckedAt != nil {
		t := *r.LastCheckedAt
		cpy.LastCheckedAt = &t
	}
	if r.Pending != nil {
		p := *r.Pending
		cpy.Pending = &p
	}
	cpy.BootImages = maps.Clone(r.BootImages)
	cpy.NICs = slices.Clone(r.NICs)
	return &cpy
}

// Stale reports whether the record's power state should be re-read from
// hardware at now. A record that was never probed is always stale.
func (r *Record) Stale(now time.Time, period time.Duration) bool {
	if r.LastCheckedAt == nil {
		return true
	}
	return now.Sub(*r.LastCheckedAt) > period
}
