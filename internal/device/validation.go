package device

import (
	"fmt"
	"net"
	"strings"
)

const (
	maxNameLength    = 100
	maxAddressLength = 255
)

// ValidateRecord checks the structural invariants of r. All returned
// errors wrap ErrInvalidRecord.
func ValidateRecord(r *Record) error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Name) == "" || len(r.Name) > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidRecord, maxNameLength)
	}
	if !r.Backend.Valid() {
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidRecord, r.Backend)
	}
	if r.Address == "" || len(r.Address) > maxAddressLength {
		return fmt.Errorf("%w: address must be 1-%d characters", ErrInvalidRecord, maxAddressLength)
	}
	if !r.PowerState.Valid() {
		return fmt.Errorf("%w: power state %q", ErrInvalidRecord, r.PowerState)
	}
	if r.Pending != nil {
		if r.Pending.Target != PowerOn && r.Pending.Target != PowerOff {
			return fmt.Errorf("%w: pending target %q", ErrInvalidRecord, r.Pending.Target)
		}
		if r.Pending.ApplyAt.IsZero() {
			return fmt.Errorf("%w: pending transition without apply time", ErrInvalidRecord)
		}
	}
	for i, nic := range r.NICs {
		if _, err := net.ParseMAC(nic.Address); err != nil {
			return fmt.Errorf("%w: nics[%d]: %v", ErrInvalidRecord, i, err)
		}
	}
	return nil
}
