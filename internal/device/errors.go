package device

import (
	"errors"
	"fmt"
)

// Domain errors for the device package. Check with errors.Is.
var (
	// ErrNotFound is returned when neither an identity nor an alias matches.
	ErrNotFound = errors.New("device: not found")

	// ErrExists is returned when an identity or name is already taken.
	ErrExists = errors.New("device: already exists")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("device: invalid record")

	// ErrNotSupported is returned for a power request that maps to no
	// target state. It is always raised before any hardware is touched.
	ErrNotSupported = errors.New("device: power state not supported")
)

// AliasAccessError reports that a display name was used where only a
// canonical identity is accepted. Identity carries the canonical value.
type AliasAccessError struct {
	Alias    string
	Identity string
}

func (e *AliasAccessError) Error() string {
	return fmt.Sprintf("device: %q is an alias of %s", e.Alias, e.Identity)
}
