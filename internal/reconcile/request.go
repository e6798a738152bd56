package reconcile

import (
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-power/internal/device"
)

// Request is the outcome of mapping a requested power state string.
type Request struct {
	Target device.PowerState

	// Cycle is set for restart requests: the hardware is power-cycled
	// before the target is reconciled.
	Cycle bool
}

// MapRequest maps a reset-type string such as "On", "ForceOff" or
// "GracefulRestart" to a target state. Anything it cannot map returns
// device.ErrNotSupported.
func MapRequest(requested string) (Request, error) {
	switch {
	case strings.Contains(requested, "On"):
		return Request{Target: device.PowerOn}, nil
	case requested == "ForceOff", requested == "GracefulShutdown":
		return Request{Target: device.PowerOff}, nil
	case strings.Contains(requested, "Restart"):
		return Request{Target: device.PowerOn, Cycle: true}, nil
	}
	return Request{}, fmt.Errorf("%w: %q", device.ErrNotSupported, requested)
}
