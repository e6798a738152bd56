package influxdb

import (
	"context"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-power/internal/device"
)

// MeasurementPowerState is the measurement power transitions are written to.
const MeasurementPowerState = "power_state"

// PowerChanged queues a power_state point for c. It satisfies the
// reconcile engine's Observer interface and never fails: write errors are
// reported through the SetOnError callback.
func (c *Client) PowerChanged(_ context.Context, change device.PowerChange) error {
	if !c.IsConnected() {
		return nil
	}
	c.writer.WritePoint(PowerStatePoint(change))
	return nil
}

// PowerStatePoint converts a committed change into a point tagged by system
// and source. The numeric "on" field is 1 for On, 0 for Off and -1 for
// Unknown so the series can be graphed.
func PowerStatePoint(change device.PowerChange) *write.Point {
	tags := map[string]string{
		"system": change.SystemID,
		"source": string(change.Source),
	}
	if change.Name != "" {
		tags["name"] = change.Name
	}

	return write.NewPoint(
		MeasurementPowerState,
		tags,
		map[string]interface{}{
			"state": string(change.To),
			"from":  string(change.From),
			"on":    onValue(change.To),
		},
		change.At,
	)
}

func onValue(s device.PowerState) int64 {
	switch s {
	case device.PowerOn:
		return 1
	case device.PowerOff:
		return 0
	}
	return -1
}
