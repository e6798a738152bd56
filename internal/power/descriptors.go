package power

import (
	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/config"
)

// RecordsFromConfig converts static system descriptors into seed records.
// Seed records are never probed: LastCheckedAt is nil, so the first read
// (or Initialize) asks the hardware.
func RecordsFromConfig(systems []config.SystemConfig) []*device.Record {
	records := make([]*device.Record, 0, len(systems))
	for _, s := range systems {
		state := device.PowerState(s.PowerState)
		if state == "" {
			state = device.PowerOff
		}

		var nics []device.NIC
		for _, n := range s.NICs {
			nics = append(nics, device.NIC{Address: n.Address})
		}

		records = append(records, &device.Record{
			ID:      s.Identity(),
			Name:    s.Name,
			Backend: device.Backend(s.Backend),
			Address: s.Address,
			Credentials: device.Credentials{
				Username: s.Username,
				Password: s.Password,
				Node:     s.Node,
			},
			PowerState: state,
			NICs:       nics,
		})
	}
	return records
}
