// Package telemetry mirrors control-loop snapshots to external systems.
// Sinks are optional and strictly best-effort: a broker outage never
// affects the control cadence, and the MQTT sink buffers messages while
// disconnected and replays them on reconnect.
package telemetry

import (
	"encoding/json"

	"github.com/kilnworks/kilnd/internal/oven"
)

// encode marshals a snapshot to its wire payload.
func encode(snap oven.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}
