package thermocouple

import (
	"github.com/kilnworks/kilnd/internal/physics"
)

// Simulated reads temperature from the physics model, advancing it by
// the elapsed wall-clock time (scaled by the model's speedup). It never
// faults.
type Simulated struct {
	kiln *physics.Kiln
}

// NewSimulated wraps a simulated kiln as a Sensor.
func NewSimulated(kiln *physics.Kiln) *Simulated {
	return &Simulated{kiln: kiln}
}

// Read returns the simulated kiln temperature.
func (s *Simulated) Read() (float64, error) {
	return s.kiln.Temperature(), nil
}
