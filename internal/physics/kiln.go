// Package physics simulates kiln thermal behavior so the controller can
// be developed and tested without hardware, optionally at accelerated
// time.
package physics

import (
	"math"
	"sync"
	"time"
)

// absoluteZero is the hard floor for any simulated temperature (Celsius).
const absoluteZero = -273.15

// maxStepSeconds bounds the explicit integration step. Larger advances
// are sub-stepped to keep the first-order model numerically stable.
const maxStepSeconds = 1.0

// Config holds the thermal model parameters.
type Config struct {
	// AmbientCelsius is the room temperature the kiln loses heat toward.
	AmbientCelsius float64
	// ElementPowerWatts is the heat input at full duty.
	ElementPowerWatts float64
	// ThermalResistance is degrees of standing temperature rise per watt
	// of element power (K/W). Sets the equilibrium temperature.
	ThermalResistance float64
	// ThermalCapacitance is joules per degree (J/K). Sets how fast the
	// kiln responds.
	ThermalCapacitance float64
	// Speedup scales wall-clock time into simulated time. Clamped to >= 1.
	Speedup float64
}

// DefaultConfig models a small hobby kiln: ~3 kW element, slow response,
// equilibrium around 1250C at full power.
func DefaultConfig() Config {
	return Config{
		AmbientCelsius:     20.0,
		ElementPowerWatts:  3000.0,
		ThermalResistance:  0.41,
		ThermalCapacitance: 120000.0,
		Speedup:            1.0,
	}
}

// Kiln is the simulated kiln. It advances only when queried, based on
// elapsed wall-clock time and the last duty cycle written to it.
type Kiln struct {
	mu          sync.Mutex
	cfg         Config
	temperature float64
	duty        float64
	lastUpdate  time.Time
	now         func() time.Time
}

// New creates a kiln at ambient temperature. Zero or negative
// capacitance/resistance fall back to defaults; speedup is clamped to >= 1.
func New(cfg Config) *Kiln {
	def := DefaultConfig()
	if cfg.ThermalCapacitance <= 0 {
		cfg.ThermalCapacitance = def.ThermalCapacitance
	}
	if cfg.ThermalResistance <= 0 {
		cfg.ThermalResistance = def.ThermalResistance
	}
	if cfg.Speedup < 1 {
		cfg.Speedup = 1
	}
	return &Kiln{
		cfg:         cfg,
		temperature: cfg.AmbientCelsius,
		now:         time.Now,
	}
}

// Advance integrates the thermal model over wallDt seconds of wall time
// at the given heater duty and returns the new temperature. Simulated
// time is wallDt scaled by the configured speedup.
//
// Model: heat in = duty * element power; heat loss = (T - ambient) / R;
// dT/dt = (in - loss) / C, integrated explicitly with sub-stepping.
func (k *Kiln) Advance(duty, wallDt float64) float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.duty = clampDuty(duty)
	k.step(wallDt * k.cfg.Speedup)
	return k.temperature
}

// SetDuty records a new heater duty cycle, first advancing the model to
// the current wall-clock time under the previous duty.
func (k *Kiln) SetDuty(duty float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.catchUp()
	k.duty = clampDuty(duty)
}

// Temperature advances the model to the current wall-clock time and
// returns the simulated temperature.
func (k *Kiln) Temperature() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.catchUp()
	return k.temperature
}

// SetTemperature overrides the simulated temperature, clamped to the
// physical floor. Used by tests and the operator console.
func (k *Kiln) SetTemperature(t float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.temperature = math.Max(absoluteZero, t)
	k.lastUpdate = k.now()
}

// catchUp integrates from lastUpdate to now. Caller holds the lock.
func (k *Kiln) catchUp() {
	now := k.now()
	if k.lastUpdate.IsZero() {
		k.lastUpdate = now
		return
	}
	dt := now.Sub(k.lastUpdate).Seconds()
	k.lastUpdate = now
	if dt <= 0 {
		return
	}
	k.step(dt * k.cfg.Speedup)
}

// step integrates simDt simulated seconds. Caller holds the lock.
func (k *Kiln) step(simDt float64) {
	for simDt > 0 {
		h := math.Min(simDt, maxStepSeconds)
		simDt -= h

		heatIn := k.duty * k.cfg.ElementPowerWatts
		heatLoss := (k.temperature - k.cfg.AmbientCelsius) / k.cfg.ThermalResistance
		k.temperature += (heatIn - heatLoss) / k.cfg.ThermalCapacitance * h
	}
	if k.temperature < absoluteZero {
		k.temperature = absoluteZero
	}
}

func clampDuty(d float64) float64 {
	return math.Max(0, math.Min(1, d))
}
