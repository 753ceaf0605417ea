// Package config loads the kilnd YAML configuration file into an
// immutable value passed to each component at construction. There is no
// ambient global configuration state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilnworks/kilnd/internal/oven"
	"github.com/kilnworks/kilnd/internal/physics"
	"github.com/kilnworks/kilnd/internal/pid"
	"github.com/kilnworks/kilnd/internal/thermocouple"
)

// Config is the full kilnd configuration.
type Config struct {
	// Listen is the HTTP/WebSocket bind address.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// Simulated selects the physics-model sensor/actuator pair instead
	// of real hardware.
	Simulated bool `yaml:"simulated"`

	Oven struct {
		CyclePeriodSeconds float64  `yaml:"cycle_period_seconds"`
		ControlWindow      float64  `yaml:"control_window"`
		EmergencyShutoff   float64  `yaml:"emergency_shutoff"`
		SeekStart          bool     `yaml:"seek_start"`
		PowerKW            float64  `yaml:"power_kw"`
		KWhRate            float64  `yaml:"kwh_rate"`
		IgnoreFaults       []string `yaml:"ignore_faults"`
	} `yaml:"oven"`

	PID struct {
		Kp               float64 `yaml:"kp"`
		Ki               float64 `yaml:"ki"`
		Kd               float64 `yaml:"kd"`
		DerivativeFilter float64 `yaml:"derivative_filter"`
	} `yaml:"pid"`

	Thermocouple struct {
		Device  string  `yaml:"device"` // IIO device dir for the real sensor
		Samples int     `yaml:"samples"`
		Offset  float64 `yaml:"offset"`
	} `yaml:"thermocouple"`

	Heater struct {
		Chip        string `yaml:"chip"`
		Pin         int    `yaml:"pin"`
		PWMWindowMs int    `yaml:"pwm_window_ms"`
	} `yaml:"heater"`

	Sim struct {
		Ambient            float64 `yaml:"ambient"`
		ElementPowerWatts  float64 `yaml:"element_power_watts"`
		ThermalResistance  float64 `yaml:"thermal_resistance"`
		ThermalCapacitance float64 `yaml:"thermal_capacitance"`
		Speedup            float64 `yaml:"speedup"`
	} `yaml:"sim"`

	MQTT struct {
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"client_id"`
		Topic    string `yaml:"topic"`
	} `yaml:"mqtt"`

	Redis struct {
		Addr   string `yaml:"addr"`
		Stream string `yaml:"stream"`
	} `yaml:"redis"`
}

// Default returns a configuration suitable for a simulated kiln.
func Default() *Config {
	cfg := &Config{
		Listen:    ":8080",
		DBPath:    "kilnd.db",
		Simulated: true,
	}
	cfg.Oven.CyclePeriodSeconds = 2
	cfg.Oven.ControlWindow = 10
	cfg.Oven.EmergencyShutoff = 1320
	cfg.Oven.SeekStart = true
	cfg.Oven.PowerKW = 3.0
	cfg.Oven.KWhRate = 0.30
	cfg.PID.Kp = 0.025
	cfg.PID.Ki = 200
	cfg.PID.Kd = 0.2
	cfg.Thermocouple.Samples = 5
	cfg.Heater.Chip = "gpiochip0"
	cfg.Heater.Pin = 23
	cfg.Heater.PWMWindowMs = 2000
	sim := physics.DefaultConfig()
	cfg.Sim.Ambient = sim.AmbientCelsius
	cfg.Sim.ElementPowerWatts = sim.ElementPowerWatts
	cfg.Sim.ThermalResistance = sim.ThermalResistance
	cfg.Sim.ThermalCapacitance = sim.ThermalCapacitance
	cfg.Sim.Speedup = 1
	return cfg
}

// Load reads the YAML file at path over the defaults. A missing file is
// an error; use Default directly for a config-less simulated run.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the controller cannot run safely.
func (c *Config) Validate() error {
	if c.Oven.CyclePeriodSeconds <= 0 {
		return fmt.Errorf("oven.cycle_period_seconds must be positive")
	}
	if c.Oven.ControlWindow <= 0 {
		return fmt.Errorf("oven.control_window must be positive")
	}
	if c.Oven.EmergencyShutoff <= 0 {
		return fmt.Errorf("oven.emergency_shutoff must be positive")
	}
	if c.Sim.Speedup < 1 {
		return fmt.Errorf("sim.speedup must be >= 1")
	}
	for _, k := range c.Oven.IgnoreFaults {
		switch thermocouple.FaultKind(k) {
		case thermocouple.FaultNotConnected, thermocouple.FaultShortCircuit,
			thermocouple.FaultOverUnderVoltage, thermocouple.FaultUnknown:
		default:
			return fmt.Errorf("oven.ignore_faults: unknown fault kind %q", k)
		}
	}
	return nil
}

// OvenConfig assembles the control loop configuration.
func (c *Config) OvenConfig() oven.Config {
	speedup := 1.0
	if c.Simulated {
		speedup = c.Sim.Speedup
	}
	faults := make([]thermocouple.FaultKind, len(c.Oven.IgnoreFaults))
	for i, k := range c.Oven.IgnoreFaults {
		faults[i] = thermocouple.FaultKind(k)
	}
	return oven.Config{
		CyclePeriod:      time.Duration(c.Oven.CyclePeriodSeconds * float64(time.Second)),
		Speedup:          speedup,
		ControlWindow:    c.Oven.ControlWindow,
		EmergencyShutoff: c.Oven.EmergencyShutoff,
		SeekStart:        c.Oven.SeekStart,
		PowerKW:          c.Oven.PowerKW,
		KWhRate:          c.Oven.KWhRate,
		IgnoreFaults:     faults,
		PID: pid.Config{
			Kp:               c.PID.Kp,
			Ki:               c.PID.Ki,
			Kd:               c.PID.Kd,
			ControlWindow:    c.Oven.ControlWindow,
			DerivativeFilter: c.PID.DerivativeFilter,
		},
	}
}

// PhysicsConfig assembles the simulation parameters.
func (c *Config) PhysicsConfig() physics.Config {
	return physics.Config{
		AmbientCelsius:     c.Sim.Ambient,
		ElementPowerWatts:  c.Sim.ElementPowerWatts,
		ThermalResistance:  c.Sim.ThermalResistance,
		ThermalCapacitance: c.Sim.ThermalCapacitance,
		Speedup:            c.Sim.Speedup,
	}
}
