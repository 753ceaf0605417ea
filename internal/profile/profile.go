// Package profile defines kiln firing profiles: ordered time/temperature
// control points with linear interpolation between them.
//
// Profiles are persisted as JSON documents of the form
// {"name": ..., "data": [[seconds, temperature], ...], "temp_units": "c"|"f"}.
// Temperatures are always normalized to Celsius on load; the original unit
// is retained for display conversion only.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Unit is the display temperature unit of a profile.
type Unit string

const (
	UnitCelsius    Unit = "c"
	UnitFahrenheit Unit = "f"
)

var (
	// ErrEmpty is returned for a profile with no control points.
	ErrEmpty = errors.New("profile: no control points")
	// ErrUnsorted is returned when point times are not strictly increasing.
	ErrUnsorted = errors.New("profile: point times must be strictly increasing")
	// ErrInvalidUnit is returned for an unrecognized temp_units value.
	ErrInvalidUnit = errors.New("profile: invalid temperature unit")
)

// Point is a single control point on the firing schedule.
type Point struct {
	Seconds float64
	Celsius float64
}

// Profile is an immutable firing schedule. Construct via Parse or FromPoints
// and do not mutate Points during a run.
type Profile struct {
	Name     string
	Points   []Point
	TempUnit Unit
}

// profileJSON is the persisted wire form.
type profileJSON struct {
	Name      string       `json:"name"`
	Data      [][2]float64 `json:"data"`
	TempUnits string       `json:"temp_units"`
}

// Parse decodes a persisted profile document, normalizes it to Celsius,
// and validates it.
func Parse(data []byte) (*Profile, error) {
	var pj profileJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, fmt.Errorf("profile: decode: %w", err)
	}

	unit := Unit(pj.TempUnits)
	if unit == "" {
		unit = UnitCelsius
	}
	if unit != UnitCelsius && unit != UnitFahrenheit {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUnit, pj.TempUnits)
	}

	points := make([]Point, len(pj.Data))
	for i, d := range pj.Data {
		temp := d[1]
		if unit == UnitFahrenheit {
			temp = (temp - 32.0) * 5.0 / 9.0
		}
		points[i] = Point{Seconds: d[0], Celsius: temp}
	}

	p := &Profile{Name: pj.Name, Points: points, TempUnit: unit}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// FromPoints builds a Celsius profile from points and validates it.
func FromPoints(name string, points []Point) (*Profile, error) {
	p := &Profile{Name: name, Points: points, TempUnit: UnitCelsius}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes the profile to its persisted JSON form. Storage is
// always Celsius regardless of the display unit.
func (p *Profile) Encode() ([]byte, error) {
	pj := profileJSON{
		Name:      p.Name,
		Data:      make([][2]float64, len(p.Points)),
		TempUnits: string(p.TempUnit),
	}
	if pj.TempUnits == "" {
		pj.TempUnits = string(UnitCelsius)
	}
	for i, pt := range p.Points {
		pj.Data[i] = [2]float64{pt.Seconds, pt.Celsius}
	}
	return json.Marshal(pj)
}

// Validate checks the profile invariants: at least one point, strictly
// increasing times, non-negative start time, recognized unit.
func (p *Profile) Validate() error {
	if len(p.Points) == 0 {
		return ErrEmpty
	}
	if p.TempUnit != "" && p.TempUnit != UnitCelsius && p.TempUnit != UnitFahrenheit {
		return fmt.Errorf("%w: %q", ErrInvalidUnit, p.TempUnit)
	}
	if p.Points[0].Seconds < 0 {
		return fmt.Errorf("%w: negative start time %.1f", ErrUnsorted, p.Points[0].Seconds)
	}
	for i := 1; i < len(p.Points); i++ {
		if p.Points[i].Seconds <= p.Points[i-1].Seconds {
			return fmt.Errorf("%w: point %d at %.1fs follows %.1fs",
				ErrUnsorted, i, p.Points[i].Seconds, p.Points[i-1].Seconds)
		}
	}
	return nil
}

// StartTime returns the time of the first control point.
func (p *Profile) StartTime() float64 {
	return p.Points[0].Seconds
}

// EndTime returns the time of the last control point.
func (p *Profile) EndTime() float64 {
	return p.Points[len(p.Points)-1].Seconds
}

// TargetTemperature returns the scheduled temperature at the given runtime.
// Runtimes before the first point return the first temperature, after the
// last point the last temperature. Between points the value is linearly
// interpolated and exact at every control point.
func (p *Profile) TargetTemperature(runtime float64) float64 {
	first := p.Points[0]
	last := p.Points[len(p.Points)-1]

	if runtime <= first.Seconds {
		return first.Celsius
	}
	if runtime >= last.Seconds {
		return last.Celsius
	}

	for i := 1; i < len(p.Points); i++ {
		p0, p1 := p.Points[i-1], p.Points[i]
		if runtime < p1.Seconds {
			if runtime == p0.Seconds {
				return p0.Celsius
			}
			return interpolate(p0, p1, runtime)
		}
	}
	return last.Celsius
}

// TimeForTemperature returns the runtime at which the schedule first
// reaches the given temperature, scanning segments in ascending time
// order. Targets at or below the first point's temperature map to the
// start time; targets the curve never reaches map to the end time. On
// non-monotonic profiles the first crossing wins.
func (p *Profile) TimeForTemperature(temp float64) float64 {
	first := p.Points[0]
	if temp <= first.Celsius {
		return first.Seconds
	}

	for i := 1; i < len(p.Points); i++ {
		p0, p1 := p.Points[i-1], p.Points[i]
		lo, hi := p0.Celsius, p1.Celsius
		if hi < lo {
			lo, hi = hi, lo
		}
		if temp < lo || temp > hi {
			continue
		}
		if p1.Celsius == p0.Celsius {
			return p0.Seconds
		}
		return p0.Seconds + (temp-p0.Celsius)*(p1.Seconds-p0.Seconds)/(p1.Celsius-p0.Celsius)
	}

	return p.EndTime()
}

// interpolate returns the linear interpolation between p0 and p1 at t.
// A zero-duration segment returns p0's temperature rather than dividing
// by zero.
func interpolate(p0, p1 Point, t float64) float64 {
	if p1.Seconds == p0.Seconds {
		return p0.Celsius
	}
	frac := (t - p0.Seconds) / (p1.Seconds - p0.Seconds)
	return p0.Celsius + (p1.Celsius-p0.Celsius)*frac
}
