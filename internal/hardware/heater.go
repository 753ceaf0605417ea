// Package hardware provides the heater and thermocouple capability
// implementations. The real heater drives a GPIO line through the Linux
// GPIO character device; the fake and simulated variants allow testing
// and development without hardware. Variant selection happens at
// construction, never at runtime.
package hardware

import (
	"sync"

	"github.com/kilnworks/kilnd/internal/physics"
)

// Heater is the actuator capability boundary: a binary heating element
// driven by a duty cycle in [0,1].
type Heater interface {
	// SetDuty sets the heater duty cycle for the next control period.
	SetDuty(duty float64) error
	// Close forces the heater off and releases resources.
	Close() error
}

// FakeHeater records every duty cycle written to it, for tests.
type FakeHeater struct {
	mu     sync.Mutex
	duties []float64
	closed bool
}

// NewFakeHeater creates an empty FakeHeater.
func NewFakeHeater() *FakeHeater {
	return &FakeHeater{}
}

// SetDuty appends the duty to the recorded history.
func (f *FakeHeater) SetDuty(duty float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duties = append(f.duties, duty)
	return nil
}

// Close marks the heater closed.
func (f *FakeHeater) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// LastDuty returns the most recently written duty, or 0 if none.
func (f *FakeHeater) LastDuty() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.duties) == 0 {
		return 0
	}
	return f.duties[len(f.duties)-1]
}

// Duties returns a copy of all recorded duty writes.
func (f *FakeHeater) Duties() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.duties))
	copy(out, f.duties)
	return out
}

// Closed reports whether Close was called.
func (f *FakeHeater) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SimHeater feeds duty cycles into the physics model.
type SimHeater struct {
	kiln *physics.Kiln
}

// NewSimHeater wraps a simulated kiln as a Heater.
func NewSimHeater(kiln *physics.Kiln) *SimHeater {
	return &SimHeater{kiln: kiln}
}

// SetDuty writes the duty into the physics model.
func (s *SimHeater) SetDuty(duty float64) error {
	s.kiln.SetDuty(duty)
	return nil
}

// Close turns the simulated element off.
func (s *SimHeater) Close() error {
	s.kiln.SetDuty(0)
	return nil
}
