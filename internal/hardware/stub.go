//go:build !linux

package hardware

import (
	"errors"
	"time"
)

// RealHeater is not available on non-Linux platforms.
type RealHeater struct{}

// NewRealHeater returns an error on non-Linux platforms.
func NewRealHeater(chipName string, pin int, window time.Duration) (*RealHeater, error) {
	return nil, errors.New("heater: gpio not supported on this platform (requires Linux)")
}

// SetDuty is not implemented on non-Linux platforms.
func (h *RealHeater) SetDuty(duty float64) error {
	return errors.New("heater: gpio not supported")
}

// Close is not implemented on non-Linux platforms.
func (h *RealHeater) Close() error {
	return nil
}
