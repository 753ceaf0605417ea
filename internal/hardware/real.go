//go:build linux

package hardware

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// RealHeater drives a solid-state relay on a GPIO output line. The duty
// cycle is realized as slow PWM: within each PWM window the line is held
// high for duty*window, then low for the remainder. Kiln elements switch
// through zero-crossing SSRs, so windows of a second or more are normal.
type RealHeater struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line

	window time.Duration
	stop   chan struct{}
	done   chan struct{}

	mu   sync.Mutex
	duty float64
}

// NewRealHeater requests the given pin as an output on the named chip
// (e.g. "gpiochip0") and starts the PWM loop at 0% duty.
func NewRealHeater(chipName string, pin int, window time.Duration) (*RealHeater, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	line, err := chip.RequestLine(pin, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request heater pin %d: %w", pin, err)
	}

	if window <= 0 {
		window = 2 * time.Second
	}

	h := &RealHeater{
		chip:   chip,
		line:   line,
		window: window,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.pwmLoop()
	return h, nil
}

// SetDuty sets the duty cycle applied on the next PWM window.
func (h *RealHeater) SetDuty(duty float64) error {
	h.mu.Lock()
	h.duty = math.Max(0, math.Min(1, duty))
	h.mu.Unlock()
	return nil
}

// Close stops the PWM loop, forces the line low, and releases the chip.
func (h *RealHeater) Close() error {
	close(h.stop)
	<-h.done
	if err := h.line.SetValue(0); err != nil {
		log.Printf("heater: failed to drive line low on close: %v", err)
	}
	h.line.Close()
	return h.chip.Close()
}

// pwmLoop toggles the line once per window according to the current duty.
func (h *RealHeater) pwmLoop() {
	defer close(h.done)

	for {
		h.mu.Lock()
		duty := h.duty
		h.mu.Unlock()

		on := time.Duration(duty * float64(h.window))
		off := h.window - on

		if on > 0 {
			if err := h.line.SetValue(1); err != nil {
				log.Printf("heater: set high: %v", err)
			}
			if !h.sleep(on) {
				return
			}
		}
		if err := h.line.SetValue(0); err != nil {
			log.Printf("heater: set low: %v", err)
		}
		if off > 0 {
			if !h.sleep(off) {
				return
			}
		}
	}
}

// sleep waits for d or until stop. Returns false when stopping.
func (h *RealHeater) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-h.stop:
		return false
	}
}
