// Package pid implements the control algorithm that maps setpoint error
// to heater duty cycle.
package pid

// Config holds the controller gains and anti-windup window.
//
// Ki is an inverse gain: the integral accumulates error*dt/Ki, so a
// larger Ki means a weaker integral contribution. This matches the tuning
// convention used in kiln controller configs and must not be inverted.
type Config struct {
	Kp float64
	Ki float64
	Kd float64

	// ControlWindow is the error band (degrees) inside which the integral
	// accumulates. Outside the window the integral is held, not reset,
	// so the controller does not chatter at the window boundary.
	ControlWindow float64

	// DerivativeFilter in [0,1) smooths the derivative term against
	// sensor noise. 0 disables filtering; values near 1 filter heavily.
	DerivativeFilter float64
}

// Stats is the last computed term breakdown, exposed for diagnostics.
type Stats struct {
	P      float64 `json:"p"`
	I      float64 `json:"i"`
	D      float64 `json:"d"`
	Output float64 `json:"pid"`
}

// Controller computes a bounded [0,1] output from setpoint error.
// Not safe for concurrent use; the control loop is its only caller.
type Controller struct {
	cfg       Config
	integral  float64
	lastErr   float64
	lastDeriv float64
	primed    bool
	stats     Stats
}

// New returns a controller with zeroed state.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Reset clears the integral and derivative history. Called between runs.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastErr = 0
	c.lastDeriv = 0
	c.primed = false
	c.stats = Stats{}
}

// Stats returns the term breakdown from the most recent Compute.
func (c *Controller) Stats() Stats {
	return c.stats
}

// Compute advances the controller by dt seconds and returns the output
// duty cycle clamped to [0,1] along with the term breakdown.
func (c *Controller) Compute(setpoint, measured, dt float64) (float64, Stats) {
	if dt <= 0 {
		return c.stats.Output, c.stats
	}

	err := setpoint - measured

	p := c.cfg.Kp * err

	window := c.cfg.ControlWindow
	inWindow := window <= 0 || abs(err) < window
	if inWindow && c.cfg.Ki != 0 {
		c.integral += err * dt / c.cfg.Ki
	}
	i := c.integral

	var d float64
	if c.primed {
		deriv := (err - c.lastErr) / dt
		if f := c.cfg.DerivativeFilter; f > 0 && f < 1 {
			deriv = f*c.lastDeriv + (1-f)*deriv
		}
		c.lastDeriv = deriv
		d = c.cfg.Kd * deriv
	}
	c.lastErr = err
	c.primed = true

	out := p + i + d
	if out < 0 {
		out = 0
	} else if out > 1 {
		out = 1
	}

	c.stats = Stats{P: p, I: i, D: d, Output: out}
	return out, c.stats
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
