// Package oven runs the kiln control loop: a fixed-period state machine
// that reads the thermocouple, tracks the firing profile, computes a PID
// duty cycle, drives the heating element, and publishes a consistent
// state snapshot every cycle.
package oven

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kilnworks/kilnd/internal/pid"
	"github.com/kilnworks/kilnd/internal/profile"
	"github.com/kilnworks/kilnd/internal/thermocouple"
)

// Mode is the control loop's operating state.
type Mode string

const (
	ModeIdle    Mode = "IDLE"
	ModeRunning Mode = "RUNNING"
	ModePaused  Mode = "PAUSED"
)

// Snapshot is the complete public state published once per cycle. It is
// an immutable copy; observers never see partial updates.
type Snapshot struct {
	Temperature float64    `json:"temperature"`
	Target      float64    `json:"target"`
	Mode        Mode       `json:"state"`
	Runtime     float64    `json:"runtime"`
	Heat        float64    `json:"heat"`
	Cost        float64    `json:"cost"`
	CatchingUp  bool       `json:"catching_up"`
	PIDStats    pid.Stats  `json:"pidstats"`
	Profile     string     `json:"profile,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	StartedAt   *time.Time `json:"start_time,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// RestartState is the durable record written every cycle while RUNNING
// and read once at startup to resume an interrupted firing.
type RestartState struct {
	Mode        Mode
	ProfileJSON []byte
	RunID       string
	Runtime     float64
	Cost        float64
	StartedAt   time.Time
}

// Heater is the actuator capability the loop drives each cycle.
type Heater interface {
	SetDuty(duty float64) error
}

// Persister records the restart snapshot and the firing log. All calls
// are best-effort: failures are logged and never interrupt the loop.
type Persister interface {
	SaveRestart(rs RestartState) error
	CreateFiring(id, profileName string) error
	FinishFiring(id, status string, cost, maxTemp float64) error
}

// InvalidTransitionError is returned when a command is not valid in the
// current mode. State is left unchanged; this is a caller bug, not a
// runtime fault.
type InvalidTransitionError struct {
	Op   string
	From Mode
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("oven: invalid transition: %s while %s", e.Op, e.From)
}

// Config holds the control loop parameters. Zero values are replaced
// with conservative defaults in New.
type Config struct {
	// CyclePeriod is the control cycle length in schedule time.
	CyclePeriod time.Duration
	// Speedup accelerates the wall clock for simulated runs: the loop
	// ticks every CyclePeriod/Speedup of wall time but the schedule still
	// advances by CyclePeriod. Must match the physics model's speedup.
	Speedup float64
	// ControlWindow is the error band (degrees) for both PID anti-windup
	// and the catching-up policy.
	ControlWindow float64
	// EmergencyShutoff forces the heater off and aborts any run when the
	// measured temperature reaches it. Never ignorable.
	EmergencyShutoff float64
	// SeekStart starts a run at the schedule time matching the current
	// kiln temperature instead of time zero.
	SeekStart bool
	// PowerKW and KWhRate parameterize cost accumulation.
	PowerKW float64
	KWhRate float64
	// IgnoreFaults lists sensor fault kinds that reuse the last reading
	// instead of aborting the run. Unlisted kinds abort.
	IgnoreFaults []thermocouple.FaultKind
	// PID configures the controller. Its ControlWindow is filled from
	// ControlWindow above when zero.
	PID pid.Config
}

// Oven is the control loop. Construct with New, start with Run, and
// drive with RunProfile/Pause/Resume/Abort or Apply. The loop goroutine
// is the sole writer of the oven state; every observer reads snapshots.
type Oven struct {
	cfg     Config
	sensor  thermocouple.Sensor
	heater  Heater
	pid     *pid.Controller
	persist Persister
	ignored map[thermocouple.FaultKind]bool
	clock   func() time.Time

	snapshots chan Snapshot

	// mutable state, guarded by mu; held only for state math and
	// copying, never across sensor, actuator, or storage I/O
	mu          sync.Mutex
	mode        Mode
	prof        *profile.Profile
	runID       string
	runtime     float64
	cost        float64
	maxTemp     float64
	temperature float64
	haveTemp    bool
	target      float64
	heat        float64
	catchingUp  bool
	stats       pid.Stats
	startedAt   time.Time
	status      string
}

// finish captures deferred persistence for a run that just ended, so
// storage I/O happens outside the state lock.
type finish struct {
	runID   string
	status  string
	cost    float64
	maxTemp float64
}

// New creates an idle oven. persist may be nil for a loop with no
// durable storage (tests, dry runs).
func New(cfg Config, sensor thermocouple.Sensor, heater Heater, persist Persister) *Oven {
	if cfg.CyclePeriod <= 0 {
		cfg.CyclePeriod = 2 * time.Second
	}
	if cfg.Speedup < 1 {
		cfg.Speedup = 1
	}
	if cfg.ControlWindow <= 0 {
		cfg.ControlWindow = 10
	}
	if cfg.PID.ControlWindow == 0 {
		cfg.PID.ControlWindow = cfg.ControlWindow
	}
	if persist == nil {
		persist = nopPersister{}
	}

	ignored := make(map[thermocouple.FaultKind]bool, len(cfg.IgnoreFaults))
	for _, k := range cfg.IgnoreFaults {
		ignored[k] = true
	}

	return &Oven{
		cfg:       cfg,
		sensor:    sensor,
		heater:    heater,
		pid:       pid.New(cfg.PID),
		persist:   persist,
		ignored:   ignored,
		clock:     time.Now,
		mode:      ModeIdle,
		snapshots: make(chan Snapshot, 64),
	}
}

// Snapshots returns the channel of per-cycle state snapshots. Slow
// consumers lose snapshots rather than stalling the loop.
func (o *Oven) Snapshots() <-chan Snapshot {
	return o.snapshots
}

// Run executes control cycles until ctx is cancelled, then forces the
// heater off. The wall-clock period is CyclePeriod/Speedup.
func (o *Oven) Run(ctx context.Context) {
	period := time.Duration(float64(o.cfg.CyclePeriod) / o.cfg.Speedup)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := o.heater.SetDuty(0); err != nil {
				log.Printf("oven: heater off on shutdown: %v", err)
			}
			return
		case <-ticker.C:
			o.cycle()
		}
	}
}

// Snapshot returns a copy of the current public state.
func (o *Oven) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// cycle runs one control iteration: sensor read, safety interlock,
// target/catching-up bookkeeping, PID, actuator write, publish, persist.
// The ordering is fixed; the actuator write never precedes this cycle's
// sensor read.
func (o *Oven) cycle() {
	temp, rerr := o.sensor.Read()

	o.mu.Lock()

	if rerr != nil {
		fault, _ := thermocouple.AsFault(rerr)
		if fault != nil && o.ignored[fault.Kind] && o.haveTemp {
			// Keep the last reading and carry on.
			log.Printf("oven: ignoring sensor fault, reusing %.1fC: %v", o.temperature, rerr)
		} else {
			o.status = fmt.Sprintf("sensor fault: %v", rerr)
			fin := o.endRunLocked("failed")
			snap := o.snapshotLocked()
			o.mu.Unlock()

			log.Printf("oven: sensor fault, run aborted: %v", rerr)
			o.actuate(0)
			o.publish(snap)
			o.finishRun(fin)
			return
		}
	} else {
		o.temperature = temp
		o.haveTemp = true
	}

	// Safety interlock: highest priority, checked before any PID work.
	if o.cfg.EmergencyShutoff > 0 && o.temperature >= o.cfg.EmergencyShutoff {
		o.status = fmt.Sprintf("emergency shutoff: %.1fC reached %.1fC limit",
			o.temperature, o.cfg.EmergencyShutoff)
		fin := o.endRunLocked("failed")
		snap := o.snapshotLocked()
		o.mu.Unlock()

		log.Printf("oven: %s", snap.Status)
		o.actuate(0)
		o.publish(snap)
		o.finishRun(fin)
		return
	}

	if o.mode == ModeIdle {
		o.heat = 0
		o.target = 0
		snap := o.snapshotLocked()
		o.mu.Unlock()

		o.actuate(0)
		o.publish(snap)
		return
	}

	period := o.cfg.CyclePeriod.Seconds()
	o.target = o.prof.TargetTemperature(o.runtime)

	if o.mode == ModeRunning {
		if abs(o.target-o.temperature) > o.cfg.ControlWindow {
			// Far from setpoint: hold the schedule until the kiln
			// catches up.
			o.catchingUp = true
		} else {
			o.catchingUp = false
			o.runtime += period
		}

		if o.runtime >= o.prof.EndTime() {
			o.status = fmt.Sprintf("firing %s complete", o.prof.Name)
			fin := o.endRunLocked("completed")
			snap := o.snapshotLocked()
			rs := o.restartLocked()
			o.mu.Unlock()

			log.Printf("oven: %s", snap.Status)
			o.actuate(0)
			o.publish(snap)
			o.finishRun(fin)
			o.saveRestart(rs)
			return
		}
	}

	out, stats := o.pid.Compute(o.target, o.temperature, period)
	o.heat = out
	o.stats = stats
	if o.temperature > o.maxTemp {
		o.maxTemp = o.temperature
	}
	o.cost += o.cfg.PowerKW * o.cfg.KWhRate * (out * period / 3600.0)

	snap := o.snapshotLocked()
	rs := o.restartLocked()
	o.mu.Unlock()

	o.actuate(out)
	o.publish(snap)
	o.saveRestart(rs)
}

// actuate writes the duty cycle, logging failures. The heater interface
// owns retry/fail-safe semantics.
func (o *Oven) actuate(duty float64) {
	if err := o.heater.SetDuty(duty); err != nil {
		log.Printf("oven: actuator write failed: %v", err)
	}
}

// publish sends the snapshot without blocking; a full channel drops the
// oldest observer update rather than stalling the control cadence.
func (o *Oven) publish(snap Snapshot) {
	select {
	case o.snapshots <- snap:
	default:
		select {
		case <-o.snapshots:
		default:
		}
		select {
		case o.snapshots <- snap:
		default:
		}
	}
}

// saveRestart persists the restart snapshot. Durability is best-effort;
// failures never affect the live loop.
func (o *Oven) saveRestart(rs RestartState) {
	if err := o.persist.SaveRestart(rs); err != nil {
		log.Printf("oven: restart snapshot save failed: %v", err)
	}
}

// finishRun closes out the firing log entry for a run that ended.
func (o *Oven) finishRun(fin finish) {
	if fin.runID == "" {
		return
	}
	if err := o.persist.FinishFiring(fin.runID, fin.status, fin.cost, fin.maxTemp); err != nil {
		log.Printf("oven: firing log update failed: %v", err)
	}
	// A finished run must not be resumed after a crash.
	o.saveRestart(RestartState{Mode: ModeIdle})
}

// snapshotLocked copies the public state. Caller holds mu.
func (o *Oven) snapshotLocked() Snapshot {
	snap := Snapshot{
		Temperature: o.temperature,
		Target:      o.target,
		Mode:        o.mode,
		Runtime:     o.runtime,
		Heat:        o.heat,
		Cost:        o.cost,
		CatchingUp:  o.catchingUp,
		PIDStats:    o.stats,
		RunID:       o.runID,
		Status:      o.status,
	}
	if o.prof != nil {
		snap.Profile = o.prof.Name
	}
	if !o.startedAt.IsZero() {
		t := o.startedAt
		snap.StartedAt = &t
	}
	return snap
}

// restartLocked builds the durable restart record. Caller holds mu.
func (o *Oven) restartLocked() RestartState {
	rs := RestartState{
		Mode:      o.mode,
		RunID:     o.runID,
		Runtime:   o.runtime,
		Cost:      o.cost,
		StartedAt: o.startedAt,
	}
	if o.prof != nil {
		if data, err := o.prof.Encode(); err == nil {
			rs.ProfileJSON = data
		}
	}
	return rs
}

// endRunLocked transitions to IDLE and clears the run, returning the
// deferred persistence record. Safe to call when already idle. Caller
// holds mu.
func (o *Oven) endRunLocked(status string) finish {
	fin := finish{runID: o.runID, status: status, cost: o.cost, maxTemp: o.maxTemp}
	o.mode = ModeIdle
	o.prof = nil
	o.runID = ""
	o.runtime = 0
	o.heat = 0
	o.target = 0
	o.catchingUp = false
	o.startedAt = time.Time{}
	return fin
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

type nopPersister struct{}

func (nopPersister) SaveRestart(RestartState) error                      { return nil }
func (nopPersister) CreateFiring(string, string) error                   { return nil }
func (nopPersister) FinishFiring(string, string, float64, float64) error { return nil }
