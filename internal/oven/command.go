package oven

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/kilnworks/kilnd/internal/profile"
)

// Command is the transport-layer control message.
type Command struct {
	Cmd     string          `json:"cmd"`
	Profile json.RawMessage `json:"profile,omitempty"`
	StartAt *float64        `json:"startat,omitempty"`
}

// Apply dispatches a transport command. Rejections are recorded in the
// broadcast status field and returned; they never crash the loop.
func (o *Oven) Apply(cmd Command) error {
	switch cmd.Cmd {
	case "RUN":
		if len(cmd.Profile) == 0 {
			return o.reject(fmt.Errorf("RUN requires a profile"))
		}
		p, err := profile.Parse(cmd.Profile)
		if err != nil {
			return o.reject(err)
		}
		return o.RunProfile(p, cmd.StartAt)
	case "STOP":
		return o.Abort()
	case "PAUSE":
		return o.Pause()
	case "RESUME":
		return o.Resume()
	default:
		return o.reject(fmt.Errorf("unknown command %q", cmd.Cmd))
	}
}

// reject records the error on the status field so asynchronous observers
// see it on the next broadcast, then returns it.
func (o *Oven) reject(err error) error {
	o.mu.Lock()
	o.status = err.Error()
	o.mu.Unlock()
	return err
}

// RunProfile starts a firing. Valid only from IDLE; the profile is
// validated before any state changes. When startAt is nil and seek-start
// is enabled, the run begins at the schedule time whose temperature
// matches the current kiln temperature, skipping a pointless ramp from
// zero.
func (o *Oven) RunProfile(p *profile.Profile, startAt *float64) error {
	if err := p.Validate(); err != nil {
		return o.reject(err)
	}

	o.mu.Lock()
	if o.mode != ModeIdle {
		err := &InvalidTransitionError{Op: "run_profile", From: o.mode}
		o.status = err.Error()
		o.mu.Unlock()
		return err
	}

	o.pid.Reset()
	o.prof = p
	o.runID = uuid.New().String()
	o.cost = 0
	o.maxTemp = o.temperature
	o.heat = 0
	o.stats = o.pid.Stats()
	o.catchingUp = false
	o.status = ""

	start := p.StartTime()
	switch {
	case startAt != nil:
		start = *startAt
	case o.cfg.SeekStart && o.haveTemp:
		start = p.TimeForTemperature(o.temperature)
	}
	o.runtime = start
	o.target = p.TargetTemperature(start)
	o.startedAt = o.clock()
	o.mode = ModeRunning

	runID, name := o.runID, p.Name
	o.mu.Unlock()

	log.Printf("oven: run %s profile %q from %.0fs", runID, name, start)
	if err := o.persist.CreateFiring(runID, name); err != nil {
		log.Printf("oven: firing log create failed: %v", err)
	}
	return nil
}

// Pause holds the schedule at the current runtime while the controller
// keeps regulating toward the held target. Valid only from RUNNING.
func (o *Oven) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode != ModeRunning {
		err := &InvalidTransitionError{Op: "pause", From: o.mode}
		o.status = err.Error()
		return err
	}
	o.mode = ModePaused
	return nil
}

// Resume continues a paused firing. Valid only from PAUSED.
func (o *Oven) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mode != ModePaused {
		err := &InvalidTransitionError{Op: "resume", From: o.mode}
		o.status = err.Error()
		return err
	}
	o.mode = ModeRunning
	return nil
}

// Abort stops any active run: heater off, profile cleared, mode IDLE.
// Idempotent, and takes effect immediately rather than waiting for the
// next cycle.
func (o *Oven) Abort() error {
	o.mu.Lock()
	if o.mode == ModeIdle {
		o.mu.Unlock()
		o.actuate(0)
		return nil
	}
	o.status = "run aborted"
	fin := o.endRunLocked("aborted")
	snap := o.snapshotLocked()
	o.mu.Unlock()

	log.Printf("oven: run %s aborted", fin.runID)
	o.actuate(0)
	o.publish(snap)
	o.finishRun(fin)
	return nil
}

// Restore resumes a firing recorded in a restart snapshot. Only a
// snapshot saved in RUNNING mode resumes; anything else is ignored. The
// run continues from the saved runtime (never rewinding) with a fresh
// PID state.
func (o *Oven) Restore(rs RestartState) error {
	if rs.Mode != ModeRunning || len(rs.ProfileJSON) == 0 {
		return nil
	}
	p, err := profile.Parse(rs.ProfileJSON)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	o.mu.Lock()
	if o.mode != ModeIdle {
		o.mu.Unlock()
		return &InvalidTransitionError{Op: "restore", From: o.mode}
	}
	o.pid.Reset()
	o.prof = p
	o.runID = rs.RunID
	if o.runID == "" {
		o.runID = uuid.New().String()
	}
	o.runtime = rs.Runtime
	o.cost = rs.Cost
	o.startedAt = rs.StartedAt
	if o.startedAt.IsZero() {
		o.startedAt = o.clock()
	}
	o.maxTemp = 0
	o.catchingUp = false
	o.status = "resumed after restart"
	o.mode = ModeRunning
	o.mu.Unlock()

	log.Printf("oven: resuming profile %q at %.0fs after restart", p.Name, rs.Runtime)
	return nil
}
