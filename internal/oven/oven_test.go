package oven

import (
	"errors"
	"testing"
	"time"

	"github.com/kilnworks/kilnd/internal/hardware"
	"github.com/kilnworks/kilnd/internal/pid"
	"github.com/kilnworks/kilnd/internal/profile"
	"github.com/kilnworks/kilnd/internal/thermocouple"
)

// fakeSensor returns a scripted temperature or error per Read call.
type fakeSensor struct {
	temp float64
	err  error
}

func (f *fakeSensor) Read() (float64, error) {
	return f.temp, f.err
}

// memPersister records persistence calls for inspection.
type memPersister struct {
	restarts []RestartState
	created  []string
	finished map[string]string
}

func newMemPersister() *memPersister {
	return &memPersister{finished: map[string]string{}}
}

func (m *memPersister) SaveRestart(rs RestartState) error {
	m.restarts = append(m.restarts, rs)
	return nil
}

func (m *memPersister) CreateFiring(id, name string) error {
	m.created = append(m.created, id)
	return nil
}

func (m *memPersister) FinishFiring(id, status string, cost, maxTemp float64) error {
	m.finished[id] = status
	return nil
}

func (m *memPersister) lastRestart() RestartState {
	if len(m.restarts) == 0 {
		return RestartState{}
	}
	return m.restarts[len(m.restarts)-1]
}

func testConfig() Config {
	return Config{
		CyclePeriod:      time.Second,
		ControlWindow:    10,
		EmergencyShutoff: 1320,
		PowerKW:          3.0,
		KWhRate:          0.30,
		PID:              pid.Config{Kp: 0.05},
	}
}

func testProfile(t *testing.T) *profile.Profile {
	t.Helper()
	p, err := profile.FromPoints("ramp", []profile.Point{
		{Seconds: 0, Celsius: 20},
		{Seconds: 3600, Celsius: 200},
	})
	if err != nil {
		t.Fatalf("FromPoints failed: %v", err)
	}
	return p
}

func newTestOven(t *testing.T, cfg Config, sensor thermocouple.Sensor) (*Oven, *hardware.FakeHeater, *memPersister) {
	t.Helper()
	heater := hardware.NewFakeHeater()
	persist := newMemPersister()
	return New(cfg, sensor, heater, persist), heater, persist
}

// drain empties the snapshot channel and returns the last snapshot seen.
func drain(t *testing.T, o *Oven) Snapshot {
	t.Helper()
	var last Snapshot
	got := false
	for {
		select {
		case s := <-o.Snapshots():
			last, got = s, true
		default:
			if !got {
				t.Fatal("no snapshot published")
			}
			return last
		}
	}
}

func TestIdleCycleKeepsHeaterOff(t *testing.T) {
	o, heater, _ := newTestOven(t, testConfig(), &fakeSensor{temp: 25})

	o.cycle()
	snap := drain(t, o)

	if snap.Mode != ModeIdle {
		t.Errorf("mode = %v, want IDLE", snap.Mode)
	}
	if snap.Heat != 0 {
		t.Errorf("heat = %v, want 0", snap.Heat)
	}
	if snap.Temperature != 25 {
		t.Errorf("temperature = %v, want 25", snap.Temperature)
	}
	if heater.LastDuty() != 0 {
		t.Errorf("heater duty = %v, want 0", heater.LastDuty())
	}
}

func TestRunProfileStartsFiring(t *testing.T) {
	o, _, persist := newTestOven(t, testConfig(), &fakeSensor{temp: 20})

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}

	snap := o.Snapshot()
	if snap.Mode != ModeRunning {
		t.Errorf("mode = %v, want RUNNING", snap.Mode)
	}
	if snap.RunID == "" {
		t.Error("run ID not assigned")
	}
	if snap.Profile != "ramp" {
		t.Errorf("profile = %q, want ramp", snap.Profile)
	}
	if len(persist.created) != 1 || persist.created[0] != snap.RunID {
		t.Errorf("firing log create = %v, want [%s]", persist.created, snap.RunID)
	}
}

func TestRunProfileRejectedWhileRunning(t *testing.T) {
	o, _, _ := newTestOven(t, testConfig(), &fakeSensor{temp: 20})

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}

	err := o.RunProfile(testProfile(t), nil)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != ModeRunning {
		t.Errorf("From = %v, want RUNNING", ite.From)
	}
}

func TestRuntimeAdvancesInsideWindow(t *testing.T) {
	sensor := &fakeSensor{temp: 20}
	o, _, _ := newTestOven(t, testConfig(), sensor)
	o.cycle() // seed haveTemp

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}

	// Temperature tracks the target, so the schedule advances one
	// period per cycle.
	o.cycle()
	o.cycle()
	snap := drain(t, o)

	if snap.CatchingUp {
		t.Error("catching_up set while inside the control window")
	}
	if snap.Runtime != 2 {
		t.Errorf("runtime = %v, want 2", snap.Runtime)
	}
	if snap.Heat <= 0 {
		t.Errorf("heat = %v, want > 0", snap.Heat)
	}
}

func TestCatchingUpFreezesRuntime(t *testing.T) {
	start := 1800.0
	sensor := &fakeSensor{temp: 20}
	o, _, _ := newTestOven(t, testConfig(), sensor)

	// Start deep into the schedule: target is 110C while the kiln is at
	// 20C, far outside the 10 degree window.
	if err := o.RunProfile(testProfile(t), &start); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}

	o.cycle()
	o.cycle()
	snap := drain(t, o)

	if !snap.CatchingUp {
		t.Error("catching_up not set")
	}
	if snap.Runtime != 1800 {
		t.Errorf("runtime = %v, want frozen at 1800", snap.Runtime)
	}

	// Kiln catches up: schedule resumes and the flag clears.
	sensor.temp = 108
	o.cycle()
	snap = drain(t, o)
	if snap.CatchingUp {
		t.Error("catching_up still set after recovery")
	}
	if snap.Runtime != 1801 {
		t.Errorf("runtime = %v, want 1801", snap.Runtime)
	}
}

func TestEmergencyShutoffAbortsRun(t *testing.T) {
	sensor := &fakeSensor{temp: 20}
	o, heater, persist := newTestOven(t, testConfig(), sensor)

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	runID := o.Snapshot().RunID

	sensor.temp = 1350
	o.cycle()
	snap := drain(t, o)

	if snap.Mode != ModeIdle {
		t.Errorf("mode = %v, want IDLE after shutoff", snap.Mode)
	}
	if snap.Status == "" {
		t.Error("status not set on shutoff")
	}
	if heater.LastDuty() != 0 {
		t.Errorf("heater duty = %v, want 0", heater.LastDuty())
	}
	if persist.finished[runID] != "failed" {
		t.Errorf("firing status = %q, want failed", persist.finished[runID])
	}
	if persist.lastRestart().Mode != ModeIdle {
		t.Errorf("restart mode = %v, want IDLE", persist.lastRestart().Mode)
	}
}

func TestEmergencyShutoffFiresFromIdle(t *testing.T) {
	// The interlock also fires from IDLE: a hot kiln gets the heater
	// forced off even with no run active.
	sensor := &fakeSensor{temp: 1350}
	o, heater, _ := newTestOven(t, testConfig(), sensor)

	o.cycle()
	if heater.LastDuty() != 0 {
		t.Errorf("heater duty = %v, want 0", heater.LastDuty())
	}
	if o.Snapshot().Mode != ModeIdle {
		t.Errorf("mode = %v, want IDLE", o.Snapshot().Mode)
	}
}

func TestCompletionFinishesRun(t *testing.T) {
	sensor := &fakeSensor{temp: 200}
	o, _, persist := newTestOven(t, testConfig(), sensor)

	// Start one period before the end of the schedule, at temperature.
	start := 3599.0
	if err := o.RunProfile(testProfile(t), &start); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	runID := o.Snapshot().RunID

	o.cycle()
	snap := drain(t, o)

	if snap.Mode != ModeIdle {
		t.Errorf("mode = %v, want IDLE after completion", snap.Mode)
	}
	if persist.finished[runID] != "completed" {
		t.Errorf("firing status = %q, want completed", persist.finished[runID])
	}
	if persist.lastRestart().Mode != ModeIdle {
		t.Errorf("restart mode = %v, want IDLE so the run is not resumed", persist.lastRestart().Mode)
	}
}

func TestPauseHoldsSchedule(t *testing.T) {
	sensor := &fakeSensor{temp: 20}
	o, _, _ := newTestOven(t, testConfig(), sensor)

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	o.cycle()
	if err := o.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	before := o.Snapshot().Runtime
	o.cycle()
	o.cycle()
	snap := drain(t, o)

	if snap.Mode != ModePaused {
		t.Errorf("mode = %v, want PAUSED", snap.Mode)
	}
	if snap.Runtime != before {
		t.Errorf("runtime = %v, want held at %v", snap.Runtime, before)
	}
	// The controller keeps regulating toward the held target.
	if snap.Heat <= 0 {
		t.Errorf("heat = %v, want > 0 while paused below target", snap.Heat)
	}

	if err := o.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	o.cycle()
	snap = drain(t, o)
	if snap.Runtime != before+1 {
		t.Errorf("runtime = %v, want %v after resume", snap.Runtime, before+1)
	}
}

func TestInvalidTransitions(t *testing.T) {
	o, _, _ := newTestOven(t, testConfig(), &fakeSensor{temp: 20})

	var ite *InvalidTransitionError
	if err := o.Pause(); !errors.As(err, &ite) {
		t.Errorf("Pause from IDLE: expected InvalidTransitionError, got %v", err)
	}
	if err := o.Resume(); !errors.As(err, &ite) {
		t.Errorf("Resume from IDLE: expected InvalidTransitionError, got %v", err)
	}

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	if err := o.Resume(); !errors.As(err, &ite) {
		t.Errorf("Resume from RUNNING: expected InvalidTransitionError, got %v", err)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	o, heater, persist := newTestOven(t, testConfig(), &fakeSensor{temp: 20})

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	runID := o.Snapshot().RunID

	if err := o.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := o.Abort(); err != nil {
		t.Fatalf("second Abort failed: %v", err)
	}

	snap := o.Snapshot()
	if snap.Mode != ModeIdle {
		t.Errorf("mode = %v, want IDLE", snap.Mode)
	}
	if heater.LastDuty() != 0 {
		t.Errorf("heater duty = %v, want 0 immediately", heater.LastDuty())
	}
	if persist.finished[runID] != "aborted" {
		t.Errorf("firing status = %q, want aborted", persist.finished[runID])
	}
}

func TestCostAccumulation(t *testing.T) {
	sensor := &fakeSensor{temp: 0}
	cfg := testConfig()
	cfg.PID = pid.Config{Kp: 1} // saturates at duty 1
	cfg.ControlWindow = 1000    // keep the schedule advancing
	o, _, _ := newTestOven(t, cfg, sensor)

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	o.cycle()
	snap := drain(t, o)

	// 3 kW at 0.30/kWh, full duty for one 1s period.
	want := 3.0 * 0.30 * (1.0 * 1.0 / 3600.0)
	if diff := snap.Cost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", snap.Cost, want)
	}
}

func TestIgnoredFaultReusesLastReading(t *testing.T) {
	sensor := &fakeSensor{temp: 100}
	cfg := testConfig()
	cfg.IgnoreFaults = []thermocouple.FaultKind{thermocouple.FaultUnknown}
	o, _, _ := newTestOven(t, cfg, sensor)

	o.cycle() // establishes a good reading

	start := 1600.0 // target 100C at 1600s on the ramp
	if err := o.RunProfile(testProfile(t), &start); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}

	sensor.err = &thermocouple.Fault{Kind: thermocouple.FaultUnknown}
	o.cycle()
	snap := drain(t, o)

	if snap.Mode != ModeRunning {
		t.Errorf("mode = %v, want RUNNING with ignored fault", snap.Mode)
	}
	if snap.Temperature != 100 {
		t.Errorf("temperature = %v, want last good reading 100", snap.Temperature)
	}
}

func TestUnignoredFaultAbortsRun(t *testing.T) {
	sensor := &fakeSensor{temp: 100}
	o, heater, persist := newTestOven(t, testConfig(), sensor)

	o.cycle()
	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	runID := o.Snapshot().RunID

	sensor.err = &thermocouple.Fault{Kind: thermocouple.FaultNotConnected}
	o.cycle()
	snap := drain(t, o)

	if snap.Mode != ModeIdle {
		t.Errorf("mode = %v, want IDLE after fault abort", snap.Mode)
	}
	if heater.LastDuty() != 0 {
		t.Errorf("heater duty = %v, want 0", heater.LastDuty())
	}
	if persist.finished[runID] != "failed" {
		t.Errorf("firing status = %q, want failed", persist.finished[runID])
	}
}

func TestIgnoredFaultWithoutPriorReadingAborts(t *testing.T) {
	sensor := &fakeSensor{err: &thermocouple.Fault{Kind: thermocouple.FaultUnknown}}
	cfg := testConfig()
	cfg.IgnoreFaults = []thermocouple.FaultKind{thermocouple.FaultUnknown}
	o, _, _ := newTestOven(t, cfg, sensor)

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	o.cycle()
	snap := drain(t, o)

	// With no reading to fall back on, even an ignorable fault aborts.
	if snap.Mode != ModeIdle {
		t.Errorf("mode = %v, want IDLE", snap.Mode)
	}
}

func TestSeekStartSkipsRamp(t *testing.T) {
	sensor := &fakeSensor{temp: 110}
	cfg := testConfig()
	cfg.SeekStart = true
	o, _, _ := newTestOven(t, cfg, sensor)

	o.cycle() // seed the current temperature

	if err := o.RunProfile(testProfile(t), nil); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}

	// 110C on the 20->200C over 3600s ramp is at t=1800.
	snap := o.Snapshot()
	if snap.Runtime != 1800 {
		t.Errorf("runtime = %v, want seek-start at 1800", snap.Runtime)
	}
}

func TestExplicitStartAtOverridesSeek(t *testing.T) {
	sensor := &fakeSensor{temp: 110}
	cfg := testConfig()
	cfg.SeekStart = true
	o, _, _ := newTestOven(t, cfg, sensor)
	o.cycle()

	start := 600.0
	if err := o.RunProfile(testProfile(t), &start); err != nil {
		t.Fatalf("RunProfile failed: %v", err)
	}
	if got := o.Snapshot().Runtime; got != 600 {
		t.Errorf("runtime = %v, want explicit 600", got)
	}
}

func TestRestoreResumesRunningSnapshot(t *testing.T) {
	o, _, _ := newTestOven(t, testConfig(), &fakeSensor{temp: 100})

	data, err := testProfile(t).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	rs := RestartState{
		Mode:        ModeRunning,
		ProfileJSON: data,
		RunID:       "restored-run",
		Runtime:     1600,
		Cost:        0.42,
		StartedAt:   time.Now().Add(-30 * time.Minute),
	}
	if err := o.Restore(rs); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	snap := o.Snapshot()
	if snap.Mode != ModeRunning {
		t.Errorf("mode = %v, want RUNNING", snap.Mode)
	}
	if snap.Runtime != 1600 {
		t.Errorf("runtime = %v, want 1600 (never rewinds)", snap.Runtime)
	}
	if snap.RunID != "restored-run" {
		t.Errorf("run ID = %q, want restored-run", snap.RunID)
	}
	if snap.Cost != 0.42 {
		t.Errorf("cost = %v, want 0.42", snap.Cost)
	}
}

func TestRestoreIgnoresIdleSnapshot(t *testing.T) {
	o, _, _ := newTestOven(t, testConfig(), &fakeSensor{temp: 100})

	if err := o.Restore(RestartState{Mode: ModeIdle}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if got := o.Snapshot().Mode; got != ModeIdle {
		t.Errorf("mode = %v, want IDLE", got)
	}
}

func TestApplyDispatch(t *testing.T) {
	o, _, _ := newTestOven(t, testConfig(), &fakeSensor{temp: 20})

	data, err := testProfile(t).Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := o.Apply(Command{Cmd: "RUN", Profile: data}); err != nil {
		t.Fatalf("Apply RUN failed: %v", err)
	}
	if got := o.Snapshot().Mode; got != ModeRunning {
		t.Errorf("mode = %v, want RUNNING", got)
	}

	if err := o.Apply(Command{Cmd: "PAUSE"}); err != nil {
		t.Fatalf("Apply PAUSE failed: %v", err)
	}
	if err := o.Apply(Command{Cmd: "RESUME"}); err != nil {
		t.Fatalf("Apply RESUME failed: %v", err)
	}
	if err := o.Apply(Command{Cmd: "STOP"}); err != nil {
		t.Fatalf("Apply STOP failed: %v", err)
	}
	if got := o.Snapshot().Mode; got != ModeIdle {
		t.Errorf("mode = %v, want IDLE", got)
	}
}

func TestApplyUnknownCommand(t *testing.T) {
	o, _, _ := newTestOven(t, testConfig(), &fakeSensor{temp: 20})

	if err := o.Apply(Command{Cmd: "EXPLODE"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
	if got := o.Snapshot().Status; got == "" {
		t.Error("rejection not recorded in status")
	}
}

func TestApplyRunRequiresProfile(t *testing.T) {
	o, _, _ := newTestOven(t, testConfig(), &fakeSensor{temp: 20})

	if err := o.Apply(Command{Cmd: "RUN"}); err == nil {
		t.Fatal("expected error for RUN without profile")
	}
}
