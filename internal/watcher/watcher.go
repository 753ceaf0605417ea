// Package watcher distributes control-loop snapshots: it keeps the
// firing history, forwards live updates to the broadcast hub and any
// telemetry sinks, and records per-cycle measurements for completed-run
// reports.
package watcher

import (
	"context"
	"log"
	"sync"

	"github.com/kilnworks/kilnd/internal/oven"
)

// Broadcaster fans a typed event out to connected observers.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// Recorder persists one measurement per RUNNING cycle.
type Recorder interface {
	RecordMeasurement(firingID string, runtime, temperature, target, heat float64) error
}

// Sink receives every snapshot, typically mirroring it to an external
// system. Sink errors are logged and never block distribution.
type Sink interface {
	Publish(snap oven.Snapshot) error
}

// Watcher consumes the oven's snapshot channel. The history buffer
// resets when a new run starts so observers chart one firing at a time.
type Watcher struct {
	hub      Broadcaster
	recorder Recorder
	sinks    []Sink

	mu       sync.RWMutex
	history  []oven.Snapshot
	lastMode oven.Mode
}

// New creates a Watcher. hub and recorder may be nil.
func New(hub Broadcaster, recorder Recorder, sinks ...Sink) *Watcher {
	return &Watcher{
		hub:      hub,
		recorder: recorder,
		sinks:    sinks,
		lastMode: oven.ModeIdle,
	}
}

// Run consumes snapshots until ctx is cancelled or the channel closes.
func (w *Watcher) Run(ctx context.Context, snaps <-chan oven.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			w.observe(snap)
		}
	}
}

// observe appends the snapshot to history and distributes it.
func (w *Watcher) observe(snap oven.Snapshot) {
	w.mu.Lock()
	if snap.Mode == oven.ModeRunning && w.lastMode == oven.ModeIdle {
		w.history = w.history[:0]
	}
	w.lastMode = snap.Mode
	w.history = append(w.history, snap)
	w.mu.Unlock()

	if w.hub != nil {
		w.hub.BroadcastEvent("status", snap)
	}
	if w.recorder != nil && snap.Mode == oven.ModeRunning && snap.RunID != "" {
		err := w.recorder.RecordMeasurement(snap.RunID, snap.Runtime, snap.Temperature, snap.Target, snap.Heat)
		if err != nil {
			log.Printf("watcher: measurement record failed: %v", err)
		}
	}
	for _, s := range w.sinks {
		if err := s.Publish(snap); err != nil {
			log.Printf("watcher: sink publish failed: %v", err)
		}
	}
}

// Len returns the number of recorded snapshots.
func (w *Watcher) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.history)
}

// HistorySubset downsamples the history to at most max points by uniform
// stride, always keeping the first and last recorded points. A history
// at or under max is returned whole.
func (w *Watcher) HistorySubset(max int) []oven.Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	n := len(w.history)
	if n == 0 || max <= 0 {
		return nil
	}
	if n <= max {
		out := make([]oven.Snapshot, n)
		copy(out, w.history)
		return out
	}
	if max == 1 {
		return []oven.Snapshot{w.history[n-1]}
	}

	out := make([]oven.Snapshot, max)
	for i := 0; i < max; i++ {
		out[i] = w.history[i*(n-1)/(max-1)]
	}
	return out
}
