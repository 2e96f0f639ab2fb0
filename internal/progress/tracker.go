// Package progress tracks session liveness with a heartbeat/state-change
// model. The scheduler beats on every phase boundary and reports a state
// change whenever the world moved (artifact written, progress score rose,
// error resolved). Stuck is a derived predicate: N heartbeats in a row
// without a single state change.
package progress

import (
	"sync"
	"time"

	"forgekeeper/internal/logging"
)

const (
	defaultStuckThreshold  = 5
	defaultAliveInterval   = 100 * time.Millisecond
	defaultMaxHeartbeats   = 100
	defaultMaxStateChanges = 50
)

// Heartbeat is one liveness ping from the scheduler.
type Heartbeat struct {
	Iteration int       `json:"iteration"`
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"ts"`
}

// StateChange is one observation that the session's world moved.
type StateChange struct {
	Type      string    `json:"type"`
	Data      string    `json:"data,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Status is a consistent snapshot of the tracker.
type Status struct {
	Alive          bool      `json:"alive"`
	Stuck          bool      `json:"stuck"`
	Iteration      int       `json:"iteration"`
	Phase          string    `json:"phase"`
	Heartbeats     uint64    `json:"heartbeats"`
	StateChanges   uint64    `json:"state_changes"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	LastChange     time.Time `json:"last_change"`
	LastChangeType string    `json:"last_change_type,omitempty"`
}

// TrackerOptions tune the stuck predicate and the in-memory bounds.
// Zero values take the defaults.
type TrackerOptions struct {
	// StuckThreshold is N: heartbeats without a state change before the
	// tracker reports stuck.
	StuckThreshold int
	// AliveInterval is the nominal heartbeat period; alive means a beat
	// landed within twice this.
	AliveInterval time.Duration
	// MaxHeartbeats and MaxStateChanges bound the kept entries. Totals
	// keep counting after old entries are dropped.
	MaxHeartbeats   int
	MaxStateChanges int
}

func (o TrackerOptions) withDefaults() TrackerOptions {
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = defaultStuckThreshold
	}
	if o.AliveInterval <= 0 {
		o.AliveInterval = defaultAliveInterval
	}
	if o.MaxHeartbeats <= 0 {
		o.MaxHeartbeats = defaultMaxHeartbeats
	}
	if o.MaxStateChanges <= 0 {
		o.MaxStateChanges = defaultMaxStateChanges
	}
	return o
}

// Tracker is written only by the scheduler and read concurrently by
// telemetry consumers.
type Tracker struct {
	mu   sync.RWMutex
	opts TrackerOptions

	heartbeats []Heartbeat
	changes    []StateChange

	totalHeartbeats  uint64
	totalChanges     uint64
	beatsSinceChange int

	iteration int
	phase     string
}

// NewTracker builds a tracker with the given options.
func NewTracker(opts TrackerOptions) *Tracker {
	return &Tracker{opts: opts.withDefaults()}
}

// Heartbeat records one liveness ping.
func (t *Tracker) Heartbeat(iteration int, phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hb := Heartbeat{Iteration: iteration, Phase: phase, Timestamp: time.Now()}
	if len(t.heartbeats) >= t.opts.MaxHeartbeats {
		copy(t.heartbeats, t.heartbeats[1:])
		t.heartbeats = t.heartbeats[:len(t.heartbeats)-1]
	}
	t.heartbeats = append(t.heartbeats, hb)
	t.totalHeartbeats++
	t.beatsSinceChange++
	t.iteration = iteration
	t.phase = phase
}

// StateChange records that the world moved and clears the stuck window.
func (t *Tracker) StateChange(changeType, data string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sc := StateChange{Type: changeType, Data: data, Timestamp: time.Now()}
	if len(t.changes) >= t.opts.MaxStateChanges {
		copy(t.changes, t.changes[1:])
		t.changes = t.changes[:len(t.changes)-1]
	}
	t.changes = append(t.changes, sc)
	t.totalChanges++
	t.beatsSinceChange = 0

	logging.ProgressDebug("State change: %s %s", changeType, data)
}

// IsStuck reports whether the last N heartbeats landed without any state
// change. It never flips back without an intervening StateChange or Reset.
func (t *Tracker) IsStuck() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stuckLocked()
}

func (t *Tracker) stuckLocked() bool {
	return t.beatsSinceChange >= t.opts.StuckThreshold
}

// Status returns a consistent snapshot.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Status{
		Stuck:        t.stuckLocked(),
		Iteration:    t.iteration,
		Phase:        t.phase,
		Heartbeats:   t.totalHeartbeats,
		StateChanges: t.totalChanges,
	}
	if n := len(t.heartbeats); n > 0 {
		s.LastHeartbeat = t.heartbeats[n-1].Timestamp
		s.Alive = time.Since(s.LastHeartbeat) <= 2*t.opts.AliveInterval
	}
	if n := len(t.changes); n > 0 {
		s.LastChange = t.changes[n-1].Timestamp
		s.LastChangeType = t.changes[n-1].Type
	}
	return s
}

// RecentChanges returns up to n of the latest state changes, newest first.
func (t *Tracker) RecentChanges(n int) []StateChange {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || len(t.changes) == 0 {
		return nil
	}
	if n > len(t.changes) {
		n = len(t.changes)
	}
	out := make([]StateChange, n)
	for i := 0; i < n; i++ {
		out[i] = t.changes[len(t.changes)-1-i]
	}
	return out
}

// Reset clears everything for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.heartbeats = nil
	t.changes = nil
	t.totalHeartbeats = 0
	t.totalChanges = 0
	t.beatsSinceChange = 0
	t.iteration = 0
	t.phase = ""
}
