// Package registry tracks the pool of backend workers: discovery,
// canonicalization, online/offline state, and the per-worker fields the
// rest of the router reads to make placement and dispatch decisions.
package registry

import (
	"sync"
	"time"
)

// State is a worker's reachability state.
type State int

const (
	// Offline workers receive no placements and contribute tps=0, capacity=0.
	Offline State = iota
	// Online workers are eligible for placement.
	Online
)

func (s State) String() string {
	if s == Online {
		return "Online"
	}
	return "Offline"
}

// Profile holds the rolling completion statistics for one worker, fed by
// the Performance Profiler.
type Profile struct {
	Samples     int
	AvgMs       float64
	MinMs       float64
	MaxMs       float64
	P50Ms       float64
	P95Ms       float64
	P99Ms       float64
	SuccessRate float64
	LastUpdated time.Time
}

// queueSample is a (time, queueSize) snapshot used by the velocity tracker.
type queueSample struct {
	at   time.Time
	size int
}

// Worker is the router's view of one backend, as described in spec.md §3.
// All mutable fields are guarded by mu; callers must use the accessor
// methods rather than touching fields directly from outside this package.
type Worker struct {
	ID string // canonical base URL, scheme+host+port, no trailing slash

	mu                 sync.RWMutex
	tps                float64
	capacity           int
	maxConcurrent      int
	state              State
	adaptiveMultiplier float64
	profile            Profile
	completionWindow   []time.Duration // ring of last N completion durations
	queueHistory       []queueSample   // snapshots over a 5s window
	velocity           float64
	inFlight           int32
	model              string
	tpsPerPerson       float64
	targetLatencyMs    float64
}

const completionWindowSize = 10
const queueHistoryWindow = 5 * time.Second

// defaultTPSPerPerson/defaultTargetLatencyMs seed every Worker's tuning
// until the registry overrides them via SetTuning with config-loaded
// values (spec.md §5: every magic number in §4 is overridable).
const (
	defaultTPSPerPerson    = 100.0
	defaultTargetLatencyMs = 3000.0
)

// NewWorker constructs a worker in the Offline state with default tuning.
func NewWorker(id string) *Worker {
	return &Worker{
		ID:                 id,
		adaptiveMultiplier: 1.0,
		maxConcurrent:      1,
		completionWindow:   make([]time.Duration, 0, completionWindowSize),
		tpsPerPerson:       defaultTPSPerPerson,
		targetLatencyMs:    defaultTargetLatencyMs,
	}
}

// SetTuning overrides the tpsPerPerson/targetLatencyMs parameters fed into
// capacity/maxConcurrent derivation, and recomputes immediately if the
// worker is online. Called by the registry once config is loaded.
func (w *Worker) SetTuning(tpsPerPerson, targetLatencyMs float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tpsPerPerson = tpsPerPerson
	w.targetLatencyMs = targetLatencyMs
	if w.tps > 0 {
		w.recomputeLocked()
	}
}

// TPS returns the most recent benchmark measurement in tokens/sec. Each
// benchmark replaces the previous value; measurements are not averaged.
func (w *Worker) TPS() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tps
}

// State returns the current reachability state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// IsOnline is a convenience wrapper around State.
func (w *Worker) IsOnline() bool {
	return w.State() == Online
}

// Capacity returns the derived bounded queue-length admission limit.
func (w *Worker) Capacity() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.capacity
}

// MaxConcurrent returns the derived in-flight concurrency ceiling.
func (w *Worker) MaxConcurrent() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.maxConcurrent
}

// AdaptiveMultiplier returns the current capacity multiplier, in [0.5, 3.0].
func (w *Worker) AdaptiveMultiplier() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.adaptiveMultiplier
}

// Profile returns a copy of the current performance profile.
func (w *Worker) Profile() Profile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.profile
}

// Velocity returns the last-computed queue-growth rate, items/sec.
func (w *Worker) Velocity() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.velocity
}

// InFlight returns the current in-flight request count.
func (w *Worker) InFlight() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return int(w.inFlight)
}

// Model returns the model name most recently benchmarked on this worker.
func (w *Worker) Model() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.model
}

// IncInFlight/DecInFlight are used by the dispatcher around a dispatch
// attempt; in-flight is normalized to an int everywhere per spec.md §9 —
// never reintroduced as a boolean.
func (w *Worker) IncInFlight() {
	w.mu.Lock()
	w.inFlight++
	w.mu.Unlock()
}

func (w *Worker) DecInFlight() {
	w.mu.Lock()
	if w.inFlight > 0 {
		w.inFlight--
	}
	w.mu.Unlock()
}

// SetBenchmarkResult records a fresh TPS measurement and recomputes
// derived capacity/concurrency. tps<=0 marks the worker Offline.
func (w *Worker) SetBenchmarkResult(tps float64, model string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.model = model
	if tps <= 0 {
		w.tps = 0
		w.capacity = 0
		w.state = Offline
		return
	}
	w.tps = tps
	w.state = Online
	w.recomputeLocked()
}

// MarkOffline forces the worker offline (e.g. after a transport failure)
// and zeroes its admission fields per spec.md §3's invariant.
func (w *Worker) MarkOffline() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = Offline
	w.tps = 0
	w.capacity = 0
}

// RecordCompletion appends a completion duration to the registry-local
// window of the last 10 completions (distinct from the profiler's larger
// ring). It does not recompute derived fields. The Performance Profiler
// calls it on every recorded sample, before any ApplyProfile.
func (w *Worker) RecordCompletion(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completionWindow = append(w.completionWindow, d)
	if len(w.completionWindow) > completionWindowSize {
		w.completionWindow = w.completionWindow[1:]
	}
}

// ApplyProfile stores a freshly computed profile and recomputes the
// capacity/maxConcurrent derivation, since both depend on profile fields.
func (w *Worker) ApplyProfile(p Profile) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.profile = p
	if w.tps > 0 {
		w.recomputeLocked()
	}
}

// SetAdaptiveMultiplier clamps and stores a new adaptive multiplier,
// then recomputes capacity.
func (w *Worker) SetAdaptiveMultiplier(m float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m < 0.5 {
		m = 0.5
	}
	if m > 3.0 {
		m = 3.0
	}
	w.adaptiveMultiplier = m
	if w.tps > 0 {
		w.recomputeLocked()
	}
}

// RecordQueueSample appends a (time, size) snapshot for velocity tracking
// and recomputes the velocity from samples within the last 5s window.
func (w *Worker) RecordQueueSample(size int, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.queueHistory = append(w.queueHistory, queueSample{at: now, size: size})
	cutoff := now.Add(-queueHistoryWindow)
	i := 0
	for i < len(w.queueHistory) && w.queueHistory[i].at.Before(cutoff) {
		i++
	}
	w.queueHistory = w.queueHistory[i:]

	if len(w.queueHistory) < 2 {
		w.velocity = 0
		return
	}
	oldest := w.queueHistory[0]
	newest := w.queueHistory[len(w.queueHistory)-1]
	delta := newest.at.Sub(oldest.at).Seconds()
	if delta < 0.5 {
		w.velocity = 0
		return
	}
	w.velocity = float64(newest.size-oldest.size) / delta
}

// recomputeLocked derives capacity and maxConcurrent from the current
// tps/adaptiveMultiplier/profile and this worker's tuning parameters, per
// spec.md §4.4. Caller must hold mu.
func (w *Worker) recomputeLocked() {
	w.capacity = deriveCapacity(w.tps, w.adaptiveMultiplier, w.profile.SuccessRate, w.tpsPerPerson)
	w.maxConcurrent = deriveMaxConcurrent(w.tps, w.profile.AvgMs, w.profile.P95Ms, w.targetLatencyMs)
}

// Snapshot is an immutable read of a worker's fields for placement and
// observability, taken under a single lock acquisition so that callers
// see a consistent view.
type Snapshot struct {
	ID            string
	TPS           float64
	Capacity      int
	MaxConcurrent int
	State         State
	Profile       Profile
	Velocity      float64
	InFlight      int
	Model         string
}

// Snapshot returns a consistent point-in-time view of the worker.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Snapshot{
		ID:            w.ID,
		TPS:           w.tps,
		Capacity:      w.capacity,
		MaxConcurrent: w.maxConcurrent,
		State:         w.state,
		Profile:       w.profile,
		Velocity:      w.velocity,
		InFlight:      int(w.inFlight),
		Model:         w.model,
	}
}
