// Package cancel implements the Cancellation Manager of spec.md §4.8: a
// per-request deadline timer that aborts a slow in-flight attempt and
// re-routes it to a replacement worker. Grounded on the ctx.Done() select
// pattern in the teacher's pkg/worker/server.go Infer method, generalized
// into a standalone timer registry since cancellation here is driven by a
// dedicated deadline rather than the inbound request's own context.
package cancel

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registration tracks one in-flight attempt eligible for timeout.
type registration struct {
	workerID  string
	requestID string
	startedAt time.Time
	abort     func()
	timer     *time.Timer
}

// OnTimeout is invoked when a registered attempt's deadline fires. It
// receives the workerID the attempt was running on and the requestID; the
// caller is responsible for aborting the HTTP call (already done via the
// abort func passed to Register) and for re-enqueueing or resolving the
// request.
type OnTimeout func(workerID, requestID string)

// Manager owns the set of armed per-request timers.
type Manager struct {
	timeoutMs int // clamped to [5000, 60000] per spec.md §4.8
	onTimeout OnTimeout
	log       zerolog.Logger

	mu    sync.Mutex
	regs  map[string]*registration // keyed by requestID
}

// New creates a Manager with the given timeout (already clamped by the
// caller's config loader) and timeout callback.
func New(timeoutMs int, onTimeout OnTimeout, log zerolog.Logger) *Manager {
	if timeoutMs < 5000 {
		timeoutMs = 5000
	}
	if timeoutMs > 60000 {
		timeoutMs = 60000
	}
	return &Manager{
		timeoutMs: timeoutMs,
		onTimeout: onTimeout,
		log:       log.With().Str("component", "cancel").Logger(),
		regs:      make(map[string]*registration),
	}
}

// Register arms a single-shot timer for requestID running on workerID.
// abort is called exactly once if the timer fires before Deregister.
// Re-arming an already-registered requestID (re-routed attempt) replaces
// the prior registration — timeouts are per-attempt, not per-request, per
// spec.md §5.
func (m *Manager) Register(workerID, requestID string, abort func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.regs[requestID]; ok {
		old.timer.Stop()
	}

	reg := &registration{
		workerID:  workerID,
		requestID: requestID,
		startedAt: time.Now(),
		abort:     abort,
	}
	reg.timer = time.AfterFunc(time.Duration(m.timeoutMs)*time.Millisecond, func() {
		m.fire(requestID)
	})
	m.regs[requestID] = reg
}

// Deregister disarms the timer for requestID, idempotently — calling it
// twice (e.g. completion racing a fire) is safe.
func (m *Manager) Deregister(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.regs[requestID]; ok {
		reg.timer.Stop()
		delete(m.regs, requestID)
	}
}

func (m *Manager) fire(requestID string) {
	m.mu.Lock()
	reg, ok := m.regs[requestID]
	if ok {
		delete(m.regs, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return // already completed/deregistered — idempotent, no double-fire
	}

	m.log.Warn().Str("worker", reg.workerID).Str("request_id", requestID).
		Dur("elapsed", time.Since(reg.startedAt)).Msg("⏱️ deadline exceeded, aborting")

	reg.abort()
	if m.onTimeout != nil {
		m.onTimeout(reg.workerID, requestID)
	}
}

// Stop disarms every outstanding timer — used on router shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, reg := range m.regs {
		reg.timer.Stop()
		delete(m.regs, id)
	}
}
