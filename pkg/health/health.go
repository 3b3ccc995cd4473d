// Package health implements the Health Monitor of spec.md §4.10: a
// periodic scan over offline workers that probes reachability and
// re-benchmarks any worker that comes back, restoring it to Online with
// freshly derived capacity/concurrency. Grounded on the teacher's
// pkg/router/poller.go ticker-loop shape; the failure/recovery
// bookkeeping generalizes the teacher's Registry.MarkFailed/MarkHealthy
// three-strikes discipline into a binary reachable/unreachable check
// since this spec has no partial-degradation worker state (spec.md §3).
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"llmrouter/pkg/backendclient"
	"llmrouter/pkg/benchmark"
	"llmrouter/pkg/registry"
)

// Checker is the narrow reachability interface — satisfied by
// *backendclient.Client.
type Checker interface {
	CheckReachable(ctx context.Context, baseURL string) error
}

// Observer is notified whenever a worker transitions Offline -> Online.
type Observer func(workerID string)

// Monitor runs the periodic offline-worker recovery scan.
type Monitor struct {
	reg         *registry.Registry
	checker     Checker
	benchmarker *benchmark.Benchmarker
	interval    time.Duration
	probeTimeout time.Duration
	log         zerolog.Logger
	observer    Observer

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Monitor. interval is the scan period (default 30s);
// probeTimeout bounds each reachability check (default 3s).
func New(reg *registry.Registry, checker Checker, benchmarker *benchmark.Benchmarker, interval, probeTimeout time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	return &Monitor{
		reg:          reg,
		checker:      checker,
		benchmarker:  benchmarker,
		interval:     interval,
		probeTimeout: probeTimeout,
		log:          log.With().Str("component", "health").Logger(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetObserver registers the readiness-announcement callback.
func (m *Monitor) SetObserver(obs Observer) {
	m.observer = obs
}

// Start begins the periodic scan in a background goroutine.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop halts the scan loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

// scan checks every offline worker and restores any that respond,
// per spec.md §4.10's recovery sequence: GET /api/tags, and on success
// re-benchmark before flipping the worker Online.
func (m *Monitor) scan() {
	offline := m.reg.Offline()
	if len(offline) == 0 {
		return
	}

	for _, w := range offline {
		ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
		err := m.checker.CheckReachable(ctx, w.ID)
		cancel()
		if err != nil {
			continue
		}

		result := m.benchmarker.One(context.Background(), w)
		if result.TPS <= 0 {
			m.log.Debug().Str("worker", w.ID).Msg("🩺 reachable but benchmark still failing")
			continue
		}

		m.log.Info().Str("worker", w.ID).Float64("tps", result.TPS).Msg("🩺 worker recovered")
		if m.observer != nil {
			m.observer(w.ID)
		}
	}
}

var _ Checker = (*backendclient.Client)(nil)
