// Package benchmark implements the Benchmarker of spec.md §4.2: a fixed
// short probe issued to a worker to derive tokens-per-second, run in
// parallel across all workers at startup and on model change. Grounded
// on the teacher's pkg/router/poller.go pollAll, which fans out one
// goroutine per worker under a sync.WaitGroup; rewritten here with
// golang.org/x/sync/errgroup, following the otlpxy pack repo's use of
// errgroup for parallel fan-out. Here the fan-out is unbounded and no
// probe failure cancels the others (see All).
package benchmark

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"llmrouter/pkg/backendclient"
	"llmrouter/pkg/registry"
)

// Prober is the narrow interface the benchmarker needs from a backend
// client — satisfied by *backendclient.Client.
type Prober interface {
	Probe(ctx context.Context, baseURL string) (evalCount int, evalDuration time.Duration, err error)
}

// Result is one worker's benchmark outcome.
type Result struct {
	WorkerID string
	TPS      float64
	Err      error
}

// Benchmarker runs probes against workers and reports derived TPS.
type Benchmarker struct {
	prober  Prober
	timeout time.Duration
	model   string
	log     zerolog.Logger
}

// New creates a Benchmarker. timeout bounds each individual probe; model
// is recorded against the worker on success (spec.md's "on model change"
// re-benchmark trigger).
func New(prober Prober, timeout time.Duration, model string, log zerolog.Logger) *Benchmarker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Benchmarker{
		prober:  prober,
		timeout: timeout,
		model:   model,
		log:     log.With().Str("component", "benchmarker").Logger(),
	}
}

// SetModel updates the model name applied to workers on the next probe
// round, used when the router's active model changes.
func (b *Benchmarker) SetModel(model string) {
	b.model = model
}

// One benchmarks a single worker, returning tps=0 on any failure rather
// than an error — callers (Health Monitor, startup sequence) treat
// tps<=0 as "still offline" per spec.md §4.10.
func (b *Benchmarker) One(ctx context.Context, w *registry.Worker) Result {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	evalCount, evalDuration, err := b.prober.Probe(ctx, w.ID)
	if err != nil {
		b.log.Warn().Str("worker", w.ID).Err(err).Msg("🔬 probe failed")
		w.MarkOffline()
		return Result{WorkerID: w.ID, TPS: 0, Err: err}
	}

	seconds := evalDuration.Seconds()
	if seconds <= 0 || evalCount <= 0 {
		w.MarkOffline()
		return Result{WorkerID: w.ID, TPS: 0}
	}
	tps := float64(evalCount) / seconds
	w.SetBenchmarkResult(tps, b.model)
	b.log.Info().Str("worker", w.ID).Float64("tps", tps).Msg("🔬 benchmarked")
	return Result{WorkerID: w.ID, TPS: tps}
}

// All benchmarks every worker in parallel via errgroup, per spec.md
// §4.2's "benchmarks run in parallel for all workers at startup and on
// model change." Each worker's registry state is updated inside One.
func (b *Benchmarker) All(ctx context.Context, workers []*registry.Worker) []Result {
	results := make([]Result, len(workers))

	// One() already folds every failure into Result.Err/TPS=0 rather than
	// an error, because a single worker being unreachable is an expected,
	// per-worker outcome here, not a reason to cancel every other probe in
	// flight. errgroup is still the right tool over a bare WaitGroup: gctx
	// ties every probe's deadline to the caller's ctx, and g.Go/g.Wait is
	// the idiomatic fan-out-and-join shape even with g.Go always returning
	// nil.
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			results[i] = b.One(gctx, w)
			return nil
		})
	}
	_ = g.Wait()

	return results
}
