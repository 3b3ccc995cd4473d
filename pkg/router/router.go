// Package router is the top-level orchestrator: it wires the registry,
// benchmarker, placement policy, per-worker dispatchers, rebalancer,
// cancellation manager, profiler, health monitor, and backend client
// into the public API described in spec.md §6. Grounded on the
// teacher's pkg/router/router.go (a Router struct composing Registry,
// Poller, and Broadcaster behind New/Stop), generalized from gRPC
// fan-out-with-retry to per-worker queue placement with abort/re-route.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"llmrouter/pkg/backendclient"
	"llmrouter/pkg/benchmark"
	"llmrouter/pkg/cancel"
	"llmrouter/pkg/classify"
	"llmrouter/pkg/config"
	"llmrouter/pkg/dispatch"
	"llmrouter/pkg/fallback"
	"llmrouter/pkg/health"
	"llmrouter/pkg/placement"
	"llmrouter/pkg/profile"
	"llmrouter/pkg/rebalance"
	"llmrouter/pkg/registry"
)

// QueueHealthStatus is the status band of spec.md §6's observability surface.
type QueueHealthStatus string

const (
	StatusHealthy    QueueHealthStatus = "HEALTHY"
	StatusModerate   QueueHealthStatus = "MODERATE"
	StatusHigh       QueueHealthStatus = "HIGH"
	StatusAtCapacity QueueHealthStatus = "AT_CAPACITY"
)

// QueueHealth is one worker's observability row.
type QueueHealth struct {
	WorkerID    string
	QueueSize   int
	Capacity    int
	Utilization float64
	Status      QueueHealthStatus
}

// ChangeModelResult summarizes the outcome of an explicit model switch.
type ChangeModelResult struct {
	Model         string
	WorkersOnline int
	WorkersTotal  int
}

// requestRecord is one in-flight/queued request, borrowed by exactly one
// dispatcher at a time per spec.md §3's ownership rule.
type requestRecord struct {
	id        string
	prompt    string
	cls       classify.Classification
	createdAt time.Time

	resultCh    chan string
	resolveOnce sync.Once
}

// workerHandle adapts a registry Worker + its queue/dispatcher to the
// narrow rebalance.Handle interface.
type workerHandle struct {
	worker     *registry.Worker
	queue      *dispatch.Queue
	dispatcher *dispatch.Dispatcher
}

func (h *workerHandle) ID() string      { return h.worker.ID }
func (h *workerHandle) Online() bool    { return h.worker.IsOnline() }
func (h *workerHandle) QueueLen() int   { return h.queue.Len() }
func (h *workerHandle) Capacity() int   { return h.worker.Capacity() }
func (h *workerHandle) Velocity() float64 {
	return h.worker.Velocity()
}
func (h *workerHandle) RecordQueueSample(size int, now time.Time) {
	h.worker.RecordQueueSample(size, now)
}
func (h *workerHandle) StealTail() (dispatch.Item, bool) { return h.queue.PopBack() }
func (h *workerHandle) Accept(item dispatch.Item) {
	h.queue.PushBack(item)
	h.dispatcher.Signal()
}

// Router composes every component into the request lifecycle described
// in spec.md §2's control-flow paragraph.
type Router struct {
	cfg *config.Config
	log zerolog.Logger

	reg          *registry.Registry
	classifier   *classify.Cache
	placementPol *placement.Policy
	profiler     *profile.Profiler
	benchmarker  *benchmark.Benchmarker
	rebalancer   *rebalance.Rebalancer
	cancelMgr    *cancel.Manager
	healthMon    *health.Monitor
	backend      *backendclient.Client
	fallbackGen  *fallback.Generator

	mu           sync.RWMutex
	handles      map[string]*workerHandle
	active       map[string]*requestRecord
	fallbackMode bool

	reqSeq atomic.Uint64
}

// New wires every component per their grounding in their own packages;
// it does not start any background loops (see Start).
func New(cfg *config.Config, log zerolog.Logger) *Router {
	reg := registry.New(log)
	reg.SetTuning(cfg.TPSPerPerson, float64(cfg.TargetLatencyMs))
	backend := backendclient.New(cfg.Models, nil, log)

	r := &Router{
		cfg:          cfg,
		log:          log.With().Str("component", "router").Logger(),
		reg:          reg,
		classifier:   classify.NewCache(1000),
		placementPol: placement.New(placement.Config{
			UsePowerOfTwo:      cfg.UsePowerOfTwo,
			WeightedSampling:   true,
			PowerOfTwoExponent: cfg.PowerOfTwoExponent,
		}),
		profiler:    profile.New(),
		benchmarker: benchmark.New(backend, cfg.BenchmarkTimeout, cfg.DefaultModel, log),
		backend:     backend,
		fallbackGen: fallback.New(log),
		handles:     make(map[string]*workerHandle),
		active:      make(map[string]*requestRecord),
	}

	r.rebalancer = rebalance.New(rebalance.Config{
		TickInterval:     cfg.RebalanceInterval,
		PreWarmThreshold: cfg.PreWarmThreshold,
		PreWarmHorizon:   5 * time.Second,
		PreWarmMaxMove:   2,
		RecipientMaxUtil: 0.30,
	}, r.handleProvider, log)

	r.cancelMgr = cancel.New(cfg.CancellationTimeoutMs, r.onCancellationTimeout, log)
	r.healthMon = health.New(reg, backend, r.benchmarker, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, log)
	r.healthMon.SetObserver(func(workerID string) {
		r.log.Info().Str("worker", workerID).Msg("📡 worker readmitted, now accepting placements")
	})
	backend.SetModelChangeObserver(func(oldModel, newModel string) {
		r.log.Info().Str("old", oldModel).Str("new", newModel).Msg("🔁 model candidate rotated after 404")
	})

	return r
}

// Start discovers workers, benchmarks them all in parallel, decides
// fallback mode per spec.md §7's startup rule, and launches every
// background loop (rebalancer, health monitor, per-worker dispatchers).
// It returns an error only when OLLAMA_REQUIRED is set and no worker
// could be benchmarked online — the one fatal startup path.
func (r *Router) Start(ctx context.Context) error {
	ids := r.reg.Discover(defaultHosts(), r.cfg.OllamaHosts, r.cfg.OllamaHost)
	for _, id := range ids {
		w, _ := r.reg.Get(id)
		r.registerHandle(w)
	}

	r.benchmarker.All(ctx, r.reg.All())

	online := r.reg.Online()
	if len(online) == 0 {
		if r.cfg.OllamaRequired {
			return fmt.Errorf("no reachable workers and OLLAMA_REQUIRED is set")
		}
		r.mu.Lock()
		r.fallbackMode = true
		r.mu.Unlock()
		r.log.Warn().Msg("🪫 no reachable workers at startup, operating in fallback mode")
	}

	for _, h := range r.handles {
		h.dispatcher.Start()
	}
	r.rebalancer.Start()
	r.healthMon.Start()
	return nil
}

// Stop halts every background loop. In-flight HTTP calls are not force-
// aborted; they are allowed to finish. Stop disarms every cancellation
// timer, so those calls are bounded only by the HTTP client's timeout.
func (r *Router) Stop() {
	r.rebalancer.Stop()
	r.healthMon.Stop()
	r.cancelMgr.Stop()
	r.mu.RLock()
	handles := make([]*workerHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()
	for _, h := range handles {
		h.dispatcher.Stop()
	}
}

func defaultHosts() []string {
	return []string{"127.0.0.1", "localhost"}
}

func (r *Router) registerHandle(w *registry.Worker) {
	queue := dispatch.NewQueue()
	handle := &workerHandle{worker: w, queue: queue}
	handler := r.makeHandler(w.ID)
	onIdle := func() {
		rebalance.OnIdleSteal(handle, r.handleProvider())
	}
	handle.dispatcher = dispatch.New(w, queue, handler, onIdle, r.log)

	r.mu.Lock()
	r.handles[w.ID] = handle
	r.mu.Unlock()
}

func (r *Router) handleProvider() []rebalance.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rebalance.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// nextRequestID produces a monotonic, process-unique request identifier.
func (r *Router) nextRequestID() string {
	n := r.reqSeq.Add(1)
	return fmt.Sprintf("req-%d", n)
}

// Generate is the Router public API's core operation (spec.md §6):
// it never rejects, always resolving to either a real generation, an
// embedded-fallback answer, or one of the stable sentinel strings.
func (r *Router) Generate(prompt, trainingData, knowledge string) string {
	full := combinePrompt(prompt, trainingData, knowledge)
	cls := r.classifier.Classify(full)

	rec := &requestRecord{
		id:        r.nextRequestID(),
		prompt:    full,
		cls:       cls,
		createdAt: time.Now(),
		resultCh:  make(chan string, 1),
	}

	r.mu.Lock()
	r.active[rec.id] = rec
	r.mu.Unlock()

	r.placeAndEnqueue(rec)

	return <-rec.resultCh
}

func combinePrompt(prompt, trainingData, knowledge string) string {
	var b strings.Builder
	if knowledge != "" {
		b.WriteString("Known context:\n")
		b.WriteString(knowledge)
		b.WriteString("\n\n")
	}
	if trainingData != "" {
		b.WriteString("Prior examples:\n")
		b.WriteString(trainingData)
		b.WriteString("\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}

func (r *Router) resolve(rec *requestRecord, text string) {
	rec.resolveOnce.Do(func() {
		rec.resultCh <- text
	})
	r.mu.Lock()
	delete(r.active, rec.id)
	r.mu.Unlock()
}

// placeAndEnqueue implements the candidate-building + Place call of
// spec.md §4.4, falling through to the embedded generator (fallback
// mode) or the technical-difficulties sentinel (normal mode, exhausted
// redistribution) when no worker is eligible.
func (r *Router) placeAndEnqueue(rec *requestRecord) {
	online := r.reg.Online()
	if len(online) == 0 {
		r.mu.RLock()
		fallbackOn := r.fallbackMode
		r.mu.RUnlock()
		if fallbackOn {
			r.resolve(rec, r.fallbackGen.Generate(rec.prompt))
		} else {
			r.resolve(rec, backendclient.SentinelTechDifficult)
		}
		return
	}

	candidates, allOnline := r.buildCandidates(online)
	worker := r.placementPol.Place(candidates, allOnline, rec.cls)
	if worker == nil {
		r.resolve(rec, backendclient.SentinelTechDifficult)
		return
	}

	r.mu.RLock()
	handle := r.handles[worker.ID]
	r.mu.RUnlock()
	if handle == nil {
		r.resolve(rec, backendclient.SentinelTechDifficult)
		return
	}
	handle.dispatcher.Enqueue(dispatch.Item{ID: rec.id, Value: rec})
}

func (r *Router) buildCandidates(online []*registry.Worker) ([]placement.Candidate, []placement.Candidate) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]placement.Candidate, 0, len(online))
	allOnline := make([]placement.Candidate, 0, len(online))
	for _, w := range online {
		h := r.handles[w.ID]
		if h == nil {
			continue
		}
		queueSize := h.queue.Len()
		inFlight := w.InFlight()
		c := placement.Candidate{Worker: w, QueueSize: queueSize, InFlight: inFlight}
		allOnline = append(allOnline, c)
		if queueSize+inFlight < w.Capacity()+w.MaxConcurrent() {
			candidates = append(candidates, c)
		}
	}
	return candidates, allOnline
}

// makeHandler builds the dispatch.Handler bound to one worker ID,
// implementing spec.md §4.8/§4.11's abort-registration and error-
// handling flow.
func (r *Router) makeHandler(workerID string) dispatch.Handler {
	return func(item dispatch.Item) {
		rec, ok := item.Value.(*requestRecord)
		if !ok {
			return
		}
		w, ok := r.reg.Get(workerID)
		if !ok {
			r.placeAndEnqueue(rec)
			return
		}

		ctx, cancelFn := context.WithCancel(context.Background())
		// aborted is scoped to this attempt: a re-routed attempt of the same
		// request starts with a fresh flag.
		var aborted atomic.Bool
		abort := func() {
			aborted.Store(true)
			cancelFn()
		}
		r.cancelMgr.Register(workerID, rec.id, abort)

		start := time.Now()
		result, err := r.backend.Generate(ctx, workerID, rec.prompt, rec.cls.EstimatedTokens)
		duration := time.Since(start)
		cancelFn()

		if err != nil {
			if aborted.Load() {
				// The cancellation manager already fired and is driving
				// re-routing via onCancellationTimeout; this attempt has
				// nothing further to do.
				return
			}
			r.cancelMgr.Deregister(rec.id)
			r.profiler.Record(w, duration, 0, false)
			w.MarkOffline()
			r.log.Warn().Str("worker", workerID).Err(err).Msg("🔌 worker transport failure, marking offline")
			r.redistribute(w)
			r.resolve(rec, backendclient.SentinelLearning)
			return
		}

		r.cancelMgr.Deregister(rec.id)
		r.profiler.Record(w, duration, result.EvalCount, true)
		r.placementPol.ObserveCompletionTokens(result.EvalCount)
		r.resolve(rec, result.Text)
	}
}

// onCancellationTimeout implements spec.md §4.8's timer-fire behavior:
// choose the highest-TPS online worker other than the current one and
// re-enqueue; if none exists, resolve with the timeout sentinel.
func (r *Router) onCancellationTimeout(workerID, requestID string) {
	r.mu.RLock()
	rec, ok := r.active[requestID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	for _, w := range r.reg.PriorityOrder() {
		if w.ID == workerID {
			continue
		}
		r.mu.RLock()
		handle := r.handles[w.ID]
		r.mu.RUnlock()
		if handle == nil {
			continue
		}
		handle.dispatcher.Enqueue(dispatch.Item{ID: rec.id, Value: rec})
		return
	}

	r.resolve(rec, backendclient.SentinelTimeout)
}

// redistribute implements spec.md §4.11's queue-redistribution-on-loss:
// drain the failed worker's queue, re-placing each item; exhausted
// placement resolves with the technical-difficulties sentinel.
func (r *Router) redistribute(w *registry.Worker) {
	r.mu.RLock()
	handle := r.handles[w.ID]
	r.mu.RUnlock()
	if handle == nil {
		return
	}
	items := handle.queue.Drain()
	if len(items) == 0 {
		return
	}
	r.log.Warn().Str("worker", w.ID).Int("count", len(items)).Msg("♻️ redistributing queue after worker loss")
	for _, item := range items {
		rec, ok := item.Value.(*requestRecord)
		if !ok {
			continue
		}
		r.placeAndEnqueue(rec)
	}
}

// AvailableModels returns the sorted unique union of model names
// reported by every online worker's /api/tags, per spec.md §6.
func (r *Router) AvailableModels(ctx context.Context) []string {
	seen := make(map[string]struct{})
	for _, w := range r.reg.Online() {
		names, err := r.backend.AvailableModels(ctx, w.ID)
		if err != nil {
			continue
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ChangeModel implements spec.md §6's changeModel: switch the active
// candidate and re-benchmark every worker against it.
func (r *Router) ChangeModel(ctx context.Context, name string) ChangeModelResult {
	r.backend.SetCandidates([]string{name})
	r.benchmarker.SetModel(name)
	all := r.reg.All()
	r.benchmarker.All(ctx, all)
	return ChangeModelResult{
		Model:         name,
		WorkersOnline: len(r.reg.Online()),
		WorkersTotal:  len(all),
	}
}

// QueueHealth returns the per-worker observability row of spec.md §6.
func (r *Router) QueueHealth() []QueueHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]QueueHealth, 0, len(r.handles))
	for _, h := range r.handles {
		total := h.worker.Capacity() + h.worker.MaxConcurrent()
		size := h.queue.Len() + h.worker.InFlight()
		util := 0.0
		if total > 0 {
			util = float64(size) / float64(total)
		}
		out = append(out, QueueHealth{
			WorkerID:    h.worker.ID,
			QueueSize:   size,
			Capacity:    total,
			Utilization: util,
			Status:      statusBand(util),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

func statusBand(util float64) QueueHealthStatus {
	switch {
	case util >= 1.0:
		return StatusAtCapacity
	case util >= 0.75:
		return StatusHigh
	case util >= 0.4:
		return StatusModerate
	default:
		return StatusHealthy
	}
}

// Profiles returns every worker's current performance profile snapshot.
func (r *Router) Profiles() map[string]registry.Profile {
	out := make(map[string]registry.Profile)
	for _, w := range r.reg.All() {
		out[w.ID] = w.Profile()
	}
	return out
}

// Snapshots returns a consistent point-in-time view of every registered
// worker, for callers (the Control/Observability API) that need fields
// beyond the QueueHealth row.
func (r *Router) Snapshots() []registry.Snapshot {
	all := r.reg.All()
	out := make([]registry.Snapshot, 0, len(all))
	for _, w := range all {
		out = append(out, w.Snapshot())
	}
	return out
}

// Velocities returns every worker's current queue-growth velocity.
func (r *Router) Velocities() map[string]float64 {
	out := make(map[string]float64)
	for _, w := range r.reg.All() {
		out[w.ID] = w.Velocity()
	}
	return out
}

// PreWarmRecommendation is one donor→recipient suggestion surfaced for
// observability, distinct from the rebalancer's own automatic action.
type PreWarmRecommendation struct {
	DonorID     string
	RecipientID string
	Velocity    float64
}

// PreWarmRecommendations recomputes the pre-warm donor/recipient split
// read-only, for the Control/Observability API.
func (r *Router) PreWarmRecommendations() []PreWarmRecommendation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var donors, recipients []*workerHandle
	for _, h := range r.handles {
		if !h.worker.IsOnline() {
			continue
		}
		capacity := h.worker.Capacity()
		if capacity <= 0 {
			continue
		}
		v := h.worker.Velocity()
		remaining := float64(capacity - h.queue.Len())
		if v > r.cfg.PreWarmThreshold && (remaining <= 0 || remaining/v < 5.0) {
			donors = append(donors, h)
			continue
		}
		if float64(h.queue.Len())/float64(capacity) < 0.30 {
			recipients = append(recipients, h)
		}
	}

	var out []PreWarmRecommendation
	ri := 0
	for _, d := range donors {
		if ri >= len(recipients) {
			break
		}
		out = append(out, PreWarmRecommendation{
			DonorID:     d.worker.ID,
			RecipientID: recipients[ri].worker.ID,
			Velocity:    d.worker.Velocity(),
		})
		ri++
	}
	return out
}

// StrategyName reports the active placement strategy for observability.
func (r *Router) StrategyName() string {
	if r.cfg.UsePowerOfTwo {
		return "power-of-two-choices"
	}
	return "complexity-routing"
}

// FeatureToggles reports the advanced-feature toggle status of spec.md §6.
func (r *Router) FeatureToggles() map[string]bool {
	return map[string]bool{
		"power_of_two_choices": r.cfg.UsePowerOfTwo,
		"fallback_mode":        r.isFallbackMode(),
	}
}

func (r *Router) isFallbackMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbackMode
}
