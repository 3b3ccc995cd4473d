// Package placement selects a destination worker for a new request,
// implementing spec.md §4.4: Power-of-Two choices as the primary
// strategy, complexity-based routing as the secondary strategy when P2C
// is unavailable, and a minimum-utilization saturation fallback. The
// weighted-sampling-among-top-N discipline is grounded on the teacher's
// pkg/router/scorer.go Score function and pkg/router/router.go
// pickBestWorker, generalized from "weighted random among top-3" to
// "sample two, pick the better."
package placement

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"llmrouter/pkg/classify"
	"llmrouter/pkg/registry"
)

// Config holds the tunables of spec.md §4.4.
type Config struct {
	UsePowerOfTwo      bool
	WeightedSampling   bool
	PowerOfTwoExponent float64 // default 1.5
}

// DefaultConfig mirrors spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		UsePowerOfTwo:      true,
		WeightedSampling:   true,
		PowerOfTwoExponent: 1.5,
	}
}

// Candidate is a worker snapshot plus its current queue size, as observed
// by the caller (placement itself never touches queues directly — the
// router passes in a consistent per-worker queueSize/inFlight view).
type Candidate struct {
	Worker    *registry.Worker
	QueueSize int
	InFlight  int
}

// Policy implements placement over a set of candidates. It tracks an EMA
// of observed output-token counts (avgTokensPerRequest) shared across all
// workers, per spec.md §4.4.
type Policy struct {
	cfg Config

	mu                  sync.Mutex
	avgTokensPerRequest float64
}

// New creates a placement Policy with the given config. avgTokensPerRequest
// starts at 50 (the spec's "general" default estimate) until real
// completions update it.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg, avgTokensPerRequest: 50}
}

// ObserveCompletionTokens updates the shared avgTokensPerRequest EMA
// (alpha=0.3) from one completed request's observed output token count.
func (p *Policy) ObserveCompletionTokens(tokens int) {
	const alpha = 0.3
	p.mu.Lock()
	defer p.mu.Unlock()
	p.avgTokensPerRequest = p.avgTokensPerRequest*(1-alpha) + float64(tokens)*alpha
}

func (p *Policy) avgTokens() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgTokensPerRequest
}

// Place selects a destination among candidates for a request classified
// as cls. candidates must already be filtered to Online workers with
// queueSize+inFlight < capacity+maxConcurrent by the caller — the
// "normal" candidate set of spec.md §4.4. If candidates is empty, Place
// falls through to the saturation fallback over allOnline.
func (p *Policy) Place(candidates []Candidate, allOnline []Candidate, cls classify.Classification) *registry.Worker {
	if len(candidates) == 0 {
		return p.saturationFallback(allOnline)
	}
	if len(candidates) == 1 {
		return candidates[0].Worker
	}

	// An unclassified request (zero-value Complexity) skips Power-of-Two
	// and goes straight to complexityRoute's default case.
	if p.cfg.UsePowerOfTwo && cls.Complexity != "" {
		if w := p.powerOfTwo(candidates, cls); w != nil {
			return w
		}
	}
	return p.complexityRoute(candidates, cls)
}

// powerOfTwo implements spec.md §4.4's primary strategy: sample two
// distinct candidates (optionally weighted by tps^exponent), compute each
// one's expected completion time, and return the smaller. Returns nil only
// if candidates is empty (callers already guard against len==0/1, but the
// guard is kept here so the function is safe to call directly from tests).
func (p *Policy) powerOfTwo(candidates []Candidate, cls classify.Classification) *registry.Worker {
	if len(candidates) == 0 {
		return nil
	}
	i, j := p.sampleTwoDistinct(candidates)
	a, b := candidates[i], candidates[j]

	avgTokens := p.avgTokens()
	ta := expectedCompletion(a, avgTokens, cls)
	tb := expectedCompletion(b, avgTokens, cls)
	if ta <= tb {
		return a.Worker
	}
	return b.Worker
}

// sampleTwoDistinct samples two distinct indices into candidates. When
// WeightedSampling is enabled, weights are tps^exponent; otherwise uniform.
// Per spec.md §8 property 7, exactly two distinct workers are sampled
// whenever at least two candidates exist.
func (p *Policy) sampleTwoDistinct(candidates []Candidate) (int, int) {
	n := len(candidates)
	if n < 2 {
		return 0, 0
	}

	if !p.cfg.WeightedSampling {
		i := rand.Intn(n)
		j := i
		for j == i {
			j = rand.Intn(n)
		}
		return i, j
	}

	weights := make([]float64, n)
	total := 0.0
	for k, c := range candidates {
		w := math.Pow(math.Max(c.Worker.TPS(), 1), p.cfg.PowerOfTwoExponent)
		weights[k] = w
		total += w
	}

	i := weightedPick(weights, total, -1)
	j := weightedPick(weights, total-weights[i], i)
	return i, j
}

func weightedPick(weights []float64, total float64, exclude int) int {
	if total <= 0 {
		for k := range weights {
			if k != exclude {
				return k
			}
		}
		return 0
	}
	r := rand.Float64() * total
	cum := 0.0
	for k, w := range weights {
		if k == exclude {
			continue
		}
		cum += w
		if r <= cum {
			return k
		}
	}
	for k := range weights {
		if k != exclude {
			return k
		}
	}
	return 0
}

// expectedCompletion computes t = ((queueSize+inFlight)*avgTokensPerRequest
// + estimatedTokens) / tps, per spec.md §4.4.
func expectedCompletion(c Candidate, avgTokens float64, cls classify.Classification) float64 {
	tps := c.Worker.TPS()
	if tps <= 0 {
		return math.MaxFloat64
	}
	queued := float64(c.QueueSize + c.InFlight)
	return (queued*avgTokens + float64(cls.EstimatedTokens)) / tps
}

// complexityRoute implements spec.md §4.4's secondary strategy: sort
// candidates by descending TPS, then prefer slowest-idle for simple,
// fastest-idle for high, middle-of-list for medium; fall through to the
// first idle candidate if the preferred one is busy, or the preferred
// candidate itself if none are idle. An unclassified request (zero-value
// Complexity) hits the default case, which is "first idle candidate" —
// the resolution of spec.md §9's second open question.
func (p *Policy) complexityRoute(candidates []Candidate, cls classify.Classification) *registry.Worker {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Worker.TPS() > ranked[j].Worker.TPS()
	})

	idle := func(c Candidate) bool { return c.QueueSize == 0 && c.InFlight == 0 }

	firstIdle := func() *registry.Worker {
		for _, c := range ranked {
			if idle(c) {
				return c.Worker
			}
		}
		return nil
	}

	var preferred Candidate
	switch cls.Complexity {
	case classify.ComplexitySimple:
		preferred = ranked[len(ranked)-1] // slowest
	case classify.ComplexityHigh:
		preferred = ranked[0] // fastest
	case classify.ComplexityMedium:
		preferred = ranked[len(ranked)/2]
	default:
		if w := firstIdle(); w != nil {
			return w
		}
		return ranked[0].Worker
	}

	if idle(preferred) {
		return preferred.Worker
	}
	if w := firstIdle(); w != nil {
		return w
	}
	return preferred.Worker
}

// saturationFallback implements spec.md §4.4's last resort: when every
// worker exceeds its limit, pick the one with minimum queueSize/capacity.
func (p *Policy) saturationFallback(allOnline []Candidate) *registry.Worker {
	var best *registry.Worker
	bestRatio := math.MaxFloat64
	for _, c := range allOnline {
		workerCap := c.Worker.Capacity()
		if workerCap <= 0 {
			continue
		}
		ratio := float64(c.QueueSize) / float64(workerCap)
		if ratio < bestRatio {
			bestRatio = ratio
			best = c.Worker
		}
	}
	return best
}
