package registry

import (
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const defaultOllamaPort = "11434"

// Registry owns the set of known workers and their canonical IDs. It is
// grounded on the teacher's Registry (pkg/router/registry.go): a
// sync.RWMutex-guarded map plus MarkFailed/MarkHealthy/GetAll/GetHealthy,
// adapted from gRPC connection bookkeeping to plain HTTP base URLs.
type Registry struct {
	log zerolog.Logger

	mu              sync.RWMutex
	workers         map[string]*Worker
	order           []string // insertion order, for deterministic priority-list building
	tpsPerPerson    float64
	targetLatencyMs float64
}

// New creates an empty Registry with default tuning; call SetTuning once
// config is loaded to override spec.md §4.4's tps-per-person/target-latency
// parameters.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:             log.With().Str("component", "registry").Logger(),
		workers:         make(map[string]*Worker),
		tpsPerPerson:    defaultTPSPerPerson,
		targetLatencyMs: defaultTargetLatencyMs,
	}
}

// SetTuning overrides the tpsPerPerson/targetLatencyMs parameters used to
// derive capacity/maxConcurrent for every currently registered worker, and
// for every worker discovered afterward (spec.md §5: every magic number in
// §4 is overridable via config, without recompiling).
func (r *Registry) SetTuning(tpsPerPerson, targetLatencyMs float64) {
	r.mu.Lock()
	r.tpsPerPerson = tpsPerPerson
	r.targetLatencyMs = targetLatencyMs
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	for _, w := range workers {
		w.SetTuning(tpsPerPerson, targetLatencyMs)
	}
}

// Discover resolves the worker host list from the three sources named in
// spec.md §4.1 (hard-coded defaults, OLLAMA_HOSTS, OLLAMA_HOST) plus local
// loopback, canonicalizes and deduplicates them, and registers each as a
// Worker. Returns the canonical IDs in discovery order.
func (r *Registry) Discover(hardcodedDefaults []string, hostsList []string, singleHost string) []string {
	seen := make(map[string]bool)
	var ids []string

	add := func(raw string) {
		if raw == "" {
			return
		}
		id := Canonicalize(raw)
		if seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	for _, h := range hardcodedDefaults {
		add(h)
	}
	for _, h := range hostsList {
		add(h)
	}
	add(singleHost)
	add("localhost")

	r.mu.Lock()
	for _, id := range ids {
		if _, ok := r.workers[id]; !ok {
			w := NewWorker(id)
			w.SetTuning(r.tpsPerPerson, r.targetLatencyMs)
			r.workers[id] = w
			r.order = append(r.order, id)
		}
	}
	r.mu.Unlock()

	r.log.Info().Strs("workers", ids).Msg("🔎 discovered worker endpoints")
	return ids
}

// Canonicalize implements spec.md §4.1: prepend scheme if missing, append
// the default port if missing, strip any trailing slash.
func Canonicalize(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return strings.TrimSuffix(raw, "/")
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultOllamaPort
	}
	u.Host = host + ":" + port
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.Scheme + "://" + u.Host + u.Path
}

// HostsFromEnv reads OLLAMA_HOSTS and OLLAMA_HOST following spec.md §6.
func HostsFromEnv() (hosts []string, single string) {
	if v := os.Getenv("OLLAMA_HOSTS"); v != "" {
		for _, h := range strings.Split(v, ",") {
			h = strings.TrimSpace(h)
			if h != "" {
				hosts = append(hosts, h)
			}
		}
	}
	single = os.Getenv("OLLAMA_HOST")
	return
}

// Get returns the worker for a canonical ID, if registered.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// All returns every registered worker, in discovery order.
func (r *Registry) All() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// Online returns the subset of workers currently Online.
func (r *Registry) Online() []*Worker {
	all := r.All()
	out := make([]*Worker, 0, len(all))
	for _, w := range all {
		if w.IsOnline() {
			out = append(out, w)
		}
	}
	return out
}

// Offline returns the subset of workers currently Offline.
func (r *Registry) Offline() []*Worker {
	all := r.All()
	out := make([]*Worker, 0, len(all))
	for _, w := range all {
		if !w.IsOnline() {
			out = append(out, w)
		}
	}
	return out
}

// PriorityOrder returns online workers sorted by descending TPS, the
// ordering spec.md §4.2 requires benchmarking to establish for any
// subsequent priority list (e.g. cancellation re-routing, complexity
// routing's fastest/slowest picks).
func (r *Registry) PriorityOrder() []*Worker {
	workers := r.Online()
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].TPS() > workers[j].TPS()
	})
	return workers
}
