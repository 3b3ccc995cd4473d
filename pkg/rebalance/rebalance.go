// Package rebalance implements the Work-Stealing Rebalancer and the
// Velocity Tracker & Pre-Warmer of spec.md §4.6/§4.7. Grounded on the
// teacher's pkg/router/poller.go: a ticker loop with Start/Stop/stopCh/wg,
// reused here for both the rebalance tick and (via the same shape) the
// on-idle steal invoked out-of-band by the dispatcher.
package rebalance

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"llmrouter/pkg/dispatch"
)

// Handle is the narrow view a Worker exposes to the rebalancer — just
// enough to sample, steal, and accept, without the rebalancer reaching
// into dispatch or registry internals directly.
type Handle interface {
	ID() string
	Online() bool
	QueueLen() int
	Capacity() int
	Velocity() float64
	RecordQueueSample(size int, now time.Time)
	StealTail() (dispatch.Item, bool)
	Accept(item dispatch.Item)
}

// Provider returns the current set of worker handles.
type Provider func() []Handle

// Config holds the tunables of spec.md §4.6/§4.7.
type Config struct {
	TickInterval     time.Duration // default 500ms
	PreWarmThreshold float64       // default 2.0 items/sec
	PreWarmHorizon   time.Duration // default 5s
	PreWarmMaxMove   int           // default 2
	RecipientMaxUtil float64       // default 0.30
}

// DefaultConfig mirrors spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     500 * time.Millisecond,
		PreWarmThreshold: 2.0,
		PreWarmHorizon:   5 * time.Second,
		PreWarmMaxMove:   2,
		RecipientMaxUtil: 0.30,
	}
}

// Rebalancer runs the periodic work-stealing and pre-warming tick.
type Rebalancer struct {
	cfg      Config
	provider Provider
	log      zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Rebalancer backed by provider.
func New(cfg Config, provider Provider, log zerolog.Logger) *Rebalancer {
	return &Rebalancer{
		cfg:      cfg,
		provider: provider,
		log:      log.With().Str("component", "rebalancer").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the 500ms tick loop.
func (r *Rebalancer) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop halts the tick loop.
func (r *Rebalancer) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Rebalancer) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Rebalancer) tick() {
	workers := r.provider()
	now := time.Now()

	var online []Handle
	for _, w := range workers {
		if !w.Online() {
			continue
		}
		w.RecordQueueSample(w.QueueLen(), now)
		online = append(online, w)
	}

	r.preWarm(online)
	r.workSteal(online)
}

// workSteal implements spec.md §4.6 steps 2-3: idle workers pull one
// tail item each from the busiest donor with remaining items.
func (r *Rebalancer) workSteal(online []Handle) {
	var idle, donors []Handle
	for _, w := range online {
		if w.QueueLen() == 0 {
			idle = append(idle, w)
		} else {
			donors = append(donors, w)
		}
	}
	if len(idle) == 0 || len(donors) == 0 {
		return
	}
	sort.Slice(donors, func(i, j int) bool { return donors[i].QueueLen() > donors[j].QueueLen() })

	for _, recipient := range idle {
		donorIdx := -1
		for i, d := range donors {
			if d.QueueLen() > 0 {
				donorIdx = i
				break
			}
		}
		if donorIdx == -1 {
			break
		}
		donor := donors[donorIdx]
		item, ok := donor.StealTail()
		if !ok {
			continue
		}
		recipient.Accept(item)
		r.log.Debug().Str("from", donor.ID()).Str("to", recipient.ID()).Msg("🔀 work-stolen")
		resortDonors(donors)
	}
}

func resortDonors(donors []Handle) {
	sort.Slice(donors, func(i, j int) bool { return donors[i].QueueLen() > donors[j].QueueLen() })
}

// preWarm implements spec.md §4.7: donors are workers whose queue is
// growing fast enough to project saturation within the pre-warm horizon;
// recipients are workers under 30% capacity utilization. Up to
// PreWarmMaxMove items move per donor/recipient pair.
func (r *Rebalancer) preWarm(online []Handle) {
	var donors, recipients []Handle
	for _, w := range online {
		if isPreWarmDonor(w, r.cfg) {
			donors = append(donors, w)
			continue
		}
		if isUnderUtilized(w, r.cfg.RecipientMaxUtil) {
			recipients = append(recipients, w)
		}
	}
	if len(donors) == 0 || len(recipients) == 0 {
		return
	}

	ri := 0
	for _, donor := range donors {
		if ri >= len(recipients) {
			break
		}
		recipient := recipients[ri]
		moved := 0
		for moved < r.cfg.PreWarmMaxMove {
			item, ok := donor.StealTail()
			if !ok {
				break
			}
			recipient.Accept(item)
			moved++
		}
		if moved > 0 {
			r.log.Debug().Str("from", donor.ID()).Str("to", recipient.ID()).Int("moved", moved).Msg("🌡️ pre-warmed")
		}
		ri++
	}
}

func isPreWarmDonor(w Handle, cfg Config) bool {
	v := w.Velocity()
	if v <= cfg.PreWarmThreshold {
		return false
	}
	capacity := w.Capacity()
	if capacity <= 0 {
		return false
	}
	remaining := float64(capacity - w.QueueLen())
	if remaining <= 0 {
		return true
	}
	timeToFull := remaining / v
	return timeToFull < cfg.PreWarmHorizon.Seconds()
}

func isUnderUtilized(w Handle, maxUtil float64) bool {
	capacity := w.Capacity()
	if capacity <= 0 {
		return false
	}
	util := float64(w.QueueLen()) / float64(capacity)
	return util < maxUtil
}

// OnIdleSteal implements the on-idle hook of spec.md §4.6: invoked when a
// dispatcher drains its worker's queue to empty with zero in-flight
// requests, it finds the peer with the largest queue and steals one
// tail item to self.
func OnIdleSteal(self Handle, peers []Handle) {
	if !self.Online() {
		return
	}
	var busiest Handle
	best := 0
	for _, p := range peers {
		if p.ID() == self.ID() {
			continue
		}
		if p.QueueLen() > best {
			best = p.QueueLen()
			busiest = p
		}
	}
	if busiest == nil {
		return
	}
	item, ok := busiest.StealTail()
	if !ok {
		return
	}
	self.Accept(item)
}
