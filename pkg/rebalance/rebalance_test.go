package rebalance

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"llmrouter/pkg/dispatch"
)

// fakeHandle is a minimal in-memory Handle for exercising the rebalancer
// without a real dispatcher/worker.
type fakeHandle struct {
	id       string
	online   bool
	capacity int
	velocity float64
	items    []dispatch.Item
}

func (f *fakeHandle) ID() string    { return f.id }
func (f *fakeHandle) Online() bool  { return f.online }
func (f *fakeHandle) QueueLen() int { return len(f.items) }
func (f *fakeHandle) Capacity() int { return f.capacity }
func (f *fakeHandle) Velocity() float64 { return f.velocity }
func (f *fakeHandle) RecordQueueSample(size int, now time.Time) {}
func (f *fakeHandle) StealTail() (dispatch.Item, bool) {
	if len(f.items) == 0 {
		return dispatch.Item{}, false
	}
	last := f.items[len(f.items)-1]
	f.items = f.items[:len(f.items)-1]
	return last, true
}
func (f *fakeHandle) Accept(item dispatch.Item) {
	f.items = append(f.items, item)
}

func TestWorkStealMovesOneItemFromBusiestDonor(t *testing.T) {
	donor := &fakeHandle{id: "donor", online: true, capacity: 10, items: []dispatch.Item{{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}}}
	recipient := &fakeHandle{id: "recipient", online: true, capacity: 10}

	r := New(DefaultConfig(), func() []Handle { return []Handle{donor, recipient} }, zerolog.Nop())
	r.workSteal([]Handle{donor, recipient})

	require.Len(t, recipient.items, 1)
	require.Len(t, donor.items, 3)
}

func TestWorkStealNoOpWhenNoIdleWorkers(t *testing.T) {
	a := &fakeHandle{id: "a", online: true, capacity: 10, items: []dispatch.Item{{ID: "1"}}}
	b := &fakeHandle{id: "b", online: true, capacity: 10, items: []dispatch.Item{{ID: "2"}}}

	r := New(DefaultConfig(), func() []Handle { return []Handle{a, b} }, zerolog.Nop())
	r.workSteal([]Handle{a, b})

	require.Len(t, a.items, 1, "no idle workers present, queues should be untouched")
	require.Len(t, b.items, 1, "no idle workers present, queues should be untouched")
}

func TestPreWarmMovesUpToMaxFromFastDonor(t *testing.T) {
	donor := &fakeHandle{id: "donor", online: true, capacity: 10, velocity: 3.0, items: []dispatch.Item{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	recipient := &fakeHandle{id: "recipient", online: true, capacity: 10}

	cfg := DefaultConfig()
	r := New(cfg, func() []Handle { return []Handle{donor, recipient} }, zerolog.Nop())
	r.preWarm([]Handle{donor, recipient})

	require.Len(t, recipient.items, cfg.PreWarmMaxMove)
}

func TestOnIdleStealPullsFromBusiestPeer(t *testing.T) {
	self := &fakeHandle{id: "self", online: true, capacity: 10}
	busy := &fakeHandle{id: "busy", online: true, capacity: 10, items: []dispatch.Item{{ID: "1"}, {ID: "2"}}}
	idle := &fakeHandle{id: "idle", online: true, capacity: 10}

	OnIdleSteal(self, []Handle{self, busy, idle})

	require.Len(t, self.items, 1, "self should have stolen one item")
	require.Len(t, busy.items, 1, "busiest peer should have given up one item")
}

func TestOnIdleStealNoOpWhenSelfOffline(t *testing.T) {
	self := &fakeHandle{id: "self", online: false}
	busy := &fakeHandle{id: "busy", online: true, capacity: 10, items: []dispatch.Item{{ID: "1"}, {ID: "2"}}}

	OnIdleSteal(self, []Handle{self, busy})

	require.Len(t, self.items, 0, "an offline worker must never steal a healthy peer's queue")
	require.Len(t, busy.items, 2, "healthy peer's queue must be untouched when self is offline")
}
