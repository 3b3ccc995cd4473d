package dispatch

import (
	"sync"

	"github.com/rs/zerolog"

	"llmrouter/pkg/registry"
)

// Handler processes one dispatched item. It must not block indefinitely —
// cancellation/timeouts are the caller's (backend client's) concern.
type Handler func(Item)

// OnIdle is invoked when a dispatcher's queue drains to empty with zero
// in-flight requests — the work-stealing on-idle hook of spec.md §4.6.
type OnIdle func()

// Dispatcher runs the concurrency-limited dispatch loop for one worker,
// per spec.md §4.5. Grounded on the teacher's pkg/worker/batcher.go
// (Start/Stop/Signal/notify-channel loop), adapted from batch-collection
// to single-item, concurrency-limited dispatch: no waiting for a batch to
// fill, just "pop while inFlight < maxConcurrent."
type Dispatcher struct {
	worker  *registry.Worker
	queue   *Queue
	handler Handler
	onIdle  OnIdle
	log     zerolog.Logger

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher for worker, draining queue through handler.
func New(worker *registry.Worker, queue *Queue, handler Handler, onIdle OnIdle, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		worker:  worker,
		queue:   queue,
		handler: handler,
		onIdle:  onIdle,
		log:     log.With().Str("component", "dispatcher").Str("worker", worker.ID).Logger(),
		notify:  make(chan struct{}, 256),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the dispatch loop in a background goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop signals the loop to exit and waits for the loop goroutine to
// return. Handler goroutines already launched are not waited for, and
// in-flight HTTP calls are not cancelled — that's the Cancellation
// Manager's job.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Enqueue appends an item to the queue and triggers a dispatch attempt —
// "triggered on every enqueue" per spec.md §4.5.
func (d *Dispatcher) Enqueue(item Item) {
	d.queue.PushBack(item)
	d.Signal()
}

// Signal requests a dispatch attempt, non-blocking — mirrors the
// teacher's Batcher.Signal (a buffered channel the loop drains, dropping
// redundant wakeups rather than blocking the caller).
func (d *Dispatcher) Signal() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// QueueLen exposes the current queue depth for observability and
// placement candidate filtering.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.notify:
			d.tryDispatchOne()
		}
	}
}

// tryDispatchOne pops at most one item and launches it concurrently,
// re-arming Signal so that concurrency keeps filling up to maxConcurrent
// (spec.md §4.5: "on each launch it also schedules another dispatch
// attempt").
func (d *Dispatcher) tryDispatchOne() {
	if d.worker.InFlight() >= d.worker.MaxConcurrent() {
		return
	}
	item, ok := d.queue.PopFront()
	if !ok {
		return
	}

	d.worker.IncInFlight()
	d.Signal()

	go func() {
		d.handler(item)
		d.worker.DecInFlight()

		if d.queue.Len() == 0 && d.worker.InFlight() == 0 {
			// An offline worker is not "idle" in the work-stealing sense —
			// firing onIdle here would have it steal a healthy peer's queue
			// only to fail those requests too (spec.md §4.6 assumes a
			// healthy, idle worker pulling more work).
			if d.onIdle != nil && d.worker.IsOnline() {
				d.onIdle()
			}
			return
		}
		d.Signal()
	}()
}
