package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"llmrouter/pkg/registry"
)

func TestDispatcherRespectsMaxConcurrent(t *testing.T) {
	w := registry.NewWorker("http://worker:11434")
	w.SetBenchmarkResult(100, "m") // derives maxConcurrent=2 per spec.md §4.4's 100<=tps<200 band... actually 100 hits the tps>=100 branch base=2
	queue := NewQueue()

	var mu sync.Mutex
	inflightSeen := 0
	maxSeen := 0
	release := make(chan struct{})

	handler := func(item Item) {
		mu.Lock()
		inflightSeen++
		if inflightSeen > maxSeen {
			maxSeen = inflightSeen
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inflightSeen--
		mu.Unlock()
	}

	d := New(w, queue, handler, nil, zerolog.Nop())
	d.Start()
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Enqueue(Item{ID: string(rune('a' + i))})
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	got := maxSeen
	mu.Unlock()
	if got > w.MaxConcurrent() {
		t.Fatalf("observed %d concurrent dispatches, want <= maxConcurrent=%d", got, w.MaxConcurrent())
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
}

func TestDispatcherOnIdleFiresWhenDrained(t *testing.T) {
	w := registry.NewWorker("http://worker:11434")
	w.SetBenchmarkResult(500, "m")
	queue := NewQueue()

	var idleCount int32
	var mu sync.Mutex
	idleCh := make(chan struct{}, 1)

	handler := func(item Item) {}
	onIdle := func() {
		mu.Lock()
		idleCount++
		mu.Unlock()
		select {
		case idleCh <- struct{}{}:
		default:
		}
	}

	d := New(w, queue, handler, onIdle, zerolog.Nop())
	d.Start()
	defer d.Stop()

	d.Enqueue(Item{ID: "1"})

	select {
	case <-idleCh:
	case <-time.After(time.Second):
		t.Fatal("onIdle was not invoked after queue drained to empty with zero in-flight")
	}

	mu.Lock()
	defer mu.Unlock()
	if idleCount == 0 {
		t.Fatal("expected onIdle to fire at least once")
	}
}

func TestDispatcherSuppressesOnIdleWhenWorkerOffline(t *testing.T) {
	w := registry.NewWorker("http://worker:11434")
	w.MarkOffline() // never benchmarked online: simulates a worker that just failed
	queue := NewQueue()

	var idleCount int32
	var mu sync.Mutex

	handler := func(item Item) {}
	onIdle := func() {
		mu.Lock()
		idleCount++
		mu.Unlock()
	}

	d := New(w, queue, handler, onIdle, zerolog.Nop())
	d.Start()
	defer d.Stop()

	d.Enqueue(Item{ID: "1"})
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if idleCount != 0 {
		t.Fatalf("onIdle fired %d times for an offline worker; it must never steal into a dead worker's queue", idleCount)
	}
}
