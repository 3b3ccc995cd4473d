package cancel

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRegisterFiresTimeoutAndAborts(t *testing.T) {
	var mu sync.Mutex
	aborted := false
	var firedWorker, firedReq string
	done := make(chan struct{})

	m := New(5000, func(workerID, requestID string) {
		mu.Lock()
		firedWorker, firedReq = workerID, requestID
		mu.Unlock()
		close(done)
	}, zerolog.Nop())
	m.timeoutMs = 20 // override the clamped default for a fast test

	m.Register("worker-a", "req-1", func() {
		mu.Lock()
		aborted = true
		mu.Unlock()
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onTimeout was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.True(t, aborted, "abort callback was not invoked on timeout")
	require.Equal(t, "worker-a", firedWorker)
	require.Equal(t, "req-1", firedReq)
}

func TestDeregisterPreventsFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	m := New(5000, func(workerID, requestID string) {
		fired <- struct{}{}
	}, zerolog.Nop())
	m.timeoutMs = 20

	m.Register("worker-a", "req-1", func() {})
	m.Deregister("req-1")

	select {
	case <-fired:
		t.Fatal("onTimeout fired after Deregister")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReRegisterReplacesPriorTimer(t *testing.T) {
	fireCount := 0
	var mu sync.Mutex
	done := make(chan struct{})

	m := New(5000, func(workerID, requestID string) {
		mu.Lock()
		fireCount++
		mu.Unlock()
		close(done)
	}, zerolog.Nop())
	m.timeoutMs = 30

	m.Register("worker-a", "req-1", func() {})
	m.Register("worker-b", "req-1", func() {}) // re-routed attempt, fresh timer

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onTimeout was never invoked after re-registration")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, fireCount, "old timer must not also fire")
}

func TestTimeoutClamping(t *testing.T) {
	m := New(1, nil, zerolog.Nop())
	require.Equal(t, 5000, m.timeoutMs)
	m2 := New(1000000, nil, zerolog.Nop())
	require.Equal(t, 60000, m2.timeoutMs)
}
