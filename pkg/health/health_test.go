package health

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"llmrouter/pkg/benchmark"
	"llmrouter/pkg/registry"
)

type fakeChecker struct {
	reachable map[string]bool
}

func (f *fakeChecker) CheckReachable(ctx context.Context, baseURL string) error {
	if f.reachable[baseURL] {
		return nil
	}
	return context.DeadlineExceeded
}

type fakeProber struct {
	tps map[string]float64
}

func (f *fakeProber) Probe(ctx context.Context, baseURL string) (int, time.Duration, error) {
	tps, ok := f.tps[baseURL]
	if !ok || tps <= 0 {
		return 0, 0, context.DeadlineExceeded
	}
	return 100, time.Duration(float64(100) / tps * float64(time.Second)), nil
}

func TestScanRecoversReachableWorker(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	reg.Discover([]string{"recovering"}, nil, "")
	w, _ := reg.Get(registry.Canonicalize("recovering"))
	// worker starts offline (default NewWorker state).

	checker := &fakeChecker{reachable: map[string]bool{w.ID: true}}
	prober := &fakeProber{tps: map[string]float64{w.ID: 250}}
	bench := benchmark.New(prober, time.Second, "llama3", zerolog.Nop())

	var observed string
	mon := New(reg, checker, bench, time.Hour, time.Second, zerolog.Nop())
	mon.SetObserver(func(workerID string) { observed = workerID })

	mon.scan()

	require.True(t, w.IsOnline(), "worker should be online after a successful reachability check + benchmark")
	require.Equal(t, w.ID, observed)
}

func TestScanLeavesUnreachableWorkerOffline(t *testing.T) {
	reg := registry.New(zerolog.Nop())
	reg.Discover([]string{"dead"}, nil, "")
	w, _ := reg.Get(registry.Canonicalize("dead"))

	checker := &fakeChecker{reachable: map[string]bool{}}
	prober := &fakeProber{tps: map[string]float64{}}
	bench := benchmark.New(prober, time.Second, "llama3", zerolog.Nop())

	mon := New(reg, checker, bench, time.Hour, time.Second, zerolog.Nop())
	mon.scan()

	require.False(t, w.IsOnline(), "unreachable worker must stay offline")
}
