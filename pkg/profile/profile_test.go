package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmrouter/pkg/registry"
)

func TestRecordBelowThresholdDoesNotApplyProfile(t *testing.T) {
	p := New()
	w := registry.NewWorker("http://worker:11434")
	w.SetBenchmarkResult(300, "m")

	for i := 0; i < minSamplesForRecompute-1; i++ {
		p.Record(w, 100*time.Millisecond, 20, true)
	}
	require.Equal(t, 0, w.Profile().Samples, "profile should stay empty until threshold samples accumulate")
}

func TestRecordAppliesProfileAtThreshold(t *testing.T) {
	p := New()
	w := registry.NewWorker("http://worker:11434")
	w.SetBenchmarkResult(300, "m")

	for i := 0; i < minSamplesForRecompute; i++ {
		p.Record(w, 200*time.Millisecond, 20, true)
	}
	prof := w.Profile()
	require.Equal(t, minSamplesForRecompute, prof.Samples)
	require.Equal(t, 200.0, prof.AvgMs)
	require.Equal(t, 1.0, prof.SuccessRate)
}

func TestRecordMixedSuccessComputesRate(t *testing.T) {
	p := New()
	w := registry.NewWorker("http://worker:11434")
	w.SetBenchmarkResult(300, "m")

	for i := 0; i < 8; i++ {
		p.Record(w, 100*time.Millisecond, 20, true)
	}
	for i := 0; i < 2; i++ {
		p.Record(w, 100*time.Millisecond, 20, false)
	}
	require.Equal(t, 0.8, w.Profile().SuccessRate)
}

func TestPercentileMonotonic(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	p50 := percentile(sorted, 0.50)
	p95 := percentile(sorted, 0.95)
	p99 := percentile(sorted, 0.99)
	require.LessOrEqual(t, p50, p95)
	require.LessOrEqual(t, p95, p99)
}

func TestRingCapacityBounded(t *testing.T) {
	p := New()
	w := registry.NewWorker("http://worker:11434")
	w.SetBenchmarkResult(300, "m")

	for i := 0; i < ringCapacity+50; i++ {
		p.Record(w, time.Millisecond, 1, true)
	}
	p.mu.Lock()
	n := len(p.rings[w.ID])
	p.mu.Unlock()
	require.Equal(t, ringCapacity, n, "ring length should be bounded")
}
