package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"llmrouter/pkg/config"
)

// newFakeBackend starts an httptest server implementing enough of the
// Ollama wire contract (spec.md §6) for a full router lifecycle test:
// /api/generate, /api/tags.
func newFakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"response":      "the sky is blue because of Rayleigh scattering",
			"eval_count":    20,
			"eval_duration": int64(100 * time.Millisecond),
		})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{{"name": "llama3"}},
		})
	})
	return httptest.NewServer(mux)
}

func testConfig(hosts []string) *config.Config {
	return &config.Config{
		OllamaHosts:           hosts,
		OllamaRequired:        false,
		Models:                []string{"llama3"},
		DefaultModel:          "llama3",
		RouterPort:            0,
		TPSPerPerson:          100,
		PowerOfTwoExponent:    1.5,
		TargetLatencyMs:       3000,
		UsePowerOfTwo:         true,
		RebalanceInterval:     time.Hour, // disable automatic ticks during the test
		PreWarmThreshold:      2.0,
		CancellationTimeoutMs: 15000,
		BenchmarkTimeout:      2 * time.Second,
		HealthCheckInterval:   time.Hour,
		HealthCheckTimeout:    2 * time.Second,
	}
}

func TestRouterGenerateEndToEnd(t *testing.T) {
	srv := newFakeBackend(t)
	defer srv.Close()

	cfg := testConfig([]string{srv.URL})
	rt := New(cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	got := rt.Generate("Why is the sky blue?", "", "")
	require.NotEmpty(t, got)
}

func TestRouterAvailableModels(t *testing.T) {
	srv := newFakeBackend(t)
	defer srv.Close()

	cfg := testConfig([]string{srv.URL})
	rt := New(cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	models := rt.AvailableModels(context.Background())
	require.Equal(t, []string{"llama3"}, models)
}

func TestRouterFallbackModeWhenNoWorkersReachable(t *testing.T) {
	cfg := testConfig([]string{"http://127.0.0.1:1"}) // nothing listens here
	rt := New(cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Start(ctx), "should not error when OLLAMA_REQUIRED is false")
	defer rt.Stop()

	got := rt.Generate("hello", "", "")
	require.NotEmpty(t, got, "fallback-mode Generate() must never return empty")
}

func TestRouterFatalWhenRequiredAndUnreachable(t *testing.T) {
	cfg := testConfig([]string{"http://127.0.0.1:1"})
	cfg.OllamaRequired = true
	rt := New(cfg, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, rt.Start(ctx), "should error when OLLAMA_REQUIRED is set and no worker is reachable")
}

func TestQueueHealthStatusBands(t *testing.T) {
	require.Equal(t, StatusHealthy, statusBand(0.1))
	require.Equal(t, StatusModerate, statusBand(0.5))
	require.Equal(t, StatusHigh, statusBand(0.8))
	require.Equal(t, StatusAtCapacity, statusBand(1.0))
}
