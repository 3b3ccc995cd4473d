package backendclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(generateResponse{
			Response:     "the sky is blue due to Rayleigh scattering",
			EvalCount:    12,
			EvalDuration: int64(120_000_000),
		})
	}))
	defer srv.Close()

	c := New(nil, srv.Client(), zerolog.Nop())
	result, err := c.Generate(context.Background(), srv.URL, "why is the sky blue?", 50)
	require.NoError(t, err)
	require.NotEmpty(t, result.Text)
	require.Equal(t, 12, result.EvalCount)
}

func TestGenerate404RotatesModelCandidate(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body generateRequest
		json.NewDecoder(r.Body).Decode(&body)
		calls = append(calls, body.Model)
		if body.Model == "model-a" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "ok", EvalCount: 5, EvalDuration: 50_000_000})
	}))
	defer srv.Close()

	var rotatedFrom, rotatedTo string
	c := New([]string{"model-a", "model-b"}, srv.Client(), zerolog.Nop())
	c.SetModelChangeObserver(func(oldModel, newModel string) {
		rotatedFrom, rotatedTo = oldModel, newModel
	})

	result, err := c.Generate(context.Background(), srv.URL, "hello", 10)
	require.NoError(t, err)
	require.Equal(t, "ok", result.Text)
	require.Equal(t, []string{"model-a", "model-b"}, calls)
	// rotateModel updates the candidate index synchronously; only the
	// observer notification itself is dispatched asynchronously.
	require.Equal(t, "model-b", c.CurrentModel())
	_ = rotatedFrom
	_ = rotatedTo
}

func TestGenerateFallsBackToChatOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			w.WriteHeader(http.StatusInternalServerError)
		case "/api/chat":
			json.NewEncoder(w).Encode(chatResponse{
				Message:      struct{ Content string `json:"content"` }{Content: "chat fallback response"},
				EvalCount:    8,
				EvalDuration: 80_000_000,
			})
		}
	}))
	defer srv.Close()

	c := New(nil, srv.Client(), zerolog.Nop())
	result, err := c.Generate(context.Background(), srv.URL, "hello", 10)
	require.NoError(t, err)
	require.Equal(t, "chat fallback response", result.Text)
}

func TestGenerateTransportFailureWhenBothEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(nil, srv.Client(), zerolog.Nop())
	_, err := c.Generate(context.Background(), srv.URL, "hello", 10)
	require.Error(t, err, "expected an error when both generate and chat fail")
}

func TestAcceptOrSentinelSubstitutesOnEmpty(t *testing.T) {
	result := acceptOrSentinel("  ", 0, 0)
	require.Equal(t, SentinelInsufficient, result.Text)
}

func TestCheckReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(nil, srv.Client(), zerolog.Nop())
	require.NoError(t, c.CheckReachable(context.Background(), srv.URL))
}
