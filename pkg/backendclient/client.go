// Package backendclient implements the Backend Client of spec.md §4.11:
// HTTP invocation of the generation API, 404-triggered model-candidate
// rotation, a chat-endpoint fallback, and sentinel substitution for
// malformed/empty responses. Grounded on the wire-contract shape of
// spec.md §6 (no gRPC precedent applies — the teacher's worker RPC was
// dropped, see DESIGN.md); the retry-then-fallback control flow follows
// mazori-ai/modelgate's dispatcher error taxonomy, translated into this
// spec's Transport/HTTP/Timeout/Malformed categories (spec.md §7).
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sentinel response strings, stable and user-visible per spec.md §6.
const (
	SentinelLearning      = "I'm still learning. Please ask me again later!"
	SentinelInsufficient  = "I don't have enough information to answer that yet."
	SentinelTechDifficult = "I'm experiencing technical difficulties. Please try again later."
	SentinelTimeout       = "I'm taking too long to think. Let me try again."

	minAcceptableLength = 3
)

// ErrTransport is returned for connection failures, DNS errors, aborts,
// and 5xx-after-fallback — the Transport category of spec.md §7.
var ErrTransport = errors.New("backend transport failure")

// generateRequest mirrors the /api/generate wire body of spec.md §6.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop,omitempty"`
	NumGPU      int      `json:"num_gpu"`
	F16KV       bool     `json:"f16_kv"`
	LowVRAM     bool     `json:"low_vram"`
}

type generateResponse struct {
	Response      string `json:"response"`
	EvalCount     int    `json:"eval_count"`
	EvalDuration  int64  `json:"eval_duration"` // nanoseconds
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  generateOptions `json:"options"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	EvalCount    int   `json:"eval_count"`
	EvalDuration int64 `json:"eval_duration"`
}

// Result is the outcome of a successful Generate call.
type Result struct {
	Text         string
	EvalCount    int
	EvalDuration time.Duration
}

// ModelChangeObserver is notified exactly once per successful 404 rotation.
type ModelChangeObserver func(oldModel, newModel string)

// Client issues generation requests against one worker's base URL.
type Client struct {
	httpClient *http.Client
	log        zerolog.Logger

	mu         sync.Mutex
	candidates []string
	modelIdx   int
	observer   ModelChangeObserver
}

// New creates a Client with a model-candidate list (spec.md's LLM_MODELS).
// If candidates is empty, the single model name is used with no rotation.
func New(candidates []string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if len(candidates) == 0 {
		candidates = []string{"llama3"}
	}
	return &Client{
		httpClient: httpClient,
		log:        log.With().Str("component", "backendclient").Logger(),
		candidates: candidates,
	}
}

// SetModelChangeObserver registers the callback for candidate rotation.
func (c *Client) SetModelChangeObserver(obs ModelChangeObserver) {
	c.mu.Lock()
	c.observer = obs
	c.mu.Unlock()
}

// CurrentModel returns the active model-candidate name.
func (c *Client) CurrentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.candidates[c.modelIdx]
}

// SetCandidates replaces the model-candidate list wholesale and resets
// the rotation index, for an explicit model change request (as opposed
// to 404-triggered rotation among a fixed list).
func (c *Client) SetCandidates(models []string) {
	if len(models) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = models
	c.modelIdx = 0
}

// Generate issues the full request lifecycle of spec.md §4.11 against
// baseURL: POST /api/generate, 404→rotate+retry once, any other non-2xx
// after retry→/api/chat fallback, transport failures surfaced as
// ErrTransport so the dispatcher can mark the worker offline and
// redistribute its queue (spec.md §4.11's error handling).
func (c *Client) Generate(ctx context.Context, baseURL, prompt string, estimatedTokens int) (Result, error) {
	model := c.CurrentModel()

	resp, err := c.generateOnce(ctx, baseURL, model, prompt, estimatedTokens)
	if err != nil {
		var herr *httpStatusError
		if errors.As(err, &herr) && herr.status == http.StatusNotFound {
			rotated := c.rotateModel(model)
			resp, err = c.generateOnce(ctx, baseURL, rotated, prompt, estimatedTokens)
		}
	}
	if err != nil {
		chatResp, chatErr := c.chatOnce(ctx, baseURL, c.CurrentModel(), prompt, estimatedTokens)
		if chatErr != nil {
			return Result{}, fmt.Errorf("%w: %v (generate), %v (chat fallback)", ErrTransport, err, chatErr)
		}
		return acceptOrSentinel(chatResp.Message.Content, chatResp.EvalCount, chatResp.EvalDuration), nil
	}

	return acceptOrSentinel(resp.Response, resp.EvalCount, resp.EvalDuration), nil
}

// rotateModel advances to the next candidate (wrapping) and notifies the
// observer exactly once, per spec.md's "404 fallback" scenario.
func (c *Client) rotateModel(current string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candidates[c.modelIdx] != current {
		// Someone else already rotated past `current`; use the live one.
		return c.candidates[c.modelIdx]
	}
	old := c.candidates[c.modelIdx]
	c.modelIdx = (c.modelIdx + 1) % len(c.candidates)
	next := c.candidates[c.modelIdx]
	obs := c.observer
	if obs != nil {
		go obs(old, next)
	}
	c.log.Info().Str("old_model", old).Str("new_model", next).Msg("🔄 rotated model candidate after 404")
	return next
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.status) }

func (c *Client) generateOnce(ctx context.Context, baseURL, model, prompt string, estimatedTokens int) (*generateResponse, error) {
	body := generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0,
			NumPredict:  estimatedTokens,
			NumGPU:      99,
			F16KV:       true,
			LowVRAM:     false,
		},
	}
	var out generateResponse
	if err := c.post(ctx, baseURL+"/api/generate", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) chatOnce(ctx context.Context, baseURL, model, prompt string, estimatedTokens int) (*chatResponse, error) {
	body := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
		Options: generateOptions{
			Temperature: 0,
			NumPredict:  estimatedTokens,
			NumGPU:      99,
			F16KV:       true,
			LowVRAM:     false,
		},
	}
	var out chatResponse
	if err := c.post(ctx, baseURL+"/api/chat", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, url string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, or context cancellation (abort)
		// all surface here — the Transport category of spec.md §7.
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &httpStatusError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	return nil
}

// acceptOrSentinel implements spec.md §7's "malformed response" rule: a
// success must carry at least one non-empty text field; empty or
// too-short output is replaced with the insufficient-information
// sentinel rather than treated as a worker-health failure.
func acceptOrSentinel(text string, evalCount int, evalDurationNs int64) Result {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < minAcceptableLength {
		return Result{Text: SentinelInsufficient, EvalCount: evalCount, EvalDuration: time.Duration(evalDurationNs)}
	}
	return Result{Text: trimmed, EvalCount: evalCount, EvalDuration: time.Duration(evalDurationNs)}
}

// Probe issues a minimal benchmarking generation and returns raw timing
// fields for pkg/benchmark to derive TPS from, per spec.md §4.2.
func (c *Client) Probe(ctx context.Context, baseURL string) (evalCount int, evalDuration time.Duration, err error) {
	req := generateRequest{
		Model:  c.CurrentModel(),
		Prompt: "Say OK.",
		Stream: false,
		Options: generateOptions{
			Temperature: 0,
			NumPredict:  10,
			NumGPU:      99,
			F16KV:       true,
			LowVRAM:     false,
		},
	}
	var out generateResponse
	if err := c.post(ctx, baseURL+"/api/generate", req, &out); err != nil {
		return 0, 0, err
	}
	if out.EvalCount <= 0 || out.EvalDuration <= 0 {
		return 0, 0, fmt.Errorf("%w: probe missing timing fields", ErrTransport)
	}
	return out.EvalCount, time.Duration(out.EvalDuration), nil
}

// CheckReachable issues GET /api/tags with the given timeout — used by
// the Health Monitor (spec.md §4.10).
func (c *Client) CheckReachable(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}
	return nil
}

// AvailableModels parses GET /api/tags' {models:[{name}]} body.
func (c *Client) AvailableModels(ctx context.Context, baseURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode tags: %v", ErrTransport, err)
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
