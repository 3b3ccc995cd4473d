// Command simbackend is a standalone Ollama-wire-contract test double:
// it exposes /api/generate, /api/chat, /api/tags, and /api/ps with the
// JSON shapes spec.md §6 defines, simulating a backend of a given
// hardware tier (gpu/accelerator/cpu) rather than actually running
// inference. Grounded on the teacher's pkg/worker/executor/simulation.go
// (SimulatedGPU: sleep-based latency scaling plus real CPU matrix work
// to produce genuine load) and pkg/worker/metrics.go's simulation loop,
// adapted from the teacher's batch-oriented GPU simulation to a
// single-request-per-call HTTP handler matching this spec's wire
// contract instead of a gRPC batch inference call.
package main

import (
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// tierProfile describes one simulated hardware tier's throughput
// envelope, modeled after the spec's TPS tiers (≥400 / 200-400 / 50-200 / <50).
type tierProfile struct {
	name       string
	baseTPS    float64
	jitter     float64 // fractional +/- randomization applied per request
	matrixSize int      // CPU work performed per request, scaling apparent latency
}

var tiers = map[string]tierProfile{
	"gpu":         {name: "gpu", baseTPS: 450, jitter: 0.10, matrixSize: 48},
	"accelerator": {name: "accelerator", baseTPS: 220, jitter: 0.15, matrixSize: 96},
	"cpu":         {name: "cpu", baseTPS: 40, jitter: 0.25, matrixSize: 192},
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options"`
}

type generateResponse struct {
	Model        string `json:"model"`
	Response     string `json:"response"`
	Done         bool   `json:"done"`
	EvalCount    int    `json:"eval_count"`
	EvalDuration int64  `json:"eval_duration"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options"`
}

type chatResponse struct {
	Model        string      `json:"model"`
	Message      chatMessage `json:"message"`
	Done         bool        `json:"done"`
	EvalCount    int         `json:"eval_count"`
	EvalDuration int64       `json:"eval_duration"`
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "simbackend").Logger()

	tierName := envOr("SIMBACKEND_TIER", "gpu")
	tier, ok := tiers[tierName]
	if !ok {
		log.Warn().Str("tier", tierName).Msg("🧪 unknown tier, defaulting to gpu")
		tier = tiers["gpu"]
	}
	modelName := envOr("SIMBACKEND_MODEL", "llama3")
	port := envOr("SIMBACKEND_PORT", "11434")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	sim := &simulator{tier: tier, model: modelName, log: log}
	engine.POST("/api/generate", sim.handleGenerate)
	engine.POST("/api/chat", sim.handleChat)
	engine.GET("/api/tags", sim.handleTags)
	engine.GET("/api/ps", sim.handlePS)

	log.Info().Str("tier", tier.name).Str("port", port).Msg("🧪 simulated backend listening")
	if err := engine.Run(":" + port); err != nil {
		log.Fatal().Err(err).Msg("🧪 simbackend exited")
	}
}

type simulator struct {
	tier  tierProfile
	model string
	log   zerolog.Logger
}

// respond runs the simulated generation: scales latency by requested
// token count and tier jitter, burns real CPU cycles via matrixWork so
// the process shows genuine load (not just a sleep), and returns the
// eval_count/eval_duration fields the Benchmarker and Backend Client
// depend on.
func (s *simulator) respond(numPredict int) (text string, evalCount int, evalDuration time.Duration) {
	if numPredict <= 0 {
		numPredict = 50
	}
	jittered := s.tier.baseTPS * (1 + (rand.Float64()*2-1)*s.tier.jitter)
	if jittered < 1 {
		jittered = 1
	}
	matrixWork(s.tier.matrixSize)

	duration := time.Duration(float64(numPredict) / jittered * float64(time.Second))
	time.Sleep(duration)

	return strings.Repeat("ok ", numPredict/3+1), numPredict, duration
}

func (s *simulator) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	numPredict := intOption(req.Options, "num_predict", 50)
	text, evalCount, dur := s.respond(numPredict)
	c.JSON(http.StatusOK, generateResponse{
		Model:        req.Model,
		Response:     text,
		Done:         true,
		EvalCount:    evalCount,
		EvalDuration: dur.Nanoseconds(),
	})
}

func (s *simulator) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	numPredict := intOption(req.Options, "num_predict", 50)
	text, evalCount, dur := s.respond(numPredict)
	c.JSON(http.StatusOK, chatResponse{
		Model:        req.Model,
		Message:      chatMessage{Role: "assistant", Content: text},
		Done:         true,
		EvalCount:    evalCount,
		EvalDuration: dur.Nanoseconds(),
	})
}

func (s *simulator) handleTags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models": []gin.H{
			{"name": s.model},
		},
	})
}

func (s *simulator) handlePS(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models": []gin.H{
			{"name": s.model, "tier": s.tier.name},
		},
	})
}

func intOption(options map[string]interface{}, key string, def int) int {
	if options == nil {
		return def
	}
	v, ok := options[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// matrixWork performs a real NxN matrix multiply, burning genuine CPU
// cycles proportional to size so the simulated backend's load is not
// merely a sleep — mirrors the teacher's SimulatedGPU design intent.
func matrixWork(size int) float64 {
	a := make([]float64, size*size)
	b := make([]float64, size*size)
	for i := range a {
		a[i] = rand.Float64()
		b[i] = rand.Float64()
	}
	sum := 0.0
	for i := 0; i < size; i++ {
		for j := 0; j < size; j++ {
			acc := 0.0
			for k := 0; k < size; k++ {
				acc += a[i*size+k] * b[k*size+j]
			}
			sum += math.Abs(acc)
		}
	}
	return sum
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
