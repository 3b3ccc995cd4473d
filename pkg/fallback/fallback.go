// Package fallback provides the embedded CPU-only generator used when
// the whole worker pool is unreachable and OLLAMA_REQUIRED is not set,
// per spec.md §1's "external collaborators" framing and §7's startup
// error path. It is deliberately trivial: a real embedded model is out
// of scope for this router, so this is a canned-response stand-in that
// satisfies the Router public API's "never rejects" contract.
package fallback

import (
	"strings"

	"github.com/rs/zerolog"
)

// Generator answers prompts with a fixed, slightly-templated response
// when no backend worker is reachable.
type Generator struct {
	log zerolog.Logger
}

// New creates a fallback Generator.
func New(log zerolog.Logger) *Generator {
	return &Generator{log: log.With().Str("component", "fallback").Logger()}
}

// Generate returns a canned response, never an error, per the Router
// public API's never-rejects contract.
func (g *Generator) Generate(prompt string) string {
	g.log.Warn().Str("prompt", truncate(prompt, 80)).Msg("🪫 serving embedded fallback response, no workers reachable")
	return "I'm currently running without a connected model backend, so I can only offer a limited response. " +
		"Please check back once a worker comes online."
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "…"
}
