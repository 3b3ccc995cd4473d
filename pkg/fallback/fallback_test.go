package fallback

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestGenerateNeverEmpty(t *testing.T) {
	g := New(zerolog.Nop())
	got := g.Generate("what is the capital of France?")
	require.NotEmpty(t, strings.TrimSpace(got), "fallback generator must never return an empty response")
}

func TestTruncateLongPrompt(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := truncate(long, 80)
	require.LessOrEqual(t, len(got), 83, "80 bytes + 3-byte ellipsis") // 80 bytes + 3-byte ellipsis
}
