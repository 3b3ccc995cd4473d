package classify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyYesNo(t *testing.T) {
	cls := Classify("Is the sky blue?")
	require.Equal(t, KindYesNo, cls.Kind)
	require.Equal(t, ComplexitySimple, cls.Complexity)
	require.Equal(t, 10, cls.EstimatedTokens)
}

func TestClassifyMath(t *testing.T) {
	cls := Classify("What is 12 * 7?")
	require.Equal(t, KindMath, cls.Kind)
	require.Equal(t, ComplexityMedium, cls.Complexity)
	require.Equal(t, 30, cls.EstimatedTokens)
}

func TestClassifyDefinition(t *testing.T) {
	cls := Classify("Define entropy")
	require.Equal(t, KindDefinition, cls.Kind)
	require.Equal(t, ComplexitySimple, cls.Complexity)
	require.Equal(t, 25, cls.EstimatedTokens)
}

func TestClassifyComplex(t *testing.T) {
	cls := Classify("Why is the sky blue?")
	require.Equal(t, KindComplex, cls.Kind)
	require.Equal(t, ComplexityHigh, cls.Complexity)
	require.Equal(t, 100, cls.EstimatedTokens)
}

func TestClassifyLongFallsToComplex(t *testing.T) {
	long := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen"
	cls := Classify(long)
	require.Equal(t, ComplexityHigh, cls.Complexity, "word count > 15 rule")
}

func TestClassifyGeneralDefault(t *testing.T) {
	cls := Classify("The weather today")
	require.Equal(t, KindGeneral, cls.Kind)
	require.Equal(t, ComplexityMedium, cls.Complexity)
	require.Equal(t, 50, cls.EstimatedTokens)
}

func TestClassifyIdempotent(t *testing.T) {
	a := Classify("Why does ice float?")
	b := Classify("Why does ice float?")
	require.Equal(t, a, b)
}

func TestCacheReturnsSameResultAndEvicts(t *testing.T) {
	c := NewCache(2)
	first := c.Classify("Is water wet?")
	second := c.Classify("Is water wet?")
	require.Equal(t, first, second)
	require.Equal(t, 1, c.Len(), "repeated lookup should not grow the cache")

	c.Classify("prompt two")
	c.Classify("prompt three") // evicts "Is water wet?" under FIFO bound of 2
	require.Equal(t, 2, c.Len())
}
