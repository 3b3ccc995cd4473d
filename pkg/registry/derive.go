package registry

import "math"

// deriveCapacity implements spec.md §4.4's capacity formula. It is a pure
// function of (tps, adaptiveMultiplier, successRate, tpsPerPerson) per the
// testable property in spec.md §8.
func deriveCapacity(tps, adaptiveMultiplier, successRate, tpsPerPerson float64) int {
	if tps <= 0 {
		return 0
	}
	tier := tierMultiplier(tps)
	success := successMultiplier(successRate)
	raw := (tps / tpsPerPerson) * tier * adaptiveMultiplier * success
	capacity := int(math.Floor(raw))
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

func tierMultiplier(tps float64) float64 {
	switch {
	case tps >= 400:
		return 2.0
	case tps >= 200:
		return 1.5
	case tps < 50:
		return 0.5
	default:
		return 1.0
	}
}

func successMultiplier(successRate float64) float64 {
	switch {
	case successRate > 0.98:
		return 1.2
	case successRate < 0.9 && successRate > 0:
		return 0.7
	default:
		return 1.0
	}
}

// deriveMaxConcurrent implements spec.md §4.4's maxConcurrent formula from
// (tps, avgCompletionMs, p95Ms, targetLatencyMs).
func deriveMaxConcurrent(tps, avgMs, p95Ms, targetLatencyMs float64) int {
	base := 1
	switch {
	case tps >= 400 && avgMs < 2000:
		base = 4
	case tps >= 200 && avgMs < 3000:
		base = 3
	case tps >= 100 && avgMs < 5000:
		base = 2
	}

	if p95Ms > 0 {
		if p95Ms < 0.5*targetLatencyMs {
			base++
		} else if p95Ms > 1.5*targetLatencyMs {
			base--
		}
	}

	if base < 1 {
		base = 1
	}
	if base > 8 {
		base = 8
	}
	return base
}
