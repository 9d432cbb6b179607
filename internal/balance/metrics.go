// Package balance measures competitive balance between factions and applies
// bounded corrections to their resource bonuses.
package balance

import (
	"math"
	"sort"
)

// Gini returns the Gini coefficient of the values in [0,1]. Negative values
// count as zero; empty, single-element and all-zero inputs return 0.
func Gini(values []float64) float64 {
	n := len(values)
	if n <= 1 {
		return 0
	}
	xs := make([]float64, n)
	total := 0.0
	for i, v := range values {
		xs[i] = math.Max(0, v)
		total += xs[i]
	}
	if total == 0 {
		return 0
	}
	sort.Float64s(xs)

	weighted := 0.0
	for i, x := range xs {
		weighted += float64(i+1) * x
	}
	g := 2*weighted/(float64(n)*total) - float64(n+1)/float64(n)
	return math.Max(0, math.Min(1, g))
}

// Herfindahl returns the sum of squared shares of the values. Zero totals
// return 0.
func Herfindahl(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += math.Max(0, v)
	}
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, v := range values {
		s := math.Max(0, v) / total
		h += s * s
	}
	return h
}
