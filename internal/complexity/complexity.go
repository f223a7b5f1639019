// Package complexity implements the heuristic query assessor: a pure
// function from request text to a score, label, recommended tier, and
// confidence. No I/O, no side effects, identical input gives identical
// output.
package complexity

import (
	"strings"

	"github.com/synapsehq/synapse/internal/embeddings"
	"github.com/synapsehq/synapse/pkg/models"
)

// Calibrated constants. Thresholds use half-open intervals:
// score in [0, ThresholdModerate)  -> SIMPLE   -> FAST
// score in [ThresholdModerate, ThresholdComplex) -> MODERATE -> BALANCED
// score in [ThresholdComplex, inf) -> COMPLEX  -> POWERFUL
const (
	ThresholdModerate = 3.0
	ThresholdComplex  = 7.0

	tokenDivisor = 15.0 // words per score point
	tokenCap     = 4.0

	multiPartWeight  = 1.5
	comparisonWeight = 1.25
	reasoningWeight  = 1.0

	// confidenceBand is the distance from a threshold at which confidence
	// saturates at 1.
	confidenceBand = 2.0
)

// Signal marker phrases, matched case-insensitively on normalized text.
var (
	multiPartMarkers = []string{
		"; ", " and also", " as well as", "additionally", "furthermore",
		"first,", "second,", "third,", "finally,", "step 1", "1.", "2)",
	}
	comparisonMarkers = []string{
		"compare", "comparison", "versus", " vs ", " vs.", "difference between",
		"better than", "trade-off", "tradeoff", "pros and cons", "evaluate",
		"which is best", "rank ",
	}
	reasoningMarkers = []string{
		"why", "explain", "how does", "how do", "reason", "justify",
		"prove", "derive", "analyze", "analyse", "walk through", "step by step",
	}
)

// Assess scores a request's text. Pure function of its input.
func Assess(text string) models.ComplexityScore {
	normalized := strings.ToLower(embeddings.Normalize(text))
	words := len(strings.Fields(normalized))

	signals := models.ComplexitySignals{
		TokenCount:        words,
		MultiPartMarkers:  countMarkers(normalized, multiPartMarkers),
		ComparisonMarkers: countMarkers(normalized, comparisonMarkers),
		ReasoningMarkers:  countMarkers(normalized, reasoningMarkers),
	}

	tokenPoints := float64(words) / tokenDivisor
	if tokenPoints > tokenCap {
		tokenPoints = tokenCap
	}
	score := tokenPoints +
		float64(signals.MultiPartMarkers)*multiPartWeight +
		float64(signals.ComparisonMarkers)*comparisonWeight +
		float64(signals.ReasoningMarkers)*reasoningWeight

	label, tier := classify(score)
	return models.ComplexityScore{
		Score:      score,
		Label:      label,
		Tier:       tier,
		Confidence: confidence(score),
		Signals:    signals,
	}
}

func classify(score float64) (models.ComplexityLabel, models.Tier) {
	switch {
	case score < ThresholdModerate:
		return models.ComplexitySimple, models.TierFast
	case score < ThresholdComplex:
		return models.ComplexityModerate, models.TierBalanced
	default:
		return models.ComplexityComplex, models.TierPowerful
	}
}

// confidence grows with distance from the nearest threshold, saturating at 1
// one band away. A score sitting exactly on a threshold has confidence 0.
func confidence(score float64) float64 {
	d := abs(score - ThresholdModerate)
	if d2 := abs(score - ThresholdComplex); d2 < d {
		d = d2
	}
	if d >= confidenceBand {
		return 1
	}
	return d / confidenceBand
}

func countMarkers(text string, markers []string) int {
	n := 0
	for _, m := range markers {
		n += strings.Count(text, m)
	}
	return n
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
