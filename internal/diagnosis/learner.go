package diagnosis

import (
	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/types"
)

// PatternLearner turns past recovery outcomes into confidence
// adjustments for new recovery strategies. It is read-only over the
// pattern store; the scheduler records outcomes after each recovery
// attempt resolves.
type PatternLearner struct {
	patterns *memory.PatternStore
}

// NewPatternLearner creates a learner over the given store.
func NewPatternLearner(patterns *memory.PatternStore) *PatternLearner {
	return &PatternLearner{patterns: patterns}
}

// boostFactor maps a strategy's success count to its multiplicative
// confidence boost before dampening.
func boostFactor(successes int) float64 {
	switch {
	case successes >= 5:
		return 1.50
	case successes >= 3:
		return 1.30
	case successes == 2:
		return 1.15
	case successes == 1:
		return 1.05
	default:
		return 1.0
	}
}

// BoostConfidence adjusts a strategy's heuristic confidence using the
// (category, strategy) track record. Strategies that historically took
// many iterations to pay off get dampened. The result is capped at 1.0;
// with no history both the confidence and the boost come back unchanged.
func (l *PatternLearner) BoostConfidence(category types.ErrorCategory, strategy string, confidence float64) (float64, *types.PatternBoost) {
	rec, ok := l.patterns.Find(category, strategy)
	if !ok || rec.SuccessCount == 0 {
		return confidence, nil
	}

	factor := boostFactor(rec.SuccessCount)
	switch {
	case rec.AvgIterations > 5:
		factor *= 0.9
	case rec.AvgIterations > 3:
		factor *= 0.95
	}

	boosted := confidence * factor
	if boosted > 1.0 {
		boosted = 1.0
	}

	logging.RecoveryDebug("Pattern boost for %s/%s: %.2f -> %.2f (factor %.2f, %d successes, avg %.1f iters)",
		category, strategy, confidence, boosted, factor, rec.SuccessCount, rec.AvgIterations)

	return boosted, &types.PatternBoost{
		Factor:        factor,
		Occurrences:   rec.SuccessCount,
		AvgIterations: rec.AvgIterations,
	}
}

// MostSuccessful answers the independent query "what has worked for
// this category before": the strategy with the best track record,
// regardless of what the planner would propose now.
func (l *PatternLearner) MostSuccessful(category types.ErrorCategory) (types.PatternRecord, bool) {
	records := l.patterns.ForCategory(category)
	if len(records) == 0 {
		return types.PatternRecord{}, false
	}
	return records[0], true
}

// CategorySuccessRate is the attempt-weighted success rate across every
// strategy tried for the category, 0 with no history.
func (l *PatternLearner) CategorySuccessRate(category types.ErrorCategory) float64 {
	var successes, attempts int
	for _, rec := range l.patterns.ForCategory(category) {
		successes += rec.SuccessCount
		attempts += rec.SuccessCount + rec.FailureCount
	}
	if attempts == 0 {
		return 0
	}
	return float64(successes) / float64(attempts)
}
