package alternatives

import (
	"fmt"
	"sort"

	"forgekeeper/internal/types"
)

// Evaluator folds effort, alignment, and the generator's own confidence
// into one overall score per candidate and ranks the set.
type Evaluator struct {
	weights types.EvaluationWeights
}

// NewEvaluator builds an evaluator. The zero weight vector means the
// standard weighting; anything else is normalized to sum 1.
func NewEvaluator(weights types.EvaluationWeights) *Evaluator {
	return &Evaluator{weights: weights.Normalized()}
}

// Rank orders the candidates best-first and marks rank 1 chosen. efforts
// and aligns must be indexed one-to-one with alts, the way EstimateAll
// and CheckAll produce them.
//
// overall = w_effort·(1−complexity/10) + w_risk·(1−risk/10)
//         + w_align·alignment + w_conf·confidence
//
// Ties break toward lower risk, then lower complexity, then input order.
func (ev *Evaluator) Rank(alts []types.Alternative, efforts []types.EffortEstimate, aligns []types.AlignmentResult) *types.RankedDecision {
	w := ev.weights
	ranked := make([]types.RankedAlternative, 0, len(alts))
	for i, alt := range alts {
		var effort types.EffortEstimate
		if i < len(efforts) {
			effort = efforts[i]
		}
		var align types.AlignmentResult
		if i < len(aligns) {
			align = aligns[i]
		}

		breakdown := types.ScoreBreakdown{
			Effort:     w.Effort * (1 - effort.Complexity.Score/10),
			Risk:       w.Risk * (1 - effort.Risk.Score/10),
			Alignment:  w.Alignment * align.Score,
			Confidence: w.Confidence * alt.Confidence,
		}
		ranked = append(ranked, types.RankedAlternative{
			Alternative:  alt,
			OverallScore: breakdown.Effort + breakdown.Risk + breakdown.Alignment + breakdown.Confidence,
			Breakdown:    breakdown,
			Effort:       effort,
			Alignment:    align,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].OverallScore != ranked[j].OverallScore {
			return ranked[i].OverallScore > ranked[j].OverallScore
		}
		if ranked[i].Effort.Risk.Score != ranked[j].Effort.Risk.Score {
			return ranked[i].Effort.Risk.Score < ranked[j].Effort.Risk.Score
		}
		return ranked[i].Effort.Complexity.Score < ranked[j].Effort.Complexity.Score
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	decision := &types.RankedDecision{Ranked: ranked, Weights: w}
	if len(ranked) > 0 {
		ranked[0].Chosen = true
		decision.ChosenID = ranked[0].Alternative.ID
		decision.Justification = justify(&ranked[0])
	}
	return decision
}

// justify writes the one-line rationale: the winning score, the iteration
// outlook, and whichever factor dragged hardest on the choice.
func justify(r *types.RankedAlternative) string {
	factors := []struct {
		name  string
		value float64
	}{
		{"effort", 1 - r.Effort.Complexity.Score/10},
		{"risk", 1 - r.Effort.Risk.Score/10},
		{"alignment", r.Alignment.Score},
		{"confidence", r.Alternative.Confidence},
	}
	weakest := factors[0]
	for _, f := range factors[1:] {
		if f.value < weakest.value {
			weakest = f
		}
	}

	iters := r.Effort.Iterations
	return fmt.Sprintf("Chose %q with overall score %.2f, expecting %d iteration(s) (range %d to %d); weakest factor is %s at %.2f.",
		r.Alternative.Name, r.OverallScore, iters.Expected, iters.Min, iters.Max, weakest.name, weakest.value)
}
