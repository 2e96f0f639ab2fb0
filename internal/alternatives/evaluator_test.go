package alternatives

import (
	"math"
	"strings"
	"testing"

	"forgekeeper/internal/types"
)

func rankedFixture(id string, confidence, complexity, risk, align float64) (types.Alternative, types.EffortEstimate, types.AlignmentResult) {
	alt := types.Alternative{ID: id, Name: "candidate " + id, Confidence: confidence}
	effort := types.EffortEstimate{
		AlternativeID: id,
		Complexity:    types.NewScoredLevel(complexity),
		Risk:          types.NewScoredLevel(risk),
		Iterations:    types.IterationEstimate{Min: 1, Expected: 2, Max: 4},
	}
	alignment := types.AlignmentResult{AlternativeID: id, Score: align, Relevance: types.RelevanceForScore(align), Method: "heuristic"}
	return alt, effort, alignment
}

func TestRankOverallScore(t *testing.T) {
	t.Parallel()
	ev := NewEvaluator(types.EvaluationWeights{})

	alt, effort, align := rankedFixture("alt-1", 0.6, 2, 2, 0.8)
	decision := ev.Rank([]types.Alternative{alt}, []types.EffortEstimate{effort}, []types.AlignmentResult{align})

	// 0.30*0.8 + 0.25*0.8 + 0.30*0.8 + 0.15*0.6
	want := 0.77
	got := decision.Ranked[0].OverallScore
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("overall = %v, want %v", got, want)
	}

	b := decision.Ranked[0].Breakdown
	if math.Abs(b.Effort-0.24) > 1e-9 || math.Abs(b.Risk-0.20) > 1e-9 ||
		math.Abs(b.Alignment-0.24) > 1e-9 || math.Abs(b.Confidence-0.09) > 1e-9 {
		t.Errorf("breakdown = %+v, want 0.24/0.20/0.24/0.09", b)
	}
	if sum := b.Effort + b.Risk + b.Alignment + b.Confidence; math.Abs(sum-got) > 1e-9 {
		t.Errorf("breakdown sums to %v, overall is %v", sum, got)
	}
}

func TestRankOrdersBestFirst(t *testing.T) {
	t.Parallel()
	ev := NewEvaluator(types.EvaluationWeights{})

	altA, effA, alignA := rankedFixture("alt-1", 0.3, 8, 7, 0.2)
	altB, effB, alignB := rankedFixture("alt-2", 0.9, 2, 1, 0.9)
	altC, effC, alignC := rankedFixture("alt-3", 0.5, 5, 4, 0.5)

	decision := ev.Rank(
		[]types.Alternative{altA, altB, altC},
		[]types.EffortEstimate{effA, effB, effC},
		[]types.AlignmentResult{alignA, alignB, alignC},
	)

	ids := make([]string, len(decision.Ranked))
	for i, r := range decision.Ranked {
		ids[i] = r.Alternative.ID
	}
	if ids[0] != "alt-2" || ids[1] != "alt-3" || ids[2] != "alt-1" {
		t.Errorf("ranking order = %v, want [alt-2 alt-3 alt-1]", ids)
	}
	if !decision.Ranked[0].Chosen || decision.Ranked[1].Chosen || decision.Ranked[2].Chosen {
		t.Error("chosen flag not confined to rank 1")
	}
	if decision.ChosenID != "alt-2" {
		t.Errorf("ChosenID = %q, want alt-2", decision.ChosenID)
	}
}

func TestRankTieBreaks(t *testing.T) {
	t.Parallel()
	// Alignment-only weighting makes overall scores equal whenever the
	// alignment scores are, leaving the tie-break chain to decide.
	ev := NewEvaluator(types.EvaluationWeights{Alignment: 1})

	altA, effA, alignA := rankedFixture("alt-1", 0.5, 5, 8, 0.5)
	altB, effB, alignB := rankedFixture("alt-2", 0.5, 5, 3, 0.5)
	altC, effC, alignC := rankedFixture("alt-3", 0.5, 2, 3, 0.5)
	altD, effD, alignD := rankedFixture("alt-4", 0.5, 5, 3, 0.5) // identical to alt-2

	decision := ev.Rank(
		[]types.Alternative{altA, altB, altC, altD},
		[]types.EffortEstimate{effA, effB, effC, effD},
		[]types.AlignmentResult{alignA, alignB, alignC, alignD},
	)

	ids := make([]string, len(decision.Ranked))
	for i, r := range decision.Ranked {
		ids[i] = r.Alternative.ID
	}
	// Lower risk first, then lower complexity, then input order.
	want := []string{"alt-3", "alt-2", "alt-4", "alt-1"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("tie-broken order = %v, want %v", ids, want)
		}
	}
}

func TestRankJustification(t *testing.T) {
	t.Parallel()
	ev := NewEvaluator(types.EvaluationWeights{})

	alt, effort, align := rankedFixture("alt-1", 0.6, 2, 2, 0.8)
	decision := ev.Rank([]types.Alternative{alt}, []types.EffortEstimate{effort}, []types.AlignmentResult{align})

	j := decision.Justification
	for _, want := range []string{"0.77", "2 iteration(s)", "weakest factor is confidence at 0.60"} {
		if !strings.Contains(j, want) {
			t.Errorf("justification %q missing %q", j, want)
		}
	}
}

func TestRankNormalizesWeights(t *testing.T) {
	t.Parallel()
	// Proportional to the defaults, so the scores must come out identical.
	ev := NewEvaluator(types.EvaluationWeights{Effort: 3, Risk: 2.5, Alignment: 3, Confidence: 1.5})

	alt, effort, align := rankedFixture("alt-1", 0.6, 2, 2, 0.8)
	decision := ev.Rank([]types.Alternative{alt}, []types.EffortEstimate{effort}, []types.AlignmentResult{align})

	if got := decision.Ranked[0].OverallScore; math.Abs(got-0.77) > 1e-9 {
		t.Errorf("overall with scaled weights = %v, want 0.77", got)
	}
	w := decision.Weights
	if sum := w.Effort + w.Risk + w.Alignment + w.Confidence; math.Abs(sum-1) > 1e-9 {
		t.Errorf("recorded weights sum to %v, want 1", sum)
	}
}

func TestRankEmptyInput(t *testing.T) {
	t.Parallel()
	ev := NewEvaluator(types.EvaluationWeights{})

	decision := ev.Rank(nil, nil, nil)
	if len(decision.Ranked) != 0 || decision.ChosenID != "" || decision.Chosen() != nil {
		t.Errorf("empty ranking = %+v, want empty decision", decision)
	}
}
