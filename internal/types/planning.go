package types

// =============================================================================
// ALTERNATIVES
// =============================================================================

// GenerationMethod tags how an alternative set was produced.
type GenerationMethod string

const (
	MethodLLMHistorical     GenerationMethod = "llm_with_historical_context"
	MethodHeuristicFallback GenerationMethod = "heuristic_fallback"
)

// AlternativeStep is one step of a candidate plan.
type AlternativeStep struct {
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args,omitempty"`
	Description     string         `json:"description"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
	// Flagged marks a step whose original tool reference was not in the
	// registry and was replaced with echo.
	Flagged bool `json:"flagged,omitempty"`
}

// Alternative is one candidate plan for an action.
type Alternative struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Steps         []AlternativeStep `json:"steps"`
	Assumptions   []string          `json:"assumptions,omitempty"`
	Prerequisites []string          `json:"prerequisites,omitempty"`
	Confidence    float64           `json:"confidence"`
	Method        GenerationMethod  `json:"method"`
}

// ToolSequence returns the ordered tool names of the alternative's steps,
// used by the diversity heuristic and by history matching.
func (a Alternative) ToolSequence() []string {
	seq := make([]string, len(a.Steps))
	for i, s := range a.Steps {
		seq[i] = s.Tool
	}
	return seq
}

// IterationEstimate is a min/point/max iteration count prediction.
type IterationEstimate struct {
	Min      int `json:"min"`
	Expected int `json:"expected"`
	Max      int `json:"max"`
}

// ScoredLevel pairs a 0–10 score with its coarse level.
type ScoredLevel struct {
	Score float64 `json:"score"`
	Level Level   `json:"level"`
}

// NewScoredLevel clamps score to [0,10] and derives the level.
func NewScoredLevel(score float64) ScoredLevel {
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return ScoredLevel{Score: score, Level: LevelForScore(score)}
}

// EffortEstimate is the estimator's verdict for one alternative.
type EffortEstimate struct {
	AlternativeID string            `json:"alternative_id"`
	Complexity    ScoredLevel       `json:"complexity"`
	Risk          ScoredLevel       `json:"risk"`
	Iterations    IterationEstimate `json:"iterations"`
}

// AlignmentResult is the alignment checker's verdict for one alternative.
type AlignmentResult struct {
	AlternativeID string  `json:"alternative_id"`
	Score         float64 `json:"score"`
	Relevance     Level   `json:"relevance"`
	Contribution  string  `json:"contribution,omitempty"`
	// Method is "heuristic" or "llm".
	Method string `json:"method"`
}

// RelevanceForScore maps an alignment score onto the relevance scale:
// low < 0.4, medium < 0.7, high ≥ 0.7.
func RelevanceForScore(score float64) Level {
	switch {
	case score < 0.4:
		return LevelLow
	case score < 0.7:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// =============================================================================
// RANKING
// =============================================================================

// ScoreBreakdown holds the four weighted evaluator components.
type ScoreBreakdown struct {
	Effort     float64 `json:"effort"`
	Risk       float64 `json:"risk"`
	Alignment  float64 `json:"alignment"`
	Confidence float64 `json:"confidence"`
}

// EvaluationWeights are the evaluator's factor weights. They are normalized
// to sum to 1 before use.
type EvaluationWeights struct {
	Effort     float64 `json:"effort"`
	Risk       float64 `json:"risk"`
	Alignment  float64 `json:"alignment"`
	Confidence float64 `json:"confidence"`
}

// DefaultEvaluationWeights returns the standard evaluator weighting.
func DefaultEvaluationWeights() EvaluationWeights {
	return EvaluationWeights{Effort: 0.30, Risk: 0.25, Alignment: 0.30, Confidence: 0.15}
}

// Normalized returns a copy of w scaled so the four weights sum to 1.
// A degenerate all-zero weight vector falls back to the defaults.
func (w EvaluationWeights) Normalized() EvaluationWeights {
	sum := w.Effort + w.Risk + w.Alignment + w.Confidence
	if sum <= 0 {
		return DefaultEvaluationWeights().Normalized()
	}
	return EvaluationWeights{
		Effort:     w.Effort / sum,
		Risk:       w.Risk / sum,
		Alignment:  w.Alignment / sum,
		Confidence: w.Confidence / sum,
	}
}

// RankedAlternative is one alternative with its evaluation attached.
type RankedAlternative struct {
	Alternative  Alternative     `json:"alternative"`
	Rank         int             `json:"rank"`
	OverallScore float64         `json:"overall_score"`
	Breakdown    ScoreBreakdown  `json:"score_breakdown"`
	Effort       EffortEstimate  `json:"effort"`
	Alignment    AlignmentResult `json:"alignment"`
	Chosen       bool            `json:"chosen"`
}

// RankedDecision is the full outcome of an alternative-planning round:
// the ordered candidates (non-increasing by overall score, rank 1 chosen)
// plus a human-readable justification.
type RankedDecision struct {
	Ranked        []RankedAlternative `json:"ranked"`
	ChosenID      string              `json:"chosen_id"`
	Justification string              `json:"justification"`
	Weights       EvaluationWeights   `json:"weights"`
}

// Chosen returns the rank-1 alternative, or nil for an empty decision.
func (d *RankedDecision) Chosen() *RankedAlternative {
	for i := range d.Ranked {
		if d.Ranked[i].Chosen {
			return &d.Ranked[i]
		}
	}
	return nil
}

// =============================================================================
// INSTRUCTION PLAN
// =============================================================================

// PlanStep is one concrete tool invocation within an InstructionPlan.
type PlanStep struct {
	Tool            string         `json:"tool"`
	Args            map[string]any `json:"args,omitempty"`
	ExpectedOutcome string         `json:"expected_outcome,omitempty"`
	// ErrorHandling hints an in-plan fallback: "retry", "skip", "abort",
	// or a free-form instruction.
	ErrorHandling string  `json:"error_handling,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// Verification is the plan's final check.
type Verification struct {
	CheckCommand    string `json:"check_command"`
	SuccessCriteria string `json:"success_criteria"`
}

// InstructionPlan is an ordered, executable plan of 3–7 tool steps.
type InstructionPlan struct {
	Approach      string        `json:"approach"`
	Prerequisites []string      `json:"prerequisites,omitempty"`
	Steps         []PlanStep    `json:"steps"`
	Verification  *Verification `json:"verification,omitempty"`
	// Alternatives are textual descriptions of other viable approaches.
	Alternatives []string `json:"alternatives,omitempty"`
}

// Tools returns the distinct tool names the plan uses, in first-use order.
func (p *InstructionPlan) Tools() []string {
	seen := make(map[string]bool, len(p.Steps))
	var tools []string
	for _, s := range p.Steps {
		if !seen[s.Tool] {
			seen[s.Tool] = true
			tools = append(tools, s.Tool)
		}
	}
	return tools
}
