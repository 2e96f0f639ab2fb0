package metacog

import (
	"sync"

	"forgekeeper/internal/config"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// Factors are the five inputs to a confidence score, each in [0,1].
// The scheduler derives them from the decision at hand: how clearly one
// option stands out, how similar work has gone before, how the risk sits
// against the user's tolerance, how certain the effort estimate is, and
// how much context backs the decision.
type Factors struct {
	OptionClarity       float64 `json:"option_clarity"`
	HistoricalSuccess   float64 `json:"historical_success"`
	RiskAlignment       float64 `json:"risk_alignment"`
	EffortCertainty     float64 `json:"effort_certainty"`
	ContextCompleteness float64 `json:"context_completeness"`
}

// factorWeights weight the five factors for one decision type. Each row
// sums to 1.
type factorWeights struct {
	clarity    float64
	historical float64
	risk       float64
	effort     float64
	context    float64
}

// decisionWeights is the fixed per-decision-type weighting. Execution
// decisions lean hardest on risk alignment; parameter decisions on
// history and context.
var decisionWeights = map[types.DecisionType]factorWeights{
	types.DecisionPlan:      {clarity: 0.25, historical: 0.15, risk: 0.20, effort: 0.25, context: 0.15},
	types.DecisionStrategy:  {clarity: 0.30, historical: 0.25, risk: 0.20, effort: 0.15, context: 0.10},
	types.DecisionParameter: {clarity: 0.20, historical: 0.30, risk: 0.15, effort: 0.10, context: 0.25},
	types.DecisionExecution: {clarity: 0.15, historical: 0.25, risk: 0.35, effort: 0.15, context: 0.10},
}

// thresholdFloor and thresholdCeil bound what calibration drift can do to
// a checkpoint threshold.
const (
	thresholdFloor = 0.5
	thresholdCeil  = 0.95
)

// adjustMinSamples is the calibration sample floor per decision type
// before thresholds move.
const adjustMinSamples = 10

// ConfidenceEngine scores decisions and decides when a human must look.
// Thresholds start from configuration and drift with calibration: when
// users accept nearly everything the engine asks about, it asks less;
// when they frequently override, it asks more.
type ConfidenceEngine struct {
	mu          sync.Mutex
	thresholds  map[types.DecisionType]float64
	step        float64
	bandHigh    float64
	bandLow     float64
	calibration *Calibration
}

// NewConfidenceEngine creates an engine seeded from configuration.
func NewConfidenceEngine(cfg config.CheckpointConfig) *ConfidenceEngine {
	step := cfg.ThresholdStep
	if step <= 0 {
		step = 0.05
	}
	bandHigh := cfg.AcceptanceBandHigh
	if bandHigh <= 0 {
		bandHigh = 0.9
	}
	bandLow := cfg.AcceptanceBandLow
	if bandLow <= 0 {
		bandLow = 0.6
	}
	return &ConfidenceEngine{
		thresholds: map[types.DecisionType]float64{
			types.DecisionPlan:      cfg.Thresholds.Plan,
			types.DecisionStrategy:  cfg.Thresholds.Strategy,
			types.DecisionParameter: cfg.Thresholds.Parameter,
			types.DecisionExecution: cfg.Thresholds.Execution,
		},
		step:        step,
		bandHigh:    bandHigh,
		bandLow:     bandLow,
		calibration: NewCalibration(),
	}
}

// Score computes the weighted confidence for one decision. Factors are
// clamped to [0,1] first; unknown decision types score as plan decisions.
func (e *ConfidenceEngine) Score(dt types.DecisionType, f Factors) float64 {
	w, ok := decisionWeights[dt]
	if !ok {
		w = decisionWeights[types.DecisionPlan]
	}
	score := w.clarity*types.Clamp01(f.OptionClarity) +
		w.historical*types.Clamp01(f.HistoricalSuccess) +
		w.risk*types.Clamp01(f.RiskAlignment) +
		w.effort*types.Clamp01(f.EffortCertainty) +
		w.context*types.Clamp01(f.ContextCompleteness)
	return types.Clamp01(score)
}

// Threshold returns the current checkpoint threshold for a decision type.
func (e *ConfidenceEngine) Threshold(dt types.DecisionType) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholds[dt]
}

// ShouldCheckpoint reports whether a score falls below the decision
// type's threshold, demanding human resolution.
func (e *ConfidenceEngine) ShouldCheckpoint(dt types.DecisionType, score float64) bool {
	return score < e.Threshold(dt)
}

// Calibration exposes the engine's calibration store so resolutions can
// be recorded and inspected.
func (e *ConfidenceEngine) Calibration() *Calibration {
	return e.calibration
}

// ThresholdAdjustment describes one threshold move made by calibration.
type ThresholdAdjustment struct {
	DecisionType   types.DecisionType `json:"decision_type"`
	AcceptanceRate float64            `json:"acceptance_rate"`
	Samples        int                `json:"samples"`
	Old            float64            `json:"old"`
	New            float64            `json:"new"`
}

// AdjustThresholds moves thresholds by one step where acceptance has
// drifted outside the configured bands: above the high band the engine
// checkpoints too eagerly and the threshold drops; below the low band
// the user keeps overriding and the threshold rises. Types under the
// sample floor are left alone. Returns the adjustments made.
func (e *ConfidenceEngine) AdjustThresholds() []ThresholdAdjustment {
	var out []ThresholdAdjustment

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dt := range types.AllDecisionTypes {
		rate, n := e.calibration.AcceptanceRate(dt)
		if n < adjustMinSamples {
			continue
		}
		old := e.thresholds[dt]
		next := old
		switch {
		case rate > e.bandHigh:
			next = old - e.step
		case rate < e.bandLow:
			next = old + e.step
		default:
			continue
		}
		if next < thresholdFloor {
			next = thresholdFloor
		}
		if next > thresholdCeil {
			next = thresholdCeil
		}
		if next == old {
			continue
		}
		e.thresholds[dt] = next
		out = append(out, ThresholdAdjustment{
			DecisionType:   dt,
			AcceptanceRate: rate,
			Samples:        n,
			Old:            old,
			New:            next,
		})
		logging.Metacog("Checkpoint threshold for %s adjusted %.2f -> %.2f (acceptance %.2f over %d)",
			dt, old, next, rate, n)
	}
	return out
}
