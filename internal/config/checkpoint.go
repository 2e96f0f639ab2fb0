package config

import "fmt"

// DecisionThresholds holds the per-decision-type confidence floor below
// which a checkpoint is raised.
type DecisionThresholds struct {
	Plan      float64 `yaml:"plan"`
	Strategy  float64 `yaml:"strategy"`
	Parameter float64 `yaml:"parameter"`
	Execution float64 `yaml:"execution"`
}

func (t DecisionThresholds) validate() error {
	for name, v := range map[string]float64{
		"plan": t.Plan, "strategy": t.Strategy, "parameter": t.Parameter, "execution": t.Execution,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("checkpoint.thresholds.%s must be in (0,1], got %v", name, v)
		}
	}
	return nil
}

// CheckpointConfig configures confidence gating and threshold adjustment.
type CheckpointConfig struct {
	Thresholds DecisionThresholds `yaml:"thresholds"`

	// ThresholdStep is the adjustment applied when acceptance drifts
	// outside the bands.
	ThresholdStep      float64 `yaml:"threshold_step"`
	AcceptanceBandHigh float64 `yaml:"acceptance_band_high"`
	AcceptanceBandLow  float64 `yaml:"acceptance_band_low"`
}

// FeedbackConfig configures the bounded feedback store.
type FeedbackConfig struct {
	MaxEntries    int  `yaml:"max_entries"`
	RequireRating bool `yaml:"require_rating"`
}
