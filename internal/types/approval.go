package types

import "time"

// =============================================================================
// DECISIONS & CHECKPOINTS
// =============================================================================

// DecisionType classifies a decision for confidence scoring and
// checkpoint thresholds.
type DecisionType string

const (
	DecisionPlan      DecisionType = "plan"
	DecisionStrategy  DecisionType = "strategy"
	DecisionParameter DecisionType = "parameter"
	DecisionExecution DecisionType = "execution"
)

// AllDecisionTypes lists the decision taxonomy.
var AllDecisionTypes = []DecisionType{
	DecisionPlan, DecisionStrategy, DecisionParameter, DecisionExecution,
}

// CheckpointStatus is the lifecycle state of a checkpoint. A checkpoint is
// terminal-or-pending: once resolved or expired it never reopens, only a
// new checkpoint can supersede it.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointResolved CheckpointStatus = "resolved"
	CheckpointExpired  CheckpointStatus = "expired"
)

// CheckpointOption is one candidate the user may pick at a checkpoint.
// Steps carry the executable substitute plan for that option.
type CheckpointOption struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Description string     `json:"description,omitempty"`
	RiskLevel   Level      `json:"risk_level"`
	Steps       []PlanStep `json:"steps,omitempty"`
}

// CheckpointResolution records the user's decision.
type CheckpointResolution struct {
	SelectedOptionID string    `json:"selected_option_id"`
	Modified         bool      `json:"modified"`
	UserID           string    `json:"user_id,omitempty"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// Checkpoint is a suspended decision awaiting human resolution because
// predicted confidence fell below the threshold for its decision type.
type Checkpoint struct {
	ID                  string                `json:"id"`
	SessionID           string                `json:"session_id"`
	Iteration           int                   `json:"iteration"`
	DecisionType        DecisionType          `json:"decision_type"`
	Description         string                `json:"description"`
	PredictedConfidence float64               `json:"predicted_confidence"`
	Options             []CheckpointOption    `json:"options"`
	Status              CheckpointStatus      `json:"status"`
	Resolution          *CheckpointResolution `json:"resolution,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
}

// SafestOption returns the lowest-risk option (low before medium before
// high, ties broken by order), or nil when the checkpoint has no options.
func (c *Checkpoint) SafestOption() *CheckpointOption {
	rank := func(l Level) int {
		switch l {
		case LevelLow:
			return 0
		case LevelMedium:
			return 1
		default:
			return 2
		}
	}
	var best *CheckpointOption
	for i := range c.Options {
		if best == nil || rank(c.Options[i].RiskLevel) < rank(best.RiskLevel) {
			best = &c.Options[i]
		}
	}
	return best
}

// Option returns the option with the given id, or nil.
func (c *Checkpoint) Option(id string) *CheckpointOption {
	for i := range c.Options {
		if c.Options[i].ID == id {
			return &c.Options[i]
		}
	}
	return nil
}

// CalibrationRecord ties a predicted confidence to whether the user
// accepted the prediction's implied choice.
type CalibrationRecord struct {
	DecisionType        DecisionType `json:"decision_type"`
	PredictedConfidence float64      `json:"predicted_confidence"`
	UserAccepted        bool         `json:"user_accepted"`
	Timestamp           time.Time    `json:"timestamp"`
}

// =============================================================================
// FEEDBACK & PREFERENCES
// =============================================================================

// FeedbackCategory groups feedback by what it is about.
type FeedbackCategory string

const (
	FeedbackDecision   FeedbackCategory = "decision"
	FeedbackApproval   FeedbackCategory = "approval"
	FeedbackCheckpoint FeedbackCategory = "checkpoint"
	FeedbackSystem     FeedbackCategory = "system"
	FeedbackGeneral    FeedbackCategory = "general"
)

// FeedbackContext carries the correlation ids a feedback entry refers to.
type FeedbackContext struct {
	SessionID  string `json:"session_id,omitempty"`
	Iteration  int    `json:"iteration,omitempty"`
	DecisionID string `json:"decision_id,omitempty"`
}

// Feedback is one user feedback entry. Rating is 1–5; zero means no
// rating was given.
type Feedback struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id,omitempty"`
	Category   FeedbackCategory `json:"category"`
	Rating     int              `json:"rating,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
	Suggestion string           `json:"suggestion,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Context    FeedbackContext  `json:"context"`
	Timestamp  time.Time        `json:"timestamp"`
}

// RiskTolerance is an inferred user preference.
type RiskTolerance string

const (
	RiskConservative RiskTolerance = "conservative"
	RiskModerate     RiskTolerance = "moderate"
	RiskExploratory  RiskTolerance = "exploratory"
	RiskAggressive   RiskTolerance = "aggressive"
)

// DecisionSpeed is an inferred user preference.
type DecisionSpeed string

const (
	SpeedDeliberate DecisionSpeed = "deliberate"
	SpeedBalanced   DecisionSpeed = "balanced"
	SpeedQuick      DecisionSpeed = "quick"
)

// PreferencePattern is one recurring behavior with its observed frequency.
type PreferencePattern struct {
	Name       string  `json:"name"`
	Frequency  float64 `json:"frequency"`
	Confidence float64 `json:"confidence"`
}

// UserProfile is the preference analyzer's inferred summary for one user.
type UserProfile struct {
	UserID          string              `json:"user_id"`
	RiskTolerance   RiskTolerance       `json:"risk_tolerance"`
	RiskConfidence  float64             `json:"risk_confidence"`
	DecisionSpeed   DecisionSpeed       `json:"decision_speed"`
	SpeedConfidence float64             `json:"speed_confidence"`
	Patterns        []PreferencePattern `json:"patterns,omitempty"`
	TotalDecisions  int                 `json:"total_decisions"`
	TotalFeedback   int                 `json:"total_feedback"`
	AnalyzedAt      time.Time           `json:"analyzed_at"`
}

// PreferenceDecision is the appended preference-store record: one
// recommendation shown to a user and whether they took the safest option.
type PreferenceDecision struct {
	UserID string `json:"user_id"`
	// CheckpointID correlates with the checkpoint that raised the decision.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// AcceptedSafest reports whether the user picked the lowest-risk option.
	AcceptedSafest bool      `json:"accepted_safest"`
	Accepted       bool      `json:"accepted"`
	Timestamp      time.Time `json:"timestamp"`
}
