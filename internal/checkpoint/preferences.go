package checkpoint

import (
	"fmt"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/types"
)

// DefaultUserID stands in when a resolution carries no user id, which is
// the common case for a single-operator workspace.
const DefaultUserID = "local"

// PreferenceAnalyzer turns resolved checkpoints and accumulated feedback
// into per-user preference profiles. Decisions feed risk tolerance,
// feedback feeds decision speed, and both feed the pattern list.
type PreferenceAnalyzer struct {
	prefs    *memory.PreferenceStore
	feedback *memory.FeedbackStore
	events   *contextlog.Log
}

// NewPreferenceAnalyzer creates an analyzer over the two stores. events
// may be nil.
func NewPreferenceAnalyzer(prefs *memory.PreferenceStore, feedback *memory.FeedbackStore, events *contextlog.Log) *PreferenceAnalyzer {
	return &PreferenceAnalyzer{prefs: prefs, feedback: feedback, events: events}
}

// RecordResolution derives a preference decision from one resolved
// checkpoint and appends it to the preference store. Accepted means the
// user took an offered option unmodified; AcceptedSafest means the pick
// was the lowest-risk option.
func (a *PreferenceAnalyzer) RecordResolution(cp types.Checkpoint) error {
	if cp.Status != types.CheckpointResolved || cp.Resolution == nil {
		return fmt.Errorf("checkpoint %s carries no resolution", cp.ID)
	}
	userID := cp.Resolution.UserID
	if userID == "" {
		userID = DefaultUserID
	}
	safest := cp.SafestOption()
	return a.prefs.RecordDecision(types.PreferenceDecision{
		UserID:         userID,
		CheckpointID:   cp.ID,
		AcceptedSafest: safest != nil && safest.ID == cp.Resolution.SelectedOptionID,
		Accepted:       !cp.Resolution.Modified,
		Timestamp:      cp.Resolution.ResolvedAt,
	})
}

// Analyze infers the user's current profile from their recorded decisions
// and all stored feedback, and reports the result on the event stream.
func (a *PreferenceAnalyzer) Analyze(userID string) *types.UserProfile {
	if userID == "" {
		userID = DefaultUserID
	}

	var feedback []types.Feedback
	if a.feedback != nil {
		feedback = a.feedback.All()
	}
	profile := a.prefs.Analyze(userID, feedback)

	logging.Checkpoint("Preference analysis for %s: %s risk, %s decisions, %d patterns",
		userID, profile.RiskTolerance, profile.DecisionSpeed, len(profile.Patterns))
	if a.events != nil {
		a.events.Emit(contextlog.ActorSystem, contextlog.ActPreferenceAnalysis, "", 0, map[string]any{
			"user_id":          profile.UserID,
			"risk_tolerance":   string(profile.RiskTolerance),
			"risk_confidence":  profile.RiskConfidence,
			"decision_speed":   string(profile.DecisionSpeed),
			"speed_confidence": profile.SpeedConfidence,
			"patterns":         len(profile.Patterns),
			"total_decisions":  profile.TotalDecisions,
			"total_feedback":   profile.TotalFeedback,
		})
	}
	return profile
}
