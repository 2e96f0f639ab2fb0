package memory

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

const (
	// riskMinDecisions is the sample floor below which risk tolerance
	// stays at the moderate default with zero confidence.
	riskMinDecisions = 10
	// speedMinFeedback is the sample floor below which decision speed
	// stays at the balanced default with zero confidence.
	speedMinFeedback = 5
)

// PreferenceStore records which checkpoint option each user picked and
// infers stable preferences from the accumulated decisions plus the
// feedback the caller supplies.
type PreferenceStore struct {
	mu        sync.RWMutex
	journal   *journal
	decisions []types.PreferenceDecision
}

// OpenPreferenceStore loads recorded decisions from dir.
func OpenPreferenceStore(dir string, events *contextlog.Log) (*PreferenceStore, error) {
	path := filepath.Join(dir, "preferences.jsonl")
	s := &PreferenceStore{journal: newJournal(path, "preferences", events)}

	err := readLines(path, func(line []byte) {
		var d types.PreferenceDecision
		if json.Unmarshal(line, &d) == nil {
			s.decisions = append(s.decisions, d)
		}
	})
	if err != nil {
		return nil, err
	}

	logging.Memory("Preference store opened: %d decisions", len(s.decisions))
	return s, nil
}

// RecordDecision appends one checkpoint decision.
func (s *PreferenceStore) RecordDecision(d types.PreferenceDecision) error {
	if d.UserID == "" {
		return fmt.Errorf("decision user id cannot be empty")
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return s.journal.append(d)
}

// DecisionsFor returns the recorded decisions for one user, oldest first.
func (s *PreferenceStore) DecisionsFor(userID string) []types.PreferenceDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.PreferenceDecision
	for _, d := range s.decisions {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of recorded decisions across all users.
func (s *PreferenceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.decisions)
}

// Pending reports decisions queued by degraded writes.
func (s *PreferenceStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal.pending()
}

// Analyze infers a preference profile for one user from their recorded
// decisions and the supplied feedback. Below the sample floors the
// profile keeps neutral defaults with zero confidence rather than
// guessing from noise. Feedback without a user id counts as the
// analyzed user's.
func (s *PreferenceStore) Analyze(userID string, feedback []types.Feedback) *types.UserProfile {
	decisions := s.DecisionsFor(userID)

	var userFeedback []types.Feedback
	for _, f := range feedback {
		if f.UserID == "" || f.UserID == userID {
			userFeedback = append(userFeedback, f)
		}
	}

	profile := &types.UserProfile{
		UserID:         userID,
		RiskTolerance:  types.RiskModerate,
		DecisionSpeed:  types.SpeedBalanced,
		TotalDecisions: len(decisions),
		TotalFeedback:  len(userFeedback),
		AnalyzedAt:     time.Now().UTC(),
	}

	if len(decisions) >= riskMinDecisions {
		safest := 0
		for _, d := range decisions {
			if d.AcceptedSafest {
				safest++
			}
		}
		rate := float64(safest) / float64(len(decisions))
		switch {
		case rate >= 0.8:
			profile.RiskTolerance = types.RiskConservative
		case rate >= 0.6:
			profile.RiskTolerance = types.RiskModerate
		case rate >= 0.4:
			profile.RiskTolerance = types.RiskExploratory
		default:
			profile.RiskTolerance = types.RiskAggressive
		}
		profile.RiskConfidence = clamp01(float64(len(decisions)) / 20.0)
	}

	if len(userFeedback) >= speedMinFeedback {
		reasoned := 0
		for _, f := range userFeedback {
			if f.Reasoning != "" {
				reasoned++
			}
		}
		rate := float64(reasoned) / float64(len(userFeedback))
		switch {
		case rate > 0.7:
			profile.DecisionSpeed = types.SpeedDeliberate
		case rate >= 0.3:
			profile.DecisionSpeed = types.SpeedBalanced
		default:
			profile.DecisionSpeed = types.SpeedQuick
		}
		profile.SpeedConfidence = clamp01(float64(len(userFeedback)) / 10.0)
	}

	profile.Patterns = inferPatterns(decisions, userFeedback)

	logging.MemoryDebug("Preference profile for %s: risk=%s (%.2f) speed=%s (%.2f) patterns=%d",
		userID, profile.RiskTolerance, profile.RiskConfidence,
		profile.DecisionSpeed, profile.SpeedConfidence, len(profile.Patterns))
	return profile
}

// inferPatterns extracts recurring behaviors that cross their frequency
// thresholds. Each pattern's confidence scales with sample size.
func inferPatterns(decisions []types.PreferenceDecision, feedback []types.Feedback) []types.PreferencePattern {
	var patterns []types.PreferencePattern

	if len(feedback) > 0 {
		suggestions := 0
		lowRatings := 0
		for _, f := range feedback {
			if f.Suggestion != "" {
				suggestions++
			}
			if f.Rating > 0 && f.Rating <= 2 {
				lowRatings++
			}
		}
		suggestionRate := float64(suggestions) / float64(len(feedback))
		if suggestionRate > 0.3 {
			patterns = append(patterns, types.PreferencePattern{
				Name:       "proactive_feedback",
				Frequency:  suggestionRate,
				Confidence: clamp01(float64(len(feedback)) / 10.0),
			})
		}
		lowRate := float64(lowRatings) / float64(len(feedback))
		if lowRate > 0.3 {
			patterns = append(patterns, types.PreferencePattern{
				Name:       "critical_feedback",
				Frequency:  lowRate,
				Confidence: clamp01(float64(len(feedback)) / 10.0),
			})
		}
	}

	if len(decisions) > 0 {
		accepted := 0
		for _, d := range decisions {
			if d.Accepted {
				accepted++
			}
		}
		acceptRate := float64(accepted) / float64(len(decisions))
		if acceptRate >= 0.8 {
			patterns = append(patterns, types.PreferencePattern{
				Name:       "high_alignment",
				Frequency:  acceptRate,
				Confidence: clamp01(float64(len(decisions)) / 10.0),
			})
		}
	}

	return patterns
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
