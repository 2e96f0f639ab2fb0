// Package metacog implements the meta-cognition layer: scoring past
// reflections and plans against what actually happened, and turning
// predicted confidence into checkpoint decisions with calibration
// tracking. Nothing here calls the model; meta-cognition is deliberate,
// deterministic bookkeeping about how good the model's judgments were.
package metacog

import (
	"fmt"
	"strings"
	"sync"

	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// ringSize bounds the critic's in-memory score history.
const ringSize = 5

// highConfidence is the floor above which a prediction counts as
// confident for calibration scoring.
const highConfidence = 0.7

// lowConfidence is the ceiling below which a success counts as
// underconfident.
const lowConfidence = 0.4

// Overall reflection accuracy weighting: progress, confidence, assessment.
const (
	progressWeight   = 0.4
	confidenceWeight = 0.3
	assessmentWeight = 0.3
)

// Critic scores each reflection and plan against the observed outcome of
// the iteration it drove. Scores feed back into the next reflection
// prompt as a track record, so the model sees how its own predictions
// have been landing.
type Critic struct {
	mu sync.Mutex

	reflections []types.ReflectionScore
	planning    []types.PlanningFeedback

	reflectionCount int
	accuracySum     float64
	progressErrSum  float64
	assessedCorrect int

	planCount      int
	plansSucceeded int
	calibrationSum float64
}

// NewCritic creates an empty critic.
func NewCritic() *Critic {
	return &Critic{}
}

// ScoreReflection critiques a previous reflection against the outcome it
// produced. Progress error is the absolute gap in percent points;
// confidence error penalizes overconfident failures hardest (0.8),
// underconfident successes moderately (0.3), and calibrated predictions
// barely (0.1). Overall accuracy blends the three per the fixed weights.
func (c *Critic) ScoreReflection(prev types.Reflection, obs types.ObservedOutcome) types.ReflectionScore {
	progressErr := prev.Progress - obs.ActualProgress
	if progressErr < 0 {
		progressErr = -progressErr
	}

	confErr := 0.1
	switch {
	case !obs.Success && prev.Confidence >= highConfidence:
		confErr = 0.8
	case obs.Success && prev.Confidence < lowConfidence:
		confErr = 0.3
	}

	correct := assessmentCorrect(prev.Assessment, obs)

	progressAcc := 1 - progressErr/100
	if progressAcc < 0 {
		progressAcc = 0
	}
	assessAcc := 0.0
	if correct {
		assessAcc = 1.0
	}
	overall := progressWeight*progressAcc + confidenceWeight*(1-confErr) + assessmentWeight*assessAcc

	score := types.ReflectionScore{
		Iteration:         prev.Iteration,
		ProgressError:     progressErr,
		ConfidenceError:   confErr,
		AssessmentCorrect: correct,
		Overall:           overall,
		Note:              scoreNote(prev, obs, progressErr, confErr, correct),
	}

	c.mu.Lock()
	c.reflections = append(c.reflections, score)
	if len(c.reflections) > ringSize {
		c.reflections = c.reflections[len(c.reflections)-ringSize:]
	}
	c.reflectionCount++
	c.accuracySum += overall
	c.progressErrSum += progressErr
	if correct {
		c.assessedCorrect++
	}
	c.mu.Unlock()

	logging.Metacog("Reflection %d scored %.2f (progress err %.1f, confidence err %.1f, assessment %v)",
		prev.Iteration, overall, progressErr, confErr, correct)
	return score
}

// assessmentCorrect checks a reflection's verdict against the iteration
// that followed it. Continue is right when the iteration moved the task
// forward; stuck is right when it did not; complete is right only when
// the work succeeded essentially at the finish line. A clarification
// verdict paused the loop, so there is no outcome to contradict it.
func assessmentCorrect(a types.Assessment, obs types.ObservedOutcome) bool {
	switch a {
	case types.AssessContinue:
		return obs.Success
	case types.AssessStuck:
		return !obs.Success
	case types.AssessComplete:
		return obs.Success && obs.ActualProgress >= 95
	default:
		return true
	}
}

func scoreNote(prev types.Reflection, obs types.ObservedOutcome, progressErr, confErr float64, correct bool) string {
	var parts []string
	if progressErr > 25 {
		parts = append(parts, fmt.Sprintf("predicted %.0f%% progress but observed %.0f%%", prev.Progress, obs.ActualProgress))
	}
	if confErr >= 0.8 {
		parts = append(parts, fmt.Sprintf("was %.0f%% confident in an action that failed", prev.Confidence*100))
	} else if confErr >= 0.3 {
		parts = append(parts, "succeeded despite low confidence; trust similar actions more")
	}
	if !correct {
		parts = append(parts, fmt.Sprintf("assessment %q did not match the outcome", prev.Assessment))
	}
	if len(parts) == 0 {
		return "prediction tracked the outcome"
	}
	return strings.Join(parts, "; ")
}

// ScorePlanning critiques a plan's confidence against its execution.
// ToolsMatched is true when execution stayed within the plan's tool set.
// Calibration follows the fixed mapping: a confident success scores 1.0,
// a confident failure 0.2, a diffident success 0.5, a diffident failure
// 0.8 (the plan was right to be worried).
func (c *Critic) ScorePlanning(iteration int, planConfidence float64, planTools []string, obs types.ObservedOutcome) types.PlanningFeedback {
	planned := make(map[string]bool, len(planTools))
	for _, t := range planTools {
		planned[t] = true
	}
	matched := len(obs.ToolsUsed) > 0
	for _, t := range obs.ToolsUsed {
		if !planned[t] {
			matched = false
			break
		}
	}

	var calibration float64
	confident := planConfidence >= highConfidence
	switch {
	case confident && obs.Success:
		calibration = 1.0
	case confident && !obs.Success:
		calibration = 0.2
	case !confident && obs.Success:
		calibration = 0.5
	default:
		calibration = 0.8
	}

	fb := types.PlanningFeedback{
		Iteration:     iteration,
		PlanSucceeded: obs.Success,
		ToolsMatched:  matched,
		Calibration:   calibration,
		Confidence:    planConfidence,
	}

	c.mu.Lock()
	c.planning = append(c.planning, fb)
	if len(c.planning) > ringSize {
		c.planning = c.planning[len(c.planning)-ringSize:]
	}
	c.planCount++
	if obs.Success {
		c.plansSucceeded++
	}
	c.calibrationSum += calibration
	c.mu.Unlock()

	logging.MetacogDebug("Plan %d scored: succeeded=%v tools_matched=%v calibration=%.1f",
		iteration, obs.Success, matched, calibration)
	return fb
}

// RecentReflections returns the bounded reflection-score ring, oldest first.
func (c *Critic) RecentReflections() []types.ReflectionScore {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ReflectionScore, len(c.reflections))
	copy(out, c.reflections)
	return out
}

// RecentPlanning returns the bounded planning-feedback ring, oldest first.
func (c *Critic) RecentPlanning() []types.PlanningFeedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.PlanningFeedback, len(c.planning))
	copy(out, c.planning)
	return out
}

// AvgAccuracy is the running mean reflection accuracy across the whole
// session, not just the ring.
func (c *Critic) AvgAccuracy() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reflectionCount == 0 {
		return 0
	}
	return c.accuracySum / float64(c.reflectionCount)
}

// TrackRecord renders the critic's view of the model's recent judgment
// for inclusion in reflection prompts. Empty before anything is scored.
func (c *Critic) TrackRecord() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reflectionCount == 0 && c.planCount == 0 {
		return ""
	}

	var b strings.Builder
	if c.reflectionCount > 0 {
		fmt.Fprintf(&b, "Reflection accuracy over %d scored iterations: %.0f%%; mean progress error %.0f points; assessments right %d/%d.",
			c.reflectionCount,
			c.accuracySum/float64(c.reflectionCount)*100,
			c.progressErrSum/float64(c.reflectionCount),
			c.assessedCorrect, c.reflectionCount)
	}
	if c.planCount > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "Plans succeeded %d/%d with mean calibration %.2f.",
			c.plansSucceeded, c.planCount, c.calibrationSum/float64(c.planCount))
	}
	if last := c.lastNoteLocked(); last != "" {
		fmt.Fprintf(&b, " Last critique: %s.", last)
	}
	return b.String()
}

func (c *Critic) lastNoteLocked() string {
	if len(c.reflections) == 0 {
		return ""
	}
	return strings.TrimSuffix(c.reflections[len(c.reflections)-1].Note, ".")
}
