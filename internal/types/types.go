// Package types provides shared type definitions used across forgekeeper packages.
// This package exists to break import cycles between the scheduler, planner,
// diagnosis, and memory packages. Types in this package should be foundational
// data structures with no complex dependencies.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SESSION
// =============================================================================

// Outcome is the terminal (or running) state of a session.
type Outcome string

const (
	OutcomeRunning            Outcome = "running"
	OutcomeCompleted          Outcome = "completed"
	OutcomeStopped            Outcome = "stopped"
	OutcomeStuck              Outcome = "stuck"
	OutcomeNeedsClarification Outcome = "needs_clarification"
)

// Terminal reports whether the outcome ends the session. A session in
// needs_clarification is paused, not terminated: it may still resume.
func (o Outcome) Terminal() bool {
	return o == OutcomeCompleted || o == OutcomeStopped || o == OutcomeStuck
}

// TaskType is the classified category of the original task text.
type TaskType string

const (
	TaskCodeGeneration TaskType = "code_generation"
	TaskAnalysis       TaskType = "analysis"
	TaskDebugging      TaskType = "debugging"
	TaskRefactoring    TaskType = "refactoring"
	TaskTesting        TaskType = "testing"
	TaskDocumentation  TaskType = "documentation"
	TaskOther          TaskType = "other"
)

// taskTypeKeywords maps each task type to the phrases that indicate it.
// Order of evaluation is fixed in ClassifyTaskType; more specific
// categories are checked before generic ones.
var taskTypeKeywords = []struct {
	taskType TaskType
	keywords []string
}{
	{TaskDebugging, []string{"fix", "bug", "debug", "crash", "broken", "failing", "error in"}},
	{TaskRefactoring, []string{"refactor", "rename", "restructure", "clean up", "simplify", "extract"}},
	{TaskTesting, []string{"test", "coverage", "assertion"}},
	{TaskDocumentation, []string{"document", "readme", "docstring", "comment", "changelog"}},
	{TaskAnalysis, []string{"analyze", "analyse", "investigate", "explain", "review", "understand", "compare", "why"}},
	{TaskCodeGeneration, []string{"write", "create", "implement", "add", "build", "generate", "scaffold", "new "}},
}

// ClassifyTaskType buckets free-form task text into a TaskType by keyword
// matching. Deterministic: the first matching category in declaration
// order wins, so "fix the failing test" is debugging, not testing.
func ClassifyTaskType(task string) TaskType {
	lower := strings.ToLower(task)
	for _, entry := range taskTypeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.taskType
			}
		}
	}
	return TaskOther
}

// NewSessionID returns a time-ordered session identifier. The timestamp
// prefix keeps lexicographic order aligned with creation order; the uuid
// suffix disambiguates sessions created in the same nanosecond.
func NewSessionID() string {
	return fmt.Sprintf("s-%d-%s", time.Now().UnixNano(), uuid.NewString()[:4])
}

// Session is the unit of execution: one task driven to a terminal outcome.
// A session is owned exclusively by its scheduler and mutated only within
// iteration boundaries. The iteration counter never decreases.
type Session struct {
	ID            string   `json:"id"`
	Task          string   `json:"task"`
	TaskType      TaskType `json:"task_type"`
	MaxIterations int      `json:"max_iterations"`
	Iteration     int      `json:"iteration"`

	// Progress is the agent's current estimate in percent [0,100].
	Progress   float64 `json:"progress"`
	Confidence float64 `json:"confidence"`

	History   []ActionHistoryEntry `json:"history"`
	Artifacts []string             `json:"artifacts"`
	Failures  []FailureRecord      `json:"failures"`

	// Reflections and PlanFeedback are bounded rings (last 5 each).
	Reflections  []Reflection        `json:"reflections"`
	PlanFeedback []PlanningFeedback  `json:"plan_feedback"`

	Outcome Outcome `json:"outcome"`
	// Reason qualifies a terminal outcome (e.g. "max_iterations_reached").
	Reason string `json:"reason,omitempty"`

	// Questions holds outstanding clarification questions while the
	// session is paused in needs_clarification.
	Questions []string `json:"questions,omitempty"`

	// StuckThreshold records the heartbeat window that was in force for
	// this session's stuck detection.
	StuckThreshold int `json:"stuck_threshold"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// ReflectionRing is the bound on Session.Reflections and Session.PlanFeedback.
const ReflectionRing = 5

// AddReflection appends r and trims the ring to the last ReflectionRing entries.
func (s *Session) AddReflection(r Reflection) {
	s.Reflections = append(s.Reflections, r)
	if len(s.Reflections) > ReflectionRing {
		s.Reflections = s.Reflections[len(s.Reflections)-ReflectionRing:]
	}
}

// AddPlanFeedback appends f and trims the ring to the last ReflectionRing entries.
func (s *Session) AddPlanFeedback(f PlanningFeedback) {
	s.PlanFeedback = append(s.PlanFeedback, f)
	if len(s.PlanFeedback) > ReflectionRing {
		s.PlanFeedback = s.PlanFeedback[len(s.PlanFeedback)-ReflectionRing:]
	}
}

// LastReflection returns the most recent reflection, or nil if none exists.
func (s *Session) LastReflection() *Reflection {
	if len(s.Reflections) == 0 {
		return nil
	}
	return &s.Reflections[len(s.Reflections)-1]
}

// RecentActions returns the last n next-action texts, oldest first.
func (s *Session) RecentActions(n int) []string {
	start := len(s.History) - n
	if start < 0 {
		start = 0
	}
	actions := make([]string, 0, len(s.History)-start)
	for _, e := range s.History[start:] {
		actions = append(actions, e.NextAction)
	}
	return actions
}

// ActionHistoryEntry records one completed iteration. The entry is tied to
// the reflection that proposed it by sharing its iteration number; the two
// sequences are one-to-one. Either Error or ResultSummary is set; both are
// set only when a recovery succeeded after an initial failure.
type ActionHistoryEntry struct {
	Iteration           int        `json:"iteration"`
	NextAction          string     `json:"next_action"`
	ToolsUsed           []string   `json:"tools_used"`
	ResultSummary       string     `json:"result_summary,omitempty"`
	Artifacts           []string   `json:"artifacts,omitempty"`
	Error               *ToolError `json:"error,omitempty"`
	PredictedProgress   float64    `json:"predicted_progress"`
	PredictedConfidence float64    `json:"predicted_confidence"`
	Succeeded           bool       `json:"succeeded"`
}

// FailureRecord is one entry in the session's failure list.
type FailureRecord struct {
	Iteration int           `json:"iteration"`
	Tool      string        `json:"tool,omitempty"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
}

// =============================================================================
// REFLECTION
// =============================================================================

// Assessment is the reflection's verdict on the session's state.
type Assessment string

const (
	AssessContinue           Assessment = "continue"
	AssessStuck              Assessment = "stuck"
	AssessComplete           Assessment = "complete"
	AssessNeedsClarification Assessment = "needs_clarification"
)

// ValidAssessment reports whether a is one of the four defined verdicts.
func ValidAssessment(a Assessment) bool {
	switch a {
	case AssessContinue, AssessStuck, AssessComplete, AssessNeedsClarification:
		return true
	}
	return false
}

// Reflection is the model's assessment of current state and its proposal
// for the next action.
type Reflection struct {
	Iteration  int        `json:"iteration"`
	Assessment Assessment `json:"assessment"`
	// Progress is the predicted progress percent after the proposed action.
	Progress   float64 `json:"progress"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	NextAction string  `json:"next_action"`
	// Questions is populated when Assessment is needs_clarification.
	Questions []string `json:"questions,omitempty"`
	// Degraded marks a reflection reused from a previous iteration after
	// the LLM became unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// ObservedOutcome is what actually happened in an iteration, bound after
// execution and used to score the reflection that predicted it.
type ObservedOutcome struct {
	Iteration       int        `json:"iteration"`
	ActualProgress  float64    `json:"actual_progress"`
	Success         bool       `json:"success"`
	ToolsUsed       []string   `json:"tools_used"`
	Artifacts       []string   `json:"artifacts"`
	Error           *ToolError `json:"error,omitempty"`
	StepSuccessRate float64    `json:"step_success_rate"`
}

// ReflectionScore is the meta-reflection critique of a previous reflection
// against the observed outcome.
type ReflectionScore struct {
	Iteration         int     `json:"iteration"`
	ProgressError     float64 `json:"progress_error"`
	ConfidenceError   float64 `json:"confidence_error"`
	AssessmentCorrect bool    `json:"assessment_correct"`
	// Overall accuracy in [0,1]: 0.4·progress + 0.3·confidence + 0.3·assessment.
	Overall float64 `json:"overall"`
	Note    string  `json:"note,omitempty"`
}

// PlanningFeedback scores how well a plan's prediction matched execution.
type PlanningFeedback struct {
	Iteration     int     `json:"iteration"`
	PlanSucceeded bool    `json:"plan_succeeded"`
	ToolsMatched  bool    `json:"tools_matched"`
	Calibration   float64 `json:"calibration"`
	Confidence    float64 `json:"confidence"`
}

// =============================================================================
// RISK / LEVEL SCALES
// =============================================================================

// Level is a coarse three-step scale used for complexity, risk, and relevance.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// LevelForScore maps a 0–10 score onto the three-step scale:
// low 0–3, medium 4–6, high 7–10.
func LevelForScore(score float64) Level {
	switch {
	case score <= 3:
		return LevelLow
	case score <= 6:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClampPercent bounds v to [0,100].
func ClampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
