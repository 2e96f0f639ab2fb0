package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forgekeeper/internal/checkpoint"
	"forgekeeper/internal/llm"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/types"
)

// reflectionAttempts is the total number of model calls before reflection
// degrades: one initial request plus two retries.
const reflectionAttempts = 3

var reflectionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"assessment": {"type": "string", "enum": ["continue", "stuck", "complete", "needs_clarification"]},
		"progress": {"type": "number"},
		"confidence": {"type": "number"},
		"reasoning": {"type": "string"},
		"next_action": {"type": "string"},
		"questions": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["assessment", "progress", "confidence", "reasoning", "next_action"],
	"additionalProperties": false
}`)

// reflect asks the model where the session stands and what to do next.
// Failures retry with backoff; when every attempt fails, the previous
// reflection is reused in degraded mode. With no previous reflection to
// fall back on, the error surfaces and the session stops.
func (s *Scheduler) reflect(ctx context.Context, iter int) (types.Reflection, error) {
	if s.deps.LLM == nil {
		return s.degradedReflection(iter, fmt.Errorf("no llm client configured"))
	}

	prompt := s.reflectionPrompt(ctx, iter)
	var lastErr error
	for attempt := 1; attempt <= reflectionAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return types.Reflection{}, ctx.Err()
			case <-time.After(s.retryBackoff * time.Duration(attempt-1)):
			}
		}

		ref, err := s.reflectOnce(ctx, iter, prompt)
		if err == nil {
			return ref, nil
		}
		if ctx.Err() != nil {
			return types.Reflection{}, ctx.Err()
		}
		lastErr = err
		logging.SchedulerWarn("Session %s reflection attempt %d/%d failed: %v",
			s.sessionID(), attempt, reflectionAttempts, err)
	}
	return s.degradedReflection(iter, lastErr)
}

func (s *Scheduler) reflectOnce(ctx context.Context, iter int, prompt string) (types.Reflection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.deps.Config.GetReflectionTimeout())
	defer cancel()

	resp, err := s.deps.LLM.Chat(ctx, types.ChatRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: 0.3,
		Format:      types.FormatJSONSchema,
		Schema:      reflectionSchema,
	})
	if err != nil {
		return types.Reflection{}, fmt.Errorf("reflection request: %w", err)
	}

	raw := string(resp.JSON)
	if raw == "" {
		raw = resp.Text
	}

	var wire struct {
		Assessment string   `json:"assessment"`
		Progress   float64  `json:"progress"`
		Confidence float64  `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
		NextAction string   `json:"next_action"`
		Questions  []string `json:"questions"`
	}
	if err := llm.DecodeJSON(raw, &wire); err != nil {
		return types.Reflection{}, fmt.Errorf("decode reflection: %w", err)
	}

	assessment := types.Assessment(strings.TrimSpace(wire.Assessment))
	if !types.ValidAssessment(assessment) {
		return types.Reflection{}, fmt.Errorf("model returned unknown assessment %q", wire.Assessment)
	}
	next := strings.TrimSpace(wire.NextAction)
	if assessment == types.AssessContinue && next == "" {
		return types.Reflection{}, fmt.Errorf("continue assessment without a next action")
	}

	return types.Reflection{
		Iteration:  iter,
		Assessment: assessment,
		Progress:   clampPercent(wire.Progress),
		Confidence: types.Clamp01(wire.Confidence),
		Reasoning:  strings.TrimSpace(wire.Reasoning),
		NextAction: next,
		Questions:  compactStrings(wire.Questions),
	}, nil
}

// degradedReflection reuses the last reflection when the model is gone,
// forced to continue so the session keeps moving on the stale proposal.
func (s *Scheduler) degradedReflection(iter int, cause error) (types.Reflection, error) {
	s.mu.Lock()
	prev := s.sess.LastReflection()
	task := s.sess.Task
	s.mu.Unlock()

	if prev == nil {
		return types.Reflection{}, fmt.Errorf("reflection unavailable with no previous reflection: %w", cause)
	}

	ref := *prev
	ref.Iteration = iter
	ref.Assessment = types.AssessContinue
	ref.Degraded = true
	ref.Questions = nil
	if ref.NextAction == "" {
		ref.NextAction = "continue working toward: " + task
	}
	logging.SchedulerWarn("Session %s reflection degraded at iteration %d, reusing iteration %d proposal: %v",
		s.sessionID(), iter, prev.Iteration, cause)
	return ref, nil
}

// reflectionPrompt gathers everything the model should weigh: history,
// failures, similar episodes, aggregate task-type stats, the user's risk
// posture, and the critic's running track record.
func (s *Scheduler) reflectionPrompt(ctx context.Context, iter int) string {
	s.mu.Lock()
	sess := cloneSession(s.sess)
	s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "You are the reflection step of an autonomous coding agent.\n\n")
	fmt.Fprintf(&b, "Task: %s\nTask type: %s\nIteration: %d of %d\nCurrent progress estimate: %.0f%%\n\n",
		sess.Task, sess.TaskType, iter, sess.MaxIterations, sess.Progress)

	fmt.Fprintf(&b, "Recent history:\n%s\n\n", formatRecentHistory(sess.History))
	fmt.Fprintf(&b, "Recent failures:\n%s\n\n", formatRecentFailures(sess.Failures))
	fmt.Fprintf(&b, "Similar past sessions:\n%s\n\n", s.formatEpisodes(ctx, sess.Task))
	fmt.Fprintf(&b, "Track record:\n%s\n\n", s.formatTrackRecord(sess.TaskType))

	b.WriteString(`Assess the session and propose exactly one next action.
- assessment: "continue" (more work remains), "complete" (the task is done), "stuck" (no viable action), or "needs_clarification" (the task is ambiguous).
- progress: your percent estimate after the proposed action, 0 to 100.
- confidence: how sure you are the proposed action moves the task forward, 0 to 1.
- next_action: one concrete, tool-executable action in plain language. Required unless complete.
- questions: only for needs_clarification, the questions the user must answer.

Output JSON: {"assessment": "continue", "progress": 40, "confidence": 0.8, "reasoning": "...", "next_action": "...", "questions": []}
JSON only:`)
	return b.String()
}

func (s *Scheduler) formatEpisodes(ctx context.Context, task string) string {
	eps, err := s.deps.Memory.Episodes.Search(ctx, task, memory.SearchOptions{TopN: 2})
	if err != nil || len(eps) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, se := range eps {
		verdict := "succeeded"
		if !se.Episode.Success {
			verdict = "failed"
		}
		fmt.Fprintf(&b, "- %q %s in %d iterations via %s\n",
			truncate(se.Episode.Task, 100), verdict, se.Episode.Iterations, se.Episode.Strategy)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Scheduler) formatTrackRecord(tt types.TaskType) string {
	var b strings.Builder

	stats := s.deps.Memory.Sessions.AggregateStats()
	if ts, ok := stats.ByTaskType[tt]; ok && ts.Sessions > 0 {
		fmt.Fprintf(&b, "- %s tasks: %d/%d succeeded, avg %.1f iterations\n",
			tt, ts.Successes, ts.Sessions, ts.AvgIterations)
	}
	if profile := s.deps.Memory.Preferences.Analyze(checkpoint.DefaultUserID, s.deps.Memory.Feedback.All()); profile.TotalDecisions > 0 {
		fmt.Fprintf(&b, "- user risk tolerance: %s\n", profile.RiskTolerance)
	}
	if tr := s.critic.TrackRecord(); tr != "" {
		fmt.Fprintf(&b, "- reflection accuracy: %s\n", tr)
	}

	if b.Len() == 0 {
		return "(no history yet)"
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRecentHistory(entries []types.ActionHistoryEntry) string {
	if len(entries) == 0 {
		return "(first iteration)"
	}
	if len(entries) > 5 {
		entries = entries[len(entries)-5:]
	}
	var b strings.Builder
	for _, e := range entries {
		status := "ok"
		if !e.Succeeded {
			status = "failed"
		}
		summary := e.ResultSummary
		if summary == "" && e.Error != nil {
			summary = e.Error.Message
		}
		fmt.Fprintf(&b, "- iteration %d (%s): %s -> %s\n",
			e.Iteration, status, truncate(e.NextAction, 120), truncate(summary, 120))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRecentFailures(failures []types.FailureRecord) string {
	if len(failures) == 0 {
		return "(none)"
	}
	if len(failures) > 3 {
		failures = failures[len(failures)-3:]
	}
	var b strings.Builder
	for _, f := range failures {
		fmt.Fprintf(&b, "- iteration %d: %s %s: %s\n", f.Iteration, f.Tool, f.Category, truncate(f.Message, 120))
	}
	return strings.TrimRight(b.String(), "\n")
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func compactStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
