package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forgekeeper/internal/alternatives"
	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/metacog"
	"forgekeeper/internal/planner"
	"forgekeeper/internal/types"
)

// plannedIteration carries one iteration's plan plus its provenance for
// the gate, the cache credit, and the planning-feedback score.
type plannedIteration struct {
	plan       *types.InstructionPlan
	confidence float64
	source     string
	// cacheable and cacheKey credit the plan cache after success on the
	// direct path. Alternative and recovery plans are never cached.
	cacheable bool
	cacheKey  planner.CacheKey
	// decision is the full ranking on the alternatives path, used to
	// synthesize a lower-risk checkpoint option.
	decision     *types.RankedDecision
	fromRecovery bool
	// recoveryCategory and recoveryStrategy identify the carried recovery
	// so its outcome can be settled against the pattern store.
	recoveryCategory types.ErrorCategory
	recoveryStrategy string
}

// plan produces this iteration's instruction plan. Low reflection
// confidence routes through the alternative planner when one is wired;
// everything else plans directly.
func (s *Scheduler) plan(ctx context.Context, iter int, ref types.Reflection, action string) (*plannedIteration, error) {
	s.mu.Lock()
	sess := cloneSession(s.sess)
	s.mu.Unlock()
	registry := s.tools()

	if s.deps.Alternatives != nil && ref.Confidence < directConfidence {
		if planned := s.planAlternatives(ctx, iter, sess, registry, action); planned != nil {
			return planned, nil
		}
	}

	start := time.Now()
	res, err := s.deps.Planner.Plan(ctx, planner.Request{
		Action:     action,
		Goal:       sess.Task,
		TaskType:   sess.TaskType,
		Tools:      registry,
		History:    sess.History,
		Failures:   sess.Failures,
		WorkingDir: s.deps.Config.Execution.Workspace,
	})
	if err != nil {
		return nil, err
	}

	s.emit(contextlog.ActorAutonomous, contextlog.ActPlanningPhase, iter, map[string]any{
		"source":        string(res.Source),
		"fallback_used": res.FallbackUsed,
		"approach":      truncate(res.Plan.Approach, 160),
		"steps":         len(res.Plan.Steps),
		"elapsed_ms":    time.Since(start).Milliseconds(),
	})

	return &plannedIteration{
		plan:       res.Plan,
		confidence: meanStepConfidence(res.Plan),
		source:     string(res.Source),
		cacheable:  true,
		cacheKey:   res.CacheKey,
	}, nil
}

// planAlternatives runs the alternative planner and adopts its chosen
// candidate. Any failure falls back to direct planning by returning nil.
func (s *Scheduler) planAlternatives(ctx context.Context, iter int, sess *types.Session, registry []types.ToolInfo, action string) *plannedIteration {
	episodes, err := s.deps.Memory.Episodes.Search(ctx, sess.Task, memory.SearchOptions{TopN: 3})
	if err != nil {
		episodes = nil
	}

	decision, err := s.deps.Alternatives.Propose(ctx, alternatives.Request{
		Action:          action,
		Goal:            sess.Task,
		TaskType:        sess.TaskType,
		Tools:           registry,
		History:         sess.History,
		Failures:        sess.Failures,
		Episodes:        episodes,
		ToolTrackRecord: s.deps.Memory.Sessions.ToolEffectiveness(),
		MaxIterations:   sess.MaxIterations,
	})
	if err != nil {
		logging.SchedulerWarn("Session %s: alternative planning failed, planning directly: %v", sess.ID, err)
		return nil
	}
	chosen := decision.Chosen()
	if chosen == nil {
		return nil
	}

	plan := planFromAlternative(chosen.Alternative, decision)
	s.strategy = chosen.Alternative.Name
	s.emit(contextlog.ActorAutonomous, contextlog.ActPlanningPhase, iter, map[string]any{
		"source":        "alternatives",
		"chosen":        chosen.Alternative.Name,
		"candidates":    len(decision.Ranked),
		"overall_score": chosen.OverallScore,
		"justification": truncate(decision.Justification, 200),
		"steps":         len(plan.Steps),
	})

	return &plannedIteration{
		plan:       plan,
		confidence: chosen.Alternative.Confidence,
		source:     "alternatives",
		decision:   decision,
	}
}

// planFromAlternative converts a chosen alternative into an instruction
// plan. Alternative steps carry no per-step error handling, so every step
// aborts on failure; the other candidates become the plan's alternatives.
func planFromAlternative(alt types.Alternative, decision *types.RankedDecision) *types.InstructionPlan {
	plan := &types.InstructionPlan{
		Approach:      alt.Name + ": " + alt.Description,
		Prerequisites: alt.Prerequisites,
	}
	for _, st := range alt.Steps {
		plan.Steps = append(plan.Steps, types.PlanStep{
			Tool:            st.Tool,
			Args:            st.Args,
			ExpectedOutcome: expectedOrDescription(st),
			ErrorHandling:   "abort",
			Confidence:      alt.Confidence,
		})
	}
	for _, ranked := range decision.Ranked {
		if ranked.Alternative.ID != alt.ID {
			plan.Alternatives = append(plan.Alternatives, ranked.Alternative.Name+": "+ranked.Alternative.Description)
		}
	}
	return plan
}

func expectedOrDescription(st types.AlternativeStep) string {
	if st.ExpectedOutcome != "" {
		return st.ExpectedOutcome
	}
	return st.Description
}

// gateVerdict is the confidence gate's outcome for one plan.
type gateVerdict struct {
	skipExecution bool
	substituted   *types.InstructionPlan
}

// confidenceGate scores the plan and, when the score falls under the
// decision type's threshold, suspends on a checkpoint until the user
// picks an option. The returned error is only ever context cancellation.
func (s *Scheduler) confidenceGate(ctx context.Context, iter int, planned *plannedIteration) (gateVerdict, error) {
	dt := decisionTypeFor(planned)
	factors := s.confidenceFactors(planned)
	score := s.deps.Confidence.Score(dt, factors)

	if !s.deps.Confidence.ShouldCheckpoint(dt, score) {
		return gateVerdict{}, nil
	}

	threshold := s.deps.Confidence.Threshold(dt)
	options := s.checkpointOptions(planned)
	cp, err := s.deps.Checkpoints.Create(s.sessionID(), iter, dt,
		fmt.Sprintf("confidence %.2f below %.2f for: %s", score, threshold, truncate(planned.plan.Approach, 140)),
		score, options)
	if err != nil {
		logging.SchedulerWarn("Session %s: checkpoint create failed, proceeding without gate: %v", s.sessionID(), err)
		return gateVerdict{}, nil
	}
	logging.Scheduler("Session %s suspended on checkpoint %s (%s scored %.2f < %.2f)",
		s.sessionID(), cp.ID, dt, score, threshold)

	resolved, err := s.deps.Checkpoints.AwaitResolution(ctx, cp.ID)
	if err != nil {
		return gateVerdict{}, err
	}

	if resolved.Status == types.CheckpointExpired {
		// Nobody answered: fall back to the safest option.
		if safest := resolved.SafestOption(); safest != nil && len(safest.Steps) > 0 {
			return gateVerdict{substituted: substitutePlan(planned.plan, safest.Steps)}, nil
		}
		return gateVerdict{skipExecution: true}, nil
	}
	if resolved.Resolution == nil {
		return gateVerdict{}, nil
	}

	selected := resolved.Resolution.SelectedOptionID
	accepted := false
	if safest := resolved.SafestOption(); safest != nil {
		accepted = selected == safest.ID
	}
	s.deps.Confidence.Calibration().Record(types.CalibrationRecord{
		DecisionType:        dt,
		PredictedConfidence: score,
		UserAccepted:        accepted,
		Timestamp:           time.Now(),
	})
	s.emit(contextlog.ActorAutonomous, contextlog.ActConfidenceCalibration, iter, map[string]any{
		"decision_type": string(dt),
		"predicted":     score,
		"user_accepted": accepted,
	})
	if s.deps.Preferences != nil {
		if err := s.deps.Preferences.RecordResolution(resolved); err != nil {
			logging.SchedulerWarn("Session %s: preference record failed: %v", s.sessionID(), err)
		}
	}

	switch selected {
	case optionProceed:
		return gateVerdict{}, nil
	case optionSkip:
		return gateVerdict{skipExecution: true}, nil
	default:
		for _, opt := range resolved.Options {
			if opt.ID == selected && len(opt.Steps) > 0 {
				return gateVerdict{substituted: substitutePlan(planned.plan, opt.Steps)}, nil
			}
		}
		return gateVerdict{}, nil
	}
}

// Checkpoint option ids, ordered safest first.
const (
	optionSafer   = "safer"
	optionSkip    = "skip"
	optionProceed = "proceed"
)

// checkpointOptions builds the three choices a low-confidence plan offers:
// substitute lower-risk steps, skip this iteration, or run the plan as
// proposed.
func (s *Scheduler) checkpointOptions(planned *plannedIteration) []types.CheckpointOption {
	proceedRisk := types.LevelMedium
	if destructiveShare(planned.plan) > 0 {
		proceedRisk = types.LevelHigh
	}

	return []types.CheckpointOption{
		{
			ID:          optionSafer,
			Label:       "Substitute lower-risk steps",
			Description: "Run a non-destructive variant that gathers the same ground truth.",
			RiskLevel:   types.LevelLow,
			Steps:       s.saferSteps(planned),
		},
		{
			ID:          optionSkip,
			Label:       "Skip this iteration",
			Description: "Execute nothing now; the next reflection re-plans from unchanged state.",
			RiskLevel:   types.LevelMedium,
			Steps:       nil,
		},
		{
			ID:          optionProceed,
			Label:       "Proceed as planned",
			Description: "Run the proposed steps unchanged.",
			RiskLevel:   proceedRisk,
			Steps:       planned.plan.Steps,
		},
	}
}

// saferSteps picks the lowest-risk ranked candidate's steps when the
// alternatives path produced this plan; otherwise it synthesizes a
// read-only survey so the user can still choose action over inaction.
func (s *Scheduler) saferSteps(planned *plannedIteration) []types.PlanStep {
	if planned.decision != nil {
		var best *types.RankedAlternative
		for i := range planned.decision.Ranked {
			ra := &planned.decision.Ranked[i]
			if countDestructive(altSteps(ra.Alternative)) > 0 {
				continue
			}
			if best == nil || ra.OverallScore > best.OverallScore {
				best = ra
			}
		}
		if best != nil && len(best.Alternative.Steps) > 0 {
			return planFromAlternative(best.Alternative, planned.decision).Steps
		}
	}

	return []types.PlanStep{
		{
			Tool:            "read_dir",
			Args:            map[string]any{"path": "."},
			ExpectedOutcome: "workspace contents listed before any change",
			ErrorHandling:   "skip",
			Confidence:      0.9,
		},
		{
			Tool:            "run_bash",
			Args:            map[string]any{"command": "git status --short 2>/dev/null || ls -la"},
			ExpectedOutcome: "workspace state is visible",
			ErrorHandling:   "skip",
			Confidence:      0.8,
		},
	}
}

// substitutePlan keeps the plan's framing but swaps the steps the user
// chose in. Verification is dropped: it was written for the original
// steps and would fail the substitute.
func substitutePlan(original *types.InstructionPlan, steps []types.PlanStep) *types.InstructionPlan {
	sub := *original
	sub.Steps = steps
	sub.Verification = nil
	return &sub
}

// decisionTypeFor gates destructive plans as execution decisions, which
// carry the strictest threshold; everything else is a plan decision.
func decisionTypeFor(planned *plannedIteration) types.DecisionType {
	if destructiveShare(planned.plan) > 0 {
		return types.DecisionExecution
	}
	return types.DecisionPlan
}

// confidenceFactors derives the five scoring inputs from the plan and the
// session's track record.
func (s *Scheduler) confidenceFactors(planned *plannedIteration) metacog.Factors {
	s.mu.Lock()
	historyLen := len(s.sess.History)
	failures := len(s.sess.Failures)
	tt := s.sess.TaskType
	s.mu.Unlock()

	historical := 0.5
	stats := s.deps.Memory.Sessions.AggregateStats()
	if ts, ok := stats.ByTaskType[tt]; ok && ts.Sessions > 0 {
		historical = float64(ts.Successes) / float64(ts.Sessions)
	}

	context := 0.4 + 0.1*float64(min(historyLen, 4))
	if failures == 0 {
		context += 0.2
	}

	return metacog.Factors{
		OptionClarity:       meanStepConfidence(planned.plan),
		HistoricalSuccess:   historical,
		RiskAlignment:       1 - destructiveShare(planned.plan),
		EffortCertainty:     effortCertainty(len(planned.plan.Steps)),
		ContextCompleteness: context,
	}
}

func meanStepConfidence(plan *types.InstructionPlan) float64 {
	if len(plan.Steps) == 0 {
		return 0
	}
	var sum float64
	for _, st := range plan.Steps {
		sum += st.Confidence
	}
	return sum / float64(len(plan.Steps))
}

// destructiveShare is the fraction of plan steps that can lose work.
func destructiveShare(plan *types.InstructionPlan) float64 {
	if len(plan.Steps) == 0 {
		return 0
	}
	return float64(countDestructive(plan.Steps)) / float64(len(plan.Steps))
}

func countDestructive(steps []types.PlanStep) int {
	n := 0
	for _, st := range steps {
		if destructiveStep(st) {
			n++
		}
	}
	return n
}

// destructiveMarkers mirror the alternative planner's risk heuristic.
var destructiveMarkers = []string{
	"rm ", "rm\t", "rmdir", "mv ", "dd ", "truncate", "chmod", "chown",
	"git reset --hard", "git clean", "git push --force", "drop table", "mkfs",
}

func destructiveStep(st types.PlanStep) bool {
	if st.Tool == "write_file" {
		return true
	}
	if st.Tool != "run_bash" {
		return false
	}
	cmd, _ := st.Args["command"].(string)
	cmd = strings.ToLower(cmd)
	for _, marker := range destructiveMarkers {
		if strings.Contains(cmd, marker) {
			return true
		}
	}
	return false
}

// effortCertainty trusts step counts inside the planner's bounds and
// discounts plans that had to stretch past them.
func effortCertainty(steps int) float64 {
	switch {
	case steps == 0:
		return 0
	case steps <= planner.MaxSteps:
		return 1
	default:
		return 0.6
	}
}

func altSteps(alt types.Alternative) []types.PlanStep {
	out := make([]types.PlanStep, 0, len(alt.Steps))
	for _, st := range alt.Steps {
		out = append(out, types.PlanStep{Tool: st.Tool, Args: st.Args})
	}
	return out
}
