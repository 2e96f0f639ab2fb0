package scheduler

import (
	"context"
	"fmt"
	"time"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// recoveryCarry is a recovery plan promoted to the next iteration's plan.
// Adopting it skips reflection and the confidence gate once.
type recoveryCarry struct {
	category types.ErrorCategory
	strategy types.RecoveryStrategy
}

// adoptCarry turns the scheduled recovery into this iteration's synthetic
// reflection and plan. The reflection is recorded like any other so the
// history stays one-to-one with reflections.
func (s *Scheduler) adoptCarry(iter int) (types.Reflection, *plannedIteration) {
	carry := s.carry
	s.carry = nil

	s.mu.Lock()
	progress := s.sess.Progress
	s.mu.Unlock()

	ref := types.Reflection{
		Iteration:  iter,
		Assessment: types.AssessContinue,
		Progress:   progress,
		Confidence: carry.strategy.Confidence,
		Reasoning:  fmt.Sprintf("recovering from %s via %s", carry.category, carry.strategy.Name),
		NextAction: "recovery: " + carry.strategy.Name,
	}
	s.mu.Lock()
	s.sess.AddReflection(ref)
	s.mu.Unlock()
	s.emit(contextlog.ActorAutonomous, contextlog.ActReflection, iter, map[string]any{
		"assessment":  string(ref.Assessment),
		"confidence":  ref.Confidence,
		"next_action": ref.NextAction,
		"recovery":    true,
	})
	logging.Scheduler("Session %s iteration %d executes recovery %q for %s",
		s.sessionID(), iter, carry.strategy.Name, carry.category)

	plan := &types.InstructionPlan{
		Approach: fmt.Sprintf("recover from %s: %s", carry.category, carry.strategy.Name),
		Steps:    carry.strategy.Steps,
	}
	return ref, &plannedIteration{
		plan:             plan,
		confidence:       carry.strategy.Confidence,
		source:           "recovery",
		fromRecovery:     true,
		recoveryCategory: carry.category,
		recoveryStrategy: carry.strategy.Name,
	}
}

// diagnoseAndSchedule runs the failure pipeline: classify (already done
// during execution), diagnose the why-chain, plan a recovery, and carry
// it into the next iteration when its primary strategy clears the
// confidence threshold.
func (s *Scheduler) diagnoseAndSchedule(ctx context.Context, iter int, exec execOutcome) {
	if !s.budget.Allow() {
		logging.SchedulerDebug("Session %s: diagnosis budget exhausted for iteration %d", s.sessionID(), iter)
		return
	}

	s.emit(contextlog.ActorAutonomous, contextlog.ActErrorClassified, iter, map[string]any{
		"tool":      exec.failedInv.Tool,
		"category":  string(exec.category),
		"error":     exec.firstErr.Name,
		"exit_code": exec.firstErr.ExitCode,
	})

	diag, err := s.deps.Reflector.Diagnose(ctx, exec.failedInv, exec.firstErr, exec.category, exec.summary)
	if err != nil {
		logging.SchedulerWarn("Session %s: diagnosis failed for %s: %v", s.sessionID(), exec.category, err)
		return
	}
	s.emit(contextlog.ActorAutonomous, contextlog.ActDiagnosticReflection, iter, map[string]any{
		"category":   string(diag.Category),
		"root_cause": truncate(diag.RootCause.Description, 160),
		"direction":  truncate(diag.SuggestedDirection, 160),
		"method":     diag.Method,
		"why_depth":  len(diag.WhyChain),
	})

	plan := s.recovery.Plan(exec.failedInv, exec.firstErr, diag)
	if plan == nil {
		return
	}

	// The same category failing again and again means the strategy family
	// is not working; each repeat past the second knocks the primary down.
	if exec.category == s.lastCategory {
		s.categoryRepeat++
	} else {
		s.lastCategory = exec.category
		s.categoryRepeat = 1
	}
	if s.categoryRepeat >= 3 {
		penalty := 0.1 * float64(s.categoryRepeat-2)
		plan.Primary.Confidence = clampNonNegative(plan.Primary.Confidence - penalty)
		logging.SchedulerWarn("Session %s: %s recovery repeated %d times, primary confidence down to %.2f",
			s.sessionID(), exec.category, s.categoryRepeat, plan.Primary.Confidence)
	}

	s.emit(contextlog.ActorAutonomous, contextlog.ActRecoveryPlan, iter, map[string]any{
		"category":   string(plan.Category),
		"primary":    plan.Primary.Name,
		"confidence": plan.Primary.Confidence,
		"fallbacks":  len(plan.Fallbacks),
		"historical": plan.HistoricalSuccessRate,
	})

	threshold := s.deps.Config.Scheduler.RecoveryConfidence
	if plan.Primary.Confidence < threshold {
		logging.Scheduler("Session %s: recovery %q confidence %.2f below %.2f, failure recorded only",
			s.sessionID(), plan.Primary.Name, plan.Primary.Confidence, threshold)
		return
	}

	s.carry = &recoveryCarry{category: plan.Category, strategy: plan.Primary}
	s.recoveries.attempted++
	logging.Scheduler("Session %s: recovery %q scheduled for next iteration (confidence %.2f)",
		s.sessionID(), plan.Primary.Name, plan.Primary.Confidence)
}

// settleRecovery records how a carried recovery went, feeding the pattern
// learner that adjusts future strategy confidences.
func (s *Scheduler) settleRecovery(iter int, planned *plannedIteration, success bool) {
	outcome := types.RecoveryOutcome{
		Category:   planned.recoveryCategory,
		Strategy:   planned.recoveryStrategy,
		Success:    success,
		Iterations: 1,
		Timestamp:  time.Now(),
	}
	if err := s.deps.Memory.Patterns.Record(outcome); err != nil {
		logging.SchedulerWarn("Session %s: recovery outcome record failed: %v", s.sessionID(), err)
	}
	s.emit(contextlog.ActorAutonomous, contextlog.ActRecoveryAttemptResult, iter, map[string]any{
		"category": string(planned.recoveryCategory),
		"strategy": planned.recoveryStrategy,
		"success":  success,
	})

	if success {
		s.recoveries.succeeded++
		s.lastCategory = ""
		s.categoryRepeat = 0
	}
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
