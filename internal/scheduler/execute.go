package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/diagnosis"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/progress"
	"forgekeeper/internal/types"
)

// execOutcome is the raw result of stepping through one plan.
type execOutcome struct {
	toolsUsed    []string
	newArtifacts []string
	stepsRun     int
	stepsOK      int
	firstErr     *types.ToolError
	failedInv    types.ToolInvocation
	category     types.ErrorCategory
	summary      string
	cancelled    bool
	skipped      bool
	verifiedOK   bool
}

func (e execOutcome) success() bool {
	if e.skipped {
		return true
	}
	return e.stepsRun > 0 && e.stepsOK == e.stepsRun && e.firstErr == nil
}

func (e execOutcome) stepRate() float64 {
	if e.stepsRun == 0 {
		if e.skipped {
			return 1
		}
		return 0
	}
	return float64(e.stepsOK) / float64(e.stepsRun)
}

// skippedExecution stands in when a checkpoint resolution chose to run
// nothing this iteration.
func skippedExecution(plan *types.InstructionPlan) execOutcome {
	return execOutcome{
		skipped: true,
		summary: "execution skipped by checkpoint resolution: " + truncate(plan.Approach, 120),
	}
}

// execute steps through the plan. Each step's error_handling hint decides
// what a failure does: retry once, skip to the next step, or stop the
// plan. Cancellation lets the running step finish but starts no new one.
func (s *Scheduler) execute(ctx context.Context, iter int, plan *types.InstructionPlan) execOutcome {
	var exec execOutcome
	seenTool := map[string]bool{}

	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			exec.cancelled = true
			exec.summary = fmt.Sprintf("cancelled before step %d/%d", i+1, len(plan.Steps))
			return exec
		}

		s.emit(contextlog.ActorAutonomous, contextlog.ActExecutionStep, iter, map[string]any{
			"step":     i + 1,
			"of":       len(plan.Steps),
			"tool":     step.Tool,
			"expected": truncate(step.ExpectedOutcome, 120),
		})

		inv := types.ToolInvocation{Tool: step.Tool, Args: step.Args}
		res := s.deps.Executor.Execute(ctx, inv)
		if !res.OK && step.ErrorHandling == "retry" && ctx.Err() == nil {
			logging.SchedulerDebug("Session %s step %d (%s) failed, retrying once", s.sessionID(), i+1, step.Tool)
			res = s.deps.Executor.Execute(ctx, inv)
		}

		exec.stepsRun++
		if !seenTool[step.Tool] {
			seenTool[step.Tool] = true
			exec.toolsUsed = append(exec.toolsUsed, step.Tool)
		}
		s.emitResult(iter, i+1, step.Tool, res)

		if res.OK {
			exec.stepsOK++
			s.observeMovement(step.Tool, res, &exec)
			continue
		}

		category := diagnosis.Classify(res.Err)
		s.recordFailure(iter, step.Tool, category, res.Err)
		if exec.firstErr == nil {
			exec.firstErr = res.Err
			exec.failedInv = inv
			exec.category = category
		}

		if step.ErrorHandling == "skip" || step.ErrorHandling == "continue" {
			continue
		}
		exec.summary = fmt.Sprintf("step %d/%d (%s) failed: %s", i+1, len(plan.Steps), step.Tool, truncate(res.Err.Message, 140))
		return exec
	}

	if exec.firstErr == nil && exec.stepsRun > 0 {
		exec.verifiedOK = s.verify(ctx, iter, plan, &exec)
		if exec.verifiedOK {
			exec.summary = fmt.Sprintf("%d/%d steps ok", exec.stepsOK, exec.stepsRun)
			if plan.Verification != nil && plan.Verification.CheckCommand != "" {
				exec.summary += "; verification passed"
			}
		}
	} else if exec.firstErr != nil {
		exec.summary = fmt.Sprintf("%d/%d steps ok; first failure: %s",
			exec.stepsOK, exec.stepsRun, truncate(exec.firstErr.Message, 140))
	}
	return exec
}

// verify runs the plan's check command. A failing check fails the plan.
func (s *Scheduler) verify(ctx context.Context, iter int, plan *types.InstructionPlan, exec *execOutcome) bool {
	if plan.Verification == nil || plan.Verification.CheckCommand == "" {
		return true
	}
	if ctx.Err() != nil {
		exec.cancelled = true
		exec.summary = "cancelled before verification"
		return false
	}

	inv := types.ToolInvocation{
		Tool: "run_bash",
		Args: map[string]any{"command": plan.Verification.CheckCommand},
	}
	res := s.deps.Executor.Execute(ctx, inv)
	s.emit(contextlog.ActorAutonomous, contextlog.ActVerificationCheck, iter, map[string]any{
		"command":  truncate(plan.Verification.CheckCommand, 140),
		"criteria": truncate(plan.Verification.SuccessCriteria, 140),
		"ok":       res.OK,
	})
	if res.OK {
		s.observeMovement("run_bash", res, exec)
		return true
	}

	category := diagnosis.Classify(res.Err)
	s.recordFailure(iter, "run_bash", category, res.Err)
	if exec.firstErr == nil {
		exec.firstErr = res.Err
		exec.failedInv = inv
		exec.category = category
	}
	exec.summary = "verification failed: " + truncate(res.Err.Message, 140)
	return false
}

// observeMovement feeds the progress tracker only when the world actually
// moved: a new artifact appeared, or a tool's successful output differs
// from its last one. Repeating the same action with the same result
// leaves the stuck window running.
func (s *Scheduler) observeMovement(tool string, res types.ToolResult, exec *execOutcome) {
	s.mu.Lock()
	known := map[string]bool{}
	for _, a := range s.sess.Artifacts {
		known[a] = true
	}
	s.mu.Unlock()
	for _, a := range exec.newArtifacts {
		known[a] = true
	}

	for _, artifact := range res.Artifacts {
		if known[artifact.Path] {
			continue
		}
		exec.newArtifacts = append(exec.newArtifacts, artifact.Path)
		s.deps.Tracker.StateChange(progress.StateArtifactChanged, artifact.Path)
	}

	hash := outputHash(res.Output)
	if s.lastOutputs[tool] != hash {
		s.lastOutputs[tool] = hash
		s.deps.Tracker.StateChange("output_changed", tool)
	}
}

func (s *Scheduler) recordFailure(iter int, tool string, category types.ErrorCategory, toolErr *types.ToolError) {
	s.mu.Lock()
	s.sess.Failures = append(s.sess.Failures, types.FailureRecord{
		Iteration: iter,
		Tool:      tool,
		Category:  category,
		Message:   toolErr.Message,
	})
	s.mu.Unlock()
}

func (s *Scheduler) emitResult(iter, step int, tool string, res types.ToolResult) {
	payload := map[string]any{
		"step":      step,
		"tool":      tool,
		"ok":        res.OK,
		"artifacts": len(res.Artifacts),
	}
	if res.Err != nil {
		payload["error"] = res.Err.Name
		payload["exit_code"] = res.Err.ExitCode
	}
	s.emit(contextlog.ActorAutonomous, contextlog.ActExecutionResult, iter, payload)
}

// bindOutcome turns the raw execution into the observed outcome the
// critic scores and the next reflection sees. Progress moves by a
// deterministic estimate, never by model opinion: success advances a
// fifth of the remaining distance plus a bonus per new artifact, failure
// advances a sliver proportional to how many steps still landed.
func (s *Scheduler) bindOutcome(iter int, exec execOutcome) types.ObservedOutcome {
	s.mu.Lock()
	prev := s.sess.Progress
	s.mu.Unlock()

	success := exec.success()
	actual := prev
	if !exec.skipped {
		if success {
			bonus := 0.1 * float64(min(len(exec.newArtifacts), 3))
			actual = prev + (100-prev)*(0.2+bonus)
		} else {
			actual = prev + (100-prev)*0.05*exec.stepRate()
		}
	}

	return types.ObservedOutcome{
		Iteration:       iter,
		ActualProgress:  clampPercent(actual),
		Success:         success,
		ToolsUsed:       exec.toolsUsed,
		Artifacts:       exec.newArtifacts,
		Error:           exec.firstErr,
		StepSuccessRate: exec.stepRate(),
	}
}

func outputHash(out string) string {
	sum := sha256.Sum256([]byte(out))
	return hex.EncodeToString(sum[:8])
}
