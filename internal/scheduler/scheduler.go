// Package scheduler drives one task to a terminal outcome through
// reflect-plan-execute iterations. Each iteration asks the model where the
// session stands, plans the proposed next action, gates risky plans behind
// checkpoints, executes through the tool registry, and binds what actually
// happened back into memory so the next iteration reflects on real state.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"forgekeeper/internal/alternatives"
	"forgekeeper/internal/checkpoint"
	"forgekeeper/internal/config"
	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/diagnosis"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/metacog"
	"forgekeeper/internal/planner"
	"forgekeeper/internal/progress"
	"forgekeeper/internal/types"
)

// Terminal reasons recorded on Session.Reason.
const (
	ReasonMaxIterations  = "max_iterations_reached"
	ReasonCancelled      = "cancelled"
	ReasonLLMUnavailable = "llm_unavailable"
	ReasonStuck          = "no_state_change"
	ReasonPlanningFailed = "planning_failed"
)

// directConfidence is the reflection confidence at or above which the
// scheduler plans directly instead of generating alternatives first.
const directConfidence = 0.7

// defaultRetryBackoff spaces reflection retries.
const defaultRetryBackoff = 500 * time.Millisecond

// Deps are the scheduler's collaborators. Config, Executor, Planner,
// Memory, Confidence, Checkpoints, Tracker and Events are required.
// LLM may be nil: planning falls back to heuristics and reflection
// degrades onto the previous reflection or fails the session.
type Deps struct {
	Config   *config.Config
	LLM      types.LLMClient
	Executor types.ToolExecutor
	Planner  *planner.Planner
	// Alternatives is optional; when nil every action plans directly.
	Alternatives *alternatives.Planner
	Memory       *memory.Memory
	Confidence   *metacog.ConfidenceEngine
	Checkpoints  *checkpoint.Manager
	// Preferences is optional; when set, checkpoint resolutions feed the
	// preference analyzer.
	Preferences *checkpoint.PreferenceAnalyzer
	// Reflector is optional; nil builds one over LLM (rule table when LLM
	// is nil too).
	Reflector *diagnosis.Reflector
	Tracker   *progress.Tracker
	Events    *contextlog.Log
	// Sessions is optional; nil disables snapshot persistence.
	Sessions *SessionStore
}

// Scheduler owns exactly one session at a time. Run multiple sessions in
// parallel with multiple Scheduler instances sharing the same stores.
type Scheduler struct {
	deps     Deps
	critic   *metacog.Critic
	recovery *diagnosis.RecoveryPlanner
	budget   diagnosis.Budget

	// retryBackoff spaces reflection retries; tests shrink it.
	retryBackoff time.Duration

	mu      sync.Mutex
	running bool
	sess    *types.Session

	// Cross-iteration working state, reset per session.
	carry          *recoveryCarry
	stuckStreak    int
	forceDifferent bool
	sawDuplicates  bool
	lastCategory   types.ErrorCategory
	categoryRepeat int
	lastRef        *types.Reflection
	lastObs        *types.ObservedOutcome
	lastOutputs    map[string]string
	strategy       string
	episodeWritten bool
	recoveries     recoveryTally
}

type recoveryTally struct {
	attempted int
	succeeded int
}

// New validates the dependency set and builds a scheduler.
func New(deps Deps) (*Scheduler, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("scheduler: config is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("scheduler: tool executor is required")
	case deps.Planner == nil:
		return nil, fmt.Errorf("scheduler: planner is required")
	case deps.Memory == nil:
		return nil, fmt.Errorf("scheduler: memory is required")
	case deps.Confidence == nil:
		return nil, fmt.Errorf("scheduler: confidence engine is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("scheduler: checkpoint manager is required")
	case deps.Tracker == nil:
		return nil, fmt.Errorf("scheduler: progress tracker is required")
	case deps.Events == nil:
		return nil, fmt.Errorf("scheduler: context log is required")
	}
	if deps.Reflector == nil {
		deps.Reflector = diagnosis.NewReflector(deps.LLM)
	}
	return &Scheduler{
		deps:         deps,
		critic:       metacog.NewCritic(),
		recovery:     diagnosis.NewRecoveryPlanner(diagnosis.NewPatternLearner(deps.Memory.Patterns)),
		retryBackoff: defaultRetryBackoff,
	}, nil
}

// Run drives a new session for task until it terminates or pauses for
// clarification. The returned session is a snapshot; the error is nil
// unless the run was aborted or the model became unavailable.
func (s *Scheduler) Run(ctx context.Context, task string) (*types.Session, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrSessionRunning
	}
	s.running = true
	s.sess = &types.Session{
		ID:             types.NewSessionID(),
		Task:           task,
		TaskType:       types.ClassifyTaskType(task),
		MaxIterations:  s.deps.Config.Scheduler.MaxIterations,
		StuckThreshold: s.deps.Config.Scheduler.StuckThreshold,
		Outcome:        types.OutcomeRunning,
		StartedAt:      time.Now(),
	}
	s.resetWorkingState()
	s.mu.Unlock()

	s.deps.Tracker.Reset()
	logging.Scheduler("=== Session %s started: %q (%s, max %d iterations) ===",
		s.sess.ID, truncate(task, 120), s.sess.TaskType, s.sess.MaxIterations)

	return s.run(ctx)
}

// Restore installs a previously persisted session that paused for
// clarification, so ProvideClarification can resume it in this process.
func (s *Scheduler) Restore(sess *types.Session) error {
	if sess == nil {
		return fmt.Errorf("scheduler: cannot restore nil session")
	}
	if sess.Outcome != types.OutcomeNeedsClarification {
		return fmt.Errorf("scheduler: session %s is %s: %w", sess.ID, sess.Outcome, ErrNotPaused)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSessionRunning
	}
	s.sess = sess
	s.resetWorkingState()
	if r := sess.LastReflection(); r != nil {
		ref := *r
		s.lastRef = &ref
	}
	return nil
}

// ProvideClarification answers a paused session's questions and resumes
// the run from the next iteration. The answer is appended to the action
// history under the iteration that asked.
func (s *Scheduler) ProvideClarification(ctx context.Context, answer string) (*types.Session, error) {
	s.mu.Lock()
	if s.sess == nil || s.sess.Outcome != types.OutcomeNeedsClarification {
		s.mu.Unlock()
		return nil, ErrNotPaused
	}
	if s.running {
		s.mu.Unlock()
		return nil, ErrSessionRunning
	}
	s.running = true

	asked := "clarification requested"
	if len(s.sess.Questions) > 0 {
		asked = s.sess.Questions[0]
	}
	s.sess.History = append(s.sess.History, types.ActionHistoryEntry{
		Iteration:     s.sess.Iteration,
		NextAction:    "clarify: " + asked,
		ResultSummary: answer,
		Succeeded:     true,
	})
	s.sess.Questions = nil
	s.sess.Outcome = types.OutcomeRunning
	iter := s.sess.Iteration
	s.mu.Unlock()

	s.emit(contextlog.ActorUser, contextlog.ActClarification, iter, map[string]any{
		"question": asked,
		"answer":   truncate(answer, 200),
	})
	logging.Scheduler("Session %s resumed with clarification at iteration %d", s.sessionID(), iter)
	s.save()

	return s.run(ctx)
}

// Session returns a snapshot of the current session, or nil before Run.
func (s *Scheduler) Session() *types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return cloneSession(s.sess)
}

// run is the iteration loop. It returns when the session terminates or
// pauses for clarification.
func (s *Scheduler) run(ctx context.Context) (*types.Session, error) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return s.finalize(types.OutcomeStopped, ReasonCancelled, ErrSessionAborted)
		}
		if s.sess.Iteration >= s.sess.MaxIterations {
			return s.finalize(types.OutcomeStopped, ReasonMaxIterations, nil)
		}

		s.mu.Lock()
		s.sess.Iteration++
		iter := s.sess.Iteration
		s.mu.Unlock()

		s.budget.Reset()
		s.deps.Tracker.Heartbeat(iter, "reflect")
		s.emit(contextlog.ActorAutonomous, contextlog.ActIterationBegin, iter, map[string]any{
			"phase":    "reflect",
			"progress": s.sess.Progress,
		})

		// A recovery scheduled by the previous iteration replaces both
		// reflection and planning for this one.
		var (
			ref     types.Reflection
			planned *plannedIteration
		)
		fromCarry := s.carry != nil
		if fromCarry {
			ref, planned = s.adoptCarry(iter)
		} else {
			var err error
			ref, err = s.reflect(ctx, iter)
			if err != nil {
				if ctx.Err() != nil {
					return s.finalize(types.OutcomeStopped, ReasonCancelled, ErrSessionAborted)
				}
				return s.finalize(types.OutcomeStopped, ReasonLLMUnavailable, ErrLLMUnavailable)
			}

			s.mu.Lock()
			s.sess.AddReflection(ref)
			s.mu.Unlock()
			s.emit(contextlog.ActorAutonomous, contextlog.ActReflection, iter, map[string]any{
				"assessment":  string(ref.Assessment),
				"progress":    ref.Progress,
				"confidence":  ref.Confidence,
				"next_action": truncate(ref.NextAction, 200),
				"degraded":    ref.Degraded,
			})

			s.metaReflect(iter)

			switch ref.Assessment {
			case types.AssessComplete:
				s.mu.Lock()
				s.sess.History = append(s.sess.History, types.ActionHistoryEntry{
					Iteration:           iter,
					NextAction:          ref.NextAction,
					ResultSummary:       "assessed complete: " + ref.Reasoning,
					PredictedProgress:   ref.Progress,
					PredictedConfidence: ref.Confidence,
					Succeeded:           true,
				})
				s.sess.Progress = 100
				s.sess.Confidence = ref.Confidence
				s.mu.Unlock()
				return s.finalize(types.OutcomeCompleted, "", nil)

			case types.AssessNeedsClarification:
				return s.pauseForClarification(iter, ref)
			}
			// AssessStuck flows on: planning and the tracker decide
			// whether the session actually terminates stuck.
		}

		action := ref.NextAction
		if !fromCarry {
			if s.forceDifferent || repetitiveProposal(action, s.sess.History) {
				if !s.forceDifferent {
					s.sawDuplicates = true
					logging.SchedulerWarn("Session %s: proposal repeats the last two non-successful actions, forcing a different approach", s.sessionID())
				}
				action = differentApproachDirective + action
				s.forceDifferent = false
			}
		}

		if planned == nil {
			var err error
			planned, err = s.plan(ctx, iter, ref, action)
			if err != nil {
				if ctx.Err() != nil {
					return s.finalize(types.OutcomeStopped, ReasonCancelled, ErrSessionAborted)
				}
				return s.finalize(types.OutcomeStopped, ReasonPlanningFailed, fmt.Errorf("plan iteration %d: %w", iter, err))
			}
		}

		// Confidence gate. Recovery plans already passed the recovery
		// threshold and execute without a second gate.
		skipExecution := false
		if !planned.fromRecovery {
			verdict, err := s.confidenceGate(ctx, iter, planned)
			if err != nil {
				return s.finalize(types.OutcomeStopped, ReasonCancelled, ErrSessionAborted)
			}
			skipExecution = verdict.skipExecution
			if verdict.substituted != nil {
				planned.plan = verdict.substituted
			}
		}

		var exec execOutcome
		if skipExecution {
			exec = skippedExecution(planned.plan)
		} else {
			exec = s.execute(ctx, iter, planned.plan)
		}
		obs := s.bindOutcome(iter, exec)

		s.mu.Lock()
		entry := types.ActionHistoryEntry{
			Iteration:           iter,
			NextAction:          action,
			ToolsUsed:           obs.ToolsUsed,
			ResultSummary:       exec.summary,
			Artifacts:           obs.Artifacts,
			Error:               obs.Error,
			PredictedProgress:   ref.Progress,
			PredictedConfidence: ref.Confidence,
			Succeeded:           obs.Success,
		}
		s.sess.History = append(s.sess.History, entry)
		s.sess.Progress = obs.ActualProgress
		s.sess.Confidence = ref.Confidence
		for _, a := range exec.newArtifacts {
			s.sess.Artifacts = append(s.sess.Artifacts, a)
		}
		s.mu.Unlock()

		if exec.cancelled {
			return s.finalize(types.OutcomeStopped, ReasonCancelled, ErrSessionAborted)
		}

		// Settle a recovery that just executed, then diagnose any new
		// failure and maybe schedule the next one.
		if planned.fromRecovery {
			s.settleRecovery(iter, planned, obs.Success)
		}
		if !obs.Success && exec.firstErr != nil {
			s.diagnoseAndSchedule(ctx, iter, exec)
		}

		fb := s.critic.ScorePlanning(iter, planned.confidence, planned.plan.Tools(), obs)
		s.mu.Lock()
		s.sess.AddPlanFeedback(fb)
		s.mu.Unlock()
		s.emit(contextlog.ActorAutonomous, contextlog.ActPlanningFeedback, iter, map[string]any{
			"plan_succeeded": fb.PlanSucceeded,
			"tools_matched":  fb.ToolsMatched,
			"calibration":    fb.Calibration,
		})
		if planned.cacheable && obs.Success {
			s.deps.Planner.MarkSuccess(planned.cacheKey, planned.plan)
		}

		if s.deps.Tracker.IsStuck() {
			s.stuckStreak++
			if s.stuckStreak >= 2 {
				s.mu.Lock()
				reason := fmt.Sprintf("%s; last actions: %s",
					ReasonStuck, summarizeActions(s.sess.RecentActions(3)))
				s.mu.Unlock()
				return s.finalize(types.OutcomeStuck, reason, nil)
			}
			s.forceDifferent = true
			logging.SchedulerWarn("Session %s stuck (streak %d), will force a different approach next iteration",
				s.sessionID(), s.stuckStreak)
		} else {
			s.stuckStreak = 0
		}

		s.lastRef = &ref
		s.lastObs = &obs
		s.save()
	}
}

// metaReflect scores the previous iteration's reflection against what
// actually happened, once both exist.
func (s *Scheduler) metaReflect(iter int) {
	if s.lastRef == nil || s.lastObs == nil {
		return
	}
	score := s.critic.ScoreReflection(*s.lastRef, *s.lastObs)
	s.emit(contextlog.ActorAutonomous, contextlog.ActMetaReflection, iter, map[string]any{
		"scored_iteration":   score.Iteration,
		"progress_error":     score.ProgressError,
		"confidence_error":   score.ConfidenceError,
		"assessment_correct": score.AssessmentCorrect,
		"overall":            score.Overall,
	})
}

// pauseForClarification parks the session in needs_clarification. No
// history entry is written here; ProvideClarification adds it when the
// answer arrives, keeping history one-to-one with reflections that led
// to action.
func (s *Scheduler) pauseForClarification(iter int, ref types.Reflection) (*types.Session, error) {
	questions := ref.Questions
	if len(questions) == 0 {
		questions = []string{"What specifically should this task change?"}
	}

	s.mu.Lock()
	s.sess.Outcome = types.OutcomeNeedsClarification
	s.sess.Questions = questions
	s.mu.Unlock()

	s.emit(contextlog.ActorAutonomous, contextlog.ActClarification, iter, map[string]any{
		"questions": questions,
		"reasoning": truncate(ref.Reasoning, 200),
	})
	logging.Scheduler("Session %s paused for clarification at iteration %d: %s",
		s.sessionID(), iter, questions[0])
	s.save()

	return s.Session(), nil
}

// finalize stamps the terminal outcome, writes the episode and session
// memory record exactly once, and returns the final snapshot.
func (s *Scheduler) finalize(outcome types.Outcome, reason string, err error) (*types.Session, error) {
	s.mu.Lock()
	s.sess.Outcome = outcome
	s.sess.Reason = reason
	s.sess.EndedAt = time.Now()
	if outcome == types.OutcomeCompleted {
		s.sess.Progress = 100
	}
	sess := cloneSession(s.sess)
	s.mu.Unlock()

	if !s.episodeWritten {
		s.episodeWritten = true
		s.writeEpisode(sess)
		s.writeSessionRecord(sess)
	}

	s.emit(contextlog.ActorAutonomous, contextlog.ActSessionTerminal, sess.Iteration, map[string]any{
		"outcome":    string(outcome),
		"reason":     reason,
		"iterations": sess.Iteration,
		"progress":   sess.Progress,
	})
	s.save()
	logging.Scheduler("=== Session %s ended: %s (%s) after %d iterations, progress %.0f%% ===",
		sess.ID, outcome, reason, sess.Iteration, sess.Progress)

	return sess, err
}

// writeEpisode distills the finished session into one episodic memory.
func (s *Scheduler) writeEpisode(sess *types.Session) {
	strategy := s.strategy
	if strategy == "" {
		strategy = "direct"
	}
	summary := fmt.Sprintf("%s after %d iterations", sess.Outcome, sess.Iteration)
	if sess.Reason != "" {
		summary += ": " + sess.Reason
	}

	ep := &types.Episode{
		Task:          sess.Task,
		TaskType:      sess.TaskType,
		Success:       sess.Outcome == types.OutcomeCompleted,
		Iterations:    sess.Iteration,
		ToolsUsed:     toolsUsed(sess.History),
		Strategy:      strategy,
		Summary:       summary,
		Confidence:    sess.Confidence,
		FailureReason: sess.Reason,
		ErrorCount:    len(sess.Failures),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Memory.Episodes.Write(ctx, ep); err != nil {
		logging.SchedulerWarn("Session %s: episode write failed: %v", sess.ID, err)
		return
	}
	s.emit(contextlog.ActorAutonomous, contextlog.ActEpisodeWritten, sess.Iteration, map[string]any{
		"episode_id": ep.ID,
		"success":    ep.Success,
		"strategy":   ep.Strategy,
	})
}

// writeSessionRecord appends the aggregate row the session log keeps.
func (s *Scheduler) writeSessionRecord(sess *types.Session) {
	failedTools := make([]string, 0, len(sess.Failures))
	seenTool := map[string]bool{}
	seenCat := map[types.ErrorCategory]bool{}
	var categories []types.ErrorCategory
	for _, f := range sess.Failures {
		if f.Tool != "" && !seenTool[f.Tool] {
			seenTool[f.Tool] = true
			failedTools = append(failedTools, f.Tool)
		}
		if !seenCat[f.Category] {
			seenCat[f.Category] = true
			categories = append(categories, f.Category)
		}
	}

	rec := types.SessionMemoryRecord{
		TaskType:          sess.TaskType,
		Success:           sess.Outcome == types.OutcomeCompleted,
		Iterations:        sess.Iteration,
		ToolsUsed:         toolsUsed(sess.History),
		FailureReason:     sess.Reason,
		FailedTools:       failedTools,
		ErrorCategories:   categories,
		RepetitiveActions: s.sawDuplicates,
		Timestamp:         time.Now(),
	}
	rec.Recoveries.Attempted = s.recoveries.attempted
	rec.Recoveries.Succeeded = s.recoveries.succeeded

	if err := s.deps.Memory.Sessions.Append(rec); err != nil {
		logging.SchedulerWarn("Session %s: session record append failed: %v", sess.ID, err)
	}
}

func (s *Scheduler) resetWorkingState() {
	s.carry = nil
	s.stuckStreak = 0
	s.forceDifferent = false
	s.sawDuplicates = false
	s.lastCategory = ""
	s.categoryRepeat = 0
	s.lastRef = nil
	s.lastObs = nil
	s.lastOutputs = make(map[string]string)
	s.strategy = ""
	s.episodeWritten = false
	s.recoveries = recoveryTally{}
}

func (s *Scheduler) emit(actor contextlog.Actor, act string, iteration int, payload map[string]any) {
	s.deps.Events.Emit(actor, act, s.sessionID(), iteration, payload)
}

func (s *Scheduler) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ""
	}
	return s.sess.ID
}

// save snapshots the session if a store is configured. Persistence
// failures degrade to a warning; the run continues in memory.
func (s *Scheduler) save() {
	if s.deps.Sessions == nil {
		return
	}
	s.mu.Lock()
	snap := cloneSession(s.sess)
	s.mu.Unlock()
	if err := s.deps.Sessions.Save(snap); err != nil {
		logging.SchedulerWarn("Session %s: snapshot save failed: %v", snap.ID, err)
	}
}

func cloneSession(sess *types.Session) *types.Session {
	cp := *sess
	cp.History = append([]types.ActionHistoryEntry(nil), sess.History...)
	cp.Artifacts = append([]string(nil), sess.Artifacts...)
	cp.Failures = append([]types.FailureRecord(nil), sess.Failures...)
	cp.Reflections = append([]types.Reflection(nil), sess.Reflections...)
	cp.PlanFeedback = append([]types.PlanningFeedback(nil), sess.PlanFeedback...)
	cp.Questions = append([]string(nil), sess.Questions...)
	return &cp
}

func toolsUsed(history []types.ActionHistoryEntry) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range history {
		for _, t := range e.ToolsUsed {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func summarizeActions(actions []string) string {
	for i, a := range actions {
		actions[i] = truncate(a, 60)
	}
	if len(actions) == 0 {
		return "(none)"
	}
	out := actions[0]
	for _, a := range actions[1:] {
		out += "; " + a
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// tools lists the executor registry, shared by planning and recovery.
func (s *Scheduler) tools() []types.ToolInfo {
	return s.deps.Executor.Tools()
}
