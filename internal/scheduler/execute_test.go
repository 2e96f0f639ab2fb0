package scheduler

import (
	"context"
	"math"
	"strings"
	"testing"

	"forgekeeper/internal/types"
)

// execFixture prepares a scheduler whose execute method can be driven
// directly, without running the full iteration loop.
func execFixture(t *testing.T) *fixture {
	t.Helper()
	fix := newFixture(t, nil, nil)
	fix.sched.sess = &types.Session{ID: "exec-test", Task: "drive steps", MaxIterations: 10}
	fix.sched.resetWorkingState()
	return fix
}

func planOf(verification *types.Verification, steps ...types.PlanStep) *types.InstructionPlan {
	return &types.InstructionPlan{
		Approach:     "scripted steps",
		Steps:        steps,
		Verification: verification,
	}
}

func step(tool, handling string) types.PlanStep {
	return types.PlanStep{
		Tool:            tool,
		Args:            map[string]any{"target": "x"},
		ExpectedOutcome: tool + " ran",
		ErrorHandling:   handling,
		Confidence:      0.8,
	}
}

func TestExecuteRetriesOnceOnRetryHint(t *testing.T) {
	t.Parallel()
	fix := execFixture(t)
	fix.exec.enqueue("run_bash", failedResult("run_bash", "flaky", "transient failure", 1))

	exec := fix.sched.execute(context.Background(), 1, planOf(nil, step("run_bash", "retry")))
	if !exec.success() {
		t.Fatalf("execution failed after retry: %s", exec.summary)
	}
	if exec.stepsRun != 1 || exec.stepsOK != 1 {
		t.Errorf("steps = %d run / %d ok, want 1/1 (retry must not double-count)", exec.stepsRun, exec.stepsOK)
	}
	if got := fix.exec.callCount("run_bash"); got != 2 {
		t.Errorf("run_bash invocations = %d, want 2 (original + retry)", got)
	}
}

func TestExecuteAbortStopsRemainingSteps(t *testing.T) {
	t.Parallel()
	fix := execFixture(t)
	fix.exec.enqueue("read_dir", failedResult("read_dir", "wobble", "tool wobbled", 0))

	exec := fix.sched.execute(context.Background(), 1, planOf(nil,
		step("read_dir", "abort"),
		step("echo", "skip"),
	))
	if exec.success() {
		t.Fatal("execution succeeded, want abort on first step")
	}
	if exec.stepsRun != 1 {
		t.Errorf("steps run = %d, want 1 (abort must stop the plan)", exec.stepsRun)
	}
	if fix.exec.callCount("echo") != 0 {
		t.Error("echo ran after an aborting failure")
	}
	if !strings.Contains(exec.summary, "step 1/2 (read_dir) failed") {
		t.Errorf("summary = %q, want the failing step named", exec.summary)
	}
	if exec.firstErr == nil || exec.category != types.CategoryUnknown {
		t.Errorf("firstErr = %v category = %s, want captured unknown failure", exec.firstErr, exec.category)
	}
}

func TestExecuteSkipContinuesPastFailure(t *testing.T) {
	t.Parallel()
	fix := execFixture(t)
	fix.exec.enqueue("read_dir", failedResult("read_dir", "wobble", "tool wobbled", 0))

	exec := fix.sched.execute(context.Background(), 1, planOf(nil,
		step("read_dir", "skip"),
		step("echo", "skip"),
	))
	if exec.stepsRun != 2 || exec.stepsOK != 1 {
		t.Errorf("steps = %d run / %d ok, want 2/1", exec.stepsRun, exec.stepsOK)
	}
	if exec.success() {
		t.Error("execution counted as success despite a failed step")
	}
	if exec.firstErr == nil {
		t.Error("skipped failure was not captured as firstErr")
	}
	if !strings.Contains(exec.summary, "first failure") {
		t.Errorf("summary = %q, want the first failure mentioned", exec.summary)
	}
}

func TestExecuteCancelledBeforeFirstStep(t *testing.T) {
	t.Parallel()
	fix := execFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := fix.sched.execute(ctx, 1, planOf(nil, step("echo", "skip")))
	if !exec.cancelled {
		t.Fatal("cancelled = false, want true")
	}
	if exec.stepsRun != 0 {
		t.Errorf("steps run = %d, want 0", exec.stepsRun)
	}
	if exec.summary != "cancelled before step 1/1" {
		t.Errorf("summary = %q", exec.summary)
	}
}

func TestExecuteVerificationFailureFailsThePlan(t *testing.T) {
	t.Parallel()
	fix := execFixture(t)
	fix.exec.enqueue("run_bash", failedResult("run_bash", "check", "expected file missing", 1))

	exec := fix.sched.execute(context.Background(), 1, planOf(
		&types.Verification{CheckCommand: "test -f out.txt", SuccessCriteria: "out.txt exists"},
		step("echo", "skip"),
	))
	if exec.verifiedOK {
		t.Fatal("verifiedOK = true, want verification failure")
	}
	if exec.success() {
		t.Error("plan counted as success despite failed verification")
	}
	if exec.firstErr == nil {
		t.Error("verification failure was not captured as firstErr")
	}
	if !strings.HasPrefix(exec.summary, "verification failed") {
		t.Errorf("summary = %q, want verification failed prefix", exec.summary)
	}
	if len(fix.sched.sess.Failures) != 1 {
		t.Errorf("failures = %d, want the verification failure recorded", len(fix.sched.sess.Failures))
	}
}

func TestBindOutcomeProgressEstimate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		prev float64
		exec execOutcome
		want float64
	}{
		{
			name: "skipped execution holds position",
			prev: 30,
			exec: execOutcome{skipped: true},
			want: 30,
		},
		{
			name: "success advances a fifth of the remainder",
			prev: 0,
			exec: execOutcome{stepsRun: 3, stepsOK: 3},
			want: 20,
		},
		{
			name: "artifacts add a bonus per artifact",
			prev: 50,
			exec: execOutcome{stepsRun: 2, stepsOK: 2, newArtifacts: []string{"a.txt", "b.txt"}},
			want: 70, // 50 + 50*(0.2 + 0.2)
		},
		{
			name: "artifact bonus caps at three",
			prev: 0,
			exec: execOutcome{stepsRun: 1, stepsOK: 1, newArtifacts: []string{"a", "b", "c", "d"}},
			want: 50, // 0.2 + 0.1*3
		},
		{
			name: "failure advances by step success sliver",
			prev: 40,
			exec: execOutcome{stepsRun: 2, stepsOK: 1, firstErr: &types.ToolError{Message: "boom"}},
			want: 41.5, // 40 + 60*0.05*0.5
		},
		{
			name: "total failure stays put",
			prev: 40,
			exec: execOutcome{stepsRun: 1, stepsOK: 0, firstErr: &types.ToolError{Message: "boom"}},
			want: 40,
		},
		{
			name: "success clamps at one hundred",
			prev: 100,
			exec: execOutcome{stepsRun: 1, stepsOK: 1},
			want: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &Scheduler{sess: &types.Session{Progress: tt.prev}}
			obs := s.bindOutcome(7, tt.exec)
			if math.Abs(obs.ActualProgress-tt.want) > 1e-9 {
				t.Errorf("ActualProgress = %v, want %v", obs.ActualProgress, tt.want)
			}
			if obs.Iteration != 7 {
				t.Errorf("Iteration = %d, want 7", obs.Iteration)
			}
			if obs.Success != tt.exec.success() {
				t.Errorf("Success = %v, want %v", obs.Success, tt.exec.success())
			}
		})
	}
}

func TestExecOutcomeSuccess(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		exec execOutcome
		want bool
	}{
		{"skipped counts as success", execOutcome{skipped: true}, true},
		{"all steps ok", execOutcome{stepsRun: 2, stepsOK: 2}, true},
		{"partial steps", execOutcome{stepsRun: 2, stepsOK: 1}, false},
		{"nothing ran", execOutcome{}, false},
		{"verification error overrides clean steps", execOutcome{stepsRun: 2, stepsOK: 2, firstErr: &types.ToolError{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.exec.success(); got != tt.want {
				t.Errorf("success() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutputHash(t *testing.T) {
	t.Parallel()
	if outputHash("same") != outputHash("same") {
		t.Error("equal inputs hashed differently")
	}
	if outputHash("one") == outputHash("two") {
		t.Error("different inputs collided")
	}
	if got := len(outputHash("x")); got != 16 {
		t.Errorf("hash length = %d hex chars, want 16", got)
	}
}
