package diagnosis

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// maxFallbacks bounds a recovery plan to one primary plus at most two
// fallback strategies.
const maxFallbacks = 2

// RecoveryPlanner builds executable recovery plans from a diagnosis.
// Every strategy step names a registered tool, so the plan can run
// through the executor exactly like a normal instruction plan.
// Heuristic confidences are adjusted by the pattern learner when one
// is attached.
type RecoveryPlanner struct {
	learner *PatternLearner
}

// NewRecoveryPlanner creates a planner. learner may be nil, in which
// case confidences stay heuristic.
func NewRecoveryPlanner(learner *PatternLearner) *RecoveryPlanner {
	return &RecoveryPlanner{learner: learner}
}

// Plan produces a recovery plan for one diagnosed failure. The plan
// always carries a primary strategy and one or two fallbacks, ranked by
// confidence after pattern adjustment.
func (p *RecoveryPlanner) Plan(inv types.ToolInvocation, toolErr *types.ToolError, diag *types.Diagnosis) *types.RecoveryPlan {
	category := types.CategoryUnknown
	if diag != nil {
		category = diag.Category
	} else if toolErr != nil {
		category = Classify(toolErr)
	}

	strategies := strategiesFor(category, inv, toolErr)

	if p.learner != nil {
		for i := range strategies {
			s := &strategies[i]
			s.Confidence, s.Boost = p.learner.BoostConfidence(category, s.Name, s.Confidence)
		}
	}

	sort.SliceStable(strategies, func(i, j int) bool {
		return strategies[i].Confidence > strategies[j].Confidence
	})

	plan := &types.RecoveryPlan{
		Category: category,
		Primary:  strategies[0],
	}
	for _, s := range strategies[1:] {
		plan.Fallbacks = append(plan.Fallbacks, s)
		if len(plan.Fallbacks) == maxFallbacks {
			break
		}
	}
	if p.learner != nil {
		plan.HistoricalSuccessRate = p.learner.CategorySuccessRate(category)
	}

	logging.Recovery("Recovery plan for %s: primary=%s (%.2f), fallbacks=%d",
		category, plan.Primary.Name, plan.Primary.Confidence, len(plan.Fallbacks))
	return plan
}

var (
	// bash: "cmake: command not found"; zsh: "command not found: cmake".
	missingCommandRE    = regexp.MustCompile(`([A-Za-z0-9._+-]+): command not found`)
	missingCommandZshRE = regexp.MustCompile(`command not found: ([A-Za-z0-9._+-]+)`)

	missingModuleREs = []*regexp.Regexp{
		regexp.MustCompile(`[Cc]annot find module '([^']+)'`),
		regexp.MustCompile(`No module named '?([A-Za-z0-9._-]+)'?`),
		regexp.MustCompile(`cannot find package "([^"]+)"`),
		regexp.MustCompile(`[Cc]ould not resolve dependency:?\s+([A-Za-z0-9@/._-]+)`),
	}

	errorLocationRE = regexp.MustCompile(`([A-Za-z0-9._/-]+\.[A-Za-z0-9]+):\d+`)
	shellSafeRE     = regexp.MustCompile(`^[A-Za-z0-9._/:=+-]+$`)
)

// strategiesFor builds the category's strategy set. At least two
// strategies come back for every category, each with executable steps.
func strategiesFor(category types.ErrorCategory, inv types.ToolInvocation, toolErr *types.ToolError) []types.RecoveryStrategy {
	message := ""
	errName := ""
	if toolErr != nil {
		message = toolErr.Message
		errName = toolErr.Name
	}

	switch category {
	case types.CategoryCommandNotFound:
		return commandNotFoundStrategies(inv, message)
	case types.CategoryPermissionDenied:
		return permissionDeniedStrategies(inv, errName)
	case types.CategoryFileNotFound:
		return fileNotFoundStrategies(inv)
	case types.CategoryTimeout:
		return timeoutStrategies(inv)
	case types.CategoryToolNotFound:
		return toolNotFoundStrategies(inv)
	case types.CategoryNetwork:
		return networkStrategies(inv)
	case types.CategoryAuth:
		return authStrategies(inv)
	case types.CategoryResourceBusy:
		return resourceBusyStrategies(inv)
	case types.CategoryOutOfMemory:
		return outOfMemoryStrategies(inv)
	case types.CategoryRateLimit:
		return rateLimitStrategies(inv)
	case types.CategoryInvalidArgs:
		return invalidArgsStrategies(inv, message)
	case types.CategoryDependencyMissing:
		return dependencyMissingStrategies(inv, message)
	case types.CategorySyntax:
		return syntaxStrategies(inv, message)
	default:
		return unknownStrategies(inv)
	}
}

func commandNotFoundStrategies(inv types.ToolInvocation, message string) []types.RecoveryStrategy {
	prog := parseMissingCommand(message)
	if prog == "" {
		prog = firstWord(failedCommand(inv))
	}

	install := types.RecoveryStrategy{Name: "install_dependency", Confidence: 0.75}
	if prog != "" {
		installCmd := fmt.Sprintf(
			"if command -v apt-get >/dev/null 2>&1; then apt-get install -y %[1]s; "+
				"elif command -v apk >/dev/null 2>&1; then apk add %[1]s; "+
				"elif command -v brew >/dev/null 2>&1; then brew install %[1]s; "+
				"else echo 'no package manager found'; exit 1; fi", prog)
		install.Steps = []types.PlanStep{
			bashStep(installCmd, prog+" is installed", "abort", 0.7, 300),
			bashStep("command -v "+prog, "prints the installed path of "+prog, "abort", 0.8, 0),
		}
	} else {
		install.Confidence = 0.4
		install.Steps = []types.PlanStep{
			bashStep("echo 'missing command could not be determined from the error'",
				"records that the missing program needs manual identification", "abort", 0.4, 0),
		}
	}
	if step, ok := rerunStep(inv, "the original command succeeds after installation"); ok {
		install.Steps = append(install.Steps, step)
	}

	locate := types.RecoveryStrategy{Name: "locate_binary", Confidence: 0.45}
	if prog != "" {
		probe := fmt.Sprintf(
			`p=$(find / -maxdepth 5 -type f -name %q -perm -u+x 2>/dev/null | head -1); test -n "$p" && echo "$p"`, prog)
		locate.Steps = []types.PlanStep{
			bashStep(probe, "prints the binary's path when it exists off PATH", "abort", 0.5, 60),
		}
		if cmd := failedCommand(inv); cmd != "" {
			viaPath := fmt.Sprintf(
				`p=$(find / -maxdepth 5 -type f -name %q -perm -u+x 2>/dev/null | head -1); test -n "$p" && PATH="$(dirname "$p"):$PATH" %s`, prog, cmd)
			locate.Steps = append(locate.Steps,
				bashStep(viaPath, "the original command succeeds via the located binary", "abort", 0.5, 120))
		}
	} else {
		locate.Confidence = 0.2
		locate.Steps = []types.PlanStep{
			bashStep("echo $PATH", "shows the search path for manual inspection", "continue", 0.3, 0),
		}
	}

	return []types.RecoveryStrategy{install, locate}
}

func permissionDeniedStrategies(inv types.ToolInvocation, errName string) []types.RecoveryStrategy {
	target := targetPath(inv)

	if errName == "path_escapes_workspace" {
		stay := types.RecoveryStrategy{
			Name:       "stay_in_workspace",
			Confidence: 0.7,
			Steps: []types.PlanStep{
				{
					Tool:            "read_dir",
					Args:            map[string]any{"path": "."},
					ExpectedOutcome: "workspace layout for retargeting the operation",
					ErrorHandling:   "continue",
					Confidence:      0.9,
				},
			},
		}
		if target != "" && len(inv.Args) > 0 {
			retargeted := make(map[string]any, len(inv.Args))
			for k, v := range inv.Args {
				retargeted[k] = v
			}
			retargeted["path"] = filepath.Base(target)
			stay.Steps = append(stay.Steps, types.PlanStep{
				Tool:            inv.Tool,
				Args:            retargeted,
				ExpectedOutcome: "the operation lands inside the workspace",
				ErrorHandling:   "abort",
				Confidence:      0.7,
			})
		}
		inspect := types.RecoveryStrategy{
			Name:       "inspect_sandbox",
			Confidence: 0.35,
			Steps: []types.PlanStep{
				{
					Tool:            "read_dir",
					Args:            map[string]any{"path": ".", "recursive": true},
					ExpectedOutcome: "full workspace tree to choose a valid target",
					ErrorHandling:   "continue",
					Confidence:      0.8,
				},
			},
		}
		return []types.RecoveryStrategy{stay, inspect}
	}

	inspectTarget := target
	if inspectTarget == "" {
		inspectTarget = "."
	}
	fix := types.RecoveryStrategy{
		Name:       "fix_permissions",
		Confidence: 0.55,
		Steps: []types.PlanStep{
			bashStep("ls -ld "+shellQuote(inspectTarget), "shows ownership and mode of the target", "continue", 0.8, 0),
			bashStep("chmod -R u+rw "+shellQuote(inspectTarget), "target becomes readable and writable", "abort", 0.6, 0),
		},
	}
	if step, ok := rerunStep(inv, "the original operation succeeds with fixed permissions"); ok {
		fix.Steps = append(fix.Steps, step)
	}

	copyOut := types.RecoveryStrategy{Name: "copy_and_modify", Confidence: 0.4}
	if target != "" {
		copyOut.Steps = []types.PlanStep{
			bashStep(fmt.Sprintf("cp -r %s ./recovered_%s && ls ./recovered_%s",
				shellQuote(target), filepath.Base(target), filepath.Base(target)),
				"a writable copy exists inside the workspace", "abort", 0.5, 60),
		}
	} else {
		copyOut.Name = "inspect_workspace"
		copyOut.Confidence = 0.3
		copyOut.Steps = []types.PlanStep{
			{
				Tool:            "read_dir",
				Args:            map[string]any{"path": ".", "recursive": true},
				ExpectedOutcome: "workspace tree to locate a writable target",
				ErrorHandling:   "continue",
				Confidence:      0.8,
			},
		}
	}
	return []types.RecoveryStrategy{fix, copyOut}
}

func fileNotFoundStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	target := targetPath(inv)
	base := filepath.Base(target)
	if target == "" {
		base = ""
	}

	discover := types.RecoveryStrategy{
		Name:       "discover_path",
		Confidence: 0.7,
		Steps: []types.PlanStep{
			{
				Tool:            "read_dir",
				Args:            map[string]any{"path": ".", "recursive": true},
				ExpectedOutcome: "workspace tree revealing where the file actually lives",
				ErrorHandling:   "continue",
				Confidence:      0.9,
			},
		},
	}
	if base != "" {
		discover.Steps = append(discover.Steps,
			bashStep(fmt.Sprintf(`find . -name %q -not -path "*/.*" 2>/dev/null | head -5`, base),
				"prints candidate paths for "+base, "continue", 0.7, 30))
	}

	create := types.RecoveryStrategy{Name: "create_missing_file", Confidence: 0.4}
	if target != "" {
		create.Steps = []types.PlanStep{
			{
				Tool:            "write_file",
				Args:            map[string]any{"path": target, "content": ""},
				ExpectedOutcome: "an empty placeholder exists so dependent steps can proceed",
				ErrorHandling:   "abort",
				Confidence:      0.5,
			},
		}
	} else {
		create.Confidence = 0.2
		create.Steps = []types.PlanStep{
			bashStep("pwd && ls -la", "shows the current directory contents", "continue", 0.6, 0),
		}
	}
	return []types.RecoveryStrategy{discover, create}
}

func timeoutStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	cmd := failedCommand(inv)

	extend := types.RecoveryStrategy{Name: "extend_timeout", Confidence: 0.65}
	if cmd != "" {
		extend.Steps = []types.PlanStep{
			bashStep(cmd, "the command completes within the larger budget", "abort", 0.6, 300),
		}
	} else if step, ok := rerunStep(inv, "the operation completes on retry"); ok {
		extend.Steps = []types.PlanStep{step}
	} else {
		extend.Confidence = 0.3
		extend.Steps = []types.PlanStep{
			bashStep("echo 'nothing to re-run'", "records that the timed-out operation is unknown", "abort", 0.3, 0),
		}
	}

	nonInteractive := types.RecoveryStrategy{Name: "force_non_interactive", Confidence: 0.4}
	if cmd != "" {
		nonInteractive.Steps = []types.PlanStep{
			bashStep(cmd+" </dev/null", "the command completes without waiting on input", "abort", 0.5, 120),
		}
	} else {
		nonInteractive.Confidence = 0.2
		nonInteractive.Steps = []types.PlanStep{
			bashStep("true", "no-op while the operation is re-planned", "continue", 0.3, 0),
		}
	}
	return []types.RecoveryStrategy{extend, nonInteractive}
}

func toolNotFoundStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	substitute := types.RecoveryStrategy{Name: "substitute_builtin_tool", Confidence: 0.6}
	if mapped, ok := guessBuiltin(inv); ok {
		substitute.Steps = []types.PlanStep{
			{
				Tool:            mapped.Tool,
				Args:            mapped.Args,
				ExpectedOutcome: fmt.Sprintf("%q handled by the registered %s tool", inv.Tool, mapped.Tool),
				ErrorHandling:   "abort",
				Confidence:      0.6,
			},
		}
	} else {
		substitute.Confidence = 0.3
		substitute.Steps = []types.PlanStep{
			{
				Tool:            "echo",
				Args:            map[string]any{"text": fmt.Sprintf("no registered equivalent for %q; re-plan with registry tools", inv.Tool)},
				ExpectedOutcome: "the unmapped tool reference is recorded",
				ErrorHandling:   "continue",
				Confidence:      0.9,
			},
		}
	}

	replan := types.RecoveryStrategy{
		Name:       "replan_with_registry",
		Confidence: 0.3,
		Steps: []types.PlanStep{
			{
				Tool:            "echo",
				Args:            map[string]any{"text": fmt.Sprintf("tool %q is not registered; the next plan must use only registered tools", inv.Tool)},
				ExpectedOutcome: "planner note recorded for the next iteration",
				ErrorHandling:   "continue",
				Confidence:      0.9,
			},
		},
	}
	return []types.RecoveryStrategy{substitute, replan}
}

func networkStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	check := types.RecoveryStrategy{
		Name:       "check_connectivity_and_retry",
		Confidence: 0.6,
		Steps: []types.PlanStep{
			{
				Tool:            "http_fetch",
				Args:            map[string]any{"url": "https://example.com", "max_length": 256},
				ExpectedOutcome: "a reachable well-known host confirms the fault was endpoint-local or transient",
				ErrorHandling:   "continue",
				Confidence:      0.7,
			},
		},
	}
	if step, ok := rerunStep(inv, "the original operation succeeds on retry"); ok {
		check.Steps = append(check.Steps, step)
	}

	wait := types.RecoveryStrategy{
		Name:       "wait_and_retry",
		Confidence: 0.45,
		Steps: []types.PlanStep{
			bashStep("sleep 5", "brief backoff before the retry", "continue", 0.9, 15),
		},
	}
	if step, ok := rerunStep(inv, "the original operation succeeds after backoff"); ok {
		wait.Steps = append(wait.Steps, step)
	}
	return []types.RecoveryStrategy{check, wait}
}

func authStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	verify := types.RecoveryStrategy{
		Name:       "verify_credentials",
		Confidence: 0.4,
		Steps: []types.PlanStep{
			// Variable names only; values never reach the transcript.
			bashStep("env | grep -iE '(key|token|secret)' | cut -d= -f1",
				"lists which credential variables are present in the environment", "continue", 0.7, 0),
			{
				Tool:            "echo",
				Args:            map[string]any{"text": "supply the required credential via configuration, then retry"},
				ExpectedOutcome: "missing-credential condition is recorded",
				ErrorHandling:   "continue",
				Confidence:      0.9,
			},
		},
	}

	retry := types.RecoveryStrategy{Name: "retry_once", Confidence: 0.2}
	if step, ok := rerunStep(inv, "a transient auth failure clears on retry"); ok {
		retry.Steps = []types.PlanStep{step}
	} else {
		retry.Steps = []types.PlanStep{
			bashStep("true", "no-op retry placeholder", "continue", 0.3, 0),
		}
	}
	return []types.RecoveryStrategy{verify, retry}
}

func resourceBusyStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	wait := types.RecoveryStrategy{
		Name:       "wait_and_retry",
		Confidence: 0.65,
		Steps: []types.PlanStep{
			bashStep("sleep 3", "the competing holder releases the resource", "continue", 0.9, 10),
		},
	}
	if step, ok := rerunStep(inv, "the original operation succeeds once the resource frees up"); ok {
		wait.Steps = append(wait.Steps, step)
	}

	target := targetPath(inv)
	if target == "" {
		target = "."
	}
	find := types.RecoveryStrategy{
		Name:       "find_lock_holder",
		Confidence: 0.35,
		Steps: []types.PlanStep{
			bashStep(fmt.Sprintf("fuser %s 2>/dev/null || lsof %s 2>/dev/null | head -5",
				shellQuote(target), shellQuote(target)),
				"identifies the process holding the resource", "continue", 0.5, 30),
		},
	}
	return []types.RecoveryStrategy{wait, find}
}

func outOfMemoryStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	reduce := types.RecoveryStrategy{
		Name:       "reduce_working_set",
		Confidence: 0.35,
		Steps: []types.PlanStep{
			bashStep("free -m 2>/dev/null || vm_stat 2>/dev/null || true",
				"shows how much memory the environment has left", "continue", 0.7, 0),
			{
				Tool:            "echo",
				Args:            map[string]any{"text": "retry the operation on a smaller input or process the data in chunks"},
				ExpectedOutcome: "working-set reduction recorded for the next plan",
				ErrorHandling:   "continue",
				Confidence:      0.9,
			},
		},
	}

	retry := types.RecoveryStrategy{
		Name:       "retry_after_pause",
		Confidence: 0.25,
		Steps: []types.PlanStep{
			bashStep("sleep 2", "transient memory pressure subsides", "continue", 0.8, 10),
		},
	}
	if step, ok := rerunStep(inv, "the operation fits in memory on retry"); ok {
		retry.Steps = append(retry.Steps, step)
	}
	return []types.RecoveryStrategy{reduce, retry}
}

func rateLimitStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	backoff := types.RecoveryStrategy{
		Name:       "backoff_and_retry",
		Confidence: 0.7,
		Steps: []types.PlanStep{
			bashStep("sleep 30", "the quota window advances", "continue", 0.9, 40),
		},
	}
	if step, ok := rerunStep(inv, "the request succeeds after the backoff"); ok {
		backoff.Steps = append(backoff.Steps, step)
	}

	longer := types.RecoveryStrategy{
		Name:       "longer_backoff",
		Confidence: 0.5,
		Steps: []types.PlanStep{
			bashStep("sleep 120", "a fuller quota window elapses", "continue", 0.9, 150),
		},
	}
	if step, ok := rerunStep(inv, "the request succeeds after the longer backoff"); ok {
		longer.Steps = append(longer.Steps, step)
	}
	return []types.RecoveryStrategy{backoff, longer}
}

func invalidArgsStrategies(inv types.ToolInvocation, message string) []types.RecoveryStrategy {
	repair := types.RecoveryStrategy{
		Name:       "repair_arguments",
		Confidence: 0.5,
		Steps: []types.PlanStep{
			{
				Tool:            "echo",
				Args:            map[string]any{"text": fmt.Sprintf("arguments for %q were rejected: %s; correct them against the tool schema", inv.Tool, message)},
				ExpectedOutcome: "the schema violation is recorded for the corrected re-plan",
				ErrorHandling:   "continue",
				Confidence:      0.9,
			},
		},
	}

	retry := types.RecoveryStrategy{Name: "retry_original", Confidence: 0.2}
	if step, ok := rerunStep(inv, "the rejection was transient"); ok {
		retry.Steps = []types.PlanStep{step}
	} else {
		retry.Steps = []types.PlanStep{
			bashStep("true", "no-op while arguments are corrected", "continue", 0.3, 0),
		}
	}
	return []types.RecoveryStrategy{repair, retry}
}

func dependencyMissingStrategies(inv types.ToolInvocation, message string) []types.RecoveryStrategy {
	installAll := types.RecoveryStrategy{
		Name:       "install_project_dependencies",
		Confidence: 0.7,
		Steps: []types.PlanStep{
			bashStep(
				"if [ -f package.json ]; then npm install; "+
					"elif [ -f requirements.txt ]; then pip install -r requirements.txt; "+
					"elif [ -f go.mod ]; then go mod download; "+
					"elif [ -f Gemfile ]; then bundle install; "+
					"else echo 'no dependency manifest found'; exit 1; fi",
				"project dependencies installed from the manifest", "abort", 0.7, 600),
		},
	}
	if step, ok := rerunStep(inv, "the original operation succeeds with dependencies installed"); ok {
		installAll.Steps = append(installAll.Steps, step)
	}

	named := types.RecoveryStrategy{Name: "install_named_package", Confidence: 0.45}
	if module := parseMissingModule(message); module != "" {
		named.Steps = []types.PlanStep{
			bashStep(fmt.Sprintf("npm install %[1]s 2>/dev/null || pip install %[1]s", shellQuote(module)),
				module+" installed directly", "abort", 0.5, 300),
		}
		if step, ok := rerunStep(inv, "the original operation succeeds with "+module+" installed"); ok {
			named.Steps = append(named.Steps, step)
		}
	} else {
		named.Name = "inspect_manifests"
		named.Confidence = 0.3
		named.Steps = []types.PlanStep{
			{
				Tool:            "read_dir",
				Args:            map[string]any{"path": "."},
				ExpectedOutcome: "reveals which dependency manifests the project carries",
				ErrorHandling:   "continue",
				Confidence:      0.8,
			},
		}
	}
	return []types.RecoveryStrategy{installAll, named}
}

func syntaxStrategies(inv types.ToolInvocation, message string) []types.RecoveryStrategy {
	inspect := types.RecoveryStrategy{Name: "inspect_failure_site", Confidence: 0.45}
	if target := parseErrorLocation(message); target != "" {
		inspect.Steps = []types.PlanStep{
			{
				Tool:            "read_file",
				Args:            map[string]any{"path": target},
				ExpectedOutcome: "shows the malformed region reported by the parser",
				ErrorHandling:   "continue",
				Confidence:      0.7,
			},
		}
	} else if target := targetPath(inv); target != "" {
		inspect.Steps = []types.PlanStep{
			{
				Tool:            "read_file",
				Args:            map[string]any{"path": target},
				ExpectedOutcome: "shows the file the parser rejected",
				ErrorHandling:   "continue",
				Confidence:      0.6,
			},
		}
	} else {
		inspect.Confidence = 0.3
		inspect.Steps = []types.PlanStep{
			bashStep("git diff --name-only 2>/dev/null | head -5",
				"recently changed files that may carry the error", "continue", 0.5, 0),
		}
	}

	recent := types.RecoveryStrategy{
		Name:       "review_recent_changes",
		Confidence: 0.3,
		Steps: []types.PlanStep{
			bashStep("git diff --stat 2>/dev/null | tail -10",
				"summarizes the edits that may have introduced the error", "continue", 0.6, 0),
		},
	}
	return []types.RecoveryStrategy{inspect, recent}
}

func unknownStrategies(inv types.ToolInvocation) []types.RecoveryStrategy {
	retry := types.RecoveryStrategy{Name: "retry_original", Confidence: 0.4}
	if step, ok := rerunStep(inv, "the failure was transient and clears on retry"); ok {
		retry.Steps = []types.PlanStep{step}
	} else {
		retry.Confidence = 0.2
		retry.Steps = []types.PlanStep{
			bashStep("true", "no-op while the failure is investigated", "continue", 0.3, 0),
		}
	}

	gather := types.RecoveryStrategy{
		Name:       "gather_context",
		Confidence: 0.3,
		Steps: []types.PlanStep{
			{
				Tool:            "read_dir",
				Args:            map[string]any{"path": "."},
				ExpectedOutcome: "workspace state at the time of the failure",
				ErrorHandling:   "continue",
				Confidence:      0.8,
			},
			bashStep("tail -n 50 *.log 2>/dev/null || true",
				"recent log output that may explain the failure", "continue", 0.5, 0),
		},
	}
	return []types.RecoveryStrategy{retry, gather}
}

// ===== STEP HELPERS =====

// bashStep builds one run_bash plan step. timeoutSeconds of zero keeps
// the executor's default budget.
func bashStep(command, expected, onError string, confidence float64, timeoutSeconds int) types.PlanStep {
	args := map[string]any{"command": command}
	if timeoutSeconds > 0 {
		args["timeout_seconds"] = timeoutSeconds
	}
	return types.PlanStep{
		Tool:            "run_bash",
		Args:            args,
		ExpectedOutcome: expected,
		ErrorHandling:   onError,
		Confidence:      confidence,
	}
}

// rerunStep rebuilds the failed invocation as a retry step. Reports
// false when the invocation carries nothing re-runnable.
func rerunStep(inv types.ToolInvocation, expected string) (types.PlanStep, bool) {
	if cmd := failedCommand(inv); cmd != "" {
		return bashStep(cmd, expected, "abort", 0.6, 0), true
	}
	if inv.Tool == "" || len(inv.Args) == 0 {
		return types.PlanStep{}, false
	}
	args := make(map[string]any, len(inv.Args))
	for k, v := range inv.Args {
		args[k] = v
	}
	return types.PlanStep{
		Tool:            inv.Tool,
		Args:            args,
		ExpectedOutcome: expected,
		ErrorHandling:   "abort",
		Confidence:      0.6,
	}, true
}

// guessBuiltin maps an unregistered tool name onto the closest builtin,
// carrying compatible arguments across.
func guessBuiltin(inv types.ToolInvocation) (types.ToolInvocation, bool) {
	name := strings.ToLower(inv.Tool)
	switch {
	case containsAny(name, "bash", "shell", "terminal", "exec", "command"):
		if cmd := failedCommand(inv); cmd != "" {
			return types.ToolInvocation{Tool: "run_bash", Args: map[string]any{"command": cmd}}, true
		}
	case containsAny(name, "fetch", "http", "curl", "web", "download"):
		if url, ok := inv.Args["url"].(string); ok && url != "" {
			return types.ToolInvocation{Tool: "http_fetch", Args: map[string]any{"url": url}}, true
		}
	case containsAny(name, "list", "ls", "dir"):
		args := map[string]any{"path": "."}
		if p, ok := inv.Args["path"].(string); ok && p != "" {
			args["path"] = p
		}
		return types.ToolInvocation{Tool: "read_dir", Args: args}, true
	case containsAny(name, "read", "cat", "view", "open"):
		if p, ok := inv.Args["path"].(string); ok && p != "" {
			return types.ToolInvocation{Tool: "read_file", Args: map[string]any{"path": p}}, true
		}
	case containsAny(name, "write", "save", "create"):
		p, pok := inv.Args["path"].(string)
		c, cok := inv.Args["content"].(string)
		if pok && cok && p != "" {
			return types.ToolInvocation{Tool: "write_file", Args: map[string]any{"path": p, "content": c}}, true
		}
	}
	return types.ToolInvocation{}, false
}

// ===== PARSING HELPERS =====

func parseMissingCommand(message string) string {
	// Shells prefix the failing line with their own name
	// ("bash: cmake: command not found"); take the last capture.
	if all := missingCommandRE.FindAllStringSubmatch(message, -1); all != nil {
		return all[len(all)-1][1]
	}
	if m := missingCommandZshRE.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}

func parseMissingModule(message string) string {
	for _, re := range missingModuleREs {
		if m := re.FindStringSubmatch(message); m != nil {
			return m[1]
		}
	}
	return ""
}

// parseErrorLocation pulls a "path:line" style location out of a parser
// message, returning just the path.
func parseErrorLocation(message string) string {
	m := errorLocationRE.FindStringSubmatch(message)
	if m == nil {
		return ""
	}
	return m[1]
}

func failedCommand(inv types.ToolInvocation) string {
	if cmd, ok := inv.Args["command"].(string); ok {
		return strings.TrimSpace(cmd)
	}
	return ""
}

func targetPath(inv types.ToolInvocation) string {
	if p, ok := inv.Args["path"].(string); ok {
		return strings.TrimSpace(p)
	}
	return ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafeRE.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
