// Shared dependency wiring for the commands that drive a session
// (run, resume). Inspection commands open only the stores they need.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"forgekeeper/internal/alternatives"
	"forgekeeper/internal/checkpoint"
	"forgekeeper/internal/config"
	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/embedding"
	"forgekeeper/internal/llm"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/metacog"
	"forgekeeper/internal/planner"
	"forgekeeper/internal/progress"
	"forgekeeper/internal/scheduler"
	"forgekeeper/internal/tools"
	"forgekeeper/internal/types"

	"go.uber.org/zap"
)

// runtime is the fully wired dependency graph behind one scheduler.
type runtime struct {
	cfg         *config.Config
	events      *contextlog.Log
	mem         *memory.Memory
	cache       *planner.Cache
	tracker     *progress.Tracker
	watcher     *progress.Watcher
	checkpoints *checkpoint.Manager
	sessions    *scheduler.SessionStore
	sched       *scheduler.Scheduler
}

// openRuntime wires every collaborator the scheduler needs under the
// workspace. The caller must close() it.
func openRuntime(ws string, cfg *config.Config) (*runtime, error) {
	if err := logging.Initialize(ws); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	rt := &runtime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	events, err := contextlog.New(filepath.Join(forgeDir(ws), "events.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	rt.events = events

	engine := embedding.NewTFIDF(cfg.Memory.EmbeddingDimensions)
	mem, err := memory.Open(ws, engine, memoryOptions(cfg), events)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory: %w", err)
	}
	rt.mem = mem

	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	sandbox, err := tools.NewSandbox(cfg.Execution.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, sandbox, cfg.Execution.AllowedEnvVars); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	executor := tools.NewExecutor(registry, tools.ExecutorOptions{
		DefaultTimeout: cfg.GetExecutionTimeout(),
		MaxTimeout:     cfg.GetMaxExecutionTimeout(),
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
	})
	executor.AddObserver(func(inv types.ToolInvocation, res types.ToolResult, d time.Duration) {
		logger.Debug("tool executed",
			zap.String("tool", inv.Tool),
			zap.Bool("ok", res.OK),
			zap.Duration("duration", d))
	})

	var cache *planner.Cache
	if cfg.Planner.CacheEnabled {
		cache, err = planner.OpenCache(filepath.Join(forgeDir(ws), "plan_cache.db"),
			cfg.GetPlanCacheTTL(), cfg.Planner.CacheMaxReuses)
		if err != nil {
			return nil, fmt.Errorf("failed to open plan cache: %w", err)
		}
		rt.cache = cache
	}
	plan := planner.New(client, cache, planner.Options{
		Timeout:         cfg.GetPlanningTimeout(),
		FallbackEnabled: cfg.Planner.FallbackEnabled,
	})
	alts := alternatives.NewPlanner(client, alternatives.Options{
		Timeout:       cfg.GetPlanningTimeout(),
		MaxIterations: cfg.Scheduler.MaxIterations,
	})

	rt.checkpoints = checkpoint.NewManager(mem.Checkpoints, events)
	prefs := checkpoint.NewPreferenceAnalyzer(mem.Preferences, mem.Feedback, events)

	rt.tracker = progress.NewTracker(progress.TrackerOptions{
		StuckThreshold: cfg.Scheduler.StuckThreshold,
	})
	watcher, err := progress.NewWatcher(cfg.Execution.Workspace, rt.tracker)
	if err != nil {
		logger.Warn("artifact watcher unavailable", zap.Error(err))
	} else {
		rt.watcher = watcher
	}

	sessions, err := scheduler.NewSessionStore(filepath.Join(forgeDir(ws), "sessions"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	rt.sessions = sessions

	sched, err := scheduler.New(scheduler.Deps{
		Config:       cfg,
		LLM:          client,
		Executor:     executor,
		Planner:      plan,
		Alternatives: alts,
		Memory:       mem,
		Confidence:   metacog.NewConfidenceEngine(cfg.Checkpoint),
		Checkpoints:  rt.checkpoints,
		Preferences:  prefs,
		Tracker:      rt.tracker,
		Events:       events,
		Sessions:     sessions,
	})
	if err != nil {
		return nil, err
	}
	rt.sched = sched

	ok = true
	return rt, nil
}

func memoryOptions(cfg *config.Config) memory.Options {
	return memory.Options{
		ReembedInterval: cfg.Memory.ReembedInterval,
		DefaultTopN:     cfg.Memory.SearchTopN,
		MinScore:        cfg.Memory.SearchMinScore,
		Feedback: memory.FeedbackOptions{
			MaxEntries:    cfg.Feedback.MaxEntries,
			RequireRating: cfg.Feedback.RequireRating,
		},
	}
}

// openMemory opens just the event log and memory stores, for inspection
// commands that never run a session.
func openMemory(ws string, cfg *config.Config) (*memory.Memory, *contextlog.Log, error) {
	events, err := contextlog.New(filepath.Join(forgeDir(ws), "events.jsonl"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event log: %w", err)
	}
	mem, err := memory.Open(ws, embedding.NewTFIDF(cfg.Memory.EmbeddingDimensions), memoryOptions(cfg), events)
	if err != nil {
		_ = events.Close()
		return nil, nil, fmt.Errorf("failed to open memory: %w", err)
	}
	return mem, events, nil
}

func (rt *runtime) close() {
	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	if rt.cache != nil {
		_ = rt.cache.Close()
	}
	if rt.mem != nil {
		_ = rt.mem.Close()
	}
	if rt.events != nil {
		_ = rt.events.Close()
	}
	logging.CloseAll()
}

// answerCheckpoints watches for checkpoints raised while the session runs
// and resolves them. Interactive runs prompt on stdin; non-interactive runs
// expire the gate so the scheduler proceeds with the safest option. Returns
// when done closes.
func answerCheckpoints(done <-chan struct{}, mgr *checkpoint.Manager, interactive bool) {
	var lines chan string
	if interactive {
		lines = make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- strings.TrimSpace(sc.Text())
			}
			close(lines)
		}()
	}

	seen := make(map[string]bool)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		for _, cp := range mgr.Pending() {
			if seen[cp.ID] {
				continue
			}
			seen[cp.ID] = true
			resolveOne(done, mgr, cp, lines)
		}
	}
}

func resolveOne(done <-chan struct{}, mgr *checkpoint.Manager, cp types.Checkpoint, lines chan string) {
	if lines == nil {
		if _, err := mgr.Expire(cp.ID); err == nil {
			fmt.Printf("\n⚠ checkpoint %s expired unanswered; proceeding with the safest option\n", cp.ID)
		}
		return
	}

	fmt.Println()
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("⚠ Checkpoint (%s): %s\n", cp.DecisionType, cp.Description)
	for i, opt := range cp.Options {
		fmt.Printf("  [%d] %s (%s risk)", i+1, opt.Label, opt.RiskLevel)
		if opt.Description != "" {
			fmt.Printf(" - %s", opt.Description)
		}
		fmt.Println()
	}
	fmt.Printf("Choose 1-%d (Enter for safest): ", len(cp.Options))

	var answer string
	select {
	case <-done:
		return
	case line, open := <-lines:
		if !open {
			// stdin closed: nobody can answer.
			_, _ = mgr.Expire(cp.ID)
			return
		}
		answer = line
	}

	option := cp.SafestOption()
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(cp.Options) {
		option = &cp.Options[n-1]
	}
	if option == nil {
		_, _ = mgr.Expire(cp.ID)
		return
	}
	if _, err := mgr.Resolve(cp.ID, option.ID, "cli", false); err != nil {
		fmt.Printf("failed to resolve checkpoint: %v\n", err)
	}
}

// watchForInterrupt cancels the session context on the first SIGINT or
// SIGTERM so the scheduler can stop between steps and persist state.
func watchForInterrupt(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nreceived %v, stopping after the current step...\n", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
}

func printOutcome(sess *types.Session) {
	fmt.Println()
	fmt.Println(strings.Repeat("─", 60))
	switch sess.Outcome {
	case types.OutcomeCompleted:
		fmt.Printf("✅ Session %s completed\n", sess.ID)
	case types.OutcomeNeedsClarification:
		fmt.Printf("❓ Session %s paused for clarification\n", sess.ID)
	default:
		fmt.Printf("✗ Session %s %s\n", sess.ID, sess.Outcome)
	}
	if sess.Reason != "" {
		fmt.Printf("   reason: %s\n", sess.Reason)
	}
	fmt.Printf("   progress %.0f%% after %d/%d iterations, %d failures\n",
		sess.Progress, sess.Iteration, sess.MaxIterations, len(sess.Failures))
	if len(sess.Artifacts) > 0 {
		fmt.Printf("   artifacts: %s\n", strings.Join(sess.Artifacts, ", "))
	}
	for _, entry := range sess.History {
		mark := "✓"
		if !entry.Succeeded {
			mark = "✗"
		}
		fmt.Printf("   %s [%d] %s\n", mark, entry.Iteration, truncateLine(entry.NextAction, 90))
	}
	if sess.Outcome == types.OutcomeNeedsClarification {
		fmt.Println()
		for _, q := range sess.Questions {
			fmt.Printf("   ? %s\n", q)
		}
		fmt.Printf("\nAnswer with: forge resume %s --clarification \"<answer>\"\n", sess.ID)
	}
}

func printEventTail(events *contextlog.Log, n int) {
	tail := events.Tail(n)
	if len(tail) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("Last %d events:\n", len(tail))
	for _, ev := range tail {
		fmt.Printf("  %s %-10s %s", ev.Timestamp.Format("15:04:05"), ev.Actor, ev.Act)
		if ev.Iteration > 0 {
			fmt.Printf(" iter=%d", ev.Iteration)
		}
		fmt.Println()
	}
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
