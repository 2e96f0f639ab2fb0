// Package main implements the run command, which drives one task through
// the full iteration loop to a terminal outcome.
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"forgekeeper/internal/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runMaxIterations  int
	runNonInteractive bool
	runEventTail      int
)

// runCmd executes a single task
var runCmd = &cobra.Command{
	Use:   "run <task...>",
	Short: "Run a task through the iteration scheduler",
	Long: `Drives a natural-language task to a terminal outcome.

Each iteration reflects on progress, plans the next action, executes tool
steps inside the workspace sandbox, and binds the observed outcome back
into the session. Low-confidence plans raise checkpoints; answer them at
the prompt, or pass --non-interactive to let gates expire onto the safest
option. Ctrl-C stops gracefully after the current step.

Example:
  forge run fix the failing auth middleware test`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func runTask(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")
	ws := resolveWorkspace()

	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	if runMaxIterations > 0 {
		cfg.Scheduler.MaxIterations = runMaxIterations
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := openRuntime(ws, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchForInterrupt(ctx, cancel)

	if rt.watcher != nil {
		if err := rt.watcher.Start(ctx); err != nil {
			logger.Warn("artifact watcher failed to start", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go answerCheckpoints(done, rt.checkpoints, !runNonInteractive)

	fmt.Printf("forge: %s\n", task)
	fmt.Printf("workspace %s, model %s/%s, max %d iterations\n",
		cfg.Execution.Workspace, cfg.LLM.Provider, cfg.LLM.Model, cfg.Scheduler.MaxIterations)

	sess, err := rt.sched.Run(ctx, task)
	close(done)
	if err != nil && !errors.Is(err, scheduler.ErrSessionAborted) && !errors.Is(err, scheduler.ErrLLMUnavailable) {
		return err
	}
	if sess == nil {
		return err
	}

	printOutcome(sess)
	printEventTail(rt.events, runEventTail)
	if err != nil {
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return nil
}

func init() {
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Override the iteration budget")
	runCmd.Flags().BoolVar(&runNonInteractive, "non-interactive", false, "Expire checkpoints instead of prompting")
	runCmd.Flags().IntVar(&runEventTail, "events", 12, "Trailing event count to print")
}
