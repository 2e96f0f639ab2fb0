// Package main implements the resume command, which answers a paused
// session's clarification questions and continues the loop.
package main

import (
	"context"
	"errors"
	"fmt"

	"forgekeeper/internal/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resumeAnswer string

// resumeCmd continues a session that paused for clarification
var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Answer a paused session's questions and continue",
	Long: `Restores a session that paused in needs_clarification and feeds it the
answer. The answer lands in the session history and the loop continues
from the next iteration with the full dependency graph rewired.

Example:
  forge resume s-1755000000000-ab12 --clarification "target the staging environment"`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	ws := resolveWorkspace()

	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rt, err := openRuntime(ws, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	sess, err := rt.sessions.Load(sessionID)
	if err != nil {
		return fmt.Errorf("session %q not found (try 'forge status'): %w", sessionID, err)
	}
	if err := rt.sched.Restore(sess); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchForInterrupt(ctx, cancel)

	if rt.watcher != nil {
		if err := rt.watcher.Start(ctx); err != nil {
			logger.Warn("artifact watcher failed to start", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go answerCheckpoints(done, rt.checkpoints, true)

	fmt.Printf("forge: resuming %s with answer %q\n", sessionID, resumeAnswer)

	resumed, err := rt.sched.ProvideClarification(ctx, resumeAnswer)
	close(done)
	if err != nil && !errors.Is(err, scheduler.ErrSessionAborted) && !errors.Is(err, scheduler.ErrLLMUnavailable) {
		return err
	}
	if resumed == nil {
		return err
	}

	printOutcome(resumed)
	printEventTail(rt.events, 12)
	if err != nil {
		return fmt.Errorf("session %s: %w", resumed.ID, err)
	}
	return nil
}

func init() {
	resumeCmd.Flags().StringVar(&resumeAnswer, "clarification", "", "Answer to the session's questions (required)")
	_ = resumeCmd.MarkFlagRequired("clarification")
}
