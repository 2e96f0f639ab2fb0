// Package main implements the status command, a one-screen overview of the
// workspace: configuration, stores, pending gates, and recent sessions.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forgekeeper/internal/checkpoint"
	"forgekeeper/internal/scheduler"
	"forgekeeper/internal/taskgen"
	"forgekeeper/internal/types"

	"github.com/spf13/cobra"
)

// statusCmd shows workspace status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show forgekeeper workspace status",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}

	fmt.Println("forgekeeper status")
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("Workspace: %s\n", ws)
	if cfg.LLM.APIKey != "" {
		fmt.Printf("Model:     %s/%s\n", cfg.LLM.Provider, cfg.LLM.Model)
	} else {
		fmt.Println("Model:     ✗ no API key configured (set OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY)")
	}
	fmt.Printf("Budget:    %d iterations, stuck after %d silent heartbeats\n",
		cfg.Scheduler.MaxIterations, cfg.Scheduler.StuckThreshold)

	if _, err := os.Stat(forgeDir(ws)); os.IsNotExist(err) {
		fmt.Println("\nNo .forge state yet; 'forge run <task>' creates it.")
		return nil
	}

	mem, events, err := openMemory(ws, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = mem.Close(); _ = events.Close() }()

	stats := mem.Sessions.AggregateStats()
	fmt.Printf("Memory:    %d sessions (%.0f%% success), %d episodes, %d patterns\n",
		stats.Sessions, stats.SuccessRate*100, mem.Episodes.Count(), mem.Patterns.Count())

	pending := checkpoint.NewManager(mem.Checkpoints, events).Pending()
	if len(pending) > 0 {
		fmt.Printf("Gates:     ⚠ %d pending checkpoints ('forge checkpoints list')\n", len(pending))
	}

	if store, err := taskgen.OpenStore(filepath.Join(forgeDir(ws), "taskcards.db"), cfg.TaskGen.BatchMax, events); err == nil {
		if counts, err := store.CountByStatus(); err == nil {
			total := 0
			for _, n := range counts {
				total += n
			}
			if total > 0 {
				fmt.Printf("Cards:     %d total, %d awaiting review\n", total, counts[types.CardGenerated]+counts[types.CardViewed])
			}
		}
		_ = store.Close()
	}

	sessions, err := scheduler.NewSessionStore(filepath.Join(forgeDir(ws), "sessions"))
	if err != nil {
		return err
	}
	recent, err := sessions.List()
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		fmt.Println()
		fmt.Println("Recent sessions:")
		for i, sess := range recent {
			if i == 5 {
				break
			}
			fmt.Printf("  %s  %-19s %3.0f%%  %s\n",
				sess.StartedAt.Format("2006-01-02 15:04"), sess.Outcome, sess.Progress, truncateLine(sess.Task, 60))
			if sess.Outcome == types.OutcomeNeedsClarification {
				fmt.Printf("      resume with: forge resume %s --clarification \"...\"\n", sess.ID)
			}
		}
	}
	return nil
}
