// Package main implements memory inspection commands: aggregate statistics
// and episodic similarity search.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forgekeeper/internal/memory"
	"forgekeeper/internal/types"

	"github.com/spf13/cobra"
)

var (
	memorySearchTop  int
	memorySearchType string
)

// memoryCmd inspects the memory substrate
var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect the agent's memory substrate",
	Long: `Shows what the agent has learned across sessions.

Subcommands:
  stats  - Aggregate counts and success rates per store
  search - Episodic similarity search over past sessions`,
	RunE: runMemoryStats,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate memory statistics",
	RunE:  runMemoryStats,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Search episodic memory for similar past sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemorySearch,
}

func runMemoryStats(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	mem, events, err := openMemory(ws, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = mem.Close(); _ = events.Close() }()

	stats := mem.Sessions.AggregateStats()

	fmt.Printf("Memory at %s\n", mem.Path())
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("Sessions:    %d (%d succeeded, %.0f%% success rate)\n",
		stats.Sessions, stats.Successes, stats.SuccessRate*100)
	fmt.Printf("Episodes:    %d (vocab v%d)\n", mem.Episodes.Count(), mem.Episodes.VocabVersion())
	fmt.Printf("Patterns:    %d recovery outcomes\n", mem.Patterns.Count())
	fmt.Printf("Preferences: %d decisions\n", mem.Preferences.Count())
	fmt.Printf("Feedback:    %d entries\n", mem.Feedback.Count())
	fmt.Printf("Checkpoints: %d (%d pending)\n", mem.Checkpoints.Count(), mem.Checkpoints.Pending())
	if stats.RecoveriesAttempted > 0 {
		fmt.Printf("Recoveries:  %d/%d succeeded\n", stats.RecoveriesSucceeded, stats.RecoveriesAttempted)
	}
	if stats.RepetitiveSessions > 0 {
		fmt.Printf("Repetitive:  %d sessions showed repeated failing actions\n", stats.RepetitiveSessions)
	}

	if len(stats.ByTaskType) > 0 {
		fmt.Println()
		fmt.Println("By task type:")
		for tt, s := range stats.ByTaskType {
			fmt.Printf("  %-16s %d sessions, %d ok, avg %.1f iterations\n",
				tt, s.Sessions, s.Successes, s.AvgIterations)
		}
	}
	if len(stats.ErrorCategories) > 0 {
		fmt.Println()
		fmt.Println("Error categories:")
		for cat, n := range stats.ErrorCategories {
			fmt.Printf("  %-24s %d\n", cat, n)
		}
	}

	patterns := mem.Patterns.Aggregate()
	if len(patterns) > 0 {
		fmt.Println()
		fmt.Println("Recovery strategies:")
		for _, p := range patterns {
			fmt.Printf("  %s/%s: %d ok, %d failed\n",
				p.Category, p.Strategy, p.SuccessCount, p.FailureCount)
		}
	}
	return nil
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	mem, events, err := openMemory(ws, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = mem.Close(); _ = events.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := mem.Episodes.Search(ctx, query, memory.SearchOptions{
		TopN:     memorySearchTop,
		TaskType: types.TaskType(memorySearchType),
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		fmt.Println("No similar episodes found.")
		return nil
	}

	fmt.Printf("Episodes similar to %q\n", query)
	fmt.Println(strings.Repeat("─", 60))
	for i, r := range results {
		ep := r.Episode
		mark := "✓"
		if !ep.Success {
			mark = "✗"
		}
		fmt.Printf("%d. [%.2f] %s %s (%s, %d iterations)\n", i+1, r.Score, mark, truncateLine(ep.Task, 70), ep.TaskType, ep.Iterations)
		if ep.Strategy != "" {
			fmt.Printf("     strategy: %s\n", ep.Strategy)
		}
		if ep.FailureReason != "" {
			fmt.Printf("     failed: %s\n", ep.FailureReason)
		}
	}
	return nil
}

func init() {
	memorySearchCmd.Flags().IntVar(&memorySearchTop, "top", 5, "Result count (max 20)")
	memorySearchCmd.Flags().StringVar(&memorySearchType, "type", "", "Restrict to one task type")
	memoryCmd.AddCommand(memoryStatsCmd, memorySearchCmd)
}
