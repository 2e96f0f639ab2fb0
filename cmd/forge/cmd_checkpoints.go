// Package main implements checkpoint inspection and resolution commands.
package main

import (
	"fmt"
	"strings"

	"forgekeeper/internal/checkpoint"
	"forgekeeper/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	checkpointsStatus   string
	checkpointsUser     string
	checkpointsModified bool
)

// checkpointsCmd manages confidence-gate checkpoints
var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and resolve confidence-gate checkpoints",
	Long: `Lists checkpoints the scheduler raised and records resolutions.

Subcommands:
  list    - List checkpoints (pending by default)
  resolve - Record a decision for a checkpoint`,
	RunE: runCheckpointsList,
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	RunE:  runCheckpointsList,
}

var checkpointsResolveCmd = &cobra.Command{
	Use:   "resolve <checkpoint-id> <option-id>",
	Short: "Record a decision for a pending checkpoint",
	Long: `Marks the checkpoint resolved with the chosen option. The decision
feeds calibration and the preference profile even when the session that
raised it has already ended.`,
	Args: cobra.ExactArgs(2),
	RunE: runCheckpointsResolve,
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
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

	mgr := checkpoint.NewManager(mem.Checkpoints, events)
	cps := mgr.List(types.CheckpointStatus(checkpointsStatus))
	if len(cps) == 0 {
		fmt.Printf("No %s checkpoints.\n", checkpointsStatus)
		return nil
	}

	fmt.Printf("Checkpoints (%s)\n", checkpointsStatus)
	fmt.Println(strings.Repeat("─", 60))
	for _, cp := range cps {
		fmt.Printf("%s  session=%s iter=%d %s conf=%.2f\n",
			cp.ID, cp.SessionID, cp.Iteration, cp.DecisionType, cp.PredictedConfidence)
		fmt.Printf("    %s\n", cp.Description)
		for _, opt := range cp.Options {
			marker := " "
			if cp.Resolution != nil && cp.Resolution.SelectedOptionID == opt.ID {
				marker = "→"
			}
			fmt.Printf("  %s %s: %s (%s risk)\n", marker, opt.ID, opt.Label, opt.RiskLevel)
		}
	}
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("Total: %d\n", len(cps))
	return nil
}

func runCheckpointsResolve(cmd *cobra.Command, args []string) error {
	id, optionID := args[0], args[1]
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

	mgr := checkpoint.NewManager(mem.Checkpoints, events)
	cp, err := mgr.Resolve(id, optionID, checkpointsUser, checkpointsModified)
	if err != nil {
		return fmt.Errorf("failed to resolve checkpoint: %w", err)
	}

	analyzer := checkpoint.NewPreferenceAnalyzer(mem.Preferences, mem.Feedback, events)
	if err := analyzer.RecordResolution(cp); err != nil {
		logger.Warn("preference record failed", zap.Error(err))
	}

	fmt.Printf("✅ Checkpoint %s resolved with option %s\n", cp.ID, optionID)
	return nil
}

func init() {
	checkpointsListCmd.Flags().StringVar(&checkpointsStatus, "status", "pending", "Filter: pending, resolved, expired")
	checkpointsResolveCmd.Flags().StringVar(&checkpointsUser, "user", "cli", "User id recorded on the resolution")
	checkpointsResolveCmd.Flags().BoolVar(&checkpointsModified, "modified", false, "Mark the chosen option as modified before acceptance")
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsResolveCmd)
}
