// Package main implements the forge CLI, the command-line surface of the
// forgekeeper agent core. `forge run` drives one task to a terminal outcome
// through the iteration scheduler; the remaining commands inspect and steer
// the stores a run leaves behind (sessions, checkpoints, memory, task cards).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"forgekeeper/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "forgekeeper - autonomous agent core",
	Long: `forgekeeper drives a natural-language task to completion through an
iterate/reflect/plan/execute loop with confidence gating.

Each iteration the scheduler reflects on progress, plans the next action
(generating ranked alternatives when confidence is low), gates risky plans
behind checkpoints, executes tool steps in a workspace sandbox, and learns
from what happened. Sessions, episodes, recovery patterns and preferences
persist under <workspace>/.forge/ so later runs start smarter.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// resolveWorkspace returns the --workspace flag or the current directory.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// forgeDir is the per-workspace state directory.
func forgeDir(ws string) string {
	return filepath.Join(ws, ".forge")
}

// loadConfig reads the workspace config, falling back to defaults plus
// environment overrides when no file exists.
func loadConfig(ws string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(forgeDir(ws), "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if cfg.Execution.Workspace == "" {
		cfg.Execution.Workspace = ws
	}
	return cfg, nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.forge/config.yaml)")

	// Add commands to root
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(taskcardsCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
