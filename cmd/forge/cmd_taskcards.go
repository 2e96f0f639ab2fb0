// Package main implements task card lifecycle commands: listing generated
// cards, approving or dismissing them singly or in batches, and funnel
// metrics over a recent window.
package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/taskgen"
	"forgekeeper/internal/types"

	"github.com/spf13/cobra"
)

var (
	taskcardsStatus string
	taskcardsFunnel time.Duration
	taskcardsBatch  bool
	taskcardsAuto   bool
)

// taskcardsCmd manages generated task cards
var taskcardsCmd = &cobra.Command{
	Use:   "taskcards",
	Short: "Inspect and steer generated task cards",
	Long: `Task cards are units of proposed work emitted by telemetry analyzers.
Cards flow generated → viewed → approved → completed, or are dismissed.

Subcommands:
  list    - List cards, optionally by status, with funnel metrics
  approve - Approve cards by id, or auto-approve per policy
  dismiss - Dismiss cards by id`,
	RunE: runTaskcardsList,
}

var taskcardsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task cards",
	RunE:  runTaskcardsList,
}

var taskcardsApproveCmd = &cobra.Command{
	Use:   "approve [card-id...]",
	Short: "Approve task cards",
	Long: `Approves the named cards. With --batch, partial failures are tolerated
and the applied count is reported. With --auto, the trust policy approves
eligible generated cards instead (trusted analyzer, confident, viewed or
configured for auto-approval).`,
	RunE: runTaskcardsApprove,
}

var taskcardsDismissCmd = &cobra.Command{
	Use:   "dismiss <card-id...>",
	Short: "Dismiss task cards",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskcardsDismiss,
}

// openTaskStore opens the card store plus the event log behind it.
func openTaskStore() (*taskgen.Store, *contextlog.Log, error) {
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, nil, err
	}
	events, err := contextlog.New(filepath.Join(forgeDir(ws), "events.jsonl"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event log: %w", err)
	}
	store, err := taskgen.OpenStore(filepath.Join(forgeDir(ws), "taskcards.db"), cfg.TaskGen.BatchMax, events)
	if err != nil {
		_ = events.Close()
		return nil, nil, fmt.Errorf("failed to open task card store: %w", err)
	}
	return store, events, nil
}

func runTaskcardsList(cmd *cobra.Command, args []string) error {
	store, events, err := openTaskStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(); _ = events.Close() }()

	cards, err := store.List(types.CardStatus(taskcardsStatus))
	if err != nil {
		return err
	}

	if len(cards) == 0 {
		fmt.Println("No task cards.")
	} else {
		fmt.Println("Task Cards")
		fmt.Println(strings.Repeat("─", 60))
		for _, c := range cards {
			fmt.Printf("%s  [%s] %.2f %s\n", c.ID, c.Status, c.Confidence, c.Title)
			fmt.Printf("    analyzer=%s created=%s", c.Analyzer, c.CreatedAt.Format("2006-01-02 15:04"))
			if len(c.Dependencies) > 0 {
				fmt.Printf(" needs=%s", strings.Join(c.Dependencies, ","))
			}
			fmt.Println()
		}
		fmt.Println(strings.Repeat("─", 60))
	}

	counts, err := store.CountByStatus()
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(types.AllCardStatuses))
	for _, st := range types.AllCardStatuses {
		if counts[st] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[st], st))
		}
	}
	if len(parts) > 0 {
		fmt.Printf("Totals: %s\n", strings.Join(parts, ", "))
	}

	if taskcardsFunnel > 0 {
		funnel, err := store.FunnelMetrics(taskcardsFunnel)
		if err != nil {
			return err
		}
		fmt.Printf("Funnel over %s: %d generated → %d viewed → %d approved → %d completed (%d dismissed), health %.2f\n",
			funnel.Window, funnel.Generated, funnel.Viewed, funnel.Approved, funnel.Completed, funnel.Dismissed, funnel.Health)
	}
	return nil
}

func runTaskcardsApprove(cmd *cobra.Command, args []string) error {
	if !taskcardsAuto && len(args) == 0 {
		return fmt.Errorf("name card ids to approve, or pass --auto")
	}

	store, events, err := openTaskStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(); _ = events.Close() }()

	if taskcardsAuto {
		ws := resolveWorkspace()
		cfg, err := loadConfig(ws)
		if err != nil {
			return err
		}
		if !cfg.TaskGen.AutoApproveEnabled {
			return fmt.Errorf("auto-approval is disabled (set taskgen.auto_approve_enabled or FORGE_AUTO_APPROVE=1)")
		}
		lifecycle := taskgen.NewLifecycle(store, cfg.TaskGen, events)
		ids, err := lifecycle.AutoApprove()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No cards met the auto-approval policy.")
			return nil
		}
		fmt.Printf("✅ Auto-approved %d cards: %s\n", len(ids), strings.Join(ids, ", "))
		return nil
	}

	if taskcardsBatch || len(args) > 1 {
		n, err := store.ApproveBatch(args)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Approved %d/%d cards\n", n, len(args))
		return nil
	}

	card, err := store.Approve(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("✅ Approved %s: %s\n", card.ID, card.Title)
	return nil
}

func runTaskcardsDismiss(cmd *cobra.Command, args []string) error {
	store, events, err := openTaskStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(); _ = events.Close() }()

	if taskcardsBatch || len(args) > 1 {
		n, err := store.DismissBatch(args)
		if err != nil {
			return err
		}
		fmt.Printf("Dismissed %d/%d cards\n", n, len(args))
		return nil
	}

	card, err := store.Dismiss(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Dismissed %s: %s\n", card.ID, card.Title)
	return nil
}

func init() {
	taskcardsListCmd.Flags().StringVar(&taskcardsStatus, "status", "", "Filter by status (generated, viewed, approved, completed, dismissed)")
	taskcardsListCmd.Flags().DurationVar(&taskcardsFunnel, "funnel", 0, "Also show funnel metrics over this window (e.g. 168h)")
	taskcardsApproveCmd.Flags().BoolVar(&taskcardsBatch, "batch", false, "Tolerate partial failures, report the applied count")
	taskcardsApproveCmd.Flags().BoolVar(&taskcardsAuto, "auto", false, "Approve per the trust policy instead of by id")
	taskcardsDismissCmd.Flags().BoolVar(&taskcardsBatch, "batch", false, "Tolerate partial failures, report the applied count")
	taskcardsCmd.AddCommand(taskcardsListCmd, taskcardsApproveCmd, taskcardsDismissCmd)
}
