package taskgen

import (
	"testing"

	"forgekeeper/internal/types"
)

func policyCard(id, analyzer string, status types.CardStatus, confidence float64, deps ...string) types.TaskCard {
	return types.TaskCard{
		ID:           id,
		Analyzer:     analyzer,
		Title:        "stub",
		Confidence:   confidence,
		Status:       status,
		Dependencies: deps,
	}
}

func TestPolicyActionableRequiresCompletedDeps(t *testing.T) {
	t.Parallel()
	policy := NewPolicy(nil, 0.9)

	cards := []types.TaskCard{
		policyCard("free", "telemetry", types.CardApproved, 0.8),
		policyCard("blocked", "telemetry", types.CardApproved, 0.8, "prereq"),
		policyCard("prereq", "telemetry", types.CardApproved, 0.8),
		policyCard("fresh", "telemetry", types.CardGenerated, 0.8),
	}
	result, err := policy.Evaluate(cards)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Actionable["free"] {
		t.Error("free should be actionable: approved with no prerequisites")
	}
	if result.Actionable["blocked"] {
		t.Error("blocked should not be actionable: its prerequisite is not completed")
	}
	if result.Actionable["fresh"] {
		t.Error("fresh should not be actionable: it is not approved")
	}

	// Completing the prerequisite unblocks the dependent card.
	cards[2].Status = types.CardCompleted
	result, err = policy.Evaluate(cards)
	if err != nil {
		t.Fatalf("Evaluate after completion failed: %v", err)
	}
	if !result.Actionable["blocked"] {
		t.Error("blocked should be actionable once its prerequisite completed")
	}
	if result.Actionable["prereq"] {
		t.Error("prereq should not be actionable: it is completed, not approved")
	}
}

func TestPolicyUnknownDependencyBlocks(t *testing.T) {
	t.Parallel()
	policy := NewPolicy(nil, 0.9)

	result, err := policy.Evaluate([]types.TaskCard{
		policyCard("orphan", "telemetry", types.CardApproved, 0.8, "no-such-card"),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Actionable["orphan"] {
		t.Error("a dependency on an unknown card id must block the card")
	}
}

func TestPolicyAutoApprovable(t *testing.T) {
	t.Parallel()
	policy := NewPolicy([]string{"telemetry"}, 0.9)

	cards := []types.TaskCard{
		policyCard("confident", "telemetry", types.CardGenerated, 0.95),
		policyCard("boundary", "telemetry", types.CardGenerated, 0.90),
		policyCard("timid", "telemetry", types.CardGenerated, 0.85),
		policyCard("untrusted", "rogue", types.CardGenerated, 1.0),
		policyCard("seen", "telemetry", types.CardViewed, 0.99),
	}
	result, err := policy.Evaluate(cards)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if !result.AutoApprovable["confident"] {
		t.Error("confident should auto-approve: trusted analyzer above threshold")
	}
	if !result.AutoApprovable["boundary"] {
		t.Error("boundary should auto-approve: the threshold is inclusive")
	}
	if result.AutoApprovable["timid"] {
		t.Error("timid should not auto-approve below the threshold")
	}
	if result.AutoApprovable["untrusted"] {
		t.Error("an untrusted analyzer must never auto-approve, even at full confidence")
	}
	if result.AutoApprovable["seen"] {
		t.Error("only generated cards auto-approve; viewed cards need a human")
	}
}

func TestPolicyEmptyCardSet(t *testing.T) {
	t.Parallel()
	policy := NewPolicy([]string{"telemetry"}, 0.9)

	result, err := policy.Evaluate(nil)
	if err != nil {
		t.Fatalf("Evaluate over no cards failed: %v", err)
	}
	if len(result.Actionable) != 0 || len(result.AutoApprovable) != 0 {
		t.Errorf("empty card set derived %d/%d facts, want none",
			len(result.Actionable), len(result.AutoApprovable))
	}
}
