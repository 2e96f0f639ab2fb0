package memory

import (
	"fmt"
	"testing"

	"forgekeeper/internal/types"
)

func openTestPatternStore(t *testing.T) *PatternStore {
	t.Helper()
	store, err := OpenPatternStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenPatternStore failed: %v", err)
	}
	return store
}

func recordOutcome(t *testing.T, store *PatternStore, o types.RecoveryOutcome) {
	t.Helper()
	if err := store.Record(o); err != nil {
		t.Fatalf("Record(%+v) failed: %v", o, err)
	}
}

func TestPatternStoreRecordValidation(t *testing.T) {
	t.Parallel()
	store := openTestPatternStore(t)

	if err := store.Record(types.RecoveryOutcome{Strategy: "retry"}); err == nil {
		t.Error("Record without a category should fail")
	}
	if err := store.Record(types.RecoveryOutcome{Category: types.CategoryNetwork}); err == nil {
		t.Error("Record without a strategy should fail")
	}

	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryNetwork, Strategy: "retry_with_backoff", Success: true, Iterations: 2,
	})
	if store.Count() != 1 {
		t.Errorf("Count = %d, want 1", store.Count())
	}
}

func TestPatternStoreAggregate(t *testing.T) {
	t.Parallel()
	store := openTestPatternStore(t)

	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryCommandNotFound, Strategy: "install_dependency",
		Success: true, Iterations: 2, Context: "git missing on runner",
	})
	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryCommandNotFound, Strategy: "install_dependency",
		Success: true, Iterations: 4, Context: "jq missing in container",
	})
	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryCommandNotFound, Strategy: "install_dependency",
		Success: false, Iterations: 6, Context: "registry unreachable",
	})
	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryNetwork, Strategy: "retry_with_backoff", Success: true, Iterations: 1,
	})

	records := store.Aggregate()
	if len(records) != 2 {
		t.Fatalf("Aggregate gave %d groups, want 2", len(records))
	}

	install := records[0]
	if install.Category != types.CategoryCommandNotFound || install.Strategy != "install_dependency" {
		t.Fatalf("first group = %s/%s, want command_not_found/install_dependency (category order)",
			install.Category, install.Strategy)
	}
	if install.SuccessCount != 2 || install.FailureCount != 1 {
		t.Errorf("install counts = %d/%d, want 2 successes / 1 failure",
			install.SuccessCount, install.FailureCount)
	}
	if install.AvgIterations != 4.0 {
		t.Errorf("install AvgIterations = %v, want 4.0 over all attempts", install.AvgIterations)
	}
	if len(install.Examples) != 2 {
		t.Errorf("examples = %v, want the two success contexts only", install.Examples)
	}
	if rate := install.SuccessRate(); rate < 0.66 || rate > 0.67 {
		t.Errorf("SuccessRate = %v, want 2/3", rate)
	}
}

func TestPatternStoreExamplesCappedAndDistinct(t *testing.T) {
	t.Parallel()
	store := openTestPatternStore(t)

	for i := 0; i < 6; i++ {
		ctxText := fmt.Sprintf("occurrence %d", i%4)
		recordOutcome(t, store, types.RecoveryOutcome{
			Category: types.CategoryTimeout, Strategy: "increase_timeout",
			Success: true, Iterations: 1, Context: ctxText,
		})
	}

	records := store.Aggregate()
	if len(records) != 1 {
		t.Fatalf("Aggregate gave %d groups, want 1", len(records))
	}
	if len(records[0].Examples) != 3 {
		t.Errorf("examples = %v, want capped at 3 distinct contexts", records[0].Examples)
	}
}

func TestPatternStoreForCategoryOrdersByTrackRecord(t *testing.T) {
	t.Parallel()
	store := openTestPatternStore(t)

	// strong: 3/3, weak: 1/2, tied-rate newcomer: 1/1.
	for i := 0; i < 3; i++ {
		recordOutcome(t, store, types.RecoveryOutcome{
			Category: types.CategoryNetwork, Strategy: "strong", Success: true, Iterations: 1,
		})
	}
	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryNetwork, Strategy: "weak", Success: true, Iterations: 3,
	})
	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryNetwork, Strategy: "weak", Success: false, Iterations: 5,
	})
	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryNetwork, Strategy: "newcomer", Success: true, Iterations: 1,
	})
	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryAuth, Strategy: "reauthenticate", Success: true, Iterations: 1,
	})

	records := store.ForCategory(types.CategoryNetwork)
	if len(records) != 3 {
		t.Fatalf("ForCategory gave %d strategies, want 3", len(records))
	}
	if records[0].Strategy != "strong" {
		t.Errorf("best strategy = %s, want strong (ties broken by success count)", records[0].Strategy)
	}
	if records[1].Strategy != "newcomer" || records[2].Strategy != "weak" {
		t.Errorf("order = [%s %s %s], want [strong newcomer weak]",
			records[0].Strategy, records[1].Strategy, records[2].Strategy)
	}
}

func TestPatternStoreFind(t *testing.T) {
	t.Parallel()
	store := openTestPatternStore(t)

	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryRateLimit, Strategy: "retry_with_backoff", Success: true, Iterations: 2,
	})

	rec, ok := store.Find(types.CategoryRateLimit, "retry_with_backoff")
	if !ok {
		t.Fatal("Find should locate the recorded strategy")
	}
	if rec.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", rec.SuccessCount)
	}
	if _, ok := store.Find(types.CategoryRateLimit, "unseen"); ok {
		t.Error("Find should miss an unrecorded strategy")
	}
}

func TestPatternStoreReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := OpenPatternStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenPatternStore failed: %v", err)
	}
	recordOutcome(t, store, types.RecoveryOutcome{
		Category: types.CategoryFileNotFound, Strategy: "create_missing_file", Success: true, Iterations: 1,
	})

	reloaded, err := OpenPatternStore(dir, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reloaded.Count() != 1 {
		t.Errorf("reloaded Count = %d, want 1", reloaded.Count())
	}
	if _, ok := reloaded.Find(types.CategoryFileNotFound, "create_missing_file"); !ok {
		t.Error("reloaded store should aggregate the persisted outcome")
	}
}
