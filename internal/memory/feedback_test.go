package memory

import (
	"fmt"
	"testing"

	"forgekeeper/internal/types"
)

func TestFeedbackAddDefaults(t *testing.T) {
	t.Parallel()

	store, err := OpenFeedbackStore(t.TempDir(), FeedbackOptions{}, nil)
	if err != nil {
		t.Fatalf("OpenFeedbackStore failed: %v", err)
	}

	id, err := store.Add(types.Feedback{Reasoning: "the plan skipped the lockfile"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if id == "" {
		t.Fatal("Add returned no id")
	}

	got := store.All()[0]
	if got.ID != id {
		t.Errorf("stored id = %q, want the returned %q", got.ID, id)
	}
	if got.Category != types.FeedbackGeneral {
		t.Errorf("Category = %s, want general default", got.Category)
	}
	if got.Timestamp.IsZero() {
		t.Error("Timestamp not stamped on add")
	}
}

func TestFeedbackRatingValidation(t *testing.T) {
	t.Parallel()

	store, err := OpenFeedbackStore(t.TempDir(), FeedbackOptions{}, nil)
	if err != nil {
		t.Fatalf("OpenFeedbackStore failed: %v", err)
	}
	if _, err := store.Add(types.Feedback{Rating: 7}); err == nil {
		t.Error("rating 7 should be rejected")
	}
	if _, err := store.Add(types.Feedback{Rating: -1}); err == nil {
		t.Error("rating -1 should be rejected")
	}
	if _, err := store.Add(types.Feedback{Rating: 0}); err != nil {
		t.Errorf("unrated feedback should be accepted by default: %v", err)
	}

	strict, err := OpenFeedbackStore(t.TempDir(), FeedbackOptions{RequireRating: true}, nil)
	if err != nil {
		t.Fatalf("OpenFeedbackStore failed: %v", err)
	}
	if _, err := strict.Add(types.Feedback{Reasoning: "no rating given"}); err == nil {
		t.Error("RequireRating should reject unrated feedback")
	}
	if _, err := strict.Add(types.Feedback{Rating: 3}); err != nil {
		t.Errorf("rated feedback should pass the strict store: %v", err)
	}
}

func TestFeedbackEvictsOldestAtCap(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := OpenFeedbackStore(dir, FeedbackOptions{MaxEntries: 3}, nil)
	if err != nil {
		t.Fatalf("OpenFeedbackStore failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := store.Add(types.Feedback{ID: fmt.Sprintf("f-%d", i)}); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	if store.Count() != 3 {
		t.Fatalf("Count = %d, want 3 after eviction", store.Count())
	}
	got := store.All()
	if got[0].ID != "f-3" || got[2].ID != "f-5" {
		t.Errorf("entries = [%s .. %s], want oldest f-3 and newest f-5", got[0].ID, got[2].ID)
	}

	// Eviction rewrites the journal, so a reload sees the same three.
	reloaded, err := OpenFeedbackStore(dir, FeedbackOptions{MaxEntries: 3}, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reloaded.Count() != 3 {
		t.Errorf("reloaded Count = %d, want 3", reloaded.Count())
	}
}

func TestFeedbackLoadTrimsLoweredCap(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store, err := OpenFeedbackStore(dir, FeedbackOptions{MaxEntries: 10}, nil)
	if err != nil {
		t.Fatalf("OpenFeedbackStore failed: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := store.Add(types.Feedback{ID: fmt.Sprintf("f-%d", i)}); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	trimmed, err := OpenFeedbackStore(dir, FeedbackOptions{MaxEntries: 2}, nil)
	if err != nil {
		t.Fatalf("reopen with lower cap failed: %v", err)
	}
	if trimmed.Count() != 2 {
		t.Fatalf("trimmed Count = %d, want 2", trimmed.Count())
	}
	if got := trimmed.All(); got[0].ID != "f-4" || got[1].ID != "f-5" {
		t.Errorf("kept = [%s %s], want the newest two f-4 f-5", got[0].ID, got[1].ID)
	}

	// The trim also rewrote the journal.
	wide, err := OpenFeedbackStore(dir, FeedbackOptions{MaxEntries: 10}, nil)
	if err != nil {
		t.Fatalf("reopen after trim failed: %v", err)
	}
	if wide.Count() != 2 {
		t.Errorf("journal still holds %d entries after trim, want 2", wide.Count())
	}
}

func TestFeedbackCorrelationQueries(t *testing.T) {
	t.Parallel()

	store, err := OpenFeedbackStore(t.TempDir(), FeedbackOptions{}, nil)
	if err != nil {
		t.Fatalf("OpenFeedbackStore failed: %v", err)
	}

	seed := []types.Feedback{
		{Category: types.FeedbackCheckpoint, Context: types.FeedbackContext{SessionID: "s-1", DecisionID: "cp-1"}},
		{Category: types.FeedbackDecision, Context: types.FeedbackContext{SessionID: "s-1"}},
		{Category: types.FeedbackCheckpoint, Context: types.FeedbackContext{SessionID: "s-2", DecisionID: "cp-2"}},
	}
	for _, f := range seed {
		if _, err := store.Add(f); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if got := store.ByCategory(types.FeedbackCheckpoint); len(got) != 2 {
		t.Errorf("ByCategory(checkpoint) = %d, want 2", len(got))
	}
	if got := store.ForSession("s-1"); len(got) != 2 {
		t.Errorf("ForSession(s-1) = %d, want 2", len(got))
	}
	if got := store.ForDecision("cp-2"); len(got) != 1 || got[0].Context.SessionID != "s-2" {
		t.Errorf("ForDecision(cp-2) = %+v, want the s-2 entry", got)
	}
}
