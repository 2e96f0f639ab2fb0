package taskgen

import (
	"path/filepath"
	"testing"

	"forgekeeper/internal/config"
	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/types"
)

func newTestLifecycle(t *testing.T, cfg config.TaskGenConfig) (*Lifecycle, *Store, *contextlog.Log) {
	t.Helper()
	events, err := contextlog.New("")
	if err != nil {
		t.Fatalf("contextlog.New failed: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	store, err := OpenStore(filepath.Join(t.TempDir(), "tasks.db"), 0, events)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return NewLifecycle(store, cfg, events), store, events
}

func TestAutoApproveRespectsTrustAndThreshold(t *testing.T) {
	t.Parallel()
	lc, store, events := newTestLifecycle(t, config.TaskGenConfig{
		AutoApproveEnabled:       true,
		AutoApproveMinConfidence: 0.9,
		TrustedAnalyzers:         []string{"telemetry"},
	})

	cards := []types.TaskCard{
		{ID: "c-confident", Analyzer: "telemetry", Title: "high", Confidence: 0.95},
		{ID: "c-boundary", Analyzer: "telemetry", Title: "edge", Confidence: 0.90},
		{ID: "c-timid", Analyzer: "telemetry", Title: "low", Confidence: 0.85},
		{ID: "c-rogue", Analyzer: "rogue", Title: "untrusted", Confidence: 1.0},
	}
	for _, c := range cards {
		mustCreateCard(t, store, c)
	}

	approved, err := lc.AutoApprove()
	if err != nil {
		t.Fatalf("AutoApprove failed: %v", err)
	}
	if len(approved) != 2 || approved[0] != "c-boundary" || approved[1] != "c-confident" {
		t.Fatalf("approved = %v, want [c-boundary c-confident] sorted", approved)
	}

	for id, want := range map[string]types.CardStatus{
		"c-confident": types.CardApproved,
		"c-boundary":  types.CardApproved,
		"c-timid":     types.CardGenerated,
		"c-rogue":     types.CardGenerated,
	} {
		card, err := store.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", id, err)
		}
		if card.Status != want {
			t.Errorf("%s status = %s, want %s", id, card.Status, want)
		}
	}

	var audits []contextlog.Event
	for _, ev := range events.Tail(10) {
		if ev.Act == contextlog.ActTaskAutoApproved {
			audits = append(audits, ev)
		}
	}
	if len(audits) != 2 {
		t.Fatalf("emitted %d audit events, want one per approval", len(audits))
	}
	for _, ev := range audits {
		if ev.Actor != contextlog.ActorSystem {
			t.Errorf("audit actor = %s, want system", ev.Actor)
		}
		if ev.Payload["analyzer"] != "telemetry" {
			t.Errorf("audit payload analyzer = %v, want telemetry", ev.Payload["analyzer"])
		}
	}
}

func TestAutoApproveDisabled(t *testing.T) {
	t.Parallel()
	lc, store, events := newTestLifecycle(t, config.TaskGenConfig{
		AutoApproveEnabled:       false,
		AutoApproveMinConfidence: 0.9,
		TrustedAnalyzers:         []string{"telemetry"},
	})
	mustCreateCard(t, store, types.TaskCard{ID: "c-1", Analyzer: "telemetry", Title: "x", Confidence: 0.99})

	approved, err := lc.AutoApprove()
	if err != nil {
		t.Fatalf("AutoApprove failed: %v", err)
	}
	if len(approved) != 0 {
		t.Errorf("approved = %v, want none when disabled", approved)
	}
	card, err := store.Get("c-1")
	if err != nil {
		t.Fatal(err)
	}
	if card.Status != types.CardGenerated {
		t.Errorf("status = %s, want generated untouched", card.Status)
	}
	if n := len(events.Tail(10)); n != 0 {
		t.Errorf("emitted %d events, want none when disabled", n)
	}
}

func TestActionableRequiresCompletedPrereqs(t *testing.T) {
	t.Parallel()
	lc, store, _ := newTestLifecycle(t, config.TaskGenConfig{AutoApproveMinConfidence: 0.9})

	mustCreateCard(t, store, types.TaskCard{ID: "c-a", Analyzer: "telemetry", Title: "first", Confidence: 0.5})
	mustCreateCard(t, store, types.TaskCard{ID: "c-b", Analyzer: "telemetry", Title: "second", Confidence: 0.5, Dependencies: []string{"c-a"}})
	for _, id := range []string{"c-a", "c-b"} {
		if _, err := store.Approve(id); err != nil {
			t.Fatalf("Approve(%s) failed: %v", id, err)
		}
	}

	actionable, err := lc.Actionable()
	if err != nil {
		t.Fatalf("Actionable failed: %v", err)
	}
	if len(actionable) != 1 || actionable[0].ID != "c-a" {
		t.Fatalf("actionable = %+v, want only c-a while its dependent waits", actionable)
	}

	if _, err := store.Complete("c-a"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	actionable, err = lc.Actionable()
	if err != nil {
		t.Fatalf("Actionable failed: %v", err)
	}
	if len(actionable) != 1 || actionable[0].ID != "c-b" {
		t.Fatalf("actionable = %+v, want c-b once its prerequisite completed", actionable)
	}
}
