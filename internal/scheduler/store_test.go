package scheduler

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forgekeeper/internal/types"
)

func TestSessionStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	sess := &types.Session{
		ID:        "sess-roundtrip",
		Task:      "rebuild the index",
		TaskType:  types.TaskOther,
		Iteration: 3,
		Progress:  42,
		Outcome:   types.OutcomeRunning,
		StartedAt: time.Now().Truncate(time.Second),
		History: []types.ActionHistoryEntry{
			{Iteration: 1, NextAction: "survey the workspace", Succeeded: true},
		},
		Questions: []string{"which index?"},
	}
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != sess.ID || got.Iteration != 3 || got.Progress != 42 {
		t.Errorf("loaded session = %+v, want the saved fields back", got)
	}
	if len(got.History) != 1 || got.History[0].NextAction != "survey the workspace" {
		t.Errorf("loaded history = %+v, want the saved entry", got.History)
	}
	if len(got.Questions) != 1 || got.Questions[0] != "which index?" {
		t.Errorf("loaded questions = %v, want the saved question", got.Questions)
	}

	// A second save overwrites in place rather than appending.
	sess.Iteration = 4
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	got, err = store.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load after overwrite: %v", err)
	}
	if got.Iteration != 4 {
		t.Errorf("iteration after overwrite = %d, want 4", got.Iteration)
	}
}

func TestSessionStoreLoadMissing(t *testing.T) {
	t.Parallel()
	store, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if _, err := store.Load("nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load(missing) error = %v, want fs.ErrNotExist in the chain", err)
	}
}

func TestSessionStoreSaveRejectsEmptyID(t *testing.T) {
	t.Parallel()
	store, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if err := store.Save(&types.Session{}); err == nil {
		t.Fatal("Save with empty ID succeeded, want error")
	}
	if err := store.Save(nil); err == nil {
		t.Fatal("Save(nil) succeeded, want error")
	}
}

func TestSessionStoreListSortsAndSkipsGarbage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	base := time.Now()
	for i, id := range []string{"older", "newest", "middle"} {
		offsets := []time.Duration{-2 * time.Hour, 0, -time.Hour}
		sess := &types.Session{ID: id, Outcome: types.OutcomeCompleted, StartedAt: base.Add(offsets[i])}
		if err := store.Save(sess); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}
	// Junk the listing must tolerate: a non-JSON file, an unparseable
	// snapshot, and a subdirectory.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a session"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "archive"), 0755); err != nil {
		t.Fatal(err)
	}

	sessions, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("List returned %d sessions, want 3", len(sessions))
	}
	gotOrder := []string{sessions[0].ID, sessions[1].ID, sessions[2].ID}
	wantOrder := []string{"newest", "middle", "older"}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("List order = %v, want %v", gotOrder, wantOrder)
		}
	}
}
