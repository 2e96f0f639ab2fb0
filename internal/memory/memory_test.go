package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"forgekeeper/internal/embedding"
	"forgekeeper/internal/types"
)

func TestOpenCreatesAllStores(t *testing.T) {
	t.Parallel()
	workspace := t.TempDir()

	m, err := Open(workspace, embedding.NewTFIDF(64), Options{}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()

	if m.Sessions == nil || m.Episodes == nil || m.Preferences == nil || m.Patterns == nil {
		t.Fatal("Open should wire all four stores")
	}
	wantDir := filepath.Join(workspace, ".forge", "memory")
	if m.Path() != wantDir {
		t.Errorf("Path = %q, want %q", m.Path(), wantDir)
	}
	if _, err := os.Stat(wantDir); err != nil {
		t.Errorf("memory directory missing: %v", err)
	}
}

func TestOpenRoundTripsAcrossStores(t *testing.T) {
	t.Parallel()
	workspace := t.TempDir()

	m, err := Open(workspace, embedding.NewTFIDF(64), Options{ReembedInterval: 1000}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	err = m.Episodes.Write(context.Background(), &types.Episode{Task: "seed the staging database"})
	if err != nil {
		t.Fatalf("episode write failed: %v", err)
	}
	if err := m.Sessions.Append(types.SessionMemoryRecord{TaskType: types.TaskOther, Success: true, Iterations: 1}); err != nil {
		t.Fatalf("session append failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(workspace, embedding.NewTFIDF(64), Options{ReembedInterval: 1000}, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if reopened.Episodes.Count() != 1 || reopened.Sessions.Count() != 1 {
		t.Errorf("reopened counts = %d episodes / %d sessions, want 1/1",
			reopened.Episodes.Count(), reopened.Sessions.Count())
	}
}
