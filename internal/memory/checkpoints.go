package memory

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// CheckpointStore persists checkpoint lifecycles. Every transition appends
// a full snapshot of the checkpoint, so the journal replays to current
// state by keeping the latest snapshot per id; no tombstones, no partial
// updates.
type CheckpointStore struct {
	mu      sync.RWMutex
	journal *journal
	byID    map[string]types.Checkpoint
	order   []string
}

// OpenCheckpointStore loads checkpoint snapshots from dir.
func OpenCheckpointStore(dir string, events *contextlog.Log) (*CheckpointStore, error) {
	path := filepath.Join(dir, "checkpoints.jsonl")
	s := &CheckpointStore{
		journal: newJournal(path, "checkpoints", events),
		byID:    make(map[string]types.Checkpoint),
	}

	err := readLines(path, func(line []byte) {
		var cp types.Checkpoint
		if json.Unmarshal(line, &cp) != nil || cp.ID == "" {
			return
		}
		if _, seen := s.byID[cp.ID]; !seen {
			s.order = append(s.order, cp.ID)
		}
		s.byID[cp.ID] = cp
	})
	if err != nil {
		return nil, err
	}

	logging.Memory("Checkpoint store opened: %d checkpoints (%d pending)", len(s.byID), s.pendingCount())
	return s, nil
}

// Save appends a snapshot of the checkpoint's current state, inserting or
// superseding its previous snapshot.
func (s *CheckpointStore) Save(cp types.Checkpoint) error {
	if cp.ID == "" {
		return fmt.Errorf("checkpoint id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.byID[cp.ID]; !seen {
		s.order = append(s.order, cp.ID)
	}
	s.byID[cp.ID] = cp
	return s.journal.append(cp)
}

// Get returns the checkpoint with the given id.
func (s *CheckpointStore) Get(id string) (types.Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	return cp, ok
}

// List returns checkpoints in creation order. A non-empty status filters;
// an empty status returns everything.
func (s *CheckpointStore) List(status types.CheckpointStatus) []types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Checkpoint, 0, len(s.order))
	for _, id := range s.order {
		cp := s.byID[id]
		if status != "" && cp.Status != status {
			continue
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ForSession returns the session's checkpoints in creation order.
func (s *CheckpointStore) ForSession(sessionID string) []types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Checkpoint
	for _, id := range s.order {
		if cp := s.byID[id]; cp.SessionID == sessionID {
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of distinct checkpoints.
func (s *CheckpointStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Pending reports snapshots queued by degraded writes.
func (s *CheckpointStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal.pending()
}

func (s *CheckpointStore) pendingCount() int {
	n := 0
	for _, cp := range s.byID {
		if cp.Status == types.CheckpointPending {
			n++
		}
	}
	return n
}
