package memory

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// DefaultFeedbackMax caps the feedback store when no limit is configured.
const DefaultFeedbackMax = 5000

// FeedbackOptions tunes the feedback store.
type FeedbackOptions struct {
	// MaxEntries caps the store; once full, the oldest entries are
	// evicted and the journal rewritten. Zero means DefaultFeedbackMax.
	MaxEntries int
	// RequireRating rejects feedback that carries no 1-5 rating.
	RequireRating bool
}

// FeedbackStore keeps user feedback bounded and queryable by category and
// correlation ids.
type FeedbackStore struct {
	mu      sync.RWMutex
	journal *journal
	entries []types.Feedback

	maxEntries    int
	requireRating bool
}

// OpenFeedbackStore loads feedback from dir, trimming to the cap.
func OpenFeedbackStore(dir string, opts FeedbackOptions, events *contextlog.Log) (*FeedbackStore, error) {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultFeedbackMax
	}

	path := filepath.Join(dir, "feedback.jsonl")
	s := &FeedbackStore{
		journal:       newJournal(path, "feedback", events),
		maxEntries:    maxEntries,
		requireRating: opts.RequireRating,
	}

	err := readLines(path, func(line []byte) {
		var f types.Feedback
		if json.Unmarshal(line, &f) == nil {
			s.entries = append(s.entries, f)
		}
	})
	if err != nil {
		return nil, err
	}

	// A cap lowered between runs leaves an oversized journal; evict now
	// so memory and disk agree.
	if len(s.entries) > s.maxEntries {
		s.entries = append([]types.Feedback(nil), s.entries[len(s.entries)-s.maxEntries:]...)
		if err := s.rewriteLocked(); err != nil {
			return nil, err
		}
	}

	logging.Memory("Feedback store opened: %d entries (cap %d)", len(s.entries), s.maxEntries)
	return s, nil
}

// Add validates and appends one feedback entry, evicting the oldest when
// the store is full. A missing id or timestamp is filled in; the assigned
// id is returned.
func (s *FeedbackStore) Add(f types.Feedback) (string, error) {
	if f.Rating < 0 || f.Rating > 5 {
		return "", fmt.Errorf("feedback rating must be 1-5 (or 0 for unrated), got %d", f.Rating)
	}
	if s.requireRating && f.Rating == 0 {
		return "", fmt.Errorf("feedback rating is required")
	}
	if f.Category == "" {
		f.Category = types.FeedbackGeneral
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, f)
	if len(s.entries) > s.maxEntries {
		evicted := len(s.entries) - s.maxEntries
		s.entries = append([]types.Feedback(nil), s.entries[evicted:]...)
		logging.MemoryDebug("Feedback store full, evicted %d oldest entries", evicted)
		return f.ID, s.rewriteLocked()
	}
	return f.ID, s.journal.append(f)
}

// All returns every entry, oldest first.
func (s *FeedbackStore) All() []types.Feedback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Feedback(nil), s.entries...)
}

// ByCategory returns the entries of one category, oldest first.
func (s *FeedbackStore) ByCategory(category types.FeedbackCategory) []types.Feedback {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Feedback
	for _, f := range s.entries {
		if f.Category == category {
			out = append(out, f)
		}
	}
	return out
}

// ForSession returns the entries correlated with one session, oldest first.
func (s *FeedbackStore) ForSession(sessionID string) []types.Feedback {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Feedback
	for _, f := range s.entries {
		if f.Context.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out
}

// ForDecision returns the entries correlated with one decision id.
func (s *FeedbackStore) ForDecision(decisionID string) []types.Feedback {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Feedback
	for _, f := range s.entries {
		if f.Context.DecisionID == decisionID {
			out = append(out, f)
		}
	}
	return out
}

// Count returns the number of stored entries.
func (s *FeedbackStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Pending reports entries queued by degraded writes.
func (s *FeedbackStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal.pending()
}

func (s *FeedbackStore) rewriteLocked() error {
	records := make([]any, len(s.entries))
	for i := range s.entries {
		records[i] = s.entries[i]
	}
	return s.journal.rewrite(records)
}
