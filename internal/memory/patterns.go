package memory

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// patternMaxExamples caps the example contexts kept per aggregate.
const patternMaxExamples = 3

// PatternStore records recovery attempt outcomes and aggregates them by
// (error category, strategy) so the diagnostic pipeline can weight
// strategies by their track record.
type PatternStore struct {
	mu       sync.RWMutex
	journal  *journal
	outcomes []types.RecoveryOutcome
}

// OpenPatternStore loads recorded recovery outcomes from dir.
func OpenPatternStore(dir string, events *contextlog.Log) (*PatternStore, error) {
	path := filepath.Join(dir, "patterns.jsonl")
	s := &PatternStore{journal: newJournal(path, "patterns", events)}

	err := readLines(path, func(line []byte) {
		var o types.RecoveryOutcome
		if json.Unmarshal(line, &o) == nil {
			s.outcomes = append(s.outcomes, o)
		}
	})
	if err != nil {
		return nil, err
	}

	logging.Memory("Pattern store opened: %d recovery outcomes", len(s.outcomes))
	return s, nil
}

// Record appends one recovery outcome.
func (s *PatternStore) Record(o types.RecoveryOutcome) error {
	if o.Category == "" || o.Strategy == "" {
		return fmt.Errorf("recovery outcome needs a category and a strategy")
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return s.journal.append(o)
}

// Count returns the number of recorded outcomes.
func (s *PatternStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outcomes)
}

// Pending reports outcomes queued by degraded writes.
func (s *PatternStore) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal.pending()
}

// Aggregate groups all outcomes by (category, strategy) and returns one
// record per group, ordered by category then strategy.
func (s *PatternStore) Aggregate() []types.PatternRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return aggregateOutcomes(s.outcomes)
}

// ForCategory returns the aggregated records for one error category,
// best-performing strategy first.
func (s *PatternStore) ForCategory(category types.ErrorCategory) []types.PatternRecord {
	s.mu.RLock()
	var matched []types.RecoveryOutcome
	for _, o := range s.outcomes {
		if o.Category == category {
			matched = append(matched, o)
		}
	}
	s.mu.RUnlock()

	records := aggregateOutcomes(matched)
	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := records[i].SuccessRate(), records[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return records[i].SuccessCount > records[j].SuccessCount
	})
	return records
}

// Find returns the aggregate for one (category, strategy) pair.
func (s *PatternStore) Find(category types.ErrorCategory, strategy string) (types.PatternRecord, bool) {
	for _, rec := range s.ForCategory(category) {
		if rec.Strategy == strategy {
			return rec, true
		}
	}
	return types.PatternRecord{}, false
}

func aggregateOutcomes(outcomes []types.RecoveryOutcome) []types.PatternRecord {
	type group struct {
		record     types.PatternRecord
		iterations int
		attempts   int
	}
	groups := make(map[string]*group)
	var order []string

	for _, o := range outcomes {
		key := string(o.Category) + "\x00" + o.Strategy
		g, ok := groups[key]
		if !ok {
			g = &group{record: types.PatternRecord{Category: o.Category, Strategy: o.Strategy}}
			groups[key] = g
			order = append(order, key)
		}
		if o.Success {
			g.record.SuccessCount++
			if o.Context != "" && len(g.record.Examples) < patternMaxExamples && !containsString(g.record.Examples, o.Context) {
				g.record.Examples = append(g.record.Examples, o.Context)
			}
		} else {
			g.record.FailureCount++
		}
		g.iterations += o.Iterations
		g.attempts++
	}

	records := make([]types.PatternRecord, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if g.attempts > 0 {
			g.record.AvgIterations = float64(g.iterations) / float64(g.attempts)
		}
		records = append(records, g.record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Category != records[j].Category {
			return records[i].Category < records[j].Category
		}
		return records[i].Strategy < records[j].Strategy
	})
	return records
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
