package memory

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// SessionLog is the append-only log of finished sessions, one record per
// session, written only at terminal outcome.
type SessionLog struct {
	mu      sync.RWMutex
	journal *journal
	records []types.SessionMemoryRecord
}

// OpenSessionLog loads the session log from dir.
func OpenSessionLog(dir string, events *contextlog.Log) (*SessionLog, error) {
	path := filepath.Join(dir, "session_log.jsonl")
	s := &SessionLog{journal: newJournal(path, "session_log", events)}

	err := readLines(path, func(line []byte) {
		var rec types.SessionMemoryRecord
		if json.Unmarshal(line, &rec) == nil {
			s.records = append(s.records, rec)
		}
	})
	if err != nil {
		return nil, err
	}

	logging.Memory("Session log opened: %d records", len(s.records))
	return s, nil
}

// Append records one finished session.
func (s *SessionLog) Append(rec types.SessionMemoryRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.journal.append(rec)
}

// All returns every record, oldest first.
func (s *SessionLog) All() []types.SessionMemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SessionMemoryRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Count returns the number of recorded sessions.
func (s *SessionLog) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Pending reports records queued by degraded writes.
func (s *SessionLog) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.journal.pending()
}

// TaskTypeStats aggregates sessions of one task type.
type TaskTypeStats struct {
	Sessions      int     `json:"sessions"`
	Successes     int     `json:"successes"`
	AvgIterations float64 `json:"avg_iterations"`
}

// SessionStats is the aggregate view over the whole log.
type SessionStats struct {
	Sessions            int                              `json:"sessions"`
	Successes           int                              `json:"successes"`
	SuccessRate         float64                          `json:"success_rate"`
	AvgIterations       float64                          `json:"avg_iterations"`
	RecoveriesAttempted int                              `json:"recoveries_attempted"`
	RecoveriesSucceeded int                              `json:"recoveries_succeeded"`
	RepetitiveSessions  int                              `json:"repetitive_sessions"`
	ByTaskType          map[types.TaskType]TaskTypeStats `json:"by_task_type"`
	ErrorCategories     map[types.ErrorCategory]int      `json:"error_categories"`
}

// AggregateStats summarizes the log. The reflector feeds these aggregates
// into prompts so past sessions inform new assessments.
func (s *SessionLog) AggregateStats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := SessionStats{
		Sessions:        len(s.records),
		ByTaskType:      make(map[types.TaskType]TaskTypeStats),
		ErrorCategories: make(map[types.ErrorCategory]int),
	}
	if len(s.records) == 0 {
		return stats
	}

	totalIters := 0
	perTypeIters := make(map[types.TaskType]int)
	for _, rec := range s.records {
		totalIters += rec.Iterations
		if rec.Success {
			stats.Successes++
		}
		stats.RecoveriesAttempted += rec.Recoveries.Attempted
		stats.RecoveriesSucceeded += rec.Recoveries.Succeeded
		if rec.RepetitiveActions {
			stats.RepetitiveSessions++
		}
		for _, cat := range rec.ErrorCategories {
			stats.ErrorCategories[cat]++
		}

		tt := stats.ByTaskType[rec.TaskType]
		tt.Sessions++
		if rec.Success {
			tt.Successes++
		}
		perTypeIters[rec.TaskType] += rec.Iterations
		stats.ByTaskType[rec.TaskType] = tt
	}

	stats.SuccessRate = float64(stats.Successes) / float64(stats.Sessions)
	stats.AvgIterations = float64(totalIters) / float64(stats.Sessions)
	for taskType, tt := range stats.ByTaskType {
		tt.AvgIterations = float64(perTypeIters[taskType]) / float64(tt.Sessions)
		stats.ByTaskType[taskType] = tt
	}
	return stats
}

// ToolTrackRecord is one tool's aggregate standing across recorded sessions:
// how often it was used and how often it showed up among a session's failed
// tools.
type ToolTrackRecord struct {
	Tool     string `json:"tool"`
	Uses     int    `json:"uses"`
	Failures int    `json:"failures"`
}

// SuccessRate is the fraction of uses that did not end in failure.
func (t ToolTrackRecord) SuccessRate() float64 {
	if t.Uses == 0 {
		return 0
	}
	return float64(t.Uses-t.Failures) / float64(t.Uses)
}

// ToolEffectiveness aggregates per-tool use and failure counts across all
// sessions, sorted best-first (success rate, then use count, then name).
// The alternative planner feeds the top entries into generation prompts.
func (s *SessionLog) ToolEffectiveness() []ToolTrackRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTool := make(map[string]*ToolTrackRecord)
	for _, rec := range s.records {
		for _, tool := range rec.ToolsUsed {
			tr, ok := byTool[tool]
			if !ok {
				tr = &ToolTrackRecord{Tool: tool}
				byTool[tool] = tr
			}
			tr.Uses++
		}
		for _, tool := range rec.FailedTools {
			tr, ok := byTool[tool]
			if !ok {
				tr = &ToolTrackRecord{Tool: tool, Uses: 1}
				byTool[tool] = tr
			}
			tr.Failures++
		}
	}

	out := make([]ToolTrackRecord, 0, len(byTool))
	for _, tr := range byTool {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].SuccessRate(), out[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		if out[i].Uses != out[j].Uses {
			return out[i].Uses > out[j].Uses
		}
		return out[i].Tool < out[j].Tool
	})
	return out
}
