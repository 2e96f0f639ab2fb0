package types

import "time"

// =============================================================================
// EPISODIC MEMORY
// =============================================================================

// Episode is the persistent, searchable record of a finished session.
// Written at most once per session, only at a terminal outcome.
type Episode struct {
	ID         string   `json:"id"`
	Task       string   `json:"task"`
	TaskType   TaskType `json:"task_type"`
	Success    bool     `json:"success"`
	Iterations int      `json:"iterations"`
	ToolsUsed  []string `json:"tools_used"`
	// Strategy names the approach that carried the session (the chosen
	// alternative's name, or the plan approach for direct planning).
	Strategy      string    `json:"strategy"`
	Summary       string    `json:"summary"`
	Confidence    float64   `json:"confidence"`
	Timestamp     time.Time `json:"timestamp"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ErrorCount    int       `json:"error_count"`

	// Embedding is a fixed-length vector under VocabVersion. Stored
	// vectors and search queries always share the same vocabulary
	// version; a re-index rewrites both together.
	Embedding    []float32 `json:"embedding"`
	VocabVersion int       `json:"vocab_version"`
}

// SearchText is the text an episode is embedded and matched on.
func (e *Episode) SearchText() string {
	return e.Task + " " + e.Summary
}

// ScoredEpisode pairs an episode with its cosine similarity to a query.
type ScoredEpisode struct {
	Episode Episode `json:"episode"`
	Score   float64 `json:"score"`
}

// =============================================================================
// SESSION MEMORY
// =============================================================================

// RecoveryStats counts recovery attempts within one session.
type RecoveryStats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
}

// SessionMemoryRecord is the append-only session-log record, one per
// session, written only at terminal outcome.
type SessionMemoryRecord struct {
	TaskType          TaskType        `json:"task_type"`
	Success           bool            `json:"success"`
	Iterations        int             `json:"iterations"`
	ToolsUsed         []string        `json:"tools_used"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	FailedTools       []string        `json:"failed_tools"`
	ErrorCategories   []ErrorCategory `json:"error_categories"`
	Recoveries        RecoveryStats   `json:"recoveries"`
	RepetitiveActions bool            `json:"repetitive_actions"`
	Timestamp         time.Time       `json:"timestamp"`
}

// =============================================================================
// RECOVERY PATTERNS
// =============================================================================

// RecoveryOutcome is the appended pattern-store record: one attempted
// recovery and how it went.
type RecoveryOutcome struct {
	Category   ErrorCategory `json:"category"`
	Strategy   string        `json:"strategy"`
	Success    bool          `json:"success"`
	Iterations int           `json:"iterations"`
	Context    string        `json:"context,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// PatternRecord is the aggregate view over recovery outcomes, keyed by
// (error category, strategy name). The confidence boost is derived from
// these counts, never stored.
type PatternRecord struct {
	Category      ErrorCategory `json:"category"`
	Strategy      string        `json:"strategy"`
	SuccessCount  int           `json:"success_count"`
	FailureCount  int           `json:"failure_count"`
	AvgIterations float64       `json:"avg_iterations"`
	Examples      []string      `json:"examples,omitempty"`
}

// SuccessRate returns successes over total attempts, 0 for no attempts.
func (p PatternRecord) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}
