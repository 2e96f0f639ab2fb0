// Package memory implements the agent's persistent memory substrate: the
// session log, the episodic store, the preference store, the recovery
// pattern store, the checkpoint store, and the feedback store. Every store
// is an append-only newline-delimited JSON file under
// <workspace>/.forge/memory/, loaded fully at open and served from memory,
// so reads are snapshot-consistent and a torn final record (a crash
// mid-append) never poisons a reload.
//
// Durability is best-effort by contract: a write that cannot reach disk
// after retries is queued in memory, reported as a warning event, and
// flushed ahead of the next successful write. The loop never stops because
// a memory file is briefly unwritable.
package memory

import (
	"fmt"
	"os"
	"path/filepath"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/embedding"
)

// Dir returns the memory directory under a workspace root. The checkpoint
// layer stores its files in the same directory.
func Dir(workspace string) string {
	return filepath.Join(workspace, ".forge", "memory")
}

// Options carries the tunable parameters of the memory substrate.
type Options struct {
	// ReembedInterval is how many episode writes accumulate before the
	// store checks whether vocabulary growth warrants re-embedding.
	ReembedInterval int

	// DefaultTopN is the episode search result count when the caller
	// asks for none. Capped at 20 regardless.
	DefaultTopN int

	// MinScore is the default cosine similarity floor for search results.
	MinScore float64

	// Feedback tunes the bounded feedback store.
	Feedback FeedbackOptions
}

func (o Options) withDefaults() Options {
	if o.ReembedInterval <= 0 {
		o.ReembedInterval = 10
	}
	if o.DefaultTopN <= 0 {
		o.DefaultTopN = 5
	}
	if o.MinScore <= 0 {
		o.MinScore = 0.3
	}
	return o
}

// Memory bundles the six stores behind one open/close lifecycle.
type Memory struct {
	Sessions    *SessionLog
	Episodes    *EpisodicStore
	Preferences *PreferenceStore
	Patterns    *PatternStore
	Checkpoints *CheckpointStore
	Feedback    *FeedbackStore

	dir string
}

// Open opens (creating if needed) every memory store under the workspace.
// The events log is optional; when present, degraded writes surface as
// warning events on it.
func Open(workspace string, engine embedding.Engine, opts Options, events *contextlog.Log) (*Memory, error) {
	dir := Dir(workspace)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}

	sessions, err := OpenSessionLog(dir, events)
	if err != nil {
		return nil, err
	}
	episodes, err := OpenEpisodicStore(dir, engine, opts, events)
	if err != nil {
		return nil, err
	}
	preferences, err := OpenPreferenceStore(dir, events)
	if err != nil {
		return nil, err
	}
	patterns, err := OpenPatternStore(dir, events)
	if err != nil {
		return nil, err
	}
	checkpoints, err := OpenCheckpointStore(dir, events)
	if err != nil {
		return nil, err
	}
	feedback, err := OpenFeedbackStore(dir, opts.Feedback, events)
	if err != nil {
		return nil, err
	}

	return &Memory{
		Sessions:    sessions,
		Episodes:    episodes,
		Preferences: preferences,
		Patterns:    patterns,
		Checkpoints: checkpoints,
		Feedback:    feedback,
		dir:         dir,
	}, nil
}

// Path returns the directory the stores live in.
func (m *Memory) Path() string {
	return m.dir
}

// Close waits for any background re-embed to finish.
func (m *Memory) Close() error {
	if m.Episodes != nil {
		return m.Episodes.Close()
	}
	return nil
}
