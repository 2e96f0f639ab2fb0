// Package contextlog implements the single append-only event stream the
// agent core emits. Every component reports through this log; no component
// keeps a private pub/sub. Consumers either tail the in-memory ring,
// subscribe for live events, or read the persisted stream back from disk.
package contextlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"forgekeeper/internal/logging"
)

// Actor identifies who caused an event.
type Actor string

const (
	ActorAutonomous Actor = "autonomous"
	ActorUser       Actor = "user"
	ActorSystem     Actor = "system"
)

// Acts emitted by the core. Payload shapes are documented at the emit sites.
const (
	ActIterationBegin        = "iteration_begin"
	ActReflection            = "reflection"
	ActPlanningPhase         = "planning_phase"
	ActCheckpointCreated     = "checkpoint_created"
	ActCheckpointResolved    = "checkpoint_resolved"
	ActCheckpointExpired     = "checkpoint_expired"
	ActExecutionStep         = "execution_step"
	ActExecutionResult       = "execution_result"
	ActVerificationCheck     = "verification_check"
	ActMetaReflection        = "meta_reflection"
	ActPlanningFeedback      = "planning_feedback"
	ActConfidenceCalibration = "confidence_calibration_record"
	ActErrorClassified       = "error_classified"
	ActDiagnosticReflection  = "diagnostic_reflection"
	ActRecoveryPlan          = "recovery_plan"
	ActRecoveryAttemptResult = "recovery_attempt_result"
	ActEpisodeWritten        = "episode_written"
	ActTaskAutoApproved      = "task_auto_approved"
	ActTaskBatchAction       = "task_batch_action"
	ActPreferenceAnalysis    = "preference_analysis"
	ActSessionTerminal       = "session_terminal"
	ActWarning               = "warning"
	ActClarification         = "clarification"
)

// Event is one typed record on the stream.
type Event struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Actor     Actor          `json:"actor"`
	Act       string         `json:"act"`
	SessionID string         `json:"session_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// defaultRecent bounds the in-memory tail ring.
const defaultRecent = 256

// Log is the append-only event stream: a JSONL file plus live fan-out to
// subscribers. Emitters never block; a slow subscriber drops events rather
// than stalling the scheduler.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File

	seq     atomic.Uint64
	dropped atomic.Uint64

	subMu       sync.RWMutex
	subscribers []chan Event

	recent      []Event
	recentLimit int

	log *logging.Logger
}

// New opens (creating if needed) the event stream at path. An empty path
// keeps the log memory-only, which tests and dry runs use.
func New(path string) (*Log, error) {
	l := &Log{
		path:        path,
		recentLimit: defaultRecent,
		log:         logging.Get(logging.CategoryContextLog),
	}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	l.file = file

	// Continue the sequence from what is already on disk.
	if events, err := ReadAll(path); err == nil && len(events) > 0 {
		l.seq.Store(events[len(events)-1].Seq)
	}
	return l, nil
}

// Append assigns the event's sequence and timestamp, persists it, and fans
// it out to subscribers. Append never blocks and never fails the caller: a
// disk error is logged and counted, and live dispatch still happens.
func (l *Log) Append(e Event) Event {
	e.Seq = l.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = ActorAutonomous
	}

	l.mu.Lock()
	if l.file != nil {
		if data, err := json.Marshal(e); err == nil {
			if _, werr := l.file.Write(append(data, '\n')); werr != nil {
				l.dropped.Add(1)
				l.log.Error("event %d write failed: %v", e.Seq, werr)
			}
		} else {
			l.dropped.Add(1)
			l.log.Error("event %d marshal failed: %v", e.Seq, err)
		}
	}
	l.recent = append(l.recent, e)
	if len(l.recent) > l.recentLimit {
		l.recent = l.recent[len(l.recent)-l.recentLimit:]
	}
	l.mu.Unlock()

	l.subMu.RLock()
	for _, sub := range l.subscribers {
		select {
		case sub <- e:
		default: // drop if channel full
		}
	}
	l.subMu.RUnlock()

	return e
}

// Emit is shorthand for Append with the common fields.
func (l *Log) Emit(actor Actor, act, sessionID string, iteration int, payload map[string]any) Event {
	return l.Append(Event{Actor: actor, Act: act, SessionID: sessionID, Iteration: iteration, Payload: payload})
}

// Subscribe returns a channel that receives every event appended after the
// call. The channel is buffered so emitters never block.
func (l *Log) Subscribe() <-chan Event {
	ch := make(chan Event, 50)
	l.subMu.Lock()
	l.subscribers = append(l.subscribers, ch)
	l.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (l *Log) Unsubscribe(ch <-chan Event) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for i, sub := range l.subscribers {
		if reflect.ValueOf(sub).Pointer() == target {
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			close(sub)
			break
		}
	}
}

// Tail returns the last n events from the in-memory ring, oldest first.
func (l *Log) Tail(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || len(l.recent) == 0 {
		return nil
	}
	start := len(l.recent) - n
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(l.recent)-start)
	copy(out, l.recent[start:])
	return out
}

// Sync flushes the underlying file.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// Close closes the file and every subscriber channel.
func (l *Log) Close() error {
	l.subMu.Lock()
	for _, sub := range l.subscribers {
		close(sub)
	}
	l.subscribers = nil
	l.subMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Stats summarizes the log's state.
type Stats struct {
	TotalEmitted    uint64
	Dropped         uint64
	SubscriberCount int
	RecentBuffered  int
	Path            string
}

// Stats returns current counters.
func (l *Log) Stats() Stats {
	l.subMu.RLock()
	subs := len(l.subscribers)
	l.subMu.RUnlock()
	l.mu.Lock()
	recent := len(l.recent)
	l.mu.Unlock()
	return Stats{
		TotalEmitted:    l.seq.Load(),
		Dropped:         l.dropped.Load(),
		SubscriberCount: subs,
		RecentBuffered:  recent,
		Path:            l.path,
	}
}

// ReadAll reads the persisted event stream back, oldest first. A torn or
// malformed final line (a crash mid-append) is dropped silently; malformed
// lines elsewhere are skipped.
func ReadAll(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("failed to scan event log: %w", err)
	}
	return events, nil
}
