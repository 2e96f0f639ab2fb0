package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
)

const (
	journalRetries        = 3
	journalInitialBackoff = 100 * time.Millisecond
)

// journal is one append-only JSONL file plus the degraded-write policy
// every store shares: a record that cannot reach disk after the retries
// stays queued in memory and rides ahead of the next successful append.
// The in-memory copies held by the stores remain the source of truth
// either way; the journal is only the durability layer.
type journal struct {
	path    string
	store   string
	events  *contextlog.Log
	backoff time.Duration

	queue [][]byte
}

func newJournal(path, store string, events *contextlog.Log) *journal {
	return &journal{
		path:    path,
		store:   store,
		events:  events,
		backoff: journalInitialBackoff,
	}
}

// append marshals one record and appends it. Callers hold their store's
// write lock, so appends to one journal never race. The returned error is
// reserved for marshal failures; disk trouble degrades to the queue.
func (j *journal) append(rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", j.store, err)
	}
	data = append(data, '\n')

	payload := j.queuedBytes()
	payload = append(payload, data...)

	var lastErr error
	for attempt := 0; attempt <= journalRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(j.backoff * time.Duration(1<<uint(attempt-1)))
		}
		if lastErr = j.writeFile(payload, os.O_APPEND); lastErr == nil {
			j.queue = nil
			return nil
		}
	}

	j.queue = append(j.queue, data)
	j.reportDegraded(lastErr)
	return nil
}

// rewrite atomically replaces the file's contents with the given records
// (a re-index commit). On success any queued records are obsolete: the
// records slice is the full current state.
func (j *journal) rewrite(records []any) error {
	var payload []byte
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", j.store, err)
		}
		payload = append(payload, data...)
		payload = append(payload, '\n')
	}

	var lastErr error
	for attempt := 0; attempt <= journalRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(j.backoff * time.Duration(1<<uint(attempt-1)))
		}
		if lastErr = j.replaceFile(payload); lastErr == nil {
			j.queue = nil
			return nil
		}
	}

	j.reportDegraded(lastErr)
	return lastErr
}

// pending reports how many records await a successful flush.
func (j *journal) pending() int {
	return len(j.queue)
}

func (j *journal) queuedBytes() []byte {
	var out []byte
	for _, rec := range j.queue {
		out = append(out, rec...)
	}
	return out
}

func (j *journal) writeFile(data []byte, mode int) error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|mode, 0644)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// replaceFile writes to a temp file in the same directory and renames it
// over the journal, so readers never observe a half-written file.
func (j *journal) replaceFile(data []byte) error {
	dir := filepath.Dir(j.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(j.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, j.path)
}

func (j *journal) reportDegraded(cause error) {
	logging.MemoryWarn("%s write failed after %d retries, continuing in-memory (%d queued): %v",
		j.store, journalRetries, len(j.queue), cause)
	if j.events != nil {
		j.events.Emit(contextlog.ActorSystem, contextlog.ActWarning, "", 0, map[string]any{
			"component": "memory",
			"store":     j.store,
			"reason":    "write retries exhausted; continuing in-memory",
			"queued":    len(j.queue),
			"error":     cause.Error(),
		})
	}
}

// readLines streams every well-formed JSON line of a journal file to fn,
// oldest first. Malformed lines, including a torn final record from a
// crash mid-append, are skipped. A missing file is an empty journal.
func readLines(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return nil
}
