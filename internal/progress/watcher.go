package progress

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"forgekeeper/internal/logging"
)

// StateArtifactChanged is the change type the watcher feeds the tracker.
const StateArtifactChanged = "artifact_changed"

// Watcher turns workspace file activity into tracker state changes, so a
// session that keeps producing artifacts never counts as stuck. Hidden
// files and directories are ignored; the memory stores under .forge would
// otherwise feed their own writes back into the tracker.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	tracker     *Tracker
	root        string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks watcher activity for status output and tests.
type WatcherStats struct {
	FilesCreated   int
	FilesModified  int
	FilesDeleted   int
	SignalsEmitted int
	Errors         int
	LastEventTime  time.Time
	LastEventPath  string
	LastEventType  string
}

// NewWatcher creates a watcher over the workspace root that reports into
// the given tracker.
func NewWatcher(root string, tracker *Tracker) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		tracker:     tracker,
		root:        abs,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
// New directories are added to the watch as they appear, so artifacts
// written into freshly created subtrees are still seen.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.root); err != nil {
		logging.Get(logging.CategoryProgress).Warn("Watcher: initial walk failed: %v", err)
	}
	logging.Progress("Watcher: watching %s (%d dirs)", w.root, len(w.watcher.WatchList()))

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryProgress).Error("Watcher: close failed: %v", err)
	}
	logging.Progress("Watcher: stopped")
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryProgress).Error("Watcher: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

// handleEvent classifies one filesystem event and parks it for debounce.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if hidden(w.root, event.Name) {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return
	}

	if eventType == "create" {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				logging.ProgressDebug("Watcher: could not watch new dir %s: %v", event.Name, err)
			}
		}
	}

	w.mu.Lock()
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventType = eventType
	switch eventType {
	case "create":
		w.stats.FilesCreated++
	case "modify":
		w.stats.FilesModified++
	case "delete", "rename":
		w.stats.FilesDeleted++
	}
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebounced emits a state change for every path whose events have
// settled past the debounce window.
func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.stats.SignalsEmitted += len(settled)
	w.mu.Unlock()

	for _, path := range settled {
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			rel = path
		}
		w.tracker.StateChange(StateArtifactChanged, rel)
	}
}

// addTree watches dir and every non-hidden directory under it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && hidden(w.root, path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			logging.ProgressDebug("Watcher: add %s failed: %v", path, err)
		}
		return nil
	})
}

// hidden reports whether any element of path below root starts with a dot.
func hidden(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
