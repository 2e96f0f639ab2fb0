package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// resetState clears package-level logging state between tests. The logging
// package is process-global, so these tests must not run in parallel.
func resetState() {
	CloseAll()
	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
	configMu.Lock()
	config = loggingConfig{}
	configLoaded = false
	configMu.Unlock()
	logsDir = ""
	workspace = ""
	logLevel = LevelInfo
}

func writeConfig(t *testing.T, ws, content string) {
	t.Helper()
	dir := filepath.Join(ws, ".forge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestInitializeNoConfigIsSilent(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	ws := t.TempDir()
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsDebugMode() {
		t.Error("debug mode should be off without a config file")
	}

	// Logging is a no-op: no logs directory appears.
	Scheduler("this should go nowhere")
	if _, err := os.Stat(filepath.Join(ws, ".forge", "logs")); !os.IsNotExist(err) {
		t.Errorf("logs directory should not exist in production mode, stat err = %v", err)
	}
}

func TestCategoriesWriteSeparateFiles(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	ws := t.TempDir()
	writeConfig(t, ws, `{"logging": {"debug_mode": true, "level": "debug"}}`)
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Scheduler("iteration %d begun", 1)
	Memory("episode written")
	Recovery("strategy chosen: %s", "install-dependency")

	date := time.Now().Format("2006-01-02")
	for _, cat := range []Category{CategoryScheduler, CategoryMemory, CategoryRecovery} {
		path := filepath.Join(ws, ".forge", "logs", date+"_"+string(cat)+".log")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("expected log file for %s: %v", cat, err)
		}
		if len(data) == 0 {
			t.Errorf("log file for %s is empty", cat)
		}
	}
}

func TestCategoryFilterDisablesFile(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	ws := t.TempDir()
	writeConfig(t, ws, `{"logging": {"debug_mode": true, "level": "debug", "categories": {"scheduler": true, "memory": false}}}`)
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryScheduler) {
		t.Error("scheduler category should be enabled")
	}
	if IsCategoryEnabled(CategoryMemory) {
		t.Error("memory category should be disabled")
	}

	Memory("filtered out")
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(ws, ".forge", "logs", date+"_memory.log")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("memory log file should not exist, stat err = %v", err)
	}
}

func TestLogLevelGates(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	ws := t.TempDir()
	writeConfig(t, ws, `{"logging": {"debug_mode": true, "level": "warn"}}`)
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	l := Get(CategoryTools)
	l.Debug("debug suppressed")
	l.Info("info suppressed")
	l.Warn("warn visible")
	l.Error("error visible")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(ws, ".forge", "logs", date+"_tools.log"))
	if err != nil {
		t.Fatalf("read tools log: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "suppressed") {
		t.Errorf("suppressed levels leaked into log: %s", content)
	}
	if !strings.Contains(content, "warn visible") || !strings.Contains(content, "error visible") {
		t.Errorf("warn/error lines missing: %s", content)
	}
}

func TestSessionLoggerTagsLines(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	ws := t.TempDir()
	writeConfig(t, ws, `{"logging": {"debug_mode": true, "level": "debug"}}`)
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sl := WithSession(CategorySession, "s-42")
	sl.Info("reflection recorded")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(ws, ".forge", "logs", date+"_session.log"))
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if !strings.Contains(string(data), "[session:s-42]") {
		t.Errorf("session tag missing from line: %s", data)
	}
}

func TestTimerStopWithThreshold(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	ws := t.TempDir()
	writeConfig(t, ws, `{"logging": {"debug_mode": true, "level": "debug"}}`)
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	timer := StartTimer(CategoryPlanner, "plan generation")
	time.Sleep(5 * time.Millisecond)
	elapsed := timer.StopWithThreshold(time.Nanosecond)
	if elapsed < 5*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 5ms", elapsed)
	}
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(ws, ".forge", "logs", date+"_planner.log"))
	if err != nil {
		t.Fatalf("read planner log: %v", err)
	}
	if !strings.Contains(string(data), "threshold") {
		t.Errorf("threshold warning missing: %s", data)
	}
}

func TestNoOpLoggerBeforeInitialize(t *testing.T) {
	resetState()
	t.Cleanup(resetState)

	// Must not panic even though Initialize was never called.
	Get(CategoryScheduler).Info("no-op")
	Scheduler("no-op")
	StartTimer(CategoryScheduler, "noop").Stop()
}
