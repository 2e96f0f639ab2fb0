package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"forgekeeper/internal/alternatives"
	"forgekeeper/internal/checkpoint"
	"forgekeeper/internal/config"
	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/embedding"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/metacog"
	"forgekeeper/internal/planner"
	"forgekeeper/internal/progress"
	"forgekeeper/internal/types"
)

// llmTurn is one scripted Chat exchange: a JSON document or an error.
type llmTurn struct {
	json string
	err  error
}

func continueTurn(action string, progressPct int, confidence float64) llmTurn {
	doc := fmt.Sprintf(`{"assessment":"continue","progress":%d,"confidence":%g,"reasoning":"still work left","next_action":%q,"questions":[]}`,
		progressPct, confidence, action)
	return llmTurn{json: doc}
}

func completeTurn(reasoning string) llmTurn {
	doc := fmt.Sprintf(`{"assessment":"complete","progress":100,"confidence":0.95,"reasoning":%q,"next_action":"","questions":[]}`,
		reasoning)
	return llmTurn{json: doc}
}

func clarifyTurn(question string) llmTurn {
	doc := fmt.Sprintf(`{"assessment":"needs_clarification","progress":10,"confidence":0.3,"reasoning":"ambiguous task","next_action":"ask the user","questions":[%q]}`,
		question)
	return llmTurn{json: doc}
}

func errTurn() llmTurn {
	return llmTurn{err: fmt.Errorf("model offline")}
}

// scriptedLLM plays back reflection turns in order. The planner,
// alternatives and diagnostic reflector in the fixtures all run with nil
// clients, so only the scheduler's own reflection consumes turns.
type scriptedLLM struct {
	mu    sync.Mutex
	turns []llmTurn
	used  int
}

func (s *scriptedLLM) Chat(_ context.Context, _ types.ChatRequest) (*types.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= len(s.turns) {
		return nil, fmt.Errorf("scripted llm exhausted after %d turns", s.used)
	}
	turn := s.turns[s.used]
	s.used++
	if turn.err != nil {
		return nil, turn.err
	}
	return &types.ChatResponse{JSON: json.RawMessage(turn.json)}, nil
}

func (s *scriptedLLM) Complete(context.Context, string) (string, error) {
	return "", fmt.Errorf("scripted llm: Complete not scripted")
}

func (s *scriptedLLM) CompleteWithSystem(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("scripted llm: CompleteWithSystem not scripted")
}

func (s *scriptedLLM) consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// fakeExecutor satisfies types.ToolExecutor with per-tool scripted result
// queues. Tools without a queued result succeed with a fresh output each
// call so the scheduler observes state movement; fixed pins a tool to one
// unchanging output instead.
type fakeExecutor struct {
	mu      sync.Mutex
	queues  map[string][]types.ToolResult
	fixed   map[string]string
	calls   []types.ToolInvocation
	counter int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		queues: make(map[string][]types.ToolResult),
		fixed:  make(map[string]string),
	}
}

func (f *fakeExecutor) Tools() []types.ToolInfo {
	return []types.ToolInfo{
		{Name: "run_bash", Description: "run a shell command in the workspace"},
		{Name: "read_file", Description: "read a file"},
		{Name: "write_file", Description: "write a file"},
		{Name: "read_dir", Description: "list a directory"},
		{Name: "echo", Description: "echo arguments back"},
		{Name: "http_fetch", Description: "fetch a URL"},
	}
}

func (f *fakeExecutor) Execute(_ context.Context, inv types.ToolInvocation) types.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)
	if q := f.queues[inv.Tool]; len(q) > 0 {
		res := q[0]
		f.queues[inv.Tool] = q[1:]
		return res
	}
	if out, ok := f.fixed[inv.Tool]; ok {
		return types.ToolResult{OK: true, Output: out}
	}
	f.counter++
	return types.ToolResult{OK: true, Output: fmt.Sprintf("ok %d", f.counter)}
}

func (f *fakeExecutor) enqueue(tool string, results ...types.ToolResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[tool] = append(f.queues[tool], results...)
}

func (f *fakeExecutor) pin(tool, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixed[tool] = output
}

func (f *fakeExecutor) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, inv := range f.calls {
		if inv.Tool == tool {
			n++
		}
	}
	return n
}

func failedResult(tool, name, message string, exitCode int) types.ToolResult {
	return types.ToolResult{OK: false, Err: &types.ToolError{
		Tool:     tool,
		Name:     name,
		Message:  message,
		ExitCode: exitCode,
	}}
}

// fixture wires a scheduler over in-memory stores, a scripted model, and a
// fake executor.
type fixture struct {
	sched       *Scheduler
	llm         *scriptedLLM
	exec        *fakeExecutor
	mem         *memory.Memory
	events      *contextlog.Log
	checkpoints *checkpoint.Manager
	store       *SessionStore
	cfg         *config.Config
}

// newFixture builds the full dependency graph. turns may be nil for a
// model-less scheduler. mutate adjusts config and tracker options before
// anything is constructed.
func newFixture(t *testing.T, turns []llmTurn, mutate func(*config.Config, *progress.TrackerOptions)) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Scheduler.MaxIterations = 10
	trackerOpts := progress.TrackerOptions{
		StuckThreshold: cfg.Scheduler.StuckThreshold,
		AliveInterval:  time.Second,
	}
	if mutate != nil {
		mutate(cfg, &trackerOpts)
	}

	events, err := contextlog.New("")
	if err != nil {
		t.Fatalf("contextlog.New: %v", err)
	}
	t.Cleanup(func() { events.Close() })

	mem, err := memory.Open(t.TempDir(), embedding.NewTFIDF(64), memory.Options{}, events)
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	store, err := NewSessionStore(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	var client types.LLMClient
	var scripted *scriptedLLM
	if turns != nil {
		scripted = &scriptedLLM{turns: turns}
		client = scripted
	}

	exec := newFakeExecutor()
	mgr := checkpoint.NewManager(mem.Checkpoints, events)

	sched, err := New(Deps{
		Config:       cfg,
		LLM:          client,
		Executor:     exec,
		Planner:      planner.New(nil, nil, planner.Options{FallbackEnabled: true}),
		Alternatives: alternatives.NewPlanner(nil, alternatives.Options{}),
		Memory:       mem,
		Confidence:   metacog.NewConfidenceEngine(cfg.Checkpoint),
		Checkpoints:  mgr,
		Preferences:  checkpoint.NewPreferenceAnalyzer(mem.Preferences, mem.Feedback, events),
		Tracker:      progress.NewTracker(trackerOpts),
		Events:       events,
		Sessions:     store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sched.retryBackoff = time.Millisecond

	return &fixture{
		sched:       sched,
		llm:         scripted,
		exec:        exec,
		mem:         mem,
		events:      events,
		checkpoints: mgr,
		store:       store,
		cfg:         cfg,
	}
}
