package alternatives

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"forgekeeper/internal/llm"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/types"
)

// mockLLMClient implements types.LLMClient. Responses are consumed in
// order, with the last one repeating.
type mockLLMClient struct {
	responses []string
	err       error
	calls     int
	lastReq   types.ChatRequest
}

func (m *mockLLMClient) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatResponse, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	resp := &types.ChatResponse{Text: m.responses[idx]}
	if req.Format == types.FormatJSON || req.Format == types.FormatJSONSchema {
		resp.JSON = json.RawMessage(llm.ExtractJSON(m.responses[idx]))
	}
	return resp, nil
}

func (m *mockLLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.responses[0], nil
}

func (m *mockLLMClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.Complete(ctx, userPrompt)
}

func builtinInfos() []types.ToolInfo {
	return []types.ToolInfo{
		{Name: "run_bash", Description: "Run a bash command inside the workspace"},
		{Name: "read_file", Description: "Read a file from the workspace"},
		{Name: "write_file", Description: "Write a file into the workspace"},
		{Name: "read_dir", Description: "List a workspace directory"},
		{Name: "http_fetch", Description: "Fetch a URL"},
		{Name: "echo", Description: "Echo text back"},
	}
}

func altRequest() Request {
	return Request{
		Action:   "install the project dependencies",
		Goal:     "set up the widget project for development",
		TaskType: types.TaskCodeGeneration,
		Tools:    builtinInfos(),
		History: []types.ActionHistoryEntry{
			{Iteration: 1, NextAction: "survey workspace", ToolsUsed: []string{"read_dir"}, Succeeded: true},
		},
		Failures: []types.FailureRecord{
			{Iteration: 1, Tool: "http_fetch", Category: types.CategoryNetwork, Message: "connection refused"},
		},
		Episodes: []types.ScoredEpisode{
			{Episode: types.Episode{TaskType: types.TaskCodeGeneration, Success: true, Iterations: 4, Strategy: "manifest install", ToolsUsed: []string{"run_bash"}, Summary: "installed from package.json"}, Score: 0.82},
		},
		ToolTrackRecord: []memory.ToolTrackRecord{
			{Tool: "run_bash", Uses: 10, Failures: 2},
			{Tool: "http_fetch", Uses: 4, Failures: 3},
		},
		MaxIterations: 10,
	}
}

// altDoc builds one wire alternative for response fixtures.
func altDoc(name string, confidence float64, tools ...string) map[string]any {
	steps := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		steps = append(steps, map[string]any{
			"tool":             tool,
			"args":             map[string]any{},
			"description":      "use " + tool,
			"expected_outcome": "step done",
		})
	}
	return map[string]any{
		"name":          name,
		"description":   name + " to install the dependencies",
		"steps":         steps,
		"assumptions":   []string{},
		"prerequisites": []string{},
		"confidence":    confidence,
	}
}

func altsJSON(t *testing.T, alts ...map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"alternatives": alts})
	if err != nil {
		t.Fatalf("marshal alternatives response: %v", err)
	}
	return string(data)
}

func diverseResponse(t *testing.T) string {
	t.Helper()
	return altsJSON(t,
		altDoc("Install from the manifest", 0.8, "read_dir", "run_bash"),
		altDoc("Fetch packages directly", 0.6, "http_fetch", "write_file"),
		altDoc("Probe then install", 0.7, "run_bash"),
	)
}

func TestProposeRanksAndChooses(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{responses: []string{diverseResponse(t)}}
	p := NewPlanner(mock, Options{})

	decision, err := p.Propose(context.Background(), altRequest())
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	if len(decision.Ranked) != 3 {
		t.Fatalf("ranked %d alternatives, want 3", len(decision.Ranked))
	}
	for i, r := range decision.Ranked {
		if r.Rank != i+1 {
			t.Errorf("ranked[%d].Rank = %d, want %d", i, r.Rank, i+1)
		}
		if i > 0 && r.OverallScore > decision.Ranked[i-1].OverallScore {
			t.Errorf("overall scores not non-increasing at rank %d: %.3f > %.3f", i+1, r.OverallScore, decision.Ranked[i-1].OverallScore)
		}
		if r.Effort.AlternativeID != r.Alternative.ID {
			t.Errorf("effort estimate for %s attached to %s", r.Effort.AlternativeID, r.Alternative.ID)
		}
		if r.Alignment.AlternativeID != r.Alternative.ID {
			t.Errorf("alignment for %s attached to %s", r.Alignment.AlternativeID, r.Alternative.ID)
		}
		if r.Alternative.Method != types.MethodLLMHistorical {
			t.Errorf("alternative %s method = %q, want llm_with_historical_context", r.Alternative.ID, r.Alternative.Method)
		}
	}

	chosen := decision.Chosen()
	if chosen == nil {
		t.Fatal("decision has no chosen alternative")
	}
	if chosen.Rank != 1 || decision.ChosenID != chosen.Alternative.ID {
		t.Errorf("chosen = rank %d id %s, ChosenID = %s", chosen.Rank, chosen.Alternative.ID, decision.ChosenID)
	}
	if decision.Justification == "" {
		t.Error("decision has no justification")
	}

	sum := decision.Weights.Effort + decision.Weights.Risk + decision.Weights.Alignment + decision.Weights.Confidence
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("decision weights sum to %v, want 1", sum)
	}
}

func TestProposeEmptyAction(t *testing.T) {
	t.Parallel()
	p := NewPlanner(nil, Options{})
	if _, err := p.Propose(context.Background(), Request{Action: "   "}); err == nil {
		t.Fatal("Propose accepted an empty action")
	}
}

func TestProposeNoClientUsesFallback(t *testing.T) {
	t.Parallel()
	p := NewPlanner(nil, Options{})

	decision, err := p.Propose(context.Background(), altRequest())
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if len(decision.Ranked) < MinAlternatives {
		t.Fatalf("fallback produced %d alternatives, want at least %d", len(decision.Ranked), MinAlternatives)
	}
	for _, r := range decision.Ranked {
		if r.Alternative.Method != types.MethodHeuristicFallback {
			t.Errorf("alternative %s method = %q, want heuristic_fallback", r.Alternative.ID, r.Alternative.Method)
		}
	}
	if decision.Chosen() == nil {
		t.Error("fallback decision has no chosen alternative")
	}
}

func TestProposeCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPlanner(&mockLLMClient{err: errors.New("should not be called")}, Options{})
	if _, err := p.Propose(ctx, altRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Propose on cancelled context returned %v, want context.Canceled", err)
	}
}
