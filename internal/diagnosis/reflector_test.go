package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"forgekeeper/internal/llm"
	"forgekeeper/internal/types"
)

// mockLLMClient implements types.LLMClient for reflector tests.
type mockLLMClient struct {
	response string
	err      error
	lastReq  types.ChatRequest
	calls    int
}

func (m *mockLLMClient) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatResponse, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	resp := &types.ChatResponse{Text: m.response}
	if req.Format == types.FormatJSON || req.Format == types.FormatJSONSchema {
		resp.JSON = json.RawMessage(llm.ExtractJSON(m.response))
	}
	return resp, nil
}

func (m *mockLLMClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.response, m.err
}

func (m *mockLLMClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return m.response, m.err
}

func gitCloneFailure() (types.ToolInvocation, *types.ToolError) {
	inv := types.ToolInvocation{
		Tool: "run_bash",
		Args: map[string]any{"command": "git clone https://example.com/repo.git"},
	}
	toolErr := &types.ToolError{
		Tool:     "run_bash",
		Name:     "command_failed",
		Message:  "bash: git: command not found",
		ExitCode: 127,
	}
	return inv, toolErr
}

func TestDiagnoseRulesShape(t *testing.T) {
	t.Parallel()
	r := NewReflector(nil)
	inv, toolErr := gitCloneFailure()

	diag, err := r.Diagnose(context.Background(), inv, toolErr, types.CategoryCommandNotFound, "")
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}

	if diag.Method != "rules" {
		t.Errorf("Method = %q, want rules", diag.Method)
	}
	if diag.Category != types.CategoryCommandNotFound {
		t.Errorf("Category = %s, want command_not_found", diag.Category)
	}
	if len(diag.WhyChain) != whyChainDepth {
		t.Fatalf("WhyChain has %d layers, want %d", len(diag.WhyChain), whyChainDepth)
	}
	if !strings.Contains(diag.WhyChain[0], "run_bash") || !strings.Contains(diag.WhyChain[0], "git: command not found") {
		t.Errorf("proximate cause should name the tool and error, got %q", diag.WhyChain[0])
	}
	if diag.RootCause.Category != types.CategoryCommandNotFound {
		t.Errorf("RootCause.Category = %s, want command_not_found", diag.RootCause.Category)
	}
	if diag.RootCause.Description != diag.WhyChain[whyChainDepth-1] {
		t.Errorf("RootCause.Description = %q, want the final why layer %q",
			diag.RootCause.Description, diag.WhyChain[whyChainDepth-1])
	}
	if diag.SuggestedDirection == "" {
		t.Error("SuggestedDirection is empty")
	}
}

func TestDiagnoseRulesCoversEveryCategory(t *testing.T) {
	t.Parallel()
	r := NewReflector(nil)
	inv := types.ToolInvocation{Tool: "run_bash", Args: map[string]any{"command": "make"}}
	toolErr := &types.ToolError{Name: "command_failed", Message: "it broke", ExitCode: 1}

	for _, category := range types.AllErrorCategories {
		diag, err := r.Diagnose(context.Background(), inv, toolErr, category, "")
		if err != nil {
			t.Fatalf("Diagnose(%s) failed: %v", category, err)
		}
		if diag.Category != category {
			t.Errorf("Diagnose(%s): Category = %s", category, diag.Category)
		}
		if len(diag.WhyChain) != whyChainDepth {
			t.Errorf("Diagnose(%s): %d why layers, want %d", category, len(diag.WhyChain), whyChainDepth)
		}
		if diag.SuggestedDirection == "" {
			t.Errorf("Diagnose(%s): empty SuggestedDirection", category)
		}
	}
}

func TestDiagnoseReclassifiesUnknownCategoryLabel(t *testing.T) {
	t.Parallel()
	r := NewReflector(nil)
	inv, toolErr := gitCloneFailure()

	diag, err := r.Diagnose(context.Background(), inv, toolErr, types.ErrorCategory("cosmic_rays"), "")
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if diag.Category != types.CategoryCommandNotFound {
		t.Errorf("Category = %s, want command_not_found from re-classification", diag.Category)
	}
}

func TestDiagnoseNilErrorFails(t *testing.T) {
	t.Parallel()
	r := NewReflector(nil)

	if _, err := r.Diagnose(context.Background(), types.ToolInvocation{}, nil, types.CategoryUnknown, ""); err == nil {
		t.Error("Diagnose with a nil tool error should fail")
	}
}

func TestDiagnoseLLMPath(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{response: `{
		"why_chain": [
			"git exited 127",
			"git is not on PATH",
			"git was never installed in this environment",
			"the base image ships without version control tooling",
			"the environment is missing a dependency the task requires"
		],
		"root_cause": {"category": "dependency_missing", "description": "the environment lacks git"},
		"suggested_direction": "install git with the package manager, then re-run the clone"
	}`}
	r := NewReflector(mock)
	inv, toolErr := gitCloneFailure()

	diag, err := r.Diagnose(context.Background(), inv, toolErr, types.CategoryCommandNotFound, "iteration 3: cloning the repository")
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}

	if diag.Method != "llm" {
		t.Errorf("Method = %q, want llm", diag.Method)
	}
	if len(diag.WhyChain) != whyChainDepth {
		t.Errorf("WhyChain has %d layers, want %d", len(diag.WhyChain), whyChainDepth)
	}
	if diag.WhyChain[0] != "git exited 127" {
		t.Errorf("WhyChain[0] = %q", diag.WhyChain[0])
	}
	// The model refined the category within the taxonomy; keep its verdict
	// for the root cause while the classifier's category stands.
	if diag.Category != types.CategoryCommandNotFound {
		t.Errorf("Category = %s, want command_not_found", diag.Category)
	}
	if diag.RootCause.Category != types.CategoryDependencyMissing {
		t.Errorf("RootCause.Category = %s, want dependency_missing", diag.RootCause.Category)
	}
	if diag.SuggestedDirection != "install git with the package manager, then re-run the clone" {
		t.Errorf("SuggestedDirection = %q", diag.SuggestedDirection)
	}

	if mock.lastReq.Format != types.FormatJSONSchema {
		t.Errorf("request format = %s, want json_schema", mock.lastReq.Format)
	}
	if len(mock.lastReq.Schema) == 0 {
		t.Error("request carried no schema")
	}
	prompt := mock.lastReq.Messages[len(mock.lastReq.Messages)-1].Content
	for _, want := range []string{"run_bash", "git: command not found", "command_not_found", "iteration 3: cloning the repository"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt is missing %q", want)
		}
	}
}

func TestDiagnoseLLMRejectsCategoryOutsideTaxonomy(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{response: `{
		"why_chain": ["a", "b", "c", "d", "e"],
		"root_cause": {"category": "cosmic_rays", "description": "bit flip"},
		"suggested_direction": "retry"
	}`}
	r := NewReflector(mock)
	inv, toolErr := gitCloneFailure()

	diag, err := r.Diagnose(context.Background(), inv, toolErr, types.CategoryCommandNotFound, "")
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if diag.RootCause.Category != types.CategoryCommandNotFound {
		t.Errorf("RootCause.Category = %s, want the classifier's command_not_found", diag.RootCause.Category)
	}
	if diag.Method != "llm" {
		t.Errorf("Method = %q, want llm", diag.Method)
	}
}

func TestDiagnoseLLMClampsLongAndBlankChains(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{response: `{
		"why_chain": ["one", "  ", "two", "three", "", "four", "five", "six", "seven"],
		"root_cause": {"category": "timeout", "description": "too slow"},
		"suggested_direction": "split the work"
	}`}
	r := NewReflector(mock)
	inv, toolErr := gitCloneFailure()

	diag, err := r.Diagnose(context.Background(), inv, toolErr, types.CategoryTimeout, "")
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	want := []string{"one", "two", "three", "four", "five"}
	if len(diag.WhyChain) != len(want) {
		t.Fatalf("WhyChain = %v, want %v", diag.WhyChain, want)
	}
	for i, layer := range want {
		if diag.WhyChain[i] != layer {
			t.Errorf("WhyChain[%d] = %q, want %q", i, diag.WhyChain[i], layer)
		}
	}
}

func TestDiagnoseFallsBackToRulesOnLLMError(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{err: errors.New("model unavailable")}
	r := NewReflector(mock)
	inv, toolErr := gitCloneFailure()

	diag, err := r.Diagnose(context.Background(), inv, toolErr, types.CategoryCommandNotFound, "")
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if diag.Method != "rules" {
		t.Errorf("Method = %q, want rules after LLM failure", diag.Method)
	}
	if mock.calls != 1 {
		t.Errorf("LLM called %d times, want 1", mock.calls)
	}
}

func TestDiagnoseFallsBackToRulesOnEmptyChain(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{response: `{
		"why_chain": [],
		"root_cause": {"category": "network", "description": "down"},
		"suggested_direction": "wait"
	}`}
	r := NewReflector(mock)
	inv, toolErr := gitCloneFailure()

	diag, err := r.Diagnose(context.Background(), inv, toolErr, types.CategoryNetwork, "")
	if err != nil {
		t.Fatalf("Diagnose failed: %v", err)
	}
	if diag.Method != "rules" {
		t.Errorf("Method = %q, want rules for an empty model chain", diag.Method)
	}
	if len(diag.WhyChain) != whyChainDepth {
		t.Errorf("WhyChain has %d layers, want %d", len(diag.WhyChain), whyChainDepth)
	}
}

func TestDiagnosePropagatesCancellation(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{err: context.Canceled}
	r := NewReflector(mock)
	inv, toolErr := gitCloneFailure()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Diagnose(ctx, inv, toolErr, types.CategoryCommandNotFound, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("Diagnose error = %v, want context.Canceled", err)
	}
}

func TestTruncateContextKeepsTail(t *testing.T) {
	t.Parallel()

	if got := truncateContext("", 10); got != "(none)" {
		t.Errorf("truncateContext(empty) = %q", got)
	}
	if got := truncateContext("short", 10); got != "short" {
		t.Errorf("truncateContext(short) = %q", got)
	}
	long := strings.Repeat("x", 50) + "recent tail"
	got := truncateContext(long, 20)
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "recent tail") {
		t.Errorf("truncateContext should keep the newest tail, got %q", got)
	}
}
