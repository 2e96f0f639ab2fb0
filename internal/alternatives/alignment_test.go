package alternatives

import (
	"context"
	"errors"
	"math"
	"testing"

	"forgekeeper/internal/types"
)

func TestHeuristicAlignmentHighOverlap(t *testing.T) {
	t.Parallel()
	req := Request{
		Goal:   "install project dependencies",
		Action: "install dependencies from the manifest",
	}
	alt := types.Alternative{
		ID:          "alt-1",
		Name:        "Install dependencies",
		Description: "Detect the manifest and install from it",
		Steps:       []types.AlternativeStep{{Tool: "run_bash", Description: "install dependencies"}},
	}

	got := heuristicAlignment(alt, req)
	// Goal tokens {install, project, dependencies, manifest}; the candidate
	// mentions three of four (0.75), matches the leading verb, and has no
	// prerequisites: 0.15 + 0.55*0.75 + 0.2 + 0.1.
	want := 0.8625
	if math.Abs(got.Score-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got.Score, want)
	}
	if got.Relevance != types.LevelHigh {
		t.Errorf("relevance = %q, want high", got.Relevance)
	}
	if got.Method != "heuristic" {
		t.Errorf("method = %q, want heuristic", got.Method)
	}
	if got.AlternativeID != "alt-1" {
		t.Errorf("alternative id = %q", got.AlternativeID)
	}
}

func TestHeuristicAlignmentLowOverlap(t *testing.T) {
	t.Parallel()
	req := Request{
		Goal:   "install project dependencies",
		Action: "install dependencies from the manifest",
	}
	alt := types.Alternative{
		ID:          "alt-3",
		Name:        "Record a diagnostic note",
		Description: "Make no workspace changes",
		Steps:       []types.AlternativeStep{{Tool: "echo", Description: "note the pending decision"}},
	}

	got := heuristicAlignment(alt, req)
	if got.Score >= 0.4 {
		t.Errorf("unrelated candidate scored %v, want below 0.4", got.Score)
	}
	if got.Relevance != types.LevelLow {
		t.Errorf("relevance = %q, want low", got.Relevance)
	}
}

func TestHeuristicAlignmentPrerequisitePenalty(t *testing.T) {
	t.Parallel()
	req := Request{Goal: "deploy the service", Action: "deploy the service"}
	base := types.Alternative{
		Name:        "Deploy the service",
		Description: "deploy the service",
	}
	gated := base
	gated.Prerequisites = []string{"credentials configured"}

	free := heuristicAlignment(base, req)
	withPrereq := heuristicAlignment(gated, req)
	if diff := free.Score - withPrereq.Score; math.Abs(diff-0.1) > 1e-9 {
		t.Errorf("prerequisite difference = %v, want 0.1", diff)
	}
}

func TestAlignmentModelPath(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{responses: []string{`{"score": 0.85, "contribution": "directly installs the dependencies"}`}}
	a := NewAlignmentChecker(mock, 0)

	got := a.Check(context.Background(), types.Alternative{ID: "alt-2", Name: "Install"}, altRequest())
	if got.Method != "llm" {
		t.Fatalf("method = %q, want llm", got.Method)
	}
	if got.Score != 0.85 || got.Relevance != types.LevelHigh {
		t.Errorf("score = %v relevance = %q, want 0.85 high", got.Score, got.Relevance)
	}
	if got.Contribution != "directly installs the dependencies" {
		t.Errorf("contribution = %q", got.Contribution)
	}
}

func TestAlignmentModelFailureDegradesToHeuristic(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{err: errors.New("model offline")}
	a := NewAlignmentChecker(mock, 0)

	got := a.Check(context.Background(), types.Alternative{ID: "alt-1", Name: "Install dependencies"}, altRequest())
	if got.Method != "heuristic" {
		t.Fatalf("method = %q, want heuristic after model failure", got.Method)
	}
}

func TestAlignmentScoreClamped(t *testing.T) {
	t.Parallel()
	mock := &mockLLMClient{responses: []string{`{"score": 1.7, "contribution": "overshoots"}`}}
	a := NewAlignmentChecker(mock, 0)

	got := a.Check(context.Background(), types.Alternative{ID: "alt-1"}, altRequest())
	if got.Score != 1.0 {
		t.Errorf("score = %v, want clamped to 1.0", got.Score)
	}
}

func TestCheckAllCoversInput(t *testing.T) {
	t.Parallel()
	a := NewAlignmentChecker(nil, 0)
	alts := []types.Alternative{{ID: "alt-1"}, {ID: "alt-2"}, {ID: "alt-3"}}

	results := a.CheckAll(context.Background(), alts, altRequest())
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.AlternativeID != alts[i].ID {
			t.Errorf("results[%d] is for %q, want %q", i, r.AlternativeID, alts[i].ID)
		}
	}
}
