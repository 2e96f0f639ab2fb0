// Package planner converts a next-action into an executable InstructionPlan.
//
// Three sources answer a planning request, consulted in order: the sqlite
// plan cache (which only ever holds plans whose execution succeeded), the
// model under a soft time budget, and a keyword heuristic that is always
// available. The caller learns which source answered through Result, and
// feeds successes back with MarkSuccess so repeated actions stop paying
// for the model.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forgekeeper/internal/llm"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

const (
	// MinSteps and MaxSteps bound every plan this package returns.
	MinSteps = 3
	MaxSteps = 7

	// DefaultTimeout is the soft planning budget when none is configured.
	DefaultTimeout = 3 * time.Second

	historyWindow = 3
	failureWindow = 5
)

// Source tags which path produced a plan.
type Source string

const (
	SourceCache     Source = "cache"
	SourceLLM       Source = "llm"
	SourceHeuristic Source = "heuristic"
)

// Request carries everything the planner may consider for one action.
type Request struct {
	// Action is the next-action text to plan for. Required.
	Action string
	// Goal is the session's original task, for context.
	Goal     string
	TaskType types.TaskType
	// Tools is the executor's registry listing; every plan step must name
	// one of these.
	Tools []types.ToolInfo
	// History is the session's action history; only the most recent
	// entries reach the prompt.
	History    []types.ActionHistoryEntry
	Failures   []types.FailureRecord
	WorkingDir string
}

// Result is a produced plan plus its provenance. CacheKey is always set so
// the caller can credit the cache after the plan's execution succeeds.
type Result struct {
	Plan *types.InstructionPlan
	// Source is which path answered: cache, llm, or heuristic.
	Source Source
	// FallbackUsed marks a heuristic answer that stood in for a failed or
	// over-budget model call, as opposed to heuristic-only operation.
	FallbackUsed bool
	CacheKey     CacheKey
	Elapsed      time.Duration
}

// Options tune the planner.
type Options struct {
	// Timeout is the soft planning budget. Zero means DefaultTimeout.
	Timeout time.Duration
	// FallbackEnabled lets the keyword heuristic answer when the model
	// cannot. Disabled, a failed model plan surfaces as an error.
	FallbackEnabled bool
}

// Planner turns actions into instruction plans.
type Planner struct {
	client   types.LLMClient
	cache    *Cache
	timeout  time.Duration
	fallback bool
}

// New builds a planner. client may be nil (heuristic-only operation) and
// cache may be nil (caching disabled).
func New(client types.LLMClient, cache *Cache, opts Options) *Planner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Planner{
		client:   client,
		cache:    cache,
		timeout:  timeout,
		fallback: opts.FallbackEnabled,
	}
}

// Plan produces an InstructionPlan for req.Action. Plans from every source
// satisfy the same guarantees: MinSteps..MaxSteps steps, tool names from
// req.Tools, per-step confidence in [0,1], a verification block, and at
// least one textual alternative.
func (p *Planner) Plan(ctx context.Context, req Request) (*Result, error) {
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		return nil, fmt.Errorf("planner: empty action")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := KeyFor(req.TaskType, req.Action, req.Tools)
	timer := logging.StartTimer(logging.CategoryPlanner, "plan")

	if p.cache != nil {
		if plan, ok := p.cache.Get(key); ok {
			return &Result{Plan: plan, Source: SourceCache, CacheKey: key, Elapsed: timer.Stop()}, nil
		}
	}

	if p.client == nil {
		plan := heuristicPlan(req)
		logging.Planner("Heuristic plan (%d steps) for %q, no model configured", len(plan.Steps), truncate(req.Action, 80))
		return &Result{Plan: plan, Source: SourceHeuristic, CacheKey: key, Elapsed: timer.Stop()}, nil
	}

	plan, err := p.planLLM(ctx, req)
	if err == nil {
		logging.Planner("Model plan (%d steps) for %q", len(plan.Steps), truncate(req.Action, 80))
		return &Result{Plan: plan, Source: SourceLLM, CacheKey: key, Elapsed: timer.Stop()}, nil
	}
	if ctx.Err() != nil {
		// The session itself is going away; a fallback plan would only
		// be thrown away by the caller.
		return nil, ctx.Err()
	}
	if !p.fallback {
		return nil, err
	}

	logging.PlannerWarn("Model planning failed, answering heuristically: %v", err)
	plan = heuristicPlan(req)
	return &Result{Plan: plan, Source: SourceHeuristic, FallbackUsed: true, CacheKey: key, Elapsed: timer.Stop()}, nil
}

// MarkSuccess records that a plan's execution succeeded, seeding or
// crediting its cache entry. Safe to call with caching disabled.
func (p *Planner) MarkSuccess(key CacheKey, plan *types.InstructionPlan) {
	if p.cache == nil || plan == nil {
		return
	}
	if err := p.cache.MarkSuccess(key, plan); err != nil {
		logging.PlannerWarn("Failed to record plan success: %v", err)
	}
}

// planSchema constrains model output to the plan wire shape.
var planSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"approach": {"type": "string"},
		"prerequisites": {"type": "array", "items": {"type": "string"}},
		"steps": {
			"type": "array",
			"minItems": 3,
			"maxItems": 7,
			"items": {
				"type": "object",
				"properties": {
					"tool": {"type": "string"},
					"args": {"type": "object"},
					"expected_outcome": {"type": "string"},
					"error_handling": {"type": "string"},
					"confidence": {"type": "number"}
				},
				"required": ["tool", "args", "expected_outcome", "error_handling", "confidence"],
				"additionalProperties": false
			}
		},
		"verification": {
			"type": "object",
			"properties": {
				"check_command": {"type": "string"},
				"success_criteria": {"type": "string"}
			},
			"required": ["check_command", "success_criteria"],
			"additionalProperties": false
		},
		"alternatives": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["approach", "prerequisites", "steps", "verification", "alternatives"],
	"additionalProperties": false
}`)

func (p *Planner) planLLM(ctx context.Context, req Request) (*types.InstructionPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Chat(ctx, types.ChatRequest{
		Messages:    []types.Message{{Role: "user", Content: planPrompt(req)}},
		Temperature: 0.2,
		Format:      types.FormatJSONSchema,
		Schema:      planSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}

	raw := string(resp.JSON)
	if raw == "" {
		raw = resp.Text
	}

	var wire struct {
		Approach      string   `json:"approach"`
		Prerequisites []string `json:"prerequisites"`
		Steps         []struct {
			Tool            string         `json:"tool"`
			Args            map[string]any `json:"args"`
			ExpectedOutcome string         `json:"expected_outcome"`
			ErrorHandling   string         `json:"error_handling"`
			Confidence      float64        `json:"confidence"`
		} `json:"steps"`
		Verification struct {
			CheckCommand    string `json:"check_command"`
			SuccessCriteria string `json:"success_criteria"`
		} `json:"verification"`
		Alternatives []string `json:"alternatives"`
	}
	if err := llm.DecodeJSON(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}

	if len(wire.Steps) < MinSteps || len(wire.Steps) > MaxSteps {
		return nil, fmt.Errorf("model returned %d steps, want %d to %d", len(wire.Steps), MinSteps, MaxSteps)
	}

	registered := registryNames(req.Tools)
	plan := &types.InstructionPlan{
		Approach:      strings.TrimSpace(wire.Approach),
		Prerequisites: compactStrings(wire.Prerequisites),
	}
	if plan.Approach == "" {
		plan.Approach = req.Action
	}

	for i, s := range wire.Steps {
		tool := strings.TrimSpace(s.Tool)
		if !registered[tool] {
			return nil, fmt.Errorf("step %d names unregistered tool %q", i+1, tool)
		}
		plan.Steps = append(plan.Steps, types.PlanStep{
			Tool:            tool,
			Args:            s.Args,
			ExpectedOutcome: strings.TrimSpace(s.ExpectedOutcome),
			ErrorHandling:   errorHandlingOrDefault(s.ErrorHandling),
			Confidence:      types.Clamp01(s.Confidence),
		})
	}

	if wire.Verification.CheckCommand != "" || wire.Verification.SuccessCriteria != "" {
		plan.Verification = &types.Verification{
			CheckCommand:    wire.Verification.CheckCommand,
			SuccessCriteria: wire.Verification.SuccessCriteria,
		}
	} else {
		plan.Verification = &types.Verification{
			CheckCommand:    "ls -la",
			SuccessCriteria: "the workspace shows the expected artifacts for: " + req.Action,
		}
	}

	plan.Alternatives = compactStrings(wire.Alternatives)
	if len(plan.Alternatives) == 0 {
		plan.Alternatives = []string{
			fmt.Sprintf("Break %q into smaller independent steps and run them one at a time.", truncate(req.Action, 120)),
		}
	}

	return plan, nil
}

func planPrompt(req Request) string {
	cwd := req.WorkingDir
	if cwd == "" {
		cwd = "."
	}
	return fmt.Sprintf(`You are planning tool calls for an autonomous coding agent.

Task goal: %s
Next action: %s
Working directory: %s

Available tools:
%s

Recent history:
%s

Recent failures:
%s

Rules:
- Produce between %d and %d steps.
- Every step's "tool" must be one of the available tool names; never invent tools.
- Give each step concrete args, the outcome you expect, error_handling ("retry", "skip", or "abort"), and a confidence between 0 and 1.
- End with a verification check and at least one alternative approach in plain text.

Output JSON: {"approach": "...", "prerequisites": ["..."], "steps": [{"tool": "...", "args": {}, "expected_outcome": "...", "error_handling": "abort", "confidence": 0.8}], "verification": {"check_command": "...", "success_criteria": "..."}, "alternatives": ["..."]}
JSON only:`,
		req.Goal, req.Action, cwd,
		formatTools(req.Tools),
		formatHistory(req.History),
		formatFailures(req.Failures),
		MinSteps, MaxSteps)
}

func formatTools(tools []types.ToolInfo) string {
	if len(tools) == 0 {
		return "(none registered)"
	}
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatHistory(entries []types.ActionHistoryEntry) string {
	if len(entries) == 0 {
		return "(first iteration)"
	}
	if len(entries) > historyWindow {
		entries = entries[len(entries)-historyWindow:]
	}
	var b strings.Builder
	for _, e := range entries {
		status := "ok"
		if !e.Succeeded {
			status = "failed"
		}
		summary := e.ResultSummary
		if summary == "" && e.Error != nil {
			summary = e.Error.Message
		}
		if summary == "" {
			summary = "(no summary)"
		}
		fmt.Fprintf(&b, "- iteration %d (%s): %s -> %s\n", e.Iteration, status, e.NextAction, truncate(summary, 160))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatFailures(failures []types.FailureRecord) string {
	if len(failures) == 0 {
		return "(none)"
	}
	if len(failures) > failureWindow {
		failures = failures[len(failures)-failureWindow:]
	}
	var b strings.Builder
	for _, f := range failures {
		tool := f.Tool
		if tool == "" {
			tool = "(no tool)"
		}
		fmt.Fprintf(&b, "- iteration %d: %s %s: %s\n", f.Iteration, tool, f.Category, truncate(f.Message, 160))
	}
	return strings.TrimRight(b.String(), "\n")
}

// errorHandlingOrDefault keeps the model's free-form hint; blank means abort.
func errorHandlingOrDefault(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "abort"
	}
	return s
}

func compactStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}
