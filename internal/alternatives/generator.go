package alternatives

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"forgekeeper/internal/llm"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/types"
)

const (
	// minDiversity is the lowest acceptable ratio of unique tool
	// sequences to candidates before one regeneration.
	minDiversity = 0.5

	episodeWindow        = 3
	failureWindow        = 5
	recommendationWindow = 5
)

// diversityNudge is appended to the retry prompt after a near-duplicate set.
const diversityNudge = "\n- Your previous proposals shared the same tool sequence. Make each approach use a different sequence of tools."

// Generator produces candidate sets, model-first.
type Generator struct {
	client  types.LLMClient
	timeout time.Duration
}

// NewGenerator builds a generator. client may be nil (rule-table only).
func NewGenerator(client types.LLMClient, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Generator{client: client, timeout: timeout}
}

// Generate produces MinAlternatives..MaxAlternatives candidates for
// req.Action. Model candidates have every step validated against the
// registry and the set's diversity checked, with one regeneration for a
// near-duplicate set; a failed or absent model falls back to the rule
// table. Only context cancellation surfaces as an error.
func (g *Generator) Generate(ctx context.Context, req Request) ([]types.Alternative, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.client == nil {
		return g.fallback(req), nil
	}

	alts, err := g.generateLLM(ctx, req, "")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Alternatives("Model generation failed, using rule-table fallback: %v", err)
		return g.fallback(req), nil
	}

	if d := diversity(alts); d < minDiversity {
		logging.AlternativesDebug("Candidate set diversity %.2f below %.2f, regenerating once", d, minDiversity)
		retry, rerr := g.generateLLM(ctx, req, diversityNudge)
		if rerr == nil && diversity(retry) > d {
			return retry, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return alts, nil
}

// alternativesSchema constrains model output to the candidate wire shape.
var alternativesSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"alternatives": {
			"type": "array",
			"minItems": 3,
			"maxItems": 5,
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"description": {"type": "string"},
					"steps": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"properties": {
								"tool": {"type": "string"},
								"args": {"type": "object"},
								"description": {"type": "string"},
								"expected_outcome": {"type": "string"}
							},
							"required": ["tool", "args", "description", "expected_outcome"],
							"additionalProperties": false
						}
					},
					"assumptions": {"type": "array", "items": {"type": "string"}},
					"prerequisites": {"type": "array", "items": {"type": "string"}},
					"confidence": {"type": "number"}
				},
				"required": ["name", "description", "steps", "assumptions", "prerequisites", "confidence"],
				"additionalProperties": false
			}
		}
	},
	"required": ["alternatives"],
	"additionalProperties": false
}`)

func (g *Generator) generateLLM(ctx context.Context, req Request, nudge string) ([]types.Alternative, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.Chat(ctx, types.ChatRequest{
		Messages:    []types.Message{{Role: "user", Content: generatePrompt(req, nudge)}},
		Temperature: 0.7,
		Format:      types.FormatJSONSchema,
		Schema:      alternativesSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("alternatives request: %w", err)
	}

	raw := string(resp.JSON)
	if raw == "" {
		raw = resp.Text
	}

	var wire struct {
		Alternatives []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Steps       []struct {
				Tool            string         `json:"tool"`
				Args            map[string]any `json:"args"`
				Description     string         `json:"description"`
				ExpectedOutcome string         `json:"expected_outcome"`
			} `json:"steps"`
			Assumptions   []string `json:"assumptions"`
			Prerequisites []string `json:"prerequisites"`
			Confidence    float64  `json:"confidence"`
		} `json:"alternatives"`
	}
	if err := llm.DecodeJSON(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode alternatives: %w", err)
	}

	reg := registryNames(req.Tools)
	alts := make([]types.Alternative, 0, len(wire.Alternatives))
	for _, w := range wire.Alternatives {
		if len(alts) == MaxAlternatives {
			break
		}
		alt := types.Alternative{
			Name:          strings.TrimSpace(w.Name),
			Description:   strings.TrimSpace(w.Description),
			Assumptions:   compactStrings(w.Assumptions),
			Prerequisites: compactStrings(w.Prerequisites),
			Confidence:    types.Clamp01(w.Confidence),
			Method:        types.MethodLLMHistorical,
		}
		for _, s := range w.Steps {
			alt.Steps = append(alt.Steps, sanitizeStep(types.AlternativeStep{
				Tool:            strings.TrimSpace(s.Tool),
				Args:            s.Args,
				Description:     strings.TrimSpace(s.Description),
				ExpectedOutcome: strings.TrimSpace(s.ExpectedOutcome),
			}, reg))
		}
		if len(alt.Steps) == 0 {
			continue
		}
		if alt.Name == "" {
			alt.Name = fmt.Sprintf("Approach %d", len(alts)+1)
		}
		alts = append(alts, alt)
	}
	if len(alts) < MinAlternatives {
		return nil, fmt.Errorf("model returned %d usable alternatives, want %d to %d", len(alts), MinAlternatives, MaxAlternatives)
	}

	assignIDs(alts)
	return alts, nil
}

// sanitizeStep enforces the registry guarantee on one step: an
// unregistered tool becomes an echo note carrying the intended work, and
// the step is flagged so downstream scoring can discount it. An empty
// registry disables the rewrite.
func sanitizeStep(s types.AlternativeStep, reg map[string]bool) types.AlternativeStep {
	if len(reg) == 0 || reg[s.Tool] {
		return s
	}
	intent := s.Description
	if intent == "" {
		intent = s.ExpectedOutcome
	}
	return types.AlternativeStep{
		Tool:            "echo",
		Args:            map[string]any{"text": fmt.Sprintf("Intended %s step is unavailable in this registry: %s", s.Tool, intent)},
		Description:     s.Description,
		ExpectedOutcome: s.ExpectedOutcome,
		Flagged:         true,
	}
}

// diversity is the ratio of unique tool sequences to candidates.
func diversity(alts []types.Alternative) float64 {
	if len(alts) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(alts))
	for _, a := range alts {
		seen[strings.Join(a.ToolSequence(), ",")] = true
	}
	return float64(len(seen)) / float64(len(alts))
}

func assignIDs(alts []types.Alternative) {
	for i := range alts {
		alts[i].ID = fmt.Sprintf("alt-%d", i+1)
	}
}

func generatePrompt(req Request, nudge string) string {
	return fmt.Sprintf(`You are proposing alternative approaches for an autonomous coding agent.

Task goal: %s
Next action: %s

Available tools:
%s

Recent failures:
%s

Similar past sessions:
%s

Tool track record:
%s

Rules:
- Propose between %d and %d genuinely different approaches to the next action.
- Every step's "tool" must be one of the available tool names; never invent tools.
- Vary the tool sequences across approaches; near-duplicate plans are useless.
- State each approach's assumptions and prerequisites, and rate your confidence between 0 and 1.%s

Output JSON: {"alternatives": [{"name": "...", "description": "...", "steps": [{"tool": "...", "args": {}, "description": "...", "expected_outcome": "..."}], "assumptions": ["..."], "prerequisites": ["..."], "confidence": 0.7}]}
JSON only:`,
		req.Goal, req.Action,
		formatTools(req.Tools),
		formatFailures(req.Failures),
		formatEpisodes(req.Episodes),
		formatTrackRecord(req.ToolTrackRecord),
		MinAlternatives, MaxAlternatives, nudge)
}

// -----------------------------------------------------------------------------
// Rule-table fallback
// -----------------------------------------------------------------------------

var urlRE = regexp.MustCompile(`https?://[^\s"'<>]+`)

// fallback builds the heuristic candidate set: a rule-table match for the
// action plus synthesized variants, so the evaluator always has a real
// choice to make. Sequences are distinct by construction.
func (g *Generator) fallback(req Request) []types.Alternative {
	alts := []types.Alternative{
		directAlternative(req),
		surveyAlternative(req),
		diagnosticAlternative(req),
	}

	reg := registryNames(req.Tools)
	for i := range alts {
		alts[i].Method = types.MethodHeuristicFallback
		for j := range alts[i].Steps {
			alts[i].Steps[j] = sanitizeStep(alts[i].Steps[j], reg)
		}
	}
	assignIDs(alts)

	logging.Alternatives("Heuristic fallback set (%d candidates) for %q", len(alts), truncate(req.Action, 80))
	return alts
}

// directAlternative pattern-matches the action against a small rule table
// and proposes the obvious head-on attempt.
func directAlternative(req Request) types.Alternative {
	lower := strings.ToLower(req.Action)

	if url := strings.TrimRight(urlRE.FindString(req.Action), ".,;)"); url != "" {
		return types.Alternative{
			Name:        "Fetch the resource directly",
			Description: "Retrieve " + url + " and work from the response.",
			Steps: []types.AlternativeStep{{
				Tool:            "http_fetch",
				Args:            map[string]any{"url": url, "max_length": 20000},
				Description:     "fetch " + url,
				ExpectedOutcome: "response body retrieved",
			}},
			Prerequisites: []string{"network access to the host"},
			Confidence:    0.55,
		}
	}

	switch {
	case containsAny(lower, "test", "coverage", "verify"):
		return types.Alternative{
			Name:        "Run the test suite",
			Description: "Detect the project's test entrypoint and run it.",
			Steps: []types.AlternativeStep{{
				Tool: "run_bash",
				Args: map[string]any{"command": `if [ -f package.json ]; then npm test; ` +
					`elif [ -f go.mod ]; then go test ./...; ` +
					`elif [ -f Makefile ]; then make test; ` +
					`else echo "no recognized test entrypoint"; fi`},
				Description:     "run the detected suite",
				ExpectedOutcome: "test results reported",
			}},
			Confidence: 0.5,
		}
	case containsAny(lower, "install", "dependency", "dependencies"):
		return types.Alternative{
			Name:        "Install from the manifest",
			Description: "Detect the dependency manifest and install from it.",
			Steps: []types.AlternativeStep{{
				Tool: "run_bash",
				Args: map[string]any{"command": `if [ -f package.json ]; then npm install; ` +
					`elif [ -f requirements.txt ]; then pip install -r requirements.txt; ` +
					`elif [ -f go.mod ]; then go mod download; ` +
					`else echo "no recognized manifest"; fi`},
				Description:     "install dependencies",
				ExpectedOutcome: "dependencies installed",
			}},
			Confidence: 0.5,
		}
	default:
		return types.Alternative{
			Name:        "Probe the workspace state",
			Description: "Check version control and workspace state before acting on: " + req.Action,
			Steps: []types.AlternativeStep{{
				Tool:            "run_bash",
				Args:            map[string]any{"command": "git status --short 2>/dev/null || ls -la"},
				Description:     "probe workspace state",
				ExpectedOutcome: "workspace state is visible",
			}},
			Confidence: 0.5,
		}
	}
}

// surveyAlternative gathers context first: list the tree, then probe the
// most relevant-looking spot.
func surveyAlternative(req Request) types.Alternative {
	return types.Alternative{
		Name:        "Survey before acting",
		Description: "List the workspace and inspect what looks relevant to: " + req.Action,
		Steps: []types.AlternativeStep{
			{
				Tool:            "read_dir",
				Args:            map[string]any{"path": ".", "recursive": true},
				Description:     "list the workspace tree",
				ExpectedOutcome: "workspace layout is known",
			},
			{
				Tool:            "run_bash",
				Args:            map[string]any{"command": `find . -maxdepth 2 -type f -not -path "*/.*" | head -20`},
				Description:     "enumerate candidate files",
				ExpectedOutcome: "candidate files to inspect are listed",
			},
		},
		Confidence: 0.45,
	}
}

// diagnosticAlternative is the minimal no-op: record a note so the next
// reflection has the decision spelled out.
func diagnosticAlternative(req Request) types.Alternative {
	return types.Alternative{
		Name:        "Record a diagnostic note",
		Description: "Make no workspace changes; restate the decision for the next iteration.",
		Steps: []types.AlternativeStep{{
			Tool:            "echo",
			Args:            map[string]any{"text": "Decide the concrete next step for: " + req.Action},
			Description:     "note the pending decision",
			ExpectedOutcome: "note recorded for the next iteration",
		}},
		Assumptions: []string{"another iteration is affordable"},
		Confidence:  0.4,
	}
}

// -----------------------------------------------------------------------------
// Prompt formatting
// -----------------------------------------------------------------------------

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

func formatEpisodes(episodes []types.ScoredEpisode) string {
	if len(episodes) == 0 {
		return "(none on record)"
	}
	if len(episodes) > episodeWindow {
		episodes = episodes[:episodeWindow]
	}
	var b strings.Builder
	for _, se := range episodes {
		ep := se.Episode
		status := "succeeded"
		if !ep.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "- %s via %q in %d iteration(s) using %s: %s\n",
			status, ep.Strategy, ep.Iterations, strings.Join(ep.ToolsUsed, ", "), truncate(ep.Summary, 140))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatTrackRecord(records []memory.ToolTrackRecord) string {
	if len(records) == 0 {
		return "(no history)"
	}
	if len(records) > recommendationWindow {
		records = records[:recommendationWindow]
	}
	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "- %s: %.0f%% success over %d use(s)\n", r.Tool, r.SuccessRate()*100, r.Uses)
	}
	return strings.TrimRight(b.String(), "\n")
}

func registryNames(tools []types.ToolInfo) map[string]bool {
	reg := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Name != "" {
			reg[t.Name] = true
		}
	}
	return reg
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

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
