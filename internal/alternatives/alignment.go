package alternatives

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

// AlignmentChecker rates how directly a candidate advances the session
// goal, either by asking the model or with a keyword heuristic.
type AlignmentChecker struct {
	client  types.LLMClient
	timeout time.Duration
}

// NewAlignmentChecker builds a checker. client may be nil (heuristic-only).
func NewAlignmentChecker(client types.LLMClient, timeout time.Duration) *AlignmentChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &AlignmentChecker{client: client, timeout: timeout}
}

// CheckAll rates every candidate. The result is indexed one-to-one with
// alts; model failures degrade to the heuristic per candidate, so the
// result always covers the input.
func (a *AlignmentChecker) CheckAll(ctx context.Context, alts []types.Alternative, req Request) []types.AlignmentResult {
	out := make([]types.AlignmentResult, len(alts))
	for i := range alts {
		out[i] = a.Check(ctx, alts[i], req)
	}
	return out
}

// Check rates one candidate.
func (a *AlignmentChecker) Check(ctx context.Context, alt types.Alternative, req Request) types.AlignmentResult {
	if a.client != nil {
		res, err := a.checkLLM(ctx, alt, req)
		if err == nil {
			return res
		}
		logging.AlternativesDebug("Model alignment failed for %s, using heuristic: %v", alt.ID, err)
	}
	return heuristicAlignment(alt, req)
}

var alignmentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"score": {"type": "number"},
		"contribution": {"type": "string"}
	},
	"required": ["score", "contribution"],
	"additionalProperties": false
}`)

func (a *AlignmentChecker) checkLLM(ctx context.Context, alt types.Alternative, req Request) (types.AlignmentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Chat(ctx, types.ChatRequest{
		Messages:    []types.Message{{Role: "user", Content: alignmentPrompt(alt, req)}},
		Temperature: 0.1,
		Format:      types.FormatJSONSchema,
		Schema:      alignmentSchema,
	})
	if err != nil {
		return types.AlignmentResult{}, fmt.Errorf("alignment request: %w", err)
	}

	raw := string(resp.JSON)
	if raw == "" {
		raw = resp.Text
	}
	var wire struct {
		Score        float64 `json:"score"`
		Contribution string  `json:"contribution"`
	}
	if err := llm.DecodeJSON(raw, &wire); err != nil {
		return types.AlignmentResult{}, fmt.Errorf("decode alignment: %w", err)
	}

	score := types.Clamp01(wire.Score)
	return types.AlignmentResult{
		AlternativeID: alt.ID,
		Score:         score,
		Relevance:     types.RelevanceForScore(score),
		Contribution:  strings.TrimSpace(wire.Contribution),
		Method:        "llm",
	}, nil
}

func alignmentPrompt(alt types.Alternative, req Request) string {
	var steps strings.Builder
	for i, s := range alt.Steps {
		fmt.Fprintf(&steps, "%d. %s: %s\n", i+1, s.Tool, s.Description)
	}
	return fmt.Sprintf(`You are rating how directly a candidate approach advances a task goal.

Task goal: %s
Next action: %s

Candidate: %s
%s
Steps:
%s
Rate the candidate's contribution to the goal as a score between 0 (irrelevant or counterproductive) and 1 (directly accomplishes it), with one sentence explaining the contribution.

Output JSON: {"score": 0.8, "contribution": "..."}
JSON only:`,
		req.Goal, req.Action, alt.Name, alt.Description, strings.TrimRight(steps.String(), "\n"))
}

// heuristicAlignment scores goal fit without a model: token overlap with
// the goal and action (up to 0.55 over a 0.15 base), a bonus when the
// action's leading verb appears in the candidate (0.2), and a bonus for
// having no unmet prerequisites (0.1).
func heuristicAlignment(alt types.Alternative, req Request) types.AlignmentResult {
	goalTokens := tokenize(req.Goal + " " + req.Action)

	var altText strings.Builder
	altText.WriteString(alt.Name)
	altText.WriteByte(' ')
	altText.WriteString(alt.Description)
	for _, s := range alt.Steps {
		altText.WriteByte(' ')
		altText.WriteString(s.Description)
	}
	altTokens := tokenize(altText.String())

	overlap := overlapRatio(goalTokens, altTokens)
	score := 0.15 + 0.55*overlap
	if verb := leadingToken(req.Action); verb != "" && altTokens[verb] {
		score += 0.2
	}
	if len(alt.Prerequisites) == 0 {
		score += 0.1
	}
	score = types.Clamp01(score)

	return types.AlignmentResult{
		AlternativeID: alt.ID,
		Score:         score,
		Relevance:     types.RelevanceForScore(score),
		Contribution:  fmt.Sprintf("shares %.0f%% of the goal's keywords", overlap*100),
		Method:        "heuristic",
	}
}

// alignmentStopwords are tokens too common to indicate goal fit.
var alignmentStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "then": true, "will": true,
	"all": true, "its": true, "are": true, "was": true, "has": true,
	"have": true, "can": true, "not": true, "you": true, "your": true,
}

// tokenize lowercases, splits on non-alphanumerics, and drops stopwords
// and tokens shorter than three characters.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	for _, f := range fields {
		if len(f) < 3 || alignmentStopwords[f] {
			continue
		}
		tokens[f] = true
	}
	return tokens
}

// overlapRatio is the fraction of goal tokens the candidate mentions.
func overlapRatio(goal, candidate map[string]bool) float64 {
	if len(goal) == 0 {
		return 0
	}
	hits := 0
	for t := range goal {
		if candidate[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(goal))
}

// leadingToken is the action's first token after the same normalization
// tokenize applies, typically its verb.
func leadingToken(action string) string {
	fields := strings.FieldsFunc(strings.ToLower(action), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	for _, f := range fields {
		if len(f) < 3 || alignmentStopwords[f] {
			continue
		}
		return f
	}
	return ""
}
