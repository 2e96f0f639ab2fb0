// Package alternatives proposes candidate approaches for one action,
// scores each on effort, risk, and goal alignment, and chooses the best.
//
// The pipeline has four stages. A Generator produces three to five
// candidates, model-first with a rule-table fallback. An EffortEstimator
// and an AlignmentChecker then score every candidate, and the Evaluator
// folds the scores into a weighted ranking whose winner travels on to the
// task planner as the action to execute.
package alternatives

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/types"
)

const (
	// MinAlternatives and MaxAlternatives bound every candidate set this
	// package returns, whichever stage produced it.
	MinAlternatives = 3
	MaxAlternatives = 5

	// DefaultTimeout is the soft budget for each model call.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxIterations caps iteration estimates when the request
	// carries no ceiling of its own.
	DefaultMaxIterations = 10
)

// Request carries everything one alternative-planning round may consider.
type Request struct {
	// Action is the next-action the candidates must serve. Required.
	Action string
	// Goal is the session's original task, for alignment scoring.
	Goal     string
	TaskType types.TaskType
	// Tools is the executor's registry listing; every candidate step must
	// name one of these.
	Tools    []types.ToolInfo
	History  []types.ActionHistoryEntry
	Failures []types.FailureRecord
	// Episodes are the nearest past sessions by embedding similarity;
	// they anchor both the generation prompt and the iteration estimate.
	Episodes []types.ScoredEpisode
	// ToolTrackRecord is the session log's per-tool success aggregate,
	// best-first. Only the top entries reach the prompt.
	ToolTrackRecord []memory.ToolTrackRecord
	// MaxIterations is the session's iteration ceiling. Zero falls back
	// to the planner's default.
	MaxIterations int
}

// Options tune the alternative planner.
type Options struct {
	// Weights tune the evaluator. The zero value means the standard
	// 0.30/0.25/0.30/0.15 weighting.
	Weights types.EvaluationWeights
	// Timeout is the soft budget per model call. Zero means DefaultTimeout.
	Timeout time.Duration
	// LLMAlignment rates goal alignment with the model instead of the
	// keyword heuristic. Ignored without a client.
	LLMAlignment bool
	// MaxIterations is the iteration-estimate ceiling for requests that
	// do not carry one. Zero means DefaultMaxIterations.
	MaxIterations int
}

// Planner runs the generate/estimate/align/evaluate pipeline.
type Planner struct {
	generator *Generator
	estimator *EffortEstimator
	alignment *AlignmentChecker
	evaluator *Evaluator

	maxIterations int
}

// NewPlanner builds an alternative planner. client may be nil, in which
// case generation and alignment run heuristic-only.
func NewPlanner(client types.LLMClient, opts Options) *Planner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	var alignClient types.LLMClient
	if opts.LLMAlignment {
		alignClient = client
	}

	return &Planner{
		generator:     NewGenerator(client, timeout),
		estimator:     NewEffortEstimator(maxIterations),
		alignment:     NewAlignmentChecker(alignClient, timeout),
		evaluator:     NewEvaluator(opts.Weights),
		maxIterations: maxIterations,
	}
}

// Propose generates, scores, and ranks alternatives for req.Action. The
// returned decision always holds MinAlternatives..MaxAlternatives ranked
// candidates with rank 1 chosen; only an empty action or context
// cancellation can fail it.
func (p *Planner) Propose(ctx context.Context, req Request) (*types.RankedDecision, error) {
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		return nil, fmt.Errorf("alternatives: empty action")
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = p.maxIterations
	}

	timer := logging.StartTimer(logging.CategoryAlternatives, "propose")

	alts, err := p.generator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	efforts, err := p.estimator.EstimateAll(ctx, alts, req)
	if err != nil {
		return nil, err
	}
	aligns := p.alignment.CheckAll(ctx, alts, req)

	decision := p.evaluator.Rank(alts, efforts, aligns)
	if chosen := decision.Chosen(); chosen != nil {
		logging.Alternatives("Chose %q (%.2f overall, %s method) from %d candidates",
			chosen.Alternative.Name, chosen.OverallScore, chosen.Alternative.Method, len(decision.Ranked))
	}
	timer.Stop()
	return decision, nil
}
