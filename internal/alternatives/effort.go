package alternatives

import (
	"context"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"forgekeeper/internal/types"
)

// EffortEstimator scores candidates on complexity, risk, and predicted
// iteration count. Estimation is pure computation; only context
// cancellation can fail it.
type EffortEstimator struct {
	maxIterations int
}

// NewEffortEstimator builds an estimator whose iteration predictions are
// capped at maxIterations.
func NewEffortEstimator(maxIterations int) *EffortEstimator {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &EffortEstimator{maxIterations: maxIterations}
}

// EstimateAll scores every candidate concurrently. The result is indexed
// one-to-one with alts.
func (e *EffortEstimator) EstimateAll(ctx context.Context, alts []types.Alternative, req Request) ([]types.EffortEstimate, error) {
	out := make([]types.EffortEstimate, len(alts))

	g, gctx := errgroup.WithContext(ctx)
	for i := range alts {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			out[i] = e.Estimate(alts[i], req)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Estimate scores one candidate.
func (e *EffortEstimator) Estimate(alt types.Alternative, req Request) types.EffortEstimate {
	complexity := types.NewScoredLevel(complexityScore(alt, req.History))
	risk := types.NewScoredLevel(riskScore(alt, req.Failures))
	return types.EffortEstimate{
		AlternativeID: alt.ID,
		Complexity:    complexity,
		Risk:          risk,
		Iterations:    e.iterations(complexity.Score, req),
	}
}

// complexityScore blends step count (up to 4 points), tool novelty
// against the session's history (up to 3), and argument weight (up to 3)
// onto the 0-10 scale.
func complexityScore(alt types.Alternative, history []types.ActionHistoryEntry) float64 {
	steps := float64(len(alt.Steps))
	if steps > 4 {
		steps = 4
	}

	novelty := 0.0
	if len(alt.Steps) > 0 {
		seen := toolsSeen(history)
		novel := 0
		for _, s := range alt.Steps {
			if !seen[s.Tool] {
				novel++
			}
		}
		novelty = 3 * float64(novel) / float64(len(alt.Steps))
	}

	totalArgs := 0
	for _, s := range alt.Steps {
		totalArgs += len(s.Args)
	}
	args := float64(totalArgs) / 2
	if args > 3 {
		args = 3
	}

	return steps + novelty + args
}

// destructiveMarkers are command fragments that can lose work.
var destructiveMarkers = []string{
	"rm ", "rm\t", "rmdir", "mv ", "dd ", "truncate", "chmod", "chown",
	"git reset --hard", "git clean", "git push --force", "drop table", "mkfs",
}

// networkMarkers are command fragments that reach outside the workspace.
var networkMarkers = []string{
	"curl", "wget", "git clone", "git pull", "git push", "git fetch",
	"npm install", "pip install", "go get", "apt", "ssh ",
}

// riskScore sums destructive-step weight (up to 5 points), external
// dependency weight (up to 2.5), and the past failure record of the tools
// involved (one point per failed tool, two at most), capped at 10.
func riskScore(alt types.Alternative, failures []types.FailureRecord) float64 {
	var destructive, external int
	for _, s := range alt.Steps {
		if stepDestructive(s) {
			destructive++
		}
		if stepExternal(s) {
			external++
		}
	}

	score := 2.5 * float64(destructive)
	if score > 5 {
		score = 5
	}
	switch {
	case external >= 2:
		score += 2.5
	case external == 1:
		score += 1.5
	}

	failed := make(map[string]bool, len(failures))
	for _, f := range failures {
		if f.Tool != "" {
			failed[f.Tool] = true
		}
	}
	counted := make(map[string]bool)
	for _, s := range alt.Steps {
		if failed[s.Tool] && !counted[s.Tool] {
			counted[s.Tool] = true
			score += 1.0
		}
		if len(counted) == 2 {
			break
		}
	}

	if score > 10 {
		score = 10
	}
	return score
}

func stepDestructive(s types.AlternativeStep) bool {
	if s.Tool == "write_file" {
		return true
	}
	if s.Tool != "run_bash" {
		return false
	}
	cmd, _ := s.Args["command"].(string)
	cmd = strings.ToLower(cmd)
	for _, marker := range destructiveMarkers {
		if strings.Contains(cmd, marker) {
			return true
		}
	}
	return false
}

func stepExternal(s types.AlternativeStep) bool {
	if s.Tool == "http_fetch" {
		return true
	}
	if s.Tool != "run_bash" {
		return false
	}
	cmd, _ := s.Args["command"].(string)
	cmd = strings.ToLower(cmd)
	for _, marker := range networkMarkers {
		if strings.Contains(cmd, marker) {
			return true
		}
	}
	return false
}

// iterations predicts how many loop turns the candidate needs, anchored
// on same-task-type episodes when any are on record and on complexity
// otherwise. The point estimate never leaves [1, ceiling], with min at
// half and max at double, clamped the same way.
func (e *EffortEstimator) iterations(complexity float64, req Request) types.IterationEstimate {
	ceiling := req.MaxIterations
	if ceiling <= 0 {
		ceiling = e.maxIterations
	}

	var sum, n int
	for _, se := range req.Episodes {
		if se.Episode.TaskType == req.TaskType && se.Episode.Iterations > 0 {
			sum += se.Episode.Iterations
			n++
		}
	}

	var expected int
	if n > 0 {
		expected = int(math.Round(float64(sum) / float64(n)))
	} else {
		expected = 1 + int(complexity/3)
	}
	if expected < 1 {
		expected = 1
	}
	if expected > ceiling {
		expected = ceiling
	}

	min := expected / 2
	if min < 1 {
		min = 1
	}
	max := expected * 2
	if max > ceiling {
		max = ceiling
	}
	if max < expected {
		max = expected
	}
	return types.IterationEstimate{Min: min, Expected: expected, Max: max}
}

func toolsSeen(history []types.ActionHistoryEntry) map[string]bool {
	seen := make(map[string]bool)
	for _, h := range history {
		for _, tool := range h.ToolsUsed {
			seen[tool] = true
		}
	}
	return seen
}
