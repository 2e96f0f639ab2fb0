package taskgen

import (
	"forgekeeper/internal/config"
	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// Lifecycle binds the card store to the approval policy. The scheduler
// asks it what is actionable; the CLI and the post-iteration sweep ask it
// to auto-approve.
type Lifecycle struct {
	store  *Store
	policy *Policy
	cfg    config.TaskGenConfig
	events *contextlog.Log
}

// NewLifecycle creates a lifecycle over the store with the configured
// allowlist and threshold. events may be nil.
func NewLifecycle(store *Store, cfg config.TaskGenConfig, events *contextlog.Log) *Lifecycle {
	return &Lifecycle{
		store:  store,
		policy: NewPolicy(cfg.TrustedAnalyzers, cfg.AutoApproveMinConfidence),
		cfg:    cfg,
		events: events,
	}
}

// AutoApprove approves every generated card the policy clears and emits
// one audit event per approval. The policy only clears cards from trusted
// analyzers at or above the confidence threshold, so an untrusted
// analyzer never auto-approves no matter how confident its cards are.
// Returns the approved ids in sorted order; disabled config is a no-op.
func (l *Lifecycle) AutoApprove() ([]string, error) {
	if !l.cfg.AutoApproveEnabled {
		return nil, nil
	}

	cards, err := l.store.List("")
	if err != nil {
		return nil, err
	}
	result, err := l.policy.Evaluate(cards)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]types.TaskCard, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}

	var approved []string
	for _, id := range sortIDs(result.AutoApprovable) {
		if _, err := l.store.Approve(id); err != nil {
			logging.TaskGenWarn("Auto-approval skipped %s: %v", id, err)
			continue
		}
		approved = append(approved, id)

		card := byID[id]
		logging.TaskGen("Auto-approved card %s from %s (%.2f confidence)", id, card.Analyzer, card.Confidence)
		if l.events != nil {
			l.events.Emit(contextlog.ActorSystem, contextlog.ActTaskAutoApproved, "", 0, map[string]any{
				"card_id":    id,
				"analyzer":   card.Analyzer,
				"confidence": card.Confidence,
				"threshold":  l.cfg.AutoApproveMinConfidence,
			})
		}
	}
	return approved, nil
}

// Actionable returns the approved cards whose prerequisites have all
// completed, oldest first.
func (l *Lifecycle) Actionable() ([]types.TaskCard, error) {
	cards, err := l.store.List("")
	if err != nil {
		return nil, err
	}
	result, err := l.policy.Evaluate(cards)
	if err != nil {
		return nil, err
	}

	var out []types.TaskCard
	for _, c := range cards {
		if result.Actionable[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}
