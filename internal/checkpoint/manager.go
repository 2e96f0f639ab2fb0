// Package checkpoint implements the human-in-the-loop gate: when predicted
// confidence for a decision falls below its type threshold, the scheduler
// raises a checkpoint and suspends until a person picks one of the offered
// options (or the checkpoint expires). The manager owns the lifecycle and
// the wait/notify plumbing; persistence lives in the memory checkpoint
// store, so pending checkpoints survive a restart.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/memory"
	"forgekeeper/internal/types"
)

var (
	// ErrNotFound is returned when no checkpoint has the given id.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrAlreadyResolved guards the single-resolution invariant: a
	// resolved checkpoint never transitions again.
	ErrAlreadyResolved = errors.New("checkpoint already resolved")
	// ErrExpired is returned when acting on an expired checkpoint.
	ErrExpired = errors.New("checkpoint expired")
	// ErrUnknownOption is returned when a resolution names an option the
	// checkpoint does not carry.
	ErrUnknownOption = errors.New("checkpoint option not found")
)

// Manager creates, resolves, and expires checkpoints, and lets the
// scheduler block until a pending checkpoint reaches a terminal status.
type Manager struct {
	store  *memory.CheckpointStore
	events *contextlog.Log

	mu      sync.Mutex
	waiters map[string][]chan types.Checkpoint
}

// NewManager creates a manager over the given store. events may be nil.
func NewManager(store *memory.CheckpointStore, events *contextlog.Log) *Manager {
	return &Manager{
		store:   store,
		events:  events,
		waiters: make(map[string][]chan types.Checkpoint),
	}
}

// Create raises a pending checkpoint for one low-confidence decision and
// persists it. Options missing an id are assigned one positionally so a
// resolution can always name its pick.
func (m *Manager) Create(sessionID string, iteration int, dt types.DecisionType, description string, predicted float64, options []types.CheckpointOption) (types.Checkpoint, error) {
	if len(options) == 0 {
		return types.Checkpoint{}, fmt.Errorf("a checkpoint needs at least one option")
	}
	opts := make([]types.CheckpointOption, len(options))
	copy(opts, options)
	for i := range opts {
		if opts[i].ID == "" {
			opts[i].ID = fmt.Sprintf("opt-%d", i+1)
		}
	}

	cp := types.Checkpoint{
		ID:                  uuid.NewString(),
		SessionID:           sessionID,
		Iteration:           iteration,
		DecisionType:        dt,
		Description:         description,
		PredictedConfidence: predicted,
		Options:             opts,
		Status:              types.CheckpointPending,
		CreatedAt:           time.Now().UTC(),
	}
	if err := m.store.Save(cp); err != nil {
		return types.Checkpoint{}, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	logging.Checkpoint("Checkpoint %s raised: %s decision at %.2f confidence, %d options",
		cp.ID, dt, predicted, len(opts))
	m.emit(contextlog.ActorAutonomous, contextlog.ActCheckpointCreated, cp, map[string]any{
		"checkpoint_id":        cp.ID,
		"decision_type":        string(dt),
		"predicted_confidence": predicted,
		"description":          description,
		"options":              len(opts),
	})
	return cp, nil
}

// Resolve records the user's pick and wakes every waiter. Resolving a
// checkpoint twice fails with ErrAlreadyResolved; an expired checkpoint
// can only be superseded, never resolved.
func (m *Manager) Resolve(id, optionID, userID string, modified bool) (types.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.store.Get(id)
	if !ok {
		return types.Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch cp.Status {
	case types.CheckpointResolved:
		return types.Checkpoint{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	case types.CheckpointExpired:
		return types.Checkpoint{}, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	option := cp.Option(optionID)
	if option == nil {
		return types.Checkpoint{}, fmt.Errorf("%w: %q on checkpoint %s", ErrUnknownOption, optionID, id)
	}

	cp.Status = types.CheckpointResolved
	cp.Resolution = &types.CheckpointResolution{
		SelectedOptionID: optionID,
		Modified:         modified,
		UserID:           userID,
		ResolvedAt:       time.Now().UTC(),
	}
	if err := m.store.Save(cp); err != nil {
		return types.Checkpoint{}, fmt.Errorf("failed to persist resolution: %w", err)
	}

	safest := cp.SafestOption()
	logging.Checkpoint("Checkpoint %s resolved: option %q (%s risk)", cp.ID, option.Label, option.RiskLevel)
	m.emit(contextlog.ActorUser, contextlog.ActCheckpointResolved, cp, map[string]any{
		"checkpoint_id":      cp.ID,
		"selected_option_id": optionID,
		"accepted_safest":    safest != nil && safest.ID == optionID,
		"modified":           modified,
		"user_id":            userID,
	})
	m.notifyLocked(id, cp)
	return cp, nil
}

// Expire marks a pending checkpoint expired and wakes every waiter. The
// scheduler falls back to the safest option when its checkpoint expires.
func (m *Manager) Expire(id string) (types.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.store.Get(id)
	if !ok {
		return types.Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch cp.Status {
	case types.CheckpointResolved:
		return types.Checkpoint{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	case types.CheckpointExpired:
		return types.Checkpoint{}, fmt.Errorf("%w: %s", ErrExpired, id)
	}

	cp.Status = types.CheckpointExpired
	if err := m.store.Save(cp); err != nil {
		return types.Checkpoint{}, fmt.Errorf("failed to persist expiry: %w", err)
	}

	logging.Checkpoint("Checkpoint %s expired unresolved", cp.ID)
	m.emit(contextlog.ActorSystem, contextlog.ActCheckpointExpired, cp, map[string]any{
		"checkpoint_id": cp.ID,
		"decision_type": string(cp.DecisionType),
	})
	m.notifyLocked(id, cp)
	return cp, nil
}

// AwaitResolution blocks until the checkpoint leaves pending or the
// context is cancelled. A checkpoint that is already terminal returns
// immediately.
func (m *Manager) AwaitResolution(ctx context.Context, id string) (types.Checkpoint, error) {
	m.mu.Lock()
	cp, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return types.Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cp.Status != types.CheckpointPending {
		m.mu.Unlock()
		return cp, nil
	}
	// Buffered so a resolution landing after cancellation never blocks.
	ch := make(chan types.Checkpoint, 1)
	m.waiters[id] = append(m.waiters[id], ch)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		m.dropWaiter(id, ch)
		return types.Checkpoint{}, ctx.Err()
	case resolved := <-ch:
		return resolved, nil
	}
}

// Get returns the checkpoint with the given id.
func (m *Manager) Get(id string) (types.Checkpoint, bool) {
	return m.store.Get(id)
}

// Pending returns every checkpoint still awaiting resolution, oldest
// first.
func (m *Manager) Pending() []types.Checkpoint {
	return m.store.List(types.CheckpointPending)
}

// List returns checkpoints filtered by status; empty status means all.
func (m *Manager) List(status types.CheckpointStatus) []types.Checkpoint {
	return m.store.List(status)
}

func (m *Manager) emit(actor contextlog.Actor, act string, cp types.Checkpoint, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Emit(actor, act, cp.SessionID, cp.Iteration, payload)
}

// notifyLocked delivers the terminal snapshot to every waiter and clears
// the registration. Callers hold m.mu.
func (m *Manager) notifyLocked(id string, cp types.Checkpoint) {
	for _, ch := range m.waiters[id] {
		ch <- cp
	}
	delete(m.waiters, id)
}

func (m *Manager) dropWaiter(id string, ch chan types.Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remaining := m.waiters[id][:0]
	for _, w := range m.waiters[id] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(m.waiters, id)
	} else {
		m.waiters[id] = remaining
	}
}
