// Package taskgen implements the task card lifecycle the loop honors:
// telemetry analyzers generate cards, a Datalog policy decides which cards
// are actionable or auto-approvable, and a sqlite store tracks every
// status transition for funnel reporting.
package taskgen

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgekeeper/internal/contextlog"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"

	_ "modernc.org/sqlite"
)

// DefaultBatchMax caps one batch approve/dismiss call.
const DefaultBatchMax = 50

var (
	// ErrCardNotFound is returned when no card has the given id.
	ErrCardNotFound = errors.New("task card not found")
	// ErrBadTransition is returned for a status change the lifecycle
	// does not allow.
	ErrBadTransition = errors.New("illegal card status transition")
)

// DefaultStorePath returns the task card database location for a
// workspace.
func DefaultStorePath(workspace string) string {
	return filepath.Join(workspace, ".forge", "tasks.db")
}

// Store persists task cards and their dependency edges.
//
// Storage location: .forge/tasks.db
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	dbPath   string
	batchMax int
	events   *contextlog.Log
}

// OpenStore opens (creating if needed) the card store at dbPath. A
// non-positive batchMax falls back to DefaultBatchMax; events may be nil.
func OpenStore(dbPath string, batchMax int, events *contextlog.Log) (*Store, error) {
	if batchMax <= 0 {
		batchMax = DefaultBatchMax
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("taskgen: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("taskgen: open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, batchMax: batchMax, events: events}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskgen: initialize schema: %w", err)
	}

	logging.TaskGen("Task card store opened at %s", dbPath)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_cards (
		id TEXT PRIMARY KEY,
		analyzer TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		viewed_at INTEGER,
		approved_at INTEGER,
		completed_at INTEGER,
		dismissed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_task_cards_status ON task_cards(status);
	CREATE INDEX IF NOT EXISTS idx_task_cards_created ON task_cards(created_at);

	CREATE TABLE IF NOT EXISTS card_dependencies (
		card_id TEXT NOT NULL,
		depends_on TEXT NOT NULL,
		PRIMARY KEY (card_id, depends_on)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts one generated card. A missing id is assigned, a missing
// creation time is stamped, and the status is always generated no matter
// what the caller set.
func (s *Store) Create(card types.TaskCard) (types.TaskCard, error) {
	if strings.TrimSpace(card.Analyzer) == "" {
		return types.TaskCard{}, fmt.Errorf("taskgen: card analyzer cannot be empty")
	}
	if strings.TrimSpace(card.Title) == "" {
		return types.TaskCard{}, fmt.Errorf("taskgen: card title cannot be empty")
	}
	if card.Confidence < 0 || card.Confidence > 1 {
		return types.TaskCard{}, fmt.Errorf("taskgen: card confidence must be in [0,1], got %v", card.Confidence)
	}
	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	for _, dep := range card.Dependencies {
		if dep == card.ID {
			return types.TaskCard{}, fmt.Errorf("taskgen: card %s cannot depend on itself", card.ID)
		}
	}
	card.Status = types.CardGenerated
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}
	card.ViewedAt, card.ApprovedAt, card.CompletedAt, card.DismissedAt = nil, nil, nil, nil

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return types.TaskCard{}, fmt.Errorf("taskgen: begin insert: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO task_cards (id, analyzer, title, description, confidence, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		card.ID, card.Analyzer, card.Title, card.Description, card.Confidence,
		string(card.Status), card.CreatedAt.Unix())
	if err != nil {
		tx.Rollback()
		return types.TaskCard{}, fmt.Errorf("taskgen: insert card: %w", err)
	}
	for _, dep := range card.Dependencies {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO card_dependencies (card_id, depends_on) VALUES (?, ?)`,
			card.ID, dep); err != nil {
			tx.Rollback()
			return types.TaskCard{}, fmt.Errorf("taskgen: insert dependency: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return types.TaskCard{}, fmt.Errorf("taskgen: commit insert: %w", err)
	}

	logging.TaskGenDebug("Card %s created by %s: %q (%.2f confidence, %d deps)",
		card.ID, card.Analyzer, card.Title, card.Confidence, len(card.Dependencies))
	return card, nil
}

// Get returns the card with the given id.
func (s *Store) Get(id string) (types.TaskCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (types.TaskCard, error) {
	row := s.db.QueryRow(`
		SELECT id, analyzer, title, description, confidence, status,
		       created_at, viewed_at, approved_at, completed_at, dismissed_at
		FROM task_cards WHERE id = ?`, id)
	card, err := scanCard(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TaskCard{}, fmt.Errorf("%w: %s", ErrCardNotFound, id)
	}
	if err != nil {
		return types.TaskCard{}, fmt.Errorf("taskgen: read card: %w", err)
	}

	rows, err := s.db.Query(`SELECT depends_on FROM card_dependencies WHERE card_id = ? ORDER BY depends_on`, id)
	if err != nil {
		return types.TaskCard{}, fmt.Errorf("taskgen: read dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return types.TaskCard{}, fmt.Errorf("taskgen: scan dependency: %w", err)
		}
		card.Dependencies = append(card.Dependencies, dep)
	}
	return card, rows.Err()
}

// List returns cards oldest first. A non-empty status filters; an empty
// status returns everything.
func (s *Store) List(status types.CardStatus) ([]types.TaskCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, analyzer, title, description, confidence, status,
		       created_at, viewed_at, approved_at, completed_at, dismissed_at
		FROM task_cards`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskgen: list cards: %w", err)
	}
	defer rows.Close()

	var cards []types.TaskCard
	for rows.Next() {
		card, err := scanCard(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("taskgen: scan card: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskgen: list cards: %w", err)
	}

	deps, err := s.dependencyMapLocked()
	if err != nil {
		return nil, err
	}
	for i := range cards {
		cards[i].Dependencies = deps[cards[i].ID]
	}
	return cards, nil
}

func (s *Store) dependencyMapLocked() (map[string][]string, error) {
	rows, err := s.db.Query(`SELECT card_id, depends_on FROM card_dependencies ORDER BY card_id, depends_on`)
	if err != nil {
		return nil, fmt.Errorf("taskgen: read dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, fmt.Errorf("taskgen: scan dependency: %w", err)
		}
		deps[id] = append(deps[id], dep)
	}
	return deps, rows.Err()
}

// MarkViewed transitions a generated card to viewed.
func (s *Store) MarkViewed(id string) (types.TaskCard, error) {
	return s.transition(id, types.CardViewed, "viewed_at", types.CardGenerated)
}

// Approve transitions a generated or viewed card to approved.
func (s *Store) Approve(id string) (types.TaskCard, error) {
	return s.transition(id, types.CardApproved, "approved_at", types.CardGenerated, types.CardViewed)
}

// Complete transitions an approved card to completed.
func (s *Store) Complete(id string) (types.TaskCard, error) {
	return s.transition(id, types.CardCompleted, "completed_at", types.CardApproved)
}

// Dismiss transitions any non-terminal card to dismissed.
func (s *Store) Dismiss(id string) (types.TaskCard, error) {
	return s.transition(id, types.CardDismissed, "dismissed_at",
		types.CardGenerated, types.CardViewed, types.CardApproved)
}

// transition applies one legal status change and stamps its timestamp
// column. The column name comes from the fixed set above, never from
// input.
func (s *Store) transition(id string, to types.CardStatus, column string, from ...types.CardStatus) (types.TaskCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, err := s.getLocked(id)
	if err != nil {
		return types.TaskCard{}, err
	}
	allowed := false
	for _, f := range from {
		if card.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return types.TaskCard{}, fmt.Errorf("%w: %s is %s, cannot become %s", ErrBadTransition, id, card.Status, to)
	}

	stmt := fmt.Sprintf(`UPDATE task_cards SET status = ?, %s = ? WHERE id = ?`, column)
	if _, err := s.db.Exec(stmt, string(to), time.Now().UTC().Unix(), id); err != nil {
		return types.TaskCard{}, fmt.Errorf("taskgen: transition card: %w", err)
	}

	logging.TaskGenDebug("Card %s: %s to %s", id, card.Status, to)
	return s.getLocked(id)
}

// ApproveBatch approves the given cards, at most batchMax per call.
// Cards that cannot legally approve are skipped and counted out of the
// returned total.
func (s *Store) ApproveBatch(ids []string) (int, error) {
	return s.batch("approve", ids, s.Approve)
}

// DismissBatch dismisses the given cards, at most batchMax per call.
func (s *Store) DismissBatch(ids []string) (int, error) {
	return s.batch("dismiss", ids, s.Dismiss)
}

func (s *Store) batch(action string, ids []string, apply func(string) (types.TaskCard, error)) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if len(ids) > s.batchMax {
		return 0, fmt.Errorf("taskgen: batch of %d exceeds the %d cap", len(ids), s.batchMax)
	}

	applied := 0
	for _, id := range ids {
		if _, err := apply(id); err != nil {
			logging.TaskGenDebug("Batch %s skipped %s: %v", action, id, err)
			continue
		}
		applied++
	}

	logging.TaskGen("Batch %s: %d of %d cards", action, applied, len(ids))
	if s.events != nil {
		s.events.Emit(contextlog.ActorUser, contextlog.ActTaskBatchAction, "", 0, map[string]any{
			"action":    action,
			"requested": len(ids),
			"applied":   applied,
		})
	}
	return applied, nil
}

// FunnelMetrics reports how the cards generated inside the window moved
// through the lifecycle. A non-positive window covers all cards.
func (s *Store) FunnelMetrics(window time.Duration) (types.FunnelMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cutoff int64
	if window > 0 {
		cutoff = time.Now().Add(-window).Unix()
	}
	row := s.db.QueryRow(`
		SELECT COUNT(*), COUNT(viewed_at), COUNT(approved_at), COUNT(completed_at), COUNT(dismissed_at)
		FROM task_cards WHERE created_at >= ?`, cutoff)

	m := types.FunnelMetrics{Window: window}
	if err := row.Scan(&m.Generated, &m.Viewed, &m.Approved, &m.Completed, &m.Dismissed); err != nil {
		return types.FunnelMetrics{}, fmt.Errorf("taskgen: funnel metrics: %w", err)
	}
	if m.Generated > 0 {
		cohort := float64(m.Generated)
		m.Health = 0.3*float64(m.Viewed)/cohort +
			0.3*float64(m.Approved)/cohort +
			0.4*float64(m.Completed)/cohort
	}
	return m, nil
}

// CountByStatus returns current card counts per lifecycle state.
func (s *Store) CountByStatus() (map[types.CardStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM task_cards GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("taskgen: count cards: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.CardStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("taskgen: scan count: %w", err)
		}
		counts[types.CardStatus(status)] = n
	}
	return counts, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		logging.TaskGenDebug("Closing task card store at %s", s.dbPath)
		return s.db.Close()
	}
	return nil
}

// scanCard reads one task_cards row in column order.
func scanCard(scan func(dest ...any) error) (types.TaskCard, error) {
	var card types.TaskCard
	var status string
	var createdAt int64
	var viewedAt, approvedAt, completedAt, dismissedAt sql.NullInt64

	err := scan(&card.ID, &card.Analyzer, &card.Title, &card.Description, &card.Confidence,
		&status, &createdAt, &viewedAt, &approvedAt, &completedAt, &dismissedAt)
	if err != nil {
		return types.TaskCard{}, err
	}

	card.Status = types.CardStatus(status)
	card.CreatedAt = time.Unix(createdAt, 0).UTC()
	card.ViewedAt = nullableTime(viewedAt)
	card.ApprovedAt = nullableTime(approvedAt)
	card.CompletedAt = nullableTime(completedAt)
	card.DismissedAt = nullableTime(dismissedAt)
	return card, nil
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// sortIDs is a small helper for deterministic iteration over id sets.
func sortIDs(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
