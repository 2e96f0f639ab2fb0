package planner

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"

	_ "modernc.org/sqlite"
)

const (
	// DefaultCacheTTL is how long a cached plan stays servable.
	DefaultCacheTTL = 7 * 24 * time.Hour
	// DefaultCacheMaxReuses retires a cached plan after this many
	// recorded successful reuses.
	DefaultCacheMaxReuses = 50
)

// CacheKey identifies one cacheable planning situation. Two requests share
// a key only when they classify to the same task type, normalize to the
// same action text, and run against the same tool set.
type CacheKey struct {
	TaskType         types.TaskType
	NormalizedAction string
	ToolSetHash      string
}

// KeyFor builds the cache key for one planning request.
func KeyFor(taskType types.TaskType, action string, tools []types.ToolInfo) CacheKey {
	return CacheKey{
		TaskType:         taskType,
		NormalizedAction: NormalizeAction(action),
		ToolSetHash:      ToolSetHash(tools),
	}
}

// NormalizeAction canonicalizes action text for cache keying: lowercased,
// whitespace runs collapsed, surrounding space trimmed.
func NormalizeAction(action string) string {
	return strings.Join(strings.Fields(strings.ToLower(action)), " ")
}

// ToolSetHash fingerprints the available tool set. Order and duplicates do
// not affect the hash; any change to the set of names does. A plan cached
// against one registry must not be served against another, because its
// steps may name tools the new registry lacks.
func ToolSetHash(tools []types.ToolInfo) string {
	seen := make(map[string]bool, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		names = append(names, t.Name)
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(strings.Join(names, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// DefaultCachePath returns the plan cache location for a workspace.
func DefaultCachePath(workspace string) string {
	return filepath.Join(workspace, ".forge", "plans.db")
}

// Cache persists plans whose execution succeeded, so a repeated action can
// skip the model entirely. Entries age out after the TTL or after the
// configured number of successful reuses, whichever comes first.
//
// Storage location: .forge/plans.db
type Cache struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	ttl       time.Duration
	maxReuses int
}

// CacheStats summarizes cache contents.
type CacheStats struct {
	Entries int
	Reuses  int
}

// OpenCache opens (creating if needed) the plan cache at dbPath and purges
// entries that expired while the process was away. Non-positive ttl or
// maxReuses fall back to the defaults.
func OpenCache(dbPath string, ttl time.Duration, maxReuses int) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxReuses <= 0 {
		maxReuses = DefaultCacheMaxReuses
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("plan cache: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("plan cache: open database: %w", err)
	}

	c := &Cache{db: db, dbPath: dbPath, ttl: ttl, maxReuses: maxReuses}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("plan cache: initialize schema: %w", err)
	}

	purged, err := c.purgeLocked()
	if err != nil {
		db.Close()
		return nil, err
	}
	logging.Planner("Plan cache opened at %s (%d stale entries purged)", dbPath, purged)
	return c, nil
}

// initialize creates the database schema.
func (c *Cache) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plan_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_type TEXT NOT NULL,
		normalized_action TEXT NOT NULL,
		tool_set_hash TEXT NOT NULL,
		plan TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		reuse_count INTEGER NOT NULL DEFAULT 0,
		last_used_at INTEGER,
		UNIQUE(task_type, normalized_action, tool_set_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_plan_cache_created ON plan_cache(created_at);
	`

	_, err := c.db.Exec(schema)
	return err
}

// Get returns the cached plan for key, or false when there is none to
// serve. Entries past their TTL or reuse cap are deleted on sight, as are
// entries whose stored plan no longer decodes.
func (c *Cache) Get(key CacheKey) (*types.InstructionPlan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`
		SELECT plan, created_at, reuse_count FROM plan_cache
		WHERE task_type = ? AND normalized_action = ? AND tool_set_hash = ?`,
		string(key.TaskType), key.NormalizedAction, key.ToolSetHash)

	var raw string
	var createdAt int64
	var reuseCount int
	if err := row.Scan(&raw, &createdAt, &reuseCount); err != nil {
		return nil, false
	}

	if time.Since(time.Unix(createdAt, 0)) > c.ttl || reuseCount >= c.maxReuses {
		c.deleteLocked(key)
		return nil, false
	}

	var plan types.InstructionPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		logging.PlannerWarn("Dropping undecodable cached plan for %q: %v", key.NormalizedAction, err)
		c.deleteLocked(key)
		return nil, false
	}

	if _, err := c.db.Exec(`
		UPDATE plan_cache SET last_used_at = ?
		WHERE task_type = ? AND normalized_action = ? AND tool_set_hash = ?`,
		time.Now().Unix(), string(key.TaskType), key.NormalizedAction, key.ToolSetHash); err != nil {
		logging.PlannerWarn("Failed to touch cached plan: %v", err)
	}

	logging.PlannerDebug("Plan cache hit for (%s, %q), %d prior reuses", key.TaskType, key.NormalizedAction, reuseCount)
	return &plan, true
}

// MarkSuccess records that a plan's execution succeeded. A first success
// stores the plan under key; later successes for the same key count as
// reuses and refresh the stored plan text. The caller decides when a plan
// has "succeeded", typically after its verification passed.
func (c *Cache) MarkSuccess(key CacheKey, plan *types.InstructionPlan) error {
	if plan == nil {
		return fmt.Errorf("plan cache: nil plan")
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("plan cache: encode plan: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().Unix()
	_, err = c.db.Exec(`
		INSERT INTO plan_cache (task_type, normalized_action, tool_set_hash, plan, created_at, reuse_count, last_used_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(task_type, normalized_action, tool_set_hash)
		DO UPDATE SET plan = excluded.plan, reuse_count = reuse_count + 1, last_used_at = excluded.last_used_at`,
		string(key.TaskType), key.NormalizedAction, key.ToolSetHash, string(data), now, now)
	if err != nil {
		return fmt.Errorf("plan cache: record success: %w", err)
	}

	logging.PlannerDebug("Plan success recorded for (%s, %q)", key.TaskType, key.NormalizedAction)
	return nil
}

// Purge deletes entries past their TTL or reuse cap and reports how many
// rows went. OpenCache runs this automatically.
func (c *Cache) Purge() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked()
}

func (c *Cache) purgeLocked() (int64, error) {
	cutoff := time.Now().Add(-c.ttl).Unix()
	res, err := c.db.Exec(`DELETE FROM plan_cache WHERE created_at < ? OR reuse_count >= ?`, cutoff, c.maxReuses)
	if err != nil {
		return 0, fmt.Errorf("plan cache: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (c *Cache) deleteLocked(key CacheKey) {
	if _, err := c.db.Exec(`
		DELETE FROM plan_cache
		WHERE task_type = ? AND normalized_action = ? AND tool_set_hash = ?`,
		string(key.TaskType), key.NormalizedAction, key.ToolSetHash); err != nil {
		logging.PlannerWarn("Failed to delete cached plan: %v", err)
	}
}

// Stats returns entry and reuse counts.
func (c *Cache) Stats() (CacheStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var s CacheStats
	row := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(reuse_count), 0) FROM plan_cache`)
	if err := row.Scan(&s.Entries, &s.Reuses); err != nil {
		return CacheStats{}, fmt.Errorf("plan cache: stats: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		logging.PlannerDebug("Closing plan cache at %s", c.dbPath)
		return c.db.Close()
	}
	return nil
}
