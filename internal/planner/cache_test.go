package planner

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"forgekeeper/internal/types"
)

func openTestCache(t *testing.T, ttl time.Duration, maxReuses int) *Cache {
	t.Helper()
	c, err := OpenCache(filepath.Join(t.TempDir(), "plans.db"), ttl, maxReuses)
	if err != nil {
		t.Fatalf("OpenCache failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func samplePlan() *types.InstructionPlan {
	return &types.InstructionPlan{
		Approach: "Clone the repository, then verify its contents.",
		Steps: []types.PlanStep{
			{Tool: "run_bash", Args: map[string]any{"command": "git clone https://example.com/widget.git"}, ExpectedOutcome: "repo cloned", ErrorHandling: "abort", Confidence: 0.9},
			{Tool: "read_dir", Args: map[string]any{"path": "widget"}, ExpectedOutcome: "contents listed", ErrorHandling: "abort", Confidence: 0.85},
			{Tool: "echo", Args: map[string]any{"text": "clone finished"}, ExpectedOutcome: "note recorded", ErrorHandling: "skip", Confidence: 0.9},
		},
		Verification: &types.Verification{CheckCommand: "ls widget", SuccessCriteria: "repository files present"},
		Alternatives: []string{"Download a release archive instead of cloning."},
	}
}

func sampleKey() CacheKey {
	return KeyFor(types.TaskCodeGeneration, "Clone https://example.com/widget.git and inspect it", builtinInfos())
}

func TestCacheMissThenHit(t *testing.T) {
	t.Parallel()
	c := openTestCache(t, time.Hour, 50)
	key := sampleKey()

	if _, ok := c.Get(key); ok {
		t.Fatal("empty cache reported a hit")
	}

	if err := c.MarkSuccess(key, samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}

	plan, ok := c.Get(key)
	if !ok {
		t.Fatal("stored plan was not served")
	}
	if plan.Approach != samplePlan().Approach {
		t.Errorf("approach = %q", plan.Approach)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(plan.Steps))
	}
	if cmd, _ := plan.Steps[0].Args["command"].(string); cmd != "git clone https://example.com/widget.git" {
		t.Errorf("step 0 command = %q", cmd)
	}
	if plan.Verification == nil || plan.Verification.CheckCommand != "ls widget" {
		t.Errorf("verification did not round-trip: %+v", plan.Verification)
	}
}

func TestCacheKeyNormalizesAction(t *testing.T) {
	t.Parallel()
	c := openTestCache(t, time.Hour, 50)
	tools := builtinInfos()

	spaced := KeyFor(types.TaskAnalysis, "  Clone THE Repo  ", tools)
	plain := KeyFor(types.TaskAnalysis, "clone the repo", tools)
	if spaced != plain {
		t.Fatalf("normalization mismatch: %+v vs %+v", spaced, plain)
	}

	if err := c.MarkSuccess(spaced, samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	if _, ok := c.Get(plain); !ok {
		t.Error("normalized key variant missed")
	}
}

func TestNormalizeAction(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"  Clone THE Repo  ":      "clone the repo",
		"fix\tthe  failing\ntest": "fix the failing test",
		"":                        "",
	}
	for in, want := range cases {
		if got := NormalizeAction(in); got != want {
			t.Errorf("NormalizeAction(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToolSetHashProperties(t *testing.T) {
	t.Parallel()
	tools := builtinInfos()
	h := ToolSetHash(tools)
	if len(h) != 16 {
		t.Fatalf("hash length = %d, want 16", len(h))
	}

	reversed := make([]types.ToolInfo, len(tools))
	for i, info := range tools {
		reversed[len(tools)-1-i] = info
	}
	if ToolSetHash(reversed) != h {
		t.Error("hash depends on tool order")
	}

	if ToolSetHash(append(reversed, reversed[0])) != h {
		t.Error("hash depends on duplicate entries")
	}

	grown := append([]types.ToolInfo{}, tools...)
	grown = append(grown, types.ToolInfo{Name: "apply_patch", Description: "Apply a patch"})
	if ToolSetHash(grown) == h {
		t.Error("hash ignored a new tool")
	}

	// Descriptions may be reworded without invalidating cached plans.
	reworded := append([]types.ToolInfo{}, tools...)
	reworded[0].Description = "completely different wording"
	if ToolSetHash(reworded) != h {
		t.Error("hash depends on tool descriptions")
	}
}

func TestCacheReuseCapRetires(t *testing.T) {
	t.Parallel()
	c := openTestCache(t, time.Hour, 3)
	key := sampleKey()

	// First success stores; the next two are reuse credits below the cap.
	for i := 0; i < 3; i++ {
		if err := c.MarkSuccess(key, samplePlan()); err != nil {
			t.Fatalf("MarkSuccess %d failed: %v", i, err)
		}
	}
	if _, ok := c.Get(key); !ok {
		t.Fatal("entry below the reuse cap was not served")
	}

	// Third reuse credit reaches the cap; the entry retires on next Get.
	if err := c.MarkSuccess(key, samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("entry at the reuse cap was still served")
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("retired entry still counted: %+v", stats)
	}
}

func TestCacheTTLExpiryOnGet(t *testing.T) {
	t.Parallel()
	c := openTestCache(t, time.Hour, 50)
	key := sampleKey()

	if err := c.MarkSuccess(key, samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	if _, err := c.db.Exec(`UPDATE plan_cache SET created_at = ?`, time.Now().Add(-2*time.Hour).Unix()); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	if _, ok := c.Get(key); ok {
		t.Fatal("expired entry was served")
	}
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("expired entry still counted: %+v", stats)
	}
}

func TestCachePurgesExpiredOnOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "plans.db")

	c1, err := OpenCache(dbPath, time.Hour, 50)
	if err != nil {
		t.Fatalf("OpenCache failed: %v", err)
	}
	if err := c1.MarkSuccess(sampleKey(), samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	if _, err := c1.db.Exec(`UPDATE plan_cache SET created_at = ?`, time.Now().Add(-8*24*time.Hour).Unix()); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c2, err := OpenCache(dbPath, time.Hour, 50)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c2.Close()

	stats, err := c2.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("open did not purge the expired entry: %+v", stats)
	}
}

func TestCacheDropsCorruptEntry(t *testing.T) {
	t.Parallel()
	c := openTestCache(t, time.Hour, 50)
	key := sampleKey()

	if err := c.MarkSuccess(key, samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	if _, err := c.db.Exec(`UPDATE plan_cache SET plan = '{broken'`); err != nil {
		t.Fatalf("corrupt failed: %v", err)
	}

	if _, ok := c.Get(key); ok {
		t.Fatal("corrupt entry was served")
	}
	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("corrupt entry still counted: %+v", stats)
	}
}

func TestCacheStatsCountsReuses(t *testing.T) {
	t.Parallel()
	c := openTestCache(t, time.Hour, 50)
	tools := builtinInfos()

	first := KeyFor(types.TaskTesting, "run the suite", tools)
	second := KeyFor(types.TaskTesting, "run the linter", tools)

	if err := c.MarkSuccess(first, samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	if err := c.MarkSuccess(first, samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}
	if err := c.MarkSuccess(second, samplePlan()); err != nil {
		t.Fatalf("MarkSuccess failed: %v", err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 2 || stats.Reuses != 1 {
		t.Errorf("stats = %+v, want 2 entries and 1 reuse", stats)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	t.Parallel()
	c := openTestCache(t, time.Hour, 1000)
	tools := builtinInfos()

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			key := KeyFor(types.TaskOther, fmt.Sprintf("action %d", w), tools)
			for i := 0; i < 25; i++ {
				if err := c.MarkSuccess(key, samplePlan()); err != nil {
					return err
				}
				c.Get(key)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent access failed: %v", err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Entries != 4 {
		t.Errorf("entries = %d, want 4", stats.Entries)
	}
}

func TestMarkSuccessNilPlanFails(t *testing.T) {
	t.Parallel()
	c := openTestCache(t, time.Hour, 50)
	if err := c.MarkSuccess(sampleKey(), nil); err == nil {
		t.Fatal("expected an error for a nil plan")
	}
}

func TestDefaultCachePath(t *testing.T) {
	t.Parallel()
	want := filepath.Join("/ws", ".forge", "plans.db")
	if got := DefaultCachePath("/ws"); got != want {
		t.Errorf("DefaultCachePath = %q, want %q", got, want)
	}
}
