package config

import "time"

// PlannerConfig configures instruction planning and the plan cache.
type PlannerConfig struct {
	// TimeoutMs is the soft planning budget; past it the planner answers
	// from cache or the heuristic fallback.
	TimeoutMs int `yaml:"timeout_ms"`

	FallbackEnabled bool `yaml:"fallback_enabled"`

	CacheEnabled    bool `yaml:"cache_enabled"`
	CacheTTLSeconds int  `yaml:"cache_ttl_seconds"`
	// CacheMaxReuses evicts a cached plan after this many successful reuses.
	CacheMaxReuses int `yaml:"cache_max_reuses"`
}

// GetPlanningTimeout returns the planning soft budget as a duration.
func (c *Config) GetPlanningTimeout() time.Duration {
	if c.Planner.TimeoutMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Planner.TimeoutMs) * time.Millisecond
}

// GetPlanCacheTTL returns the plan cache TTL as a duration.
func (c *Config) GetPlanCacheTTL() time.Duration {
	if c.Planner.CacheTTLSeconds <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.Planner.CacheTTLSeconds) * time.Second
}
