// Package config loads and validates forgekeeper configuration from YAML,
// with environment-variable overrides for the settings operators most often
// need to flip without editing files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all forgekeeper configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Iteration loop
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Planning
	Planner PlannerConfig `yaml:"planner"`

	// Confidence gating
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// User feedback storage
	Feedback FeedbackConfig `yaml:"feedback"`

	// Task card lifecycle
	TaskGen TaskGenConfig `yaml:"taskgen"`

	// Memory substrate
	Memory MemoryConfig `yaml:"memory"`

	// LLM provider
	LLM LLMConfig `yaml:"llm"`

	// Tool execution
	Execution ExecutionConfig `yaml:"execution"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "forgekeeper",
		Version: "0.9.0",

		Scheduler: SchedulerConfig{
			MaxIterations:      50,
			StuckThreshold:     5,
			RecoveryConfidence: 0.6,
			ReflectionTimeout:  "30s",
		},

		Planner: PlannerConfig{
			TimeoutMs:       3000,
			FallbackEnabled: true,
			CacheEnabled:    true,
			CacheTTLSeconds: 604800,
			CacheMaxReuses:  50,
		},

		Checkpoint: CheckpointConfig{
			Thresholds: DecisionThresholds{
				Plan:      0.70,
				Strategy:  0.70,
				Parameter: 0.75,
				Execution: 0.90,
			},
			ThresholdStep:      0.05,
			AcceptanceBandHigh: 0.9,
			AcceptanceBandLow:  0.6,
		},

		Feedback: FeedbackConfig{
			MaxEntries:    5000,
			RequireRating: false,
		},

		TaskGen: TaskGenConfig{
			AutoApproveEnabled:       false,
			AutoApproveMinConfidence: 0.9,
			TrustedAnalyzers:         nil,
			BatchMax:                 50,
		},

		Memory: MemoryConfig{
			EmbeddingDimensions: 384,
			ReembedInterval:     10,
			SearchTopN:          5,
			SearchMinScore:      0.3,
		},

		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
		},

		Execution: ExecutionConfig{
			DefaultTimeout: "30s",
			MaxTimeout:     "10m",
			MaxOutputBytes: 10 * 1024 * 1024,
			AllowedEnvVars: []string{"PATH", "HOME", "LANG", "TMPDIR"},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error; defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// LLM API key from environment (checked in priority order; the last
	// present key wins and pins the provider)
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}

	if v := os.Getenv("FORGE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxIterations = n
		}
	}
	if v := os.Getenv("FORGE_STUCK_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.StuckThreshold = n
		}
	}
	if v := os.Getenv("FORGE_PLANNING_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Planner.TimeoutMs = n
		}
	}
	if v := os.Getenv("FORGE_AUTO_APPROVE"); v != "" {
		c.TaskGen.AutoApproveEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("FORGE_TRUSTED_ANALYZERS"); v != "" {
		var analyzers []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				analyzers = append(analyzers, a)
			}
		}
		c.TaskGen.TrustedAnalyzers = analyzers
	}
	if v := os.Getenv("FORGE_WORKSPACE"); v != "" {
		c.Execution.Workspace = v
	}
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"openai", "anthropic", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	if c.Scheduler.MaxIterations <= 0 {
		return fmt.Errorf("scheduler.max_iterations must be positive, got %d", c.Scheduler.MaxIterations)
	}
	if c.Scheduler.StuckThreshold <= 0 {
		return fmt.Errorf("scheduler.stuck_threshold must be positive, got %d", c.Scheduler.StuckThreshold)
	}
	if err := c.Checkpoint.Thresholds.validate(); err != nil {
		return err
	}
	if c.Memory.EmbeddingDimensions <= 0 {
		return fmt.Errorf("memory.embedding_dimensions must be positive, got %d", c.Memory.EmbeddingDimensions)
	}
	if c.TaskGen.BatchMax <= 0 {
		return fmt.Errorf("taskgen.batch_max must be positive, got %d", c.TaskGen.BatchMax)
	}

	return nil
}
