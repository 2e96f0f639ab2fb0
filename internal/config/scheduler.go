package config

import "time"

// SchedulerConfig configures the iteration loop.
type SchedulerConfig struct {
	// MaxIterations is the iteration ceiling per session.
	MaxIterations int `yaml:"max_iterations"`

	// StuckThreshold is the number of consecutive heartbeats without a
	// state change before the session counts as stuck.
	StuckThreshold int `yaml:"stuck_threshold"`

	// RecoveryConfidence is the minimum primary-strategy confidence for a
	// recovery plan to be scheduled as the next iteration.
	RecoveryConfidence float64 `yaml:"recovery_confidence"`

	// ReflectionTimeout bounds one LLM reflection request.
	ReflectionTimeout string `yaml:"reflection_timeout"`
}

// GetReflectionTimeout returns the reflection timeout as a duration.
func (c *Config) GetReflectionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.ReflectionTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
