package config

import "time"

// ExecutionConfig configures the sandboxed tool executor.
type ExecutionConfig struct {
	// Workspace is the sandbox root; empty means the current directory.
	Workspace string `yaml:"workspace"`

	// DefaultTimeout applies to steps that set none of their own.
	DefaultTimeout string `yaml:"default_timeout"`

	// MaxTimeout caps any per-step timeout.
	MaxTimeout string `yaml:"max_timeout"`

	// MaxOutputBytes truncates combined tool output past this size.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// AllowedEnvVars are passed through to command tools.
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}

// GetExecutionTimeout returns the default per-step timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetMaxExecutionTimeout returns the per-step timeout cap as a duration.
func (c *Config) GetMaxExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.MaxTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
