package config

// TaskGenConfig configures the task card lifecycle.
type TaskGenConfig struct {
	AutoApproveEnabled       bool     `yaml:"auto_approve_enabled"`
	AutoApproveMinConfidence float64  `yaml:"auto_approve_min_confidence"`
	TrustedAnalyzers         []string `yaml:"trusted_analyzers"`
	BatchMax                 int      `yaml:"batch_max"`
}

// IsTrustedAnalyzer reports whether the analyzer is in the allowlist.
func (t TaskGenConfig) IsTrustedAnalyzer(analyzer string) bool {
	for _, a := range t.TrustedAnalyzers {
		if a == analyzer {
			return true
		}
	}
	return false
}
