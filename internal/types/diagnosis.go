package types

import "fmt"

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorCategory is the closed failure taxonomy. Every failure crossing a
// component boundary maps to exactly one category; unknown is valid only
// when no other rule matched.
type ErrorCategory string

const (
	CategoryCommandNotFound   ErrorCategory = "command_not_found"
	CategoryPermissionDenied  ErrorCategory = "permission_denied"
	CategoryFileNotFound      ErrorCategory = "file_not_found"
	CategoryTimeout           ErrorCategory = "timeout"
	CategoryToolNotFound      ErrorCategory = "tool_not_found"
	CategoryNetwork           ErrorCategory = "network"
	CategoryAuth              ErrorCategory = "auth"
	CategoryResourceBusy      ErrorCategory = "resource_busy"
	CategoryOutOfMemory       ErrorCategory = "out_of_memory"
	CategoryRateLimit         ErrorCategory = "rate_limit"
	CategoryInvalidArgs       ErrorCategory = "invalid_args"
	CategoryDependencyMissing ErrorCategory = "dependency_missing"
	CategorySyntax            ErrorCategory = "syntax"
	CategoryUnknown           ErrorCategory = "unknown"
)

// AllErrorCategories lists the taxonomy in classifier rule order.
var AllErrorCategories = []ErrorCategory{
	CategoryCommandNotFound,
	CategoryPermissionDenied,
	CategoryFileNotFound,
	CategoryTimeout,
	CategoryToolNotFound,
	CategoryNetwork,
	CategoryAuth,
	CategoryResourceBusy,
	CategoryOutOfMemory,
	CategoryRateLimit,
	CategoryInvalidArgs,
	CategoryDependencyMissing,
	CategorySyntax,
	CategoryUnknown,
}

// ValidErrorCategory reports whether c belongs to the closed taxonomy.
func ValidErrorCategory(c ErrorCategory) bool {
	for _, known := range AllErrorCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ToolError is the typed failure a tool invocation produces. Tool errors
// are classified at the boundary and never travel as untyped strings.
type ToolError struct {
	// Tool is the registry name of the tool that failed.
	Tool string `json:"tool,omitempty"`
	// Name is the error's short identifier (errno name, HTTP status, or
	// an implementation-defined token such as "path_escapes_workspace").
	Name    string `json:"name"`
	Message string `json:"message"`
	// ExitCode is the process exit status for command tools; zero when
	// not applicable.
	ExitCode int `json:"exit_code,omitempty"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Tool != "" {
		return fmt.Sprintf("%s: %s: %s", e.Tool, e.Name, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// =============================================================================
// DIAGNOSIS
// =============================================================================

// RootCause is the machine-friendly summary extracted from a why-chain.
type RootCause struct {
	Category    ErrorCategory `json:"category"`
	Description string        `json:"description"`
}

// Diagnosis is the output of the diagnostic reflector: a layered why-chain
// from proximate cause (first entry) to root cause (last entry, at most
// five), plus the extracted summary and a suggested direction.
type Diagnosis struct {
	Category           ErrorCategory `json:"category"`
	WhyChain           []string      `json:"why_chain"`
	RootCause          RootCause     `json:"root_cause"`
	SuggestedDirection string        `json:"suggested_direction"`
	// Method is "llm" or "rules"; both produce the same shape.
	Method string `json:"method"`
}

// =============================================================================
// RECOVERY
// =============================================================================

// PatternBoost records how historical outcomes adjusted a strategy's
// confidence. Present only when the pattern learner applied a boost.
type PatternBoost struct {
	Factor        float64 `json:"factor"`
	Occurrences   int     `json:"occurrences"`
	AvgIterations float64 `json:"avg_iterations"`
}

// RecoveryStrategy is one executable path out of a failure. Steps run
// through the same tool executor as plan steps.
type RecoveryStrategy struct {
	Name       string        `json:"name"`
	Steps      []PlanStep    `json:"steps"`
	Confidence float64       `json:"confidence"`
	Boost      *PatternBoost `json:"boost,omitempty"`
}

// RecoveryPlan is the recovery planner's output: one primary strategy and
// one or two fallbacks ranked by confidence.
type RecoveryPlan struct {
	Category              ErrorCategory      `json:"category"`
	Primary               RecoveryStrategy   `json:"primary"`
	Fallbacks             []RecoveryStrategy `json:"fallbacks,omitempty"`
	HistoricalSuccessRate float64            `json:"historical_success_rate"`
}
