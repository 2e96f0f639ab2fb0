// Package diagnosis turns raw tool failures into structured recovery
// material: a deterministic category, a layered why-chain, and an
// executable recovery plan ranked by historical success.
package diagnosis

import (
	"strings"

	"forgekeeper/internal/types"
)

// classifierRule matches one error category. A rule fires on an exact
// exit code, an exact error-name token, or a substring of the combined
// name+message text (all lowercased).
type classifierRule struct {
	category  types.ErrorCategory
	exitCodes []int
	names     []string
	needles   []string
}

// classifierRules is evaluated in declaration order; the first match wins.
// Specific signals (exit codes, executor tokens) sit above the loose
// message needles that could shadow them.
var classifierRules = []classifierRule{
	{
		category:  types.CategoryCommandNotFound,
		exitCodes: []int{127},
		needles:   []string{"command not found", "executable file not found", "not recognized as an internal or external command"},
	},
	{
		category:  types.CategoryPermissionDenied,
		exitCodes: []int{126},
		names:     []string{"permission_denied", "path_escapes_workspace", "eacces", "eperm"},
		needles:   []string{"permission denied", "operation not permitted", "access is denied", "read-only file system"},
	},
	{
		category: types.CategoryFileNotFound,
		names:    []string{"file_not_found", "enoent"},
		needles:  []string{"no such file or directory", "cannot find the file", "file does not exist"},
	},
	{
		category: types.CategoryTimeout,
		names:    []string{"timeout", "etimedout"},
		needles:  []string{"timed out", "deadline exceeded", "timeout exceeded"},
	},
	{
		category: types.CategoryToolNotFound,
		names:    []string{"tool_not_found"},
		needles:  []string{"tool not found", "unknown tool"},
	},
	{
		category: types.CategoryNetwork,
		names:    []string{"econnrefused", "econnreset", "ehostunreach", "enetunreach"},
		needles:  []string{"connection refused", "connection reset", "no such host", "network is unreachable", "dns lookup failed", "tls handshake"},
	},
	{
		category: types.CategoryAuth,
		names:    []string{"401", "403"},
		needles:  []string{"http 401", "http 403", "unauthorized", "forbidden", "authentication failed", "invalid api key", "invalid credentials"},
	},
	{
		category: types.CategoryResourceBusy,
		names:    []string{"ebusy", "eagain"},
		needles:  []string{"resource busy", "resource temporarily unavailable", "text file busy", "is locked", "lock held", "already in use"},
	},
	{
		category: types.CategoryOutOfMemory,
		names:    []string{"enomem"},
		needles:  []string{"out of memory", "cannot allocate memory", "oom-kill", "allocation failed"},
	},
	{
		category: types.CategoryRateLimit,
		names:    []string{"429"},
		needles:  []string{"http 429", "rate limit", "too many requests", "quota exceeded"},
	},
	{
		category: types.CategoryInvalidArgs,
		names:    []string{"invalid_arguments", "einval"},
		needles:  []string{"invalid argument", "missing required argument", "validation failed", "schema violation", "unknown flag", "usage:"},
	},
	{
		category: types.CategoryDependencyMissing,
		needles:  []string{"cannot find module", "no module named", "cannot find package", "module not found", "unresolved import", "package is not in", "missing go.sum entry", "could not resolve dependency"},
	},
	{
		category: types.CategorySyntax,
		needles:  []string{"syntax error", "parse error", "unexpected token", "unexpected eof", "unterminated string"},
	},
}

// Classify maps a tool error to its category. Pure and deterministic:
// the same error always lands in the same category, and unknown is
// returned only when no rule matched.
func Classify(toolErr *types.ToolError) types.ErrorCategory {
	if toolErr == nil {
		return types.CategoryUnknown
	}

	name := strings.ToLower(toolErr.Name)
	text := name + " " + strings.ToLower(toolErr.Message)

	for _, rule := range classifierRules {
		for _, code := range rule.exitCodes {
			if toolErr.ExitCode == code {
				return rule.category
			}
		}
		for _, n := range rule.names {
			if name == n {
				return rule.category
			}
		}
		for _, needle := range rule.needles {
			if strings.Contains(text, needle) {
				return rule.category
			}
		}
	}
	return types.CategoryUnknown
}
