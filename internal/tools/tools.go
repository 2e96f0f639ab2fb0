// Package tools provides the tool registry, the workspace sandbox, and the
// built-in tools the agent executes plan steps with.
//
// Architecture:
//
//	Plan step → Executor.Execute() → Registry.Get() → Tool.Execute()
//
// The Executor is the only entry point the scheduler uses; it enforces
// timeouts, truncates output, and converts failures into structured tool
// errors the diagnostic pipeline can classify.
package tools

import (
	"context"

	"forgekeeper/internal/types"
)

// Category classifies tools for grouping in planning prompts.
type Category string

const (
	// CategoryFiles covers workspace file operations.
	CategoryFiles Category = "files"

	// CategoryShell covers command execution.
	CategoryShell Category = "shell"

	// CategoryNetwork covers outbound HTTP.
	CategoryNetwork Category = "network"

	// CategoryGeneral is for tools usable in any plan.
	CategoryGeneral Category = "general"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Schema defines the expected arguments for a tool.
type Schema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc is the signature for tool execution. It returns the textual
// output, any artifacts the tool produced, and an error on failure.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, []types.Artifact, error)

// Tool defines an executable tool.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does. Shown to the LLM when
	// generating plans and alternatives.
	Description string

	// Category classifies the tool for prompt grouping.
	Category Category

	// Execute runs the tool with the given arguments.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema Schema
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Info returns the tool's wire-level description.
func (t *Tool) Info() types.ToolInfo {
	return types.ToolInfo{Name: t.Name, Description: t.Description}
}

// Argument extraction helpers. Invocation args arrive both from internal
// callers (typed) and from LLM plans decoded with encoding/json (where every
// number is a float64), so both shapes are accepted.

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}
