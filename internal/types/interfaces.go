package types

import (
	"context"
	"encoding/json"
)

// =============================================================================
// LLM CONTRACT
// =============================================================================

// ResponseFormat selects how the model must answer.
type ResponseFormat string

const (
	FormatText       ResponseFormat = "text"
	FormatJSON       ResponseFormat = "json"
	FormatJSONSchema ResponseFormat = "json_schema"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// ToolDefinition describes a tool the model may invoke via function calling.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatRequest is one request against the LLM contract.
type ChatRequest struct {
	Messages    []Message      `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Format      ResponseFormat `json:"format,omitempty"`
	// Schema constrains the response when Format is json_schema.
	Schema json.RawMessage  `json:"schema,omitempty"`
	Tools  []ToolDefinition `json:"tools,omitempty"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatResponse is the model's answer: final text, a JSON document, or a
// function call, depending on the requested format.
type ChatResponse struct {
	Text         string          `json:"text,omitempty"`
	JSON         json.RawMessage `json:"json,omitempty"`
	FunctionCall *FunctionCall   `json:"function_call,omitempty"`
}

// LLMClient is the contract every model provider implements. Complete and
// CompleteWithSystem are plain-text conveniences over Chat.
type LLMClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// =============================================================================
// TOOL EXECUTION CONTRACT
// =============================================================================

// ToolInvocation is one tool call: a registry name plus arguments.
type ToolInvocation struct {
	Tool string         `json:"tool_name"`
	Args map[string]any `json:"args,omitempty"`
}

// ArtifactKind tags what a produced artifact is.
type ArtifactKind string

const (
	ArtifactFile      ArtifactKind = "file"
	ArtifactDirectory ArtifactKind = "directory"
	ArtifactURL       ArtifactKind = "url"
)

// Artifact is one workspace object a tool produced or materially changed.
type Artifact struct {
	Path string       `json:"path"`
	Kind ArtifactKind `json:"kind"`
}

// ToolResult is a tool invocation's outcome. Exactly one of Output
// (with OK=true) or Err (with OK=false) carries the verdict.
type ToolResult struct {
	OK        bool       `json:"ok"`
	Output    string     `json:"output,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Err       *ToolError `json:"error,omitempty"`
}

// ToolInfo is the registry's description of one tool, listed into
// planning prompts.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ToolExecutor runs tool invocations against a sandboxed workspace. An
// invocation naming a tool outside the registry returns a tool_not_found
// error result; it never panics or returns an untyped error.
type ToolExecutor interface {
	Execute(ctx context.Context, inv ToolInvocation) ToolResult
	Tools() []ToolInfo
}
