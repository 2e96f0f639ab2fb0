// Package llm provides LLM provider clients behind the types.LLMClient
// interface. Three providers are supported: OpenAI-compatible APIs,
// Anthropic's native messages API, and Google Gemini via the genai SDK.
// All clients retry rate limits with exponential backoff and honor context
// cancellation.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"forgekeeper/internal/config"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

const defaultSystemPrompt = "You are Forgekeeper, an autonomous coding agent. Be concise. Ground answers only in provided context. When asked for JSON, respond with JSON only."

// NewClient creates an LLM client from configuration.
func NewClient(cfg config.LLMConfig) (types.LLMClient, error) {
	logging.LLM("Creating LLM client: provider=%s model=%s", cfg.Provider, cfg.Model)

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: provider %s requires an API key", cfg.Provider)
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg), nil
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	case "gemini":
		return NewGeminiClient(cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider: %s (valid: openai, anthropic, gemini)", cfg.Provider)
	}
}

// ExtractJSON extracts the first balanced JSON object or array from mixed
// text. Models frequently wrap JSON in markdown fences or prose; this scans
// for the first opening brace/bracket and returns the balanced span,
// respecting string literals and escapes. Returns "{}" when no JSON is found.
func ExtractJSON(text string) string {
	start := strings.Index(text, "{")
	if idx := strings.Index(text, "["); idx != -1 && (start == -1 || idx < start) {
		start = idx
	}
	if start == -1 {
		return "{}"
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		ch := text[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}

	// Unbalanced; return from start so the caller's unmarshal error carries
	// the offending text.
	return text[start:]
}

// DecodeJSON extracts JSON from a model response and unmarshals it into v.
func DecodeJSON(text string, v any) error {
	raw := ExtractJSON(text)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("llm: failed to decode JSON response: %w", err)
	}
	return nil
}
