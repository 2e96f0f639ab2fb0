package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"forgekeeper/internal/config"
	"forgekeeper/internal/types"
)

func testLLMConfig(provider, baseURL string) config.LLMConfig {
	return config.LLMConfig{
		Provider: provider,
		APIKey:   "test-key",
		BaseURL:  baseURL,
		Timeout:  "5s",
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		provider string
		wantErr  bool
	}{
		{"openai", false},
		{"anthropic", false},
		{"gemini", false},
		{"ollama", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := NewClient(config.LLMConfig{Provider: tt.provider, APIKey: "k"})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewClient(%q) error = %v, wantErr %v", tt.provider, err, tt.wantErr)
		}
	}

	if _, err := NewClient(config.LLMConfig{Provider: "openai"}); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestOpenAIClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("Expected test-key authorization")
		}

		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		messages, _ := body["messages"].([]interface{})
		if len(messages) != 2 {
			t.Errorf("Expected 2 messages (system + user), got %d", len(messages))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"choices": [
				{
					"message": {
						"content": "Hello, world!"
					}
				}
			]
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(testLLMConfig("openai", server.URL))

	resp, err := client.Complete(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp != "Hello, world!" {
		t.Errorf("Expected 'Hello, world!', got %q", resp)
	}
}

func TestOpenAIClient_Chat_RetryOnRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\": true}"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(testLLMConfig("openai", server.URL))

	resp, err := client.Chat(context.Background(), types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "go"}},
		Format:   types.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attempts)
	}
	if string(resp.JSON) != `{"ok": true}` {
		t.Errorf("Unexpected JSON payload: %s", resp.JSON)
	}
}

func TestOpenAIClient_Chat_DropsRejectedResponseFormat(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if _, hasFormat := body["response_format"]; hasFormat {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"response_format is not supported"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"plain"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(testLLMConfig("openai", server.URL))

	resp, err := client.Chat(context.Background(), types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "go"}},
		Format:   types.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Text != "plain" {
		t.Errorf("Expected fallback response, got %q", resp.Text)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts (format dropped on retry), got %d", attempts)
	}
}

func TestOpenAIClient_Chat_SurfacesToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"choices": [
				{
					"message": {
						"content": "",
						"tool_calls": [
							{"function": {"name": "read_file", "arguments": "{\"path\":\"main.go\"}"}}
						]
					}
				}
			]
		}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(testLLMConfig("openai", server.URL))

	resp, err := client.Chat(context.Background(), types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "read main.go"}},
		Tools: []types.ToolDefinition{
			{Name: "read_file", Description: "read a file", InputSchema: map[string]any{"type": "object"}},
		},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.FunctionCall == nil {
		t.Fatal("expected a function call")
	}
	if resp.FunctionCall.Name != "read_file" {
		t.Errorf("FunctionCall.Name = %q, want read_file", resp.FunctionCall.Name)
	}

	var args map[string]string
	if err := json.Unmarshal(resp.FunctionCall.Arguments, &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["path"] != "main.go" {
		t.Errorf("arguments path = %q, want main.go", args["path"])
	}
}

func TestAnthropicClient_Chat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("Expected x-api-key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("Expected anthropic-version header")
		}

		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["system"] == nil || body["system"] == "" {
			t.Error("Expected system prompt in request body")
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "Answering:\n{\"assessment\": \"on_track\"}"}],
			"stop_reason": "end_turn"
		}`))
	}))
	defer server.Close()

	client := NewAnthropicClient(testLLMConfig("anthropic", server.URL))

	resp, err := client.Chat(context.Background(), types.ChatRequest{
		Messages: []types.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "how is it going"},
		},
		Format: types.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	var parsed map[string]string
	if err := json.Unmarshal(resp.JSON, &parsed); err != nil {
		t.Fatalf("JSON payload not parseable: %v", err)
	}
	if parsed["assessment"] != "on_track" {
		t.Errorf("assessment = %q, want on_track", parsed["assessment"])
	}
}

func TestGeminiClient_Chat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Error("Expected API key in query string")
		}

		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["systemInstruction"] == nil {
			t.Error("Expected systemInstruction in request body")
		}
		genCfg, _ := body["generationConfig"].(map[string]interface{})
		if genCfg["response_mime_type"] != "application/json" {
			t.Errorf("Expected JSON mime type, got %v", genCfg["response_mime_type"])
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{
			"candidates": [
				{"content": {"parts": [{"text": "{\"progress\": 40}"}], "role": "model"}}
			]
		}`))
	}))
	defer server.Close()

	client, err := NewGeminiClient(testLLMConfig("gemini", server.URL))
	if err != nil {
		t.Fatalf("NewGeminiClient failed: %v", err)
	}

	resp, err := client.Chat(context.Background(), types.ChatRequest{
		Messages: []types.Message{{Role: "user", Content: "report progress"}},
		Format:   types.FormatJSON,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if string(resp.JSON) != `{"progress": 40}` {
		t.Errorf("Unexpected JSON payload: %s", resp.JSON)
	}
}

func TestGeminiClient_Chat_ErrorStatusNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"forbidden","status":"PERMISSION_DENIED"}}`))
	}))
	defer server.Close()

	client, err := NewGeminiClient(testLLMConfig("gemini", server.URL))
	if err != nil {
		t.Fatalf("NewGeminiClient failed: %v", err)
	}

	if _, err := client.Complete(context.Background(), "hi"); err == nil {
		t.Fatal("expected error for 403 response")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry on 403), got %d", attempts)
	}
}
