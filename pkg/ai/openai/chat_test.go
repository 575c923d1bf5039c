package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
)

const toolCallResponse = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": null,
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "get_stock_info", "arguments": "{\"ticker_symbol\":\"AAPL\"}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

func TestGenerateMessageReturnsToolCalls(t *testing.T) {
	var body map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, toolCallResponse)
	}))
	defer srv.Close()

	m, err := NewChatModel(NewChatModelParams{Model: "gpt-4o-mini", BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewChatModel: %v", err)
	}

	tools := []ai.Tool{{Name: "get_stock_info", Description: "quote", Parameters: map[string]any{"type": "object"}}}
	history := []ai.ChatMessage{
		{Role: ai.RoleSystem, Message: "be brief"},
		{Role: ai.RoleUser, Message: "What is AAPL trading at?"},
	}
	msg, err := m.GenerateMessage(context.Background(), history, tools)
	if err != nil {
		t.Fatalf("GenerateMessage: %v", err)
	}

	if !strings.HasSuffix(path, "/chat/completions") {
		t.Fatalf("unexpected path %q", path)
	}
	if msg.Role != ai.RoleAssistant || len(msg.ToolCalls) != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "get_stock_info" || tc.Arguments != `{"ticker_symbol":"AAPL"}` {
		t.Fatalf("unexpected tool call %+v", tc)
	}
	if sent, _ := body["tools"].([]any); len(sent) != 1 {
		t.Fatalf("tools not advertised: %v", body["tools"])
	}
	if sent, _ := body["messages"].([]any); len(sent) != 2 {
		t.Fatalf("expected 2 messages, got %v", body["messages"])
	}
	if got := m.GetMetrics().TotalTokens; got != 15 {
		t.Fatalf("metrics not recorded, total tokens = %d", got)
	}
}

func TestGenerateMessageReplaysToolHistory(t *testing.T) {
	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"190 USD"}}]}`)
	}))
	defer srv.Close()

	m, err := NewChatModel(NewChatModelParams{Model: "m", BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewChatModel: %v", err)
	}
	history := []ai.ChatMessage{
		{Role: ai.RoleUser, Message: "AAPL?"},
		{Role: ai.RoleAssistant, ToolCalls: []ai.ToolCall{{ID: "call_1", Name: "get_stock_info", Arguments: "{}"}}},
		{Role: ai.RoleTool, Message: `{"price":190}`, ToolCallID: "call_1", Name: "get_stock_info"},
	}
	msg, err := m.GenerateMessage(context.Background(), history, nil)
	if err != nil {
		t.Fatalf("GenerateMessage: %v", err)
	}
	if msg.Message != "190 USD" || len(msg.ToolCalls) != 0 {
		t.Fatalf("unexpected reply %+v", msg)
	}

	if len(body.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(body.Messages))
	}
	if calls, _ := body.Messages[1]["tool_calls"].([]any); len(calls) != 1 {
		t.Fatalf("assistant tool calls not replayed: %v", body.Messages[1])
	}
	if body.Messages[2]["role"] != "tool" || body.Messages[2]["tool_call_id"] != "call_1" {
		t.Fatalf("tool result not replayed: %v", body.Messages[2])
	}
}

func TestAzureRequestShape(t *testing.T) {
	var gotPath, gotVersion, gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.URL.Query().Get("api-version")
		gotKey = r.Header.Get("api-key")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer srv.Close()

	m, err := NewChatModel(NewChatModelParams{
		Model:  "gpt4o-deploy",
		APIKey: "azure-key",
		Azure:  &AzureParams{Endpoint: srv.URL, APIVersion: "2024-06-01"},
	})
	if err != nil {
		t.Fatalf("NewChatModel: %v", err)
	}
	if _, err := m.GenerateMessage(context.Background(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "hi"}}, nil); err != nil {
		t.Fatalf("GenerateMessage: %v", err)
	}

	if gotPath != "/openai/deployments/gpt4o-deploy/chat/completions" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotVersion != "2024-06-01" || gotKey != "azure-key" || gotAuth != "" {
		t.Fatalf("unexpected azure auth: version=%q key=%q auth=%q", gotVersion, gotKey, gotAuth)
	}
}

func TestNewChatModelValidation(t *testing.T) {
	tests := []struct {
		name   string
		params NewChatModelParams
	}{
		{"no model", NewChatModelParams{APIKey: "k"}},
		{"no key", NewChatModelParams{Model: "m"}},
		{"azure without version", NewChatModelParams{Model: "m", APIKey: "k", Azure: &AzureParams{Endpoint: "https://x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewChatModel(tt.params); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
