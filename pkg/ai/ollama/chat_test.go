package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
)

func wordCount(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func TestGenerateMessageToolCalls(t *testing.T) {
	var req struct {
		Model    string           `json:"model"`
		Messages []map[string]any `json:"messages"`
		Tools    []map[string]any `json:"tools"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama3.1","created_at":"2024-01-01T00:00:00Z",`+
			`"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_stock_info","arguments":{"ticker_symbol":"AAPL"}}}]},`+
			`"done":true,"prompt_eval_count":10,"eval_count":4}`+"\n")
	}))
	defer srv.Close()

	m, err := NewChatModel(NewChatModelParams{Model: "llama3.1", BaseURL: srv.URL, CountTokens: wordCount})
	if err != nil {
		t.Fatalf("NewChatModel: %v", err)
	}

	tools := []ai.Tool{{
		Name:        "get_stock_info",
		Description: "quote",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"ticker_symbol": map[string]any{"type": "string"}},
			"required":   []any{"ticker_symbol"},
		},
	}}
	msg, err := m.GenerateMessage(context.Background(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "AAPL?"}}, tools)
	if err != nil {
		t.Fatalf("GenerateMessage: %v", err)
	}

	if req.Model != "llama3.1" || len(req.Tools) != 1 || len(req.Messages) != 1 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", msg)
	}
	tc := msg.ToolCalls[0]
	if tc.Name != "get_stock_info" || !strings.HasPrefix(tc.ID, "call_") {
		t.Fatalf("unexpected tool call %+v", tc)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil || args["ticker_symbol"] != "AAPL" {
		t.Fatalf("unexpected arguments %q", tc.Arguments)
	}
	if got := m.GetMetrics().TotalTokens; got != 14 {
		t.Fatalf("total tokens = %d", got)
	}
}

func TestToMessageRebuildsToolCalls(t *testing.T) {
	msg, err := toMessage(ai.ChatMessage{
		Role:      ai.RoleAssistant,
		ToolCalls: []ai.ToolCall{{ID: "call_1", Name: "search", Arguments: `{"query":"go"}`}},
	})
	if err != nil {
		t.Fatalf("toMessage: %v", err)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "search" {
		t.Fatalf("unexpected message %+v", msg)
	}
	raw, _ := json.Marshal(msg.ToolCalls[0].Function.Arguments)
	if string(raw) != `{"query":"go"}` {
		t.Fatalf("arguments = %s", raw)
	}

	tool, err := toMessage(ai.ChatMessage{Role: ai.RoleTool, Message: "ok", Name: "search"})
	if err != nil {
		t.Fatalf("toMessage: %v", err)
	}
	if tool.Role != "tool" || tool.ToolName != "search" {
		t.Fatalf("unexpected tool message %+v", tool)
	}
}

func TestNewChatModelDefaults(t *testing.T) {
	if _, err := NewChatModel(NewChatModelParams{}); err == nil {
		t.Fatal("expected error without model")
	}
	m, err := NewChatModel(NewChatModelParams{Model: "llama3.1"})
	if err != nil {
		t.Fatalf("NewChatModel: %v", err)
	}
	if m.Client == nil || m.reqLock == nil || m.countTokens == nil {
		t.Fatal("client not initialised")
	}
}

func TestGenerateMessageSizesContext(t *testing.T) {
	var req struct {
		Options map[string]any `json:"options"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req.Options = nil
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama3.1","message":{"role":"assistant","content":"ok"},"done":true}`+"\n")
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		tokens  int
		wantCtx any
	}{
		{"small prompt keeps default", 100, nil},
		{"large prompt grows num_ctx", 5000, float64(5200)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewChatModel(NewChatModelParams{
				Model:       "llama3.1",
				BaseURL:     srv.URL,
				CountTokens: func(string) (int, error) { return tt.tokens, nil },
			})
			if err != nil {
				t.Fatalf("NewChatModel: %v", err)
			}
			if _, err := m.GenerateMessage(context.Background(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "hi"}}, nil); err != nil {
				t.Fatalf("GenerateMessage: %v", err)
			}
			if got := req.Options["num_ctx"]; got != tt.wantCtx {
				t.Fatalf("num_ctx = %v, want %v", got, tt.wantCtx)
			}
		})
	}
}

func TestGenerateMessageCounterError(t *testing.T) {
	m, err := NewChatModel(NewChatModelParams{
		Model:       "llama3.1",
		BaseURL:     "http://127.0.0.1:1",
		CountTokens: func(string) (int, error) { return 0, errors.New("no encoding") },
	})
	if err != nil {
		t.Fatalf("NewChatModel: %v", err)
	}
	if _, err := m.GenerateMessage(context.Background(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "hi"}}, nil); err == nil {
		t.Fatal("expected the counter error")
	}
}
