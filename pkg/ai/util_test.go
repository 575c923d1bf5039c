package ai

import (
	"strings"
	"sync"
	"testing"
)

func TestUnmarshalFlexible_ToolArguments(t *testing.T) {
	type stockArgs struct {
		Ticker string `json:"ticker_symbol"`
		Days   int    `json:"days,omitempty"`
	}

	tests := []struct {
		name  string
		input string
		want  stockArgs
	}{
		{"valid json", `{"ticker_symbol":"AAPL"}`, stockArgs{Ticker: "AAPL"}},
		{"unquoted key and single quotes", `{ticker_symbol: 'AAPL', days: 3}`, stockArgs{Ticker: "AAPL", Days: 3}},
		{"trailing comma", `{"ticker_symbol":"MSFT",}`, stockArgs{Ticker: "MSFT"}},
		{"missing end bracket", `{"ticker_symbol":"NVDA"`, stockArgs{Ticker: "NVDA"}},
		{"double encoded", `"{\"ticker_symbol\": \"AAPL\"}"`, stockArgs{Ticker: "AAPL"}},
		{"duplicate leading brace", "{\n{\n  \"ticker_symbol\": \"AAPL\"\n}\n", stockArgs{Ticker: "AAPL"}},
		{"empty input", "  ", stockArgs{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got stockArgs
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("UnmarshalFlexible() got = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	var got struct {
		Name string `json:"name"`
	}
	if err := UnmarshalFlexible("hello", &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
}

func TestToolParameters(t *testing.T) {
	type args struct {
		Query      string `json:"query" jsonschema:"description=What to search for"`
		MaxResults int    `json:"max_results,omitempty"`
	}

	params, err := ToolParameters(args{})
	if err != nil {
		t.Fatalf("ToolParameters: %v", err)
	}
	if params["type"] != "object" {
		t.Fatalf("expected object schema, got %v", params["type"])
	}
	props, ok := params["properties"].(map[string]any)
	if !ok {
		t.Fatalf("missing properties: %v", params)
	}
	query, _ := props["query"].(map[string]any)
	if query["type"] != "string" || query["description"] != "What to search for" {
		t.Fatalf("unexpected query schema %v", query)
	}
	required, _ := params["required"].([]any)
	if len(required) != 1 || required[0] != "query" {
		t.Fatalf("expected only query to be required, got %v", params["required"])
	}
	if _, ok := params["$schema"]; ok {
		t.Fatal("$schema should be stripped")
	}
}

func TestFindTool(t *testing.T) {
	tools := []Tool{{Name: "a"}, {Name: "b", Description: "second"}}
	if got, ok := FindTool(tools, "b"); !ok || got.Description != "second" {
		t.Fatalf("FindTool(b) = %+v, %v", got, ok)
	}
	if _, ok := FindTool(tools, "c"); ok {
		t.Fatal("FindTool(c) should miss")
	}
}

func TestChatMessageText(t *testing.T) {
	if got := (ChatMessage{Role: RoleAssistant, Message: "AAPL is at 190"}).Text(); got != "AAPL is at 190" {
		t.Fatalf("Text() = %q", got)
	}
	bare := ChatMessage{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "get_stock_info"}}}
	if got := bare.Text(); !strings.Contains(got, "get_stock_info") {
		t.Fatalf("Text() fallback lost the tool call: %q", got)
	}
}

func TestMetricsRecorder(t *testing.T) {
	var r MetricsRecorder
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			r.Add(ModelMetrics{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, DurationMs: 100})
		})
	}
	wg.Wait()

	m := r.GetMetrics()
	if m.TotalTokens != 150 || m.DurationMs != 1000 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if m.TokenPerSecond != 150 {
		t.Fatalf("tokens per second = %v", m.TokenPerSecond)
	}

	r.ResetMetrics()
	if r.GetMetrics() != (ModelMetrics{}) {
		t.Fatal("ResetMetrics did not clear")
	}
}
