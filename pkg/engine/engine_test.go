package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/graph"
)

// scriptedModel replies with the queued messages in order and records every prompt.
type scriptedModel struct {
	ai.MetricsRecorder

	mu      sync.Mutex
	replies []ai.ChatMessage
	prompts [][]ai.ChatMessage
	err     error
}

func (m *scriptedModel) GenerateMessage(_ context.Context, messages []ai.ChatMessage, _ []ai.Tool, _ ...ai.GenerateOption) (ai.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, messages)
	if m.err != nil {
		return ai.ChatMessage{}, m.err
	}
	if len(m.replies) == 0 {
		return ai.ChatMessage{Role: ai.RoleAssistant, Message: "done"}, nil
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func toolCall(name, args string) ai.ChatMessage {
	return ai.ChatMessage{Role: ai.RoleAssistant, ToolCalls: []ai.ToolCall{{ID: "call_" + name, Name: name, Arguments: args}}}
}

func stockTool(calls *int) ai.Tool {
	return ai.Tool{
		Name: "get_stock_info",
		Handler: func(_ context.Context, args string) (string, error) {
			*calls++
			return `{"price":190}`, nil
		},
	}
}

// enrichedScenario is agent a1 wired to a stock tool and back through the executor.
func enrichedScenario(condition string) common.GraphDefinition {
	return common.GraphDefinition{
		ID: "demo",
		Nodes: []common.Node{
			{ID: "a1", Type: common.NodeAgent, Data: map[string]any{"system_message_generated": "You are a stock bot."}},
			{ID: "t1", Type: common.NodeToolFunction, Data: map[string]any{"function_name": "get_stock_info"}},
			{ID: graph.ExecutorID, Type: common.NodeToolExecutor},
		},
		Edges: []common.Edge{
			{ID: "e1", Source: "a1", Target: graph.ExecutorID, Type: common.EdgeSimple},
			{ID: "edge-tools-to-a1", Source: graph.ExecutorID, Target: "a1", Type: common.EdgeSimple},
		},
		Metadata: common.Metadata{FunctionDefinitions: []common.FunctionDefinition{{
			Name:    "should_continue",
			Type:    "condition",
			Code:    condition,
			Anchors: []string{"a1"},
			Route:   &common.Route{When: common.RouteOnToolCalls, Then: graph.ExecutorID, Else: common.End},
		}}},
	}
}

func single(m ai.ChatModel) ModelFactory {
	return func(common.Node) (ai.ChatModel, error) { return m, nil }
}

func TestInvokeRoutesThroughExecutor(t *testing.T) {
	model := &scriptedModel{replies: []ai.ChatMessage{
		toolCall("get_stock_info", `{"ticker_symbol":"AAPL"}`),
		{Role: ai.RoleAssistant, Message: "AAPL trades at 190."},
	}}
	calls := 0
	wf, err := New(enrichedScenario("def should_continue(state): return 'tools'"), single(model), []ai.Tool{stockTool(&calls)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := Invoke(context.Background(), wf, "What is AAPL trading at?")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "AAPL trades at 190." {
		t.Fatalf("unexpected answer %q", out)
	}
	if calls != 1 {
		t.Fatalf("tool called %d times", calls)
	}
	if len(model.prompts) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(model.prompts))
	}
	second := model.prompts[1]
	if second[0].Role != ai.RoleSystem || second[0].Message != "You are a stock bot." {
		t.Fatalf("system message not prepended: %+v", second[0])
	}
	last := second[len(second)-1]
	if last.Role != ai.RoleTool || last.ToolCallID != "call_get_stock_info" || last.Message != `{"price":190}` {
		t.Fatalf("tool result not fed back: %+v", last)
	}
}

func TestRunStates(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		replies   []ai.ChatMessage
		tools     []ai.Tool
		maxSteps  int
		wantErr   error
		check     func(t *testing.T, state []ai.ChatMessage)
	}{
		{
			name:      "plain answer ends",
			condition: "return 'tools'",
			replies:   []ai.ChatMessage{{Role: ai.RoleAssistant, Message: "hi"}},
			check: func(t *testing.T, state []ai.ChatMessage) {
				if len(state) != 2 {
					t.Fatalf("expected user + assistant, got %d", len(state))
				}
			},
		},
		{
			name:      "unknown tool becomes error message",
			condition: "return 'tools'",
			replies:   []ai.ChatMessage{toolCall("nope", "{}"), {Role: ai.RoleAssistant, Message: "sorry"}},
			check: func(t *testing.T, state []ai.ChatMessage) {
				if !strings.HasPrefix(state[2].Message, "error: ") {
					t.Fatalf("expected error tool message, got %+v", state[2])
				}
			},
		},
		{
			name:      "failing tool becomes error message",
			condition: "return 'tools'",
			replies:   []ai.ChatMessage{toolCall("boom", "{}")},
			tools: []ai.Tool{{Name: "boom", Handler: func(context.Context, string) (string, error) {
				return "", errors.New("kaputt")
			}}},
			check: func(t *testing.T, state []ai.ChatMessage) {
				if state[2].Message != "error: kaputt" {
					t.Fatalf("unexpected tool message %+v", state[2])
				}
			},
		},
		{
			name:      "stub condition",
			condition: "# ERROR: Code for 'should_continue' not found.",
			replies:   []ai.ChatMessage{{Role: ai.RoleAssistant, Message: "hi"}},
			wantErr:   ErrConditionNotFound,
		},
		{
			name:      "step limit",
			condition: "return 'tools'",
			replies: []ai.ChatMessage{
				toolCall("nope", "{}"), toolCall("nope", "{}"), toolCall("nope", "{}"),
			},
			maxSteps: 3,
			wantErr:  ErrStepLimit,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{replies: tt.replies}
			wf, err := New(enrichedScenario(tt.condition), single(model), tt.tools, WithMaxSteps(tt.maxSteps))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			state, err := wf.Run(context.Background(), []ai.ChatMessage{{Role: ai.RoleUser, Message: "go"}})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			tt.check(t, state)
		})
	}
}

func TestEntryAndAgentChain(t *testing.T) {
	def := common.GraphDefinition{
		ID: "chain",
		Nodes: []common.Node{
			{ID: "writer", Type: common.NodeAgent},
			{ID: "planner", Type: common.NodeAgent},
		},
		Edges: []common.Edge{{ID: "e1", Source: "planner", Target: "writer", Type: common.EdgeSimple}},
	}
	models := map[string]*scriptedModel{
		"planner": {replies: []ai.ChatMessage{{Role: ai.RoleAssistant, Message: "plan"}}},
		"writer":  {replies: []ai.ChatMessage{{Role: ai.RoleAssistant, Message: "text"}}},
	}
	wf, err := New(def, func(n common.Node) (ai.ChatModel, error) { return models[n.ID], nil }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if wf.Entry() != "planner" {
		t.Fatalf("entry = %q", wf.Entry())
	}
	out, err := Invoke(context.Background(), wf, "write")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "text" {
		t.Fatalf("unexpected answer %q", out)
	}
	if models["writer"].prompts[0][0].Message != graph.DefaultSystemMessage {
		t.Fatalf("default system message not used: %+v", models["writer"].prompts[0][0])
	}
}

func TestNewErrors(t *testing.T) {
	if _, err := New(common.GraphDefinition{ID: "x"}, single(&scriptedModel{}), nil); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent, got %v", err)
	}

	broken := func(common.Node) (ai.ChatModel, error) { return nil, fmt.Errorf("no key") }
	if _, err := New(enrichedScenario(""), broken, nil); err == nil {
		t.Fatal("expected model build error")
	}
}

func TestInvokeWrapsErrors(t *testing.T) {
	model := &scriptedModel{err: errors.New("provider down")}
	wf, err := New(enrichedScenario("return 'tools'"), single(model), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = Invoke(context.Background(), wf, "hi")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.ID != "demo" {
		t.Fatalf("expected ExecutionError for demo, got %v", err)
	}
	if !errors.Is(err, ErrExecution) {
		t.Fatal("ExecutionError should match ErrExecution")
	}
}

func TestInvokeFallsBackToMessageText(t *testing.T) {
	// a tool call reply without an executor route ends the run
	def := common.GraphDefinition{ID: "bare", Nodes: []common.Node{{ID: "a1", Type: common.NodeAgent}}}
	model := &scriptedModel{replies: []ai.ChatMessage{toolCall("x", "{}")}}
	wf, err := New(def, single(model), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := Invoke(context.Background(), wf, "hi")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(out, `"tool_calls"`) {
		t.Fatalf("expected JSON rendering, got %q", out)
	}
}
