package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/common"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/logger"

	"github.com/google/uuid"
)

var log = logger.With("Engine")

// ErrExecution marks every failure of a run.
var ErrExecution = errors.New("workflow execution failed")

// ExecutionError is returned by Invoke.
type ExecutionError struct {
	ID  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("workflow %s: %v", e.ID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// Invoke runs one user message through the workflow and returns the content
// of the final message. Messages without content are rendered as JSON.
func Invoke(ctx context.Context, w *Workflow, message string) (string, error) {
	msgs, err := w.Run(ctx, []ai.ChatMessage{{Role: ai.RoleUser, Message: message}})
	if err != nil {
		return "", &ExecutionError{ID: w.ID, Err: err}
	}
	if len(msgs) == 0 {
		return "", &ExecutionError{ID: w.ID, Err: errors.New("run produced no messages")}
	}
	return msgs[len(msgs)-1].Text(), nil
}

// Run walks the graph from the entry agent and returns the full message state.
func (w *Workflow) Run(ctx context.Context, messages []ai.ChatMessage) ([]ai.ChatMessage, error) {
	runID := uuid.NewString()
	state := append([]ai.ChatMessage(nil), messages...)
	executor := w.executorID()

	current, lastAgent := w.entry, w.entry
	for step := 0; current != common.End; step++ {
		if step >= w.MaxSteps {
			return state, fmt.Errorf("%w: %d steps", ErrStepLimit, w.MaxSteps)
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		if current == executor {
			state = w.executeTools(ctx, runID, state)
			current = w.afterExecutor(lastAgent)
			continue
		}

		a, ok := w.agents[current]
		if !ok {
			return state, fmt.Errorf("route to unknown node %q", current)
		}
		log.Debug("Agent step", "run", runID, "workflow", w.ID, "agent", a.id, "step", step)

		prompt := make([]ai.ChatMessage, 0, len(state)+1)
		prompt = append(prompt, ai.ChatMessage{Role: ai.RoleSystem, Message: a.systemMessage})
		prompt = append(prompt, state...)
		reply, err := a.model.GenerateMessage(ctx, prompt, w.Tools)
		if err != nil {
			return state, fmt.Errorf("agent %q: %w", a.id, err)
		}
		if reply.Role == "" {
			reply.Role = ai.RoleAssistant
		}
		state = append(state, reply)
		lastAgent = a.id

		current, err = w.afterAgent(a.id, reply)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

func (w *Workflow) afterAgent(id string, reply ai.ChatMessage) (string, error) {
	wantsTools := len(reply.ToolCalls) > 0

	if r, ok := w.routes[id]; ok {
		if r.missing {
			return "", fmt.Errorf("%w: %s", ErrConditionNotFound, r.condition)
		}
		if r.When != common.RouteOnToolCalls {
			return "", fmt.Errorf("%w: %q in condition %s", ErrUnsupportedRoute, r.When, r.condition)
		}
		if wantsTools {
			return r.Then, nil
		}
	} else if wantsTools && w.toExecutor[id] {
		return w.executorID(), nil
	}

	if next := w.next[id]; len(next) > 0 {
		return next[0], nil
	}
	return common.End, nil
}

func (w *Workflow) afterExecutor(requester string) string {
	for _, target := range w.returns {
		if target == requester {
			return target
		}
	}
	if len(w.returns) > 0 {
		return w.returns[0]
	}
	return common.End
}

// executeTools answers every tool call of the last message in order. Failures
// become tool messages so the model can react to them.
func (w *Workflow) executeTools(ctx context.Context, runID string, state []ai.ChatMessage) []ai.ChatMessage {
	if len(state) == 0 {
		return state
	}
	for _, call := range state[len(state)-1].ToolCalls {
		content := w.callTool(ctx, runID, call)
		state = append(state, ai.ChatMessage{
			Role:       ai.RoleTool,
			Message:    content,
			ToolCallID: call.ID,
			Name:       call.Name,
		})
	}
	return state
}

func (w *Workflow) callTool(ctx context.Context, runID string, call ai.ToolCall) string {
	tool, ok := ai.FindTool(w.Tools, call.Name)
	if !ok || tool.Handler == nil {
		log.Warn("Model requested an unknown tool", "run", runID, "workflow", w.ID, "tool", call.Name)
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	out, err := tool.Handler(ctx, call.Arguments)
	if err != nil {
		log.Warn("Tool call failed", "run", runID, "workflow", w.ID, "tool", call.Name, "err", err)
		return fmt.Sprintf("error: %v", err)
	}
	return out
}
