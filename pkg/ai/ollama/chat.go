package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

const defaultContext = 4096

// GenerateMessage sends the conversation with the given tools advertised and
// returns the assistant's reply. Ollama does not assign tool call ids, so
// every returned call gets a fresh one.
func (c *ChatModel) GenerateMessage(
	ctx context.Context,
	messages []ai.ChatMessage,
	tools []ai.Tool,
	opts ...ai.GenerateOption,
) (ai.ChatMessage, error) {
	options := ai.Options(ai.GenerateOptions{
		Model:       c.model,
		Temperature: c.temperature,
	}, opts...)

	msgs := make([]api.Message, 0, len(options.SystemPrompts)+len(messages))
	for _, sys := range options.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sys})
	}
	for _, m := range messages {
		msg, err := toMessage(m)
		if err != nil {
			return ai.ChatMessage{}, err
		}
		msgs = append(msgs, msg)
	}

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: msgs,
		Tools:    toolParams(tools),
		Stream:   &stream,
		Options:  map[string]any{"temperature": options.Temperature},
	}
	if options.Thinking != "" {
		req.Think = &api.ThinkValue{Value: options.Thinking}
	}

	tokens, err := c.promptTokens(messages)
	if err != nil {
		return ai.ChatMessage{}, err
	}
	if tokens > defaultContext {
		req.Options["num_ctx"] = tokens
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return ai.ChatMessage{}, err
	}
	defer c.reqLock.Release(1)

	var final api.ChatResponse
	if err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		final.Message.ToolCalls = append(final.Message.ToolCalls, cr.Message.ToolCalls...)
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		return ai.ChatMessage{}, err
	}

	c.Add(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})

	out := ai.ChatMessage{Role: ai.RoleAssistant, Message: final.Message.Content}
	for _, tc := range final.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return ai.ChatMessage{}, fmt.Errorf("failed to marshal tool arguments: %w", err)
		}
		id, err := gonanoid.New()
		if err != nil {
			return ai.ChatMessage{}, err
		}
		out.ToolCalls = append(out.ToolCalls, ai.ToolCall{
			ID:        "call_" + id,
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	return out, nil
}

// TokenCounter returns how many tokens text takes.
type TokenCounter func(text string) (int, error)

// TiktokenCounter loads the named encoding on first use.
func TiktokenCounter(encoding string) TokenCounter {
	var (
		once   sync.Once
		enc    *tiktoken.Tiktoken
		encErr error
	)
	return func(text string) (int, error) {
		once.Do(func() { enc, encErr = tiktoken.GetEncoding(encoding) })
		if encErr != nil {
			return 0, encErr
		}
		return len(enc.Encode(text, nil, nil)), nil
	}
}

// promptTokens estimates the prompt size with a fixed allowance for the reply.
func (c *ChatModel) promptTokens(messages []ai.ChatMessage) (int, error) {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Message)
		for _, tc := range m.ToolCalls {
			sb.WriteString(tc.Arguments)
		}
	}
	n, err := c.countTokens(sb.String())
	if err != nil {
		return 0, fmt.Errorf("ollama: count tokens: %w", err)
	}
	return 200 + n, nil
}

func toMessage(m ai.ChatMessage) (api.Message, error) {
	role := m.Role
	if role == "" {
		role = ai.RoleUser
	}
	msg := api.Message{Role: role, Content: m.Message}
	if role == ai.RoleTool {
		msg.ToolName = m.Name
	}
	for _, tc := range m.ToolCalls {
		var call api.ToolCall
		call.Function.Name = tc.Name
		if err := ai.UnmarshalFlexible(tc.Arguments, &call.Function.Arguments); err != nil {
			return api.Message{}, fmt.Errorf("tool call %s: %w", tc.Name, err)
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg, nil
}

func toolParams(tools []ai.Tool) api.Tools {
	if len(tools) == 0 {
		return nil
	}
	out := make(api.Tools, len(tools))
	for i, tool := range tools {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Required:   []string{},
			Properties: api.NewToolPropertiesMap(),
		}

		if props, ok := tool.Parameters["properties"].(map[string]any); ok {
			for name, prop := range props {
				propMap, ok := prop.(map[string]any)
				if !ok {
					continue
				}
				tp := api.ToolProperty{}
				if t, ok := propMap["type"].(string); ok {
					tp.Type = api.PropertyType([]string{t})
				}
				if desc, ok := propMap["description"].(string); ok {
					tp.Description = desc
				}
				if enum, ok := propMap["enum"].([]any); ok {
					tp.Enum = enum
				}
				params.Properties.Set(name, tp)
			}
		}
		switch req := tool.Parameters["required"].(type) {
		case []any:
			for _, v := range req {
				if s, ok := v.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		case []string:
			params.Required = req
		}

		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return out
}
