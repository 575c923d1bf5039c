package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

// GenerateMessage sends the conversation with the given tools advertised and
// returns the assistant's reply. Requested tool calls are returned, not run.
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

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(options.SystemPrompts)+len(messages))
	for _, sp := range options.SystemPrompts {
		msgs = append(msgs, openai.SystemMessage(sp))
	}
	for _, m := range messages {
		msgs = append(msgs, toParam(m))
	}

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(options.Model),
		Messages:    msgs,
		Temperature: openai.Float(options.Temperature),
	}
	if len(tools) > 0 {
		body.Tools = toolParams(tools)
	}

	if options.Thinking != "" {
		// reasoning models on api.openai.com only accept temperature 1.0
		if c.official {
			body.Temperature = openai.Float(1.0)
		}
		body.ReasoningEffort = shared.ReasoningEffort(options.Thinking)
	}

	start := time.Now()
	response, err := c.Client.Chat.Completions.New(ctx, body)
	if err != nil {
		return ai.ChatMessage{}, err
	}
	c.Add(ai.ModelMetrics{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: int(response.Usage.CompletionTokens),
		TotalTokens:  int(response.Usage.TotalTokens),
		DurationMs:   time.Since(start).Milliseconds(),
	})

	if len(response.Choices) == 0 {
		return ai.ChatMessage{}, fmt.Errorf("no choices in response from model")
	}

	msg := response.Choices[0].Message
	out := ai.ChatMessage{Role: ai.RoleAssistant, Message: msg.Content}
	for _, tc := range msg.ToolCalls {
		ftc := tc.AsFunction()
		out.ToolCalls = append(out.ToolCalls, ai.ToolCall{
			ID:        ftc.ID,
			Name:      ftc.Function.Name,
			Arguments: ftc.Function.Arguments,
		})
	}
	return out, nil
}

func toParam(m ai.ChatMessage) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case ai.RoleSystem:
		return openai.SystemMessage(m.Message)
	case ai.RoleTool:
		return openai.ToolMessage(m.Message, m.ToolCallID)
	case ai.RoleAssistant:
		if len(m.ToolCalls) == 0 {
			return openai.AssistantMessage(m.Message)
		}
		assistant := openai.ChatCompletionAssistantMessageParam{}
		if m.Message != "" {
			assistant.Content.OfString = openai.String(m.Message)
		}
		for _, tc := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				},
			})
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
	default:
		return openai.UserMessage(m.Message)
	}
}

func toolParams(tools []ai.Tool) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, tool := range tools {
		out[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  tool.Parameters,
		})
	}
	return out
}
