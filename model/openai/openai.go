// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions streaming API (including function/tool calling). It adapts
// agentpipe's transcript messages into the SDK's message format and the
// streamed chunks back into sequence-numbered fragments.
package openai

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete tool calls when a finish reason is
// emitted. Internal helper (unexported).
type aggCall struct{ id, name, args string }

// Options configure the OpenAI model adapter. Fields mirror a subset of Chat
// Completion parameters intentionally kept minimal; extend via functional
// options without breaking callers. APIKey is explicit so no implicit
// process-wide environment lookup happens inside this module.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Stream implements model.Model by opening a streaming chat completion and
// forwarding text deltas as fragments and completed tool calls as
// tool-invocation requests.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req, buildMessages(req))
		stream := m.client.Chat.Completions.NewStreaming(ctx, params)

		seq := 0
		toolAgg := map[int64]*aggCall{}
		var toolOrder []int64

		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					seq++
					out <- model.Response{Fragment: &core.Fragment{Seq: seq, Delta: ch.Delta.Content}}
				}
				for _, tc := range ch.Delta.ToolCalls {
					ac, ok := toolAgg[tc.Index]
					if !ok {
						ac = &aggCall{}
						toolAgg[tc.Index] = ac
						toolOrder = append(toolOrder, tc.Index)
					}
					if tc.ID != "" {
						ac.id = tc.ID
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					if tc.Function.Arguments != "" {
						ac.args += tc.Function.Arguments
					}
				}
				if ch.FinishReason != "" {
					for _, idx := range toolOrder {
						ac := toolAgg[idx]
						out <- model.Response{ToolCall: &core.ToolCall{
							ID:        ac.id,
							Name:      ac.name,
							Arguments: ac.args,
						}}
					}
					out <- model.Response{FinishReason: mapFinishReason(ch.FinishReason)}
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
		}
	}()

	return out, errCh
}

// mapFinishReason normalizes provider finish reasons onto the values the
// orchestrator branches on.
func mapFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return model.FinishToolCalls
	case "stop", "":
		return model.FinishStop
	default:
		return reason
	}
}

// buildMessages converts transcript messages into OpenAI chat messages while
// attaching matching tool results immediately after the assistant message
// that requested them.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	toolResults, order := collectToolResults(req.Messages)

	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instruction != "" {
		messages = append(messages, openai.SystemMessage(req.Instruction))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case core.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
			for _, tc := range msg.ToolCalls {
				if result, ok := toolResults[tc.ID]; ok {
					messages = append(messages, openai.ToolMessage(result, tc.ID))
					delete(toolResults, tc.ID)
				}
			}
		case core.RoleTool:
			// Attached next to their assistant message above.
			continue
		default:
			if msg.Content != "" {
				messages = append(messages, openai.UserMessage(msg.Content))
			}
		}
	}

	// Tool results whose assistant carrier never appeared (results folded in
	// before the assistant message was synthesized) go at the end in
	// first-seen order.
	for _, id := range order {
		if result, ok := toolResults[id]; ok {
			messages = append(messages, openai.ToolMessage(result, id))
		}
	}
	return messages
}

// collectToolResults indexes tool-result messages by call ID preserving
// first-seen order. A failed invocation is rendered as an error payload so
// the model sees the failure reason.
func collectToolResults(messages []core.Message) (map[string]string, []string) {
	results := map[string]string{}
	var order []string
	for _, msg := range messages {
		if msg.Role != core.RoleTool || msg.ToolCallID == "" {
			continue
		}
		if _, exists := results[msg.ToolCallID]; exists {
			continue
		}
		text := msg.Content
		if msg.Error != "" {
			text = fmt.Sprintf("error: %s", msg.Error)
		}
		results[msg.ToolCallID] = text
		order = append(order, msg.ToolCallID)
	}
	return results, order
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  tdef.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
