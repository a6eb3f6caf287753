// Package anthropic provides a model wrapper for the Anthropic Messages
// streaming API. Text deltas are forwarded as sequence-numbered fragments;
// tool_use blocks become tool-invocation requests once their input JSON is
// fully accumulated.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/model"
)

// Options configures the Anthropic model adapter (temperature, model id, max
// tokens, API key). The key is explicit; no implicit environment lookup
// happens inside this module.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Stream implements model.Model by opening a streaming Messages request.
// Text deltas are emitted as they arrive; tool_use blocks are emitted after
// the stream ends, from the accumulated message, because their input JSON
// arrives in partial-json deltas.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req.Messages),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}
		if systemBlocks := buildSystemBlocks(req); len(systemBlocks) > 0 {
			params.System = systemBlocks
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		stream := m.client.Messages.NewStreaming(ctx, params)

		var message anthropic.Message
		seq := 0
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				errCh <- fmt.Errorf("anthropic: accumulate event: %w", err)
				return
			}
			if delta, ok := textDelta(event); ok && delta != "" {
				seq++
				out <- model.Response{Fragment: &core.Fragment{Seq: seq, Delta: delta}}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
			return
		}

		for _, block := range message.Content {
			if block.Type != "tool_use" {
				continue
			}
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if argsBytes, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(argsBytes)
				}
			}
			out <- model.Response{ToolCall: &core.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			}}
		}

		out <- model.Response{FinishReason: mapStopReason(message.StopReason)}
	}()

	return out, errCh
}

// textDelta extracts a text content delta from a stream event, if it is one.
func textDelta(event anthropic.MessageStreamEventUnion) (string, bool) {
	deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
	if !ok {
		return "", false
	}
	text, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta)
	if !ok {
		return "", false
	}
	return text.Text, true
}

// mapStopReason normalizes Anthropic stop reasons onto the values the
// orchestrator branches on.
func mapStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonToolUse:
		return model.FinishToolCalls
	case anthropic.StopReasonEndTurn, "":
		return model.FinishStop
	default:
		return string(reason)
	}
}

// buildMessages converts transcript messages to Anthropic message params.
// Tool results ride as tool_result blocks in user messages, attached right
// after the assistant message that requested them (API requirement).
func buildMessages(messages []core.Message) []anthropic.MessageParam {
	toolResults := collectToolResults(messages)

	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case core.RoleSystem, core.RoleTool:
			// System handled separately, tool results embedded below.
			continue
		case core.RoleAssistant:
			content := buildAssistantContent(msg)
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
			if blocks := takeToolResultBlocks(msg.ToolCalls, toolResults); len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		default: // user and unknown roles
			if msg.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}

	// Tool results without an assistant carrier (results folded in before the
	// assistant message was synthesized) are delivered in one trailing user
	// message, preserving first-seen order.
	var trailing []anthropic.ContentBlockParamUnion
	for _, msg := range messages {
		if msg.Role != core.RoleTool || msg.ToolCallID == "" {
			continue
		}
		if result, ok := toolResults[msg.ToolCallID]; ok {
			trailing = append(trailing, anthropic.NewToolResultBlock(msg.ToolCallID, result.text, result.isError))
			delete(toolResults, msg.ToolCallID)
		}
	}
	if len(trailing) > 0 {
		out = append(out, anthropic.NewUserMessage(trailing...))
	}
	return out
}

type toolResult struct {
	text    string
	isError bool
}

// collectToolResults indexes tool-result messages by originating call ID.
func collectToolResults(messages []core.Message) map[string]toolResult {
	results := map[string]toolResult{}
	for _, msg := range messages {
		if msg.Role != core.RoleTool || msg.ToolCallID == "" {
			continue
		}
		if _, exists := results[msg.ToolCallID]; exists {
			continue
		}
		res := toolResult{text: msg.Content}
		if msg.Error != "" {
			res = toolResult{text: msg.Error, isError: true}
		}
		results[msg.ToolCallID] = res
	}
	return results
}

// takeToolResultBlocks removes and returns the result blocks for the given
// calls, in call order.
func takeToolResultBlocks(
	calls []core.ToolCall,
	results map[string]toolResult,
) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	for _, call := range calls {
		if result, ok := results[call.ID]; ok {
			blocks = append(blocks, anthropic.NewToolResultBlock(call.ID, result.text, result.isError))
			delete(results, call.ID)
		}
	}
	return blocks
}

// buildAssistantContent renders an assistant message as text plus tool_use blocks.
func buildAssistantContent(msg core.Message) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion
	if msg.Content != "" {
		content = append(content, anthropic.NewTextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		var input any
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
				input = call.Arguments // fallback to string
			}
		}
		content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
	}
	return content
}

// buildSystemBlocks collects the instruction and any system messages.
func buildSystemBlocks(req model.Request) []anthropic.TextBlockParam {
	var systemBlocks []anthropic.TextBlockParam
	if req.Instruction != "" {
		systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: req.Instruction})
	}
	for _, msg := range req.Messages {
		if msg.Role == core.RoleSystem && msg.Content != "" {
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: msg.Content})
		}
	}
	return systemBlocks
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if t.Parameters != nil {
			if properties, exists := t.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			if required, exists := t.Parameters["required"]; exists {
				switch req := required.(type) {
				case []string:
					inputSchema.Required = req
				case []any:
					var reqStrings []string
					for _, r := range req {
						if s, ok := r.(string); ok {
							reqStrings = append(reqStrings, s)
						}
					}
					inputSchema.Required = reqStrings
				}
			}
		}
		anthropicTools[i] = anthropic.ToolUnionParamOfTool(inputSchema, t.Name)
	}
	return anthropicTools
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
