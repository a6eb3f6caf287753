// Package model defines the boundary to the external streaming completion
// backend. The core only requires that a backend accept ordered messages plus
// tool definitions and produce an asynchronous sequence of content fragments,
// optionally interleaved with tool-invocation requests, terminated by
// completion or error.
package model

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hupe1980/agentpipe/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input for one streamed response.
//
// The system instruction may travel either as Instruction or as a RoleSystem
// entry in Messages; the orchestrator uses the latter, Instruction is for
// callers driving a Model directly. Backends honor both.
type Request struct {
	Instruction string           `json:"instruction,omitempty"`
	Messages    []core.Message   `json:"messages"` // Ordered transcript so far
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

// Response is one event of a streaming model response. Exactly one of
// Fragment and ToolCall is set, except for the terminal event which carries
// only FinishReason. The response channel is closed after the terminal event.
type Response struct {
	Fragment     *core.Fragment `json:"fragment,omitempty"`      // Content delta
	ToolCall     *core.ToolCall `json:"tool_call,omitempty"`     // Embedded tool-invocation request
	FinishReason string         `json:"finish_reason,omitempty"` // "stop", "tool_calls", "length", ...
}

// FinishStop and FinishToolCalls are the finish reasons the orchestrator
// branches on; backends map provider-specific values onto them.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Model is the minimal interface required to drive one streamed generation.
//
// Stream returns a response channel and an error channel. The response
// channel is closed when the generation completes or faults; the error
// channel carries at most one terminal error and is closed afterwards.
// Consumers may therefore read the response channel to closure and only then
// consult the error channel. Fragments are emitted with monotonically
// increasing sequence positions starting at 1.
type Model interface {
	Stream(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsTools bool   `json:"supports_tools"`
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Canned completions are streamed rune by rune as sequence-numbered
// fragments; scripted tool calls are emitted before the first text turn and
// replaced by the canned completion once a matching tool result appears in
// the request messages.
type MockModel struct {
	info      Info
	responses map[string]string
	toolCalls map[string]core.ToolCall
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock", SupportsTools: true},
		responses: make(map[string]string),
		toolCalls: make(map[string]core.ToolCall),
	}
}

// AddResponse registers a deterministic canned completion for a user prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// AddToolCall scripts a tool-invocation request for a user prompt. The first
// streamed response for that prompt finishes with the tool call; subsequent
// rounds (carrying the tool result) stream the canned completion.
func (m *MockModel) AddToolCall(prompt, toolName, arguments string) {
	m.toolCalls[prompt] = core.ToolCall{ID: uuid.NewString(), Name: toolName, Arguments: arguments}
}

// Stream implements Model.
func (m *MockModel) Stream(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		prompt := lastUserPrompt(req.Messages)
		if prompt == "" {
			errCh <- fmt.Errorf("mock: no user message in request")
			return
		}

		if call, ok := m.toolCalls[prompt]; ok && !hasToolResult(req.Messages, call.ID) {
			call := call
			select {
			case respCh <- Response{ToolCall: &call}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
			respCh <- Response{FinishReason: FinishToolCalls}
			return
		}

		full := m.responses[prompt]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", prompt)
		}
		seq := 0
		for _, r := range full {
			seq++
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- Response{Fragment: &core.Fragment{Seq: seq, Delta: string(r)}}:
			}
		}
		respCh <- Response{FinishReason: FinishStop}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }

func lastUserPrompt(messages []core.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func hasToolResult(messages []core.Message, callID string) bool {
	for _, msg := range messages {
		if msg.Role == core.RoleTool && msg.ToolCallID == callID {
			return true
		}
	}
	return false
}
