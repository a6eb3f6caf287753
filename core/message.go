package core

import (
	"time"

	"github.com/google/uuid"
)

// Role tags a transcript message with its conversational origin.
type Role string

const (
	// RoleSystem marks the fixed instruction message that opens an exchange.
	RoleSystem Role = "system"
	// RoleUser marks caller-supplied prompt messages.
	RoleUser Role = "user"
	// RoleAssistant marks model-produced messages.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool-result messages produced by invoking a tool the
	// model requested. A failed invocation is still a tool-result message,
	// with Error populated.
	RoleTool Role = "tool"
)

// ToolCall describes a tool invocation the model requested during a response.
type ToolCall struct {
	ID        string `json:"id"`                  // Correlates the call with its result message
	Name      string `json:"name"`                // Registered tool name
	Arguments string `json:"arguments,omitempty"` // Serialized argument payload (JSON object)
}

// Message is one entry of a conversation transcript. After being appended it
// should be treated as immutable. It captures:
//   - Identity (ID, Timestamp)
//   - Conversational content (Role, Content)
//   - Tool correlation for assistant requests (ToolCalls) and for results
//     (ToolCallID, ToolName, Error)
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // Assistant messages only
	ToolCallID string     `json:"tool_call_id,omitempty"` // Tool-result messages only
	ToolName   string     `json:"tool_name,omitempty"`    // Tool-result messages only
	Error      string     `json:"error,omitempty"`        // Populated when a tool invocation failed
	Timestamp  time.Time  `json:"timestamp"`
}

// NewMessage creates a bare message with a fresh ID and UTC timestamp.
// Prefer the role-specific constructors for common cases.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewSystemMessage creates the instruction message that opens an exchange.
func NewSystemMessage(instruction string) Message { return NewMessage(RoleSystem, instruction) }

// NewUserMessage creates a user-authored prompt message.
func NewUserMessage(prompt string) Message { return NewMessage(RoleUser, prompt) }

// NewAssistantMessage creates an assistant message carrying the final text of
// one streamed response plus any tool calls the model requested during it.
func NewAssistantMessage(content string, calls []ToolCall) Message {
	m := NewMessage(RoleAssistant, content)
	m.ToolCalls = calls
	return m
}

// NewToolResultMessage captures the outcome of a previously requested tool
// call. If err is non-nil its message is copied into the Error field; the
// exchange continues either way.
func NewToolResultMessage(callID, toolName, result string, err error) Message {
	m := NewMessage(RoleTool, result)
	m.ToolCallID = callID
	m.ToolName = toolName
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

// IsToolFailure reports whether this is a tool-result message recording a
// failed invocation.
func (m Message) IsToolFailure() bool { return m.Role == RoleTool && m.Error != "" }
