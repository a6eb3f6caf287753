// Package tool implements the tool-calling subsystem: named capabilities an
// agent exposes to the model backend, with schema-validated arguments,
// consistent error codes and a registry enforcing unique names.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentpipe/internal/schema"
)

// Tool defines a named capability the model backend may request during a
// response.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define a proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be safe for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should be descriptive and follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// It is provided to the model to help it decide when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected argument format.
	Parameters() map[string]any

	// Call executes the tool with a key/value argument mapping. A returned
	// error is captured by the caller as a failed tool result; it never
	// aborts the surrounding exchange.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError reports an argument that failed schema validation.
type ValidationError = schema.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
