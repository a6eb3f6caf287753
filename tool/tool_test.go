package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumTool() *FunctionTool {
	return NewFunctionTool(
		"calculate_sum",
		"Calculate the sum of two numbers",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []string{"a", "b"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	)
}

func TestFunctionTool_Call(t *testing.T) {
	result, err := sumTool().Call(context.Background(), map[string]any{"a": 2.0, "b": 3.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestFunctionTool_ValidationError(t *testing.T) {
	_, err := sumTool().Call(context.Background(), map[string]any{"a": 2.0})
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
	assert.Equal(t, "calculate_sum", toolErr.Tool)
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	failing := NewFunctionTool("boom", "Always fails", map[string]any{"type": "object"},
		func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("kaput")
		})

	_, err := failing.Call(context.Background(), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
	assert.Equal(t, "kaput", toolErr.Message)
}

func TestFunctionTool_CustomToolErrorForwarded(t *testing.T) {
	custom := NewFunctionTool("quota", "Reports quota", map[string]any{"type": "object"},
		func(context.Context, map[string]any) (any, error) {
			return nil, NewToolError("quota", "limit reached", "QUOTA_EXCEEDED")
		})

	_, err := custom.Call(context.Background(), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "QUOTA_EXCEEDED", toolErr.Code)
}

func TestNewFunctionToolFromStruct(t *testing.T) {
	type args struct {
		City string `json:"city" description:"City name"`
	}
	ft := NewFunctionToolFromStruct("weather", "Get weather", args{},
		func(context.Context, map[string]any) (any, error) { return "sunny", nil })

	props := ft.Parameters()["properties"].(map[string]any)
	assert.Contains(t, props, "city")

	_, err := ft.Call(context.Background(), map[string]any{})
	assert.Error(t, err) // city is required
}

func TestRegistry_UniqueNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(sumTool()))

	err := r.Register(sumTool())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTool)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LookupAndOrder(t *testing.T) {
	r := NewRegistry()
	a := NewFunctionTool("a_tool", "first", map[string]any{"type": "object"}, nil)
	b := NewFunctionTool("b_tool", "second", map[string]any{"type": "object"}, nil)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	got, ok := r.Lookup("b_tool")
	assert.True(t, ok)
	assert.Equal(t, "b_tool", got.Name())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	tools := r.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "a_tool", tools[0].Name())
	assert.Equal(t, "b_tool", tools[1].Name())
}

func TestRegistry_EmptyNameRejected(t *testing.T) {
	r := NewRegistry()
	err := r.Register(NewFunctionTool("", "anonymous", map[string]any{"type": "object"}, nil))
	assert.Error(t, err)
}
