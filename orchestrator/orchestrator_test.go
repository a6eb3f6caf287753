package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/model"
	"github.com/hupe1980/agentpipe/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays canned response events, one script per stream round.
type scriptedModel struct {
	turns    [][]model.Response
	turnErrs []error
	turn     int
}

func (m *scriptedModel) Stream(_ context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	if m.turn >= len(m.turns) {
		errCh <- fmt.Errorf("scripted model: unexpected round %d", m.turn)
		close(respCh)
		close(errCh)
		return respCh, errCh
	}

	events := m.turns[m.turn]
	var terminal error
	if m.turn < len(m.turnErrs) {
		terminal = m.turnErrs[m.turn]
	}
	m.turn++

	for _, ev := range events {
		respCh <- ev
	}
	if terminal != nil {
		errCh <- terminal
	}
	close(respCh)
	close(errCh)
	return respCh, errCh
}

func (m *scriptedModel) Info() model.Info {
	return model.Info{Name: "scripted", Provider: "test", SupportsTools: true}
}

func frag(seq int, delta string) model.Response {
	return model.Response{Fragment: &core.Fragment{Seq: seq, Delta: delta}}
}

func toolCall(id, name, args string) model.Response {
	return model.Response{ToolCall: &core.ToolCall{ID: id, Name: name, Arguments: args}}
}

func finish(reason string) model.Response {
	return model.Response{FinishReason: reason}
}

func weatherRegistry(t *testing.T, result string, callErr error) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	wt := tool.NewFunctionTool("get_weather", "Get the weather", map[string]any{"type": "object"},
		func(context.Context, map[string]any) (any, error) {
			if callErr != nil {
				return nil, callErr
			}
			return result, nil
		})
	require.NoError(t, r.Register(wt))
	return r
}

func TestChat_ConcatenatesFragmentsInOrder(t *testing.T) {
	m := &scriptedModel{turns: [][]model.Response{
		{frag(1, "Hello"), frag(2, " world"), frag(3, "!"), finish(model.FinishStop)},
	}}
	o := New(m, nil)

	transcript, err := o.Chat(context.Background(), "greet me")
	require.NoError(t, err)
	assert.Equal(t, "Hello world!", transcript.FinalAssistantText())

	msgs := transcript.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, core.RoleSystem, msgs[0].Role)
	assert.Equal(t, core.RoleUser, msgs[1].Role)
	assert.Equal(t, "greet me", msgs[1].Content)
	assert.Equal(t, core.RoleAssistant, msgs[2].Role)
}

func TestChat_RejectsOutOfOrderFragments(t *testing.T) {
	m := &scriptedModel{turns: [][]model.Response{
		{frag(1, "Hello"), frag(3, " world")},
	}}
	o := New(m, nil)

	transcript, err := o.Chat(context.Background(), "greet me")
	require.Error(t, err)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorIs(t, err, ErrFragmentOutOfOrder)

	// Accumulated partial output stays accessible for diagnostics.
	assert.Equal(t, "Hello", transcript.FinalAssistantText())
}

func TestChat_StreamFaultRetainsPartialTranscript(t *testing.T) {
	boom := errors.New("connection reset")
	m := &scriptedModel{
		turns:    [][]model.Response{{frag(1, "partial answ")}},
		turnErrs: []error{boom},
	}
	o := New(m, nil)

	transcript, err := o.Chat(context.Background(), "question")
	require.Error(t, err)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial answ", transcript.FinalAssistantText())
}

func TestChat_BufferedTerminalErrorAlwaysSurfaced(t *testing.T) {
	// The scripted model buffers every event plus the terminal error and
	// closes both channels before Chat reads anything, so both channels are
	// ready simultaneously. The fault must be surfaced on every run, not
	// only when the error channel happens to win the select.
	boom := errors.New("connection reset")
	for i := 0; i < 200; i++ {
		m := &scriptedModel{
			turns:    [][]model.Response{{frag(1, "par")}},
			turnErrs: []error{boom},
		}
		o := New(m, nil)

		transcript, err := o.Chat(context.Background(), "q")
		require.Error(t, err, "run %d dropped the terminal stream error", i)
		var streamErr *StreamError
		require.ErrorAs(t, err, &streamErr)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "par", transcript.FinalAssistantText())
	}
}

func TestChat_ToolInvocationLoop(t *testing.T) {
	m := &scriptedModel{turns: [][]model.Response{
		{toolCall("call-1", "get_weather", `{"city":"Berlin"}`), finish(model.FinishToolCalls)},
		{frag(1, "Sunny today."), finish(model.FinishStop)},
	}}
	o := New(m, weatherRegistry(t, "sunny, 22C", nil))

	transcript, err := o.Chat(context.Background(), "weather in berlin?")
	require.NoError(t, err)

	msgs := transcript.Messages()
	// system, user, tool-result, assistant carrier, assistant text
	require.Len(t, msgs, 5)
	assert.Equal(t, core.RoleTool, msgs[2].Role)
	assert.Equal(t, "call-1", msgs[2].ToolCallID)
	assert.Equal(t, "sunny, 22C", msgs[2].Content)
	assert.Empty(t, msgs[2].Error)

	require.Len(t, msgs[3].ToolCalls, 1)
	assert.Equal(t, "get_weather", msgs[3].ToolCalls[0].Name)

	assert.Equal(t, "Sunny today.", transcript.FinalAssistantText())
}

func TestChat_ToolFailureDoesNotAbortExchange(t *testing.T) {
	m := &scriptedModel{turns: [][]model.Response{
		{
			frag(1, "Let me check. "),
			toolCall("call-1", "get_weather", `{}`),
			frag(2, "One moment."),
			finish(model.FinishToolCalls),
		},
		{frag(1, "Could not reach the weather service."), finish(model.FinishStop)},
	}}
	o := New(m, weatherRegistry(t, "", errors.New("upstream down")))

	transcript, err := o.Chat(context.Background(), "weather?")
	require.NoError(t, err, "a tool failure must not abort the exchange")

	var toolMsg *core.Message
	for _, msg := range transcript.Messages() {
		if msg.Role == core.RoleTool {
			m := msg
			toolMsg = &m
		}
	}
	require.NotNil(t, toolMsg)
	assert.True(t, toolMsg.IsToolFailure())
	assert.Contains(t, toolMsg.Error, "upstream down")

	// Fragment consumption continued after the failed call.
	assert.Equal(t, "Could not reach the weather service.", transcript.FinalAssistantText())
}

func TestChat_UnknownToolCaptured(t *testing.T) {
	m := &scriptedModel{turns: [][]model.Response{
		{toolCall("call-1", "no_such_tool", `{}`), finish(model.FinishToolCalls)},
		{frag(1, "Sorry."), finish(model.FinishStop)},
	}}
	o := New(m, tool.NewRegistry())

	transcript, err := o.Chat(context.Background(), "hi")
	require.NoError(t, err)

	msgs := transcript.Messages()
	assert.Equal(t, core.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Error, "not registered")
}

func TestChat_InvalidToolArgumentsCaptured(t *testing.T) {
	m := &scriptedModel{turns: [][]model.Response{
		{toolCall("call-1", "get_weather", `{not json`), finish(model.FinishToolCalls)},
		{frag(1, "Hmm."), finish(model.FinishStop)},
	}}
	o := New(m, weatherRegistry(t, "sunny", nil))

	transcript, err := o.Chat(context.Background(), "hi")
	require.NoError(t, err)

	msgs := transcript.Messages()
	assert.Equal(t, core.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Error, "invalid arguments")
}

func TestChat_MaxToolRoundsExceeded(t *testing.T) {
	turns := make([][]model.Response, 8)
	for i := range turns {
		turns[i] = []model.Response{
			toolCall(fmt.Sprintf("call-%d", i), "get_weather", `{}`),
			finish(model.FinishToolCalls),
		}
	}
	m := &scriptedModel{turns: turns}
	o := New(m, weatherRegistry(t, "sunny", nil), func(o *Options) { o.MaxToolRounds = 2 })

	transcript, err := o.Chat(context.Background(), "loop forever")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolRoundsExceeded)
	assert.NotNil(t, transcript)
}

// blockingModel never produces events; it exercises cancellation at the
// await-next-fragment suspension point.
type blockingModel struct{}

func (blockingModel) Stream(context.Context, model.Request) (<-chan model.Response, <-chan error) {
	return make(chan model.Response), make(chan error)
}

func (blockingModel) Info() model.Info { return model.Info{Name: "blocking", Provider: "test"} }

func TestChat_CancellationStopsAwaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	o := New(blockingModel{}, nil)
	transcript, err := o.Chat(ctx, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// The pre-stream transcript remains accessible.
	assert.Equal(t, 2, transcript.Len())
}

func TestChat_InstructionOverride(t *testing.T) {
	m := &scriptedModel{turns: [][]model.Response{
		{frag(1, "ok"), finish(model.FinishStop)},
	}}
	o := New(m, nil, func(o *Options) { o.Instruction = "default instruction" })

	transcript, err := o.Chat(context.Background(), "hi",
		func(c *ChatOptions) { c.Instruction = "answer in French" })
	require.NoError(t, err)
	assert.Equal(t, "answer in French", transcript.Messages()[0].Content)
}
