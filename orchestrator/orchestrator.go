// Package orchestrator drives one conversational exchange: it opens a
// streaming response from the model backend, appends fragments to a
// transcript in strict arrival order and folds tool-call results in as they
// are produced. One Chat call owns its transcript for the whole exchange;
// Chat is not reentrant on shared state.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/model"
	"github.com/hupe1980/agentpipe/tool"
)

// ErrFragmentOutOfOrder reports a fragment whose sequence position is not
// exactly one past the previous fragment. Out-of-order delivery is a
// protocol violation and is rejected, not reordered: silent buffering would
// hide producer bugs behind plausible-looking output.
var ErrFragmentOutOfOrder = errors.New("orchestrator: fragment out of sequence order")

// ErrToolRoundsExceeded reports that the model kept requesting tools past
// the configured bound.
var ErrToolRoundsExceeded = errors.New("orchestrator: max tool rounds exceeded")

// StreamError reports that the model backend stream faulted mid-response.
// The partial transcript accumulated so far is returned alongside it, never
// discarded.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return fmt.Sprintf("orchestrator: stream error: %v", e.Err) }

func (e *StreamError) Unwrap() error { return e.Err }

// Options configures an Orchestrator.
type Options struct {
	// Instruction is the fixed system message opening every exchange.
	Instruction string

	// MaxToolRounds bounds how many times one Chat call will reopen the
	// stream after tool invocations.
	MaxToolRounds int

	// Logger receives tool execution and stream diagnostics. Defaults to
	// NoOpLogger.
	Logger logging.Logger
}

// ChatOptions overrides per-exchange settings.
type ChatOptions struct {
	// Instruction replaces the orchestrator-level instruction when non-empty.
	Instruction string

	// MaxToolRounds replaces the orchestrator-level bound when positive.
	MaxToolRounds int
}

// Orchestrator drives exchanges against one model backend and one tool
// registry. It is stateless between Chat calls and safe for concurrent use;
// each call builds its own transcript.
type Orchestrator struct {
	model    model.Model
	registry *tool.Registry
	opts     Options
}

// New creates an orchestrator. A nil registry means no tools are offered.
func New(m model.Model, registry *tool.Registry, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		Instruction:   "You are a helpful assistant.",
		MaxToolRounds: 8,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if registry == nil {
		registry = tool.NewRegistry()
	}
	return &Orchestrator{model: m, registry: registry, opts: opts}
}

// Chat runs one conversational exchange for prompt and returns the ordered
// transcript. The transcript opens with the system instruction and the user
// prompt; each streamed response contributes tool-result messages in arrival
// order followed by one assistant message concatenating its fragments. On a
// stream fault the partial transcript is returned together with a
// *StreamError.
func (o *Orchestrator) Chat(ctx context.Context, prompt string, optFns ...func(o *ChatOptions)) (*core.Transcript, error) {
	chatOpts := ChatOptions{
		Instruction:   o.opts.Instruction,
		MaxToolRounds: o.opts.MaxToolRounds,
	}
	for _, fn := range optFns {
		fn(&chatOpts)
	}

	transcript := core.NewTranscript()
	transcript.Append(core.NewSystemMessage(chatOpts.Instruction))
	transcript.Append(core.NewUserMessage(prompt))

	defs := o.toolDefinitions()

	for round := 0; ; round++ {
		toolsCalled, err := o.streamOnce(ctx, transcript, defs)
		if err != nil {
			return transcript, err
		}
		if !toolsCalled {
			return transcript, nil
		}
		if round+1 >= chatOpts.MaxToolRounds {
			return transcript, fmt.Errorf("%w (%d)", ErrToolRoundsExceeded, chatOpts.MaxToolRounds)
		}
	}
}

// streamOnce consumes one streamed response. Fragments are accumulated in
// strict sequence order; each tool call is invoked as it arrives and its
// result appended before the loop resumes waiting for further fragments. On
// completion the concatenated accumulator becomes one assistant message.
// It reports whether any tool was called (meaning another round is needed).
func (o *Orchestrator) streamOnce(
	ctx context.Context,
	transcript *core.Transcript,
	defs []model.ToolDefinition,
) (bool, error) {
	respCh, errCh := o.model.Stream(ctx, model.Request{
		Messages: transcript.Messages(),
		Tools:    defs,
	})

	var sb strings.Builder
	lastSeq := 0
	var calls []core.ToolCall

	flushPartial := func() {
		if sb.Len() > 0 || len(calls) > 0 {
			transcript.Append(core.NewAssistantMessage(sb.String(), calls))
		}
	}

	for {
		select {
		case resp, ok := <-respCh:
			if !ok {
				flushPartial()
				// The response channel closes after the terminal event, so
				// every fragment has been consumed; now surface a buffered
				// terminal fault. Selecting on both channels instead would
				// nondeterministically drop whichever loses the race.
				if err, ok := <-errCh; ok && err != nil {
					return false, &StreamError{Err: err}
				}
				return len(calls) > 0, nil
			}
			switch {
			case resp.Fragment != nil:
				if resp.Fragment.Seq != lastSeq+1 {
					err := fmt.Errorf("%w: got %d, want %d",
						ErrFragmentOutOfOrder, resp.Fragment.Seq, lastSeq+1)
					flushPartial()
					return false, &StreamError{Err: err}
				}
				lastSeq++
				sb.WriteString(resp.Fragment.Delta)
			case resp.ToolCall != nil:
				call := *resp.ToolCall
				calls = append(calls, call)
				transcript.Append(o.invokeTool(ctx, call))
			}
		case <-ctx.Done():
			flushPartial()
			return false, ctx.Err()
		}
	}
}

// invokeTool dispatches one tool call through the registry. Every failure
// mode (unknown tool, bad arguments, execution error) is captured as a
// tool-result message carrying the failure reason; it never aborts the
// exchange.
func (o *Orchestrator) invokeTool(ctx context.Context, call core.ToolCall) core.Message {
	t, ok := o.registry.Lookup(call.Name)
	if !ok {
		o.opts.Logger.Warn("orchestrator.tool.unknown", "tool", call.Name)
		return core.NewToolResultMessage(call.ID, call.Name, "",
			tool.NewToolError(call.Name, "tool not registered", "UNKNOWN_TOOL"))
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return core.NewToolResultMessage(call.ID, call.Name, "",
				tool.NewToolError(call.Name, fmt.Sprintf("invalid arguments: %v", err), "INVALID_ARGUMENTS"))
		}
	}

	start := time.Now()
	result, err := t.Call(ctx, args)
	o.opts.Logger.Info("orchestrator.tool.executed",
		"tool", call.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err != nil)
	if err != nil {
		return core.NewToolResultMessage(call.ID, call.Name, "", err)
	}
	return core.NewToolResultMessage(call.ID, call.Name, renderResult(result), nil)
}

// renderResult serializes a tool's return value for the transcript. Strings
// pass through; everything else is JSON-encoded.
func renderResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

func (o *Orchestrator) toolDefinitions() []model.ToolDefinition {
	tools := o.registry.Tools()
	if len(tools) == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		}
	}
	return defs
}
