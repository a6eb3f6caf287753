// Package agentpipe provides a high-level façade over the orchestrator and
// session abstractions (streaming chat, tool dispatch, process-backed protocol
// servers & logging). Most applications interact with this package by:
//  1. Creating an AgentPipe via New() with a model backend
//  2. Registering one or more tools
//  3. Chatting (Chat) or opening process-backed protocol sessions (OpenServer)
//
// The façade delegates the streaming exchange to orchestrator.Orchestrator and
// process lifecycle management to session.ServerSession while keeping setup
// and usage ergonomics concise. All defaults are safe for local development;
// production deployments typically supply a structured logger.
package agentpipe

import (
	"context"
	"time"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/model"
	"github.com/hupe1980/agentpipe/orchestrator"
	"github.com/hupe1980/agentpipe/proc"
	"github.com/hupe1980/agentpipe/session"
	"github.com/hupe1980/agentpipe/tool"
	"github.com/hupe1980/agentpipe/transport/stdio"
)

// Options configures the AgentPipe instance.
type Options struct {
	// Instruction is the system message opening every exchange.
	Instruction string

	// MaxToolRounds bounds how many tool rounds one chat exchange may take.
	MaxToolRounds int

	// GracePeriod is the SIGTERM-to-SIGKILL window applied to child
	// processes opened through OpenServer.
	GracePeriod time.Duration

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// AgentPipe is the high-level façade aggregating the orchestrator and tool
// registry.
type AgentPipe struct {
	opts         Options
	registry     *tool.Registry
	orchestrator *orchestrator.Orchestrator
}

// New creates a new AgentPipe instance for the given model backend with
// optional overrides.
func New(m model.Model, optFns ...func(o *Options)) *AgentPipe {
	opts := Options{
		Instruction:   "You are a helpful assistant.",
		MaxToolRounds: 8,
		GracePeriod:   5 * time.Second,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	registry := tool.NewRegistry()

	o := orchestrator.New(m, registry, func(oo *orchestrator.Options) {
		oo.Instruction = opts.Instruction
		oo.MaxToolRounds = opts.MaxToolRounds
		oo.Logger = opts.Logger
	})

	return &AgentPipe{opts: opts, registry: registry, orchestrator: o}
}

// RegisterTool adds a tool to the underlying registry. Registration fails if
// another tool with the same name is already present.
func (p *AgentPipe) RegisterTool(t tool.Tool) error { return p.registry.Register(t) }

// Chat runs one conversational exchange and returns the ordered transcript.
// On a stream fault the partial transcript is returned together with the
// error.
func (p *AgentPipe) Chat(ctx context.Context, prompt string, optFns ...func(o *orchestrator.ChatOptions)) (*core.Transcript, error) {
	return p.orchestrator.Chat(ctx, prompt, optFns...)
}

// ChatText is a synchronous helper returning only the final assistant text.
func (p *AgentPipe) ChatText(ctx context.Context, prompt string, optFns ...func(o *orchestrator.ChatOptions)) (string, error) {
	transcript, err := p.Chat(ctx, prompt, optFns...)
	if err != nil {
		return "", err
	}
	return transcript.FinalAssistantText(), nil
}

// OpenServer spawns the described child process, mounts a JSON-RPC server
// over its stdio and returns the started session. The caller owns the
// session and must Dispose it; disposal closes the RPC connection and kills
// the process.
func (p *AgentPipe) OpenServer(ctx context.Context, desc proc.Descriptor, optFns ...func(o *stdio.Options)) (*session.ServerSession, error) {
	factory := func(ctx context.Context, handle *proc.Handle) (session.ProtocolServer, error) {
		rwc := stdio.NewPipe(handle.Stdin, handle.Stdout)
		return stdio.NewServer(ctx, rwc, optFns...), nil
	}

	s := session.New(desc, factory, func(o *session.Options) {
		o.Logger = p.opts.Logger
		o.GracePeriod = p.opts.GracePeriod
	})
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
