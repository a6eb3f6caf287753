// Package session pairs one child process with one protocol-server instance
// under a single disposal lifecycle. The session is the unit exposed to
// callers: it spawns the process, hands its stdio to a protocol factory and
// guarantees both are torn down together, exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentpipe/guard"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/proc"
)

// ErrInvalidState reports caller misuse (starting twice, running before
// start). The session is left unchanged.
var ErrInvalidState = errors.New("session: invalid state")

// State is a server session's lifecycle position. Disposal is monotonic:
// once Disposing or Disposed is reached no transition leaves that path.
type State int32

const (
	// StateCreated is the initial state; nothing is allocated yet.
	StateCreated State = iota
	// StateStarting covers the spawn + protocol handshake window.
	StateStarting
	// StateRunning means process and protocol server are both established.
	StateRunning
	// StateFailed is reached from Starting on spawn or handshake failure;
	// no resources remain allocated.
	StateFailed
	// StateDisposing means teardown has begun.
	StateDisposing
	// StateDisposed is terminal.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ProtocolServer is the releasable capability a session owns on top of the
// process's stdio. Callers never branch on which concrete release mechanism
// an implementation supports; Close is the single polymorphic release
// operation.
type ProtocolServer interface {
	Close() error
}

// ServerFactory builds the protocol server over a started process's stdio.
// The handle's Stdin/Stdout form an opaque duplex byte channel; framing and
// message semantics are owned by the factory's product.
type ServerFactory func(ctx context.Context, handle *proc.Handle) (ProtocolServer, error)

// Options tunes session behavior.
type Options struct {
	// Logger receives disposal failures and lifecycle diagnostics. Defaults
	// to NoOpLogger.
	Logger logging.Logger

	// GracePeriod is forwarded to the process session's kill escalation.
	GracePeriod time.Duration
}

// running holds the process handle and the protocol server as one value so
// the two are always both present or both absent.
type running struct {
	handle *proc.Handle
	server ProtocolServer
}

// ServerSession composes a process session with a protocol server and owns
// their shared disposal state machine.
type ServerSession struct {
	id      string
	desc    proc.Descriptor
	factory ServerFactory
	opts    Options

	mu      sync.Mutex
	state   State
	run     *running
	process *proc.Session
	res     *guard.Guard

	disposed atomic.Bool
}

// New creates a session in StateCreated. Nothing is spawned until Start.
func New(desc proc.Descriptor, factory ServerFactory, optFns ...func(o *Options)) *ServerSession {
	opts := Options{
		Logger:      logging.NoOpLogger{},
		GracePeriod: 5 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ServerSession{
		id:      uuid.NewString(),
		desc:    desc,
		factory: factory,
		opts:    opts,
		state:   StateCreated,
	}
}

// ID returns the session's stable identifier.
func (s *ServerSession) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *ServerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Server returns the protocol server, or nil unless the session is running.
func (s *ServerSession) Server() ProtocolServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.server
}

// Handle returns the process handle, or nil unless the session is running.
func (s *ServerSession) Handle() *proc.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.handle
}

// Start spawns the child process and establishes the protocol server over
// its stdio. On spawn failure the session lands in StateFailed with zero
// resources allocated and the error (a *proc.SpawnError for launch problems)
// is returned. A second Start fails with ErrInvalidState without mutating
// the established handle. If ctx fires mid-start, whatever was spawned is
// killed and the session lands in StateFailed.
func (s *ServerSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start in state %s", ErrInvalidState, state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	p := proc.New(s.desc, func(o *proc.Options) {
		o.Logger = s.opts.Logger
		o.GracePeriod = s.opts.GracePeriod
	})

	var (
		handle *proc.Handle
		server ProtocolServer
	)
	res, err := guard.Acquire(ctx,
		guard.Stage{
			Name: "process",
			Start: func(ctx context.Context) error {
				h, err := p.Start(ctx)
				handle = h
				return err
			},
			Stop: func(context.Context) error {
				p.Kill()
				return nil
			},
		},
		guard.Stage{
			Name: "protocol",
			Start: func(ctx context.Context) error {
				srv, err := s.factory(ctx, handle)
				server = srv
				return err
			},
			Stop: func(context.Context) error {
				return server.Close()
			},
		},
	)
	if err != nil {
		s.setState(StateFailed)
		return err
	}

	// The disposed check and the publication must share one critical
	// section: Dispose serializing between them would miss the guard and
	// leave the pair alive behind a Disposed state.
	s.mu.Lock()
	if s.disposed.Load() {
		s.mu.Unlock()
		if relErr := res.Release(ctx); relErr != nil {
			s.opts.Logger.Error("session.start.abandoned_release_failed", "session_id", s.id, "error", relErr.Error())
		}
		return fmt.Errorf("%w: disposed during start", ErrInvalidState)
	}
	s.run = &running{handle: handle, server: server}
	s.process = p
	s.res = res
	s.state = StateRunning
	s.mu.Unlock()

	s.opts.Logger.Info("session.started", "session_id", s.id, "pid", handle.PID)
	return nil
}

// Run blocks until the child process exits, ctx fires, or the session is
// disposed. It requires a running session.
func (s *ServerSession) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot run in state %s", ErrInvalidState, state)
	}
	p := s.process
	s.mu.Unlock()

	return p.Wait(ctx)
}

// Dispose releases the session: the protocol server is asked to release its
// resources first, then the process is killed, regardless of whether the
// first step succeeded. Dispose is idempotent; a second call performs no
// observable work. Cleanup failures are reported to the diagnostic logger
// and never returned, because disposal routinely runs on an already-failing
// path.
func (s *ServerSession) Dispose(ctx context.Context) {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	res := s.res
	s.run = nil
	s.res = nil
	s.state = StateDisposing
	s.mu.Unlock()

	if res != nil {
		if err := res.Release(ctx); err != nil {
			s.opts.Logger.Error("session.dispose.failed", "session_id", s.id, "error", err.Error())
		}
	}

	s.mu.Lock()
	s.state = StateDisposed
	s.mu.Unlock()

	s.opts.Logger.Info("session.disposed", "session_id", s.id)
}

// setState transitions to next unless disposal has already begun; disposal
// is monotonic.
func (s *ServerSession) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposing || s.state == StateDisposed {
		return
	}
	s.state = next
}
