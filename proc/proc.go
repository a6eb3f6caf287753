//go:build !windows

// Package proc owns the lifecycle of a single child process whose standard
// input and output form an opaque byte channel for a higher-level protocol.
// The error stream is drained concurrently to a diagnostic logger so a noisy
// child can never stall the primary channel.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hupe1980/agentpipe/logging"
)

// ErrAlreadyStarted is returned when Start is called twice on one session.
var ErrAlreadyStarted = errors.New("proc: session already started")

// ErrNotStarted is returned when Wait is called before Start.
var ErrNotStarted = errors.New("proc: session not started")

// SpawnError reports that the child executable could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("proc: spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Descriptor specifies the child process to launch. It is immutable once
// passed to a Session. The command is executed directly: no shell
// interpretation, each Args element passed as a distinct token.
type Descriptor struct {
	Command string   // Executable path
	Args    []string // Argument tokens
	Env     []string // "KEY=VALUE" entries appended to the parent environment
	Dir     string   // Working directory (inherited if empty)
}

// Handle exposes the started process to its owner. It is exclusively owned
// by the Session that created it and must not be shared.
type Handle struct {
	PID    int
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
}

// Options tunes session behavior.
type Options struct {
	// Logger receives one entry per stderr line plus lifecycle diagnostics.
	// Defaults to NoOpLogger; absence changes observability only.
	Logger logging.Logger

	// GracePeriod is how long Kill waits after SIGTERM before escalating to
	// SIGKILL.
	GracePeriod time.Duration

	// StderrMaxLine caps the size of a single stderr line the drain loop
	// will buffer.
	StderrMaxLine int
}

// Session manages exactly one child process: spawn, concurrent stderr drain,
// idempotent kill and bounded wait. A Session is not reusable; create a new
// one per process.
type Session struct {
	desc Descriptor
	opts Options

	mu     sync.Mutex
	cmd    *exec.Cmd
	handle *Handle

	exited   atomic.Bool
	killOnce sync.Once
	done     chan struct{}
	drained  chan struct{}
	waitErr  error
}

// New creates a session for the given descriptor. The process is not spawned
// until Start.
func New(desc Descriptor, optFns ...func(o *Options)) *Session {
	opts := Options{
		Logger:        logging.NoOpLogger{},
		GracePeriod:   5 * time.Second,
		StderrMaxLine: 1024 * 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Session{
		desc:    desc,
		opts:    opts,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Start spawns the child process with redirected stdin/stdout/stderr and
// begins draining stderr. It fails with *SpawnError when the executable
// cannot be launched and ErrAlreadyStarted on a second call. If ctx is
// cancelled during the spawn window the process is killed before Start
// returns and no resources are left allocated.
func (s *Session) Start(ctx context.Context) (*Handle, error) {
	handle, err := s.spawn(ctx)
	if err != nil {
		return nil, err
	}

	// Cancellation that fired while spawning must not leak a process.
	if err := ctx.Err(); err != nil {
		s.Kill()
		return nil, err
	}

	s.opts.Logger.Debug("proc.started", "command", s.desc.Command, "pid", handle.PID)
	return handle, nil
}

func (s *Session) spawn(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return nil, ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.desc.Command, s.desc.Args...)
	cmd.Dir = s.desc.Dir
	if len(s.desc.Env) > 0 {
		cmd.Env = append(os.Environ(), s.desc.Env...)
	}
	// Own process group so Kill reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: s.desc.Command, Err: err}
	}

	s.cmd = cmd
	s.handle = &Handle{PID: cmd.Process.Pid, Stdin: stdin, Stdout: stdout}

	go s.drainStderr(stderr)
	go s.waitProcess()

	return s.handle, nil
}

// Kill terminates the process group: SIGTERM, then SIGKILL after the grace
// period. It is idempotent; calling it on a never-started or already-exited
// session is a no-op. On return the process has exited.
func (s *Session) Kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	s.killOnce.Do(func() {
		if s.exited.Load() {
			return
		}
		_ = signalGroup(cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-s.done:
			return
		case <-time.After(s.opts.GracePeriod):
			s.opts.Logger.Warn("proc.kill.escalated", "pid", cmd.Process.Pid)
			_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
		}
	})
	<-s.done
}

// Wait blocks until the process has exited or ctx fires. On cancellation the
// process is killed before Wait returns, so no resource leaks either way.
// The returned error is the process's exit error (nil for exit code 0),
// or ctx.Err() when cancelled.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	select {
	case <-s.done:
		return s.waitErr
	case <-ctx.Done():
		s.Kill()
		return ctx.Err()
	}
}

// Exited reports whether the process has exited. It is false before Start.
func (s *Session) Exited() bool { return s.exited.Load() }

// Handle returns the process handle, or nil before Start.
func (s *Session) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// drainStderr reads the error stream to end-of-stream, forwarding each line
// to the diagnostic logger. It runs independently of the primary stdio
// channel so high-volume stderr output never stalls protocol reads.
func (s *Session) drainStderr(r io.Reader) {
	defer close(s.drained)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), s.opts.StderrMaxLine)
	pid := s.handle.PID
	for scanner.Scan() {
		s.opts.Logger.Debug("proc.stderr", "pid", pid, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.opts.Logger.Warn("proc.stderr.read_error", "pid", pid, "error", err.Error())
	}
}

// waitProcess is the sole caller of cmd.Wait. It records the exit atomically
// before closing done so Kill's check-and-act never races a lost exit.
func (s *Session) waitProcess() {
	<-s.drained // stderr fully forwarded before the pipes are torn down
	err := s.cmd.Wait()
	s.exited.Store(true)
	s.waitErr = err
	close(s.done)
}

// signalGroup sends sig to the process group, returning nil if the group is
// already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
