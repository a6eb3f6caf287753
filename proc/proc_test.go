//go:build !windows

package proc

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentpipe/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger captures log entries for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) record(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	parts := []string{msg}
	for _, a := range args {
		if s, ok := a.(string); ok {
			parts = append(parts, s)
		}
	}
	l.entries = append(l.entries, strings.Join(parts, " "))
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record(msg, args...) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record(msg, args...) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record(msg, args...) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record(msg, args...) }

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func shell(script string) Descriptor {
	return Descriptor{Command: "sh", Args: []string{"-c", script}}
}

func TestSession_StartAndWait(t *testing.T) {
	s := New(shell("exit 0"))
	handle, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Greater(t, handle.PID, 0)

	require.NoError(t, s.Wait(context.Background())) // exit code 0
	assert.True(t, s.Exited())
}

func TestSession_SpawnError(t *testing.T) {
	s := New(Descriptor{Command: "/nonexistent/agentpipe-test-binary"})
	_, err := s.Start(context.Background())
	require.Error(t, err)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/agentpipe-test-binary", spawnErr.Command)

	// Session never started: Kill is a safe no-op, Wait reports not started.
	s.Kill()
	assert.ErrorIs(t, s.Wait(context.Background()), ErrNotStarted)
	assert.Nil(t, s.Handle())
}

func TestSession_StartTwice(t *testing.T) {
	s := New(shell("sleep 30"))
	handle, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Kill()

	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
	// The established handle is untouched.
	assert.Same(t, handle, s.Handle())
}

func TestSession_KillIdempotent(t *testing.T) {
	s := New(shell("sleep 30"))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	s.Kill()
	assert.True(t, s.Exited())
	s.Kill() // second call performs no observable work
	assert.True(t, s.Exited())
}

func TestSession_KillNeverStarted(t *testing.T) {
	s := New(shell("exit 0"))
	s.Kill() // no-op, never an error
	assert.False(t, s.Exited())
}

func TestSession_WaitCancellationKills(t *testing.T) {
	s := New(shell("sleep 30"))
	_, err := s.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.Exited(), "cancellation must not leak the process")
}

func TestSession_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(shell("sleep 30"))
	_, err := s.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, s.Handle())
}

func TestSession_ForcedKillOnIgnoredTerm(t *testing.T) {
	s := New(shell(`trap "" TERM; echo ready; while true; do sleep 1; done`),
		func(o *Options) { o.GracePeriod = 200 * time.Millisecond })
	handle, err := s.Start(context.Background())
	require.NoError(t, err)

	// Make sure the trap is installed before signalling.
	line, err := bufio.NewReader(handle.Stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", line)

	done := make(chan struct{})
	go func() {
		s.Kill()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("forced kill did not bring the process to exited state")
	}
	assert.True(t, s.Exited())
}

func TestSession_StderrDrainDoesNotBlockStdout(t *testing.T) {
	// ~160KB of stderr. Without a concurrent drain the 64KB pipe buffer
	// fills and the child stalls before ever writing to stdout.
	script := `i=0
while [ "$i" -lt 4000 ]; do
  echo "stderr noise line $i padding padding padding" 1>&2
  i=$((i+1))
done
echo done`
	logger := &recordingLogger{}
	s := New(shell(script), func(o *Options) { o.Logger = logger })
	handle, err := s.Start(context.Background())
	require.NoError(t, err)

	line, err := bufio.NewReader(handle.Stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "done\n", line)

	require.NoError(t, s.Wait(context.Background()))
	assert.True(t, logger.contains("proc.stderr"), "stderr lines should reach the diagnostic sink")
}

func TestSession_EnvOverride(t *testing.T) {
	s := New(Descriptor{
		Command: "sh",
		Args:    []string{"-c", `printf '%s\n' "$AGENTPIPE_TEST"`},
		Env:     []string{"AGENTPIPE_TEST=hello"},
	})
	handle, err := s.Start(context.Background())
	require.NoError(t, err)

	line, err := bufio.NewReader(handle.Stdout).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
	require.NoError(t, s.Wait(context.Background()))
}

func TestSession_NoOpLoggerByDefault(t *testing.T) {
	s := New(shell("echo oops 1>&2; exit 0"))
	assert.IsType(t, logging.NoOpLogger{}, s.opts.Logger)
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Wait(context.Background()))
}
