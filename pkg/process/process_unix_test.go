//go:build !windows

package process

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestSpawnCapturesOutputAndExitCode(t *testing.T) {
	spawn := NewSpawner(logging.Nop())
	out := &syncBuffer{}

	h, err := spawn(context.Background(), ExecutionConfig{
		Command:     []string{"sh", "-c", "echo hello $GREETING; exit 3"},
		Environment: []string{"GREETING=world"},
	}, out)
	require.NoError(t, err)
	assert.Greater(t, h.PID(), 0)
	assert.False(t, h.StartTime().IsZero())

	waitDone(t, h)
	assert.Equal(t, 3, h.ExitCode())
	assert.Contains(t, out.String(), "hello world")
}

func TestSpawnUnknownExecutable(t *testing.T) {
	spawn := NewSpawner(logging.Nop())
	_, err := spawn(context.Background(), ExecutionConfig{Command: []string{"definitely-not-a-real-binary-xyz"}}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSpawnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSpawner(logging.Nop())(ctx, ExecutionConfig{Command: []string{"true"}}, nil)
	assert.True(t, errors.IsCancelledError(err))
}

func TestStopGraceful(t *testing.T) {
	h, err := NewSpawner(logging.Nop())(context.Background(), ExecutionConfig{Command: []string{"sleep", "30"}}, nil)
	require.NoError(t, err)

	result, err := Stop(h, 5*time.Second, logging.Nop())
	require.NoError(t, err)
	assert.False(t, result.Forced)
	waitDone(t, h)
}

func TestStopEscalatesToKill(t *testing.T) {
	// An ignored SIGTERM is inherited by the sleep children too.
	h, err := NewSpawner(logging.Nop())(context.Background(), ExecutionConfig{
		Command: []string{"sh", "-c", `trap "" TERM; while true; do sleep 0.1; done`},
	}, nil)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	started := time.Now()
	result, err := Stop(h, 300*time.Millisecond, logging.Nop())
	require.NoError(t, err)
	assert.True(t, result.Forced)
	assert.GreaterOrEqual(t, time.Since(started), 300*time.Millisecond)
	waitDone(t, h)
}

func TestStopAlreadyExited(t *testing.T) {
	h, err := NewSpawner(logging.Nop())(context.Background(), ExecutionConfig{Command: []string{"true"}}, nil)
	require.NoError(t, err)
	waitDone(t, h)

	result, err := Stop(h, time.Second, logging.Nop())
	require.NoError(t, err)
	assert.False(t, result.Forced)
	assert.Equal(t, 0, result.ExitCode)
}

func TestValidateExecutionConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  ExecutionConfig
		wantErr bool
	}{
		{"ok", ExecutionConfig{Command: []string{"redis-server"}}, false},
		{"empty", ExecutionConfig{}, true},
		{"blank executable", ExecutionConfig{Command: []string{" "}}, true},
		{"missing dir", ExecutionConfig{Command: []string{"x"}, WorkingDirectory: "/definitely/missing"}, true},
		{"bad env", ExecutionConfig{Command: []string{"x"}, Environment: []string{"NOEQUALS"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExecutionConfig(tt.config)
			if tt.wantErr {
				assert.True(t, errors.IsValidationError(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePID(t *testing.T) {
	pid, err := ValidatePID(" 1234\n")
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	_, err = ValidatePID("abc")
	assert.Error(t, err)
	_, err = ValidatePID("-5")
	assert.Error(t, err)
}
