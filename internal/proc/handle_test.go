package proc

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCommand(t *testing.T, name string, args ...string) *ExecHandle {
	t.Helper()
	cmd := exec.Command(name, args...)
	require.NoError(t, cmd.Start())
	return NewExecHandle(cmd)
}

func TestExecHandleWaitReturnsExitCode(t *testing.T) {
	h := startCommand(t, "sh", "-c", "exit 3")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	// Poll after exit agrees with Wait.
	polled, finished := h.Poll()
	assert.True(t, finished)
	assert.Equal(t, 3, polled)
}

func TestExecHandlePollWhileRunning(t *testing.T) {
	h := startCommand(t, "sleep", "5")

	_, finished := h.Poll()
	assert.False(t, finished)

	require.NoError(t, h.Signal(SignalKill))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, code)
}

func TestExecHandleGracefulSignal(t *testing.T) {
	h := startCommand(t, "sleep", "30")

	require.NoError(t, h.Signal(SignalGraceful))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Wait(ctx)
	require.NoError(t, err)
}

func TestExecHandleWaitHonorsContext(t *testing.T) {
	h := startCommand(t, "sleep", "30")
	defer func() {
		_ = h.Signal(SignalKill)
		_, _ = h.Wait(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
