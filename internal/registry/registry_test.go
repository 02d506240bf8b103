package registry

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/proc"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestRegistry(t *testing.T) *Registry {
	return New(testLogger(t), time.Second, 2*time.Second)
}

func startProcess(t *testing.T, name string, args ...string) proc.Handle {
	t.Helper()
	cmd := exec.Command(name, args...)
	require.NoError(t, cmd.Start())
	return proc.NewExecHandle(cmd)
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	h := startProcess(t, "sleep", "10")
	defer r.Terminate(context.Background(), "e1")

	require.NoError(t, r.Register("e1", h, nil))
	assert.Error(t, r.Register("e1", h, nil))
}

func TestTerminateNotFound(t *testing.T) {
	r := newTestRegistry(t)
	res := r.Terminate(context.Background(), "missing")
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Nil(t, res.ReturnCode)
}

func TestTerminateGraceful(t *testing.T) {
	r := newTestRegistry(t)
	h := startProcess(t, "sleep", "30")
	require.NoError(t, r.Register("e1", h, nil))

	start := time.Now()
	res := r.Terminate(context.Background(), "e1")
	assert.Equal(t, StatusTerminated, res.Status)
	require.NotNil(t, res.ReturnCode)
	// sleep exits on SIGTERM, well inside the grace window.
	assert.Less(t, time.Since(start), time.Second)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	r := New(testLogger(t), time.Second, 2*time.Second)

	// The child traps SIGTERM and keeps sleeping, forcing the escalation.
	// It touches a marker file once the trap is installed so the test does
	// not signal the shell before the trap takes effect.
	ready := filepath.Join(t.TempDir(), "ready")
	h := startProcess(t, "sh", "-c", `trap "" TERM; : > "$0"; sleep 30`, ready)
	require.NoError(t, r.Register("e1", h, nil))
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	res := r.Terminate(context.Background(), "e1")
	elapsed := time.Since(start)

	assert.Equal(t, StatusTerminated, res.Status)
	require.NotNil(t, res.ReturnCode)
	// Grace window (1s) plus kill delivery; never the full 3s budget.
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestTerminateIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	h := startProcess(t, "sleep", "30")
	require.NoError(t, r.Register("e1", h, nil))

	first := r.Terminate(context.Background(), "e1")
	assert.Equal(t, StatusTerminated, first.Status)

	second := r.Terminate(context.Background(), "e1")
	assert.Equal(t, StatusAlreadyFinished, second.Status)
	require.NotNil(t, second.ReturnCode)

	r.Unregister("e1")
	third := r.Terminate(context.Background(), "e1")
	assert.Equal(t, StatusNotFound, third.Status)
}

func TestAlreadyFinishedIncludesExitCode(t *testing.T) {
	r := newTestRegistry(t)
	h := startProcess(t, "sh", "-c", "exit 7")
	require.NoError(t, r.Register("e1", h, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Wait(ctx)
	require.NoError(t, err)

	res := r.Terminate(context.Background(), "e1")
	assert.Equal(t, StatusAlreadyFinished, res.Status)
	require.NotNil(t, res.ReturnCode)
	assert.Equal(t, 7, *res.ReturnCode)
}

func TestListRunningAndStatus(t *testing.T) {
	r := newTestRegistry(t)
	h1 := startProcess(t, "sleep", "10")
	h2 := startProcess(t, "sh", "-c", "exit 0")
	require.NoError(t, r.Register("running", h1, map[string]string{"agent": "a1"}))
	require.NoError(t, r.Register("finished", h2, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h2.Wait(ctx)
	require.NoError(t, err)

	running := r.ListRunning()
	require.Len(t, running, 1)
	assert.Equal(t, "running", running[0].ExecutionID)
	assert.Equal(t, "a1", running[0].Metadata["agent"])

	info, ok := r.Status("running")
	require.True(t, ok)
	assert.False(t, info.RegisteredAt.IsZero())

	_, ok = r.Status("missing")
	assert.False(t, ok)

	r.Terminate(context.Background(), "running")
}

func TestInferExecutionID(t *testing.T) {
	r := newTestRegistry(t)
	h1 := startProcess(t, "sleep", "10")
	h2 := startProcess(t, "sleep", "10")
	require.NoError(t, r.Register("e1", h1, map[string]string{"message_preview": "summarize the weekly report"}))
	require.NoError(t, r.Register("e2", h2, map[string]string{"message_preview": "check the backlog"}))
	defer r.Terminate(context.Background(), "e1")
	defer r.Terminate(context.Background(), "e2")

	id, ok := r.InferExecutionID("weekly report")
	require.True(t, ok)
	assert.Equal(t, "e1", id)

	// Ambiguous with two running and no preview match.
	_, ok = r.InferExecutionID("no such message")
	assert.False(t, ok)

	// With exactly one left running, fall back to it.
	r.Terminate(context.Background(), "e1")
	r.CleanupFinished()
	id, ok = r.InferExecutionID("")
	require.True(t, ok)
	assert.Equal(t, "e2", id)
}

func TestCleanupFinished(t *testing.T) {
	r := newTestRegistry(t)
	h := startProcess(t, "sh", "-c", "exit 0")
	require.NoError(t, r.Register("e1", h, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, r.CleanupFinished())
	assert.Equal(t, 0, r.CleanupFinished())
	_, ok := r.Status("e1")
	assert.False(t, ok)
}
