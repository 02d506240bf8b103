package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/proc"
	"github.com/oturie/relay/internal/registry"
	"github.com/oturie/relay/internal/target"
)

type fakeHandle struct {
	mu       sync.Mutex
	exitCode int
	finished bool
}

func (h *fakeHandle) Poll() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.finished
}

func (h *fakeHandle) Signal(proc.SignalKind) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	h.exitCode = -1
	return nil
}

func (h *fakeHandle) Wait(ctx context.Context) (int, error) {
	for {
		h.mu.Lock()
		finished, code := h.finished, h.exitCode
		h.mu.Unlock()
		if finished {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeLauncher struct {
	handle    *fakeHandle
	result    *target.TaskResult
	resultErr error
	launchErr error
	lastSpec  TaskSpec
}

func (f *fakeLauncher) Launch(_ context.Context, spec TaskSpec) (*RunningTask, error) {
	f.lastSpec = spec
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return &RunningTask{
		Handle: f.handle,
		Result: func() (*target.TaskResult, error) {
			if f.resultErr != nil {
				return nil, f.resultErr
			}
			return f.result, nil
		},
	}, nil
}

func newTestRunner(t *testing.T, launcher Launcher) (*httptest.Server, *registry.Registry) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)

	reg := registry.New(log, 200*time.Millisecond, 200*time.Millisecond)
	srv := New(log, reg, launcher, 0)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, reg
}

func postTask(t *testing.T, ts *httptest.Server, agent string, req target.TaskRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/"+agent+"/task", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestTaskSuccess(t *testing.T) {
	launcher := &fakeLauncher{
		handle: &fakeHandle{finished: true},
		result: &target.TaskResult{
			Response: "all clear",
			Metadata: target.TaskMetadata{InputTokens: 10, OutputTokens: 5, CostUSD: 0.01},
		},
	}
	ts, _ := newTestRunner(t, launcher)

	resp := postTask(t, ts, "agent-1", target.TaskRequest{
		Message:        "check the queue",
		TimeoutSeconds: 30,
		ExecutionID:    "exec-1",
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result target.TaskResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "all clear", result.Response)
	assert.InDelta(t, 0.01, result.Metadata.CostUSD, 1e-9)

	assert.Equal(t, "agent-1", launcher.lastSpec.AgentID)
	assert.Equal(t, "exec-1", launcher.lastSpec.ExecutionID)
	assert.Equal(t, 30*time.Second, launcher.lastSpec.Timeout)
}

func TestTaskGeneratesExecutionID(t *testing.T) {
	launcher := &fakeLauncher{
		handle: &fakeHandle{finished: true},
		result: &target.TaskResult{Response: "ok"},
	}
	ts, _ := newTestRunner(t, launcher)

	resp := postTask(t, ts, "agent-1", target.TaskRequest{Message: "hello"})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, launcher.lastSpec.ExecutionID)
}

func TestTaskRejectsEmptyMessage(t *testing.T) {
	ts, _ := newTestRunner(t, &fakeLauncher{})

	resp := postTask(t, ts, "agent-1", target.TaskRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskLaunchFailure(t *testing.T) {
	ts, _ := newTestRunner(t, &fakeLauncher{launchErr: errors.New("no such binary")})

	resp := postTask(t, ts, "agent-1", target.TaskRequest{Message: "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTaskTimeoutTerminatesProcess(t *testing.T) {
	handle := &fakeHandle{}
	launcher := &fakeLauncher{handle: handle, result: &target.TaskResult{}}
	ts, reg := newTestRunner(t, launcher)

	resp := postTask(t, ts, "agent-1", target.TaskRequest{
		Message:        "hang forever",
		TimeoutSeconds: 1,
		ExecutionID:    "exec-hang",
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	_, finished := handle.Poll()
	assert.True(t, finished, "process should have been terminated")
	assert.Empty(t, reg.ListRunning())
}

func TestTaskNonZeroExit(t *testing.T) {
	launcher := &fakeLauncher{
		handle: &fakeHandle{finished: true, exitCode: 2},
		result: &target.TaskResult{Response: "partial output"},
	}
	ts, _ := newTestRunner(t, launcher)

	resp := postTask(t, ts, "agent-1", target.TaskRequest{Message: "fail", ExecutionID: "exec-2"})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "code 2")
}

func TestTaskDuplicateExecutionID(t *testing.T) {
	launcher := &fakeLauncher{
		handle: &fakeHandle{finished: true},
		result: &target.TaskResult{Response: "ok"},
	}
	ts, reg := newTestRunner(t, launcher)

	require.NoError(t, reg.Register("exec-dup", &fakeHandle{}, nil))
	defer reg.Unregister("exec-dup")

	resp := postTask(t, ts, "agent-1", target.TaskRequest{Message: "hello", ExecutionID: "exec-dup"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTerminateRunningExecution(t *testing.T) {
	ts, reg := newTestRunner(t, &fakeLauncher{})
	require.NoError(t, reg.Register("exec-1", &fakeHandle{}, nil))

	resp, err := http.Post(ts.URL+"/agent-1/executions/exec-1/terminate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body target.TerminateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(registry.StatusTerminated), body.Status)
}

func TestTerminateUnknownExecution(t *testing.T) {
	ts, _ := newTestRunner(t, &fakeLauncher{})

	resp, err := http.Post(ts.URL+"/agent-1/executions/missing/terminate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTerminateInfersFromMessagePreview(t *testing.T) {
	ts, reg := newTestRunner(t, &fakeLauncher{})
	require.NoError(t, reg.Register("exec-abc", &fakeHandle{}, map[string]string{
		"message_preview": "summarize the weekly report",
	}))

	resp, err := http.Post(
		ts.URL+"/agent-1/executions/unknown/terminate?message_preview=weekly+report",
		"application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body target.TerminateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(registry.StatusTerminated), body.Status)
}

func TestListRunning(t *testing.T) {
	ts, reg := newTestRunner(t, &fakeLauncher{})
	require.NoError(t, reg.Register("exec-1", &fakeHandle{}, map[string]string{"agent_id": "agent-1"}))

	resp, err := http.Get(ts.URL + "/agent-1/executions/running")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var running []target.RunningExecution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&running))
	require.Len(t, running, 1)
	assert.Equal(t, "exec-1", running[0].ExecutionID)
	assert.Equal(t, "agent-1", running[0].Metadata["agent_id"])
}

func TestListRunningEmptyIsArray(t *testing.T) {
	ts, _ := newTestRunner(t, &fakeLauncher{})

	resp, err := http.Get(ts.URL + "/agent-1/executions/running")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, "[]", string(raw))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestRunner(t, &fakeLauncher{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
