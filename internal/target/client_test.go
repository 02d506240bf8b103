package target

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchSuccess(t *testing.T) {
	var got TaskRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent-1/task", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(TaskResult{
			Response:     "done",
			Metadata:     TaskMetadata{InputTokens: 100, OutputTokens: 50, CostUSD: 0.01},
			ExecutionLog: json.RawMessage(`[{"tool":"shell"}]`),
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	result, err := c.Dispatch(context.Background(), "agent-1", "do the thing", "exec-1", 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "do the thing", got.Message)
	assert.Equal(t, 30, got.TimeoutSeconds)
	assert.Equal(t, "exec-1", got.ExecutionID)

	assert.Equal(t, "done", result.Response)
	assert.Equal(t, int64(100), result.Metadata.InputTokens)
	assert.Equal(t, 0.01, result.Metadata.CostUSD)
	assert.JSONEq(t, `[{"tool":"shell"}]`, string(result.ExecutionLog))
}

func TestDispatchTruncatesResponse(t *testing.T) {
	long := strings.Repeat("x", maxResponseChars+500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TaskResult{Response: long})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	result, err := c.Dispatch(context.Background(), "agent-1", "m", "e", time.Minute)
	require.NoError(t, err)

	assert.Len(t, result.Response, maxResponseChars+len(truncationMarker))
	assert.True(t, strings.HasSuffix(result.Response, truncationMarker))
}

func TestDispatchUnreachable(t *testing.T) {
	// Nothing listens on this port.
	c := NewClient("http://127.0.0.1:1", time.Second)
	_, err := c.Dispatch(context.Background(), "agent-1", "m", "e", time.Second)
	assert.ErrorIs(t, err, ErrTargetUnreachable)
}

func TestDispatchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	c := NewClient(server.URL, 50*time.Millisecond)
	start := time.Now()
	_, err := c.Dispatch(context.Background(), "agent-1", "m", "e", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTargetTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatchRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent is busy", http.StatusConflict)
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	_, err := c.Dispatch(context.Background(), "agent-1", "m", "e", time.Minute)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusConflict, reqErr.StatusCode)
	assert.Equal(t, "agent is busy", reqErr.Body)
}

func TestTerminate(t *testing.T) {
	code := 143
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent-1/executions/exec-1/terminate", r.URL.Path)
		json.NewEncoder(w).Encode(TerminateResponse{Status: "terminated", ReturnCode: &code})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	resp, err := c.Terminate(context.Background(), "agent-1", "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "terminated", resp.Status)
	require.NotNil(t, resp.ReturnCode)
	assert.Equal(t, 143, *resp.ReturnCode)
}

func TestListRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent-1/executions/running", r.URL.Path)
		json.NewEncoder(w).Encode([]RunningExecution{
			{ExecutionID: "exec-1", Metadata: map[string]string{"message_preview": "hello"}},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	running, err := c.ListRunning(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "exec-1", running[0].ExecutionID)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcde"+truncationMarker, Truncate("abcdefgh", 5))
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	// "héllo" is h(1) é(2) l l o; a cut at byte 2 lands inside é
	got := Truncate("héllo", 2)
	assert.Equal(t, "h"+truncationMarker, got)
	assert.True(t, utf8.ValidString(got))

	// multi-byte text cut mid-rune stays valid at every boundary
	s := "日本語テキスト"
	for max := 1; max < len(s); max++ {
		assert.True(t, utf8.ValidString(Truncate(s, max)),
			"cut at %d produced invalid UTF-8", max)
	}
}
