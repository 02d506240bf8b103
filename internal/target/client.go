// Package target is the HTTP client for the remote execution target: task
// dispatch with a bounded timeout, structured result parsing, and the
// termination endpoints hosted by the runner.
package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// maxResponseChars bounds stored response text so a chatty agent cannot
	// blow up the execution table.
	maxResponseChars      = 10000
	truncationMarker      = "\n... [truncated]"
	defaultDispatchBuffer = 30 * time.Second
)

// ErrTargetUnreachable indicates a connection-level failure.
var ErrTargetUnreachable = errors.New("target unreachable")

// ErrTargetTimeout indicates the dispatch exceeded its deadline.
var ErrTargetTimeout = errors.New("target timeout")

// RequestError indicates the target returned an error status.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("target request failed with status %d: %s", e.StatusCode, e.Body)
}

// TaskRequest is the dispatch payload. ExecutionID is caller-supplied so
// the remote side registers the resulting process under the same id as the
// execution record.
type TaskRequest struct {
	Message        string `json:"message"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ExecutionID    string `json:"execution_id"`
}

// TaskMetadata carries usage metrics from the agent run.
type TaskMetadata struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TaskResult is the parsed dispatch response. ExecutionLog is an opaque
// blob passed through unmodified.
type TaskResult struct {
	Response     string          `json:"response"`
	Metadata     TaskMetadata    `json:"metadata"`
	ExecutionLog json.RawMessage `json:"execution_log,omitempty"`
}

// TerminateResponse is returned by the runner's termination endpoint.
type TerminateResponse struct {
	Status     string `json:"status"`
	ReturnCode *int   `json:"returncode,omitempty"`
}

// RunningExecution is one entry from the runner's running-executions list.
type RunningExecution struct {
	ExecutionID string            `json:"execution_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Client dispatches tasks to per-agent execution targets under a base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	buffer     time.Duration
}

// NewClient creates a target client. buffer is added on top of each
// dispatch's requested timeout to allow for network overhead; zero selects
// the default.
func NewClient(baseURL string, buffer time.Duration) *Client {
	if buffer <= 0 {
		buffer = defaultDispatchBuffer
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		buffer:     buffer,
	}
}

func (c *Client) agentURL(agentID, path string) string {
	return fmt.Sprintf("%s/%s%s", c.baseURL, agentID, path)
}

// Dispatch sends a task to the agent's execution target and parses the
// structured result. The HTTP deadline is the requested timeout plus the
// network buffer so the remote side times out first.
func (c *Client) Dispatch(ctx context.Context, agentID, message, executionID string, timeout time.Duration) (*TaskResult, error) {
	body, err := json.Marshal(TaskRequest{
		Message:        message,
		TimeoutSeconds: int(timeout.Seconds()),
		ExecutionID:    executionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+c.buffer)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.agentURL(agentID, "/task"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTargetTimeout, timeout+c.buffer, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var result TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode task result: %w", err)
	}

	result.Response = Truncate(result.Response, maxResponseChars)
	return &result, nil
}

// Terminate asks the runner to stop the execution's process.
func (c *Client) Terminate(ctx context.Context, agentID, executionID string) (*TerminateResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.agentURL(agentID, "/executions/"+executionID+"/terminate"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build terminate request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var result TerminateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode terminate response: %w", err)
	}
	return &result, nil
}

// ListRunning returns the runner's currently registered executions.
func (c *Client) ListRunning(ctx context.Context, agentID string) ([]RunningExecution, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.agentURL(agentID, "/executions/running"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build list request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var result []RunningExecution
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode running executions: %w", err)
	}
	return result, nil
}

// Truncate bounds s at max bytes, appending a marker when cut. The cut
// backs up to a rune boundary so a multi-byte character is never split.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
