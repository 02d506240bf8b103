// Package events broadcasts execution lifecycle events to external relays.
// Delivery is strictly best-effort: publish failures are logged and
// swallowed and must never fail or block an execution.
package events

import "time"

// Type is the kind of lifecycle event.
type Type string

const (
	TypeExecutionStarted   Type = "execution_started"
	TypeExecutionCompleted Type = "execution_completed"
)

// Event is one execution lifecycle notification.
type Event struct {
	Type        Type      `json:"type"`
	ScheduleID  string    `json:"schedule_id,omitempty"`
	ExecutionID string    `json:"execution_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
