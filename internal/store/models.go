// Package store provides the read/write adapter over the external schedule
// and execution persistence. Schedule definitions are owned and mutated by
// the surrounding platform; this package treats them as read-only except for
// run-timestamp write-back. Execution records are owned by the scheduler.
package store

import "time"

// ExecutionStatus is the lifecycle status of an execution record.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// TriggeredBy records what initiated an execution.
type TriggeredBy string

const (
	TriggeredBySchedule TriggeredBy = "schedule"
	TriggeredByManual   TriggeredBy = "manual"
)

// Schedule is a persistent cron-like trigger definition bound to an agent
// and a message. The platform owns these rows.
type Schedule struct {
	ID        string
	AgentID   string
	Message   string
	CronExpr  string
	Timezone  string
	Enabled   bool
	Autonomy  bool // agent's autonomous-execution flag; off gates fires
	LastRunAt *time.Time
	NextRunAt *time.Time
	UpdatedAt time.Time
}

// Execution is one dispatch attempt for a schedule (or an ad-hoc manual
// trigger). The ID doubles as the process-registry key on the execution
// target, which is what makes cooperative cancellation possible.
type Execution struct {
	ID          string
	ScheduleID  *string // nil for ad-hoc dispatch
	AgentID     string
	Message     string
	TriggeredBy TriggeredBy
	Status      ExecutionStatus
	Response    string
	CostUSD     float64
	Tokens      int64
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ExecutionUpdate carries the terminal fields written when an execution
// completes. Nil pointer fields are left untouched.
type ExecutionUpdate struct {
	Status   ExecutionStatus
	Response *string
	CostUSD  *float64
	Tokens   *int64
	Error    *string
}
