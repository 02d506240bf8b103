package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a schedule or execution does not exist.
var ErrNotFound = errors.New("not found")

// ScheduleStore is the read path over the platform's schedule definitions
// plus run-timestamp write-back after execution.
type ScheduleStore interface {
	Get(ctx context.Context, id string) (*Schedule, error)
	ListEnabled(ctx context.Context) ([]Schedule, error)
	ListAll(ctx context.Context) ([]Schedule, error)
	UpdateRunTimes(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// ExecutionStore creates and completes execution records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	// UpdateExecutionStatus writes a terminal status. When the record is
	// already terminal the write is suppressed and false is returned, so a
	// failure callback racing a cancellation never clobbers it.
	UpdateExecutionStatus(ctx context.Context, id string, update ExecutionUpdate) (bool, error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
}

// Store combines both persistence surfaces.
type Store interface {
	ScheduleStore
	ExecutionStore
}
