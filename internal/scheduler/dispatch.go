package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oturie/relay/internal/events"
	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/store"
)

const lockNamePrefix = "schedule:"

// fire runs one schedule through the dispatch state machine. Failures here
// never propagate: each fire is independent and logs its own outcome.
func (s *Scheduler) fire(scheduleID string, triggeredBy store.TriggeredBy) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("schedule fire panic recovered",
				fmt.Errorf("panic: %v", r),
				logger.Field{Key: "schedule_id", Value: scheduleID})
		}
	}()

	ctx := s.ctx
	log := s.log.With(
		logger.Field{Key: "schedule_id", Value: scheduleID},
		logger.Field{Key: "triggered_by", Value: string(triggeredBy)})

	// Exactly-once gate: only the instance that newly acquired the lock may
	// dispatch this fire. Contention is expected steady-state behavior in a
	// multi-instance deployment, not an error.
	lk, acquired := s.locks.TryAcquire(ctx, lockNamePrefix+scheduleID)
	if !acquired {
		s.metrics.RecordLock("contended")
		s.metrics.RecordFire("skipped")
		log.Debug("fire skipped, lock not acquired")
		return
	}
	s.metrics.RecordLock("acquired")
	defer lk.Release(ctx)

	// Re-read under the lock: the store owns these rows and they may have
	// changed since the timer was registered.
	sched, err := s.store.Get(ctx, scheduleID)
	if err != nil {
		s.metrics.RecordFire("skipped")
		log.Info("fire skipped, schedule not readable",
			logger.Field{Key: "error", Value: err})
		return
	}
	if !sched.Enabled {
		s.metrics.RecordFire("skipped")
		log.Info("fire skipped, schedule disabled")
		return
	}
	if !sched.Autonomy {
		s.metrics.RecordFire("skipped")
		log.Info("fire skipped, agent autonomy is off")
		return
	}

	executionID := uuid.NewString()
	scheduleRef := sched.ID
	exec := &store.Execution{
		ID:          executionID,
		ScheduleID:  &scheduleRef,
		AgentID:     sched.AgentID,
		Message:     sched.Message,
		TriggeredBy: triggeredBy,
		Status:      store.StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.metrics.RecordFire("failed")
		log.Error("failed to create execution record", err)
		return
	}

	log = log.With(logger.Field{Key: "execution_id", Value: executionID})
	s.publisher.Publish(ctx, events.Event{
		Type:        events.TypeExecutionStarted,
		ScheduleID:  sched.ID,
		ExecutionID: executionID,
		AgentID:     sched.AgentID,
		Timestamp:   time.Now().UTC(),
	})

	started := time.Now()
	result, err := s.client.Dispatch(ctx, sched.AgentID, sched.Message, executionID, s.cfg.DispatchTimeout)
	if err != nil {
		s.metrics.RecordDispatch("failed", time.Since(started))
		s.completeFailed(ctx, log, sched, executionID, err)
		return
	}
	s.metrics.RecordDispatch("success", time.Since(started))

	tokens := result.Metadata.InputTokens + result.Metadata.OutputTokens
	applied, err := s.store.UpdateExecutionStatus(ctx, executionID, store.ExecutionUpdate{
		Status:   store.StatusSuccess,
		Response: &result.Response,
		CostUSD:  &result.Metadata.CostUSD,
		Tokens:   &tokens,
	})
	if err != nil {
		log.Error("failed to complete execution record", err)
	}
	if !applied {
		// A concurrent termination already finalized the record.
		log.Info("execution already finalized, keeping existing status")
		s.metrics.RecordFire("cancelled")
		return
	}

	s.writeBackRunTimes(ctx, log, sched)
	s.metrics.RecordFire("success")
	log.Info("execution completed",
		logger.Field{Key: "cost_usd", Value: result.Metadata.CostUSD},
		logger.Field{Key: "tokens", Value: tokens})

	s.publisher.Publish(ctx, events.Event{
		Type:        events.TypeExecutionCompleted,
		ScheduleID:  sched.ID,
		ExecutionID: executionID,
		AgentID:     sched.AgentID,
		Status:      string(store.StatusSuccess),
		Timestamp:   time.Now().UTC(),
	})
}

// completeFailed finalizes a dispatch error, unless a concurrent
// cancellation already finalized the record; the cancelled status always
// wins over a late failure.
func (s *Scheduler) completeFailed(ctx context.Context, log *logger.Logger, sched *store.Schedule, executionID string, dispatchErr error) {
	errMsg := dispatchErr.Error()
	applied, err := s.store.UpdateExecutionStatus(ctx, executionID, store.ExecutionUpdate{
		Status: store.StatusFailed,
		Error:  &errMsg,
	})
	if err != nil {
		log.Error("failed to record execution failure", err)
	}
	if !applied {
		s.metrics.RecordFire("cancelled")
		log.Info("execution was cancelled before the dispatch resolved")
		return
	}

	s.writeBackRunTimes(ctx, log, sched)
	s.metrics.RecordFire("failed")
	log.Warn("execution failed",
		logger.Field{Key: "error", Value: dispatchErr})

	s.publisher.Publish(ctx, events.Event{
		Type:        events.TypeExecutionCompleted,
		ScheduleID:  sched.ID,
		ExecutionID: executionID,
		AgentID:     sched.AgentID,
		Status:      string(store.StatusFailed),
		Error:       errMsg,
		Timestamp:   time.Now().UTC(),
	})
}

// writeBackRunTimes persists last/next fire times after a dispatch attempt.
func (s *Scheduler) writeBackRunTimes(ctx context.Context, log *logger.Logger, sched *store.Schedule) {
	now := time.Now().UTC()
	next, err := s.cronExpr.NextFireTime(sched.CronExpr, sched.Timezone, now)
	if err != nil {
		log.Warn("failed to compute next fire time",
			logger.Field{Key: "error", Value: err})
		return
	}
	if err := s.store.UpdateRunTimes(ctx, sched.ID, now, next); err != nil {
		log.Warn("failed to write back run times",
			logger.Field{Key: "error", Value: err})
	}
}
