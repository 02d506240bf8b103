// Package scheduler owns the in-process timer table and the per-fire state
// machine: acquire the schedule's distributed lock, create an execution
// record, dispatch to the execution target, complete the record, emit
// lifecycle events. A periodic sync loop reconciles the timer table against
// the externally-mutated schedule store without a restart.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oturie/relay/internal/events"
	"github.com/oturie/relay/internal/lock"
	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/metrics"
	"github.com/oturie/relay/internal/store"
	"github.com/oturie/relay/internal/target"
)

// TargetClient dispatches a task to an agent's execution target.
type TargetClient interface {
	Dispatch(ctx context.Context, agentID, message, executionID string, timeout time.Duration) (*target.TaskResult, error)
}

// ScheduleLock is a held distributed lock.
type ScheduleLock interface {
	Release(ctx context.Context)
	Lost() bool
}

// LockManager acquires named distributed locks.
type LockManager interface {
	TryAcquire(ctx context.Context, name string) (ScheduleLock, bool)
}

// redisLockManager adapts *lock.Manager to the LockManager interface.
type redisLockManager struct {
	m *lock.Manager
}

// NewRedisLockManager wraps the Redis-backed lock manager.
func NewRedisLockManager(m *lock.Manager) LockManager {
	return &redisLockManager{m: m}
}

func (r *redisLockManager) TryAcquire(ctx context.Context, name string) (ScheduleLock, bool) {
	l, ok := r.m.TryAcquire(ctx, name)
	if !ok {
		return nil, false
	}
	return l, true
}

// Config holds the scheduler's tunables.
type Config struct {
	DispatchTimeout time.Duration
}

// JobInfo is the status view of one registered timer.
type JobInfo struct {
	ScheduleID string    `json:"id"`
	NextRun    time.Time `json:"next_run"`
}

type jobEntry struct {
	entryID   cron.EntryID
	updatedAt time.Time
}

type scheduleVersion struct {
	enabled   bool
	updatedAt time.Time
}

// Scheduler manages the timer table and dispatch for all loaded schedules.
type Scheduler struct {
	log       *logger.Logger
	store     store.Store
	locks     LockManager
	client    TargetClient
	publisher events.Publisher
	metrics   *metrics.Metrics
	cronExpr  CronSchedule
	cfg       Config

	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	startedAt time.Time

	mu       sync.RWMutex
	jobs     map[string]jobEntry
	snapshot map[string]scheduleVersion
}

// New creates a scheduler. All collaborators are passed explicitly; the
// scheduler holds no package-level state.
func New(log *logger.Logger, st store.Store, locks LockManager, client TargetClient,
	publisher events.Publisher, m *metrics.Metrics, cronExpr CronSchedule, cfg Config) *Scheduler {
	return &Scheduler{
		log:       log,
		store:     st,
		locks:     locks,
		client:    client,
		publisher: publisher,
		metrics:   m,
		cronExpr:  cronExpr,
		cfg:       cfg,
		cron:      cron.New(),
		jobs:      make(map[string]jobEntry),
		snapshot:  make(map[string]scheduleVersion),
	}
}

// Start begins firing timers. It returns immediately; timers run on the
// cron goroutine and each fire dispatches on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.startedAt = time.Now()
	s.cron.Start()
	s.log.Info("scheduler started")

	go func() {
		<-s.ctx.Done()
		s.cron.Stop()
		s.log.Info("scheduler stopped")
	}()

	return nil
}

// Stop halts the timer table. In-flight dispatches are cancelled through
// the shared context.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return fmt.Errorf("scheduler not started")
	}
	s.cancel()
	s.started = false
	return nil
}

// IsStarted reports whether the timer table is live.
func (s *Scheduler) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Uptime returns time since Start.
func (s *Scheduler) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return 0
	}
	return time.Since(s.startedAt)
}

// JobsCount returns the number of registered timers.
func (s *Scheduler) JobsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Jobs returns the registered timers with their next fire times.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]JobInfo, 0, len(s.jobs))
	for id, entry := range s.jobs {
		jobs = append(jobs, JobInfo{
			ScheduleID: id,
			NextRun:    s.cron.Entry(entry.entryID).Next,
		})
	}
	return jobs
}

// TriggerNow runs the schedule through the normal fire path on its own
// goroutine. Manual and cron-fired executions share one code path and one
// locking discipline, so a manual trigger racing a cron fire simply skips.
func (s *Scheduler) TriggerNow(ctx context.Context, scheduleID string) error {
	if _, err := s.store.Get(ctx, scheduleID); err != nil {
		return err
	}

	go s.fire(scheduleID, store.TriggeredByManual)
	return nil
}

// registerLocked adds a timer for the schedule. Caller holds s.mu.
func (s *Scheduler) registerLocked(sched store.Schedule) error {
	entryID, err := s.cron.AddFunc(cronSpec(sched.CronExpr, sched.Timezone), func() {
		go s.fire(sched.ID, store.TriggeredBySchedule)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression for schedule %s: %w", sched.ID, err)
	}

	s.jobs[sched.ID] = jobEntry{entryID: entryID, updatedAt: sched.UpdatedAt}
	s.log.Info("schedule registered",
		logger.Field{Key: "schedule_id", Value: sched.ID},
		logger.Field{Key: "cron", Value: sched.CronExpr},
		logger.Field{Key: "timezone", Value: sched.Timezone})
	return nil
}

// removeLocked drops the schedule's timer if present. Caller holds s.mu.
func (s *Scheduler) removeLocked(scheduleID string) {
	entry, exists := s.jobs[scheduleID]
	if !exists {
		return
	}
	s.cron.Remove(entry.entryID)
	delete(s.jobs, scheduleID)
	s.log.Info("schedule removed",
		logger.Field{Key: "schedule_id", Value: scheduleID})
}
