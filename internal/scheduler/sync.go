package scheduler

import (
	"context"
	"time"

	"github.com/oturie/relay/internal/logger"
)

// RunSyncLoop reconciles the timer table against the schedule store every
// interval until ctx is done. The first pass runs immediately so a fresh
// instance picks up its schedules without waiting a full interval.
func (s *Scheduler) RunSyncLoop(ctx context.Context, interval time.Duration) {
	s.syncOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

// syncOnce diffs the store against the registered timers and converges the
// timer table. A store read failure skips the pass; the previous timer table
// keeps firing until the store recovers.
func (s *Scheduler) syncOnce(ctx context.Context) {
	schedules, err := s.store.ListAll(ctx)
	if err != nil {
		s.metrics.RecordSync("error")
		s.log.Warn("schedule sync skipped, store unreadable",
			logger.Field{Key: "error", Value: err})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]scheduleVersion, len(schedules))
	var added, removed, updated int

	for _, sched := range schedules {
		current[sched.ID] = scheduleVersion{enabled: sched.Enabled, updatedAt: sched.UpdatedAt}

		prev, known := s.snapshot[sched.ID]
		switch {
		case !known:
			if sched.Enabled {
				if err := s.registerLocked(sched); err != nil {
					s.log.Warn("failed to register schedule",
						logger.Field{Key: "schedule_id", Value: sched.ID},
						logger.Field{Key: "error", Value: err})
					continue
				}
				added++
			}
		case prev.enabled != sched.Enabled || !prev.updatedAt.Equal(sched.UpdatedAt):
			s.removeLocked(sched.ID)
			if sched.Enabled {
				if err := s.registerLocked(sched); err != nil {
					s.log.Warn("failed to re-register schedule",
						logger.Field{Key: "schedule_id", Value: sched.ID},
						logger.Field{Key: "error", Value: err})
					continue
				}
			}
			updated++
		}
	}

	for id := range s.snapshot {
		if _, still := current[id]; !still {
			s.removeLocked(id)
			removed++
		}
	}

	s.snapshot = current
	s.metrics.RecordSync("success")
	s.metrics.SetJobsLive(len(s.jobs))

	if added > 0 || removed > 0 || updated > 0 {
		s.log.Info("schedule sync applied changes",
			logger.Field{Key: "added", Value: added},
			logger.Field{Key: "removed", Value: removed},
			logger.Field{Key: "updated", Value: updated},
			logger.Field{Key: "live", Value: len(s.jobs)})
	}
}
