// Package registry tracks live agent processes on the execution target,
// keyed by execution id. The scheduler never talks to this package directly;
// it is reached through the runner's HTTP termination endpoints.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/proc"
)

// TerminationStatus is the outcome of a terminate request.
type TerminationStatus string

const (
	StatusTerminated      TerminationStatus = "terminated"
	StatusAlreadyFinished TerminationStatus = "already_finished"
	StatusNotFound        TerminationStatus = "not_found"
)

// TerminateResult reports how a termination request resolved.
type TerminateResult struct {
	Status     TerminationStatus
	ReturnCode *int
}

// EntryInfo is the read-only view of a registered execution.
type EntryInfo struct {
	ExecutionID  string            `json:"execution_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

type entry struct {
	handle       proc.Handle
	metadata     map[string]string
	registeredAt time.Time
}

// Registry is a thread-safe table of execution id to live process handle.
type Registry struct {
	log             *logger.Logger
	gracefulTimeout time.Duration
	killTimeout     time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a registry. gracefulTimeout bounds how long a process gets to
// honor the graceful signal before the forced kill; killTimeout bounds the
// wait after the kill.
func New(log *logger.Logger, gracefulTimeout, killTimeout time.Duration) *Registry {
	return &Registry{
		log:             log,
		gracefulTimeout: gracefulTimeout,
		killTimeout:     killTimeout,
		entries:         make(map[string]*entry),
	}
}

// Register inserts a started process under its execution id.
func (r *Registry) Register(executionID string, handle proc.Handle, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[executionID]; exists {
		return fmt.Errorf("execution already registered: %s", executionID)
	}

	r.entries[executionID] = &entry{
		handle:       handle,
		metadata:     metadata,
		registeredAt: time.Now(),
	}

	r.log.Debug("execution registered",
		logger.Field{Key: "execution_id", Value: executionID})
	return nil
}

// Unregister removes an execution. The code path that awaited the process
// calls this unconditionally in a deferred block, so normal completion
// always cleans up even on error.
func (r *Registry) Unregister(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, executionID)
}

// Terminate stops a registered process with two-stage signal escalation:
// graceful first, then a forced kill after the grace window. The two stages
// exist because the child may be mid-write to durable storage; the graceful
// signal gives it a bounded window to finish the current atomic step.
func (r *Registry) Terminate(ctx context.Context, executionID string) TerminateResult {
	r.mu.Lock()
	e, exists := r.entries[executionID]
	r.mu.Unlock()

	if !exists {
		return TerminateResult{Status: StatusNotFound}
	}

	if code, finished := e.handle.Poll(); finished {
		return TerminateResult{Status: StatusAlreadyFinished, ReturnCode: &code}
	}

	r.log.Info("terminating execution",
		logger.Field{Key: "execution_id", Value: executionID})

	if err := e.handle.Signal(proc.SignalGraceful); err != nil {
		r.log.Warn("graceful signal failed",
			logger.Field{Key: "execution_id", Value: executionID},
			logger.Field{Key: "error", Value: err})
	}

	graceCtx, cancel := context.WithTimeout(ctx, r.gracefulTimeout)
	code, err := e.handle.Wait(graceCtx)
	cancel()
	if err == nil {
		return TerminateResult{Status: StatusTerminated, ReturnCode: &code}
	}

	// Still alive after the grace window: escalate.
	if err := e.handle.Signal(proc.SignalKill); err != nil {
		r.log.Warn("kill signal failed",
			logger.Field{Key: "execution_id", Value: executionID},
			logger.Field{Key: "error", Value: err})
	}

	killCtx, cancel := context.WithTimeout(ctx, r.killTimeout)
	code, err = e.handle.Wait(killCtx)
	cancel()
	if err != nil {
		// Process refused to die within the secondary window; report the
		// termination without a return code.
		r.log.Error("process did not exit after kill signal", err,
			logger.Field{Key: "execution_id", Value: executionID})
		return TerminateResult{Status: StatusTerminated}
	}

	return TerminateResult{Status: StatusTerminated, ReturnCode: &code}
}

// Status returns the read-only view of one registered execution.
func (r *Registry) Status(executionID string) (EntryInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[executionID]
	if !exists {
		return EntryInfo{}, false
	}
	return EntryInfo{
		ExecutionID:  executionID,
		Metadata:     e.metadata,
		RegisteredAt: e.registeredAt,
	}, true
}

// ListRunning returns entries whose process has not finished.
func (r *Registry) ListRunning() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]EntryInfo, 0, len(r.entries))
	for id, e := range r.entries {
		if _, finished := e.handle.Poll(); finished {
			continue
		}
		infos = append(infos, EntryInfo{
			ExecutionID:  id,
			Metadata:     e.metadata,
			RegisteredAt: e.registeredAt,
		})
	}
	return infos
}

// InferExecutionID guesses the execution id for callers that do not know it.
// It matches a message preview against entry metadata and falls back to the
// single running process when exactly one exists.
func (r *Registry) InferExecutionID(messagePreview string) (string, bool) {
	running := r.ListRunning()

	if messagePreview != "" {
		for _, info := range running {
			if preview, ok := info.Metadata["message_preview"]; ok &&
				strings.Contains(preview, messagePreview) {
				return info.ExecutionID, true
			}
		}
	}

	if len(running) == 1 {
		return running[0].ExecutionID, true
	}
	return "", false
}

// CleanupFinished removes entries whose process has exited and returns how
// many were removed. Keeps the registry bounded when a dispatch path failed
// to unregister.
func (r *Registry) CleanupFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if _, finished := e.handle.Poll(); finished {
			delete(r.entries, id)
			removed++
		}
	}
	if removed > 0 {
		r.log.Debug("cleaned up finished executions",
			logger.Field{Key: "removed", Value: removed})
	}
	return removed
}

// StartCleanupLoop sweeps finished entries on a fixed interval until the
// context is cancelled.
func (r *Registry) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupFinished()
			}
		}
	}()
}
