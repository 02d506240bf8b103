// Package runner hosts the execution target: it spawns agent processes,
// tracks them in the process registry and serves the task HTTP API the
// scheduler dispatches against.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/proc"
	"github.com/oturie/relay/internal/target"
)

// TaskSpec describes one agent task to spawn.
type TaskSpec struct {
	AgentID     string
	ExecutionID string
	Message     string
	Timeout     time.Duration
}

// RunningTask pairs a live process handle with its output collector.
// Result must only be called after the process has exited.
type RunningTask struct {
	Handle proc.Handle
	Result func() (*target.TaskResult, error)
}

// Launcher spawns agent processes.
type Launcher interface {
	Launch(ctx context.Context, spec TaskSpec) (*RunningTask, error)
}

// ExecLauncher runs the agent as a local subprocess. The task message is
// appended as the final argument and the execution id is passed through the
// environment.
type ExecLauncher struct {
	log  *logger.Logger
	argv []string
}

// NewExecLauncher takes the agent command as an argv slice; the message is
// appended at launch time.
func NewExecLauncher(log *logger.Logger, argv []string) (*ExecLauncher, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent command is empty")
	}
	return &ExecLauncher{log: log, argv: argv}, nil
}

func (l *ExecLauncher) Launch(_ context.Context, spec TaskSpec) (*RunningTask, error) {
	args := append(append([]string(nil), l.argv[1:]...), spec.Message)
	cmd := exec.Command(l.argv[0], args...)
	cmd.Env = append(os.Environ(),
		"RELAY_EXECUTION_ID="+spec.ExecutionID,
		"RELAY_AGENT_ID="+spec.AgentID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	l.log.Info("agent process started",
		logger.Field{Key: "execution_id", Value: spec.ExecutionID},
		logger.Field{Key: "pid", Value: cmd.Process.Pid})

	handle := proc.NewExecHandle(cmd)
	return &RunningTask{
		Handle: handle,
		Result: func() (*target.TaskResult, error) {
			return parseResult(stdout.Bytes(), stderr.Bytes())
		},
	}, nil
}

// parseResult interprets the agent's stdout. A well-behaved agent prints a
// JSON task result as its final output; anything else is wrapped verbatim.
func parseResult(stdout, stderr []byte) (*target.TaskResult, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		if len(bytes.TrimSpace(stderr)) > 0 {
			return nil, fmt.Errorf("agent produced no result: %s",
				target.Truncate(string(bytes.TrimSpace(stderr)), 512))
		}
		return nil, fmt.Errorf("agent produced no output")
	}

	// The result is the last JSON object on stdout; agents may log lines
	// before it.
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		if last := bytes.TrimSpace(trimmed[idx:]); len(last) > 0 && last[0] == '{' {
			var result target.TaskResult
			if err := json.Unmarshal(last, &result); err == nil {
				return &result, nil
			}
		}
	}

	var result target.TaskResult
	if err := json.Unmarshal(trimmed, &result); err == nil {
		return &result, nil
	}

	return &target.TaskResult{Response: string(trimmed)}, nil
}
