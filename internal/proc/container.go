package proc

import (
	"context"
	"time"

	dockerclient "github.com/moby/moby/client"
)

const containerPollInterval = 100 * time.Millisecond

// ContainerHandle adapts a running Docker container to the Handle interface.
// Polling goes through ContainerInspect; signals go through ContainerKill,
// so the in-container agent sees the same SIGTERM/SIGKILL escalation as an
// OS process would.
type ContainerHandle struct {
	cli *dockerclient.Client
	id  string
}

// NewContainerHandle adopts a started container by id.
func NewContainerHandle(cli *dockerclient.Client, containerID string) *ContainerHandle {
	return &ContainerHandle{cli: cli, id: containerID}
}

// ContainerID returns the underlying container id.
func (h *ContainerHandle) ContainerID() string {
	return h.id
}

// Poll inspects the container; a non-running state yields its exit code.
// Inspect errors (daemon unreachable, container removed) are reported as
// finished with exit code -1 so the registry can clean the entry up.
func (h *ContainerHandle) Poll() (int, bool) {
	result, err := h.cli.ContainerInspect(context.Background(), h.id, dockerclient.ContainerInspectOptions{})
	if err != nil {
		return -1, true
	}
	state := result.Container.State
	if state != nil && state.Running {
		return 0, false
	}
	if state != nil {
		return state.ExitCode, true
	}
	return -1, true
}

// Signal delivers SIGTERM or SIGKILL to the container's init process.
func (h *ContainerHandle) Signal(kind SignalKind) error {
	sig := "SIGTERM"
	if kind == SignalKill {
		sig = "SIGKILL"
	}
	_, err := h.cli.ContainerKill(context.Background(), h.id, dockerclient.ContainerKillOptions{Signal: sig})
	return err
}

// Wait polls the container state until it stops or the context is done.
func (h *ContainerHandle) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(containerPollInterval)
	defer ticker.Stop()

	for {
		if code, finished := h.Poll(); finished {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
