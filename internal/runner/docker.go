package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	dockerclient "github.com/moby/moby/client"

	"github.com/oturie/relay/internal/logger"
	"github.com/oturie/relay/internal/proc"
	"github.com/oturie/relay/internal/target"
)

// DockerLauncher runs each agent task in a fresh container from a fixed
// image. The message is the container command and the execution id is
// injected through the environment.
type DockerLauncher struct {
	log   *logger.Logger
	cli   *dockerclient.Client
	image string
}

// NewDockerLauncher connects to the local Docker daemon.
func NewDockerLauncher(log *logger.Logger, image string) (*DockerLauncher, error) {
	cli, err := dockerclient.New(dockerclient.WithAPIVersionNegotiation(), dockerclient.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLauncher{log: log, cli: cli, image: image}, nil
}

func (l *DockerLauncher) Launch(ctx context.Context, spec TaskSpec) (*RunningTask, error) {
	created, err := l.cli.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Image: l.image,
		Config: &container.Config{
			Image: l.image,
			Cmd:   []string{spec.Message},
			Env: []string{
				"RELAY_EXECUTION_ID=" + spec.ExecutionID,
				"RELAY_AGENT_ID=" + spec.AgentID,
			},
		},
		HostConfig: &container.HostConfig{
			AutoRemove: false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent container: %w", err)
	}
	containerID := created.ID

	attach, err := l.cli.ContainerAttach(ctx, containerID, dockerclient.ContainerAttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.removeContainer(containerID)
		return nil, fmt.Errorf("failed to attach to agent container: %w", err)
	}

	var (
		output    bytes.Buffer
		outputMu  sync.Mutex
		streamEnd = make(chan struct{})
	)
	go func() {
		defer close(streamEnd)
		defer attach.HijackedResponse.Close()
		buf := make([]byte, 32*1024)
		for {
			n, readErr := attach.HijackedResponse.Reader.Read(buf)
			if n > 0 {
				outputMu.Lock()
				output.Write(buf[:n])
				outputMu.Unlock()
			}
			if readErr != nil {
				return
			}
		}
	}()

	if _, err := l.cli.ContainerStart(ctx, containerID, dockerclient.ContainerStartOptions{}); err != nil {
		l.removeContainer(containerID)
		return nil, fmt.Errorf("failed to start agent container: %w", err)
	}

	l.log.Info("agent container started",
		logger.Field{Key: "execution_id", Value: spec.ExecutionID},
		logger.Field{Key: "container_id", Value: containerID})

	handle := proc.NewContainerHandle(l.cli, containerID)
	return &RunningTask{
		Handle: handle,
		Result: func() (*target.TaskResult, error) {
			// Drain the attach stream before reading; the daemon closes it
			// shortly after the container exits.
			select {
			case <-streamEnd:
			case <-time.After(2 * time.Second):
			}
			outputMu.Lock()
			raw := append([]byte(nil), output.Bytes()...)
			outputMu.Unlock()

			l.removeContainer(containerID)
			return parseResult(demuxStream(raw), nil)
		},
	}, nil
}

func (l *DockerLauncher) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := l.cli.ContainerRemove(ctx, containerID, dockerclient.ContainerRemoveOptions{Force: true}); err != nil {
		l.log.Warn("failed to remove agent container",
			logger.Field{Key: "container_id", Value: containerID},
			logger.Field{Key: "error", Value: err})
	}
}

// demuxStream strips the 8-byte multiplexing headers the daemon prepends to
// each frame on a non-tty attach stream. Payload bytes pass through as-is.
func demuxStream(raw []byte) []byte {
	var out bytes.Buffer
	r := bytes.NewReader(raw)
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		// header[0] is the stream id, bytes 4..8 the big-endian frame size
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size < 0 || size > r.Len() {
			// not a multiplexed stream, keep the raw bytes
			return raw
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			break
		}
		out.Write(frame)
	}
	if out.Len() == 0 {
		return raw
	}
	return out.Bytes()
}
