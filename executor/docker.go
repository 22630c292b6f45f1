package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerExecutor runs DOCKER-format service calls as short-lived
// containers, central-only per the distribution planner's requirement
// inference (no edge node is assumed to carry a Docker daemon).
type DockerExecutor struct {
	cli *client.Client
}

// NewDockerExecutor connects to the local Docker daemon using the
// environment-derived configuration (DOCKER_HOST, etc), the standard
// client bootstrap used wherever the corpus touches Docker directly.
func NewDockerExecutor() (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerExecutor{cli: cli}, nil
}

func (e *DockerExecutor) Execute(ctx context.Context, req Request) Response {
	start := time.Now()

	image, _ := req.Operands["image"].(string)
	if image == "" {
		return timed(start, nil, nil, executorErr("MISSING_IMAGE", "docker executor requires operands.image", nil))
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	inputJSON, err := json.Marshal(req.Inputs)
	if err != nil {
		return timed(start, nil, nil, executorErr("MARSHAL_FAILED", "failed to marshal container input", err))
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   []string{string(inputJSON)},
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return timed(start, nil, []string{image}, executorErr("CONTAINER_CREATE_FAILED", "failed to create container", err))
	}
	defer e.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return timed(start, nil, []string{image}, executorErr("CONTAINER_START_FAILED", "failed to start container", err))
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return timed(start, nil, []string{image}, executorErr("CONTAINER_WAIT_FAILED", "failed waiting for container", err))
		}
	case <-statusCh:
	}

	out, err := e.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true})
	if err != nil {
		return timed(start, nil, []string{image}, executorErr("CONTAINER_LOGS_FAILED", "failed to read container output", err))
	}
	defer out.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out); err != nil {
		return timed(start, nil, []string{image}, executorErr("CONTAINER_LOGS_READ_FAILED", "failed to drain container output", err))
	}

	var decoded interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		decoded = buf.String()
	}
	return timed(start, decoded, []string{image}, nil)
}
