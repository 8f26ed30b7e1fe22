package verify

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerExecutor runs verification steps inside ephemeral containers. It
// implements ContainerExecutor and is adapted from the teacher's
// internal/tools/docker.go DockerSandbox, narrowed to the single
// bind-mount-and-run shape a verification step needs.
type DockerExecutor struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
}

// NewDockerExecutor constructs a DockerExecutor for the given image. An
// empty networkMode defaults to "none" — verification steps run offline
// unless a project explicitly needs network access for e.g. package
// restore, which the caller opts into.
func NewDockerExecutor(image string, memoryMB int64, networkMode string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if memoryMB <= 0 {
		memoryMB = 1024
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &DockerExecutor{client: cli, image: image, memoryMB: memoryMB * 1024 * 1024, networkMode: networkMode}, nil
}

// Exec runs cmd inside a fresh container with workDir bind-mounted at
// /workspace, matching DockerSandbox.Exec's create/start/wait/collect
// sequence.
func (d *DockerExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryMB},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
		return "", "step timed out", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close releases the underlying docker client.
func (d *DockerExecutor) Close() error { return d.client.Close() }
