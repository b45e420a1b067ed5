package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// Docker runs each command in an ephemeral container bound to the
// sandbox's workspace directory. The container is auto-removed; the
// workspace persists for the sandbox's lifetime so successive build stages
// see each other's files.
type Docker struct {
	client        *client.Client
	image         string
	memoryBytes   int64
	networkMode   string
	workspaceRoot string

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// NewDocker creates a docker-backed runner. workspaceRoot holds one
// directory per sandbox.
func NewDocker(image string, memoryMB int64, networkMode, workspaceRoot string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "node:20-alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 2048
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(os.TempDir(), "foundry-workspaces")
	}

	return &Docker{
		client:        cli,
		image:         image,
		memoryBytes:   memoryMB * 1024 * 1024,
		networkMode:   networkMode,
		workspaceRoot: workspaceRoot,
		sandboxes:     make(map[string]*Sandbox),
	}, nil
}

func (d *Docker) Provision(_ context.Context, jobID string) (*Sandbox, error) {
	sbx := &Sandbox{
		ID:        "sbx-" + uuid.NewString()[:8],
		JobID:     jobID,
		Workspace: filepath.Join(d.workspaceRoot, jobID),
	}
	if err := os.MkdirAll(sbx.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	d.mu.Lock()
	d.sandboxes[sbx.ID] = sbx
	d.mu.Unlock()
	return sbx, nil
}

func (d *Docker) Exec(ctx context.Context, sandboxID, cmd string) (*ExecResult, error) {
	d.mu.Lock()
	sbx, ok := d.sandboxes[sandboxID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryBytes,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", sbx.Workspace)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	var exitCode int
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), containerID, "SIGKILL")
		return nil, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
	}, nil
}

func (d *Docker) Destroy(_ context.Context, sandboxID string) error {
	d.mu.Lock()
	sbx, ok := d.sandboxes[sandboxID]
	if ok {
		delete(d.sandboxes, sandboxID)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	if err := os.RemoveAll(sbx.Workspace); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// Close closes the docker client.
func (d *Docker) Close() error {
	return d.client.Close()
}
