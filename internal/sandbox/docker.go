package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/HatimBenzahra/agent/internal/domain"
)

const (
	// Container configuration.
	sandboxImage    = "agent-sandbox:latest"
	sandboxUser     = "1000"
	sandboxMount    = "/workspace"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// DockerRunner executes commands inside one long-lived container per
// project, with the project workspace bind-mounted at a fixed path. The
// container is created lazily on first command and kept idle between
// commands.
type DockerRunner struct {
	cli *client.Client

	mu         sync.Mutex
	containers map[string]string // projectID -> containerID
}

// NewDockerRunner creates a Docker-backed runner from the environment's
// Docker configuration.
func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker sandbox runner initialized")
	return &DockerRunner{
		cli:        cli,
		containers: make(map[string]string),
	}, nil
}

// Run executes one shell command inside the project's container.
func (r *DockerRunner) Run(ctx context.Context, workspace, workDir, command string) (domain.CommandResult, error) {
	start := time.Now()

	projectID := projectIDFromWorkspace(workspace)
	containerID, err := r.ensureContainer(ctx, projectID, workspace)
	if err != nil {
		return domain.CommandResult{}, err
	}

	// The host workDir maps 1:1 under the mount point.
	containerDir := sandboxMount
	if rel := strings.TrimPrefix(workDir, workspace); rel != "" {
		containerDir = sandboxMount + rel
	}

	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", command},
		User:         sandboxUser,
		WorkingDir:   containerDir,
	}
	resp, err := r.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	output, err := io.ReadAll(attach.Reader)
	if err != nil && ctx.Err() == nil {
		return domain.CommandResult{}, fmt.Errorf("read exec output: %w", err)
	}
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return domain.CommandResult{
			Output:   "Command timed out",
			Success:  false,
			ExitCode: -1,
			Duration: duration,
		}, nil
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}

	return domain.CommandResult{
		Output:   string(output),
		Success:  inspect.ExitCode == 0,
		ExitCode: inspect.ExitCode,
		Duration: duration,
	}, nil
}

// ensureContainer returns a running container for the project, creating or
// restarting one as needed.
func (r *DockerRunner) ensureContainer(ctx context.Context, projectID, workspace string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	containerName := "agent-sandbox-" + projectID

	inspect, err := r.cli.ContainerInspect(ctx, containerName)
	if err == nil {
		if inspect.State.Running {
			r.containers[projectID] = inspect.ID
			return inspect.ID, nil
		}
		slog.Info("Restarting stopped sandbox container", "container_id", inspect.ID, "project_id", projectID)
		if err := r.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
		}
		r.containers[projectID] = inspect.ID
		return inspect.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", containerName, err)
	}

	slog.Info("Creating sandbox container", "project_id", projectID, "workspace", workspace)

	config := &container.Config{
		Image:      sandboxImage,
		User:       sandboxUser,
		WorkingDir: sandboxMount,
		Tty:        false,
		// Keep the container alive between execs.
		Cmd: []string{"sleep", "infinity"},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workspace,
			Target: sandboxMount,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A delayed removal can leave the old named container briefly.
		slog.Warn("Sandbox container name conflict during create, retrying",
			"project_id", projectID,
			"attempt", i+1,
			"error", createErr,
		)
		if stale, inspectErr := r.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if stopErr := r.removeContainer(ctx, stale.ID); stopErr != nil {
				slog.Warn("Failed to remove conflicting container before retry", "container_id", stale.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Sandbox container started", "container_id", resp.ID, "project_id", projectID)
	r.containers[projectID] = resp.ID
	return resp.ID, nil
}

// Close stops and removes the project's container. Idempotent: a container
// already gone is not an error.
func (r *DockerRunner) Close(ctx context.Context, projectID string) error {
	r.mu.Lock()
	containerID, ok := r.containers[projectID]
	delete(r.containers, projectID)
	r.mu.Unlock()

	if !ok {
		// May exist from a previous run under its deterministic name.
		inspect, err := r.cli.ContainerInspect(ctx, "agent-sandbox-"+projectID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil
			}
			return fmt.Errorf("inspect container for %s: %w", projectID, err)
		}
		containerID = inspect.ID
	}
	return r.removeContainer(ctx, containerID)
}

func (r *DockerRunner) removeContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}
	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	slog.Info("Sandbox container removed", "container_id", containerID)
	return nil
}

// projectIDFromWorkspace recovers the project id from the workspace path,
// which is always <root>/<projectID>.
func projectIDFromWorkspace(workspace string) string {
	trimmed := strings.TrimRight(workspace, "/")
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func ptr[T any](v T) *T {
	return &v
}
