// Package containerrt wraps the Docker Engine API client behind the
// narrow contract the controller needs: run, stop, remove, follow
// logs, read state, and discover live executions by container name.
//
// All containers created through this package are named
// "plz-execution-id.<id>", so that a controller restart can
// re-discover every live execution by listing containers with that
// prefix.
package containerrt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/kwohlfahrt/plz-go/internal/types"
)

const containerNamePrefix = "plz-execution-id."

// Mount describes one bind/volume mount for a container.
type Mount struct {
	Source string
	Target string
	Type   mount.Type
}

// RunSpec describes one execution's container.
type RunSpec struct {
	ExecutionID string
	Image       string // "repository:tag"
	Command     []string
	Env         map[string]string
	Mounts      []Mount
}

// Adapter is the narrow runtime contract the rest of the controller
// depends on. A *Docker satisfies it against a real Engine API
// daemon; tests substitute a hand-written fake.
type Adapter interface {
	Run(ctx context.Context, spec RunSpec) error
	Stop(ctx context.Context, executionID string) error
	Remove(ctx context.Context, executionID string) error
	Logs(ctx context.Context, executionID string, stdout, stderr bool) (io.ReadCloser, error)
	GetState(ctx context.Context, executionID string) (*types.ContainerState, error)
	ListExecutionIDs(ctx context.Context) ([]string, error)
	ContainerID(ctx context.Context, executionID string) (string, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error)
}

// Docker implements Adapter against the Docker Engine API.
type Docker struct {
	cli *client.Client
}

// NewDocker builds a Docker-backed Adapter. host may be empty to use
// the environment default (DOCKER_HOST or the local socket).
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

// Client exposes the underlying Docker Engine API client, for
// components (like the Volume Builder) that need to issue calls this
// Adapter doesn't cover.
func (d *Docker) Client() *client.Client { return d.cli }

func containerName(executionID string) string {
	return containerNamePrefix + executionID
}

// Run starts a new detached container for the execution. The caller
// must have already ensured the image is present locally (pulled via
// the Image Registry).
func (d *Docker) Run(ctx context.Context, spec RunSpec) error {
	if spec.ExecutionID == "" {
		return fmt.Errorf("empty execution id")
	}
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mt := m.Type
		if mt == "" {
			mt = mount.TypeVolume
		}
		mounts = append(mounts, mount.Mount{Type: mt, Source: m.Source, Target: m.Target})
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Cmd:   spec.Command,
			Env:   env,
		},
		&container.HostConfig{Mounts: mounts},
		nil, nil, containerName(spec.ExecutionID))
	if err != nil {
		return fmt.Errorf("create container for execution %s: %w", spec.ExecutionID, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container for execution %s: %w", spec.ExecutionID, err)
	}
	slog.InfoContext(ctx, "containerrt.Run started container", "execution_id", spec.ExecutionID, "container_id", resp.ID)
	return nil
}

// Stop gracefully stops the execution's container, if it exists.
func (d *Docker) Stop(ctx context.Context, executionID string) error {
	id, err := d.ContainerID(ctx, executionID)
	if err != nil || id == "" {
		return err
	}
	timeout := 30
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container for execution %s: %w", executionID, err)
	}
	return nil
}

// Remove stops (if needed) and removes the execution's container.
func (d *Docker) Remove(ctx context.Context, executionID string) error {
	id, err := d.ContainerID(ctx, executionID)
	if err != nil || id == "" {
		return err
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container for execution %s: %w", executionID, err)
	}
	return nil
}

// Logs returns a follow stream that closes when the container exits.
func (d *Docker) Logs(ctx context.Context, executionID string, stdout, stderr bool) (io.ReadCloser, error) {
	id, err := d.ContainerID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: stdout,
		ShowStderr: stderr,
		Follow:     true,
	})
}

// GetState returns the derived container state, or nil if the
// execution has no container.
func (d *Docker) GetState(ctx context.Context, executionID string) (*types.ContainerState, error) {
	id, err := d.ContainerID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect container for execution %s: %w", executionID, err)
	}
	st := inspect.State
	state := &types.ContainerState{
		Running:    st.Running,
		Status:     st.Status,
		ExitCode:   st.ExitCode,
		FinishedAt: dockerDateToUnix(st.FinishedAt),
	}
	state.Success = state.IsSuccess()
	return state, nil
}

// ListExecutionIDs lists every execution id discoverable from
// currently-named containers, regardless of state. This is how a
// restarted controller reconstructs its view of live executions.
func (d *Docker) ListExecutionIDs(ctx context.Context) ([]string, error) {
	f := filters.NewArgs(filters.Arg("name", containerNamePrefix))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		for _, name := range c.Names {
			trimmed := strings.TrimPrefix(name, "/")
			if strings.HasPrefix(trimmed, containerNamePrefix) {
				ids = append(ids, strings.TrimPrefix(trimmed, containerNamePrefix))
				break
			}
		}
	}
	return ids, nil
}

// ContainerID resolves an execution id to its container id, or "" if
// no such container exists.
func (d *Docker) ContainerID(ctx context.Context, executionID string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerName(executionID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("inspect container for execution %s: %w", executionID, err)
	}
	return inspect.ID, nil
}

// CopyToContainer extracts a tar stream into a running or created
// container, used by the Volume Builder's helper-container step.
func (d *Docker) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error {
	if err := d.cli.CopyToContainer(ctx, containerID, dstPath, content, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container %s: %w", containerID, err)
	}
	return nil
}

// CopyFromContainer returns a tar stream of srcPath's contents, used to
// extract the output and measures directories at release time.
func (d *Docker) CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, containerID, srcPath)
	if err != nil {
		return nil, fmt.Errorf("copy from container %s (%s): %w", containerID, srcPath, err)
	}
	return rc, nil
}

func dockerDateToUnix(s string) int64 {
	if s == "" || strings.HasPrefix(s, "0001-01-01") {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UTC().Unix()
}

// DecimalEnv turns an int into the string form used for tag env vars
// like max-idle-seconds.
func DecimalEnv(n int64) string {
	return strconv.FormatInt(n, 10)
}
