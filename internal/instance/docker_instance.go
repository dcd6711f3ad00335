package instance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/kwohlfahrt/plz-go/internal/containerrt"
	"github.com/kwohlfahrt/plz-go/internal/types"
	"github.com/kwohlfahrt/plz-go/internal/volumes"
)

// DockerInstance is the Docker-local Instance variant: a single
// always-present resource (the controller's own Docker daemon)
// fronting a Container Runtime Adapter and a Volume Builder. It never
// disposes of itself — DisposeIfItsTime and DeleteResource are no-ops
// — since there's no VM lifecycle to manage here, only container
// lifecycle.
type DockerInstance struct {
	mu sync.Mutex

	runtime containerrt.Adapter
	volumes *volumes.Builder
	id      string // opaque identity for this resource, stable across runs

	executionID    string
	maxIdleSeconds int64
	idleSince      int64
}

// NewDockerInstance wraps a runtime adapter and volume builder as one
// free Docker-local instance identified by id (e.g. a generated
// resource name, see cmd/plz-controller's buildLocalProvider).
func NewDockerInstance(id string, runtime containerrt.Adapter, vols *volumes.Builder) *DockerInstance {
	return &DockerInstance{id: id, runtime: runtime, volumes: vols}
}

// ID returns this instance's stable resource identity.
func (d *DockerInstance) ID() string { return d.id }

// BindExisting rebinds this instance to an execution already running
// in a container from a prior controller process, without starting
// anything. Used by LocalProvider at construction time to rediscover a
// live execution after a restart.
func (d *DockerInstance) BindExisting(executionID string, maxIdleSeconds int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executionID = executionID
	d.maxIdleSeconds = maxIdleSeconds
}

func configVolumeName(executionID string) string { return "plz-volume." + executionID }

func (d *DockerInstance) Run(ctx context.Context, args RunArgs) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	paramsJSON, err := json.Marshal(args.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters for %s: %w", args.ExecutionID, err)
	}
	volName := configVolumeName(args.ExecutionID)
	if err := d.volumes.Create(ctx, volName, []volumes.Object{
		volumes.File{Path: volumes.ConfigurationFile, Contents: paramsJSON},
		volumes.Directory{Path: volumes.OutputSubPath},
	}); err != nil {
		return fmt.Errorf("build configuration volume for %s: %w", args.ExecutionID, err)
	}

	err = d.runtime.Run(ctx, containerrt.RunSpec{
		ExecutionID: args.ExecutionID,
		Image:       args.SnapshotID,
		Command:     args.Command,
		Mounts: []containerrt.Mount{
			{Source: volName, Target: volumes.VolumeMountPath},
		},
	})
	if err != nil {
		_ = d.volumes.Remove(ctx, volName)
		return fmt.Errorf("run execution %s: %w", args.ExecutionID, err)
	}

	d.executionID = args.ExecutionID
	d.maxIdleSeconds = args.MaxIdleSeconds
	d.idleSince = 0
	return nil
}

func (d *DockerInstance) StopExecution(ctx context.Context) error {
	d.mu.Lock()
	executionID := d.executionID
	d.mu.Unlock()
	if executionID == "" {
		return nil
	}
	return d.runtime.Stop(ctx, executionID)
}

func (d *DockerInstance) ContainerState(ctx context.Context) (*types.ContainerState, error) {
	d.mu.Lock()
	executionID := d.executionID
	d.mu.Unlock()
	if executionID == "" {
		return nil, nil
	}
	return d.runtime.GetState(ctx, executionID)
}

func (d *DockerInstance) Release(ctx context.Context, idleSince int64, releaseContainer bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	executionID := d.executionID
	if executionID == "" {
		return nil
	}
	if releaseContainer {
		if err := d.runtime.Remove(ctx, executionID); err != nil {
			return fmt.Errorf("remove container for %s: %w", executionID, err)
		}
		if err := d.volumes.Remove(ctx, configVolumeName(executionID)); err != nil {
			return fmt.Errorf("remove configuration volume for %s: %w", executionID, err)
		}
	}
	d.executionID = ""
	d.maxIdleSeconds = 0
	d.idleSince = idleSince
	return nil
}

func (d *DockerInstance) Logs(ctx context.Context, stdout, stderr bool) (io.ReadCloser, error) {
	d.mu.Lock()
	executionID := d.executionID
	d.mu.Unlock()
	if executionID == "" {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return d.runtime.Logs(ctx, executionID, stdout, stderr)
}

func (d *DockerInstance) tarballOf(ctx context.Context, subPath string) (io.ReadCloser, error) {
	d.mu.Lock()
	executionID := d.executionID
	d.mu.Unlock()
	if executionID == "" {
		return nil, fmt.Errorf("instance %s has no bound execution", d.id)
	}
	containerID, err := d.runtime.ContainerID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return d.runtime.CopyFromContainer(ctx, containerID, subPath)
}

// OutputFilesTarball and MeasuresFilesTarball both read from the same
// configuration volume's output subtree: measures are a convention
// (output/measures.json) rather than a distinct mount, matching how
// the original controller treats both as views over one output
// directory.
func (d *DockerInstance) OutputFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	return d.tarballOf(ctx, volumes.OutputPath())
}

func (d *DockerInstance) MeasuresFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	return d.tarballOf(ctx, volumes.OutputPath())
}

func (d *DockerInstance) GetExecutionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executionID
}

func (d *DockerInstance) GetMaxIdleSeconds() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxIdleSeconds
}

func (d *DockerInstance) GetIdleSinceTimestamp(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idleSince, nil
}

// DisposeIfItsTime is a no-op: the Docker-local resource is the
// controller's own daemon and is never torn down.
func (d *DockerInstance) DisposeIfItsTime(ctx context.Context, info types.ExecutionInfo) error {
	return nil
}

func (d *DockerInstance) IsUp(ctx context.Context, newlyCreated bool) (bool, error) {
	return true, nil
}

func (d *DockerInstance) GetResourceState(ctx context.Context) (string, error) {
	return "running", nil
}

// DeleteResource is a no-op for the same reason as DisposeIfItsTime.
func (d *DockerInstance) DeleteResource(ctx context.Context) error { return nil }

func (d *DockerInstance) GetForensics(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}
