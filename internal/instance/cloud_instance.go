package instance

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/ec2api"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

// CloudInstance is the Cloud-VM Instance variant: one fleet member,
// identified by an ec2api.Instance and wrapping a DockerInstance
// talking to that VM's own Docker daemon. Binding and idle state are
// externalized onto the VM's tags (ec2api.Tag* constants) instead of
// kept in controller memory, so a controller restart rediscovers live
// bindings by re-describing the fleet rather than replaying state —
// directly ported from the original EC2Instance's tag bookkeeping.
// dockerDelegate is the subset of DockerInstance's behavior a
// CloudInstance drives directly; narrowed to an interface so tests can
// substitute a fake without a real Docker daemon.
type dockerDelegate interface {
	Run(ctx context.Context, args RunArgs) error
	StopExecution(ctx context.Context) error
	ContainerState(ctx context.Context) (*types.ContainerState, error)
	Release(ctx context.Context, idleSince int64, releaseContainer bool) error
	Logs(ctx context.Context, stdout, stderr bool) (io.ReadCloser, error)
	OutputFilesTarball(ctx context.Context) (io.ReadCloser, error)
	MeasuresFilesTarball(ctx context.Context) (io.ReadCloser, error)
}

// registryProbe is the subset of Registry a CloudInstance needs:
// pulling the bound snapshot and probing reachability. Narrowed to an
// interface for the same testability reason as dockerDelegate.
type registryProbe interface {
	Pull(ctx context.Context, tag string) error
	CanPull(ctx context.Context, tag string, retries int) bool
}

type CloudInstance struct {
	mu sync.Mutex

	ec2        ec2api.Client
	registry   registryProbe
	instanceID string
	groupID    string
	delegate   dockerDelegate
}

// NewCloudInstance wraps delegate (pointed at the VM's own Docker
// daemon) as one fleet member.
func NewCloudInstance(client ec2api.Client, reg registryProbe, instanceID, groupID string, delegate dockerDelegate) *CloudInstance {
	return &CloudInstance{ec2: client, registry: reg, instanceID: instanceID, groupID: groupID, delegate: delegate}
}

func (c *CloudInstance) InstanceID() string { return c.instanceID }

func (c *CloudInstance) describe(ctx context.Context) (*ec2api.Instance, error) {
	return c.ec2.DescribeInstance(ctx, c.instanceID)
}

// Run pulls the snapshot onto the VM, starts it via the delegate, then
// binds the VM to the execution by tag. Mirrors EC2Instance.run: the
// free/bound check happens under the same lock as the bind itself, so
// two acquisitions racing for this instance can't both succeed.
func (c *CloudInstance) Run(ctx context.Context, args RunArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	free, err := c.isRunningAndFree(ctx)
	if err != nil {
		return err
	}
	if !free {
		return &apierrors.InstanceAssignedError{InstanceID: c.instanceID}
	}

	if err := c.registry.Pull(ctx, args.SnapshotID); err != nil {
		return fmt.Errorf("pull snapshot %s onto instance %s: %w", args.SnapshotID, c.instanceID, err)
	}
	if err := c.delegate.Run(ctx, args); err != nil {
		return err
	}
	refreshed, err := c.ec2.SetTags(ctx, c.instanceID, map[string]string{
		ec2api.TagExecutionID:    args.ExecutionID,
		ec2api.TagMaxIdleSeconds: strconv.FormatInt(args.MaxIdleSeconds, 10),
	})
	if err != nil {
		return err
	}
	if refreshed.Tag(ec2api.TagExecutionID) != args.ExecutionID {
		// Another caller's SetTags landed between our free check and
		// ours: the read-back shows someone else's execution id, not
		// ours. Report the loss instead of proceeding as if we'd won.
		return &apierrors.InstanceAssignedError{InstanceID: c.instanceID}
	}
	return nil
}

func (c *CloudInstance) StopExecution(ctx context.Context) error {
	return c.delegate.StopExecution(ctx)
}

func (c *CloudInstance) ContainerState(ctx context.Context) (*types.ContainerState, error) {
	return c.delegate.ContainerState(ctx)
}

// Release detaches the execution from the delegate, then clears the
// execution tag and records idleSince as the instance's new idle
// start time, same order as EC2Instance.release.
func (c *CloudInstance) Release(ctx context.Context, idleSince int64, releaseContainer bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.delegate.Release(ctx, idleSince, releaseContainer); err != nil {
		return err
	}
	_, err := c.ec2.SetTags(ctx, c.instanceID, map[string]string{
		ec2api.TagExecutionID:        "",
		ec2api.TagIdleSinceTimestamp: strconv.FormatInt(idleSince, 10),
	})
	return err
}

func (c *CloudInstance) Logs(ctx context.Context, stdout, stderr bool) (io.ReadCloser, error) {
	return c.delegate.Logs(ctx, stdout, stderr)
}

func (c *CloudInstance) OutputFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	return c.delegate.OutputFilesTarball(ctx)
}

func (c *CloudInstance) MeasuresFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	return c.delegate.MeasuresFilesTarball(ctx)
}

func (c *CloudInstance) GetExecutionID() string {
	inst, err := c.describe(context.Background())
	if err != nil {
		return ""
	}
	return inst.Tag(ec2api.TagExecutionID)
}

func (c *CloudInstance) GetMaxIdleSeconds() int64 {
	inst, err := c.describe(context.Background())
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(inst.Tag(ec2api.TagMaxIdleSeconds), 10, 64)
	return n
}

// GetIdleSinceTimestamp returns the delegate container's FinishedAt
// whenever a container exists (0 while it is still running), otherwise
// the externalized idle-since tag.
func (c *CloudInstance) GetIdleSinceTimestamp(ctx context.Context) (int64, error) {
	state, err := c.delegate.ContainerState(ctx)
	if err != nil {
		return 0, err
	}
	if state != nil {
		return state.FinishedAt, nil
	}
	inst, err := c.describe(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(inst.Tag(ec2api.TagIdleSinceTimestamp), 10, 64)
	return n, nil
}

// DisposeIfItsTime terminates the VM once its idle budget has elapsed,
// or immediately in any of the "weird cases" the original flags:
// clock skew making idle-since look future-dated, or a non-positive
// idle budget.
func (c *CloudInstance) DisposeIfItsTime(ctx context.Context, info types.ExecutionInfo) error {
	now := time.Now().Unix()
	if now-info.IdleSinceTimestamp > info.MaxIdleSeconds ||
		info.IdleSinceTimestamp > now ||
		info.MaxIdleSeconds <= 0 {
		return c.ec2.Terminate(ctx, c.instanceID)
	}
	return nil
}

// IsUp reports whether the VM is running and its Docker daemon can
// reach the image registry, with a wider retry budget for a freshly
// booted instance still finishing its startup sequence.
func (c *CloudInstance) IsUp(ctx context.Context, newlyCreated bool) (bool, error) {
	running, err := c.isRunning(ctx)
	if err != nil || !running {
		return false, err
	}
	retries := 1
	if newlyCreated {
		retries = 5
	}
	return c.registry.CanPull(ctx, healthProbeTag, retries), nil
}

// healthProbeTag is an always-present tag used purely to exercise the
// registry round trip from a candidate VM; it is never the tag of an
// execution's snapshot.
const healthProbeTag = "controller-health-check"

func (c *CloudInstance) isRunning(ctx context.Context) (bool, error) {
	inst, err := c.describe(ctx)
	if err != nil {
		return false, nil
	}
	return inst.State == "running", nil
}

func (c *CloudInstance) isRunningAndFree(ctx context.Context) (bool, error) {
	running, err := c.isRunning(ctx)
	if err != nil || !running {
		return false, err
	}
	inst, err := c.describe(ctx)
	if err != nil {
		return false, err
	}
	return inst.Tag(ec2api.TagExecutionID) == "", nil
}

func (c *CloudInstance) GetResourceState(ctx context.Context) (string, error) {
	inst, err := c.describe(ctx)
	if err != nil {
		return "", err
	}
	return inst.State, nil
}

// DeleteResource clears the group tag rather than terminating: AWS
// does not support deleting an instance resource outright, so this
// only needs to stop the instance from being discovered within its
// group.
func (c *CloudInstance) DeleteResource(ctx context.Context) error {
	_, err := c.ec2.SetTags(ctx, c.instanceID, map[string]string{ec2api.TagGroupID: ""})
	return err
}

func (c *CloudInstance) GetForensics(ctx context.Context) (map[string]any, error) {
	state, err := c.GetResourceState(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"instance_state": state}, nil
}
