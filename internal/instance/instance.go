// Package instance implements the two Instance variants the fleet
// provider acquires and releases: Docker-local (the process's own
// Docker daemon as a single, always-present resource) and Cloud-VM (a
// fleet of EC2 instances, each wrapping its own Docker-local instance
// and externalizing binding/idle state as tags on the VM itself).
//
// Both variants are grounded on the same contract the original
// controller split across instance_base.Instance / DockerInstance /
// EC2Instance: run, stop, read state, release, and stream back logs
// and artifacts.
package instance

import (
	"context"
	"io"

	"github.com/kwohlfahrt/plz-go/internal/types"
)

// RunArgs is everything needed to start one execution.
type RunArgs struct {
	ExecutionID    string
	SnapshotID     string
	Command        []string
	Parameters     types.Parameters
	MaxIdleSeconds int64
}

// Instance is the contract an Instance Provider acquires, runs one
// execution on, and eventually releases.
type Instance interface {
	// Run binds this instance to args.ExecutionID and starts args on
	// it. The Cloud-VM variant rejects an instance already bound to
	// another execution.
	Run(ctx context.Context, args RunArgs) error

	// StopExecution requests early termination of the running command.
	StopExecution(ctx context.Context) error

	// ContainerState reports the current derived container state, or
	// nil if no container has been created yet.
	ContainerState(ctx context.Context) (*types.ContainerState, error)

	// Release detaches the bound execution, recording idleSince as the
	// instance's new idle start time. If releaseContainer, the
	// underlying container and its volume are torn down; otherwise
	// they're left for a later inspection (e.g. forensics after a
	// runtime error).
	Release(ctx context.Context, idleSince int64, releaseContainer bool) error

	// Logs streams combined or selected output for the bound execution.
	Logs(ctx context.Context, stdout, stderr bool) (io.ReadCloser, error)

	// OutputFilesTarball returns a tar stream of the execution's output
	// directory.
	OutputFilesTarball(ctx context.Context) (io.ReadCloser, error)

	// MeasuresFilesTarball returns a tar stream of the execution's
	// measures directory.
	MeasuresFilesTarball(ctx context.Context) (io.ReadCloser, error)

	// GetExecutionID reports which execution (if any) this instance is
	// currently bound to; "" means free.
	GetExecutionID() string

	// GetMaxIdleSeconds reports the idle budget set at the last Run.
	GetMaxIdleSeconds() int64

	// GetIdleSinceTimestamp reports when the instance went idle, or the
	// bound execution's FinishedAt if it's mid-teardown.
	GetIdleSinceTimestamp(ctx context.Context) (int64, error)

	// DisposeIfItsTime terminates the underlying resource when it's
	// been idle past its budget.
	DisposeIfItsTime(ctx context.Context, info types.ExecutionInfo) error

	// IsUp reports whether the instance is both running and its image
	// registry is reachable from it. newlyCreated widens the retry
	// budget for a freshly booted VM that may still be warming up.
	IsUp(ctx context.Context, newlyCreated bool) (bool, error)

	// GetResourceState reports the underlying resource's lifecycle
	// state (e.g. "running", "stopped", "terminated" for a VM; fixed
	// value for Docker-local).
	GetResourceState(ctx context.Context) (string, error)

	// DeleteResource permanently removes the instance from its group
	// so it is no longer discovered as a member of that group.
	DeleteResource(ctx context.Context) error

	// GetForensics returns whatever extra diagnostic detail this
	// variant can surface about a failed execution (e.g. a Cloud-VM's
	// instance state). Docker-local returns an empty map.
	GetForensics(ctx context.Context) (map[string]any, error)
}
