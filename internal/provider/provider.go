// Package provider implements the two Instance Provider variants: a
// single-instance local provider fronting the controller's own Docker
// daemon, and a fleet manager driving a group of Cloud-VM instances
// through AWS EC2.
package provider

import (
	"context"

	"github.com/kwohlfahrt/plz-go/internal/instance"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

// InstanceProvider is what the controller drives to run and manage
// executions without caring whether the backing resource is the local
// Docker daemon or a fleet of cloud VMs.
type InstanceProvider interface {
	// AcquireInstance binds a free (or newly provisioned) instance to
	// executionID and starts args on it, streaming status events as
	// acquisition proceeds (the retry/backoff loop surfaced to the
	// caller).
	AcquireInstance(ctx context.Context, executionID string, spec types.ExecutionSpec, args instance.RunArgs) (<-chan types.CommandEvent, error)

	// InstanceFor resolves the instance currently bound to
	// executionID, or a NotFoundError-shaped nil if none is bound
	// (including after a controller restart, by re-describing the
	// fleet / re-listing containers).
	InstanceFor(ctx context.Context, executionID string) (instance.Instance, error)

	// ReleaseInstance detaches executionID from its instance, recording
	// idleSince and, if releaseContainer, tearing the container down.
	ReleaseInstance(ctx context.Context, executionID string, idleSince int64, releaseContainer bool) error

	// Push makes a snapshot available to whatever resource pool this
	// provider manages. The local provider is a no-op (same daemon);
	// the cloud provider pushes to the shared registry so fleet
	// members can pull it on demand.
	Push(ctx context.Context, snapshotTag string) error

	// StopCommand requests early termination of the execution's
	// command, if still running.
	StopCommand(ctx context.Context, executionID string) error

	// TidyUp disposes of every instance that has been idle past its
	// budget, driven once per call rather than on a timer internal to
	// the provider.
	TidyUp(ctx context.Context) error

	// GetCommands lists the executions currently bound to this
	// provider's instances.
	GetCommands(ctx context.Context) ([]types.CommandSummary, error)
}
