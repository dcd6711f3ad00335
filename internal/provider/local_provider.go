package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/containerrt"
	"github.com/kwohlfahrt/plz-go/internal/instance"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

// LocalProvider drives a single Docker-local instance: the
// controller's own daemon. There is no queueing or backoff — a second
// acquisition while the instance is busy fails immediately instead of
// spot-requesting or polling for a free slot.
type LocalProvider struct {
	mu  sync.Mutex
	inst *instance.DockerInstance
}

// NewLocalProvider wraps an already-constructed Docker-local instance.
// Before returning, it lists containers surviving from a prior
// controller process (via rt.ListExecutionIDs) and rebinds inst to the
// first one still running, so that InstanceFor can find a live
// execution again after a restart instead of reporting it lost.
func NewLocalProvider(ctx context.Context, inst *instance.DockerInstance, rt containerrt.Adapter, defaultMaxIdleSeconds int64) (*LocalProvider, error) {
	ids, err := rt.ListExecutionIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list execution ids for restart rediscovery: %w", err)
	}
	for _, id := range ids {
		state, err := rt.GetState(ctx, id)
		if err != nil {
			slog.WarnContext(ctx, "provider.NewLocalProvider rediscovery", "execution_id", id, "error", err)
			continue
		}
		if state != nil && state.Running {
			inst.BindExisting(id, defaultMaxIdleSeconds)
			slog.InfoContext(ctx, "provider.NewLocalProvider rediscovered live execution", "execution_id", id)
			break
		}
	}
	return &LocalProvider{inst: inst}, nil
}

func (p *LocalProvider) AcquireInstance(ctx context.Context, executionID string, spec types.ExecutionSpec, args instance.RunArgs) (<-chan types.CommandEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	events := make(chan types.CommandEvent, 2)
	if bound := p.inst.GetExecutionID(); bound != "" {
		close(events)
		return events, apierrors.NewAcquisitionError("local instance is busy with execution %s", bound)
	}

	args.ExecutionID = executionID
	if err := p.inst.Run(ctx, args); err != nil {
		close(events)
		return events, &apierrors.RuntimeError{Msg: "starting execution on local instance", Err: err}
	}

	go func() {
		defer close(events)
		events <- types.CommandEvent{ID: executionID, Status: "running"}
	}()
	return events, nil
}

func (p *LocalProvider) InstanceFor(ctx context.Context, executionID string) (instance.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inst.GetExecutionID() != executionID {
		return nil, &apierrors.NotFoundError{ExecutionID: executionID}
	}
	return p.inst, nil
}

func (p *LocalProvider) ReleaseInstance(ctx context.Context, executionID string, idleSince int64, releaseContainer bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inst.GetExecutionID() != executionID {
		return &apierrors.NotFoundError{ExecutionID: executionID}
	}
	return p.inst.Release(ctx, idleSince, releaseContainer)
}

// Push is a no-op: the local provider's single instance shares the
// controller's own Docker daemon, so a build that lands there is
// already usable.
func (p *LocalProvider) Push(ctx context.Context, snapshotTag string) error { return nil }

func (p *LocalProvider) StopCommand(ctx context.Context, executionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inst.GetExecutionID() != executionID {
		return &apierrors.NotFoundError{ExecutionID: executionID}
	}
	return p.inst.StopExecution(ctx)
}

// TidyUp is a no-op: the Docker-local instance never disposes of
// itself.
func (p *LocalProvider) TidyUp(ctx context.Context) error { return nil }

func (p *LocalProvider) GetCommands(ctx context.Context) ([]types.CommandSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.inst.GetExecutionID()
	if id == "" {
		return nil, nil
	}
	state, err := p.inst.ContainerState(ctx)
	if err != nil {
		return nil, err
	}
	return []types.CommandSummary{{
		ExecutionID: id,
		InstanceID:  p.inst.ID(),
		Running:     state == nil || state.Running,
	}}, nil
}
