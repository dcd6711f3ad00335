package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/ec2api"
	"github.com/kwohlfahrt/plz-go/internal/instance"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

// registryPush is the subset of Registry the fleet manager needs for
// making snapshots reachable from newly acquired VMs.
type registryPush interface {
	Push(ctx context.Context, tag string) error
}

// instanceFactory builds the CloudInstance wrapper for one described
// EC2 instance, pointing a fresh Docker-local delegate at that VM's
// own Docker daemon (reachable over its private IP). Exposed as a
// field so tests can substitute an in-memory delegate instead of
// dialing a real daemon.
type instanceFactory func(ec2api.Instance) *instance.CloudInstance

// CloudProvider is the Cloud-VM fleet manager: it finds or provisions
// a free instance in its group, waits for it to come up, binds it, and
// on each TidyUp call disposes of instances that have been idle too long.
type CloudProvider struct {
	ec2          ec2api.Client
	registry     registryPush
	groupID      string
	instanceType string

	acquisitionDelay    time.Duration
	maxAcquisitionTries int

	newInstance instanceFactory

	mu        sync.Mutex
	free      *freeInstanceCache
	bound     map[string]*instance.CloudInstance // executionID -> instance
	instances map[string]*instance.CloudInstance // EC2 instance id -> instance
}

// CloudProviderConfig bundles the fleet-sizing knobs a deployment
// tunes for its instance group.
type CloudProviderConfig struct {
	GroupID             string
	InstanceType        string
	AcquisitionDelay    time.Duration // default 10s
	MaxAcquisitionTries int           // default 5
}

// NewCloudProvider builds a fleet manager. newInstance is how the
// provider turns a freshly-described EC2 instance into a usable
// CloudInstance; production wiring points it at a real Docker daemon
// dial, tests point it at an in-memory delegate.
func NewCloudProvider(client ec2api.Client, reg registryPush, cfg CloudProviderConfig, newInstance instanceFactory) *CloudProvider {
	if cfg.AcquisitionDelay <= 0 {
		cfg.AcquisitionDelay = 10 * time.Second
	}
	if cfg.MaxAcquisitionTries <= 0 {
		cfg.MaxAcquisitionTries = 5
	}
	return &CloudProvider{
		ec2:                 client,
		registry:            reg,
		groupID:             cfg.GroupID,
		instanceType:        cfg.InstanceType,
		acquisitionDelay:    cfg.AcquisitionDelay,
		maxAcquisitionTries: cfg.MaxAcquisitionTries,
		newInstance:         newInstance,
		free:                newFreeInstanceCache(16),
		bound:               map[string]*instance.CloudInstance{},
		instances:           map[string]*instance.CloudInstance{},
	}
}

func (p *CloudProvider) Push(ctx context.Context, snapshotTag string) error {
	return p.registry.Push(ctx, snapshotTag)
}

// instanceFor returns the single CloudInstance wrapper for described's EC2
// instance id, constructing it on first use and reusing it for every
// subsequent caller. Without this cache, two concurrent callers could each
// build their own wrapper around the same physical VM, and the wrapper's
// mutex — meant to serialize Run/Release against that VM — would never
// actually see both callers.
func (p *CloudProvider) instanceFor(described ec2api.Instance) *instance.CloudInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ci, ok := p.instances[described.InstanceID]; ok {
		return ci
	}
	ci := p.newInstance(described)
	p.instances[described.InstanceID] = ci
	return ci
}

// AcquireInstance tries an already-running free instance first
// (racing safely, since binding happens via
// SetTags under the instance's own lock); if none is free, request a
// new spot instance and poll for it, up to maxAcquisitionTries,
// sleeping acquisitionDelay between attempts; once an instance id is
// in hand, wait for IsUp before considering acquisition successful. A
// losing race for the candidate instance (another caller's SetTags won)
// surfaces as an InstanceAssignedError, which restarts acquisition from
// the top rather than failing the execution outright, up to
// maxAcquisitionTries attempts.
func (p *CloudProvider) AcquireInstance(ctx context.Context, executionID string, spec types.ExecutionSpec, args instance.RunArgs) (<-chan types.CommandEvent, error) {
	events := make(chan types.CommandEvent, 8)
	go func() {
		defer close(events)
		events <- types.CommandEvent{Status: "acquiring"}

		args.ExecutionID = executionID
		var ci *instance.CloudInstance
		for try := 0; ; try++ {
			var newlyCreated bool
			var err error
			ci, newlyCreated, err = p.acquireLoop(ctx)
			if err != nil {
				events <- types.CommandEvent{Error: err.Error()}
				return
			}

			up, err := ci.IsUp(ctx, newlyCreated)
			if err != nil || !up {
				events <- types.CommandEvent{Error: fmt.Sprintf("instance %s did not come up", ci.InstanceID())}
				return
			}

			err = ci.Run(ctx, args)
			if err == nil {
				break
			}
			var assigned *apierrors.InstanceAssignedError
			if errors.As(err, &assigned) && try < p.maxAcquisitionTries-1 {
				continue
			}
			events <- types.CommandEvent{Error: err.Error()}
			return
		}

		p.mu.Lock()
		p.bound[executionID] = ci
		p.mu.Unlock()

		events <- types.CommandEvent{ID: executionID, Status: "running"}
	}()
	return events, nil
}

// acquireLoop returns a bound-candidate instance along with whether it
// was freshly provisioned in this call (vs. an already-running free
// instance reused from the group).
func (p *CloudProvider) acquireLoop(ctx context.Context) (*instance.CloudInstance, bool, error) {
	if cached := p.free.Take(); cached != "" {
		if inst, err := p.ec2.DescribeInstance(ctx, cached); err == nil && inst.Tag(ec2api.TagExecutionID) == "" && inst.State == "running" {
			return p.instanceFor(*inst), false, nil
		}
	}

	group, err := p.ec2.DescribeGroup(ctx, p.groupID, true)
	if err != nil {
		return nil, false, fmt.Errorf("describe instance group %s: %w", p.groupID, err)
	}
	for _, inst := range group {
		if inst.Tag(ec2api.TagExecutionID) == "" {
			return p.instanceFor(inst), false, nil
		}
	}

	reqID, err := p.ec2.RequestSpotInstance(ctx, p.groupID, p.instanceType)
	if err != nil {
		return nil, false, fmt.Errorf("request spot instance: %w", err)
	}
	for try := 0; try < p.maxAcquisitionTries; try++ {
		instanceID, err := p.ec2.PollSpotRequest(ctx, reqID)
		if err != nil {
			return nil, false, fmt.Errorf("poll spot request %s: %w", reqID, err)
		}
		if instanceID != "" {
			inst, err := p.ec2.DescribeInstance(ctx, instanceID)
			if err != nil {
				return nil, false, err
			}
			return p.instanceFor(*inst), true, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(p.acquisitionDelay):
		}
	}
	return nil, false, apierrors.NewAcquisitionError("spot request %s not fulfilled after %d tries", reqID, p.maxAcquisitionTries)
}

func (p *CloudProvider) InstanceFor(ctx context.Context, executionID string) (instance.Instance, error) {
	p.mu.Lock()
	ci, ok := p.bound[executionID]
	p.mu.Unlock()
	if ok {
		return ci, nil
	}
	// Restart-discovery path: walk the group looking for the tag.
	group, err := p.ec2.DescribeGroup(ctx, p.groupID, false)
	if err != nil {
		return nil, err
	}
	for _, inst := range group {
		if inst.Tag(ec2api.TagExecutionID) == executionID {
			ci := p.instanceFor(inst)
			p.mu.Lock()
			p.bound[executionID] = ci
			p.mu.Unlock()
			return ci, nil
		}
	}
	return nil, &apierrors.NotFoundError{ExecutionID: executionID}
}

func (p *CloudProvider) ReleaseInstance(ctx context.Context, executionID string, idleSince int64, releaseContainer bool) error {
	ci, err := p.InstanceFor(ctx, executionID)
	if err != nil {
		return err
	}
	cloudInst := ci.(*instance.CloudInstance)
	if err := cloudInst.Release(ctx, idleSince, releaseContainer); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.bound, executionID)
	p.mu.Unlock()
	p.free.Offer(cloudInst.InstanceID())
	return nil
}

func (p *CloudProvider) StopCommand(ctx context.Context, executionID string) error {
	ci, err := p.InstanceFor(ctx, executionID)
	if err != nil {
		return err
	}
	return ci.StopExecution(ctx)
}

// TidyUp walks every instance in the group and disposes of it if it's
// been idle past its budget.
func (p *CloudProvider) TidyUp(ctx context.Context) error {
	group, err := p.ec2.DescribeGroup(ctx, p.groupID, true)
	if err != nil {
		return fmt.Errorf("describe instance group %s: %w", p.groupID, err)
	}
	for _, inst := range group {
		if inst.Tag(ec2api.TagExecutionID) != "" {
			continue // bound, not idle
		}
		ci := p.instanceFor(inst)
		idleSince, err := ci.GetIdleSinceTimestamp(ctx)
		if err != nil {
			slog.WarnContext(ctx, "provider.TidyUp reading idle-since", "instance_id", inst.InstanceID, "error", err)
			continue
		}
		info := types.ExecutionInfo{
			InstanceID:         inst.InstanceID,
			MaxIdleSeconds:     ci.GetMaxIdleSeconds(),
			IdleSinceTimestamp: idleSince,
		}
		if err := ci.DisposeIfItsTime(ctx, info); err != nil {
			slog.WarnContext(ctx, "provider.TidyUp disposing", "instance_id", inst.InstanceID, "error", err)
		}
	}
	return nil
}

func (p *CloudProvider) GetCommands(ctx context.Context) ([]types.CommandSummary, error) {
	group, err := p.ec2.DescribeGroup(ctx, p.groupID, true)
	if err != nil {
		return nil, err
	}
	var out []types.CommandSummary
	for _, inst := range group {
		executionID := inst.Tag(ec2api.TagExecutionID)
		if executionID == "" {
			continue
		}
		ci := p.instanceFor(inst)
		state, err := ci.ContainerState(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, types.CommandSummary{
			ExecutionID: executionID,
			InstanceID:  inst.InstanceID,
			Running:     state == nil || state.Running,
		})
	}
	return out, nil
}
