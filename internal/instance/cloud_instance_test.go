package instance

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/ec2api"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

type fakeDelegate struct {
	ran       bool
	released  bool
	lastState *types.ContainerState
}

func (f *fakeDelegate) Run(ctx context.Context, args RunArgs) error { f.ran = true; return nil }
func (f *fakeDelegate) StopExecution(ctx context.Context) error    { return nil }
func (f *fakeDelegate) ContainerState(ctx context.Context) (*types.ContainerState, error) {
	return f.lastState, nil
}
func (f *fakeDelegate) Release(ctx context.Context, idleSince int64, releaseContainer bool) error {
	f.released = true
	return nil
}
func (f *fakeDelegate) Logs(ctx context.Context, stdout, stderr bool) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeDelegate) OutputFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	return nil, nil
}
func (f *fakeDelegate) MeasuresFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	return nil, nil
}

type fakeRegistry struct {
	pulled   []string
	canPull  bool
	retries  int
}

func (r *fakeRegistry) Pull(ctx context.Context, tag string) error {
	r.pulled = append(r.pulled, tag)
	return nil
}
func (r *fakeRegistry) CanPull(ctx context.Context, tag string, retries int) bool {
	r.retries = retries
	return r.canPull
}

func TestCloudInstanceRunBindsTagsAndPullsSnapshot(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	delegate := &fakeDelegate{}
	reg := &fakeRegistry{}
	ci := NewCloudInstance(fake, reg, "i-1", "g1", delegate)

	err := ci.Run(context.Background(), RunArgs{ExecutionID: "e1", SnapshotID: "snap", MaxIdleSeconds: 60})
	require.NoError(t, err)
	assert.True(t, delegate.ran)
	assert.Equal(t, []string{"snap"}, reg.pulled)
	assert.Equal(t, "e1", ci.GetExecutionID())
	assert.Equal(t, int64(60), ci.GetMaxIdleSeconds())
}

func TestCloudInstanceRunRejectsAlreadyBoundInstance(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{
		ec2api.TagGroupID:     "g1",
		ec2api.TagExecutionID: "other-execution",
	}})
	ci := NewCloudInstance(fake, &fakeRegistry{}, "i-1", "g1", &fakeDelegate{})

	err := ci.Run(context.Background(), RunArgs{ExecutionID: "e1", SnapshotID: "snap"})
	var assigned *apierrors.InstanceAssignedError
	require.ErrorAs(t, err, &assigned)
	assert.Equal(t, "i-1", assigned.InstanceID)
}

// racyClient wraps a Fake, but rewrites the tags returned by SetTags to
// simulate another caller's write landing between this caller's
// CreateTags and its read-back, without disturbing the Fake's own
// internal state.
type racyClient struct {
	*ec2api.Fake
	racedTo string
}

func (r *racyClient) SetTags(ctx context.Context, instanceID string, tags map[string]string) (*ec2api.Instance, error) {
	inst, err := r.Fake.SetTags(ctx, instanceID, tags)
	if err != nil {
		return nil, err
	}
	if r.racedTo != "" {
		// inst shares its Tags map with the Fake; rewrite a copy.
		tags := make(map[string]string, len(inst.Tags))
		for k, v := range inst.Tags {
			tags[k] = v
		}
		tags[ec2api.TagExecutionID] = r.racedTo
		inst.Tags = tags
	}
	return inst, nil
}

func TestCloudInstanceRunDetectsRaceOnReadBack(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	racy := &racyClient{Fake: fake, racedTo: "other-execution"}
	ci := NewCloudInstance(racy, &fakeRegistry{}, "i-1", "g1", &fakeDelegate{})

	err := ci.Run(context.Background(), RunArgs{ExecutionID: "e1", SnapshotID: "snap"})
	var assigned *apierrors.InstanceAssignedError
	require.ErrorAs(t, err, &assigned)
	assert.Equal(t, "i-1", assigned.InstanceID)
}

func TestCloudInstanceReleaseClearsExecutionTagAndSetsIdleSince(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{
		ec2api.TagGroupID:     "g1",
		ec2api.TagExecutionID: "e1",
	}})
	delegate := &fakeDelegate{}
	ci := NewCloudInstance(fake, &fakeRegistry{}, "i-1", "g1", delegate)

	require.NoError(t, ci.Release(context.Background(), 1000, true))
	assert.True(t, delegate.released)
	assert.Equal(t, "", ci.GetExecutionID())
}

func TestCloudInstanceDisposeIfItsTimeTerminatesPastIdleBudget(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	ci := NewCloudInstance(fake, &fakeRegistry{}, "i-1", "g1", &fakeDelegate{})

	err := ci.DisposeIfItsTime(context.Background(), types.ExecutionInfo{
		InstanceID:         "i-1",
		MaxIdleSeconds:     10,
		IdleSinceTimestamp: 0,
	})
	require.NoError(t, err)
	state, err := ci.GetResourceState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "terminated", state)
}

func TestCloudInstanceDisposeIfItsTimeLeavesFreshInstanceAlone(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	ci := NewCloudInstance(fake, &fakeRegistry{}, "i-1", "g1", &fakeDelegate{})

	err := ci.DisposeIfItsTime(context.Background(), types.ExecutionInfo{
		InstanceID:         "i-1",
		MaxIdleSeconds:     300,
		IdleSinceTimestamp: time.Now().Unix(),
	})
	require.NoError(t, err)
	state, err := ci.GetResourceState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", state)
}

func TestCloudInstanceIsUpWidensRetriesForNewlyCreated(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	reg := &fakeRegistry{canPull: true}
	ci := NewCloudInstance(fake, reg, "i-1", "g1", &fakeDelegate{})

	up, err := ci.IsUp(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, up)
	assert.Equal(t, 5, reg.retries)
}

func TestCloudInstanceDeleteResourceClearsGroupTag(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	ci := NewCloudInstance(fake, &fakeRegistry{}, "i-1", "g1", &fakeDelegate{})

	require.NoError(t, ci.DeleteResource(context.Background()))
	groups, err := fake.DescribeGroup(context.Background(), "g1", false)
	require.NoError(t, err)
	assert.Empty(t, groups)
}
