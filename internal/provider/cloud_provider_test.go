package provider

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/ec2api"
	"github.com/kwohlfahrt/plz-go/internal/instance"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

type fakeDelegate struct{ ran bool }

func (f *fakeDelegate) Run(ctx context.Context, args instance.RunArgs) error { f.ran = true; return nil }
func (f *fakeDelegate) StopExecution(ctx context.Context) error             { return nil }
func (f *fakeDelegate) ContainerState(ctx context.Context) (*types.ContainerState, error) {
	return nil, nil
}
func (f *fakeDelegate) Release(ctx context.Context, idleSince int64, releaseContainer bool) error {
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

type fakeRegistry struct{ pushed []string }

func (r *fakeRegistry) Pull(ctx context.Context, tag string) error { return nil }
func (r *fakeRegistry) CanPull(ctx context.Context, tag string, retries int) bool { return true }
func (r *fakeRegistry) Push(ctx context.Context, tag string) error {
	r.pushed = append(r.pushed, tag)
	return nil
}

func newTestCloudProvider(client ec2api.Client, reg *fakeRegistry) *CloudProvider {
	factory := func(inst ec2api.Instance) *instance.CloudInstance {
		return instance.NewCloudInstance(client, reg, inst.InstanceID, "g1", &fakeDelegate{})
	}
	return NewCloudProvider(client, reg, CloudProviderConfig{
		GroupID:             "g1",
		InstanceType:        "t3.micro",
		AcquisitionDelay:    time.Millisecond,
		MaxAcquisitionTries: 3,
	}, factory)
}

func drain(t *testing.T, events <-chan types.CommandEvent) []types.CommandEvent {
	t.Helper()
	var out []types.CommandEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestCloudProviderAcquireReusesFreeRunningInstance(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	reg := &fakeRegistry{}
	p := newTestCloudProvider(fake, reg)

	events, err := p.AcquireInstance(context.Background(), "e1", types.ExecutionSpec{}, instance.RunArgs{SnapshotID: "snap", MaxIdleSeconds: 60})
	require.NoError(t, err)
	got := drain(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, "running", got[len(got)-1].Status)

	inst, err := fake.DescribeInstance(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, "e1", inst.Tag(ec2api.TagExecutionID))
}

func TestCloudProviderAcquireProvisionsWhenGroupIsFull(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{
		ec2api.TagGroupID:     "g1",
		ec2api.TagExecutionID: "already-running",
	}})
	p := newTestCloudProvider(fake, &fakeRegistry{})

	events, err := p.AcquireInstance(context.Background(), "e2", types.ExecutionSpec{}, instance.RunArgs{SnapshotID: "snap"})
	require.NoError(t, err)
	got := drain(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, "running", got[len(got)-1].Status)

	group, err := fake.DescribeGroup(context.Background(), "g1", true)
	require.NoError(t, err)
	assert.Len(t, group, 2, "expected a freshly provisioned instance alongside the already-bound one")
}

func TestCloudProviderReleaseOffersInstanceBackToFreeCache(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{
		ec2api.TagGroupID:     "g1",
		ec2api.TagExecutionID: "e1",
	}})
	p := newTestCloudProvider(fake, &fakeRegistry{})
	p.bound["e1"] = instance.NewCloudInstance(fake, &fakeRegistry{}, "i-1", "g1", &fakeDelegate{})

	require.NoError(t, p.ReleaseInstance(context.Background(), "e1", 1000, true))
	assert.Equal(t, "i-1", p.free.Take())
}

func TestCloudProviderInstanceForRediscoversAfterRestart(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{
		ec2api.TagGroupID:     "g1",
		ec2api.TagExecutionID: "e1",
	}})
	p := newTestCloudProvider(fake, &fakeRegistry{}) // fresh provider, nothing bound in memory

	got, err := p.InstanceFor(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "i-1", got.(*instance.CloudInstance).InstanceID())
}

func TestCloudProviderInstanceForUnknownExecutionIsNotFound(t *testing.T) {
	fake := ec2api.NewFake()
	p := newTestCloudProvider(fake, &fakeRegistry{})

	_, err := p.InstanceFor(context.Background(), "missing")
	var nf *apierrors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCloudProviderInstanceForReusesSameWrapperAcrossPaths(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	p := newTestCloudProvider(fake, &fakeRegistry{})

	group, err := fake.DescribeGroup(context.Background(), "g1", true)
	require.NoError(t, err)
	require.Len(t, group, 1)

	first := p.instanceFor(group[0])
	second := p.instanceFor(group[0])
	assert.Same(t, first, second, "two callers describing the same EC2 instance must share one wrapper so its mutex actually serializes them")
}

// racyProviderClient wraps a Fake so SetTags reports a different
// execution id than the one just written on its first call, simulating
// another acquisition landing first; subsequent calls behave normally so
// a retry can succeed.
type racyProviderClient struct {
	*ec2api.Fake
	racesLeft int
}

func (r *racyProviderClient) SetTags(ctx context.Context, instanceID string, tags map[string]string) (*ec2api.Instance, error) {
	inst, err := r.Fake.SetTags(ctx, instanceID, tags)
	if err != nil {
		return nil, err
	}
	if r.racesLeft > 0 {
		r.racesLeft--
		inst.Tags[ec2api.TagExecutionID] = "other-execution"
	}
	return inst, nil
}

func TestCloudProviderAcquireRetriesAfterLosingRace(t *testing.T) {
	fake := ec2api.NewFake()
	fake.Seed(ec2api.Instance{InstanceID: "i-1", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	fake.Seed(ec2api.Instance{InstanceID: "i-2", State: "running", Tags: map[string]string{ec2api.TagGroupID: "g1"}})
	racy := &racyProviderClient{Fake: fake, racesLeft: 1}
	reg := &fakeRegistry{}
	p := newTestCloudProvider(racy, reg)

	events, err := p.AcquireInstance(context.Background(), "e1", types.ExecutionSpec{}, instance.RunArgs{SnapshotID: "snap", MaxIdleSeconds: 60})
	require.NoError(t, err)
	got := drain(t, events)
	require.NotEmpty(t, got)
	for _, ev := range got {
		assert.Empty(t, ev.Error, "a lost race should retry acquisition, not surface a terminal error")
	}
	assert.Equal(t, "running", got[len(got)-1].Status)
}
