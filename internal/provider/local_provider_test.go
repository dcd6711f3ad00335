package provider

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/containerrt"
	"github.com/kwohlfahrt/plz-go/internal/instance"
	"github.com/kwohlfahrt/plz-go/internal/types"
	"github.com/kwohlfahrt/plz-go/internal/volumes"
)

// fakeRuntime is a minimal containerrt.Adapter double covering just the
// calls a DockerInstance and LocalProvider restart-rediscovery path
// make against it.
type fakeRuntime struct {
	executionIDs []string
	states       map[string]*types.ContainerState
}

func (r *fakeRuntime) Run(ctx context.Context, spec containerrt.RunSpec) error { return nil }
func (r *fakeRuntime) Stop(ctx context.Context, executionID string) error      { return nil }
func (r *fakeRuntime) Remove(ctx context.Context, executionID string) error    { return nil }
func (r *fakeRuntime) Logs(ctx context.Context, executionID string, stdout, stderr bool) (io.ReadCloser, error) {
	return nil, nil
}
func (r *fakeRuntime) GetState(ctx context.Context, executionID string) (*types.ContainerState, error) {
	return r.states[executionID], nil
}
func (r *fakeRuntime) ListExecutionIDs(ctx context.Context) ([]string, error) {
	return r.executionIDs, nil
}
func (r *fakeRuntime) ContainerID(ctx context.Context, executionID string) (string, error) {
	return executionID, nil
}
func (r *fakeRuntime) CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader) error {
	return nil
}
func (r *fakeRuntime) CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, error) {
	return nil, nil
}

func TestNewLocalProviderRediscoversLiveExecutionAfterRestart(t *testing.T) {
	rt := &fakeRuntime{
		executionIDs: []string{"stale", "e1"},
		states: map[string]*types.ContainerState{
			"stale": {Running: false, ExitCode: 0, Success: true},
			"e1":    {Running: true},
		},
	}
	inst := instance.NewDockerInstance("local-1", rt, volumes.NewBuilder(nil))

	p, err := NewLocalProvider(context.Background(), inst, rt, 1800)
	require.NoError(t, err)

	got, err := p.InstanceFor(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "local-1", got.(*instance.DockerInstance).ID())
}

func TestNewLocalProviderLeavesInstanceUnboundWhenNothingIsRunning(t *testing.T) {
	rt := &fakeRuntime{
		executionIDs: []string{"stale"},
		states: map[string]*types.ContainerState{
			"stale": {Running: false},
		},
	}
	inst := instance.NewDockerInstance("local-1", rt, volumes.NewBuilder(nil))

	p, err := NewLocalProvider(context.Background(), inst, rt, 1800)
	require.NoError(t, err)

	_, err = p.InstanceFor(context.Background(), "stale")
	var nf *apierrors.NotFoundError
	require.ErrorAs(t, err, &nf)
}
