package controller

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/instance"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}
func (s *memStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}
func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
func (s *memStore) Close() error { return nil }

type fakeInstance struct {
	state *types.ContainerState
	logs  string
}

func (f *fakeInstance) Run(ctx context.Context, args instance.RunArgs) error { return nil }
func (f *fakeInstance) StopExecution(ctx context.Context) error             { return nil }
func (f *fakeInstance) ContainerState(ctx context.Context) (*types.ContainerState, error) {
	return f.state, nil
}
func (f *fakeInstance) Release(ctx context.Context, idleSince int64, releaseContainer bool) error {
	return nil
}
func (f *fakeInstance) Logs(ctx context.Context, stdout, stderr bool) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewBufferString(f.logs)), nil
}
func (f *fakeInstance) OutputFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (f *fakeInstance) MeasuresFilesTarball(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}
func (f *fakeInstance) GetExecutionID() string                   { return "e1" }
func (f *fakeInstance) GetMaxIdleSeconds() int64                 { return 60 }
func (f *fakeInstance) GetIdleSinceTimestamp(context.Context) (int64, error) { return 0, nil }
func (f *fakeInstance) DisposeIfItsTime(context.Context, types.ExecutionInfo) error { return nil }
func (f *fakeInstance) IsUp(context.Context, bool) (bool, error)                   { return true, nil }
func (f *fakeInstance) GetResourceState(context.Context) (string, error)           { return "running", nil }
func (f *fakeInstance) DeleteResource(context.Context) error                       { return nil }
func (f *fakeInstance) GetForensics(context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	bound    map[string]*fakeInstance
	tidied   bool
	pushed   []string
	stopErrs map[string]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{bound: map[string]*fakeInstance{}, stopErrs: map[string]error{}}
}

func (p *fakeProvider) AcquireInstance(ctx context.Context, executionID string, spec types.ExecutionSpec, args instance.RunArgs) (<-chan types.CommandEvent, error) {
	p.mu.Lock()
	p.bound[executionID] = &fakeInstance{}
	p.mu.Unlock()
	events := make(chan types.CommandEvent, 1)
	events <- types.CommandEvent{ID: executionID, Status: "running"}
	close(events)
	return events, nil
}

func (p *fakeProvider) InstanceFor(ctx context.Context, executionID string) (instance.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.bound[executionID]
	if !ok {
		return nil, &apierrors.NotFoundError{ExecutionID: executionID}
	}
	return inst, nil
}

func (p *fakeProvider) ReleaseInstance(ctx context.Context, executionID string, idleSince int64, releaseContainer bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bound, executionID)
	return nil
}

func (p *fakeProvider) Push(ctx context.Context, snapshotTag string) error {
	p.pushed = append(p.pushed, snapshotTag)
	return nil
}

func (p *fakeProvider) StopCommand(ctx context.Context, executionID string) error {
	if err, ok := p.stopErrs[executionID]; ok {
		return err
	}
	return nil
}

func (p *fakeProvider) TidyUp(ctx context.Context) error { p.tidied = true; return nil }

func (p *fakeProvider) GetCommands(ctx context.Context) ([]types.CommandSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.CommandSummary
	for id := range p.bound {
		out = append(out, types.CommandSummary{ExecutionID: id})
	}
	return out, nil
}

func TestControllerRunStreamsIDThenAcquisitionEvents(t *testing.T) {
	p := newFakeProvider()
	c := New(p, nil, newMemStore(), 1800)

	events, err := c.Run(context.Background(), types.RunRequest{
		Command:       []string{"true"},
		SnapshotID:    "snap",
		ExecutionSpec: types.ExecutionSpec{User: "bruce"},
	})
	require.NoError(t, err)

	var got []types.CommandEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Empty(t, got[0].Status)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "running", got[1].Status)

	last, ok, err := c.GetUserLastExecutionID(context.Background(), "bruce")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got[0].ID, last)
}

func TestControllerRunRejectsEmptyCommand(t *testing.T) {
	c := New(newFakeProvider(), nil, newMemStore(), 1800)
	_, err := c.Run(context.Background(), types.RunRequest{SnapshotID: "snap"})
	var verr *apierrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestControllerStopCommandToleratesNotFound(t *testing.T) {
	p := newFakeProvider()
	p.stopErrs["never-existed"] = &apierrors.NotFoundError{ExecutionID: "never-existed"}
	c := New(p, nil, newMemStore(), 1800)
	require.NoError(t, c.StopCommand(context.Background(), "never-existed"))
}

func TestControllerDeleteCapturesResultsBeforeReleasing(t *testing.T) {
	p := newFakeProvider()
	p.bound["e1"] = &fakeInstance{state: &types.ContainerState{Running: false, Success: true}, logs: "hello\n"}
	store := newMemStore()
	c := New(p, nil, store, 1800)

	require.NoError(t, c.Delete(context.Background(), "e1"))

	logs, ok, err := c.Results.Logs(context.Background(), "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello\n", string(logs))

	_, err = c.Provider.InstanceFor(context.Background(), "e1")
	var notFound *apierrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestControllerLogsFallsBackToResultsAfterRelease(t *testing.T) {
	p := newFakeProvider()
	p.bound["e1"] = &fakeInstance{state: &types.ContainerState{Running: false, Success: true}, logs: "archived\n"}
	c := New(p, nil, newMemStore(), 1800)
	require.NoError(t, c.Delete(context.Background(), "e1"))

	rc, err := c.Logs(context.Background(), "e1", true, true)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "archived\n", string(got))
}

func TestControllerTidyUpDelegatesToProvider(t *testing.T) {
	p := newFakeProvider()
	c := New(p, nil, newMemStore(), 1800)
	require.NoError(t, c.TidyUp(context.Background()))
	assert.True(t, p.tidied)
}

func TestControllerCreateSnapshotRejectsInvalidMetadata(t *testing.T) {
	c := New(newFakeProvider(), nil, newMemStore(), 1800)
	_, err := c.CreateSnapshot(context.Background(), "not json\n", bytes.NewReader(nil))
	var verr *apierrors.ValidationError
	require.ErrorAs(t, err, &verr)
}
