package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/controller"
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
func (f *fakeInstance) GetExecutionID() string                                      { return "e1" }
func (f *fakeInstance) GetMaxIdleSeconds() int64                                    { return 60 }
func (f *fakeInstance) GetIdleSinceTimestamp(context.Context) (int64, error)        { return 0, nil }
func (f *fakeInstance) DisposeIfItsTime(context.Context, types.ExecutionInfo) error { return nil }
func (f *fakeInstance) IsUp(context.Context, bool) (bool, error)                    { return true, nil }
func (f *fakeInstance) GetResourceState(context.Context) (string, error)            { return "running", nil }
func (f *fakeInstance) DeleteResource(context.Context) error                        { return nil }
func (f *fakeInstance) GetForensics(context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

type fakeProvider struct {
	mu    sync.Mutex
	bound map[string]*fakeInstance
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{bound: map[string]*fakeInstance{}}
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

func (p *fakeProvider) Push(ctx context.Context, snapshotTag string) error { return nil }

func (p *fakeProvider) StopCommand(ctx context.Context, executionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.bound[executionID]; !ok {
		return &apierrors.NotFoundError{ExecutionID: executionID}
	}
	return nil
}

func (p *fakeProvider) TidyUp(ctx context.Context) error { return nil }

func (p *fakeProvider) GetCommands(ctx context.Context) ([]types.CommandSummary, error) {
	return nil, nil
}

func newTestServer() (*Server, *fakeProvider) {
	p := newFakeProvider()
	ctrl := controller.New(p, nil, newMemStore(), 1800)
	return NewServer(ctrl), p
}

func TestRunCommandStreamsNDJSON(t *testing.T) {
	s, _ := newTestServer()
	body := `{"command":["true"],"snapshot_id":"snap","execution_spec":{"user":"bruce"}}`
	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader(body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	dec := json.NewDecoder(rec.Body)
	var events []types.CommandEvent
	for dec.More() {
		var ev types.CommandEvent
		require.NoError(t, dec.Decode(&ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, "running", events[1].Status)
}

func TestRunCommandRejectsInvalidBody(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/commands", strings.NewReader("not json"))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopCommandToleratesNotFound(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/commands/never-existed/stop", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeleteCommandNotFound(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodDelete, "/commands/never-existed", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLastExecutionIDUnknownUserReturnsEmptyObject(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/users/nobody/last_execution_id", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestVersionRoute(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
}
