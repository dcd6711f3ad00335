package storage

import (
	"context"
	"fmt"

	"github.com/kwohlfahrt/plz-go/internal/types"
)

// Results is the Results Storage component: it captures terminal
// logs, outputs, measures and metadata from a releasing instance, and
// serves them back after the instance is gone. A written record is
// immutable.
type Results struct {
	store Store
}

func NewResults(store Store) *Results {
	return &Results{store: store}
}

// Capture persists everything an instance hands over at release.
// Capture is best-effort from the caller's perspective: a failure here
// must still let the instance binding clear, so callers log the error
// and proceed rather than treating it as fatal.
func (r *Results) Capture(ctx context.Context, executionID string, state types.ContainerState, logs, outputTarball, measuresTarball []byte, metadata map[string]any) error {
	if err := r.store.Put(ctx, ExecutionLogsKey(executionID), logs); err != nil {
		return fmt.Errorf("store logs for %s: %w", executionID, err)
	}
	if err := r.store.Put(ctx, ExecutionOutputsKey(executionID), outputTarball); err != nil {
		return fmt.Errorf("store outputs for %s: %w", executionID, err)
	}
	if err := r.store.Put(ctx, ExecutionMeasuresKey(executionID), measuresTarball); err != nil {
		return fmt.Errorf("store measures for %s: %w", executionID, err)
	}
	if err := PutJSON(ctx, r.store, ExecutionStateKey(executionID), state); err != nil {
		return fmt.Errorf("store state for %s: %w", executionID, err)
	}
	if err := PutJSON(ctx, r.store, ExecutionMetadataKey(executionID), metadata); err != nil {
		return fmt.Errorf("store metadata for %s: %w", executionID, err)
	}
	return nil
}

// Exists reports whether a results record was ever captured for id.
func (r *Results) Exists(ctx context.Context, executionID string) (bool, error) {
	_, ok, err := r.store.Get(ctx, ExecutionStateKey(executionID))
	return ok, err
}

// State returns the captured terminal container state, if any.
func (r *Results) State(ctx context.Context, executionID string) (*types.ContainerState, bool, error) {
	var state types.ContainerState
	ok, err := GetJSON(ctx, r.store, ExecutionStateKey(executionID), &state)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &state, true, nil
}

// Logs returns the captured combined stdout+stderr bytes.
func (r *Results) Logs(ctx context.Context, executionID string) ([]byte, bool, error) {
	return r.store.Get(ctx, ExecutionLogsKey(executionID))
}

// OutputTarball returns the captured output artifact tarball bytes.
func (r *Results) OutputTarball(ctx context.Context, executionID string) ([]byte, bool, error) {
	return r.store.Get(ctx, ExecutionOutputsKey(executionID))
}

// MeasuresTarball returns the captured measures artifact tarball bytes.
func (r *Results) MeasuresTarball(ctx context.Context, executionID string) ([]byte, bool, error) {
	return r.store.Get(ctx, ExecutionMeasuresKey(executionID))
}
