// Package storage is the typed persistence layer: a namespaced
// key-value contract (Store) with two backends — Redis for
// production, embedded SQLite for single-process/dev deployments —
// plus the Results Storage built on top of it.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is the narrow typed key-value contract every persistence
// concern in the controller is built against: last-execution-per-user
// and per-execution stored results and metadata.
type Store interface {
	// Get returns the raw bytes for key, and ok=false if absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put stores raw bytes under key.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key, if present.
	Delete(ctx context.Context, key string) error
	// Close releases any underlying connection/handle.
	Close() error
}

// GetJSON reads key and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}

// Key layout shared by every Store backend.
func UserLastExecutionKey(user string) string { return fmt.Sprintf("user:%s:last_execution_id", user) }
func ExecutionMetadataKey(id string) string   { return fmt.Sprintf("execution:%s:metadata", id) }
func ExecutionStateKey(id string) string      { return fmt.Sprintf("execution:%s:state", id) }
func ExecutionOutputsKey(id string) string    { return fmt.Sprintf("execution:%s:outputs", id) }
func ExecutionLogsKey(id string) string       { return fmt.Sprintf("execution:%s:logs", id) }
func ExecutionMeasuresKey(id string) string   { return fmt.Sprintf("execution:%s:measures", id) }
