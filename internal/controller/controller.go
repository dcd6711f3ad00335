// Package controller wires the Image Registry, Instance Provider, and
// Results Storage together and exposes the operations the HTTP surface
// (internal/httpapi) calls directly, including per-user
// last-execution-id bookkeeping guarded by a mutex.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kwohlfahrt/plz-go/internal/apierrors"
	"github.com/kwohlfahrt/plz-go/internal/execid"
	"github.com/kwohlfahrt/plz-go/internal/instance"
	"github.com/kwohlfahrt/plz-go/internal/provider"
	"github.com/kwohlfahrt/plz-go/internal/registry"
	"github.com/kwohlfahrt/plz-go/internal/storage"
	"github.com/kwohlfahrt/plz-go/internal/types"
)

// Controller is the top-level dependency bag the HTTP surface is built
// against.
type Controller struct {
	Provider              provider.InstanceProvider
	Registry              *registry.Registry
	Store                 storage.Store
	Results               *storage.Results
	DefaultMaxIdleSeconds int64

	mu              sync.RWMutex
	lastExecutionID map[string]string
}

func New(p provider.InstanceProvider, reg *registry.Registry, store storage.Store, defaultMaxIdleSeconds int64) *Controller {
	return &Controller{
		Provider:              p,
		Registry:              reg,
		Store:                 store,
		Results:               storage.NewResults(store),
		DefaultMaxIdleSeconds: defaultMaxIdleSeconds,
		lastExecutionID:       map[string]string{},
	}
}

func (c *Controller) setUserLastExecutionID(ctx context.Context, user, executionID string) {
	c.mu.Lock()
	c.lastExecutionID[user] = executionID
	c.mu.Unlock()
	if err := c.Store.Put(ctx, storage.UserLastExecutionKey(user), []byte(executionID)); err != nil {
		// Best-effort: the in-memory map already has it for this
		// process's lifetime, matching the original's in-memory-only
		// behavior; persistence is this system's addition on top.
		_ = err
	}
}

// GetUserLastExecutionID reports the most recent execution id run by
// user, checking the in-memory cache first, then durable storage (so
// a fresh controller process can still answer this after a restart).
func (c *Controller) GetUserLastExecutionID(ctx context.Context, user string) (string, bool, error) {
	c.mu.RLock()
	id, ok := c.lastExecutionID[user]
	c.mu.RUnlock()
	if ok {
		return id, true, nil
	}
	raw, ok, err := c.Store.Get(ctx, storage.UserLastExecutionKey(user))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(raw), true, nil
}

// Run starts a new execution and streams status events, the way
// run_command_entrypoint's generator does: an immediate {id: ...}
// frame, then one frame per acquisition status message, then a final
// frame on success or a terminal error frame.
func (c *Controller) Run(ctx context.Context, req types.RunRequest) (<-chan types.CommandEvent, error) {
	if len(req.Command) == 0 {
		return nil, apierrors.NewValidationError("command must not be empty")
	}
	if req.SnapshotID == "" {
		return nil, apierrors.NewValidationError("snapshot_id is required")
	}

	executionID := execid.New()
	c.setUserLastExecutionID(ctx, req.ExecutionSpec.User, executionID)

	maxIdle := c.DefaultMaxIdleSeconds
	args := instance.RunArgs{
		SnapshotID:     req.SnapshotID,
		Command:        req.Command,
		Parameters:     req.Parameters,
		MaxIdleSeconds: maxIdle,
	}

	providerEvents, err := c.Provider.AcquireInstance(ctx, executionID, req.ExecutionSpec, args)
	if err != nil {
		return nil, err
	}

	out := make(chan types.CommandEvent, 4)
	go func() {
		defer close(out)
		out <- types.CommandEvent{ID: executionID}
		for ev := range providerEvents {
			out <- ev
		}
	}()
	return out, nil
}

// Status reduces a container state into the wire-level status shape.
func (c *Controller) Status(ctx context.Context, executionID string) (*types.StatusResponse, error) {
	inst, err := c.Provider.InstanceFor(ctx, executionID)
	if err != nil {
		return nil, err
	}
	state, err := inst.ContainerState(ctx)
	if err != nil {
		return nil, &apierrors.RuntimeError{Msg: "reading container state", Err: err}
	}
	if state == nil || state.Running {
		return &types.StatusResponse{Running: true}, nil
	}
	success := state.Success
	code := state.ExitCode
	return &types.StatusResponse{Running: false, Success: &success, Code: &code}, nil
}

func (c *Controller) Logs(ctx context.Context, executionID string, stdout, stderr bool) (io.ReadCloser, error) {
	inst, err := c.Provider.InstanceFor(ctx, executionID)
	if err != nil {
		if results, ok, rerr := c.Results.Logs(ctx, executionID); rerr == nil && ok {
			return io.NopCloser(bytes.NewReader(results)), nil
		}
		return nil, err
	}
	return inst.Logs(ctx, stdout, stderr)
}

func (c *Controller) OutputFiles(ctx context.Context, executionID string) (io.ReadCloser, error) {
	inst, err := c.Provider.InstanceFor(ctx, executionID)
	if err != nil {
		if results, ok, rerr := c.Results.OutputTarball(ctx, executionID); rerr == nil && ok {
			return io.NopCloser(bytes.NewReader(results)), nil
		}
		return nil, err
	}
	return inst.OutputFilesTarball(ctx)
}

func (c *Controller) MeasuresFiles(ctx context.Context, executionID string) (io.ReadCloser, error) {
	inst, err := c.Provider.InstanceFor(ctx, executionID)
	if err != nil {
		if results, ok, rerr := c.Results.MeasuresTarball(ctx, executionID); rerr == nil && ok {
			return io.NopCloser(bytes.NewReader(results)), nil
		}
		return nil, err
	}
	return inst.MeasuresFilesTarball(ctx)
}

// StopCommand requests early termination. Stopping an already-stopped
// execution is not an error — a NotFoundError from the provider is
// normalized to a no-op, so the CLI needs no special case for it.
func (c *Controller) StopCommand(ctx context.Context, executionID string) error {
	err := c.Provider.StopCommand(ctx, executionID)
	var notFound *apierrors.NotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// Delete releases the instance bound to executionID, capturing its
// terminal logs, outputs, and measures into Results Storage first so
// they remain retrievable after the container is gone.
func (c *Controller) Delete(ctx context.Context, executionID string) error {
	inst, err := c.Provider.InstanceFor(ctx, executionID)
	if err != nil {
		return err
	}

	state, _ := inst.ContainerState(ctx)
	logs, _ := readAllClose(inst.Logs(ctx, true, true))
	outputs, _ := readAllClose(inst.OutputFilesTarball(ctx))
	measures, _ := readAllClose(inst.MeasuresFilesTarball(ctx))
	if state != nil {
		if captureErr := c.Results.Capture(ctx, executionID, *state, logs, outputs, measures, map[string]any{
			"captured_at": time.Now().Unix(),
		}); captureErr != nil {
			// Results capture failing must not block the release itself:
			// logged here, not treated as fatal.
			slog.WarnContext(ctx, "controller.Delete capturing results", "execution_id", executionID, "error", captureErr)
		}
	}

	return c.Provider.ReleaseInstance(ctx, executionID, time.Now().Unix(), true)
}

func (c *Controller) ListCommands(ctx context.Context) ([]types.CommandSummary, error) {
	return c.Provider.GetCommands(ctx)
}

func (c *Controller) TidyUp(ctx context.Context) error {
	return c.Provider.TidyUp(ctx)
}

// CreateSnapshot builds a snapshot image from buildContext, tagging it
// deterministically from metadataJSON's {user, project} (canonicalized
// via execid.MarshalMetadata so unrelated JSON formatting differences
// don't change the tag) plus the context's own content digest
// (execid.Tag), then makes it available to the instance provider's
// resource pool.
func (c *Controller) CreateSnapshot(ctx context.Context, metadataJSON string, buildContext io.Reader) (<-chan types.BuildEvent, error) {
	var meta types.SnapshotMetadata
	if err := json.Unmarshal([]byte(metadataJSON), &meta); err != nil {
		return nil, apierrors.NewValidationError("invalid snapshot metadata: %v", err)
	}
	canonicalMeta, err := execid.MarshalMetadata(meta.User, meta.Project)
	if err != nil {
		return nil, fmt.Errorf("canonicalize snapshot metadata: %w", err)
	}

	digest := execid.NewDigest()
	tag := "" // computed once the full context has been read, see below
	teed := io.TeeReader(buildContext, digestWriter{digest})

	buildEvents, err := c.Registry.Build(ctx, teed, placeholderTag)
	if err != nil {
		return nil, fmt.Errorf("start snapshot build: %w", err)
	}

	out := make(chan types.BuildEvent, 16)
	go func() {
		defer close(out)
		for ev := range buildEvents {
			if ev.ID != "" {
				tag = execid.Tag(canonicalMeta, digest.Sum())
				if err := c.Registry.Retag(ctx, placeholderTag, tag); err != nil {
					out <- types.BuildEvent{Error: fmt.Sprintf("tag snapshot: %v", err)}
					return
				}
				if err := c.Provider.Push(ctx, tag); err != nil {
					out <- types.BuildEvent{Error: fmt.Sprintf("push snapshot: %v", err)}
					return
				}
				out <- types.BuildEvent{ID: tag}
				continue
			}
			out <- ev
		}
	}()
	return out, nil
}

// placeholderTag is the tag the Docker builder is told to use while
// the build context is still streaming in (the real, content-derived
// tag isn't known until the context digest is complete). Once the final
// tag is computed, Registry.Retag points it at the built image and
// removes this placeholder tag.
const placeholderTag = "pending-build"

type digestWriter struct{ d *execid.Digest }

func (w digestWriter) Write(p []byte) (int, error) { return w.d.Write(p) }

func readAllClose(rc io.ReadCloser, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return nil, nil
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
