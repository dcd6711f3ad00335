// Package types holds the data shapes shared across the controller:
// the wire-level request/response structs, the tagged event variants
// used on streaming endpoints, and the small value types (container
// state, execution info) that every component reads or writes.
package types

// ContainerState is the derived, reduced view of a container's runtime
// state. Success is only meaningful once the container has stopped.
type ContainerState struct {
	Running    bool  `json:"running"`
	Status     string `json:"status"`
	Success    bool  `json:"success"`
	ExitCode   int   `json:"exit_code"`
	FinishedAt int64 `json:"finished_at"`
}

// IsSuccess reports whether the container both finished and exited 0.
func (s ContainerState) IsSuccess() bool {
	return !s.Running && s.ExitCode == 0
}

// ExecutionSpec is the resource request attached to a run: which kind
// of instance it wants, and who's asking.
type ExecutionSpec struct {
	InstanceType string `json:"instance_type"`
	User         string `json:"user"`
}

// ExecutionInfo is the binding an Instance Provider reports for one
// instance: which execution (if any) it's running, and its idle
// bookkeeping.
type ExecutionInfo struct {
	ExecutionID       string `json:"execution_id"`
	InstanceID        string `json:"instance_id"`
	MaxIdleSeconds    int64  `json:"max_idle_seconds"`
	IdleSinceTimestamp int64 `json:"idle_since_timestamp"`
}

// CommandSummary is what GET /commands/list returns per execution.
type CommandSummary struct {
	ExecutionID string `json:"execution_id"`
	InstanceID  string `json:"instance_id"`
	Running     bool   `json:"running"`
}

// SnapshotMetadata is the first line of a POST /snapshots body.
type SnapshotMetadata struct {
	User    string `json:"user"`
	Project string `json:"project"`
}

// RunRequest is the body of POST /commands.
type RunRequest struct {
	Command      []string          `json:"command"`
	SnapshotID   string             `json:"snapshot_id"`
	Parameters   map[string]any     `json:"parameters"`
	ExecutionSpec ExecutionSpec     `json:"execution_spec"`
}

// BuildEvent is one frame of the NDJSON stream POST /snapshots emits
// while a snapshot builds. Exactly one of the fields is set.
type BuildEvent struct {
	Stream string `json:"stream,omitempty"`
	Error  string `json:"error,omitempty"`
	ID     string `json:"id,omitempty"`
}

// CommandEvent is one frame of the NDJSON stream POST /commands emits.
type CommandEvent struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /commands/<id>/status.
type StatusResponse struct {
	Running bool `json:"running"`
	Success *bool `json:"success,omitempty"`
	Code    *int  `json:"code,omitempty"`
}

// ResultsRecord describes one execution's captured results as a single
// record. Results Storage does not use it; it stores state, metadata,
// logs and tarballs under separate keys.
type ResultsRecord struct {
	ExecutionID      string         `json:"execution_id"`
	State            ContainerState `json:"state"`
	Metadata         map[string]any `json:"metadata"`
	LogsKey          string         `json:"logs_key"`
	OutputTarballKey string         `json:"output_tarball_key"`
	MeasuresTarballKey string       `json:"measures_tarball_key"`
}

// Parameters is the user-supplied key/value map injected into an
// execution's configuration file on its volume.
type Parameters = map[string]any
