// Package apierrors is the error taxonomy shared across the
// controller and its instance providers. It lives in its own leaf
// package so that both internal/controller and internal/provider can
// report these errors without creating an import cycle between them.
package apierrors

import "fmt"

// ValidationError signals a malformed request or bad configuration. It
// is surfaced as a 4xx from non-streaming endpoints, or CLI exit 2.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// BuildError means the snapshot builder reported an error event. No
// snapshot id is emitted for this submission.
type BuildError struct {
	Msg string
}

func (e *BuildError) Error() string { return e.Msg }

// AcquisitionError means no instance could be acquired for a run
// (quota exhausted, acquisition timeout, boot failure).
type AcquisitionError struct {
	Msg string
}

func (e *AcquisitionError) Error() string { return e.Msg }

func NewAcquisitionError(format string, args ...any) error {
	return &AcquisitionError{Msg: fmt.Sprintf(format, args...)}
}

// InstanceAssignedError is the internal race signal: two acquisitions
// targeted the same instance/VM. The caller retries acquisition from
// the top.
type InstanceAssignedError struct {
	InstanceID string
}

func (e *InstanceAssignedError) Error() string {
	return fmt.Sprintf("instance %s is not free", e.InstanceID)
}

// NotFoundError means the execution id named in the request is
// unknown to the controller.
type NotFoundError struct {
	ExecutionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such execution: %s", e.ExecutionID)
}

// RuntimeError wraps a container-runtime or cloud API failure
// encountered mid-execution. The execution is not retried; its status
// surfaces running=false, success=false.
type RuntimeError struct {
	Msg string
	Err error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RuntimeError) Unwrap() error { return e.Err }
