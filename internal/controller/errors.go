package controller

import "github.com/kwohlfahrt/plz-go/internal/apierrors"

// The controller's error taxonomy lives in internal/apierrors so that
// internal/provider can report the same error types without importing
// this package. These aliases keep the familiar
// controller.ValidationError-style names available to HTTP handlers
// and CLI code that live alongside the rest of the controller.
type (
	ValidationError       = apierrors.ValidationError
	BuildError            = apierrors.BuildError
	AcquisitionError      = apierrors.AcquisitionError
	InstanceAssignedError = apierrors.InstanceAssignedError
	NotFoundError         = apierrors.NotFoundError
	RuntimeError          = apierrors.RuntimeError
)

var (
	NewValidationError  = apierrors.NewValidationError
	NewAcquisitionError = apierrors.NewAcquisitionError
)
