package models

import "errors"

// Error kinds shared by every stage of the preprocessing pipeline. Callers
// wrap them with context and match with errors.Is.
var (
	// ErrNotFound marks a missing image or mask file
	ErrNotFound = errors.New("not found")

	// ErrPrecondition marks a call made before the forward pass that
	// produces its inputs
	ErrPrecondition = errors.New("precondition violated")

	// ErrEmptyForeground marks an image with no non-zero voxel to crop to
	ErrEmptyForeground = errors.New("empty foreground")

	// ErrGeometryMismatch marks image/mask grids or affines that disagree
	ErrGeometryMismatch = errors.New("geometry mismatch")
)
