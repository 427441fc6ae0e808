package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds shared by every conversion stage. Callers match them with errors.Is;
// the returned errors carry context added with errors.Wrapf.
var (
	// ErrUnsupportedComponentType is returned when a component type or NIfTI datatype
	// code has no entry in the conversion tables.
	ErrUnsupportedComponentType = errors.New("unsupported component type")

	// ErrMalformedPayload is returned when a required field is missing or invalid, or
	// when the buffer length disagrees with the declared extents.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidShrinkFactor is returned for shrink factors that are not one positive
	// integer per image axis.
	ErrInvalidShrinkFactor = errors.New("invalid shrink factor")

	// ErrDownsampleFailed is matched by every DownsampleError.
	ErrDownsampleFailed = errors.New("downsample failed")

	// ErrSizeOverflow is returned when a dimension does not fit the narrow numeric range.
	ErrSizeOverflow = errors.New("size overflow")
)

// DownsampleError wraps a failure reported by (or a contract violation of) the
// external shrink transform.
type DownsampleError struct {
	// Cause is the error surfaced by the transform, unchanged.
	Cause error
}

func (e *DownsampleError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDownsampleFailed, e.Cause)
}

// Is reports whether target is ErrDownsampleFailed.
func (e *DownsampleError) Is(target error) bool {
	return target == ErrDownsampleFailed
}

// Unwrap returns the transform's error.
func (e *DownsampleError) Unwrap() error {
	return e.Cause
}
