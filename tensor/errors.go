package tensor

import "errors"

var (
	// ErrShapeMismatch is returned when operand shapes disagree.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDeviceUnavailable is returned when a requested compute device
	// cannot be used and no fallback was allowed.
	ErrDeviceUnavailable = errors.New("device unavailable")
)
