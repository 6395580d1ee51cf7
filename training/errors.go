package training

import "errors"

var (
	// ErrIndexOutOfRange is returned by datasets for an index outside [0, Len).
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrEmptyBatchProvider is returned when a pass sees zero samples.
	ErrEmptyBatchProvider = errors.New("batch provider yielded no samples")
	// ErrNonFiniteLoss aborts training when the loss becomes NaN or Inf.
	ErrNonFiniteLoss = errors.New("non-finite loss")
)
