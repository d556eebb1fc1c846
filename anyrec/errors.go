package anyrec

import "errors"

var (
	// ErrConfig indicates an invalid or unsupported
	// hyperparameter.
	ErrConfig = errors.New("unsupported configuration")

	// ErrNotImplemented indicates an input which is
	// understood but not yet supported, such as a cached
	// decoder state.
	ErrNotImplemented = errors.New("not implemented")

	// ErrShape indicates inputs of the wrong size.
	ErrShape = errors.New("bad input shape")
)
