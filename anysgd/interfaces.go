package anysgd

import (
	"encoding"

	"github.com/unixpickle/anydiff"
)

// A Transformer rewrites a gradient before it is applied,
// for example to implement an adaptive step size.
//
// Transform may modify g and return it, but it must not
// retain g; state that outlives the call belongs in the
// Transformer's own vectors.
// Every call after the first sees the same variables.
// The result is valid until the next call.
type Transformer interface {
	Transform(g anydiff.Grad) anydiff.Grad
}

// TransformMarshaler is a Transformer whose state can be
// saved and restored, so that training can resume.
type TransformMarshaler interface {
	Transformer
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// A Batch is whatever a Fetcher produces for a
// Gradienter, such as padded token IDs with their labels.
type Batch interface{}

// A Fetcher turns a mini-batch of samples into a Batch.
type Fetcher interface {
	Fetch(s SampleList) (Batch, error)
}

// A Gradienter computes the gradient of the cost of a
// Batch.
// It may reuse the same Grad across calls.
type Gradienter interface {
	Gradient(b Batch) anydiff.Grad
}

// A Rater picks the step size for a (possibly fractional)
// epoch.
type Rater interface {
	Rate(epoch float64) float64
}

// A SampleList is a reorderable list of training samples.
type SampleList interface {
	Len() int
	Swap(i, j int)

	// Slice returns a shallow copy of the samples in
	// [i, j).
	Slice(i, j int) SampleList
}

// A PostShuffler is notified after Shuffle, for example
// to bucket sequences of similar length together.
type PostShuffler interface {
	PostShuffle()
}

// A Coster computes the cost of a Batch as a vector with
// one component.
type Coster interface {
	TotalCost(b Batch) anydiff.Res
}

// A Stopper tells SGD when to stop.
// Done is called at least once per step.
type Stopper interface {
	Done() bool
}
