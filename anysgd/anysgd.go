// Package anysgd provides tools for Stochastic Gradient
// Descent.
// It is used to train the encoders in this module, but
// it works on any set of anydiff variables.
package anysgd

import (
	"errors"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
)

// SGD performs stochastic gradient descent.
type SGD struct {
	// Fetcher is used to turn mini-batches of samples into
	// Batches for the Gradienter.
	// If it is nil, the SampleList of each mini-batch is
	// passed to the Gradienter as-is.
	Fetcher Fetcher

	// Gradienter is used to compute initial, untransformed
	// gradients for each mini-batch.
	Gradienter Gradienter

	// Transformer, if non-nil, is used to transform each
	// gradient before the step.
	Transformer Transformer

	// Samples is the list of training samples to use for
	// training.
	// It will be shuffled and re-shuffled as needed.
	//
	// The list may not be empty.
	Samples SampleList

	// Rater determines the learning rate for each step.
	Rater Rater

	// StatusFunc, if non-nil, is called before every
	// iteration with the next mini-batch.
	StatusFunc func(b Batch)

	// BatchSize is the mini-batch size.
	// If it is 0, then the entire sample list is used at
	// every iteration.
	BatchSize int

	// NumProcessed keeps track of the number of samples that
	// have been passed to Gradienter so far.
	// It is used to compute the epoch for Rater.
	// Most of the time, this should be initialized to 0.
	NumProcessed int
}

// Run runs SGD until stopper indicates to stop or the
// Fetcher fails.
func (s *SGD) Run(stopper Stopper) error {
	if s.Samples.Len() == 0 {
		return errors.New("run SGD: empty sample list")
	}
	idx := s.Samples.Len()
	for !stopper.Done() {
		remaining := s.Samples.Len() - idx
		if remaining == 0 {
			Shuffle(s.Samples)
			idx = 0
			remaining = s.Samples.Len()
		}
		batchSize := s.batchSize(remaining)
		samples := s.Samples.Slice(idx, idx+batchSize)
		idx += batchSize

		var batch Batch = samples
		if s.Fetcher != nil {
			var err error
			batch, err = s.Fetcher.Fetch(samples)
			if err != nil {
				return essentials.AddCtx("run SGD", err)
			}
		}

		if s.StatusFunc != nil {
			s.StatusFunc(batch)
			if stopper.Done() {
				break
			}
		}

		grad := s.Gradienter.Gradient(batch)
		if s.Transformer != nil {
			grad = s.Transformer.Transform(grad)
		}

		epoch := float64(s.NumProcessed) / float64(s.Samples.Len())
		scaleGrad(grad, -s.Rater.Rate(epoch))
		grad.AddToVars()

		s.NumProcessed += batchSize
	}
	return nil
}

func (s *SGD) batchSize(remaining int) int {
	if s.BatchSize == 0 || s.BatchSize > remaining {
		return remaining
	} else {
		return s.BatchSize
	}
}

// CosterGrad computes the gradient of a Coster's total
// cost with respect to params.
// It also returns the value of the cost.
func CosterGrad(c Coster, b Batch, params []*anydiff.Var) (anydiff.Grad, float64) {
	grad := anydiff.NewGrad(params...)
	cost := c.TotalCost(b)
	cr := cost.Output().Creator()
	upstream := cr.MakeVectorData(cr.MakeNumericList([]float64{1}))
	value := numericFloat(cost.Output().Data())
	cost.Propagate(upstream, grad)
	return grad, value
}
