package bergman

import (
	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
)

// A Cost compares a packed batch of desired outputs with
// a packed batch of actual outputs, producing one cost per
// row.
type Cost interface {
	Cost(desired, actual anydiff.Res, n int) anydiff.Res
}

// DotCost is the negated dot product of each desired row
// with each actual row.
// With log-probabilities as the actual outputs and target
// distributions as the desired ones, it is the
// cross-entropy.
type DotCost struct{}

// Cost computes the negated row-wise dot products.
func (d DotCost) Cost(desired, actual anydiff.Res, n int) anydiff.Res {
	dots := sumRows(anydiff.Mul(desired, actual), n)
	return anydiff.Scale(dots, dots.Output().Creator().MakeNumeric(-1))
}

// MSE is the mean squared difference of each row.
type MSE struct{}

// Cost computes the row-wise mean squared errors.
func (m MSE) Cost(desired, actual anydiff.Res, n int) anydiff.Res {
	sums := sumRows(anydiff.Square(anydiff.Sub(desired, actual)), n)
	cols := chunkSize(actual, n)
	return anydiff.Scale(sums, sums.Output().Creator().MakeNumeric(1/float64(cols)))
}

// SigmoidCE is the binary cross-entropy of sigmoid(actual)
// against desired probabilities, computed from log-sigmoids
// for stability.
type SigmoidCE struct {
	// Average divides each row's sum by the row size.
	Average bool
}

// Cost computes the row-wise binary cross-entropies.
func (s SigmoidCE) Cost(desired, actual anydiff.Res, n int) anydiff.Res {
	c := actual.Output().Creator()
	logLikelihoods := anydiff.Pool(desired, func(desired anydiff.Res) anydiff.Res {
		return anydiff.Pool(actual, func(actual anydiff.Res) anydiff.Res {
			return anydiff.Add(
				anydiff.Mul(desired, anydiff.LogSigmoid(actual)),
				anydiff.Mul(anydiff.Complement(desired),
					anydiff.LogSigmoid(anydiff.Scale(actual, c.MakeNumeric(-1)))),
			)
		})
	})
	scale := -1.0
	if s.Average {
		scale /= float64(chunkSize(actual, n))
	}
	return anydiff.Scale(sumRows(logLikelihoods, n), c.MakeNumeric(scale))
}

func sumRows(in anydiff.Res, n int) anydiff.Res {
	return anydiff.SumCols(&anydiff.Matrix{Data: in, Rows: n, Cols: chunkSize(in, n)})
}

// MeanCrossEntropy computes the average cross-entropy of
// a batch of logit vectors against class labels.
//
// Labels outside of [0, classes) are ignored, which is how
// padding and unmasked positions are excluded from the
// loss.
// If no label is in range, the result is 0.
// The result is a vector with one component.
func MeanCrossEntropy(logits anydiff.Res, labels []int, classes int) anydiff.Res {
	c := logits.Output().Creator()
	if logits.Output().Len() != len(labels)*classes {
		panic("logit count does not match label count")
	}
	oneHot := make([]float64, logits.Output().Len())
	var count int
	for i, label := range labels {
		if label < 0 || label >= classes {
			continue
		}
		oneHot[i*classes+label] = 1
		count++
	}
	if count == 0 {
		return anydiff.NewConst(c.MakeVector(1))
	}
	logProbs := anydiff.LogSoftmax(logits, classes)
	total := DotCost{}.Cost(anymat.Constant(c, oneHot), logProbs, 1)
	return anydiff.Scale(total, c.MakeNumeric(1/float64(count)))
}
