package anysgd

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
)

// Shuffle shuffles a list of samples.
// If the list implements PostShuffler, then PostShuffle
// is called after the shuffle completes.
func Shuffle(s SampleList) {
	for i := 0; i < s.Len(); i++ {
		j := i + rand.Intn(s.Len()-i)
		s.Swap(i, j)
	}
	if p, ok := s.(PostShuffler); ok {
		p.PostShuffle()
	}
}

// A ConstRater is a Rater which always returns the same
// constant learning rate.
type ConstRater float64

// Rate returns float64(c).
func (c ConstRater) Rate(epoch float64) float64 {
	return float64(c)
}

// StepStopper is a Stopper which stops after a fixed
// number of calls to Done.
type StepStopper struct {
	Remaining int
}

// Done decrements the remaining count and reports if it
// was already exhausted.
func (s *StepStopper) Done() bool {
	if s.Remaining <= 0 {
		return true
	}
	s.Remaining--
	return false
}

// ChanStopper is a Stopper which stops once a channel is
// closed.
type ChanStopper <-chan struct{}

// Done returns true if the channel is closed.
func (c ChanStopper) Done() bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func copyGrad(g anydiff.Grad) anydiff.Grad {
	res := anydiff.Grad{}
	for v, x := range g {
		res[v] = x.Copy()
	}
	return res
}

func scaleGrad(g anydiff.Grad, s float64) {
	for _, v := range g {
		g.Scale(v.Creator().MakeNumeric(s))
		return
	}
}

func valueOrDefault(value, def float64) float64 {
	if value == 0 {
		return def
	}
	return value
}

func numericFloat(data interface{}) float64 {
	var sum float64
	switch data := data.(type) {
	case []float32:
		for _, x := range data {
			sum += float64(x)
		}
	case []float64:
		for _, x := range data {
			sum += x
		}
	}
	return sum
}
