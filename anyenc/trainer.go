package anyenc

import (
	"encoding/binary"
	"errors"
	"hash/fnv"

	"github.com/Mehanik/bergman/anysgd"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
)

// IgnoreLabel marks positions which do not contribute to
// the masked LM loss.
const IgnoreLabel = -100

// A Sample is one masked LM training sequence.
type Sample struct {
	// TokenIDs is the (masked) input sequence.
	TokenIDs []int

	// Labels holds the original token at every masked
	// position and IgnoreLabel elsewhere.
	// It has the same length as TokenIDs.
	Labels []int
}

// A SampleList is an anysgd.SampleList that produces
// masked LM samples.
type SampleList interface {
	anysgd.SampleList

	GetSample(idx int) (*Sample, error)
}

// A SliceSampleList is a concrete SampleList with
// predetermined samples.
type SliceSampleList []*Sample

// Len returns the number of samples.
func (s SliceSampleList) Len() int {
	return len(s)
}

// Swap swaps two samples.
func (s SliceSampleList) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Slice copies a sub-slice of the list.
func (s SliceSampleList) Slice(i, j int) anysgd.SampleList {
	return append(SliceSampleList{}, s[i:j]...)
}

// GetSample returns the sample at the index.
func (s SliceSampleList) GetSample(idx int) (*Sample, error) {
	return s[idx], nil
}

// Hash hashes the tokens of a sample, making it possible
// to split the list with anysgd.HashSplit.
func (s SliceSampleList) Hash(idx int) []byte {
	h := fnv.New64a()
	var buf [8]byte
	for _, id := range s[idx].TokenIDs {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

// A Batch is a padded batch of masked LM samples.
type Batch struct {
	Input  *Input
	Labels [][]int
}

// A Trainer can construct batches, compute gradients, and
// tally up costs for a MaskedLM.
type Trainer struct {
	LM     *MaskedLM
	Params []*anydiff.Var

	// Step counts the gradients computed so far.
	// It drives the preheat schedule of the auxiliary
	// losses.
	Step int

	// After every gradient computation, LastCost is set to
	// the total cost of the batch and LastMetrics to the
	// individual loss terms.
	LastCost    float64
	LastMetrics map[string]float64
}

// Fetch produces a *Batch for the subset of samples.
// The s argument must implement SampleList.
// Sequences are padded to the longest one with the
// padding token, a zero mask and ignored labels.
func (t *Trainer) Fetch(s anysgd.SampleList) (anysgd.Batch, error) {
	if s.Len() == 0 {
		return nil, errors.New("fetch batch: empty batch")
	}
	l := s.(SampleList)
	samples := make([]*Sample, l.Len())
	var maxLen int
	for i := range samples {
		sample, err := l.GetSample(i)
		if err != nil {
			return nil, essentials.AddCtx("fetch batch", err)
		}
		if len(sample.Labels) != len(sample.TokenIDs) {
			return nil, errors.New("fetch batch: label count does not match token count")
		}
		samples[i] = sample
		if len(sample.TokenIDs) > maxLen {
			maxLen = len(sample.TokenIDs)
		}
	}
	if maxLen == 0 {
		return nil, errors.New("fetch batch: empty sequences")
	}

	pad := t.LM.Model.Config.PadTokenID
	batch := &Batch{Input: &Input{}}
	for _, sample := range samples {
		ids := make([]int, maxLen)
		mask := make([]float64, maxLen)
		labels := make([]int, maxLen)
		for i := range ids {
			if i < len(sample.TokenIDs) {
				ids[i] = sample.TokenIDs[i]
				mask[i] = 1
				labels[i] = sample.Labels[i]
			} else {
				ids[i] = pad
				labels[i] = IgnoreLabel
			}
		}
		batch.Input.TokenIDs = append(batch.Input.TokenIDs, ids)
		batch.Input.Mask = append(batch.Input.Mask, mask)
		batch.Labels = append(batch.Labels, labels)
	}
	return batch, nil
}

// TotalCost computes the total cost for the *Batch.
//
// Batches come from Fetch, so an error here is a bug and
// causes a panic.
func (t *Trainer) TotalCost(batch anysgd.Batch) anydiff.Res {
	b := batch.(*Batch)
	out, err := t.LM.Forward(b.Input, b.Labels, t.Step)
	if err != nil {
		panic(err)
	}
	t.LastMetrics = out.Metrics
	return out.Loss
}

// Gradient computes the gradient for the batch's cost.
// It also sets t.LastCost and advances t.Step.
//
// The b argument must be a *Batch.
func (t *Trainer) Gradient(b anysgd.Batch) anydiff.Grad {
	grad, lc := anysgd.CosterGrad(t, b, t.Params)
	t.LastCost = lc
	t.Step++
	return grad
}
