// Package anyenc assembles matrix-recurrence encoders
// into complete models: embeddings, an encoder stack, a
// pooler and task heads.
package anyenc

import (
	"fmt"
	"math/rand"

	"github.com/Mehanik/bergman"
	"github.com/Mehanik/bergman/anymat"
	"github.com/Mehanik/bergman/anyrec"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Input is the input to Model.Forward.
// Every slice is indexed [batch][position].
type Input struct {
	// Exactly one of TokenIDs and Embeds must be set.
	TokenIDs [][]int

	// Embeds replaces the word embeddings; it is packed as
	// [Batch, Steps, hidden].
	Embeds anydiff.Res
	Batch  int
	Steps  int

	// Mask holds 1 for real tokens and 0 for padding.
	// If nil, every position is a real token.
	Mask [][]float64

	TokenTypeIDs [][]int
	PositionIDs  [][]int

	OutputMatrices bool
	OutputHidden   bool

	// These are not supported and must be unset.
	HeadMask      []float64
	EncoderHidden anydiff.Res
	EncoderMask   [][]float64
	PastVectors   []anydiff.Res
	UseCache      bool
}

// A Model is a Bergman or Convnet encoder without a task
// head.
type Model struct {
	Config *Config

	Embeddings *Embeddings
	Stack      *Stack

	// Pooler is nil without a pooling layer.
	Pooler *bergman.FC

	// Dropout is shared by every dropout site of the
	// encoder.
	Dropout *bergman.Dropout
}

// NewModel creates a randomized model.
// Two models created with identically seeded sources are
// identical.
func NewModel(c anyvec.Creator, cfg *Config, r *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	cfgCopy := *cfg
	dropout := bergman.NewDropout(cfg.HiddenDropoutProb)
	dropout.Rand = r
	res := &Model{
		Config:     &cfgCopy,
		Embeddings: NewEmbeddings(c, cfg, dropout, r),
		Dropout:    dropout,
	}
	var err error
	res.Stack, err = NewStack(c, cfg, dropout, r)
	if err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	if cfg.AddPoolingLayer {
		res.Pooler = bergman.NewFCInit(c, cfg.HiddenSize, cfg.HiddenSize, cfg.InitializerRange, r)
	}
	return res, nil
}

// SetTraining enables or disables dropout.
func (m *Model) SetTraining(training bool) {
	m.Dropout.Enabled = training
}

// Forward runs the model.
func (m *Model) Forward(in *Input) (*Output, error) {
	switch {
	case in.HeadMask != nil:
		return nil, fmt.Errorf("%w: head mask", anyrec.ErrNotImplemented)
	case in.EncoderHidden != nil || in.EncoderMask != nil:
		return nil, fmt.Errorf("%w: cross-attention", anyrec.ErrNotImplemented)
	case in.PastVectors != nil || in.UseCache:
		return nil, fmt.Errorf("%w: cached past state", anyrec.ErrNotImplemented)
	}
	hidden, batch, steps, err := m.Embeddings.Apply(&EmbeddingInput{
		TokenIDs:     in.TokenIDs,
		Embeds:       in.Embeds,
		Batch:        in.Batch,
		Steps:        in.Steps,
		TokenTypeIDs: in.TokenTypeIDs,
		PositionIDs:  in.PositionIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	if err := anyrec.CheckMask(in.Mask, batch, steps); err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	stackIn := &StackInput{
		Hidden:         hidden,
		Batch:          batch,
		Steps:          steps,
		Mask:           in.Mask,
		OutputMatrices: in.OutputMatrices,
		OutputHidden:   in.OutputHidden,
	}
	if m.Pooler != nil {
		stackIn.pooler = func(h anydiff.Res) anydiff.Res {
			first := anymat.Gather(h, m.Config.HiddenSize, firstRows(batch, steps))
			return bergman.Tanh.Apply(m.Pooler.Apply(first, batch), batch)
		}
	}
	out, err := m.Stack.Apply(stackIn)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	return out, nil
}

// Parameters returns every learnable parameter.
func (m *Model) Parameters() []*anydiff.Var {
	return bergman.AllParameters(m.Embeddings, m.Stack, m.Pooler)
}

func (m *Model) creator() anyvec.Creator {
	return m.Embeddings.Word.Vector.Vector.Creator()
}

// firstRows lists the row index of the first position of
// every sequence.
func firstRows(batch, steps int) []int {
	res := make([]int, batch)
	for b := range res {
		res[b] = b * steps
	}
	return res
}

// lastRows lists the row index of the last position of
// every sequence.
func lastRows(batch, steps int) []int {
	res := make([]int, batch)
	for b := range res {
		res[b] = b*steps + steps - 1
	}
	return res
}
