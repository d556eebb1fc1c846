package anyenc

import (
	"fmt"
	"math/rand"

	"github.com/Mehanik/bergman"
	"github.com/Mehanik/bergman/anyconv"
	"github.com/Mehanik/bergman/anymat"
	"github.com/Mehanik/bergman/anyrec"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// InputStage is the convolutional stage which precedes
// the encoder layers of a Convnet model:
//
//     gelu(LN2(conv2(gelu(LN1(conv1(x)))) + x))
type InputStage struct {
	Conv1 *anyconv.Conv
	Norm1 *bergman.LayerNorm
	Conv2 *anyconv.Conv
	Norm2 *bergman.LayerNorm
}

// NewInputStage creates a randomized InputStage with the
// given filter width.
func NewInputStage(c anyvec.Creator, cfg *Config, r *rand.Rand) *InputStage {
	h, k := cfg.HiddenSize, cfg.InputConvnetFilterSize
	return &InputStage{
		Conv1: anyconv.NewConv(c, k, h, h, cfg.InitializerRange, r),
		Norm1: bergman.NewLayerNorm(c, h, cfg.LayerNormEps),
		Conv2: anyconv.NewConv(c, k, h, h, cfg.InitializerRange, r),
		Norm2: bergman.NewLayerNorm(c, h, cfg.LayerNormEps),
	}
}

// Apply applies the stage to hidden states packed as
// [batch, steps, hidden].
func (i *InputStage) Apply(in anydiff.Res, batch, steps int) anydiff.Res {
	rows := batch * steps
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		h := i.Conv1.Apply(in, batch, steps)
		h = bergman.GELU.Apply(i.Norm1.Apply(h, rows), rows)
		h = anydiff.Add(i.Conv2.Apply(h, batch, steps), in)
		return bergman.GELU.Apply(i.Norm2.Apply(h, rows), rows)
	})
}

// Parameters returns the parameters of both convolutions
// and both LayerNorms.
func (i *InputStage) Parameters() []*anydiff.Var {
	return bergman.AllParameters(i.Conv1, i.Norm1, i.Conv2, i.Norm2)
}

// A Layer is one encoder layer: a recurrence block
// followed by the feed-forward sublayer
//
//     LN(Dropout(FC2(act(FC1(x)))) + x)
type Layer struct {
	Block       *anyrec.Block
	FeedForward *bergman.Residual
}

// NewLayer creates a randomized Layer.
func NewLayer(c anyvec.Creator, cfg *Config, dropout *bergman.Dropout, r *rand.Rand) (*Layer, error) {
	block, err := anyrec.NewBlock(c, cfg.blockConfig(), dropout, r)
	if err != nil {
		return nil, err
	}
	ffn := bergman.Net{
		bergman.NewFCInit(c, cfg.HiddenSize, cfg.IntermediateSize, cfg.InitializerRange, r),
		cfg.hiddenActivation(),
		bergman.NewFCInit(c, cfg.IntermediateSize, cfg.HiddenSize, cfg.InitializerRange, r),
	}
	return &Layer{
		Block: block,
		FeedForward: bergman.NewResidual(ffn, dropout,
			bergman.NewLayerNorm(c, cfg.HiddenSize, cfg.LayerNormEps)),
	}, nil
}

// Apply applies the layer.
// The input's Hidden field should be pooled by the
// caller.
func (l *Layer) Apply(in *anyrec.BlockInput) (*anyrec.BlockOutput, error) {
	out, err := l.Block.Apply(in)
	if err != nil {
		return nil, err
	}
	rows := in.Batch * in.Steps
	out.Hidden = anydiff.Pool(out.Hidden, func(x anydiff.Res) anydiff.Res {
		return l.FeedForward.Mix(x, x, rows)
	})
	return out, nil
}

// Parameters returns the block's parameters followed by
// the feed-forward parameters.
func (l *Layer) Parameters() []*anydiff.Var {
	return bergman.AllParameters(l.Block, l.FeedForward)
}

// A Stack is the encoder proper: an optional input stage
// and a list of layers.
type Stack struct {
	InputStage *InputStage
	Layers     []*Layer

	// Debug, if non-nil, is applied to the input of every
	// layer and to the final output.
	Debug *bergman.Debug
}

// NewStack creates a randomized Stack.
func NewStack(c anyvec.Creator, cfg *Config, dropout *bergman.Dropout, r *rand.Rand) (*Stack, error) {
	res := &Stack{}
	if cfg.InputConvnetFilterSize > 0 {
		res.InputStage = NewInputStage(c, cfg, r)
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		layer, err := NewLayer(c, cfg, dropout, r)
		if err != nil {
			return nil, fmt.Errorf("create layer %d: %w", i, err)
		}
		res.Layers = append(res.Layers, layer)
	}
	if cfg.DebugStats {
		res.Debug = &bergman.Debug{ID: "encoder", PrintMean: true, PrintVariance: true}
	}
	return res, nil
}

// StackInput is the input to a Stack.
type StackInput struct {
	// Hidden is packed as [Batch, Steps, hidden].
	Hidden anydiff.Res
	Batch  int
	Steps  int

	// Mask is indexed [batch][position] and may be nil.
	Mask [][]float64

	OutputMatrices bool
	OutputHidden   bool

	// pooler, if non-nil, computes the pooled output from
	// the last hidden state.
	pooler func(h anydiff.Res) anydiff.Res
}

// Apply runs the stack.
//
// Every returned tensor is a slice of one bundle, so the
// results may be consumed independently of each other.
func (s *Stack) Apply(in *StackInput) (*Output, error) {
	hidden := in.Hidden
	if s.InputStage != nil {
		hidden = s.InputStage.Apply(hidden, in.Batch, in.Steps)
	}
	rows := in.Batch * in.Steps

	var layout []segment
	var applyErr error
	var run func(l int, h anydiff.Res) anydiff.Res
	run = func(l int, h anydiff.Res) anydiff.Res {
		if s.Debug != nil {
			h = s.Debug.Apply(h, rows)
		}
		if l == len(s.Layers) {
			layout = append(layout, segment{kind: segmentLast, length: h.Output().Len()})
			if in.pooler == nil {
				return h
			}
			return anydiff.Pool(h, func(h anydiff.Res) anydiff.Res {
				pooled := in.pooler(h)
				layout = append(layout, segment{kind: segmentPooled,
					length: pooled.Output().Len()})
				return anydiff.Concat(h, pooled)
			})
		}
		return anydiff.Pool(h, func(h anydiff.Res) anydiff.Res {
			out, err := s.Layers[l].Apply(&anyrec.BlockInput{
				Hidden:         h,
				Batch:          in.Batch,
				Steps:          in.Steps,
				Mask:           in.Mask,
				OutputMatrices: in.OutputMatrices,
			})
			if err != nil {
				applyErr = fmt.Errorf("layer %d: %w", l, err)
				return h
			}
			parts := []anydiff.Res{run(l+1, out.Hidden)}
			if applyErr != nil {
				return h
			}
			if in.OutputHidden {
				parts = append(parts, h)
				layout = append(layout, segment{kind: segmentHidden, layer: l,
					length: h.Output().Len()})
			}
			for _, m := range out.Matrices {
				joined := m.Values.Joined()
				parts = append(parts, joined)
				layout = append(layout, segment{kind: segmentMatrices, layer: l,
					length: joined.Output().Len(), matrices: *m})
			}
			if out.Global != nil {
				joined := out.Global.Joined()
				parts = append(parts, joined)
				layout = append(layout, segment{kind: segmentGlobal, layer: l,
					length: joined.Output().Len(), complex: out.Global.IsComplex()})
			}
			return anydiff.Concat(parts...)
		})
	}
	bundle := run(0, hidden)
	if applyErr != nil {
		return nil, applyErr
	}
	return newOutput(bundle, layout, in, len(s.Layers)), nil
}

// Parameters returns the parameters of the input stage
// and of every layer.
func (s *Stack) Parameters() []*anydiff.Var {
	res := bergman.AllParameters(s.InputStage)
	for _, l := range s.Layers {
		res = append(res, l.Parameters()...)
	}
	return res
}

type segmentKind int

const (
	segmentLast segmentKind = iota
	segmentPooled
	segmentHidden
	segmentMatrices
	segmentGlobal
)

// A segment describes one part of an output bundle.
type segment struct {
	kind     segmentKind
	layer    int
	length   int
	complex  bool
	matrices anyrec.Matrices
}

// Output is the result of running an encoder.
type Output struct {
	Batch int
	Steps int

	// LastHidden is packed as [Batch, Steps, hidden].
	LastHidden anydiff.Res

	// Pooled is tanh(FC(h[:, 0])), packed as
	// [Batch, hidden].
	// It is nil without a pooling layer.
	Pooled anydiff.Res

	// AllHidden holds the input of every layer followed by
	// the final output, if requested.
	AllHidden []anydiff.Res

	// Matrices holds, for every layer, the unnormalized
	// matrices, if requested.
	Matrices [][]*anyrec.Matrices

	// Globals holds the final left-to-right state of every
	// layer of a decoder.
	Globals []*anymat.Complex

	bundle anydiff.Res
	layout []segment
	layers int
}

func newOutput(bundle anydiff.Res, layout []segment, in *StackInput, layers int) *Output {
	res := &Output{
		Batch:  in.Batch,
		Steps:  in.Steps,
		bundle: bundle,
		layout: layout,
		layers: layers,
	}
	res.fill(bundle)
	return res
}

// fill populates the exported fields with slices of a
// bundle.
func (o *Output) fill(bundle anydiff.Res) {
	o.LastHidden = nil
	o.Pooled = nil
	o.AllHidden = nil
	o.Matrices = nil
	o.Globals = nil
	hidden := make([]anydiff.Res, o.layers)
	var anyHidden bool
	matrices := make([][]*anyrec.Matrices, o.layers)
	var anyMatrices bool
	globals := make([]*anymat.Complex, o.layers)
	var anyGlobals bool

	var offset int
	for _, seg := range o.layout {
		part := anydiff.Slice(bundle, offset, offset+seg.length)
		offset += seg.length
		switch seg.kind {
		case segmentLast:
			o.LastHidden = part
		case segmentPooled:
			o.Pooled = part
		case segmentHidden:
			hidden[seg.layer] = part
			anyHidden = true
		case segmentMatrices:
			m := seg.matrices
			m.Values = anymat.SplitJoined(part, seg.matrices.IsComplex())
			matrices[seg.layer] = append(matrices[seg.layer], &m)
			anyMatrices = true
		case segmentGlobal:
			g := anymat.SplitJoined(part, seg.complex)
			globals[seg.layer] = &g
			anyGlobals = true
		}
	}
	if anyHidden {
		o.AllHidden = append(hidden, o.LastHidden)
	}
	if anyMatrices {
		o.Matrices = matrices
	}
	if anyGlobals {
		o.Globals = globals
	}
}

// Use computes a result from the output.
//
// Inside f, the fields of the Output may be read any
// number of times, and gradients still reach the encoder.
// Outside of Use, every field should be consumed at most
// once.
func (o *Output) Use(f func(o *Output) anydiff.Res) anydiff.Res {
	return anydiff.Pool(o.bundle, func(bundle anydiff.Res) anydiff.Res {
		inner := *o
		inner.fill(bundle)
		return f(&inner)
	})
}

// AllMatrices flattens Matrices into one list.
func (o *Output) AllMatrices() []*anyrec.Matrices {
	var res []*anyrec.Matrices
	for _, layer := range o.Matrices {
		res = append(res, layer...)
	}
	return res
}

// Tuple returns the non-nil results in positional order:
// the last hidden state, the pooled output, all hidden
// states and all matrices.
func (o *Output) Tuple() []interface{} {
	res := []interface{}{o.LastHidden}
	if o.Pooled != nil {
		res = append(res, o.Pooled)
	}
	if o.AllHidden != nil {
		res = append(res, o.AllHidden)
	}
	if o.Matrices != nil {
		res = append(res, o.Matrices)
	}
	return res
}
