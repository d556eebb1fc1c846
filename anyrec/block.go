package anyrec

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/Mehanik/bergman"
	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// BlockInput is the input to a Block.
type BlockInput struct {
	// Hidden is packed as [Batch, Steps, hidden].
	//
	// Several stages read Hidden, so a caller chaining
	// blocks should pass a pooled value.
	Hidden anydiff.Res
	Batch  int
	Steps  int

	// Mask is indexed [batch][position].
	// It may be nil.
	Mask [][]float64

	// OutputMatrices requests the raw matrices.
	OutputMatrices bool

	// These are not supported and must be nil.
	HeadMask      []float64
	EncoderHidden anydiff.Res
	EncoderMask   [][]float64
	PastVector    anydiff.Res
}

// BlockOutput is the result of a Block.
type BlockOutput struct {
	Hidden anydiff.Res

	// Matrices holds the unnormalized matrices, if they
	// were requested: the left-to-right matrices followed,
	// when the right-to-left scan has its own predictor,
	// by the right-to-left matrices.
	Matrices []*Matrices

	// Global is the final state of the left-to-right scan,
	// packed as [batch, head, dim].
	// It is only set for decoders.
	Global *anymat.Complex
}

// A Block is a matrix recurrence layer with a residual
// output stage, replacing a self-attention block.
type Block struct {
	Config Config

	Predictor Predictor

	// RLPredictor is nil unless the right-to-left scan
	// uses its own matrices.
	RLPredictor Predictor

	Propagator *Propagator
	Assembler  *Assembler

	// Output computes LayerNorm(Dropout(FC(context)) + input).
	Output *bergman.Residual
}

// NewBlock creates a randomized Block.
//
// The dropout layer is shared with the caller so that it
// can be switched on and off; if it is nil, a new one is
// created from cfg.
func NewBlock(c anyvec.Creator, cfg *Config, dropout *bergman.Dropout, r *rand.Rand) (*Block, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}
	if dropout == nil {
		dropout = bergman.NewDropout(cfg.HiddenDropoutProb)
	}
	res := &Block{
		Config:     *cfg,
		Propagator: NewPropagator(cfg),
	}
	res.Config.UseForContext = append([]View{}, cfg.UseForContext...)
	var err error
	if res.Predictor, err = NewPredictor(c, cfg, r); err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}
	if cfg.RLLRMatrixDifferent {
		if res.RLPredictor, err = NewPredictor(c, cfg, r); err != nil {
			return nil, fmt.Errorf("create block: %w", err)
		}
	}
	if res.Assembler, err = NewAssembler(c, cfg, r); err != nil {
		return nil, fmt.Errorf("create block: %w", err)
	}
	proj := bergman.NewFCInit(c, cfg.OutputWidth(), cfg.HiddenSize, cfg.InitializerRange, r)
	res.Output = bergman.NewResidual(proj, dropout,
		bergman.NewLayerNorm(c, cfg.HiddenSize, cfg.LayerNormEps))
	return res, nil
}

// Apply runs the block.
func (b *Block) Apply(in *BlockInput) (*BlockOutput, error) {
	switch {
	case in.HeadMask != nil:
		return nil, fmt.Errorf("%w: head mask", ErrNotImplemented)
	case in.EncoderHidden != nil || in.EncoderMask != nil:
		return nil, fmt.Errorf("%w: cross-attention", ErrNotImplemented)
	case in.PastVector != nil:
		return nil, fmt.Errorf("%w: cached past state", ErrNotImplemented)
	}
	if expected := in.Batch * in.Steps * b.Config.HiddenSize; in.Hidden.Output().Len() != expected {
		return nil, fmt.Errorf("%w: hidden size %d, expected %d", ErrShape,
			in.Hidden.Output().Len(), expected)
	}
	if err := CheckMask(in.Mask, in.Batch, in.Steps); err != nil {
		return nil, err
	}

	raw := b.Predictor.Predict(in.Hidden, in.Batch, in.Steps)
	lr, err := Normalize(raw, b.Config.MatrixNormAlg.Alg, b.Config.MatrixNormEps)
	if err != nil {
		return nil, err
	}
	rl := lr
	var rawRL *Matrices
	if b.RLPredictor != nil {
		rawRL = b.RLPredictor.Predict(in.Hidden, in.Batch, in.Steps)
		rawRL.RightToLeft = true
		if rl, err = Normalize(rawRL, b.Config.MatrixNormAlg.Alg, b.Config.MatrixNormEps); err != nil {
			return nil, err
		}
	}

	context, global, err := b.context(lr, rl, in.Mask)
	if err != nil {
		return nil, err
	}
	out := &BlockOutput{
		Hidden: b.Output.Mix(context, in.Hidden, in.Batch*in.Steps),
		Global: global,
	}
	if in.OutputMatrices {
		out.Matrices = []*Matrices{raw}
		if rawRL != nil {
			out.Matrices = append(out.Matrices, rawRL)
		}
	}
	return out, nil
}

// Parameters returns the parameters of every stage.
func (b *Block) Parameters() []*anydiff.Var {
	return bergman.AllParameters(b.Predictor, b.RLPredictor, b.Assembler, b.Output)
}

// context runs the scans and assembles their results.
//
// The normalized matrices are pooled, since every scan
// step slices them.
func (b *Block) context(lr, rl *Matrices, mask [][]float64) (anydiff.Res, *anymat.Complex, error) {
	var scanErr error
	var globalLen int
	complex := lr.IsComplex()
	withMatrices := func(f func(lr, rl *Matrices) anydiff.Res) anydiff.Res {
		return anydiff.Pool(lr.Values.Joined(), func(lrJoined anydiff.Res) anydiff.Res {
			lrPooled := *lr
			lrPooled.Values = anymat.SplitJoined(lrJoined, complex)
			if rl == lr {
				return f(&lrPooled, &lrPooled)
			}
			return anydiff.Pool(rl.Values.Joined(), func(rlJoined anydiff.Res) anydiff.Res {
				rlPooled := *rl
				rlPooled.Values = anymat.SplitJoined(rlJoined, complex)
				return f(&lrPooled, &rlPooled)
			})
		})
	}
	joined := withMatrices(func(lr, rl *Matrices) anydiff.Res {
		hists, err := b.scan(lr, rl, mask)
		if err != nil {
			scanErr = err
			return anydiff.NewConst(lr.Values.Real.Output().Creator().MakeVector(1))
		}
		context, err := b.Assembler.Assemble(hists, lr.Batch, lr.Steps)
		if err != nil {
			scanErr = err
			return anydiff.NewConst(lr.Values.Real.Output().Creator().MakeVector(1))
		}
		if !b.Config.IsDecoder {
			return context
		}
		g := hists.Forward.Entry(lr.Steps).Joined()
		globalLen = g.Output().Len()
		return anydiff.Concat(context, g)
	})
	if scanErr != nil {
		return nil, nil, scanErr
	}
	if !b.Config.IsDecoder {
		return joined, nil, nil
	}
	total := joined.Output().Len()
	global := anymat.SplitJoined(anydiff.Slice(joined, total-globalLen, total), complex)
	return anydiff.Slice(joined, 0, total-globalLen), &global, nil
}

// scan runs the scans which the views need.
// The two directional scans are independent and run
// concurrently.
func (b *Block) scan(lr, rl *Matrices, mask [][]float64) (*Histories, error) {
	forward, backward, local := NeededScans(b.Config.UseForContext)
	if b.Config.IsDecoder {
		forward = true
	}
	var res Histories
	var errs [3]error
	var wg sync.WaitGroup
	if forward {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Forward, errs[0] = b.Propagator.Propagate(lr, mask, Forward, true)
		}()
	}
	if backward {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.Backward, errs[1] = b.Propagator.Propagate(rl, mask, Backward, true)
		}()
	}
	if local {
		res.Local, errs[2] = b.Propagator.Propagate(lr, mask, Forward, false)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return &res, nil
}
