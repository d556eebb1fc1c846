package anyrec

import (
	"fmt"
	"math/rand"

	"github.com/Mehanik/bergman"
	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Predictor maps hidden states to per-position
// matrices.
type Predictor interface {
	bergman.Parameterizer

	// Predict produces matrices for a packed batch of
	// hidden states with the shape [batch, steps, hidden].
	Predict(hidden anydiff.Res, batch, steps int) *Matrices
}

// NewPredictor creates the predictor selected by
// cfg.MatrixEncoderVersion.
func NewPredictor(c anyvec.Creator, cfg *Config, r *rand.Rand) (Predictor, error) {
	switch cfg.MatrixEncoderVersion {
	case 1:
		return NewPredictorV1(c, cfg, r)
	case 2:
		return NewPredictorV2(c, cfg, r)
	}
	return nil, fmt.Errorf("%w: unknown matrix_encoder_version %d", ErrConfig,
		cfg.MatrixEncoderVersion)
}

// PredictorV1 projects every hidden state directly to
// heads*dim*dim values, optionally after an encoder
// layer.
type PredictorV1 struct {
	Heads int
	Dim   int

	// Encoder is an optional first stage.
	// It is nil for single-layer predictors.
	Encoder bergman.Net

	Real *bergman.FC

	// Imag is nil for real matrices.
	Imag *bergman.FC
}

// NewPredictorV1 creates a randomized PredictorV1.
func NewPredictorV1(c anyvec.Creator, cfg *Config, r *rand.Rand) (*PredictorV1, error) {
	std := cfg.InitializerRange
	inSize := cfg.HiddenSize
	res := &PredictorV1{Heads: cfg.NumMatrixHeads, Dim: cfg.MatrixDim}
	if cfg.MatrixEncoderTwoLayers {
		act, err := encoderActivation(cfg.MatrixEncoderActivation)
		if err != nil {
			return nil, err
		}
		inSize = cfg.MatrixEncoderHiddenSize
		res.Encoder = bergman.Net{
			bergman.NewFCInit(c, cfg.HiddenSize, inSize, std, r),
			act,
		}
		if act == bergman.GELU {
			res.Encoder = append(res.Encoder, bergman.NewLayerNorm(c, inSize, cfg.LayerNormEps))
		}
	}
	outSize := cfg.NumMatrixHeads * cfg.MatrixDim * cfg.MatrixDim
	res.Real = bergman.NewFCInit(c, inSize, outSize, std, r)
	if cfg.ComplexMatrix {
		res.Imag = bergman.NewFCInit(c, inSize, outSize, std, r)
	}
	return res, nil
}

// Predict produces the matrices.
func (p *PredictorV1) Predict(hidden anydiff.Res, batch, steps int) *Matrices {
	rows := batch * steps
	matSize := p.Heads * p.Dim * p.Dim
	features := p.Encoder.Apply(hidden, rows)
	var values anymat.Complex
	if p.Imag == nil {
		values.Real = anymat.SwapAxes(p.Real.Apply(features, rows), batch, steps, matSize)
	} else {
		joined := anydiff.Pool(features, func(features anydiff.Res) anydiff.Res {
			return anydiff.Concat(
				anymat.SwapAxes(p.Real.Apply(features, rows), batch, steps, matSize),
				anymat.SwapAxes(p.Imag.Apply(features, rows), batch, steps, matSize),
			)
		})
		values = anymat.SplitJoined(joined, true)
	}
	return &Matrices{
		Steps:  steps,
		Batch:  batch,
		Heads:  p.Heads,
		Dim:    p.Dim,
		Values: values,
	}
}

// Parameters returns the parameters of every stage.
func (p *PredictorV1) Parameters() []*anydiff.Var {
	return bergman.AllParameters(p.Encoder, p.Real, p.Imag)
}

// PredictorV2 projects every hidden state to one encoder
// vector per head, applies a per-head softmax (or
// soft-difference), and projects each head's vector to
// dim*dim values with weights shared by the heads.
type PredictorV2 struct {
	Heads       int
	Dim         int
	EncoderSize int

	Encoder    *bergman.FC
	Activation bergman.Activation

	Real *bergman.FC

	// Imag is nil for real matrices.
	Imag *bergman.FC
}

// NewPredictorV2 creates a randomized PredictorV2.
//
// It fails with ErrConfig if a normalization algorithm is
// configured, since V2 matrices are used as-is.
func NewPredictorV2(c anyvec.Creator, cfg *Config, r *rand.Rand) (*PredictorV2, error) {
	if !isNoNorm(cfg.MatrixNormAlg.Alg) {
		return nil, fmt.Errorf("%w: matrix encoder v2 does not support %s normalization",
			ErrConfig, cfg.MatrixNormAlg.Alg)
	}
	std := cfg.InitializerRange
	encSize := cfg.MatrixEncoderHiddenSize
	matSize := cfg.MatrixDim * cfg.MatrixDim
	res := &PredictorV2{
		Heads:       cfg.NumMatrixHeads,
		Dim:         cfg.MatrixDim,
		EncoderSize: encSize,
		Encoder:     bergman.NewFCInit(c, cfg.HiddenSize, encSize*cfg.NumMatrixHeads, std, r),
		Activation:  bergman.Softmax,
		Real:        bergman.NewFCInit(c, encSize, matSize, std, r),
	}
	if cfg.MatrixEncoderV2SoftDiff {
		res.Activation = bergman.SoftDiff
	}
	if cfg.ComplexMatrix {
		res.Imag = bergman.NewFCInit(c, encSize, matSize, std, r)
	}
	return res, nil
}

// Predict produces the matrices.
func (p *PredictorV2) Predict(hidden anydiff.Res, batch, steps int) *Matrices {
	rows := batch * steps
	headRows := rows * p.Heads
	matSize := p.Heads * p.Dim * p.Dim
	features := p.Activation.Apply(p.Encoder.Apply(hidden, rows), headRows)
	var values anymat.Complex
	if p.Imag == nil {
		values.Real = anymat.SwapAxes(p.Real.Apply(features, headRows), batch, steps, matSize)
	} else {
		joined := anydiff.Pool(features, func(features anydiff.Res) anydiff.Res {
			return anydiff.Concat(
				anymat.SwapAxes(p.Real.Apply(features, headRows), batch, steps, matSize),
				anymat.SwapAxes(p.Imag.Apply(features, headRows), batch, steps, matSize),
			)
		})
		values = anymat.SplitJoined(joined, true)
	}
	return &Matrices{
		Steps:  steps,
		Batch:  batch,
		Heads:  p.Heads,
		Dim:    p.Dim,
		Values: values,
	}
}

// Parameters returns the parameters of both projections.
func (p *PredictorV2) Parameters() []*anydiff.Var {
	return bergman.AllParameters(p.Encoder, p.Real, p.Imag)
}
