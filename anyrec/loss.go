package anyrec

import (
	"fmt"

	"github.com/Mehanik/bergman"
	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Names of the loss metrics.
const (
	MetricNormLoss    = "matrix_norm_loss"
	MetricUnitaryLoss = "matrix_unitary_loss"
)

// AuxLoss computes the regularization terms which push
// matrices towards orthogonality, and suppresses the task
// loss during the preheat phase.
//
// AuxLoss holds no mutable state: the preheat schedule is
// driven by the step count passed to Combine.
type AuxLoss struct {
	NormLoss LossType
	NormAxes []int
	NormK    float64

	UnitaryLoss LossType
	UnitaryK    float64

	PreheatSteps int
}

// NewAuxLoss creates the AuxLoss configured by cfg.
func NewAuxLoss(cfg *Config) *AuxLoss {
	return &AuxLoss{
		NormLoss:     cfg.MatrixNormLossType,
		NormAxes:     append([]int{}, cfg.MatrixNormLossAxis...),
		NormK:        cfg.MatrixNormLossK,
		UnitaryLoss:  cfg.MatrixUnitaryLoss,
		UnitaryK:     cfg.MatrixUnitaryLossK,
		PreheatSteps: cfg.MatrixNormPreheatSteps,
	}
}

// NeedsMatrices returns true if any term reads matrices.
func (a *AuxLoss) NeedsMatrices() bool {
	return a.NormLoss != LossNone || a.UnitaryLoss != LossNone
}

// PreheatRemaining returns the number of steps, starting
// at the given step, during which the task loss is still
// suppressed.
func (a *AuxLoss) PreheatRemaining(step int) int {
	if step >= a.PreheatSteps {
		return 0
	}
	return a.PreheatSteps - step
}

// NormTerm computes the mean squared deviation of the
// row or column norms of the masked matrices from 1.
//
// Masked positions are zeroed before the norms are taken,
// so they contribute a norm of 0.
// The result has one component; it is 0 when the loss is
// disabled.
func (a *AuxLoss) NormTerm(c anyvec.Creator, matrices []*Matrices, mask [][]float64) (anydiff.Res, error) {
	switch a.NormLoss {
	case LossNone:
		return zeroScalar(c), nil
	case LossMSE:
	default:
		return nil, fmt.Errorf("%w: matrix_norm_loss_type %q", ErrConfig, string(a.NormLoss))
	}
	var norms []anydiff.Res
	for _, m := range matrices {
		if err := CheckMask(mask, m.Batch, m.Steps); err != nil {
			return nil, err
		}
		masked := m.Masked(mask)
		s := masked.Shape()
		for _, axis := range a.NormAxes {
			var groups *anymat.Groups
			switch axis {
			case -1:
				groups = anymat.ChunkGroups(s.Size(), s.Cols)
			case -2:
				groups = anymat.ColumnGroups(s)
			default:
				return nil, fmt.Errorf("%w: matrix_norm_loss_axis %d", ErrConfig, axis)
			}
			norms = append(norms, anymat.Norms(masked.Values, groups))
		}
	}
	if len(norms) == 0 {
		return zeroScalar(c), nil
	}
	all := anydiff.Concat(norms...)
	ones := make([]float64, all.Output().Len())
	for i := range ones {
		ones[i] = 1
	}
	return meanSquared(anydiff.Sub(all, anymat.Constant(c, ones))), nil
}

// UnitaryTerm computes the deviation of M M^H from the
// identity for the masked matrices, summed over the list
// of matrices.
// An entry marked RightToLeft is averaged with the entry
// before it, since both belong to one block.
//
// With LossMSE, the deviation is the mean squared error.
// With LossCrossEntropy, every row of M M^H and of its
// transpose is treated as logits whose correct class is
// the row index; for complex matrices the real part of
// the product is used.
func (a *AuxLoss) UnitaryTerm(c anyvec.Creator, matrices []*Matrices, mask [][]float64) (anydiff.Res, error) {
	switch a.UnitaryLoss {
	case LossNone:
		return zeroScalar(c), nil
	case LossMSE, LossCrossEntropy:
	default:
		return nil, fmt.Errorf("%w: matrix_unitary_loss %q", ErrConfig, string(a.UnitaryLoss))
	}
	res := zeroScalar(c)
	for i, m := range matrices {
		if err := CheckMask(mask, m.Batch, m.Steps); err != nil {
			return nil, err
		}
		masked := m.Masked(mask)
		s := masked.Shape()
		product := anydiff.Pool(masked.Values.Joined(), func(joined anydiff.Res) anydiff.Res {
			values := anymat.SplitJoined(joined, masked.IsComplex())
			conj := values
			if values.IsComplex() {
				conj.Imag = anydiff.Scale(values.Imag, c.MakeNumeric(-1))
			}
			return anymat.ComplexMatMul(false, true, values, s, conj, s).Joined()
		})
		prod := anymat.SplitJoined(product, masked.IsComplex())
		var term anydiff.Res
		if a.UnitaryLoss == LossMSE {
			term = unitaryMSE(c, prod, s)
		} else {
			term = unitaryCE(prod.Real, s)
		}
		if m.RightToLeft || (i+1 < len(matrices) && matrices[i+1].RightToLeft) {
			term = anydiff.Scale(term, c.MakeNumeric(0.5))
		}
		res = anydiff.Add(res, term)
	}
	return res, nil
}

func unitaryMSE(c anyvec.Creator, prod anymat.Complex, s anymat.Shape) anydiff.Res {
	identity := make([]float64, s.Size())
	for n := 0; n < s.Num; n++ {
		for i := 0; i < s.Rows; i++ {
			identity[n*s.MatrixSize()+i*s.Cols+i] = 1
		}
	}
	diff := anydiff.Sub(prod.Real, anymat.Constant(c, identity))
	if !prod.IsComplex() {
		return meanSquared(diff)
	}
	sq := anydiff.Add(anydiff.Square(diff), anydiff.Square(prod.Imag))
	return anydiff.Scale(anydiff.Sum(sq), c.MakeNumeric(1/float64(s.Size())))
}

func unitaryCE(logits anydiff.Res, s anymat.Shape) anydiff.Res {
	labels := make([]int, s.Num*s.Rows)
	for i := range labels {
		labels[i] = i % s.Rows
	}
	return anydiff.Pool(logits, func(logits anydiff.Res) anydiff.Res {
		return anydiff.Add(
			bergman.MeanCrossEntropy(logits, labels, s.Cols),
			bergman.MeanCrossEntropy(anymat.Transpose(logits, s), labels, s.Cols),
		)
	})
}

// Terms is the result of Combine.
// Every field has one component.
type Terms struct {
	Task    anydiff.Res
	Norm    anydiff.Res
	Unitary anydiff.Res
	Total   anydiff.Res
}

// Combine computes
//
//     task + NormK*norm + UnitaryK*unitary
//
// where task is replaced by 0 while step is less than
// PreheatSteps.
// The step is the number of optimizer steps taken so
// far.
func (a *AuxLoss) Combine(task anydiff.Res, matrices []*Matrices, mask [][]float64,
	step int) (*Terms, error) {
	c := task.Output().Creator()
	norm, err := a.NormTerm(c, matrices, mask)
	if err != nil {
		return nil, err
	}
	unitary, err := a.UnitaryTerm(c, matrices, mask)
	if err != nil {
		return nil, err
	}
	if a.PreheatRemaining(step) > 0 {
		task = zeroScalar(c)
	}
	total := anydiff.Add(task, anydiff.Add(
		anydiff.Scale(norm, c.MakeNumeric(a.NormK)),
		anydiff.Scale(unitary, c.MakeNumeric(a.UnitaryK)),
	))
	return &Terms{Task: task, Norm: norm, Unitary: unitary, Total: total}, nil
}

// Metrics reports the values of the terms, naming the
// task loss taskName.
func (t *Terms) Metrics(taskName string) map[string]float64 {
	return map[string]float64{
		taskName:          scalarValue(t.Task),
		MetricNormLoss:    scalarValue(t.Norm),
		MetricUnitaryLoss: scalarValue(t.Unitary),
	}
}

func meanSquared(diff anydiff.Res) anydiff.Res {
	c := diff.Output().Creator()
	n := diff.Output().Len()
	return anydiff.Scale(anydiff.Sum(anydiff.Square(diff)), c.MakeNumeric(1/float64(n)))
}

func zeroScalar(c anyvec.Creator) anydiff.Res {
	return anydiff.NewConst(c.MakeVector(1))
}

func scalarValue(r anydiff.Res) float64 {
	return anymat.Float64s(r.Output())[0]
}
