// Package anyrec implements the matrix recurrence which
// replaces self-attention in the Bergman and Convnet
// encoders.
//
// Every position of a sequence predicts one small square
// matrix per head.
// A state vector is pushed through the sequence by
// successive matrix-vector products, and the resulting
// state histories are turned into per-position context
// features.
//
// Hidden states are packed batch-major as
// [batch, position, hidden].
// Matrices are packed position-major as
// [position, batch, head, dim, dim] so that a scan can
// slice out one step at a time.
package anyrec

import (
	"fmt"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
)

// Matrices is a packed batch of per-position matrices,
// laid out as [Steps, Batch, Heads, Dim, Dim].
type Matrices struct {
	Steps  int
	Batch  int
	Heads  int
	Dim    int
	Values anymat.Complex

	// RightToLeft marks matrices predicted separately for
	// the right-to-left scan.
	// They follow the left-to-right matrices of the same
	// block in matrix lists.
	RightToLeft bool
}

// Shape returns the anymat shape of all the matrices.
func (m *Matrices) Shape() anymat.Shape {
	return anymat.Shape{Num: m.Steps * m.Batch * m.Heads, Rows: m.Dim, Cols: m.Dim}
}

// StepShape returns the anymat shape of the matrices for
// one position.
func (m *Matrices) StepShape() anymat.Shape {
	return anymat.Shape{Num: m.Batch * m.Heads, Rows: m.Dim, Cols: m.Dim}
}

// IsComplex returns true for complex matrices.
func (m *Matrices) IsComplex() bool {
	return m.Values.IsComplex()
}

// Step returns the matrices of position i.
func (m *Matrices) Step(i int) anymat.Complex {
	size := m.StepShape().Size()
	return m.Values.Map(func(r anydiff.Res) anydiff.Res {
		return anydiff.Slice(r, i*size, (i+1)*size)
	})
}

// Data returns the components of the real and imaginary
// parts, the latter being nil for real matrices.
func (m *Matrices) Data() (re, im []float64) {
	re = anymat.Float64s(m.Values.Real.Output())
	if m.Values.Imag != nil {
		im = anymat.Float64s(m.Values.Imag.Output())
	}
	return
}

// Masked zeroes the matrices of padding positions.
//
// The mask is indexed [batch][position]; a nil mask
// leaves the matrices unchanged.
func (m *Matrices) Masked(mask [][]float64) *Matrices {
	if mask == nil {
		return m
	}
	matSize := m.Dim * m.Dim * m.Heads
	coeffs := make([]float64, 0, m.Shape().Size())
	for t := 0; t < m.Steps; t++ {
		for b := 0; b < m.Batch; b++ {
			for i := 0; i < matSize; i++ {
				coeffs = append(coeffs, mask[b][t])
			}
		}
	}
	c := m.Values.Real.Output().Creator()
	res := *m
	res.Values = anymat.MulReal(m.Values, anymat.Constant(c, coeffs))
	return &res
}

func (m *Matrices) String() string {
	kind := "real"
	if m.IsComplex() {
		kind = "complex"
	}
	return fmt.Sprintf("%s matrices [%d, %d, %d, %d, %d]", kind, m.Steps, m.Batch,
		m.Heads, m.Dim, m.Dim)
}

// CheckMask verifies that a mask is nil or indexed
// [batch][position] with the given sizes.
func CheckMask(mask [][]float64, batch, steps int) error {
	if mask == nil {
		return nil
	}
	if len(mask) != batch {
		return fmt.Errorf("%w: mask has %d rows, expected %d", ErrShape, len(mask), batch)
	}
	for i, row := range mask {
		if len(row) != steps {
			return fmt.Errorf("%w: mask row %d has length %d, expected %d", ErrShape, i,
				len(row), steps)
		}
	}
	return nil
}
