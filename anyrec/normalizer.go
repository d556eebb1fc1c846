package anyrec

import (
	"fmt"
	"math"

	"github.com/Mehanik/bergman/anymat"
)

// A NormAlg is a matrix normalization algorithm.
//
// The set of algorithms is closed: NoNorm, AxisNorm,
// FrobeniusNorm, DetNorm and OrthoNorm.
type NormAlg interface {
	fmt.Stringer
	normAlg()
}

// NoNorm leaves matrices unchanged.
type NoNorm struct{}

// AxisNorm divides every row (Axis -1) or column (Axis -2)
// by its L2 norm plus epsilon.
type AxisNorm struct {
	Axis int
}

// FrobeniusNorm divides every matrix by its Frobenius
// norm plus epsilon and scales the result by
// sqrt(dim), so that matrices close to the identity keep
// their scale.
//
// Axes must contain -1 and -2.
type FrobeniusNorm struct {
	Axes [2]int
}

// DetNorm divides every matrix by |det|^(1/dim) plus
// epsilon, using the modulus of the determinant for
// complex matrices.
// The determinant is a constant of the graph.
type DetNorm struct{}

// OrthoNorm replaces every matrix by the Q factor of its
// QR decomposition, with the signs (or, for complex
// matrices, the phases) fixed so that R has a real,
// non-negative diagonal.
type OrthoNorm struct{}

func (NoNorm) normAlg()        {}
func (AxisNorm) normAlg()      {}
func (FrobeniusNorm) normAlg() {}
func (DetNorm) normAlg()       {}
func (OrthoNorm) normAlg()     {}

func (NoNorm) String() string {
	return "none"
}

func (a AxisNorm) String() string {
	return fmt.Sprintf("axis(%d)", a.Axis)
}

func (f FrobeniusNorm) String() string {
	return fmt.Sprintf("frobenius(%d, %d)", f.Axes[0], f.Axes[1])
}

func (DetNorm) String() string {
	return "det"
}

func (OrthoNorm) String() string {
	return "ortho"
}

func (f FrobeniusNorm) check() error {
	a, b := f.Axes[0], f.Axes[1]
	if (a == -1 && b == -2) || (a == -2 && b == -1) {
		return nil
	}
	return fmt.Errorf("%w: Frobenius norm over axes (%d, %d)", ErrConfig, a, b)
}

func isNoNorm(alg NormAlg) bool {
	switch alg.(type) {
	case nil, NoNorm:
		return true
	}
	return false
}

// Normalize applies a normalization algorithm to a batch
// of matrices.
// A nil alg behaves like NoNorm.
func Normalize(m *Matrices, alg NormAlg, eps float64) (*Matrices, error) {
	s := m.Shape()
	var values anymat.Complex
	switch alg := alg.(type) {
	case nil, NoNorm:
		return m, nil
	case AxisNorm:
		var groups *anymat.Groups
		switch alg.Axis {
		case -1:
			groups = anymat.ChunkGroups(s.Size(), s.Cols)
		case -2:
			groups = anymat.ColumnGroups(s)
		default:
			return nil, fmt.Errorf("%w: norm axis %d", ErrConfig, alg.Axis)
		}
		values = anymat.Normalize(m.Values, groups, eps, 1)
	case FrobeniusNorm:
		if err := alg.check(); err != nil {
			return nil, err
		}
		values = anymat.Normalize(m.Values, anymat.MatrixGroups(s), eps,
			math.Sqrt(float64(m.Dim)))
	case DetNorm:
		values = anymat.ComplexDetScale(m.Values, s, eps)
	case OrthoNorm:
		values = anymat.ComplexOrthogonalize(m.Values, s)
	default:
		return nil, fmt.Errorf("%w: matrix normalization %v", ErrConfig, alg)
	}
	res := *m
	res.Values = values
	return &res, nil
}
