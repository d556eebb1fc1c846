package anymat

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/mat"
)

// Determinants computes the determinant of every square
// matrix in a packed batch.
func Determinants(data []float64, s Shape) []float64 {
	if s.Rows != s.Cols {
		panic("matrices must be square")
	}
	res := make([]float64, s.Num)
	size := s.MatrixSize()
	for i := range res {
		m := mat.NewDense(s.Rows, s.Cols, append([]float64{}, data[i*size:(i+1)*size]...))
		res[i] = mat.Det(m)
	}
	return res
}

// DeterminantModuli computes |det(A + iB)| for every
// complex matrix in a packed batch, given the real parts
// re and the imaginary parts im.
//
// It uses the real block matrix
//
//     [A  -B]
//     [B   A]
//
// whose determinant is |det(A + iB)|^2.
func DeterminantModuli(re, im []float64, s Shape) []float64 {
	if s.Rows != s.Cols {
		panic("matrices must be square")
	}
	dim := s.Rows
	size := s.MatrixSize()
	res := make([]float64, s.Num)
	block := mat.NewDense(2*dim, 2*dim, nil)
	for i := range res {
		a := re[i*size : (i+1)*size]
		b := im[i*size : (i+1)*size]
		for row := 0; row < dim; row++ {
			for col := 0; col < dim; col++ {
				x, y := a[row*dim+col], b[row*dim+col]
				block.Set(row, col, x)
				block.Set(row+dim, col+dim, x)
				block.Set(row, col+dim, -y)
				block.Set(row+dim, col, y)
			}
		}
		res[i] = math.Sqrt(math.Abs(mat.Det(block)))
	}
	return res
}

// DetScale divides every matrix by
//
//     |det(M)|^(1/dim) + eps
//
// The determinants are computed from the current values
// and enter the graph as constants, so no gradient flows
// through them.
func DetScale(in anydiff.Res, s Shape, eps float64) anydiff.Res {
	moduli := Determinants(Float64s(in.Output()), s)
	return anydiff.Mul(in, detFactors(in.Output().Creator(), moduli, s, eps))
}

// ComplexDetScale is DetScale for complex matrices, where
// |det(M)| is the modulus of the complex determinant.
func ComplexDetScale(c Complex, s Shape, eps float64) Complex {
	if !c.IsComplex() {
		return RealTensor(DetScale(c.Real, s, eps))
	}
	moduli := DeterminantModuli(Float64s(c.Real.Output()), Float64s(c.Imag.Output()), s)
	return MulReal(c, detFactors(c.Real.Output().Creator(), moduli, s, eps))
}

func detFactors(c anyvec.Creator, dets []float64, s Shape, eps float64) anydiff.Res {
	factors := make([]float64, s.Size())
	for i, det := range dets {
		f := 1 / (math.Pow(math.Abs(det), 1/float64(s.Rows)) + eps)
		for j := 0; j < s.MatrixSize(); j++ {
			factors[i*s.MatrixSize()+j] = f
		}
	}
	return Constant(c, factors)
}
