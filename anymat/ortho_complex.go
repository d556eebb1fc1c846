package anymat

import (
	"math/cmplx"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/mat"
)

type complexOrthoRes struct {
	In     anydiff.Res
	Shape  Shape
	Qs     []*mat.CDense
	Rs     []*mat.CDense
	OutVec anyvec.Vector
}

// ComplexOrthogonalize replaces every square complex
// matrix A in a batch by the unitary factor Q of A = QR,
// where R is upper triangular with a real, non-negative
// diagonal.
//
// This is the Q of any QR decomposition with its columns
// rotated by the phases of diag(R).
// Real tensors are passed to Orthogonalize.
func ComplexOrthogonalize(c Complex, s Shape) Complex {
	if !c.IsComplex() {
		return RealTensor(Orthogonalize(c.Real, s))
	}
	if s.Rows != s.Cols {
		panic("matrices must be square")
	}
	in := c.Joined()
	data := Float64s(in.Output())
	half := len(data) / 2
	dim := s.Rows
	size := s.MatrixSize()
	res := &complexOrthoRes{In: in, Shape: s}
	out := make([]float64, len(data))
	for i := 0; i < s.Num; i++ {
		a := mat.NewCDense(dim, dim, nil)
		for j := 0; j < size; j++ {
			a.Set(j/dim, j%dim, complex(data[i*size+j], data[half+i*size+j]))
		}
		q, r := gramSchmidt(a)
		for j := 0; j < size; j++ {
			x := q.At(j/dim, j%dim)
			out[i*size+j] = real(x)
			out[half+i*size+j] = imag(x)
		}
		res.Qs = append(res.Qs, q)
		res.Rs = append(res.Rs, r)
	}
	res.OutVec = MakeVector(in.Output().Creator(), out)
	return SplitJoined(res, true)
}

// gramSchmidt factorizes a by modified Gram-Schmidt with
// one round of reorthogonalization.
// Columns which are linearly dependent on earlier columns
// come out as zero in Q.
func gramSchmidt(a *mat.CDense) (q, r *mat.CDense) {
	dim, _ := a.Dims()
	q = mat.NewCDense(dim, dim, nil)
	r = mat.NewCDense(dim, dim, nil)
	v := make([]complex128, dim)
	for j := 0; j < dim; j++ {
		for i := range v {
			v[i] = a.At(i, j)
		}
		for pass := 0; pass < 2; pass++ {
			for k := 0; k < j; k++ {
				var dot complex128
				for i := range v {
					dot += cmplx.Conj(q.At(i, k)) * v[i]
				}
				for i := range v {
					v[i] -= dot * q.At(i, k)
				}
				r.Set(k, j, r.At(k, j)+dot)
			}
		}
		var sq float64
		for _, x := range v {
			sq += real(x)*real(x) + imag(x)*imag(x)
		}
		norm := cmplx.Sqrt(complex(sq, 0))
		r.Set(j, j, norm)
		if norm == 0 {
			continue
		}
		for i, x := range v {
			q.Set(i, j, x/norm)
		}
	}
	return q, r
}

func (c *complexOrthoRes) Output() anyvec.Vector {
	return c.OutVec
}

func (c *complexOrthoRes) Vars() anydiff.VarSet {
	return c.In.Vars()
}

// Propagate uses the complex QR backward rule for a
// gradient G with respect to Q only:
//
//     dA = Q K R^-H,   W = Q^H G
//
// where K is lower triangular with
//
//     K[i][j] = W[i][j] - conj(W[j][i])   (i > j)
//     K[i][i] = i*Im(W[i][i])
//
// Matrices with a singular R get a zero gradient.
func (c *complexOrthoRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if !g.Intersects(c.In.Vars()) {
		return
	}
	upstream := Float64s(u)
	half := len(upstream) / 2
	size := c.Shape.MatrixSize()
	down := make([]float64, len(upstream))
	for n, q := range c.Qs {
		grad := make([]complex128, size)
		for j := range grad {
			grad[j] = complex(upstream[n*size+j], upstream[half+n*size+j])
		}
		da, ok := complexQRGrad(q, c.Rs[n], grad)
		if !ok {
			continue
		}
		for j, x := range da {
			down[n*size+j] = real(x)
			down[half+n*size+j] = imag(x)
		}
	}
	c.In.Propagate(MakeVector(u.Creator(), down), g)
}

func complexQRGrad(q, r *mat.CDense, grad []complex128) ([]complex128, bool) {
	dim, _ := q.Dims()
	for i := 0; i < dim; i++ {
		if r.At(i, i) == 0 {
			return nil, false
		}
	}

	// W = Q^H G
	w := make([]complex128, dim*dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			var sum complex128
			for k := 0; k < dim; k++ {
				sum += cmplx.Conj(q.At(k, i)) * grad[k*dim+j]
			}
			w[i*dim+j] = sum
		}
	}
	k := make([]complex128, dim*dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < i; j++ {
			k[i*dim+j] = w[i*dim+j] - cmplx.Conj(w[j*dim+i])
		}
		k[i*dim+i] = complex(0, imag(w[i*dim+i]))
	}

	// B = Q K
	b := make([]complex128, dim*dim)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			var sum complex128
			for l := j; l < dim; l++ {
				sum += q.At(i, l) * k[l*dim+j]
			}
			b[i*dim+j] = sum
		}
	}

	// Solve X R^H = B one row at a time. Row x of X
	// satisfies R conj(x) = conj(b), which is solved by
	// back substitution.
	x := make([]complex128, dim*dim)
	for row := 0; row < dim; row++ {
		y := make([]complex128, dim)
		for i := dim - 1; i >= 0; i-- {
			sum := cmplx.Conj(b[row*dim+i])
			for j := i + 1; j < dim; j++ {
				sum -= r.At(i, j) * y[j]
			}
			y[i] = sum / r.At(i, i)
		}
		for i, v := range y {
			x[row*dim+i] = cmplx.Conj(v)
		}
	}
	return x, true
}
