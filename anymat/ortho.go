package anymat

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/mat"
)

type orthoRes struct {
	In     anydiff.Res
	Shape  Shape
	Qs     []*mat.Dense
	Rs     []*mat.Dense
	OutVec anyvec.Vector
}

// Orthogonalize replaces every square matrix A in a batch
// by the factor Q of its QR decomposition A = QR.
//
// The signs are chosen so that the diagonal of R is
// non-negative, making the decomposition unique for
// non-singular A.
// As a result, an orthogonal input is returned unchanged.
func Orthogonalize(in anydiff.Res, s Shape) anydiff.Res {
	if s.Rows != s.Cols {
		panic("matrices must be square")
	}
	data := Float64s(in.Output())
	size := s.MatrixSize()
	dim := s.Rows
	res := &orthoRes{In: in, Shape: s}
	out := make([]float64, len(data))
	for i := 0; i < s.Num; i++ {
		a := mat.NewDense(dim, dim, append([]float64{}, data[i*size:(i+1)*size]...))
		var qr mat.QR
		qr.Factorize(a)
		q := mat.NewDense(dim, dim, nil)
		r := mat.NewDense(dim, dim, nil)
		qr.QTo(q)
		qr.RTo(r)
		for j := 0; j < dim; j++ {
			if r.At(j, j) >= 0 {
				continue
			}
			for k := 0; k < dim; k++ {
				q.Set(k, j, -q.At(k, j))
				r.Set(j, k, -r.At(j, k))
			}
		}
		for row := 0; row < dim; row++ {
			for col := 0; col < dim; col++ {
				out[i*size+row*dim+col] = q.At(row, col)
			}
		}
		res.Qs = append(res.Qs, q)
		res.Rs = append(res.Rs, r)
	}
	res.OutVec = MakeVector(in.Output().Creator(), out)
	return res
}

func (o *orthoRes) Output() anyvec.Vector {
	return o.OutVec
}

func (o *orthoRes) Vars() anydiff.VarSet {
	return o.In.Vars()
}

// Propagate uses the QR backward rule for a gradient
// with respect to Q only:
//
//     dA = (dQ + Q copyltu(M)) R^-T,   M = -dQ^T Q
//
// where copyltu mirrors the lower triangle of M onto the
// upper triangle.
func (o *orthoRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	if !g.Intersects(o.In.Vars()) {
		return
	}
	upstream := Float64s(u)
	dim := o.Shape.Rows
	size := o.Shape.MatrixSize()
	down := make([]float64, len(upstream))
	for i, q := range o.Qs {
		dq := mat.NewDense(dim, dim, append([]float64{}, upstream[i*size:(i+1)*size]...))

		var m mat.Dense
		m.Mul(dq.T(), q)
		sym := mat.NewDense(dim, dim, nil)
		for row := 0; row < dim; row++ {
			for col := 0; col < dim; col++ {
				if row >= col {
					sym.Set(row, col, -m.At(row, col))
				} else {
					sym.Set(row, col, -m.At(col, row))
				}
			}
		}

		var b mat.Dense
		b.Mul(q, sym)
		b.Add(&b, dq)

		// Solve dA R^T = B, i.e. R dA^T = B^T.
		var daT mat.Dense
		if err := daT.Solve(o.Rs[i], b.T()); err != nil {
			if _, ok := err.(mat.Condition); !ok || !allFinite(&daT) {
				continue
			}
		}
		for row := 0; row < dim; row++ {
			for col := 0; col < dim; col++ {
				down[i*size+row*dim+col] = daT.At(col, row)
			}
		}
	}
	o.In.Propagate(MakeVector(u.Creator(), down), g)
}

func allFinite(m *mat.Dense) bool {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if x := m.At(i, j); math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}
