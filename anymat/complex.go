package anymat

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Complex is a packed tensor of complex numbers stored as
// two real tensors of the same length.
//
// Imag is nil for purely real tensors, in which case
// every operation in this package takes the cheaper real
// code path.
type Complex struct {
	Real anydiff.Res
	Imag anydiff.Res
}

// RealTensor wraps a real tensor.
func RealTensor(r anydiff.Res) Complex {
	return Complex{Real: r}
}

// IsComplex returns true if the tensor has an imaginary
// part.
func (c Complex) IsComplex() bool {
	return c.Imag != nil
}

// Len returns the number of (complex) components.
func (c Complex) Len() int {
	return c.Real.Output().Len()
}

// Parts returns the real part, followed by the imaginary
// part if there is one.
func (c Complex) Parts() []anydiff.Res {
	if c.Imag == nil {
		return []anydiff.Res{c.Real}
	}
	return []anydiff.Res{c.Real, c.Imag}
}

// Vars returns the variables of both parts.
func (c Complex) Vars() anydiff.VarSet {
	if c.Imag == nil {
		return c.Real.Vars()
	}
	return anydiff.MergeVarSets(c.Real.Vars(), c.Imag.Vars())
}

// Map applies f to every part.
func (c Complex) Map(f func(anydiff.Res) anydiff.Res) Complex {
	res := Complex{Real: f(c.Real)}
	if c.Imag != nil {
		res.Imag = f(c.Imag)
	}
	return res
}

// Joined concatenates the parts into a single vector.
func (c Complex) Joined() anydiff.Res {
	if c.Imag == nil {
		return c.Real
	}
	return anydiff.Concat(c.Real, c.Imag)
}

// SplitJoined undoes Joined.
func SplitJoined(joined anydiff.Res, complex bool) Complex {
	if !complex {
		return Complex{Real: joined}
	}
	half := joined.Output().Len() / 2
	return Complex{
		Real: anydiff.Slice(joined, 0, half),
		Imag: anydiff.Slice(joined, half, half*2),
	}
}

// Add adds two tensors component-wise.
func Add(a, b Complex) Complex {
	res := Complex{Real: anydiff.Add(a.Real, b.Real)}
	switch {
	case a.Imag != nil && b.Imag != nil:
		res.Imag = anydiff.Add(a.Imag, b.Imag)
	case a.Imag != nil:
		res.Imag = a.Imag
	case b.Imag != nil:
		res.Imag = b.Imag
	}
	return res
}

// MulReal multiplies both parts component-wise by a real
// tensor.
func MulReal(c Complex, r anydiff.Res) Complex {
	return c.Map(func(part anydiff.Res) anydiff.Res {
		return anydiff.Mul(part, r)
	})
}

// ComplexMatMul is BatchMatMul for complex matrices.
//
// It uses the standard formula
//
//     (A + iB)(C + iD) = (AC - BD) + i(AD + BC)
//
// and only performs the real products which are needed
// when one of the operands is real.
func ComplexMatMul(transA, transB bool, a Complex, aShape Shape,
	b Complex, bShape Shape) Complex {
	mul := func(x, y anydiff.Res) anydiff.Res {
		return BatchMatMul(transA, transB, x, aShape, y, bShape)
	}
	switch {
	case !a.IsComplex() && !b.IsComplex():
		return Complex{Real: mul(a.Real, b.Real)}
	case !a.IsComplex():
		return Complex{Real: mul(a.Real, b.Real), Imag: mul(a.Real, b.Imag)}
	case !b.IsComplex():
		return Complex{Real: mul(a.Real, b.Real), Imag: mul(a.Imag, b.Real)}
	}
	return Complex{
		Real: anydiff.Sub(mul(a.Real, b.Real), mul(a.Imag, b.Imag)),
		Imag: anydiff.Add(mul(a.Real, b.Imag), mul(a.Imag, b.Real)),
	}
}

type modulusRes struct {
	Real   anydiff.Res
	Imag   anydiff.Res
	OutVec anyvec.Vector
	V      anydiff.VarSet
}

// Modulus computes the absolute value of every
// component.
//
// The gradient at zero is taken to be zero.
func Modulus(c Complex) anydiff.Res {
	if !c.IsComplex() {
		return anydiff.Pool(c.Real, func(r anydiff.Res) anydiff.Res {
			return anydiff.Mul(r, anydiff.NewConst(signs(r.Output())))
		})
	}
	re := Float64s(c.Real.Output())
	im := Float64s(c.Imag.Output())
	out := make([]float64, len(re))
	for i := range re {
		out[i] = math.Hypot(re[i], im[i])
	}
	return &modulusRes{
		Real:   c.Real,
		Imag:   c.Imag,
		OutVec: MakeVector(c.Real.Output().Creator(), out),
		V:      c.Vars(),
	}
}

func (m *modulusRes) Output() anyvec.Vector {
	return m.OutVec
}

func (m *modulusRes) Vars() anydiff.VarSet {
	return m.V
}

func (m *modulusRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	upstream := Float64s(u)
	out := Float64s(m.OutVec)
	re := Float64s(m.Real.Output())
	im := Float64s(m.Imag.Output())
	reGrad := make([]float64, len(re))
	imGrad := make([]float64, len(im))
	for i, abs := range out {
		if abs == 0 {
			continue
		}
		reGrad[i] = upstream[i] * re[i] / abs
		imGrad[i] = upstream[i] * im[i] / abs
	}
	propagateData(m.Real, reGrad, g)
	propagateData(m.Imag, imGrad, g)
}

func signs(v anyvec.Vector) anyvec.Vector {
	data := Float64s(v)
	for i, x := range data {
		if x > 0 {
			data[i] = 1
		} else if x < 0 {
			data[i] = -1
		} else {
			data[i] = 0
		}
	}
	return MakeVector(v.Creator(), data)
}

// Interleave produces a real tensor which alternates
// between real and imaginary parts, i.e.
// [re0, im0, re1, im1, ...].
func Interleave(c Complex) anydiff.Res {
	if !c.IsComplex() {
		return c.Real
	}
	n := c.Len()
	indices := make([]int, 0, n*2)
	for i := 0; i < n; i++ {
		indices = append(indices, i, n+i)
	}
	return Gather(c.Joined(), 1, indices)
}
