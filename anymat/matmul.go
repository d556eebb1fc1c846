package anymat

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

type batchMatMulRes struct {
	A      anydiff.Res
	B      anydiff.Res
	AShape Shape
	BShape Shape
	TransA bool
	TransB bool
	OutVec anyvec.Vector
	V      anydiff.VarSet
}

// BatchMatMul multiplies matrices pairwise.
//
// The shapes describe the matrices as they are stored.
// If transA or transB is set, the corresponding
// matrices are transposed before multiplication, in the
// same manner as anydiff.MatMul.
//
// The output is packed as a batch of row-major matrices.
func BatchMatMul(transA, transB bool, a anydiff.Res, aShape Shape,
	b anydiff.Res, bShape Shape) anydiff.Res {
	if aShape.Num != bShape.Num {
		panic(fmt.Sprintf("batch sizes differ: %d and %d", aShape.Num, bShape.Num))
	}
	if a.Output().Len() != aShape.Size() || b.Output().Len() != bShape.Size() {
		panic("matrix data does not match shape")
	}
	m, k1 := opDims(aShape, transA)
	k2, n := opDims(bShape, transB)
	if k1 != k2 {
		panic(fmt.Sprintf("inner dimensions differ: %d and %d", k1, k2))
	}
	aData := Float64s(a.Output())
	bData := Float64s(b.Output())
	out := make([]float64, aShape.Num*m*n)
	for i := 0; i < aShape.Num && m*n*k1 != 0; i++ {
		blas64.Gemm(transFlag(transA), transFlag(transB), 1,
			general(aData, aShape, i), general(bData, bShape, i), 0,
			general(out, Shape{Num: aShape.Num, Rows: m, Cols: n}, i))
	}
	return &batchMatMulRes{
		A:      a,
		B:      b,
		AShape: aShape,
		BShape: bShape,
		TransA: transA,
		TransB: transB,
		OutVec: MakeVector(a.Output().Creator(), out),
		V:      anydiff.MergeVarSets(a.Vars(), b.Vars()),
	}
}

// OutputShape returns the shape of a BatchMatMul result.
func OutputShape(transA, transB bool, aShape, bShape Shape) Shape {
	m, _ := opDims(aShape, transA)
	_, n := opDims(bShape, transB)
	return Shape{Num: aShape.Num, Rows: m, Cols: n}
}

func (b *batchMatMulRes) Output() anyvec.Vector {
	return b.OutVec
}

func (b *batchMatMulRes) Vars() anydiff.VarSet {
	return b.V
}

func (b *batchMatMulRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	upstream := Float64s(u)
	outShape := OutputShape(b.TransA, b.TransB, b.AShape, b.BShape)
	if b.AShape.Size() == 0 || b.BShape.Size() == 0 {
		return
	}
	aData := Float64s(b.A.Output())
	bData := Float64s(b.B.Output())

	if g.Intersects(b.A.Vars()) {
		down := make([]float64, b.AShape.Size())
		for i := 0; i < b.AShape.Num; i++ {
			uMat := general(upstream, outShape, i)
			bMat := general(bData, b.BShape, i)
			dst := general(down, b.AShape, i)
			if !b.TransA {
				blas64.Gemm(blas.NoTrans, transFlag(!b.TransB), 1, uMat, bMat, 0, dst)
			} else {
				blas64.Gemm(transFlag(b.TransB), blas.Trans, 1, bMat, uMat, 0, dst)
			}
		}
		b.A.Propagate(MakeVector(u.Creator(), down), g)
	}
	if g.Intersects(b.B.Vars()) {
		down := make([]float64, b.BShape.Size())
		for i := 0; i < b.BShape.Num; i++ {
			uMat := general(upstream, outShape, i)
			aMat := general(aData, b.AShape, i)
			dst := general(down, b.BShape, i)
			if !b.TransB {
				blas64.Gemm(transFlag(!b.TransA), blas.NoTrans, 1, aMat, uMat, 0, dst)
			} else {
				blas64.Gemm(blas.Trans, transFlag(b.TransA), 1, uMat, aMat, 0, dst)
			}
		}
		b.B.Propagate(MakeVector(u.Creator(), down), g)
	}
}

func opDims(s Shape, trans bool) (rows, cols int) {
	if trans {
		return s.Cols, s.Rows
	}
	return s.Rows, s.Cols
}

func transFlag(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

func general(data []float64, s Shape, idx int) blas64.General {
	size := s.MatrixSize()
	return blas64.General{
		Rows:   s.Rows,
		Cols:   s.Cols,
		Stride: s.Cols,
		Data:   data[idx*size : (idx+1)*size],
	}
}
