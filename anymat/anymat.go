// Package anymat implements differentiable operations on
// packed batches of small dense matrices.
//
// Every operation works with anydiff.Res values whose
// vectors use []float64 numeric lists, such as the
// vectors produced by anyvec64 creators.
// Other creators cause a panic.
package anymat

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Shape describes a packed batch of row-major matrices.
type Shape struct {
	Num  int
	Rows int
	Cols int
}

// Size returns the number of components in a batch of
// this shape.
func (s Shape) Size() int {
	return s.Num * s.Rows * s.Cols
}

// MatrixSize returns the number of components in one
// matrix of the batch.
func (s Shape) MatrixSize() int {
	return s.Rows * s.Cols
}

// Float64s extracts the components of a vector.
// The vector's creator must use []float64 numeric lists.
func Float64s(v anyvec.Vector) []float64 {
	data, ok := v.Data().([]float64)
	if !ok {
		panic("anymat: vector data must be []float64")
	}
	return data
}

// MakeVector creates a vector from components.
func MakeVector(c anyvec.Creator, data []float64) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(data))
}

// Constant creates an anydiff constant from components.
func Constant(c anyvec.Creator, data []float64) *anydiff.Const {
	return anydiff.NewConst(MakeVector(c, data))
}

func propagateData(in anydiff.Res, grad []float64, g anydiff.Grad) {
	if g.Intersects(in.Vars()) {
		in.Propagate(MakeVector(in.Output().Creator(), grad), g)
	}
}
