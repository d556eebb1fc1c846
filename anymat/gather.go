package anymat

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

type gatherRes struct {
	In      anydiff.Res
	Chunk   int
	Indices []int
	OutVec  anyvec.Vector
}

// Gather assembles a vector out of fixed-size chunks of
// its input.
//
// The i-th output chunk is the input chunk at
// indices[i].
// A negative index produces a chunk of zeros, which is
// how padding is expressed.
// Input chunks may be used any number of times; their
// gradients are summed.
func Gather(in anydiff.Res, chunk int, indices []int) anydiff.Res {
	inVec := Float64s(in.Output())
	if chunk <= 0 || len(inVec)%chunk != 0 {
		panic(fmt.Sprintf("chunk size %d must divide input size %d", chunk, len(inVec)))
	}
	numChunks := len(inVec) / chunk
	out := make([]float64, len(indices)*chunk)
	for i, idx := range indices {
		if idx < 0 {
			continue
		}
		if idx >= numChunks {
			panic(fmt.Sprintf("chunk index %d out of range [0, %d)", idx, numChunks))
		}
		copy(out[i*chunk:(i+1)*chunk], inVec[idx*chunk:(idx+1)*chunk])
	}
	return &gatherRes{
		In:      in,
		Chunk:   chunk,
		Indices: append([]int{}, indices...),
		OutVec:  MakeVector(in.Output().Creator(), out),
	}
}

func (g *gatherRes) Output() anyvec.Vector {
	return g.OutVec
}

func (g *gatherRes) Vars() anydiff.VarSet {
	return g.In.Vars()
}

func (g *gatherRes) Propagate(u anyvec.Vector, grad anydiff.Grad) {
	upstream := Float64s(u)
	downstream := make([]float64, g.In.Output().Len())
	for i, idx := range g.Indices {
		if idx < 0 {
			continue
		}
		dst := downstream[idx*g.Chunk : (idx+1)*g.Chunk]
		for j, x := range upstream[i*g.Chunk : (i+1)*g.Chunk] {
			dst[j] += x
		}
	}
	propagateData(g.In, downstream, grad)
}

// SwapAxes exchanges the two leading axes of a tensor
// packed as [outer, middle, inner], producing
// [middle, outer, inner].
func SwapAxes(in anydiff.Res, outer, middle, inner int) anydiff.Res {
	indices := make([]int, 0, outer*middle)
	for m := 0; m < middle; m++ {
		for o := 0; o < outer; o++ {
			indices = append(indices, o*middle+m)
		}
	}
	return Gather(in, inner, indices)
}

// Transpose transposes every matrix in a batch.
// The result has shape {s.Num, s.Cols, s.Rows}.
func Transpose(in anydiff.Res, s Shape) anydiff.Res {
	indices := make([]int, 0, s.Size())
	for n := 0; n < s.Num; n++ {
		offset := n * s.MatrixSize()
		for col := 0; col < s.Cols; col++ {
			for row := 0; row < s.Rows; row++ {
				indices = append(indices, offset+row*s.Cols+col)
			}
		}
	}
	return Gather(in, 1, indices)
}
