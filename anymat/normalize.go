package anymat

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Groups partitions the components of a packed tensor
// for norm computations.
// IDs[i] is the group of the i-th component.
type Groups struct {
	IDs   []int
	Count int
}

// ChunkGroups groups consecutive runs of size
// components, e.g. the rows of matrices or whole state
// vectors.
func ChunkGroups(total, size int) *Groups {
	ids := make([]int, total)
	for i := range ids {
		ids[i] = i / size
	}
	return &Groups{IDs: ids, Count: total / size}
}

// ColumnGroups groups the columns of every matrix in a
// batch.
func ColumnGroups(s Shape) *Groups {
	ids := make([]int, s.Size())
	for i := range ids {
		matIdx := i / s.MatrixSize()
		col := i % s.Cols
		ids[i] = matIdx*s.Cols + col
	}
	return &Groups{IDs: ids, Count: s.Num * s.Cols}
}

// MatrixGroups groups each matrix of a batch as a whole.
func MatrixGroups(s Shape) *Groups {
	return ChunkGroups(s.Size(), s.MatrixSize())
}

func (g *Groups) norms(parts [][]float64) []float64 {
	res := make([]float64, g.Count)
	for _, part := range parts {
		for i, x := range part {
			res[g.IDs[i]] += x * x
		}
	}
	for i, x := range res {
		res[i] = math.Sqrt(x)
	}
	return res
}

type normalizeRes struct {
	In     anydiff.Res
	Groups *Groups
	Parts  int
	Eps    float64
	Scale  float64
	Norms  []float64
	OutVec anyvec.Vector
}

// Normalize divides every group of components by its L2
// norm plus eps, then multiplies by scale.
//
// For complex tensors, the norm of a group covers both
// the real and imaginary parts.
// A group whose norm plus eps is zero is left at zero,
// with a zero gradient.
func Normalize(c Complex, groups *Groups, eps, scale float64) Complex {
	in := c.Joined()
	numParts := len(c.Parts())
	data := Float64s(in.Output())
	partLen := len(data) / numParts
	if partLen != len(groups.IDs) {
		panic("group IDs do not match tensor size")
	}
	parts := splitParts(data, numParts)
	norms := groups.norms(parts)
	out := make([]float64, len(data))
	for p, part := range parts {
		for i, x := range part {
			if denom := norms[groups.IDs[i]] + eps; denom != 0 {
				out[p*partLen+i] = scale * x / denom
			}
		}
	}
	res := &normalizeRes{
		In:     in,
		Groups: groups,
		Parts:  numParts,
		Eps:    eps,
		Scale:  scale,
		Norms:  norms,
		OutVec: MakeVector(in.Output().Creator(), out),
	}
	return SplitJoined(res, c.IsComplex())
}

func (n *normalizeRes) Output() anyvec.Vector {
	return n.OutVec
}

func (n *normalizeRes) Vars() anydiff.VarSet {
	return n.In.Vars()
}

func (n *normalizeRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	upstream := Float64s(u)
	data := Float64s(n.In.Output())
	partLen := len(data) / n.Parts

	dots := make([]float64, n.Groups.Count)
	for i, x := range data {
		dots[n.Groups.IDs[i%partLen]] += upstream[i] * x
	}

	down := make([]float64, len(data))
	for i, x := range data {
		group := n.Groups.IDs[i%partLen]
		norm := n.Norms[group]
		if norm+n.Eps == 0 {
			continue
		}
		down[i] = n.Scale * upstream[i] / (norm + n.Eps)
		if norm != 0 {
			denom := norm * (norm + n.Eps) * (norm + n.Eps)
			down[i] -= n.Scale * x * dots[group] / denom
		}
	}
	propagateData(n.In, down, g)
}

type normsRes struct {
	In     anydiff.Res
	Groups *Groups
	Parts  int
	OutVec anyvec.Vector
}

// Norms computes the L2 norm of every group.
// The result has one component per group.
//
// The gradient of a zero norm is taken to be zero.
func Norms(c Complex, groups *Groups) anydiff.Res {
	in := c.Joined()
	numParts := len(c.Parts())
	data := Float64s(in.Output())
	if len(data)/numParts != len(groups.IDs) {
		panic("group IDs do not match tensor size")
	}
	norms := groups.norms(splitParts(data, numParts))
	return &normsRes{
		In:     in,
		Groups: groups,
		Parts:  numParts,
		OutVec: MakeVector(in.Output().Creator(), norms),
	}
}

func (n *normsRes) Output() anyvec.Vector {
	return n.OutVec
}

func (n *normsRes) Vars() anydiff.VarSet {
	return n.In.Vars()
}

func (n *normsRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	upstream := Float64s(u)
	norms := Float64s(n.OutVec)
	data := Float64s(n.In.Output())
	partLen := len(data) / n.Parts
	down := make([]float64, len(data))
	for i, x := range data {
		group := n.Groups.IDs[i%partLen]
		if norms[group] != 0 {
			down[i] = upstream[group] * x / norms[group]
		}
	}
	propagateData(n.In, down, g)
}

func splitParts(data []float64, numParts int) [][]float64 {
	partLen := len(data) / numParts
	var parts [][]float64
	for i := 0; i < numParts; i++ {
		parts = append(parts, data[i*partLen:(i+1)*partLen])
	}
	return parts
}
