package anyrec

import (
	"math"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A Direction is the order in which a scan consumes
// positions.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// A History is the ordered list of states produced by a
// scan.
//
// Entry 0 is the initial state and entry i is the state
// after consuming i positions in scan order.
// Each entry is packed as [batch, head, dim].
type History struct {
	Batch   int
	Heads   int
	Dim     int
	Complex bool
	Len     int

	// Joined concatenates every entry, each stored as its
	// real part followed by its imaginary part.
	Joined anydiff.Res
}

// EntrySize returns the number of real components stored
// for one entry.
func (h *History) EntrySize() int {
	size := h.Batch * h.Heads * h.Dim
	if h.Complex {
		size *= 2
	}
	return size
}

// Entry returns the i-th state.
func (h *History) Entry(i int) anymat.Complex {
	size := h.EntrySize()
	return anymat.SplitJoined(anydiff.Slice(h.Joined, i*size, (i+1)*size), h.Complex)
}

// A Propagator pushes state vectors through a sequence of
// matrices.
type Propagator struct {
	Init VectorInit

	// NormVectors enables re-normalization of the state
	// after every step, dividing by its L2 norm plus Eps.
	NormVectors bool
	Eps         float64
}

// NewPropagator creates the Propagator configured by cfg.
func NewPropagator(cfg *Config) *Propagator {
	return &Propagator{
		Init:        cfg.VectorInitDirection,
		NormVectors: cfg.NormVectors,
		Eps:         cfg.VectorNormEps,
	}
}

// InitialState creates the initial state for n vectors of
// the given dimension.
func (p *Propagator) InitialState(c anyvec.Creator, n, dim int, complex bool) (anymat.Complex, error) {
	if err := p.Init.validate(); err != nil {
		return anymat.Complex{}, err
	}
	data := make([]float64, n*dim)
	for i := 0; i < n; i++ {
		v := data[i*dim : (i+1)*dim]
		if p.Init == InitOne {
			v[0] = 1
		} else {
			for j := range v {
				v[j] = 1 / math.Sqrt(float64(dim))
			}
		}
	}
	res := anymat.RealTensor(anymat.Constant(c, data))
	if complex {
		res.Imag = anydiff.NewConst(c.MakeVector(n * dim))
	}
	return res, nil
}

// Propagate scans the matrices in the given direction.
//
// When accumulate is true, every step multiplies the
// previous state; otherwise, every step multiplies the
// initial state, producing the single-step transform of
// each position.
//
// The mask is indexed [batch][position], nil meaning no
// padding.
// At a masked position the new state is blended with the
// old one as new*mask + old*(1-mask), so a zero entry
// holds the state.
func (p *Propagator) Propagate(m *Matrices, mask [][]float64, dir Direction,
	accumulate bool) (*History, error) {
	if err := CheckMask(mask, m.Batch, m.Steps); err != nil {
		return nil, err
	}
	c := m.Values.Real.Output().Creator()
	init, err := p.InitialState(c, m.Batch*m.Heads, m.Dim, m.IsComplex())
	if err != nil {
		return nil, err
	}
	order := make([]int, m.Steps)
	for i := range order {
		if dir == Forward {
			order[i] = i
		} else {
			order[i] = m.Steps - 1 - i
		}
	}
	s := &scanner{
		Propagator: p,
		Matrices:   m,
		Mask:       mask,
		Order:      order,
		Creator:    c,
	}
	var joined anydiff.Res
	if accumulate {
		joined = s.accumulate(0, init.Joined(), make([]anydiff.Res, 0, m.Steps+1))
	} else {
		entries := []anydiff.Res{init.Joined()}
		for i := range order {
			entries = append(entries, s.step(i, init).Joined())
		}
		joined = anydiff.Concat(entries...)
	}
	return &History{
		Batch:   m.Batch,
		Heads:   m.Heads,
		Dim:     m.Dim,
		Complex: m.IsComplex(),
		Len:     m.Steps + 1,
		Joined:  joined,
	}, nil
}

type scanner struct {
	Propagator *Propagator
	Matrices   *Matrices
	Mask       [][]float64
	Order      []int
	Creator    anyvec.Creator
}

// accumulate pools every state so that its gradient is
// propagated once, no matter how many later states
// depend on it.
// The innermost call joins all the states at once.
func (s *scanner) accumulate(i int, state anydiff.Res, prev []anydiff.Res) anydiff.Res {
	return anydiff.Pool(state, func(state anydiff.Res) anydiff.Res {
		states := append(prev, state)
		if i == len(s.Order) {
			return anydiff.Concat(states...)
		}
		next := s.step(i, anymat.SplitJoined(state, s.Matrices.IsComplex()))
		return s.accumulate(i+1, next.Joined(), states)
	})
}

func (s *scanner) step(i int, state anymat.Complex) anymat.Complex {
	m := s.Matrices
	pos := s.Order[i]
	n := m.Batch * m.Heads
	next := anymat.ComplexMatMul(false, false, m.Step(pos), m.StepShape(), state,
		anymat.Shape{Num: n, Rows: m.Dim, Cols: 1})
	if s.Propagator.NormVectors {
		next = anymat.Normalize(next, anymat.ChunkGroups(n*m.Dim, m.Dim), s.Propagator.Eps, 1)
	}
	if s.Mask == nil {
		return next
	}
	keep := make([]float64, 0, n*m.Dim)
	hold := make([]float64, 0, n*m.Dim)
	allKept := true
	for b := 0; b < m.Batch; b++ {
		value := s.Mask[b][pos]
		if value != 1 {
			allKept = false
		}
		for j := 0; j < m.Heads*m.Dim; j++ {
			keep = append(keep, value)
			hold = append(hold, 1-value)
		}
	}
	if allKept {
		return next
	}
	return anymat.Add(
		anymat.MulReal(next, anymat.Constant(s.Creator, keep)),
		anymat.MulReal(state, anymat.Constant(s.Creator, hold)),
	)
}
