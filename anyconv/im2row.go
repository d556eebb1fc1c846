package anyconv

import (
	"sync"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
)

// Im2Row maps overlapping windows of a sequence to rows
// of a matrix.
//
// A window of Width positions is slid along the sequence
// with a stride of 1.
// The sequence is padded with zeros so that there is one
// window per position: the window of position t starts at
// t-Left() ("same" padding).
//
// Each row corresponds to an output position of a Conv,
// and contains Width*Depth components.
type Im2Row struct {
	Width int
	Depth int

	cacheLock sync.Mutex
	cache     map[int][]int
}

// Left returns the number of padding positions before
// the sequence.
func (m *Im2Row) Left() int {
	return (m.Width - 1) / 2
}

// Right returns the number of padding positions after
// the sequence.
func (m *Im2Row) Right() int {
	return m.Width - 1 - m.Left()
}

// Sources returns, for every window of a sequence of the
// given length, the source position of each window slot,
// or -1 for padding.
// The result is packed [steps][Width].
//
// The result is cached and must not be modified.
func (m *Im2Row) Sources(steps int) []int {
	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()
	if res, ok := m.cache[steps]; ok {
		return res
	}
	res := make([]int, 0, steps*m.Width)
	for t := 0; t < steps; t++ {
		for j := 0; j < m.Width; j++ {
			src := t - m.Left() + j
			if src < 0 || src >= steps {
				src = -1
			}
			res = append(res, src)
		}
	}
	if m.cache == nil {
		m.cache = map[int][]int{}
	}
	m.cache[steps] = res
	return res
}

// Map maps a packed batch of sequences, shaped
// [batch, steps, Depth], to a row matrix shaped
// [batch*steps, Width*Depth].
func (m *Im2Row) Map(in anydiff.Res, batch, steps int) anydiff.Res {
	if in.Output().Len() != batch*steps*m.Depth {
		panic("incorrect input size")
	}
	sources := m.Sources(steps)
	indices := make([]int, 0, batch*len(sources))
	for b := 0; b < batch; b++ {
		for _, src := range sources {
			if src < 0 {
				indices = append(indices, -1)
			} else {
				indices = append(indices, b*steps+src)
			}
		}
	}
	return anymat.Gather(in, m.Depth, indices)
}
