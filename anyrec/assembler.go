package anyrec

import (
	"fmt"
	"math/rand"

	"github.com/Mehanik/bergman"
	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Histories holds the scans a block computed.
// Scans which no view needs are nil.
type Histories struct {
	// Forward is the accumulated left-to-right scan.
	Forward *History

	// Backward is the accumulated right-to-left scan.
	Backward *History

	// Local is the non-accumulated left-to-right scan.
	Local *History
}

// NeededScans reports which scans the views read from.
func NeededScans(views []View) (forward, backward, local bool) {
	for _, v := range views {
		switch v {
		case ViewGlobal, ViewLR, ViewLRExcl:
			forward = true
		case ViewRL, ViewRLExcl:
			backward = true
		case ViewLocal, ViewLocalL, ViewLocalR:
			local = true
		}
	}
	return
}

// An Assembler turns state histories into per-position
// hidden features.
type Assembler struct {
	Views  []View
	Output ComplexOutput
	Mixing HeadMixing
	Heads  int
	Dim    int

	// HeadNets holds one projection per head for the
	// separate and separate_sum policies.
	HeadNets []*bergman.FC

	// Common is the shared projection of the common
	// policy.
	Common *bergman.FC

	Activation bergman.Activation
}

// NewAssembler creates a randomized Assembler.
func NewAssembler(c anyvec.Creator, cfg *Config, r *rand.Rand) (*Assembler, error) {
	for _, v := range cfg.UseForContext {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	if err := cfg.NetworksForHeads.validate(); err != nil {
		return nil, err
	}
	act, err := bergman.ParseActivation(cfg.HiddenAct)
	if err != nil {
		return nil, fmt.Errorf("%w: hidden_act: %v", ErrConfig, err)
	}
	res := &Assembler{
		Views:      append([]View{}, cfg.UseForContext...),
		Output:     cfg.ComplexOutput,
		Mixing:     cfg.NetworksForHeads,
		Heads:      cfg.NumMatrixHeads,
		Dim:        cfg.MatrixDim,
		Activation: act,
	}
	if cfg.ComplexMatrix {
		if err := res.Output.validate(); err != nil {
			return nil, err
		}
	}
	std := cfg.InitializerRange
	width := cfg.ContextWidth()
	switch cfg.NetworksForHeads {
	case MixSeparate:
		if cfg.HiddenSize%cfg.NumMatrixHeads != 0 {
			return nil, fmt.Errorf("%w: hidden size (%d) is not a multiple of the number "+
				"of matrix heads (%d)", ErrConfig, cfg.HiddenSize, cfg.NumMatrixHeads)
		}
		for i := 0; i < cfg.NumMatrixHeads; i++ {
			res.HeadNets = append(res.HeadNets, bergman.NewFCInit(c, width,
				cfg.HiddenSize/cfg.NumMatrixHeads, std, r))
		}
	case MixSeparateSum:
		for i := 0; i < cfg.NumMatrixHeads; i++ {
			res.HeadNets = append(res.HeadNets, bergman.NewFCInit(c, width, cfg.HiddenSize, std, r))
		}
	case MixCommon:
		res.Common = bergman.NewFCInit(c, width*cfg.NumMatrixHeads, cfg.HiddenSize, std, r)
	}
	return res, nil
}

// Features gathers the selected views into a packed
// tensor of shape [batch, steps, heads, width].
func (a *Assembler) Features(h *Histories, batch, steps int) (anydiff.Res, error) {
	sources := []*History{h.Forward, h.Backward, h.Local}
	var parts []anydiff.Res
	offsets := make([]int, len(sources))
	var offset int
	var complex bool
	for i, src := range sources {
		if src == nil {
			continue
		}
		if src.Batch != batch || src.Len != steps+1 || src.Heads != a.Heads || src.Dim != a.Dim {
			return nil, fmt.Errorf("%w: history does not match [%d, %d, %d, %d]", ErrShape,
				steps+1, batch, a.Heads, a.Dim)
		}
		complex = src.Complex
		offsets[i] = offset
		offset += src.Joined.Output().Len()
		parts = append(parts, src.Joined)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no histories to assemble", ErrShape)
	}

	entrySize := batch * a.Heads * a.Dim
	if complex {
		entrySize *= 2
	}
	imagOffset := batch * a.Heads * a.Dim
	var realIdx, imagIdx []int
	for b := 0; b < batch; b++ {
		for t := 0; t < steps; t++ {
			for head := 0; head < a.Heads; head++ {
				for _, view := range a.Views {
					src, entry, err := viewEntry(view, t, steps)
					if err != nil {
						return nil, err
					}
					if sources[src] == nil {
						return nil, fmt.Errorf("%w: view %s has no history", ErrShape, view)
					}
					base := offsets[src] + entry*entrySize + (b*a.Heads+head)*a.Dim
					for k := 0; k < a.Dim; k++ {
						realIdx = append(realIdx, base+k)
						imagIdx = append(imagIdx, base+imagOffset+k)
					}
				}
			}
		}
	}

	pool := parts[0]
	if len(parts) > 1 {
		pool = anydiff.Concat(parts...)
	}
	if !complex {
		return anymat.Gather(pool, 1, realIdx), nil
	}
	if a.Output == ComplexAbs {
		return anydiff.Pool(pool, func(pool anydiff.Res) anydiff.Res {
			return anymat.Modulus(anymat.Complex{
				Real: anymat.Gather(pool, 1, realIdx),
				Imag: anymat.Gather(pool, 1, imagIdx),
			})
		}), nil
	}
	interleaved := make([]int, 0, len(realIdx)*2)
	for i, idx := range realIdx {
		interleaved = append(interleaved, idx, imagIdx[i])
	}
	return anymat.Gather(pool, 1, interleaved), nil
}

// Assemble computes the features and applies the head
// mixing policy.
// The result is packed as [batch, steps, width], where
// width is the hidden size or, without mixing,
// heads times the feature width.
func (a *Assembler) Assemble(h *Histories, batch, steps int) (anydiff.Res, error) {
	features, err := a.Features(h, batch, steps)
	if err != nil {
		return nil, err
	}
	rows := batch * steps
	width := features.Output().Len() / (rows * a.Heads)
	switch a.Mixing {
	case MixNone:
		return features, nil
	case MixSeparate:
		return anydiff.Pool(features, func(features anydiff.Res) anydiff.Res {
			var res anydiff.Res
			for head, net := range a.HeadNets {
				out := net.Apply(a.headFeatures(features, head, rows, width), rows)
				if res == nil {
					res = out
				} else {
					res = bergman.ConcatMixer{}.Mix(res, out, rows)
				}
			}
			return a.Activation.Apply(res, rows)
		}), nil
	case MixSeparateSum:
		return anydiff.Pool(features, func(features anydiff.Res) anydiff.Res {
			var res anydiff.Res
			for head, net := range a.HeadNets {
				out := a.Activation.Apply(net.Apply(a.headFeatures(features, head, rows, width), rows), rows)
				if res == nil {
					res = out
				} else {
					res = anydiff.Add(res, out)
				}
			}
			return res
		}), nil
	case MixCommon:
		return a.Activation.Apply(a.Common.Apply(features, rows), rows), nil
	}
	return nil, fmt.Errorf("%w: networks_for_heads %q", ErrConfig, string(a.Mixing))
}

// Parameters returns the parameters of the mixing
// networks.
func (a *Assembler) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, net := range a.HeadNets {
		res = append(res, net.Parameters()...)
	}
	return append(res, bergman.AllParameters(a.Common)...)
}

func (a *Assembler) headFeatures(features anydiff.Res, head, rows, width int) anydiff.Res {
	indices := make([]int, rows)
	for i := range indices {
		indices[i] = i*a.Heads + head
	}
	return anymat.Gather(features, width, indices)
}

// viewEntry finds the history (0 forward, 1 backward,
// 2 local) and entry which a view reads at position t.
func viewEntry(v View, t, steps int) (src, entry int, err error) {
	switch v {
	case ViewGlobal:
		return 0, steps, nil
	case ViewLR:
		return 0, t + 1, nil
	case ViewLRExcl:
		return 0, t, nil
	case ViewRL:
		return 1, steps - t, nil
	case ViewRLExcl:
		return 1, steps - 1 - t, nil
	case ViewLocal:
		return 2, t + 1, nil
	case ViewLocalR:
		return 2, t, nil
	case ViewLocalL:
		if t+2 > steps {
			// The last position wraps around to the initial
			// state.
			return 2, 0, nil
		}
		return 2, t + 2, nil
	}
	return 0, 0, v.validate()
}
