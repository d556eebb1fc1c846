package anyrec

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestPredictorShapes(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	for _, version := range []int{1, 2} {
		for _, complex := range []bool{false, true} {
			cfg := testConfig()
			cfg.MatrixEncoderVersion = version
			cfg.MatrixEncoderTwoLayers = true
			cfg.ComplexMatrix = complex
			p, err := NewPredictor(c, &cfg, rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatal(err)
			}
			hidden := randomVar(c, 2*5*cfg.HiddenSize)
			m := p.Predict(hidden, 2, 5)
			if m.Steps != 5 || m.Batch != 2 || m.Heads != cfg.NumMatrixHeads || m.Dim != cfg.MatrixDim {
				t.Errorf("v%d: unexpected shape %s", version, m)
			}
			if m.Values.Len() != 5*2*cfg.NumMatrixHeads*cfg.MatrixDim*cfg.MatrixDim {
				t.Errorf("v%d: unexpected length %d", version, m.Values.Len())
			}
			if m.IsComplex() != complex {
				t.Errorf("v%d: complex should be %v", version, complex)
			}
		}
	}
}

func TestPredictorPositionMajor(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	p, err := NewPredictorV1(c, &cfg, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	hidden := randomVar(c, 2*3*cfg.HiddenSize)
	all := p.Predict(hidden, 2, 3)
	matSize := cfg.NumMatrixHeads * cfg.MatrixDim * cfg.MatrixDim
	allData, _ := all.Data()

	// Row (b=1, t=2) of the hidden states must land at
	// position 2, batch 1.
	row := anydiff.Slice(hidden, (1*3+2)*cfg.HiddenSize, (1*3+3)*cfg.HiddenSize)
	single, _ := p.Predict(row, 1, 1).Data()
	offset := (2*2 + 1) * matSize
	assertClose(t, allData[offset:offset+matSize], single, 1e-12)
}

func TestNormalizeAlgorithms(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := constMatrices(c, 1, 1, 1, 2, []float64{3, 4, 0, 2}, nil)

	res, err := Normalize(m, AxisNorm{Axis: -1}, 0)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := res.Data()
	assertClose(t, data, []float64{0.6, 0.8, 0, 1}, 1e-12)

	res, err = Normalize(m, AxisNorm{Axis: -2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = res.Data()
	assertClose(t, data, []float64{1, 4 / math.Sqrt(20), 0, 2 / math.Sqrt(20)}, 1e-12)

	res, err = Normalize(m, FrobeniusNorm{Axes: [2]int{-1, -2}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = res.Data()
	scale := math.Sqrt(2) / math.Sqrt(29)
	assertClose(t, data, []float64{3 * scale, 4 * scale, 0, 2 * scale}, 1e-12)

	res, err = Normalize(m, nil, 0)
	if err != nil || res != m {
		t.Error("nil algorithm should be the identity")
	}

	for _, alg := range []NormAlg{AxisNorm{Axis: 0}, FrobeniusNorm{Axes: [2]int{-1, -1}}} {
		if _, err := Normalize(m, alg, 0); !errors.Is(err, ErrConfig) {
			t.Errorf("%s: expected ErrConfig but got %v", alg, err)
		}
	}

}

func TestNormalizeComplex(t *testing.T) {
	c := anyvec64.DefaultCreator{}

	// det([[1, i], [i, 1]]) = 2
	m := constMatrices(c, 1, 1, 1, 2, []float64{1, 0, 0, 1}, []float64{0, 1, 1, 0})
	res, err := Normalize(m, DetNorm{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	re, im := res.Data()
	assertClose(t, re, []float64{1 / math.Sqrt2, 0, 0, 1 / math.Sqrt2}, 1e-12)
	assertClose(t, im, []float64{0, 1 / math.Sqrt2, 1 / math.Sqrt2, 0}, 1e-12)

	// diag(i, -1) is unitary, so it is its own Q factor.
	m = constMatrices(c, 1, 1, 1, 2, []float64{0, 0, 0, -1}, []float64{1, 0, 0, 0})
	res, err = Normalize(m, OrthoNorm{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	re, im = res.Data()
	assertClose(t, re, []float64{0, 0, 0, -1}, 1e-12)
	assertClose(t, im, []float64{1, 0, 0, 0}, 1e-12)

	m = randomMatrices(c, 2, 2, 1, 3, true)
	res, err = Normalize(m, OrthoNorm{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	re, im = res.Data()
	for n := 0; n < 4; n++ {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				// (Q Q^H)[i][j]
				var dotRe, dotIm float64
				for k := 0; k < 3; k++ {
					a, b := n*9+i*3+k, n*9+j*3+k
					dotRe += re[a]*re[b] + im[a]*im[b]
					dotIm += im[a]*re[b] - re[a]*im[b]
				}
				expected := 0.0
				if i == j {
					expected = 1
				}
				if math.Abs(dotRe-expected) > 1e-8 || math.Abs(dotIm) > 1e-8 {
					t.Fatalf("matrix %d: (QQ^H)[%d][%d] = %f%+fi", n, i, j, dotRe, dotIm)
				}
			}
		}
	}
	again, err := Normalize(res, OrthoNorm{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	againRe, againIm := again.Data()
	assertClose(t, againRe, re, 1e-8)
	assertClose(t, againIm, im, 1e-8)
}

func TestNormalizeOrtho(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	data := make([]float64, 4*2*3*3*3)
	for i := range data {
		data[i] = rand.NormFloat64()
	}
	m := constMatrices(c, 4, 2, 3, 3, data, nil)
	q, err := Normalize(m, OrthoNorm{}, 1e-6)
	if err != nil {
		t.Fatal(err)
	}
	qData, _ := q.Data()
	s := q.Shape()
	for n := 0; n < s.Num; n++ {
		mat := qData[n*s.MatrixSize() : (n+1)*s.MatrixSize()]
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				var dot float64
				for k := 0; k < 3; k++ {
					dot += mat[i*3+k] * mat[j*3+k]
				}
				expected := 0.0
				if i == j {
					expected = 1
				}
				if math.Abs(dot-expected) > 1e-5 {
					t.Fatalf("matrix %d: (QQ^T)[%d][%d] = %f", n, i, j, dot)
				}
			}
		}
	}

	again, err := Normalize(q, OrthoNorm{}, 1e-6)
	if err != nil {
		t.Fatal(err)
	}
	againData, _ := again.Data()
	assertClose(t, againData, qData, 1e-8)
}

func TestNormalizeDetFinite(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	m := constMatrices(c, 2, 1, 1, 2, []float64{
		0, 0,
		0, 0,

		1e-12, 0,
		0, 1e-12,
	}, nil)
	res, err := Normalize(m, DetNorm{}, 1e-6)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := res.Data()
	for i, x := range data {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Errorf("component %d is not finite", i)
		}
	}
}

func TestPropagatorLongScan(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	const steps = 200
	ones := make([]float64, steps)
	for i := range ones {
		ones[i] = 1
	}
	values := anydiff.NewVar(anymat.MakeVector(c, ones))
	m := &Matrices{Steps: steps, Batch: 1, Heads: 1, Dim: 1,
		Values: anymat.RealTensor(values)}
	p := &Propagator{Init: InitOne}
	h, err := p.Propagate(m, nil, Forward, true)
	if err != nil {
		t.Fatal(err)
	}
	out := anymat.Float64s(h.Joined.Output())
	expected := append([]float64{1}, ones...)
	assertClose(t, out, expected, 0)

	// Entry k is the product of the first k matrices, so
	// matrix j appears in steps-j entries.
	grad := anydiff.NewGrad(values)
	upstream := anymat.MakeVector(c, append([]float64{}, expected...))
	h.Joined.Propagate(upstream, grad)
	actual := anymat.Float64s(grad[values])
	for j, x := range actual {
		if x != float64(steps-j) {
			t.Fatalf("matrix %d: expected gradient %d but got %f", j, steps-j, x)
		}
	}
}

func TestPropagatorHistory(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	// Two steps of a single 2x2 matrix per step.
	m := constMatrices(c, 2, 1, 1, 2, []float64{
		0, 1,
		1, 0,

		2, 0,
		0, 3,
	}, nil)
	p := &Propagator{Init: InitOne}
	h, err := p.Propagate(m, nil, Forward, true)
	if err != nil {
		t.Fatal(err)
	}
	if h.Len != 3 {
		t.Fatalf("expected 3 entries but got %d", h.Len)
	}
	expected := [][]float64{{1, 0}, {0, 1}, {0, 3}}
	for i, e := range expected {
		assertClose(t, anymat.Float64s(h.Entry(i).Real.Output()), e, 1e-12)
	}

	h, err = p.Propagate(m, nil, Backward, true)
	if err != nil {
		t.Fatal(err)
	}
	expected = [][]float64{{1, 0}, {2, 0}, {0, 2}}
	for i, e := range expected {
		assertClose(t, anymat.Float64s(h.Entry(i).Real.Output()), e, 1e-12)
	}

	h, err = p.Propagate(m, nil, Forward, false)
	if err != nil {
		t.Fatal(err)
	}
	expected = [][]float64{{1, 0}, {0, 1}, {2, 0}}
	for i, e := range expected {
		assertClose(t, anymat.Float64s(h.Entry(i).Real.Output()), e, 1e-12)
	}

	p = &Propagator{Init: InitAll, NormVectors: true}
	h, err = p.Propagate(m, nil, Forward, true)
	if err != nil {
		t.Fatal(err)
	}
	s := 1 / math.Sqrt2
	assertClose(t, anymat.Float64s(h.Entry(0).Real.Output()), []float64{s, s}, 1e-12)
	assertClose(t, anymat.Float64s(h.Entry(2).Real.Output()), []float64{2 / math.Sqrt(13),
		3 / math.Sqrt(13)}, 1e-12)

	p = &Propagator{Init: "zero"}
	if _, err := p.Propagate(m, nil, Forward, true); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig but got %v", err)
	}
}

func TestPropagatorMaskHold(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	const steps = 5
	for _, complex := range []bool{false, true} {
		m := randomMatrices(c, steps, 2, 2, 3, complex)
		for k := 0; k < steps; k++ {
			mask := [][]float64{make([]float64, steps), make([]float64, steps)}
			for b := range mask {
				for i := range mask[b] {
					mask[b][i] = 1
				}
			}
			mask[0][k] = 0
			for _, dir := range []Direction{Forward, Backward} {
				p := &Propagator{Init: InitAll, NormVectors: true, Eps: 1e-6}
				h, err := p.Propagate(m, mask, dir, true)
				if err != nil {
					t.Fatal(err)
				}
				entry := k
				if dir == Backward {
					entry = steps - 1 - k
				}
				before := entryBatch(h, entry, 0)
				after := entryBatch(h, entry+1, 0)
				assertClose(t, after, before, 0)

				unmasked := entryBatch(h, entry+1, 1)
				prev := entryBatch(h, entry, 1)
				if maxDiff(unmasked, prev) == 0 {
					t.Errorf("unmasked batch should not hold its state")
				}
			}
		}
	}
}

func TestPropagatorDirectionSymmetry(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	const steps = 6
	for _, complex := range []bool{false, true} {
		m := randomMatrices(c, steps, 2, 3, 3, complex)
		stepSize := m.StepShape().Size()
		order := make([]int, steps)
		for i := range order {
			order[i] = steps - 1 - i
		}
		reversed := *m
		reversed.Values = m.Values.Map(func(r anydiff.Res) anydiff.Res {
			return anymat.Gather(r, stepSize, order)
		})

		p := &Propagator{Init: InitOne}
		forward, err := p.Propagate(m, nil, Forward, true)
		if err != nil {
			t.Fatal(err)
		}
		backward, err := p.Propagate(&reversed, nil, Backward, true)
		if err != nil {
			t.Fatal(err)
		}
		assertClose(t, anymat.Float64s(backward.Joined.Output()),
			anymat.Float64s(forward.Joined.Output()), 1e-10)
	}
}

func TestPropagatorProp(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	for _, complex := range []bool{false, true} {
		re := randomVar(c, 4*2*2*3*3)
		var im *anydiff.Var
		vars := []*anydiff.Var{re}
		if complex {
			im = randomVar(c, re.Vector.Len())
			vars = append(vars, im)
		}
		mask := [][]float64{{1, 1, 0, 1}, {1, 0.5, 1, 1}}
		for _, dir := range []Direction{Forward, Backward} {
			for _, accumulate := range []bool{false, true} {
				checker := &anydifftest.ResChecker{
					F: func() anydiff.Res {
						m := &Matrices{Steps: 4, Batch: 2, Heads: 2, Dim: 3,
							Values: anymat.Complex{Real: re}}
						if complex {
							m.Values.Imag = im
						}
						p := &Propagator{Init: InitAll, NormVectors: true, Eps: 1e-3}
						h, err := p.Propagate(m, mask, dir, accumulate)
						if err != nil {
							t.Fatal(err)
						}
						return h.Joined
					},
					V:     vars,
					Delta: 1e-5,
					Prec:  1e-3,
				}
				checker.FullCheck(t)
			}
		}
	}
}

func TestAssemblerViews(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	// One batch, one head, one-dimensional states, so
	// every entry of a history is a single number.
	hist := func(values ...float64) *History {
		return &History{Batch: 1, Heads: 1, Dim: 1, Len: len(values),
			Joined: anydiff.NewConst(anymat.MakeVector(c, values))}
	}
	hists := &Histories{
		Forward:  hist(0, 1, 2, 3),
		Backward: hist(10, 11, 12, 13),
		Local:    hist(20, 21, 22, 23),
	}
	expected := map[View][]float64{
		ViewGlobal: {3, 3, 3},
		ViewLR:     {1, 2, 3},
		ViewLRExcl: {0, 1, 2},
		ViewRL:     {13, 12, 11},
		ViewRLExcl: {12, 11, 10},
		ViewLocal:  {21, 22, 23},
		ViewLocalR: {20, 21, 22},
		ViewLocalL: {22, 23, 20},
	}
	for view, values := range expected {
		a := &Assembler{Views: []View{view}, Heads: 1, Dim: 1}
		out, err := a.Assemble(hists, 1, 3)
		if err != nil {
			t.Fatal(err)
		}
		assertClose(t, anymat.Float64s(out.Output()), values, 0)
	}

	a := &Assembler{Views: []View{ViewLR, ViewGlobal}, Heads: 1, Dim: 1}
	out, err := a.Assemble(hists, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, anymat.Float64s(out.Output()), []float64{1, 3, 2, 3, 3, 3}, 0)

	a = &Assembler{Views: []View{ViewRL}, Heads: 1, Dim: 1}
	if _, err := a.Assemble(&Histories{Forward: hists.Forward}, 1, 3); !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape but got %v", err)
	}
}

func TestAssemblerComplex(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	// Two entries of a complex state with two components:
	// [re0, re1, im0, im1].
	h := &History{Batch: 1, Heads: 1, Dim: 2, Complex: true, Len: 2,
		Joined: anydiff.NewConst(anymat.MakeVector(c, []float64{
			1, 0, 0, 0,
			3, 0, 4, 1,
		}))}
	a := &Assembler{Views: []View{ViewLR}, Heads: 1, Dim: 2, Output: ComplexAbs}
	out, err := a.Assemble(&Histories{Forward: h}, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, anymat.Float64s(out.Output()), []float64{5, 1}, 1e-12)

	a.Output = ComplexConcat
	out, err = a.Assemble(&Histories{Forward: h}, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, anymat.Float64s(out.Output()), []float64{3, 4, 0, 1}, 0)
}

func TestAssemblerWidths(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	mixings := []HeadMixing{MixNone, MixSeparate, MixSeparateSum, MixCommon}
	for _, complex := range []bool{false, true} {
		for _, mixing := range mixings {
			cfg := testConfig()
			cfg.ComplexMatrix = complex
			cfg.NetworksForHeads = mixing
			cfg.UseForContext = []View{ViewLR, ViewRLExcl, ViewLocalL}
			a, err := NewAssembler(c, &cfg, rand.New(rand.NewSource(2)))
			if err != nil {
				t.Fatal(err)
			}
			m := randomMatrices(c, 3, 2, cfg.NumMatrixHeads, cfg.MatrixDim, complex)
			p := NewPropagator(&cfg)
			var hists Histories
			hists.Forward, _ = p.Propagate(m, nil, Forward, true)
			hists.Backward, _ = p.Propagate(m, nil, Backward, true)
			hists.Local, _ = p.Propagate(m, nil, Forward, false)

			features, err := a.Features(&hists, 2, 3)
			if err != nil {
				t.Fatal(err)
			}
			width := cfg.MatrixDim * 3
			if complex {
				width *= 2
			}
			if width != cfg.ContextWidth() {
				t.Errorf("ContextWidth() = %d, expected %d", cfg.ContextWidth(), width)
			}
			if n := features.Output().Len(); n != 2*3*cfg.NumMatrixHeads*width {
				t.Errorf("features have length %d", n)
			}
			out, err := a.Assemble(&hists, 2, 3)
			if err != nil {
				t.Fatal(err)
			}
			if n := out.Output().Len(); n != 2*3*cfg.OutputWidth() {
				t.Errorf("%q: output has length %d, expected %d", mixing, n, 2*3*cfg.OutputWidth())
			}
		}
	}
}

func TestAssemblerSeparateDivisibility(t *testing.T) {
	cfg := testConfig()
	cfg.NumMatrixHeads = 3
	cfg.NetworksForHeads = MixSeparate
	_, err := NewAssembler(anyvec64.DefaultCreator{}, &cfg, nil)
	if !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig but got %v", err)
	}
}

func TestBlockProp(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	configs := []func(*Config){
		func(cfg *Config) {},
		func(cfg *Config) {
			cfg.UseForContext = []View{ViewGlobal, ViewRL, ViewLocalL}
			cfg.NetworksForHeads = MixSeparate
			cfg.MatrixNormAlg = NormChoice{Alg: FrobeniusNorm{Axes: [2]int{-1, -2}}}
			cfg.NormVectors = true
		},
		func(cfg *Config) {
			cfg.ComplexMatrix = true
			cfg.ComplexOutput = ComplexAbs
			cfg.UseForContext = []View{ViewLR, ViewRLExcl}
			cfg.NetworksForHeads = MixSeparateSum
			cfg.RLLRMatrixDifferent = true
			cfg.MatrixNormAlg = NormChoice{Alg: AxisNorm{Axis: -2}}
		},
		func(cfg *Config) {
			cfg.UseForContext = []View{ViewLRExcl, ViewLocal}
			cfg.NetworksForHeads = MixCommon
			cfg.MatrixNormAlg = NormChoice{Alg: OrthoNorm{}}
			cfg.MatrixEncoderTwoLayers = true
		},
		func(cfg *Config) {
			cfg.ComplexMatrix = true
			cfg.UseForContext = []View{ViewLocalR, ViewRL}
			cfg.MatrixEncoderVersion = 2
			cfg.MatrixEncoderV2SoftDiff = true
		},
		func(cfg *Config) {
			cfg.ComplexMatrix = true
			cfg.UseForContext = []View{ViewLR, ViewRL}
			cfg.MatrixNormAlg = NormChoice{Alg: OrthoNorm{}}
		},
	}
	for i, f := range configs {
		cfg := testConfig()
		f(&cfg)
		block, err := NewBlock(c, &cfg, nil, rand.New(rand.NewSource(int64(i))))
		if err != nil {
			t.Fatalf("config %d: %v", i, err)
		}
		hidden := randomVar(c, 2*3*cfg.HiddenSize)
		mask := [][]float64{{1, 1, 1}, {1, 1, 0}}
		checker := &anydifftest.ResChecker{
			F: func() anydiff.Res {
				out, err := block.Apply(&BlockInput{Hidden: hidden, Batch: 2, Steps: 3, Mask: mask})
				if err != nil {
					t.Fatal(err)
				}
				return out.Hidden
			},
			V:     append([]*anydiff.Var{hidden}, block.Parameters()...),
			Delta: 1e-5,
			Prec:  1e-3,
		}
		checker.FullCheck(t)
	}
}

func TestBlockOutputs(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	cfg.RLLRMatrixDifferent = true
	cfg.IsDecoder = true
	cfg.UseForContext = []View{ViewRL}
	block, err := NewBlock(c, &cfg, nil, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	hidden := randomVar(c, 2*4*cfg.HiddenSize)
	out, err := block.Apply(&BlockInput{Hidden: hidden, Batch: 2, Steps: 4, OutputMatrices: true})
	if err != nil {
		t.Fatal(err)
	}
	if n := out.Hidden.Output().Len(); n != 2*4*cfg.HiddenSize {
		t.Errorf("hidden output has length %d", n)
	}
	if len(out.Matrices) != 2 {
		t.Fatalf("expected 2 matrix tensors but got %d", len(out.Matrices))
	}
	for _, m := range out.Matrices {
		if m.Steps != 4 || m.Batch != 2 {
			t.Errorf("unexpected matrices %s", m)
		}
	}
	if out.Global == nil {
		t.Fatal("decoder should output the global state")
	}
	if n := out.Global.Len(); n != 2*cfg.NumMatrixHeads*cfg.MatrixDim {
		t.Errorf("global state has length %d", n)
	}
}

func TestBlockErrors(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	cfg := testConfig()
	block, err := NewBlock(c, &cfg, nil, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	hidden := randomVar(c, 2*cfg.HiddenSize)
	inputs := []*BlockInput{
		{Hidden: hidden, Batch: 1, Steps: 2, HeadMask: []float64{1, 1}},
		{Hidden: hidden, Batch: 1, Steps: 2, PastVector: hidden},
		{Hidden: hidden, Batch: 1, Steps: 2, EncoderHidden: hidden},
	}
	for i, in := range inputs {
		if _, err := block.Apply(in); !errors.Is(err, ErrNotImplemented) {
			t.Errorf("input %d: expected ErrNotImplemented but got %v", i, err)
		}
	}
	_, err = block.Apply(&BlockInput{Hidden: hidden, Batch: 1, Steps: 2, Mask: [][]float64{{1}}})
	if !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape but got %v", err)
	}
	_, err = block.Apply(&BlockInput{Hidden: hidden, Batch: 2, Steps: 2})
	if !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape but got %v", err)
	}

	bad := []func(*Config){
		func(cfg *Config) {
			cfg.MatrixEncoderVersion = 2
			cfg.MatrixNormAlg = NormChoice{Alg: AxisNorm{Axis: -1}}
		},
		func(cfg *Config) {
			cfg.VectorInitDirection = "random"
		},
		func(cfg *Config) {
			cfg.UseForContext = []View{"middle"}
		},
		func(cfg *Config) {
			cfg.MatrixEncoderTwoLayers = true
			cfg.MatrixEncoderActivation = "tanh"
		},
	}
	for i, f := range bad {
		cfg := testConfig()
		f(&cfg)
		if _, err := NewBlock(c, &cfg, nil, nil); !errors.Is(err, ErrConfig) {
			t.Errorf("config %d: expected ErrConfig but got %v", i, err)
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HiddenSize = 8
	cfg.NumMatrixHeads = 2
	cfg.MatrixDim = 3
	cfg.MatrixEncoderHiddenSize = 5
	cfg.InitializerRange = 0.4
	cfg.LayerNormEps = 1e-5
	return cfg
}

func constMatrices(c anyvec.Creator, steps, batch, heads, dim int, re, im []float64) *Matrices {
	values := anymat.Complex{Real: anymat.Constant(c, re)}
	if im != nil {
		values.Imag = anymat.Constant(c, im)
	}
	return &Matrices{Steps: steps, Batch: batch, Heads: heads, Dim: dim, Values: values}
}

func randomMatrices(c anyvec.Creator, steps, batch, heads, dim int, complex bool) *Matrices {
	size := steps * batch * heads * dim * dim
	values := anymat.Complex{Real: randomVar(c, size)}
	if complex {
		values.Imag = randomVar(c, size)
	}
	return &Matrices{Steps: steps, Batch: batch, Heads: heads, Dim: dim, Values: values}
}

// entryBatch extracts every component of one batch
// element of a history entry.
func entryBatch(h *History, entry, batch int) []float64 {
	var res []float64
	for _, part := range h.Entry(entry).Parts() {
		data := anymat.Float64s(part.Output())
		size := h.Heads * h.Dim
		res = append(res, data[batch*size:(batch+1)*size]...)
	}
	return res
}

func maxDiff(a, b []float64) float64 {
	var res float64
	for i, x := range a {
		res = math.Max(res, math.Abs(x-b[i]))
	}
	return res
}

func assertClose(t *testing.T, actual, expected []float64, tol float64) {
	t.Helper()
	if len(actual) != len(expected) {
		t.Fatalf("expected length %d but got %d", len(expected), len(actual))
	}
	for i, x := range expected {
		if a := actual[i]; math.IsNaN(a) || math.Abs(a-x) > tol {
			t.Errorf("component %d: expected %f but got %f", i, x, a)
		}
	}
}

func randomVar(c anyvec.Creator, n int) *anydiff.Var {
	data := make([]float64, n)
	for i := range data {
		data[i] = rand.NormFloat64()
	}
	return anydiff.NewVar(anymat.MakeVector(c, data))
}

func TestBlockComplexNormalization(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	for _, alg := range []NormAlg{DetNorm{}, OrthoNorm{}} {
		cfg := testConfig()
		cfg.ComplexMatrix = true
		cfg.MatrixNormAlg = NormChoice{Alg: alg}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		block, err := NewBlock(c, &cfg, nil, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		hidden := randomVar(c, 2*3*cfg.HiddenSize)
		out, err := block.Apply(&BlockInput{Hidden: hidden, Batch: 2, Steps: 3,
			Mask: [][]float64{{1, 1, 1}, {1, 1, 0}}})
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		for i, x := range anymat.Float64s(out.Hidden.Output()) {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				t.Fatalf("%s: component %d is not finite", alg, i)
			}
		}
	}
}
