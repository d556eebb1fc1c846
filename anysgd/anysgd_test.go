package anysgd

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
)

type testSample struct {
	X2 float64
	Y2 float64
	XY float64
	X  float64
	Y  float64
}

func (t *testSample) Apply(x, y anydiff.Res) anydiff.Res {
	mk := x.Output().Creator().MakeNumeric
	a := anydiff.Scale(anydiff.Mul(x, x), mk(t.X2))
	b := anydiff.Scale(anydiff.Mul(y, y), mk(t.Y2))
	c := anydiff.Scale(anydiff.Mul(x, y), mk(t.XY))
	d := anydiff.Scale(x, mk(t.X))
	e := anydiff.Scale(y, mk(t.Y))
	return anydiff.Add(
		anydiff.Add(a, b),
		anydiff.Add(anydiff.Add(c, d), e),
	)
}

type testSampleList []*testSample

func newTestSampleList() testSampleList {
	// Together, these polynomials add up to 3x^2+3xy-2x+y^2.
	// The global minimum is (x = 4/3, y = -2).
	return testSampleList{
		{X2: 2, X: -1, XY: 0, Y2: 0.5},
		{X2: -1, X: 0, XY: 2, Y2: 0.5},
		{X2: 2, X: -1, XY: 1, Y2: 0},
	}
}

func (t testSampleList) Len() int {
	return len(t)
}

func (t testSampleList) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
}

func (t testSampleList) Slice(i, j int) SampleList {
	return append(testSampleList{}, t[i:j]...)
}

type testStopper struct {
	callsRemaining int
}

func (t *testStopper) Done() bool {
	t.callsRemaining--
	return t.callsRemaining < 0
}

type testGradienter struct {
	X *anydiff.Var
	Y *anydiff.Var
}

func newTestGradienter(c anyvec.Creator) *testGradienter {
	return &testGradienter{
		X: anydiff.NewVar(c.MakeVector(1)),
		Y: anydiff.NewVar(c.MakeVector(1)),
	}
}

func (t *testGradienter) Gradient(b Batch) anydiff.Grad {
	grad, _ := CosterGrad(t, b, []*anydiff.Var{t.X, t.Y})
	return grad
}

func (t *testGradienter) TotalCost(b Batch) anydiff.Res {
	var cost anydiff.Res
	for _, x := range b.(testSampleList) {
		res := x.Apply(t.X, t.Y)
		if cost == nil {
			cost = res
		} else {
			cost = anydiff.Add(cost, res)
		}
	}
	return cost
}

func (t *testGradienter) current() (x, y float64) {
	return numericFloat(t.X.Vector.Data()), numericFloat(t.Y.Vector.Data())
}

func (t *testGradienter) errorMargin() float64 {
	x, y := t.current()
	return math.Max(math.Abs(x-4.0/3), math.Abs(y+2))
}

func TestSGD(t *testing.T) {
	g := newTestGradienter(anyvec32.DefaultCreator{})
	s := &SGD{
		Gradienter: g,
		Samples:    newTestSampleList(),
		Rater:      ConstRater(0.0002),
		BatchSize:  1,
	}

	if err := s.Run(&testStopper{callsRemaining: 400000}); err != nil {
		t.Fatal(err)
	}

	x := g.X.Vector.Data().([]float32)[0]
	y := g.Y.Vector.Data().([]float32)[0]
	if math.Abs(float64(x)-4.0/3) > 1e-2 {
		t.Errorf("bad x value: %f", x)
	}
	if math.Abs(float64(y)+2) > 1e-2 {
		t.Errorf("bad y value: %f", y)
	}
}

func TestSGDFetcher(t *testing.T) {
	g := newTestGradienter(anyvec64.DefaultCreator{})
	f := &countingFetcher{}
	var statuses int
	s := &SGD{
		Fetcher:    f,
		Gradienter: g,
		Samples:    newTestSampleList(),
		Rater:      ConstRater(0.001),
		StatusFunc: func(b Batch) {
			statuses++
		},
		BatchSize: 2,
	}
	if err := s.Run(&StepStopper{Remaining: 8}); err != nil {
		t.Fatal(err)
	}
	if f.calls != 4 || statuses != 4 {
		t.Errorf("expected 4 fetches and statuses but got %d and %d", f.calls, statuses)
	}
	// Batches of 2, 1, 2, 1 over a list of 3.
	if s.NumProcessed != 6 {
		t.Errorf("expected 6 processed samples but got %d", s.NumProcessed)
	}
}

func TestSGDEmpty(t *testing.T) {
	s := &SGD{
		Gradienter: newTestGradienter(anyvec64.DefaultCreator{}),
		Samples:    testSampleList{},
		Rater:      ConstRater(0.1),
	}
	if err := s.Run(&StepStopper{Remaining: 1}); err == nil {
		t.Error("expected an error")
	}
}

func TestCosterGrad(t *testing.T) {
	g := newTestGradienter(anyvec64.DefaultCreator{})
	g.X.Vector.SetData([]float64{1})
	g.Y.Vector.SetData([]float64{2})
	grad, cost := CosterGrad(g, newTestSampleList(), []*anydiff.Var{g.X, g.Y})

	// 3x^2+3xy-2x+y^2 at (1, 2).
	if math.Abs(cost-11) > 1e-8 {
		t.Errorf("expected cost 11 but got %f", cost)
	}
	// Derivatives are 6x+3y-2 and 3x+2y.
	if dx := grad[g.X].Data().([]float64)[0]; math.Abs(dx-10) > 1e-8 {
		t.Errorf("expected x derivative 10 but got %f", dx)
	}
	if dy := grad[g.Y].Data().([]float64)[0]; math.Abs(dy-7) > 1e-8 {
		t.Errorf("expected y derivative 7 but got %f", dy)
	}
}

type countingFetcher struct {
	calls int
}

func (c *countingFetcher) Fetch(s SampleList) (Batch, error) {
	c.calls++
	return s, nil
}
