package anysgd

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestGradientMarshal(t *testing.T) {
	vars := randomVars(anyvec64.DefaultCreator{})
	grad := randomGrad(vars)

	data, err := marshalGradient(vars, grad)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := unmarshalGradient(vars, data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(grad, decoded) {
		t.Error("gradient mismatch")
	}

	empty, err := marshalGradient(vars, nil)
	if err != nil {
		t.Fatal(err)
	}
	if decoded, err := unmarshalGradient(vars, empty); err != nil || decoded != nil {
		t.Errorf("expected nil gradient, got %v (err %v)", decoded, err)
	}
}

func TestGradientMarshalMismatch(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	vars := randomVars(c)
	grad := randomGrad(vars)

	if _, err := marshalGradient(vars[1:], grad); err == nil {
		t.Error("expected error for missing variable")
	}
	data, err := marshalGradient(vars, grad)
	if err != nil {
		t.Fatal(err)
	}
	other := append([]*anydiff.Var{}, vars...)
	other[3] = anydiff.NewVar(c.MakeVector(vars[3].Vector.Len() + 1))
	if _, err := unmarshalGradient(other, data); err == nil {
		t.Error("expected error for resized variable")
	}
}

// testMarshal checks that restoring any checkpoint of a
// transformer reproduces the step taken right after it.
func testMarshal(t *testing.T, inst TransformMarshaler, v []*anydiff.Var) {
	var inGrads, outGrads []anydiff.Grad
	var checkpoints [][]byte
	for i := 0; i < 5; i++ {
		data, err := inst.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		inGrad := randomGrad(v)
		outGrad := copyGrad(inst.Transform(copyGrad(inGrad)))
		inGrads = append(inGrads, inGrad)
		outGrads = append(outGrads, outGrad)
		checkpoints = append(checkpoints, data)
	}
	for _, i := range []int{2, 0, 3, 4, 1} {
		if err := inst.UnmarshalBinary(checkpoints[i]); err != nil {
			t.Fatal(err)
		}
		if out := inst.Transform(inGrads[i]); !reflect.DeepEqual(out, outGrads[i]) {
			t.Errorf("step %d came out wrong after restoring", i)
		}
	}
}

func randomVars(c anyvec.Creator) []*anydiff.Var {
	var vars []*anydiff.Var
	for i := 0; i < 20; i++ {
		vec := c.MakeVector(1 + i*rand.Intn(3))
		anyvec.Rand(vec, anyvec.Normal, nil)
		vars = append(vars, anydiff.NewVar(vec))
	}
	return vars
}

func randomGrad(vars []*anydiff.Var) anydiff.Grad {
	res := anydiff.Grad{}
	for _, v := range vars {
		vec := v.Vector.Creator().MakeVector(v.Vector.Len())
		anyvec.Rand(vec, anyvec.Normal, nil)
		res[v] = vec
	}
	return res
}
