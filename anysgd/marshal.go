package anysgd

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

// marshalGradient encodes the vectors of grad in the order
// of vars.
// A nil gradient, from an optimizer that has not taken a
// step yet, encodes to an empty buffer.
func marshalGradient(vars []*anydiff.Var, grad anydiff.Grad) ([]byte, error) {
	if grad == nil {
		return []byte{}, nil
	}
	if len(vars) != len(grad) {
		return nil, fmt.Errorf("%d variables for a gradient of %d", len(vars), len(grad))
	}
	objs := make([]interface{}, len(vars))
	for i, v := range vars {
		vec, ok := grad[v]
		if !ok {
			return nil, fmt.Errorf("variable %d is missing from the gradient", i)
		}
		objs[i] = &anyvecsave.S{Vector: vec}
	}
	return serializer.SerializeAny(objs...)
}

// unmarshalGradient decodes the output of marshalGradient.
// The vectors must match the sizes and creators of vars.
func unmarshalGradient(vars []*anydiff.Var, data []byte) (anydiff.Grad, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dests := make([]interface{}, len(vars))
	for i := range dests {
		dests[i] = new(*anyvecsave.S)
	}
	if err := serializer.DeserializeAny(data, dests...); err != nil {
		return nil, err
	}
	res := anydiff.Grad{}
	for i, v := range vars {
		vec := (*dests[i].(**anyvecsave.S)).Vector
		switch {
		case vec.Len() != v.Vector.Len():
			return nil, fmt.Errorf("variable %d: saved length %d, expected %d", i, vec.Len(),
				v.Vector.Len())
		case vec.Creator() != v.Vector.Creator():
			return nil, fmt.Errorf("variable %d: saved with a different creator", i)
		}
		res[v] = vec
	}
	return res, nil
}
