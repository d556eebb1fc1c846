package anysgd

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
)

// Momentum implements SGD with momentum.
//
// The transformed gradient v is computed as
//
//     v := momentum * v + grad
type Momentum struct {
	Momentum float64

	// Vars lists the variables whose rolling average is
	// saved by MarshalBinary.
	Vars []*anydiff.Var

	rolling anydiff.Grad
}

// Transform transforms the gradient using momentum.
//
// This is not thread-safe.
func (m *Momentum) Transform(g anydiff.Grad) anydiff.Grad {
	if m.rolling == nil {
		m.rolling = copyGrad(g)
		return g
	}
	for v, x := range m.rolling {
		x.Scale(x.Creator().MakeNumeric(m.Momentum))
		x.Add(g[v])
		g[v].Set(x)
	}
	return g
}

// MarshalBinary saves the rolling average.
func (m *Momentum) MarshalBinary() ([]byte, error) {
	data, err := marshalGradient(m.Vars, m.rolling)
	if err != nil {
		return nil, essentials.AddCtx("marshal Momentum", err)
	}
	return data, nil
}

// UnmarshalBinary restores the rolling average.
// The Vars field must be set beforehand.
func (m *Momentum) UnmarshalBinary(data []byte) error {
	rolling, err := unmarshalGradient(m.Vars, data)
	if err != nil {
		return essentials.AddCtx("unmarshal Momentum", err)
	}
	m.rolling = rolling
	return nil
}
