package bergman

import (
	"math/rand"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var d Dropout
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDropout)
}

// A Dropout layer applies inverted dropout
// regularization.
//
// While enabled, kept components are scaled by 1/KeepProb
// so that the layer is the identity when disabled.
type Dropout struct {
	Enabled bool

	// The probability of keeping any given input.
	KeepProb float64

	// Rand is used to sample masks.
	// If nil, the global source is used.
	Rand *rand.Rand
}

// NewDropout creates a disabled Dropout which drops
// components with the probability p.
func NewDropout(p float64) *Dropout {
	return &Dropout{KeepProb: 1 - p}
}

// DeserializeDropout deserializes a Dropout.
func DeserializeDropout(d []byte) (*Dropout, error) {
	var enabled serializer.Int
	var keepProb serializer.Float64
	if err := serializer.DeserializeAny(d, &enabled, &keepProb); err != nil {
		return nil, essentials.AddCtx("deserialize Dropout", err)
	}
	return &Dropout{
		Enabled:  enabled == 1,
		KeepProb: float64(keepProb),
	}, nil
}

// Apply applies the layer.
func (d *Dropout) Apply(in anydiff.Res, n int) anydiff.Res {
	if !d.Enabled || d.KeepProb >= 1 {
		return in
	}
	mask := make([]float64, in.Output().Len())
	if d.KeepProb > 0 {
		scale := 1 / d.KeepProb
		for i := range mask {
			if d.uniform() < d.KeepProb {
				mask[i] = scale
			}
		}
	}
	return anydiff.Mul(in, anymat.Constant(in.Output().Creator(), mask))
}

// SerializerType returns the unique ID used to serialize
// a Dropout with the serializer package.
func (d *Dropout) SerializerType() string {
	return "github.com/Mehanik/bergman.Dropout"
}

// Serialize serializes the Dropout.
func (d *Dropout) Serialize() ([]byte, error) {
	enabledFlag := serializer.Int(0)
	if d.Enabled {
		enabledFlag = 1
	}
	return serializer.SerializeAny(enabledFlag, serializer.Float64(d.KeepProb))
}

func (d *Dropout) uniform() float64 {
	if d.Rand != nil {
		return d.Rand.Float64()
	}
	return rand.Float64()
}
