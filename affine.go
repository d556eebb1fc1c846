package bergman

import (
	"errors"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var a Affine
	serializer.RegisterTypedDeserializer(a.SerializerType(), DeserializeAffine)
}

// Affine scales and shifts every component of its input:
//
//     out[i] = Scalers[i%len(Scalers)]*in[i] + Biases[i%len(Biases)]
//
// It holds the gain and bias of a LayerNorm.
type Affine struct {
	Scalers *anydiff.Var
	Biases  *anydiff.Var
}

// NewAffine creates an identity Affine with size gains
// and size biases.
func NewAffine(c anyvec.Creator, size int) *Affine {
	scalers := c.MakeVector(size)
	scalers.AddScalar(c.MakeNumeric(1))
	return &Affine{
		Scalers: anydiff.NewVar(scalers),
		Biases:  anydiff.NewVar(c.MakeVector(size)),
	}
}

// DeserializeAffine deserializes an Affine.
func DeserializeAffine(d []byte) (*Affine, error) {
	var scalers, biases *anyvecsave.S
	if err := serializer.DeserializeAny(d, &scalers, &biases); err != nil {
		return nil, essentials.AddCtx("deserialize Affine", err)
	}
	if scalers.Vector.Len() == 0 || biases.Vector.Len() == 0 {
		return nil, errors.New("deserialize Affine: empty parameters")
	}
	return &Affine{
		Scalers: anydiff.NewVar(scalers.Vector),
		Biases:  anydiff.NewVar(biases.Vector),
	}, nil
}

// Apply applies the transformation to a batch of rows.
// The row size must be a multiple of both parameter
// sizes.
func (a *Affine) Apply(in anydiff.Res, n int) anydiff.Res {
	size := chunkSize(in, n)
	if size%a.Scalers.Vector.Len() != 0 || size%a.Biases.Vector.Len() != 0 {
		panic("affine parameter sizes must divide the row size")
	}
	return anydiff.ScaleAddRepeated(in, a.Scalers, a.Biases)
}

// Parameters returns the gains followed by the biases.
func (a *Affine) Parameters() []*anydiff.Var {
	return []*anydiff.Var{a.Scalers, a.Biases}
}

// SerializerType returns the unique ID used to serialize
// an Affine with the serializer package.
func (a *Affine) SerializerType() string {
	return "github.com/Mehanik/bergman.Affine"
}

// Serialize serializes the layer.
func (a *Affine) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: a.Scalers.Vector},
		&anyvecsave.S{Vector: a.Biases.Vector},
	)
}
