package bergman

import (
	"fmt"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var f FC
	serializer.RegisterTypedDeserializer(f.SerializerType(), DeserializeFC)
}

// FC is a fully-connected layer computing W x + b for
// every row x of its input.
//
// Weights are stored row-major as [OutCount, InCount].
type FC struct {
	InCount  int
	OutCount int
	Weights  *anydiff.Var
	Biases   *anydiff.Var
}

// NewFCInit creates an FC whose weights are drawn from a
// normal distribution with the standard deviation std.
// The biases are zero.
// If r is nil, the global source is used.
func NewFCInit(c anyvec.Creator, in, out int, std float64, r *rand.Rand) *FC {
	weights := c.MakeVector(in * out)
	anyvec.Rand(weights, anyvec.Normal, r)
	weights.Scale(c.MakeNumeric(std))
	return &FC{
		InCount:  in,
		OutCount: out,
		Weights:  anydiff.NewVar(weights),
		Biases:   anydiff.NewVar(c.MakeVector(out)),
	}
}

// DeserializeFC deserializes an FC.
func DeserializeFC(d []byte) (*FC, error) {
	var weights, biases *anyvecsave.S
	if err := serializer.DeserializeAny(d, &weights, &biases); err != nil {
		return nil, essentials.AddCtx("deserialize FC", err)
	}
	out := biases.Vector.Len()
	if out == 0 || weights.Vector.Len()%out != 0 {
		return nil, fmt.Errorf("deserialize FC: %d weights for %d outputs",
			weights.Vector.Len(), out)
	}
	return &FC{
		InCount:  weights.Vector.Len() / out,
		OutCount: out,
		Weights:  anydiff.NewVar(weights.Vector),
		Biases:   anydiff.NewVar(biases.Vector),
	}, nil
}

// Apply applies the layer to a batch of rows.
func (f *FC) Apply(in anydiff.Res, batch int) anydiff.Res {
	if batch*f.InCount != in.Output().Len() {
		panic(fmt.Sprintf("FC input length should be %d, but got %d",
			batch*f.InCount, in.Output().Len()))
	}
	product := anydiff.MatMul(false, true,
		&anydiff.Matrix{Data: in, Rows: batch, Cols: f.InCount},
		&anydiff.Matrix{Data: f.Weights, Rows: f.OutCount, Cols: f.InCount},
	)
	return anydiff.AddRepeated(product.Data, f.Biases)
}

// Parameters returns the weights followed by the biases.
func (f *FC) Parameters() []*anydiff.Var {
	return []*anydiff.Var{f.Weights, f.Biases}
}

// SerializerType returns the unique ID used to serialize
// an FC with the serializer package.
func (f *FC) SerializerType() string {
	return "github.com/Mehanik/bergman.FC"
}

// Serialize serializes the FC.
func (f *FC) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: f.Weights.Vector},
		&anyvecsave.S{Vector: f.Biases.Vector},
	)
}
