// Package anyconv provides convolutions over the
// positions of packed sequence batches.
package anyconv

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var c Conv
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeConv)
}

// Conv is a 1-D convolutional layer with "same" padding.
//
// Inputs and outputs are packed [batch, steps, depth].
// The filters are packed [FilterCount, FilterWidth,
// InputDepth].
type Conv struct {
	FilterCount int
	FilterWidth int
	InputDepth  int

	Filters *anydiff.Var
	Biases  *anydiff.Var

	im2row *Im2Row
}

// NewConv creates a Conv whose filters are drawn from a
// normal distribution with the standard deviation std.
// The biases are zero.
// If r is nil, the global source is used.
func NewConv(c anyvec.Creator, width, inDepth, outDepth int, std float64, r *rand.Rand) *Conv {
	res := &Conv{
		FilterCount: outDepth,
		FilterWidth: width,
		InputDepth:  inDepth,
		Filters:     anydiff.NewVar(c.MakeVector(outDepth * width * inDepth)),
		Biases:      anydiff.NewVar(c.MakeVector(outDepth)),
	}
	anyvec.Rand(res.Filters.Vector, anyvec.Normal, r)
	res.Filters.Vector.Scale(c.MakeNumeric(std))
	return res
}

// DeserializeConv deserializes a Conv.
func DeserializeConv(d []byte) (*Conv, error) {
	var width, inDepth serializer.Int
	var f, b *anyvecsave.S
	if err := serializer.DeserializeAny(d, &width, &inDepth, &f, &b); err != nil {
		return nil, essentials.AddCtx("deserialize Conv", err)
	}
	filterSize := int(width * inDepth)
	if filterSize <= 0 || f.Vector.Len() != filterSize*b.Vector.Len() {
		return nil, errors.New("deserialize Conv: invalid filter dimensions")
	}
	return &Conv{
		FilterCount: b.Vector.Len(),
		FilterWidth: int(width),
		InputDepth:  int(inDepth),
		Filters:     anydiff.NewVar(f.Vector),
		Biases:      anydiff.NewVar(b.Vector),
	}, nil
}

// Apply applies the layer to a packed batch of sequences.
//
// This is not thread-safe.
func (c *Conv) Apply(in anydiff.Res, batch, steps int) anydiff.Res {
	if in.Output().Len() != batch*steps*c.InputDepth {
		panic(fmt.Sprintf("input length should be %d, but got %d",
			batch*steps*c.InputDepth, in.Output().Len()))
	}
	rowSize := c.FilterWidth * c.InputDepth
	rows := &anydiff.Matrix{
		Data: c.mapper().Map(in, batch, steps),
		Rows: batch * steps,
		Cols: rowSize,
	}
	filters := &anydiff.Matrix{
		Data: c.Filters,
		Rows: c.FilterCount,
		Cols: rowSize,
	}
	product := anydiff.MatMul(false, true, rows, filters)
	return anydiff.AddRepeated(product.Data, c.Biases)
}

// Parameters returns the filters and the biases, in that
// order.
func (c *Conv) Parameters() []*anydiff.Var {
	return []*anydiff.Var{c.Filters, c.Biases}
}

// SerializerType returns the unique ID used to serialize
// a Conv with the serializer package.
func (c *Conv) SerializerType() string {
	return "github.com/Mehanik/bergman/anyconv.Conv"
}

// Serialize serializes the layer.
func (c *Conv) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(c.FilterWidth),
		serializer.Int(c.InputDepth),
		&anyvecsave.S{Vector: c.Filters.Vector},
		&anyvecsave.S{Vector: c.Biases.Vector},
	)
}

func (c *Conv) mapper() *Im2Row {
	if c.im2row == nil || c.im2row.Width != c.FilterWidth || c.im2row.Depth != c.InputDepth {
		c.im2row = &Im2Row{Width: c.FilterWidth, Depth: c.InputDepth}
	}
	return c.im2row
}
