package bergman

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var r Residual
	serializer.RegisterTypedDeserializer(r.SerializerType(), DeserializeResidual)
	var c ConcatMixer
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeConcatMixer)
}

// A Mixer combines two packed batches with the same
// number of rows.
type Mixer interface {
	Mix(in1, in2 anydiff.Res, batch int) anydiff.Res
}

// Residual is the output stage of the encoder sublayers.
// It mixes a sublayer input x with the residual r as
//
//     Norm(Dropout(Proj(x)) + r)
type Residual struct {
	Proj Layer

	// Dropout may be nil.
	// It is usually shared with the rest of the encoder,
	// so that one switch enables every dropout site.
	Dropout *Dropout

	Norm *LayerNorm
}

// NewResidual creates a Residual.
func NewResidual(proj Layer, dropout *Dropout, norm *LayerNorm) *Residual {
	return &Residual{Proj: proj, Dropout: dropout, Norm: norm}
}

// DeserializeResidual deserializes a Residual.
// A saved Dropout is restored as a separate, disabled
// layer.
func DeserializeResidual(d []byte) (*Residual, error) {
	var res Residual
	var dropout Layer
	if err := serializer.DeserializeAny(d, &res.Proj, &dropout, &res.Norm); err != nil {
		return nil, essentials.AddCtx("deserialize Residual", err)
	}
	switch dropout := dropout.(type) {
	case *Dropout:
		dropout.Enabled = false
		res.Dropout = dropout
	case Net:
	default:
		return nil, fmt.Errorf("deserialize Residual: unexpected dropout layer %T", dropout)
	}
	return &res, nil
}

// Mix computes the output for a sublayer input and a
// residual with the same packed shape.
func (r *Residual) Mix(x, residual anydiff.Res, batch int) anydiff.Res {
	out := r.Proj.Apply(x, batch)
	if r.Dropout != nil {
		out = r.Dropout.Apply(out, batch)
	}
	return r.Norm.Apply(anydiff.Add(out, residual), batch)
}

// Parameters returns the parameters of the projection and
// of the LayerNorm.
func (r *Residual) Parameters() []*anydiff.Var {
	return AllParameters(r.Proj, r.Norm)
}

// SerializerType returns the unique ID used to serialize
// a Residual with the serializer package.
func (r *Residual) SerializerType() string {
	return "github.com/Mehanik/bergman.Residual"
}

// Serialize serializes the Residual.
func (r *Residual) Serialize() ([]byte, error) {
	var dropout serializer.Serializer = Net{}
	if r.Dropout != nil {
		dropout = r.Dropout
	}
	return serializer.SerializeAny(r.Proj, dropout, r.Norm)
}

// A ConcatMixer joins the rows of its inputs, producing
// [in1[0], in2[0], in1[1], in2[1], ...] where in[i] is the
// i-th row.
type ConcatMixer struct{}

// DeserializeConcatMixer deserializes a ConcatMixer.
func DeserializeConcatMixer(d []byte) (ConcatMixer, error) {
	return ConcatMixer{}, nil
}

// Mix concatenates the inputs row by row.
func (c ConcatMixer) Mix(in1, in2 anydiff.Res, batch int) anydiff.Res {
	return anydiff.Pool(in1, func(in1 anydiff.Res) anydiff.Res {
		return anydiff.Pool(in2, func(in2 anydiff.Res) anydiff.Res {
			len1 := chunkSize(in1, batch)
			len2 := chunkSize(in2, batch)
			rows := make([]anydiff.Res, 0, 2*batch)
			for i := 0; i < batch; i++ {
				rows = append(rows, anydiff.Slice(in1, i*len1, (i+1)*len1),
					anydiff.Slice(in2, i*len2, (i+1)*len2))
			}
			return anydiff.Concat(rows...)
		})
	})
}

// SerializerType returns the unique ID used to serialize
// a ConcatMixer with the serializer package.
func (c ConcatMixer) SerializerType() string {
	return "github.com/Mehanik/bergman.ConcatMixer"
}

// Serialize serializes the instance.
func (c ConcatMixer) Serialize() ([]byte, error) {
	return []byte{}, nil
}
