package bergman

import (
	"math"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var l LayerNorm
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLayerNorm)
}

// LayerNorm normalizes every vector in a batch to zero
// mean and unit variance, then applies a learned affine
// transformation.
type LayerNorm struct {
	// Epsilon is added to the variance before taking its
	// square root.
	Epsilon float64

	// Transform holds the gain and the bias.
	// It has one scaler and one bias per component.
	Transform *Affine
}

// NewLayerNorm creates a LayerNorm with unit gains and
// zero biases.
func NewLayerNorm(c anyvec.Creator, size int, eps float64) *LayerNorm {
	return &LayerNorm{
		Epsilon:   eps,
		Transform: NewAffine(c, size),
	}
}

// DeserializeLayerNorm deserializes a LayerNorm.
func DeserializeLayerNorm(d []byte) (*LayerNorm, error) {
	var eps serializer.Float64
	var transform *Affine
	if err := serializer.DeserializeAny(d, &eps, &transform); err != nil {
		return nil, essentials.AddCtx("deserialize LayerNorm", err)
	}
	return &LayerNorm{Epsilon: float64(eps), Transform: transform}, nil
}

// Apply applies the layer to a batch of vectors.
func (l *LayerNorm) Apply(in anydiff.Res, n int) anydiff.Res {
	size := chunkSize(in, n)
	if size != l.Transform.Scalers.Vector.Len() {
		panic("input vector size does not match layer size")
	}
	return l.Transform.Apply(standardize(in, size, l.Epsilon), n)
}

// Parameters returns the gains followed by the biases.
func (l *LayerNorm) Parameters() []*anydiff.Var {
	return l.Transform.Parameters()
}

// SerializerType returns the unique ID used to serialize
// a LayerNorm with the serializer package.
func (l *LayerNorm) SerializerType() string {
	return "github.com/Mehanik/bergman.LayerNorm"
}

// Serialize serializes the layer.
func (l *LayerNorm) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Float64(l.Epsilon), l.Transform)
}

type standardizeRes struct {
	In      anydiff.Res
	Size    int
	InvStds []float64
	OutVec  anyvec.Vector
}

func standardize(in anydiff.Res, size int, eps float64) anydiff.Res {
	data := anymat.Float64s(in.Output())
	numRows := len(data) / size
	invStds := make([]float64, numRows)
	for i := 0; i < numRows; i++ {
		row := data[i*size : (i+1)*size]
		var mean float64
		for _, x := range row {
			mean += x
		}
		mean /= float64(size)
		var variance float64
		for _, x := range row {
			variance += (x - mean) * (x - mean)
		}
		variance /= float64(size)
		invStds[i] = 1 / math.Sqrt(variance+eps)
		for j, x := range row {
			row[j] = (x - mean) * invStds[i]
		}
	}
	return &standardizeRes{
		In:      in,
		Size:    size,
		InvStds: invStds,
		OutVec:  anymat.MakeVector(in.Output().Creator(), data),
	}
}

func (s *standardizeRes) Output() anyvec.Vector {
	return s.OutVec
}

func (s *standardizeRes) Vars() anydiff.VarSet {
	return s.In.Vars()
}

func (s *standardizeRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	upstream := anymat.Float64s(u)
	normed := anymat.Float64s(s.OutVec)
	for i, invStd := range s.InvStds {
		uRow := upstream[i*s.Size : (i+1)*s.Size]
		xRow := normed[i*s.Size : (i+1)*s.Size]
		var meanU, meanUX float64
		for j, x := range uRow {
			meanU += x
			meanUX += x * xRow[j]
		}
		meanU /= float64(s.Size)
		meanUX /= float64(s.Size)
		for j := range uRow {
			uRow[j] = invStd * (uRow[j] - meanU - xRow[j]*meanUX)
		}
	}
	s.In.Propagate(anymat.MakeVector(u.Creator(), upstream), g)
}
