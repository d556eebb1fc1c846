package bergman

import (
	"fmt"
	"math"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/serializer"
)

func init() {
	var a Activation
	serializer.RegisterTypedDeserializer(a.SerializerType(), DeserializeActivation)
}

// An Activation is a standard activation function.
type Activation int

// These are standard activation function.
//
// Softmax and SoftDiff normalize each vector of the
// batch separately.
// SoftDiff computes softmax(x) - softmax(-x).
const (
	Tanh Activation = iota
	LogSoftmax
	Sigmoid
	ReLU
	Sin
	GELU
	Softmax
	SoftDiff
)

// ParseActivation finds an activation by its name.
func ParseActivation(name string) (Activation, error) {
	switch name {
	case "tanh":
		return Tanh, nil
	case "log_softmax":
		return LogSoftmax, nil
	case "sigmoid":
		return Sigmoid, nil
	case "relu":
		return ReLU, nil
	case "sin":
		return Sin, nil
	case "gelu":
		return GELU, nil
	case "softmax":
		return Softmax, nil
	case "softdiff":
		return SoftDiff, nil
	}
	return 0, fmt.Errorf("unknown activation: %q", name)
}

// DeserializeActivation deserializes an Activation.
func DeserializeActivation(d []byte) (Activation, error) {
	if len(d) != 1 {
		return 0, fmt.Errorf("deserialize Activation: data length (%d) should be 1", len(d))
	}
	a := Activation(d[0])
	if a > SoftDiff {
		return 0, fmt.Errorf("deserialize Activation: unknown activation ID: %d", a)
	}
	return a, nil
}

// Apply applies the activation function.
func (a Activation) Apply(in anydiff.Res, n int) anydiff.Res {
	switch a {
	case Tanh:
		return anydiff.Tanh(in)
	case LogSoftmax:
		return anydiff.LogSoftmax(in, chunkSize(in, n))
	case Sigmoid:
		return anydiff.Sigmoid(in)
	case ReLU:
		return anydiff.ClipPos(in)
	case Sin:
		return anydiff.Sin(in)
	case GELU:
		return gelu(in)
	case Softmax:
		return anydiff.Exp(anydiff.LogSoftmax(in, chunkSize(in, n)))
	case SoftDiff:
		size := chunkSize(in, n)
		return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
			minusOne := in.Output().Creator().MakeNumeric(-1)
			return anydiff.Sub(
				anydiff.Exp(anydiff.LogSoftmax(in, size)),
				anydiff.Exp(anydiff.LogSoftmax(anydiff.Scale(in, minusOne), size)),
			)
		})
	default:
		panic(fmt.Sprintf("unknown activation: %d", a))
	}
}

// SerializerType returns the unique ID used to serialize
// an Activation.
func (a Activation) SerializerType() string {
	return "github.com/Mehanik/bergman.Activation"
}

// Serialize serializes the activation.
func (a Activation) Serialize() ([]byte, error) {
	return []byte{byte(a)}, nil
}

func chunkSize(in anydiff.Res, n int) int {
	inLen := in.Output().Len()
	if inLen%n != 0 {
		panic("batch size must divide input length")
	}
	return inLen / n
}

type geluRes struct {
	In     anydiff.Res
	OutVec anyvec.Vector
}

// gelu computes x*Phi(x) with the exact Gaussian CDF.
func gelu(in anydiff.Res) anydiff.Res {
	data := anymat.Float64s(in.Output())
	for i, x := range data {
		data[i] = x * normCDF(x)
	}
	return &geluRes{
		In:     in,
		OutVec: anymat.MakeVector(in.Output().Creator(), data),
	}
}

func (g *geluRes) Output() anyvec.Vector {
	return g.OutVec
}

func (g *geluRes) Vars() anydiff.VarSet {
	return g.In.Vars()
}

func (g *geluRes) Propagate(u anyvec.Vector, grad anydiff.Grad) {
	upstream := anymat.Float64s(u)
	for i, x := range anymat.Float64s(g.In.Output()) {
		pdf := math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
		upstream[i] *= normCDF(x) + x*pdf
	}
	g.In.Propagate(anymat.MakeVector(u.Creator(), upstream), grad)
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
