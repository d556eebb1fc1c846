package bergman

import (
	"log"
	"math"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Debug{}).SerializerType(), DeserializeDebug)
}

// Debug is a layer which logs statistics about its
// inputs.
// Besides logging, the Debug layer does nothing to
// interfere with the flow of values in a network.
type Debug struct {
	// Logger to which stats are printed.
	// If nil, the standard logger is used.
	Logger *log.Logger

	ID            string
	PrintRaw      bool
	PrintMean     bool
	PrintVariance bool
}

// DeserializeDebug deserializes a Debug layer.
// The Logger will be nil.
func DeserializeDebug(d []byte) (*Debug, error) {
	var res Debug
	err := serializer.DeserializeAny(d, &res.ID, &res.PrintRaw, &res.PrintMean,
		&res.PrintVariance)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Apply logs information about its input.
// The input is returned, untouched.
//
// The mean and variance are taken over every component
// of the batch.
// Non-finite components are counted separately.
func (d *Debug) Apply(in anydiff.Res, n int) anydiff.Res {
	data := anymat.Float64s(in.Output())
	if d.PrintRaw {
		d.printf("batch of %d values: %v", n, data)
	}
	if d.PrintMean || d.PrintVariance {
		var sum, sqSum float64
		var finite, nonFinite int
		for _, x := range data {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				nonFinite++
				continue
			}
			sum += x
			sqSum += x * x
			finite++
		}
		var mean, variance float64
		if finite > 0 {
			mean = sum / float64(finite)
			variance = sqSum/float64(finite) - mean*mean
		}
		if d.PrintMean {
			d.printf("mean: %f", mean)
		}
		if d.PrintVariance {
			d.printf("variance: %f", variance)
		}
		if nonFinite > 0 {
			d.printf("%d non-finite values", nonFinite)
		}
	}
	return in
}

// SerializerType returns the unique ID used to serialize
// a Debug layer with the serializer package.
func (d *Debug) SerializerType() string {
	return "github.com/Mehanik/bergman.Debug"
}

// Serialize serializes the layer.
func (d *Debug) Serialize() ([]byte, error) {
	return serializer.SerializeAny(d.ID, d.PrintRaw, d.PrintMean, d.PrintVariance)
}

func (d *Debug) printf(format string, args ...interface{}) {
	format = "Debug (" + d.ID + "): " + format
	if d.Logger == nil {
		log.Printf(format, args...)
	} else {
		d.Logger.Printf(format, args...)
	}
}
