package bergman

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/Mehanik/bergman/anymat"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var e Embedding
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEmbedding)
}

// An Embedding is a learned table of vectors, one per
// token ID.
type Embedding struct {
	Dim    int
	Vector *anydiff.Var
}

// NewEmbedding creates an Embedding for count IDs whose
// entries are sampled from a normal distribution with
// the standard deviation std.
// If r is nil, the global source is used.
func NewEmbedding(c anyvec.Creator, count, dim int, std float64, r *rand.Rand) *Embedding {
	vec := c.MakeVector(count * dim)
	anyvec.Rand(vec, anyvec.Normal, r)
	vec.Scale(c.MakeNumeric(std))
	return &Embedding{Dim: dim, Vector: anydiff.NewVar(vec)}
}

// DeserializeEmbedding deserializes an Embedding.
func DeserializeEmbedding(d []byte) (*Embedding, error) {
	var dim serializer.Int
	var vec *anyvecsave.S
	if err := serializer.DeserializeAny(d, &dim, &vec); err != nil {
		return nil, essentials.AddCtx("deserialize Embedding", err)
	}
	if dim <= 0 || vec.Vector.Len()%int(dim) != 0 {
		return nil, errors.New("deserialize Embedding: invalid table dimensions")
	}
	return &Embedding{Dim: int(dim), Vector: anydiff.NewVar(vec.Vector)}, nil
}

// Count returns the number of rows in the table.
func (e *Embedding) Count() int {
	return e.Vector.Vector.Len() / e.Dim
}

// Lookup produces a packed batch with one row per ID.
//
// Negative IDs produce zero rows.
// IDs past the end of the table cause a panic.
func (e *Embedding) Lookup(ids []int) anydiff.Res {
	count := e.Count()
	for _, id := range ids {
		if id >= count {
			panic(fmt.Sprintf("embedding ID %d out of range [0, %d)", id, count))
		}
	}
	return anymat.Gather(e.Vector, e.Dim, ids)
}

// Parameters returns the table.
func (e *Embedding) Parameters() []*anydiff.Var {
	return []*anydiff.Var{e.Vector}
}

// SerializerType returns the unique ID used to serialize
// an Embedding with the serializer package.
func (e *Embedding) SerializerType() string {
	return "github.com/Mehanik/bergman.Embedding"
}

// Serialize serializes the Embedding.
func (e *Embedding) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(e.Dim),
		&anyvecsave.S{Vector: e.Vector.Vector},
	)
}
