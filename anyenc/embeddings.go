package anyenc

import (
	"fmt"
	"math/rand"

	"github.com/Mehanik/bergman"
	"github.com/Mehanik/bergman/anymat"
	"github.com/Mehanik/bergman/anyrec"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// Embeddings turns token IDs into the initial hidden
// states: word + token type + position, followed by a
// LayerNorm and dropout.
type Embeddings struct {
	Word      *bergman.Embedding
	Position  *bergman.Embedding
	TokenType *bergman.Embedding
	Norm      *bergman.LayerNorm
	Dropout   *bergman.Dropout

	PadTokenID int
}

// NewEmbeddings creates randomized embeddings.
// The rows of the padding ID are zero in the word and
// position tables.
func NewEmbeddings(c anyvec.Creator, cfg *Config, dropout *bergman.Dropout, r *rand.Rand) *Embeddings {
	std := cfg.InitializerRange
	res := &Embeddings{
		Word:       bergman.NewEmbedding(c, cfg.VocabSize, cfg.HiddenSize, std, r),
		Position:   bergman.NewEmbedding(c, cfg.MaxPositionEmbeddings, cfg.HiddenSize, std, r),
		TokenType:  bergman.NewEmbedding(c, cfg.TypeVocabSize, cfg.HiddenSize, std, r),
		Norm:       bergman.NewLayerNorm(c, cfg.HiddenSize, cfg.LayerNormEps),
		Dropout:    dropout,
		PadTokenID: cfg.PadTokenID,
	}
	zeroRow(res.Word, cfg.PadTokenID)
	zeroRow(res.Position, cfg.PadTokenID)
	return res
}

// PositionIDs computes the position IDs of a batch of
// token IDs.
//
// Non-padding tokens are numbered consecutively starting
// at PadTokenID+pastLen+1; padding tokens get PadTokenID.
func (e *Embeddings) PositionIDs(ids [][]int, pastLen int) [][]int {
	res := make([][]int, len(ids))
	for b, row := range ids {
		res[b] = make([]int, len(row))
		var count int
		for t, id := range row {
			if id == e.PadTokenID {
				res[b][t] = e.PadTokenID
				continue
			}
			count++
			res[b][t] = count + pastLen + e.PadTokenID
		}
	}
	return res
}

// SequentialPositionIDs computes the position IDs used
// for pre-computed embeddings, where padding cannot be
// detected: PadTokenID+1 through PadTokenID+steps.
func (e *Embeddings) SequentialPositionIDs(batch, steps int) [][]int {
	res := make([][]int, batch)
	for b := range res {
		res[b] = make([]int, steps)
		for t := range res[b] {
			res[b][t] = e.PadTokenID + 1 + t
		}
	}
	return res
}

// EmbeddingInput is the input to Embeddings.Apply.
// Every ID slice is indexed [batch][position].
type EmbeddingInput struct {
	// Exactly one of TokenIDs and Embeds is set.
	TokenIDs [][]int

	// Embeds are word embeddings packed as
	// [batch, steps, hidden].
	Embeds anydiff.Res
	Batch  int
	Steps  int

	// TokenTypeIDs defaults to zeros.
	TokenTypeIDs [][]int

	// PositionIDs defaults to PositionIDs or
	// SequentialPositionIDs.
	PositionIDs [][]int
}

// Apply computes the embeddings, returning them packed as
// [batch, steps, hidden] along with the batch and step
// counts.
func (e *Embeddings) Apply(in *EmbeddingInput) (res anydiff.Res, batch, steps int, err error) {
	var words anydiff.Res
	var positionIDs [][]int
	if in.TokenIDs != nil {
		if in.Embeds != nil {
			return nil, 0, 0, fmt.Errorf("%w: both token IDs and embeddings given", anyrec.ErrShape)
		}
		batch, steps, err = rectangle("token IDs", in.TokenIDs)
		if err != nil {
			return nil, 0, 0, err
		}
		flat, err := flattenIDs("token IDs", in.TokenIDs, e.Word.Count())
		if err != nil {
			return nil, 0, 0, err
		}
		words = e.Word.Lookup(flat)
		positionIDs = e.PositionIDs(in.TokenIDs, 0)
	} else {
		if in.Embeds == nil {
			return nil, 0, 0, fmt.Errorf("%w: neither token IDs nor embeddings given", anyrec.ErrShape)
		}
		batch, steps = in.Batch, in.Steps
		if batch <= 0 || steps <= 0 || in.Embeds.Output().Len() != batch*steps*e.Word.Dim {
			return nil, 0, 0, fmt.Errorf("%w: embeddings of length %d for %d sequences of %d steps",
				anyrec.ErrShape, in.Embeds.Output().Len(), batch, steps)
		}
		words = in.Embeds
		positionIDs = e.SequentialPositionIDs(batch, steps)
	}

	if in.PositionIDs != nil {
		positionIDs = in.PositionIDs
	}
	if err := checkSize("position IDs", positionIDs, batch, steps); err != nil {
		return nil, 0, 0, err
	}
	flatPositions, err := flattenIDs("position IDs", positionIDs, e.Position.Count())
	if err != nil {
		return nil, 0, 0, err
	}

	flatTypes := make([]int, batch*steps)
	if in.TokenTypeIDs != nil {
		if err := checkSize("token type IDs", in.TokenTypeIDs, batch, steps); err != nil {
			return nil, 0, 0, err
		}
		flatTypes, err = flattenIDs("token type IDs", in.TokenTypeIDs, e.TokenType.Count())
		if err != nil {
			return nil, 0, 0, err
		}
	}

	sum := anydiff.Add(words, anydiff.Add(
		e.TokenType.Lookup(flatTypes),
		e.Position.Lookup(flatPositions),
	))
	rows := batch * steps
	res = e.Norm.Apply(sum, rows)
	if e.Dropout != nil {
		res = e.Dropout.Apply(res, rows)
	}
	return res, batch, steps, nil
}

// Parameters returns the parameters of every table and
// of the LayerNorm.
func (e *Embeddings) Parameters() []*anydiff.Var {
	return bergman.AllParameters(e.Word, e.Position, e.TokenType, e.Norm)
}

func zeroRow(e *bergman.Embedding, row int) {
	if row < 0 || row >= e.Count() {
		return
	}
	data := anymat.Float64s(e.Vector.Vector)
	for i := row * e.Dim; i < (row+1)*e.Dim; i++ {
		data[i] = 0
	}
	e.Vector.Vector.SetData(e.Vector.Vector.Creator().MakeNumericList(data))
}

func rectangle(name string, ids [][]int) (batch, steps int, err error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty %s", anyrec.ErrShape, name)
	}
	batch, steps = len(ids), len(ids[0])
	return batch, steps, checkSize(name, ids, batch, steps)
}

func checkSize(name string, ids [][]int, batch, steps int) error {
	if len(ids) != batch {
		return fmt.Errorf("%w: %s have %d rows, expected %d", anyrec.ErrShape, name, len(ids), batch)
	}
	for i, row := range ids {
		if len(row) != steps {
			return fmt.Errorf("%w: %s row %d has length %d, expected %d", anyrec.ErrShape,
				name, i, len(row), steps)
		}
	}
	return nil
}

func flattenIDs(name string, ids [][]int, count int) ([]int, error) {
	var res []int
	for _, row := range ids {
		for _, id := range row {
			if id < 0 || id >= count {
				return nil, fmt.Errorf("%w: %s contain %d, outside of [0, %d)", anyrec.ErrShape,
					name, id, count)
			}
			res = append(res, id)
		}
	}
	return res, nil
}
