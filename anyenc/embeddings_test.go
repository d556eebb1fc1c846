package anyenc

import (
	"math/rand"
	"testing"

	"github.com/Mehanik/bergman/anymat"
	"github.com/Mehanik/bergman/anyrec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec/anyvec64"
)

func testEmbeddings(t *testing.T) *Embeddings {
	cfg := testConfig()
	return NewEmbeddings(anyvec64.DefaultCreator{}, cfg, nil, rand.New(rand.NewSource(1)))
}

func TestPositionIDs(t *testing.T) {
	e := testEmbeddings(t)
	ids := [][]int{{0, 5, 6, 1, 1}, {7, 8, 9, 10, 11}}
	assert.Equal(t, [][]int{{2, 3, 4, 1, 1}, {2, 3, 4, 5, 6}}, e.PositionIDs(ids, 0))
	assert.Equal(t, [][]int{{4, 5, 6, 1, 1}, {4, 5, 6, 7, 8}}, e.PositionIDs(ids, 2))

	// Padding in the middle is skipped.
	assert.Equal(t, [][]int{{2, 1, 3}}, e.PositionIDs([][]int{{4, 1, 4}}, 0))

	assert.Equal(t, [][]int{{2, 3, 4}, {2, 3, 4}}, e.SequentialPositionIDs(2, 3))
}

func TestEmbeddingsPadding(t *testing.T) {
	e := testEmbeddings(t)
	for _, table := range []interface {
		Lookup([]int) anydiff.Res
	}{e.Word, e.Position} {
		row := anymat.Float64s(table.Lookup([]int{1}).Output())
		for _, x := range row {
			assert.Equal(t, 0.0, x)
		}
		other := anymat.Float64s(table.Lookup([]int{2}).Output())
		assert.NotEqual(t, make([]float64, len(other)), other)
	}
}

func TestEmbeddingsApply(t *testing.T) {
	e := testEmbeddings(t)
	ids := [][]int{{0, 5, 6, 1}, {7, 8, 1, 1}}
	res, batch, steps, err := e.Apply(&EmbeddingInput{TokenIDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 2, batch)
	assert.Equal(t, 4, steps)
	assert.Equal(t, 2*4*8, res.Output().Len())

	// Explicit position IDs equal to the defaults give the
	// same result.
	explicit, _, _, err := e.Apply(&EmbeddingInput{
		TokenIDs:     ids,
		PositionIDs:  e.PositionIDs(ids, 0),
		TokenTypeIDs: [][]int{{0, 0, 0, 0}, {0, 0, 0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, anymat.Float64s(res.Output()), anymat.Float64s(explicit.Output()))

	typed, _, _, err := e.Apply(&EmbeddingInput{
		TokenIDs:     ids,
		TokenTypeIDs: [][]int{{0, 0, 1, 1}, {0, 0, 0, 0}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, anymat.Float64s(res.Output()), anymat.Float64s(typed.Output()))

	// Every row is normalized.
	data := anymat.Float64s(res.Output())
	for row := 0; row < 8; row++ {
		var mean float64
		for _, x := range data[row*8 : (row+1)*8] {
			mean += x / 8
		}
		assert.InDelta(t, 0, mean, 1e-8)
	}
}

func TestEmbeddingsEmbeds(t *testing.T) {
	e := testEmbeddings(t)
	ids := [][]int{{3, 4, 5}}
	fromIDs, _, _, err := e.Apply(&EmbeddingInput{TokenIDs: ids})
	require.NoError(t, err)

	words := e.Word.Lookup([]int{3, 4, 5})
	fromEmbeds, batch, steps, err := e.Apply(&EmbeddingInput{Embeds: words, Batch: 1, Steps: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, batch)
	assert.Equal(t, 3, steps)
	assert.InDeltaSlice(t, anymat.Float64s(fromIDs.Output()), anymat.Float64s(fromEmbeds.Output()),
		1e-12)

	_, _, _, err = e.Apply(&EmbeddingInput{Embeds: words, Batch: 1, Steps: 2})
	assert.ErrorIs(t, err, anyrec.ErrShape)
	_, _, _, err = e.Apply(&EmbeddingInput{TokenIDs: ids, PositionIDs: [][]int{{1, 2}}})
	assert.ErrorIs(t, err, anyrec.ErrShape)
	_, _, _, err = e.Apply(&EmbeddingInput{TokenIDs: ids, PositionIDs: [][]int{{1, 2, 16}}})
	assert.ErrorIs(t, err, anyrec.ErrShape)
	_, _, _, err = e.Apply(&EmbeddingInput{TokenIDs: [][]int{{}}})
	assert.ErrorIs(t, err, anyrec.ErrShape)
}
