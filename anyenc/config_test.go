package anyenc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Mehanik/bergman/anyrec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
model_type: bergman
vocab_size: 100
hidden_size: 32
num_matrix_heads: 4
matrix_dim: 8
num_hidden_layers: 3
use_for_context: [lr, rl_excl]
networks_for_heads: common
matrix_norm_loss_type: MSE
matrix_norm_preheat_steps: 10
classifier_dropout: 0.3
problem_type: multi_label_classification
`))
	require.NoError(t, err)
	assert.Equal(t, Bergman, cfg.Variant)
	assert.Equal(t, 100, cfg.VocabSize)
	assert.Equal(t, 32, cfg.HiddenSize)
	assert.Equal(t, 3, cfg.NumHiddenLayers)
	assert.Equal(t, []anyrec.View{anyrec.ViewLR, anyrec.ViewRLExcl}, cfg.UseForContext)
	assert.Equal(t, anyrec.MixCommon, cfg.NetworksForHeads)
	assert.Equal(t, anyrec.LossMSE, cfg.MatrixNormLossType)
	assert.Equal(t, 10, cfg.MatrixNormPreheatSteps)
	assert.Equal(t, 0.3, cfg.classifierDropout())
	assert.Equal(t, ProblemMultiLabel, cfg.problemType())

	// Untouched keys keep their defaults.
	assert.Equal(t, 3072, cfg.IntermediateSize)
	assert.Equal(t, 1, cfg.PadTokenID)
	assert.True(t, cfg.AddPoolingLayer)
	assert.Equal(t, 0.1, cfg.HiddenDropoutProb)
}

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, cfg.HiddenDropoutProb, cfg.classifierDropout())
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"unknown key":       "hidden_sise: 12",
		"bad syntax":        "hidden_size: [",
		"bad type":          "vocab_size: many",
		"bad variant":       "model_type: transformer",
		"bad problem":       "problem_type: ranking",
		"bad view":          "use_for_context: [up]",
		"bergman sum":       "model_type: bergman\nnetworks_for_heads: separate_sum",
		"bergman v2":        "model_type: bergman\nmatrix_encoder_version: 2\nmatrix_norm_alg: null",
		"bergman lr/rl":     "model_type: bergman\nrl_lr_matrix_different: true",
		"bergman conv":      "model_type: bergman\ninput_convnet_filter_size: 3",
		"zero layers":       "num_hidden_layers: 0",
		"negative filter":   "input_convnet_filter_size: -1",
		"classifier drop":   "classifier_dropout: 1.5",
		"zero vocab":        "vocab_size: 0",
		"bad norm axis":     "matrix_norm_loss_axis: [0]",
		"unknown loss type": "matrix_unitary_loss: L1",

		"bergman heads":        "model_type: bergman\nhidden_size: 10\nnum_matrix_heads: 3",
		"bergman common heads": "model_type: bergman\nhidden_size: 10\nnum_matrix_heads: 3\nnetworks_for_heads: common",
		"convnet heads":        "model_type: convnet\nhidden_size: 10\nnum_matrix_heads: 3",
		"separate heads":       "hidden_size: 10\nnum_matrix_heads: 3\nnetworks_for_heads: separate",
	}
	for name, data := range cases {
		_, err := ParseConfig([]byte(data))
		assert.ErrorIs(t, err, anyrec.ErrConfig, name)
	}
}

func TestParseConfigHeadMixing(t *testing.T) {
	// Mixing the heads through a network lifts the
	// divisibility requirement for convnet models only.
	for _, mixing := range []string{"common", "separate_sum"} {
		cfg, err := ParseConfig([]byte("model_type: convnet\nhidden_size: 10\nnum_matrix_heads: 3\n" +
			"networks_for_heads: " + mixing))
		require.NoError(t, err, mixing)
		assert.Equal(t, 10, cfg.HiddenSize)
	}
}

func TestProblemType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumLabels = 1
	assert.Equal(t, ProblemRegression, cfg.problemType())
	cfg.NumLabels = 5
	assert.Equal(t, ProblemSingleLabel, cfg.problemType())
	cfg.ProblemType = ProblemRegression
	assert.Equal(t, ProblemRegression, cfg.problemType())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hidden_size: 48\nnum_matrix_heads: 3\n"), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 48, cfg.HiddenSize)
	assert.Equal(t, 3, cfg.NumMatrixHeads)
	assert.Equal(t, Convnet, cfg.Variant)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("num_matrix_heads: -3\n"), 0644))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, anyrec.ErrConfig)
}
