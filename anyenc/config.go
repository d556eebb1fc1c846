package anyenc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Mehanik/bergman"
	"github.com/Mehanik/bergman/anyrec"
	"gopkg.in/yaml.v3"
)

// A Variant names one of the two encoder architectures.
type Variant string

const (
	// Bergman is the plain matrix-recurrence encoder.
	Bergman Variant = "bergman"

	// Convnet adds the optional convolutional input stage
	// and the Convnet-only recurrence options.
	Convnet Variant = "convnet"
)

// A ProblemType selects the loss of a sequence
// classifier.
type ProblemType string

const (
	// ProblemAuto picks regression for one label and
	// single-label classification otherwise.
	ProblemAuto        ProblemType = ""
	ProblemRegression  ProblemType = "regression"
	ProblemSingleLabel ProblemType = "single_label_classification"
	ProblemMultiLabel  ProblemType = "multi_label_classification"
)

// UnmarshalYAML rejects unknown problem types.
func (p *ProblemType) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("%w: line %d: problem_type: %v", anyrec.ErrConfig, node.Line, err)
	}
	switch ProblemType(s) {
	case ProblemAuto, ProblemRegression, ProblemSingleLabel, ProblemMultiLabel:
		*p = ProblemType(s)
		return nil
	}
	return fmt.Errorf("%w: problem_type %q", anyrec.ErrConfig, s)
}

// Config holds the hyperparameters of a whole model.
//
// The recurrence hyperparameters are inlined, so a config
// file is a single flat mapping.
type Config struct {
	anyrec.Config `yaml:",inline"`

	Variant Variant `yaml:"model_type"`

	VocabSize             int `yaml:"vocab_size"`
	NumHiddenLayers       int `yaml:"num_hidden_layers"`
	IntermediateSize      int `yaml:"intermediate_size"`
	MaxPositionEmbeddings int `yaml:"max_position_embeddings"`
	TypeVocabSize         int `yaml:"type_vocab_size"`

	PadTokenID int `yaml:"pad_token_id"`
	BOSTokenID int `yaml:"bos_token_id"`
	EOSTokenID int `yaml:"eos_token_id"`

	// InputConvnetFilterSize enables the convolutional
	// input stage when it is positive.
	InputConvnetFilterSize int `yaml:"input_convnet_filter_size"`

	// ClassifierDropout defaults to HiddenDropoutProb when
	// it is nil.
	ClassifierDropout *float64 `yaml:"classifier_dropout"`

	NumLabels       int         `yaml:"num_labels"`
	ProblemType     ProblemType `yaml:"problem_type"`
	AddPoolingLayer bool        `yaml:"add_pooling_layer"`

	// DebugStats inserts logging layers between encoder
	// layers.
	DebugStats bool `yaml:"debug_stats"`
}

// DefaultConfig returns the default hyperparameters of a
// Convnet model.
func DefaultConfig() *Config {
	return &Config{
		Config:                anyrec.DefaultConfig(),
		Variant:               Convnet,
		VocabSize:             30522,
		NumHiddenLayers:       12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		PadTokenID:            1,
		BOSTokenID:            0,
		EOSTokenID:            2,
		NumLabels:             2,
		AddPoolingLayer:       true,
	}
}

// LoadConfig reads a YAML config file.
// Missing keys keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a YAML config.
// Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, anyrec.ErrConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", anyrec.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the model hyperparameters along with
// the recurrence hyperparameters.
func (c *Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	switch c.Variant {
	case Convnet:
	case Bergman:
		switch {
		case c.HiddenSize%c.NumMatrixHeads != 0:
			return fmt.Errorf("%w: hidden size (%d) is not a multiple of the number of matrix heads (%d)",
				anyrec.ErrConfig, c.HiddenSize, c.NumMatrixHeads)
		case c.NetworksForHeads == anyrec.MixSeparateSum:
			return fmt.Errorf("%w: bergman models do not support %s head mixing",
				anyrec.ErrConfig, c.NetworksForHeads)
		case c.MatrixEncoderVersion != 1:
			return fmt.Errorf("%w: bergman models only support matrix_encoder_version 1",
				anyrec.ErrConfig)
		case c.RLLRMatrixDifferent:
			return fmt.Errorf("%w: bergman models do not support rl_lr_matrix_different",
				anyrec.ErrConfig)
		case c.InputConvnetFilterSize > 0:
			return fmt.Errorf("%w: bergman models have no convolutional input stage",
				anyrec.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: model_type %q", anyrec.ErrConfig, string(c.Variant))
	}
	positive := []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"num_hidden_layers", c.NumHiddenLayers},
		{"intermediate_size", c.IntermediateSize},
		{"max_position_embeddings", c.MaxPositionEmbeddings},
		{"type_vocab_size", c.TypeVocabSize},
		{"num_labels", c.NumLabels},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", anyrec.ErrConfig, p.name, p.value)
		}
	}
	if c.InputConvnetFilterSize < 0 {
		return fmt.Errorf("%w: input_convnet_filter_size must not be negative", anyrec.ErrConfig)
	}
	if p := c.classifierDropout(); p < 0 || p >= 1 {
		return fmt.Errorf("%w: classifier_dropout must be in [0, 1)", anyrec.ErrConfig)
	}
	return nil
}

func (c *Config) classifierDropout() float64 {
	if c.ClassifierDropout != nil {
		return *c.ClassifierDropout
	}
	return c.HiddenDropoutProb
}

// blockConfig returns the recurrence config of every
// layer.
// Bergman layers always use a gelu encoder layer of the
// hidden size.
func (c *Config) blockConfig() *anyrec.Config {
	res := c.Config
	if c.Variant == Bergman {
		res.MatrixEncoderActivation = "gelu"
		res.MatrixEncoderHiddenSize = c.HiddenSize
	}
	return &res
}

func (c *Config) hiddenActivation() bergman.Activation {
	act, err := bergman.ParseActivation(c.HiddenAct)
	if err != nil {
		// Validate rejects unknown activations.
		panic(err)
	}
	return act
}

func (c *Config) problemType() ProblemType {
	if c.ProblemType != ProblemAuto {
		return c.ProblemType
	}
	if c.NumLabels == 1 {
		return ProblemRegression
	}
	return ProblemSingleLabel
}
