package anyrec

import (
	"fmt"
	"strconv"

	"github.com/Mehanik/bergman"
	"gopkg.in/yaml.v3"
)

// Config holds the hyperparameters of a recurrence block.
type Config struct {
	HiddenSize        int     `yaml:"hidden_size"`
	HiddenAct         string  `yaml:"hidden_act"`
	HiddenDropoutProb float64 `yaml:"hidden_dropout_prob"`
	InitializerRange  float64 `yaml:"initializer_range"`
	LayerNormEps      float64 `yaml:"layer_norm_eps"`
	IsDecoder         bool    `yaml:"is_decoder"`

	NumMatrixHeads      int        `yaml:"num_matrix_heads"`
	MatrixDim           int        `yaml:"matrix_dim"`
	MatrixNormAlg       NormChoice `yaml:"matrix_norm_alg"`
	MatrixNormEps       float64    `yaml:"matrix_norm_eps"`
	VectorInitDirection VectorInit `yaml:"vector_init_direction"`
	NormVectors         bool       `yaml:"norm_vectors"`
	VectorNormEps       float64    `yaml:"vector_norm_eps"`
	UseForContext       []View     `yaml:"use_for_context"`
	NetworksForHeads    HeadMixing `yaml:"networks_for_heads"`

	ComplexMatrix       bool          `yaml:"complex_matrix"`
	ComplexOutput       ComplexOutput `yaml:"complex_output"`
	RLLRMatrixDifferent bool          `yaml:"rl_lr_matrix_different"`

	MatrixEncoderTwoLayers  bool   `yaml:"matrix_encoder_two_layers"`
	MatrixEncoderActivation string `yaml:"matrix_encoder_activation"`
	MatrixEncoderHiddenSize int    `yaml:"matrix_encoder_hidden_size"`
	MatrixEncoderVersion    int    `yaml:"matrix_encoder_version"`
	MatrixEncoderV2SoftDiff bool   `yaml:"matrix_encoder_v2_softdiff"`

	MatrixNormLossType     LossType `yaml:"matrix_norm_loss_type"`
	MatrixNormLossAxis     []int    `yaml:"matrix_norm_loss_axis"`
	MatrixNormLossK        float64  `yaml:"matrix_norm_loss_k"`
	MatrixUnitaryLoss      LossType `yaml:"matrix_unitary_loss"`
	MatrixUnitaryLossK     float64  `yaml:"matrix_unitary_loss_k"`
	MatrixNormPreheatSteps int      `yaml:"matrix_norm_preheat_steps"`
}

// DefaultConfig returns the default recurrence
// hyperparameters.
func DefaultConfig() Config {
	return Config{
		HiddenSize:        768,
		HiddenAct:         "gelu",
		HiddenDropoutProb: 0.1,
		InitializerRange:  0.02,
		LayerNormEps:      1e-12,

		NumMatrixHeads:      12,
		MatrixDim:           16,
		MatrixNormEps:       1e-6,
		VectorInitDirection: InitOne,
		VectorNormEps:       1e-6,
		UseForContext:       []View{ViewLR},
		NetworksForHeads:    MixNone,
		ComplexOutput:       ComplexConcat,

		MatrixEncoderActivation: "gelu",
		MatrixEncoderHiddenSize: 768,
		MatrixEncoderVersion:    1,

		MatrixNormLossAxis: []int{-1},
		MatrixNormLossK:    1,
		MatrixUnitaryLossK: 1,
	}
}

// Validate performs every check that can be done before
// the first forward pass.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"hidden_size", c.HiddenSize},
		{"num_matrix_heads", c.NumMatrixHeads},
		{"matrix_dim", c.MatrixDim},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfig, p.name, p.value)
		}
	}
	if c.HiddenDropoutProb < 0 || c.HiddenDropoutProb >= 1 {
		return fmt.Errorf("%w: hidden_dropout_prob must be in [0, 1)", ErrConfig)
	}
	if _, err := bergman.ParseActivation(c.HiddenAct); err != nil {
		return fmt.Errorf("%w: hidden_act: %v", ErrConfig, err)
	}
	if len(c.UseForContext) == 0 {
		return fmt.Errorf("%w: use_for_context is empty", ErrConfig)
	}
	for _, v := range c.UseForContext {
		if err := v.validate(); err != nil {
			return err
		}
	}
	if err := c.VectorInitDirection.validate(); err != nil {
		return err
	}
	if err := c.NetworksForHeads.validate(); err != nil {
		return err
	}
	splitsHidden := c.NetworksForHeads == MixNone || c.NetworksForHeads == MixSeparate
	if splitsHidden && c.HiddenSize%c.NumMatrixHeads != 0 {
		return fmt.Errorf("%w: hidden size (%d) is not a multiple of the number of matrix heads (%d)",
			ErrConfig, c.HiddenSize, c.NumMatrixHeads)
	}
	if c.ComplexMatrix {
		if err := c.ComplexOutput.validate(); err != nil {
			return err
		}
	}
	switch c.MatrixEncoderVersion {
	case 1:
		if c.MatrixEncoderTwoLayers {
			if _, err := encoderActivation(c.MatrixEncoderActivation); err != nil {
				return err
			}
			if c.MatrixEncoderHiddenSize <= 0 {
				return fmt.Errorf("%w: matrix_encoder_hidden_size must be positive", ErrConfig)
			}
		}
	case 2:
		if c.MatrixEncoderHiddenSize <= 0 {
			return fmt.Errorf("%w: matrix_encoder_hidden_size must be positive", ErrConfig)
		}
		if !isNoNorm(c.MatrixNormAlg.Alg) {
			return fmt.Errorf("%w: matrix encoder v2 does not support %s normalization",
				ErrConfig, c.MatrixNormAlg.Alg)
		}
	default:
		return fmt.Errorf("%w: unknown matrix_encoder_version %d", ErrConfig,
			c.MatrixEncoderVersion)
	}
	for _, lt := range []LossType{c.MatrixNormLossType, c.MatrixUnitaryLoss} {
		if err := lt.validate(); err != nil {
			return err
		}
	}
	if c.MatrixNormLossType == LossCrossEntropy {
		return fmt.Errorf("%w: matrix_norm_loss_type %s", ErrConfig, c.MatrixNormLossType)
	}
	for _, axis := range c.MatrixNormLossAxis {
		if axis != -1 && axis != -2 {
			return fmt.Errorf("%w: matrix_norm_loss_axis %d", ErrConfig, axis)
		}
	}
	if c.MatrixNormPreheatSteps < 0 {
		return fmt.Errorf("%w: matrix_norm_preheat_steps must not be negative", ErrConfig)
	}
	return nil
}

// ContextWidth returns the number of features assembled
// for each head at each position.
func (c *Config) ContextWidth() int {
	width := c.MatrixDim * len(c.UseForContext)
	if c.ComplexMatrix && c.ComplexOutput == ComplexConcat {
		width *= 2
	}
	return width
}

// OutputWidth returns the width of the assembled context
// after head mixing.
func (c *Config) OutputWidth() int {
	if c.NetworksForHeads == MixNone {
		return c.ContextWidth() * c.NumMatrixHeads
	}
	return c.HiddenSize
}

func encoderActivation(name string) (bergman.Activation, error) {
	switch name {
	case "gelu":
		return bergman.GELU, nil
	case "softmax":
		return bergman.Softmax, nil
	}
	return 0, fmt.Errorf("%w: matrix_encoder_activation %q", ErrConfig, name)
}

// A View names a context vector derived from propagated
// state histories.
type View string

const (
	ViewGlobal View = "global"
	ViewLR     View = "lr"
	ViewLRExcl View = "lr_excl"
	ViewRL     View = "rl"
	ViewRLExcl View = "rl_excl"
	ViewLocal  View = "local"
	ViewLocalL View = "local_l"
	ViewLocalR View = "local_r"
)

func (v View) validate() error {
	switch v {
	case ViewGlobal, ViewLR, ViewLRExcl, ViewRL, ViewRLExcl, ViewLocal, ViewLocalL, ViewLocalR:
		return nil
	}
	return fmt.Errorf("%w: context view %q", ErrConfig, string(v))
}

// UnmarshalYAML rejects unknown view names.
func (v *View) UnmarshalYAML(node *yaml.Node) error {
	return unmarshalEnum(node, (*string)(v), View.validate)
}

// HeadMixing selects how per-head context features are
// turned into hidden features.
type HeadMixing string

const (
	MixNone        HeadMixing = ""
	MixSeparate    HeadMixing = "separate"
	MixSeparateSum HeadMixing = "separate_sum"
	MixCommon      HeadMixing = "common"
)

func (h HeadMixing) validate() error {
	switch h {
	case MixNone, MixSeparate, MixSeparateSum, MixCommon:
		return nil
	}
	return fmt.Errorf("%w: networks_for_heads %q", ErrConfig, string(h))
}

// UnmarshalYAML rejects unknown mixing policies.
func (h *HeadMixing) UnmarshalYAML(node *yaml.Node) error {
	return unmarshalEnum(node, (*string)(h), HeadMixing.validate)
}

// VectorInit selects the initial state vector.
type VectorInit string

const (
	// InitOne starts from the first basis vector.
	InitOne VectorInit = "one"

	// InitAll starts from the unit vector with equal
	// components.
	InitAll VectorInit = "all"
)

func (v VectorInit) validate() error {
	switch v {
	case InitOne, InitAll:
		return nil
	}
	return fmt.Errorf("%w: vector_init_direction %q", ErrConfig, string(v))
}

// UnmarshalYAML rejects unknown init types.
func (v *VectorInit) UnmarshalYAML(node *yaml.Node) error {
	return unmarshalEnum(node, (*string)(v), VectorInit.validate)
}

// ComplexOutput selects how complex context vectors are
// turned into real features.
type ComplexOutput string

const (
	// ComplexAbs takes the modulus of every component.
	ComplexAbs ComplexOutput = "abs"

	// ComplexConcat interleaves real and imaginary parts,
	// doubling the feature width.
	ComplexConcat ComplexOutput = "concat"
)

func (c ComplexOutput) validate() error {
	switch c {
	case ComplexAbs, ComplexConcat:
		return nil
	}
	return fmt.Errorf("%w: complex_output %q", ErrConfig, string(c))
}

// UnmarshalYAML rejects unknown output policies.
func (c *ComplexOutput) UnmarshalYAML(node *yaml.Node) error {
	return unmarshalEnum(node, (*string)(c), ComplexOutput.validate)
}

// LossType selects an auxiliary loss formulation.
// The empty LossType disables the loss.
type LossType string

const (
	LossNone         LossType = ""
	LossMSE          LossType = "MSE"
	LossCrossEntropy LossType = "CrossEntropy"
)

func (l LossType) validate() error {
	switch l {
	case LossNone, LossMSE, LossCrossEntropy:
		return nil
	}
	return fmt.Errorf("%w: loss type %q", ErrConfig, string(l))
}

// UnmarshalYAML rejects unknown loss types.
func (l *LossType) UnmarshalYAML(node *yaml.Node) error {
	return unmarshalEnum(node, (*string)(l), LossType.validate)
}

func unmarshalEnum[T ~string](node *yaml.Node, dst *string, check func(T) error) error {
	if node.Tag == "!!null" {
		*dst = ""
		return check(T(""))
	}
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: expected a string", ErrConfig, node.Line)
	}
	if err := check(T(node.Value)); err != nil {
		return err
	}
	*dst = node.Value
	return nil
}

// NormChoice wraps a NormAlg for YAML decoding.
//
// The accepted forms are null, -1, -2, [-1, -2], det and
// ortho.
type NormChoice struct {
	Alg NormAlg
}

// UnmarshalYAML decodes a normalization algorithm.
func (n *NormChoice) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			n.Alg = NoNorm{}
			return nil
		}
		switch node.Value {
		case "det":
			n.Alg = DetNorm{}
			return nil
		case "ortho":
			n.Alg = OrthoNorm{}
			return nil
		}
		axis, err := strconv.Atoi(node.Value)
		if err != nil || (axis != -1 && axis != -2) {
			return fmt.Errorf("%w: line %d: matrix_norm_alg %q", ErrConfig, node.Line, node.Value)
		}
		n.Alg = AxisNorm{Axis: axis}
		return nil
	case yaml.SequenceNode:
		var axes []int
		if err := node.Decode(&axes); err != nil {
			return fmt.Errorf("%w: line %d: matrix_norm_alg: %v", ErrConfig, node.Line, err)
		}
		if len(axes) != 2 {
			return fmt.Errorf("%w: line %d: matrix_norm_alg needs two axes", ErrConfig, node.Line)
		}
		alg := FrobeniusNorm{Axes: [2]int{axes[0], axes[1]}}
		if err := alg.check(); err != nil {
			return err
		}
		n.Alg = alg
		return nil
	}
	return fmt.Errorf("%w: line %d: matrix_norm_alg", ErrConfig, node.Line)
}

// MarshalYAML encodes the algorithm in the form accepted
// by UnmarshalYAML.
func (n NormChoice) MarshalYAML() (interface{}, error) {
	switch alg := n.Alg.(type) {
	case nil, NoNorm:
		return nil, nil
	case AxisNorm:
		return alg.Axis, nil
	case FrobeniusNorm:
		return []int{alg.Axes[0], alg.Axes[1]}, nil
	case DetNorm:
		return "det", nil
	case OrthoNorm:
		return "ortho", nil
	}
	return nil, fmt.Errorf("%w: matrix_norm_alg %v", ErrConfig, n.Alg)
}
