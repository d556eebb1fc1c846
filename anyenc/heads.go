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

// Names of the task losses of the language model heads.
const (
	MetricMaskedLMLoss = "masked_lm_loss"
	MetricCausalLMLoss = "lm_loss"
)

// HeadOutput is the result of a task head.
type HeadOutput struct {
	// Loss has one component.
	// It is nil when no labels were given.
	Loss anydiff.Res

	// Logits is packed row-major; its rows depend on the
	// head.
	Logits anydiff.Res

	// Metrics holds the values of the loss terms.
	Metrics map[string]float64
}

// headModel creates the encoder of a task head, which has
// no pooling layer.
func headModel(c anyvec.Creator, cfg *Config, r *rand.Rand) (*Model, error) {
	cfgCopy := *cfg
	cfgCopy.AddPoolingLayer = false
	return NewModel(c, &cfgCopy, r)
}

// A MaskedLM predicts masked tokens.
//
// Its loss includes the auxiliary matrix terms configured
// in the recurrence config.
type MaskedLM struct {
	Model *Model

	// Transform computes LN(gelu(FC(h))).
	Transform bergman.Net
	Decoder   *bergman.FC

	AuxLoss *anyrec.AuxLoss
}

// NewMaskedLM creates a randomized MaskedLM.
func NewMaskedLM(c anyvec.Creator, cfg *Config, r *rand.Rand) (*MaskedLM, error) {
	model, err := headModel(c, cfg, r)
	if err != nil {
		return nil, fmt.Errorf("create masked LM: %w", err)
	}
	transform, decoder := newLMHead(c, cfg, r)
	return &MaskedLM{
		Model:     model,
		Transform: transform,
		Decoder:   decoder,
		AuxLoss:   anyrec.NewAuxLoss(&cfg.Config),
	}, nil
}

func newLMHead(c anyvec.Creator, cfg *Config, r *rand.Rand) (bergman.Net, *bergman.FC) {
	h, std := cfg.HiddenSize, cfg.InitializerRange
	transform := bergman.Net{
		bergman.NewFCInit(c, h, h, std, r),
		bergman.GELU,
		bergman.NewLayerNorm(c, h, cfg.LayerNormEps),
	}
	return transform, bergman.NewFCInit(c, h, cfg.VocabSize, std, r)
}

// Forward computes the logits of every position, packed as
// [batch, steps, vocab].
//
// If labels is non-nil, the loss is computed as well.
// Labels are indexed [batch][position]; negative labels
// are ignored.
// The step is the number of optimizer steps taken so far,
// which drives the preheat schedule.
func (m *MaskedLM) Forward(in *Input, labels [][]int, step int) (*HeadOutput, error) {
	vocab := m.Model.Config.VocabSize
	needMatrices := labels != nil && m.AuxLoss.NeedsMatrices()
	inCopy := *in
	inCopy.OutputMatrices = in.OutputMatrices || needMatrices
	out, err := m.Model.Forward(&inCopy)
	if err != nil {
		return nil, fmt.Errorf("masked LM: %w", err)
	}
	rows := out.Batch * out.Steps
	if labels == nil {
		logits := out.Use(func(o *Output) anydiff.Res {
			return m.Decoder.Apply(m.Transform.Apply(o.LastHidden, rows), rows)
		})
		return &HeadOutput{Logits: logits}, nil
	}
	flat, err := flattenLabels("labels", labels, out.Batch, out.Steps, vocab)
	if err != nil {
		return nil, fmt.Errorf("masked LM: %w", err)
	}

	var lossErr error
	var metrics map[string]float64
	bundle := out.Use(func(o *Output) anydiff.Res {
		logits := m.Decoder.Apply(m.Transform.Apply(o.LastHidden, rows), rows)
		return anydiff.Pool(logits, func(logits anydiff.Res) anydiff.Res {
			task := bergman.MeanCrossEntropy(logits, flat, vocab)
			var matrices []*anyrec.Matrices
			if needMatrices {
				matrices = o.AllMatrices()
			}
			terms, err := m.AuxLoss.Combine(task, matrices, in.Mask, step)
			if err != nil {
				lossErr = err
				return logits
			}
			metrics = terms.Metrics(MetricMaskedLMLoss)
			return anydiff.Concat(terms.Total, logits)
		})
	})
	if lossErr != nil {
		return nil, fmt.Errorf("masked LM: %w", lossErr)
	}
	n := bundle.Output().Len()
	return &HeadOutput{
		Loss:    anydiff.Slice(bundle, 0, 1),
		Logits:  anydiff.Slice(bundle, 1, n),
		Metrics: metrics,
	}, nil
}

// Parameters returns every learnable parameter.
func (m *MaskedLM) Parameters() []*anydiff.Var {
	return bergman.AllParameters(m.Model, m.Transform, m.Decoder)
}

// SetTraining enables or disables dropout.
func (m *MaskedLM) SetTraining(t bool) {
	m.Model.SetTraining(t)
}

// A CausalLM predicts every token from the tokens before
// it.
// It has the same decoder as a MaskedLM but no auxiliary
// matrix terms.
//
// The encoder only looks left when its config sets
// IsDecoder.
type CausalLM struct {
	Model *Model

	Transform bergman.Net
	Decoder   *bergman.FC
}

// NewCausalLM creates a randomized CausalLM.
func NewCausalLM(c anyvec.Creator, cfg *Config, r *rand.Rand) (*CausalLM, error) {
	model, err := headModel(c, cfg, r)
	if err != nil {
		return nil, fmt.Errorf("create causal LM: %w", err)
	}
	transform, decoder := newLMHead(c, cfg, r)
	return &CausalLM{Model: model, Transform: transform, Decoder: decoder}, nil
}

// Forward computes the logits of every position, packed as
// [batch, steps, vocab].
//
// If labels is non-nil, the loss is the cross-entropy of
// the logits at position t against the label at position
// t+1, so the last logits and the first label of every
// row are unused.
// Negative labels are ignored.
func (l *CausalLM) Forward(in *Input, labels [][]int) (*HeadOutput, error) {
	vocab := l.Model.Config.VocabSize
	out, err := l.Model.Forward(in)
	if err != nil {
		return nil, fmt.Errorf("causal LM: %w", err)
	}
	rows := out.Batch * out.Steps
	var shifted []int
	if labels != nil {
		flat, err := flattenLabels("labels", labels, out.Batch, out.Steps, vocab)
		if err != nil {
			return nil, fmt.Errorf("causal LM: %w", err)
		}
		shifted = shiftLabels(flat, out.Steps)
	}
	bundle := out.Use(func(o *Output) anydiff.Res {
		logits := l.Decoder.Apply(l.Transform.Apply(o.LastHidden, rows), rows)
		if labels == nil {
			return logits
		}
		return anydiff.Pool(logits, func(logits anydiff.Res) anydiff.Res {
			return anydiff.Concat(bergman.MeanCrossEntropy(logits, shifted, vocab), logits)
		})
	})
	if labels == nil {
		return &HeadOutput{Logits: bundle}, nil
	}
	return splitLoss(bundle, MetricCausalLMLoss), nil
}

// Parameters returns every learnable parameter.
func (l *CausalLM) Parameters() []*anydiff.Var {
	return bergman.AllParameters(l.Model, l.Transform, l.Decoder)
}

// SetTraining enables or disables dropout.
func (l *CausalLM) SetTraining(t bool) {
	l.Model.SetTraining(t)
}

// shiftLabels moves every row of packed labels one
// position to the left, ignoring the last position.
func shiftLabels(labels []int, steps int) []int {
	res := make([]int, len(labels))
	for i := range res {
		if (i+1)%steps == 0 {
			res[i] = -1
		} else {
			res[i] = labels[i+1]
		}
	}
	return res
}

// SequenceLabels are the targets of a SequenceClassifier.
type SequenceLabels struct {
	// Classes holds one class per sequence, for
	// single-label classification.
	Classes []int

	// Targets holds NumLabels values per sequence, for
	// regression and multi-label classification.
	Targets [][]float64
}

// A SequenceClassifier classifies or scores whole
// sequences from their first and last hidden states.
type SequenceClassifier struct {
	Model *Model

	Dropout *bergman.Dropout
	Dense   *bergman.FC
	OutProj *bergman.FC

	NumLabels   int
	ProblemType ProblemType
}

// NewSequenceClassifier creates a randomized
// SequenceClassifier.
func NewSequenceClassifier(c anyvec.Creator, cfg *Config, r *rand.Rand) (*SequenceClassifier, error) {
	model, err := headModel(c, cfg, r)
	if err != nil {
		return nil, fmt.Errorf("create sequence classifier: %w", err)
	}
	dropout := bergman.NewDropout(cfg.classifierDropout())
	dropout.Rand = r
	h, std := cfg.HiddenSize, cfg.InitializerRange
	return &SequenceClassifier{
		Model:       model,
		Dropout:     dropout,
		Dense:       bergman.NewFCInit(c, 2*h, h, std, r),
		OutProj:     bergman.NewFCInit(c, h, cfg.NumLabels, std, r),
		NumLabels:   cfg.NumLabels,
		ProblemType: cfg.problemType(),
	}, nil
}

// Forward computes the logits of every sequence, packed
// as [batch, NumLabels], and the loss if labels is
// non-nil.
func (s *SequenceClassifier) Forward(in *Input, labels *SequenceLabels) (*HeadOutput, error) {
	out, err := s.Model.Forward(in)
	if err != nil {
		return nil, fmt.Errorf("sequence classifier: %w", err)
	}
	batch, steps := out.Batch, out.Steps
	var target anydiff.Res
	if labels != nil {
		target, err = s.target(s.Model.creator(), labels, batch)
		if err != nil {
			return nil, fmt.Errorf("sequence classifier: %w", err)
		}
	}
	bundle := out.Use(func(o *Output) anydiff.Res {
		h := s.Model.Config.HiddenSize
		first := anymat.Gather(o.LastHidden, h, firstRows(batch, steps))
		last := anymat.Gather(o.LastHidden, h, lastRows(batch, steps))
		x := s.Dropout.Apply(bergman.ConcatMixer{}.Mix(first, last, batch), batch)
		x = s.Dropout.Apply(bergman.Tanh.Apply(s.Dense.Apply(x, batch), batch), batch)
		logits := s.OutProj.Apply(x, batch)
		if labels == nil {
			return logits
		}
		return anydiff.Pool(logits, func(logits anydiff.Res) anydiff.Res {
			return anydiff.Concat(s.loss(logits, target, labels, batch), logits)
		})
	})
	if labels == nil {
		return &HeadOutput{Logits: bundle}, nil
	}
	return splitLoss(bundle, "sequence_classification_loss"), nil
}

func (s *SequenceClassifier) target(c anyvec.Creator, labels *SequenceLabels,
	batch int) (anydiff.Res, error) {
	if s.ProblemType == ProblemSingleLabel {
		if len(labels.Classes) != batch {
			return nil, fmt.Errorf("%w: %d classes for %d sequences", anyrec.ErrShape,
				len(labels.Classes), batch)
		}
		for _, class := range labels.Classes {
			if class >= s.NumLabels {
				return nil, fmt.Errorf("%w: class %d with %d labels", anyrec.ErrShape, class,
					s.NumLabels)
			}
		}
		return nil, nil
	}
	if len(labels.Targets) != batch {
		return nil, fmt.Errorf("%w: %d targets for %d sequences", anyrec.ErrShape,
			len(labels.Targets), batch)
	}
	var flat []float64
	for i, row := range labels.Targets {
		if len(row) != s.NumLabels {
			return nil, fmt.Errorf("%w: target %d has %d values, expected %d", anyrec.ErrShape,
				i, len(row), s.NumLabels)
		}
		flat = append(flat, row...)
	}
	return anymat.Constant(c, flat), nil
}

func (s *SequenceClassifier) loss(logits, target anydiff.Res, labels *SequenceLabels,
	batch int) anydiff.Res {
	c := logits.Output().Creator()
	var costs anydiff.Res
	switch s.ProblemType {
	case ProblemSingleLabel:
		return bergman.MeanCrossEntropy(logits, labels.Classes, s.NumLabels)
	case ProblemRegression:
		costs = bergman.MSE{}.Cost(target, logits, batch)
	default:
		costs = bergman.SigmoidCE{Average: true}.Cost(target, logits, batch)
	}
	return anydiff.Scale(anydiff.Sum(costs), c.MakeNumeric(1/float64(batch)))
}

// Parameters returns every learnable parameter.
func (s *SequenceClassifier) Parameters() []*anydiff.Var {
	return bergman.AllParameters(s.Model, s.Dense, s.OutProj)
}

// SetTraining enables or disables dropout.
func (s *SequenceClassifier) SetTraining(t bool) {
	s.Model.SetTraining(t)
	s.Dropout.Enabled = t
}

// A TokenClassifier assigns a class to every position.
type TokenClassifier struct {
	Model *Model

	Dropout    *bergman.Dropout
	Classifier *bergman.FC

	NumLabels int
}

// NewTokenClassifier creates a randomized
// TokenClassifier.
func NewTokenClassifier(c anyvec.Creator, cfg *Config, r *rand.Rand) (*TokenClassifier, error) {
	model, err := headModel(c, cfg, r)
	if err != nil {
		return nil, fmt.Errorf("create token classifier: %w", err)
	}
	dropout := bergman.NewDropout(cfg.classifierDropout())
	dropout.Rand = r
	return &TokenClassifier{
		Model:      model,
		Dropout:    dropout,
		Classifier: bergman.NewFCInit(c, cfg.HiddenSize, cfg.NumLabels, cfg.InitializerRange, r),
		NumLabels:  cfg.NumLabels,
	}, nil
}

// Forward computes the logits of every position, packed
// as [batch, steps, NumLabels], and the loss if labels is
// non-nil.
// Negative labels are ignored.
func (t *TokenClassifier) Forward(in *Input, labels [][]int) (*HeadOutput, error) {
	out, err := t.Model.Forward(in)
	if err != nil {
		return nil, fmt.Errorf("token classifier: %w", err)
	}
	rows := out.Batch * out.Steps
	var flat []int
	if labels != nil {
		flat, err = flattenLabels("labels", labels, out.Batch, out.Steps, t.NumLabels)
		if err != nil {
			return nil, fmt.Errorf("token classifier: %w", err)
		}
	}
	bundle := out.Use(func(o *Output) anydiff.Res {
		logits := t.Classifier.Apply(t.Dropout.Apply(o.LastHidden, rows), rows)
		if labels == nil {
			return logits
		}
		return anydiff.Pool(logits, func(logits anydiff.Res) anydiff.Res {
			return anydiff.Concat(bergman.MeanCrossEntropy(logits, flat, t.NumLabels), logits)
		})
	})
	if labels == nil {
		return &HeadOutput{Logits: bundle}, nil
	}
	return splitLoss(bundle, "token_classification_loss"), nil
}

// Parameters returns every learnable parameter.
func (t *TokenClassifier) Parameters() []*anydiff.Var {
	return bergman.AllParameters(t.Model, t.Classifier)
}

// SetTraining enables or disables dropout.
func (t *TokenClassifier) SetTraining(training bool) {
	t.Model.SetTraining(training)
	t.Dropout.Enabled = training
}

// Spans are the answer positions of a batch, one per
// sequence.
type Spans struct {
	Start []int
	End   []int
}

// QAOutput is the result of a QuestionAnswering head.
type QAOutput struct {
	HeadOutput

	// StartLogits and EndLogits are packed as
	// [batch, steps].
	StartLogits anydiff.Res
	EndLogits   anydiff.Res
}

// QuestionAnswering predicts the start and the end of an
// answer span.
type QuestionAnswering struct {
	Model   *Model
	Outputs *bergman.FC
}

// NewQuestionAnswering creates a randomized
// QuestionAnswering head.
func NewQuestionAnswering(c anyvec.Creator, cfg *Config, r *rand.Rand) (*QuestionAnswering, error) {
	model, err := headModel(c, cfg, r)
	if err != nil {
		return nil, fmt.Errorf("create question answering: %w", err)
	}
	return &QuestionAnswering{
		Model:   model,
		Outputs: bergman.NewFCInit(c, cfg.HiddenSize, 2, cfg.InitializerRange, r),
	}, nil
}

// Forward computes the span logits, and the loss if spans
// is non-nil.
//
// Span positions are clamped to [0, steps]; a position
// equal to steps is ignored.
// The loss is the mean of the start and end losses.
func (q *QuestionAnswering) Forward(in *Input, spans *Spans) (*QAOutput, error) {
	out, err := q.Model.Forward(in)
	if err != nil {
		return nil, fmt.Errorf("question answering: %w", err)
	}
	batch, steps := out.Batch, out.Steps
	var start, end []int
	if spans != nil {
		if len(spans.Start) != batch || len(spans.End) != batch {
			return nil, fmt.Errorf("question answering: %w: %d start and %d end positions "+
				"for %d sequences", anyrec.ErrShape, len(spans.Start), len(spans.End), batch)
		}
		start = clampPositions(spans.Start, steps)
		end = clampPositions(spans.End, steps)
	}
	rows := batch * steps
	bundle := out.Use(func(o *Output) anydiff.Res {
		logits := q.Outputs.Apply(o.LastHidden, rows)
		return anydiff.Pool(logits, func(logits anydiff.Res) anydiff.Res {
			startLogits := anymat.Gather(logits, 1, columnIndices(rows, 2, 0))
			endLogits := anymat.Gather(logits, 1, columnIndices(rows, 2, 1))
			if spans == nil {
				return anydiff.Concat(startLogits, endLogits)
			}
			return anydiff.Pool(startLogits, func(startLogits anydiff.Res) anydiff.Res {
				return anydiff.Pool(endLogits, func(endLogits anydiff.Res) anydiff.Res {
					loss := anydiff.Scale(anydiff.Add(
						bergman.MeanCrossEntropy(startLogits, start, steps),
						bergman.MeanCrossEntropy(endLogits, end, steps),
					), logits.Output().Creator().MakeNumeric(0.5))
					return anydiff.Concat(loss, startLogits, endLogits)
				})
			})
		})
	})
	var res QAOutput
	offset := 0
	if spans != nil {
		res.Loss = anydiff.Slice(bundle, 0, 1)
		res.Metrics = map[string]float64{
			"question_answering_loss": anymat.Float64s(res.Loss.Output())[0],
		}
		offset = 1
	}
	res.StartLogits = anydiff.Slice(bundle, offset, offset+rows)
	res.EndLogits = anydiff.Slice(bundle, offset+rows, offset+2*rows)
	res.Logits = anydiff.Slice(bundle, offset, offset+2*rows)
	return &res, nil
}

// Parameters returns every learnable parameter.
func (q *QuestionAnswering) Parameters() []*anydiff.Var {
	return bergman.AllParameters(q.Model, q.Outputs)
}

// SetTraining enables or disables dropout.
func (q *QuestionAnswering) SetTraining(t bool) {
	q.Model.SetTraining(t)
}

func flattenLabels(name string, labels [][]int, batch, steps, classes int) ([]int, error) {
	if err := checkSize(name, labels, batch, steps); err != nil {
		return nil, err
	}
	res := make([]int, 0, batch*steps)
	for _, row := range labels {
		for _, label := range row {
			if label >= classes {
				return nil, fmt.Errorf("%w: %s contain %d with %d classes", anyrec.ErrShape,
					name, label, classes)
			}
			res = append(res, label)
		}
	}
	return res, nil
}

func clampPositions(positions []int, steps int) []int {
	res := make([]int, len(positions))
	for i, p := range positions {
		if p < 0 {
			p = 0
		} else if p > steps {
			p = steps
		}
		res[i] = p
	}
	return res
}

func columnIndices(rows, cols, col int) []int {
	res := make([]int, rows)
	for i := range res {
		res[i] = i*cols + col
	}
	return res
}

func splitLoss(bundle anydiff.Res, metric string) *HeadOutput {
	loss := anydiff.Slice(bundle, 0, 1)
	return &HeadOutput{
		Loss:    loss,
		Logits:  anydiff.Slice(bundle, 1, bundle.Output().Len()),
		Metrics: map[string]float64{metric: anymat.Float64s(loss.Output())[0]},
	}
}
