// Command mlm trains a small masked language model on
// synthetic token sequences.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"

	"github.com/Mehanik/bergman/anyenc"
	"github.com/Mehanik/bergman/anyrec"
	"github.com/Mehanik/bergman/anysgd"
	"github.com/unixpickle/anyvec/anyvec64"
)

func main() {
	var configPath string
	var optimizer string
	var statePath string
	var numSamples int
	var seqLen int
	var batchSize int
	var steps int
	var stepSize float64
	var seed int64
	flag.StringVar(&configPath, "config", "", "YAML model config (optional)")
	flag.StringVar(&optimizer, "optimizer", "adam", "optimizer (adam, momentum or rmsprop)")
	flag.StringVar(&statePath, "state", "", "file to save the optimizer state to (optional)")
	flag.IntVar(&numSamples, "samples", 512, "number of synthetic sequences")
	flag.IntVar(&seqLen, "seqlen", 24, "maximum sequence length")
	flag.IntVar(&batchSize, "batch", 16, "mini-batch size")
	flag.IntVar(&steps, "steps", 500, "number of training steps")
	flag.Float64Var(&stepSize, "step", 0.001, "SGD step size")
	flag.Int64Var(&seed, "seed", 1337, "random seed")
	flag.Parse()

	cfg := smallConfig()
	if configPath != "" {
		var err error
		cfg, err = anyenc.LoadConfig(configPath)
		if err != nil {
			log.Fatal(err)
		}
	}
	log.Printf("Creating %s model with %d layers...", cfg.Variant, cfg.NumHiddenLayers)

	r := rand.New(rand.NewSource(seed))
	lm, err := anyenc.NewMaskedLM(anyvec64.DefaultCreator{}, cfg, r)
	if err != nil {
		log.Fatal(err)
	}
	lm.SetTraining(true)

	t := &anyenc.Trainer{LM: lm, Params: lm.Parameters()}
	transformer := makeOptimizer(optimizer, t)

	samples := syntheticSamples(r, cfg, numSamples, seqLen)
	validation, training := anysgd.HashSplit(samples, 0.1)
	log.Printf("Using %d training and %d validation sequences.", training.Len(), validation.Len())

	done := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		<-c
		signal.Stop(c)
		log.Println("Stopping after this step...")
		close(done)
	}()

	var closed bool
	s := &anysgd.SGD{
		Fetcher:     t,
		Gradienter:  t,
		Transformer: transformer,
		Samples:     training,
		Rater:       anysgd.ConstRater(stepSize),
		BatchSize:   batchSize,
		StatusFunc: func(b anysgd.Batch) {
			if t.Step > 0 && t.Step%10 == 0 {
				log.Printf("step %d: cost=%f validation=%f mlm=%f norm=%f unitary=%f",
					t.Step, t.LastCost, validationCost(t, validation),
					t.LastMetrics[anyenc.MetricMaskedLMLoss],
					t.LastMetrics[anyrec.MetricNormLoss], t.LastMetrics[anyrec.MetricUnitaryLoss])
			}
			if t.Step >= steps && !closed {
				closed = true
				close(done)
			}
		},
	}

	log.Println("Training (press ctrl+c to stop early)...")
	if err := s.Run(anysgd.ChanStopper(done)); err != nil {
		log.Fatal(err)
	}

	if statePath != "" {
		data, err := transformer.MarshalBinary()
		if err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(statePath, data, 0644); err != nil {
			log.Fatal(err)
		}
		log.Println("Saved optimizer state to", statePath)
	}
}

func smallConfig() *anyenc.Config {
	cfg := anyenc.DefaultConfig()
	cfg.VocabSize = 64
	cfg.HiddenSize = 32
	cfg.NumHiddenLayers = 2
	cfg.IntermediateSize = 64
	cfg.MaxPositionEmbeddings = 64
	cfg.NumMatrixHeads = 4
	cfg.MatrixDim = 4
	cfg.MatrixEncoderHiddenSize = 32
	cfg.MatrixNormLossType = anyrec.LossMSE
	cfg.MatrixNormPreheatSteps = 20
	cfg.InputConvnetFilterSize = 3
	return cfg
}

func makeOptimizer(name string, t *anyenc.Trainer) anysgd.TransformMarshaler {
	switch name {
	case "adam":
		return &anysgd.Adam{Vars: t.Params}
	case "momentum":
		return &anysgd.Momentum{Momentum: 0.9, Vars: t.Params}
	case "rmsprop":
		return &anysgd.RMSProp{Vars: t.Params}
	}
	log.Fatalf("unknown optimizer: %s", name)
	return nil
}

// validationCost computes the cost of the validation
// samples with dropout disabled.
func validationCost(t *anyenc.Trainer, samples anysgd.SampleList) float64 {
	if samples.Len() == 0 {
		return 0
	}
	b, err := t.Fetch(samples)
	if err != nil {
		log.Fatal(err)
	}
	t.LM.SetTraining(false)
	defer t.LM.SetTraining(true)
	metrics := t.LastMetrics
	cost := t.TotalCost(b).Output().Data().([]float64)[0]
	t.LastMetrics = metrics
	return cost
}

// syntheticSamples creates sequences that count upward
// from a random start with a random stride, masking about
// 15% of the tokens with the last vocabulary entry.
func syntheticSamples(r *rand.Rand, cfg *anyenc.Config, count, maxLen int) anyenc.SliceSampleList {
	maskID := cfg.VocabSize - 1
	first := cfg.EOSTokenID + 1
	numWords := maskID - first
	if maxLen > cfg.MaxPositionEmbeddings-cfg.PadTokenID-2 {
		maxLen = cfg.MaxPositionEmbeddings - cfg.PadTokenID - 2
	}
	var res anyenc.SliceSampleList
	for i := 0; i < count; i++ {
		length := maxLen/2 + r.Intn(maxLen/2+1)
		start, stride := r.Intn(numWords), 1+r.Intn(3)
		sample := &anyenc.Sample{
			TokenIDs: []int{cfg.BOSTokenID},
			Labels:   []int{anyenc.IgnoreLabel},
		}
		for j := 1; j < length-1; j++ {
			id := first + (start+j*stride)%numWords
			if r.Float64() < 0.15 {
				sample.TokenIDs = append(sample.TokenIDs, maskID)
				sample.Labels = append(sample.Labels, id)
			} else {
				sample.TokenIDs = append(sample.TokenIDs, id)
				sample.Labels = append(sample.Labels, anyenc.IgnoreLabel)
			}
		}
		sample.TokenIDs = append(sample.TokenIDs, cfg.EOSTokenID)
		sample.Labels = append(sample.Labels, anyenc.IgnoreLabel)
		res = append(res, sample)
	}
	return res
}
