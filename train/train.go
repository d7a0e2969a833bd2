// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs the detection training loop: prebias warmup epochs,
// cosine learning-rate schedule, optional multi-scale resizing, per-epoch
// evaluation with best-fitness tracking, and checkpointing.
//
// Dataset loading/augmentation and mAP computation stay outside: the loop
// consumes a Source of ready image batches and an Evaluator.
package train

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	gomlxtrain "github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/darknet"
	"github.com/gomlx/darknet/losses"
)

// Hyp bundles the loss hyperparameters with the optimizer schedule.
type Hyp struct {
	losses.Hyp

	// LR0 is the initial learning rate; the cosine schedule decays it to
	// 5% over the run.
	LR0 float64

	// Momentum maps to the optimizer's first-moment coefficient.
	Momentum float64

	WeightDecay float64
}

// DefaultHyp returns the stock training hyperparameters.
func DefaultHyp() *Hyp {
	return &Hyp{
		Hyp:         *losses.Default(),
		LR0:         0.01,
		Momentum:    0.937,
		WeightDecay: 0.000484,
	}
}

// Prebias warmup settings: the first PrebiasEpochs run with a high learning
// rate and objectness targets fixed at 1 (GR=0), settling the detection-head
// biases before normal training.
const (
	PrebiasEpochs   = 3
	prebiasLR       = 0.1
	prebiasMomentum = 0.9
)

// Results of one evaluation pass.
type Results struct {
	Precision, Recall, MAP, F1 float64

	// ClassMAP is the per-class mAP, indexed by class id. Optional.
	ClassMAP []float64

	// Validation loss components.
	ValGIoU, ValObjectness, ValClassification float64
}

// Fitness is the scalar used to rank epochs: a weighted combination of
// precision, recall, mAP and F1, dominated by mAP.
func Fitness(r Results) float64 {
	return 0.0*r.Precision + 0.01*r.Recall + 0.99*r.MAP + 0.0*r.F1
}

// Evaluator measures detection quality on a validation set. It is an
// external collaborator; implementations typically run Model.ForwardInference
// plus darknet.NonMaxSuppression over their own data and match against ground
// truth.
type Evaluator interface {
	Evaluate(ctx *context.Context, model *darknet.Model) (Results, error)
}

// Config of one training run.
type Config struct {
	Backend backends.Backend
	Context *context.Context
	Model   *darknet.Model

	// Hyp defaults to DefaultHyp when nil.
	Hyp *Hyp

	// Source provides training batches; an epoch ends at io.EOF.
	Source Source

	// Evaluator is optional; without it best results stay zero.
	Evaluator Evaluator

	// Checkpoint is optional. When set, it is saved after every epoch with
	// the current epoch, best fitness and results log as context params.
	Checkpoint *checkpoints.Handler

	Epochs    int
	ImageSize int

	// MultiScale resizes batches to a random 32-multiple between 67% and
	// 150% of ImageSize, every Accumulate batches.
	MultiScale bool
	Accumulate int
}

// Context params saved with checkpoints.
const (
	ParamEpoch           = "epoch"
	ParamBestFitness     = "best_fitness"
	ParamTrainingResults = "training_results"
)

// Train runs the full training loop and returns the best evaluation results.
// A non-finite total loss aborts the run: the best results so far are
// returned together with the error.
//
// Resuming: when Config.Context was restored from a checkpoint, training
// continues after the saved epoch, skipping prebias.
func Train(cfg *Config) (Results, error) {
	var best Results
	if cfg.Backend == nil || cfg.Context == nil || cfg.Model == nil || cfg.Source == nil {
		return best, errors.New("train.Config needs Backend, Context, Model and Source")
	}
	if cfg.Epochs <= 0 || cfg.ImageSize <= 0 {
		return best, errors.Errorf("train.Config needs Epochs > 0 and ImageSize > 0, got %d and %d", cfg.Epochs, cfg.ImageSize)
	}
	hyp := cfg.Hyp
	if hyp == nil {
		hyp = DefaultHyp()
	}
	ctx := cfg.Context
	model := cfg.Model

	// A single throwaway forward pass caches the heads' grid geometry,
	// which target building needs.
	if err := warmup(cfg); err != nil {
		return best, err
	}

	ctx.SetParam(optimizers.ParamAdamWeightDecay, hyp.WeightDecay)
	ds := newDataset(cfg, hyp)

	// The objectness-target blending ratio is baked into each phase's loss
	// graph, so prebias and normal training get separate trainers.
	prebiasHyp := hyp.Hyp
	prebiasHyp.GR = 0
	newTrainer := func(loss *losses.Hyp) *gomlxtrain.Trainer {
		return gomlxtrain.NewTrainer(cfg.Backend, ctx, model.ModelFn,
			loss.LossFn(model.Heads()),
			optimizers.FromContext(ctx),
			nil, nil)
	}

	startEpoch := context.GetParamOr(ctx, ParamEpoch, -1) + 1
	bestFitness := context.GetParamOr(ctx, ParamBestFitness, 0.0)
	resultsLog := context.GetParamOr(ctx, ParamTrainingResults, "")
	prebias := startEpoch == 0

	var trainer *gomlxtrain.Trainer
	start := time.Now()
	for epoch := startEpoch; epoch < cfg.Epochs; epoch++ {
		if prebias && epoch < PrebiasEpochs {
			ctx.SetParam(optimizers.ParamAdamBeta1, prebiasMomentum)
			setLearningRate(ctx, prebiasLR)
			if trainer == nil {
				trainer = newTrainer(&prebiasHyp)
			}
		} else {
			if prebias || trainer == nil {
				prebias = false
				ctx.SetParam(optimizers.ParamAdamBeta1, hyp.Momentum)
				trainer = newTrainer(&hyp.Hyp)
			}
			setLearningRate(ctx, cosineLR(hyp.LR0, epoch, cfg.Epochs))
		}

		meanLoss, err := runEpoch(trainer, ds, epoch, cfg.Epochs)
		if err != nil {
			return best, err
		}
		if math.IsNaN(meanLoss) || math.IsInf(meanLoss, 0) {
			klog.Warningf("non-finite loss at epoch %d, ending training", epoch)
			return best, errors.Errorf("non-finite loss %v at epoch %d", meanLoss, epoch)
		}

		results := best
		if cfg.Evaluator != nil {
			results, err = cfg.Evaluator.Evaluate(ctx, model)
			if err != nil {
				return best, errors.WithMessagef(err, "evaluating after epoch %d", epoch)
			}
			if fit := Fitness(results); fit > bestFitness {
				bestFitness, best = fit, results
			}
		}
		resultsLog += fmt.Sprintf("%d %.5g %.5g %.5g %.5g %.5g\n",
			epoch, meanLoss, results.Precision, results.Recall, results.MAP, results.F1)
		klog.Infof("epoch %d/%d: loss=%.4g P=%.4g R=%.4g mAP=%.4g F1=%.4g (best fitness %.4g)",
			epoch, cfg.Epochs-1, meanLoss, results.Precision, results.Recall, results.MAP, results.F1, bestFitness)

		ctx.SetParam(ParamEpoch, epoch)
		ctx.SetParam(ParamBestFitness, bestFitness)
		ctx.SetParam(ParamTrainingResults, resultsLog)
		if cfg.Checkpoint != nil {
			if err := cfg.Checkpoint.Save(); err != nil {
				return best, errors.WithMessagef(err, "saving checkpoint after epoch %d", epoch)
			}
		}
	}
	klog.Infof("%d epochs completed in %s", cfg.Epochs-startEpoch, time.Since(start).Round(time.Second))
	return best, nil
}

// runEpoch drives one pass over the dataset, returning the mean total loss.
func runEpoch(trainer *gomlxtrain.Trainer, ds gomlxtrain.Dataset, epoch, epochs int) (float64, error) {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch, epochs-1)),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"))
	defer func() { _ = bar.Finish() }()

	ds.Reset()
	meanLoss, steps := 0.0, 0
	for {
		spec, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return meanLoss, errors.WithMessagef(err, "reading batch at epoch %d", epoch)
		}
		metrics, err := trainer.TrainStep(spec, inputs, labels)
		if err != nil {
			return meanLoss, errors.WithMessagef(err, "train step at epoch %d", epoch)
		}
		// The trainer's first metric is the batch loss.
		loss := float64(tensors.ToScalar[float32](metrics[0]))
		steps++
		meanLoss += (loss - meanLoss) / float64(steps)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return math.NaN(), nil
		}
		_ = bar.Add(1)
		bar.Describe(fmt.Sprintf("epoch %d/%d loss=%.4g", epoch, epochs-1, meanLoss))
	}
	if steps == 0 {
		return meanLoss, errors.Errorf("dataset yielded no batches at epoch %d", epoch)
	}
	return meanLoss, nil
}

// cosineLR is the epoch learning rate: cosine decay from lr0 to 5% of lr0.
func cosineLR(lr0 float64, epoch, epochs int) float64 {
	return lr0 * ((1+math.Cos(float64(epoch)*math.Pi/float64(epochs)))/2*0.95 + 0.05)
}

// setLearningRate overwrites the optimizer's learning-rate variable, which
// the compiled train step reads every step.
func setLearningRate(ctx *context.Context, lr float64) {
	ctx.SetParam(optimizers.ParamLearningRate, lr)
	v := optimizers.LearningRateVar(ctx, dtypes.Float32, lr)
	v.MustSetValue(tensors.FromScalar(float32(lr)))
}

// warmup runs one forward pass on a zero image so every detection head
// caches its grid geometry (strides), a prerequisite of target building.
func warmup(cfg *Config) error {
	image := tensors.FromShape(shapes.Make(dtypes.Float32,
		1, cfg.ImageSize, cfg.ImageSize, cfg.Model.Config.Net.Channels))
	_, err := context.ExecOnce(cfg.Backend, cfg.Context,
		func(ctx *context.Context, image *Node) *Node {
			return cfg.Model.ForwardTraining(ctx, image)[0]
		}, image)
	if err != nil {
		return errors.WithMessage(err, "warmup forward pass")
	}
	return nil
}
