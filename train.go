// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"fmt"
	"math"
	"os"
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/dustin/go-humanize"
)

// Training hyperparameter keys.
const (
	ParamNumSteps       = "train_steps"
	ParamBatchSize      = "batch_size"
	ParamEvalBatchSize  = "eval_batch_size"
	ParamNumCheckpoints = "num_checkpoints"

	// ParamEvalEverySteps is how often (in training steps) the model is evaluated
	// on the validation split, tracking the best validation loss. 0 disables it.
	ParamEvalEverySteps = "eval_every_steps"

	// ParamRngSeed seeds the context random number generator, making masking (and
	// initialization) reproducible. A negative value uses a random seed.
	ParamRngSeed = "rng_seed"
)

// Variants are the two experiment scales supported by ApplyVariant.
var Variants = []string{"high", "medium"}

// ParamsExcludedFromSaving are hyperparameters not saved with checkpoints, so
// they can be changed when resuming training.
var ParamsExcludedFromSaving = []string{
	ParamDataset, ParamNumSteps, ParamNumCheckpoints, ParamEvalEverySteps,
}

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// CreateDefaultContext returns a context with the hyperparameters of the "high"
// experiment variant and the shared training defaults.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamDataset:   DatasetSynthetic,
		ParamTrainSize: 1024,
		ParamValidSize: 128,
		ParamDataSeed:  42,

		ParamNumSteps:       2000,
		ParamBatchSize:      64,
		ParamEvalBatchSize:  128,
		ParamNumCheckpoints: 3,
		ParamEvalEverySteps: 200,
		ParamRngSeed:        42,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamWeightDecay: 0.0,
	})
	must.M(ApplyVariant(ctx, "high"))
	return ctx
}

// ApplyVariant sets the model hyperparameters of one of the two experiment
// scales: "high" (64x64 images, 8x8 patches, 6 encoder blocks) or "medium"
// (32x32 images, 4x4 patches, 4 encoder blocks). Both mask 75% of the patches.
func ApplyVariant(ctx *context.Context, variant string) error {
	switch variant {
	case "high":
		ctx.SetParams(map[string]any{
			ParamImageSize:       64,
			ParamPatchSize:       8,
			ParamChannels:        3,
			ParamEmbedDim:        256,
			ParamDepth:           6,
			ParamNumHeads:        8,
			ParamMLPRatio:        4.0,
			ParamDecoderEmbedDim: 128,
			ParamDecoderDepth:    4,
			ParamDecoderNumHeads: 4,
			ParamMaskRatio:       0.75,
			ParamDropoutRate:     0.0,
		})
	case "medium":
		ctx.SetParams(map[string]any{
			ParamImageSize:       32,
			ParamPatchSize:       4,
			ParamChannels:        3,
			ParamEmbedDim:        256,
			ParamDepth:           4,
			ParamNumHeads:        4,
			ParamMLPRatio:        4.0,
			ParamDecoderEmbedDim: 128,
			ParamDecoderDepth:    2,
			ParamDecoderNumHeads: 4,
			ParamMaskRatio:       0.75,
			ParamDropoutRate:     0.0,
		})
	default:
		return errors.Errorf("unknown variant %q, valid values are %v", variant, Variants)
	}
	return nil
}

// evalLoss evaluates the trainer on ds and returns the mean loss.
func evalLoss(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	values, err := trainer.Eval(ds)
	if err != nil {
		return 0, err
	}
	ds.Reset()
	for idx, metric := range trainer.EvalMetrics() {
		if metric.ShortName() == "#loss" {
			return shapes.ConvertTo[float64](values[idx].Value()), nil
		}
	}
	return shapes.ConvertTo[float64](values[0].Value()), nil
}

// TrainModel trains the masked autoencoder configured by the hyperparameters in
// ctx, optionally checkpointing to checkpointPath (resuming automatically if the
// directory already holds checkpoints, with a "best" snapshot of the lowest
// validation loss kept alongside).
//
// paramsSet lists hyperparameters explicitly set on the command line, which are
// preserved when the context is loaded from a checkpoint.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	// Checkpoints: the "best" handler is built first, so on resume the latest
	// checkpoint (loaded by the second handler) takes precedence.
	var checkpoint, bestCheckpoint *checkpoints.Handler
	if checkpointPath != "" {
		excluded := append(paramsSet, ParamsExcludedFromSaving...)
		bestCheckpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath+"-best", dataDir).
			Keep(1).
			ExcludeParams(excluded...).
			Done())
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			ExcludeParams(excluded...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	// Seed the RNG only when starting fresh: on resume the checkpoint carries
	// the RNG state forward.
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep == 0 {
		if seed := context.GetParamOr(ctx, ParamRngSeed, 42); seed >= 0 {
			ctx.RngStateFromSeed(int64(seed))
		}
	} else {
		klog.V(1).Infof("Resuming training from global step %d", globalStep)
	}
	if checkpointPath == "" && globalStep > 0 {
		klog.Warning("Context has a global step but no checkpoint directory was given; training will not be saved.")
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		Panicf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, validationEvalDS, err := CreateDatasets(Backend, ctx, batchSize, evalBatchSize)
	must.M(err)
	if verbosity >= 1 {
		c := ConfigFromContext(ctx)
		trainSize := context.GetParamOr(ctx, ParamTrainSize, 0)
		imagesShape := shapes.Make(c.DType, trainSize, c.ImageSize, c.ImageSize, c.InputChannels)
		fmt.Printf("Dataset: %s (~%s in memory for %d training images)\n",
			context.GetParamOr(ctx, ParamDataset, DatasetSynthetic),
			humanize.Bytes(uint64(imagesShape.Memory())), trainSize)
	}

	ctx = ctx.In("model")
	trainer := train.NewTrainer(Backend, ctx, TrainingModelGraph,
		MaskedLossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{NewMovingReconstructionMSEMetric()}, // trainMetrics
		[]metrics.Interface{NewMeanReconstructionMSEMetric()})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Periodic validation: track the lowest validation loss seen and snapshot
	// the model at that point.
	bestValidationLoss := math.Inf(1)
	if evalEvery := context.GetParamOr(ctx, ParamEvalEverySteps, 0); evalEvery > 0 {
		train.EveryNSteps(loop, evalEvery, "validation eval", 110,
			func(loop *train.Loop, _ []*tensors.Tensor) error {
				loss, err := evalLoss(trainer, validationEvalDS)
				if err != nil {
					return err
				}
				if loss < bestValidationLoss {
					bestValidationLoss = loss
					if verbosity >= 2 {
						fmt.Printf("\n\t[step %d] new best validation loss: %.5f\n", loop.LoopStep, loss)
					}
					if bestCheckpoint != nil {
						return bestCheckpoint.Save()
					}
				}
				return nil
			})
	}

	numTrainSteps := context.GetParamOr(ctx, ParamNumSteps, 0)
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, validationEvalDS, trainEvalDS))
	}
}
