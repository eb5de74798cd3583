// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Masked-autoencoder (MAE-ViT) self-supervised pre-training demo.
//
// It trains an autoencoder that reconstructs the pixels of randomly hidden image
// patches, on a synthetic dataset (default) or on a folder of images. Two model
// scales ("high" and "medium") are provided as presets; every hyperparameter can
// be overridden with a YAML configuration file (--config), with "key=value"
// positional arguments or with the --set flag.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/mae"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig  = flag.String("config", "", "YAML configuration file, applied before any command-line overrides.")
	flagDataDir = flag.String("data", "~/work/mae", "Directory to hold checkpoints and cached data.")
	flagVariant = flag.String("variant", "high", "Model scale preset: \"high\" (64x64 images) or \"medium\" (32x32 images).")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	// Checkpointing.
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
)

func main() {
	ctx := mae.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	if err := mae.ApplyVariant(ctx, *flagVariant); err != nil {
		klog.Fatalf("Failed to apply --variant: %+v", err)
	}
	if *flagConfig != "" {
		if err := mae.LoadConfig(ctx, *flagConfig); err != nil {
			klog.Fatalf("Failed to load --config: %+v", err)
		}
	}
	if err := mae.ApplyOverrides(ctx, flag.Args()); err != nil {
		klog.Fatalf("Failed to apply overrides: %+v", err)
	}
	ctx.SetParam(mae.ParamNumCheckpoints, *flagCheckpointKeep)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	if err := run(ctx, paramsSet); err != nil {
		klog.Errorf("Training failed: %+v", err)
		os.Exit(1)
	}
}

func run(ctx *context.Context, paramsSet []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	mae.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
	return nil
}
