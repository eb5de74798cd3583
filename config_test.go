// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `
dataset:
  name: synthetic
  train_size: 256
model:
  patch_size: 4
  mask_ratio: 0.5
training:
  steps: 100
  batch_size: 16
  lr: 0.01
`)
	ctx := CreateDefaultContext()
	require.NoError(t, LoadConfig(ctx, path))

	assert.Equal(t, DatasetSynthetic, context.GetParamOr(ctx, ParamDataset, ""))
	assert.Equal(t, 256, context.GetParamOr(ctx, ParamTrainSize, 0))
	assert.Equal(t, 4, context.GetParamOr(ctx, ParamPatchSize, 0))
	assert.Equal(t, 0.5, context.GetParamOr(ctx, ParamMaskRatio, 0.0))
	assert.Equal(t, 100, context.GetParamOr(ctx, ParamNumSteps, 0))
	assert.Equal(t, 16, context.GetParamOr(ctx, ParamBatchSize, 0))
	assert.Equal(t, 0.01, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeTempConfig(t, `
model:
  patch_sizes: 4
`)
	ctx := CreateDefaultContext()
	err := LoadConfig(ctx, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patch_sizes")
}

func TestLoadConfigMissingFile(t *testing.T) {
	ctx := CreateDefaultContext()
	require.Error(t, LoadConfig(ctx, filepath.Join(t.TempDir(), "no-such-file.yaml")))
}

func TestApplyOverrides(t *testing.T) {
	ctx := CreateDefaultContext()
	require.NoError(t, ApplyOverrides(ctx, []string{
		"training.lr=0.1",        // Dotted configuration key.
		"mae_mask_ratio=0.9",     // Flat hyperparameter name.
		"dataset.name=/some/dir", // String value.
		"train_steps=50",         // Integer.
	}))
	assert.Equal(t, 0.1, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 0.9, context.GetParamOr(ctx, ParamMaskRatio, 0.0))
	assert.Equal(t, "/some/dir", context.GetParamOr(ctx, ParamDataset, ""))
	assert.Equal(t, 50, context.GetParamOr(ctx, ParamNumSteps, 0))

	require.Error(t, ApplyOverrides(ctx, []string{"not-an-override"}))
	require.Error(t, ApplyOverrides(ctx, []string{"=3"}))
}

func TestApplyVariantPresets(t *testing.T) {
	ctx := context.New()
	require.NoError(t, ApplyVariant(ctx, "medium"))
	assert.Equal(t, 32, context.GetParamOr(ctx, ParamImageSize, 0))
	assert.Equal(t, 4, context.GetParamOr(ctx, ParamPatchSize, 0))
	assert.Equal(t, 4, context.GetParamOr(ctx, ParamDepth, 0))
	assert.Equal(t, 2, context.GetParamOr(ctx, ParamDecoderDepth, 0))

	require.NoError(t, ApplyVariant(ctx, "high"))
	assert.Equal(t, 64, context.GetParamOr(ctx, ParamImageSize, 0))
	assert.Equal(t, 8, context.GetParamOr(ctx, ParamPatchSize, 0))
	assert.Equal(t, 6, context.GetParamOr(ctx, ParamDepth, 0))

	require.Error(t, ApplyVariant(ctx, "giant"))
}

func TestSampleConfig(t *testing.T) {
	ctx := CreateDefaultContext()
	sample := SampleConfig(ctx)
	assert.Contains(t, sample, "model:")
	assert.Contains(t, sample, "patch_size:")
	assert.Contains(t, sample, "training:")

	// The sample must load back without errors.
	path := writeTempConfig(t, sample)
	require.NoError(t, LoadConfig(CreateDefaultContext(), path))
}
