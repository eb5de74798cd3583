// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// smokeTestContext configures a model and dataset small enough for a few
// training steps to run in milliseconds.
func smokeTestContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamDataset:   DatasetSynthetic,
		ParamTrainSize: 16,
		ParamValidSize: 4,

		ParamImageSize:       8,
		ParamPatchSize:       4,
		ParamChannels:        3,
		ParamEmbedDim:        8,
		ParamDepth:           1,
		ParamNumHeads:        2,
		ParamMLPRatio:        2.0,
		ParamDecoderEmbedDim: 8,
		ParamDecoderDepth:    1,
		ParamDecoderNumHeads: 2,

		ParamNumSteps:       3,
		ParamBatchSize:      4,
		ParamEvalBatchSize:  4,
		ParamEvalEverySteps: 2,
		ParamRngSeed:        42,
	})
	return ctx
}

func TestTrainModelSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training smoke test in -short mode")
	}
	Backend = graphtest.BuildTestBackend()
	ctx := smokeTestContext()
	dataDir := t.TempDir()

	require.NotPanics(t, func() {
		TrainModel(ctx, dataDir, "ckpt", true, -1, nil)
	})
	assert.EqualValues(t, 3, optimizers.GetGlobalStep(ctx))
}

func TestCheckpointRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training smoke test in -short mode")
	}
	Backend = graphtest.BuildTestBackend()
	ctx := smokeTestContext()
	dataDir := t.TempDir()
	TrainModel(ctx, dataDir, "ckpt", false, -1, nil)

	// Load the checkpoint into a fresh context: every variable must match the
	// trained one bit for bit.
	ctx2 := context.New()
	handler, err := checkpoints.Build(ctx2).DirFromBase("ckpt", dataDir).Done()
	require.NoError(t, err)
	hasCheckpoints, err := handler.HasCheckpoints()
	require.NoError(t, err)
	require.True(t, hasCheckpoints)

	numCompared := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		loaded := ctx2.InspectVariable(v.Scope(), v.Name())
		require.NotNilf(t, loaded, "variable %q was not restored from the checkpoint", v.ScopeAndName())
		require.Truef(t, v.MustValue().Equal(loaded.MustValue()),
			"variable %q changed across the checkpoint round-trip", v.ScopeAndName())
		numCompared++
	})
	require.Greater(t, numCompared, 0, "no variables found to compare")

	// Hyperparameters travel with the checkpoint.
	assert.Equal(t, 8, context.GetParamOr(ctx2, ParamImageSize, 0))
	assert.Equal(t, 4, context.GetParamOr(ctx2, ParamPatchSize, 0))
}

func TestTrainModelResume(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training smoke test in -short mode")
	}
	Backend = graphtest.BuildTestBackend()
	dataDir := t.TempDir()
	ctx := smokeTestContext()
	TrainModel(ctx, dataDir, "ckpt", false, -1, nil)

	// Resuming with a higher target continues from the stored global step.
	ctx2 := smokeTestContext()
	ctx2.SetParam(ParamNumSteps, 5)
	TrainModel(ctx2, dataDir, "ckpt", false, -1, []string{ParamNumSteps})
	assert.EqualValues(t, 5, optimizers.GetGlobalStep(ctx2))
}
