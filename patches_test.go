// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestPatchify(t *testing.T) {
	// A 4x4 single-channel image with pixel values 0..15 in raster order, split
	// into a 2x2 grid of 2x2 patches.
	graphtest.RunTestGraphFn(t, "Patchify",
		func(g *Graph) (inputs, outputs []*Node) {
			images := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 4, 1))
			inputs = []*Node{images}
			outputs = []*Node{Patchify(images, 2)}
			return
		}, []any{
			[][][]float32{{
				{0, 1, 4, 5},
				{2, 3, 6, 7},
				{8, 9, 12, 13},
				{10, 11, 14, 15},
			}},
		}, 0)
}

func TestPatchifyChannelsOrder(t *testing.T) {
	// Channels must be the fastest varying axis of a flattened patch.
	graphtest.RunTestGraphFn(t, "PatchifyChannelsOrder",
		func(g *Graph) (inputs, outputs []*Node) {
			images := IotaFull(g, shapes.Make(dtypes.Float32, 1, 2, 2, 2))
			inputs = []*Node{images}
			outputs = []*Node{Patchify(images, 2)}
			return
		}, []any{
			[][][]float32{{{0, 1, 2, 3, 4, 5, 6, 7}}},
		}, 0)
}

func TestUnpatchifyIsInverseOfPatchify(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Unpatchify(Patchify(x)) == x",
		func(g *Graph) (inputs, outputs []*Node) {
			images := IotaFull(g, shapes.Make(dtypes.Float32, 2, 8, 8, 3))
			roundTrip := Unpatchify(Patchify(images, 4), 4, 3)
			inputs = []*Node{images}
			outputs = []*Node{ReduceAllSum(Abs(Sub(roundTrip, images)))}
			return
		}, []any{
			float32(0),
		}, 0)
}

func TestPatchifyValidatesShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "patchify-invalid")
	// Indivisible image size must panic with a descriptive error.
	require.Panics(t, func() {
		images := IotaFull(g, shapes.Make(dtypes.Float32, 1, 5, 5, 1))
		_ = Patchify(images, 2)
	})
	// So must a patch dimension that doesn't match patchSize and channels.
	require.Panics(t, func() {
		patches := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 7))
		_ = Unpatchify(patches, 2, 1)
	})
}
