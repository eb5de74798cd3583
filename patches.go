// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Patchify splits a batch of images into a sequence of flattened non-overlapping
// square patches.
//
// images must be shaped `[batch_size, height, width, channels]` (channels-last),
// with height and width divisible by patchSize. The result is shaped
// `[batch_size, num_patches, patchSize*patchSize*channels]`, with patches in
// raster order over the patch grid, pixels in raster order within each patch,
// and channels as the fastest varying axis.
//
// Patchify and Unpatchify are exact inverses of each other.
func Patchify(images *Node, patchSize int) *Node {
	if images.Rank() != 4 {
		Panicf("Patchify requires images shaped [batch, height, width, channels], got rank %d (shape=%s)",
			images.Rank(), images.Shape())
	}
	if patchSize <= 0 {
		Panicf("Patchify requires patchSize > 0, got %d", patchSize)
	}
	dims := images.Shape().Dimensions
	batchSize, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	if height%patchSize != 0 || width%patchSize != 0 {
		Panicf("Patchify requires image dimensions divisible by patchSize=%d, got images shaped %s",
			patchSize, images.Shape())
	}
	gridH, gridW := height/patchSize, width/patchSize

	x := Reshape(images, batchSize, gridH, patchSize, gridW, patchSize, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5) // [batch, gridH, gridW, patchSize, patchSize, channels]
	return Reshape(x, batchSize, gridH*gridW, patchSize*patchSize*channels)
}

// Unpatchify reassembles a sequence of flattened patches, as produced by
// Patchify, back into a batch of images shaped
// `[batch_size, height, width, channels]`.
//
// It requires the number of patches to be a perfect square (square images) and
// the patch dimension to be exactly patchSize*patchSize*channels.
func Unpatchify(patches *Node, patchSize, channels int) *Node {
	if patches.Rank() != 3 {
		Panicf("Unpatchify requires patches shaped [batch, num_patches, patch_dim], got rank %d (shape=%s)",
			patches.Rank(), patches.Shape())
	}
	dims := patches.Shape().Dimensions
	batchSize, numPatches, patchDim := dims[0], dims[1], dims[2]
	if patchDim != patchSize*patchSize*channels {
		Panicf("Unpatchify: patch dimension is %d, but patchSize=%d and channels=%d require %d",
			patchDim, patchSize, channels, patchSize*patchSize*channels)
	}
	grid := int(math.Sqrt(float64(numPatches)))
	if grid*grid != numPatches {
		Panicf("Unpatchify requires a square grid of patches, got %d patches", numPatches)
	}

	x := Reshape(patches, batchSize, grid, grid, patchSize, patchSize, channels)
	x = TransposeAllDims(x, 0, 1, 3, 2, 4, 5) // [batch, grid, patchSize, grid, patchSize, channels]
	return Reshape(x, batchSize, grid*patchSize, grid*patchSize, channels)
}
