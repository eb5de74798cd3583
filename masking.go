// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// RandomMask selects a random subset of patches to remain visible and hides the rest.
//
// x is a patch sequence shaped `[batch_size, num_patches, dim]` and maskRatio must be
// in the range [0, 1). Each batch row is shuffled by an independent uniform random
// permutation and the first `floor(num_patches*(1-maskRatio))` entries are kept visible.
//
// Randomness is drawn from the context's random number generator state (see
// Context.RandomUniform), so masks are reproducible given Context.RngStateFromSeed,
// with no dependency on any global random state.
//
// It returns:
//   - visible: the visible subset, shaped `[batch_size, num_visible, dim]`;
//   - mask: `[batch_size, num_patches]` in the original patch order, with 1 at
//     masked positions and 0 at visible ones;
//   - restore: `[batch_size, num_patches]` (Int32) permutation mapping the shuffled
//     order back to the original order, to be used with RestoreSequence.
func RandomMask(ctx *context.Context, x *Node, maskRatio float64) (visible, mask, restore *Node) {
	g := x.Graph()
	if x.Rank() != 3 {
		Panicf("RandomMask requires a patch sequence shaped [batch, num_patches, dim], got rank %d (shape=%s)",
			x.Rank(), x.Shape())
	}
	if maskRatio < 0 || maskRatio >= 1 {
		Panicf("RandomMask requires maskRatio in [0, 1), got %g", maskRatio)
	}
	dims := x.Shape().Dimensions
	batchSize, numPatches := dims[0], dims[1]
	numVisible := int(float64(numPatches) * (1 - maskRatio))

	// Shuffle each row by sorting uniform noise; the argsort of the shuffle
	// is the permutation that restores the original order.
	noise := ctx.RandomUniform(g, shapes.Make(x.DType(), batchSize, numPatches))
	_, shuffle := SortWithIndices(noise, -1, false)
	_, restore = SortWithIndices(shuffle, -1, false)

	keep := Slice(shuffle, AxisRange(), AxisRange(0, numVisible))
	visible = gatherRows(x, keep)

	// Mask in shuffled order: visible positions first, then masked. Un-shuffling
	// with the restoration permutation puts it back in original patch order.
	position := Iota(g, shapes.Make(dtypes.Int32, batchSize, numPatches), 1)
	maskShuffled := ConvertDType(
		GreaterOrEqual(position, Scalar(g, dtypes.Int32, float64(numVisible))), x.DType())
	mask = gatherRows(maskShuffled, restore)
	return
}

// RestoreSequence rebuilds a full-length patch sequence in the original patch order
// from the visible subset, filling every masked position with maskToken.
//
// visible is shaped `[batch_size, num_visible, dim]`, maskToken is shaped `[dim]`
// and restore is the permutation returned by RandomMask. The result is shaped
// `[batch_size, num_patches, dim]`.
func RestoreSequence(visible, maskToken, restore *Node) *Node {
	if visible.Rank() != 3 {
		Panicf("RestoreSequence requires visible shaped [batch, num_visible, dim], got shape %s",
			visible.Shape())
	}
	dims := visible.Shape().Dimensions
	batchSize, numVisible, dim := dims[0], dims[1], dims[2]
	numPatches := restore.Shape().Dimensions[1]
	if maskToken.Rank() != 1 || maskToken.Shape().Dimensions[0] != dim {
		Panicf("RestoreSequence requires maskToken shaped [%d], got shape %s", dim, maskToken.Shape())
	}

	tokens := BroadcastToDims(Reshape(maskToken, 1, 1, dim), batchSize, numPatches-numVisible, dim)
	full := Concatenate([]*Node{visible, tokens}, 1)
	return gatherRows(full, restore)
}

// gatherRows gathers along axis 1 with a different set of indices per batch row:
// result[b, i, ...] = x[b, indices[b, i], ...].
//
// x is shaped `[batch_size, n, ...]` and indices `[batch_size, k]` (integer dtype).
func gatherRows(x, indices *Node) *Node {
	g := x.Graph()
	dims := indices.Shape().Dimensions
	batchSize, k := dims[0], dims[1]
	batchIdx := Iota(g, shapes.Make(indices.DType(), batchSize, k), 0)
	full := Stack([]*Node{batchIdx, indices}, -1) // [batch_size, k, 2]
	return Gather(x, full)
}
