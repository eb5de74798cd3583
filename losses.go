// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// MaskedReconstructionLoss returns the scalar mean squared error over masked
// patches only.
//
// pred and target are shaped `[batch_size, num_patches, patch_dim]` and mask is
// shaped `[batch_size, num_patches]` with 1 at masked positions: per-patch squared
// errors are averaged over the patch dimension, weighted by the mask and normalized
// by the number of masked patches.
//
// Visible patches never contribute to the loss. If the mask is all zeros
// (maskRatio=0, nothing was hidden) the loss falls back to the plain mean over all
// patches, so it is always well-defined and never divides by zero.
func MaskedReconstructionLoss(pred, target, mask *Node) *Node {
	g := pred.Graph()
	if !pred.Shape().Equal(target.Shape()) {
		Panicf("MaskedReconstructionLoss requires pred and target with the same shape, got pred=%s, target=%s",
			pred.Shape(), target.Shape())
	}
	if mask.Rank() != 2 {
		Panicf("MaskedReconstructionLoss requires mask shaped [batch, num_patches], got shape %s", mask.Shape())
	}

	perPatch := ReduceMean(Square(Sub(pred, target)), -1) // [batch, num_patches]
	maskSum := ReduceAllSum(mask)
	one := Scalar(g, mask.DType(), 1)
	masked := Div(ReduceAllSum(Mul(perPatch, mask)), Max(maskSum, one))
	full := ReduceAllMean(perPatch)
	return Where(GreaterThan(maskSum, Scalar(g, mask.DType(), 0)), masked, full)
}
