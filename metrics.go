// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// ReconstructionMSE returns the scalar mean squared error between pred and target
// over all patches and patch elements, masked or not. It measures full-image
// reconstruction quality, complementary to the masked training loss.
func ReconstructionMSE(pred, target *Node) *Node {
	return ReduceAllMean(Square(Sub(pred, target)))
}

// ReconstructionMAE returns the scalar mean absolute error between pred and target
// over all patches and patch elements.
func ReconstructionMAE(pred, target *Node) *Node {
	return ReduceAllMean(Abs(Sub(pred, target)))
}

// The training model graph (see TrainingModelGraph) outputs
// [pred, maskedLoss, fullMSE]; the metric functions below simply select the
// corresponding in-graph value.

func fullMSEMetricFn(ctx *context.Context, labels, predictions []*Node) *Node {
	_, _ = ctx, labels
	return predictions[2]
}

func prettyPrintLoss(t *tensors.Tensor) string {
	return fmt.Sprintf("%.4f", t.Value())
}

// NewMeanReconstructionMSEMetric returns an evaluation metric with the mean
// unmasked full-reconstruction MSE.
func NewMeanReconstructionMSEMetric() metrics.Interface {
	return metrics.NewMeanMetric(
		"Reconstruction MSE", "#rec_mse", "rec_mse", fullMSEMetricFn, prettyPrintLoss)
}

// NewMovingReconstructionMSEMetric returns a training metric with an exponentially
// moving average of the unmasked full-reconstruction MSE.
func NewMovingReconstructionMSEMetric() metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(
		"Moving Reconstruction MSE", "~rec_mse", "rec_mse", fullMSEMetricFn, prettyPrintLoss, 0.01)
}
