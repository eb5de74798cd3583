// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Hyperparameter keys used to configure the model from a context.
const (
	ParamImageSize       = "mae_image_size"
	ParamPatchSize       = "mae_patch_size"
	ParamChannels        = "mae_channels"
	ParamEmbedDim        = "mae_embed_dim"
	ParamDepth           = "mae_depth"
	ParamNumHeads        = "mae_num_heads"
	ParamMLPRatio        = "mae_mlp_ratio"
	ParamDecoderEmbedDim = "mae_decoder_embed_dim"
	ParamDecoderDepth    = "mae_decoder_depth"
	ParamDecoderNumHeads = "mae_decoder_num_heads"
	ParamMaskRatio       = "mae_mask_ratio"
	ParamDropoutRate     = "mae_dropout_rate"
)

// Config describes a masked-autoencoder vision transformer (MAE-ViT), following
// "Masked Autoencoders Are Scalable Vision Learners" (https://arxiv.org/abs/2111.06377):
// an encoder that sees only a random subset of image patches, and a lighter decoder
// that reconstructs the pixels of the hidden ones.
type Config struct {
	ImageSize     int // Height and width of the (square) input images.
	PatchSize     int // Side of the square patches; must divide ImageSize.
	InputChannels int

	EmbedDim int // Encoder embedding dimension.
	Depth    int // Encoder transformer blocks.
	NumHeads int // Encoder attention heads; must divide EmbedDim.
	MLPRatio float64

	DecoderEmbedDim int
	DecoderDepth    int
	DecoderNumHeads int // Must divide DecoderEmbedDim.

	MaskRatio   float64 // Fraction of patches hidden from the encoder, in [0, 1).
	DropoutRate float64

	DType dtypes.DType
}

// NewConfig returns a Config with the defaults of the larger ("high") experiment:
// 64x64 RGB images, 8x8 patches, 6 encoder and 4 decoder blocks.
func NewConfig() *Config {
	return &Config{
		ImageSize:       64,
		PatchSize:       8,
		InputChannels:   3,
		EmbedDim:        256,
		Depth:           6,
		NumHeads:        8,
		MLPRatio:        4.0,
		DecoderEmbedDim: 128,
		DecoderDepth:    4,
		DecoderNumHeads: 4,
		MaskRatio:       0.75,
		DropoutRate:     0.0,
		DType:           dtypes.Float32,
	}
}

// ConfigFromContext returns a Config with every field overridable by the
// corresponding "mae_*" context hyperparameter.
func ConfigFromContext(ctx *context.Context) *Config {
	c := NewConfig()
	c.ImageSize = context.GetParamOr(ctx, ParamImageSize, c.ImageSize)
	c.PatchSize = context.GetParamOr(ctx, ParamPatchSize, c.PatchSize)
	c.InputChannels = context.GetParamOr(ctx, ParamChannels, c.InputChannels)
	c.EmbedDim = context.GetParamOr(ctx, ParamEmbedDim, c.EmbedDim)
	c.Depth = context.GetParamOr(ctx, ParamDepth, c.Depth)
	c.NumHeads = context.GetParamOr(ctx, ParamNumHeads, c.NumHeads)
	c.MLPRatio = context.GetParamOr(ctx, ParamMLPRatio, c.MLPRatio)
	c.DecoderEmbedDim = context.GetParamOr(ctx, ParamDecoderEmbedDim, c.DecoderEmbedDim)
	c.DecoderDepth = context.GetParamOr(ctx, ParamDecoderDepth, c.DecoderDepth)
	c.DecoderNumHeads = context.GetParamOr(ctx, ParamDecoderNumHeads, c.DecoderNumHeads)
	c.MaskRatio = context.GetParamOr(ctx, ParamMaskRatio, c.MaskRatio)
	c.DropoutRate = context.GetParamOr(ctx, ParamDropoutRate, c.DropoutRate)
	return c
}

// NumPatches the model splits each image into.
func (c *Config) NumPatches() int {
	grid := c.ImageSize / c.PatchSize
	return grid * grid
}

// PatchDim is the dimension of a flattened patch (and of the decoder predictions).
func (c *Config) PatchDim() int {
	return c.PatchSize * c.PatchSize * c.InputChannels
}

// AssertValid panics with a descriptive message if the configuration is unusable.
func (c *Config) AssertValid() {
	if c.ImageSize <= 0 || c.PatchSize <= 0 || c.ImageSize%c.PatchSize != 0 {
		Panicf("MAE config: image size (%d) must be positive and divisible by patch size (%d)",
			c.ImageSize, c.PatchSize)
	}
	if c.NumHeads <= 0 || c.EmbedDim%c.NumHeads != 0 {
		Panicf("MAE config: embed dim (%d) must be divisible by the number of heads (%d)",
			c.EmbedDim, c.NumHeads)
	}
	if c.DecoderNumHeads <= 0 || c.DecoderEmbedDim%c.DecoderNumHeads != 0 {
		Panicf("MAE config: decoder embed dim (%d) must be divisible by the number of decoder heads (%d)",
			c.DecoderEmbedDim, c.DecoderNumHeads)
	}
	if c.MaskRatio < 0 || c.MaskRatio >= 1 {
		Panicf("MAE config: mask ratio must be in [0, 1), got %g", c.MaskRatio)
	}
}

// transformerBlock is a standard pre-norm residual block: layer-norm, self-attention,
// residual add; layer-norm, position-wise feed-forward (Dense -> GELU -> Dense),
// residual add. Used identically by the encoder and decoder stacks.
func (c *Config) transformerBlock(ctx *context.Context, x *Node, numHeads int) *Node {
	g := x.Graph()
	dim := x.Shape().Dimensions[x.Rank()-1]
	headDim := dim / numHeads

	y := layers.LayerNormalization(ctx.In("norm1"), x, -1).Done()
	attnBuilder := attention.SelfAttention(ctx.In("attn"), y, numHeads, headDim)
	if c.DropoutRate > 0 {
		attnBuilder = attnBuilder.Dropout(c.DropoutRate)
	}
	attn := attnBuilder.Done()
	if c.DropoutRate > 0 {
		attn = layers.Dropout(ctx.In("attn_dropout"), attn, Scalar(g, attn.DType(), c.DropoutRate))
	}
	x = Add(x, attn)

	y = layers.LayerNormalization(ctx.In("norm2"), x, -1).Done()
	hidden := int(float64(dim) * c.MLPRatio)
	ff := layers.Dense(ctx.In("mlp1"), y, true, hidden)
	ff = activations.Gelu(ff)
	ff = layers.Dense(ctx.In("mlp2"), ff, true, dim)
	if c.DropoutRate > 0 {
		ff = layers.Dropout(ctx.In("mlp_dropout"), ff, Scalar(g, ff.DType(), c.DropoutRate))
	}
	return Add(x, ff)
}

// positionalEmbedding returns a learned positional embedding variable broadcast to
// `[batch_size, numPatches, dim]`.
func positionalEmbedding(ctx *context.Context, g *Graph, dtype dtypes.DType, batchSize, numPatches, dim int) *Node {
	posEmbed := ctx.VariableWithShape("embeddings", shapes.Make(dtype, numPatches, dim)).ValueGraph(g)
	posEmbed = ExpandDims(posEmbed, 0)
	return BroadcastToDims(posEmbed, batchSize, numPatches, dim)
}

// ForwardGraph builds the masked-autoencoder forward pass over a batch of images
// shaped `[batch_size, ImageSize, ImageSize, InputChannels]`.
//
// It returns the per-patch pixel predictions `pred`, shaped
// `[batch_size, NumPatches, PatchDim]` and in the original patch order, and the
// binary `mask` shaped `[batch_size, NumPatches]` with 1 at the positions hidden
// from the encoder. A fresh random mask is drawn from the context RNG state on
// every forward pass.
func (c *Config) ForwardGraph(ctx *context.Context, images *Node) (pred, mask *Node) {
	c.AssertValid()
	g := images.Graph()
	if images.Rank() != 4 ||
		images.Shape().Dimensions[1] != c.ImageSize ||
		images.Shape().Dimensions[2] != c.ImageSize ||
		images.Shape().Dimensions[3] != c.InputChannels {
		Panicf("MAE forward: images must be shaped [batch, %d, %d, %d], got %s",
			c.ImageSize, c.ImageSize, c.InputChannels, images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]
	numPatches := c.NumPatches()

	// Patch embedding: a strided convolution with kernel == stride == patch size,
	// equivalent to a per-patch linear projection.
	x := layers.Convolution(ctx.In("patch_embed"), images).
		Channels(c.EmbedDim).
		KernelSize(c.PatchSize).
		Strides(c.PatchSize).
		Done()
	x = Reshape(x, batchSize, numPatches, c.EmbedDim)
	x = Add(x, positionalEmbedding(ctx.In("pos_embed"), g, x.DType(), batchSize, numPatches, c.EmbedDim))

	// Only the visible patches go through the encoder.
	visible, mask, restore := RandomMask(ctx, x, c.MaskRatio)
	for block := range c.Depth {
		visible = c.transformerBlock(ctx.In(fmt.Sprintf("encoder_%d", block)), visible, c.NumHeads)
	}
	visible = layers.LayerNormalization(ctx.In("encoder_norm"), visible, -1).Done()

	// Project to decoder width and re-insert a learned mask token at every
	// masked position, recovering the original patch order.
	decoded := visible
	if c.DecoderEmbedDim != c.EmbedDim {
		decoded = layers.Dense(ctx.In("decoder_embed"), visible, true, c.DecoderEmbedDim)
	}
	maskToken := ctx.In("mask_token").
		VariableWithShape("embeddings", shapes.Make(x.DType(), c.DecoderEmbedDim)).
		ValueGraph(g)
	decoded = RestoreSequence(decoded, maskToken, restore)
	decoded = Add(decoded, positionalEmbedding(
		ctx.In("decoder_pos_embed"), g, decoded.DType(), batchSize, numPatches, c.DecoderEmbedDim))

	for block := range c.DecoderDepth {
		decoded = c.transformerBlock(ctx.In(fmt.Sprintf("decoder_%d", block)), decoded, c.DecoderNumHeads)
	}
	decoded = layers.LayerNormalization(ctx.In("decoder_norm"), decoded, -1).Done()
	pred = layers.Dense(ctx.In("decoder_pred"), decoded, true, c.PatchDim())
	return pred, mask
}

// TrainingModelGraph is the train.ModelFn for the MAE experiments: it reads the
// model configuration from the context hyperparameters, runs the forward pass and
// computes both the masked reconstruction loss and the unmasked full-reconstruction
// MSE in-graph.
//
// It returns [pred, maskedLoss, fullMSE]; the trainer's loss function selects
// element 1 and metrics read element 2.
func TrainingModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images := inputs[0]
	c := ConfigFromContext(ctx)
	pred, mask := c.ForwardGraph(ctx, images)
	target := Patchify(images, c.PatchSize)
	loss := MaskedReconstructionLoss(pred, target, mask)
	fullMSE := ReconstructionMSE(pred, target)
	return []*Node{pred, loss, fullMSE}
}

// MaskedLossFn is the train.LossFn used with TrainingModelGraph: the loss is
// already computed in-graph as the second model output.
func MaskedLossFn(labels, predictions []*Node) *Node {
	_ = labels
	return predictions[1]
}

var _ train.ModelFn = TrainingModelGraph
