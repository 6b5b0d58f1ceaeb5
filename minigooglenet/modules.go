// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package minigooglenet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// ConvModule adds a CONV => BN => RELU pattern: a 2D convolution with bias, followed by batch normalization
// over the channels axis and a ReLU activation.
//
// Parameters:
//   - ctx: scope where the convolution ("conv") and batch normalization ("batch_normalization") variables
//     are created.
//   - x: images shaped [batch, height, width, channels] for images.ChannelsLast, or
//     [batch, channels, height, width] for images.ChannelsFirst.
//   - channels: number of filters learned by the convolution.
//   - kernelHeight, kernelWidth: size of the filters.
//   - stride: same stride used for both spatial axes.
//   - padSame: if true, pads the input such that with stride 1 the output has the same spatial size.
//     Otherwise, no padding is used (Keras "valid").
func ConvModule(ctx *context.Context, x *Node, channels, kernelHeight, kernelWidth, stride int, padSame bool,
	channelsAxis images.ChannelsAxisConfig) *Node {
	if x.Rank() != 4 {
		Panicf("minigooglenet.ConvModule requires images of rank 4, got x.shape=%s", x.Shape())
	}
	conv := layers.Convolution(ctx, x).
		ChannelsAxis(channelsAxis).
		Channels(channels).
		KernelSizePerAxis(kernelHeight, kernelWidth).
		Strides(stride)
	if padSame {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	x = conv.Done()
	x = batchnorm.New(ctx, x, images.GetChannelsAxis(x, channelsAxis)).Done()
	return activations.Relu(x)
}

// InceptionModule applies a 1x1 and a 3x3 ConvModule (both stride 1 and "same" padding) to the same input
// and concatenates their outputs along the channels axis.
//
// The output has numK1x1+numK3x3 channels and the same spatial dimensions as x.
func InceptionModule(ctx *context.Context, x *Node, numK1x1, numK3x3 int, channelsAxis images.ChannelsAxisConfig) *Node {
	conv1x1 := ConvModule(ctx.In("1x1"), x, numK1x1, 1, 1, 1, true, channelsAxis)
	conv3x3 := ConvModule(ctx.In("3x3"), x, numK3x3, 3, 3, 1, true, channelsAxis)
	return Concatenate([]*Node{conv1x1, conv3x3}, images.GetChannelsAxis(x, channelsAxis))
}

// DownsampleModule reduces the spatial dimensions by (roughly) half. It concatenates, along the channels axis,
// a 3x3 ConvModule with stride 2 and no padding, and a 3x3 max-pooling with stride 2 and no padding.
//
// The output has channels plus the number of input channels. Each spatial dimension d becomes (d-3)/2+1.
func DownsampleModule(ctx *context.Context, x *Node, channels int, channelsAxis images.ChannelsAxisConfig) *Node {
	conv3x3 := ConvModule(ctx.In("3x3"), x, channels, 3, 3, 2, false, channelsAxis)
	pool := MaxPool(x).ChannelsAxis(channelsAxis).Window(3).Strides(2).NoPadding().Done()
	return Concatenate([]*Node{conv3x3, pool}, images.GetChannelsAxis(x, channelsAxis))
}
