// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package minigooglenet implements MiniGoogLeNet, a small Inception style convolutional network for
// classification of small images (e.g.: Cifar-10).
//
// The network is a stem convolution, followed by stacks of inception and downsample modules (see Stages),
// an average pooling, dropout and a dense layer with softmax.
// Every convolution is a ConvModule: Conv => BatchNorm => ReLU.
//
// Example:
//
//	logits := minigooglenet.New(ctx, images).NumClasses(10).Done()
//
// Or use ModelGraph as a train.ModelFn, configured with the context hyperparameters (see the Param* constants).
//
// Describe gives the shapes and number of parameters of each layer for a given input, without building a
// model.
package minigooglenet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

const (
	// DefaultNumClasses is the default number of classes: the ones of Cifar-10.
	DefaultNumClasses = 10

	// DefaultDropoutRate is applied before the dense layer.
	DefaultDropoutRate = 0.5

	// DefaultPoolWindow is the window of the average pooling before the dense layer.
	// For 32x32 images the last inception module outputs a 7x7 feature map, so this is a global pooling.
	DefaultPoolWindow = 7
)

// Hyperparameters read by FromContext and ModelGraph.
const (
	// ParamNumClasses is the number of classes of the dense head. Default is DefaultNumClasses.
	ParamNumClasses = "minigooglenet_num_classes"

	// ParamDropoutRate is the dropout rate before the dense head. Default is DefaultDropoutRate.
	ParamDropoutRate = "minigooglenet_dropout_rate"

	// ParamPoolWindow is the window of the average pooling before the dense head. Default is DefaultPoolWindow.
	// Set to -1 (GlobalPool) to pool over all remaining spatial positions.
	ParamPoolWindow = "minigooglenet_pool_window"

	// ParamChannelsFirst makes the model convolutions use the channels-first layout. Inputs to ModelGraph
	// are still expected as channels-last and are transposed. Default is false.
	ParamChannelsFirst = "minigooglenet_channels_first"

	// ParamAugmentFlip enables random horizontal flips of the input images during training. Default is false.
	ParamAugmentFlip = "minigooglenet_augment_flip"
)

// Config for a MiniGoogLeNet model. Create it with New or FromContext, set the desired options and call Done.
type Config struct {
	ctx          *context.Context
	images       *Node
	channelsAxis images.ChannelsAxisConfig
	numClasses   int
	dropoutRate  float64
	poolWindow   int
	softmax      bool
}

// New creates a MiniGoogLeNet builder for the given images. Images should be shaped
// [batch, height, width, channels] (see ChannelsAxis to change that).
//
// The variables are created in ctx, one sub-scope per layer, named as the layers in Describe.
func New(ctx *context.Context, batchedImages *Node) *Config {
	return &Config{
		ctx:         ctx,
		images:      batchedImages,
		numClasses:  DefaultNumClasses,
		dropoutRate: DefaultDropoutRate,
		poolWindow:  DefaultPoolWindow,
	}
}

// FromContext creates a MiniGoogLeNet builder configured from the hyperparameters in ctx.
// See ParamNumClasses, ParamDropoutRate, ParamPoolWindow and ParamChannelsFirst.
func FromContext(ctx *context.Context, batchedImages *Node) *Config {
	cfg := New(ctx, batchedImages).
		NumClasses(context.GetParamOr(ctx, ParamNumClasses, DefaultNumClasses)).
		DropoutRate(context.GetParamOr(ctx, ParamDropoutRate, DefaultDropoutRate)).
		PoolWindow(context.GetParamOr(ctx, ParamPoolWindow, DefaultPoolWindow))
	if context.GetParamOr(ctx, ParamChannelsFirst, false) {
		cfg.ChannelsAxis(images.ChannelsFirst)
	}
	return cfg
}

// ChannelsAxis configures the layout of the images: images.ChannelsLast (the default) or images.ChannelsFirst.
func (cfg *Config) ChannelsAxis(channelsAxis images.ChannelsAxisConfig) *Config {
	cfg.channelsAxis = channelsAxis
	return cfg
}

// NumClasses sets the number of outputs of the dense head. Default is 10.
func (cfg *Config) NumClasses(numClasses int) *Config {
	if numClasses <= 0 {
		Panicf("minigooglenet: number of classes must be > 0, got %d", numClasses)
	}
	cfg.numClasses = numClasses
	return cfg
}

// DropoutRate sets the dropout rate applied before the dense head, only during training. Default is 0.5.
// Set to 0 to disable it.
func (cfg *Config) DropoutRate(rate float64) *Config {
	if rate < 0 || rate >= 1 {
		Panicf("minigooglenet: dropout rate must be in the range [0, 1), got %g", rate)
	}
	cfg.dropoutRate = rate
	return cfg
}

// PoolWindow sets the window (and stride) of the average pooling before the dense head. Default is 7.
// Use GlobalPool to pool over all remaining spatial positions, whatever the input size.
//
// If the pooling doesn't reduce the feature map to 1x1, the result is flattened before the dense layer.
func (cfg *Config) PoolWindow(window int) *Config {
	if window <= 0 && window != GlobalPool {
		Panicf("minigooglenet: pooling window must be > 0 or GlobalPool, got %d", window)
	}
	cfg.poolWindow = window
	return cfg
}

// Softmax configures Done to return probabilities instead of logits. Default is false.
//
// Training with train.Trainer expects logits (e.g.: losses.SparseCategoricalCrossEntropyLogits), so this is
// meant for inference.
func (cfg *Config) Softmax(softmax bool) *Config {
	cfg.softmax = softmax
	return cfg
}

// InputDims returns the dimensions of one image, according to the configured channels axis.
func (cfg *Config) InputDims() Dims {
	x := cfg.images
	if x.Rank() != 4 {
		Panicf("minigooglenet requires images shaped [batch, height, width, channels] (or channels-first), "+
			"got images.shape=%s", x.Shape())
	}
	spatialAxes := images.GetSpatialAxes(x, cfg.channelsAxis)
	return Dims{
		Height:   x.Shape().Dimensions[spatialAxes[0]],
		Width:    x.Shape().Dimensions[spatialAxes[1]],
		Channels: x.Shape().Dimensions[images.GetChannelsAxis(x, cfg.channelsAxis)],
	}
}

// Describe returns the static description of the model configured.
func (cfg *Config) Describe() (*Architecture, error) {
	return Describe(cfg.InputDims(), DescribeOptions{NumClasses: cfg.numClasses, PoolWindow: cfg.poolWindow})
}

// Done builds the model and returns its logits shaped [batch, numClasses], or probabilities if Softmax(true)
// was configured.
//
// It panics if the images are too small: see MinInputSize.
func (cfg *Config) Done() *Node {
	arch, err := cfg.Describe()
	if err != nil {
		panic(err)
	}
	ctx := cfg.ctx
	x := cfg.images
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]

	for idx, block := range Stages {
		layerCtx := ctx.In(stageScopeName(idx, block.Kind))
		switch block.Kind {
		case StemBlock:
			x = ConvModule(layerCtx, x, block.Channels, 3, 3, 1, true, cfg.channelsAxis)
		case InceptionBlock:
			x = InceptionModule(layerCtx, x, block.Channels1x1, block.Channels3x3, cfg.channelsAxis)
		case DownsampleBlock:
			x = DownsampleModule(layerCtx, x, block.Channels, cfg.channelsAxis)
		}
		cfg.assertDims(x, arch.Layers[idx])
	}

	// Head.
	idx := len(Stages)
	window := cfg.poolWindow
	if window == GlobalPool {
		window = 0
	}
	pool := MeanPool(x).ChannelsAxis(cfg.channelsAxis)
	if window > 0 {
		pool = pool.Window(window).Strides(window)
	} else {
		spatialAxes := images.GetSpatialAxes(x, cfg.channelsAxis)
		height, width := x.Shape().Dimensions[spatialAxes[0]], x.Shape().Dimensions[spatialAxes[1]]
		pool = pool.WindowPerAxis(height, width).StridePerAxis(height, width)
	}
	x = pool.NoPadding().Done()
	cfg.assertDims(x, arch.Layers[idx])
	idx++

	if cfg.dropoutRate > 0 {
		x = layers.DropoutNormalize(ctx.In(arch.Layers[idx].Name), x, Scalar(g, dtype, cfg.dropoutRate), true)
	}
	idx++

	x = Reshape(x, batchSize, -1)
	logits := layers.Dense(ctx.In(arch.Layers[idx].Name), x, true, cfg.numClasses)
	logits.AssertDims(batchSize, cfg.numClasses)
	if cfg.softmax {
		return Softmax(logits, -1)
	}
	return logits
}

// assertDims checks that x matches the dimensions predicted by Describe.
func (cfg *Config) assertDims(x *Node, layer LayerInfo) {
	dims := x.Shape().Dimensions
	spatialAxes := images.GetSpatialAxes(x, cfg.channelsAxis)
	got := Dims{
		Height:   dims[spatialAxes[0]],
		Width:    dims[spatialAxes[1]],
		Channels: dims[images.GetChannelsAxis(x, cfg.channelsAxis)],
	}
	if got != layer.Output {
		Panicf("minigooglenet: layer %s output is %s (shape %s), but expected %s",
			layer.Name, got, x.Shape(), layer.Output)
	}
}

// ModelGraph implements train.ModelFn and returns the logits, given the input images in inputs[0], shaped
// [batch, height, width, channels].
//
// It's configured by the hyperparameters in ctx, see FromChannelsLast.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	return []*Node{FromChannelsLast(ctx, inputs[0]).Done()}
}

// FromChannelsLast is like FromContext, but it takes images always shaped [batch, height, width, channels]:
// if ParamChannelsFirst is set, they are transposed before being fed to the model.
// It also applies the training augmentation configured with ParamAugmentFlip.
func FromChannelsLast(ctx *context.Context, batchedImages *Node) *Config {
	x := batchedImages
	if context.GetParamOr(ctx, ParamAugmentFlip, false) {
		x = RandomFlipLeftRight(ctx, x, images.ChannelsLast)
	}
	if context.GetParamOr(ctx, ParamChannelsFirst, false) {
		x = TransposeAllDims(x, 0, 3, 1, 2)
	}
	return FromContext(ctx, x)
}

// RandomFlipLeftRight flips each image horizontally with probability 0.5, but only during training.
// During inference x is returned unchanged.
func RandomFlipLeftRight(ctx *context.Context, x *Node, channelsAxis images.ChannelsAxisConfig) *Node {
	g := x.Graph()
	if !ctx.IsTraining(g) {
		return x
	}
	dtype := x.DType()
	spatialAxes := images.GetSpatialAxes(x, channelsAxis)
	widthAxis := spatialAxes[len(spatialAxes)-1]
	coin := ctx.RandomUniform(g, shapes.Make(dtype, x.Shape().Dimensions[0]))
	flip := LessThan(coin, Scalar(g, dtype, 0.5))
	return Where(flip, Reverse(x, widthAxis), x)
}
