// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package minigooglenet

import "fmt"

// BlockKind enumerates the kinds of stages that compose the body of the network.
type BlockKind int

const (
	// StemBlock is a single 3x3 ConvModule with "same" padding and stride 1.
	StemBlock BlockKind = iota

	// InceptionBlock concatenates a 1x1 and a 3x3 ConvModule, see InceptionModule.
	InceptionBlock

	// DownsampleBlock concatenates a strided 3x3 ConvModule and a 3x3 max-pool, see DownsampleModule.
	DownsampleBlock
)

// String implements fmt.Stringer.
func (k BlockKind) String() string {
	switch k {
	case StemBlock:
		return "stem"
	case InceptionBlock:
		return "inception"
	case DownsampleBlock:
		return "downsample"
	default:
		return fmt.Sprintf("BlockKind(%d)", int(k))
	}
}

// Block is one stage of the network body.
//
// For InceptionBlock, Channels1x1 and Channels3x3 are the output channels of each branch.
// For StemBlock and DownsampleBlock, Channels is the number of output channels of the convolution.
type Block struct {
	Kind                     BlockKind
	Channels1x1, Channels3x3 int
	Channels                 int
}

// OutputChannels returns the number of channels produced by the block, given the number of input channels.
func (b Block) OutputChannels(inputChannels int) int {
	switch b.Kind {
	case InceptionBlock:
		return b.Channels1x1 + b.Channels3x3
	case DownsampleBlock:
		// The max-pool branch preserves the input channels.
		return b.Channels + inputChannels
	default:
		return b.Channels
	}
}

// Stages is the body of MiniGoogLeNet, in order. The head (average pooling, dropout, dense and softmax)
// follows the last stage.
var Stages = []Block{
	{Kind: StemBlock, Channels: 96},

	{Kind: InceptionBlock, Channels1x1: 32, Channels3x3: 32},
	{Kind: InceptionBlock, Channels1x1: 32, Channels3x3: 48},
	{Kind: DownsampleBlock, Channels: 80},

	{Kind: InceptionBlock, Channels1x1: 112, Channels3x3: 48},
	{Kind: InceptionBlock, Channels1x1: 96, Channels3x3: 64},
	{Kind: InceptionBlock, Channels1x1: 80, Channels3x3: 80},
	{Kind: InceptionBlock, Channels1x1: 48, Channels3x3: 96},
	{Kind: DownsampleBlock, Channels: 96},

	{Kind: InceptionBlock, Channels1x1: 176, Channels3x3: 160},
	{Kind: InceptionBlock, Channels1x1: 176, Channels3x3: 160},
}

// stageScopeName is the context scope used for the stage with the given index.
// Describe uses the same names for its layers.
func stageScopeName(idx int, kind fmt.Stringer) string {
	return fmt.Sprintf("%03d_%s", idx, kind)
}
