// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package minigooglenet

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Number of parameters reported by Keras for MiniGoogLeNet on Cifar-10.
const (
	cifarTrainableParams    = 1_652_826
	cifarNonTrainableParams = 3_424
)

func TestDescribe(t *testing.T) {
	arch, err := Describe(Dims{Height: 32, Width: 32, Channels: 3}, DescribeOptions{})
	require.NoError(t, err)
	fmt.Printf("%s\n", arch.Table())

	wantOutputs := []Dims{
		{32, 32, 96},  // stem
		{32, 32, 64},  // inception(32, 32)
		{32, 32, 80},  // inception(32, 48)
		{15, 15, 160}, // downsample(80)
		{15, 15, 160}, // inception(112, 48)
		{15, 15, 160}, // inception(96, 64)
		{15, 15, 160}, // inception(80, 80)
		{15, 15, 144}, // inception(48, 96)
		{7, 7, 240},   // downsample(96)
		{7, 7, 336},   // inception(176, 160)
		{7, 7, 336},   // inception(176, 160)
		{1, 1, 336},   // pool
		{1, 1, 336},   // dropout
		{1, 1, 10},    // dense
		{1, 1, 10},    // softmax
	}
	require.Len(t, arch.Layers, len(wantOutputs))
	for ii, want := range wantOutputs {
		assert.Equalf(t, want, arch.Layers[ii].Output, "layer #%d (%s)", ii, arch.Layers[ii].Name)
	}
	assert.Equal(t, "000_stem", arch.Layers[0].Name)
	assert.Equal(t, "003_downsample", arch.Layers[3].Name)
	assert.Equal(t, "013_dense", arch.Layers[13].Name)
	assert.Equal(t, Dims{1, 1, 10}, arch.Output())

	assert.Equal(t, cifarTrainableParams, arch.TrainableParams)
	assert.Equal(t, cifarNonTrainableParams, arch.NonTrainableParams)
	assert.Equal(t, (336+1)*10, arch.Layers[13].TrainableParams)
	assert.Equal(t, (3*3*3+1)*96+2*96, arch.Layers[0].TrainableParams)
}

func TestDescribeLargerInputs(t *testing.T) {
	// 64 -> 31 -> 15 and the 7x7 pooling leaves a 2x2 map, flattened into the dense layer.
	arch, err := Describe(Dims{Height: 64, Width: 64, Channels: 3}, DescribeOptions{NumClasses: 100})
	require.NoError(t, err)
	pool := arch.Layers[len(Stages)]
	assert.Equal(t, "pool", pool.Kind)
	assert.Equal(t, Dims{2, 2, 336}, pool.Output)
	dense := arch.Layers[len(Stages)+2]
	assert.Equal(t, (2*2*336+1)*100, dense.TrainableParams)
	assert.Equal(t, Dims{1, 1, 100}, arch.Output())

	// Global pooling always reduces to 1x1.
	arch, err = Describe(Dims{Height: 64, Width: 48, Channels: 1}, DescribeOptions{PoolWindow: GlobalPool})
	require.NoError(t, err)
	assert.Equal(t, Dims{1, 1, 336}, arch.Layers[len(Stages)].Output)
}

func TestDescribeErrors(t *testing.T) {
	assert.Equal(t, 31, MinInputSize(DefaultPoolWindow))
	assert.Equal(t, 7, MinInputSize(GlobalPool))

	_, err := Describe(Dims{Height: 31, Width: 31, Channels: 3}, DescribeOptions{})
	require.NoError(t, err)
	_, err = Describe(Dims{Height: 30, Width: 32, Channels: 3}, DescribeOptions{})
	require.ErrorContains(t, err, "too small")
	_, err = Describe(Dims{Height: 7, Width: 7, Channels: 3}, DescribeOptions{PoolWindow: GlobalPool})
	require.NoError(t, err)
	_, err = Describe(Dims{Height: 5, Width: 5, Channels: 3}, DescribeOptions{PoolWindow: GlobalPool})
	require.ErrorContains(t, err, "too small")
	_, err = Describe(Dims{Height: 32, Width: 32, Channels: 0}, DescribeOptions{})
	require.Error(t, err)
	_, err = Describe(Dims{Height: 32, Width: 32, Channels: 3}, DescribeOptions{NumClasses: -1})
	require.Error(t, err)
	_, err = Describe(Dims{Height: 32, Width: 32, Channels: 3}, DescribeOptions{PoolWindow: -3})
	require.Error(t, err)
}

func TestBlockOutputChannels(t *testing.T) {
	assert.Equal(t, 96, Stages[0].OutputChannels(3))
	assert.Equal(t, 80, Block{Kind: InceptionBlock, Channels1x1: 32, Channels3x3: 48}.OutputChannels(64))
	assert.Equal(t, 160, Block{Kind: DownsampleBlock, Channels: 80}.OutputChannels(80))
	assert.Equal(t, "inception", InceptionBlock.String())
	assert.Equal(t, "BlockKind(7)", BlockKind(7).String())
}
