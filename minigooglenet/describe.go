// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package minigooglenet

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Dims are the dimensions of one image (or feature map), without the batch axis, and independent of the
// channels axis layout.
type Dims struct {
	Height, Width, Channels int
}

// String implements fmt.Stringer.
func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.Height, d.Width, d.Channels)
}

// Size is the number of values in the feature map.
func (d Dims) Size() int {
	return d.Height * d.Width * d.Channels
}

// DescribeOptions configures Describe. Zero values are replaced by the defaults of New.
type DescribeOptions struct {
	NumClasses int

	// PoolWindow is the average pooling window, see Config.PoolWindow.
	// Use GlobalPool to pool over all the remaining spatial positions.
	PoolWindow int
}

// GlobalPool can be given to Config.PoolWindow and DescribeOptions.PoolWindow to pool over all
// remaining spatial positions.
const GlobalPool = -1

// LayerInfo describes one layer of the network.
type LayerInfo struct {
	// Name is the context scope name used for the layer variables, if any.
	Name string

	// Kind of the layer: the kind of the Block for the body, or "pool", "dropout", "dense" and "softmax"
	// for the head.
	Kind string

	// Output dimensions of the layer.
	Output Dims

	// TrainableParams are the number of learned values: convolution kernels and biases, batch normalization
	// scale and offset and the dense weights and biases.
	TrainableParams int

	// NonTrainableParams are the batch normalization moving mean and variance.
	NonTrainableParams int
}

// Architecture is the static description of a MiniGoogLeNet for a given input.
type Architecture struct {
	Input  Dims
	Layers []LayerInfo

	TrainableParams, NonTrainableParams int
}

// convModuleParams returns the trainable and non-trainable number of parameters of a ConvModule.
func convModuleParams(inputChannels, channels, kernelHeight, kernelWidth int) (trainable, nonTrainable int) {
	trainable = (kernelHeight*kernelWidth*inputChannels+1)*channels + 2*channels
	nonTrainable = 2 * channels
	return
}

// validOutputDim is the output dimension of a window with no padding.
func validOutputDim(dim, window, stride int) int {
	return (dim-window)/stride + 1
}

// MinInputSize returns the smallest height (or width) accepted by the network for the given average
// pooling window.
func MinInputSize(poolWindow int) int {
	if poolWindow == GlobalPool || poolWindow <= 0 {
		poolWindow = 1
	}
	// Inverse of the two downsample modules: d -> (d-3)/2+1.
	size := poolWindow
	for range 2 {
		size = 2*(size-1) + 3
	}
	return size
}

// Describe returns the layers of MiniGoogLeNet for the given input dimensions, with their output dimensions
// and number of parameters. It doesn't use any backend and can be used to validate inputs before building a
// model.
//
// The number of trainable parameters matches the variables created by Config.Done.
func Describe(input Dims, opts DescribeOptions) (*Architecture, error) {
	if opts.NumClasses == 0 {
		opts.NumClasses = DefaultNumClasses
	}
	if opts.PoolWindow == 0 {
		opts.PoolWindow = DefaultPoolWindow
	}
	if opts.NumClasses < 0 {
		return nil, errors.Errorf("invalid number of classes %d", opts.NumClasses)
	}
	if opts.PoolWindow < 0 && opts.PoolWindow != GlobalPool {
		return nil, errors.Errorf("invalid pooling window %d", opts.PoolWindow)
	}
	if input.Height <= 0 || input.Width <= 0 || input.Channels <= 0 {
		return nil, errors.Errorf("invalid input dimensions %s", input)
	}

	arch := &Architecture{Input: input}
	add := func(layer LayerInfo) {
		arch.Layers = append(arch.Layers, layer)
		arch.TrainableParams += layer.TrainableParams
		arch.NonTrainableParams += layer.NonTrainableParams
	}

	current := input
	for idx, block := range Stages {
		layer := LayerInfo{Name: stageScopeName(idx, block.Kind), Kind: block.Kind.String()}
		var t, nt int
		switch block.Kind {
		case StemBlock:
			t, nt = convModuleParams(current.Channels, block.Channels, 3, 3)
			layer.TrainableParams, layer.NonTrainableParams = t, nt

		case InceptionBlock:
			t, nt = convModuleParams(current.Channels, block.Channels1x1, 1, 1)
			layer.TrainableParams, layer.NonTrainableParams = t, nt
			t, nt = convModuleParams(current.Channels, block.Channels3x3, 3, 3)
			layer.TrainableParams += t
			layer.NonTrainableParams += nt

		case DownsampleBlock:
			if current.Height < 3 || current.Width < 3 {
				return nil, errors.Errorf("input %s too small: stage %s gets a %dx%d feature map, "+
					"but it requires at least 3x3 -- minimum input size is %dx%d",
					input, layer.Name, current.Height, current.Width,
					MinInputSize(opts.PoolWindow), MinInputSize(opts.PoolWindow))
			}
			t, nt = convModuleParams(current.Channels, block.Channels, 3, 3)
			layer.TrainableParams, layer.NonTrainableParams = t, nt
			current.Height = validOutputDim(current.Height, 3, 2)
			current.Width = validOutputDim(current.Width, 3, 2)

		default:
			return nil, errors.Errorf("unknown block kind %s in stage %d", block.Kind, idx)
		}
		current.Channels = block.OutputChannels(current.Channels)
		layer.Output = current
		add(layer)
	}

	// Head: average pooling.
	idx := len(Stages)
	windowHeight, windowWidth := opts.PoolWindow, opts.PoolWindow
	if opts.PoolWindow == GlobalPool {
		windowHeight, windowWidth = current.Height, current.Width
	}
	if current.Height < windowHeight || current.Width < windowWidth {
		return nil, errors.Errorf("input %s too small: the average pooling gets a %dx%d feature map, "+
			"but its window is %dx%d -- minimum input size is %dx%d",
			input, current.Height, current.Width, windowHeight, windowWidth,
			MinInputSize(opts.PoolWindow), MinInputSize(opts.PoolWindow))
	}
	current.Height = validOutputDim(current.Height, windowHeight, windowHeight)
	current.Width = validOutputDim(current.Width, windowWidth, windowWidth)
	add(LayerInfo{Name: stageScopeName(idx, headKind("pool")), Kind: "pool", Output: current})
	idx++

	add(LayerInfo{Name: stageScopeName(idx, headKind("dropout")), Kind: "dropout", Output: current})
	idx++

	flattened := current.Size()
	dense := Dims{Height: 1, Width: 1, Channels: opts.NumClasses}
	add(LayerInfo{
		Name:            stageScopeName(idx, headKind("dense")),
		Kind:            "dense",
		Output:          dense,
		TrainableParams: (flattened + 1) * opts.NumClasses,
	})
	idx++
	add(LayerInfo{Name: stageScopeName(idx, headKind("softmax")), Kind: "softmax", Output: dense})
	return arch, nil
}

// headKind names the layers of the head, to be used with stageScopeName.
type headKind string

func (k headKind) String() string { return string(k) }

// Output returns the dimensions of the last layer.
func (arch *Architecture) Output() Dims {
	if len(arch.Layers) == 0 {
		return arch.Input
	}
	return arch.Layers[len(arch.Layers)-1].Output
}

// tableBorderColor is an ANSI 256 color code.
const tableBorderColor = "244"

// Table renders the architecture as a table, for terminals.
func (arch *Architecture) Table() string {
	headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	numberStyle := cellStyle.Align(lipgloss.Right)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col >= 3:
				return numberStyle
			default:
				return cellStyle
			}
		}).
		Headers("Layer", "Kind", "Output", "Trainable", "Non-trainable")
	t.Row("input", "", arch.Input.String(), "", "")
	for _, layer := range arch.Layers {
		t.Row(layer.Name, layer.Kind, layer.Output.String(),
			humanize.Comma(int64(layer.TrainableParams)),
			humanize.Comma(int64(layer.NonTrainableParams)))
	}
	t.Row("total", "", "", humanize.Comma(int64(arch.TrainableParams)),
		humanize.Comma(int64(arch.NonTrainableParams)))
	return t.String()
}
