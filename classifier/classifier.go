// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a MiniGoogLeNet model trained with the cifar package.
// It loads the model from a checkpoint and offers a Classify method that will classify any image,
// by first resizing it to the model's input size.
//
// Example:
//
//	c, err := classifier.New("~/work/minigooglenet/base")
//	...
//	class, probs, err := c.Classify(img)
//	fmt.Printf("%s (%.1f%%)\n", c.Label(class), 100*probs[class])
package classifier

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/minigooglenet/cifar"
	"github.com/gomlx/minigooglenet/minigooglenet"
	"github.com/pkg/errors"
)

// Classifier holds the MiniGoogLeNet model compiled.
// It will use XLA with GPU if available or CPU by default. But the backend can be configured with GOMLX_BACKEND.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights and hyperparameters.
	ctx *context.Context

	// exec returns the class with the highest probability and the probabilities of all classes.
	exec *context.Exec

	labels     []string
	numClasses int
}

// New creates a Classifier from the checkpoint saved by cifar.TrainModel in checkpointDir.
// All hyperparameters are read from the checkpoint, so it builds the same model that was trained.
func New(checkpointDir string) (*Classifier, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	return NewWithBackend(backend, checkpointDir)
}

// NewWithBackend is like New, but uses the given backend.
func NewWithBackend(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backend,
		ctx:     context.New(),
	}
	// We don't keep the checkpoint handler around, since we are not going to save.
	_, err := checkpoints.Load(c.ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed loading MiniGoogLeNet model from %q", checkpointDir)
	}
	// Creating new variables becomes an error: they should all come from the checkpoint.
	c.ctx = c.ctx.Reuse()

	source, err := cifar.ParseDataSource(context.GetParamOr(c.ctx, cifar.ParamDataset, cifar.C10.String()))
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid checkpoint %q", checkpointDir)
	}
	c.labels = source.Labels()
	c.numClasses = context.GetParamOr(c.ctx, minigooglenet.ParamNumClasses, minigooglenet.DefaultNumClasses)
	_, err = minigooglenet.Describe(
		minigooglenet.Dims{Height: cifar.Height, Width: cifar.Width, Channels: cifar.Depth},
		minigooglenet.DescribeOptions{
			NumClasses: c.numClasses,
			PoolWindow: context.GetParamOr(c.ctx, minigooglenet.ParamPoolWindow, minigooglenet.DefaultPoolWindow),
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from checkpoint %q", checkpointDir)
	}

	c.exec, err = context.NewExec(c.backend, c.ctx.In("model"),
		func(ctx *context.Context, image *Node) (class, probs *Node) {
			image = ExpandAxes(image, 0) // Batch of size 1.
			probs = minigooglenet.FromChannelsLast(ctx, image).Softmax(true).Done()
			probs = Reshape(probs, c.numClasses) // Remove batch axis.
			class = ArgMax(probs, -1, dtypes.Int32)
			return
		})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Classify resizes the image to the model's input size, cifar.Width x cifar.Height, and returns the class
// with the highest probability along with the probabilities of all classes.
func (c *Classifier) Classify(img image.Image) (class int32, probs []float32, err error) {
	bounds := img.Bounds()
	if bounds.Empty() {
		return 0, nil, errors.New("classifier: can't classify an empty image")
	}
	if bounds.Dx() != cifar.Width || bounds.Dy() != cifar.Height {
		img = imaging.Fill(img, cifar.Width, cifar.Height, imaging.Center, imaging.Lanczos)
	}
	input := images.ToTensor(cifar.DType).Single(img)
	defer input.MustFinalizeAll()
	classT, probsT, err := c.exec.Exec2(input)
	if err != nil {
		return 0, nil, errors.WithMessage(err, "classifier: failed to execute model")
	}
	class = tensors.ToScalar[int32](classT)
	probs = tensors.MustCopyFlatData[float32](probsT)
	classT.MustFinalizeAll()
	probsT.MustFinalizeAll()
	return class, probs, nil
}

// NumClasses returns the number of classes of the model.
func (c *Classifier) NumClasses() int {
	return c.numClasses
}

// Label returns the name of the class, or "#<class>" if the class has no known name.
func (c *Classifier) Label(class int32) string {
	if class >= 0 && int(class) < len(c.labels) {
		return c.labels[class]
	}
	return fmt.Sprintf("#%d", class)
}
