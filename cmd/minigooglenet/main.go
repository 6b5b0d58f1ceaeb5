// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// minigooglenet trains MiniGoogLeNet on Cifar-10 or Cifar-100, and classifies images with a trained model.
//
// Train, with checkpoints saved under the data directory:
//
//	minigooglenet -checkpoint=base -set="train_steps=50000;batch_size=128"
//
// Print the layers of the model, given its hyperparameters:
//
//	minigooglenet -summary -set="minigooglenet_num_classes=100"
//
// Classify images with a trained model:
//
//	minigooglenet -checkpoint=base -classify cat.jpg dog.png
package main

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/minigooglenet/cifar"
	"github.com/gomlx/minigooglenet/classifier"
	"github.com/gomlx/minigooglenet/minigooglenet"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/cifar", "Directory to cache downloaded dataset files and "+
		"to hold checkpoints of different models.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory save and load checkpoints from, relative to --data. "+
		"If left empty, no checkpoints are created.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the train and test datasets in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagSummary   = flag.Bool("summary", false, "Print the layers of the model configured and exit.")
	flagClassify  = flag.Bool("classify", false, "Classify the images given as arguments, using the model "+
		"in --checkpoint, instead of training.")
)

func main() {
	ctx := cifar.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	switch {
	case *flagSummary:
		must.M(printSummary(ctx, paramsSet))
	case *flagClassify:
		must.M(classifyImages(flag.Args()))
	default:
		if flag.NArg() > 0 {
			klog.Exitf("Unexpected arguments %q: images are only accepted with -classify.", flag.Args())
		}
		must.M(cifar.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet))
	}
}

// printSummary of the model configured in ctx, for the Cifar input size.
func printSummary(ctx *context.Context, paramsSet []string) error {
	arch, err := describeModel(ctx, paramsSet)
	if err != nil {
		return err
	}
	fmt.Println(arch.Table())
	return nil
}

// describeModel configured in ctx, with the number of classes selected the same way cifar.TrainModel does.
func describeModel(ctx *context.Context, paramsSet []string) (*minigooglenet.Architecture, error) {
	_, numClasses, err := cifar.ConfigureNumClasses(ctx, paramsSet)
	if err != nil {
		return nil, err
	}
	return minigooglenet.Describe(
		minigooglenet.Dims{Height: cifar.Height, Width: cifar.Width, Channels: cifar.Depth},
		minigooglenet.DescribeOptions{
			NumClasses: numClasses,
			PoolWindow: context.GetParamOr(ctx, minigooglenet.ParamPoolWindow, minigooglenet.DefaultPoolWindow),
		})
}

// classifyImages with the model in --checkpoint, and print the top class of each one.
func classifyImages(imagePaths []string) error {
	if *flagCheckpoint == "" {
		return errors.New("-classify requires -checkpoint to be set")
	}
	if len(imagePaths) == 0 {
		return errors.New("-classify requires the paths to the images as arguments")
	}
	checkpointDir := *flagCheckpoint
	if !path.IsAbs(checkpointDir) {
		checkpointDir = path.Join(fsutil.MustReplaceTildeInDir(*flagDataDir), checkpointDir)
	}
	c, err := classifier.New(checkpointDir)
	if err != nil {
		return err
	}
	out := termenv.NewOutput(os.Stdout)
	for _, imagePath := range imagePaths {
		img, err := imaging.Open(fsutil.MustReplaceTildeInDir(imagePath), imaging.AutoOrientation(true))
		if err != nil {
			return errors.Wrapf(err, "failed to load image %q", imagePath)
		}
		class, probs, err := c.Classify(img)
		if err != nil {
			return errors.WithMessagef(err, "classifying %q", imagePath)
		}
		label := out.String(c.Label(class)).Bold().Foreground(out.Color("12"))
		fmt.Printf("%s:\t%s (%.1f%%)\n", imagePath, label, 100*probs[class])
	}
	return nil
}
