// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"fmt"
	"os"
	"path"
	"slices"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/minigooglenet/minigooglenet"
	"github.com/gomlx/minigooglenet/ui/lossplot"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameters of the training driver, see CreateDefaultContext.
const (
	// ParamDataset selects the data source: "cifar10" or "cifar100".
	ParamDataset = "dataset"

	// ParamTrainSteps is the target global step of training.
	ParamTrainSteps = "train_steps"

	// ParamBatchSize for training.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize can be larger than training, it's more efficient.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamCheckpointPeriod is the time in seconds between checkpoints saved during training.
	ParamCheckpointPeriod = "checkpoint_period_secs"

	// ParamLossPlot, if set, generates a PNG with the training curves in the checkpoint directory.
	ParamLossPlot = "loss_plot"
)

// LossPlotFileName is the name of the PNG file with the training curves, saved in the checkpoint directory.
const LossPlotFileName = "training_plot.png"

var (
	// DType used in the model.
	DType = dtypes.Float32

	// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
	// along on the models checkpoints, and may be overwritten in further training sessions.
	ParamsExcludedFromSaving = []string{
		ParamTrainSteps, ParamNumCheckpoints, ParamCheckpointPeriod, plotly.ParamPlots, ParamLossPlot,
	}
)

// CreateDefaultContext sets the context with default hyperparameters for training MiniGoogLeNet.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		ParamDataset:          C10.String(),
		ParamTrainSteps:       20_000,
		ParamBatchSize:        64,
		ParamEvalBatchSize:    200,
		ParamNumCheckpoints:   3,
		ParamCheckpointPeriod: 180,

		// "plots" trigger generating intermediary eval data for plotting, and if running in GoNB, to actually
		// draw the plot with Plotly.
		plotly.ParamPlots: false,
		ParamLossPlot:     true,

		optimizers.ParamOptimizer:           "sgd",
		optimizers.ParamLearningRate:        1e-2,
		cosineschedule.ParamPeriodSteps:     0, // 0 disables the cosine schedule.
		cosineschedule.ParamMinLearningRate: 1e-4,
		regularizers.ParamL2:                1e-4,

		// Model.
		minigooglenet.ParamNumClasses:    minigooglenet.DefaultNumClasses,
		minigooglenet.ParamDropoutRate:   minigooglenet.DefaultDropoutRate,
		minigooglenet.ParamPoolWindow:    minigooglenet.DefaultPoolWindow,
		minigooglenet.ParamChannelsFirst: false,
		minigooglenet.ParamAugmentFlip:   true,
	})
	return ctx
}

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// CreateDatasets returns the shuffled and infinite training dataset, and the one-epoch train and test datasets
// used for evaluation.
func CreateDatasets(backend backends.Backend, dataDir string, source DataSource, batchSize, evalBatchSize int) (
	trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	baseTrain, err := NewDataset(backend, "Training", dataDir, source, DType, Train)
	if err != nil {
		return
	}
	baseTest, err := NewDataset(backend, "Validation", dataDir, source, DType, Test)
	if err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}

// ConfigureNumClasses returns the data source selected by ParamDataset and the number of classes of the model.
//
// Cifar-100 sets minigooglenet.ParamNumClasses to 100, unless the user set it (it is listed in paramsSet).
// It returns an error if the model has fewer classes than the data source.
func ConfigureNumClasses(ctx *context.Context, paramsSet []string) (source DataSource, numClasses int, err error) {
	source, err = ParseDataSource(context.GetParamOr(ctx, ParamDataset, C10.String()))
	if err != nil {
		return
	}
	if source == C100 && !slices.Contains(paramsSet, minigooglenet.ParamNumClasses) {
		ctx.SetParam(minigooglenet.ParamNumClasses, source.NumClasses())
	}
	numClasses = context.GetParamOr(ctx, minigooglenet.ParamNumClasses, minigooglenet.DefaultNumClasses)
	if numClasses < source.NumClasses() {
		err = errors.Errorf("%s has %d classes, but the model was configured with %s=%d",
			source, source.NumClasses(), minigooglenet.ParamNumClasses, numClasses)
	}
	return
}

// TrainModel trains MiniGoogLeNet with the hyperparameters given in ctx.
//
// If checkpointPath is given (relative paths are taken from dataDir), the model is saved periodically,
// and training continues from the last checkpoint if one exists.
// paramsSet are the hyperparameters set by the user, which take precedence over those loaded from the checkpoint.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int,
	paramsSet []string) error {
	return exceptions.TryCatch[error](func() { mustTrain(ctx, dataDir, checkpointPath, evaluateOnEnd, verbosity, paramsSet) })
}

func mustTrain(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int,
	paramsSet []string) {
	// Data directory: datasets and top-level directory holding checkpoints for different models.
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Checkpoints loading (and saving): it overwrites the hyperparameters not in paramsSet.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	source, numClasses := must.M2(ConfigureNumClasses(ctx, paramsSet))

	// Validate the model configuration before any expensive work.
	arch := must.M1(minigooglenet.Describe(
		minigooglenet.Dims{Height: Height, Width: Width, Channels: Depth},
		minigooglenet.DescribeOptions{
			NumClasses: numClasses,
			PoolWindow: context.GetParamOr(ctx, minigooglenet.ParamPoolWindow, minigooglenet.DefaultPoolWindow),
		}))
	klog.V(1).Infof("MiniGoogLeNet with %d trainable parameters", arch.TrainableParams)
	if verbosity >= 2 {
		fmt.Println(arch.Table())
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	// Create datasets used for training and evaluation.
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 0)
	if batchSize <= 0 {
		exceptions.Panicf("batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, testEvalDS, err := CreateDatasets(Backend, dataDir, source, batchSize, evalBatchSize)
	must.M(err)

	// Metrics we are interested.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	ctx = ctx.In("model") // Convention scope used for model creation.
	trainer := train.NewTrainer(Backend, ctx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Checkpoint saving: periodically and at the end of training.
	if checkpoint != nil {
		period := time.Second * time.Duration(context.GetParamOr(ctx, ParamCheckpointPeriod, 180))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps.
	// The points generated are saved along the checkpoint directory (if one is given).
	usePlotly := context.GetParamOr(ctx, plotly.ParamPlots, false)
	if usePlotly {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, testEvalDS).
			ScheduleExponential(loop, 200, 1.2).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// PNG with the training curves, saved in the checkpoint directory at the end of training.
	if checkpoint != nil && context.GetParamOr(ctx, ParamLossPlot, false) {
		lossPlot := lossplot.New(path.Join(checkpoint.Dir(), LossPlotFileName))
		if usePlotly {
			// Plotly already saves the points in the checkpoint directory.
			if err := lossPlot.LoadCheckpointData(checkpoint.Dir()); err != nil {
				klog.V(1).Infof("No previous training plot points: %v", err)
			}
		} else {
			lossPlot.WithCheckpointDir(checkpoint.Dir())
		}
		lossPlot.WithDatasets(trainEvalDS, testEvalDS).
			WithBatchNormalizationAveragesUpdate(trainEvalDS).
			ScheduleExponential(loop, 200, 1.2)
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
		if verbosity >= 1 {
			fmt.Printf("Restarting training from global_step=%d\n", globalStep)
		}
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages.
		if must.M1(batchnorm.UpdateAverages(trainer, trainEvalDS)) {
			if verbosity >= 1 {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}

	} else {
		fmt.Printf("\t - target %s=%d already reached. To train further, set a number additional "+
			"to current global step.\n", ParamTrainSteps, numTrainSteps)
	}

	// Finally, print an evaluation on train and test datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, testEvalDS, trainEvalDS))
	}
}

// ModelGraph implements train.ModelFn: it configures the learning rate schedule (if enabled with
// cosineschedule.ParamPeriodSteps) and builds MiniGoogLeNet, returning its logits.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	batchedImages := inputs[0]
	cosineschedule.New(ctx, batchedImages.Graph(), batchedImages.DType()).FromContext().Done()
	return minigooglenet.ModelGraph(ctx, spec, inputs)
}
