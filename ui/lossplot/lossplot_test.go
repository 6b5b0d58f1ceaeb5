// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lossplot

import (
	"bytes"
	"math"
	"os"
	"path"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

func syntheticPoints() []plots.Point {
	var points []plots.Point
	for step := 0; step <= 1000; step += 100 {
		s := float64(step)
		points = append(points,
			plots.Point{MetricName: "Train: Moving Average Loss", Short: "T/~loss", MetricType: "loss",
				Step: s, Value: 2.3 * math.Exp(-s/400)},
			plots.Point{MetricName: "Mean Loss on Validation", Short: "#loss(Val)", MetricType: "loss",
				Step: s, Value: 2.3*math.Exp(-s/500) + 0.1},
			plots.Point{MetricName: "Mean Accuracy on Validation", Short: "#acc(Val)", MetricType: "accuracy",
				Step: s, Value: 1 - math.Exp(-s/300)},
		)
	}
	return points
}

func TestSave(t *testing.T) {
	p := New("")
	for _, pt := range syntheticPoints() {
		p.AddPoint(pt)
	}
	// Invalid points are ignored.
	p.AddPoint(plots.Point{MetricName: "broken", MetricType: "broken", Step: 1, Value: math.NaN()})
	p.DynamicSampleDone(false)
	assert.Equal(t, []string{"loss", "accuracy"}, p.MetricTypes())
	assert.Equal(t, 1, p.NumSamples())

	filePath := path.Join(t.TempDir(), "training.png")
	require.NoError(t, p.Save(filePath))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(contents, pngSignature), "saved file is not a PNG")
}

func TestSaveEmpty(t *testing.T) {
	p := New("")
	require.Error(t, p.Save(path.Join(t.TempDir(), "empty.png")))
}

func TestLoadCheckpointData(t *testing.T) {
	checkpointDir := t.TempDir()
	writer, errReport := plots.CreatePointsWriter(path.Join(checkpointDir, plots.TrainingPlotFileName))
	points := syntheticPoints()
	for _, pt := range points {
		writer <- pt
	}
	close(writer)
	require.NoError(t, <-errReport)

	p := New("")
	require.NoError(t, p.LoadCheckpointData(checkpointDir))
	assert.Equal(t, 11, p.NumSamples())
	assert.Len(t, p.series["loss"], 2)
	assert.Len(t, p.series["accuracy"]["Mean Accuracy on Validation"], 11)

	require.Error(t, New("").LoadCheckpointData(path.Join(checkpointDir, "missing")))
}

func TestWithCheckpointDir(t *testing.T) {
	checkpointDir := t.TempDir()

	// First session: nothing to load, all points are saved.
	p := New("").WithCheckpointDir(checkpointDir)
	for _, pt := range syntheticPoints() {
		p.AddPoint(pt)
	}
	require.NoError(t, p.Close())
	require.NoError(t, p.Close()) // Closing twice is fine.

	// Second session continues the curves of the first one.
	p = New("").WithCheckpointDir(checkpointDir)
	assert.Equal(t, 11, p.NumSamples())
	assert.Len(t, p.series["accuracy"]["Mean Accuracy on Validation"], 11)
	p.AddPoint(plots.Point{MetricName: "Mean Accuracy on Validation", Short: "#acc(Val)", MetricType: "accuracy",
		Step: 1100, Value: 0.99})
	require.NoError(t, p.Close())

	// Loaded points are not duplicated in the file, only the new one is appended.
	p = New("")
	require.NoError(t, p.LoadCheckpointData(checkpointDir))
	assert.Equal(t, 12, p.NumSamples())
	accuracy := p.series["accuracy"]["Mean Accuracy on Validation"]
	require.Len(t, accuracy, 12)
	assert.Equal(t, 1100.0, accuracy[11].X)
	assert.Len(t, p.series["loss"]["Train: Moving Average Loss"], 11)
}

// linearModel is a 1-unit dense layer, trained to fit a line with the mean squared error.
func linearModel(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return []*Node{layers.Dense(ctx.In("linear"), inputs[0], true, 1)}
}

func TestScheduleEveryNSteps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ds, err := datasets.InMemoryFromData(backend, "line",
		[]any{[][]float32{{0}, {1}, {2}, {3}}},
		[]any{[][]float32{{1}, {3}, {5}, {7}}})
	require.NoError(t, err)
	trainDS := ds.Copy().BatchSize(2, true).Infinite(true)
	evalDS := ds.BatchSize(2, false)

	ctx := context.New()
	trainer := train.NewTrainer(backend, ctx, linearModel, losses.MeanSquaredError,
		optimizers.StochasticGradientDescent().WithLearningRate(0.01).Done(), nil, nil)
	loop := train.NewLoop(trainer)

	checkpointDir := t.TempDir()
	filePath := path.Join(checkpointDir, "training.png")
	p := New(filePath).
		WithCheckpointDir(checkpointDir).
		WithDatasets(evalDS).
		WithBatchNormalizationAveragesUpdate(evalDS).
		ScheduleEveryNSteps(loop, 5)
	_, err = loop.RunSteps(trainDS, 20)
	require.NoError(t, err)

	assert.Equal(t, 4, p.NumSamples())
	assert.Contains(t, p.MetricTypes(), "loss")
	assert.Len(t, p.series["loss"]["Mean Loss on line"], 4)

	// The PNG is saved and the points were flushed at the end of the loop.
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(contents, pngSignature), "saved file is not a PNG")
	points, err := plots.LoadPointsFromCheckpoint(checkpointDir)
	require.NoError(t, err)
	assert.NotEmpty(t, points)
}
