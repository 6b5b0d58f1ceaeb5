// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lossplot collects training metrics (loss and accuracy) and renders them into a PNG file using
// gonum/plot, one chart per metric type stacked vertically.
//
// It implements plots.Plotter, so it can be fed by plots.AddTrainAndEvalMetrics during training, or
// from the points saved in a checkpoint directory (see LoadCheckpointData and WithCheckpointDir).
//
// Typical use, attached to a training loop:
//
//	_ = lossplot.New(path.Join(checkpoint.Dir(), "training.png")).
//		WithCheckpointDir(checkpoint.Dir()).
//		WithDatasets(trainEvalDS, testEvalDS).
//		WithBatchNormalizationAveragesUpdate(trainEvalDS).
//		ScheduleExponential(loop, 200, 1.2)
package lossplot

import (
	"math"
	"os"
	"path"
	"slices"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"k8s.io/klog/v2"
)

// Size of each chart (one per metric type) in the generated image.
var (
	ChartWidth  = 10 * vg.Inch
	ChartHeight = 4 * vg.Inch
)

// Plots holds the collected points and renders them. Create it with New.
type Plots struct {
	filePath string

	// metricTypes in the order they were first seen, each with its series of points, per metric name.
	metricTypes []string
	series      map[string]map[string]plotter.XYs

	// EvalDatasets evaluated at each collection step, see WithDatasets.
	EvalDatasets []train.Dataset

	batchNormAveragesDS train.Dataset
	lastStepCollected   int
	numSamples          int
	attachedOnEnd       bool

	// pointsWriter appends new points to the checkpoint directory, see WithCheckpointDir.
	pointsWriter    chan<- plots.Point
	errPointsWriter <-chan error
}

// New creates a new Plots that will be saved to filePath (a PNG file) at the end of training.
// If filePath is empty, it is not automatically saved, use Save instead.
func New(filePath string) *Plots {
	return &Plots{
		filePath:          filePath,
		series:            make(map[string]map[string]plotter.XYs),
		lastStepCollected: -1,
	}
}

// WithDatasets configures the datasets to evaluate at each collecting step.
// It returns itself to allow cascading configuration method calls.
func (p *Plots) WithDatasets(datasets ...train.Dataset) *Plots {
	p.EvalDatasets = datasets
	return p
}

// WithCheckpointDir loads the points previously saved in checkpointDir (if any) and appends the new ones
// to the same file (plots.TrainingPlotFileName), so the curves continue across training sessions.
//
// Don't use it if plotly.PlotConfig.WithCheckpoint already writes the points to the same directory:
// use LoadCheckpointData instead.
//
// It returns itself to allow cascading configuration method calls.
func (p *Plots) WithCheckpointDir(checkpointDir string) *Plots {
	checkpointDir = fsutil.MustReplaceTildeInDir(checkpointDir)
	if err := p.Close(); err != nil {
		klog.Errorf("Failed to write training plot points: %+v", err)
	}
	filePath := path.Join(checkpointDir, plots.TrainingPlotFileName)
	if fsutil.MustFileExists(filePath) {
		if err := p.LoadCheckpointData(checkpointDir); err != nil {
			klog.Errorf("Previous training plot points ignored: %+v", err)
		}
	}
	p.pointsWriter, p.errPointsWriter = plots.CreatePointsWriter(filePath)
	return p
}

// WithBatchNormalizationAveragesUpdate configures a 1-epoch dataset used to update the batch normalization
// averages before each evaluation.
// It returns itself to allow cascading configuration method calls.
func (p *Plots) WithBatchNormalizationAveragesUpdate(oneEpochDS train.Dataset) *Plots {
	p.batchNormAveragesDS = oneEpochDS
	return p
}

// ScheduleExponential collection of points, starting at startStep and increasing the interval by stepFactor.
// It returns itself to allow cascading configuration method calls.
func (p *Plots) ScheduleExponential(loop *train.Loop, startStep int, stepFactor float64) *Plots {
	train.ExponentialCallback(loop, startStep, stepFactor, true, "lossplot.collect", 0, p.collect)
	p.attachOnEnd(loop)
	return p
}

// ScheduleEveryNSteps collection of points.
// It returns itself to allow cascading configuration method calls.
func (p *Plots) ScheduleEveryNSteps(loop *train.Loop, n int) *Plots {
	train.EveryNSteps(loop, n, "lossplot.collect", 0, p.collect)
	p.attachOnEnd(loop)
	return p
}

func (p *Plots) collect(loop *train.Loop, metrics []*tensors.Tensor) error {
	if p.lastStepCollected >= loop.LoopStep {
		return nil
	}
	p.lastStepCollected = loop.LoopStep
	return plots.AddTrainAndEvalMetrics(p, loop, metrics, p.EvalDatasets, p.batchNormAveragesDS)
}

func (p *Plots) attachOnEnd(loop *train.Loop) {
	if p.attachedOnEnd {
		return
	}
	p.attachedOnEnd = true
	loop.OnEnd("lossplot.Save", 130, func(_ *train.Loop, _ []*tensors.Tensor) error {
		if err := p.Close(); err != nil {
			klog.Errorf("Failed to write training plot points: %+v", err)
		}
		if p.filePath == "" {
			return nil
		}
		if err := p.Save(p.filePath); err != nil {
			// A failed plot should not fail training.
			klog.Errorf("Failed to save training plot: %+v", err)
			return nil
		}
		klog.V(1).Infof("Training plot saved to %q", p.filePath)
		return nil
	})
}

// Close stops writing points to the checkpoint directory configured with WithCheckpointDir, and returns
// any error that happened while writing them.
// It is called automatically at the end of the training loop, and it's a no-op if there is nothing to close.
func (p *Plots) Close() error {
	if p.pointsWriter == nil {
		return nil
	}
	close(p.pointsWriter)
	p.pointsWriter = nil
	return <-p.errPointsWriter
}

// AddPoint implements plots.Plotter. Invalid values (NaN or infinite) are ignored.
//
// If configured WithCheckpointDir, the point is also saved.
func (p *Plots) AddPoint(pt plots.Point) {
	if !p.addPoint(pt) {
		return
	}
	if p.pointsWriter != nil {
		p.pointsWriter <- pt
	}
}

// addPoint to the series, and returns whether it was valid.
func (p *Plots) addPoint(pt plots.Point) bool {
	if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) || math.IsNaN(pt.Step) || math.IsInf(pt.Step, 0) {
		return false
	}
	metricType := pt.MetricType
	if metricType == "" {
		metricType = "other"
	}
	byName, found := p.series[metricType]
	if !found {
		byName = make(map[string]plotter.XYs)
		p.series[metricType] = byName
		p.metricTypes = append(p.metricTypes, metricType)
	}
	byName[pt.MetricName] = append(byName[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
	return true
}

// DynamicSampleDone implements plots.Plotter.
func (p *Plots) DynamicSampleDone(incomplete bool) {
	p.numSamples++
	if incomplete {
		klog.Warningf("lossplot: sample #%d has invalid (NaN or infinite) metrics", p.numSamples)
	}
}

// NumSamples returns the number of times metrics were collected.
func (p *Plots) NumSamples() int {
	return p.numSamples
}

// MetricTypes returns the metric types collected so far, in the order they were first seen.
// Each is rendered in its own chart.
func (p *Plots) MetricTypes() []string {
	return slices.Clone(p.metricTypes)
}

// LoadCheckpointData adds the points saved during training (plots.TrainingPlotFileName) in the checkpoint
// directory. Loaded points are not saved again.
func (p *Plots) LoadCheckpointData(checkpointDir string) error {
	points, err := plots.LoadPointsFromCheckpoint(checkpointDir)
	if err != nil {
		return errors.WithMessagef(err, "lossplot failed to load points from %q", checkpointDir)
	}
	var lastStep float64 = -1
	for _, pt := range points {
		p.addPoint(pt)
		if pt.Step != lastStep {
			p.numSamples++
			lastStep = pt.Step
		}
	}
	return nil
}

// Save renders the collected points into a PNG file.
func (p *Plots) Save(filePath string) error {
	if len(p.metricTypes) == 0 {
		return errors.New("lossplot has no points to plot")
	}
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}

	charts := make([][]*plot.Plot, 0, len(p.metricTypes))
	for _, metricType := range p.metricTypes {
		chart, err := p.chart(metricType)
		if err != nil {
			return err
		}
		charts = append(charts, []*plot.Plot{chart})
	}

	img := vgimg.New(ChartWidth, ChartHeight*vg.Length(len(charts)))
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: len(charts), Cols: 1, PadY: vg.Centimeter}
	canvases := plot.Align(charts, tiles, dc)
	for row := range charts {
		charts[row][0].Draw(canvases[row][0])
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating plot file %q", filePath)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing plot file %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing plot file %q", filePath)
}

// chart creates the plot for one metric type, one line per metric name.
func (p *Plots) chart(metricType string) (*plot.Plot, error) {
	chart := plot.New()
	chart.Title.Text = metricType
	chart.X.Label.Text = "global step"
	chart.Y.Label.Text = metricType
	chart.Legend.Top = true
	chart.Add(plotter.NewGrid())

	byName := p.series[metricType]
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var linesAndNames []any
	for _, name := range names {
		xys := byName[name]
		sort.SliceStable(xys, func(i, j int) bool { return xys[i].X < xys[j].X })
		linesAndNames = append(linesAndNames, name, xys)
	}
	if err := plotutil.AddLinePoints(chart, linesAndNames...); err != nil {
		return nil, errors.Wrapf(err, "plotting %s", metricType)
	}
	return chart, nil
}
