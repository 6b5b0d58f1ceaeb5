// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/minigooglenet/minigooglenet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, we use the CPU backend (and avoid GPU if not explicitly requested).
		_ = os.Setenv(backends.ConfigEnvVar, "xla:cpu")
	}
}

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, 3, context.GetParamOr(ctx, ParamNumCheckpoints, 0))
	assert.Equal(t, "cifar10", context.GetParamOr(ctx, ParamDataset, ""))
	assert.Equal(t, "sgd", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.True(t, context.GetParamOr(ctx, minigooglenet.ParamAugmentFlip, false))
	assert.Contains(t, ParamsExcludedFromSaving, plotly.ParamPlots)
}

// TestTrainModel trains the model for a few steps, saving a checkpoint and the training plot.
//
// It downloads Cifar-10 to ~/work/cifar if not there yet, so it is disabled for short tests.
func TestTrainModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testing in short mode")
		return
	}
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamTrainSteps:    10,
		ParamBatchSize:     16,
		ParamEvalBatchSize: 500,
	})
	checkpointDir := t.TempDir()
	require.NoError(t, TrainModel(ctx, "~/work/cifar", checkpointDir, false, 0, nil))
	_, err := os.Stat(path.Join(checkpointDir, LossPlotFileName))
	require.NoError(t, err)
}
