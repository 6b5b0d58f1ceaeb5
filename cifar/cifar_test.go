// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	_ "github.com/gomlx/gomlx/backends/default"
)

// pixel is the synthetic value of each pixel, in the Cifar layout.
func pixel(example, h, w, d int) byte {
	return byte((example*7 + h*3 + w + d*50) % 256)
}

// writeSyntheticFile writes numExamples records in the Cifar binary format, starting at example firstExample.
// The label at format.labelIdx is example%10, other label bytes are 255.
func writeSyntheticFile(t *testing.T, filePath string, format binaryFormat, firstExample, numExamples int) {
	require.NoError(t, os.MkdirAll(path.Dir(filePath), 0777))
	var contents []byte
	for example := firstExample; example < firstExample+numExamples; example++ {
		for ii := range format.labelBytes {
			if ii == format.labelIdx {
				contents = append(contents, byte(example%10))
			} else {
				contents = append(contents, 255)
			}
		}
		for d := range Depth {
			for h := range Height {
				for w := range Width {
					contents = append(contents, pixel(example, h, w, d))
				}
			}
		}
	}
	require.NoError(t, os.WriteFile(filePath, contents, 0644))
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	files := []string{path.Join(dir, "a.bin"), path.Join(dir, "b.bin")}
	writeSyntheticFile(t, files[0], c100Format, 0, 3)
	writeSyntheticFile(t, files[1], c100Format, 3, 2)

	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Float16} {
		images, labels, err := loadFiles(files, c100Format, 5, dtype)
		require.NoErrorf(t, err, "loading with dtype %s", dtype)
		require.NoError(t, images.Shape().Check(dtype, 5, Height, Width, Depth))
		require.NoError(t, labels.Shape().Check(dtypes.Int64, 5, 1))
		assert.Equal(t, []int64{0, 1, 2, 3, 4}, tensors.MustCopyFlatData[int64](labels))

		var values []float64
		switch dtype {
		case dtypes.Float32:
			for _, v := range tensors.MustCopyFlatData[float32](images) {
				values = append(values, float64(v))
			}
		case dtypes.Float64:
			values = tensors.MustCopyFlatData[float64](images)
		case dtypes.Float16:
			for _, v := range tensors.MustCopyFlatData[float16.Float16](images) {
				values = append(values, float64(v.Float32()))
			}
		}
		for _, example := range []int{0, 4} {
			for _, hwd := range [][3]int{{0, 0, 0}, {5, 17, 2}, {31, 31, 1}} {
				h, w, d := hwd[0], hwd[1], hwd[2]
				pos := ((example*Height+h)*Width+w)*Depth + d
				want := float64(pixel(example, h, w, d)) / 255
				assert.InDeltaf(t, want, values[pos], 1e-3, "dtype=%s, example=%d, (h,w,d)=%v", dtype, example, hwd)
			}
		}
	}
}

func TestLoadFilesErrors(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, "data.bin")
	writeSyntheticFile(t, filePath, c10Format, 0, 2)

	// Fewer examples than requested.
	_, _, err := loadFiles([]string{filePath}, c10Format, 3, dtypes.Float32)
	require.ErrorContains(t, err, "read 2 examples")

	// Truncated record.
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	truncated := path.Join(dir, "truncated.bin")
	require.NoError(t, os.WriteFile(truncated, contents[:len(contents)-10], 0644))
	_, _, err = loadFiles([]string{truncated}, c10Format, 2, dtypes.Float32)
	require.Error(t, err)

	// Missing file.
	_, _, err = loadFiles([]string{path.Join(dir, "missing.bin")}, c10Format, 1, dtypes.Float32)
	require.Error(t, err)

	// Unsupported dtype.
	_, _, err = loadFiles([]string{filePath}, c10Format, 2, dtypes.Int32)
	require.ErrorContains(t, err, "not supported")
}

func TestLoadAndPartition(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()
	files := C10DataFiles(dir)
	for ii, filePath := range files {
		writeSyntheticFile(t, filePath, c10Format, ii*2, 2)
	}
	partitioned, err := load(backend, files, c10Format, 12, 10, dtypes.Float32)
	require.NoError(t, err)
	require.NoError(t, partitioned[Train].Images().Shape().Check(dtypes.Float32, 10, Height, Width, Depth))
	require.NoError(t, partitioned[Test].Images().Shape().Check(dtypes.Float32, 2, Height, Width, Depth))
	assert.Equal(t, []int64{0, 1}, tensors.MustCopyFlatData[int64](partitioned[Test].Labels()))

	// Go image conversion of the first test example (example #10).
	img := ConvertToGoImage(partitioned[Test].Images(), 0)
	r, g, b, a := img.At(17, 5).RGBA()
	assert.Equal(t, uint32(pixel(10, 5, 17, 0)), r>>8)
	assert.Equal(t, uint32(pixel(10, 5, 17, 1)), g>>8)
	assert.Equal(t, uint32(pixel(10, 5, 17, 2)), b>>8)
	assert.Equal(t, uint32(0xFFFF), a)

	ds, err := newDatasetFrom(backend, "Test", partitioned[Test])
	require.NoError(t, err)
	ds.BatchSize(2, true)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 2, Height, Width, Depth))
	require.NoError(t, labels[0].Shape().Check(dtypes.Int64, 2, 1))
}

func TestDataSource(t *testing.T) {
	source, err := ParseDataSource("cifar100")
	require.NoError(t, err)
	assert.Equal(t, C100, source)
	assert.Equal(t, 100, source.NumClasses())
	assert.Equal(t, 10, C10.NumClasses())
	assert.Equal(t, "truck", C10.Labels()[9])
	_, err = ParseDataSource("mnist")
	require.Error(t, err)
	assert.Equal(t, "DataSource(7)", DataSource(7).String())
	assert.Len(t, C100CoarseLabels, 20)
	assert.Equal(t, NumExamples, NumTrainExamples+NumTestExamples)
}
