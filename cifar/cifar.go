// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the Cifar-10 and Cifar-100 datasets, the ones MiniGoogLeNet was designed
// for, and trains MiniGoogLeNet on them (see TrainModel).
//
// Information about the datasets in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"fmt"
	"image"
	"io"
	"os"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/minigooglenet/internal/downloader"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

const (
	C10Url      = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName  = "cifar-10-binary.tar.gz"
	C10SubDir   = "cifar-10-batches-bin"
	C10Checksum = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	C100Url      = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	C100TarName  = "cifar-100-binary.tar.gz"
	C100SubDir   = "cifar-100-binary"
	C100Checksum = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"

	// NumExamples is the total number of examples, including training and testing.
	// The value is the same for both, Cifar-10 and Cifar-100.
	NumExamples = 60000

	// NumTrainExamples is the number of examples reserved for training, the starting ones.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples reserved for testing, the last ones.
	NumTestExamples = 10000

	// C10ExamplesPerFile is the number of examples in each of the Cifar-10 binary files.
	C10ExamplesPerFile = 10000
)

// Width, Height and Depth are the dimensions of the images, the same for Cifar-10 and Cifar-100.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const imageSizeBytes = Height * Width * Depth

var (
	C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

	C100CoarseLabels = []string{"aquatic_mammals", "fish", "flowers", "food_containers", "fruit_and_vegetables",
		"household_electrical_devices", "household_furniture", "insects", "large_carnivores",
		"large_man-made_outdoor_things", "large_natural_outdoor_scenes", "large_omnivores_and_herbivores",
		"medium_mammals", "non-insect_invertebrates", "people", "reptiles", "small_mammals", "trees", "vehicles_1",
		"vehicles_2"}
	C100FineLabels = []string{"apple", "aquarium_fish", "baby", "bear", "beaver", "bed", "bee", "beetle", "bicycle",
		"bottle", "bowl", "boy", "bridge", "bus", "butterfly", "camel", "can", "castle", "caterpillar", "cattle",
		"chair", "chimpanzee", "clock", "cloud", "cockroach", "couch", "crab", "crocodile", "cup", "dinosaur",
		"dolphin", "elephant", "flatfish", "forest", "fox", "girl", "hamster", "house", "kangaroo", "keyboard", "lamp",
		"lawn_mower", "leopard", "lion", "lizard", "lobster", "man", "maple_tree", "motorcycle", "mountain", "mouse",
		"mushroom", "oak_tree", "orange", "orchid", "otter", "palm_tree", "pear", "pickup_truck", "pine_tree", "plain",
		"plate", "poppy", "porcupine", "possum", "rabbit", "raccoon", "ray", "road", "rocket", "rose", "sea", "seal",
		"shark", "shrew", "skunk", "skyscraper", "snail", "snake", "spider", "squirrel", "streetcar", "sunflower",
		"sweet_pepper", "table", "tank", "telephone", "television", "tiger", "tractor", "train", "trout", "tulip",
		"turtle", "wardrobe", "whale", "willow_tree", "wolf", "woman", "worm"}
)

// DataSource refers to Cifar-10 (C10) or Cifar-100 (C100).
type DataSource int

const (
	C10 DataSource = iota
	C100
)

// String implements fmt.Stringer.
func (source DataSource) String() string {
	switch source {
	case C10:
		return "cifar10"
	case C100:
		return "cifar100"
	default:
		return fmt.Sprintf("DataSource(%d)", int(source))
	}
}

// ParseDataSource converts "cifar10" or "cifar100" to a DataSource.
func ParseDataSource(name string) (DataSource, error) {
	for _, source := range []DataSource{C10, C100} {
		if source.String() == name {
			return source, nil
		}
	}
	return C10, errors.Errorf("unknown dataset %q, valid values are %q and %q", name, C10, C100)
}

// Labels returns the names of the classes of the data source: the fine labels for Cifar-100.
func (source DataSource) Labels() []string {
	if source == C100 {
		return C100FineLabels
	}
	return C10Labels
}

// NumClasses of the data source.
func (source DataSource) NumClasses() int {
	return len(source.Labels())
}

// Partition refers to the train or test partitions of the datasets.
type Partition int

const (
	Train Partition = iota
	Test
)

// DownloadCifar10 downloads and untars the Cifar-10 binary files into baseDir, if not there yet.
func DownloadCifar10(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, C10Checksum)
}

// DownloadCifar100 downloads and untars the Cifar-100 binary files into baseDir, if not there yet.
func DownloadCifar100(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(C100Url, baseDir, C100TarName, C100SubDir, C100Checksum)
}

// Download the given data source into baseDir.
func Download(baseDir string, source DataSource) error {
	if source == C100 {
		return DownloadCifar100(baseDir)
	}
	return DownloadCifar10(baseDir)
}

// ImagesAndLabels of one partition.
type ImagesAndLabels struct {
	images, labels *tensors.Tensor
}

// Images shaped [numExamples, Height, Width, Depth], with values from 0 to 1.
func (il ImagesAndLabels) Images() *tensors.Tensor { return il.images }

// Labels shaped [numExamples, 1] of Int64.
func (il ImagesAndLabels) Labels() *tensors.Tensor { return il.labels }

// PartitionedImagesAndLabels holds for each partition (Train, Test), one set of Images and Labels.
type PartitionedImagesAndLabels [2]ImagesAndLabels

// convertBytesToTensor writes one image in the Cifar layout (all reds, then all greens, then all blues)
// into imagesT, in the [height, width, depth] layout, scaling the values to [0, 1].
func convertBytesToTensor[T dtypes.Supported](image []byte, imagesT *tensors.Tensor, exampleNum int,
	fromFloat32 func(float32) T) {
	tensors.MustMutableFlatData[T](imagesT, func(tensorData []T) {
		tensorPos := exampleNum * imageSizeBytes
		for h := range Height {
			for w := range Width {
				for d := range Depth {
					tensorData[tensorPos] = fromFloat32(float32(image[d*(Height*Width)+h*Width+w]) / 255)
					tensorPos++
				}
			}
		}
	})
}

func convertImage(image []byte, imagesT *tensors.Tensor, exampleNum int) error {
	switch imagesT.DType() {
	case dtypes.Float32:
		convertBytesToTensor(image, imagesT, exampleNum, func(v float32) float32 { return v })
	case dtypes.Float64:
		convertBytesToTensor(image, imagesT, exampleNum, func(v float32) float64 { return float64(v) })
	case dtypes.Float16:
		convertBytesToTensor(image, imagesT, exampleNum, float16.Fromfloat32)
	default:
		return errors.Errorf("dtype %s not supported for Cifar images, use Float32, Float64 or Float16",
			imagesT.DType())
	}
	return nil
}

// binaryFormat describes the Cifar binary files: each record is labelBytes bytes of labels followed by
// the image. The label used is the one at labelIdx.
type binaryFormat struct {
	labelBytes, labelIdx int
}

var (
	c10Format = binaryFormat{labelBytes: 1, labelIdx: 0}

	// Cifar-100 records have the coarse label followed by the fine label: we use the fine one.
	c100Format = binaryFormat{labelBytes: 2, labelIdx: 1}
)

// loadFiles reads numExamples records from the data files, in order, into images and labels tensors.
func loadFiles(dataFiles []string, format binaryFormat, numExamples int, dtype dtypes.DType) (
	images, labels *tensors.Tensor, err error) {
	images = tensors.FromShape(shapes.Make(dtype, numExamples, Height, Width, Depth))
	labels = tensors.FromShape(shapes.Make(dtypes.Int64, numExamples, 1))
	record := make([]byte, format.labelBytes+imageSizeBytes)
	exampleIdx := 0
	tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
		for _, dataFile := range dataFiles {
			err = func() error {
				f, err := os.Open(dataFile)
				if err != nil {
					return errors.Wrapf(err, "opening data file %q", dataFile)
				}
				defer func() { _ = f.Close() }()
				for inFileIdx := 0; exampleIdx < numExamples; inFileIdx++ {
					_, err = io.ReadFull(f, record)
					if err == io.EOF {
						return nil
					}
					if err != nil {
						return errors.Wrapf(err, "reading example %d from %q (record of %d bytes)",
							inFileIdx, dataFile, len(record))
					}
					if err = convertImage(record[format.labelBytes:], images, exampleIdx); err != nil {
						return err
					}
					labelsData[exampleIdx] = int64(record[format.labelIdx])
					exampleIdx++
				}
				return nil
			}()
			if err != nil {
				return
			}
		}
	})
	if err == nil && exampleIdx != numExamples {
		err = errors.Errorf("read %d examples from %v, but wanted %d", exampleIdx, dataFiles, numExamples)
	}
	if err != nil {
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
		return nil, nil, err
	}
	return images, labels, nil
}

// C10DataFiles returns the Cifar-10 binary files under baseDir: 5 training batches and the test batch.
func C10DataFiles(baseDir string) []string {
	files := make([]string, 0, 6)
	for fileIdx := range 5 {
		files = append(files, path.Join(baseDir, C10SubDir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1)))
	}
	return append(files, path.Join(baseDir, C10SubDir, "test_batch.bin"))
}

// C100DataFiles returns the Cifar-100 binary files under baseDir: training and test.
func C100DataFiles(baseDir string) []string {
	return []string{path.Join(baseDir, C100SubDir, "train.bin"), path.Join(baseDir, C100SubDir, "test.bin")}
}

// LoadCifar10 into 2 tensors of the given DType: images with given dtype and shaped
// [NumExamples=60000, Height=32, Width=32, Depth=3], and labels shaped
// [NumExamples=60000, 1] of Int64.
// The first 50k examples are for training, and the last 10k for testing.
// Float32, Float64 and Float16 are supported.
func LoadCifar10(backend backends.Backend, baseDir string, dtype dtypes.DType) (PartitionedImagesAndLabels, error) {
	return load(backend, C10DataFiles(fsutil.MustReplaceTildeInDir(baseDir)), c10Format, NumExamples,
		NumTrainExamples, dtype)
}

// LoadCifar100 is like LoadCifar10, but for Cifar-100. Labels are the fine labels (see C100FineLabels).
func LoadCifar100(backend backends.Backend, baseDir string, dtype dtypes.DType) (PartitionedImagesAndLabels, error) {
	return load(backend, C100DataFiles(fsutil.MustReplaceTildeInDir(baseDir)), c100Format, NumExamples,
		NumTrainExamples, dtype)
}

func load(backend backends.Backend, dataFiles []string, format binaryFormat, numExamples, numTrain int,
	dtype dtypes.DType) (partitioned PartitionedImagesAndLabels, err error) {
	images, labels, err := loadFiles(dataFiles, format, numExamples, dtype)
	if err != nil {
		return
	}
	defer func() {
		// Free images and labels resources immediately (don't wait for GC).
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
	}()
	return partitionImagesAndLabels(backend, images, labels, numTrain)
}

// partitionImagesAndLabels into train (the first numTrain examples) and test partitions.
func partitionImagesAndLabels(backend backends.Backend, images, labels *tensors.Tensor, numTrain int) (
	partitioned PartitionedImagesAndLabels, err error) {
	var parts []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		parts = MustExecOnceN(backend, func(images, labels *Node) []*Node {
			imagesTrain := Slice(images, AxisRange(0, numTrain))
			labelsTrain := Slice(labels, AxisRange(0, numTrain))
			imagesTest := Slice(images, AxisRange(numTrain))
			labelsTest := Slice(labels, AxisRange(numTrain))
			return []*Node{imagesTrain, labelsTrain, imagesTest, labelsTest}
		}, images, labels)
	})
	if err != nil {
		return partitioned, errors.WithMessage(err, "partitioning Cifar into train and test")
	}
	partitioned[Train] = ImagesAndLabels{images: parts[0], labels: parts[1]}
	partitioned[Test] = ImagesAndLabels{images: parts[2], labels: parts[3]}
	return partitioned, nil
}

// ConvertToGoImage converts the example exampleNum of the images tensor (shaped [N, Height, Width, Depth]) back
// to a Go image.
func ConvertToGoImage(images *tensors.Tensor, exampleNum int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	var values []float32
	switch images.DType() {
	case dtypes.Float32:
		values = tensors.MustCopyFlatData[float32](images)
	case dtypes.Float64:
		for _, v := range tensors.MustCopyFlatData[float64](images) {
			values = append(values, float32(v))
		}
	case dtypes.Float16:
		for _, v := range tensors.MustCopyFlatData[float16.Float16](images) {
			values = append(values, v.Float32())
		}
	default:
		exceptions.Panicf("cifar.ConvertToGoImage: dtype %s not supported", images.DType())
	}
	tensorPos := exampleNum * imageSizeBytes
	for h := range Height {
		for w := range Width {
			for d := range Depth {
				img.Pix[h*img.Stride+w*4+d] = uint8(min(max(values[tensorPos], 0), 1)*255 + 0.5)
				tensorPos++
			}
			img.Pix[h*img.Stride+w*4+3] = 255 // Alpha channel.
		}
	}
	return img
}

// cacheKey for the loaded data.
type cacheKey struct {
	source DataSource
	dtype  dtypes.DType
}

// imagesAndLabelsCache holds the loaded data, per data source and dtype.
var imagesAndLabelsCache map[cacheKey]PartitionedImagesAndLabels

// ResetCache frees the cached datasets, see NewDataset.
func ResetCache() {
	imagesAndLabelsCache = make(map[cacheKey]PartitionedImagesAndLabels)
}

func init() {
	ResetCache()
}

// NewDataset returns a Dataset for the given partition, which implements train.Dataset and hence can be used
// by train.Trainer methods.
//
// It downloads the data if needed, and then loads the data into memory if it hasn't been loaded yet.
// It caches the result, so multiple Datasets can be created without any extra costs in time/memory.
func NewDataset(backend backends.Backend, name, baseDir string, source DataSource, dtype dtypes.DType,
	partition Partition) (*datasets.InMemoryDataset, error) {
	if source != C10 && source != C100 {
		return nil, errors.Errorf("invalid source %s, only C10 or C100 accepted", source)
	}
	key := cacheKey{source, dtype}
	partitioned, found := imagesAndLabelsCache[key]
	if !found {
		if err := Download(baseDir, source); err != nil {
			return nil, errors.WithMessagef(err, "creating dataset %q", name)
		}
		klog.V(1).Infof("Loading %s (%s) into memory", source, dtype)
		var err error
		if source == C10 {
			partitioned, err = LoadCifar10(backend, baseDir, dtype)
		} else {
			partitioned, err = LoadCifar100(backend, baseDir, dtype)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "creating dataset %q", name)
		}
		imagesAndLabelsCache[key] = partitioned
	}
	return newDatasetFrom(backend, name, partitioned[partition])
}

func newDatasetFrom(backend backends.Backend, name string, imagesAndLabels ImagesAndLabels) (
	*datasets.InMemoryDataset, error) {
	return datasets.InMemoryFromData(backend, name,
		[]any{imagesAndLabels.images}, []any{imagesAndLabels.labels})
}
