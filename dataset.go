// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mae

import (
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// Dataset hyperparameter keys.
const (
	// ParamDataset selects the data source: DatasetSynthetic or the path to a
	// directory of image files.
	ParamDataset = "dataset"

	// ParamTrainSize and ParamValidSize are the number of examples generated for
	// the synthetic dataset splits.
	ParamTrainSize = "dataset_train_size"
	ParamValidSize = "dataset_valid_size"

	// ParamDataSeed seeds the synthetic image generator and the image-folder
	// train/validation split.
	ParamDataSeed = "dataset_seed"
)

// DatasetSynthetic is the ParamDataset value selecting deterministically
// generated pseudo-random images. Useful for pipeline experiments and tests,
// no downloads required.
const DatasetSynthetic = "synthetic"

// validImageFraction of an image folder held out for evaluation.
const validImageFraction = 0.1

// SyntheticImages generates numImages pseudo-random images shaped
// `[numImages, size, size, channels]`, with pixel values uniform in [0, 1).
//
// Each image is generated from its own generator seeded with seed+index, so
// image i is the same no matter how many images are requested.
func SyntheticImages(numImages, size, channels int, seed int64) [][][][]float32 {
	imgs := make([][][][]float32, numImages)
	for idx := range imgs {
		rng := rand.New(rand.NewSource(seed + int64(idx)))
		img := make([][][]float32, size)
		for y := range img {
			row := make([][]float32, size)
			for x := range row {
				pixel := make([]float32, channels)
				for c := range pixel {
					pixel[c] = rng.Float32()
				}
				row[x] = pixel
			}
			img[y] = row
		}
		imgs[idx] = img
	}
	return imgs
}

// newInMemory builds an InMemoryDataset where the images serve as both inputs
// and reconstruction targets.
func newInMemory(backend backends.Backend, name string, imgs any) (*datasets.InMemoryDataset, error) {
	return datasets.InMemoryFromData(backend, name, []any{imgs}, []any{imgs})
}

// NewSyntheticDatasets creates the train and validation splits of the synthetic
// dataset, sized and seeded by the context hyperparameters (ParamTrainSize,
// ParamValidSize, ParamDataSeed) and shaped according to the model configuration.
//
// The validation split is generated from a disjoint seed range, so it never
// overlaps the training split.
func NewSyntheticDatasets(backend backends.Backend, ctx *context.Context) (trainDS, validDS *datasets.InMemoryDataset, err error) {
	c := ConfigFromContext(ctx)
	trainSize := context.GetParamOr(ctx, ParamTrainSize, 1024)
	validSize := context.GetParamOr(ctx, ParamValidSize, 128)
	seed := int64(context.GetParamOr(ctx, ParamDataSeed, 42))

	trainDS, err = newInMemory(backend, "synthetic train",
		SyntheticImages(trainSize, c.ImageSize, c.InputChannels, seed))
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building synthetic training dataset")
	}
	validDS, err = newInMemory(backend, "synthetic validation",
		SyntheticImages(validSize, c.ImageSize, c.InputChannels, seed+int64(trainSize)))
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building synthetic validation dataset")
	}
	return
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// loadImageFolder recursively reads every image file under dir, resizing and
// center-cropping each to size x size.
func loadImageFolder(dir string, size int) ([]image.Image, error) {
	var imgs []image.Image
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		img, err := imaging.Open(path)
		if err != nil {
			return errors.WithMessagef(err, "decoding image %q", path)
		}
		imgs = append(imgs, imaging.Fill(img, size, size, imaging.Center, imaging.Linear))
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "reading image folder %q", dir)
	}
	if len(imgs) == 0 {
		return nil, errors.Errorf("image folder %q contains no image files (%v)", dir, imageExtensions)
	}
	return imgs, nil
}

// NewImageFolderDatasets creates train and validation splits from a directory of
// image files: images are resized and center-cropped to the model's image size,
// shuffled with the ParamDataSeed seed and split 90/10.
func NewImageFolderDatasets(backend backends.Backend, ctx *context.Context, dir string) (trainDS, validDS *datasets.InMemoryDataset, err error) {
	c := ConfigFromContext(ctx)
	imgs, err := loadImageFolder(dir, c.ImageSize)
	if err != nil {
		return nil, nil, err
	}
	seed := int64(context.GetParamOr(ctx, ParamDataSeed, 42))
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(imgs), func(i, j int) { imgs[i], imgs[j] = imgs[j], imgs[i] })

	numValid := int(float64(len(imgs)) * validImageFraction)
	if numValid == 0 && len(imgs) > 1 {
		numValid = 1
	}
	if numValid == len(imgs) {
		return nil, nil, errors.Errorf("image folder %q has too few images (%d) to split into train and validation",
			dir, len(imgs))
	}
	toTensor := images.ToTensor(dtypes.Float32)
	trainDS, err = newInMemory(backend, "images train", toTensor.Batch(imgs[numValid:]))
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building image-folder training dataset")
	}
	if numValid == 0 {
		// A single image: evaluate on the training image.
		validDS = trainDS.Copy()
		return
	}
	validDS, err = newInMemory(backend, "images validation", toTensor.Batch(imgs[:numValid]))
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building image-folder validation dataset")
	}
	return
}

// CreateDatasets builds the training and evaluation datasets selected by the
// ParamDataset hyperparameter: DatasetSynthetic, or a path to an image folder.
// Any other value is an error.
func CreateDatasets(backend backends.Backend, ctx *context.Context, batchSize, evalBatchSize int) (trainDS, trainEvalDS, validationEvalDS train.Dataset, err error) {
	name := context.GetParamOr(ctx, ParamDataset, DatasetSynthetic)
	var baseTrain, baseValid *datasets.InMemoryDataset
	if name == DatasetSynthetic {
		baseTrain, baseValid, err = NewSyntheticDatasets(backend, ctx)
	} else if info, statErr := os.Stat(name); statErr == nil && info.IsDir() {
		baseTrain, baseValid, err = NewImageFolderDatasets(backend, ctx, name)
	} else {
		err = errors.Errorf("parameter %q must be %q or the path to a directory of images, got %q",
			ParamDataset, DatasetSynthetic, name)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	validationEvalDS = baseValid.BatchSize(evalBatchSize, false)
	return
}
