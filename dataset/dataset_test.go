// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	imageNetMean = [3]float32{0.485, 0.456, 0.406}
	imageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// writeImage writes a w x h image filled with a gradient of the given color.
func writeImage(t *testing.T, path string, w, h int, c color.RGBA) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: c.R, G: uint8(x * 255 / w), B: c.B, A: 255})
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	if filepath.Ext(path) == ".png" {
		require.NoError(t, png.Encode(f, img))
	} else {
		require.NoError(t, jpeg.Encode(f, img, nil))
	}
}

// newFolder creates root/{ants,bees} with n images each.
func newFolder(t *testing.T, n int) string {
	root := t.TempDir()
	for i := 0; i < n; i++ {
		writeImage(t, filepath.Join(root, "ants", fmt.Sprintf("ant%d.jpg", i)), 40+i, 30, color.RGBA{R: 200, A: 255})
		writeImage(t, filepath.Join(root, "bees", fmt.Sprintf("bee%d.png", i)), 30, 40+i, color.RGBA{B: 200, A: 255})
	}
	return root
}

func TestImageFolder(t *testing.T) {
	root := newFolder(t, 3)
	require.NoError(t, os.WriteFile(filepath.Join(root, "ants", "README.txt"), []byte("skip"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "LICENSE"), []byte("skip"), 0644))

	folder, err := NewImageFolder(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"ants", "bees"}, folder.Classes())
	assert.Equal(t, 6, folder.Len())
	assert.Equal(t, []int{3, 3}, folder.ClassCounts())
	assert.Equal(t, Sample{Path: filepath.Join(root, "ants", "ant0.jpg"), Label: 0}, folder.Sample(0))
	assert.Equal(t, Sample{Path: filepath.Join(root, "bees", "bee2.png"), Label: 1}, folder.Sample(5))

	img, label, err := folder.Load(4)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.Equal(t, image.Rect(0, 0, 30, 41), img.Bounds())
}

func TestImageFolderErrors(t *testing.T) {
	_, err := NewImageFolder(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = NewImageFolder(t.TempDir())
	assert.True(t, errors.Is(err, errors.NotFound))

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ants"), os.ModePerm))
	_, err = NewImageFolder(root)
	assert.True(t, errors.Is(err, errors.NotFound))

	// malformed images are reported with their path
	require.NoError(t, os.WriteFile(filepath.Join(root, "ants", "broken.jpg"), []byte("not a jpeg"), 0644))
	folder, err := NewImageFolder(root)
	require.NoError(t, err)
	_, _, err = folder.Load(0)
	assert.ErrorContains(t, err, "broken.jpg")
}

func TestImageCache(t *testing.T) {
	root := newFolder(t, 2)
	folder, err := NewImageFolder(root)
	require.NoError(t, err)
	assert.Nil(t, NewImageCache(0, time.Hour))

	cache := NewImageCache(2, time.Hour)
	folder.SetCache(cache)
	first, _, err := folder.Load(0)
	require.NoError(t, err)
	second, _, err := folder.Load(0)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.Len())

	// capacity bounds the cache
	for i := 0; i < folder.Len(); i++ {
		_, _, err = folder.Load(i)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())
}

func TestRandomResizedCrop(t *testing.T) {
	crop := NewRandomResizedCrop(16)
	bounds := image.Rect(0, 0, 50, 30)
	rng := rand.New(rand.NewSource(0))
	for i := 0; i < 100; i++ {
		region := crop.region(bounds, rng)
		assert.True(t, region.In(bounds), region)
		assert.False(t, region.Empty())
	}
	// same seed, same crop
	a := crop.region(bounds, rand.New(rand.NewSource(7)))
	b := crop.region(bounds, rand.New(rand.NewSource(7)))
	assert.Equal(t, a, b)

	// impossible scale falls back to a central crop with clamped ratio
	wide := &RandomResizedCrop{Size: 16, MinScale: 2, MaxScale: 3, MinRatio: 3.0 / 4.0, MaxRatio: 4.0 / 3.0}
	assert.Equal(t, image.Rect(5, 0, 45, 30), wide.region(bounds, rng))

	img := crop.Apply(image.NewRGBA(bounds), rng)
	assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())
}

func TestRandomHorizontalFlip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	flipped := (&RandomHorizontalFlip{P: 1}).Apply(img, rand.New(rand.NewSource(0)))
	assert.Equal(t, color.RGBA{R: 255, A: 255}, flipped.RGBAAt(2, 0))
	assert.Equal(t, color.RGBA{}, flipped.RGBAAt(0, 0))
	// the source is untouched
	assert.Equal(t, color.RGBA{R: 255, A: 255}, img.RGBAAt(0, 0))

	kept := (&RandomHorizontalFlip{P: 0}).Apply(img, rand.New(rand.NewSource(0)))
	assert.Equal(t, color.RGBA{R: 255, A: 255}, kept.RGBAAt(0, 0))
}

func TestResizeAndCenterCrop(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 500, 375))
	resized := (&Resize{Size: 256}).Apply(img, nil)
	assert.Equal(t, image.Rect(0, 0, 341, 256), resized.Bounds())
	cropped := (&CenterCrop{Size: 224}).Apply(resized, nil)
	assert.Equal(t, image.Rect(0, 0, 224, 224), cropped.Bounds())

	tall := (&Resize{Size: 256}).Apply(image.NewRGBA(image.Rect(0, 0, 300, 400)), nil)
	assert.Equal(t, image.Rect(0, 0, 256, 341), tall.Bounds())

	// small images are padded with black
	small := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range small.Pix {
		small.Pix[i] = 255
	}
	padded := (&CenterCrop{Size: 4}).Apply(small, nil)
	assert.Equal(t, color.RGBA{A: 255}, padded.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, padded.RGBAAt(1, 1))
}

func TestPipeline(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, G: 0, B: 51, A: 255})
	img.SetRGBA(1, 0, color.RGBA{R: 0, G: 255, B: 102, A: 255})
	data, h, w := ToTensor(img)
	assert.Equal(t, 1, h)
	assert.Equal(t, 2, w)
	assert.Equal(t, []float32{1, 0, 0, 1, 0.2, 0.4}, data)

	pipeline := &Pipeline{Mean: imageNetMean, Std: imageNetStd}
	normalized, _, _ := pipeline.Apply(img, nil)
	assert.InDelta(t, (1-0.485)/0.229, normalized[0], 1e-5)
	assert.InDelta(t, (0.4-0.406)/0.225, normalized[5], 1e-5)
	restored := pipeline.Denormalize(normalized, 1, 2)
	assert.Equal(t, img.Pix, restored.Pix)

	train := NewTrainPipeline(8, imageNetMean, imageNetStd)
	data, h, w = train.Apply(image.NewRGBA(image.Rect(0, 0, 20, 12)), rand.New(rand.NewSource(0)))
	assert.Equal(t, 8, h)
	assert.Equal(t, 8, w)
	assert.Len(t, data, 3*8*8)

	val := NewValPipeline(10, 8, imageNetMean, imageNetStd)
	_, h, w = val.Apply(image.NewRGBA(image.Rect(0, 0, 20, 12)), nil)
	assert.Equal(t, 8, h)
	assert.Equal(t, 8, w)
}

func collect(t *testing.T, loader *DataLoader) []*Batch {
	var batches []*Batch
	for batch, err := range loader.Batches(context.Background()) {
		require.NoError(t, err)
		batches = append(batches, batch)
	}
	return batches
}

func TestDataLoader(t *testing.T) {
	root := newFolder(t, 5)
	folder, err := NewImageFolder(root)
	require.NoError(t, err)
	loader := NewDataLoader(folder, NewValPipeline(10, 8, imageNetMean, imageNetStd), 4, false, 0)
	assert.Equal(t, 10, loader.Len())
	assert.Equal(t, 3, loader.NumBatches())

	batches := collect(t, loader)
	assert.Len(t, batches, 3)
	assert.Equal(t, []int{4, 3, 8, 8}, batches[0].Images.Shape())
	assert.Equal(t, []int{2, 3, 8, 8}, batches[2].Images.Shape())
	assert.Equal(t, []int{0, 1, 2, 3}, batches[0].Indices)
	assert.Equal(t, []float32{0, 0, 0, 0}, batches[0].Labels.Data())
	assert.Equal(t, []float32{1, 1}, batches[2].Labels.Data())
}

func TestDataLoaderShuffle(t *testing.T) {
	root := newFolder(t, 5)
	folder, err := NewImageFolder(root)
	require.NoError(t, err)
	newLoader := func(seed int64, jobs int) *DataLoader {
		loader := NewDataLoader(folder, NewTrainPipeline(8, imageNetMean, imageNetStd), 4, true, seed)
		loader.SetJobs(jobs)
		return loader
	}

	// every sample appears once per epoch
	loader := newLoader(1, 1)
	first := collect(t, loader)
	indices := lo.FlatMap(first, func(b *Batch, _ int) []int { return b.Indices })
	assert.ElementsMatch(t, lo.Range(10), indices)
	// the order changes between epochs
	second := collect(t, loader)
	assert.NotEqual(t, indices, lo.FlatMap(second, func(b *Batch, _ int) []int { return b.Indices }))

	// the same seed reproduces order and augmentation regardless of jobs
	replay := collect(t, newLoader(1, 3))
	for i := range first {
		assert.Equal(t, first[i].Indices, replay[i].Indices)
		assert.Equal(t, first[i].Images.Data(), replay[i].Images.Data())
	}
}

func TestDataLoaderCancel(t *testing.T) {
	root := newFolder(t, 2)
	folder, err := NewImageFolder(root)
	require.NoError(t, err)
	loader := NewDataLoader(folder, NewValPipeline(10, 8, imageNetMean, imageNetStd), 2, false, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range loader.Batches(ctx) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
