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

package visualize

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/gorse-io/hymenoptera/dataset"
	"github.com/gorse-io/hymenoptera/model"
	"github.com/gorse-io/hymenoptera/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pipeline = &dataset.Pipeline{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// newBatch returns n images of size 8x8 where image k is filled with gray level 10*(k+1).
func newBatch(n int) *nn.Tensor {
	var data []float32
	for k := 0; k < n; k++ {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for i := range img.Pix {
			img.Pix[i] = uint8(10 * (k + 1))
		}
		sample, _, _ := pipeline.Apply(img, nil)
		data = append(data, sample...)
	}
	return nn.NewTensor(data, n, 3, 8, 8)
}

func TestGrid(t *testing.T) {
	grid := Grid(newBatch(4), pipeline, 8, 2)
	assert.Equal(t, image.Rect(0, 0, 42, 12), grid.Bounds())
	assert.Equal(t, color.RGBA{A: 255}, grid.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 10, G: 10, B: 10, A: 255}, grid.RGBAAt(2, 2))
	assert.Equal(t, color.RGBA{R: 40, G: 40, B: 40, A: 255}, grid.RGBAAt(32+7, 2+7))

	// three rows of two
	grid = Grid(newBatch(5), pipeline, 2, 2)
	assert.Equal(t, image.Rect(0, 0, 22, 32), grid.Bounds())
	assert.Equal(t, color.RGBA{R: 50, G: 50, B: 50, A: 255}, grid.RGBAAt(2, 22))
	assert.Equal(t, color.RGBA{A: 255}, grid.RGBAAt(12, 22))
}

func TestSampleBatch(t *testing.T) {
	batch := &dataset.Batch{
		Images:  newBatch(2),
		Labels:  nn.NewTensor([]float32{0, 1}, 2),
		Indices: []int{0, 1},
	}
	img := SampleBatch(batch, []string{"ants", "bees"}, pipeline)
	assert.Equal(t, 12+labelHeight, img.Bounds().Dy())
	assert.GreaterOrEqual(t, img.Bounds().Dx(), 22)
	// the title band is white with dark text
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, img.RGBAAt(img.Bounds().Dx()-1, 0))
	assert.Equal(t, color.RGBA{R: 10, G: 10, B: 10, A: 255}, img.RGBAAt(2, labelHeight+2))
}

func newValLoader(t *testing.T) *dataset.DataLoader {
	root := t.TempDir()
	for _, class := range []string{"ants", "bees"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, class), os.ModePerm))
		for i := 0; i < 3; i++ {
			f, err := os.Create(filepath.Join(root, class, fmt.Sprintf("%d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 20, 20))))
			require.NoError(t, f.Close())
		}
	}
	folder, err := dataset.NewImageFolder(root)
	require.NoError(t, err)
	return dataset.NewDataLoader(folder, dataset.NewValPipeline(16, 16, pipeline.Mean, pipeline.Std), 4, false, 0)
}

func TestPredictions(t *testing.T) {
	loader := newValLoader(t)
	net := nn.NewResNet(rand.New(rand.NewSource(0)), []int{1, 1}, 4, 2)
	c := model.New("tiny", []string{"ants", "bees"}, net)

	img, predictions, err := Predictions(context.Background(), c, loader, 5)
	require.NoError(t, err)
	require.Len(t, predictions, 5)
	for i, p := range predictions {
		assert.Equal(t, loader.Dataset().Sample(i).Path, p.Path)
		assert.Equal(t, loader.Dataset().Sample(i).Label, p.Label)
		assert.Contains(t, []int{0, 1}, p.Predicted)
	}
	// three rows of two labeled tiles
	cellW := max(16, len("predicted: ants")*7+4)
	assert.Equal(t, image.Rect(0, 0, 2*(cellW+2)+2, 3*(16+labelHeight+2)+2), img.Bounds())

	// fewer images than requested
	_, predictions, err = Predictions(context.Background(), c, loader, 100)
	require.NoError(t, err)
	assert.Len(t, predictions, 6)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = Predictions(ctx, c, loader, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "figures", "grid.png")
	grid := Grid(newBatch(3), pipeline, 8, 2)
	require.NoError(t, SavePNG(path, grid))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, grid.Bounds(), decoded.Bounds())
}

func TestHistoryTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, HistoryTable(&buf, &trainer.Result{
		BestEpoch: 1,
		History: []trainer.EpochStats{
			{Epoch: 0, LR: 0.001, TrainLoss: 0.7, TrainAcc: 0.5, ValLoss: 0.6, ValAcc: 0.6, Elapsed: time.Second},
			{Epoch: 1, LR: 0.001, TrainLoss: 0.5, TrainAcc: 0.8, ValLoss: 0.4, ValAcc: 0.9, Elapsed: time.Second},
		},
	}))
	out := buf.String()
	assert.Contains(t, strings.ToUpper(out), "VAL ACC")
	assert.Contains(t, out, "1*")
	assert.Contains(t, out, "0.9000")
	assert.Contains(t, out, "0.001")
}
