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
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorse-io/hymenoptera/base/encoding"
	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/gorse-io/hymenoptera/dataset"
	"github.com/gorse-io/hymenoptera/model"
	"github.com/gorse-io/hymenoptera/trainer"
	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultPadding = 2
	DefaultNumRow  = 8
	// labelHeight is the height of a text line above an image.
	labelHeight = 16
)

// Grid lays out a batch [N, 3, H, W] in rows of nrow images separated by
// padding black pixels. Images are denormalized by the pipeline.
func Grid(images *nn.Tensor, pipeline *dataset.Pipeline, nrow, padding int) *image.RGBA {
	shape := images.Shape()
	n, h, w := shape[0], shape[2], shape[3]
	cols := min(nrow, n)
	rows := (n + cols - 1) / cols
	cellH, cellW := h+padding, w+padding
	grid := image.NewRGBA(image.Rect(0, 0, cols*cellW+padding, rows*cellH+padding))
	draw.Draw(grid, grid.Rect, image.NewUniform(color.Black), image.Point{}, draw.Src)
	for k := 0; k < n; k++ {
		tile := pipeline.Denormalize(images.Slice(k, k+1).Data(), h, w)
		x, y := k%cols, k/cols
		at := image.Pt(x*cellW+padding, y*cellH+padding)
		draw.Draw(grid, image.Rectangle{Min: at, Max: at.Add(tile.Rect.Size())}, tile, image.Point{}, draw.Src)
	}
	return grid
}

// SampleBatch renders a batch as one grid titled with the class name of every image.
func SampleBatch(batch *dataset.Batch, classes []string, pipeline *dataset.Pipeline) *image.RGBA {
	grid := Grid(batch.Images, pipeline, DefaultNumRow, DefaultPadding)
	names := make([]string, batch.Size())
	for i, label := range batch.Labels.Data() {
		names[i] = classes[int(label)]
	}
	return withTitle(grid, "["+strings.Join(names, ", ")+"]")
}

// Prediction is the predicted class of a validation image.
type Prediction struct {
	Path      string
	Label     int
	Predicted int
}

// Predictions runs the classifier over the loader until numImages images are
// predicted. Each image is drawn under a "predicted: <class>" label, two per row.
func Predictions(ctx context.Context, c *model.Classifier, loader *dataset.DataLoader, numImages int) (*image.RGBA, []Prediction, error) {
	var (
		tiles       []*image.RGBA
		predictions []Prediction
	)
	pipeline := loader.Pipeline()
	for batch, err := range loader.Batches(ctx) {
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		shape := batch.Images.Shape()
		h, w := shape[2], shape[3]
		for j, predicted := range c.Predict(batch.Images) {
			tile := pipeline.Denormalize(batch.Images.Slice(j, j+1).Data(), h, w)
			tiles = append(tiles, withTitle(tile, "predicted: "+c.Classes[predicted]))
			predictions = append(predictions, Prediction{
				Path:      loader.Dataset().Sample(batch.Indices[j]).Path,
				Label:     int(batch.Labels.Data()[j]),
				Predicted: predicted,
			})
			if len(predictions) == numImages {
				return mosaic(tiles, 2, DefaultPadding), predictions, nil
			}
		}
	}
	if len(tiles) == 0 {
		return nil, nil, errors.NotFoundf("images to predict")
	}
	return mosaic(tiles, 2, DefaultPadding), predictions, nil
}

// withTitle adds a white band with text above an image.
func withTitle(img *image.RGBA, title string) *image.RGBA {
	width := max(img.Rect.Dx(), font.MeasureString(basicfont.Face7x13, title).Ceil()+4)
	dst := image.NewRGBA(image.Rect(0, 0, width, img.Rect.Dy()+labelHeight))
	draw.Draw(dst, dst.Rect, image.White, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(0, labelHeight, img.Rect.Dx(), dst.Rect.Dy()), img, img.Rect.Min, draw.Src)
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.Black,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(2, labelHeight-4),
	}
	drawer.DrawString(title)
	return dst
}

// mosaic lays out images of any size in rows of cols images on a white canvas.
func mosaic(images []*image.RGBA, cols, padding int) *image.RGBA {
	var cellW, cellH int
	for _, img := range images {
		cellW = max(cellW, img.Rect.Dx())
		cellH = max(cellH, img.Rect.Dy())
	}
	cols = min(cols, len(images))
	rows := (len(images) + cols - 1) / cols
	dst := image.NewRGBA(image.Rect(0, 0, cols*(cellW+padding)+padding, rows*(cellH+padding)+padding))
	draw.Draw(dst, dst.Rect, image.White, image.Point{}, draw.Src)
	for k, img := range images {
		at := image.Pt(k%cols*(cellW+padding)+padding, k/cols*(cellH+padding)+padding)
		draw.Draw(dst, image.Rectangle{Min: at, Max: at.Add(img.Rect.Size())}, img, img.Rect.Min, draw.Src)
	}
	return dst
}

// SavePNG writes an image to a file, creating parent directories.
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Trace(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	if err = png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Annotatef(err, "failed to encode %s", path)
	}
	return errors.Trace(f.Close())
}

// WriteTable prints rows under a header as a text table.
func WriteTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(header)
	if err := table.Bulk(rows); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(table.Render())
}

// HistoryTable prints the statistics of every epoch and marks the best one.
func HistoryTable(w io.Writer, result *trainer.Result) error {
	rows := make([][]string, len(result.History))
	for i, stats := range result.History {
		mark := ""
		if stats.Epoch == result.BestEpoch {
			mark = "*"
		}
		rows[i] = []string{
			strconv.Itoa(stats.Epoch) + mark,
			encoding.FormatFloat32(stats.LR),
			encoding.FormatRatio(stats.TrainLoss),
			encoding.FormatRatio(stats.TrainAcc),
			encoding.FormatRatio(stats.ValLoss),
			encoding.FormatRatio(stats.ValAcc),
			stats.Elapsed.Round(time.Millisecond).String(),
		}
	}
	return WriteTable(w, []string{"Epoch", "LR", "Train Loss", "Train Acc", "Val Loss", "Val Acc", "Time"}, rows)
}
