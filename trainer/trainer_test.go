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

package trainer

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/gorse-io/hymenoptera/config"
	"github.com/gorse-io/hymenoptera/dataset"
	"github.com/gorse-io/hymenoptera/model"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	mean = [3]float32{0.485, 0.456, 0.406}
	std  = [3]float32{0.229, 0.224, 0.225}
)

// newSplit writes n noisy images per class. Ants are reddish and bees are bluish.
func newSplit(t *testing.T, root string, n int, seed int64) *dataset.ImageFolder {
	rng := rand.New(rand.NewSource(seed))
	for _, class := range []struct {
		name string
		tint color.RGBA
	}{
		{name: "ants", tint: color.RGBA{R: 220, G: 60, B: 40, A: 255}},
		{name: "bees", tint: color.RGBA{R: 40, G: 60, B: 220, A: 255}},
	} {
		tint := class.tint
		require.NoError(t, os.MkdirAll(filepath.Join(root, class.name), os.ModePerm))
		for i := 0; i < n; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 20, 20))
			for p := 0; p < len(img.Pix); p += 4 {
				img.Pix[p] = uint8(max(0, min(255, int(tint.R)+rng.Intn(61)-30)))
				img.Pix[p+1] = uint8(max(0, min(255, int(tint.G)+rng.Intn(61)-30)))
				img.Pix[p+2] = uint8(max(0, min(255, int(tint.B)+rng.Intn(61)-30)))
				img.Pix[p+3] = 255
			}
			f, err := os.Create(filepath.Join(root, class.name, fmt.Sprintf("%d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	folder, err := dataset.NewImageFolder(root)
	require.NoError(t, err)
	return folder
}

type fixture struct {
	train *dataset.ImageFolder
	val   *dataset.ImageFolder
}

func newFixture(t *testing.T) *fixture {
	root := t.TempDir()
	return &fixture{
		train: newSplit(t, filepath.Join(root, "train"), 8, 0),
		val:   newSplit(t, filepath.Join(root, "val"), 4, 1),
	}
}

func (f *fixture) loaders(seed int64) (*dataset.DataLoader, *dataset.DataLoader) {
	train := dataset.NewDataLoader(f.train, dataset.NewTrainPipeline(16, mean, std), 4, true, seed)
	val := dataset.NewDataLoader(f.val, dataset.NewValPipeline(18, 16, mean, std), 4, false, seed)
	return train, val
}

func newClassifier(seed int64) *model.Classifier {
	net := nn.NewResNet(rand.New(rand.NewSource(seed)), []int{1, 1}, 4, 2)
	return model.New("tiny", []string{"ants", "bees"}, net)
}

func TestFitConfig(t *testing.T) {
	var fitConfig *FitConfig
	fitConfig = fitConfig.LoadDefaultIfNil()
	assert.Equal(t, 25, fitConfig.Epochs)
	assert.Equal(t, float32(0.001), fitConfig.LR)
	assert.Equal(t, float32(0.9), fitConfig.Momentum)
	assert.Equal(t, 7, fitConfig.StepSize)
	assert.Equal(t, float32(0.1), fitConfig.Gamma)

	chained := fitConfig.SetEpochs(3).SetLR(0.01).SetSchedule(2, 0.5).SetPatience(1)
	assert.Same(t, fitConfig, chained)
	assert.Equal(t, 3, fitConfig.Epochs)
	assert.Equal(t, 2, fitConfig.StepSize)
	assert.Same(t, fitConfig, fitConfig.LoadDefaultIfNil())

	fromFile := NewFitConfigFrom(&config.GetDefaultConfig().Train)
	assert.Equal(t, NewFitConfig(), fromFile)
}

func TestFit(t *testing.T) {
	f := newFixture(t)
	train, val := f.loaders(0)
	c := newClassifier(0)
	result, err := Fit(context.Background(), c, train, val, NewFitConfig().SetEpochs(4).SetLR(0.01).SetSchedule(2, 0.5))
	require.NoError(t, err)
	require.Len(t, result.History, 4)
	assert.False(t, result.EarlyStopped)
	assert.Equal(t, []float32{0.01, 0.01, 0.005, 0.005}, lo.Map(result.History, func(s EpochStats, _ int) float32 { return s.LR }))
	for _, stats := range result.History {
		assert.GreaterOrEqual(t, stats.TrainAcc, float32(0))
		assert.LessOrEqual(t, stats.TrainAcc, float32(1))
		assert.GreaterOrEqual(t, stats.ValAcc, float32(0))
		assert.LessOrEqual(t, stats.ValAcc, float32(1))
		assert.Greater(t, stats.TrainLoss, float32(0))
	}

	// the best epoch has the highest accuracy and the earliest among ties
	require.GreaterOrEqual(t, result.BestEpoch, 0)
	// a later epoch ran after the best one, so the restore below is observable
	require.Less(t, result.BestEpoch, len(result.History)-1)
	best := result.History[result.BestEpoch]
	assert.Equal(t, best.ValAcc, result.BestAcc)
	for _, stats := range result.History[:result.BestEpoch] {
		assert.Less(t, stats.ValAcc, result.BestAcc)
	}
	for _, stats := range result.History[result.BestEpoch:] {
		assert.LessOrEqual(t, stats.ValAcc, result.BestAcc)
	}

	// the restored weights reproduce the best validation pass
	loss, acc, err := Evaluate(context.Background(), c, val)
	require.NoError(t, err)
	assert.Equal(t, best.ValAcc, acc)
	assert.Equal(t, best.ValLoss, loss)
}

func TestEvaluateLoss(t *testing.T) {
	f := newFixture(t)
	c := newClassifier(0)
	// 8 images in batches of 3, 3 and 2
	val := dataset.NewDataLoader(f.val, dataset.NewValPipeline(18, 16, mean, std), 3, false, 0)
	loss, _, err := Evaluate(context.Background(), c, val)
	require.NoError(t, err)

	// epoch loss is the sum of batch mean losses over the split size
	var sum float64
	for batch, err := range val.Batches(context.Background()) {
		require.NoError(t, err)
		sum += float64(nn.SoftmaxCrossEntropy(c.Forward(batch.Images), batch.Labels).Data()[0])
	}
	assert.InDelta(t, sum/float64(val.Len()), loss, 1e-6)
}

func TestFitDeterministic(t *testing.T) {
	f := newFixture(t)
	run := func() []EpochStats {
		train, val := f.loaders(42)
		result, err := Fit(context.Background(), newClassifier(42), train, val, NewFitConfig().SetEpochs(2).SetLR(0.01))
		require.NoError(t, err)
		return lo.Map(result.History, func(s EpochStats, _ int) EpochStats {
			s.Elapsed = 0
			return s
		})
	}
	assert.Equal(t, run(), run())
}

func TestFitCancel(t *testing.T) {
	f := newFixture(t)
	train, val := f.loaders(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fit(ctx, newClassifier(0), train, val, NewFitConfig().SetEpochs(2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeatureExtract(t *testing.T) {
	f := newFixture(t)
	train, val := f.loaders(0)
	c := newClassifier(0)
	c.FreezeBackbone()
	conv := c.Net.Conv1.W.Clone()
	head := c.Net.FC.W.Clone()
	result, err := Fit(context.Background(), c, train, val, NewFitConfig().SetEpochs(1).SetLR(0.1))
	require.NoError(t, err)
	assert.Equal(t, conv.Data(), c.Net.Conv1.W.Data())
	if result.BestEpoch == 0 {
		assert.NotEqual(t, head.Data(), c.Net.FC.W.Data())
	}
}

func TestEarlyStop(t *testing.T) {
	assert.False(t, earlyStop(5, 0, 0))
	assert.False(t, earlyStop(2, 1, 2))
	assert.True(t, earlyStop(3, 1, 2))
	assert.True(t, earlyStop(1, -1, 2))
}
