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
	"iter"
	"math/rand"

	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/gorse-io/hymenoptera/common/parallel"
	"github.com/gorse-io/hymenoptera/common/util"
	"github.com/juju/errors"
)

// Batch is a group of transformed images with their labels.
type Batch struct {
	Images  *nn.Tensor // [N, 3, H, W]
	Labels  *nn.Tensor // [N], class indices stored as float32
	Indices []int      // sample indices in the dataset
}

func (b *Batch) Size() int {
	return len(b.Indices)
}

// DataLoader yields batches of a dataset. All randomness is drawn from one
// seeded generator in a fixed order, so the sequence of batches only depends
// on the seed and not on the number of jobs.
type DataLoader struct {
	dataset   *ImageFolder
	pipeline  *Pipeline
	batchSize int
	shuffle   bool
	jobs      int
	rng       *rand.Rand
}

func NewDataLoader(dataset *ImageFolder, pipeline *Pipeline, batchSize int, shuffle bool, seed int64) *DataLoader {
	return &DataLoader{
		dataset:   dataset,
		pipeline:  pipeline,
		batchSize: batchSize,
		shuffle:   shuffle,
		jobs:      1,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// SetJobs sets the number of goroutines decoding images of a batch.
func (l *DataLoader) SetJobs(jobs int) {
	l.jobs = max(jobs, 1)
}

func (l *DataLoader) Dataset() *ImageFolder {
	return l.dataset
}

func (l *DataLoader) Pipeline() *Pipeline {
	return l.pipeline
}

// Len returns the number of samples.
func (l *DataLoader) Len() int {
	return l.dataset.Len()
}

// NumBatches returns the number of batches per epoch. The last batch may be partial.
func (l *DataLoader) NumBatches() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// Batches iterates over one epoch. Iteration stops at the first error.
func (l *DataLoader) Batches(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		order := util.RangeInt(l.dataset.Len())
		if l.shuffle {
			l.rng.Shuffle(len(order), func(i, j int) {
				order[i], order[j] = order[j], order[i]
			})
		}
		for begin := 0; begin < len(order); begin += l.batchSize {
			end := min(begin+l.batchSize, len(order))
			batch, err := l.load(ctx, order[begin:end])
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

func (l *DataLoader) load(ctx context.Context, indices []int) (*Batch, error) {
	seeds := make([]int64, len(indices))
	for i := range seeds {
		seeds[i] = l.rng.Int63()
	}
	samples := make([][]float32, len(indices))
	labels := make([]float32, len(indices))
	heights := make([]int, len(indices))
	widths := make([]int, len(indices))
	err := parallel.Parallel(ctx, len(indices), l.jobs, func(_, i int) error {
		img, label, err := l.dataset.Load(indices[i])
		if err != nil {
			return errors.Trace(err)
		}
		samples[i], heights[i], widths[i] = l.pipeline.Apply(img, rand.New(rand.NewSource(seeds[i])))
		labels[i] = float32(label)
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	h, w := heights[0], widths[0]
	data := make([]float32, 0, len(indices)*3*h*w)
	for i, sample := range samples {
		if heights[i] != h || widths[i] != w {
			return nil, errors.NotValidf("image %s of size %dx%d in a batch of %dx%d",
				l.dataset.Sample(indices[i]).Path, widths[i], heights[i], w, h)
		}
		data = append(data, sample...)
	}
	return &Batch{
		Images:  nn.NewTensor(data, len(indices), 3, h, w),
		Labels:  nn.NewTensor(labels, len(indices)),
		Indices: append([]int(nil), indices...),
	}, nil
}
