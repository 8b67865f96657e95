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
	"time"

	"github.com/gorse-io/hymenoptera/base/encoding"
	"github.com/gorse-io/hymenoptera/base/log"
	"github.com/gorse-io/hymenoptera/base/progress"
	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/gorse-io/hymenoptera/dataset"
	"github.com/gorse-io/hymenoptera/model"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

const (
	PhaseTrain = "train"
	PhaseVal   = "val"
)

// EpochStats records one epoch. Losses are averaged over samples.
type EpochStats struct {
	Epoch     int
	LR        float32
	TrainLoss float32
	TrainAcc  float32
	ValLoss   float32
	ValAcc    float32
	Elapsed   time.Duration
}

type Result struct {
	BestAcc float32
	// BestEpoch is -1 if no epoch reached a positive validation accuracy.
	BestEpoch int
	History   []EpochStats
	Elapsed   time.Duration
	// EarlyStopped is set when training ended before the last epoch.
	EarlyStopped bool
}

// Fit trains the classifier with SGD and a step learning rate schedule. Each
// epoch runs a train phase followed by a val phase. The weights with the
// highest validation accuracy are restored before returning.
func Fit(ctx context.Context, c *model.Classifier, train, val *dataset.DataLoader, config *FitConfig) (*Result, error) {
	config = config.LoadDefaultIfNil()
	params := c.Parameters()
	log.Logger().Info("fit classifier",
		zap.String("arch", c.Arch),
		zap.Strings("classes", c.Classes),
		zap.Int("train_set_size", train.Len()),
		zap.Int("val_set_size", val.Len()),
		zap.Int("trainable_tensors", len(params)),
		zap.Any("config", config))
	optimizer := nn.NewSGDWithMomentum(params, config.LR, config.Momentum)
	optimizer.SetWeightDecay(config.WeightDecay)
	scheduler := nn.NewStepLR(optimizer, config.StepSize, config.Gamma)

	result := &Result{BestEpoch: -1}
	best := c.StateDict()
	start := time.Now()
	ctx, span := progress.Start(ctx, "Fit", config.Epochs)
	for epoch := 0; epoch < config.Epochs; epoch++ {
		epochStart := time.Now()
		scheduler.Step()
		stats := EpochStats{Epoch: epoch, LR: optimizer.LR()}
		CurrentEpoch.Set(float64(epoch))
		LearningRate.Set(float64(stats.LR))

		var err error
		if stats.TrainLoss, stats.TrainAcc, err = runPhase(ctx, c, train, optimizer, PhaseTrain); err != nil {
			span.Fail(err)
			return nil, errors.Trace(err)
		}
		if stats.ValLoss, stats.ValAcc, err = runPhase(ctx, c, val, nil, PhaseVal); err != nil {
			span.Fail(err)
			return nil, errors.Trace(err)
		}
		stats.Elapsed = time.Since(epochStart)
		result.History = append(result.History, stats)

		if stats.ValAcc > result.BestAcc {
			result.BestAcc = stats.ValAcc
			result.BestEpoch = epoch
			best = c.StateDict()
			BestAccuracy.Set(float64(stats.ValAcc))
		}
		if config.Verbose > 0 && (epoch%config.Verbose == 0 || epoch == config.Epochs-1) {
			log.Logger().Info(fmt.Sprintf("fit classifier %v/%v", epoch, config.Epochs-1),
				zap.Float32("lr", stats.LR),
				zap.String("train_loss", encoding.FormatRatio(stats.TrainLoss)),
				zap.String("train_acc", encoding.FormatRatio(stats.TrainAcc)),
				zap.String("val_loss", encoding.FormatRatio(stats.ValLoss)),
				zap.String("val_acc", encoding.FormatRatio(stats.ValAcc)),
				zap.String("epoch_time", stats.Elapsed.String()))
		}
		span.Add(1)
		if earlyStop(epoch, result.BestEpoch, config.Patience) && epoch < config.Epochs-1 {
			result.EarlyStopped = true
			log.Logger().Info("stop early",
				zap.Int("epoch", epoch),
				zap.Int("best_epoch", result.BestEpoch),
				zap.Int("patience", config.Patience))
			break
		}
	}
	span.End()

	if err := c.LoadStateDict(best); err != nil {
		return nil, errors.Annotate(err, "failed to restore best weights")
	}
	result.Elapsed = time.Since(start)
	log.Logger().Info(fmt.Sprintf("training complete in %dm %ds",
		int(result.Elapsed/time.Minute), int(result.Elapsed%time.Minute/time.Second)))
	log.Logger().Info("fit classifier complete",
		zap.String("best_val_acc", encoding.FormatRatio(result.BestAcc)),
		zap.Int("best_epoch", result.BestEpoch))
	return result, nil
}

// Evaluate runs one pass over a split in evaluation mode.
func Evaluate(ctx context.Context, c *model.Classifier, loader *dataset.DataLoader) (loss, acc float32, err error) {
	return runPhase(ctx, c, loader, nil, PhaseVal)
}

// earlyStop reports whether patience epochs have passed without improvement.
func earlyStop(epoch, bestEpoch, patience int) bool {
	return patience > 0 && epoch-bestEpoch >= patience
}

// runPhase iterates a split once. With an optimizer the network is trained,
// otherwise it is only evaluated and running statistics stay untouched.
func runPhase(ctx context.Context, c *model.Classifier, loader *dataset.DataLoader, optimizer nn.Optimizer, phase string) (float32, float32, error) {
	training := optimizer != nil
	c.Net.SetTraining(training)
	phaseStart := time.Now()
	ctx, span := progress.Start(ctx, phase, loader.NumBatches())
	var (
		runningLoss     float64
		runningCorrects int
	)
	for batch, err := range loader.Batches(ctx) {
		if err != nil {
			span.Fail(err)
			return 0, 0, errors.Trace(err)
		}
		if training {
			optimizer.ZeroGrad()
		}
		logits := c.Forward(batch.Images)
		loss := nn.SoftmaxCrossEntropy(logits, batch.Labels)
		if training {
			loss.Backward()
			optimizer.Step()
		}
		labels := batch.Labels.Data()
		for i, pred := range logits.Argmax() {
			if float32(pred) == labels[i] {
				runningCorrects++
			}
		}
		// batch means are summed and divided by the split size below
		runningLoss += float64(loss.Data()[0])
		BatchesTotalVec.WithLabelValues(phase).Inc()
		span.Add(1)
	}
	span.End()
	n := loader.Len()
	epochLoss := float32(runningLoss / float64(n))
	epochAcc := float32(runningCorrects) / float32(n)
	EpochLossVec.WithLabelValues(phase).Set(float64(epochLoss))
	EpochAccuracyVec.WithLabelValues(phase).Set(float64(epochAcc))
	EpochSecondsVec.WithLabelValues(phase).Set(time.Since(phaseStart).Seconds())
	log.Logger().Debug(phase,
		zap.String("loss", encoding.FormatRatio(epochLoss)),
		zap.String("acc", encoding.FormatRatio(epochAcc)))
	return epochLoss, epochAcc, nil
}
