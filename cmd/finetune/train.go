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

package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/gorse-io/hymenoptera/base/log"
	"github.com/gorse-io/hymenoptera/config"
	"github.com/gorse-io/hymenoptera/model"
	"github.com/gorse-io/hymenoptera/storage/blob"
	"github.com/gorse-io/hymenoptera/trainer"
	"github.com/gorse-io/hymenoptera/visualize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var trainCommand = &cobra.Command{
	Use:   "train",
	Short: "Fine-tune the classifier and save the best weights.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		if pretrained, _ := cmd.Flags().GetString("pretrained"); pretrained != "" {
			conf.Model.Pretrained = pretrained
		}
		if epochs, _ := cmd.Flags().GetInt("epochs"); epochs > 0 {
			conf.Train.Epochs = epochs
		}
		serveMetrics(cmd)
		ctx, span, cancel := newContext(cmd)
		defer cancel()
		if err = train(ctx, conf, cmd.OutOrStdout()); err != nil {
			span.Fail(err)
			return errors.Trace(err)
		}
		span.End()
		return nil
	},
}

func train(ctx context.Context, conf *config.Config, out io.Writer) error {
	data, err := loadSplits(&conf.Data)
	if err != nil {
		return errors.Trace(err)
	}
	c, err := model.NewClassifier(conf.Model.Arch, data.train.Classes(), conf.Train.Seed)
	if err != nil {
		return errors.Trace(err)
	}
	return fit(ctx, conf, data, c, out)
}

// fit runs the whole pipeline on a classifier: pretrained weights, training,
// persistence of the best weights and figures.
func fit(ctx context.Context, conf *config.Config, data *splits, c *model.Classifier, out io.Writer) error {
	if conf.Model.Pretrained != "" {
		weights, err := os.ReadFile(conf.Model.Pretrained)
		if err != nil {
			return errors.Annotate(err, "failed to read pretrained weights")
		}
		if err = c.LoadPretrained(weights); err != nil {
			return errors.Trace(err)
		}
		log.Logger().Info("load pretrained weights", zap.String("path", conf.Model.Pretrained))
	} else {
		log.Logger().Warn("no pretrained weights, training from scratch")
	}
	if conf.Model.FeatureExtract {
		c.FreezeBackbone()
		log.Logger().Info("freeze backbone", zap.Int("trainable_tensors", len(c.Parameters())))
	}

	if conf.Visualize.Enable {
		if err := saveSampleBatch(ctx, conf, data); err != nil {
			return errors.Trace(err)
		}
	}

	result, err := trainer.Fit(ctx, c,
		data.trainLoader(conf, conf.Train.Seed),
		data.valLoader(conf, conf.Train.Seed),
		trainer.NewFitConfigFrom(&conf.Train))
	if err != nil {
		return errors.Trace(err)
	}
	if err = visualize.HistoryTable(out, result); err != nil {
		return errors.Trace(err)
	}

	store, err := blob.NewStore(ctx, conf.Storage)
	if err != nil {
		return errors.Trace(err)
	}
	if err = blob.Upload(ctx, store, conf.Storage.ModelName, c.Save); err != nil {
		return errors.Trace(err)
	}
	log.Logger().Info("save weights",
		zap.String("storage", conf.Storage.Type),
		zap.String("name", conf.Storage.ModelName))

	if conf.Visualize.Enable {
		path := filepath.Join(conf.Visualize.Dir, "predictions.png")
		if err = savePredictions(ctx, conf, c, data, conf.Visualize.NumImages, path, out); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// saveSampleBatch renders the first training batch. It uses its own loader so
// the training data order is unaffected.
func saveSampleBatch(ctx context.Context, conf *config.Config, data *splits) error {
	loader := data.trainLoader(conf, conf.Train.Seed)
	for batch, err := range loader.Batches(ctx) {
		if err != nil {
			return errors.Trace(err)
		}
		path := filepath.Join(conf.Visualize.Dir, "samples.png")
		if err = visualize.SavePNG(path, visualize.SampleBatch(batch, data.train.Classes(), loader.Pipeline())); err != nil {
			return errors.Trace(err)
		}
		log.Logger().Info("save sample batch", zap.String("path", path))
		break
	}
	return nil
}
