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
	"path/filepath"

	"github.com/gorse-io/hymenoptera/base/log"
	"github.com/gorse-io/hymenoptera/base/progress"
	"github.com/gorse-io/hymenoptera/config"
	"github.com/gorse-io/hymenoptera/model"
	"github.com/gorse-io/hymenoptera/visualize"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var predictCommand = &cobra.Command{
	Use:   "predict",
	Short: "Render validation images labeled with predictions of saved weights.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		numImages, _ := cmd.Flags().GetInt("num-images")
		if numImages <= 0 {
			numImages = conf.Visualize.NumImages
		}
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = filepath.Join(conf.Visualize.Dir, "predictions.png")
		}
		ctx, span, cancel := newContext(cmd)
		defer cancel()
		if err = predict(ctx, conf, numImages, output, cmd.OutOrStdout()); err != nil {
			span.Fail(err)
			return errors.Trace(err)
		}
		span.End()
		return nil
	},
}

func predict(ctx context.Context, conf *config.Config, numImages int, output string, out io.Writer) error {
	c, err := loadClassifier(ctx, conf)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := loadSplits(&conf.Data)
	if err != nil {
		return errors.Trace(err)
	}
	if err = checkClasses(c, data); err != nil {
		return errors.Trace(err)
	}
	return savePredictions(ctx, conf, c, data, numImages, output, out)
}

// savePredictions renders predictions of validation images to a PNG file and
// prints them as a table.
func savePredictions(ctx context.Context, conf *config.Config, c *model.Classifier, data *splits, numImages int, path string, out io.Writer) error {
	ctx, span := progress.Start(ctx, "predict", 1)
	img, predictions, err := visualize.Predictions(ctx, c, data.valLoader(conf, conf.Train.Seed), numImages)
	if err != nil {
		span.Fail(err)
		return errors.Trace(err)
	}
	span.Add(1)
	span.End()
	if err = visualize.SavePNG(path, img); err != nil {
		return errors.Trace(err)
	}
	log.Logger().Info("save predictions", zap.String("path", path), zap.Int("num_images", len(predictions)))
	rows := make([][]string, len(predictions))
	for i, p := range predictions {
		rows[i] = []string{filepath.Base(p.Path), c.Classes[p.Label], c.Classes[p.Predicted]}
	}
	return visualize.WriteTable(out, []string{"Image", "Label", "Predicted"}, rows)
}
