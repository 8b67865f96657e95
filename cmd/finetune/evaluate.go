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
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/gorse-io/hymenoptera/base/encoding"
	"github.com/gorse-io/hymenoptera/config"
	"github.com/gorse-io/hymenoptera/model"
	"github.com/gorse-io/hymenoptera/storage/blob"
	"github.com/gorse-io/hymenoptera/trainer"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
)

var evaluateCommand = &cobra.Command{
	Use:   "evaluate",
	Short: "Reload saved weights and report validation loss and accuracy.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		serveMetrics(cmd)
		ctx, span, cancel := newContext(cmd)
		defer cancel()
		if _, err = evaluate(ctx, conf, cmd.OutOrStdout()); err != nil {
			span.Fail(err)
			return errors.Trace(err)
		}
		span.End()
		return nil
	},
}

func evaluate(ctx context.Context, conf *config.Config, out io.Writer) (float32, error) {
	c, err := loadClassifier(ctx, conf)
	if err != nil {
		return 0, errors.Trace(err)
	}
	data, err := loadSplits(&conf.Data)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err = checkClasses(c, data); err != nil {
		return 0, errors.Trace(err)
	}
	loss, acc, err := trainer.Evaluate(ctx, c, data.valLoader(conf, conf.Train.Seed))
	if err != nil {
		return 0, errors.Trace(err)
	}
	_, err = fmt.Fprintf(out, "val Loss: %s Acc: %s\n", encoding.FormatRatio(loss), encoding.FormatRatio(acc))
	return acc, errors.Trace(err)
}

// loadClassifier downloads the saved weights from the configured storage.
func loadClassifier(ctx context.Context, conf *config.Config) (*model.Classifier, error) {
	store, err := blob.NewStore(ctx, conf.Storage)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data, err := blob.Download(ctx, store, conf.Storage.ModelName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c, err := model.Load(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Annotatef(err, "failed to load %s", conf.Storage.ModelName)
	}
	return c, nil
}

func checkClasses(c *model.Classifier, data *splits) error {
	if !slices.Equal(c.Classes, data.val.Classes()) {
		return errors.NotValidf("dataset classes %v for a classifier of %v", data.val.Classes(), c.Classes)
	}
	return nil
}
