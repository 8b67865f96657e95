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
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gorse-io/hymenoptera/base/log"
	"github.com/gorse-io/hymenoptera/base/progress"
	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/gorse-io/hymenoptera/config"
	"github.com/gorse-io/hymenoptera/dataset"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// loadConfig reads the configuration named by --config and applies global settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	log.Logger().Info("load config", zap.String("config", configPath))
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, errors.Annotate(err, "failed to load config")
	}
	if jobs, _ := cmd.Flags().GetInt("jobs"); jobs > 0 {
		conf.Train.Jobs = jobs
	}
	nn.SetNumJobs(conf.Train.Jobs)
	return conf, nil
}

// serveMetrics exposes Prometheus metrics when --metrics-addr is set.
func serveMetrics(cmd *cobra.Command) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Logger().Info("start metrics server", zap.String("address", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger().Error("failed to serve metrics", zap.Error(err))
		}
	}()
}

// newContext returns a context canceled on SIGINT, carrying a root span named
// after the command whose phases are drawn as progress bars.
func newContext(cmd *cobra.Command) (context.Context, *progress.Span, context.CancelFunc) {
	ctx, cancel := signalContext(cmd.Context())
	tracer := progress.NewTracer("finetune")
	if hide, _ := cmd.Flags().GetBool("no-progress"); !hide {
		tracer.Listen(newProgressBars(PhaseNames...).Listen)
	}
	ctx, span := tracer.Start(ctx, cmd.Name(), 0)
	return ctx, span, cancel
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt)
}

// PhaseNames are the spans shown as progress bars.
var PhaseNames = []string{"train", "val", "predict"}

// progressBars draws one bar per running phase span with a watched name.
// Root spans are skipped since they share names with phases.
type progressBars struct {
	mu    sync.Mutex
	names []string
	bars  map[string]*progressbar.ProgressBar
}

func newProgressBars(names ...string) *progressBars {
	return &progressBars{
		names: names,
		bars:  make(map[string]*progressbar.ProgressBar),
	}
}

func (p *progressBars) Listen(state progress.Progress) {
	if state.Parent == "" || !slices.Contains(p.names, state.Name) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	bar, ok := p.bars[state.Name]
	if !ok || bar.GetMax() != state.Total {
		bar = progressbar.NewOptions(state.Total,
			progressbar.OptionSetDescription(state.Name),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
		p.bars[state.Name] = bar
	}
	_ = bar.Set(state.Count)
	switch state.Status {
	case progress.StatusComplete, progress.StatusFailed:
		_ = bar.Finish()
		delete(p.bars, state.Name)
	}
}

// splits holds the train and val image folders sharing one decoded image cache.
type splits struct {
	train *dataset.ImageFolder
	val   *dataset.ImageFolder
}

func loadSplits(conf *config.DataConfig) (*splits, error) {
	train, err := dataset.NewImageFolder(filepath.Join(conf.Dir, conf.TrainSplit))
	if err != nil {
		return nil, errors.Trace(err)
	}
	val, err := dataset.NewImageFolder(filepath.Join(conf.Dir, conf.ValSplit))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !slices.Equal(train.Classes(), val.Classes()) {
		return nil, errors.NotValidf("val classes %v differ from train classes %v", val.Classes(), train.Classes())
	}
	cache := dataset.NewImageCache(conf.CacheSize, conf.CacheTTL)
	train.SetCache(cache)
	val.SetCache(cache)
	log.Logger().Info("load dataset",
		zap.String("dir", conf.Dir),
		zap.Strings("classes", train.Classes()),
		zap.Ints("train_counts", train.ClassCounts()),
		zap.Ints("val_counts", val.ClassCounts()))
	return &splits{train: train, val: val}, nil
}

func normalization(conf *config.DataConfig) ([3]float32, [3]float32) {
	return [3]float32(conf.Mean), [3]float32(conf.Std)
}

func (s *splits) trainLoader(conf *config.Config, seed int64) *dataset.DataLoader {
	mean, std := normalization(&conf.Data)
	loader := dataset.NewDataLoader(s.train, dataset.NewTrainPipeline(conf.Data.CropSize, mean, std),
		conf.Data.BatchSize, conf.Data.Shuffle, seed)
	loader.SetJobs(conf.Train.Jobs)
	return loader
}

func (s *splits) valLoader(conf *config.Config, seed int64) *dataset.DataLoader {
	mean, std := normalization(&conf.Data)
	loader := dataset.NewDataLoader(s.val, dataset.NewValPipeline(conf.Data.ResizeSize, conf.Data.CropSize, mean, std),
		conf.Data.BatchSize, conf.Data.Shuffle, seed)
	loader.SetJobs(conf.Train.Jobs)
	return loader
}
