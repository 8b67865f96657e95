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

import "github.com/gorse-io/hymenoptera/config"

type FitConfig struct {
	Epochs      int
	LR          float32
	Momentum    float32
	WeightDecay float32
	StepSize    int
	Gamma       float32
	Patience    int
	Verbose     int
}

func NewFitConfig() *FitConfig {
	return &FitConfig{
		Epochs:   25,
		LR:       0.001,
		Momentum: 0.9,
		StepSize: 7,
		Gamma:    0.1,
		Verbose:  1,
	}
}

// NewFitConfigFrom copies the training section of a configuration.
func NewFitConfigFrom(cfg *config.TrainConfig) *FitConfig {
	return &FitConfig{
		Epochs:      cfg.Epochs,
		LR:          cfg.LR,
		Momentum:    cfg.Momentum,
		WeightDecay: cfg.WeightDecay,
		StepSize:    cfg.StepSize,
		Gamma:       cfg.Gamma,
		Patience:    cfg.Patience,
		Verbose:     1,
	}
}

func (config *FitConfig) LoadDefaultIfNil() *FitConfig {
	if config == nil {
		return NewFitConfig()
	}
	return config
}

func (config *FitConfig) SetEpochs(epochs int) *FitConfig {
	config.Epochs = epochs
	return config
}

func (config *FitConfig) SetLR(lr float32) *FitConfig {
	config.LR = lr
	return config
}

func (config *FitConfig) SetSchedule(stepSize int, gamma float32) *FitConfig {
	config.StepSize = stepSize
	config.Gamma = gamma
	return config
}

func (config *FitConfig) SetPatience(patience int) *FitConfig {
	config.Patience = patience
	return config
}

func (config *FitConfig) SetVerbose(verbose int) *FitConfig {
	config.Verbose = verbose
	return config
}
