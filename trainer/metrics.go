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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const LabelPhase = "phase"

var (
	EpochLossVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hymenoptera",
		Subsystem: "trainer",
		Name:      "epoch_loss",
	}, []string{LabelPhase})
	EpochAccuracyVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hymenoptera",
		Subsystem: "trainer",
		Name:      "epoch_accuracy",
	}, []string{LabelPhase})
	EpochSecondsVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hymenoptera",
		Subsystem: "trainer",
		Name:      "epoch_seconds",
	}, []string{LabelPhase})
	BatchesTotalVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hymenoptera",
		Subsystem: "trainer",
		Name:      "batches_total",
	}, []string{LabelPhase})
	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hymenoptera",
		Subsystem: "trainer",
		Name:      "learning_rate",
	})
	BestAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hymenoptera",
		Subsystem: "trainer",
		Name:      "best_accuracy",
	})
	CurrentEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hymenoptera",
		Subsystem: "trainer",
		Name:      "epoch",
	})
)
