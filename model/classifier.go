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

package model

import (
	"math/rand"
	"slices"

	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

const (
	ArchResNet18 = "resnet18"
	ArchResNet34 = "resnet34"
)

var architectures = map[string]func(*rand.Rand, int) *nn.ResNet{
	ArchResNet18: nn.NewResNet18,
	ArchResNet34: nn.NewResNet34,
}

// Classifier is a residual network whose final layer maps features to the
// dataset classes.
type Classifier struct {
	Arch    string
	Classes []string
	Net     *nn.ResNet
}

// NewClassifier builds a randomly initialized network of a known architecture
// with one output per class.
func NewClassifier(arch string, classes []string, seed int64) (*Classifier, error) {
	build, ok := architectures[arch]
	if !ok {
		return nil, errors.NotSupportedf("architecture %s", arch)
	}
	if len(classes) < 2 {
		return nil, errors.NotValidf("%d classes", len(classes))
	}
	rng := rand.New(rand.NewSource(seed))
	return New(arch, classes, build(rng, len(classes))), nil
}

// New wraps an existing network.
func New(arch string, classes []string, net *nn.ResNet) *Classifier {
	return &Classifier{
		Arch:    arch,
		Classes: slices.Clone(classes),
		Net:     net,
	}
}

// NumClasses returns the number of outputs.
func (c *Classifier) NumClasses() int {
	return len(c.Classes)
}

// FreezeBackbone stops gradients for every layer except the final one, so
// the network acts as a fixed feature extractor.
func (c *Classifier) FreezeBackbone() {
	for _, p := range c.Net.BackboneParameters() {
		p.Freeze()
	}
}

// Parameters returns the trainable parameters.
func (c *Classifier) Parameters() []*nn.Tensor {
	return lo.Filter(c.Net.Parameters(), func(p *nn.Tensor, _ int) bool {
		return p.RequiresGrad()
	})
}

// Forward returns logits of shape [N, classes].
func (c *Classifier) Forward(images *nn.Tensor) *nn.Tensor {
	return c.Net.Forward(images)
}

// Predict returns the most likely class of each image. The network is left
// in evaluation mode.
func (c *Classifier) Predict(images *nn.Tensor) []int {
	c.Net.SetTraining(false)
	return c.Forward(images).NoGrad().Argmax()
}

// StateDict snapshots parameters and running statistics.
func (c *Classifier) StateDict() *nn.StateDict {
	return nn.StateDictOf(c.Net)
}

// LoadStateDict restores every tensor of the network.
func (c *Classifier) LoadStateDict(s *nn.StateDict) error {
	return nn.LoadStateDict(c.Net, s, true)
}

// LoadBackbone restores every tensor except the final layer, whose shape
// depends on the number of classes.
func (c *Classifier) LoadBackbone(s *nn.StateDict) error {
	return nn.LoadStateDict(c.Net, s, true, "fc")
}

// layout returns the number of blocks per stage and the width of the first stage.
func layout(net *nn.ResNet) ([]int, int) {
	blocks := lo.Map(net.Stages, func(stage *nn.Sequential, _ int) int {
		return len(stage.Layers)
	})
	return blocks, net.Conv1.W.Shape()[0]
}
