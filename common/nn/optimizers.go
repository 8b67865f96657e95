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

package nn

import (
	"github.com/chewxy/math32"
)

type Optimizer interface {
	SetWeightDecay(rate float32)
	SetLR(lr float32)
	LR() float32
	ZeroGrad()
	Step()
}

type baseOptimizer struct {
	params []*Tensor
	lr     float32
	wd     float32
}

func (o *baseOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.grad = nil
	}
}

func (o *baseOptimizer) SetWeightDecay(wd float32) {
	o.wd = wd
}

func (o *baseOptimizer) SetLR(lr float32) {
	o.lr = lr
}

func (o *baseOptimizer) LR() float32 {
	return o.lr
}

// SGD is stochastic gradient descent with optional momentum. With momentum m
// the update is v = m*v + g; p -= lr*v, where v starts at the first gradient.
type SGD struct {
	baseOptimizer
	momentum float32
	buffers  map[*Tensor]*Tensor
}

func NewSGD(params []*Tensor, lr float32) Optimizer {
	return NewSGDWithMomentum(params, lr, 0)
}

func NewSGDWithMomentum(params []*Tensor, lr, momentum float32) Optimizer {
	return &SGD{
		baseOptimizer: baseOptimizer{params: params, lr: lr},
		momentum:      momentum,
		buffers:       make(map[*Tensor]*Tensor),
	}
}

func (s *SGD) Step() {
	for _, p := range s.params {
		if p.grad == nil {
			continue
		}
		g := p.grad.clone()
		if s.wd != 0 {
			for i := range g.data {
				g.data[i] += s.wd * p.data[i]
			}
		}
		if s.momentum != 0 {
			buf, ok := s.buffers[p]
			if !ok {
				buf = g.clone()
				s.buffers[p] = buf
			} else {
				for i := range buf.data {
					buf.data[i] = s.momentum*buf.data[i] + g.data[i]
				}
			}
			g = buf
		}
		for i := range p.data {
			p.data[i] -= s.lr * g.data[i]
		}
	}
}

type Adam struct {
	baseOptimizer
	beta1 float32
	beta2 float32
	eps   float32
	ms    map[*Tensor]*Tensor
	vs    map[*Tensor]*Tensor
	t     float32
}

func NewAdam(params []*Tensor, alpha float32) Optimizer {
	return &Adam{
		baseOptimizer: baseOptimizer{params: params, lr: alpha},
		beta1:         0.9,
		beta2:         0.999,
		eps:           1e-8,
		ms:            make(map[*Tensor]*Tensor),
		vs:            make(map[*Tensor]*Tensor),
	}
}

func (a *Adam) Step() {
	a.t++

	fix1 := 1 - math32.Pow(a.beta1, a.t)
	fix2 := 1 - math32.Pow(a.beta2, a.t)
	lr := a.lr * math32.Sqrt(fix2) / fix1

	for _, p := range a.params {
		if p.grad == nil {
			continue
		}
		if _, ok := a.ms[p]; !ok {
			a.ms[p] = Zeros(p.shape...)
			a.vs[p] = Zeros(p.shape...)
		}
		m, v := a.ms[p], a.vs[p]
		for i := range p.data {
			g := p.grad.data[i] + a.wd*p.data[i]
			// m += (1 - beta1) * (grad - m)
			m.data[i] += (1 - a.beta1) * (g - m.data[i])
			// v += (1 - beta2) * (grad * grad - v)
			v.data[i] += (1 - a.beta2) * (g*g - v.data[i])
			p.data[i] -= lr * m.data[i] / (math32.Sqrt(v.data[i]) + a.eps)
		}
	}
}

// StepLR decays the learning rate by gamma every stepSize epochs.
type StepLR struct {
	optimizer Optimizer
	baseLR    float32
	stepSize  int
	gamma     float32
	lastEpoch int
}

func NewStepLR(optimizer Optimizer, stepSize int, gamma float32) *StepLR {
	return &StepLR{
		optimizer: optimizer,
		baseLR:    optimizer.LR(),
		stepSize:  stepSize,
		gamma:     gamma,
		lastEpoch: -1,
	}
}

// Step enters the next epoch and sets its learning rate. It is called once at
// the start of every training phase, so the first call keeps the base rate.
func (s *StepLR) Step() {
	s.lastEpoch++
	s.optimizer.SetLR(s.LRAt(s.lastEpoch))
}

// LRAt returns the learning rate used during the given zero-based epoch.
func (s *StepLR) LRAt(epoch int) float32 {
	return s.baseLR * math32.Pow(s.gamma, float32(epoch/s.stepSize))
}

// Epoch returns the current zero-based epoch, or -1 before the first Step.
func (s *StepLR) Epoch() int {
	return s.lastEpoch
}
