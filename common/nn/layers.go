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
	"math/rand"
	"strconv"

	"github.com/chewxy/math32"
)

type Layer interface {
	Parameters() []*Tensor
	Forward(x *Tensor) *Tensor
	// SetTraining switches between training and evaluation behavior.
	SetTraining(training bool)
	// NamedTensors lists parameters and buffers in registration order.
	NamedTensors(prefix string) []NamedTensor
}

// NamedTensor is a state entry of a layer. Buffers are not trained by optimizers.
type NamedTensor struct {
	Name   string
	Tensor *Tensor
	Buffer bool
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

type stateless struct{}

func (stateless) Parameters() []*Tensor {
	return nil
}

func (stateless) SetTraining(bool) {}

func (stateless) NamedTensors(string) []NamedTensor {
	return nil
}

type LinearLayer struct {
	W *Tensor
	B *Tensor
}

// NewLinear creates a fully connected layer with an [out, in] weight.
func NewLinear(rng *rand.Rand, in, out int) *LinearLayer {
	bound := 1 / math32.Sqrt(float32(in))
	return &LinearLayer{
		W: Uniform(rng, -bound, bound, out, in).RequireGrad(),
		B: Uniform(rng, -bound, bound, out).RequireGrad(),
	}
}

func (l *LinearLayer) Forward(x *Tensor) *Tensor {
	return Add(MatMulT(x, l.W), l.B)
}

func (l *LinearLayer) Parameters() []*Tensor {
	return []*Tensor{l.W, l.B}
}

func (l *LinearLayer) SetTraining(bool) {}

func (l *LinearLayer) NamedTensors(prefix string) []NamedTensor {
	return []NamedTensor{
		{Name: join(prefix, "weight"), Tensor: l.W},
		{Name: join(prefix, "bias"), Tensor: l.B},
	}
}

type Conv2dLayer struct {
	W       *Tensor
	Stride  int
	Padding int
}

// NewConv2d creates a bias-free convolution initialized with Kaiming normal (fan out).
func NewConv2d(rng *rand.Rand, in, out, kernel, stride, padding int) *Conv2dLayer {
	std := math32.Sqrt(2 / float32(out*kernel*kernel))
	return &Conv2dLayer{
		W:       Normal(rng, 0, std, out, in, kernel, kernel).RequireGrad(),
		Stride:  stride,
		Padding: padding,
	}
}

func (c *Conv2dLayer) Forward(x *Tensor) *Tensor {
	return Conv2d(x, c.W, c.Stride, c.Padding)
}

func (c *Conv2dLayer) Parameters() []*Tensor {
	return []*Tensor{c.W}
}

func (c *Conv2dLayer) SetTraining(bool) {}

func (c *Conv2dLayer) NamedTensors(prefix string) []NamedTensor {
	return []NamedTensor{{Name: join(prefix, "weight"), Tensor: c.W}}
}

type BatchNorm2dLayer struct {
	Gamma       *Tensor
	Beta        *Tensor
	RunningMean *Tensor
	RunningVar  *Tensor
	Momentum    float32
	Eps         float32
	training    bool
}

func NewBatchNorm2d(channels int) *BatchNorm2dLayer {
	return &BatchNorm2dLayer{
		Gamma:       Ones(channels).RequireGrad(),
		Beta:        Zeros(channels).RequireGrad(),
		RunningMean: Zeros(channels),
		RunningVar:  Ones(channels),
		Momentum:    0.1,
		Eps:         1e-5,
		training:    true,
	}
}

func (b *BatchNorm2dLayer) Forward(x *Tensor) *Tensor {
	return BatchNorm2d(x, b.Gamma, b.Beta, b.RunningMean, b.RunningVar, b.training, b.Momentum, b.Eps)
}

func (b *BatchNorm2dLayer) Parameters() []*Tensor {
	return []*Tensor{b.Gamma, b.Beta}
}

func (b *BatchNorm2dLayer) SetTraining(training bool) {
	b.training = training
}

func (b *BatchNorm2dLayer) NamedTensors(prefix string) []NamedTensor {
	return []NamedTensor{
		{Name: join(prefix, "weight"), Tensor: b.Gamma},
		{Name: join(prefix, "bias"), Tensor: b.Beta},
		{Name: join(prefix, "running_mean"), Tensor: b.RunningMean, Buffer: true},
		{Name: join(prefix, "running_var"), Tensor: b.RunningVar, Buffer: true},
	}
}

type reluLayer struct {
	stateless
}

func NewReLU() Layer {
	return &reluLayer{}
}

func (r *reluLayer) Forward(x *Tensor) *Tensor {
	return ReLu(x)
}

type maxPool2dLayer struct {
	stateless
	kernel, stride, padding int
}

func NewMaxPool2d(kernel, stride, padding int) Layer {
	return &maxPool2dLayer{kernel: kernel, stride: stride, padding: padding}
}

func (m *maxPool2dLayer) Forward(x *Tensor) *Tensor {
	return MaxPool2d(x, m.kernel, m.stride, m.padding)
}

type avgPoolLayer struct {
	stateless
}

func NewAdaptiveAvgPool2d() Layer {
	return &avgPoolLayer{}
}

func (a *avgPoolLayer) Forward(x *Tensor) *Tensor {
	return AdaptiveAvgPool2d(x)
}

type flattenLayer struct {
	stateless
}

func NewFlatten() Layer {
	return &flattenLayer{}
}

func (f *flattenLayer) Forward(x *Tensor) *Tensor {
	return Flatten(x)
}

type Sequential struct {
	Layers []Layer
}

func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Parameters() []*Tensor {
	var params []*Tensor
	for _, l := range s.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s *Sequential) Forward(x *Tensor) *Tensor {
	for _, l := range s.Layers {
		x = l.Forward(x)
	}
	return x
}

func (s *Sequential) SetTraining(training bool) {
	for _, l := range s.Layers {
		l.SetTraining(training)
	}
}

func (s *Sequential) NamedTensors(prefix string) []NamedTensor {
	var tensors []NamedTensor
	for i, l := range s.Layers {
		tensors = append(tensors, l.NamedTensors(join(prefix, strconv.Itoa(i)))...)
	}
	return tensors
}

// BasicBlock is the two-convolution residual block of ResNet-18/34.
type BasicBlock struct {
	Conv1      *Conv2dLayer
	BN1        *BatchNorm2dLayer
	Conv2      *Conv2dLayer
	BN2        *BatchNorm2dLayer
	Downsample *Sequential
}

func NewBasicBlock(rng *rand.Rand, in, out, stride int) *BasicBlock {
	block := &BasicBlock{
		Conv1: NewConv2d(rng, in, out, 3, stride, 1),
		BN1:   NewBatchNorm2d(out),
		Conv2: NewConv2d(rng, out, out, 3, 1, 1),
		BN2:   NewBatchNorm2d(out),
	}
	if stride != 1 || in != out {
		block.Downsample = NewSequential(NewConv2d(rng, in, out, 1, stride, 0), NewBatchNorm2d(out))
	}
	return block
}

func (b *BasicBlock) Forward(x *Tensor) *Tensor {
	identity := x
	y := ReLu(b.BN1.Forward(b.Conv1.Forward(x)))
	y = b.BN2.Forward(b.Conv2.Forward(y))
	if b.Downsample != nil {
		identity = b.Downsample.Forward(x)
	}
	return ReLu(Add(y, identity))
}

func (b *BasicBlock) Parameters() []*Tensor {
	params := append(b.Conv1.Parameters(), b.BN1.Parameters()...)
	params = append(params, b.Conv2.Parameters()...)
	params = append(params, b.BN2.Parameters()...)
	if b.Downsample != nil {
		params = append(params, b.Downsample.Parameters()...)
	}
	return params
}

func (b *BasicBlock) SetTraining(training bool) {
	b.BN1.SetTraining(training)
	b.BN2.SetTraining(training)
	if b.Downsample != nil {
		b.Downsample.SetTraining(training)
	}
}

func (b *BasicBlock) NamedTensors(prefix string) []NamedTensor {
	tensors := b.Conv1.NamedTensors(join(prefix, "conv1"))
	tensors = append(tensors, b.BN1.NamedTensors(join(prefix, "bn1"))...)
	tensors = append(tensors, b.Conv2.NamedTensors(join(prefix, "conv2"))...)
	tensors = append(tensors, b.BN2.NamedTensors(join(prefix, "bn2"))...)
	if b.Downsample != nil {
		tensors = append(tensors, b.Downsample.NamedTensors(join(prefix, "downsample"))...)
	}
	return tensors
}

// ResNet is a residual network built from basic blocks. Tensor names follow
// the torchvision layout so pretrained weights can be mapped by name.
type ResNet struct {
	Conv1   *Conv2dLayer
	BN1     *BatchNorm2dLayer
	Pool    Layer
	Stages  []*Sequential
	AvgPool Layer
	Flatten Layer
	FC      *LinearLayer
}

// NewResNet creates a network with len(blocks) stages of basic blocks. The
// first stage has width channels and each following stage doubles it.
func NewResNet(rng *rand.Rand, blocks []int, width, numClasses int) *ResNet {
	net := &ResNet{
		Conv1:   NewConv2d(rng, 3, width, 7, 2, 3),
		BN1:     NewBatchNorm2d(width),
		Pool:    NewMaxPool2d(3, 2, 1),
		AvgPool: NewAdaptiveAvgPool2d(),
		Flatten: NewFlatten(),
	}
	in := width
	for i, n := range blocks {
		out := width << i
		stride := 2
		if i == 0 {
			stride = 1
		}
		stage := NewSequential()
		for j := 0; j < n; j++ {
			if j == 0 {
				stage.Layers = append(stage.Layers, NewBasicBlock(rng, in, out, stride))
			} else {
				stage.Layers = append(stage.Layers, NewBasicBlock(rng, out, out, 1))
			}
		}
		net.Stages = append(net.Stages, stage)
		in = out
	}
	net.FC = NewLinear(rng, in, numClasses)
	return net
}

// NewResNet18 creates the 18-layer network of He et al.
func NewResNet18(rng *rand.Rand, numClasses int) *ResNet {
	return NewResNet(rng, []int{2, 2, 2, 2}, 64, numClasses)
}

// NewResNet34 creates the 34-layer network of He et al.
func NewResNet34(rng *rand.Rand, numClasses int) *ResNet {
	return NewResNet(rng, []int{3, 4, 6, 3}, 64, numClasses)
}

// Features runs the backbone and returns pooled features of shape [N, C].
func (r *ResNet) Features(x *Tensor) *Tensor {
	x = r.Pool.Forward(ReLu(r.BN1.Forward(r.Conv1.Forward(x))))
	for _, stage := range r.Stages {
		x = stage.Forward(x)
	}
	return r.Flatten.Forward(r.AvgPool.Forward(x))
}

func (r *ResNet) Forward(x *Tensor) *Tensor {
	return r.FC.Forward(r.Features(x))
}

func (r *ResNet) Parameters() []*Tensor {
	params := append(r.Conv1.Parameters(), r.BN1.Parameters()...)
	for _, stage := range r.Stages {
		params = append(params, stage.Parameters()...)
	}
	return append(params, r.FC.Parameters()...)
}

// BackboneParameters returns every parameter except those of the final layer.
func (r *ResNet) BackboneParameters() []*Tensor {
	params := r.Parameters()
	return params[:len(params)-len(r.FC.Parameters())]
}

func (r *ResNet) SetTraining(training bool) {
	r.BN1.SetTraining(training)
	for _, stage := range r.Stages {
		stage.SetTraining(training)
	}
}

func (r *ResNet) NamedTensors(prefix string) []NamedTensor {
	tensors := r.Conv1.NamedTensors(join(prefix, "conv1"))
	tensors = append(tensors, r.BN1.NamedTensors(join(prefix, "bn1"))...)
	for i, stage := range r.Stages {
		tensors = append(tensors, stage.NamedTensors(join(prefix, "layer"+strconv.Itoa(i+1)))...)
	}
	return append(tensors, r.FC.NamedTensors(join(prefix, "fc"))...)
}
