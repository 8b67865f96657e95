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
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
)

const (
	eps  = 1e-3
	rtol = 1e-2
	atol = 5e-3
)

func numericalDiff(f func(*Tensor) *Tensor, x *Tensor) *Tensor {
	x0, x1 := x.clone(), x.clone()
	dx := make([]float32, len(x.data))
	for i, v := range x.data {
		x0.data[i] = v - eps
		x1.data[i] = v + eps
		y0 := f(x0)
		y1 := f(x1)
		for j := range y0.data {
			dx[i] += (y1.data[j] - y0.data[j]) / (2 * eps)
		}
		x0.data[i] = v
		x1.data[i] = v
	}
	return NewTensor(dx, x.shape...)
}

func allClose(t *testing.T, a, b *Tensor) {
	if !assert.Equal(t, a.shape, b.shape) {
		return
	}
	for i := range a.data {
		if math32.Abs(a.data[i]-b.data[i]) > atol+rtol*math32.Abs(b.data[i]) {
			t.Fatalf("a.data[%d] = %f, b.data[%d] = %f\n", i, a.data[i], i, b.data[i])
			return
		}
	}
}

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func TestAdd(t *testing.T) {
	// (2,3) + (2,3) -> (2,3)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4, 5, 6, 7}, 2, 3)
	z := Add(x, y)
	assert.Equal(t, []float32{3, 5, 7, 9, 11, 13}, z.data)

	// Test gradient
	rng := newRand()
	x = Uniform(rng, -1, 1, 2, 3).RequireGrad()
	y = Uniform(rng, -1, 1, 2, 3).RequireGrad()
	z = Add(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Add(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Add(x, y) }, y)
	allClose(t, y.grad, dy)

	// (2,3) + (3) -> (2,3)
	x = NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y = NewTensor([]float32{2, 3, 4}, 3)
	z = Add(x, y)
	assert.Equal(t, []float32{3, 5, 7, 6, 8, 10}, z.data)
	z = Add(y, x)
	assert.Equal(t, []float32{3, 5, 7, 6, 8, 10}, z.data)

	// Test gradient
	x = Uniform(rng, -1, 1, 2, 3).RequireGrad()
	y = Uniform(rng, -1, 1, 3).RequireGrad()
	z = Add(x, y)
	z.Backward()
	dx = numericalDiff(func(x *Tensor) *Tensor { return Add(x, y) }, x)
	allClose(t, x.grad, dx)
	dy = numericalDiff(func(y *Tensor) *Tensor { return Add(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestSub(t *testing.T) {
	// (2,3) - (2,3) -> (2,3)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4, 5, 6, 7}, 2, 3)
	z := Sub(x, y)
	assert.Equal(t, []float32{-1, -1, -1, -1, -1, -1}, z.data)

	// (2,3) - (3) -> (2,3)
	y = NewTensor([]float32{2, 3, 4}, 3)
	z = Sub(x, y)
	assert.Equal(t, []float32{-1, -1, -1, 2, 2, 2}, z.data)
	assert.Panics(t, func() { Sub(y, x) })

	// Test gradient
	rng := newRand()
	x = Uniform(rng, -1, 1, 2, 3).RequireGrad()
	y = Uniform(rng, -1, 1, 3).RequireGrad()
	z = Sub(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Sub(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Sub(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestMul(t *testing.T) {
	// (2,3) * (2,3) -> (2,3)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 3, 4, 5, 6, 7}, 2, 3)
	z := Mul(x, y)
	assert.Equal(t, []float32{2, 6, 12, 20, 30, 42}, z.data)

	// Test gradient
	rng := newRand()
	x = Uniform(rng, -1, 1, 2, 3).RequireGrad()
	y = Uniform(rng, -1, 1, 3).RequireGrad()
	z = Mul(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Mul(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Mul(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestDiv(t *testing.T) {
	// (2,3) / (2,3) -> (2,3)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{2, 4, 6, 8, 10, 12}, 2, 3)
	z := Div(x, y)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, z.data)

	// Test gradient
	rng := newRand()
	x = Uniform(rng, -1, 1, 2, 3).RequireGrad()
	y = Uniform(rng, 1, 2, 3).RequireGrad()
	z = Div(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Div(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return Div(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestMean(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := Mean(x)
	assert.Equal(t, float32(3.5), y.data[0])

	// Test gradient
	x = Uniform(newRand(), -1, 1, 2, 3).RequireGrad()
	y = Mean(x)
	y.Backward()
	dx := numericalDiff(Mean, x)
	allClose(t, x.grad, dx)
}

func TestMatMul(t *testing.T) {
	// (2,3) * (3,4) -> (2,4)
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y := NewTensor([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 3, 4)
	z := MatMul(x, y)
	assert.Equal(t, []int{2, 4}, z.shape)
	assert.Equal(t, []float32{38, 44, 50, 56, 83, 98, 113, 128}, z.data)

	// Test gradient
	rng := newRand()
	x = Uniform(rng, -1, 1, 2, 3).RequireGrad()
	y = Uniform(rng, -1, 1, 3, 4).RequireGrad()
	z = MatMul(x, y)
	z.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return MatMul(x, y) }, x)
	allClose(t, x.grad, dx)
	dy := numericalDiff(func(y *Tensor) *Tensor { return MatMul(x, y) }, y)
	allClose(t, y.grad, dy)

	// (2,3) * (4,3)^T -> (2,4)
	x = NewTensor([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	y = NewTensor([]float32{1, 5, 9, 2, 6, 10, 3, 7, 11, 4, 8, 12}, 4, 3)
	z = MatMulT(x, y)
	assert.Equal(t, []int{2, 4}, z.shape)
	assert.Equal(t, []float32{38, 44, 50, 56, 83, 98, 113, 128}, z.data)

	// Test gradient
	x = Uniform(rng, -1, 1, 2, 3).RequireGrad()
	y = Uniform(rng, -1, 1, 4, 3).RequireGrad()
	z = MatMulT(x, y)
	z.Backward()
	dx = numericalDiff(func(x *Tensor) *Tensor { return MatMulT(x, y) }, x)
	allClose(t, x.grad, dx)
	dy = numericalDiff(func(y *Tensor) *Tensor { return MatMulT(x, y) }, y)
	allClose(t, y.grad, dy)
}

func TestReLu(t *testing.T) {
	x := NewTensor([]float32{-1, 0, 2, -3, 4, 5}, 2, 3)
	y := ReLu(x)
	assert.Equal(t, []float32{0, 0, 2, 0, 4, 5}, y.data)

	// Test gradient
	x = Uniform(newRand(), -1, 1, 2, 3).RequireGrad()
	y = ReLu(x)
	y.Backward()
	dx := numericalDiff(ReLu, x)
	allClose(t, x.grad, dx)
}

func TestFlatten(t *testing.T) {
	x := Uniform(newRand(), -1, 1, 2, 3, 2, 2).RequireGrad()
	y := Flatten(x)
	assert.Equal(t, []int{2, 12}, y.shape)
	assert.Equal(t, x.data, y.data)
	y.Backward()
	assert.Equal(t, []int{2, 3, 2, 2}, x.grad.shape)
	assert.Equal(t, Ones(2, 3, 2, 2).data, x.grad.data)
}

func TestReshape(t *testing.T) {
	x := Uniform(newRand(), -1, 1, 2, 3).RequireGrad()
	y := Reshape(x, 3, 2)
	assert.Equal(t, []int{3, 2}, y.shape)
	y.Backward()
	assert.Equal(t, []int{2, 3}, x.grad.shape)
	assert.Panics(t, func() { Reshape(x, 4, 2) })
}

func TestConv2d(t *testing.T) {
	// 1x1x3x3 input, 1x1x2x2 kernel of ones
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	w := Ones(1, 1, 2, 2)
	y := Conv2d(x, w, 1, 0)
	assert.Equal(t, []int{1, 1, 2, 2}, y.shape)
	assert.Equal(t, []float32{12, 16, 24, 28}, y.data)

	// padding keeps the spatial size
	y = Conv2d(x, Ones(1, 1, 3, 3), 1, 1)
	assert.Equal(t, []int{1, 1, 3, 3}, y.shape)
	assert.Equal(t, []float32{12, 21, 16, 27, 45, 33, 24, 39, 28}, y.data)

	// stride halves the spatial size
	y = Conv2d(x, Ones(1, 1, 3, 3), 2, 1)
	assert.Equal(t, []int{1, 1, 2, 2}, y.shape)
	assert.Equal(t, []float32{12, 16, 24, 28}, y.data)

	// Test gradient
	rng := newRand()
	x = Uniform(rng, -1, 1, 2, 2, 4, 4).RequireGrad()
	w = Uniform(rng, -1, 1, 2, 2, 3, 3).RequireGrad()
	y = Conv2d(x, w, 2, 1)
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return Conv2d(x, w, 2, 1) }, x)
	allClose(t, x.grad, dx)
	dw := numericalDiff(func(w *Tensor) *Tensor { return Conv2d(x, w, 2, 1) }, w)
	allClose(t, w.grad, dw)
}

func TestBatchNorm2d(t *testing.T) {
	rng := newRand()
	x := Uniform(rng, -1, 1, 2, 3, 2, 2).RequireGrad()
	gamma := Uniform(rng, 0.5, 1.5, 3).RequireGrad()
	beta := Uniform(rng, -1, 1, 3).RequireGrad()
	weight := Uniform(rng, -1, 1, 2, 3, 2, 2)
	runningMean, runningVar := Zeros(3), Ones(3)

	// normalized channels have zero mean
	y := BatchNorm2d(x, Ones(3), Zeros(3), Zeros(3), Ones(3), true, 0.1, 1e-5)
	for ch := 0; ch < 3; ch++ {
		var sum float32
		for i := 0; i < 2; i++ {
			for j := 0; j < 4; j++ {
				sum += y.data[(i*3+ch)*4+j]
			}
		}
		assert.InDelta(t, 0, sum, 1e-4)
	}

	// Test gradient in training mode
	f := func(x, gamma, beta *Tensor) *Tensor {
		return Mul(BatchNorm2d(x, gamma, beta, runningMean, runningVar, true, 0.1, 1e-5), weight)
	}
	y = f(x, gamma, beta)
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return f(x, gamma, beta) }, x)
	allClose(t, x.grad, dx)
	dGamma := numericalDiff(func(gamma *Tensor) *Tensor { return f(x, gamma, beta) }, gamma)
	allClose(t, gamma.grad, dGamma)
	dBeta := numericalDiff(func(beta *Tensor) *Tensor { return f(x, gamma, beta) }, beta)
	allClose(t, beta.grad, dBeta)

	// Evaluation does not touch running statistics
	x.grad = nil
	mean, variance := runningMean.Clone(), runningVar.Clone()
	g := func(x *Tensor) *Tensor {
		return Mul(BatchNorm2d(x, gamma, beta, runningMean, runningVar, false, 0.1, 1e-5), weight)
	}
	y = g(x)
	y.Backward()
	assert.Equal(t, mean.data, runningMean.data)
	assert.Equal(t, variance.data, runningVar.data)
	dx = numericalDiff(g, x)
	allClose(t, x.grad, dx)
}

func TestBatchNorm2dRunningStats(t *testing.T) {
	x := NewTensor([]float32{1, 3, 5, 7}, 2, 1, 1, 2)
	runningMean, runningVar := Zeros(1), Ones(1)
	BatchNorm2d(x, Ones(1), Zeros(1), runningMean, runningVar, true, 0.1, 1e-5)
	// mean 4, unbiased variance 20/3
	assert.InDelta(t, 0.4, runningMean.data[0], 1e-6)
	assert.InDelta(t, 0.9+0.1*20.0/3.0, runningVar.data[0], 1e-5)
}

func TestMaxPool2d(t *testing.T) {
	x := NewTensor([]float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, 1, 1, 4, 4)
	y := MaxPool2d(x, 2, 2, 0)
	assert.Equal(t, []float32{6, 8, 14, 16}, y.data)
	y = MaxPool2d(x, 3, 2, 1)
	assert.Equal(t, []int{1, 1, 2, 2}, y.shape)
	assert.Equal(t, []float32{6, 8, 14, 16}, y.data)

	// Test gradient
	x = Uniform(newRand(), -1, 1, 2, 2, 4, 4).RequireGrad()
	y = MaxPool2d(x, 3, 2, 1)
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return MaxPool2d(x, 3, 2, 1) }, x)
	allClose(t, x.grad, dx)
}

func TestAdaptiveAvgPool2d(t *testing.T) {
	x := NewTensor([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 2, 2)
	y := AdaptiveAvgPool2d(x)
	assert.Equal(t, []int{1, 2, 1, 1}, y.shape)
	assert.Equal(t, []float32{2.5, 6.5}, y.data)

	// Test gradient
	x = Uniform(newRand(), -1, 1, 2, 3, 2, 2).RequireGrad()
	y = AdaptiveAvgPool2d(x)
	y.Backward()
	dx := numericalDiff(AdaptiveAvgPool2d, x)
	allClose(t, x.grad, dx)
}

func TestSoftmaxCrossEntropy(t *testing.T) {
	// uniform logits give log(C)
	y := SoftmaxCrossEntropy(Zeros(2, 2), NewTensor([]float32{0, 1}, 2))
	assert.InDelta(t, math32.Log(2), y.data[0], 1e-6)

	// Test gradient
	x := Uniform(newRand(), -1, 1, 3, 4).RequireGrad()
	target := NewTensor([]float32{0, 3, 1}, 3)
	y = SoftmaxCrossEntropy(x, target)
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return SoftmaxCrossEntropy(x, target) }, x)
	allClose(t, x.grad, dx)
	assert.Nil(t, target.grad)
}

func TestReuseLeaf(t *testing.T) {
	x := NewScalar(2).RequireGrad()
	y := Add(x, x)
	y.Backward()
	assert.Equal(t, float32(2), x.grad.data[0])
}

func TestReuseNode(t *testing.T) {
	// y = (x * x) + (x * x)
	x := NewScalar(3).RequireGrad()
	a := Mul(x, x)
	y := Add(a, a)
	y.Backward()
	assert.Equal(t, float32(12), x.grad.data[0])
}

func TestResidual(t *testing.T) {
	// y = relu(x * w) + x
	rng := newRand()
	x := Uniform(rng, -1, 1, 2, 3).RequireGrad()
	w := Uniform(rng, -1, 1, 3).RequireGrad()
	f := func(x, w *Tensor) *Tensor { return Add(ReLu(Mul(x, w)), x) }
	y := f(x, w)
	y.Backward()
	dx := numericalDiff(func(x *Tensor) *Tensor { return f(x, w) }, x)
	allClose(t, x.grad, dx)
	dw := numericalDiff(func(w *Tensor) *Tensor { return f(x, w) }, w)
	allClose(t, w.grad, dw)
}

func TestNoGrad(t *testing.T) {
	x := NewScalar(2).RequireGrad()
	y := Mul(x, x).NoGrad()
	z := Mul(y, x)
	z.Backward()
	assert.Equal(t, float32(4), x.grad.data[0])

	// constants are not recorded
	a := Add(NewScalar(1), NewScalar(2))
	assert.Nil(t, a.op)
}

func TestParallelKernels(t *testing.T) {
	rng := newRand()
	x := Uniform(rng, -1, 1, 4, 3, 8, 8).RequireGrad()
	w := Uniform(rng, -1, 1, 5, 3, 3, 3).RequireGrad()
	run := func() (*Tensor, *Tensor, *Tensor) {
		x.grad, w.grad = nil, nil
		y := Mean(Conv2d(x, w, 1, 1))
		y.Backward()
		return y, x.grad, w.grad
	}
	y1, dx1, dw1 := run()
	SetNumJobs(4)
	defer SetNumJobs(1)
	y2, dx2, dw2 := run()
	assert.Equal(t, y1.data, y2.data)
	assert.Equal(t, dx1.data, dx2.data)
	assert.Equal(t, dw1.data, dw2.data)
}
