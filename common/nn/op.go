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
	"fmt"
	"slices"

	"github.com/chewxy/math32"
)

type op interface {
	String() string
	forward(inputs ...*Tensor) *Tensor
	backward(dy *Tensor) []*Tensor
	inputsAndOutput() ([]*Tensor, *Tensor)
	setInputs(inputs ...*Tensor)
	setOutput(y *Tensor)
}

type base struct {
	inputs []*Tensor
	output *Tensor
}

func (b *base) inputsAndOutput() ([]*Tensor, *Tensor) {
	return b.inputs, b.output
}

func (b *base) setInputs(inputs ...*Tensor) {
	b.inputs = inputs
}

func (b *base) setOutput(y *Tensor) {
	b.output = y
}

// needGrad reports whether the i-th input of an op takes part in back propagation.
func (b *base) needGrad(i int) bool {
	return b.inputs[i].op != nil || b.inputs[i].requireGrad
}

func apply[T op](f T, inputs ...*Tensor) *Tensor {
	y := f.forward(inputs...)
	for _, input := range inputs {
		if input.op != nil || input.requireGrad {
			f.setInputs(inputs...)
			f.setOutput(y)
			y.op = f
			break
		}
	}
	return y
}

type add struct {
	base
}

func (a *add) String() string {
	return "Add"
}

func (a *add) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.add(inputs[1])
	return y
}

func (a *add) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(a.inputs[1].shape...)
	wSize := len(gx1.data)
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type sub struct {
	base
}

func (s *sub) String() string {
	return "Sub"
}

func (s *sub) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.sub(inputs[1])
	return y
}

func (s *sub) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(s.inputs[1].shape...)
	wSize := len(gx1.data)
	for i := range dy.data {
		gx1.data[i%wSize] -= dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type mul struct {
	base
}

func (m *mul) String() string {
	return "Mul"
}

func (m *mul) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.mul(inputs[1])
	return y
}

func (m *mul) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx0.mul(m.inputs[1])
	gx1 := Zeros(m.inputs[1].shape...)
	wSize := len(gx1.data)
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i] * m.inputs[0].data[i]
	}
	return []*Tensor{gx0, gx1}
}

type div struct {
	base
}

func (d *div) String() string {
	return "Div"
}

func (d *div) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.div(inputs[1])
	return y
}

func (d *div) backward(dy *Tensor) []*Tensor {
	wSize := len(d.inputs[1].data)
	gx0 := Zeros(d.inputs[0].shape...)
	for i := range dy.data {
		gx0.data[i] = dy.data[i] / d.inputs[1].data[i%wSize]
	}
	gx1 := Zeros(d.inputs[1].shape...)
	for i := range dy.data {
		gx1.data[i%wSize] -= dy.data[i] * d.inputs[0].data[i] / d.inputs[1].data[i%wSize] / d.inputs[1].data[i%wSize]
	}
	return []*Tensor{gx0, gx1}
}

type mean struct {
	base
}

func (m *mean) String() string {
	return "Mean"
}

func (m *mean) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := NewScalar(0)
	for i := range x.data {
		y.data[0] += x.data[i]
	}
	y.data[0] /= float32(len(x.data))
	return y
}

func (m *mean) backward(dy *Tensor) []*Tensor {
	return []*Tensor{Full(dy.data[0]/float32(len(m.inputs[0].data)), m.inputs[0].shape...)}
}

type matMul struct {
	base
	transpose1 bool
	transpose2 bool
}

func (m *matMul) String() string {
	return "MatMul"
}

func (m *matMul) forward(inputs ...*Tensor) *Tensor {
	return inputs[0].matMul(inputs[1], m.transpose1, m.transpose2)
}

func (m *matMul) backward(dy *Tensor) []*Tensor {
	var dx0, dx1 *Tensor
	if m.needGrad(0) {
		if m.transpose1 {
			dx0 = m.inputs[1].matMul(dy, m.transpose2, true)
		} else {
			dx0 = dy.matMul(m.inputs[1], false, !m.transpose2)
		}
	}
	if m.needGrad(1) {
		if m.transpose2 {
			dx1 = dy.matMul(m.inputs[0], true, m.transpose1)
		} else {
			dx1 = m.inputs[0].matMul(dy, !m.transpose1, false)
		}
	}
	return []*Tensor{dx0, dx1}
}

type reshape struct {
	base
	shape []int
}

func (r *reshape) String() string {
	return "Reshape"
}

func (r *reshape) forward(inputs ...*Tensor) *Tensor {
	return NewTensor(inputs[0].data, r.shape...)
}

func (r *reshape) backward(dy *Tensor) []*Tensor {
	return []*Tensor{NewTensor(dy.data, r.inputs[0].shape...)}
}

type relu struct {
	base
}

func (r *relu) String() string {
	return "ReLU"
}

func (r *relu) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.maximum(NewScalar(0))
	return y
}

func (r *relu) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	for i, v := range r.inputs[0].data {
		if v <= 0 {
			dx.data[i] = 0
		}
	}
	return []*Tensor{dx}
}

type conv2d struct {
	base
	stride  int
	padding int
}

func (c *conv2d) String() string {
	return "Conv2d"
}

func (c *conv2d) dims(x, weight *Tensor) (n, ic, h, w, oc, kh, kw, oh, ow int) {
	n, ic, h, w = x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	oc, kh, kw = weight.shape[0], weight.shape[2], weight.shape[3]
	oh = (h+2*c.padding-kh)/c.stride + 1
	ow = (w+2*c.padding-kw)/c.stride + 1
	return
}

func (c *conv2d) forward(inputs ...*Tensor) *Tensor {
	x, weight := inputs[0], inputs[1]
	n, ic, h, w, oc, kh, kw, oh, ow := c.dims(x, weight)
	k, p := ic*kh*kw, oh*ow
	y := Zeros(n, oc, oh, ow)
	parallelFor(n, func(i int) {
		cols := im2col(x.data[i*ic*h*w:(i+1)*ic*h*w], ic, h, w, kh, kw, c.stride, c.padding, oh, ow)
		out := y.data[i*oc*p : (i+1)*oc*p]
		for o := 0; o < oc; o++ {
			row := out[o*p : (o+1)*p]
			kernel := weight.data[o*k : (o+1)*k]
			for j, a := range kernel {
				if a == 0 {
					continue
				}
				col := cols[j*p : (j+1)*p]
				for q := range row {
					row[q] += a * col[q]
				}
			}
		}
	})
	return y
}

func (c *conv2d) backward(dy *Tensor) []*Tensor {
	x, weight := c.inputs[0], c.inputs[1]
	n, ic, h, w, oc, kh, kw, oh, ow := c.dims(x, weight)
	k, p := ic*kh*kw, oh*ow
	needX, needW := c.needGrad(0), c.needGrad(1)
	var dx *Tensor
	if needX {
		dx = Zeros(x.shape...)
	}
	partials := make([][]float32, n)
	parallelFor(n, func(i int) {
		cols := im2col(x.data[i*ic*h*w:(i+1)*ic*h*w], ic, h, w, kh, kw, c.stride, c.padding, oh, ow)
		grad := dy.data[i*oc*p : (i+1)*oc*p]
		if needW {
			dw := make([]float32, oc*k)
			for o := 0; o < oc; o++ {
				row := grad[o*p : (o+1)*p]
				for j := 0; j < k; j++ {
					col := cols[j*p : (j+1)*p]
					var s float32
					for q := range row {
						s += row[q] * col[q]
					}
					dw[o*k+j] = s
				}
			}
			partials[i] = dw
		}
		if needX {
			dcols := make([]float32, k*p)
			for o := 0; o < oc; o++ {
				row := grad[o*p : (o+1)*p]
				kernel := weight.data[o*k : (o+1)*k]
				for j, a := range kernel {
					if a == 0 {
						continue
					}
					dcol := dcols[j*p : (j+1)*p]
					for q := range row {
						dcol[q] += a * row[q]
					}
				}
			}
			col2im(dcols, dx.data[i*ic*h*w:(i+1)*ic*h*w], ic, h, w, kh, kw, c.stride, c.padding, oh, ow)
		}
	})
	var dw *Tensor
	if needW {
		// Summed in sample order so results do not depend on scheduling.
		dw = Zeros(weight.shape...)
		for _, partial := range partials {
			for j := range partial {
				dw.data[j] += partial[j]
			}
		}
	}
	return []*Tensor{dx, dw}
}

func im2col(x []float32, c, h, w, kh, kw, stride, padding, oh, ow int) []float32 {
	p := oh * ow
	cols := make([]float32, c*kh*kw*p)
	for ch := 0; ch < c; ch++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := cols[((ch*kh+ki)*kw+kj)*p:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*stride - padding + ki
					if iy < 0 || iy >= h {
						continue
					}
					src := x[(ch*h+iy)*w:]
					dst := row[oy*ow:]
					for ox := 0; ox < ow; ox++ {
						ix := ox*stride - padding + kj
						if ix >= 0 && ix < w {
							dst[ox] = src[ix]
						}
					}
				}
			}
		}
	}
	return cols
}

func col2im(cols, x []float32, c, h, w, kh, kw, stride, padding, oh, ow int) {
	p := oh * ow
	for ch := 0; ch < c; ch++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := cols[((ch*kh+ki)*kw+kj)*p:]
				for oy := 0; oy < oh; oy++ {
					iy := oy*stride - padding + ki
					if iy < 0 || iy >= h {
						continue
					}
					dst := x[(ch*h+iy)*w:]
					src := row[oy*ow:]
					for ox := 0; ox < ow; ox++ {
						ix := ox*stride - padding + kj
						if ix >= 0 && ix < w {
							dst[ix] += src[ox]
						}
					}
				}
			}
		}
	}
}

type batchNorm2d struct {
	base
	runningMean *Tensor
	runningVar  *Tensor
	training    bool
	momentum    float32
	eps         float32
	xHat        []float32
	invStd      []float32
}

func (b *batchNorm2d) String() string {
	return "BatchNorm2d"
}

func (b *batchNorm2d) forward(inputs ...*Tensor) *Tensor {
	x, gamma, beta := inputs[0], inputs[1], inputs[2]
	n, c, hw := x.shape[0], x.shape[1], size(x.shape[2:])
	m := float32(n * hw)
	y := Zeros(x.shape...)
	b.xHat = make([]float32, len(x.data))
	b.invStd = make([]float32, c)
	parallelFor(c, func(ch int) {
		var mu, variance float32
		if b.training {
			for i := 0; i < n; i++ {
				for _, v := range x.data[(i*c+ch)*hw : (i*c+ch+1)*hw] {
					mu += v
				}
			}
			mu /= m
			for i := 0; i < n; i++ {
				for _, v := range x.data[(i*c+ch)*hw : (i*c+ch+1)*hw] {
					variance += (v - mu) * (v - mu)
				}
			}
			variance /= m
			unbiased := variance
			if m > 1 {
				unbiased = variance * m / (m - 1)
			}
			b.runningMean.data[ch] = (1-b.momentum)*b.runningMean.data[ch] + b.momentum*mu
			b.runningVar.data[ch] = (1-b.momentum)*b.runningVar.data[ch] + b.momentum*unbiased
		} else {
			mu, variance = b.runningMean.data[ch], b.runningVar.data[ch]
		}
		invStd := 1 / math32.Sqrt(variance+b.eps)
		b.invStd[ch] = invStd
		for i := 0; i < n; i++ {
			offset := (i*c + ch) * hw
			for j := offset; j < offset+hw; j++ {
				b.xHat[j] = (x.data[j] - mu) * invStd
				y.data[j] = gamma.data[ch]*b.xHat[j] + beta.data[ch]
			}
		}
	})
	return y
}

func (b *batchNorm2d) backward(dy *Tensor) []*Tensor {
	x, gamma := b.inputs[0], b.inputs[1]
	n, c, hw := x.shape[0], x.shape[1], size(x.shape[2:])
	m := float32(n * hw)
	dx := Zeros(x.shape...)
	dGamma := Zeros(c)
	dBeta := Zeros(c)
	parallelFor(c, func(ch int) {
		var sumDy, sumDyXHat float32
		for i := 0; i < n; i++ {
			offset := (i*c + ch) * hw
			for j := offset; j < offset+hw; j++ {
				sumDy += dy.data[j]
				sumDyXHat += dy.data[j] * b.xHat[j]
			}
		}
		dGamma.data[ch] = sumDyXHat
		dBeta.data[ch] = sumDy
		scale := gamma.data[ch] * b.invStd[ch]
		for i := 0; i < n; i++ {
			offset := (i*c + ch) * hw
			for j := offset; j < offset+hw; j++ {
				if b.training {
					dx.data[j] = scale / m * (m*dy.data[j] - sumDy - b.xHat[j]*sumDyXHat)
				} else {
					dx.data[j] = scale * dy.data[j]
				}
			}
		}
	})
	return []*Tensor{dx, dGamma, dBeta}
}

type maxPool2d struct {
	base
	kernel  int
	stride  int
	padding int
	argmax  []int
}

func (p *maxPool2d) String() string {
	return "MaxPool2d"
}

func (p *maxPool2d) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	n, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	oh := (h+2*p.padding-p.kernel)/p.stride + 1
	ow := (w+2*p.padding-p.kernel)/p.stride + 1
	y := Zeros(n, c, oh, ow)
	p.argmax = make([]int, len(y.data))
	parallelFor(n*c, func(plane int) {
		src := x.data[plane*h*w : (plane+1)*h*w]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best, bestIndex := math32.Inf(-1), -1
				for ki := 0; ki < p.kernel; ki++ {
					iy := oy*p.stride - p.padding + ki
					if iy < 0 || iy >= h {
						continue
					}
					for kj := 0; kj < p.kernel; kj++ {
						ix := ox*p.stride - p.padding + kj
						if ix < 0 || ix >= w {
							continue
						}
						if v := src[iy*w+ix]; v > best || bestIndex < 0 {
							best, bestIndex = v, iy*w+ix
						}
					}
				}
				index := (plane*oh+oy)*ow + ox
				y.data[index] = best
				p.argmax[index] = plane*h*w + bestIndex
			}
		}
	})
	return y
}

func (p *maxPool2d) backward(dy *Tensor) []*Tensor {
	dx := Zeros(p.inputs[0].shape...)
	for i, j := range p.argmax {
		dx.data[j] += dy.data[i]
	}
	return []*Tensor{dx}
}

type adaptiveAvgPool2d struct {
	base
}

func (a *adaptiveAvgPool2d) String() string {
	return "AdaptiveAvgPool2d"
}

func (a *adaptiveAvgPool2d) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	n, c, hw := x.shape[0], x.shape[1], size(x.shape[2:])
	y := Zeros(n, c, 1, 1)
	for plane := 0; plane < n*c; plane++ {
		var s float32
		for _, v := range x.data[plane*hw : (plane+1)*hw] {
			s += v
		}
		y.data[plane] = s / float32(hw)
	}
	return y
}

func (a *adaptiveAvgPool2d) backward(dy *Tensor) []*Tensor {
	x := a.inputs[0]
	hw := size(x.shape[2:])
	dx := Zeros(x.shape...)
	for i := range dx.data {
		dx.data[i] = dy.data[i/hw] / float32(hw)
	}
	return []*Tensor{dx}
}

type softmaxCrossEntropy struct {
	base
	probs []float32
}

func (s *softmaxCrossEntropy) String() string {
	return "SoftmaxCrossEntropy"
}

func (s *softmaxCrossEntropy) forward(inputs ...*Tensor) *Tensor {
	logits, target := inputs[0], inputs[1]
	n, c := logits.shape[0], logits.shape[1]
	s.probs = make([]float32, len(logits.data))
	var loss float32
	for i := 0; i < n; i++ {
		row := logits.data[i*c : (i+1)*c]
		prob := s.probs[i*c : (i+1)*c]
		maxValue := slices.Max(row)
		var sum float32
		for j, v := range row {
			prob[j] = math32.Exp(v - maxValue)
			sum += prob[j]
		}
		for j := range prob {
			prob[j] /= sum
		}
		label := int(target.data[i])
		loss -= row[label] - maxValue - math32.Log(sum)
	}
	return NewScalar(loss / float32(n))
}

func (s *softmaxCrossEntropy) backward(dy *Tensor) []*Tensor {
	logits, target := s.inputs[0], s.inputs[1]
	n, c := logits.shape[0], logits.shape[1]
	dx := NewTensor(make([]float32, len(s.probs)), logits.shape...)
	scale := dy.data[0] / float32(n)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			dx.data[i*c+j] = s.probs[i*c+j] * scale
		}
		dx.data[i*c+int(target.data[i])] -= scale
	}
	return []*Tensor{dx, nil}
}

func checkSuffix(x0, x1 *Tensor) {
	if len(x0.shape) < len(x1.shape) {
		panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
	}
	for i := 0; i < len(x1.shape); i++ {
		if x0.shape[len(x0.shape)-len(x1.shape)+i] != x1.shape[i] {
			panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
		}
	}
}

func swapIfShorter(x0, x1 *Tensor) (*Tensor, *Tensor) {
	if len(x0.shape) < len(x1.shape) {
		return x1, x0
	}
	return x0, x1
}

// Add returns the element-wise sum of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Add(x0, x1 *Tensor) *Tensor {
	x0, x1 = swapIfShorter(x0, x1)
	checkSuffix(x0, x1)
	return apply(&add{}, x0, x1)
}

// Sub returns the element-wise difference of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Sub(x0, x1 *Tensor) *Tensor {
	checkSuffix(x0, x1)
	return apply(&sub{}, x0, x1)
}

// Mul returns the element-wise product of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Mul(x0, x1 *Tensor) *Tensor {
	x0, x1 = swapIfShorter(x0, x1)
	checkSuffix(x0, x1)
	return apply(&mul{}, x0, x1)
}

// Div returns the element-wise division of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Div(x0, x1 *Tensor) *Tensor {
	checkSuffix(x0, x1)
	return apply(&div{}, x0, x1)
}

// Mean returns the mean of all elements in a tensor.
func Mean(x *Tensor) *Tensor {
	return apply(&mean{}, x)
}

func MatMul(x, y *Tensor) *Tensor {
	return apply(&matMul{}, x, y)
}

// MatMulT returns x multiplied by the transpose of y.
func MatMulT(x, y *Tensor) *Tensor {
	return apply(&matMul{transpose2: true}, x, y)
}

func Reshape(x *Tensor, shape ...int) *Tensor {
	if size(shape) != len(x.data) {
		panic(fmt.Sprintf("cannot reshape %v into %v", x.shape, shape))
	}
	return apply(&reshape{shape: shape}, x)
}

// Flatten collapses all dimensions except the first one.
func Flatten(x *Tensor) *Tensor {
	return Reshape(x, x.shape[0], size(x.shape[1:]))
}

func ReLu(x *Tensor) *Tensor {
	return apply(&relu{}, x)
}

// Conv2d convolves an NCHW input with an [out, in, kh, kw] weight.
func Conv2d(x, weight *Tensor, stride, padding int) *Tensor {
	if len(x.shape) != 4 || len(weight.shape) != 4 {
		panic("conv2d requires 4D input and weight")
	}
	if x.shape[1] != weight.shape[1] {
		panic(fmt.Sprintf("conv2d expects %d input channels, got %d", weight.shape[1], x.shape[1]))
	}
	return apply(&conv2d{stride: stride, padding: padding}, x, weight)
}

// BatchNorm2d normalizes each channel of an NCHW input. In training mode the
// batch statistics are used and folded into the running statistics.
func BatchNorm2d(x, gamma, beta, runningMean, runningVar *Tensor, training bool, momentum, eps float32) *Tensor {
	return apply(&batchNorm2d{
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    training,
		momentum:    momentum,
		eps:         eps,
	}, x, gamma, beta)
}

func MaxPool2d(x *Tensor, kernel, stride, padding int) *Tensor {
	return apply(&maxPool2d{kernel: kernel, stride: stride, padding: padding}, x)
}

// AdaptiveAvgPool2d averages each channel down to 1x1.
func AdaptiveAvgPool2d(x *Tensor) *Tensor {
	return apply(&adaptiveAvgPool2d{}, x)
}

// SoftmaxCrossEntropy returns the mean cross entropy between logits [N, C] and class indices [N].
func SoftmaxCrossEntropy(logits, target *Tensor) *Tensor {
	if len(logits.shape) != 2 || len(target.shape) != 1 || logits.shape[0] != target.shape[0] {
		panic(fmt.Sprintf("softmax cross entropy shape mismatch: %v and %v", logits.shape, target.shape))
	}
	return apply(&softmaxCrossEntropy{}, logits, target)
}
