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
	"math/rand"
	"slices"
	"strings"

	"github.com/chewxy/math32"
)

// Tensor is a dense float32 array in row-major order. Images are stored as NCHW.
type Tensor struct {
	data        []float32
	shape       []int
	grad        *Tensor
	op          op
	requireGrad bool
}

func NewTensor(data []float32, shape ...int) *Tensor {
	if size(shape) != len(data) {
		panic(fmt.Sprintf("tensor of shape %v requires %d elements, got %d", shape, size(shape), len(data)))
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

func NewScalar(data float32) *Tensor {
	return &Tensor{
		data:  []float32{data},
		shape: []int{},
	}
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		data:  make([]float32, size(shape)),
		shape: shape,
	}
}

// Ones creates a tensor filled with ones.
func Ones(shape ...int) *Tensor {
	return Full(1, shape...)
}

// Full creates a tensor filled with the given value.
func Full(value float32, shape ...int) *Tensor {
	data := make([]float32, size(shape))
	for i := range data {
		data[i] = value
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Normal creates a tensor drawn from N(mean, std^2).
func Normal(rng *rand.Rand, mean, std float32, shape ...int) *Tensor {
	data := make([]float32, size(shape))
	for i := range data {
		data[i] = float32(rng.NormFloat64())*std + mean
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Uniform creates a tensor drawn from U(low, high).
func Uniform(rng *rand.Rand, low, high float32, shape ...int) *Tensor {
	data := make([]float32, size(shape))
	for i := range data {
		data[i] = low + rng.Float32()*(high-low)
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// RequireGrad marks a leaf tensor as trainable.
func (t *Tensor) RequireGrad() *Tensor {
	t.requireGrad = true
	return t
}

// Freeze stops a leaf tensor from receiving gradients.
func (t *Tensor) Freeze() *Tensor {
	t.requireGrad = false
	t.grad = nil
	return t
}

// RequiresGrad reports whether the tensor is trainable.
func (t *Tensor) RequiresGrad() bool {
	return t.requireGrad
}

// NoGrad detaches the tensor from the graph that produced it.
func (t *Tensor) NoGrad() *Tensor {
	if t.op != nil {
		t.op = nil
	}
	return t
}

func (t *Tensor) Shape() []int {
	return t.shape
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

func (t *Tensor) Get(indices ...int) float32 {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.shape), len(indices)))
	}
	offset := 0
	for i, index := range indices {
		offset = offset*t.shape[i] + index
	}
	return t.data[offset]
}

// Slice returns rows [start, end) along the first dimension. The data is copied.
func (t *Tensor) Slice(start, end int) *Tensor {
	stride := size(t.shape[1:])
	data := make([]float32, (end-start)*stride)
	copy(data, t.data[start*stride:end*stride])
	shape := slices.Clone(t.shape)
	shape[0] = end - start
	return NewTensor(data, shape...)
}

// Clone returns a deep copy that is not attached to any graph.
func (t *Tensor) Clone() *Tensor {
	y := t.clone()
	y.shape = slices.Clone(t.shape)
	y.requireGrad = t.requireGrad
	return y
}

// Argmax returns the index of the maximum along the last dimension for each row of a 2D tensor.
func (t *Tensor) Argmax() []int {
	if len(t.shape) != 2 {
		panic("argmax requires a 2D tensor")
	}
	rows, cols := t.shape[0], t.shape[1]
	indices := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := t.data[i*cols : (i+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		indices[i] = best
	}
	return indices
}

func (t *Tensor) String() string {
	// Print scalar value
	if len(t.shape) == 0 {
		return fmt.Sprint(t.data[0])
	}

	builder := strings.Builder{}
	builder.WriteString("[")
	if len(t.data) <= 10 {
		for i := 0; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	} else {
		for i := 0; i < 5; i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			builder.WriteString(", ")
		}
		builder.WriteString("..., ")
		for i := len(t.data) - 5; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	}
	builder.WriteString("]")
	return builder.String()
}

// Backward computes gradients of every tensor reachable from t. Gradients of
// tensors used by several ops are summed.
func (t *Tensor) Backward() {
	var (
		order   []*Tensor
		visited = make(map[*Tensor]struct{})
	)
	var visit func(*Tensor)
	visit = func(v *Tensor) {
		if _, ok := visited[v]; ok {
			return
		}
		visited[v] = struct{}{}
		if v.op != nil {
			inputs, _ := v.op.inputsAndOutput()
			for _, input := range inputs {
				visit(input)
			}
		}
		order = append(order, v)
	}
	visit(t)

	t.grad = Ones(t.shape...)
	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		if v.op == nil || v.grad == nil {
			continue
		}
		inputs, _ := v.op.inputsAndOutput()
		grads := v.op.backward(v.grad)
		for j, input := range inputs {
			if grads[j] == nil || (input.op == nil && !input.requireGrad) {
				continue
			}
			if input.grad == nil {
				input.grad = grads[j]
			} else {
				sum := input.grad.clone()
				sum.add(grads[j])
				input.grad = sum
			}
		}
	}
}

func (t *Tensor) clone() *Tensor {
	newData := make([]float32, len(t.data))
	copy(newData, t.data)
	return &Tensor{
		data:  newData,
		shape: t.shape,
	}
}

func (t *Tensor) add(other *Tensor) *Tensor {
	wSize := len(other.data)
	for i := range t.data {
		t.data[i] += other.data[i%wSize]
	}
	return t
}

func (t *Tensor) sub(other *Tensor) *Tensor {
	wSize := len(other.data)
	for i := range t.data {
		t.data[i] -= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) mul(other *Tensor) *Tensor {
	wSize := len(other.data)
	for i := range t.data {
		t.data[i] *= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) div(other *Tensor) *Tensor {
	wSize := len(other.data)
	for i := range t.data {
		t.data[i] /= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) maximum(other *Tensor) *Tensor {
	wSize := len(other.data)
	for i := range t.data {
		t.data[i] = math32.Max(t.data[i], other.data[i%wSize])
	}
	return t
}

// matMul multiplies two 2D tensors, optionally transposing either operand.
func (t *Tensor) matMul(other *Tensor, transpose1, transpose2 bool) *Tensor {
	if len(t.shape) != 2 || len(other.shape) != 2 {
		panic("matMul requires 2D tensors")
	}
	m, k := t.shape[0], t.shape[1]
	if transpose1 {
		m, k = k, m
	}
	k2, n := other.shape[0], other.shape[1]
	if transpose2 {
		k2, n = n, k2
	}
	if k != k2 {
		panic(fmt.Sprintf("matMul shape mismatch: %v x %v", t.shape, other.shape))
	}
	y := Zeros(m, n)
	parallelFor(m, func(i int) {
		row := y.data[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			var a float32
			if transpose1 {
				a = t.data[p*m+i]
			} else {
				a = t.data[i*k+p]
			}
			if a == 0 {
				continue
			}
			if transpose2 {
				for j := 0; j < n; j++ {
					row[j] += a * other.data[j*k+p]
				}
			} else {
				b := other.data[p*n : (p+1)*n]
				for j := range row {
					row[j] += a * b[j]
				}
			}
		}
	})
	return y
}

func size(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
