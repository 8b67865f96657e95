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
	"bytes"
	"encoding/binary"
	"math"

	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the ONNX protobuf messages.
const (
	modelGraph         protowire.Number = 7
	graphInitializer   protowire.Number = 5
	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorFloatData    protowire.Number = 4
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	tensorDataLocation protowire.Number = 14

	onnxFloat    = 1
	onnxExternal = 1
)

// LoadPretrained copies pretrained backbone weights into the classifier. The
// data is either a checkpoint written by Save or an ONNX model whose
// initializers carry torchvision tensor names. The final layer is kept.
func (c *Classifier) LoadPretrained(data []byte) error {
	var (
		state *nn.StateDict
		err   error
	)
	if isCheckpoint(data) {
		var pretrained *Classifier
		if pretrained, err = Load(bytes.NewReader(data)); err == nil {
			state = pretrained.StateDict()
		}
	} else {
		state, err = ReadONNX(data)
	}
	if err != nil {
		return errors.Annotate(err, "failed to read pretrained weights")
	}
	return errors.Annotate(c.LoadBackbone(state), "failed to load pretrained weights")
}

// ReadONNX collects the float initializers of an ONNX model. Initializers of
// other types, such as BatchNorm batch counters, are ignored.
func ReadONNX(data []byte) (*nn.StateDict, error) {
	state := nn.NewStateDict()
	err := walk(data, func(num protowire.Number, typ protowire.Type, graph []byte) error {
		if num != modelGraph || typ != protowire.BytesType {
			return nil
		}
		return walk(graph, func(num protowire.Number, typ protowire.Type, tensor []byte) error {
			if num != graphInitializer || typ != protowire.BytesType {
				return nil
			}
			name, t, err := readTensor(tensor)
			if err != nil {
				return errors.Trace(err)
			}
			if t != nil {
				state.Set(name, t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if state.Len() == 0 {
		return nil, errors.NotFoundf("initializers in ONNX model")
	}
	return state, nil
}

// readTensor decodes a TensorProto. It returns a nil tensor for non-float data.
func readTensor(b []byte) (string, *nn.Tensor, error) {
	var (
		name     string
		dims     []int
		dataType uint64
		values   []float32
		raw      []byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, value []byte) error {
		switch num {
		case tensorDims:
			return consumeVarints(typ, value, func(v uint64) {
				dims = append(dims, int(int64(v)))
			})
		case tensorDataType:
			return consumeVarints(typ, value, func(v uint64) {
				dataType = v
			})
		case tensorName:
			name = string(value)
		case tensorFloatData:
			switch typ {
			case protowire.Fixed32Type:
				values = append(values, math.Float32frombits(binary.LittleEndian.Uint32(value)))
			case protowire.BytesType:
				values = append(values, decodeFloat32s(value)...)
			}
		case tensorRawData:
			raw = value
		case tensorDataLocation:
			var location uint64
			if err := consumeVarints(typ, value, func(v uint64) { location = v }); err != nil {
				return err
			}
			if location == onnxExternal {
				return errors.NotSupportedf("external tensor data")
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	if dataType != onnxFloat {
		return name, nil, nil
	}
	if raw != nil {
		values = decodeFloat32s(raw)
	}
	if len(values) != size(dims) {
		return "", nil, errors.NotValidf("initializer %s of shape %v with %d values", name, dims, len(values))
	}
	return name, nn.NewTensor(values, dims...), nil
}

// walk calls f for every field of a message. Length-delimited values are
// passed without their length prefix.
func walk(b []byte, f func(num protowire.Number, typ protowire.Type, value []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Annotate(protowire.ParseError(n), "malformed protobuf")
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return errors.Annotate(protowire.ParseError(m), "malformed protobuf")
		}
		value := b[:m]
		if typ == protowire.BytesType {
			value, _ = protowire.ConsumeBytes(value)
		}
		if err := f(num, typ, value); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

// consumeVarints handles both packed and unpacked repeated varints.
func consumeVarints(typ protowire.Type, b []byte, f func(uint64)) error {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return errors.Trace(protowire.ParseError(n))
		}
		f(v)
	case protowire.BytesType:
		for len(b) > 0 {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Trace(protowire.ParseError(n))
			}
			f(v)
			b = b[n:]
		}
	}
	return nil
}

func decodeFloat32s(b []byte) []float32 {
	values := make([]float32, len(b)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return values
}
