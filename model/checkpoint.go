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
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"slices"

	"github.com/gorse-io/hymenoptera/base/encoding"
	"github.com/gorse-io/hymenoptera/common/nn"
	"github.com/juju/errors"
)

const checkpointHeader = "hymenoptera-checkpoint/v1"

const (
	maxStages = 8
	maxBlocks = 64
	maxWidth  = 1024
)

// Save writes the classifier: header, architecture, layout, class names and
// the ordered state dict.
func (c *Classifier) Save(w io.Writer) error {
	buf := bufio.NewWriter(w)
	if err := encoding.WriteString(buf, checkpointHeader); err != nil {
		return errors.Trace(err)
	}
	if err := encoding.WriteString(buf, c.Arch); err != nil {
		return errors.Trace(err)
	}
	blocks, width := layout(c.Net)
	if err := encoding.WriteInts(buf, append(blocks, width)); err != nil {
		return errors.Trace(err)
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(len(c.Classes))); err != nil {
		return errors.Trace(err)
	}
	for _, class := range c.Classes {
		if err := encoding.WriteString(buf, class); err != nil {
			return errors.Trace(err)
		}
	}
	if err := writeStateDict(buf, c.StateDict()); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(buf.Flush())
}

// Load reads a classifier written by Save.
func Load(r io.Reader) (*Classifier, error) {
	buf := bufio.NewReader(r)
	if err := readHeader(buf); err != nil {
		return nil, errors.Trace(err)
	}
	arch, err := encoding.ReadString(buf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	shape, err := encoding.ReadInts(buf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var numClasses int32
	if err = binary.Read(buf, binary.LittleEndian, &numClasses); err != nil {
		return nil, errors.Trace(err)
	}
	if numClasses < 2 {
		return nil, errors.NotValidf("%d classes", numClasses)
	}
	classes := make([]string, numClasses)
	for i := range classes {
		if classes[i], err = encoding.ReadString(buf); err != nil {
			return nil, errors.Trace(err)
		}
	}
	state, err := readStateDict(buf)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err = checkLayout(shape, state); err != nil {
		return nil, errors.Trace(err)
	}
	blocks, width := shape[:len(shape)-1], shape[len(shape)-1]
	net := nn.NewResNet(rand.New(rand.NewSource(0)), blocks, width, len(classes))
	c := New(arch, classes, net)
	if err = c.LoadStateDict(state); err != nil {
		return nil, errors.Annotate(err, "checkpoint does not match its network")
	}
	return c, nil
}

// checkLayout rejects layouts that cannot describe the stored weights before
// any network is allocated.
func checkLayout(shape []int, state *nn.StateDict) error {
	if len(shape) < 2 || len(shape)-1 > maxStages {
		return errors.NotValidf("network layout %v", shape)
	}
	blocks, width := shape[:len(shape)-1], shape[len(shape)-1]
	for _, n := range blocks {
		if n < 1 || n > maxBlocks {
			return errors.NotValidf("network layout %v", shape)
		}
	}
	if width < 1 || width > maxWidth || width<<(len(blocks)-1) > maxWidth {
		return errors.NotValidf("network layout %v", shape)
	}
	conv1, ok := state.Get("conv1.weight")
	if !ok {
		return errors.NotValidf("checkpoint without conv1.weight")
	}
	if !slices.Equal(conv1.Shape(), []int{width, 3, 7, 7}) {
		return errors.NotValidf("conv1.weight of shape %v for width %d", conv1.Shape(), width)
	}
	return nil
}

func readHeader(r io.Reader) error {
	header, err := encoding.ReadString(r)
	if err != nil {
		return errors.Trace(err)
	}
	if header != checkpointHeader {
		return errors.NotValidf("checkpoint header %q", header)
	}
	return nil
}

// isCheckpoint reports whether data starts with the checkpoint header.
func isCheckpoint(data []byte) bool {
	return readHeader(bytes.NewReader(data)) == nil
}

func writeStateDict(w io.Writer, s *nn.StateDict) error {
	if err := binary.Write(w, binary.LittleEndian, int32(s.Len())); err != nil {
		return errors.Trace(err)
	}
	for _, name := range s.Keys {
		t := s.Tensors[name]
		if err := encoding.WriteString(w, name); err != nil {
			return errors.Trace(err)
		}
		if err := encoding.WriteInts(w, t.Shape()); err != nil {
			return errors.Trace(err)
		}
		if err := encoding.WriteFloat32s(w, t.Data()); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func readStateDict(r io.Reader) (*nn.StateDict, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.Trace(err)
	}
	if n < 0 {
		return nil, errors.NotValidf("%d tensors", n)
	}
	s := nn.NewStateDict()
	for i := 0; i < int(n); i++ {
		name, err := encoding.ReadString(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		shape, err := encoding.ReadInts(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		data, err := encoding.ReadFloat32s(r)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(data) != size(shape) {
			return nil, errors.NotValidf("tensor %s of shape %v with %d values", name, shape, len(data))
		}
		s.Set(name, nn.NewTensor(data, shape...))
	}
	return s, nil
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}
