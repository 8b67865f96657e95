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
	"slices"

	"github.com/juju/errors"
)

// StateDict is an ordered mapping from tensor names to tensors.
type StateDict struct {
	Keys    []string
	Tensors map[string]*Tensor
}

func NewStateDict() *StateDict {
	return &StateDict{Tensors: make(map[string]*Tensor)}
}

// Set inserts or replaces a tensor. New names are appended to Keys.
func (s *StateDict) Set(name string, t *Tensor) {
	if _, ok := s.Tensors[name]; !ok {
		s.Keys = append(s.Keys, name)
	}
	s.Tensors[name] = t
}

func (s *StateDict) Get(name string) (*Tensor, bool) {
	t, ok := s.Tensors[name]
	return t, ok
}

func (s *StateDict) Len() int {
	return len(s.Keys)
}

// Clone deep copies every tensor.
func (s *StateDict) Clone() *StateDict {
	c := NewStateDict()
	for _, name := range s.Keys {
		c.Set(name, s.Tensors[name].Clone())
	}
	return c
}

// Equal reports whether both dicts hold the same names, shapes and values.
func (s *StateDict) Equal(other *StateDict) bool {
	if !slices.Equal(s.Keys, other.Keys) {
		return false
	}
	for _, name := range s.Keys {
		a, b := s.Tensors[name], other.Tensors[name]
		if !slices.Equal(a.shape, b.shape) || !slices.Equal(a.data, b.data) {
			return false
		}
	}
	return true
}

// StateDictOf copies parameters and buffers of a layer.
func StateDictOf(layer Layer) *StateDict {
	s := NewStateDict()
	for _, t := range layer.NamedTensors("") {
		s.Set(t.Name, t.Tensor.Clone())
	}
	return s
}

// LoadStateDict copies tensors from the dict into a layer in place. In strict
// mode every tensor of the layer must be present. Names listed in skip are
// left untouched.
func LoadStateDict(layer Layer, s *StateDict, strict bool, skip ...string) error {
	for _, named := range layer.NamedTensors("") {
		if slices.ContainsFunc(skip, func(prefix string) bool {
			return named.Name == prefix || len(named.Name) > len(prefix) && named.Name[:len(prefix)+1] == prefix+"."
		}) {
			continue
		}
		src, ok := s.Tensors[named.Name]
		if !ok {
			if strict {
				return errors.NotFoundf("tensor %s", named.Name)
			}
			continue
		}
		if !slices.Equal(src.shape, named.Tensor.shape) {
			return errors.NotValidf("shape of tensor %s: expected %v, got %v", named.Name, named.Tensor.shape, src.shape)
		}
		copy(named.Tensor.data, src.data)
	}
	return nil
}
