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

package dataset

// ClassIndex maps class names to dense labels in registration order and
// counts the samples observed for each class.
type ClassIndex struct {
	labels map[string]int
	names  []string
	counts []int
}

func NewClassIndex() *ClassIndex {
	return &ClassIndex{labels: make(map[string]int)}
}

// Len returns the number of classes.
func (c *ClassIndex) Len() int {
	return len(c.names)
}

// Add registers a class without counting a sample.
func (c *ClassIndex) Add(name string) int {
	if label, ok := c.labels[name]; ok {
		return label
	}
	label := len(c.names)
	c.labels[name] = label
	c.names = append(c.names, name)
	c.counts = append(c.counts, 0)
	return label
}

// Observe counts a sample of a class, registering the class if needed.
func (c *ClassIndex) Observe(name string) int {
	label := c.Add(name)
	c.counts[label]++
	return label
}

func (c *ClassIndex) Label(name string) (int, bool) {
	label, ok := c.labels[name]
	return label, ok
}

func (c *ClassIndex) Name(label int) (string, bool) {
	if label < 0 || label >= len(c.names) {
		return "", false
	}
	return c.names[label], true
}

func (c *ClassIndex) Names() []string {
	return c.names
}

// Count returns the number of samples observed for a label.
func (c *ClassIndex) Count(label int) int {
	if label < 0 || label >= len(c.counts) {
		return 0
	}
	return c.counts[label]
}
