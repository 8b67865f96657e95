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

package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type spanKeyType string

var spanKeyName = spanKeyType(uuid.New().String())

type Status string

const (
	StatusPending  Status = "Pending"
	StatusComplete Status = "Complete"
	StatusRunning  Status = "Running"
	StatusFailed   Status = "Failed"
)

// Listener is notified whenever a span of the tracer changes.
type Listener func(Progress)

type Tracer struct {
	name      string
	mu        sync.Mutex
	spans     []*Span
	listeners []Listener
}

func NewTracer(name string) *Tracer {
	return &Tracer{name: name}
}

// Listen registers a listener for every span created by the tracer.
func (t *Tracer) Listen(listener Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// Start creates a root span.
func (t *Tracer) Start(ctx context.Context, name string, total int) (context.Context, *Span) {
	span := newSpan(t, name, total)
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	span.notify()
	return context.WithValue(ctx, spanKeyName, span), span
}

// List returns the state of root spans in creation order.
func (t *Tracer) List() []Progress {
	t.mu.Lock()
	spans := append([]*Span(nil), t.spans...)
	t.mu.Unlock()
	progress := make([]Progress, 0, len(spans))
	for _, span := range spans {
		progress = append(progress, span.Progress())
	}
	return progress
}

func (t *Tracer) notify(p Progress) {
	t.mu.Lock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()
	for _, listener := range listeners {
		listener(p)
	}
}

type Span struct {
	tracer   *Tracer
	parent   *Span
	name     string
	mu       sync.Mutex
	status   Status
	total    int
	count    int
	err      error
	start    time.Time
	finish   time.Time
	children []*Span
}

func newSpan(tracer *Tracer, name string, total int) *Span {
	return &Span{
		tracer: tracer,
		name:   name,
		status: StatusRunning,
		total:  total,
		start:  time.Now(),
	}
}

func (s *Span) Add(n int) {
	s.mu.Lock()
	s.count += n
	s.mu.Unlock()
	s.notify()
}

func (s *Span) End() {
	s.mu.Lock()
	s.count = s.total
	s.status = StatusComplete
	s.finish = time.Now()
	s.mu.Unlock()
	s.notify()
}

// Fail marks the span and its ancestors as failed.
func (s *Span) Fail(err error) {
	for span := s; span != nil; span = span.parent {
		span.mu.Lock()
		span.err = err
		span.status = StatusFailed
		span.finish = time.Now()
		span.mu.Unlock()
		span.notify()
	}
}

func (s *Span) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Children returns the state of direct child spans in creation order.
func (s *Span) Children() []Progress {
	s.mu.Lock()
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()
	progress := make([]Progress, 0, len(children))
	for _, child := range children {
		progress = append(progress, child.Progress())
	}
	return progress
}

func (s *Span) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		Name:       s.name,
		Status:     s.status,
		Count:      s.count,
		Total:      s.total,
		StartTime:  s.start,
		FinishTime: s.finish,
	}
	if s.tracer != nil {
		p.Tracer = s.tracer.name
	}
	if s.parent != nil {
		p.Parent = s.parent.name
	}
	if s.err != nil {
		p.Error = s.err.Error()
	}
	return p
}

func (s *Span) notify() {
	if s.tracer != nil {
		s.tracer.notify(s.Progress())
	}
}

// Start creates a child of the span carried by ctx. Without a parent the span
// is detached and only reported to its caller.
func Start(ctx context.Context, name string, total int) (context.Context, *Span) {
	parent, ok := ctx.Value(spanKeyName).(*Span)
	if !ok {
		span := newSpan(nil, name, total)
		return context.WithValue(ctx, spanKeyName, span), span
	}
	span := newSpan(parent.tracer, name, total)
	span.parent = parent
	parent.mu.Lock()
	parent.children = append(parent.children, span)
	parent.mu.Unlock()
	span.notify()
	return context.WithValue(ctx, spanKeyName, span), span
}

// Fail marks the span carried by ctx as failed.
func Fail(ctx context.Context, err error) {
	if span, ok := ctx.Value(spanKeyName).(*Span); ok {
		span.Fail(err)
	}
}

type Progress struct {
	Tracer     string
	Parent     string // empty for root spans
	Name       string
	Status     Status
	Error      string
	Count      int
	Total      int
	StartTime  time.Time
	FinishTime time.Time
}
