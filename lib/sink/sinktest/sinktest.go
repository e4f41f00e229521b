// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sinktest provides a recording sink for tests. Outcomes can
// be scripted per call, which makes retry and failure paths easy to
// drive deterministically.
package sinktest

import (
	"context"
	"sync"

	"github.com/gravitational/chime/lib/sink"
)

// Sink records every delivery and returns scripted outcomes.
type Sink struct {
	mu         sync.Mutex
	deliveries []sink.Delivery
	script     []error
	err        error
}

// New creates an accepting sink: every delivery succeeds until an
// outcome is scripted.
func New() *Sink {
	return &Sink{}
}

// SetError sets the outcome returned once the script is exhausted.
func (s *Sink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Script queues outcomes returned by subsequent Deliver calls, in
// order. A nil entry means the call succeeds.
func (s *Sink) Script(outcomes ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, outcomes...)
}

// Deliver records the delivery and pops the next scripted outcome.
func (s *Sink) Deliver(ctx context.Context, d sink.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		return err
	}
	return s.err
}

// Deliveries returns a copy of all recorded deliveries.
func (s *Sink) Deliveries() []sink.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// Keys returns the idempotency keys of all recorded deliveries.
func (s *Sink) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		keys = append(keys, d.IdempotencyKey)
	}
	return keys
}

// Count returns how many deliveries were attempted.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}
