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

// Package policy defines the per-event-type scheduling policies and their
// registry. A policy is the single extension seam for new event types: it
// decides when the next occurrence of its event happens for a user and what
// payload gets delivered. Everything downstream of the registry is
// type-agnostic.
package policy

import (
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/chime/types"
)

// ChannelWebhook is the default delivery channel hint.
const ChannelWebhook = "webhook"

// Policy computes occurrences of one event type.
type Policy interface {
	// NextLocalOccurrence returns the next local wall-clock delivery instant
	// for the user, strictly after the reference instant, expressed in the
	// user's zone. It is a pure function of the user data and reference.
	NextLocalOccurrence(user types.User, reference time.Time) (time.Time, error)

	// FormatPayload renders the opaque delivery payload for the user.
	FormatPayload(user types.User) map[string]any

	// Channel returns an advisory delivery channel hint.
	Channel() string
}

// Registry maps event type names to policies. Registration happens at
// startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry returns an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register adds a policy under the given event type.
func (r *Registry) Register(eventType string, p Policy) error {
	if eventType == "" {
		return trace.BadParameter("policy registry: missing event type")
	}
	if p == nil {
		return trace.BadParameter("policy registry: nil policy for event type %q", eventType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[eventType]; ok {
		return trace.AlreadyExists("policy for event type %q is already registered", eventType)
	}
	r.policies[eventType] = p
	return nil
}

// Get returns the policy registered for the event type.
func (r *Registry) Get(eventType string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[eventType]
	if !ok {
		return nil, trace.NotFound("no policy registered for event type %q", eventType)
	}
	return p, nil
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for eventType := range r.policies {
		out = append(out, eventType)
	}
	slices.Sort(out)
	return out
}
