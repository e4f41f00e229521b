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

// Package generator builds occurrences from a user and an event-type
// policy. Given the same user, event type and clock reading it always
// produces the same target instants and idempotency key, which is what makes
// duplicate generation attempts collapse into harmless AlreadyExists errors
// at the store.
package generator

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/chime/lib/policy"
	"github.com/gravitational/chime/types"
)

// Config holds the generator dependencies.
type Config struct {
	// Registry resolves event types to policies.
	Registry *policy.Registry
	// Clock supplies the reference time. Tests pin it.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("generator: missing Registry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Generator creates PENDING occurrences for (user, event type) pairs.
type Generator struct {
	registry *policy.Registry
	clock    clockwork.Clock
}

// New returns a generator for the given config.
func New(cfg Config) (*Generator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Generator{registry: cfg.Registry, clock: cfg.Clock}, nil
}

// Generate builds the next occurrence of eventType for the user, relative to
// the current clock reading.
func (g *Generator) Generate(user types.User, eventType string) (*types.Occurrence, error) {
	occ, err := g.GenerateAt(user, eventType, g.clock.Now())
	return occ, trace.Wrap(err)
}

// GenerateAt builds the next occurrence of eventType for the user, relative
// to an explicit reference instant. The occurrence starts PENDING at version
// 1 with a zone snapshot and idempotency key derived from the computed
// target.
func (g *Generator) GenerateAt(user types.User, eventType string, reference time.Time) (*types.Occurrence, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p, err := g.registry.Get(eventType)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	local, err := p.NextLocalOccurrence(user, reference)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	now := g.clock.Now().UTC()
	occ := &types.Occurrence{
		UserID:      user.ID,
		EventType:   eventType,
		Status:      types.StatusPending,
		TargetUTC:   local.UTC(),
		TargetLocal: local,
		TargetZone:  user.Timezone,
		Payload:     p.FormatPayload(user),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := occ.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return occ, nil
}
