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

// Package memstore implements the store port in process memory. It backs
// tests and single-process deployments; a single mutex gives it the same
// atomicity the relational adapter gets from row locks.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/chime/lib/store"
	"github.com/gravitational/chime/types"
)

// Config holds memstore options.
type Config struct {
	// Clock supplies now for claim and scan queries. Tests pin it.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the in-memory store.
type Store struct {
	clock clockwork.Clock

	mu          sync.Mutex
	occurrences map[string]*types.Occurrence
	// schedule enforces (userID, targetUTC) uniqueness; it maps the pair key
	// to the owning occurrence ID.
	schedule map[string]string
	users    map[string]types.User
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{
		clock:       cfg.Clock,
		occurrences: make(map[string]*types.Occurrence),
		schedule:    make(map[string]string),
		users:       make(map[string]types.User),
	}, nil
}

func pairKey(userID string, target time.Time) string {
	return userID + "/" + target.UTC().Format(time.RFC3339Nano)
}

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, occ *types.Occurrence) error {
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	if err := occ.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.occurrences[occ.ID]; ok {
		return trace.AlreadyExists("occurrence %v already exists", occ.ID)
	}
	key := pairKey(occ.UserID, occ.TargetUTC)
	if _, ok := s.schedule[key]; ok {
		return trace.AlreadyExists("occurrence for user %v at %v already exists", occ.UserID, occ.TargetUTC.Format(time.RFC3339))
	}
	s.occurrences[occ.ID] = occ.Clone()
	s.schedule[key] = occ.ID
	return nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, id string) (*types.Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	occ, ok := s.occurrences[id]
	if !ok {
		return nil, trace.NotFound("occurrence %v not found", id)
	}
	return occ.Clone(), nil
}

// GetByUser implements store.Store.
func (s *Store) GetByUser(ctx context.Context, userID string) ([]*types.Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Occurrence
	for _, occ := range s.occurrences {
		if occ.UserID == userID {
			out = append(out, occ.Clone())
		}
	}
	sortByTarget(out)
	return out, nil
}

// ClaimReady implements store.Store. The store mutex makes the whole
// select-and-transition atomic, so concurrent claimers receive disjoint
// sets.
func (s *Store) ClaimReady(ctx context.Context, limit int) ([]*types.Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if limit <= 0 {
		return nil, trace.BadParameter("claim limit must be positive, got %v", limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()

	var due []*types.Occurrence
	for _, occ := range s.occurrences {
		if occ.Status == types.StatusPending && !occ.TargetUTC.After(now) {
			due = append(due, occ)
		}
	}
	sortByTarget(due)
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*types.Occurrence, 0, len(due))
	for _, occ := range due {
		if err := occ.MarkProcessing(now); err != nil {
			return nil, trace.Wrap(err)
		}
		claimed = append(claimed, occ.Clone())
	}
	return claimed, nil
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, occ *types.Occurrence) error {
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.occurrences[occ.ID]
	if !ok {
		return trace.NotFound("occurrence %v not found", occ.ID)
	}
	if stored.Version != occ.Version-1 {
		return trace.CompareFailed("occurrence %v: version %v was expected to follow %v", occ.ID, occ.Version, stored.Version)
	}

	oldKey := pairKey(stored.UserID, stored.TargetUTC)
	newKey := pairKey(occ.UserID, occ.TargetUTC)
	if oldKey != newKey {
		if owner, ok := s.schedule[newKey]; ok && owner != occ.ID {
			return trace.AlreadyExists("occurrence for user %v at %v already exists", occ.UserID, occ.TargetUTC.Format(time.RFC3339))
		}
		delete(s.schedule, oldKey)
		s.schedule[newKey] = occ.ID
	}
	s.occurrences[occ.ID] = occ.Clone()
	return nil
}

// FindMissed implements store.Store.
func (s *Store) FindMissed(ctx context.Context, limit int) ([]*types.Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if limit <= 0 {
		return nil, trace.BadParameter("scan limit must be positive, got %v", limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()

	var missed []*types.Occurrence
	for _, occ := range s.occurrences {
		if occ.Status == types.StatusPending && occ.TargetUTC.Before(now) {
			missed = append(missed, occ.Clone())
		}
	}
	sortByTarget(missed)
	if len(missed) > limit {
		missed = missed[:limit]
	}
	return missed, nil
}

// FindExpiredProcessing implements store.Store.
func (s *Store) FindExpiredProcessing(ctx context.Context, lease time.Duration, limit int) ([]*types.Occurrence, error) {
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if lease <= 0 {
		return nil, trace.BadParameter("lease must be positive, got %v", lease)
	}
	if limit <= 0 {
		return nil, trace.BadParameter("scan limit must be positive, got %v", limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().UTC().Add(-lease)

	var expired []*types.Occurrence
	for _, occ := range s.occurrences {
		if occ.Status == types.StatusProcessing && !occ.UpdatedAt.After(cutoff) {
			expired = append(expired, occ.Clone())
		}
	}
	slices.SortFunc(expired, func(a, b *types.Occurrence) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// DeleteByUser implements store.Store.
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, occ := range s.occurrences {
		if occ.UserID == userID {
			delete(s.schedule, pairKey(occ.UserID, occ.TargetUTC))
			delete(s.occurrences, id)
			deleted++
		}
	}
	return deleted, nil
}

// UpsertUser implements store.Store.
func (s *Store) UpsertUser(ctx context.Context, user types.User) error {
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	if err := user.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

// GetUser implements store.Store.
func (s *Store) GetUser(ctx context.Context, id string) (types.User, error) {
	if err := ctx.Err(); err != nil {
		return types.User{}, trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return types.User{}, trace.NotFound("user %v not found", id)
	}
	return user, nil
}

// DeleteUser implements store.Store.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

// FindUsersWithoutPending implements store.Store. The scan is linear over
// users and occurrences, which is fine for the deployment sizes this
// backend serves.
func (s *Store) FindUsersWithoutPending(ctx context.Context, eventType string, limit int) ([]types.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if limit <= 0 {
		return nil, trace.BadParameter("scan limit must be positive, got %v", limit)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]struct{})
	for _, occ := range s.occurrences {
		if occ.Status == types.StatusPending && occ.EventType == eventType {
			pending[occ.UserID] = struct{}{}
		}
	}

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		if _, ok := pending[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]types.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.users[id])
	}
	return out, nil
}

// Close implements store.Store. The in-memory store holds no external
// resources.
func (s *Store) Close() error {
	return nil
}

func sortByTarget(occs []*types.Occurrence) {
	slices.SortFunc(occs, func(a, b *types.Occurrence) int {
		if c := a.TargetUTC.Compare(b.TargetUTC); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
