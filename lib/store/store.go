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

// Package store defines the persistence port of the scheduling context.
//
// Implementations map their native failures onto the trace error taxonomy:
//
//   - trace.AlreadyExists: an insert or reschedule collided with the
//     (userID, targetUTC) uniqueness constraint, i.e. a duplicate
//     idempotency key.
//   - trace.CompareFailed: a version-guarded update observed a concurrent
//     mutation and wrote nothing.
//   - trace.NotFound: the referenced row does not exist.
//   - trace.ConnectionProblem: a transient failure (connection loss,
//     timeout, serialization conflict, deadlock) worth retrying.
//
// Anything else is a fatal storage error and propagates to the operator.
package store

import (
	"context"
	"time"

	"github.com/gravitational/chime/types"
)

// Store persists occurrences and the user snapshots they are generated
// from. All mutating occurrence operations enforce the state-machine and
// version rules documented on each method; all methods honor context
// cancellation.
type Store interface {
	// Create inserts a new occurrence. Returns trace.AlreadyExists when an
	// occurrence for the same (UserID, TargetUTC) pair already exists.
	Create(ctx context.Context, occ *types.Occurrence) error

	// Get returns the occurrence with the given ID.
	Get(ctx context.Context, id string) (*types.Occurrence, error)

	// GetByUser returns every occurrence owned by the user, ordered by
	// TargetUTC ascending.
	GetByUser(ctx context.Context, userID string) ([]*types.Occurrence, error)

	// ClaimReady atomically claims up to limit PENDING occurrences whose
	// TargetUTC is at or before now, ordered by TargetUTC ascending. Each
	// returned occurrence has been transitioned to PROCESSING with its
	// version bumped, and is owned exclusively by the caller: concurrent
	// claimers never observe the same row.
	ClaimReady(ctx context.Context, limit int) ([]*types.Occurrence, error)

	// Update persists occ conditionally: the write commits only when the
	// stored version equals occ.Version-1, i.e. occ carries the already
	// bumped version produced by a state-machine mutation. A version
	// mismatch returns trace.CompareFailed and writes nothing; a reschedule
	// that collides with another row's (UserID, TargetUTC) pair returns
	// trace.AlreadyExists.
	Update(ctx context.Context, occ *types.Occurrence) error

	// FindMissed returns up to limit PENDING occurrences whose TargetUTC is
	// strictly before now, ordered by TargetUTC ascending. Read-only.
	FindMissed(ctx context.Context, limit int) ([]*types.Occurrence, error)

	// FindExpiredProcessing returns up to limit PROCESSING occurrences that
	// have not been updated for at least the lease duration, ordered by
	// UpdatedAt ascending. Read-only; reclaiming is the caller's job.
	FindExpiredProcessing(ctx context.Context, lease time.Duration, limit int) ([]*types.Occurrence, error)

	// DeleteByUser removes all occurrences owned by the user and returns
	// how many were removed. Deleting a user with no occurrences is not an
	// error.
	DeleteByUser(ctx context.Context, userID string) (int, error)

	// UpsertUser stores the user snapshot consulted at generation time.
	UpsertUser(ctx context.Context, user types.User) error

	// GetUser returns the stored user snapshot.
	GetUser(ctx context.Context, id string) (types.User, error)

	// DeleteUser removes the user snapshot. Deleting an absent snapshot is
	// not an error.
	DeleteUser(ctx context.Context, id string) error

	// FindUsersWithoutPending returns up to limit user snapshots that have
	// no PENDING occurrence of the given event type, ordered by user ID.
	// The repair scan uses it to regenerate occurrences lost to missed
	// notifications.
	FindUsersWithoutPending(ctx context.Context, eventType string, limit int) ([]types.User, error)

	// Close releases the underlying resources.
	Close() error
}
