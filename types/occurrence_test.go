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

package types

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestOccurrence(t *testing.T) *Occurrence {
	t.Helper()
	occ := &Occurrence{
		UserID:      "u1",
		EventType:   EventTypeBirthday,
		TargetUTC:   time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC),
		TargetLocal: time.Date(2026, 3, 15, 9, 0, 0, 0, time.FixedZone("EDT", -4*3600)),
		TargetZone:  "America/New_York",
		Payload:     map[string]any{"message": "Hey, Jane Doe it's your birthday"},
		CreatedAt:   time.Date(2025, 10, 27, 19, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2025, 10, 27, 19, 0, 0, 0, time.UTC),
	}
	require.NoError(t, occ.CheckAndSetDefaults())
	return occ
}

func TestOccurrenceDefaults(t *testing.T) {
	t.Parallel()

	occ := newTestOccurrence(t)
	require.NotEmpty(t, occ.ID)
	require.Equal(t, StatusPending, occ.Status)
	require.Equal(t, int64(1), occ.Version)
	require.Zero(t, occ.RetryCount)
	require.Nil(t, occ.ExecutedAt)
	require.Equal(t, NewIdempotencyKey("u1", occ.TargetUTC), occ.IdempotencyKey)
}

func TestOccurrenceValidation(t *testing.T) {
	t.Parallel()

	executed := time.Date(2026, 3, 15, 13, 0, 5, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(*Occurrence)
	}{
		{name: "missing user", mutate: func(o *Occurrence) { o.UserID = "" }},
		{name: "missing event type", mutate: func(o *Occurrence) { o.EventType = "" }},
		{name: "unknown status", mutate: func(o *Occurrence) { o.Status = "SCHEDULED" }},
		{name: "missing target", mutate: func(o *Occurrence) { o.TargetUTC = time.Time{} }},
		{name: "missing zone", mutate: func(o *Occurrence) { o.TargetZone = "" }},
		{name: "negative retry count", mutate: func(o *Occurrence) { o.RetryCount = -1 }},
		{name: "executed while pending", mutate: func(o *Occurrence) { o.ExecutedAt = &executed }},
		{name: "completed without executed", mutate: func(o *Occurrence) { o.Status = StatusCompleted }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			occ := newTestOccurrence(t)
			tt.mutate(occ)
			err := occ.CheckAndSetDefaults()
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestOccurrenceLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC)
	occ := newTestOccurrence(t)

	require.NoError(t, occ.MarkProcessing(now))
	require.Equal(t, StatusProcessing, occ.Status)
	require.Equal(t, int64(2), occ.Version)
	require.Equal(t, now, occ.UpdatedAt)

	executed := now.Add(5 * time.Second)
	require.NoError(t, occ.MarkCompleted(executed))
	require.Equal(t, StatusCompleted, occ.Status)
	require.Equal(t, int64(3), occ.Version)
	require.NotNil(t, occ.ExecutedAt)
	require.Equal(t, executed, *occ.ExecutedAt)
}

func TestOccurrenceRetryPath(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC)
	occ := newTestOccurrence(t)

	require.NoError(t, occ.MarkProcessing(now))
	require.NoError(t, occ.MarkRetry(now.Add(time.Second)))
	require.Equal(t, StatusPending, occ.Status)
	require.Equal(t, int64(3), occ.Version)
	require.Equal(t, 1, occ.RetryCount)

	require.NoError(t, occ.MarkProcessing(now.Add(time.Minute)))
	require.NoError(t, occ.MarkFailed("sink returned 404", now.Add(time.Minute)))
	require.Equal(t, StatusFailed, occ.Status)
	require.Equal(t, int64(5), occ.Version)
	require.Equal(t, "sink returned 404", occ.FailureReason)
	require.Nil(t, occ.ExecutedAt)
}

func TestOccurrenceIllegalTransitions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		prepare func(*testing.T, *Occurrence)
		attempt func(*Occurrence) error
	}{
		{
			name:    "pending to completed",
			prepare: func(t *testing.T, o *Occurrence) {},
			attempt: func(o *Occurrence) error { return o.MarkCompleted(now) },
		},
		{
			name:    "pending to failed",
			prepare: func(t *testing.T, o *Occurrence) {},
			attempt: func(o *Occurrence) error { return o.MarkFailed("boom", now) },
		},
		{
			name:    "pending retry without claim",
			prepare: func(t *testing.T, o *Occurrence) {},
			attempt: func(o *Occurrence) error { return o.MarkRetry(now) },
		},
		{
			name: "processing claimed twice",
			prepare: func(t *testing.T, o *Occurrence) {
				require.NoError(t, o.MarkProcessing(now))
			},
			attempt: func(o *Occurrence) error { return o.MarkProcessing(now) },
		},
		{
			name: "completed is terminal",
			prepare: func(t *testing.T, o *Occurrence) {
				require.NoError(t, o.MarkProcessing(now))
				require.NoError(t, o.MarkCompleted(now))
			},
			attempt: func(o *Occurrence) error { return o.MarkProcessing(now) },
		},
		{
			name: "failed is terminal",
			prepare: func(t *testing.T, o *Occurrence) {
				require.NoError(t, o.MarkProcessing(now))
				require.NoError(t, o.MarkFailed("boom", now))
			},
			attempt: func(o *Occurrence) error { return o.MarkRetry(now) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			occ := newTestOccurrence(t)
			tt.prepare(t, occ)
			before := *occ.Clone()

			err := tt.attempt(occ)
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

			// A rejected transition must not mutate any observable state.
			require.Equal(t, before.Status, occ.Status)
			require.Equal(t, before.Version, occ.Version)
			require.Equal(t, before.RetryCount, occ.RetryCount)
			require.Equal(t, before.UpdatedAt, occ.UpdatedAt)
		})
	}
}

func TestOccurrenceClone(t *testing.T) {
	t.Parallel()

	occ := newTestOccurrence(t)
	require.NoError(t, occ.MarkProcessing(time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC)))
	require.NoError(t, occ.MarkCompleted(time.Date(2026, 3, 15, 13, 0, 5, 0, time.UTC)))

	clone := occ.Clone()
	require.Equal(t, occ, clone)

	clone.Payload["message"] = "changed"
	*clone.ExecutedAt = clone.ExecutedAt.Add(time.Hour)
	require.Equal(t, "Hey, Jane Doe it's your birthday", occ.Payload["message"])
	require.Equal(t, time.Date(2026, 3, 15, 13, 0, 5, 0, time.UTC), *occ.ExecutedAt)
}

func TestOccurrenceReschedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	occ := newTestOccurrence(t)
	oldKey := occ.IdempotencyKey

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	newLocal := time.Date(2026, 3, 15, 9, 0, 0, 0, tokyo)

	require.NoError(t, occ.Reschedule(newLocal, "Asia/Tokyo", nil, now))
	require.Equal(t, StatusPending, occ.Status)
	require.Equal(t, int64(2), occ.Version)
	require.True(t, occ.TargetUTC.Equal(newLocal.UTC()))
	require.Equal(t, "Asia/Tokyo", occ.TargetZone)
	require.NotEqual(t, oldKey, occ.IdempotencyKey)
	require.Equal(t, NewIdempotencyKey("u1", newLocal.UTC()), occ.IdempotencyKey)

	// Claimed or finished occurrences do not move.
	require.NoError(t, occ.MarkProcessing(now))
	err = occ.Reschedule(newLocal, "Asia/Tokyo", nil, now)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.Equal(t, int64(3), occ.Version)
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusPending.IsTerminal())
	require.False(t, StatusProcessing.IsTerminal())
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
}
