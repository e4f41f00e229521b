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

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/chime/types"
)

func birthdayUser(dob types.Date, zone string) types.User {
	return types.User{
		ID:          "u1",
		FirstName:   "Jane",
		LastName:    "Doe",
		DateOfBirth: dob,
		Timezone:    zone,
	}
}

func mustBirthday(t *testing.T, cfg BirthdayConfig) *Birthday {
	t.Helper()
	b, err := NewBirthday(cfg)
	require.NoError(t, err)
	return b
}

func TestBirthdayNextOccurrence(t *testing.T) {
	t.Parallel()

	b := mustBirthday(t, BirthdayConfig{})

	tests := []struct {
		name      string
		user      types.User
		reference time.Time
		wantLocal string
		wantUTC   string
	}{
		{
			name:      "upcoming anniversary in New York",
			user:      birthdayUser(types.NewDate(1990, time.March, 15), "America/New_York"),
			reference: time.Date(2025, 10, 27, 19, 0, 0, 0, time.UTC),
			wantLocal: "2026-03-15T09:00:00-04:00",
			wantUTC:   "2026-03-15T13:00:00Z",
		},
		{
			name:      "anniversary earlier today already passed",
			user:      birthdayUser(types.NewDate(1990, time.March, 15), "America/New_York"),
			reference: time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC), // 10:00 EDT
			wantLocal: "2027-03-15T09:00:00-04:00",
			wantUTC:   "2027-03-15T13:00:00Z",
		},
		{
			name:      "anniversary later today still counts",
			user:      birthdayUser(types.NewDate(1990, time.March, 15), "America/New_York"),
			reference: time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC), // 07:00 EDT
			wantLocal: "2026-03-15T09:00:00-04:00",
			wantUTC:   "2026-03-15T13:00:00Z",
		},
		{
			name:      "tokyo morning is previous day in UTC",
			user:      birthdayUser(types.NewDate(1991, time.January, 15), "Asia/Tokyo"),
			reference: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
			wantLocal: "2026-01-15T09:00:00+09:00",
			wantUTC:   "2026-01-15T00:00:00Z",
		},
		{
			name:      "leap day falls to february 28 in a non-leap year",
			user:      birthdayUser(types.NewDate(2000, time.February, 29), "Europe/Berlin"),
			reference: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
			wantLocal: "2026-02-28T09:00:00+01:00",
			wantUTC:   "2026-02-28T08:00:00Z",
		},
		{
			name:      "leap day stays on february 29 in a leap year",
			user:      birthdayUser(types.NewDate(2000, time.February, 29), "Europe/Berlin"),
			reference: time.Date(2027, 3, 10, 0, 0, 0, 0, time.UTC),
			wantLocal: "2028-02-29T09:00:00+01:00",
			wantUTC:   "2028-02-29T08:00:00Z",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := b.NextLocalOccurrence(tt.user, tt.reference)
			require.NoError(t, err)
			require.Equal(t, tt.wantLocal, next.Format(time.RFC3339))
			require.Equal(t, tt.wantUTC, next.UTC().Format(time.RFC3339))
			require.True(t, next.After(tt.reference))
		})
	}
}

func TestBirthdayIsDeterministic(t *testing.T) {
	t.Parallel()

	b := mustBirthday(t, BirthdayConfig{})
	user := birthdayUser(types.NewDate(1990, time.March, 15), "America/New_York")
	reference := time.Date(2025, 10, 27, 19, 0, 0, 0, time.UTC)

	first, err := b.NextLocalOccurrence(user, reference)
	require.NoError(t, err)
	second, err := b.NextLocalOccurrence(user, reference)
	require.NoError(t, err)
	require.True(t, first.Equal(second))
	require.Equal(t, types.NewIdempotencyKey(user.ID, first.UTC()), types.NewIdempotencyKey(user.ID, second.UTC()))
}

func TestBirthdayExactlyAtDeliveryTimeAdvancesAYear(t *testing.T) {
	t.Parallel()

	b := mustBirthday(t, BirthdayConfig{})
	user := birthdayUser(types.NewDate(1990, time.March, 15), "America/New_York")

	// Generation at the delivery instant itself must not reproduce the same
	// occurrence, or the chain would stall on a duplicate key.
	reference := time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC)
	next, err := b.NextLocalOccurrence(user, reference)
	require.NoError(t, err)
	require.Equal(t, "2027-03-15T13:00:00Z", next.UTC().Format(time.RFC3339))
}

func TestBirthdayDSTForwardGap(t *testing.T) {
	t.Parallel()

	// 02:30 never happens in New York on 2026-03-08: clocks jump from 02:00
	// EST to 03:00 EDT. The first valid instant is chosen.
	b := mustBirthday(t, BirthdayConfig{DeliveryTime: &WallClock{Hour: 2, Minute: 30}})
	user := birthdayUser(types.NewDate(1990, time.March, 8), "America/New_York")

	next, err := b.NextLocalOccurrence(user, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "2026-03-08T03:00:00-04:00", next.Format(time.RFC3339))
	require.Equal(t, "2026-03-08T07:00:00Z", next.UTC().Format(time.RFC3339))
}

func TestBirthdayDSTFallBackOverlap(t *testing.T) {
	t.Parallel()

	// 01:30 happens twice in New York on 2026-11-01; the earlier instant
	// (EDT, -04:00) wins.
	b := mustBirthday(t, BirthdayConfig{DeliveryTime: &WallClock{Hour: 1, Minute: 30}})
	user := birthdayUser(types.NewDate(1990, time.November, 1), "America/New_York")

	next, err := b.NextLocalOccurrence(user, time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "2026-11-01T01:30:00-04:00", next.Format(time.RFC3339))
	require.Equal(t, "2026-11-01T05:30:00Z", next.UTC().Format(time.RFC3339))
}

func TestBirthdayLocalToUTCRoundTrip(t *testing.T) {
	t.Parallel()

	b := mustBirthday(t, BirthdayConfig{})
	user := birthdayUser(types.NewDate(1990, time.March, 15), "America/New_York")

	next, err := b.NextLocalOccurrence(user, time.Date(2025, 10, 27, 19, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	loc, err := user.Location()
	require.NoError(t, err)
	back := next.UTC().In(loc)
	require.True(t, next.Equal(back))
	require.Equal(t, next.Format(time.RFC3339), back.Format(time.RFC3339))
}

func TestBirthdayFastTestOffset(t *testing.T) {
	t.Parallel()

	b := mustBirthday(t, BirthdayConfig{FastTestOffset: 30 * time.Second})

	// A UTC user sees the offset as a literal delay.
	utcUser := birthdayUser(types.NewDate(1990, time.March, 15), "UTC")
	reference := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := b.NextLocalOccurrence(utcUser, reference)
	require.NoError(t, err)
	require.Equal(t, "2026-01-01T12:00:30Z", next.UTC().Format(time.RFC3339))

	// A non-UTC user gets the same wall-clock values applied in their zone.
	nyUser := birthdayUser(types.NewDate(1990, time.March, 15), "America/New_York")
	next, err = b.NextLocalOccurrence(nyUser, reference)
	require.NoError(t, err)
	require.Equal(t, "2026-01-01T12:00:30-05:00", next.Format(time.RFC3339))
}

func TestBirthdayPayload(t *testing.T) {
	t.Parallel()

	b := mustBirthday(t, BirthdayConfig{})
	payload := b.FormatPayload(birthdayUser(types.NewDate(1990, time.March, 15), "UTC"))
	require.Equal(t, "Hey, Jane Doe it's your birthday", payload["message"])
	require.Equal(t, "u1", payload["userId"])
	require.Equal(t, types.EventTypeBirthday, payload["eventType"])
	require.Equal(t, ChannelWebhook, b.Channel())
}

func TestBirthdayRejectsInvalidZone(t *testing.T) {
	t.Parallel()

	b := mustBirthday(t, BirthdayConfig{})
	user := birthdayUser(types.NewDate(1990, time.March, 15), "Not/AZone")
	_, err := b.NextLocalOccurrence(user, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestBirthdayConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewBirthday(BirthdayConfig{DeliveryTime: &WallClock{Hour: 25}})
	require.Error(t, err)

	_, err = NewBirthday(BirthdayConfig{FastTestOffset: -time.Second})
	require.Error(t, err)

	// Midnight is a valid delivery time, distinct from the unset default.
	b, err := NewBirthday(BirthdayConfig{DeliveryTime: &WallClock{}})
	require.NoError(t, err)
	user := birthdayUser(types.NewDate(1991, time.January, 15), "Asia/Tokyo")
	next, err := b.NextLocalOccurrence(user, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "2026-01-15T00:00:00+09:00", next.Format(time.RFC3339))
}
