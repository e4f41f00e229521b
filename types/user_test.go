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
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestUser() User {
	return User{
		ID:          "u1",
		FirstName:   "Jane",
		LastName:    "Doe",
		DateOfBirth: NewDate(1990, time.March, 15),
		Timezone:    "America/New_York",
		CreatedAt:   time.Date(2025, 10, 27, 19, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2025, 10, 27, 19, 0, 0, 0, time.UTC),
	}
}

func TestUserValidation(t *testing.T) {
	t.Parallel()

	valid := newTestUser()
	require.NoError(t, valid.CheckAndSetDefaults())

	tests := []struct {
		name   string
		mutate func(*User)
	}{
		{name: "missing id", mutate: func(u *User) { u.ID = "" }},
		{name: "missing first name", mutate: func(u *User) { u.FirstName = "" }},
		{name: "missing last name", mutate: func(u *User) { u.LastName = "" }},
		{name: "first name too long", mutate: func(u *User) { u.FirstName = strings.Repeat("a", MaxNameLength+1) }},
		{name: "last name too long", mutate: func(u *User) { u.LastName = strings.Repeat("a", MaxNameLength+1) }},
		{name: "missing date of birth", mutate: func(u *User) { u.DateOfBirth = Date{} }},
		{name: "impossible date of birth", mutate: func(u *User) { u.DateOfBirth = NewDate(1990, time.February, 30) }},
		{name: "missing timezone", mutate: func(u *User) { u.Timezone = "" }},
		{name: "invalid timezone", mutate: func(u *User) { u.Timezone = "Mars/Olympus_Mons" }},
		{name: "offset is not a zone name", mutate: func(u *User) { u.Timezone = "+04:00" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := newTestUser()
			tt.mutate(&user)
			err := user.CheckAndSetDefaults()
			require.Error(t, err)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestUserLocation(t *testing.T) {
	t.Parallel()

	user := newTestUser()
	loc, err := user.Location()
	require.NoError(t, err)
	require.Equal(t, "America/New_York", loc.String())
}

func TestUserBornBefore(t *testing.T) {
	t.Parallel()

	user := newTestUser()
	user.Timezone = "Asia/Tokyo"
	user.DateOfBirth = NewDate(2026, time.January, 15)

	// 2026-01-14T23:00Z is already 2026-01-15 in Tokyo, so a birth date of
	// January 15 is not in the past there.
	require.False(t, user.BornBefore(time.Date(2026, 1, 14, 23, 0, 0, 0, time.UTC)))
	require.True(t, user.BornBefore(time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC)))
}

func TestUserFullName(t *testing.T) {
	t.Parallel()

	user := newTestUser()
	require.Equal(t, "Jane Doe", user.FullName())
}
