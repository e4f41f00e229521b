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
	"time"

	"github.com/gravitational/trace"
)

// MaxNameLength bounds the first and last name fields.
const MaxNameLength = 256

// User is the snapshot of a user held by the scheduling context. The user
// context owns the record of truth; this copy carries only the fields needed
// to compute occurrences and format payloads, keyed by the same ID.
type User struct {
	// ID is the opaque identifier assigned by the user context.
	ID string `json:"id"`
	// FirstName is the user's given name.
	FirstName string `json:"firstName"`
	// LastName is the user's family name.
	LastName string `json:"lastName"`
	// DateOfBirth is the user's birth date as a civil date.
	DateOfBirth Date `json:"dateOfBirth"`
	// Timezone is the user's IANA zone identifier, e.g. "America/New_York".
	Timezone string `json:"timezone"`
	// CreatedAt is the UTC creation time of the snapshot.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the UTC time of the last snapshot update.
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults validates the user snapshot. Whether the date of birth
// lies in the past depends on a clock and is checked by callers that have
// one, see BornBefore.
func (u *User) CheckAndSetDefaults() error {
	if u.ID == "" {
		return trace.BadParameter("user: missing ID")
	}
	if u.FirstName == "" {
		return trace.BadParameter("user %v: missing FirstName", u.ID)
	}
	if len(u.FirstName) > MaxNameLength {
		return trace.BadParameter("user %v: FirstName exceeds %d characters", u.ID, MaxNameLength)
	}
	if u.LastName == "" {
		return trace.BadParameter("user %v: missing LastName", u.ID)
	}
	if len(u.LastName) > MaxNameLength {
		return trace.BadParameter("user %v: LastName exceeds %d characters", u.ID, MaxNameLength)
	}
	if err := u.DateOfBirth.Check(); err != nil {
		return trace.Wrap(err, "user %v: invalid date of birth", u.ID)
	}
	if _, err := u.Location(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Location resolves the user's IANA timezone.
func (u *User) Location() (*time.Location, error) {
	if u.Timezone == "" {
		return nil, trace.BadParameter("user %v: missing Timezone", u.ID)
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return nil, trace.BadParameter("user %v: invalid timezone %q", u.ID, u.Timezone)
	}
	return loc, nil
}

// BornBefore reports whether the user's date of birth precedes the civil
// date of now evaluated in the user's zone. Callers use it to reject future
// dates of birth; it assumes Timezone already validated.
func (u *User) BornBefore(now time.Time) bool {
	loc, err := u.Location()
	if err != nil {
		loc = time.UTC
	}
	return u.DateOfBirth.Before(DateOf(now.In(loc)))
}

// FullName returns the user's display name.
func (u *User) FullName() string {
	return u.FirstName + " " + u.LastName
}
