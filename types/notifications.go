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

import "time"

// Notification kinds published by the user context and consumed by the
// scheduling context. Delivery is at-least-once; handlers tolerate repeats.
const (
	KindUserCreated         = "UserCreated"
	KindUserBirthdayChanged = "UserBirthdayChanged"
	KindUserTimezoneChanged = "UserTimezoneChanged"
	KindUserDeleted         = "UserDeleted"
)

// Notification is a cross-context domain event.
type Notification interface {
	// Kind returns the notification kind used for routing.
	Kind() string
	// SubjectID returns the ID of the user the notification concerns.
	SubjectID() string
}

// UserCreated announces a new user. It carries the full snapshot needed to
// generate the initial occurrence for every registered event type.
type UserCreated struct {
	UserID      string    `json:"userId"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	DateOfBirth Date      `json:"dateOfBirth"`
	Timezone    string    `json:"timezone"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Kind implements Notification.
func (n UserCreated) Kind() string { return KindUserCreated }

// SubjectID implements Notification.
func (n UserCreated) SubjectID() string { return n.UserID }

// User assembles the user snapshot carried by the notification.
func (n UserCreated) User() User {
	return User{
		ID:          n.UserID,
		FirstName:   n.FirstName,
		LastName:    n.LastName,
		DateOfBirth: n.DateOfBirth,
		Timezone:    n.Timezone,
		CreatedAt:   n.OccurredAt.UTC(),
		UpdatedAt:   n.OccurredAt.UTC(),
	}
}

// UserBirthdayChanged announces a date-of-birth mutation and triggers a
// reschedule of PENDING occurrences.
type UserBirthdayChanged struct {
	UserID         string    `json:"userId"`
	OldDateOfBirth Date      `json:"oldDateOfBirth"`
	NewDateOfBirth Date      `json:"newDateOfBirth"`
	Timezone       string    `json:"timezone"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Kind implements Notification.
func (n UserBirthdayChanged) Kind() string { return KindUserBirthdayChanged }

// SubjectID implements Notification.
func (n UserBirthdayChanged) SubjectID() string { return n.UserID }

// UserTimezoneChanged announces a timezone mutation and triggers a
// reschedule of PENDING occurrences.
type UserTimezoneChanged struct {
	UserID      string    `json:"userId"`
	OldTimezone string    `json:"oldTimezone"`
	NewTimezone string    `json:"newTimezone"`
	DateOfBirth Date      `json:"dateOfBirth"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Kind implements Notification.
func (n UserTimezoneChanged) Kind() string { return KindUserTimezoneChanged }

// SubjectID implements Notification.
func (n UserTimezoneChanged) SubjectID() string { return n.UserID }

// UserDeleted announces a user deletion; the scheduling context deletes the
// occurrences it owns for that user.
type UserDeleted struct {
	UserID     string    `json:"userId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Kind implements Notification.
func (n UserDeleted) Kind() string { return KindUserDeleted }

// SubjectID implements Notification.
func (n UserDeleted) SubjectID() string { return n.UserID }
