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
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// EventTypeBirthday is the initial event type. Further types (anniversary,
// reminder) register their own policies without touching core paths.
const EventTypeBirthday = "BIRTHDAY"

// Status is the lifecycle state of an occurrence.
type Status string

const (
	// StatusPending marks an occurrence waiting to become due.
	StatusPending Status = "PENDING"
	// StatusProcessing marks an occurrence claimed by a scheduler and owned
	// by an executor until it transitions out or its lease expires.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted marks a successfully delivered occurrence. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed marks an occurrence that failed permanently or exhausted
	// its retry budget. Terminal.
	StatusFailed Status = "FAILED"
)

// validTransitions is the full transition relation of the occurrence state
// machine. Anything absent here is rejected.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusPending, StatusFailed},
}

// Check validates that the status is one of the known states.
func (s Status) Check() error {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return nil
	}
	return trace.BadParameter("unknown occurrence status %q", string(s))
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransitionTo reports whether the state machine allows s -> next.
func (s Status) canTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Occurrence is a single scheduled instance of an event for a user at a
// concrete UTC instant. Occurrences are owned exclusively by the scheduling
// context; the user is referenced by ID only.
type Occurrence struct {
	// ID is the opaque unique identifier of the occurrence.
	ID string `json:"id"`
	// UserID references the user the occurrence belongs to.
	UserID string `json:"userId"`
	// EventType routes the occurrence to its policy, e.g. "BIRTHDAY".
	EventType string `json:"eventType"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// TargetUTC is the instant delivery is due. Indexed by stores.
	TargetUTC time.Time `json:"targetTimestampUTC"`
	// TargetLocal is the same instant expressed in the user's zone at
	// creation time, kept verbatim for audit and reschedule.
	TargetLocal time.Time `json:"targetTimestampLocal"`
	// TargetZone is the IANA zone snapshot taken at creation.
	TargetZone string `json:"targetTimezone"`
	// IdempotencyKey deduplicates deliveries; it is a deterministic function
	// of (UserID, TargetUTC) and stable across retries and recoveries.
	IdempotencyKey string `json:"idempotencyKey"`
	// Payload is the opaque delivery body produced by the policy.
	Payload map[string]any `json:"deliveryPayload,omitempty"`
	// Version guards every mutation; it increases by exactly one per
	// state-changing update.
	Version int64 `json:"version"`
	// RetryCount counts transient failures so far.
	RetryCount int `json:"retryCount"`
	// ExecutedAt is set when the occurrence enters COMPLETED, and only then.
	ExecutedAt *time.Time `json:"executedAt,omitempty"`
	// FailureReason explains a terminal FAILED state.
	FailureReason string `json:"failureReason,omitempty"`
	// CreatedAt is the UTC creation time.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the UTC time of the last mutation. Stores use it to
	// detect PROCESSING rows whose lease expired.
	UpdatedAt time.Time `json:"updatedAt"`
}

// CheckAndSetDefaults validates the occurrence and fills generated fields.
func (o *Occurrence) CheckAndSetDefaults() error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.UserID == "" {
		return trace.BadParameter("occurrence %v: missing UserID", o.ID)
	}
	if o.EventType == "" {
		return trace.BadParameter("occurrence %v: missing EventType", o.ID)
	}
	if o.Status == "" {
		o.Status = StatusPending
	}
	if err := o.Status.Check(); err != nil {
		return trace.Wrap(err)
	}
	if o.TargetUTC.IsZero() {
		return trace.BadParameter("occurrence %v: missing TargetUTC", o.ID)
	}
	if o.TargetZone == "" {
		return trace.BadParameter("occurrence %v: missing TargetZone", o.ID)
	}
	if o.IdempotencyKey == "" {
		o.IdempotencyKey = NewIdempotencyKey(o.UserID, o.TargetUTC)
	}
	if o.Version == 0 {
		o.Version = 1
	}
	if o.Version < 0 {
		return trace.BadParameter("occurrence %v: negative version %d", o.ID, o.Version)
	}
	if o.RetryCount < 0 {
		return trace.BadParameter("occurrence %v: negative retry count %d", o.ID, o.RetryCount)
	}
	if (o.ExecutedAt != nil) != (o.Status == StatusCompleted) {
		return trace.BadParameter("occurrence %v: ExecutedAt must be set exactly when status is COMPLETED", o.ID)
	}
	return nil
}

// transition applies a state-machine edge, bumping the version and touching
// UpdatedAt. Illegal edges leave the occurrence untouched.
func (o *Occurrence) transition(next Status, now time.Time) error {
	if !o.Status.canTransitionTo(next) {
		return trace.BadParameter("occurrence %v: illegal transition %v -> %v", o.ID, o.Status, next)
	}
	o.Status = next
	o.Version++
	o.UpdatedAt = now.UTC()
	return nil
}

// MarkProcessing claims the occurrence: PENDING -> PROCESSING.
func (o *Occurrence) MarkProcessing(now time.Time) error {
	return trace.Wrap(o.transition(StatusProcessing, now))
}

// MarkCompleted records a successful delivery: PROCESSING -> COMPLETED with
// ExecutedAt stamped to now.
func (o *Occurrence) MarkCompleted(now time.Time) error {
	if err := o.transition(StatusCompleted, now); err != nil {
		return trace.Wrap(err)
	}
	executed := now.UTC()
	o.ExecutedAt = &executed
	return nil
}

// MarkRetry returns the occurrence to the queue after a transient failure:
// PROCESSING -> PENDING with RetryCount incremented. The caller decides,
// against its configured retry budget, whether to retry or fail.
func (o *Occurrence) MarkRetry(now time.Time) error {
	if err := o.transition(StatusPending, now); err != nil {
		return trace.Wrap(err)
	}
	o.RetryCount++
	return nil
}

// Revert returns a claimed occurrence to PENDING without touching retry
// accounting: the claim was never handed to an executor, so no delivery
// attempt was spent. Used when enqueueing a claimed occurrence fails.
func (o *Occurrence) Revert(now time.Time) error {
	return trace.Wrap(o.transition(StatusPending, now))
}

// MarkFailed records a terminal failure: PROCESSING -> FAILED with the
// reason preserved.
func (o *Occurrence) MarkFailed(reason string, now time.Time) error {
	if err := o.transition(StatusFailed, now); err != nil {
		return trace.Wrap(err)
	}
	o.FailureReason = reason
	return nil
}

// Reschedule repoints a PENDING occurrence at a target recomputed from fresh
// user data. The idempotency key follows the new target; status and retry
// accounting are untouched. Occurrences in any other state must not move,
// PROCESSING may be mid-flight and terminal states are historical.
func (o *Occurrence) Reschedule(local time.Time, zone string, payload map[string]any, now time.Time) error {
	if o.Status != StatusPending {
		return trace.BadParameter("occurrence %v: cannot reschedule while %v", o.ID, o.Status)
	}
	o.TargetLocal = local
	o.TargetUTC = local.UTC()
	o.TargetZone = zone
	o.IdempotencyKey = NewIdempotencyKey(o.UserID, o.TargetUTC)
	if payload != nil {
		o.Payload = payload
	}
	o.Version++
	o.UpdatedAt = now.UTC()
	return nil
}

// Clone returns a deep copy of the occurrence.
func (o *Occurrence) Clone() *Occurrence {
	out := *o
	if o.ExecutedAt != nil {
		executed := *o.ExecutedAt
		out.ExecutedAt = &executed
	}
	if o.Payload != nil {
		out.Payload = maps.Clone(o.Payload)
	}
	return &out
}
