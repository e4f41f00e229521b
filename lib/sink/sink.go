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

// Package sink defines the delivery boundary of the pipeline. A sink
// pushes a fully formatted message to the outside world and reports
// the outcome through its error value:
//
//   - nil means the message was accepted,
//   - an error matched by IsPermanent means retrying is pointless,
//   - any other error is transient and the executor may retry.
//
// Sinks receive the occurrence idempotency key with every delivery so
// that receivers can deduplicate retried or duplicated attempts.
package sink

import (
	"context"
	"errors"
)

// Delivery is a single outbound message.
type Delivery struct {
	// IdempotencyKey identifies the delivery attempt lineage. All
	// retries of the same occurrence carry the same key.
	IdempotencyKey string
	// Channel is the advisory routing hint supplied by the event
	// policy, for example "webhook".
	Channel string
	// Payload is the opaque message body produced by the policy.
	Payload map[string]any
}

// Sink delivers messages to an external receiver.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

type permanentError struct {
	error
}

func (e *permanentError) Unwrap() error { return e.error }

// Permanent marks a delivery error as non-retryable. Passing nil
// returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{error: err}
}

// IsPermanent reports whether err or any error in its chain was marked
// with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
