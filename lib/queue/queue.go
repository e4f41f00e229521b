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

// Package queue defines the execution queue port that decouples the
// scheduler from the executor pool.
//
// The queue carries types.ExecutionTask envelopes and provides
// at-least-once delivery: a task whose handler returns an error is
// redelivered, possibly to a different consumer, until the handler
// accepts it. Consumers therefore have to tolerate duplicates; the
// occurrence state machine and the idempotency key carried inside the
// task make duplicate handling safe.
//
// Three implementations back the port: memqueue (in-process, for tests
// and single node deployments), sqsqueue (AWS SQS) and redisqueue
// (Redis streams with consumer groups).
package queue

import (
	"context"

	"github.com/gravitational/chime/types"
)

// Handler processes a single execution task. A nil return acknowledges
// the task; an error schedules it for redelivery.
type Handler func(ctx context.Context, task types.ExecutionTask) error

// Publisher is the producing half of the queue.
type Publisher interface {
	// Publish enqueues a task for execution. It returns a
	// trace.ConnectionProblem when the broker is unreachable so
	// callers can distinguish infrastructure failures from bad input.
	Publish(ctx context.Context, task types.ExecutionTask) error
}

// Consumer is the consuming half of the queue.
type Consumer interface {
	// Consume blocks processing tasks with the given handler until
	// ctx is canceled or the queue is closed. Multiple Consume calls
	// on the same queue compete for tasks; each task is handed to a
	// single consumer at a time.
	Consume(ctx context.Context, handler Handler) error
}

// Queue is the full execution queue contract used by the service.
type Queue interface {
	Publisher
	Consumer

	// Close releases broker resources. Publish and Consume calls
	// after Close fail.
	Close() error
}
