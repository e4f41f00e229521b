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

// Package memqueue provides an in-process execution queue backed by a
// buffered channel. It is the default queue for single node
// deployments and the queue used throughout the test suite.
package memqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/lib/queue"
	"github.com/gravitational/chime/types"
)

// Config holds memory queue parameters.
type Config struct {
	// Capacity bounds the number of buffered tasks. Publish blocks
	// once the buffer is full.
	Capacity int
	// RedeliveryDelay is how long a task rejected by a handler waits
	// before it is offered to consumers again.
	RedeliveryDelay time.Duration
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger emits queue level log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Capacity < 0 {
		return trace.BadParameter("memory queue capacity must not be negative")
	}
	if c.Capacity == 0 {
		c.Capacity = defaults.QueueBufferSize
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = defaults.QueueRedeliveryDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentQueue)
	}
	return nil
}

// Queue is an in-memory implementation of queue.Queue.
type Queue struct {
	cfg    Config
	tasks  chan types.ExecutionTask
	closed chan struct{}
	once   sync.Once
}

// New creates a memory queue from config.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Queue{
		cfg:    cfg,
		tasks:  make(chan types.ExecutionTask, cfg.Capacity),
		closed: make(chan struct{}),
	}, nil
}

// Publish enqueues a task, blocking while the buffer is full.
func (q *Queue) Publish(ctx context.Context, task types.ExecutionTask) error {
	select {
	case <-q.closed:
		return trace.ConnectionProblem(nil, "memory queue is closed")
	default:
	}
	select {
	case q.tasks <- task:
		return nil
	case <-q.closed:
		return trace.ConnectionProblem(nil, "memory queue is closed")
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Consume processes tasks until ctx is canceled or the queue is
// closed. Tasks rejected by the handler are redelivered after the
// configured delay.
func (q *Queue) Consume(ctx context.Context, handler queue.Handler) error {
	for {
		select {
		case task := <-q.tasks:
			if err := handler(ctx, task); err != nil {
				q.cfg.Logger.WarnContext(ctx, "Task handler failed, scheduling redelivery.",
					"occurrence_id", task.OccurrenceID,
					"redelivery_delay", q.cfg.RedeliveryDelay,
					"error", err,
				)
				go q.redeliver(task)
			}
		case <-q.closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// redeliver re-offers a rejected task after the redelivery delay.
func (q *Queue) redeliver(task types.ExecutionTask) {
	select {
	case <-q.cfg.Clock.After(q.cfg.RedeliveryDelay):
	case <-q.closed:
		return
	}
	select {
	case q.tasks <- task:
	case <-q.closed:
	}
}

// Close shuts the queue down. Pending buffered tasks are dropped.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
