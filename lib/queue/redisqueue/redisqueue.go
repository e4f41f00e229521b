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

// Package redisqueue implements the execution queue on Redis streams.
//
// Tasks are appended with XADD and consumed through a consumer group,
// so multiple executors compete for entries without sharing them. An
// entry is acknowledged and deleted once its handler accepts it; a
// rejected entry stays in the consumer's pending list until XAUTOCLAIM
// hands it to a live consumer after the configured idle time. That
// claim pass is also what recovers entries owned by crashed consumers.
package redisqueue

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/lib/queue"
	"github.com/gravitational/chime/lib/utils"
	"github.com/gravitational/chime/types"
)

// taskField is the stream entry field holding the encoded task.
const taskField = "task"

// readBatch caps entries fetched per XREADGROUP or XAUTOCLAIM call.
const readBatch = 10

// Config holds Redis queue parameters.
type Config struct {
	// Client is the Redis client, owned by the caller.
	Client redis.UniversalClient
	// Stream is the stream key tasks are appended to.
	Stream string
	// Group is the consumer group executors read through.
	Group string
	// Consumer names this consumer within the group. Randomized when
	// empty; stable names let a restarted process resume its pending
	// entries instead of waiting out the claim idle time.
	Consumer string
	// BlockTime is how long a read blocks waiting for entries.
	BlockTime time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged in
	// another consumer's pending list before it may be claimed.
	ClaimMinIdle time.Duration
	// Logger emits queue level log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("redis queue config: missing Client")
	}
	if c.Stream == "" {
		c.Stream = defaults.RedisStream
	}
	if c.Group == "" {
		c.Group = defaults.RedisGroup
	}
	if c.Consumer == "" {
		c.Consumer = "executor-" + uuid.NewString()
	}
	if c.BlockTime <= 0 {
		c.BlockTime = 5 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = defaults.RedisClaimMinIdle
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentQueue)
	}
	return nil
}

// Queue is a Redis streams implementation of queue.Queue.
type Queue struct {
	cfg Config

	cancel context.CancelFunc
	done   context.Context
}

// New creates the consumer group if needed and returns the queue.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	// MKSTREAM lets the group land before the first publish. Racing
	// instances see BUSYGROUP, which means the group is already there.
	err := cfg.Client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, trace.ConnectionProblem(err, "creating consumer group %v on stream %v", cfg.Group, cfg.Stream)
	}

	done, cancel := context.WithCancel(context.Background())
	return &Queue{cfg: cfg, cancel: cancel, done: done}, nil
}

// Publish appends one task to the stream.
func (q *Queue) Publish(ctx context.Context, task types.ExecutionTask) error {
	if err := q.done.Err(); err != nil {
		return trace.ConnectionProblem(nil, "redis queue is closed")
	}
	body, err := task.ToMessage()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := q.cfg.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{taskField: string(body)},
	}).Err(); err != nil {
		return trace.ConnectionProblem(err, "publishing task to redis stream")
	}
	return nil
}

// Consume reads the stream until ctx is canceled or the queue is
// closed. Each pass first claims entries abandoned by other consumers,
// then blocks for fresh ones.
func (q *Queue) Consume(ctx context.Context, handler queue.Handler) error {
	if handler == nil {
		return trace.BadParameter("redis queue: missing handler")
	}
	retry, err := utils.NewConstant(q.cfg.BlockTime)
	if err != nil {
		return trace.Wrap(err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done.Done():
			return nil
		default:
		}

		if err := q.claimAbandoned(ctx, handler); err != nil {
			if ctx.Err() != nil || q.done.Err() != nil {
				return nil
			}
			q.cfg.Logger.WarnContext(ctx, "Failed to claim abandoned entries.", "error", err)
		}

		streams, err := q.cfg.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    readBatch,
			Block:    q.cfg.BlockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				// Block timed out with nothing new.
				continue
			}
			if ctx.Err() != nil || q.done.Err() != nil {
				return nil
			}
			q.cfg.Logger.WarnContext(ctx, "Failed to read from redis stream, backing off.",
				"delay", retry.Duration(),
				"error", err,
			)
			select {
			case <-retry.After():
				retry.Inc()
			case <-ctx.Done():
				return nil
			case <-q.done.Done():
				return nil
			}
			continue
		}
		retry.Reset()

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.process(ctx, handler, msg)
			}
		}
	}
}

// claimAbandoned transfers entries idle past ClaimMinIdle to this
// consumer and runs them through the handler.
func (q *Queue) claimAbandoned(ctx context.Context, handler queue.Handler) error {
	start := "0-0"
	for {
		msgs, next, err := q.cfg.Client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			MinIdle:  q.cfg.ClaimMinIdle,
			Start:    start,
			Count:    readBatch,
		}).Result()
		if err != nil {
			return trace.ConnectionProblem(err, "claiming abandoned stream entries")
		}
		for _, msg := range msgs {
			q.process(ctx, handler, msg)
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// process decodes and handles one entry. Accepted entries are
// acknowledged and deleted; rejected ones stay pending for a later
// claim. Entries without a decodable task are acknowledged away.
func (q *Queue) process(ctx context.Context, handler queue.Handler, msg redis.XMessage) {
	raw, ok := msg.Values[taskField].(string)
	if !ok {
		q.cfg.Logger.ErrorContext(ctx, "Dropping stream entry without a task field.", "entry_id", msg.ID)
		q.settle(ctx, msg.ID)
		return
	}
	task, err := types.TaskFromMessage([]byte(raw))
	if err != nil {
		q.cfg.Logger.ErrorContext(ctx, "Dropping undecodable stream entry.",
			"entry_id", msg.ID,
			"error", err,
		)
		q.settle(ctx, msg.ID)
		return
	}

	if err := handler(ctx, task); err != nil {
		// No ack: the entry stays in this consumer's pending list and
		// gets claimed again after ClaimMinIdle.
		q.cfg.Logger.WarnContext(ctx, "Task handler failed, leaving entry pending for redelivery.",
			"occurrence_id", task.OccurrenceID,
			"entry_id", msg.ID,
			"error", err,
		)
		return
	}
	q.settle(ctx, msg.ID)
}

// settle acknowledges an entry and trims it from the stream.
func (q *Queue) settle(ctx context.Context, id string) {
	if err := q.cfg.Client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		q.cfg.Logger.WarnContext(ctx, "Failed to acknowledge stream entry.", "entry_id", id, "error", err)
		return
	}
	if err := q.cfg.Client.XDel(ctx, q.cfg.Stream, id).Err(); err != nil {
		q.cfg.Logger.WarnContext(ctx, "Failed to trim acknowledged entry.", "entry_id", id, "error", err)
	}
}

// Close stops consumers. The injected client is owned by the caller
// and stays open.
func (q *Queue) Close() error {
	q.cancel()
	return nil
}
