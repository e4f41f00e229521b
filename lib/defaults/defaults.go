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

// Package defaults collects the default values shared across chime
// components. Components copy these into their Config structs in
// CheckAndSetDefaults; nothing outside configuration reaches in here at
// runtime.
package defaults

import "time"

const (
	// SchedulerTickInterval is the period of the claimer loop.
	SchedulerTickInterval = time.Minute

	// SchedulerBatchSize caps how many due occurrences one tick claims.
	SchedulerBatchSize = 100

	// SchedulerTickSafetyMargin is subtracted from the tick interval to form
	// the soft deadline of a single tick. A tick that overruns the deadline
	// causes the next tick to be skipped rather than queued.
	SchedulerTickSafetyMargin = 5 * time.Second

	// SchedulerRevertTimeout bounds the store update that returns a claimed
	// occurrence to PENDING after an enqueue failure. The revert runs on a
	// detached context because the tick budget may already be spent.
	SchedulerRevertTimeout = 5 * time.Second

	// ExecutorMaxRetries bounds transient-failure retries before an
	// occurrence fails terminally.
	ExecutorMaxRetries = 3

	// ExecutorDeliveryTimeout bounds a single delivery call to the sink.
	ExecutorDeliveryTimeout = 10 * time.Second

	// ExecutorConcurrency is the number of delivery workers consuming the
	// execution queue in one process.
	ExecutorConcurrency = 4

	// ExecutorLeaseDuration is how long a PROCESSING occurrence stays owned
	// by its executor before recovery may reclaim it. Two tick intervals.
	ExecutorLeaseDuration = 2 * SchedulerTickInterval

	// RecoveryInterval is the cadence of the missed-occurrence scan. The
	// scan also runs once at startup.
	RecoveryInterval = SchedulerTickInterval

	// RecoveryBatchLimit caps rows handled by one recovery invocation.
	RecoveryBatchLimit = 1000

	// RepairInterval is the cadence of the repair scan that regenerates
	// occurrences for users whose notifications were lost.
	RepairInterval = time.Hour
)

const (
	// BirthdayDeliveryHour, BirthdayDeliveryMinute and BirthdayDeliverySecond
	// form the local wall-clock time birthday deliveries aim for, 09:00:00
	// in the user's zone.
	BirthdayDeliveryHour   = 9
	BirthdayDeliveryMinute = 0
	BirthdayDeliverySecond = 0
)

const (
	// StorageConnectTimeout bounds the whole PostgreSQL connect-and-migrate
	// attempt at startup, retries included.
	StorageConnectTimeout = time.Minute

	// StorageConnectRetryStep is the linear backoff step between PostgreSQL
	// connection attempts.
	StorageConnectRetryStep = time.Second

	// StorageConnectRetryMax caps the backoff between PostgreSQL connection
	// attempts.
	StorageConnectRetryMax = 10 * time.Second
)

const (
	// QueueBufferSize is the capacity of the in-process execution queue.
	QueueBufferSize = 1024

	// QueueRedeliveryDelay is the pause before the in-process queue offers a
	// failed task again.
	QueueRedeliveryDelay = 3 * time.Second

	// SQSWaitTime is the long-polling interval of the SQS consumer.
	SQSWaitTime = 10 * time.Second

	// SQSVisibilityTimeout hides an in-flight SQS message from other
	// consumers while an executor works on it.
	SQSVisibilityTimeout = 30 * time.Second

	// RedisStream is the Redis stream execution tasks are appended to.
	RedisStream = "chime:executions"

	// RedisGroup is the consumer group executors read the stream through.
	RedisGroup = "chime-executors"

	// RedisClaimMinIdle is how long a pending stream entry must sit idle
	// before another consumer may steal it.
	RedisClaimMinIdle = time.Minute
)

const (
	// HTTPDialTimeout is the TCP dial timeout of outbound HTTP clients.
	HTTPDialTimeout = 5 * time.Second

	// HTTPIdleTimeout closes idle outbound connections.
	HTTPIdleTimeout = 90 * time.Second

	// HTTPMaxIdleConnsPerHost caps pooled connections per webhook host.
	HTTPMaxIdleConnsPerHost = 16

	// DiagnosticsAddr is the default listen address of the diagnostics
	// endpoint serving /healthz, /readyz and /metrics.
	DiagnosticsAddr = "127.0.0.1:3030"

	// DiagnosticsIOTimeout bounds reads and writes of a single request
	// on the diagnostics HTTP server.
	DiagnosticsIOTimeout = 30 * time.Second

	// ShutdownTimeout bounds the graceful drain during process shutdown.
	ShutdownTimeout = 30 * time.Second
)
