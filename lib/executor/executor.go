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

// Package executor consumes execution tasks, delivers them through the
// configured sink and drives each occurrence to its final state.
//
// The executor trusts the store, not the task: every task triggers a
// fresh read of the occurrence row and only rows in PROCESSING (or,
// for late recovered tasks, rows it can claim itself) are delivered.
// Outcomes map onto the state machine as follows: an accepted delivery
// completes the occurrence and schedules the next one, a permanent
// rejection fails it, and a transient failure returns it to PENDING
// until the retry budget is exhausted.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/lib/generator"
	"github.com/gravitational/chime/lib/observability/metrics"
	"github.com/gravitational/chime/lib/policy"
	"github.com/gravitational/chime/lib/queue"
	"github.com/gravitational/chime/lib/sink"
	"github.com/gravitational/chime/lib/store"
	"github.com/gravitational/chime/types"
)

// Execution outcomes recorded in metrics and logs.
const (
	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeDropped   = "dropped"
)

var (
	outcomesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "executor_outcomes_total",
		Help:      "Task execution outcomes by result",
	}, []string{"outcome"})
	deliverySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: chime.MetricNamespace,
		Name:      "executor_delivery_seconds",
		Help:      "Latency of sink delivery calls",
		Buckets:   prometheus.DefBuckets,
	})
)

// Config holds executor parameters.
type Config struct {
	// Store is the occurrence store executions run against.
	Store store.Store
	// Queue is the execution queue tasks are consumed from.
	Queue queue.Consumer
	// Sink delivers the messages.
	Sink sink.Sink
	// Generator creates the follow-up occurrence after a completion.
	Generator *generator.Generator
	// Registry resolves delivery channel hints per event type.
	Registry *policy.Registry
	// MaxRetries bounds delivery attempts per occurrence.
	MaxRetries int
	// DeliveryTimeout bounds a single sink call.
	DeliveryTimeout time.Duration
	// Concurrency is the number of consuming workers.
	Concurrency int
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger emits executor log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Store == nil:
		return trace.BadParameter("executor config: missing Store")
	case c.Queue == nil:
		return trace.BadParameter("executor config: missing Queue")
	case c.Sink == nil:
		return trace.BadParameter("executor config: missing Sink")
	case c.Generator == nil:
		return trace.BadParameter("executor config: missing Generator")
	case c.Registry == nil:
		return trace.BadParameter("executor config: missing Registry")
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.ExecutorMaxRetries
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaults.ExecutorDeliveryTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.ExecutorConcurrency
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentExecutor)
	}
	return nil
}

// Executor drives claimed occurrences through delivery.
type Executor struct {
	cfg Config
}

// New creates an executor from config.
func New(cfg Config) (*Executor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterPrometheusCollectors(outcomesCounter, deliverySeconds); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Executor{cfg: cfg}, nil
}

// Run starts the configured number of workers consuming the execution
// queue and blocks until all of them stop.
func (e *Executor) Run(ctx context.Context) error {
	e.cfg.Logger.InfoContext(ctx, "Executor starting.",
		"concurrency", e.cfg.Concurrency,
		"max_retries", e.cfg.MaxRetries,
		"delivery_timeout", e.cfg.DeliveryTimeout,
	)
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Concurrency; i++ {
		group.Go(func() error {
			return trace.Wrap(e.cfg.Queue.Consume(ctx, e.Execute))
		})
	}
	err := group.Wait()
	e.cfg.Logger.InfoContext(ctx, "Executor stopped.")
	return trace.Wrap(err)
}

// Execute handles one task from the queue. A nil return acknowledges
// the task; an error triggers queue-level redelivery and is reserved
// for infrastructure failures where no outcome was recorded.
func (e *Executor) Execute(ctx context.Context, task types.ExecutionTask) error {
	log := e.cfg.Logger.With(
		"occurrence_id", task.OccurrenceID,
		"user_id", task.Metadata.UserID,
		"event_type", task.EventType,
	)

	occ, err := e.cfg.Store.Get(ctx, task.OccurrenceID)
	if err != nil {
		if trace.IsNotFound(err) {
			// The user and their occurrences were deleted after the claim.
			outcomesCounter.WithLabelValues(outcomeDropped).Inc()
			log.DebugContext(ctx, "Dropping task, occurrence no longer exists.")
			return nil
		}
		return trace.Wrap(err)
	}

	switch occ.Status {
	case types.StatusProcessing:
	case types.StatusPending:
		// Recovery enqueues late occurrences without claiming them.
		// Claim here, atomically; losing the race means another worker
		// owns the row now.
		if !task.Metadata.LateExecution || occ.TargetUTC.After(e.cfg.Clock.Now()) {
			outcomesCounter.WithLabelValues(outcomeDropped).Inc()
			log.DebugContext(ctx, "Dropping stale task for pending occurrence.")
			return nil
		}
		if err := occ.MarkProcessing(e.cfg.Clock.Now()); err != nil {
			return trace.Wrap(err)
		}
		if err := e.cfg.Store.Update(ctx, occ); err != nil {
			if trace.IsCompareFailed(err) {
				outcomesCounter.WithLabelValues(outcomeDropped).Inc()
				log.DebugContext(ctx, "Lost claim race for recovered occurrence.")
				return nil
			}
			return trace.Wrap(err)
		}
	default:
		// Terminal: a duplicate or stale task.
		outcomesCounter.WithLabelValues(outcomeDropped).Inc()
		log.DebugContext(ctx, "Dropping task for settled occurrence.", "status", occ.Status)
		return nil
	}

	deliveryErr := e.deliver(ctx, occ)

	switch {
	case deliveryErr == nil:
		final, err := e.commit(ctx, occ, func(o *types.Occurrence) error {
			return trace.Wrap(o.MarkCompleted(e.cfg.Clock.Now()))
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if final.Status != types.StatusCompleted {
			log.WarnContext(ctx, "Occurrence was settled concurrently after delivery.", "status", final.Status)
			return nil
		}
		outcomesCounter.WithLabelValues(outcomeCompleted).Inc()
		log.InfoContext(ctx, "Delivered occurrence.",
			"target_utc", final.TargetUTC,
			"late", task.Metadata.LateExecution,
		)
		e.scheduleNext(ctx, final, log)
		return nil

	case ctx.Err() != nil:
		// Shutdown or cancellation mid-delivery. Leave the row in
		// PROCESSING: redelivery or the lease sweep picks it up.
		return trace.Wrap(ctx.Err())

	case sink.IsPermanent(deliveryErr):
		final, err := e.commit(ctx, occ, func(o *types.Occurrence) error {
			return trace.Wrap(o.MarkFailed(deliveryErr.Error(), e.cfg.Clock.Now()))
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if final.Status == types.StatusFailed {
			outcomesCounter.WithLabelValues(outcomeFailed).Inc()
			log.WarnContext(ctx, "Delivery rejected permanently.", "error", deliveryErr)
		}
		return nil

	default:
		if occ.RetryCount+1 < e.cfg.MaxRetries {
			final, err := e.commit(ctx, occ, func(o *types.Occurrence) error {
				return trace.Wrap(o.MarkRetry(e.cfg.Clock.Now()))
			})
			if err != nil {
				return trace.Wrap(err)
			}
			if final.Status == types.StatusPending {
				outcomesCounter.WithLabelValues(outcomeRetried).Inc()
				log.WarnContext(ctx, "Transient delivery failure, occurrence returned for retry.",
					"retry_count", final.RetryCount,
					"error", deliveryErr,
				)
			}
			return nil
		}
		final, err := e.commit(ctx, occ, func(o *types.Occurrence) error {
			return trace.Wrap(o.MarkFailed("retries exhausted: "+deliveryErr.Error(), e.cfg.Clock.Now()))
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if final.Status == types.StatusFailed {
			outcomesCounter.WithLabelValues(outcomeFailed).Inc()
			log.ErrorContext(ctx, "Delivery retries exhausted.",
				"retry_count", final.RetryCount,
				"error", deliveryErr,
			)
		}
		return nil
	}
}

// deliver invokes the sink once with the per-call timeout applied.
func (e *Executor) deliver(ctx context.Context, occ *types.Occurrence) error {
	channel := policy.ChannelWebhook
	if p, err := e.cfg.Registry.Get(occ.EventType); err == nil {
		channel = p.Channel()
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	start := e.cfg.Clock.Now()
	err := e.cfg.Sink.Deliver(ctx, sink.Delivery{
		IdempotencyKey: occ.IdempotencyKey,
		Channel:        channel,
		Payload:        occ.Payload,
	})
	deliverySeconds.Observe(e.cfg.Clock.Now().Sub(start).Seconds())
	return trace.Wrap(err)
}

// commit persists the outcome produced by mutate, retrying around
// optimistic lock conflicts. The sink is never invoked again here;
// only the state transition is replayed against the fresh row. The
// returned occurrence is the persisted winner, which may carry another
// worker's outcome when the row settled concurrently.
func (e *Executor) commit(ctx context.Context, occ *types.Occurrence, mutate func(*types.Occurrence) error) (*types.Occurrence, error) {
	const maxAttempts = 3
	current := occ.Clone()
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := mutate(current); err != nil {
			return nil, trace.Wrap(err)
		}
		err := e.cfg.Store.Update(ctx, current)
		if err == nil {
			return current, nil
		}
		if !trace.IsCompareFailed(err) {
			return nil, trace.Wrap(err)
		}
		reloaded, err := e.cfg.Store.Get(ctx, occ.ID)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if reloaded.Status != types.StatusProcessing {
			// Somebody else settled or released the row.
			return reloaded, nil
		}
		current = reloaded
	}
	return nil, trace.CompareFailed("occurrence %v: persistent version conflicts while recording the outcome", occ.ID)
}

// scheduleNext creates the follow-up occurrence after a completion.
// Failures are logged rather than returned: the completed occurrence
// must not be redelivered, and the repair scan backfills chains that
// end up with no pending occurrence.
func (e *Executor) scheduleNext(ctx context.Context, occ *types.Occurrence, log *slog.Logger) {
	user, err := e.cfg.Store.GetUser(ctx, occ.UserID)
	if err != nil {
		if trace.IsNotFound(err) {
			log.DebugContext(ctx, "Not scheduling a follow-up, user is gone.")
		} else {
			log.WarnContext(ctx, "Failed to load user for the follow-up occurrence.", "error", err)
		}
		return
	}
	next, err := e.cfg.Generator.Generate(user, occ.EventType)
	if err != nil {
		log.WarnContext(ctx, "Failed to generate the follow-up occurrence.", "error", err)
		return
	}
	if err := e.cfg.Store.Create(ctx, next); err != nil {
		if trace.IsAlreadyExists(err) {
			log.DebugContext(ctx, "Follow-up occurrence already scheduled.", "target_utc", next.TargetUTC)
			return
		}
		log.WarnContext(ctx, "Failed to store the follow-up occurrence, repair scan will regenerate it.", "error", err)
		return
	}
	log.InfoContext(ctx, "Scheduled follow-up occurrence.",
		"next_occurrence_id", next.ID,
		"target_utc", next.TargetUTC,
	)
}
