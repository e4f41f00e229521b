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

// Package scheduler implements the periodic claim loop. On every tick
// it atomically claims due PENDING occurrences, transitions them to
// PROCESSING and hands them to the execution queue. Claims that cannot
// be enqueued are reverted to PENDING so another tick can pick them up.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/lib/observability/metrics"
	"github.com/gravitational/chime/lib/queue"
	"github.com/gravitational/chime/lib/store"
	"github.com/gravitational/chime/lib/utils"
	"github.com/gravitational/chime/types"
)

var (
	claimedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "scheduler_claimed_total",
		Help:      "Number of occurrences claimed by the scheduler",
	})
	lateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "scheduler_late_claims_total",
		Help:      "Number of claims made more than one tick after the due instant",
	})
	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "scheduler_publish_failures_total",
		Help:      "Number of claimed occurrences that could not be enqueued",
	})
	tickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: chime.MetricNamespace,
		Name:      "scheduler_tick_seconds",
		Help:      "Latency of scheduler ticks",
		Buckets:   prometheus.DefBuckets,
	})
)

// Config holds scheduler parameters.
type Config struct {
	// Store is the occurrence store claims run against.
	Store store.Store
	// Queue receives execution tasks for claimed occurrences.
	Queue queue.Publisher
	// TickInterval is the cadence of claim ticks.
	TickInterval time.Duration
	// BatchSize caps how many occurrences one tick claims.
	BatchSize int
	// SafetyMargin is subtracted from the tick interval to form the
	// soft deadline of a single tick's work.
	SafetyMargin time.Duration
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger emits scheduler log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Store == nil:
		return trace.BadParameter("scheduler config: missing Store")
	case c.Queue == nil:
		return trace.BadParameter("scheduler config: missing Queue")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaults.SchedulerTickInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.SchedulerBatchSize
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = defaults.SchedulerTickSafetyMargin
	}
	if c.SafetyMargin >= c.TickInterval {
		return trace.BadParameter("scheduler config: safety margin %v must be shorter than the tick interval %v", c.SafetyMargin, c.TickInterval)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentScheduler)
	}
	return nil
}

// Scheduler periodically claims due occurrences and enqueues them.
type Scheduler struct {
	cfg    Config
	jitter utils.Jitter
}

// New creates a scheduler from config.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterPrometheusCollectors(claimedCounter, lateCounter, publishFailures, tickSeconds); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scheduler{
		cfg:    cfg,
		jitter: utils.NewSeventhJitter(),
	}, nil
}

// Run ticks the claim loop until ctx is canceled. A tick that overruns
// its interval delays the next tick rather than running concurrently
// with it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cfg.Logger.InfoContext(ctx, "Scheduler starting.",
		"tick_interval", s.cfg.TickInterval,
		"batch_size", s.cfg.BatchSize,
	)
	// Stagger the first tick so replicas sharing a store do not
	// synchronize their claim bursts.
	startTimer := s.cfg.Clock.NewTimer(s.jitter(s.cfg.TickInterval))
	defer startTimer.Stop()
	select {
	case <-startTimer.Chan():
		if _, err := s.Tick(ctx); err != nil {
			s.cfg.Logger.ErrorContext(ctx, "Scheduler tick failed.", "error", err)
		}
	case <-ctx.Done():
		s.cfg.Logger.InfoContext(ctx, "Scheduler stopping.")
		return nil
	}
	ticker := s.cfg.Clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if _, err := s.Tick(ctx); err != nil {
				s.cfg.Logger.ErrorContext(ctx, "Scheduler tick failed.", "error", err)
			}
		case <-ctx.Done():
			s.cfg.Logger.InfoContext(ctx, "Scheduler stopping.")
			return nil
		}
	}
}

// Tick claims one batch of due occurrences and enqueues them. It
// returns the number of tasks published. The work is bounded by a soft
// deadline one safety margin short of the tick interval.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	start := s.cfg.Clock.Now()
	defer func() {
		tickSeconds.Observe(s.cfg.Clock.Now().Sub(start).Seconds())
	}()

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.TickInterval-s.cfg.SafetyMargin)
	defer cancel()

	claimed, err := s.cfg.Store.ClaimReady(tickCtx, s.cfg.BatchSize)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	claimedCounter.Add(float64(len(claimed)))

	published := 0
	for i, occ := range claimed {
		if tickCtx.Err() != nil {
			// Out of tick budget: return the rest of the batch so the
			// next tick can claim it again.
			s.revert(ctx, claimed[i:])
			break
		}
		late := start.Sub(occ.TargetUTC) > s.cfg.TickInterval
		if late {
			lateCounter.Inc()
		}
		if err := s.cfg.Queue.Publish(tickCtx, types.NewExecutionTask(occ, late)); err != nil {
			publishFailures.Inc()
			s.cfg.Logger.WarnContext(ctx, "Failed to enqueue claimed occurrence, reverting claim.",
				"occurrence_id", occ.ID,
				"user_id", occ.UserID,
				"error", err,
			)
			s.revert(ctx, claimed[i:i+1])
			continue
		}
		published++
		s.cfg.Logger.DebugContext(ctx, "Enqueued occurrence for execution.",
			"occurrence_id", occ.ID,
			"user_id", occ.UserID,
			"target_utc", occ.TargetUTC,
			"late", late,
		)
	}
	return published, nil
}

// revert returns claimed occurrences to PENDING. Failures are logged
// and left to the lease sweep: a PROCESSING row that never reaches an
// executor is reclaimed once its lease expires.
func (s *Scheduler) revert(ctx context.Context, claimed []*types.Occurrence) {
	// The tick budget may already be spent, revert on a detached
	// context so cleanup is not lost with it.
	revertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaults.SchedulerRevertTimeout)
	defer cancel()
	for _, occ := range claimed {
		if err := occ.Revert(s.cfg.Clock.Now()); err != nil {
			s.cfg.Logger.ErrorContext(ctx, "Failed to revert claim.", "occurrence_id", occ.ID, "error", err)
			continue
		}
		if err := s.cfg.Store.Update(revertCtx, occ); err != nil {
			s.cfg.Logger.WarnContext(ctx, "Failed to persist claim revert, leaving row to the lease sweep.",
				"occurrence_id", occ.ID,
				"error", err,
			)
		}
	}
}
