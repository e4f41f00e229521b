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

// Package recovery implements the safety nets that keep schedules
// complete across downtime and crashes. Three mechanisms run on a
// shared loop:
//
//   - the missed scan finds PENDING occurrences whose due instant
//     passed and re-enqueues them for late execution,
//   - the lease sweep releases PROCESSING occurrences whose executor
//     disappeared mid-flight,
//   - the repair scan regenerates occurrences for users that lost
//     their pending chain to missed notifications.
//
// None of these paths deliver anything themselves; they feed rows back
// into the ordinary claim and execute machinery, which preserves the
// at-most-one effective delivery discipline.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/lib/generator"
	"github.com/gravitational/chime/lib/observability/metrics"
	"github.com/gravitational/chime/lib/policy"
	"github.com/gravitational/chime/lib/queue"
	"github.com/gravitational/chime/lib/store"
	"github.com/gravitational/chime/types"
)

var (
	missedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "recovery_missed_total",
		Help:      "Number of overdue PENDING occurrences detected",
	})
	enqueuedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "recovery_enqueued_total",
		Help:      "Number of missed occurrences enqueued for late execution",
	})
	reclaimedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "recovery_reclaimed_total",
		Help:      "Number of expired PROCESSING occurrences released by the lease sweep",
	})
	repairedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "recovery_repaired_total",
		Help:      "Number of occurrences regenerated by the repair scan",
	})
)

// Config holds recovery parameters.
type Config struct {
	// Store is the occurrence store scans run against.
	Store store.Store
	// Queue receives late execution tasks for missed occurrences.
	Queue queue.Publisher
	// Registry names the event types the repair scan covers.
	Registry *policy.Registry
	// Generator regenerates occurrences during repair.
	Generator *generator.Generator
	// Interval is the cadence of the missed scan and the lease sweep.
	// A scan also runs once at startup.
	Interval time.Duration
	// RepairInterval is the cadence of the repair scan.
	RepairInterval time.Duration
	// BatchLimit caps rows handled by a single scan.
	BatchLimit int
	// LeaseDuration is how long a PROCESSING occurrence may sit
	// untouched before the sweep reclaims it.
	LeaseDuration time.Duration
	// MaxRetries bounds delivery attempts; the sweep fails rows whose
	// budget is spent instead of releasing them.
	MaxRetries int
	// DetectOnly disables enqueueing: missed occurrences are logged
	// and counted but execution is left to the scheduler.
	DetectOnly bool
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger emits recovery log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Store == nil:
		return trace.BadParameter("recovery config: missing Store")
	case c.Queue == nil:
		return trace.BadParameter("recovery config: missing Queue")
	case c.Registry == nil:
		return trace.BadParameter("recovery config: missing Registry")
	case c.Generator == nil:
		return trace.BadParameter("recovery config: missing Generator")
	}
	if c.Interval <= 0 {
		c.Interval = defaults.RecoveryInterval
	}
	if c.RepairInterval <= 0 {
		c.RepairInterval = defaults.RepairInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = defaults.RecoveryBatchLimit
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaults.ExecutorLeaseDuration
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.ExecutorMaxRetries
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentRecovery)
	}
	return nil
}

// Summary reports what one scan found and did.
type Summary struct {
	// Missed is the number of overdue PENDING occurrences detected.
	Missed int
	// Enqueued is how many of them were handed to the queue.
	Enqueued int
	// Reclaimed is how many expired PROCESSING rows were released.
	Reclaimed int
	// EarliestMissed and LatestMissed bound the detected backlog.
	EarliestMissed time.Time
	LatestMissed   time.Time
}

// Recovery runs the periodic scans.
type Recovery struct {
	cfg Config

	// enqueued records the last version of each occurrence handed to
	// the queue so one scanner never enqueues the same row twice while
	// it sits unclaimed. Entries are overwritten per ID; the map grows
	// with the number of distinct recovered occurrences in this
	// process lifetime.
	mu       sync.Mutex
	enqueued map[string]int64
}

// New creates a recovery loop from config.
func New(cfg Config) (*Recovery, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterPrometheusCollectors(missedCounter, enqueuedCounter, reclaimedCounter, repairedCounter); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Recovery{
		cfg:      cfg,
		enqueued: make(map[string]int64),
	}, nil
}

// Run scans once immediately, then keeps scanning on the configured
// cadences until ctx is canceled.
func (r *Recovery) Run(ctx context.Context) error {
	r.cfg.Logger.InfoContext(ctx, "Recovery starting.",
		"interval", r.cfg.Interval,
		"repair_interval", r.cfg.RepairInterval,
		"lease_duration", r.cfg.LeaseDuration,
	)

	// Startup pass covers downtime that ended just now.
	if _, err := r.Scan(ctx); err != nil {
		r.cfg.Logger.ErrorContext(ctx, "Startup recovery scan failed.", "error", err)
	}
	if _, err := r.Repair(ctx); err != nil {
		r.cfg.Logger.ErrorContext(ctx, "Startup repair scan failed.", "error", err)
	}

	scanTicker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer scanTicker.Stop()
	repairTicker := r.cfg.Clock.NewTicker(r.cfg.RepairInterval)
	defer repairTicker.Stop()

	for {
		select {
		case <-scanTicker.Chan():
			if _, err := r.Scan(ctx); err != nil {
				r.cfg.Logger.ErrorContext(ctx, "Recovery scan failed.", "error", err)
			}
		case <-repairTicker.Chan():
			if _, err := r.Repair(ctx); err != nil {
				r.cfg.Logger.ErrorContext(ctx, "Repair scan failed.", "error", err)
			}
		case <-ctx.Done():
			r.cfg.Logger.InfoContext(ctx, "Recovery stopping.")
			return nil
		}
	}
}

// Scan runs the missed scan and the lease sweep once.
func (r *Recovery) Scan(ctx context.Context) (Summary, error) {
	var sum Summary

	missed, err := r.cfg.Store.FindMissed(ctx, r.cfg.BatchLimit)
	if err != nil {
		return sum, trace.Wrap(err)
	}
	sum.Missed = len(missed)
	if len(missed) > 0 {
		sum.EarliestMissed = missed[0].TargetUTC
		sum.LatestMissed = missed[len(missed)-1].TargetUTC
		missedCounter.Add(float64(len(missed)))
		r.cfg.Logger.WarnContext(ctx, "Detected missed occurrences.",
			"count", sum.Missed,
			"earliest", sum.EarliestMissed,
			"latest", sum.LatestMissed,
		)
	}

	if !r.cfg.DetectOnly {
		for _, occ := range missed {
			if !r.shouldEnqueue(occ) {
				continue
			}
			if err := r.cfg.Queue.Publish(ctx, types.NewExecutionTask(occ, true)); err != nil {
				r.forget(occ)
				r.cfg.Logger.WarnContext(ctx, "Failed to enqueue missed occurrence.",
					"occurrence_id", occ.ID,
					"error", err,
				)
				continue
			}
			sum.Enqueued++
			enqueuedCounter.Inc()
			r.cfg.Logger.InfoContext(ctx, "Enqueued missed occurrence for late execution.",
				"occurrence_id", occ.ID,
				"user_id", occ.UserID,
				"target_utc", occ.TargetUTC,
			)
		}
	}

	reclaimed, err := r.sweepLeases(ctx)
	sum.Reclaimed = reclaimed
	return sum, trace.Wrap(err)
}

// sweepLeases releases PROCESSING rows whose executor went away. Rows
// with retry budget left return to PENDING; the rest fail terminally.
func (r *Recovery) sweepLeases(ctx context.Context) (int, error) {
	expired, err := r.cfg.Store.FindExpiredProcessing(ctx, r.cfg.LeaseDuration, r.cfg.BatchLimit)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	reclaimed := 0
	for _, occ := range expired {
		now := r.cfg.Clock.Now()
		if occ.RetryCount+1 < r.cfg.MaxRetries {
			err = occ.MarkRetry(now)
		} else {
			err = occ.MarkFailed("processing lease expired, retries exhausted", now)
		}
		if err != nil {
			r.cfg.Logger.WarnContext(ctx, "Cannot reclaim occurrence.", "occurrence_id", occ.ID, "error", err)
			continue
		}
		if err := r.cfg.Store.Update(ctx, occ); err != nil {
			if trace.IsCompareFailed(err) {
				// The owner finished after all, or another sweep won.
				continue
			}
			r.cfg.Logger.WarnContext(ctx, "Failed to persist lease reclaim.", "occurrence_id", occ.ID, "error", err)
			continue
		}
		reclaimed++
		reclaimedCounter.Inc()
		r.cfg.Logger.InfoContext(ctx, "Reclaimed occurrence with an expired lease.",
			"occurrence_id", occ.ID,
			"user_id", occ.UserID,
			"status", occ.Status,
			"retry_count", occ.RetryCount,
		)
	}
	return reclaimed, nil
}

// Repair regenerates occurrences for users that have no pending row
// for a registered event type, covering lost lifecycle notifications.
// It returns how many occurrences were created.
func (r *Recovery) Repair(ctx context.Context) (int, error) {
	repaired := 0
	for _, eventType := range r.cfg.Registry.Types() {
		users, err := r.cfg.Store.FindUsersWithoutPending(ctx, eventType, r.cfg.BatchLimit)
		if err != nil {
			return repaired, trace.Wrap(err)
		}
		for _, user := range users {
			occ, err := r.cfg.Generator.Generate(user, eventType)
			if err != nil {
				r.cfg.Logger.WarnContext(ctx, "Failed to regenerate occurrence.",
					"user_id", user.ID,
					"event_type", eventType,
					"error", err,
				)
				continue
			}
			if err := r.cfg.Store.Create(ctx, occ); err != nil {
				if trace.IsAlreadyExists(err) {
					// Raced with an executor follow-up.
					continue
				}
				r.cfg.Logger.WarnContext(ctx, "Failed to store regenerated occurrence.",
					"user_id", user.ID,
					"error", err,
				)
				continue
			}
			repaired++
			repairedCounter.Inc()
			r.cfg.Logger.InfoContext(ctx, "Regenerated missing occurrence.",
				"occurrence_id", occ.ID,
				"user_id", user.ID,
				"event_type", eventType,
				"target_utc", occ.TargetUTC,
			)
		}
	}
	return repaired, nil
}

// shouldEnqueue reports whether this scanner already handed the row at
// this version to the queue, and records it if not.
func (r *Recovery) shouldEnqueue(occ *types.Occurrence) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seen, ok := r.enqueued[occ.ID]; ok && seen >= occ.Version {
		return false
	}
	r.enqueued[occ.ID] = occ.Version
	return true
}

// forget drops the dedupe record so a failed enqueue can be retried on
// the next scan.
func (r *Recovery) forget(occ *types.Occurrence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.enqueued, occ.ID)
}
