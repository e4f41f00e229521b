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

// Package coordinator reacts to user lifecycle notifications. It keeps
// the local user snapshot current, seeds the initial occurrence chain
// when a user appears, moves PENDING occurrences when a birthday or
// timezone changes, and clears everything when a user is deleted.
//
// Rescheduling never touches rows that left PENDING: a PROCESSING row
// is owned by an executor mid-flight, and terminal rows are history.
// When an optimistic update loses a race the row is skipped rather
// than retried; the next generation cycle self-corrects.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/lib/generator"
	"github.com/gravitational/chime/lib/observability/metrics"
	"github.com/gravitational/chime/lib/policy"
	"github.com/gravitational/chime/lib/store"
	"github.com/gravitational/chime/types"
)

var (
	notificationsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "coordinator_notifications_total",
		Help:      "Number of user notifications handled, by kind",
	}, []string{"kind"})
	rescheduledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "coordinator_rescheduled_total",
		Help:      "Number of PENDING occurrences moved to a new target",
	})
	skippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: chime.MetricNamespace,
		Name:      "coordinator_skipped_total",
		Help:      "Number of occurrences a reschedule could not move",
	})
)

// Config holds coordinator dependencies.
type Config struct {
	// Store persists occurrences and user snapshots.
	Store store.Store
	// Registry resolves the policy for each occurrence's event type.
	Registry *policy.Registry
	// Generator seeds initial occurrences for new users.
	Generator *generator.Generator
	// Clock overrides the wall clock in tests.
	Clock clockwork.Clock
	// Logger emits coordinator log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Store == nil:
		return trace.BadParameter("coordinator config: missing Store")
	case c.Registry == nil:
		return trace.BadParameter("coordinator config: missing Registry")
	case c.Generator == nil:
		return trace.BadParameter("coordinator config: missing Generator")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentCoordinator)
	}
	return nil
}

// Result summarizes one reschedule pass over a user's occurrences.
type Result struct {
	// Rescheduled is the number of PENDING occurrences moved.
	Rescheduled int
	// Skipped is the number of occurrences the pass could not move.
	Skipped int
	// SkippedIDs lists the occurrences counted in Skipped.
	SkippedIDs []string
}

// Coordinator applies user lifecycle notifications to the occurrence store.
type Coordinator struct {
	cfg Config
}

// New creates a coordinator from config.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterPrometheusCollectors(notificationsCounter, rescheduledCounter, skippedCounter); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// HandleNotification routes one notification to its handler. It is the
// bus subscription entry point. Notifications arrive at-least-once, so
// every path below tolerates replays.
func (c *Coordinator) HandleNotification(ctx context.Context, n types.Notification) error {
	notificationsCounter.WithLabelValues(n.Kind()).Inc()
	switch n := n.(type) {
	case types.UserCreated:
		return trace.Wrap(c.handleUserCreated(ctx, n))
	case types.UserBirthdayChanged:
		_, err := c.handleBirthdayChanged(ctx, n)
		return trace.Wrap(err)
	case types.UserTimezoneChanged:
		_, err := c.handleTimezoneChanged(ctx, n)
		return trace.Wrap(err)
	case types.UserDeleted:
		return trace.Wrap(c.handleUserDeleted(ctx, n))
	default:
		c.cfg.Logger.DebugContext(ctx, "Ignoring notification of unhandled kind.",
			"kind", n.Kind(),
			"user_id", n.SubjectID(),
		)
		return nil
	}
}

// handleUserCreated stores the user snapshot and seeds one occurrence
// per registered event type.
func (c *Coordinator) handleUserCreated(ctx context.Context, n types.UserCreated) error {
	user := n.User()
	if err := user.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.cfg.Store.UpsertUser(ctx, user); err != nil {
		return trace.Wrap(err)
	}

	for _, eventType := range c.cfg.Registry.Types() {
		occ, err := c.cfg.Generator.Generate(user, eventType)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := c.cfg.Store.Create(ctx, occ); err != nil {
			if trace.IsAlreadyExists(err) {
				// Replayed notification; the chain is already seeded.
				c.cfg.Logger.DebugContext(ctx, "Initial occurrence already exists.",
					"user_id", user.ID,
					"event_type", eventType,
				)
				continue
			}
			return trace.Wrap(err)
		}
		c.cfg.Logger.InfoContext(ctx, "Seeded initial occurrence.",
			"occurrence_id", occ.ID,
			"user_id", user.ID,
			"event_type", eventType,
			"target_utc", occ.TargetUTC,
		)
	}
	return nil
}

func (c *Coordinator) handleBirthdayChanged(ctx context.Context, n types.UserBirthdayChanged) (Result, error) {
	user, err := c.refreshSnapshot(ctx, n.UserID, n.OccurredAt, func(u *types.User) {
		u.DateOfBirth = n.NewDateOfBirth
		if n.Timezone != "" {
			u.Timezone = n.Timezone
		}
	})
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	res, err := c.Reschedule(ctx, user)
	if err != nil {
		return res, trace.Wrap(err)
	}
	c.cfg.Logger.InfoContext(ctx, "Rescheduled after date of birth change.",
		"user_id", n.UserID,
		"old", n.OldDateOfBirth,
		"new", n.NewDateOfBirth,
		"rescheduled", res.Rescheduled,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (c *Coordinator) handleTimezoneChanged(ctx context.Context, n types.UserTimezoneChanged) (Result, error) {
	user, err := c.refreshSnapshot(ctx, n.UserID, n.OccurredAt, func(u *types.User) {
		u.Timezone = n.NewTimezone
		if !n.DateOfBirth.IsZero() {
			u.DateOfBirth = n.DateOfBirth
		}
	})
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	res, err := c.Reschedule(ctx, user)
	if err != nil {
		return res, trace.Wrap(err)
	}
	c.cfg.Logger.InfoContext(ctx, "Rescheduled after timezone change.",
		"user_id", n.UserID,
		"old", n.OldTimezone,
		"new", n.NewTimezone,
		"rescheduled", res.Rescheduled,
		"skipped", res.Skipped,
	)
	return res, nil
}

// handleUserDeleted removes the user's occurrences and snapshot. Both
// deletions tolerate replays.
func (c *Coordinator) handleUserDeleted(ctx context.Context, n types.UserDeleted) error {
	deleted, err := c.cfg.Store.DeleteByUser(ctx, n.UserID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := c.cfg.Store.DeleteUser(ctx, n.UserID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	c.cfg.Logger.InfoContext(ctx, "Deleted user schedule.",
		"user_id", n.UserID,
		"occurrences_deleted", deleted,
	)
	return nil
}

// refreshSnapshot loads the stored user, applies the mutation, and
// persists the updated snapshot. When no snapshot exists (the create
// notification was lost) a minimal user is synthesized from the
// notification so the reschedule can still compute targets; it is not
// persisted because it lacks the name fields.
func (c *Coordinator) refreshSnapshot(ctx context.Context, userID string, occurredAt time.Time, mutate func(*types.User)) (types.User, error) {
	user, err := c.cfg.Store.GetUser(ctx, userID)
	if err != nil {
		if !trace.IsNotFound(err) {
			return types.User{}, trace.Wrap(err)
		}
		c.cfg.Logger.WarnContext(ctx, "No user snapshot for reschedule, synthesizing from notification.",
			"user_id", userID,
		)
		synthesized := types.User{ID: userID}
		mutate(&synthesized)
		return synthesized, nil
	}
	mutate(&user)
	user.UpdatedAt = occurredAt.UTC()
	if err := c.cfg.Store.UpsertUser(ctx, user); err != nil {
		return types.User{}, trace.Wrap(err)
	}
	return user, nil
}

// Reschedule recomputes the target of every PENDING occurrence the
// user has, using the user data passed in. Rows in any other state are
// skipped and reported. Version conflicts and target collisions skip
// the row as well; nothing is retried here.
func (c *Coordinator) Reschedule(ctx context.Context, user types.User) (Result, error) {
	var res Result

	occs, err := c.cfg.Store.GetByUser(ctx, user.ID)
	if err != nil {
		return res, trace.Wrap(err)
	}

	for _, occ := range occs {
		if occ.Status != types.StatusPending {
			res.skip(occ.ID)
			c.cfg.Logger.WarnContext(ctx, "Skipping reschedule of occurrence that left PENDING.",
				"occurrence_id", occ.ID,
				"user_id", user.ID,
				"status", occ.Status,
			)
			continue
		}

		p, err := c.cfg.Registry.Get(occ.EventType)
		if err != nil {
			res.skip(occ.ID)
			c.cfg.Logger.WarnContext(ctx, "Skipping reschedule of occurrence with no policy.",
				"occurrence_id", occ.ID,
				"event_type", occ.EventType,
			)
			continue
		}

		now := c.cfg.Clock.Now()
		local, err := p.NextLocalOccurrence(user, now)
		if err != nil {
			res.skip(occ.ID)
			c.cfg.Logger.WarnContext(ctx, "Failed to recompute occurrence target.",
				"occurrence_id", occ.ID,
				"user_id", user.ID,
				"error", err,
			)
			continue
		}

		// The payload is carried over: target mutations do not change
		// what gets delivered, only when.
		if err := occ.Reschedule(local, user.Timezone, nil, now); err != nil {
			res.skip(occ.ID)
			c.cfg.Logger.WarnContext(ctx, "Cannot reschedule occurrence.", "occurrence_id", occ.ID, "error", err)
			continue
		}
		if err := c.cfg.Store.Update(ctx, occ); err != nil {
			switch {
			case trace.IsCompareFailed(err):
				// Lost the race with a claim; the executor owns the row now.
				res.skip(occ.ID)
				c.cfg.Logger.WarnContext(ctx, "Reschedule lost a version race, skipping.",
					"occurrence_id", occ.ID,
				)
			case trace.IsAlreadyExists(err):
				// Another row already owns the recomputed target.
				res.skip(occ.ID)
				c.cfg.Logger.WarnContext(ctx, "Recomputed target is already scheduled, skipping.",
					"occurrence_id", occ.ID,
					"target_utc", occ.TargetUTC,
				)
			default:
				return res, trace.Wrap(err)
			}
			continue
		}

		res.Rescheduled++
		rescheduledCounter.Inc()
		c.cfg.Logger.InfoContext(ctx, "Rescheduled occurrence.",
			"occurrence_id", occ.ID,
			"user_id", user.ID,
			"target_utc", occ.TargetUTC,
			"target_zone", occ.TargetZone,
		)
	}
	return res, nil
}

func (r *Result) skip(id string) {
	r.Skipped++
	r.SkippedIDs = append(r.SkippedIDs, id)
	skippedCounter.Inc()
}
