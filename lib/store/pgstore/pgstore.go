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

// Package pgstore implements the occurrence store on PostgreSQL.
//
// The claim path runs in a single transaction with FOR UPDATE SKIP
// LOCKED, so concurrent claimers partition the due set without
// blocking each other. All other writes go through single-statement
// version-guarded updates; Postgres failures are mapped onto the trace
// taxonomy documented on the store package.
package pgstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/types"
)

// migrationLockID keys the advisory lock serializing schema migrations
// across instances. The value is the ASCII bytes of "chime".
const migrationLockID = int64(0x6368696d65)

// occurrenceColumns is the scan order shared by every occurrence query.
const occurrenceColumns = `id, user_id, event_type, status, target_utc, target_local, target_zone, idempotency_key, payload, version, retry_count, executed_at, failure_reason, created_at, updated_at`

// userColumns is the scan order shared by every user query.
const userColumns = `id, first_name, last_name, date_of_birth, timezone, created_at, updated_at`

// Config holds the Postgres store parameters.
type Config struct {
	// ConnString is a pgx connection string, URL or DSN form.
	ConnString string
	// PoolMaxConns optionally caps the connection pool size.
	PoolMaxConns int
	// Clock overrides the wall clock in tests. Due-ness comparisons use
	// this clock, never the database clock, so fake-clock tests and the
	// rest of the process agree on "now".
	Clock clockwork.Clock
	// Logger emits store log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("postgres store config: missing ConnString")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentStore)
	}
	return nil
}

// Store is a PostgreSQL-backed occurrence store.
type Store struct {
	cfg  Config
	pool *pgxpool.Pool
}

// New connects to Postgres, applies pending schema migrations, and
// returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.BadParameter("parsing postgres connection string: %v", err)
	}
	if cfg.PoolMaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.PoolMaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := &Store{cfg: cfg, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}

	cfg.Logger.InfoContext(ctx, "Connected to Postgres occurrence store.",
		"schema_version", schemaVersion,
	)
	return s, nil
}

// migrate brings the schema up to schemaVersion. It runs in one
// transaction under an advisory lock, so concurrent instances racing
// at startup apply each migration exactly once.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return convertError(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return convertError(err)
	}
	if _, err := tx.Exec(ctx,
		"CREATE TABLE IF NOT EXISTS migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)",
	); err != nil {
		return convertError(err)
	}

	var current int
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return convertError(err)
	}
	if current > schemaVersion {
		return trace.BadParameter("database schema version %v is newer than this binary supports (%v)", current, schemaVersion)
	}

	for version := current + 1; version <= schemaVersion; version++ {
		if _, err := tx.Exec(ctx, getMigration(version)); err != nil {
			return trace.Wrap(convertError(err), "applying schema migration %v", version)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO migrations (version, applied_at) VALUES ($1, $2)",
			version, s.cfg.Clock.Now().UTC(),
		); err != nil {
			return convertError(err)
		}
		s.cfg.Logger.InfoContext(ctx, "Applied schema migration.", "version", version)
	}
	return convertError(tx.Commit(ctx))
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Create inserts a new occurrence.
func (s *Store) Create(ctx context.Context, occ *types.Occurrence) error {
	if err := occ.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO occurrences (`+occurrenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		occ.ID, occ.UserID, occ.EventType, string(occ.Status),
		occ.TargetUTC.UTC(), occ.TargetLocal, occ.TargetZone,
		occ.IdempotencyKey, occ.Payload, occ.Version, occ.RetryCount,
		occ.ExecutedAt, occ.FailureReason, occ.CreatedAt.UTC(), occ.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return trace.AlreadyExists("occurrence for user %v at %v already exists",
				occ.UserID, occ.TargetUTC.UTC().Format(time.RFC3339))
		}
		return convertError(err)
	}
	return nil
}

// Get returns the occurrence with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Occurrence, error) {
	if id == "" {
		return nil, trace.BadParameter("missing occurrence ID")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE id = $1`, id)
	occ, err := scanOccurrence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, trace.NotFound("occurrence %v not found", id)
		}
		return nil, convertError(err)
	}
	return occ, nil
}

// GetByUser returns every occurrence owned by the user, ordered by
// TargetUTC ascending.
func (s *Store) GetByUser(ctx context.Context, userID string) ([]*types.Occurrence, error) {
	if userID == "" {
		return nil, trace.BadParameter("missing user ID")
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE user_id = $1
		ORDER BY target_utc ASC, id ASC`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	return collectOccurrences(rows)
}

// ClaimReady atomically claims up to limit due PENDING occurrences.
// The select and the transition to PROCESSING commit in the same
// transaction; SKIP LOCKED keeps concurrent claimers disjoint.
func (s *Store) ClaimReady(ctx context.Context, limit int) ([]*types.Occurrence, error) {
	if limit <= 0 {
		return nil, trace.BadParameter("claim limit must be positive, got %v", limit)
	}
	now := s.cfg.Clock.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, convertError(err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE status = 'PENDING' AND target_utc <= $1
		ORDER BY target_utc ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, convertError(err)
	}
	claimed, err := collectOccurrences(rows)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(claimed) == 0 {
		return nil, convertError(tx.Commit(ctx))
	}

	ids := make([]string, 0, len(claimed))
	for _, occ := range claimed {
		// Mirror the SQL transition on the returned copies.
		if err := occ.MarkProcessing(now); err != nil {
			return nil, trace.Wrap(err)
		}
		ids = append(ids, occ.ID)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE occurrences
		SET status = 'PROCESSING', version = version + 1, updated_at = $2
		WHERE id = ANY($1)`, ids, now); err != nil {
		return nil, convertError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, convertError(err)
	}
	return claimed, nil
}

// Update persists occ if the stored version equals occ.Version-1.
func (s *Store) Update(ctx context.Context, occ *types.Occurrence) error {
	if occ.ID == "" {
		return trace.BadParameter("missing occurrence ID")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE occurrences
		SET user_id = $2, event_type = $3, status = $4, target_utc = $5,
		    target_local = $6, target_zone = $7, idempotency_key = $8,
		    payload = $9, version = $10, retry_count = $11, executed_at = $12,
		    failure_reason = $13, updated_at = $14
		WHERE id = $1 AND version = $15`,
		occ.ID, occ.UserID, occ.EventType, string(occ.Status),
		occ.TargetUTC.UTC(), occ.TargetLocal, occ.TargetZone,
		occ.IdempotencyKey, occ.Payload, occ.Version, occ.RetryCount,
		occ.ExecutedAt, occ.FailureReason, occ.UpdatedAt.UTC(),
		occ.Version-1,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return trace.AlreadyExists("occurrence for user %v at %v already exists",
				occ.UserID, occ.TargetUTC.UTC().Format(time.RFC3339))
		}
		return convertError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM occurrences WHERE id = $1)", occ.ID,
		).Scan(&exists); err != nil {
			return convertError(err)
		}
		if !exists {
			return trace.NotFound("occurrence %v not found", occ.ID)
		}
		return trace.CompareFailed("occurrence %v was concurrently modified, expected version %v", occ.ID, occ.Version-1)
	}
	return nil
}

// FindMissed returns up to limit PENDING occurrences strictly past due,
// ordered by TargetUTC ascending.
func (s *Store) FindMissed(ctx context.Context, limit int) ([]*types.Occurrence, error) {
	if limit <= 0 {
		return nil, trace.BadParameter("find limit must be positive, got %v", limit)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE status = 'PENDING' AND target_utc < $1
		ORDER BY target_utc ASC, id ASC
		LIMIT $2`, s.cfg.Clock.Now().UTC(), limit)
	if err != nil {
		return nil, convertError(err)
	}
	return collectOccurrences(rows)
}

// FindExpiredProcessing returns up to limit PROCESSING occurrences
// whose last update is at least lease ago, oldest first.
func (s *Store) FindExpiredProcessing(ctx context.Context, lease time.Duration, limit int) ([]*types.Occurrence, error) {
	if lease <= 0 {
		return nil, trace.BadParameter("lease duration must be positive, got %v", lease)
	}
	if limit <= 0 {
		return nil, trace.BadParameter("find limit must be positive, got %v", limit)
	}
	cutoff := s.cfg.Clock.Now().Add(-lease).UTC()
	rows, err := s.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE status = 'PROCESSING' AND updated_at <= $1
		ORDER BY updated_at ASC, id ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, convertError(err)
	}
	return collectOccurrences(rows)
}

// DeleteByUser removes all occurrences owned by the user.
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, trace.BadParameter("missing user ID")
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM occurrences WHERE user_id = $1", userID)
	if err != nil {
		return 0, convertError(err)
	}
	return int(tag.RowsAffected()), nil
}

// UpsertUser stores the user snapshot, keeping the original creation
// time on conflict.
func (s *Store) UpsertUser(ctx context.Context, user types.User) error {
	if err := user.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			date_of_birth = EXCLUDED.date_of_birth,
			timezone = EXCLUDED.timezone,
			updated_at = EXCLUDED.updated_at`,
		user.ID, user.FirstName, user.LastName, dateValue(user.DateOfBirth),
		user.Timezone, user.CreatedAt.UTC(), user.UpdatedAt.UTC(),
	)
	return convertError(err)
}

// GetUser returns the stored user snapshot.
func (s *Store) GetUser(ctx context.Context, id string) (types.User, error) {
	if id == "" {
		return types.User{}, trace.BadParameter("missing user ID")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.User{}, trace.NotFound("user %v not found", id)
		}
		return types.User{}, convertError(err)
	}
	return user, nil
}

// DeleteUser removes the user snapshot. Absent snapshots are fine.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("missing user ID")
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM users WHERE id = $1", id)
	return convertError(err)
}

// FindUsersWithoutPending returns users missing a PENDING occurrence
// of the given event type, ordered by user ID.
func (s *Store) FindUsersWithoutPending(ctx context.Context, eventType string, limit int) ([]types.User, error) {
	if eventType == "" {
		return nil, trace.BadParameter("missing event type")
	}
	if limit <= 0 {
		return nil, trace.BadParameter("find limit must be positive, got %v", limit)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users u
		WHERE NOT EXISTS (
			SELECT 1 FROM occurrences o
			WHERE o.user_id = u.id AND o.event_type = $1 AND o.status = 'PENDING'
		)
		ORDER BY u.id ASC
		LIMIT $2`, eventType, limit)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, convertError(err)
		}
		users = append(users, user)
	}
	return users, convertError(rows.Err())
}

// scanOccurrence reads one occurrence from a row. The local timestamp
// comes back as a bare instant; it is re-expressed in the recorded
// zone when the zone still loads, and left as-is otherwise.
func scanOccurrence(row pgx.Row) (*types.Occurrence, error) {
	var occ types.Occurrence
	var status string
	if err := row.Scan(
		&occ.ID, &occ.UserID, &occ.EventType, &status,
		&occ.TargetUTC, &occ.TargetLocal, &occ.TargetZone,
		&occ.IdempotencyKey, &occ.Payload, &occ.Version, &occ.RetryCount,
		&occ.ExecutedAt, &occ.FailureReason, &occ.CreatedAt, &occ.UpdatedAt,
	); err != nil {
		return nil, err
	}
	occ.Status = types.Status(status)
	occ.TargetUTC = occ.TargetUTC.UTC()
	if loc, err := time.LoadLocation(occ.TargetZone); err == nil {
		occ.TargetLocal = occ.TargetLocal.In(loc)
	}
	return &occ, nil
}

func collectOccurrences(rows pgx.Rows) ([]*types.Occurrence, error) {
	defer rows.Close()
	var occs []*types.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, convertError(err)
		}
		occs = append(occs, occ)
	}
	return occs, convertError(rows.Err())
}

func scanUser(row pgx.Row) (types.User, error) {
	var user types.User
	var dob time.Time
	if err := row.Scan(
		&user.ID, &user.FirstName, &user.LastName, &dob,
		&user.Timezone, &user.CreatedAt, &user.UpdatedAt,
	); err != nil {
		return types.User{}, err
	}
	user.DateOfBirth = types.NewDate(dob.Year(), dob.Month(), dob.Day())
	return user, nil
}

// dateValue converts a civil date to the midnight instant pgx encodes
// as a DATE parameter.
func dateValue(d types.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// convertError maps Postgres failures onto the trace taxonomy.
// Serialization conflicts, deadlocks, and connection-class failures
// come back as trace.ConnectionProblem so callers treat them as
// transient; everything else passes through wrapped.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return trace.AlreadyExists("already exists: %v", pgErr.Message)
		case pgErr.Code == pgerrcode.SerializationFailure,
			pgErr.Code == pgerrcode.DeadlockDetected:
			return trace.ConnectionProblem(err, "serialization conflict")
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgErr.Code == pgerrcode.AdminShutdown,
			pgErr.Code == pgerrcode.CrashShutdown,
			pgErr.Code == pgerrcode.CannotConnectNow:
			return trace.ConnectionProblem(err, "connection problem")
		}
		return trace.Wrap(err)
	}
	if pgconn.Timeout(err) {
		return trace.ConnectionProblem(err, "timeout")
	}
	return trace.Wrap(err)
}
