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

package pgstore

import "fmt"

// schemaVersion defines the current schema version.
// Increment this value when adding a new migration.
const schemaVersion = 1

// getMigration returns migration SQL for a schema version.
func getMigration(version int) string {
	switch version {
	case 1:
		return migrateV1
		// case 2:
		//   return migrateV2
	}
	panic(fmt.Sprintf("migration version not implemented: %v", version))
}

// migrateV1 is the baseline schema.
//
// The (user_id, target_utc) unique constraint is the storage-level
// backstop for the idempotency key: two occurrences of the same user
// can never share a due instant. The partial indexes serve the two hot
// scans, claiming due PENDING rows and sweeping stale PROCESSING rows,
// without indexing the terminal history.
const migrateV1 = `
	CREATE TABLE occurrences (
		id UUID NOT NULL,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		target_utc TIMESTAMPTZ NOT NULL,
		target_local TIMESTAMPTZ NOT NULL,
		target_zone TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		payload JSONB,
		version BIGINT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		executed_at TIMESTAMPTZ,
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT occurrences_pk PRIMARY KEY (id),
		CONSTRAINT occurrences_user_target_uq UNIQUE (user_id, target_utc)
	);
	CREATE INDEX occurrences_due ON occurrences (target_utc, id) WHERE status = 'PENDING';
	CREATE INDEX occurrences_stale ON occurrences (updated_at, id) WHERE status = 'PROCESSING';
	CREATE INDEX occurrences_user ON occurrences (user_id);

	CREATE TABLE users (
		id TEXT NOT NULL,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		date_of_birth DATE NOT NULL,
		timezone TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT users_pk PRIMARY KEY (id)
	);
`
