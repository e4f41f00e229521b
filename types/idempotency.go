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

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// NewIdempotencyKey derives the deduplication key for a delivery. It is the
// hex encoded SHA-256 of the canonical "<userID>/<RFC3339 UTC instant>"
// string, so repeated generation, retries and recoveries of the same
// (user, due instant) pair always carry the same key to the sink.
func NewIdempotencyKey(userID string, targetUTC time.Time) string {
	sum := sha256.Sum256([]byte(userID + "/" + targetUTC.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])
}
