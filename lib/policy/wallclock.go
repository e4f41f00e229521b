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

package policy

import (
	"fmt"
	"time"

	"github.com/gravitational/trace"
)

// WallClock is a time of day with no date or zone attached, the shape in
// which delivery times are configured.
type WallClock struct {
	Hour   int
	Minute int
	Second int
}

// ParseWallClock parses a time of day in "HH:MM:SS" or "HH:MM" form.
func ParseWallClock(s string) (WallClock, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return WallClock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}
	return WallClock{}, trace.BadParameter("invalid time of day %q: expected HH:MM:SS", s)
}

// Check validates the field ranges.
func (w WallClock) Check() error {
	if w.Hour < 0 || w.Hour > 23 || w.Minute < 0 || w.Minute > 59 || w.Second < 0 || w.Second > 59 {
		return trace.BadParameter("invalid time of day %q", w.String())
	}
	return nil
}

// String renders the time of day in "HH:MM:SS" form.
func (w WallClock) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", w.Hour, w.Minute, w.Second)
}
