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

	"github.com/gravitational/chime/lib/defaults"
	"github.com/gravitational/chime/types"
)

// BirthdayConfig configures the birthday policy.
type BirthdayConfig struct {
	// DeliveryTime is the local wall-clock time deliveries aim for in the
	// user's zone. Defaults to 09:00:00 when nil.
	DeliveryTime *WallClock

	// FastTestOffset, when positive, replaces the anniversary computation:
	// the target wall-clock values are taken from the current UTC instant
	// plus the offset and then applied in the user's zone. Only users whose
	// zone is UTC observe the offset as a literal delay; this is a test
	// deployment affordance, not a scheduling feature.
	FastTestOffset time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *BirthdayConfig) CheckAndSetDefaults() error {
	if c.DeliveryTime == nil {
		c.DeliveryTime = &WallClock{
			Hour:   defaults.BirthdayDeliveryHour,
			Minute: defaults.BirthdayDeliveryMinute,
			Second: defaults.BirthdayDeliverySecond,
		}
	}
	if err := c.DeliveryTime.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.FastTestOffset < 0 {
		return trace.BadParameter("birthday policy: FastTestOffset must not be negative")
	}
	return nil
}

// Birthday schedules the next anniversary of a user's date of birth at the
// configured local time in the user's zone.
type Birthday struct {
	deliveryTime WallClock
	fastOffset   time.Duration
}

// NewBirthday returns a birthday policy for the given config.
func NewBirthday(cfg BirthdayConfig) (*Birthday, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Birthday{
		deliveryTime: *cfg.DeliveryTime,
		fastOffset:   cfg.FastTestOffset,
	}, nil
}

// NextLocalOccurrence implements Policy. The result is strictly after the
// reference instant, so chained generation after a completed delivery always
// lands on a future anniversary.
func (b *Birthday) NextLocalOccurrence(user types.User, reference time.Time) (time.Time, error) {
	loc, err := user.Location()
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}

	if b.fastOffset > 0 {
		shifted := reference.UTC().Add(b.fastOffset)
		wc := WallClock{Hour: shifted.Hour(), Minute: shifted.Minute(), Second: shifted.Second()}
		return localInstant(shifted.Year(), shifted.Month(), shifted.Day(), wc, loc), nil
	}

	ref := reference.In(loc)
	next := b.anniversary(ref.Year(), user.DateOfBirth, loc)
	if !next.After(ref) {
		next = b.anniversary(ref.Year()+1, user.DateOfBirth, loc)
	}
	return next, nil
}

// FormatPayload implements Policy.
func (b *Birthday) FormatPayload(user types.User) map[string]any {
	return map[string]any{
		"message":   fmt.Sprintf("Hey, %s it's your birthday", user.FullName()),
		"userId":    user.ID,
		"eventType": types.EventTypeBirthday,
	}
}

// Channel implements Policy.
func (b *Birthday) Channel() string {
	return ChannelWebhook
}

// anniversary returns the user's birthday instant in the given year.
// February 29 falls to February 28 in non-leap years.
func (b *Birthday) anniversary(year int, dob types.Date, loc *time.Location) time.Time {
	day := dob.Day
	if dob.IsLeapDay() && !isLeapYear(year) {
		day = 28
	}
	return localInstant(year, dob.Month, day, b.deliveryTime, loc)
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// localInstant materializes the wall-clock time on a calendar day in loc.
// Around DST transitions the nominal wall time may never happen or happen
// twice; a skipped time maps to the first valid instant after the gap and an
// ambiguous time maps to the earlier of the two instants.
func localInstant(year int, month time.Month, day int, wc WallClock, loc *time.Location) time.Time {
	// Read the wall time as if it were UTC, then probe the zone offsets in
	// effect around the target day. The true instant differs from the pseudo
	// instant by exactly the zone offset, so each distinct offset yields one
	// candidate.
	pseudo := time.Date(year, month, day, wc.Hour, wc.Minute, wc.Second, 0, time.UTC)

	var offsets []int
	for _, probe := range []time.Time{pseudo.Add(-24 * time.Hour), pseudo.Add(24 * time.Hour)} {
		_, off := probe.In(loc).Zone()
		if len(offsets) == 0 || offsets[0] != off {
			offsets = append(offsets, off)
		}
	}

	var valid []time.Time
	for _, off := range offsets {
		candidate := pseudo.Add(-time.Duration(off) * time.Second).In(loc)
		if candidate.Year() == year && candidate.Month() == month && candidate.Day() == day &&
			candidate.Hour() == wc.Hour && candidate.Minute() == wc.Minute && candidate.Second() == wc.Second {
			valid = append(valid, candidate)
		}
	}

	switch len(valid) {
	case 1:
		return valid[0]
	case 2:
		if valid[1].Before(valid[0]) {
			return valid[1]
		}
		return valid[0]
	default:
		// The wall time fell in a forward-jump gap. The candidate computed
		// with the larger offset lands before the transition; the end of the
		// zone in effect there is the first valid instant after the gap.
		off := offsets[0]
		for _, o := range offsets[1:] {
			if o > off {
				off = o
			}
		}
		before := pseudo.Add(-time.Duration(off) * time.Second)
		_, end := before.In(loc).ZoneBounds()
		return end.In(loc)
	}
}
