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
	"time"

	"github.com/gravitational/trace"
)

// DateLayout is the wire encoding of a civil date.
const DateLayout = "2006-01-02"

// Date is a civil calendar date with no time-of-day and no time zone
// attached. It is the representation used for dates of birth, where the
// zone in which the date is interpreted is a property of the user, not of
// the date itself.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns the civil date for the given year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf extracts the civil date of t in t's location.
func DateOf(t time.Time) Date {
	year, month, day := t.Date()
	return Date{Year: year, Month: month, Day: day}
}

// ParseDate parses a date in "YYYY-MM-DD" form.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, trace.BadParameter("invalid date %q: expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// Check validates that the date names a real calendar day.
func (d Date) Check() error {
	if d.IsZero() {
		return trace.BadParameter("date is not set")
	}
	// time.Date normalizes out-of-range values (February 30 becomes
	// March 2), so a round trip detects them.
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	if y, m, day := t.Date(); y != d.Year || m != d.Month || day != d.Day {
		return trace.BadParameter("invalid date %04d-%02d-%02d", d.Year, int(d.Month), d.Day)
	}
	return nil
}

// IsZero reports whether d is the zero value.
func (d Date) IsZero() bool {
	return d == Date{}
}

// IsLeapDay reports whether d falls on February 29.
func (d Date) IsLeapDay() bool {
	return d.Month == time.February && d.Day == 29
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// String renders the date in "YYYY-MM-DD" form.
func (d Date) String() string {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format(DateLayout)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return trace.Wrap(err)
	}
	*d = parsed
	return nil
}
