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

// Package utils provides retry, jitter and other shared plumbing.
package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// PermanentRetryError wraps an error to signal Linear.For that retrying
// cannot help and the loop should stop immediately.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

// IsPermanentRetryError reports whether err carries a PermanentRetryError
// anywhere in its chain.
func IsPermanentRetryError(err error) bool {
	var target *permanentRetryError
	return errors.As(err, &target)
}

type permanentRetryError struct {
	err error
}

func (e *permanentRetryError) Error() string { return e.err.Error() }

func (e *permanentRetryError) Unwrap() error { return e.err }

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a new jitter on the range [n/2,n). This is a large
// range and most suitable for jittering things like backoff operations where
// breaking cycles quickly is a priority.
func NewHalfJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		// values less than 1 cause rng to panic, and some logic relies on
		// treating zero duration as the non-blocking case.
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (d / 2) + time.Duration(rng.Int63n(int64(d))/2)
	}
}

// NewSeventhJitter builds a new jitter on the range [6n/7,n). Prefer smaller
// jitters such as this when jittering periodic operations since large
// jitters result in significantly increased load.
func NewSeventhJitter() Jitter {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return (6 * d / 7) + time.Duration(rng.Int63n(int64(d))/7)
	}
}

// Retry is an interface that provides retry logic.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments retry attempt.
	Inc()
	// Duration returns the current retry delay, could be 0.
	Duration() time.Duration
	// After returns a channel that fires after the current delay; it fires
	// right away when the delay is 0.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a reset state.
	Clone() Retry
}

// LinearConfig sets up retry configuration using arithmetic progression.
type LinearConfig struct {
	// First is the first element of the progression, could be 0.
	First time.Duration
	// Step is the step of the progression, can't be 0.
	Step time.Duration
	// Max caps the progression, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter function applied to the delay. Supplying
	// a jitter means successive Duration calls may return different values.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new instance of linear retry.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLinear(cfg), nil
}

// newLinear creates an instance of Linear from a previously verified
// configuration.
func newLinear(cfg LinearConfig) *Linear {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}
}

// NewConstant returns a new linear retry with a constant interval.
func NewConstant(interval time.Duration) (*Linear, error) {
	retry, err := NewLinear(LinearConfig{Step: interval, Max: interval})
	return retry, trace.Wrap(err)
}

// Linear computes retry delays that grow by a fixed step on each attempt up
// to a cap.
type Linear struct {
	// LinearConfig is a linear retry config.
	LinearConfig
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry to its initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of Linear with fresh state.
func (r *Linear) Clone() Retry {
	return newLinear(r.LinearConfig)
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt++
}

// Duration returns the retry delay based on state.
func (r *Linear) Duration() time.Duration {
	a := r.First + time.Duration(r.attempt)*r.Step
	if a < 1 {
		return 0
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns a channel that fires after the delay computed by Duration;
// as a special case a zero delay returns a closed channel.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the retry state.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// For retries the provided function until it succeeds, returns a
// PermanentRetryError or the context expires.
func (r *Linear) For(ctx context.Context, retryFn func() error) error {
	for {
		err := retryFn()
		if err == nil {
			return nil
		}
		if IsPermanentRetryError(err) {
			return trace.Wrap(err)
		}
		slog.DebugContext(ctx, "Operation failed, will retry", "delay", r.Duration(), "error", err)
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded("%s", ctx.Err())
		}
	}
}
