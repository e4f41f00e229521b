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

package utils

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLinearProgression(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{
		Step: time.Second,
		Max:  3 * time.Second,
	})
	require.NoError(t, err)

	require.Equal(t, time.Duration(0), retry.Duration())
	retry.Inc()
	require.Equal(t, time.Second, retry.Duration())
	retry.Inc()
	require.Equal(t, 2*time.Second, retry.Duration())
	retry.Inc()
	retry.Inc()
	// Capped at Max.
	require.Equal(t, 3*time.Second, retry.Duration())

	retry.Reset()
	require.Equal(t, time.Duration(0), retry.Duration())
}

func TestLinearFirstDelay(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{
		First: 500 * time.Millisecond,
		Step:  time.Second,
		Max:   5 * time.Second,
	})
	require.NoError(t, err)

	require.Equal(t, 500*time.Millisecond, retry.Duration())
	retry.Inc()
	require.Equal(t, 1500*time.Millisecond, retry.Duration())
}

func TestLinearValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLinear(LinearConfig{Max: time.Second})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	_, err = NewLinear(LinearConfig{Step: time.Second})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestLinearAfterZeroDelay(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{Step: time.Second, Max: 3 * time.Second})
	require.NoError(t, err)

	// A zero delay returns an already closed channel so the caller does not
	// block before the first attempt.
	select {
	case <-retry.After():
	default:
		t.Fatal("expected After to fire immediately at zero delay")
	}
}

func TestLinearJitterStaysInRange(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{
		Step:   time.Second,
		Max:    10 * time.Second,
		Jitter: NewSeventhJitter(),
	})
	require.NoError(t, err)
	retry.Inc()

	for i := 0; i < 100; i++ {
		d := retry.Duration()
		require.GreaterOrEqual(t, d, 6*time.Second/7)
		require.Less(t, d, time.Second)
	}
}

func TestClonedRetryIsReset(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{Step: time.Second, Max: 3 * time.Second})
	require.NoError(t, err)
	retry.Inc()
	retry.Inc()

	clone := retry.Clone()
	require.Equal(t, time.Duration(0), clone.Duration())
	require.Equal(t, 2*time.Second, retry.Duration())
}

func TestForRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{Step: time.Millisecond, Max: time.Millisecond})
	require.NoError(t, err)

	calls := 0
	require.NoError(t, retry.For(context.Background(), func() error {
		calls++
		if calls < 3 {
			return trace.ConnectionProblem(nil, "still starting")
		}
		return nil
	}))
	require.Equal(t, 3, calls)
}

func TestForStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{Step: time.Millisecond, Max: time.Millisecond})
	require.NoError(t, err)

	calls := 0
	err = retry.For(context.Background(), func() error {
		calls++
		if calls == 1 {
			return trace.ConnectionProblem(nil, "still starting")
		}
		return PermanentRetryError(trace.BadParameter("bad config"))
	})
	require.Error(t, err)
	require.True(t, IsPermanentRetryError(err))
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	require.Equal(t, 2, calls)
}

func TestForStopsWhenContextExpires(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{First: time.Hour, Step: time.Hour, Max: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = retry.For(ctx, func() error { return trace.ConnectionProblem(nil, "refused") })
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
}
