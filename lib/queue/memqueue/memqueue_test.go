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

package memqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/chime/types"
)

func newTask(id string) types.ExecutionTask {
	target := time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC)
	return types.ExecutionTask{
		OccurrenceID:   id,
		EventType:      types.EventTypeBirthday,
		IdempotencyKey: types.NewIdempotencyKey("user-1", target),
		Metadata: types.TaskMetadata{
			UserID:    "user-1",
			TargetUTC: target,
		},
	}
}

func TestPublishConsume(t *testing.T) {
	t.Parallel()

	q, err := New(Config{Capacity: 8, RedeliveryDelay: time.Millisecond})
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Publish(ctx, newTask(fmt.Sprintf("occurrence-%d", i))))
	}

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(ctx context.Context, task types.ExecutionTask) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, task.OccurrenceID)
			if len(got) == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for consumer to drain the queue")
	}
	require.Equal(t, []string{"occurrence-0", "occurrence-1", "occurrence-2"}, got)
}

func TestRedelivery(t *testing.T) {
	t.Parallel()

	q, err := New(Config{RedeliveryDelay: time.Millisecond})
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, newTask("occurrence-1")))

	var mu sync.Mutex
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(ctx context.Context, task types.ExecutionTask) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return trace.ConnectionProblem(nil, "sink unavailable")
			}
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempts)
}

func TestCloseUnblocksConsume(t *testing.T) {
	t.Parallel()

	q, err := New(Config{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), func(ctx context.Context, task types.ExecutionTask) error {
			return nil
		})
	}()

	require.NoError(t, q.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Consume did not return after Close")
	}
}

func TestPublishAfterClose(t *testing.T) {
	t.Parallel()

	q, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	err = q.Publish(context.Background(), newTask("occurrence-1"))
	require.True(t, trace.IsConnectionProblem(err), "expected ConnectionProblem, got %v", err)
}

func TestCompetingConsumers(t *testing.T) {
	t.Parallel()

	const total = 20

	q, err := New(Config{Capacity: total})
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("occurrence-%d", i)
		want = append(want, id)
		require.NoError(t, q.Publish(ctx, newTask(id)))
	}

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Consume(ctx, func(ctx context.Context, task types.ExecutionTask) error {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, task.OccurrenceID)
				if len(got) == total {
					cancel()
				}
				return nil
			})
		}()
	}
	wg.Wait()

	require.ElementsMatch(t, want, got)
}
