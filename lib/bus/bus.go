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

// Package bus implements the in-process notification bus connecting
// user lifecycle producers to the reschedule coordinator.
//
// Delivery is synchronous and at-least-once: Publish invokes every
// subscriber before returning, and a subscriber that fails or panics
// is logged and isolated so the remaining subscribers still receive
// the notification.
package bus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/chime"
	"github.com/gravitational/chime/types"
)

// Handler consumes a single notification. Returned errors are logged;
// they do not propagate to the publisher.
type Handler func(ctx context.Context, n types.Notification) error

// Config holds notification bus parameters.
type Config struct {
	// Logger emits subscriber failure messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = slog.With(chime.ComponentKey, chime.ComponentBus)
	}
	return nil
}

// Bus fans notifications out to named subscribers.
type Bus struct {
	cfg Config

	mu          sync.RWMutex
	subscribers map[string]Handler
	order       []string
}

// New creates an empty bus.
func New(cfg Config) (*Bus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bus{
		cfg:         cfg,
		subscribers: make(map[string]Handler),
	}, nil
}

// Subscribe registers a named handler for all notifications. The name
// identifies the subscriber in logs and must be unique.
func (b *Bus) Subscribe(name string, handler Handler) error {
	if name == "" {
		return trace.BadParameter("missing subscriber name")
	}
	if handler == nil {
		return trace.BadParameter("subscriber %v: missing handler", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[name]; ok {
		return trace.AlreadyExists("subscriber %v is already registered", name)
	}
	b.subscribers[name] = handler
	b.order = append(b.order, name)
	return nil
}

// Unsubscribe removes a named handler.
func (b *Bus) Unsubscribe(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[name]; !ok {
		return trace.NotFound("subscriber %v is not registered", name)
	}
	delete(b.subscribers, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// Publish delivers the notification to every subscriber in
// subscription order and returns once all of them ran. Subscriber
// errors and panics are logged, never returned.
func (b *Bus) Publish(ctx context.Context, n types.Notification) error {
	if n == nil {
		return trace.BadParameter("missing notification")
	}
	b.mu.RLock()
	names := make([]string, len(b.order))
	copy(names, b.order)
	handlers := make([]Handler, 0, len(names))
	for _, name := range names {
		handlers = append(handlers, b.subscribers[name])
	}
	b.mu.RUnlock()

	for i, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		if err := b.deliver(ctx, handler, n); err != nil {
			b.cfg.Logger.ErrorContext(ctx, "Notification subscriber failed.",
				"subscriber", names[i],
				"kind", n.Kind(),
				"subject", n.SubjectID(),
				"error", err,
			)
		}
	}
	return nil
}

// deliver runs one handler, converting panics into errors.
func (b *Bus) deliver(ctx context.Context, handler Handler, n types.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = trace.Errorf("subscriber panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, n)
}
