// Strata
// Copyright (C) 2024 StrataDB, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package bus implements the in-process event bus shared by the database
// and its plugins.
//
// Event names are scoped strings: "db:<event>" for database lifecycle
// events and "plg:<slug>:<event>" for plugin-emitted events. Subscribers
// register either an exact name or a prefix pattern ending in '*'.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata"
)

// Event is delivered to every handler whose pattern matches its name.
type Event struct {
	// Name is the scoped event name, e.g. "db:insert" or
	// "plg:cache:clear-error".
	Name string
	// Payload carries event-specific data. Handlers share the same value;
	// they must not mutate it.
	Payload any
	// Time is when the event was emitted.
	Time time.Time
}

// Handler processes a single event. Emit calls handlers on the emitting
// goroutine, so handlers must not block on the bus.
type Handler func(ctx context.Context, event Event)

// DB returns the database-scoped name for event, e.g. DB("insert") is
// "db:insert".
func DB(event string) string {
	return "db:" + event
}

// Plugin returns the plugin-scoped name for event, e.g.
// Plugin("cache", "clear-error") is "plg:cache:clear-error".
func Plugin(slug, event string) string {
	return "plg:" + slug + ":" + event
}

// Config holds bus parameters.
type Config struct {
	// Clock is used to stamp events.
	Clock clockwork.Clock
	// Logger reports handler panics from EmitAsync.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(strata.ComponentKey, strata.ComponentBus)
	}
	return nil
}

type subscription struct {
	id      uint64
	pattern string
	fn      Handler
}

// Bus routes events to subscribed handlers.
type Bus struct {
	cfg Config

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// New returns an empty bus.
func New(cfg Config) (*Bus, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bus{cfg: cfg}, nil
}

// Subscribe registers fn for every event matching pattern. A pattern is
// either an exact event name or a prefix followed by '*' ("db:*",
// "plg:cache:*", "*"). The returned closure unsubscribes; calling it more
// than once is harmless.
func (b *Bus) Subscribe(pattern string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to matching handlers synchronously, in
// subscription order, on the caller's goroutine. A handler panic
// propagates to the caller.
func (b *Bus) Emit(ctx context.Context, name string, payload any) {
	event := Event{Name: name, Payload: payload, Time: b.cfg.Clock.Now().UTC()}
	for _, fn := range b.matching(name) {
		fn(ctx, event)
	}
}

// EmitAsync delivers the event to each matching handler on its own
// goroutine. Panics are recovered and logged so one handler cannot take
// down its siblings or the emitter.
func (b *Bus) EmitAsync(ctx context.Context, name string, payload any) {
	event := Event{Name: name, Payload: payload, Time: b.cfg.Clock.Now().UTC()}
	for _, fn := range b.matching(name) {
		go func(fn Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.cfg.Logger.ErrorContext(ctx, "Event handler panicked.",
						"event", name, "panic", r)
				}
			}()
			fn(ctx, event)
		}(fn)
	}
}

// matching snapshots the handlers for name so delivery happens outside
// the lock; handlers may subscribe or unsubscribe freely.
func (b *Bus) matching(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Handler
	for _, sub := range b.subs {
		if Match(sub.pattern, name) {
			out = append(out, sub.fn)
		}
	}
	return out
}

// Match reports whether an event name matches a subscription pattern.
func Match(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
