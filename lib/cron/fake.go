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

package cron

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// FakeEntry is a snapshot of one entry registered on a FakeScheduler.
type FakeEntry struct {
	ID       int
	Expr     string
	Name     string
	Timezone string
	Stopped  bool
}

// FakeScheduler records Schedule calls and fires entries only when a
// test calls Tick. Expressions are validated with the production
// parser so tests catch malformed schedules.
type FakeScheduler struct {
	mu      sync.Mutex
	nextID  int
	entries map[int]*fakeEntry
	order   []int
	started bool
}

type fakeEntry struct {
	FakeEntry
	fn func(context.Context)
}

// NewFakeScheduler returns an empty fake scheduler.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{entries: make(map[int]*fakeEntry)}
}

// Schedule implements Scheduler.
func (s *FakeScheduler) Schedule(expr string, fn func(context.Context), opts ...Option) (Job, error) {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}
	if _, err := specParser.Parse(ApplyTimezone(expr, options.Timezone)); err != nil {
		return nil, trace.BadParameter("invalid cron expression %q: %v", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.entries[id] = &fakeEntry{
		FakeEntry: FakeEntry{ID: id, Expr: expr, Name: options.Name, Timezone: options.Timezone},
		fn:        fn,
	}
	s.order = append(s.order, id)
	return &fakeJob{scheduler: s, id: id}, nil
}

// Start implements Scheduler.
func (s *FakeScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

// Stop implements Scheduler.
func (s *FakeScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
}

// Started reports whether Start has been called without a later Stop.
func (s *FakeScheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Entries returns snapshots of all entries in registration order,
// including stopped ones.
func (s *FakeScheduler) Entries() []FakeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FakeEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].FakeEntry)
	}
	return out
}

// Tick fires entry id synchronously on the calling goroutine. Firing a
// stopped or unknown entry is a no-op.
func (s *FakeScheduler) Tick(ctx context.Context, id int) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok || entry.Stopped {
		s.mu.Unlock()
		return
	}
	fn := entry.fn
	s.mu.Unlock()
	fn(ctx)
}

// TickAll fires every live entry once, in registration order.
func (s *FakeScheduler) TickAll(ctx context.Context) {
	for _, entry := range s.Entries() {
		if !entry.Stopped {
			s.Tick(ctx, entry.ID)
		}
	}
}

type fakeJob struct {
	scheduler *FakeScheduler
	id        int
}

// Stop implements Job.
func (j *fakeJob) Stop() {
	j.scheduler.mu.Lock()
	defer j.scheduler.mu.Unlock()
	if entry, ok := j.scheduler.entries[j.id]; ok {
		entry.Stopped = true
	}
}
