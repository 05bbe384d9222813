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

package queue

import (
	"context"
	"slices"
	"sync"

	"github.com/gravitational/trace"
)

// defaultMemoryDepth bounds a MemorySource built with no explicit
// depth.
const defaultMemoryDepth = 128

// MemorySource is a channel-backed Source for tests and embedded
// setups. Receive blocks until a message arrives or the context ends;
// Delete records the acknowledged ids so tests can assert which
// messages were and were not acknowledged.
type MemorySource struct {
	ch chan Message

	mu      sync.Mutex
	deleted []string
}

// NewMemorySource returns a source buffering up to depth messages.
func NewMemorySource(depth int) *MemorySource {
	if depth <= 0 {
		depth = defaultMemoryDepth
	}
	return &MemorySource{ch: make(chan Message, depth)}
}

// Push enqueues one message. It fails rather than blocking the
// producer when the buffer is full.
func (m *MemorySource) Push(msg Message) error {
	select {
	case m.ch <- msg:
		return nil
	default:
		return trace.LimitExceeded("memory source is full")
	}
}

// Receive blocks until at least one message is available, then drains
// up to max without blocking further.
func (m *MemorySource) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	var msgs []Message
	select {
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	case msg := <-m.ch:
		msgs = append(msgs, msg)
	}
	for len(msgs) < max {
		select {
		case msg := <-m.ch:
			msgs = append(msgs, msg)
		default:
			return msgs, nil
		}
	}
	return msgs, nil
}

// Delete records the message as acknowledged.
func (m *MemorySource) Delete(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, msg.ID)
	return nil
}

// Deleted returns the acknowledged message ids in order.
func (m *MemorySource) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deleted)
}

// Len reports how many messages are waiting.
func (m *MemorySource) Len() int {
	return len(m.ch)
}
