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

// Package workpool provides a bounded worker pool with per-task result
// futures. Backup exports, queue consumption and asynchronous partition
// writes all run on it; one failing task never aborts its siblings.
package workpool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata"
	"github.com/stratadb/strata/lib/defaults"
)

// Task is the future for one submitted function.
type Task struct {
	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) complete(err error) {
	t.err = err
	close(t.done)
}

// Wait blocks until the task finishes or ctx is done, and returns the
// task's error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// Done returns a channel closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Config holds pool parameters.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueDepth bounds the backlog; Submit blocks once it is full.
	QueueDepth int
	// Logger reports recovered task panics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Workers < 0 || c.QueueDepth < 0 {
		return trace.BadParameter("workers and queue depth must not be negative")
	}
	if c.Workers == 0 {
		c.Workers = defaults.WorkpoolSize
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = defaults.WorkpoolQueueDepth
	}
	if c.Logger == nil {
		c.Logger = slog.With(strata.ComponentKey, strata.ComponentWorkpool)
	}
	return nil
}

type item struct {
	ctx  context.Context
	fn   func(context.Context) error
	task *Task
}

// Pool runs submitted functions on a fixed set of workers in FIFO
// order.
type Pool struct {
	cfg     Config
	queue   chan item
	closeCh chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts the workers and returns the pool.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Pool{
		cfg:     cfg,
		queue:   make(chan item, cfg.QueueDepth),
		closeCh: make(chan struct{}),
	}
	for range cfg.Workers {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

// Submit enqueues fn and returns its future. When the queue is full,
// Submit blocks until space frees up, ctx is done, or the pool closes;
// in the latter two cases the returned task is already resolved with
// the corresponding error.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) *Task {
	t := newTask()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		t.complete(trace.LimitExceeded("workpool is closed"))
		return t
	}

	select {
	case p.queue <- item{ctx: ctx, fn: fn, task: t}:
	case <-p.closeCh:
		t.complete(trace.LimitExceeded("workpool is closed"))
	case <-ctx.Done():
		t.complete(trace.Wrap(ctx.Err()))
	}
	return t
}

// Close stops intake, runs every task already queued, and waits for
// in-flight tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.closeCh)
	p.mu.Unlock()

	p.wg.Wait()

	// Anything that slipped into the queue after the workers drained
	// resolves as rejected rather than hanging its waiter.
	for {
		select {
		case it := <-p.queue:
			it.task.complete(trace.LimitExceeded("workpool is closed"))
		default:
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case it := <-p.queue:
			p.run(it)
		case <-p.closeCh:
			// Drain the backlog before exiting.
			for {
				select {
				case it := <-p.queue:
					p.run(it)
				default:
					return
				}
			}
		}
	}
}

// run executes one task, observing cancellation at the task boundary
// and converting panics into task errors.
func (p *Pool) run(it item) {
	if err := it.ctx.Err(); err != nil {
		it.task.complete(trace.Wrap(err))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.ErrorContext(it.ctx, "Task panicked.", "panic", r)
			it.task.complete(trace.Errorf("task panicked: %v", r))
		}
	}()
	it.task.complete(it.fn(it.ctx))
}
