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
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/plugin"
	"github.com/stratadb/strata/lib/utils"
	"github.com/stratadb/strata/lib/workpool"
)

// receiveBackoff delays the next poll after a failed receive.
const receiveBackoff = time.Second

var (
	queueReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_received_total",
		Help: "Number of messages received from the queue source.",
	})
	queueApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_applied_total",
		Help: "Number of messages applied to resources.",
	})
	queueFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "queue_failed_total",
		Help: "Number of messages that failed to apply and were left for redelivery.",
	})
)

// ConsumerConfig configures the queue consumer plugin.
type ConsumerConfig struct {
	// Source supplies the messages.
	Source Source
	// BatchSize caps messages fetched per receive.
	BatchSize int
	// Pool runs message handling. When nil the consumer owns a pool
	// sized by Workers.
	Pool *workpool.Pool
	// Workers sizes the consumer-owned pool when Pool is nil.
	Workers int
	// Namespace scopes resource name resolution.
	Namespace string
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits engine logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *ConsumerConfig) CheckAndSetDefaults() error {
	if c.Source == nil {
		return trace.BadParameter("missing parameter Source")
	}
	if c.BatchSize < 0 {
		return trace.BadParameter("BatchSize must not be negative")
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaults.QueueBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaults.WorkpoolSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Consumer ingests change envelopes from a queue source into
// resources. One receive loop runs per instance; messages within a
// batch apply concurrently, so cross-message ordering is only
// guaranteed with BatchSize 1 on an ordered source.
type Consumer struct {
	*plugin.Base
	cfg ConsumerConfig

	mu      sync.Mutex
	pool    *workpool.Pool
	ownPool bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a queue consumer ready to be installed.
func New(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(queueReceived, queueApplied, queueFailed); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Consumer{cfg: cfg}
	base, err := plugin.NewBase(plugin.BaseConfig{
		Name:      "QueueConsumerPlugin",
		Namespace: cfg.Namespace,
		OnStart:   c.onStart,
		OnStop:    c.onStop,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.Base = base
	return c, nil
}

func (c *Consumer) onStart(ctx context.Context) error {
	pool, ownPool := c.cfg.Pool, false
	if pool == nil {
		var err error
		pool, err = workpool.NewPool(workpool.Config{
			Workers: c.cfg.Workers,
			Logger:  c.Logger(),
		})
		if err != nil {
			return trace.Wrap(err)
		}
		ownPool = true
	}

	// The loop outlives the Start call, so it runs on its own context.
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.pool, c.ownPool = pool, ownPool
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
	return nil
}

func (c *Consumer) onStop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	pool, ownPool := c.pool, c.ownPool
	c.cancel, c.done = nil, nil
	c.pool, c.ownPool = nil, false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
	if ownPool && pool != nil {
		pool.Close()
	}
	return nil
}

func (c *Consumer) currentPool() *workpool.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}

// run is the receive loop. It drains one batch, fans the messages out
// on the pool and waits for them before receiving again, so a slow
// batch applies backpressure on the source.
func (c *Consumer) run(ctx context.Context) {
	logger := c.Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := c.cfg.Source.Receive(ctx, c.cfg.BatchSize)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.WarnContext(ctx, "Receiving from the queue source failed.", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-c.cfg.Clock.After(receiveBackoff):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		queueReceived.Add(float64(len(msgs)))

		pool := c.currentPool()
		if pool == nil {
			return
		}
		tasks := make([]*workpool.Task, len(msgs))
		for i, msg := range msgs {
			tasks[i] = pool.Submit(ctx, func(ctx context.Context) error {
				return c.handle(ctx, msg)
			})
		}
		// Wait for settlement, not for ctx: a canceled loop still lets
		// in-flight messages finish or fail cleanly before exiting.
		waitCtx := context.WithoutCancel(ctx)
		for _, task := range tasks {
			// Failures are counted and logged in handle; the message
			// stays in the source for redelivery.
			_ = task.Wait(waitCtx)
		}
	}
}

// handle applies one message and acknowledges it. A failed message is
// left in the source, so its redelivery policy drives retries.
func (c *Consumer) handle(ctx context.Context, msg Message) error {
	env, err := decodeEnvelope(msg.Body)
	if err == nil {
		err = c.apply(ctx, env)
	}
	if err != nil {
		queueFailed.Inc()
		c.Logger().WarnContext(ctx, "Message failed to apply, leaving it for redelivery.",
			"message_id", msg.ID, "error", err)
		return trace.Wrap(err)
	}
	queueApplied.Inc()
	if err := c.cfg.Source.Delete(ctx, msg); err != nil {
		// The change landed; a redelivery replays it as a no-op.
		c.Logger().WarnContext(ctx, "Failed to acknowledge an applied message.",
			"message_id", msg.ID, "error", err)
		return trace.Wrap(err)
	}
	return nil
}

// apply writes one decoded envelope through the regular write path.
// Replayed inserts and deletes are treated as applied so at-least-once
// delivery converges.
func (c *Consumer) apply(ctx context.Context, env *envelope) error {
	db := c.Database()
	if db == nil {
		return trace.BadParameter("plugin %q is not installed", c.Slug())
	}
	target, err := db.Resource(env.Resource)
	if err != nil {
		return trace.Wrap(err)
	}
	id, _ := env.Data["id"].(string)

	switch env.Action {
	case ActionInsert:
		_, err := target.Insert(ctx, env.Data)
		if trace.IsAlreadyExists(err) {
			return nil
		}
		return trace.Wrap(err)
	case ActionUpdate:
		if id == "" {
			return trace.BadParameter("update envelope without an id")
		}
		changes := maps.Clone(env.Data)
		delete(changes, "id")
		_, err := target.Update(ctx, id, changes)
		return trace.Wrap(err)
	case ActionDelete:
		if id == "" {
			return trace.BadParameter("delete envelope without an id")
		}
		err := target.Delete(ctx, id)
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	return trace.BadParameter("unknown envelope action %q", env.Action)
}
