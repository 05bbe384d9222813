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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/lib/cron"
	"github.com/stratadb/strata/lib/database"
	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

type queuePack struct {
	clock    *clockwork.FakeClock
	source   *MemorySource
	store    *objstore.Memory
	db       *database.Database
	consumer *Consumer
}

// newQueuePack wires a database with the given resources, installs the
// queue consumer and starts the database so the receive loop runs. When
// cfg carries no Source a MemorySource is used and exposed on the pack.
func newQueuePack(t *testing.T, cfg ConsumerConfig, schemas map[string]resource.Schema) *queuePack {
	t.Helper()
	ctx := context.Background()

	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	db, err := database.New(database.Config{
		Client:    store,
		Clock:     clock,
		Scheduler: cron.NewFakeScheduler(),
		Logger:    utils.NewSlogLoggerForTests(),
	})
	require.NoError(t, err)

	for name, schema := range schemas {
		_, err := db.CreateResource(ctx, database.ResourceConfig{Name: name, Schema: schema})
		require.NoError(t, err)
	}

	if cfg.Source == nil {
		cfg.Source = NewMemorySource(0)
	}
	source, _ := cfg.Source.(*MemorySource)
	if cfg.Clock == nil {
		cfg.Clock = clock
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewSlogLoggerForTests()
	}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Use(ctx, c))
	require.NoError(t, db.Start(ctx))
	t.Cleanup(func() { _ = db.Stop(context.Background()) })

	return &queuePack{clock: clock, source: source, store: store, db: db, consumer: c}
}

func (p *queuePack) resource(t *testing.T, name string) *resource.Resource {
	t.Helper()
	r, err := p.db.Resource(name)
	require.NoError(t, err)
	return r
}

// push enqueues one change envelope on the pack's memory source.
func (p *queuePack) push(t *testing.T, msgID, resourceName, action string, data resource.Record) {
	t.Helper()
	body, err := utils.FastMarshal(envelope{Resource: resourceName, Action: action, Data: data})
	require.NoError(t, err)
	require.NoError(t, p.source.Push(Message{ID: msgID, Body: body}))
}

func waitExists(t *testing.T, r *resource.Resource, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		exists, err := r.Exists(context.Background(), id, resource.WithSkipCache())
		return err == nil && exists
	}, 5*time.Second, 10*time.Millisecond)
}

func waitGone(t *testing.T, r *resource.Resource, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		exists, err := r.Exists(context.Background(), id, resource.WithSkipCache())
		return err == nil && !exists
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumerAppliesEnvelopes(t *testing.T) {
	ctx := context.Background()
	// Batch size one keeps the envelopes strictly ordered.
	pack := newQueuePack(t, ConsumerConfig{BatchSize: 1}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	users := pack.resource(t, "users")

	pack.push(t, "m1", "users", ActionInsert, resource.Record{"id": "u1", "name": "ada"})
	waitExists(t, users, "u1")
	rec, err := users.Get(ctx, "u1", resource.WithSkipCache())
	require.NoError(t, err)
	require.Equal(t, "ada", rec["name"])

	pack.push(t, "m2", "users", ActionUpdate, resource.Record{"id": "u1", "name": "brin"})
	require.Eventually(t, func() bool {
		rec, err := users.Get(context.Background(), "u1", resource.WithSkipCache())
		return err == nil && rec["name"] == "brin"
	}, 5*time.Second, 10*time.Millisecond)

	pack.push(t, "m3", "users", ActionDelete, resource.Record{"id": "u1"})
	waitGone(t, users, "u1")

	// Every message was acknowledged, in order.
	require.Eventually(t, func() bool {
		return len(pack.source.Deleted()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"m1", "m2", "m3"}, pack.source.Deleted())
}

func TestConsumerLeavesFailedMessagesUndeleted(t *testing.T) {
	pack := newQueuePack(t, ConsumerConfig{BatchSize: 1}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	users := pack.resource(t, "users")

	// Unknown resource, malformed body, unknown action and an update
	// without an id all fail; none of them may be acknowledged.
	pack.push(t, "bad-resource", "ghost", ActionInsert, resource.Record{"id": "u1"})
	require.NoError(t, pack.source.Push(Message{ID: "bad-json", Body: []byte("{not json")}))
	pack.push(t, "bad-action", "users", "upsert", resource.Record{"id": "u1"})
	pack.push(t, "bad-id", "users", ActionUpdate, resource.Record{"name": "x"})
	pack.push(t, "ok", "users", ActionInsert, resource.Record{"id": "u1", "name": "ada"})

	waitExists(t, users, "u1")
	require.Eventually(t, func() bool {
		return len(pack.source.Deleted()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"ok"}, pack.source.Deleted())
}

func TestConsumerIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	pack := newQueuePack(t, ConsumerConfig{BatchSize: 1}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	users := pack.resource(t, "users")
	_, err := users.Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
	require.NoError(t, err)

	// A replayed insert and a replayed delete both count as applied:
	// the first delivery already landed.
	pack.push(t, "replay-insert", "users", ActionInsert, resource.Record{"id": "u1", "name": "other"})
	pack.push(t, "replay-delete", "users", ActionDelete, resource.Record{"id": "ghost"})

	require.Eventually(t, func() bool {
		return len(pack.source.Deleted()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"replay-insert", "replay-delete"}, pack.source.Deleted())

	rec, err := users.Get(ctx, "u1", resource.WithSkipCache())
	require.NoError(t, err)
	require.Equal(t, "ada", rec["name"])
}

func TestConsumerBatchFanout(t *testing.T) {
	pack := newQueuePack(t, ConsumerConfig{}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	users := pack.resource(t, "users")

	ids := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, id := range ids {
		pack.push(t, "m"+id, "users", ActionInsert, resource.Record{"id": id, "n": i})
	}
	for _, id := range ids {
		waitExists(t, users, id)
	}
	require.Eventually(t, func() bool {
		return len(pack.source.Deleted()) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"mu1", "mu2", "mu3", "mu4", "mu5"}, pack.source.Deleted())
}

func TestConsumerStopHaltsIngestion(t *testing.T) {
	ctx := context.Background()
	pack := newQueuePack(t, ConsumerConfig{BatchSize: 1}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	users := pack.resource(t, "users")

	pack.push(t, "m1", "users", ActionInsert, resource.Record{"id": "u1"})
	waitExists(t, users, "u1")

	require.NoError(t, pack.db.Stop(ctx))

	pack.push(t, "m2", "users", ActionInsert, resource.Record{"id": "u2"})
	require.Never(t, func() bool {
		exists, _ := users.Exists(context.Background(), "u2", resource.WithSkipCache())
		return exists
	}, 300*time.Millisecond, 25*time.Millisecond)
	require.Equal(t, 1, pack.source.Len())
}

func TestConsumerConfigValidation(t *testing.T) {
	t.Run("missing source", func(t *testing.T) {
		_, err := New(ConsumerConfig{})
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("negative batch size", func(t *testing.T) {
		_, err := New(ConsumerConfig{Source: NewMemorySource(0), BatchSize: -1})
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("defaults", func(t *testing.T) {
		cfg := ConsumerConfig{Source: NewMemorySource(0)}
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.Equal(t, defaults.QueueBatchSize, cfg.BatchSize)
		require.Equal(t, defaults.WorkpoolSize, cfg.Workers)
		require.NotNil(t, cfg.Clock)
		require.NotNil(t, cfg.Logger)
	})
}

func TestMemorySource(t *testing.T) {
	ctx := context.Background()

	t.Run("drains up to max", func(t *testing.T) {
		src := NewMemorySource(8)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, src.Push(Message{ID: id}))
		}
		msgs, err := src.Receive(ctx, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, "a", msgs[0].ID)
		require.Equal(t, "b", msgs[1].ID)

		msgs, err = src.Receive(ctx, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, "c", msgs[0].ID)
		require.Zero(t, src.Len())
	})

	t.Run("blocks until canceled", func(t *testing.T) {
		src := NewMemorySource(1)
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := src.Receive(canceled, 1)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("full buffer", func(t *testing.T) {
		src := NewMemorySource(1)
		require.NoError(t, src.Push(Message{ID: "a"}))
		err := src.Push(Message{ID: "b"})
		require.True(t, trace.IsLimitExceeded(err))
	})

	t.Run("records deletions", func(t *testing.T) {
		src := NewMemorySource(1)
		require.NoError(t, src.Delete(ctx, Message{ID: "a"}))
		require.NoError(t, src.Delete(ctx, Message{ID: "b"}))
		require.Equal(t, []string{"a", "b"}, src.Deleted())
	})
}
