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

package resource

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/lib/bus"
	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/utils"
	"github.com/stratadb/strata/lib/workpool"
)

type resourcePack struct {
	clock *clockwork.FakeClock
	store *objstore.Memory
	bus   *bus.Bus
	r     *Resource
}

func newResourcePack(t *testing.T, schema Schema, tweaks ...func(*Config)) *resourcePack {
	t.Helper()
	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	eventBus, err := bus.New(bus.Config{Clock: clock, Logger: utils.NewSlogLoggerForTests()})
	require.NoError(t, err)

	cfg := Config{
		Name:   "users",
		Schema: schema,
		Client: store,
		Bus:    eventBus,
		Clock:  clock,
		Logger: utils.NewSlogLoggerForTests(),
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return &resourcePack{clock: clock, store: store, bus: eventBus, r: r}
}

func newTestResource(t *testing.T, schema Schema) *Resource {
	t.Helper()
	return newResourcePack(t, schema).r
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{Timestamps: true})

	rec, err := r.Insert(ctx, Record{"id": "u1", "name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, "u1", rec["id"])
	require.Equal(t, "2024-03-15T12:00:00.000Z", rec[defaults.CreatedAtField])
	require.Equal(t, rec[defaults.CreatedAtField], rec[defaults.UpdatedAtField])

	got, err := r.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Ada", got["name"])

	_, err = r.Get(ctx, "nope")
	require.True(t, trace.IsNotFound(err))
}

func TestInsertGeneratesID(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	rec, err := r.Insert(ctx, Record{"name": "anon"})
	require.NoError(t, err)
	id, ok := rec["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "anon", got["name"])
}

func TestInsertConflict(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	_, err := r.Insert(ctx, Record{"id": "u1"})
	require.NoError(t, err)
	_, err = r.Insert(ctx, Record{"id": "u1"})
	require.True(t, trace.IsAlreadyExists(err))
}

func TestInsertDoesNotMutateInput(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{Timestamps: true})

	input := Record{"name": "Ada"}
	_, err := r.Insert(ctx, input)
	require.NoError(t, err)
	require.NotContains(t, input, "id")
	require.NotContains(t, input, defaults.CreatedAtField)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	pack := newResourcePack(t, Schema{Timestamps: true})
	r := pack.r

	inserted, err := r.Insert(ctx, Record{"id": "u1", "name": "Ada", "role": "eng"})
	require.NoError(t, err)

	pack.clock.Advance(time.Minute)
	updated, err := r.Update(ctx, "u1", Record{"name": "Grace", "id": "hacked", defaults.CreatedAtField: "hacked"})
	require.NoError(t, err)
	require.Equal(t, "u1", updated["id"])
	require.Equal(t, "Grace", updated["name"])
	require.Equal(t, "eng", updated["role"])
	require.Equal(t, inserted[defaults.CreatedAtField], updated[defaults.CreatedAtField])
	require.Equal(t, "2024-03-15T12:01:00.000Z", updated[defaults.UpdatedAtField])

	_, err = r.Update(ctx, "missing", Record{"x": 1})
	require.True(t, trace.IsNotFound(err))
}

func TestPatchDeepMerges(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	_, err := r.Insert(ctx, Record{"id": "u1", "prefs": map[string]any{"theme": "dark", "lang": "en"}})
	require.NoError(t, err)

	patched, err := r.Patch(ctx, "u1", Record{"prefs": map[string]any{"lang": "fr"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"theme": "dark", "lang": "fr"}, patched["prefs"])

	// Update replaces the nested map wholesale.
	updated, err := r.Update(ctx, "u1", Record{"prefs": map[string]any{"lang": "de"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"lang": "de"}, updated["prefs"])
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	pack := newResourcePack(t, Schema{Timestamps: true})
	r := pack.r

	inserted, err := r.Insert(ctx, Record{"id": "u1", "name": "Ada", "role": "eng"})
	require.NoError(t, err)

	pack.clock.Advance(time.Hour)
	replaced, err := r.Replace(ctx, "u1", Record{"name": "Grace"})
	require.NoError(t, err)
	require.Equal(t, "u1", replaced["id"])
	require.Equal(t, "Grace", replaced["name"])
	require.NotContains(t, replaced, "role")
	require.Equal(t, inserted[defaults.CreatedAtField], replaced[defaults.CreatedAtField])

	_, err = r.Replace(ctx, "missing", Record{"name": "x"})
	require.True(t, trace.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	_, err := r.Insert(ctx, Record{"id": "u1"})
	require.NoError(t, err)
	require.NoError(t, r.SetContent(ctx, "u1", []byte("blob")))

	require.NoError(t, r.Delete(ctx, "u1"))
	_, err = r.Get(ctx, "u1")
	require.True(t, trace.IsNotFound(err))
	_, err = r.Content(ctx, "u1")
	require.True(t, trace.IsNotFound(err))

	require.True(t, trace.IsNotFound(r.Delete(ctx, "u1")))
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	for i := range 3 {
		_, err := r.Insert(ctx, Record{"id": fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
	}

	n, err := r.DeleteMany(ctx, []string{"u0", "missing", "u2"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ids, err := r.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, ids)
}

func TestBulkReads(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	for i := range 5 {
		_, err := r.Insert(ctx, Record{"id": fmt.Sprintf("u%d", i), "n": float64(i)})
		require.NoError(t, err)
	}

	count, err := r.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, count)

	ids, err := r.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u0", "u1", "u2", "u3", "u4"}, ids)

	limited, err := r.ListIDs(ctx, WithLimit(2))
	require.NoError(t, err)
	require.Equal(t, []string{"u0", "u1"}, limited)

	many, err := r.GetMany(ctx, []string{"u1", "missing", "u3"})
	require.NoError(t, err)
	require.Len(t, many, 2)
	require.Equal(t, "u1", many[0]["id"])
	require.Equal(t, "u3", many[1]["id"])

	all, err := r.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)

	exists, err := r.Exists(ctx, "u3")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = r.Exists(ctx, "u9")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPage(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	for i := range 7 {
		_, err := r.Insert(ctx, Record{"id": fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
	}

	page, err := r.Page(ctx, 2, 3)
	require.NoError(t, err)
	require.Equal(t, 7, page.Total)
	require.Len(t, page.Items, 3)
	require.Equal(t, "u2", page.Items[0]["id"])
	require.Equal(t, "u4", page.Items[2]["id"])

	tail, err := r.Page(ctx, 6, 3)
	require.NoError(t, err)
	require.Len(t, tail.Items, 1)

	past, err := r.Page(ctx, 20, 3)
	require.NoError(t, err)
	require.Empty(t, past.Items)
	require.Equal(t, 7, past.Total)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	for i := range 6 {
		role := "eng"
		if i%2 == 0 {
			role = "ops"
		}
		_, err := r.Insert(ctx, Record{"id": fmt.Sprintf("u%d", i), "role": role, "level": float64(i)})
		require.NoError(t, err)
	}

	engs, err := r.Query(ctx, Record{"role": "eng"})
	require.NoError(t, err)
	require.Len(t, engs, 3)

	one, err := r.Query(ctx, Record{"role": "eng", "level": float64(3)})
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "u3", one[0]["id"])

	limited, err := r.Query(ctx, Record{"role": "ops"}, WithLimit(1), WithOffset(1))
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "u2", limited[0]["id"])

	none, err := r.Query(ctx, Record{"role": "intern"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func partitionedSchema() Schema {
	return Schema{
		Timestamps: true,
		Partitions: map[string]Partition{
			"byemail": {Fields: map[string]string{"email": "lowercase"}},
			"byday":   {Fields: map[string]string{defaults.CreatedAtField: "date:2006-01-02"}},
		},
	}
}

func TestPartitionReads(t *testing.T) {
	ctx := context.Background()
	pack := newResourcePack(t, partitionedSchema())
	r := pack.r

	_, err := r.Insert(ctx, Record{"id": "u1", "email": "Ada@X.io"})
	require.NoError(t, err)
	_, err = r.Insert(ctx, Record{"id": "u2", "email": "ada@x.io"})
	require.NoError(t, err)
	_, err = r.Insert(ctx, Record{"id": "u3", "email": "grace@y.io"})
	require.NoError(t, err)

	// Lowercase transform clusters u1 and u2 together.
	cluster, err := r.List(ctx, WithPartition("byemail", map[string]any{"email": "ADA@x.IO"}))
	require.NoError(t, err)
	require.Len(t, cluster, 2)

	count, err := r.Count(ctx, WithPartition("byemail", map[string]any{"email": "ada@x.io"}))
	require.NoError(t, err)
	require.Equal(t, 2, count)

	rec, err := r.GetFromPartition(ctx, "u3", "byemail", map[string]any{"email": "Grace@Y.io"})
	require.NoError(t, err)
	require.Equal(t, "u3", rec["id"])

	_, err = r.GetFromPartition(ctx, "u3", "byemail", map[string]any{"email": "other@z.io"})
	require.True(t, trace.IsNotFound(err))

	_, err = r.List(ctx, WithPartition("nope", map[string]any{"x": "y"}))
	require.True(t, trace.IsNotFound(err))

	// All three share the same insertion day.
	day, err := r.List(ctx, WithPartition("byday", map[string]any{defaults.CreatedAtField: "2024-03-15T12:00:00.000Z"}))
	require.NoError(t, err)
	require.Len(t, day, 3)
}

func TestPartitionCopiesFollowUpdates(t *testing.T) {
	ctx := context.Background()
	pack := newResourcePack(t, partitionedSchema())
	r := pack.r

	_, err := r.Insert(ctx, Record{"id": "u1", "email": "old@x.io"})
	require.NoError(t, err)

	_, err = r.Update(ctx, "u1", Record{"email": "new@x.io"})
	require.NoError(t, err)

	stale, err := r.List(ctx, WithPartition("byemail", map[string]any{"email": "old@x.io"}))
	require.NoError(t, err)
	require.Empty(t, stale)

	fresh, err := r.List(ctx, WithPartition("byemail", map[string]any{"email": "new@x.io"}))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, "u1", fresh[0]["id"])

	// The partition copy carries the full record, so a partition read
	// sees post-update fields.
	require.Equal(t, "new@x.io", fresh[0]["email"])
}

func TestPartitionSkippedWhenFieldMissing(t *testing.T) {
	ctx := context.Background()
	pack := newResourcePack(t, Schema{Partitions: map[string]Partition{
		"byemail": {Fields: map[string]string{"email": "lowercase"}},
	}})
	r := pack.r

	_, err := r.Insert(ctx, Record{"id": "u1"})
	require.NoError(t, err)

	// Only the data object exists; no partition copy was written.
	require.Equal(t, 1, pack.store.Len())
}

func TestDeleteCleansPartitions(t *testing.T) {
	ctx := context.Background()
	pack := newResourcePack(t, Schema{Partitions: map[string]Partition{
		"byemail": {Fields: map[string]string{"email": "lowercase"}},
	}})
	r := pack.r

	_, err := r.Insert(ctx, Record{"id": "u1", "email": "a@x.io"})
	require.NoError(t, err)
	require.Equal(t, 2, pack.store.Len())

	require.NoError(t, r.Delete(ctx, "u1"))
	require.Equal(t, 0, pack.store.Len())
}

func TestAsyncPartitions(t *testing.T) {
	ctx := context.Background()
	pool, err := workpool.NewPool(workpool.Config{Workers: 2, Logger: utils.NewSlogLoggerForTests()})
	require.NoError(t, err)

	pack := newResourcePack(t, Schema{Partitions: map[string]Partition{
		"byemail": {Fields: map[string]string{"email": "lowercase"}},
	}}, func(cfg *Config) {
		cfg.AsyncPartitions = true
		cfg.Pool = pool
	})

	_, err = pack.r.Insert(ctx, Record{"id": "u1", "email": "a@x.io"})
	require.NoError(t, err)

	// Close drains the deferred partition writes.
	pool.Close()

	cluster, err := pack.r.List(ctx, WithPartition("byemail", map[string]any{"email": "a@x.io"}))
	require.NoError(t, err)
	require.Len(t, cluster, 1)
}

func TestContent(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	require.True(t, trace.IsNotFound(r.SetContent(ctx, "missing", []byte("x"))))

	_, err := r.Insert(ctx, Record{"id": "u1"})
	require.NoError(t, err)

	has, err := r.HasContent(ctx, "u1")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, r.SetContent(ctx, "u1", []byte("avatar-bytes")))
	has, err = r.HasContent(ctx, "u1")
	require.NoError(t, err)
	require.True(t, has)

	data, err := r.Content(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []byte("avatar-bytes"), data)

	require.NoError(t, r.DeleteContent(ctx, "u1"))
	require.NoError(t, r.DeleteContent(ctx, "u1"))
	_, err = r.Content(ctx, "u1")
	require.True(t, trace.IsNotFound(err))
}

func TestChangeEvents(t *testing.T) {
	ctx := context.Background()
	pack := newResourcePack(t, Schema{})
	r := pack.r

	var dbEvents, resourceEvents []string
	var lastPayload ChangeEvent
	pack.bus.Subscribe("db:*", func(ctx context.Context, e bus.Event) {
		dbEvents = append(dbEvents, e.Name)
		lastPayload = e.Payload.(ChangeEvent)
	})
	pack.bus.Subscribe("users:*", func(ctx context.Context, e bus.Event) {
		resourceEvents = append(resourceEvents, e.Name)
	})

	_, err := r.Insert(ctx, Record{"id": "u1", "name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, []string{"db:insert"}, dbEvents)
	require.Equal(t, []string{"users:insert"}, resourceEvents)
	require.Equal(t, "users", lastPayload.Resource)
	require.Equal(t, "u1", lastPayload.ID)
	require.Equal(t, "Ada", lastPayload.Record["name"])

	_, err = r.Update(ctx, "u1", Record{"name": "Grace"})
	require.NoError(t, err)
	require.Equal(t, []string{"db:insert", "db:update"}, dbEvents)

	require.NoError(t, r.Delete(ctx, "u1"))
	require.Equal(t, []string{"db:insert", "db:update", "db:delete"}, dbEvents)
	require.Equal(t, "Ada", lastPayload.Record["name"], "delete payload carries the deleted record")

	// Reads emit nothing.
	_, err = r.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, dbEvents, 3)

	// Failed writes emit nothing.
	_, err = r.Update(ctx, "missing", Record{"x": 1})
	require.Error(t, err)
	require.Len(t, dbEvents, 3)
}

func TestIDsWithSpecialCharacters(t *testing.T) {
	ctx := context.Background()
	r := newTestResource(t, Schema{})

	id := "weird/id=with:stuff"
	_, err := r.Insert(ctx, Record{"id": id})
	require.NoError(t, err)

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got["id"])

	ids, err := r.ListIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)

	require.NoError(t, r.Delete(ctx, id))
}

func TestConfigValidation(t *testing.T) {
	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	_, err = New(Config{Name: "Bad Name", Client: store})
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Config{Name: "users"})
	require.True(t, trace.IsBadParameter(err))

	_, err = New(Config{Name: "users", Client: store, AsyncPartitions: true})
	require.True(t, trace.IsBadParameter(err))
}
