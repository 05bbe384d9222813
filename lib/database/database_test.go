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

package database

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/lib/bus"
	"github.com/stratadb/strata/lib/cron"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

type dbPack struct {
	clock     *clockwork.FakeClock
	store     *objstore.Memory
	scheduler *cron.FakeScheduler
	db        *Database
}

func newTestDatabase(t *testing.T) *dbPack {
	t.Helper()
	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	scheduler := cron.NewFakeScheduler()
	db, err := New(Config{
		Client:    store,
		Scheduler: scheduler,
		Clock:     clock,
		Logger:    utils.NewSlogLoggerForTests(),
	})
	require.NoError(t, err)
	return &dbPack{clock: clock, store: store, scheduler: scheduler, db: db}
}

// fakePlugin records lifecycle calls and fails on demand.
type fakePlugin struct {
	name        string
	instanceKey string
	calls       []string
	installErr  error
	startErr    error
	stopErr     error
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) InstanceKey() string { return p.instanceKey }

func (p *fakePlugin) Install(ctx context.Context, db *Database) error {
	p.calls = append(p.calls, "install")
	return p.installErr
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.calls = append(p.calls, "start")
	return p.startErr
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.calls = append(p.calls, "stop")
	return p.stopErr
}

func (p *fakePlugin) Uninstall(ctx context.Context, opts UninstallOptions) error {
	p.calls = append(p.calls, "uninstall")
	return nil
}

func TestCreateResource(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	users, err := pack.db.CreateResource(ctx, ResourceConfig{Name: "users"})
	require.NoError(t, err)
	require.Equal(t, "users", users.Name())

	_, err = pack.db.CreateResource(ctx, ResourceConfig{Name: "users"})
	require.True(t, trace.IsAlreadyExists(err))

	got, err := pack.db.Resource("users")
	require.NoError(t, err)
	require.Same(t, users, got)

	_, err = pack.db.Resource("orders")
	require.True(t, trace.IsNotFound(err))

	require.True(t, pack.db.HasResource("users"))
	require.False(t, pack.db.HasResource("orders"))
}

func TestCreateResourceIdempotentForPlugins(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	pluginSchema := resource.Schema{CreatedBy: "ttl-cleanup"}
	first, err := pack.db.CreateResource(ctx, ResourceConfig{Name: "plg_expirations", Schema: pluginSchema})
	require.NoError(t, err)

	// Re-creating a plugin resource returns the existing instance, so
	// plugins can ensure their internals on every install.
	second, err := pack.db.CreateResource(ctx, ResourceConfig{Name: "plg_expirations", Schema: pluginSchema})
	require.NoError(t, err)
	require.Same(t, first, second)
}

func TestResourceNames(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	for _, name := range []string{"users", "orders", "plg_expirations"} {
		_, err := pack.db.CreateResource(ctx, ResourceConfig{Name: name})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"orders", "plg_expirations", "users"}, pack.db.ResourceNames())
}

func TestRemoveResource(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	users, err := pack.db.CreateResource(ctx, ResourceConfig{Name: "users"})
	require.NoError(t, err)
	_, err = users.Insert(ctx, resource.Record{"id": "u1"})
	require.NoError(t, err)

	require.NoError(t, pack.db.RemoveResource(ctx, "users", true))
	require.False(t, pack.db.HasResource("users"))
	require.Equal(t, 0, pack.store.Len())

	require.True(t, trace.IsNotFound(pack.db.RemoveResource(ctx, "users", false)))
}

func TestUseEmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	var events []string
	pack.db.Bus().Subscribe("db:*", func(ctx context.Context, e bus.Event) {
		events = append(events, e.Name)
	})

	p := &fakePlugin{name: "ttl"}
	require.NoError(t, pack.db.Use(ctx, p))
	require.Equal(t, []string{"install"}, p.calls)
	require.Equal(t, []string{"db:beforeInstall", "db:afterInstall"}, events)

	require.True(t, trace.IsAlreadyExists(pack.db.Use(ctx, p)))
}

func TestUseInstallFailure(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	var events []string
	pack.db.Bus().Subscribe("db:*", func(ctx context.Context, e bus.Event) {
		events = append(events, e.Name)
	})

	p := &fakePlugin{name: "broken", installErr: trace.BadParameter("bad config")}
	require.Error(t, pack.db.Use(ctx, p))
	require.Empty(t, pack.db.Plugins())
	require.Equal(t, []string{"db:beforeInstall"}, events, "afterInstall must not fire on failure")

	// The failed plugin can retry.
	p.installErr = nil
	require.NoError(t, pack.db.Use(ctx, p))
}

func TestStartStopOrder(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	var order []string
	mk := func(name string) *fakePlugin { return &fakePlugin{name: name} }
	a, b := mk("a"), mk("b")
	pack.db.Bus().Subscribe("db:start", func(ctx context.Context, e bus.Event) {
		order = append(order, "db:start")
	})
	pack.db.Bus().Subscribe("db:stop", func(ctx context.Context, e bus.Event) {
		order = append(order, "db:stop")
	})

	require.NoError(t, pack.db.Use(ctx, a))
	require.NoError(t, pack.db.Use(ctx, b))

	require.NoError(t, pack.db.Start(ctx))
	require.True(t, pack.scheduler.Started())
	require.Equal(t, []string{"install", "start"}, a.calls)
	require.Equal(t, []string{"install", "start"}, b.calls)

	// Idempotent.
	require.NoError(t, pack.db.Start(ctx))
	require.Equal(t, []string{"install", "start"}, a.calls)

	require.NoError(t, pack.db.Stop(ctx))
	require.False(t, pack.scheduler.Started())
	require.Equal(t, []string{"install", "start", "stop"}, a.calls)
	require.Equal(t, []string{"db:start", "db:stop"}, order)

	require.NoError(t, pack.db.Stop(ctx))
	require.Equal(t, []string{"install", "start", "stop"}, a.calls)
}

func TestStartRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	a := &fakePlugin{name: "a"}
	b := &fakePlugin{name: "b", startErr: trace.ConnectionProblem(nil, "no store")}
	require.NoError(t, pack.db.Use(ctx, a))
	require.NoError(t, pack.db.Use(ctx, b))

	require.Error(t, pack.db.Start(ctx))
	require.Equal(t, []string{"install", "start", "stop"}, a.calls, "started plugins are stopped on rollback")

	// The database is startable again once the plugin recovers.
	b.startErr = nil
	require.NoError(t, pack.db.Start(ctx))
}

func TestUseAfterStartStartsPlugin(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)
	require.NoError(t, pack.db.Start(ctx))

	p := &fakePlugin{name: "late"}
	require.NoError(t, pack.db.Use(ctx, p))
	require.Equal(t, []string{"install", "start"}, p.calls)
}

func TestUninstall(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	p := &fakePlugin{name: "ttl"}
	require.NoError(t, pack.db.Use(ctx, p))
	require.Len(t, pack.db.Plugins(), 1)

	var events []string
	pack.db.Bus().Subscribe("db:uninstall", func(ctx context.Context, e bus.Event) {
		events = append(events, e.Payload.(PluginEvent).Plugin)
	})

	require.NoError(t, pack.db.Uninstall(ctx, p, true))
	require.Empty(t, pack.db.Plugins())
	require.Equal(t, []string{"install", "uninstall"}, p.calls)
	require.Equal(t, []string{"ttl"}, events)

	require.True(t, trace.IsNotFound(pack.db.Uninstall(ctx, p, false)))
}

func TestInstanceKeysAllowMultipleInstances(t *testing.T) {
	ctx := context.Background()
	pack := newTestDatabase(t)

	a := &fakePlugin{name: "cache", instanceKey: "cache-users"}
	b := &fakePlugin{name: "cache", instanceKey: "cache-orders"}
	require.NoError(t, pack.db.Use(ctx, a))
	require.NoError(t, pack.db.Use(ctx, b))
	require.Len(t, pack.db.Plugins(), 2)

	require.NoError(t, pack.db.Uninstall(ctx, a, false))
	require.Len(t, pack.db.Plugins(), 1)
	require.Equal(t, "cache", pack.db.Plugins()[0].Name())
}

func TestConfigDefaults(t *testing.T) {
	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	_, err = New(Config{})
	require.True(t, trace.IsBadParameter(err))

	db, err := New(Config{Client: store, Logger: utils.NewSlogLoggerForTests()})
	require.NoError(t, err)
	require.NotNil(t, db.Bus())
	require.NotNil(t, db.Scheduler())
	require.NotNil(t, db.Clock())
}
