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

package backup

import (
	"bufio"
	"bytes"
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/lib/bus"
	"github.com/stratadb/strata/lib/cron"
	"github.com/stratadb/strata/lib/database"
	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

type backupPack struct {
	clock     *clockwork.FakeClock
	scheduler *cron.FakeScheduler
	store     *objstore.Memory
	db        *database.Database
	plugin    *Plugin
}

// newBackupPack wires a database with the given resources, installs the
// backup plugin and starts the database so the worker pool runs and the
// scheduled cron, if any, is registered.
func newBackupPack(t *testing.T, cfg Config, schemas map[string]resource.Schema) *backupPack {
	t.Helper()
	ctx := context.Background()

	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	scheduler := cron.NewFakeScheduler()
	db, err := database.New(database.Config{
		Client:    store,
		Clock:     clock,
		Scheduler: scheduler,
		Logger:    utils.NewSlogLoggerForTests(),
	})
	require.NoError(t, err)

	for name, schema := range schemas {
		_, err := db.CreateResource(ctx, database.ResourceConfig{Name: name, Schema: schema})
		require.NoError(t, err)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewSlogLoggerForTests()
	}
	p, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Use(ctx, p))
	require.NoError(t, db.Start(ctx))
	t.Cleanup(func() { _ = db.Stop(context.Background()) })

	return &backupPack{clock: clock, scheduler: scheduler, store: store, db: db, plugin: p}
}

func (p *backupPack) resource(t *testing.T, name string) *resource.Resource {
	t.Helper()
	r, err := p.db.Resource(name)
	require.NoError(t, err)
	return r
}

// tick fires one scheduled cron synchronously by its entry name under
// the plugin slug.
func (p *backupPack) tick(t *testing.T, name string) {
	t.Helper()
	full := "backup/" + name
	for _, entry := range p.scheduler.Entries() {
		if entry.Name == full {
			p.scheduler.Tick(context.Background(), entry.ID)
			return
		}
	}
	t.Fatalf("no cron scheduled as %q", full)
}

// readExport decompresses a stored export and decodes its records.
func (p *backupPack) readExport(t *testing.T, key string) []resource.Record {
	t.Helper()
	storage, err := p.plugin.Storage()
	require.NoError(t, err)
	data, err := storage.Get(context.Background(), key)
	require.NoError(t, err)
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()
	var recs []resource.Record
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var rec resource.Record
		require.NoError(t, utils.FastUnmarshal(scanner.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())
	return recs
}

func recordIDs(recs []resource.Record) []string {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		id, _ := rec["id"].(string)
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) record(ctx context.Context, ev bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bus.Event(nil), l.events...)
}

func collectEvents(t *testing.T, b *bus.Bus, pattern string) *eventLog {
	t.Helper()
	log := &eventLog{}
	t.Cleanup(b.Subscribe(pattern, log.record))
	return log
}

func TestBackupFull(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users":  {Timestamps: true},
		"orders": {},
	})
	users := pack.resource(t, "users")
	orders := pack.resource(t, "orders")
	for _, name := range []string{"ada", "brin", "cora"} {
		_, err := users.Insert(ctx, resource.Record{"id": "u-" + name, "name": name})
		require.NoError(t, err)
	}
	_, err := orders.Insert(ctx, resource.Record{"id": "o1", "total": 42})
	require.NoError(t, err)
	_, err = orders.Insert(ctx, resource.Record{"id": "o2", "total": 7})
	require.NoError(t, err)

	events := collectEvents(t, pack.db.Bus(), "plg:backup:*")

	m, err := pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.Equal(t, TypeFull, m.Type)
	require.Empty(t, m.Since)
	require.Equal(t, utils.FormatTime(pack.clock.Now()), m.StartedAt)
	require.Equal(t, m.StartedAt, m.CompletedAt)
	require.Empty(t, m.Failed())

	// Every resource except the plugin's own metadata store, sorted.
	require.Len(t, m.Resources, 2)
	require.Equal(t, "orders", m.Resources[0].Name)
	require.Equal(t, "users", m.Resources[1].Name)
	require.Equal(t, 2, m.Resources[0].Records)
	require.Equal(t, 3, m.Resources[1].Records)
	for _, exp := range m.Resources {
		require.Equal(t, m.ID+"/"+exp.Name+".jsonl.gz", exp.Key)
		require.Len(t, exp.SHA256, 64)
		require.Positive(t, exp.Bytes)
		require.Empty(t, exp.Error)
	}

	recs := pack.readExport(t, m.Resources[1].Key)
	require.ElementsMatch(t, []string{"u-ada", "u-brin", "u-cora"}, recordIDs(recs))

	stored, err := pack.plugin.GetManifest(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m, stored)

	// One manifest object plus one export per resource.
	storage, err := pack.plugin.Storage()
	require.NoError(t, err)
	keys, err := storage.List(ctx, m.ID+"/")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	rows, err := pack.plugin.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, m.ID, rows[0]["id"])
	require.Equal(t, string(StatusCompleted), rows[0][fieldStatus])
	require.Equal(t, string(TypeFull), rows[0][fieldType])
	require.EqualValues(t, 5, rows[0][fieldRecords])
	require.Empty(t, rows[0][fieldError])

	all := events.all()
	require.Len(t, all, 1)
	require.Equal(t, "plg:backup:completed", all[0].Name)
	payload, ok := all[0].Payload.(*Manifest)
	require.True(t, ok)
	require.Equal(t, m.ID, payload.ID)

	require.NoError(t, pack.plugin.Verify(ctx, m.ID))
}

func TestBackupIncremental(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users":  {Timestamps: true},
		"orders": {},
	})
	users := pack.resource(t, "users")
	orders := pack.resource(t, "orders")
	_, err := users.Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
	require.NoError(t, err)
	_, err = users.Insert(ctx, resource.Record{"id": "u2", "name": "brin"})
	require.NoError(t, err)
	_, err = orders.Insert(ctx, resource.Record{"id": "o1", "total": 42})
	require.NoError(t, err)

	pack.clock.Advance(time.Minute)
	full, err := pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)

	pack.clock.Advance(time.Hour)
	_, err = users.Update(ctx, "u2", resource.Record{"name": "brin2"})
	require.NoError(t, err)
	_, err = users.Insert(ctx, resource.Record{"id": "u3", "name": "cora"})
	require.NoError(t, err)

	inc, err := pack.plugin.Backup(ctx, Options{Type: TypeIncremental})
	require.NoError(t, err)
	require.Equal(t, TypeIncremental, inc.Type)
	// Anchored on the newest completed backup's start time.
	require.Equal(t, full.StartedAt, inc.Since)

	require.Len(t, inc.Resources, 2)
	// Resources without timestamps cannot prove their age and are
	// always exported in full.
	require.Equal(t, "orders", inc.Resources[0].Name)
	require.Equal(t, 1, inc.Resources[0].Records)
	require.Equal(t, "users", inc.Resources[1].Name)
	require.Equal(t, 2, inc.Resources[1].Records)
	require.ElementsMatch(t, []string{"u2", "u3"}, recordIDs(pack.readExport(t, inc.Resources[1].Key)))

	// Records stamped exactly at the anchor are re-exported: the bound
	// is inclusive so a run never misses writes made during the backup
	// it anchors on.
	_, err = users.Insert(ctx, resource.Record{"id": "u4", "name": "dana"})
	require.NoError(t, err)
	pack.clock.Advance(time.Minute)
	inc2, err := pack.plugin.Backup(ctx, Options{Type: TypeIncremental})
	require.NoError(t, err)
	require.Equal(t, inc.StartedAt, inc2.Since)
	require.ElementsMatch(t, []string{"u2", "u3", "u4"}, recordIDs(pack.readExport(t, inc2.Resources[1].Key)))
}

func TestBackupIncrementalFallbackWindow(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	users := pack.resource(t, "users")
	_, err := users.Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
	require.NoError(t, err)

	pack.clock.Advance(25 * time.Hour)
	_, err = users.Insert(ctx, resource.Record{"id": "u2", "name": "brin"})
	require.NoError(t, err)

	// No completed backup to anchor on: the run falls back to a fixed
	// window and u1, older than it, is left out.
	inc, err := pack.plugin.Backup(ctx, Options{Type: TypeIncremental})
	require.NoError(t, err)
	require.Equal(t, utils.FormatTime(pack.clock.Now().Add(-defaults.IncrementalFallbackWindow)), inc.Since)
	require.Len(t, inc.Resources, 1)
	require.Equal(t, 1, inc.Resources[0].Records)
	require.ElementsMatch(t, []string{"u2"}, recordIDs(pack.readExport(t, inc.Resources[0].Key)))
}

func TestBackupVerifyDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	users := pack.resource(t, "users")
	_, err := users.Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
	require.NoError(t, err)
	_, err = users.Insert(ctx, resource.Record{"id": "u2", "name": "brin"})
	require.NoError(t, err)

	m, err := pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)
	require.NoError(t, pack.plugin.Verify(ctx, m.ID))

	storage, err := pack.plugin.Storage()
	require.NoError(t, err)
	key := m.Resources[0].Key

	t.Run("flipped byte", func(t *testing.T) {
		data, err := storage.Get(ctx, key)
		require.NoError(t, err)
		corrupted := slices.Clone(data)
		corrupted[len(corrupted)/2] ^= 0xff
		require.NoError(t, storage.Set(ctx, key, corrupted))

		err = pack.plugin.Verify(ctx, m.ID)
		require.Error(t, err)
		require.ErrorContains(t, err, "failed checksum verification")

		// The restore path refuses the corrupted export outright.
		_, err = pack.plugin.Restore(ctx, m.ID, RestoreOptions{})
		require.True(t, trace.IsCompareFailed(err))

		require.NoError(t, storage.Set(ctx, key, data))
		require.NoError(t, pack.plugin.Verify(ctx, m.ID))
	})

	t.Run("truncated object", func(t *testing.T) {
		data, err := storage.Get(ctx, key)
		require.NoError(t, err)
		require.NoError(t, storage.Set(ctx, key, data[:len(data)-1]))

		err = pack.plugin.Verify(ctx, m.ID)
		require.Error(t, err)
		require.ErrorContains(t, err, "size changed")

		require.NoError(t, storage.Set(ctx, key, data))
	})

	t.Run("missing object", func(t *testing.T) {
		require.NoError(t, storage.Delete(ctx, key))
		err := pack.plugin.Verify(ctx, m.ID)
		require.Error(t, err)
		require.ErrorContains(t, err, "export object is missing")
	})
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	users := pack.resource(t, "users")
	for _, rec := range []resource.Record{
		{"id": "u1", "name": "ada"},
		{"id": "u2", "name": "brin"},
		{"id": "u3", "name": "cora"},
	} {
		_, err := users.Insert(ctx, rec)
		require.NoError(t, err)
	}
	m, err := pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)
	events := collectEvents(t, pack.db.Bus(), "plg:backup:restored")

	// Without overwrite only the deleted record comes back.
	require.NoError(t, users.Delete(ctx, "u2"))
	_, err = users.Update(ctx, "u1", resource.Record{"name": "changed"})
	require.NoError(t, err)

	res, err := pack.plugin.Restore(ctx, m.ID, RestoreOptions{})
	require.NoError(t, err)
	require.Equal(t, m.ID, res.BackupID)
	require.Equal(t, map[string]int{"users": 1}, res.Restored)
	require.Equal(t, 2, res.Skipped)

	u2, err := users.Get(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, "brin", u2["name"])
	u1, err := users.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "changed", u1["name"])

	all := events.all()
	require.Len(t, all, 1)
	payload, ok := all[0].Payload.(*RestoreResult)
	require.True(t, ok)
	require.Equal(t, m.ID, payload.BackupID)

	// Overwrite rolls existing records back to their backed up state.
	res, err = pack.plugin.Restore(ctx, m.ID, RestoreOptions{Overwrite: true})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"users": 3}, res.Restored)
	require.Zero(t, res.Skipped)
	u1, err = users.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "ada", u1["name"])

	// Restoring requires the target resource to exist.
	require.NoError(t, pack.db.RemoveResource(ctx, "users", true))
	_, err = pack.plugin.Restore(ctx, m.ID, RestoreOptions{})
	require.Error(t, err)
	require.ErrorContains(t, err, "requires the resource to exist")

	// Recreating it empty and restoring brings the full set back.
	_, err = pack.db.CreateResource(ctx, database.ResourceConfig{
		Name:   "users",
		Schema: resource.Schema{Timestamps: true},
	})
	require.NoError(t, err)
	res, err = pack.plugin.Restore(ctx, m.ID, RestoreOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"users": 3}, res.Restored)
	recs, err := pack.resource(t, "users").GetAll(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u1", "u2", "u3"}, recordIDs(recs))

	// Selection errors.
	_, err = pack.plugin.Restore(ctx, m.ID, RestoreOptions{Resources: []string{"ghost"}})
	require.True(t, trace.IsNotFound(err))
	require.ErrorContains(t, err, "does not contain")
	_, err = pack.plugin.Restore(ctx, "b-ghost", RestoreOptions{})
	require.True(t, trace.IsNotFound(err))
}

func TestBackupPartialFailure(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users":  {Timestamps: true},
		"orders": {},
	})
	users := pack.resource(t, "users")
	orders := pack.resource(t, "orders")
	_, err := users.Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
	require.NoError(t, err)
	_, err = orders.Insert(ctx, resource.Record{"id": "o1", "total": 42})
	require.NoError(t, err)

	require.NoError(t, users.UseMiddleware(resource.MethodGetAll,
		func(ctx context.Context, call *resource.Call, next resource.Next) (resource.Result, error) {
			return resource.Result{}, trace.ConnectionProblem(nil, "store unavailable")
		}))

	events := collectEvents(t, pack.db.Bus(), "plg:backup:*")
	m, err := pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, m.Failed())

	require.Equal(t, "orders", m.Resources[0].Name)
	require.Empty(t, m.Resources[0].Error)
	require.Equal(t, "users", m.Resources[1].Name)
	require.Contains(t, m.Resources[1].Error, "store unavailable")
	require.Empty(t, m.Resources[1].Key)

	rows, err := pack.plugin.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, string(StatusPartial), rows[0][fieldStatus])
	require.Contains(t, rows[0][fieldError], "users: ")

	// Partial runs still report completion, carrying the failures.
	all := events.all()
	require.Len(t, all, 1)
	require.Equal(t, "plg:backup:completed", all[0].Name)

	// Explicitly restoring the failed export is refused; the default
	// selection simply skips it.
	_, err = pack.plugin.Restore(ctx, m.ID, RestoreOptions{Resources: []string{"users"}})
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "export failed during backup")
	res, err := pack.plugin.Restore(ctx, m.ID, RestoreOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"orders": 0}, res.Restored)
	require.Equal(t, 1, res.Skipped)
}

func TestBackupAllExportsFailed(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	require.NoError(t, pack.resource(t, "users").UseMiddleware(resource.MethodGetAll,
		func(ctx context.Context, call *resource.Call, next resource.Next) (resource.Result, error) {
			return resource.Result{}, trace.ConnectionProblem(nil, "store unavailable")
		}))

	events := collectEvents(t, pack.db.Bus(), "plg:backup:*")
	m, err := pack.plugin.Backup(ctx, Options{})
	require.Error(t, err)
	require.ErrorContains(t, err, "every resource export failed")
	require.NotNil(t, m)
	require.Equal(t, []string{"users"}, m.Failed())

	rows, err := pack.plugin.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, string(StatusFailed), rows[0][fieldStatus])

	all := events.all()
	require.Len(t, all, 1)
	require.Equal(t, "plg:backup:failed", all[0].Name)
}

func TestBackupOverlapGuard(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})

	pack.plugin.mu.Lock()
	pack.plugin.activeID = "b-busy"
	pack.plugin.mu.Unlock()

	_, err := pack.plugin.Backup(ctx, Options{})
	require.True(t, trace.IsLimitExceeded(err))
	require.ErrorContains(t, err, "b-busy")

	// The run in flight cannot be deleted either.
	err = pack.plugin.Delete(ctx, "b-busy")
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "still running")

	pack.plugin.mu.Lock()
	pack.plugin.activeID = ""
	pack.plugin.mu.Unlock()

	_, err = pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)
}

func TestBackupDelete(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	_, err := pack.resource(t, "users").Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
	require.NoError(t, err)

	first, err := pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)
	pack.clock.Advance(time.Minute)
	second, err := pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)

	rows, err := pack.plugin.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, second.ID, rows[0]["id"])
	require.Equal(t, first.ID, rows[1]["id"])

	require.NoError(t, pack.plugin.Delete(ctx, first.ID))

	_, err = pack.plugin.GetManifest(ctx, first.ID)
	require.True(t, trace.IsNotFound(err))
	storage, err := pack.plugin.Storage()
	require.NoError(t, err)
	keys, err := storage.List(ctx, first.ID+"/")
	require.NoError(t, err)
	require.Empty(t, keys)

	rows, err = pack.plugin.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, second.ID, rows[0]["id"])

	err = pack.plugin.Delete(ctx, first.ID)
	require.True(t, trace.IsNotFound(err))
	err = pack.plugin.Delete(ctx, "")
	require.True(t, trace.IsBadParameter(err))
}

func TestBackupRetention(t *testing.T) {
	ctx := context.Background()

	t.Run("keep last", func(t *testing.T) {
		pack := newBackupPack(t, Config{
			Retention: &RetentionPolicy{KeepLast: 2},
		}, map[string]resource.Schema{
			"users": {Timestamps: true},
		})
		_, err := pack.resource(t, "users").Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
		require.NoError(t, err)

		var ids []string
		for range 3 {
			m, err := pack.plugin.Backup(ctx, Options{})
			require.NoError(t, err)
			ids = append(ids, m.ID)
			pack.clock.Advance(time.Minute)
		}

		rows, err := pack.plugin.Backups(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, ids[2], rows[0]["id"])
		require.Equal(t, ids[1], rows[1]["id"])

		_, err = pack.plugin.GetManifest(ctx, ids[0])
		require.True(t, trace.IsNotFound(err))
		storage, err := pack.plugin.Storage()
		require.NoError(t, err)
		keys, err := storage.List(ctx, ids[0]+"/")
		require.NoError(t, err)
		require.Empty(t, keys)
	})

	t.Run("keep days", func(t *testing.T) {
		pack := newBackupPack(t, Config{
			Retention: &RetentionPolicy{KeepDays: 7},
		}, map[string]resource.Schema{
			"users": {Timestamps: true},
		})
		_, err := pack.resource(t, "users").Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
		require.NoError(t, err)

		old, err := pack.plugin.Backup(ctx, Options{})
		require.NoError(t, err)
		pack.clock.Advance(8 * 24 * time.Hour)
		fresh, err := pack.plugin.Backup(ctx, Options{})
		require.NoError(t, err)

		rows, err := pack.plugin.Backups(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, fresh.ID, rows[0]["id"])
		_, err = pack.plugin.GetManifest(ctx, old.ID)
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("zero policy keeps everything", func(t *testing.T) {
		pack := newBackupPack(t, Config{
			Retention: &RetentionPolicy{},
		}, map[string]resource.Schema{
			"users": {Timestamps: true},
		})
		for range 3 {
			_, err := pack.plugin.Backup(ctx, Options{})
			require.NoError(t, err)
			pack.clock.Advance(time.Minute)
		}
		rows, err := pack.plugin.Backups(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 3)
	})
}

func TestBackupScheduled(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{
		Schedule: "0 3 * * *",
	}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	_, err := pack.resource(t, "users").Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
	require.NoError(t, err)

	pack.tick(t, "scheduled")

	rows, err := pack.plugin.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, string(TypeIncremental), rows[0][fieldType])
	require.Equal(t, string(StatusCompleted), rows[0][fieldStatus])
}

func TestBackupResourceSelection(t *testing.T) {
	ctx := context.Background()
	schemas := map[string]resource.Schema{
		"users":  {Timestamps: true},
		"orders": {},
	}

	t.Run("configured selection", func(t *testing.T) {
		pack := newBackupPack(t, Config{Resources: []string{"users"}}, schemas)
		m, err := pack.plugin.Backup(ctx, Options{})
		require.NoError(t, err)
		require.Len(t, m.Resources, 1)
		require.Equal(t, "users", m.Resources[0].Name)
	})

	t.Run("override deduplicates", func(t *testing.T) {
		pack := newBackupPack(t, Config{Resources: []string{"users"}}, schemas)
		m, err := pack.plugin.Backup(ctx, Options{Resources: []string{"orders", "orders"}})
		require.NoError(t, err)
		require.Len(t, m.Resources, 1)
		require.Equal(t, "orders", m.Resources[0].Name)
	})

	t.Run("unknown resource", func(t *testing.T) {
		pack := newBackupPack(t, Config{}, schemas)
		_, err := pack.plugin.Backup(ctx, Options{Resources: []string{"ghost"}})
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("unknown type", func(t *testing.T) {
		pack := newBackupPack(t, Config{}, schemas)
		_, err := pack.plugin.Backup(ctx, Options{Type: "weekly"})
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestBackupUninstallPurges(t *testing.T) {
	ctx := context.Background()
	pack := newBackupPack(t, Config{}, map[string]resource.Schema{
		"users": {Timestamps: true},
	})
	_, err := pack.resource(t, "users").Insert(ctx, resource.Record{"id": "u1", "name": "ada"})
	require.NoError(t, err)
	_, err = pack.plugin.Backup(ctx, Options{})
	require.NoError(t, err)

	storage, err := pack.plugin.Storage()
	require.NoError(t, err)
	metadataName := pack.plugin.metadataName()
	require.True(t, pack.db.HasResource(metadataName))

	require.NoError(t, pack.db.Uninstall(ctx, pack.plugin, true))

	require.False(t, pack.db.HasResource(metadataName))
	keys, err := storage.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)
	// The user resource itself is untouched.
	require.True(t, pack.db.HasResource("users"))
}

func TestBackupConfigValidation(t *testing.T) {
	t.Run("negative retention", func(t *testing.T) {
		cfg := Config{Retention: &RetentionPolicy{KeepLast: -1}}
		require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
		cfg = Config{Retention: &RetentionPolicy{KeepDays: -1}}
		require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
	})

	t.Run("empty resource name", func(t *testing.T) {
		cfg := Config{Resources: []string{"users", ""}}
		require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))
	})

	t.Run("defaults", func(t *testing.T) {
		cfg := Config{}
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.Equal(t, defaults.BackupKeepLast, cfg.Retention.KeepLast)
		require.Equal(t, defaults.BackupKeepDays, cfg.Retention.KeepDays)
		require.Equal(t, defaults.WorkpoolSize, cfg.Workers)
		require.NotNil(t, cfg.Clock)
		require.NotNil(t, cfg.Logger)
	})

	t.Run("explicit zero retention is kept", func(t *testing.T) {
		cfg := Config{Retention: &RetentionPolicy{}}
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.Zero(t, cfg.Retention.KeepLast)
		require.Zero(t, cfg.Retention.KeepDays)
	})
}

func TestBackupLifecycleGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("not installed", func(t *testing.T) {
		p, err := New(Config{Logger: utils.NewSlogLoggerForTests()})
		require.NoError(t, err)
		_, err = p.Backup(ctx, Options{})
		require.True(t, trace.IsBadParameter(err))
		require.ErrorContains(t, err, "not installed")
		_, err = p.Backups(ctx)
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("installed but not started", func(t *testing.T) {
		store, err := objstore.NewMemory(objstore.MemoryConfig{})
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, store.Close()) })
		db, err := database.New(database.Config{
			Client: store,
			Logger: utils.NewSlogLoggerForTests(),
		})
		require.NoError(t, err)
		p, err := New(Config{Logger: utils.NewSlogLoggerForTests()})
		require.NoError(t, err)
		require.NoError(t, db.Use(ctx, p))

		_, err = p.Backup(ctx, Options{})
		require.True(t, trace.IsBadParameter(err))
		require.ErrorContains(t, err, "not started")
	})
}
