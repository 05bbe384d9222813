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

package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/utils"
)

type storagePack struct {
	clock   *clockwork.FakeClock
	store   *objstore.Memory
	storage *Storage
}

func newStoragePack(t *testing.T, slug string) *storagePack {
	t.Helper()
	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	clock := clockwork.NewFakeClock()
	storage, err := NewStorage(StorageConfig{
		Client: store,
		Slug:   slug,
		Clock:  clock,
		Logger: utils.NewSlogLoggerForTests(),
	})
	require.NoError(t, err)
	return &storagePack{clock: clock, store: store, storage: storage}
}

func TestStorageCRUD(t *testing.T) {
	ctx := context.Background()
	pack := newStoragePack(t, "ttl-cleanup")
	s := pack.storage

	_, err := s.Get(ctx, "config")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, s.Set(ctx, "config", []byte(`{"enabled":true}`)))
	data, err := s.Get(ctx, "config")
	require.NoError(t, err)
	require.JSONEq(t, `{"enabled":true}`, string(data))

	// Keys land under the slug prefix on the store.
	_, err = pack.store.GetObject(ctx, "plg/ttl-cleanup/config")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "config"))
	_, err = s.Get(ctx, "config")
	require.True(t, trace.IsNotFound(err))

	// Deleting twice is fine.
	require.NoError(t, s.Delete(ctx, "config"))
}

func TestStorageJSON(t *testing.T) {
	ctx := context.Background()
	s := newStoragePack(t, "cache-engine").storage

	type settings struct {
		MaxItems int    `json:"maxItems"`
		Driver   string `json:"driver"`
	}
	require.NoError(t, s.SetJSON(ctx, "settings", settings{MaxItems: 100, Driver: "memory"}))

	var got settings
	require.NoError(t, s.GetJSON(ctx, "settings", &got))
	require.Equal(t, settings{MaxItems: 100, Driver: "memory"}, got)
}

func TestStorageList(t *testing.T) {
	ctx := context.Background()
	s := newStoragePack(t, "backup").storage

	for _, key := range []string{"runs/a", "runs/b", "state"} {
		require.NoError(t, s.Set(ctx, key, []byte("x")))
	}

	keys, err := s.List(ctx, "runs/")
	require.NoError(t, err)
	require.Equal(t, []string{"runs/a", "runs/b"}, keys)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"runs/a", "runs/b", "state"}, all)
}

func TestStorageIsolation(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	a, err := NewStorage(StorageConfig{Client: store, Slug: "alpha", Logger: utils.NewSlogLoggerForTests()})
	require.NoError(t, err)
	b, err := NewStorage(StorageConfig{Client: store, Slug: "beta", Logger: utils.NewSlogLoggerForTests()})
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, "shared-name", []byte("from alpha")))
	_, err = b.Get(ctx, "shared-name")
	require.True(t, trace.IsNotFound(err))

	keys, err := b.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestStoragePurge(t *testing.T) {
	ctx := context.Background()
	pack := newStoragePack(t, "machine")
	s := pack.storage

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Set(ctx, "b", []byte("2")))
	_, err := s.AcquireLock(ctx, "job", LockParams{})
	require.NoError(t, err)

	require.NoError(t, s.Purge(ctx))
	require.Equal(t, 0, pack.store.Len())
}

func TestAcquireAndReleaseLock(t *testing.T) {
	ctx := context.Background()
	pack := newStoragePack(t, "ttl-cleanup")
	s := pack.storage

	lock, err := s.AcquireLock(ctx, "sweep", LockParams{Owner: "node-1"})
	require.NoError(t, err)
	require.Equal(t, "sweep", lock.Name())
	require.Equal(t, "node-1", lock.Owner())

	// Lock record carries owner, acquisition time and TTL.
	data, err := pack.store.GetObject(ctx, "plg/ttl-cleanup/locks/sweep")
	require.NoError(t, err)
	var rec lockRecord
	require.NoError(t, utils.FastUnmarshal(data, &rec))
	require.Equal(t, "node-1", rec.Owner)
	require.Equal(t, int64(30), rec.TTLSeconds)
	require.Equal(t, utils.FormatTime(pack.clock.Now()), rec.AcquiredAt)

	// Contended single attempt fails fast.
	_, err = s.AcquireLock(ctx, "sweep", LockParams{Owner: "node-2"})
	require.True(t, trace.IsLimitExceeded(err))

	require.NoError(t, lock.Release(ctx))
	_, err = s.AcquireLock(ctx, "sweep", LockParams{Owner: "node-2"})
	require.NoError(t, err)
}

func TestLockPreemptionAfterTTL(t *testing.T) {
	ctx := context.Background()
	pack := newStoragePack(t, "ttl-cleanup")
	s := pack.storage

	stale, err := s.AcquireLock(ctx, "sweep", LockParams{TTL: time.Second, Owner: "crashed"})
	require.NoError(t, err)

	// Within TTL the lock holds.
	_, err = s.AcquireLock(ctx, "sweep", LockParams{Owner: "node-2"})
	require.True(t, trace.IsLimitExceeded(err))

	pack.clock.Advance(2 * time.Second)
	taken, err := s.AcquireLock(ctx, "sweep", LockParams{Owner: "node-2"})
	require.NoError(t, err)
	require.Equal(t, "node-2", taken.Owner())

	// The crashed owner cannot release what was preempted.
	err = stale.Release(ctx)
	require.True(t, trace.IsCompareFailed(err))
}

func TestLockPollsUntilReleased(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pack := newStoragePack(t, "machine")
	s := pack.storage

	held, err := s.AcquireLock(ctx, "transition-m1-e1", LockParams{Owner: "first"})
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		_, err := s.AcquireLock(ctx, "transition-m1-e1", LockParams{Owner: "second", Timeout: time.Minute})
		acquired <- err
	}()

	// The waiter parks on its poll timer; release and let the timer
	// fire.
	require.NoError(t, pack.clock.BlockUntilContext(ctx, 1))
	require.NoError(t, held.Release(ctx))
	pack.clock.Advance(time.Second)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for lock acquisition")
	}
}

func TestLockAcquireHonorsContext(t *testing.T) {
	pack := newStoragePack(t, "machine")
	s := pack.storage

	background := context.Background()
	_, err := s.AcquireLock(background, "busy", LockParams{Owner: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(background)
	acquired := make(chan error, 1)
	go func() {
		_, err := s.AcquireLock(ctx, "busy", LockParams{Owner: "second", Timeout: time.Minute})
		acquired <- err
	}()

	require.NoError(t, pack.clock.BlockUntilContext(background, 1))
	cancel()

	select {
	case err := <-acquired:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for canceled acquisition to return")
	}
}

func TestReleaseLockWrongOwner(t *testing.T) {
	ctx := context.Background()
	s := newStoragePack(t, "backup").storage

	_, err := s.AcquireLock(ctx, "run", LockParams{Owner: "node-1"})
	require.NoError(t, err)

	err = s.ReleaseLock(ctx, &Lock{storage: s, name: "run", owner: "node-2"})
	require.True(t, trace.IsCompareFailed(err))

	// Releasing a lock that never existed also fails the owner check.
	err = s.ReleaseLock(ctx, &Lock{storage: s, name: "ghost", owner: "node-1"})
	require.True(t, trace.IsCompareFailed(err))
}

func TestLockParamsValidation(t *testing.T) {
	ctx := context.Background()
	s := newStoragePack(t, "cache-engine").storage

	_, err := s.AcquireLock(ctx, "", LockParams{})
	require.True(t, trace.IsBadParameter(err))

	_, err = s.AcquireLock(ctx, "x", LockParams{TTL: -time.Second})
	require.True(t, trace.IsBadParameter(err))

	// Owner defaults to a random id.
	lock, err := s.AcquireLock(ctx, "x", LockParams{})
	require.NoError(t, err)
	require.NotEmpty(t, lock.Owner())
}
