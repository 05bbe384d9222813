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
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata"
	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/utils"
)

// locksPrefix is the segment separating lock keys from ordinary
// storage keys within a plugin's keyspace.
const locksPrefix = "locks"

// StorageConfig holds plugin storage parameters.
type StorageConfig struct {
	// Client is the object store.
	Client objstore.Client
	// Slug scopes the keyspace: every key lives under plg/<slug>/.
	Slug string
	// Clock drives lock TTL arithmetic.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StorageConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Slug == "" {
		return trace.BadParameter("missing parameter Slug")
	}
	if strings.Contains(c.Slug, "/") {
		return trace.BadParameter("slug %q must not contain a slash", c.Slug)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(strata.ComponentKey, strata.ComponentPlugin, "plugin", c.Slug)
	}
	return nil
}

// Storage is a plugin's private keyspace on the object store, rooted
// at plg/<slug>/. It also implements distributed locks as conditional
// creates under plg/<slug>/locks/.
type Storage struct {
	cfg    StorageConfig
	prefix string
	jitter utils.Jitter
}

// NewStorage returns storage scoped to the plugin slug.
func NewStorage(cfg StorageConfig) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Storage{
		cfg:    cfg,
		prefix: strata.PluginKeyPrefix + "/" + cfg.Slug + "/",
		jitter: utils.NewHalfJitter(),
	}, nil
}

func (s *Storage) objectKey(key string) string {
	return s.prefix + key
}

func (s *Storage) lockKey(name string) string {
	return s.prefix + locksPrefix + "/" + name
}

// Get returns the value stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.cfg.Client.GetObject(ctx, s.objectKey(key))
	return data, trace.Wrap(err)
}

// GetJSON unmarshals the value stored under key into out.
func (s *Storage) GetJSON(ctx context.Context, key string, out any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.FastUnmarshal(data, out))
}

// Set stores value under key, overwriting.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	return trace.Wrap(s.cfg.Client.PutObject(ctx, s.objectKey(key), value, objstore.PutOptions{}))
}

// SetJSON marshals v and stores it under key.
func (s *Storage) SetJSON(ctx context.Context, key string, v any) error {
	data, err := utils.FastMarshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.cfg.Client.PutObject(ctx, s.objectKey(key), data, objstore.PutOptions{
		ContentType: "application/json",
	}))
}

// Delete removes the value stored under key. Deleting a missing key is
// not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return trace.Wrap(s.cfg.Client.DeleteObject(ctx, s.objectKey(key)))
}

// List returns the keys under the given prefix, relative to the
// plugin's keyspace, in lexicographic order.
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := objstore.ForEachObject(ctx, s.cfg.Client, s.objectKey(prefix), func(obj objstore.ObjectInfo) error {
		keys = append(keys, strings.TrimPrefix(obj.Key, s.prefix))
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return keys, nil
}

// Purge deletes everything under the plugin's keyspace, locks
// included.
func (s *Storage) Purge(ctx context.Context) error {
	n, err := objstore.DeletePrefix(ctx, s.cfg.Client, s.prefix)
	if err != nil {
		return trace.Wrap(err)
	}
	s.cfg.Logger.InfoContext(ctx, "Purged plugin storage.", "objects", n)
	return nil
}

// lockRecord is the JSON body of a lock object.
type lockRecord struct {
	Owner      string `json:"owner"`
	AcquiredAt string `json:"acquiredAt"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

// LockParams bound a lock acquisition.
type LockParams struct {
	// TTL is how long the lock lives before any caller may preempt it.
	// Bounds deadlock when an owner crashes without releasing.
	TTL time.Duration
	// Timeout is how long AcquireLock polls a contended lock before
	// giving up. Zero means a single attempt.
	Timeout time.Duration
	// Owner identifies the acquirer; release requires it to match.
	// Defaults to a random id.
	Owner string
}

// CheckAndSetDefaults validates the params and fills in defaults.
func (p *LockParams) CheckAndSetDefaults() error {
	if p.TTL < 0 || p.Timeout < 0 {
		return trace.BadParameter("lock TTL and timeout must not be negative")
	}
	if p.TTL == 0 {
		p.TTL = defaults.LockTTL
	}
	if p.Owner == "" {
		p.Owner = uuid.NewString()
	}
	return nil
}

// Lock is a held distributed lock.
type Lock struct {
	storage    *Storage
	name       string
	owner      string
	ttl        time.Duration
	acquiredAt time.Time
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Owner returns the owner id the lock was acquired with.
func (l *Lock) Owner() string { return l.owner }

// AcquireLock grabs a named lock via conditional create. On
// contention it polls with a jittered delay until Timeout elapses,
// then returns a LimitExceeded error. A lock whose TTL has lapsed is
// preempted regardless of owner. First writer wins; there is no
// fairness across waiters.
func (s *Storage) AcquireLock(ctx context.Context, name string, params LockParams) (*Lock, error) {
	if name == "" {
		return nil, trace.BadParameter("missing parameter lock name")
	}
	if err := params.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	key := s.lockKey(name)
	deadline := s.cfg.Clock.Now().Add(params.Timeout)
	for {
		now := s.cfg.Clock.Now()
		body, err := utils.FastMarshal(lockRecord{
			Owner:      params.Owner,
			AcquiredAt: utils.FormatTime(now),
			TTLSeconds: int64(params.TTL / time.Second),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		err = s.cfg.Client.PutObject(ctx, key, body, objstore.PutOptions{
			ContentType: "application/json",
			IfNoneMatch: true,
		})
		if err == nil {
			return &Lock{storage: s, name: name, owner: params.Owner, ttl: params.TTL, acquiredAt: now}, nil
		}
		if !trace.IsAlreadyExists(err) {
			return nil, trace.Wrap(err)
		}
		// Locked. Preempt if the holder's TTL lapsed, otherwise wait
		// and go around.
		preempted, err := s.preemptExpired(ctx, key, now)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if preempted {
			continue
		}
		if !now.Before(deadline) {
			return nil, trace.LimitExceeded("lock %q is still held after %v", name, params.Timeout)
		}
		select {
		case <-s.cfg.Clock.After(s.jitter(defaults.LockPollInterval)):
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
}

// preemptExpired deletes the lock at key when its TTL has lapsed. A
// lock that vanished or carries an unreadable record is treated as
// preempted so the caller retries the create immediately.
func (s *Storage) preemptExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	data, err := s.cfg.Client.GetObject(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return true, nil
		}
		return false, trace.Wrap(err)
	}
	var rec lockRecord
	if err := utils.FastUnmarshal(data, &rec); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Deleting unreadable lock record.", "key", key, "error", err)
		return true, trace.Wrap(s.cfg.Client.DeleteObject(ctx, key))
	}
	acquiredAt, err := utils.ParseTime(rec.AcquiredAt)
	if err != nil {
		s.cfg.Logger.WarnContext(ctx, "Deleting lock record with unreadable timestamp.", "key", key, "error", err)
		return true, trace.Wrap(s.cfg.Client.DeleteObject(ctx, key))
	}
	if now.Sub(acquiredAt) <= time.Duration(rec.TTLSeconds)*time.Second {
		return false, nil
	}
	s.cfg.Logger.WarnContext(ctx, "Preempting expired lock.",
		"key", key, "owner", rec.Owner, "acquired_at", rec.AcquiredAt)
	return true, trace.Wrap(s.cfg.Client.DeleteObject(ctx, key))
}

// ReleaseLock deletes the lock if and only if the stored owner matches
// the lock's. A lock that expired and was preempted, or is now held by
// someone else, yields a CompareFailed error.
func (s *Storage) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return trace.BadParameter("missing parameter lock")
	}
	key := s.lockKey(lock.name)
	data, err := s.cfg.Client.GetObject(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.CompareFailed("cannot release lock %q (expired)", lock.name)
		}
		return trace.Wrap(err)
	}
	var rec lockRecord
	if err := utils.FastUnmarshal(data, &rec); err != nil {
		return trace.Wrap(err)
	}
	if rec.Owner != lock.owner {
		return trace.CompareFailed("cannot release lock %q (ownership changed)", lock.name)
	}
	return trace.Wrap(s.cfg.Client.DeleteObject(ctx, key))
}

// Release is shorthand for ReleaseLock on the acquiring storage.
func (l *Lock) Release(ctx context.Context) error {
	return trace.Wrap(l.storage.ReleaseLock(ctx, l))
}
