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

package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed driver.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password authenticates the connection. Optional.
	Password string
	// DB selects the Redis logical database.
	DB int
	// KeyPrefix namespaces cache entries inside Redis. Defaults to
	// "strata:cache:".
	KeyPrefix string
	// TTL expires entries server-side. Zero keeps entries until
	// invalidation.
	TTL time.Duration
	// Client overrides the connection, for tests or custom
	// topologies. When set, Addr is ignored and Close leaves the
	// client open.
	Client redis.UniversalClient
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisConfig) CheckAndSetDefaults() error {
	if c.Addr == "" && c.Client == nil {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "strata:cache:"
	}
	return nil
}

// Redis stores entries in a Redis server, shared by every process
// pointed at the same server and prefix.
type Redis struct {
	cfg        RedisConfig
	clt        redis.UniversalClient
	ownsClient bool
}

// NewRedis returns a Redis-backed driver.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Redis{cfg: cfg, clt: cfg.Client}
	if r.clt == nil {
		r.clt = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		r.ownsClient = true
	}
	return r, nil
}

// Kind implements Driver.
func (r *Redis) Kind() DriverKind { return KindRedis }

func (r *Redis) redisKey(key string) string {
	return r.cfg.KeyPrefix + key
}

// convertRedisError maps go-redis errors onto trace classes: a nil
// reply is a miss, anything else is treated as transient.
func convertRedisError(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return trace.NotFound("key %q is not cached", key)
	}
	return trace.ConnectionProblem(err, "redis request failed")
}

// Get implements Driver.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.clt.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		return nil, convertRedisError(err, key)
	}
	return value, nil
}

// Set implements Driver.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return convertRedisError(r.clt.Set(ctx, r.redisKey(key), value, r.cfg.TTL).Err(), key)
}

// Delete implements Driver.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return convertRedisError(r.clt.Del(ctx, r.redisKey(key)).Err(), key)
}

// scanKeys iterates the server-side keys under a key prefix.
func (r *Redis) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	const scanBatch = 256
	var keys []string
	iter := r.clt.Scan(ctx, 0, r.redisKey(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, convertRedisError(err, prefix)
	}
	return keys, nil
}

// Clear implements Driver.
func (r *Redis) Clear(ctx context.Context, prefix string) (int, error) {
	keys, err := r.scanKeys(ctx, prefix)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := r.clt.Del(ctx, keys...).Err(); err != nil {
		return 0, convertRedisError(err, prefix)
	}
	return len(keys), nil
}

// Keys implements Driver.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	raw, err := r.scanKeys(ctx, prefix)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keys := make([]string, 0, len(raw))
	for _, key := range raw {
		keys = append(keys, strings.TrimPrefix(key, r.cfg.KeyPrefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements Driver.
func (r *Redis) Size(ctx context.Context) (int, error) {
	keys, err := r.scanKeys(ctx, "")
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return len(keys), nil
}

// Close implements Driver.
func (r *Redis) Close() error {
	if !r.ownsClient {
		return nil
	}
	return trace.Wrap(r.clt.Close())
}
