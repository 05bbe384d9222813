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
	"sort"
	"strings"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/objstore"
)

// S3Config configures the object-store-backed driver.
type S3Config struct {
	// Client is the object-store client entries are stored in. The
	// driver does not own it: Close leaves it open.
	Client objstore.Client
	// Prefix roots all cache entries inside the store. Defaults to
	// "plg/cache/".
	Prefix string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *S3Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Prefix == "" {
		c.Prefix = "plg/cache/"
	}
	if !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	return nil
}

// S3 stores entries in the object store, sharing the durability and
// consistency model of the data it caches. Useful as the cold tier of
// a multi-tier setup.
type S3 struct {
	cfg S3Config
}

// NewS3 returns an object-store-backed driver.
func NewS3(cfg S3Config) (*S3, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &S3{cfg: cfg}, nil
}

// Kind implements Driver.
func (s *S3) Kind() DriverKind { return KindS3 }

func (s *S3) objectKey(key string) string {
	return s.cfg.Prefix + key
}

// Get implements Driver.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.cfg.Client.GetObject(ctx, s.objectKey(key))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("key %q is not cached", key)
		}
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// Set implements Driver.
func (s *S3) Set(ctx context.Context, key string, value []byte) error {
	err := s.cfg.Client.PutObject(ctx, s.objectKey(key), value, objstore.PutOptions{
		ContentType: "application/json",
	})
	return trace.Wrap(err)
}

// Delete implements Driver.
func (s *S3) Delete(ctx context.Context, key string) error {
	return trace.Wrap(s.cfg.Client.DeleteObject(ctx, s.objectKey(key)))
}

// Clear implements Driver.
func (s *S3) Clear(ctx context.Context, prefix string) (int, error) {
	removed, err := objstore.DeletePrefix(ctx, s.cfg.Client, s.objectKey(prefix))
	return removed, trace.Wrap(err)
}

// Keys implements Driver.
func (s *S3) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := objstore.ForEachObject(ctx, s.cfg.Client, s.objectKey(prefix), func(obj objstore.ObjectInfo) error {
		keys = append(keys, strings.TrimPrefix(obj.Key, s.cfg.Prefix))
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements Driver.
func (s *S3) Size(ctx context.Context) (int, error) {
	count := 0
	err := objstore.ForEachObject(ctx, s.cfg.Client, s.cfg.Prefix, func(objstore.ObjectInfo) error {
		count++
		return nil
	})
	return count, trace.Wrap(err)
}

// Close implements Driver. The underlying client stays open.
func (s *S3) Close() error { return nil }
