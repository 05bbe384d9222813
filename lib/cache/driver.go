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

// Package cache implements the read-through cache engine: a set of
// interchangeable storage drivers, a deterministic key scheme derived
// from resource calls, and a plugin that attaches read and
// invalidation middleware to resources.
package cache

import (
	"context"
	"time"
)

// DriverKind tags a driver implementation.
type DriverKind string

const (
	// KindMemory is the in-process LRU driver.
	KindMemory DriverKind = "memory"
	// KindFilesystem is the local-disk driver.
	KindFilesystem DriverKind = "filesystem"
	// KindPartitionFS is the filesystem driver with per-partition
	// usage tracking.
	KindPartitionFS DriverKind = "partition-fs"
	// KindS3 is the object-store-backed driver.
	KindS3 DriverKind = "s3"
	// KindRedis is the Redis-backed driver.
	KindRedis DriverKind = "redis"
	// KindMultiTier layers several drivers.
	KindMultiTier DriverKind = "multi-tier"
)

// Driver is the storage contract every cache backend implements.
// Values are opaque byte slices; the engine encodes result envelopes
// before they reach the driver. Get returns a NotFound trace error on
// miss. Delete of a missing key is not an error.
type Driver interface {
	// Kind tags the implementation.
	Kind() DriverKind
	// Get returns the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// Clear removes every key under prefix and reports how many
	// entries were dropped. An empty prefix clears everything.
	Clear(ctx context.Context, prefix string) (int, error)
	// Keys lists the stored keys under prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Size reports the number of stored entries.
	Size(ctx context.Context) (int, error)
	// Close releases driver resources.
	Close() error
}

// PartitionStats aggregates usage for one partition path.
type PartitionStats struct {
	// Partition is the partition path inside cache keys, e.g.
	// "byCountry/country:nl".
	Partition string `json:"partition"`
	// Entries is the number of live cache entries in the partition.
	Entries int `json:"entries"`
	// Bytes is the stored payload size.
	Bytes int64 `json:"bytes"`
	// Hits and Misses count reads against the partition.
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	// LastAccess is the time of the most recent read or write.
	LastAccess time.Time `json:"lastAccess"`
}

// RecommendationKind labels a partition recommendation.
type RecommendationKind string

const (
	// RecommendPreload marks a hot partition worth warming after a
	// restart.
	RecommendPreload RecommendationKind = "preload"
	// RecommendArchive marks a cold partition whose entries can move
	// to cheaper storage.
	RecommendArchive RecommendationKind = "archive"
)

// Recommendation is advice derived from partition usage.
type Recommendation struct {
	Kind      RecommendationKind `json:"kind"`
	Partition string             `json:"partition"`
	Reason    string             `json:"reason"`
}

// PartitionAware is the optional capability interface drivers
// implement when they track usage per partition. Callers discover it
// with a type assertion on Driver.
type PartitionAware interface {
	// PartitionStats returns usage per partition path, most recently
	// accessed first.
	PartitionStats() []PartitionStats
	// Recommendations derives preload and archive advice from the
	// collected usage.
	Recommendations() []Recommendation
	// WarmPartition bulk-loads pre-built entries belonging to one
	// partition path.
	WarmPartition(ctx context.Context, partition string, entries map[string][]byte) error
}
