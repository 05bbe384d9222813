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
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// PartitionFSConfig configures the partition-aware filesystem driver.
type PartitionFSConfig struct {
	// Dir is the cache root directory, created if missing.
	Dir string
	// PreloadHitThreshold is the hit count at which a partition
	// becomes a preload recommendation. Defaults to 100.
	PreloadHitThreshold uint64
	// ArchiveAfter is the idle duration at which a partition becomes
	// an archive recommendation. Defaults to 24h.
	ArchiveAfter time.Duration
	// Clock is used for access timestamps.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PartitionFSConfig) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.PreloadHitThreshold == 0 {
		c.PreloadHitThreshold = 100
	}
	if c.ArchiveAfter <= 0 {
		c.ArchiveAfter = 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

type partitionUsage struct {
	entries    int
	bytes      int64
	hits       uint64
	misses     uint64
	lastAccess time.Time
}

// PartitionFS is a filesystem driver that attributes usage to the
// partition path embedded in cache keys. It implements
// PartitionAware: callers discover the capability with a type
// assertion and use the usage data to decide what to keep warm.
type PartitionFS struct {
	cfg PartitionFSConfig
	fs  *Filesystem

	mu    sync.Mutex
	usage map[string]*partitionUsage
}

// NewPartitionFS returns a partition-aware filesystem driver.
func NewPartitionFS(cfg PartitionFSConfig) (*PartitionFS, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fs, err := NewFilesystem(FilesystemConfig{Dir: cfg.Dir, Logger: cfg.Logger})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &PartitionFS{
		cfg:   cfg,
		fs:    fs,
		usage: make(map[string]*partitionUsage),
	}, nil
}

// Kind implements Driver.
func (p *PartitionFS) Kind() DriverKind { return KindPartitionFS }

// usageFor returns the tracked usage for a partition path, creating
// it on first touch. Callers hold p.mu.
func (p *PartitionFS) usageFor(partition string) *partitionUsage {
	u, ok := p.usage[partition]
	if !ok {
		u = &partitionUsage{}
		p.usage[partition] = u
	}
	return u
}

// Get implements Driver.
func (p *PartitionFS) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := p.fs.Get(ctx, key)
	if partition := partitionOf(key); partition != "" {
		p.mu.Lock()
		u := p.usageFor(partition)
		switch {
		case err == nil:
			u.hits++
			u.lastAccess = p.cfg.Clock.Now()
		case trace.IsNotFound(err):
			u.misses++
		}
		p.mu.Unlock()
	}
	return value, trace.Wrap(err)
}

// Set implements Driver.
func (p *PartitionFS) Set(ctx context.Context, key string, value []byte) error {
	partition := partitionOf(key)
	prevSize := int64(-1)
	if partition != "" {
		if info, err := os.Stat(p.fs.path(key)); err == nil {
			prevSize = info.Size()
		}
	}
	if err := p.fs.Set(ctx, key, value); err != nil {
		return trace.Wrap(err)
	}
	if partition != "" {
		p.mu.Lock()
		u := p.usageFor(partition)
		if prevSize >= 0 {
			u.bytes -= prevSize
		} else {
			u.entries++
		}
		u.bytes += int64(len(value))
		u.lastAccess = p.cfg.Clock.Now()
		p.mu.Unlock()
	}
	return nil
}

// Delete implements Driver.
func (p *PartitionFS) Delete(ctx context.Context, key string) error {
	partition := partitionOf(key)
	prevSize := int64(-1)
	if partition != "" {
		if info, err := os.Stat(p.fs.path(key)); err == nil {
			prevSize = info.Size()
		}
	}
	if err := p.fs.Delete(ctx, key); err != nil {
		return trace.Wrap(err)
	}
	if partition != "" && prevSize >= 0 {
		p.mu.Lock()
		u := p.usageFor(partition)
		u.entries--
		u.bytes -= prevSize
		p.mu.Unlock()
	}
	return nil
}

// Clear implements Driver.
func (p *PartitionFS) Clear(ctx context.Context, prefix string) (int, error) {
	keys, err := p.fs.Keys(ctx, prefix)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	for _, key := range keys {
		if err := p.Delete(ctx, key); err != nil {
			return removed, trace.Wrap(err)
		}
		removed++
	}
	return removed, nil
}

// Keys implements Driver.
func (p *PartitionFS) Keys(ctx context.Context, prefix string) ([]string, error) {
	return p.fs.Keys(ctx, prefix)
}

// Size implements Driver.
func (p *PartitionFS) Size(ctx context.Context) (int, error) {
	return p.fs.Size(ctx)
}

// Close implements Driver.
func (p *PartitionFS) Close() error { return p.fs.Close() }

// PartitionStats implements PartitionAware. Partitions are ordered
// most recently accessed first.
func (p *PartitionFS) PartitionStats() []PartitionStats {
	p.mu.Lock()
	stats := make([]PartitionStats, 0, len(p.usage))
	for partition, u := range p.usage {
		stats = append(stats, PartitionStats{
			Partition:  partition,
			Entries:    u.entries,
			Bytes:      u.bytes,
			Hits:       u.hits,
			Misses:     u.misses,
			LastAccess: u.lastAccess,
		})
	}
	p.mu.Unlock()
	sort.Slice(stats, func(i, j int) bool {
		if !stats[i].LastAccess.Equal(stats[j].LastAccess) {
			return stats[i].LastAccess.After(stats[j].LastAccess)
		}
		return stats[i].Partition < stats[j].Partition
	})
	return stats
}

// Recommendations implements PartitionAware.
func (p *PartitionFS) Recommendations() []Recommendation {
	now := p.cfg.Clock.Now()
	p.mu.Lock()
	var recs []Recommendation
	for partition, u := range p.usage {
		if u.hits >= p.cfg.PreloadHitThreshold {
			recs = append(recs, Recommendation{
				Kind:      RecommendPreload,
				Partition: partition,
				Reason:    fmt.Sprintf("%d hits since start", u.hits),
			})
		}
		if idle := now.Sub(u.lastAccess); u.entries > 0 && idle >= p.cfg.ArchiveAfter {
			recs = append(recs, Recommendation{
				Kind:      RecommendArchive,
				Partition: partition,
				Reason:    fmt.Sprintf("idle for %v", idle.Round(time.Second)),
			})
		}
	}
	p.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Partition != recs[j].Partition {
			return recs[i].Partition < recs[j].Partition
		}
		return recs[i].Kind < recs[j].Kind
	})
	return recs
}

// WarmPartition implements PartitionAware. Every key must carry the
// given partition path.
func (p *PartitionFS) WarmPartition(ctx context.Context, partition string, entries map[string][]byte) error {
	for key := range entries {
		if partitionOf(key) != partition {
			return trace.BadParameter("key %q does not belong to partition %q", key, partition)
		}
	}
	for key, value := range entries {
		if err := p.Set(ctx, key, value); err != nil {
			return trace.Wrap(err)
		}
	}
	p.cfg.Logger.DebugContext(ctx, "Warmed partition.",
		"partition", partition, "entries", len(entries))
	return nil
}
