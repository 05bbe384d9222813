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
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratadb/strata/lib/defaults"
)

// Eviction describes one entry dropped under memory pressure.
type Eviction struct {
	Key  string
	Size int
}

// MemoryConfig configures the in-process LRU driver.
type MemoryConfig struct {
	// MaxItems caps the number of entries. Defaults to
	// defaults.CacheMaxItems.
	MaxItems int
	// MaxMemoryBytes caps the stored payload bytes. Mutually
	// exclusive with MaxMemoryPercent.
	MaxMemoryBytes uint64
	// MaxMemoryPercent derives the byte cap as a percentage of
	// available memory: the cgroup limit when the process runs under
	// one, otherwise total system memory.
	MaxMemoryPercent int
	// OnEvict is notified of entries dropped under pressure. Explicit
	// deletes and clears do not notify.
	OnEvict func(Eviction)
	// Logger emits structured logs.
	Logger *slog.Logger

	// totalMemory overrides system memory detection in tests.
	totalMemory func() (uint64, error)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *MemoryConfig) CheckAndSetDefaults() error {
	if c.MaxItems <= 0 {
		c.MaxItems = defaults.CacheMaxItems
	}
	if c.MaxMemoryBytes > 0 && c.MaxMemoryPercent > 0 {
		return trace.BadParameter("MaxMemoryBytes and MaxMemoryPercent are mutually exclusive")
	}
	if c.MaxMemoryPercent < 0 || c.MaxMemoryPercent > 100 {
		return trace.BadParameter("MaxMemoryPercent must be between 1 and 100, got %v", c.MaxMemoryPercent)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.totalMemory == nil {
		c.totalMemory = systemMemoryBytes
	}
	return nil
}

// EvictionNotifier is implemented by drivers that can report entries
// dropped under memory pressure. The cache plugin discovers it with a
// type assertion and forwards evictions to the event bus.
type EvictionNotifier interface {
	AddEvictionNotifier(fn func(Eviction))
}

// Memory is the in-process LRU driver. Entries are dropped oldest
// first when the item cap or the byte cap is exceeded.
type Memory struct {
	cfg      MemoryConfig
	maxBytes uint64

	mu        sync.Mutex
	lru       *lru.Cache[string, []byte]
	bytes     uint64
	explicit  bool
	pending   []Eviction
	notifiers []func(Eviction)
}

// NewMemory returns a memory driver with the configured caps.
func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Memory{cfg: cfg, maxBytes: cfg.MaxMemoryBytes}
	if cfg.OnEvict != nil {
		m.notifiers = append(m.notifiers, cfg.OnEvict)
	}
	if cfg.MaxMemoryPercent > 0 {
		total, err := cfg.totalMemory()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		m.maxBytes = total * uint64(cfg.MaxMemoryPercent) / 100
		cfg.Logger.Debug("Resolved memory cache byte cap.",
			"percent", cfg.MaxMemoryPercent, "total", total, "cap", m.maxBytes)
	}
	cache, err := lru.NewWithEvict[string, []byte](cfg.MaxItems, m.onEvict)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.lru = cache
	return m, nil
}

// Kind implements Driver.
func (m *Memory) Kind() DriverKind { return KindMemory }

// AddEvictionNotifier implements EvictionNotifier.
func (m *Memory) AddEvictionNotifier(fn func(Eviction)) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, fn)
	m.mu.Unlock()
}

// onEvict runs under m.mu whenever the LRU drops an entry.
func (m *Memory) onEvict(key string, value []byte) {
	m.bytes -= uint64(len(value))
	if !m.explicit && len(m.notifiers) > 0 {
		m.pending = append(m.pending, Eviction{Key: key, Size: len(value)})
	}
}

// notify fires pressure notifications collected during an operation,
// outside the driver lock.
func (m *Memory) notify(notifiers []func(Eviction), evictions []Eviction) {
	for _, ev := range evictions {
		for _, fn := range notifiers {
			fn(ev)
		}
	}
}

// Get implements Driver.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	value, ok := m.lru.Get(key)
	m.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("key %q is not cached", key)
	}
	return slices.Clone(value), nil
}

// Set implements Driver.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	if prev, ok := m.lru.Peek(key); ok {
		// Replacement does not run the eviction callback.
		m.bytes -= uint64(len(prev))
	}
	m.lru.Add(key, slices.Clone(value))
	m.bytes += uint64(len(value))
	// The loop keeps the entry just written even when it alone
	// exceeds the cap.
	for m.maxBytes > 0 && m.bytes > m.maxBytes && m.lru.Len() > 1 {
		m.lru.RemoveOldest()
	}
	pending := m.pending
	m.pending = nil
	notifiers := slices.Clone(m.notifiers)
	m.mu.Unlock()
	m.notify(notifiers, pending)
	return nil
}

// Delete implements Driver.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	m.explicit = true
	m.lru.Remove(key)
	m.explicit = false
	m.mu.Unlock()
	return nil
}

// Clear implements Driver.
func (m *Memory) Clear(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	var matched []string
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	m.explicit = true
	for _, key := range matched {
		m.lru.Remove(key)
	}
	m.explicit = false
	m.mu.Unlock()
	return len(matched), nil
}

// Keys implements Driver.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	var keys []string
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}

// Size implements Driver.
func (m *Memory) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len(), nil
}

// Bytes reports the stored payload size.
func (m *Memory) Bytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Close implements Driver.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.explicit = true
	m.lru.Purge()
	m.explicit = false
	m.mu.Unlock()
	return nil
}
