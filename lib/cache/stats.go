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
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of cache counters for one
// resource namespace.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Writes  uint64 `json:"writes"`
	Deletes uint64 `json:"deletes"`
	Errors  uint64 `json:"errors"`
	// StartTime is when counting started, either namespace creation
	// or the last reset.
	StartTime time.Time `json:"startTime"`
	// HitRate is hits over reads, 0 when nothing was read.
	HitRate float64 `json:"hitRate"`
	// OpsPerSecond is total operations over the elapsed window.
	OpsPerSecond float64 `json:"opsPerSecond"`
}

// counters tracks one namespace. Increments are lock-free; snapshot
// and reset serialize on the mutex so a reset never exposes a
// half-zeroed view.
type counters struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	writes  atomic.Uint64
	deletes atomic.Uint64
	errors  atomic.Uint64

	mu        sync.Mutex
	startTime time.Time
}

func newCounters(now time.Time) *counters {
	return &counters{startTime: now}
}

func (c *counters) snapshot(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Writes:    c.writes.Load(),
		Deletes:   c.deletes.Load(),
		Errors:    c.errors.Load(),
		StartTime: c.startTime,
	}
	if reads := s.Hits + s.Misses; reads > 0 {
		s.HitRate = float64(s.Hits) / float64(reads)
	}
	if elapsed := now.Sub(c.startTime).Seconds(); elapsed > 0 {
		total := s.Hits + s.Misses + s.Writes + s.Deletes + s.Errors
		s.OpsPerSecond = float64(total) / elapsed
	}
	return s
}

func (c *counters) reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits.Store(0)
	c.misses.Store(0)
	c.writes.Store(0)
	c.deletes.Store(0)
	c.errors.Store(0)
	c.startTime = now
}

var (
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Number of resource reads served from cache",
		},
		[]string{"resource"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Number of resource reads that missed the cache",
		},
		[]string{"resource"},
	)
	cacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_writes_total",
			Help: "Number of entries stored in the cache",
		},
		[]string{"resource"},
	)
	cacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Number of cache entries invalidated by writes",
		},
		[]string{"resource"},
	)
	cacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_errors_total",
			Help: "Number of cache driver errors",
		},
		[]string{"resource"},
	)
)
