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

package ttl

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of the engine counters.
type Stats struct {
	// TotalScans counts sweep ticks across all granularities.
	TotalScans uint64 `json:"totalScans"`
	// TotalExpired counts records a sweep acted on.
	TotalExpired uint64 `json:"totalExpired"`
	// TotalDeleted counts records removed by hard-delete, archive, or
	// an affirming callback.
	TotalDeleted     uint64 `json:"totalDeleted"`
	TotalArchived    uint64 `json:"totalArchived"`
	TotalSoftDeleted uint64 `json:"totalSoftDeleted"`
	TotalCallbacks   uint64 `json:"totalCallbacks"`
	// TotalErrors counts per-record failures; they never stop a sweep.
	TotalErrors uint64 `json:"totalErrors"`
	// LastScanAt is when the most recent sweep tick started.
	LastScanAt time.Time `json:"lastScanAt"`
	// LastScanDuration is how long that tick took.
	LastScanDuration time.Duration `json:"lastScanDuration"`
}

type counters struct {
	scans       atomic.Uint64
	expired     atomic.Uint64
	deleted     atomic.Uint64
	archived    atomic.Uint64
	softDeleted atomic.Uint64
	callbacks   atomic.Uint64
	errors      atomic.Uint64

	mu           sync.Mutex
	lastScanAt   time.Time
	lastDuration time.Duration
}

func (c *counters) scanStarted(now time.Time) {
	c.scans.Add(1)
	c.mu.Lock()
	c.lastScanAt = now
	c.mu.Unlock()
}

func (c *counters) scanFinished(d time.Duration) {
	c.mu.Lock()
	c.lastDuration = d
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalScans:       c.scans.Load(),
		TotalExpired:     c.expired.Load(),
		TotalDeleted:     c.deleted.Load(),
		TotalArchived:    c.archived.Load(),
		TotalSoftDeleted: c.softDeleted.Load(),
		TotalCallbacks:   c.callbacks.Load(),
		TotalErrors:      c.errors.Load(),
		LastScanAt:       c.lastScanAt,
		LastScanDuration: c.lastDuration,
	}
}

var (
	ttlSweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttl_sweep_runs_total",
			Help: "Number of TTL sweep ticks per cohort granularity",
		},
		[]string{"granularity"},
	)
	ttlExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttl_expired_records_total",
			Help: "Number of records expired, by resource and strategy",
		},
		[]string{"resource", "strategy"},
	)
	ttlErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttl_errors_total",
			Help: "Number of TTL sweep failures per cohort granularity",
		},
		[]string{"granularity"},
	)
)
