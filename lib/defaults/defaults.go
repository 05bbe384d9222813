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

// Package defaults contains default constants set in various parts of
// the strata codebase.
package defaults

import "time"

const (
	// LockTTL is how long a plugin storage lock lives before an owner
	// that stopped refreshing it is considered gone.
	LockTTL = 30 * time.Second

	// LockTimeout bounds how long an acquirer polls for a contended lock
	// before giving up.
	LockTimeout = 10 * time.Second

	// LockPollInterval is the base delay between lock acquisition
	// attempts. Each wait is jittered to avoid thundering herds.
	LockPollInterval = 250 * time.Millisecond
)

const (
	// PageSize is the default number of records returned by paged reads.
	PageSize = 50

	// MaxPageSize caps a caller-supplied page size.
	MaxPageSize = 1000

	// ListObjectsPageSize is the object store listing page size. Matches
	// the S3 ListObjectsV2 maximum.
	ListObjectsPageSize = 1000
)

const (
	// CacheMaxItems is the default entry cap for the in-memory cache
	// driver when no byte ceiling is configured.
	CacheMaxItems = 1000

	// CacheCompressionThreshold is the payload size in bytes above which
	// cache values are stored gzip-compressed.
	CacheCompressionThreshold = 1024

	// CacheClearRetries is how many times a failed invalidation pass is
	// retried before the failure is reported on the bus.
	CacheClearRetries = 3

	// CacheClearRetryDelay is the base delay for invalidation retries.
	// The delay doubles after every failed attempt.
	CacheClearRetryDelay = 100 * time.Millisecond
)

const (
	// TTLBatchSize is how many expired index entries a single sweep tick
	// processes per cohort.
	TTLBatchSize = 100

	// TTLMinuteSweepInterval is the sweep cadence for minute-grained
	// cohorts.
	TTLMinuteSweepInterval = 10 * time.Second

	// TTLHourSweepInterval is the sweep cadence for hour-grained cohorts.
	TTLHourSweepInterval = 10 * time.Minute

	// TTLDaySweepInterval is the sweep cadence for day-grained cohorts.
	TTLDaySweepInterval = time.Hour

	// TTLWeekSweepInterval is the sweep cadence for week-grained cohorts.
	TTLWeekSweepInterval = 24 * time.Hour
)

const (
	// MachineLockTTL is the per-entity transition lock lifetime.
	MachineLockTTL = 30 * time.Second

	// MachineLockTimeout bounds how long Send waits for a contended
	// entity before reporting a conflict.
	MachineLockTimeout = 5 * time.Second

	// MachineStateCacheTTL is how long resolved entity states stay in the
	// in-process cache.
	MachineStateCacheTTL = 5 * time.Minute

	// RetryMaxAttempts is the default action retry budget.
	RetryMaxAttempts = 3

	// RetryInitialDelay is the first retry delay for classified
	// retriable action failures.
	RetryInitialDelay = time.Second

	// RetryMaxDelay caps any computed retry delay.
	RetryMaxDelay = 30 * time.Second
)

const (
	// WorkpoolSize is the default worker count for the shared pool.
	WorkpoolSize = 8

	// WorkpoolQueueDepth is the default pending task cap before Submit
	// blocks.
	WorkpoolQueueDepth = 256
)

const (
	// QueueBatchSize is the default receive batch. Matches the SQS
	// maximum per call.
	QueueBatchSize = 10

	// QueueWaitTime is the long-poll duration for queue receives.
	QueueWaitTime = 20 * time.Second

	// QueueVisibilityTimeout is how long a received message stays hidden
	// from other consumers while being applied.
	QueueVisibilityTimeout = 30 * time.Second
)

const (
	// BackupKeepLast is the default number of backups retained.
	BackupKeepLast = 5

	// BackupKeepDays is the default backup age cutoff in days.
	BackupKeepDays = 30

	// IncrementalFallbackWindow is how far back an incremental backup
	// reaches when no prior backup exists to anchor it.
	IncrementalFallbackWindow = 24 * time.Hour
)

// CreatedAtField is the timestamp a resource maintains on insert when
// timestamps are enabled, and the implicit base for TTL configurations that
// name no field.
const CreatedAtField = "_createdAt"

// UpdatedAtField is the timestamp a resource maintains on every write when
// timestamps are enabled.
const UpdatedAtField = "_updatedAt"
