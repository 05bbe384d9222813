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

// Package backup exports resources to compressed JSONL archives on the
// object store and restores them. Backups are full or incremental,
// carry a checksummed manifest, and are pruned by a retention policy.
package backup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratadb/strata/lib/database"
	"github.com/stratadb/strata/lib/plugin"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
	"github.com/stratadb/strata/lib/workpool"
)

// Plugin events, scoped as plg:backup:<event>.
const (
	// EventCompleted reports a finished backup. The payload is the
	// *Manifest; partially failed backups are reported here too, with
	// the failures recorded per export.
	EventCompleted = "completed"
	// EventFailed reports a backup whose every export failed. The
	// payload is the *Manifest.
	EventFailed = "failed"
	// EventRestored reports a finished restore. The payload is the
	// *RestoreResult.
	EventRestored = "restored"
)

// Metadata store fields.
const (
	fieldType        = "type"
	fieldStatus      = "status"
	fieldStartedAt   = "startedAt"
	fieldCompletedAt = "completedAt"
	fieldSince       = "since"
	fieldResources   = "resources"
	fieldRecords     = "records"
	fieldBytes       = "bytes"
	fieldError       = "error"
)

// partitionByStatus clusters metadata rows by lifecycle state.
const partitionByStatus = "byStatus"

// partitionByDate clusters metadata rows by start day.
const partitionByDate = "byDate"

// scheduledCronID names the cron entry of scheduled backups.
const scheduledCronID = "scheduled"

var (
	backupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_runs_total",
			Help: "Number of finished backup runs.",
		},
		[]string{"type", "status"},
	)
	backupRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_records_total",
			Help: "Number of records exported to backups.",
		},
		[]string{"resource"},
	)
	restoreRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_restored_records_total",
			Help: "Number of records written by restores.",
		},
		[]string{"resource"},
	)
)

// Plugin is the backup engine.
type Plugin struct {
	*plugin.Base
	cfg Config

	mu       sync.Mutex
	metadata *resource.Resource
	pool     *workpool.Pool
	ownPool  bool
	// activeID guards against overlapping runs on this instance.
	activeID string
}

// New returns a backup plugin ready to be installed.
func New(cfg Config) (*Plugin, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(backupRuns, backupRecords, restoreRecords); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Plugin{cfg: cfg}
	base, err := plugin.NewBase(plugin.BaseConfig{
		Name:        "BackupPlugin",
		Namespace:   cfg.Namespace,
		OnInstall:   p.onInstall,
		OnStart:     p.onStart,
		OnStop:      p.onStop,
		OnUninstall: p.onUninstall,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.Base = base
	return p, nil
}

func (p *Plugin) metadataName() string { return p.ResolveName("backup_metadata") }

// Metadata returns the backup metadata resource, nil before install.
func (p *Plugin) Metadata() *resource.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata
}

func (p *Plugin) onInstall(ctx context.Context, db *database.Database) error {
	metadata, err := db.CreateResource(ctx, database.ResourceConfig{
		Name: p.metadataName(),
		Schema: resource.Schema{
			Timestamps: true,
			Partitions: map[string]resource.Partition{
				partitionByStatus: {Fields: map[string]string{fieldStatus: "identity"}},
				partitionByDate:   {Fields: map[string]string{fieldStartedAt: "date:" + time.DateOnly}},
			},
			CreatedBy: p.Slug(),
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.mu.Lock()
	p.metadata = metadata
	p.mu.Unlock()
	return nil
}

func (p *Plugin) onStart(ctx context.Context) error {
	pool, ownPool := p.cfg.Pool, false
	if pool == nil {
		var err error
		pool, err = workpool.NewPool(workpool.Config{
			Workers: p.cfg.Workers,
			Logger:  p.Logger(),
		})
		if err != nil {
			return trace.Wrap(err)
		}
		ownPool = true
	}
	p.mu.Lock()
	p.pool, p.ownPool = pool, ownPool
	p.mu.Unlock()

	if p.cfg.Schedule != "" {
		if err := p.ScheduleCron(p.cfg.Schedule, p.scheduledRun, scheduledCronID); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (p *Plugin) onStop(ctx context.Context) error {
	p.mu.Lock()
	pool, ownPool := p.pool, p.ownPool
	p.pool, p.ownPool = nil, false
	p.mu.Unlock()
	if ownPool && pool != nil {
		pool.Close()
	}
	return nil
}

func (p *Plugin) onUninstall(ctx context.Context, opts plugin.UninstallOptions) error {
	if !opts.PurgeData {
		return nil
	}
	if err := p.Database().RemoveResource(ctx, p.metadataName(), true); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	storage, err := p.Storage()
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(storage.Purge(ctx))
}

// scheduledRun performs one scheduled incremental backup. Overlap with
// a run already in flight is logged, not treated as a failure.
func (p *Plugin) scheduledRun(ctx context.Context) {
	manifest, err := p.Backup(ctx, Options{Type: TypeIncremental})
	switch {
	case trace.IsLimitExceeded(err):
		p.Logger().WarnContext(ctx, "Skipping scheduled backup, another run is in flight.")
	case err != nil:
		p.Logger().ErrorContext(ctx, "Scheduled backup failed.", "error", err)
	default:
		p.Logger().InfoContext(ctx, "Scheduled backup finished.",
			"backup_id", manifest.ID, "resources", len(manifest.Resources))
	}
}

// GetManifest loads the manifest of a stored backup.
func (p *Plugin) GetManifest(ctx context.Context, backupID string) (*Manifest, error) {
	if backupID == "" {
		return nil, trace.BadParameter("missing parameter backupID")
	}
	storage, err := p.Storage()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var m Manifest
	if err := storage.GetJSON(ctx, manifestKey(backupID), &m); err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("backup %q not found", backupID)
		}
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

// Backups returns the metadata rows of known backups, newest first.
func (p *Plugin) Backups(ctx context.Context) ([]resource.Record, error) {
	metadata := p.Metadata()
	if metadata == nil {
		return nil, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	rows, err := metadata.GetAll(ctx, resource.WithSkipCache())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(rows, func(i, j int) bool {
		si, _ := rows[i][fieldStartedAt].(string)
		sj, _ := rows[j][fieldStartedAt].(string)
		if si != sj {
			return si > sj
		}
		ii, _ := rows[i]["id"].(string)
		ij, _ := rows[j]["id"].(string)
		return ii > ij
	})
	return rows, nil
}

// Delete removes a backup's objects and its metadata row. The backup
// currently running cannot be deleted.
func (p *Plugin) Delete(ctx context.Context, backupID string) error {
	if backupID == "" {
		return trace.BadParameter("missing parameter backupID")
	}
	p.mu.Lock()
	active := p.activeID
	p.mu.Unlock()
	if active == backupID {
		return trace.BadParameter("backup %q is still running", backupID)
	}
	storage, err := p.Storage()
	if err != nil {
		return trace.Wrap(err)
	}
	keys, err := storage.List(ctx, backupID+"/")
	if err != nil {
		return trace.Wrap(err)
	}
	if len(keys) == 0 {
		return trace.NotFound("backup %q not found", backupID)
	}
	for _, key := range keys {
		if err := storage.Delete(ctx, key); err != nil {
			return trace.Wrap(err)
		}
	}
	metadata := p.Metadata()
	if metadata == nil {
		return nil
	}
	if err := metadata.Delete(ctx, backupID); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}
