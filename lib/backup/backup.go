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

package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/klauspost/compress/gzip"

	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
	"github.com/stratadb/strata/lib/workpool"
)

// Options select what one backup run captures.
type Options struct {
	// Type is full or incremental. Defaults to full.
	Type Type
	// Resources overrides the configured resource selection for this
	// run.
	Resources []string
}

// Backup runs one backup: it exports every selected resource to a
// gzip'd JSONL object, writes a checksummed manifest next to the
// exports, and records the run in the metadata store. Exports fan out
// on the worker pool; a failing export is recorded in the manifest
// without aborting its siblings. One run per instance at a time; an
// overlapping call fails with LimitExceeded.
func (p *Plugin) Backup(ctx context.Context, opts Options) (*Manifest, error) {
	if opts.Type == "" {
		opts.Type = TypeFull
	}
	if opts.Type != TypeFull && opts.Type != TypeIncremental {
		return nil, trace.BadParameter("unknown backup type %q", opts.Type)
	}
	metadata := p.Metadata()
	if metadata == nil {
		return nil, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	storage, err := p.Storage()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pool := p.currentPool()
	if pool == nil {
		return nil, trace.BadParameter("plugin %q is not started", p.Slug())
	}

	id := uuid.NewString()
	p.mu.Lock()
	if p.activeID != "" {
		active := p.activeID
		p.mu.Unlock()
		return nil, trace.LimitExceeded("backup %q is still running", active)
	}
	p.activeID = id
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.activeID = ""
		p.mu.Unlock()
	}()

	names, err := p.selectResources(opts.Resources)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	since := ""
	if opts.Type == TypeIncremental {
		since, err = p.incrementalSince(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	manifest := &Manifest{
		ID:        id,
		Type:      opts.Type,
		Since:     since,
		StartedAt: utils.FormatTime(p.cfg.Clock.Now()),
	}
	if _, err := metadata.Insert(ctx, resource.Record{
		"id":           id,
		fieldType:      string(opts.Type),
		fieldStatus:    string(StatusRunning),
		fieldStartedAt: manifest.StartedAt,
		fieldSince:     since,
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	exports := make([]ResourceExport, len(names))
	tasks := make([]*workpool.Task, len(names))
	for i, name := range names {
		tasks[i] = pool.Submit(ctx, func(ctx context.Context) error {
			exp, err := p.exportResource(ctx, id, name, since)
			if err != nil {
				exports[i] = ResourceExport{Name: name, Error: err.Error()}
				return trace.Wrap(err)
			}
			exports[i] = exp
			return nil
		})
	}
	// Wait for settlement, not for ctx: a canceled run still needs every
	// task to finish writing its manifest slot before we read it.
	waitCtx := context.WithoutCancel(ctx)
	failed := 0
	for i, task := range tasks {
		if err := task.Wait(waitCtx); err != nil {
			failed++
			p.Logger().ErrorContext(ctx, "Resource export failed.",
				"backup_id", id, "resource", names[i], "error", err)
			// Submit rejections never ran the export; record them.
			if exports[i].Name == "" {
				exports[i] = ResourceExport{Name: names[i], Error: err.Error()}
			}
		}
	}
	manifest.Resources = exports
	manifest.CompletedAt = utils.FormatTime(p.cfg.Clock.Now())

	status := StatusCompleted
	switch {
	case len(names) > 0 && failed == len(names):
		status = StatusFailed
	case failed > 0:
		status = StatusPartial
	}

	if err := storage.SetJSON(ctx, manifestKey(id), manifest); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.finishMetadata(ctx, manifest, status); err != nil {
		return nil, trace.Wrap(err)
	}
	backupRuns.WithLabelValues(string(opts.Type), string(status)).Inc()

	if status == StatusFailed {
		p.EmitEvent(ctx, EventFailed, manifest)
		return manifest, trace.Errorf("backup %q: every resource export failed", id)
	}
	p.EmitEvent(ctx, EventCompleted, manifest)
	p.Logger().InfoContext(ctx, "Backup finished.",
		"backup_id", id, "type", opts.Type, "status", status, "resources", len(names))

	if err := p.prune(ctx, id); err != nil {
		p.Logger().WarnContext(ctx, "Backup retention pruning failed.", "error", err)
	}
	return manifest, nil
}

func (p *Plugin) currentPool() *workpool.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool
}

// selectResources resolves the run's resource list: the explicit
// override, the configured selection, or every resource except the
// plugin's own metadata store. Explicitly named resources must exist.
func (p *Plugin) selectResources(override []string) ([]string, error) {
	db := p.Database()
	if db == nil {
		return nil, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	selected := override
	if len(selected) == 0 {
		selected = p.cfg.Resources
	}
	if len(selected) == 0 {
		var names []string
		for _, name := range db.ResourceNames() {
			if name == p.metadataName() {
				continue
			}
			names = append(names, name)
		}
		return names, nil
	}
	names := slices.Clone(selected)
	slices.Sort(names)
	names = slices.Compact(names)
	for _, name := range names {
		if !db.HasResource(name) {
			return nil, trace.NotFound("resource %q not found", name)
		}
	}
	return names, nil
}

// incrementalSince anchors an incremental run on the newest completed
// backup's start time, falling back to a fixed window when no backup
// has completed yet.
func (p *Plugin) incrementalSince(ctx context.Context) (string, error) {
	metadata := p.Metadata()
	rows, err := metadata.Query(ctx,
		resource.Record{fieldStatus: string(StatusCompleted)},
		resource.WithPartition(partitionByStatus, map[string]any{fieldStatus: string(StatusCompleted)}),
		resource.WithSkipCache(),
	)
	if err != nil {
		return "", trace.Wrap(err)
	}
	latest := ""
	for _, row := range rows {
		if startedAt, _ := row[fieldStartedAt].(string); startedAt > latest {
			latest = startedAt
		}
	}
	if latest != "" {
		return latest, nil
	}
	return utils.FormatTime(p.cfg.Clock.Now().Add(-defaults.IncrementalFallbackWindow)), nil
}

// exportResource writes one resource's records as a gzip'd JSONL
// object and returns its manifest entry. since, when set, keeps only
// records updated at or after it; records without an update timestamp
// are always kept.
func (p *Plugin) exportResource(ctx context.Context, backupID, name, since string) (ResourceExport, error) {
	db := p.Database()
	r, err := db.Resource(name)
	if err != nil {
		return ResourceExport{}, trace.Wrap(err)
	}
	recs, err := r.GetAll(ctx, resource.WithSkipCache())
	if err != nil {
		return ResourceExport{}, trace.Wrap(err)
	}
	var sinceT time.Time
	if since != "" {
		if sinceT, err = utils.ParseTime(since); err != nil {
			return ResourceExport{}, trace.Wrap(err)
		}
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	count := 0
	for _, rec := range recs {
		if since != "" && !updatedSince(rec, sinceT) {
			continue
		}
		line, err := utils.FastMarshal(rec)
		if err != nil {
			return ResourceExport{}, trace.Wrap(err)
		}
		if _, err := gz.Write(append(line, '\n')); err != nil {
			return ResourceExport{}, trace.Wrap(err)
		}
		count++
	}
	if err := gz.Close(); err != nil {
		return ResourceExport{}, trace.Wrap(err)
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)
	key := exportKey(backupID, name)
	storage, err := p.Storage()
	if err != nil {
		return ResourceExport{}, trace.Wrap(err)
	}
	if err := storage.Set(ctx, key, data); err != nil {
		return ResourceExport{}, trace.Wrap(err)
	}
	backupRecords.WithLabelValues(name).Add(float64(count))
	return ResourceExport{
		Name:    name,
		Key:     key,
		Records: count,
		Bytes:   int64(len(data)),
		SHA256:  hex.EncodeToString(sum[:]),
	}, nil
}

// updatedSince keeps records updated at or after since. Records of
// resources without timestamps are always kept: their age cannot be
// proven, and over-inclusion is safe.
func updatedSince(rec resource.Record, since time.Time) bool {
	raw, ok := rec[defaults.UpdatedAtField].(string)
	if !ok {
		return true
	}
	t, err := utils.ParseTime(raw)
	if err != nil {
		return true
	}
	return !t.Before(since)
}

// finishMetadata records the run's terminal state.
func (p *Plugin) finishMetadata(ctx context.Context, m *Manifest, status Status) error {
	totalRecords := 0
	var totalBytes int64
	var errMsg string
	for _, exp := range m.Resources {
		totalRecords += exp.Records
		totalBytes += exp.Bytes
		if exp.Error != "" && errMsg == "" {
			errMsg = exp.Name + ": " + exp.Error
		}
	}
	_, err := p.Metadata().Update(ctx, m.ID, resource.Record{
		fieldStatus:      string(status),
		fieldCompletedAt: m.CompletedAt,
		fieldResources:   m.Resources,
		fieldRecords:     totalRecords,
		fieldBytes:       totalBytes,
		fieldError:       errMsg,
	})
	return trace.Wrap(err)
}

// prune applies the retention policy. currentID is never pruned even
// when the limits would select it.
func (p *Plugin) prune(ctx context.Context, currentID string) error {
	policy := p.cfg.Retention
	if policy.KeepLast == 0 && policy.KeepDays == 0 {
		return nil
	}
	rows, err := p.Backups(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	cutoff := ""
	if policy.KeepDays > 0 {
		cutoff = utils.FormatTime(p.cfg.Clock.Now().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour))
	}
	var errs []error
	finished := 0
	for _, row := range rows {
		id, _ := row["id"].(string)
		status, _ := row[fieldStatus].(string)
		if id == "" || status == string(StatusRunning) {
			continue
		}
		finished++
		startedAt, _ := row[fieldStartedAt].(string)
		tooMany := policy.KeepLast > 0 && finished > policy.KeepLast
		tooOld := cutoff != "" && startedAt < cutoff
		if !tooMany && !tooOld || id == currentID {
			continue
		}
		if err := p.Delete(ctx, id); err != nil && !trace.IsNotFound(err) {
			errs = append(errs, trace.Wrap(err, "pruning backup %v", id))
			continue
		}
		p.Logger().InfoContext(ctx, "Pruned backup.", "backup_id", id, "started_at", startedAt)
	}
	return trace.NewAggregate(errs...)
}
