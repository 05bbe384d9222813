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
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	"github.com/gravitational/trace"
	"github.com/klauspost/compress/gzip"

	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

// restoreMaxLine bounds a single JSONL record during restore.
const restoreMaxLine = 16 << 20

// RestoreOptions select what a restore applies.
type RestoreOptions struct {
	// Resources restricts the restore to these resources. Empty
	// restores everything the manifest holds.
	Resources []string
	// Overwrite replaces records whose ids already exist. Without it
	// existing records are left alone and counted as skipped.
	Overwrite bool
}

// RestoreResult summarizes one restore.
type RestoreResult struct {
	// BackupID is the backup that was restored.
	BackupID string `json:"backupId"`
	// Restored counts written records per resource.
	Restored map[string]int `json:"restored"`
	// Skipped counts records left alone because they already existed.
	Skipped int `json:"skipped"`
}

// Restore writes a backup's records back into their resources through
// the regular write path, so middleware and cache invalidation observe
// them. Every export is checksum-verified before a single record of it
// is applied; target resources must already exist. The restore aborts
// on the first resource that fails.
func (p *Plugin) Restore(ctx context.Context, backupID string, opts RestoreOptions) (*RestoreResult, error) {
	manifest, err := p.GetManifest(ctx, backupID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	selected, err := selectExports(manifest, opts.Resources)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db := p.Database()
	if db == nil {
		return nil, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	storage, err := p.Storage()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	result := &RestoreResult{
		BackupID: backupID,
		Restored: make(map[string]int),
	}
	for _, exp := range selected {
		target, err := db.Resource(exp.Name)
		if err != nil {
			return nil, trace.Wrap(err, "restoring %v requires the resource to exist", exp.Name)
		}
		data, err := storage.Get(ctx, exp.Key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != exp.SHA256 {
			return nil, trace.CompareFailed("backup %q resource %q failed checksum verification", backupID, exp.Name)
		}
		restored, skipped, err := p.applyExport(ctx, target, data, opts.Overwrite)
		if err != nil {
			return nil, trace.Wrap(err, "restoring resource %v", exp.Name)
		}
		result.Restored[exp.Name] = restored
		result.Skipped += skipped
		restoreRecords.WithLabelValues(exp.Name).Add(float64(restored))
	}

	p.EmitEvent(ctx, EventRestored, result)
	p.Logger().InfoContext(ctx, "Restore finished.",
		"backup_id", backupID, "resources", len(selected), "skipped", result.Skipped)
	return result, nil
}

// selectExports resolves which manifest entries a restore covers.
// Explicitly requesting a resource whose export failed is an error;
// without an explicit selection, failed exports are skipped.
func selectExports(m *Manifest, requested []string) ([]ResourceExport, error) {
	if len(requested) == 0 {
		var selected []ResourceExport
		for _, exp := range m.Resources {
			if exp.Error == "" {
				selected = append(selected, exp)
			}
		}
		return selected, nil
	}
	byName := make(map[string]ResourceExport, len(m.Resources))
	for _, exp := range m.Resources {
		byName[exp.Name] = exp
	}
	names := slices.Clone(requested)
	slices.Sort(names)
	names = slices.Compact(names)
	selected := make([]ResourceExport, 0, len(names))
	for _, name := range names {
		exp, ok := byName[name]
		if !ok {
			return nil, trace.NotFound("backup %q does not contain resource %q", m.ID, name)
		}
		if exp.Error != "" {
			return nil, trace.BadParameter("resource %q export failed during backup %q: %s", name, m.ID, exp.Error)
		}
		selected = append(selected, exp)
	}
	return selected, nil
}

// applyExport writes one export's records into the target resource.
func (p *Plugin) applyExport(ctx context.Context, target *resource.Resource, data []byte, overwrite bool) (restored, skipped int, err error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, 0, trace.Wrap(err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), restoreMaxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec resource.Record
		if err := utils.FastUnmarshal(line, &rec); err != nil {
			return restored, skipped, trace.Wrap(err, "decoding backup record")
		}
		id, _ := rec["id"].(string)
		if id == "" {
			return restored, skipped, trace.BadParameter("backup record without an id")
		}
		exists, err := target.Exists(ctx, id, resource.WithSkipCache())
		if err != nil {
			return restored, skipped, trace.Wrap(err)
		}
		switch {
		case exists && !overwrite:
			skipped++
			continue
		case exists:
			if _, err := target.Replace(ctx, id, rec); err != nil {
				return restored, skipped, trace.Wrap(err)
			}
		default:
			if _, err := target.Insert(ctx, rec); err != nil {
				return restored, skipped, trace.Wrap(err)
			}
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, skipped, trace.Wrap(err)
	}
	return restored, skipped, nil
}

// Verify recomputes every export checksum of a backup against its
// manifest. Mismatching or missing exports fail with CompareFailed;
// exports the manifest already marks as failed are not checked.
func (p *Plugin) Verify(ctx context.Context, backupID string) error {
	manifest, err := p.GetManifest(ctx, backupID)
	if err != nil {
		return trace.Wrap(err)
	}
	storage, err := p.Storage()
	if err != nil {
		return trace.Wrap(err)
	}
	var errs []error
	for _, exp := range manifest.Resources {
		if exp.Error != "" {
			continue
		}
		data, err := storage.Get(ctx, exp.Key)
		if err != nil {
			if trace.IsNotFound(err) {
				errs = append(errs, trace.CompareFailed("backup %q resource %q export object is missing", backupID, exp.Name))
				continue
			}
			return trace.Wrap(err)
		}
		if int64(len(data)) != exp.Bytes {
			errs = append(errs, trace.CompareFailed("backup %q resource %q size changed: manifest %d bytes, stored %d",
				backupID, exp.Name, exp.Bytes, len(data)))
			continue
		}
		if sum := sha256.Sum256(data); hex.EncodeToString(sum[:]) != exp.SHA256 {
			errs = append(errs, trace.CompareFailed("backup %q resource %q failed checksum verification", backupID, exp.Name))
		}
	}
	return trace.NewAggregate(errs...)
}
