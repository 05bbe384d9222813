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

package resource

import (
	"context"
	"maps"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/utils"
)

// Insert stores a new record. A missing id is generated; inserting an
// existing id fails with AlreadyExists.
func (r *Resource) Insert(ctx context.Context, rec Record) (Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodInsert, Record: rec})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Record, nil
}

// Update shallow-merges changes into the existing record. The id and
// creation timestamp are immutable.
func (r *Resource) Update(ctx context.Context, id string, changes Record) (Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodUpdate, ID: id, Changes: changes})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Record, nil
}

// Patch deep-merges changes into the existing record: nested maps are
// merged field by field instead of replaced.
func (r *Resource) Patch(ctx context.Context, id string, changes Record) (Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodPatch, ID: id, Changes: changes})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Record, nil
}

// Delete removes the record, its partition copies, and its content
// blob. Deleting a missing record returns NotFound.
func (r *Resource) Delete(ctx context.Context, id string) error {
	_, err := r.Dispatch(ctx, &Call{Method: MethodDelete, ID: id})
	return trace.Wrap(err)
}

// DeleteMany removes the given records, skipping missing ids, and
// returns how many were deleted.
func (r *Resource) DeleteMany(ctx context.Context, ids []string) (int, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodDeleteMany, IDs: ids})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return result.Count, nil
}

// Replace swaps the record's fields wholesale, keeping only the id and
// creation timestamp.
func (r *Resource) Replace(ctx context.Context, id string, rec Record) (Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodReplace, ID: id, Record: rec})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Record, nil
}

// SetContent attaches an opaque blob to an existing record.
func (r *Resource) SetContent(ctx context.Context, id string, data []byte) error {
	_, err := r.Dispatch(ctx, &Call{Method: MethodSetContent, ID: id, Bytes: data})
	return trace.Wrap(err)
}

// DeleteContent removes the record's content blob; removing absent
// content is a no-op.
func (r *Resource) DeleteContent(ctx context.Context, id string) error {
	_, err := r.Dispatch(ctx, &Call{Method: MethodDeleteContent, ID: id})
	return trace.Wrap(err)
}

func (r *Resource) insertHandler(ctx context.Context, call *Call) (Result, error) {
	if call.Record == nil {
		return Result{}, trace.BadParameter("insert requires a record")
	}
	rec := maps.Clone(call.Record)

	id, err := recordID(rec)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}
	if r.cfg.Schema.Timestamps {
		now := utils.FormatTime(r.cfg.Clock.Now())
		rec[defaults.CreatedAtField] = now
		rec[defaults.UpdatedAtField] = now
	}

	data, err := utils.FastMarshal(rec)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	err = r.cfg.Client.PutObject(ctx, r.dataKey(id), data, objstore.PutOptions{
		ContentType: "application/json",
		IfNoneMatch: true,
	})
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return Result{}, trace.AlreadyExists("record %q already exists in resource %q", id, r.name)
		}
		return Result{}, trace.Wrap(err)
	}
	if err := r.writePartitions(ctx, id, nil, rec, data); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Record: rec}, nil
}

func recordID(rec Record) (string, error) {
	raw, ok := rec["id"]
	if !ok || raw == nil {
		return "", nil
	}
	id, ok := raw.(string)
	if !ok {
		return "", trace.BadParameter("record id must be a string, got %T", raw)
	}
	return id, nil
}

// storeUpdated persists an updated record and refreshes its partition
// copies against the previous version.
func (r *Resource) storeUpdated(ctx context.Context, id string, oldRec, newRec Record) error {
	data, err := utils.FastMarshal(newRec)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := r.cfg.Client.PutObject(ctx, r.dataKey(id), data, objstore.PutOptions{
		ContentType: "application/json",
	}); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.writePartitions(ctx, id, oldRec, newRec, data))
}

func (r *Resource) updateHandler(ctx context.Context, call *Call) (Result, error) {
	existing, err := r.readRecord(ctx, call.ID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	updated := maps.Clone(existing)
	for field, value := range call.Changes {
		if field == "id" || field == defaults.CreatedAtField {
			continue
		}
		updated[field] = value
	}
	if r.cfg.Schema.Timestamps {
		updated[defaults.UpdatedAtField] = utils.FormatTime(r.cfg.Clock.Now())
	}
	if err := r.storeUpdated(ctx, call.ID, existing, updated); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Record: updated}, nil
}

func (r *Resource) patchHandler(ctx context.Context, call *Call) (Result, error) {
	existing, err := r.readRecord(ctx, call.ID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	updated := maps.Clone(existing)
	for field, value := range call.Changes {
		if field == "id" || field == defaults.CreatedAtField {
			continue
		}
		updated[field] = mergeValue(updated[field], value)
	}
	if r.cfg.Schema.Timestamps {
		updated[defaults.UpdatedAtField] = utils.FormatTime(r.cfg.Clock.Now())
	}
	if err := r.storeUpdated(ctx, call.ID, existing, updated); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Record: updated}, nil
}

// mergeValue merges change into base: two maps merge recursively,
// anything else replaces.
func mergeValue(base, change any) any {
	baseMap, baseOK := base.(map[string]any)
	changeMap, changeOK := change.(map[string]any)
	if !baseOK || !changeOK {
		return change
	}
	merged := maps.Clone(baseMap)
	for field, value := range changeMap {
		merged[field] = mergeValue(merged[field], value)
	}
	return merged
}

// deleteCore removes one record with its partition copies and content
// blob, and returns the deleted record.
func (r *Resource) deleteCore(ctx context.Context, id string) (Record, error) {
	existing, err := r.readRecord(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.deletePartitions(ctx, id, existing); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.cfg.Client.DeleteObject(ctx, r.contentKey(id)); err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if err := r.cfg.Client.DeleteObject(ctx, r.dataKey(id)); err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	return existing, nil
}

func (r *Resource) deleteHandler(ctx context.Context, call *Call) (Result, error) {
	deleted, err := r.deleteCore(ctx, call.ID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Record: deleted}, nil
}

func (r *Resource) deleteManyHandler(ctx context.Context, call *Call) (Result, error) {
	var errs []error
	deleted := make([]Record, 0, len(call.IDs))
	deletedIDs := make([]string, 0, len(call.IDs))
	for _, id := range call.IDs {
		rec, err := r.deleteCore(ctx, id)
		switch {
		case trace.IsNotFound(err):
			continue
		case err != nil:
			errs = append(errs, err)
		default:
			deleted = append(deleted, rec)
			deletedIDs = append(deletedIDs, id)
		}
	}
	if len(errs) > 0 {
		return Result{}, trace.NewAggregate(errs...)
	}
	return Result{Count: len(deleted), Records: deleted, IDs: deletedIDs}, nil
}

func (r *Resource) replaceHandler(ctx context.Context, call *Call) (Result, error) {
	if call.Record == nil {
		return Result{}, trace.BadParameter("replace requires a record")
	}
	existing, err := r.readRecord(ctx, call.ID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	rec := maps.Clone(call.Record)
	rec["id"] = call.ID
	if r.cfg.Schema.Timestamps {
		if createdAt, ok := existing[defaults.CreatedAtField]; ok {
			rec[defaults.CreatedAtField] = createdAt
		}
		rec[defaults.UpdatedAtField] = utils.FormatTime(r.cfg.Clock.Now())
	}
	if err := r.storeUpdated(ctx, call.ID, existing, rec); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Record: rec}, nil
}

func (r *Resource) setContentHandler(ctx context.Context, call *Call) (Result, error) {
	if _, err := r.cfg.Client.HeadObject(ctx, r.dataKey(call.ID)); err != nil {
		if trace.IsNotFound(err) {
			return Result{}, trace.NotFound("record %q not found in resource %q", call.ID, r.name)
		}
		return Result{}, trace.Wrap(err)
	}
	if err := r.cfg.Client.PutObject(ctx, r.contentKey(call.ID), call.Bytes, objstore.PutOptions{
		ContentType: "application/octet-stream",
	}); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{}, nil
}

func (r *Resource) deleteContentHandler(ctx context.Context, call *Call) (Result, error) {
	if err := r.cfg.Client.DeleteObject(ctx, r.contentKey(call.ID)); err != nil && !trace.IsNotFound(err) {
		return Result{}, trace.Wrap(err)
	}
	return Result{}, nil
}
