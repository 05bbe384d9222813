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
	"reflect"
	"slices"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/utils"
)

// fetchParallelism bounds concurrent object reads for bulk methods.
const fetchParallelism = 8

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Get returns the record with the given id.
func (r *Resource) Get(ctx context.Context, id string, opts ...Option) (Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodGet, ID: id, Options: buildOptions(opts)})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Record, nil
}

// Exists reports whether a record with the given id exists.
func (r *Resource) Exists(ctx context.Context, id string, opts ...Option) (bool, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodExists, ID: id, Options: buildOptions(opts)})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return result.Bool, nil
}

// Count returns the number of records, scoped to a partition cluster
// when WithPartition is given.
func (r *Resource) Count(ctx context.Context, opts ...Option) (int, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodCount, Options: buildOptions(opts)})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return result.Count, nil
}

// ListIDs returns record ids in lexicographic order.
func (r *Resource) ListIDs(ctx context.Context, opts ...Option) ([]string, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodListIDs, Options: buildOptions(opts)})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.IDs, nil
}

// GetMany returns the records for the given ids; ids without a record
// are skipped.
func (r *Resource) GetMany(ctx context.Context, ids []string, opts ...Option) ([]Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodGetMany, IDs: ids, Options: buildOptions(opts)})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Records, nil
}

// GetAll returns every record.
func (r *Resource) GetAll(ctx context.Context, opts ...Option) ([]Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodGetAll, Options: buildOptions(opts)})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Records, nil
}

// PageResult is one page of records plus the total count.
type PageResult struct {
	Items  []Record `json:"items"`
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
	Size   int      `json:"size"`
}

// Page returns size records starting at offset, with the total record
// count. WithPartition scopes paging to a partition cluster.
func (r *Resource) Page(ctx context.Context, offset, size int, opts ...Option) (*PageResult, error) {
	options := buildOptions(opts)
	options.Offset, options.Size = offset, size
	result, err := r.Dispatch(ctx, &Call{Method: MethodPage, Options: options})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &PageResult{Items: result.Records, Total: result.Count, Offset: offset, Size: size}, nil
}

// List returns the records of one partition cluster, or every record
// when no partition option is given.
func (r *Resource) List(ctx context.Context, opts ...Option) ([]Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodList, Options: buildOptions(opts)})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Records, nil
}

// Query returns records whose fields equal every entry of filter.
// WithPartition narrows the scan; WithLimit and WithOffset page the
// matches.
func (r *Resource) Query(ctx context.Context, filter Record, opts ...Option) ([]Record, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodQuery, Filter: filter, Options: buildOptions(opts)})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Records, nil
}

// GetFromPartition returns one record via its partition copy: a single
// object read, no scan.
func (r *Resource) GetFromPartition(ctx context.Context, id, partition string, values map[string]any, opts ...Option) (Record, error) {
	options := buildOptions(opts)
	options.Partition = partition
	options.PartitionValues = values
	result, err := r.Dispatch(ctx, &Call{Method: MethodGetFromPartition, ID: id, Options: options})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Record, nil
}

// Content returns the record's content blob.
func (r *Resource) Content(ctx context.Context, id string, opts ...Option) ([]byte, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodContent, ID: id, Options: buildOptions(opts)})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Bytes, nil
}

// HasContent reports whether the record has a content blob.
func (r *Resource) HasContent(ctx context.Context, id string, opts ...Option) (bool, error) {
	result, err := r.Dispatch(ctx, &Call{Method: MethodHasContent, ID: id, Options: buildOptions(opts)})
	if err != nil {
		return false, trace.Wrap(err)
	}
	return result.Bool, nil
}

// Handlers. These are the originals captured at construction;
// middleware always wraps them.

func (r *Resource) getHandler(ctx context.Context, call *Call) (Result, error) {
	rec, err := r.readRecord(ctx, call.ID)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Record: rec}, nil
}

func (r *Resource) readRecord(ctx context.Context, id string) (Record, error) {
	data, err := r.cfg.Client.GetObject(ctx, r.dataKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("record %q not found in resource %q", id, r.name)
		}
		return nil, trace.Wrap(err)
	}
	var rec Record
	if err := utils.FastUnmarshal(data, &rec); err != nil {
		return nil, trace.Wrap(err)
	}
	return rec, nil
}

func (r *Resource) existsHandler(ctx context.Context, call *Call) (Result, error) {
	_, err := r.cfg.Client.HeadObject(ctx, r.dataKey(call.ID))
	if trace.IsNotFound(err) {
		return Result{Bool: false}, nil
	}
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Bool: true}, nil
}

// scanPrefix resolves the listing prefix for the call: the partition
// cluster when one is requested, the data prefix otherwise.
func (r *Resource) scanPrefix(call *Call) (string, error) {
	if call.Options.Partition == "" {
		return r.dataPrefix(), nil
	}
	partition, ok := r.cfg.Schema.Partitions[call.Options.Partition]
	if !ok {
		return "", trace.NotFound("partition %q is not declared on resource %q", call.Options.Partition, r.name)
	}
	pairs, err := partitionQueryPairs(partition, call.Options.PartitionValues)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return r.partitionPrefix(call.Options.Partition, pairs), nil
}

func (r *Resource) countHandler(ctx context.Context, call *Call) (Result, error) {
	prefix, err := r.scanPrefix(call)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	var count int
	if err := objstore.ForEachObject(ctx, r.cfg.Client, prefix, func(objstore.ObjectInfo) error {
		count++
		return nil
	}); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Count: count}, nil
}

func (r *Resource) listIDsHandler(ctx context.Context, call *Call) (Result, error) {
	ids := []string{}
	limit := call.Options.Limit
	if err := objstore.ForEachObject(ctx, r.cfg.Client, r.dataPrefix(), func(obj objstore.ObjectInfo) error {
		if id, ok := r.idFromDataKey(obj.Key); ok {
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				return objstore.ErrStopIteration
			}
		}
		return nil
	}); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{IDs: ids}, nil
}

func (r *Resource) getManyHandler(ctx context.Context, call *Call) (Result, error) {
	found := make([]Record, len(call.IDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fetchParallelism)
	for i, id := range call.IDs {
		group.Go(func() error {
			rec, err := r.readRecord(groupCtx, id)
			if trace.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return trace.Wrap(err)
			}
			found[i] = rec
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, trace.Wrap(err)
	}
	records := make([]Record, 0, len(found))
	for _, rec := range found {
		if rec != nil {
			records = append(records, rec)
		}
	}
	return Result{Records: records}, nil
}

// fetchObjects reads and decodes every object under prefix, in key
// order.
func (r *Resource) fetchObjects(ctx context.Context, prefix string) ([]Record, error) {
	var keys []string
	if err := objstore.ForEachObject(ctx, r.cfg.Client, prefix, func(obj objstore.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	records := make([]Record, len(keys))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fetchParallelism)
	for i, key := range keys {
		group.Go(func() error {
			data, err := r.cfg.Client.GetObject(groupCtx, key)
			if err != nil {
				// Deleted between list and read.
				if trace.IsNotFound(err) {
					return nil
				}
				return trace.Wrap(err)
			}
			var rec Record
			if err := utils.FastUnmarshal(data, &rec); err != nil {
				return trace.Wrap(err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, trace.Wrap(err)
	}
	return slices.DeleteFunc(records, func(rec Record) bool { return rec == nil }), nil
}

func (r *Resource) getAllHandler(ctx context.Context, call *Call) (Result, error) {
	records, err := r.fetchObjects(ctx, r.dataPrefix())
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Records: records}, nil
}

func (r *Resource) listHandler(ctx context.Context, call *Call) (Result, error) {
	prefix, err := r.scanPrefix(call)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	records, err := r.fetchObjects(ctx, prefix)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Records: records}, nil
}

func (r *Resource) pageHandler(ctx context.Context, call *Call) (Result, error) {
	prefix, err := r.scanPrefix(call)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	var keys []string
	if err := objstore.ForEachObject(ctx, r.cfg.Client, prefix, func(obj objstore.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	}); err != nil {
		return Result{}, trace.Wrap(err)
	}

	total := len(keys)
	offset, size := call.Options.Offset, call.Options.Size
	if offset < 0 || size < 0 {
		return Result{}, trace.BadParameter("offset and size must not be negative")
	}
	if offset > total {
		offset = total
	}
	end := total
	if size > 0 && offset+size < total {
		end = offset + size
	}

	records := make([]Record, 0, end-offset)
	for _, key := range keys[offset:end] {
		data, err := r.cfg.Client.GetObject(ctx, key)
		if trace.IsNotFound(err) {
			continue
		}
		if err != nil {
			return Result{}, trace.Wrap(err)
		}
		var rec Record
		if err := utils.FastUnmarshal(data, &rec); err != nil {
			return Result{}, trace.Wrap(err)
		}
		records = append(records, rec)
	}
	return Result{Records: records, Count: total}, nil
}

func (r *Resource) queryHandler(ctx context.Context, call *Call) (Result, error) {
	prefix, err := r.scanPrefix(call)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	records, err := r.fetchObjects(ctx, prefix)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}

	matches := make([]Record, 0, len(records))
	for _, rec := range records {
		if matchesFilter(rec, call.Filter) {
			matches = append(matches, rec)
		}
	}
	if offset := call.Options.Offset; offset > 0 {
		if offset > len(matches) {
			offset = len(matches)
		}
		matches = matches[offset:]
	}
	if limit := call.Options.Limit; limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return Result{Records: matches}, nil
}

// matchesFilter reports whether every filter field equals the record's
// value. Equality follows JSON value semantics.
func matchesFilter(rec, filter Record) bool {
	for field, want := range filter {
		got, ok := rec[field]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func (r *Resource) getFromPartitionHandler(ctx context.Context, call *Call) (Result, error) {
	partition, ok := r.cfg.Schema.Partitions[call.Options.Partition]
	if !ok {
		return Result{}, trace.NotFound("partition %q is not declared on resource %q", call.Options.Partition, r.name)
	}
	pairs, err := partitionQueryPairs(partition, call.Options.PartitionValues)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	data, err := r.cfg.Client.GetObject(ctx, r.partitionItemKey(call.Options.Partition, pairs, call.ID))
	if err != nil {
		if trace.IsNotFound(err) {
			return Result{}, trace.NotFound("record %q not found in partition %q of resource %q", call.ID, call.Options.Partition, r.name)
		}
		return Result{}, trace.Wrap(err)
	}
	var rec Record
	if err := utils.FastUnmarshal(data, &rec); err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Record: rec}, nil
}

func (r *Resource) contentHandler(ctx context.Context, call *Call) (Result, error) {
	data, err := r.cfg.Client.GetObject(ctx, r.contentKey(call.ID))
	if err != nil {
		if trace.IsNotFound(err) {
			return Result{}, trace.NotFound("record %q has no content in resource %q", call.ID, r.name)
		}
		return Result{}, trace.Wrap(err)
	}
	return Result{Bytes: data}, nil
}

func (r *Resource) hasContentHandler(ctx context.Context, call *Call) (Result, error) {
	_, err := r.cfg.Client.HeadObject(ctx, r.contentKey(call.ID))
	if trace.IsNotFound(err) {
		return Result{Bool: false}, nil
	}
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Bool: true}, nil
}
