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

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/plugin"
	"github.com/stratadb/strata/lib/resource"
)

// Namespace is the per-resource cache API. Warm calls read through
// the attached middleware, so misses populate the cache exactly like
// organic traffic would.
type Namespace struct {
	p     *Plugin
	r     *resource.Resource
	stats *counters
}

// Resource returns the underlying resource.
func (n *Namespace) Resource() *resource.Resource { return n.r }

// Driver returns the storage driver. Callers can assert
// PartitionAware or EvictionNotifier on it for the optional
// capabilities.
func (n *Namespace) Driver() Driver { return n.p.cfg.Driver }

// KeyFor derives the cache key for one call against this resource.
func (n *Namespace) KeyFor(call *resource.Call) (string, error) {
	return KeyFor(n.r, call)
}

// opFailure classifies a warm or invalidation failure for the caller,
// tagging it with the namespace's resource.
func (n *Namespace) opFailure(operation string, err error) error {
	if err == nil {
		return nil
	}
	op := plugin.NewOpError(n.p.Slug(), operation, err)
	op.Metadata = map[string]any{"resource": n.r.Name()}
	return op
}

// WarmItem loads one record into the cache.
func (n *Namespace) WarmItem(ctx context.Context, id string) error {
	_, err := n.r.Get(ctx, id)
	return n.opFailure("warmItem", err)
}

// WarmMany loads a batch of records into the cache.
func (n *Namespace) WarmMany(ctx context.Context, ids []string) error {
	_, err := n.r.GetMany(ctx, ids)
	return n.opFailure("warmMany", err)
}

// WarmList caches the list result for the given options.
func (n *Namespace) WarmList(ctx context.Context, opts ...resource.Option) error {
	_, err := n.r.List(ctx, opts...)
	return n.opFailure("warmList", err)
}

// WarmPage caches one result page.
func (n *Namespace) WarmPage(ctx context.Context, offset, size int, opts ...resource.Option) error {
	_, err := n.r.Page(ctx, offset, size, opts...)
	return n.opFailure("warmPage", err)
}

// WarmQuery caches the result of an equality query.
func (n *Namespace) WarmQuery(ctx context.Context, filter resource.Record, opts ...resource.Option) error {
	_, err := n.r.Query(ctx, filter, opts...)
	return n.opFailure("warmQuery", err)
}

// WarmCount caches the record count.
func (n *Namespace) WarmCount(ctx context.Context, opts ...resource.Option) error {
	_, err := n.r.Count(ctx, opts...)
	return n.opFailure("warmCount", err)
}

// Invalidate drops the item-scoped entries of the given ids.
func (n *Namespace) Invalidate(ctx context.Context, ids ...string) error {
	var errs []error
	for _, id := range ids {
		for _, method := range itemMethods {
			key, err := KeyFor(n.r, &resource.Call{Method: method, ID: id})
			if err != nil {
				errs = append(errs, trace.Wrap(err))
				continue
			}
			if !n.p.deleteKey(ctx, n, key) {
				errs = append(errs, trace.Errorf("failed to invalidate %q", key))
			}
		}
	}
	return n.opFailure("invalidate", trace.NewAggregate(errs...))
}

// ClearAll drops every cached entry of the resource and reports how
// many were removed.
func (n *Namespace) ClearAll(ctx context.Context) (int, error) {
	removed, err := n.p.cfg.Driver.Clear(ctx, ResourcePrefix(n.r.Name()))
	if err != nil {
		n.stats.errors.Add(1)
		return removed, n.opFailure("clearAll", err)
	}
	n.stats.deletes.Add(uint64(removed))
	cacheInvalidations.WithLabelValues(n.r.Name()).Add(float64(removed))
	return removed, nil
}

// Stats snapshots the namespace counters.
func (n *Namespace) Stats() Stats {
	return n.stats.snapshot(n.p.cfg.Clock.Now())
}

// ResetStats zeroes the counters and restarts the stats window.
func (n *Namespace) ResetStats() {
	n.stats.reset(n.p.cfg.Clock.Now())
}
