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

// Package resource implements the unit of persistence: a named record
// collection stored as JSON objects on the object store, with derived
// partition keys, optional content blobs, and a per-method middleware
// chain that engines (cache, TTL, state machine) compose with.
//
// Layout on the store:
//
//	resource=<name>/data/id=<id>.json             record
//	resource=<name>/partition=<p>/<f>=<v>/...     full record copy per partition
//	resource=<name>/content/id=<id>               opaque content blob
package resource

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata"
	"github.com/stratadb/strata/lib/bus"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/workpool"
)

// Config holds everything a resource needs to operate.
type Config struct {
	// Name is the resource name, e.g. "users" or
	// "plg_ttl_expiration_index".
	Name string
	// Schema describes attributes, partitions and flags.
	Schema Schema
	// AsyncPartitions defers partition copy writes to the worker pool.
	AsyncPartitions bool
	// Client is the object store.
	Client objstore.Client
	// Bus receives change events; optional.
	Bus *bus.Bus
	// Pool runs asynchronous partition writes; required when
	// AsyncPartitions is set.
	Pool *workpool.Pool
	// Clock provides timestamps.
	Clock clockwork.Clock
	// Logger is the resource's logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if err := ValidateName(c.Name); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Schema.Validate(); err != nil {
		return trace.Wrap(err)
	}
	if c.Client == nil {
		return trace.BadParameter("missing object store client")
	}
	if c.AsyncPartitions && c.Pool == nil {
		return trace.BadParameter("async partitions require a worker pool")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(strata.ComponentKey, strata.ComponentResource, "resource", c.Name)
	}
	return nil
}

// Resource is a named collection of records.
type Resource struct {
	cfg    Config
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	nextRegID uint64
	handlers  map[Method]handler
	chains    map[Method][]middlewareEntry
	wrappers  map[Method][]wrapperEntry
}

// New returns a resource over the configured store. The original
// method handlers are captured here, once; middleware added later
// always wraps these.
func New(cfg Config) (*Resource, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Resource{
		cfg:      cfg,
		name:     cfg.Name,
		logger:   cfg.Logger,
		chains:   make(map[Method][]middlewareEntry),
		wrappers: make(map[Method][]wrapperEntry),
	}
	r.handlers = map[Method]handler{
		MethodGet:              r.getHandler,
		MethodExists:           r.existsHandler,
		MethodCount:            r.countHandler,
		MethodListIDs:          r.listIDsHandler,
		MethodGetMany:          r.getManyHandler,
		MethodGetAll:           r.getAllHandler,
		MethodPage:             r.pageHandler,
		MethodList:             r.listHandler,
		MethodQuery:            r.queryHandler,
		MethodGetFromPartition: r.getFromPartitionHandler,
		MethodContent:          r.contentHandler,
		MethodHasContent:       r.hasContentHandler,
		MethodInsert:           r.insertHandler,
		MethodUpdate:           r.updateHandler,
		MethodPatch:            r.patchHandler,
		MethodDelete:           r.deleteHandler,
		MethodDeleteMany:       r.deleteManyHandler,
		MethodReplace:          r.replaceHandler,
		MethodSetContent:       r.setContentHandler,
		MethodDeleteContent:    r.deleteContentHandler,
	}
	return r, nil
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Schema returns the resource schema.
func (r *Resource) Schema() Schema { return r.cfg.Schema }

// Purge deletes every object belonging to the resource: data objects,
// partition copies and content blobs. Middleware is not consulted and
// no change events are emitted.
func (r *Resource) Purge(ctx context.Context) error {
	_, err := objstore.DeletePrefix(ctx, r.cfg.Client, "resource="+r.name+"/")
	return trace.Wrap(err)
}

// ChangeEvent is the payload of the events a write emits: the
// database-scoped "db:<method>" and the resource-scoped
// "<name>:<method>".
type ChangeEvent struct {
	Resource string   `json:"resource"`
	Method   Method   `json:"method"`
	ID       string   `json:"id,omitempty"`
	IDs      []string `json:"ids,omitempty"`
	Record   Record   `json:"record,omitempty"`
}

func (r *Resource) emitChange(ctx context.Context, call *Call, result Result) {
	if r.cfg.Bus == nil {
		return
	}
	event := ChangeEvent{
		Resource: r.name,
		Method:   call.Method,
		ID:       call.ID,
		IDs:      call.IDs,
		Record:   result.Record,
	}
	if event.ID == "" && result.Record != nil {
		event.ID, _ = result.Record["id"].(string)
	}
	r.cfg.Bus.Emit(ctx, bus.DB(string(call.Method)), event)
	r.cfg.Bus.Emit(ctx, r.name+":"+string(call.Method), event)
}

// Key layout helpers. Segments derived from ids and field values are
// path-escaped so user data cannot break the key structure.

func escapeSegment(s string) string { return url.PathEscape(s) }

func (r *Resource) dataPrefix() string {
	return "resource=" + r.name + "/data/"
}

func (r *Resource) dataKey(id string) string {
	return r.dataPrefix() + "id=" + escapeSegment(id) + ".json"
}

func (r *Resource) contentKey(id string) string {
	return "resource=" + r.name + "/content/id=" + escapeSegment(id)
}

func (r *Resource) partitionRoot() string {
	return "resource=" + r.name + "/partition="
}

func (r *Resource) partitionPrefix(name string, pairs []PartitionValue) string {
	var b strings.Builder
	b.WriteString(r.partitionRoot())
	b.WriteString(name)
	b.WriteString("/")
	for _, pair := range pairs {
		b.WriteString(pair.Field)
		b.WriteString("=")
		b.WriteString(escapeSegment(pair.Value))
		b.WriteString("/")
	}
	return b.String()
}

func (r *Resource) partitionItemKey(name string, pairs []PartitionValue, id string) string {
	return r.partitionPrefix(name, pairs) + "id=" + escapeSegment(id) + ".json"
}

// idFromDataKey recovers the record id from a data object key.
func (r *Resource) idFromDataKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, r.dataPrefix()+"id=")
	if !ok {
		return "", false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

// PartitionValues returns the transformed key values for rec in the
// named partition, in lexicographic field order. ok is false when the
// record does not participate (a field is missing or nil).
func (r *Resource) PartitionValues(name string, rec Record) (pairs []PartitionValue, ok bool, err error) {
	partition, exists := r.cfg.Schema.Partitions[name]
	if !exists {
		return nil, false, trace.NotFound("partition %q is not declared on resource %q", name, r.name)
	}
	pairs, ok, err = partitionPairs(partition, rec)
	return pairs, ok, trace.Wrap(err)
}

// partitionKeys returns every partition item key the record
// participates in.
func (r *Resource) partitionKeys(rec Record, id string) ([]string, error) {
	var keys []string
	for name, partition := range r.cfg.Schema.Partitions {
		pairs, ok, err := partitionPairs(partition, rec)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if !ok {
			continue
		}
		keys = append(keys, r.partitionItemKey(name, pairs, id))
	}
	return keys, nil
}

// writePartitions stores a full copy of the record under every
// partition key, and removes copies the record no longer derives.
// With AsyncPartitions the work rides the pool and write errors are
// logged, not returned.
func (r *Resource) writePartitions(ctx context.Context, id string, oldRec, newRec Record, data []byte) error {
	if len(r.cfg.Schema.Partitions) == 0 {
		return nil
	}
	newKeys, err := r.partitionKeys(newRec, id)
	if err != nil {
		return trace.Wrap(err)
	}
	var staleKeys []string
	if oldRec != nil {
		oldKeys, err := r.partitionKeys(oldRec, id)
		if err != nil {
			return trace.Wrap(err)
		}
		current := make(map[string]struct{}, len(newKeys))
		for _, k := range newKeys {
			current[k] = struct{}{}
		}
		for _, k := range oldKeys {
			if _, live := current[k]; !live {
				staleKeys = append(staleKeys, k)
			}
		}
	}

	apply := func(ctx context.Context) error {
		var errs []error
		for _, key := range staleKeys {
			if err := r.cfg.Client.DeleteObject(ctx, key); err != nil && !trace.IsNotFound(err) {
				errs = append(errs, err)
			}
		}
		for _, key := range newKeys {
			if err := r.cfg.Client.PutObject(ctx, key, data, objstore.PutOptions{
				ContentType: "application/json",
			}); err != nil {
				errs = append(errs, err)
			}
		}
		return trace.NewAggregate(errs...)
	}

	if r.cfg.AsyncPartitions {
		r.cfg.Pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
			if err := apply(ctx); err != nil {
				r.logger.WarnContext(ctx, "Async partition write failed.",
					"id", id, "error", err)
			}
			return nil
		})
		return nil
	}
	return trace.Wrap(apply(ctx))
}

// deletePartitions removes every partition copy the record
// participates in.
func (r *Resource) deletePartitions(ctx context.Context, id string, rec Record) error {
	keys, err := r.partitionKeys(rec, id)
	if err != nil {
		return trace.Wrap(err)
	}
	var errs []error
	for _, key := range keys {
		if err := r.cfg.Client.DeleteObject(ctx, key); err != nil && !trace.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}
