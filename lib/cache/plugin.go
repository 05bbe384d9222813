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
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata/lib/database"
	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/plugin"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

// Events emitted by the cache engine, scoped as plg:cache:<event>.
const (
	// EventClearError reports an invalidation that kept failing after
	// retries. The originating write has already succeeded.
	EventClearError = "clear-error"
	// EventMemoryPressure reports an entry dropped by the memory
	// driver to stay under its caps.
	EventMemoryPressure = "memory-pressure"
)

// ClearError is the payload of clear-error events.
type ClearError struct {
	Resource string `json:"resource"`
	// Target is the key or key prefix that could not be cleared.
	Target string `json:"target"`
	Error  string `json:"error"`
}

// MemoryPressure is the payload of memory-pressure events.
type MemoryPressure struct {
	Key  string `json:"key"`
	Size int    `json:"size"`
}

// itemMethods are the read methods invalidated per record id.
var itemMethods = []resource.Method{
	resource.MethodGet, resource.MethodExists,
	resource.MethodContent, resource.MethodHasContent,
}

// aggregateMethods are the per-action prefixes cleared when the broad
// resource clear fails.
var aggregateMethods = []resource.Method{
	resource.MethodCount, resource.MethodList, resource.MethodListIDs,
	resource.MethodGetAll, resource.MethodPage, resource.MethodQuery,
}

// ResourceFilter selects which resources the engine caches.
type ResourceFilter struct {
	// Include limits caching to the named resources. Empty includes
	// everything not excluded.
	Include []string
	// Exclude always wins over Include.
	Exclude []string
	// IncludePluginCreated extends caching to plugin-created
	// resources, which are skipped by default.
	IncludePluginCreated bool
}

// Matches reports whether the resource should be cached.
func (f ResourceFilter) Matches(r *resource.Resource) bool {
	if slices.Contains(f.Exclude, r.Name()) {
		return false
	}
	if r.Schema().PluginCreated() && !f.IncludePluginCreated {
		return false
	}
	if len(f.Include) > 0 && !slices.Contains(f.Include, r.Name()) {
		return false
	}
	return true
}

// Config configures the cache engine plugin.
type Config struct {
	// Driver stores the cache entries. Required. The plugin owns it:
	// uninstall closes it.
	Driver Driver
	// Filter selects the cached resources.
	Filter ResourceFilter
	// IncludePartitions also clears partition-scoped entries on
	// writes.
	IncludePartitions bool
	// CompressionThreshold is the encoded size in bytes above which
	// entries are gzip-compressed. Zero means
	// defaults.CacheCompressionThreshold, negative disables
	// compression.
	CompressionThreshold int
	// RetryAttempts is how many times a failed invalidation clear is
	// retried. Defaults to defaults.CacheClearRetries.
	RetryAttempts int
	// RetryDelay is the first retry backoff, doubling per attempt.
	// Defaults to defaults.CacheClearRetryDelay.
	RetryDelay time.Duration
	// Clock is used for retry backoff and stats windows.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Driver == nil {
		return trace.BadParameter("missing parameter Driver")
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = defaults.CacheCompressionThreshold
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaults.CacheClearRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.CacheClearRetryDelay
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Plugin is the cache engine. On install it attaches read-through
// middleware and write invalidation to every resource the filter
// selects; resources created later attach on first Namespace call.
type Plugin struct {
	*plugin.Base
	cfg Config

	mu         sync.Mutex
	namespaces map[string]*Namespace
}

// New returns a cache plugin ready to be installed.
func New(cfg Config) (*Plugin, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(
		cacheHits, cacheMisses, cacheWrites, cacheInvalidations, cacheErrors,
	); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Plugin{cfg: cfg, namespaces: make(map[string]*Namespace)}
	base, err := plugin.NewBase(plugin.BaseConfig{
		Name:        "CachePlugin",
		OnInstall:   p.onInstall,
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

func (p *Plugin) onInstall(ctx context.Context, db *database.Database) error {
	if notifier, ok := p.cfg.Driver.(EvictionNotifier); ok {
		notifier.AddEvictionNotifier(p.onMemoryPressure)
	}
	for _, name := range db.ResourceNames() {
		r, err := db.Resource(name)
		if err != nil {
			return trace.Wrap(err)
		}
		if !p.cfg.Filter.Matches(r) {
			continue
		}
		if _, err := p.attach(r); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (p *Plugin) onUninstall(ctx context.Context, opts plugin.UninstallOptions) error {
	p.mu.Lock()
	p.namespaces = make(map[string]*Namespace)
	p.mu.Unlock()
	if opts.PurgeData {
		if _, err := p.cfg.Driver.Clear(ctx, ""); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(p.cfg.Driver.Close())
}

func (p *Plugin) onMemoryPressure(ev Eviction) {
	p.EmitEvent(context.Background(), EventMemoryPressure, MemoryPressure{
		Key:  ev.Key,
		Size: ev.Size,
	})
}

// Driver returns the storage driver entries live in.
func (p *Plugin) Driver() Driver { return p.cfg.Driver }

// Namespace returns the cache API for one resource, attaching the
// middleware on first use for resources created after install.
func (p *Plugin) Namespace(name string) (*Namespace, error) {
	p.mu.Lock()
	ns, ok := p.namespaces[name]
	p.mu.Unlock()
	if ok {
		return ns, nil
	}
	db := p.Database()
	if db == nil {
		return nil, trace.BadParameter("cache plugin is not installed")
	}
	r, err := db.Resource(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !p.cfg.Filter.Matches(r) {
		return nil, trace.NotFound("resource %q is excluded from caching", name)
	}
	ns, err = p.attach(r)
	return ns, trace.Wrap(err)
}

// Namespaces lists the attached resource names.
func (p *Plugin) Namespaces() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.namespaces))
	for name := range p.namespaces {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AllStats snapshots the counters of every attached namespace.
func (p *Plugin) AllStats() map[string]Stats {
	p.mu.Lock()
	namespaces := make([]*Namespace, 0, len(p.namespaces))
	for _, ns := range p.namespaces {
		namespaces = append(namespaces, ns)
	}
	p.mu.Unlock()
	stats := make(map[string]Stats, len(namespaces))
	for _, ns := range namespaces {
		stats[ns.r.Name()] = ns.Stats()
	}
	return stats
}

// attach registers the cache middleware on a resource and returns its
// namespace.
func (p *Plugin) attach(r *resource.Resource) (*Namespace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ns, ok := p.namespaces[r.Name()]; ok {
		return ns, nil
	}
	ns := &Namespace{p: p, r: r, stats: newCounters(p.cfg.Clock.Now())}
	for _, method := range resource.ReadMethods {
		if err := p.AddMiddleware(r, method, p.readMiddleware(ns)); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	for _, method := range resource.WriteMethods {
		if err := p.AddMiddleware(r, method, p.invalidationMiddleware(ns)); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	p.namespaces[r.Name()] = ns
	p.Logger().Debug("Attached cache to resource.", "resource", r.Name(), "driver", p.cfg.Driver.Kind())
	return ns, nil
}

// readMiddleware serves reads from the cache and stores misses.
func (p *Plugin) readMiddleware(ns *Namespace) resource.Middleware {
	return func(ctx context.Context, call *resource.Call, next resource.Next) (resource.Result, error) {
		if call.Options.SkipCache {
			return next(ctx)
		}
		key, err := KeyFor(ns.r, call)
		if err != nil {
			// Unkeyable calls pass through, e.g. incomplete
			// partition values.
			p.Logger().DebugContext(ctx, "Call is not cacheable.",
				"resource", ns.r.Name(), "method", call.Method, "error", err)
			return next(ctx)
		}

		data, err := p.cfg.Driver.Get(ctx, key)
		switch {
		case err == nil:
			var cached resource.Result
			if derr := Decode(data, &cached); derr == nil {
				ns.stats.hits.Add(1)
				cacheHits.WithLabelValues(ns.r.Name()).Inc()
				return cached, nil
			}
			// Corrupt entry, drop it and treat the read as a miss.
			_ = p.cfg.Driver.Delete(ctx, key)
		case !trace.IsNotFound(err):
			ns.stats.errors.Add(1)
			cacheErrors.WithLabelValues(ns.r.Name()).Inc()
			return resource.Result{}, trace.Wrap(err)
		}

		result, err := next(ctx)
		if err != nil {
			return result, trace.Wrap(err)
		}
		ns.stats.misses.Add(1)
		cacheMisses.WithLabelValues(ns.r.Name()).Inc()

		encoded, err := Encode(result, p.cfg.CompressionThreshold)
		if err == nil {
			err = p.cfg.Driver.Set(ctx, key, encoded)
		}
		if err != nil {
			ns.stats.errors.Add(1)
			cacheErrors.WithLabelValues(ns.r.Name()).Inc()
			p.Logger().WarnContext(ctx, "Failed to store cache entry.",
				"resource", ns.r.Name(), "key", key, "error", err)
			return result, nil
		}
		ns.stats.writes.Add(1)
		cacheWrites.WithLabelValues(ns.r.Name()).Inc()
		return result, nil
	}
}

// invalidationMiddleware clears stale entries after successful
// writes. Invalidation failures never fail the write.
func (p *Plugin) invalidationMiddleware(ns *Namespace) resource.Middleware {
	return func(ctx context.Context, call *resource.Call, next resource.Next) (resource.Result, error) {
		if call.Options.SkipCache {
			return next(ctx)
		}
		result, err := next(ctx)
		if err != nil {
			return result, trace.Wrap(err)
		}
		p.invalidate(ctx, ns, call, result)
		return result, nil
	}
}

// invalidate clears entries made stale by a write: first the item
// keys of the affected ids, then partition-scoped entries when
// enabled, then everything under the resource prefix. If the broad
// clear fails it falls back to the per-action aggregate prefixes.
func (p *Plugin) invalidate(ctx context.Context, ns *Namespace, call *resource.Call, result resource.Result) {
	name := ns.r.Name()

	for _, id := range affectedIDs(call, result) {
		for _, method := range itemMethods {
			key, err := KeyFor(ns.r, &resource.Call{Method: method, ID: id})
			if err != nil {
				continue
			}
			p.deleteKey(ctx, ns, key)
		}
	}

	if p.cfg.IncludePartitions {
		for _, rec := range affectedRecords(call, result) {
			p.invalidatePartitions(ctx, ns, rec)
		}
	}

	if !p.clearPrefix(ctx, ns, ResourcePrefix(name)) {
		for _, method := range aggregateMethods {
			p.clearPrefix(ctx, ns, ActionPrefix(name, method))
		}
	}
}

// invalidatePartitions clears the partition-scoped entries of every
// partition the record populates. The scope carries no trailing
// slash: keys of parameterless calls end right after the last
// partition value. A sibling value sharing the prefix may get cleared
// too, which costs a miss, never staleness.
func (p *Plugin) invalidatePartitions(ctx context.Context, ns *Namespace, rec resource.Record) {
	for partition := range ns.r.Schema().Partitions {
		pairs, ok, err := ns.r.PartitionValues(partition, rec)
		if err != nil || !ok {
			continue
		}
		scope := strings.Join(partitionSegments(partition, pairs), "/")
		for _, method := range resource.ReadMethods {
			p.clearPrefix(ctx, ns, ActionPrefix(ns.r.Name(), method)+scope)
		}
	}
}

// clearWithRetry runs fn, retrying failures with a doubling backoff.
// NotFound is success: the entry is gone either way.
func (p *Plugin) clearWithRetry(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	for attempt := 0; attempt < p.cfg.RetryAttempts && err != nil && !trace.IsNotFound(err); attempt++ {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-p.cfg.Clock.After(p.cfg.RetryDelay << attempt):
		}
		err = fn(ctx)
	}
	if trace.IsNotFound(err) {
		return nil
	}
	return trace.Wrap(err)
}

func (p *Plugin) deleteKey(ctx context.Context, ns *Namespace, key string) bool {
	err := p.clearWithRetry(ctx, func(ctx context.Context) error {
		return p.cfg.Driver.Delete(ctx, key)
	})
	if err != nil {
		p.reportClearError(ctx, ns, key, err)
		return false
	}
	ns.stats.deletes.Add(1)
	cacheInvalidations.WithLabelValues(ns.r.Name()).Inc()
	return true
}

func (p *Plugin) clearPrefix(ctx context.Context, ns *Namespace, prefix string) bool {
	removed := 0
	err := p.clearWithRetry(ctx, func(ctx context.Context) error {
		n, err := p.cfg.Driver.Clear(ctx, prefix)
		removed = n
		return err
	})
	if err != nil {
		p.reportClearError(ctx, ns, prefix, err)
		return false
	}
	if removed > 0 {
		ns.stats.deletes.Add(uint64(removed))
		cacheInvalidations.WithLabelValues(ns.r.Name()).Add(float64(removed))
	}
	return true
}

func (p *Plugin) reportClearError(ctx context.Context, ns *Namespace, target string, err error) {
	ns.stats.errors.Add(1)
	cacheErrors.WithLabelValues(ns.r.Name()).Inc()
	p.Logger().WarnContext(ctx, "Cache invalidation failed.",
		"resource", ns.r.Name(), "target", target, "error", err)
	p.EmitEvent(ctx, EventClearError, ClearError{
		Resource: ns.r.Name(),
		Target:   target,
		Error:    err.Error(),
	})
}

// affectedIDs returns the record ids a write touched.
func affectedIDs(call *resource.Call, result resource.Result) []string {
	switch {
	case len(result.IDs) > 0:
		return result.IDs
	case len(call.IDs) > 0:
		return call.IDs
	case call.ID != "":
		return []string{call.ID}
	}
	// Inserts assign the id server-side.
	if id, ok := result.Record["id"].(string); ok && id != "" {
		return []string{id}
	}
	return nil
}

// affectedRecords returns the stored records a write touched, used to
// derive which partitions need clearing.
func affectedRecords(call *resource.Call, result resource.Result) []resource.Record {
	if len(result.Records) > 0 {
		return result.Records
	}
	if result.Record != nil {
		return []resource.Record{result.Record}
	}
	if call.Record != nil {
		return []resource.Record{call.Record}
	}
	return nil
}
