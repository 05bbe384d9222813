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

// Package ttl implements the record expiration engine. Managed
// resources get middleware that maintains a cohort-partitioned
// expiration index; cron-driven sweeps scan recent cohorts and apply
// the configured strategy to records whose exact expiry has passed.
package ttl

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/database"
	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/plugin"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

// EventCleanupError reports a sweep tick that failed as a whole, e.g.
// a cohort listing error. Per-record failures only count; they are not
// emitted. Scoped as plg:ttl:cleanup-error.
const EventCleanupError = "cleanup-error"

// CleanupError is the payload of cleanup-error events.
type CleanupError struct {
	Granularity Granularity `json:"granularity"`
	Cohort      string      `json:"cohort,omitempty"`
	Error       string      `json:"error"`
}

// Index entry fields.
const (
	fieldResourceName = "resourceName"
	fieldRecordID     = "recordId"
	fieldCohort       = "expiresAtCohort"
	fieldExpiresAt    = "expiresAtTimestamp"
	fieldGranularity  = "granularity"
	fieldCreatedAt    = "createdAt"
)

// partitionByCohort clusters index entries by their cohort bucket so
// sweeps list one bucket with a single prefix scan.
const partitionByCohort = "byExpiresAtCohort"

// Plugin is the TTL engine.
type Plugin struct {
	*plugin.Base
	cfg   Config
	stats counters

	index *resource.Resource
	// sweepers guard against overlapping ticks per granularity.
	sweepers map[Granularity]*sweeper
}

// New returns a TTL plugin ready to be installed.
func New(cfg Config) (*Plugin, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(ttlSweeps, ttlExpired, ttlErrors); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Plugin{cfg: cfg, sweepers: make(map[Granularity]*sweeper)}
	base, err := plugin.NewBase(plugin.BaseConfig{
		Name:        "TTLPlugin",
		Namespace:   cfg.Namespace,
		OnInstall:   p.onInstall,
		OnStart:     p.onStart,
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

// indexName resolves the expiration index resource name.
func (p *Plugin) indexName() string {
	if p.cfg.IndexResource != "" {
		return p.cfg.IndexResource
	}
	return p.ResolveName("ttl_expiration_index")
}

// Index returns the expiration index resource, nil before install.
func (p *Plugin) Index() *resource.Resource { return p.index }

// Stats snapshots the engine counters.
func (p *Plugin) Stats() Stats { return p.stats.snapshot() }

// SweepNow runs one expiration pass for the granularity outside the
// cron schedule, e.g. after bulk-loading records with past expiries.
// It shares the overlap guard with scheduled ticks, so a pass that
// collides with one already in flight fails with LimitExceeded.
func (p *Plugin) SweepNow(ctx context.Context, g Granularity) error {
	s, ok := p.sweepers[g]
	if !ok {
		return plugin.NewOpError(p.Slug(), "sweepNow",
			trace.NotFound("no sweep is scheduled for granularity %q", g))
	}
	if !s.running.CompareAndSwap(false, true) {
		return plugin.NewOpError(p.Slug(), "sweepNow",
			trace.LimitExceeded("a %s sweep is already running", g))
	}
	defer s.running.Store(false)
	if err := s.sweep(ctx); err != nil {
		return plugin.NewOpError(p.Slug(), "sweepNow", err)
	}
	return nil
}

func (p *Plugin) onInstall(ctx context.Context, db *database.Database) error {
	index, err := db.CreateResource(ctx, database.ResourceConfig{
		Name: p.indexName(),
		Schema: resource.Schema{
			Partitions: map[string]resource.Partition{
				partitionByCohort: {Fields: map[string]string{fieldCohort: "identity"}},
			},
			CreatedBy: p.Slug(),
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.index = index

	// Preconditions before any middleware: every managed and archive
	// resource must already exist.
	managed := make(map[string]*resource.Resource, len(p.cfg.Resources))
	for name, rc := range p.cfg.Resources {
		r, err := db.Resource(name)
		if err != nil {
			return trace.Wrap(err, "TTL-managed resource %q", name)
		}
		managed[name] = r
		if rc.OnExpire == Archive {
			if _, err := db.Resource(rc.ArchiveResource); err != nil {
				return trace.Wrap(err, "archive resource %q for %q", rc.ArchiveResource, name)
			}
		}
		if rc.Field == defaults.CreatedAtField && !r.Schema().Timestamps {
			p.Logger().WarnContext(ctx, "Resource has timestamps disabled; TTL is measured from indexing time.",
				"resource", name)
		}
	}

	for name, r := range managed {
		rc := p.cfg.Resources[name]
		if err := p.AddMiddleware(r, resource.MethodInsert, p.indexOnWrite(r, rc)); err != nil {
			return trace.Wrap(err)
		}
		for _, method := range []resource.Method{resource.MethodUpdate, resource.MethodPatch} {
			if err := p.AddMiddleware(r, method, p.reindexOnChange(r, rc)); err != nil {
				return trace.Wrap(err)
			}
		}
		if err := p.AddMiddleware(r, resource.MethodReplace, p.indexOnWrite(r, rc)); err != nil {
			return trace.Wrap(err)
		}
		if err := p.AddMiddleware(r, resource.MethodDelete, p.dropOnDelete(r)); err != nil {
			return trace.Wrap(err)
		}
		if err := p.AddMiddleware(r, resource.MethodDeleteMany, p.dropOnDelete(r)); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (p *Plugin) onStart(ctx context.Context) error {
	for _, g := range p.cfg.activeGranularities() {
		s := &sweeper{p: p, granularity: g}
		p.sweepers[g] = s
		expr, err := sweepSchedule(g)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := p.ScheduleCron(expr, s.tick, "sweep-"+string(g)); err != nil {
			return trace.Wrap(err)
		}
		p.Logger().InfoContext(ctx, "Scheduled expiration sweep.",
			"granularity", g, "interval", sweepInterval(g))
	}
	return nil
}

func (p *Plugin) onUninstall(ctx context.Context, opts plugin.UninstallOptions) error {
	p.sweepers = make(map[Granularity]*sweeper)
	if !opts.PurgeData {
		return nil
	}
	db := p.Database()
	if db == nil {
		return nil
	}
	return trace.Wrap(db.RemoveResource(ctx, p.indexName(), true))
}

// entryID is the deterministic index entry id for one record, making
// upsert and removal O(1).
func entryID(resourceName, recordID string) string {
	return resourceName + ":" + recordID
}

// expiryOf resolves the absolute expiry for a record, or ok=false when
// the record is not subject to TTL. The base is the configured field's
// value; a missing created-at field falls back to now, so resources
// without timestamps age from indexing time.
func (p *Plugin) expiryOf(rc ResourceConfig, rec resource.Record) (time.Time, bool, error) {
	base := p.cfg.Clock.Now()
	if raw, ok := rec[rc.Field]; ok && raw != nil {
		t, err := resource.CoerceTime(raw)
		if err != nil {
			return time.Time{}, false, trace.Wrap(err, "field %q", rc.Field)
		}
		base = t
	} else if rc.Field != defaults.CreatedAtField {
		return time.Time{}, false, nil
	}
	return base.Add(rc.TTL), true, nil
}

// indexOnWrite maintains the index entry after an insert or replace.
// The index write shares the caller's fate: a failed entry would
// otherwise mean a record that silently never expires.
func (p *Plugin) indexOnWrite(r *resource.Resource, rc ResourceConfig) resource.Middleware {
	return func(ctx context.Context, call *resource.Call, next resource.Next) (resource.Result, error) {
		result, err := next(ctx)
		if err != nil {
			return result, trace.Wrap(err)
		}
		if err := p.reindex(ctx, r, rc, result.Record); err != nil {
			return result, trace.Wrap(err)
		}
		return result, nil
	}
}

// reindexOnChange recomputes the entry after update or patch, but only
// when the TTL-bearing field was touched.
func (p *Plugin) reindexOnChange(r *resource.Resource, rc ResourceConfig) resource.Middleware {
	return func(ctx context.Context, call *resource.Call, next resource.Next) (resource.Result, error) {
		result, err := next(ctx)
		if err != nil {
			return result, trace.Wrap(err)
		}
		if _, touched := call.Changes[rc.Field]; !touched {
			return result, nil
		}
		if err := p.reindex(ctx, r, rc, result.Record); err != nil {
			return result, trace.Wrap(err)
		}
		return result, nil
	}
}

// dropOnDelete removes index entries for deleted records.
func (p *Plugin) dropOnDelete(r *resource.Resource) resource.Middleware {
	return func(ctx context.Context, call *resource.Call, next resource.Next) (resource.Result, error) {
		result, err := next(ctx)
		if err != nil {
			return result, trace.Wrap(err)
		}
		ids := result.IDs
		if len(ids) == 0 && call.ID != "" {
			ids = []string{call.ID}
		}
		for _, id := range ids {
			if err := p.removeEntry(ctx, r.Name(), id); err != nil {
				return result, trace.Wrap(err)
			}
		}
		return result, nil
	}
}

// reindex upserts the record's index entry, or removes it when the
// record no longer carries a TTL base.
func (p *Plugin) reindex(ctx context.Context, r *resource.Resource, rc ResourceConfig, rec resource.Record) error {
	id, ok := rec["id"].(string)
	if !ok || id == "" {
		return trace.BadParameter("record in resource %q has no id", r.Name())
	}
	expiresAt, ok, err := p.expiryOf(rc, rec)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return trace.Wrap(p.removeEntry(ctx, r.Name(), id))
	}

	g := rc.granularity()
	fields := resource.Record{
		fieldResourceName: r.Name(),
		fieldRecordID:     id,
		fieldCohort:       CohortFor(expiresAt, g),
		fieldExpiresAt:    expiresAt.UnixMilli(),
		fieldGranularity:  string(g),
	}
	return trace.Wrap(p.upsertEntry(ctx, entryID(r.Name(), id), fields))
}

// upsertEntry writes an index entry by deterministic id: update first,
// insert when the entry does not exist yet.
func (p *Plugin) upsertEntry(ctx context.Context, id string, fields resource.Record) error {
	_, err := p.index.Update(ctx, id, fields)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	fields["id"] = id
	fields[fieldCreatedAt] = utils.FormatTime(p.cfg.Clock.Now())
	_, err = p.index.Insert(ctx, fields)
	if trace.IsAlreadyExists(err) {
		// Lost the race to a concurrent writer; their entry wins.
		return nil
	}
	return trace.Wrap(err)
}

// removeEntry deletes a record's index entry; a missing entry means
// the record was not subject to TTL.
func (p *Plugin) removeEntry(ctx context.Context, resourceName, recordID string) error {
	err := p.index.Delete(ctx, entryID(resourceName, recordID))
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}
