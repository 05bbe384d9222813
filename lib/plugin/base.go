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

// Package plugin implements the runtime every engine plugin is built
// on: lifecycle bookkeeping, middleware and hook registration with
// exact teardown, tracked cron jobs, slug/namespace derivation, and
// slug-prefixed storage with distributed locks.
package plugin

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata"
	"github.com/stratadb/strata/lib/bus"
	"github.com/stratadb/strata/lib/cron"
	"github.com/stratadb/strata/lib/database"
	"github.com/stratadb/strata/lib/resource"
)

// Plugin and UninstallOptions are defined on the database package,
// which consumes them; aliased here so engine packages can name them
// without importing both.
type (
	Plugin           = database.Plugin
	UninstallOptions = database.UninstallOptions
)

// Plugin-scoped lifecycle event names, emitted under "plg:<slug>:".
const (
	EventBeforeInstall    = "beforeInstall"
	EventAfterInstall     = "afterInstall"
	EventStart            = "start"
	EventStop             = "stop"
	EventUninstall        = "uninstall"
	EventNamespaceChanged = "namespace-changed"
)

// NamespaceEvent is the payload of namespace-changed events.
type NamespaceEvent struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Slugify derives a plugin slug from its name: a trailing "Plugin"
// token is stripped and the rest is converted from CamelCase to
// kebab-case. "CacheEnginePlugin" becomes "cache-engine",
// "TTLCleanupPlugin" becomes "ttl-cleanup".
func Slugify(name string) string {
	stripped := strings.TrimSuffix(name, "Plugin")
	if stripped == "" {
		stripped = name
	}
	runes := []rune(stripped)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevBreaks := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			// Last upper of an acronym run starts a new word when a
			// lower follows it, as in "TTLCleanup".
			acronymEnd := i > 0 && unicode.IsUpper(runes[i-1]) &&
				i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevBreaks || acronymEnd {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BaseConfig holds plugin base parameters. The On* callbacks are the
// plugin's own lifecycle logic; the base handles the bookkeeping
// around them.
type BaseConfig struct {
	// Name is the plugin class name the slug derives from.
	Name string
	// Namespace rewrites internal resource names, see ResolveName.
	Namespace string
	// InstanceKey distinguishes multiple instances of the same plugin
	// class on one database. Optional.
	InstanceKey string
	// OnInstall creates internal resources and registers middleware.
	// It must register middleware last: on error the base removes
	// whatever was registered, but external side effects are its own
	// problem.
	OnInstall func(ctx context.Context, db *database.Database) error
	// OnStart begins background work.
	OnStart func(ctx context.Context) error
	// OnStop halts background work. Tracked cron jobs are already
	// stopped when it runs.
	OnStop func(ctx context.Context) error
	// OnUninstall releases plugin-created resources.
	OnUninstall func(ctx context.Context, opts UninstallOptions) error
	// OnNamespaceChange re-resolves internal resource names.
	OnNamespaceChange func(ctx context.Context, old, new string) error
	// Clock is used for lock arithmetic and timestamps.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *BaseConfig) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if Slugify(c.Name) == "" {
		return trace.BadParameter("plugin name %q yields an empty slug", c.Name)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With(strata.ComponentKey, strata.ComponentPlugin, "plugin", Slugify(c.Name))
	return nil
}

type hookEntry struct {
	pattern string
	cancel  func()
}

// Base carries the state shared by all plugins. Engine plugins embed
// it and supply their logic through the BaseConfig callbacks.
type Base struct {
	cfg    BaseConfig
	slug   string
	logger *slog.Logger

	mu            sync.Mutex
	db            *database.Database
	namespace     string
	installed     bool
	started       bool
	storage       *Storage
	registrations map[*resource.Resource]*resource.Registration
	hooks         []hookEntry
	crons         map[string]cron.Job
}

// NewBase returns a plugin base ready to be installed.
func NewBase(cfg BaseConfig) (*Base, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Base{
		cfg:           cfg,
		slug:          Slugify(cfg.Name),
		logger:        cfg.Logger,
		namespace:     cfg.Namespace,
		registrations: make(map[*resource.Resource]*resource.Registration),
		crons:         make(map[string]cron.Job),
	}, nil
}

// Name returns the plugin class name.
func (b *Base) Name() string { return b.cfg.Name }

// Slug returns the derived plugin slug.
func (b *Base) Slug() string { return b.slug }

// InstanceKey identifies this instance among others of the same class.
func (b *Base) InstanceKey() string {
	if b.cfg.InstanceKey != "" {
		return b.slug + "-" + b.cfg.InstanceKey
	}
	return b.slug
}

// Logger returns the plugin logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Database returns the bound database, nil before Install.
func (b *Base) Database() *database.Database {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db
}

// Installed reports whether Install has completed.
func (b *Base) Installed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.installed
}

// Started reports whether the plugin is running.
func (b *Base) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// ResolveName maps a plugin-internal base resource name to its
// namespaced form: plg_<base>, or plg_<namespace>_<base> when a
// namespace is set.
func (b *Base) ResolveName(base string) string {
	b.mu.Lock()
	ns := b.namespace
	b.mu.Unlock()
	if ns == "" {
		return "plg_" + base
	}
	return "plg_" + ns + "_" + base
}

// SetNamespace switches the plugin namespace. Internal resource names
// resolve differently afterwards; a namespace-changed event tells
// downstream caches to drop references derived from the old names.
func (b *Base) SetNamespace(ctx context.Context, ns string) error {
	b.mu.Lock()
	old := b.namespace
	if old == ns {
		b.mu.Unlock()
		return nil
	}
	b.namespace = ns
	b.mu.Unlock()

	if b.cfg.OnNamespaceChange != nil {
		if err := b.cfg.OnNamespaceChange(ctx, old, ns); err != nil {
			b.mu.Lock()
			b.namespace = old
			b.mu.Unlock()
			return trace.Wrap(err)
		}
	}
	b.EmitEvent(ctx, EventNamespaceChanged, NamespaceEvent{Old: old, New: ns})
	return nil
}

// EmitEvent publishes a plugin-scoped event, plg:<slug>:<event>. A
// no-op before Install.
func (b *Base) EmitEvent(ctx context.Context, event string, payload any) {
	b.mu.Lock()
	db := b.db
	b.mu.Unlock()
	if db == nil {
		return
	}
	db.Bus().Emit(ctx, bus.Plugin(b.slug, event), payload)
}

// Install binds the plugin to the database and runs OnInstall between
// the plugin-scoped beforeInstall and afterInstall events. If
// OnInstall fails, every middleware, hook and cron job it registered
// is removed again.
func (b *Base) Install(ctx context.Context, db *database.Database) error {
	if db == nil {
		return trace.BadParameter("missing database")
	}
	b.mu.Lock()
	if b.installed {
		b.mu.Unlock()
		return trace.AlreadyExists("plugin %q is already installed", b.slug)
	}
	b.db = db
	b.mu.Unlock()

	b.EmitEvent(ctx, EventBeforeInstall, nil)
	if b.cfg.OnInstall != nil {
		if err := b.cfg.OnInstall(ctx, db); err != nil {
			b.teardown()
			b.mu.Lock()
			b.db = nil
			b.storage = nil
			b.mu.Unlock()
			return NewOpError(b.slug, "install", err)
		}
	}
	b.mu.Lock()
	b.installed = true
	b.mu.Unlock()
	b.EmitEvent(ctx, EventAfterInstall, nil)
	b.logger.InfoContext(ctx, "Plugin installed.")
	return nil
}

// Start runs OnStart. Starting a running plugin is a no-op.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if !b.installed {
		b.mu.Unlock()
		return trace.BadParameter("plugin %q is not installed", b.slug)
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if b.cfg.OnStart != nil {
		if err := b.cfg.OnStart(ctx); err != nil {
			b.mu.Lock()
			b.started = false
			b.mu.Unlock()
			return NewOpError(b.slug, "start", err)
		}
	}
	b.EmitEvent(ctx, EventStart, nil)
	return nil
}

// Stop halts every cron job the plugin scheduled, then runs OnStop.
// Stopping a stopped plugin is a no-op.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	crons := b.crons
	b.crons = make(map[string]cron.Job)
	b.mu.Unlock()

	for _, job := range crons {
		job.Stop()
	}
	if b.cfg.OnStop != nil {
		if err := b.cfg.OnStop(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	b.EmitEvent(ctx, EventStop, nil)
	return nil
}

// Uninstall stops the plugin, removes every registered middleware and
// hook, runs OnUninstall, then with PurgeData deletes everything under
// the plugin's storage prefix.
func (b *Base) Uninstall(ctx context.Context, opts UninstallOptions) error {
	if err := b.Stop(ctx); err != nil {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	if !b.installed {
		b.mu.Unlock()
		return nil
	}
	b.installed = false
	b.mu.Unlock()

	b.teardown()
	if b.cfg.OnUninstall != nil {
		if err := b.cfg.OnUninstall(ctx, opts); err != nil {
			return NewOpError(b.slug, "uninstall", err)
		}
	}
	if opts.PurgeData {
		storage, err := b.Storage()
		if err != nil {
			return trace.Wrap(err)
		}
		if err := storage.Purge(ctx); err != nil {
			return NewOpError(b.slug, "uninstall", err)
		}
	}
	b.EmitEvent(ctx, EventUninstall, nil)
	b.logger.InfoContext(ctx, "Plugin uninstalled.", "purged", opts.PurgeData)

	b.mu.Lock()
	b.db = nil
	b.storage = nil
	b.mu.Unlock()
	return nil
}

// teardown removes every middleware registration, hook and cron job.
func (b *Base) teardown() {
	b.mu.Lock()
	regs := b.registrations
	hooks := b.hooks
	crons := b.crons
	b.registrations = make(map[*resource.Resource]*resource.Registration)
	b.hooks = nil
	b.crons = make(map[string]cron.Job)
	b.mu.Unlock()

	for _, reg := range regs {
		reg.Remove()
	}
	for _, h := range hooks {
		h.cancel()
	}
	for _, job := range crons {
		job.Stop()
	}
}

// AddMiddleware installs chainable middleware on a resource method,
// tracked for removal at uninstall.
func (b *Base) AddMiddleware(r *resource.Resource, method resource.Method, fn resource.Middleware) error {
	return trace.Wrap(b.registrationFor(r).Use(method, fn))
}

// WrapResourceMethod installs a post-hook on a resource method,
// tracked for removal at uninstall. Wrapping twice with the same
// function is a no-op.
func (b *Base) WrapResourceMethod(r *resource.Resource, method resource.Method, w resource.Wrapper) error {
	return trace.Wrap(b.registrationFor(r).Wrap(method, w))
}

func (b *Base) registrationFor(r *resource.Resource) *resource.Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, ok := b.registrations[r]
	if !ok {
		reg = r.NewRegistration()
		b.registrations[r] = reg
	}
	return reg
}

// AddHook subscribes a handler to <resource>:<event>. Several handlers
// may hook the same pair; database-scoped events are hooked with
// resource "db". Hooks are removed at uninstall.
func (b *Base) AddHook(resourceName, event string, fn bus.Handler) error {
	b.mu.Lock()
	db := b.db
	b.mu.Unlock()
	if db == nil {
		return trace.BadParameter("plugin %q is not installed", b.slug)
	}
	pattern := resourceName + ":" + event
	cancel := db.Bus().Subscribe(pattern, fn)
	b.mu.Lock()
	b.hooks = append(b.hooks, hookEntry{pattern: pattern, cancel: cancel})
	b.mu.Unlock()
	return nil
}

// ScheduleCron registers a cron job under an id unique within the
// plugin. All jobs scheduled this way stop automatically when the
// plugin stops.
func (b *Base) ScheduleCron(expr string, fn func(context.Context), id string) error {
	b.mu.Lock()
	db := b.db
	if db == nil {
		b.mu.Unlock()
		return trace.BadParameter("plugin %q is not installed", b.slug)
	}
	if _, ok := b.crons[id]; ok {
		b.mu.Unlock()
		return trace.AlreadyExists("cron job %q is already scheduled", id)
	}
	b.mu.Unlock()

	job, err := db.Scheduler().Schedule(expr, fn, cron.WithName(b.slug+"/"+id))
	if err != nil {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.crons[id]; ok {
		job.Stop()
		return trace.AlreadyExists("cron job %q is already scheduled", id)
	}
	b.crons[id] = job
	return nil
}

// Storage returns the plugin's slug-prefixed storage, created lazily
// on first use.
func (b *Base) Storage() (*Storage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.storage != nil {
		return b.storage, nil
	}
	if b.db == nil {
		return nil, trace.BadParameter("plugin %q is not installed", b.slug)
	}
	st, err := NewStorage(StorageConfig{
		Client: b.db.Client(),
		Slug:   b.slug,
		Clock:  b.cfg.Clock,
		Logger: b.logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	b.storage = st
	return st, nil
}
