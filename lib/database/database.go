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

// Package database hosts resources and plugins over one object store.
// It owns the shared infrastructure every engine composes with: the
// store client, the event bus, the cron scheduler and the worker pool.
package database

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata"
	"github.com/stratadb/strata/lib/bus"
	"github.com/stratadb/strata/lib/cron"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/workpool"
)

// Database lifecycle event names, emitted under the "db:" scope.
const (
	EventBeforeInstall = "beforeInstall"
	EventAfterInstall  = "afterInstall"
	EventStart         = "start"
	EventStop          = "stop"
	EventUninstall     = "uninstall"
)

// UninstallOptions controls plugin teardown.
type UninstallOptions struct {
	// PurgeData deletes everything the plugin persisted under its
	// storage prefix.
	PurgeData bool
}

// Plugin is the lifecycle contract engine plugins implement. Install
// binds the plugin to the database and must leave no partial
// middleware behind on failure.
type Plugin interface {
	Name() string
	Install(ctx context.Context, db *Database) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Uninstall(ctx context.Context, opts UninstallOptions) error
}

// keyedPlugin distinguishes multiple instances of one plugin class
// attached to the same database.
type keyedPlugin interface {
	InstanceKey() string
}

func pluginKey(p Plugin) string {
	if k, ok := p.(keyedPlugin); ok && k.InstanceKey() != "" {
		return k.InstanceKey()
	}
	return p.Name()
}

// PluginEvent is the payload of database-scoped lifecycle events.
type PluginEvent struct {
	Plugin string `json:"plugin"`
}

// ResourceConfig declares a resource to create.
type ResourceConfig struct {
	// Name is the resource name.
	Name string
	// Schema describes attributes, partitions and flags.
	Schema resource.Schema
	// AsyncPartitions defers partition copy writes to the worker pool.
	AsyncPartitions bool
}

// Config holds database parameters.
type Config struct {
	// Client is the object store everything persists to.
	Client objstore.Client
	// Bus carries lifecycle and change events. Defaults to a fresh bus.
	Bus *bus.Bus
	// Scheduler runs plugin cron jobs. Defaults to a RobfigScheduler.
	Scheduler cron.Scheduler
	// Pool runs deferred work (async partition writes, backup fan-out).
	// Optional.
	Pool *workpool.Pool
	// Clock is used for timestamps and lock arithmetic.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With(strata.ComponentKey, strata.ComponentDB)
	if c.Bus == nil {
		b, err := bus.New(bus.Config{Clock: c.Clock, Logger: c.Logger})
		if err != nil {
			return trace.Wrap(err)
		}
		c.Bus = b
	}
	if c.Scheduler == nil {
		s, err := cron.NewRobfigScheduler(cron.Config{Logger: c.Logger})
		if err != nil {
			return trace.Wrap(err)
		}
		c.Scheduler = s
	}
	return nil
}

// Database hosts named resources and attached plugins.
type Database struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	resources map[string]*resource.Resource
	plugins   []Plugin
	keys      map[string]Plugin
	started   bool
}

// New returns a database ready for CreateResource and Use calls.
func New(cfg Config) (*Database, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Database{
		cfg:       cfg,
		logger:    cfg.Logger,
		resources: make(map[string]*resource.Resource),
		keys:      make(map[string]Plugin),
	}, nil
}

// Client returns the underlying object store client.
func (d *Database) Client() objstore.Client { return d.cfg.Client }

// Bus returns the event bus.
func (d *Database) Bus() *bus.Bus { return d.cfg.Bus }

// Scheduler returns the cron scheduler.
func (d *Database) Scheduler() cron.Scheduler { return d.cfg.Scheduler }

// Pool returns the shared worker pool, nil when not configured.
func (d *Database) Pool() *workpool.Pool { return d.cfg.Pool }

// Clock returns the database clock.
func (d *Database) Clock() clockwork.Clock { return d.cfg.Clock }

// Logger returns the database logger.
func (d *Database) Logger() *slog.Logger { return d.logger }

// CreateResource registers a new resource. Creating a plugin-created
// resource that already exists returns the existing one, so plugins
// can ensure their internal resources on every install. Duplicate
// user resources are an error.
func (d *Database) CreateResource(ctx context.Context, rc ResourceConfig) (*resource.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.resources[rc.Name]; ok {
		if rc.Schema.PluginCreated() {
			return existing, nil
		}
		return nil, trace.AlreadyExists("resource %q already exists", rc.Name)
	}
	r, err := resource.New(resource.Config{
		Name:            rc.Name,
		Schema:          rc.Schema,
		AsyncPartitions: rc.AsyncPartitions,
		Client:          d.cfg.Client,
		Bus:             d.cfg.Bus,
		Pool:            d.cfg.Pool,
		Clock:           d.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d.resources[rc.Name] = r
	d.logger.DebugContext(ctx, "Created resource.", "resource", rc.Name)
	return r, nil
}

// Resource returns the named resource.
func (d *Database) Resource(name string) (*resource.Resource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.resources[name]
	if !ok {
		return nil, trace.NotFound("resource %q not found", name)
	}
	return r, nil
}

// HasResource reports whether the named resource exists.
func (d *Database) HasResource(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.resources[name]
	return ok
}

// ResourceNames returns the names of all registered resources, sorted.
func (d *Database) ResourceNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.resources))
}

// RemoveResource drops a resource from the registry. With purgeData it
// also deletes every object the resource persisted.
func (d *Database) RemoveResource(ctx context.Context, name string, purgeData bool) error {
	d.mu.Lock()
	r, ok := d.resources[name]
	if !ok {
		d.mu.Unlock()
		return trace.NotFound("resource %q not found", name)
	}
	delete(d.resources, name)
	d.mu.Unlock()
	if purgeData {
		if err := r.Purge(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Use installs a plugin. The plugin's Install runs between the
// db:beforeInstall and db:afterInstall events; on error nothing is
// registered. Installing into a started database starts the plugin
// immediately.
func (d *Database) Use(ctx context.Context, p Plugin) error {
	if p == nil {
		return trace.BadParameter("missing plugin")
	}
	key := pluginKey(p)
	d.mu.Lock()
	if _, ok := d.keys[key]; ok {
		d.mu.Unlock()
		return trace.AlreadyExists("plugin %q is already installed", key)
	}
	d.mu.Unlock()

	d.cfg.Bus.Emit(ctx, bus.DB(EventBeforeInstall), PluginEvent{Plugin: p.Name()})
	if err := p.Install(ctx, d); err != nil {
		return trace.Wrap(err, "plugin %q failed to install", p.Name())
	}

	d.mu.Lock()
	d.keys[key] = p
	d.plugins = append(d.plugins, p)
	started := d.started
	d.mu.Unlock()

	d.cfg.Bus.Emit(ctx, bus.DB(EventAfterInstall), PluginEvent{Plugin: p.Name()})
	d.logger.InfoContext(ctx, "Installed plugin.", "plugin", key)

	if started {
		if err := p.Start(ctx); err != nil {
			return trace.Wrap(err, "plugin %q failed to start", p.Name())
		}
	}
	return nil
}

// Plugins returns the installed plugins in installation order.
func (d *Database) Plugins() []Plugin {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.plugins)
}

// Start starts the scheduler and every installed plugin in
// installation order. If a plugin fails to start, the ones already
// started are stopped again in reverse order.
func (d *Database) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	plugins := slices.Clone(d.plugins)
	d.mu.Unlock()

	d.cfg.Scheduler.Start()
	for i, p := range plugins {
		if err := p.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if serr := plugins[j].Stop(ctx); serr != nil {
					d.logger.WarnContext(ctx, "Failed to stop plugin during start rollback.",
						"plugin", plugins[j].Name(), "error", serr)
				}
			}
			d.mu.Lock()
			d.started = false
			d.mu.Unlock()
			return trace.Wrap(err, "plugin %q failed to start", p.Name())
		}
	}
	d.cfg.Bus.Emit(ctx, bus.DB(EventStart), nil)
	d.logger.InfoContext(ctx, "Database started.", "plugins", len(plugins))
	return nil
}

// Stop stops every plugin in reverse installation order, then the
// scheduler. All stop errors are aggregated; every plugin gets its
// chance to shut down.
func (d *Database) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	plugins := slices.Clone(d.plugins)
	d.mu.Unlock()

	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].Stop(ctx); err != nil {
			errs = append(errs, trace.Wrap(err, "plugin %q failed to stop", plugins[i].Name()))
		}
	}
	d.cfg.Scheduler.Stop()
	d.cfg.Bus.Emit(ctx, bus.DB(EventStop), nil)
	d.logger.InfoContext(ctx, "Database stopped.")
	return trace.NewAggregate(errs...)
}

// Uninstall detaches a plugin and runs its Uninstall with the given
// purge flag.
func (d *Database) Uninstall(ctx context.Context, p Plugin, purgeData bool) error {
	if p == nil {
		return trace.BadParameter("missing plugin")
	}
	key := pluginKey(p)
	d.mu.Lock()
	if _, ok := d.keys[key]; !ok {
		d.mu.Unlock()
		return trace.NotFound("plugin %q is not installed", key)
	}
	delete(d.keys, key)
	d.plugins = slices.DeleteFunc(d.plugins, func(q Plugin) bool {
		return pluginKey(q) == key
	})
	d.mu.Unlock()

	if err := p.Uninstall(ctx, UninstallOptions{PurgeData: purgeData}); err != nil {
		return trace.Wrap(err, "plugin %q failed to uninstall", p.Name())
	}
	d.cfg.Bus.Emit(ctx, bus.DB(EventUninstall), PluginEvent{Plugin: p.Name()})
	d.logger.InfoContext(ctx, "Uninstalled plugin.", "plugin", key, "purged", purgeData)
	return nil
}
