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

// Package strata defines constants shared across the engine packages.
package strata

const (
	// ComponentKey is the log field under which the emitting component
	// is recorded.
	ComponentKey = "component"

	// ComponentDB is the database host that owns resources and plugins.
	ComponentDB = "db"

	// ComponentObjstore is the object store client layer.
	ComponentObjstore = "objstore"

	// ComponentBus is the event bus.
	ComponentBus = "bus"

	// ComponentResource is the resource read/write pipeline.
	ComponentResource = "resource"

	// ComponentPlugin is the plugin runtime.
	ComponentPlugin = "plugin"

	// ComponentCron is the cron scheduler.
	ComponentCron = "cron"

	// ComponentCache is the cache engine.
	ComponentCache = "cache"

	// ComponentTTL is the TTL expiration engine.
	ComponentTTL = "ttl"

	// ComponentMachine is the state machine engine.
	ComponentMachine = "machine"

	// ComponentBackup is the backup engine.
	ComponentBackup = "backup"

	// ComponentQueue is the queue consumer.
	ComponentQueue = "queue"

	// ComponentWorkpool is the shared worker pool.
	ComponentWorkpool = "workpool"
)

const (
	// PluginKeyPrefix is the object keyspace reserved for plugin state,
	// scratch data and locks. Keys below it never collide with resource
	// data.
	PluginKeyPrefix = "plg"

	// DebugEnvVar tells tests to emit verbose logs.
	DebugEnvVar = "STRATA_DEBUG"
)
