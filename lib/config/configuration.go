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

package config

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/backup"
	"github.com/stratadb/strata/lib/cache"
	"github.com/stratadb/strata/lib/database"
	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/queue"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/ttl"
	"github.com/stratadb/strata/lib/workpool"
)

// Engine is the materialized runtime of a FileConfig: a database with
// its plugins installed, not yet started.
type Engine struct {
	// Client is the object store client the database runs on.
	Client objstore.Client
	// Database hosts the resources and plugins.
	Database *database.Database
	// Plugins are the installed plugins, in file order.
	Plugins []database.Plugin
	// Logger is the process logger the file configured.
	Logger *slog.Logger
}

// Apply builds the runtime a validated FileConfig describes and
// installs every plugin block. The caller starts and stops the
// returned database.
func Apply(ctx context.Context, fc *FileConfig) (*Engine, error) {
	logger, err := BuildLogger(fc.Logging)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client, err := BuildClient(ctx, fc.Store)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var pool *workpool.Pool
	if fc.Pool.Workers > 0 {
		pool, err = workpool.NewPool(workpool.Config{
			Workers:    fc.Pool.Workers,
			QueueDepth: fc.Pool.QueueDepth,
			Logger:     logger,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	db, err := database.New(database.Config{
		Client: client,
		Pool:   pool,
		Logger: logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// Resources come first: plugin blocks reference them by name.
	for _, name := range slices.Sorted(maps.Keys(fc.Resources)) {
		sec := fc.Resources[name]
		schema := resource.Schema{
			Timestamps: sec.Timestamps,
			CreatedBy:  resource.CreatedByUser,
		}
		if len(sec.Attributes) > 0 {
			schema.Attributes = make(map[string]resource.Attribute, len(sec.Attributes))
			for attr, asec := range sec.Attributes {
				schema.Attributes[attr] = resource.Attribute{Type: asec.Type, Required: asec.Required}
			}
		}
		if len(sec.Partitions) > 0 {
			schema.Partitions = make(map[string]resource.Partition, len(sec.Partitions))
			for pname, fields := range sec.Partitions {
				schema.Partitions[pname] = resource.Partition{Fields: fields}
			}
		}
		if _, err := db.CreateResource(ctx, database.ResourceConfig{
			Name:            name,
			Schema:          schema,
			AsyncPartitions: sec.AsyncPartitions,
		}); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	eng := &Engine{Client: client, Database: db, Logger: logger}
	for i, block := range fc.Plugins {
		p, err := buildPlugin(ctx, block, client, pool, logger)
		if err != nil {
			return nil, trace.Wrap(err, "plugin block %v (%v)", i, block.Type)
		}
		if err := db.Use(ctx, p); err != nil {
			return nil, trace.Wrap(err)
		}
		eng.Plugins = append(eng.Plugins, p)
	}
	return eng, nil
}

// BuildLogger returns the slog logger the logging section describes.
func BuildLogger(lc LogConfig) (*slog.Logger, error) {
	if err := lc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var level slog.Level
	switch lc.Severity {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	w := os.Stderr
	switch lc.Output {
	case "stderr":
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(lc.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		w = f
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// BuildClient returns the object store client the store section
// describes, wrapped with the prometheus reporter when metrics are
// on.
func BuildClient(ctx context.Context, sc StoreConfig) (objstore.Client, error) {
	if err := sc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var client objstore.Client
	var err error
	switch sc.Type {
	case "memory":
		client, err = objstore.NewMemory(objstore.MemoryConfig{})
	default:
		client, err = objstore.NewS3(ctx, objstore.S3Config{
			Bucket:         sc.Bucket,
			Prefix:         sc.Prefix,
			Region:         sc.Region,
			Endpoint:       sc.Endpoint,
			ForcePathStyle: sc.ForcePathStyle,
		})
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sc.Metrics {
		client, err = objstore.NewReporter(objstore.ReporterConfig{Client: client})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return client, nil
}

func buildPlugin(ctx context.Context, block PluginBlock, client objstore.Client, pool *workpool.Pool, logger *slog.Logger) (database.Plugin, error) {
	switch block.Type {
	case "cache":
		return buildCache(block, client, logger)
	case "ttl":
		return buildTTL(block, logger)
	case "backup":
		return buildBackup(block, pool, logger)
	case "queue":
		return buildQueue(ctx, block, pool, logger)
	}
	return nil, trace.BadParameter("unknown plugin type %q", block.Type)
}

func buildCache(block PluginBlock, client objstore.Client, logger *slog.Logger) (database.Plugin, error) {
	var sec CacheSection
	if err := block.Decode(&sec); err != nil {
		return nil, trace.Wrap(err)
	}
	driver, err := BuildDriver(sec.Driver, client, logger)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p, err := cache.New(cache.Config{
		Driver: driver,
		Filter: cache.ResourceFilter{
			Include:              sec.Include,
			Exclude:              sec.Exclude,
			IncludePluginCreated: sec.IncludePluginCreated,
		},
		IncludePartitions:    sec.IncludePartitions,
		CompressionThreshold: int(sec.CompressionThreshold),
		RetryAttempts:        sec.RetryAttempts,
		RetryDelay:           sec.RetryDelay,
		Logger:               logger,
	})
	if err != nil {
		driver.Close()
		return nil, trace.Wrap(err)
	}
	return p, nil
}

// BuildDriver returns the cache driver a driver section describes.
// Multi-tier sections build their tiers recursively; a tier that
// fails to build closes the ones already built.
func BuildDriver(sec DriverSection, client objstore.Client, logger *slog.Logger) (cache.Driver, error) {
	switch sec.Type {
	case "", "memory":
		return cache.NewMemory(cache.MemoryConfig{
			MaxItems:         sec.MaxItems,
			MaxMemoryBytes:   sec.MaxMemory,
			MaxMemoryPercent: sec.MaxMemoryPercent,
			Logger:           logger,
		})
	case "filesystem":
		return cache.NewFilesystem(cache.FilesystemConfig{
			Dir:    sec.Dir,
			Logger: logger,
		})
	case "partition-filesystem":
		return cache.NewPartitionFS(cache.PartitionFSConfig{
			Dir:    sec.Dir,
			Logger: logger,
		})
	case "redis":
		return cache.NewRedis(cache.RedisConfig{
			Addr:      sec.Addr,
			Password:  sec.Password,
			DB:        sec.DB,
			KeyPrefix: sec.KeyPrefix,
			TTL:       sec.TTL,
		})
	case "s3":
		return cache.NewS3(cache.S3Config{
			Client: client,
			Prefix: sec.Prefix,
		})
	case "multi-tier":
		tiers := make([]cache.Driver, 0, len(sec.Tiers))
		for i, tsec := range sec.Tiers {
			tier, err := BuildDriver(tsec, client, logger)
			if err != nil {
				for _, built := range tiers {
					built.Close()
				}
				return nil, trace.Wrap(err, "tier %v", i)
			}
			tiers = append(tiers, tier)
		}
		return cache.NewMultiTier(cache.MultiTierConfig{
			Tiers:           tiers,
			Strategy:        cache.Strategy(sec.Strategy),
			FallbackOnError: sec.FallbackOnError,
			Logger:          logger,
		})
	}
	return nil, trace.BadParameter("unknown cache driver type %q", sec.Type)
}

func buildTTL(block PluginBlock, logger *slog.Logger) (database.Plugin, error) {
	var sec TTLSection
	if err := block.Decode(&sec); err != nil {
		return nil, trace.Wrap(err)
	}
	resources := make(map[string]ttl.ResourceConfig, len(sec.Resources))
	for name, rsec := range sec.Resources {
		if ttl.Strategy(rsec.OnExpire) == ttl.Callback {
			return nil, trace.BadParameter(
				"resource %q: the callback strategy needs a function and cannot be declared in a file", name)
		}
		resources[name] = ttl.ResourceConfig{
			TTL:             rsec.TTL,
			Field:           rsec.Field,
			OnExpire:        ttl.Strategy(rsec.OnExpire),
			DeleteField:     rsec.DeleteField,
			ArchiveResource: rsec.ArchiveResource,
			KeepOriginalID:  rsec.KeepOriginalID,
		}
	}
	p, err := ttl.New(ttl.Config{
		Resources:     resources,
		IndexResource: sec.IndexResource,
		BatchSize:     sec.BatchSize,
		Namespace:     sec.Namespace,
		Logger:        logger,
	})
	return p, trace.Wrap(err)
}

func buildBackup(block PluginBlock, pool *workpool.Pool, logger *slog.Logger) (database.Plugin, error) {
	var sec BackupSection
	if err := block.Decode(&sec); err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := backup.Config{
		Resources: sec.Resources,
		Schedule:  sec.Schedule,
		Pool:      pool,
		Workers:   sec.Workers,
		Namespace: sec.Namespace,
		Logger:    logger,
	}
	if sec.KeepLast > 0 || sec.KeepDays > 0 {
		cfg.Retention = &backup.RetentionPolicy{
			KeepLast: sec.KeepLast,
			KeepDays: sec.KeepDays,
		}
	}
	p, err := backup.New(cfg)
	return p, trace.Wrap(err)
}

func buildQueue(ctx context.Context, block PluginBlock, pool *workpool.Pool, logger *slog.Logger) (database.Plugin, error) {
	var sec QueueSection
	if err := block.Decode(&sec); err != nil {
		return nil, trace.Wrap(err)
	}
	var source queue.Source
	switch sec.Source {
	case "", "sqs":
		s, err := queue.NewSQS(ctx, queue.SQSConfig{
			QueueURL:          sec.QueueURL,
			Region:            sec.Region,
			Endpoint:          sec.Endpoint,
			WaitTime:          sec.WaitTime,
			VisibilityTimeout: sec.VisibilityTimeout,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		source = s
	case "memory":
		source = queue.NewMemorySource(0)
	default:
		return nil, trace.BadParameter("unknown queue source %q, expected sqs or memory", sec.Source)
	}
	p, err := queue.New(queue.ConsumerConfig{
		Source:    source,
		BatchSize: sec.BatchSize,
		Pool:      pool,
		Workers:   sec.Workers,
		Namespace: sec.Namespace,
		Logger:    logger,
	})
	return p, trace.Wrap(err)
}
