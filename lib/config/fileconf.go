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

// Package config loads engine configuration from a YAML file and
// materializes the runtime it describes: the object store client, the
// database and the plugin set.
//
// State machines are declared in code, not files: their guards,
// actions and triggers are functions. The file surface covers the
// store, logging, the worker pool, and the cache, ttl, backup and
// queue plugins.
package config

import (
	"bytes"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/stratadb/strata/lib/resource"
)

// Version is the config format this build reads.
const Version = "v1"

// FileConfig is the root of the YAML configuration file.
type FileConfig struct {
	// Version pins the config format. Empty means current.
	Version string `yaml:"version,omitempty"`
	// Store configures the object store everything persists to.
	Store StoreConfig `yaml:"store"`
	// Logging configures the process logger.
	Logging LogConfig `yaml:"logging,omitempty"`
	// Pool configures the shared worker pool. Zero workers means no
	// shared pool; plugins that need one size their own.
	Pool PoolConfig `yaml:"pool,omitempty"`
	// Resources declares the user resources, created before any
	// plugin installs so plugin blocks can reference them.
	Resources map[string]ResourceSection `yaml:"resources,omitempty"`
	// Plugins lists the plugin blocks, installed in file order. Each
	// block carries a type discriminator and type-specific settings.
	Plugins []PluginBlock `yaml:"plugins,omitempty"`
}

// ResourceSection declares one user resource.
type ResourceSection struct {
	// Attributes is the attribute schema.
	Attributes map[string]AttributeSection `yaml:"attributes,omitempty"`
	// Partitions maps partition names to field transform rules, e.g.
	// byRegion: {region: identity}.
	Partitions map[string]map[string]string `yaml:"partitions,omitempty"`
	// Timestamps maintains _createdAt/_updatedAt on writes.
	Timestamps bool `yaml:"timestamps,omitempty"`
	// AsyncPartitions defers partition copy writes to the pool.
	AsyncPartitions bool `yaml:"async_partitions,omitempty"`
}

// AttributeSection declares one resource attribute.
type AttributeSection struct {
	Type     string `yaml:"type,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// StoreConfig selects and configures the object store backend.
type StoreConfig struct {
	// Type is the backend kind: "s3" or "memory".
	Type string `yaml:"type"`
	// Bucket is the S3 bucket. Required for the s3 backend.
	Bucket string `yaml:"bucket,omitempty"`
	// Prefix roots every key, letting databases share a bucket.
	Prefix string `yaml:"prefix,omitempty"`
	// Region is the AWS region.
	Region string `yaml:"region,omitempty"`
	// Endpoint overrides the S3 endpoint for compatible stores.
	Endpoint string `yaml:"endpoint,omitempty"`
	// ForcePathStyle addresses the bucket in the path rather than the
	// subdomain, required by most S3-compatible stores.
	ForcePathStyle bool `yaml:"force_path_style,omitempty"`
	// Metrics wraps the client with the prometheus reporter.
	Metrics bool `yaml:"metrics,omitempty"`
}

// CheckAndSetDefaults validates the store section.
func (c *StoreConfig) CheckAndSetDefaults() error {
	switch c.Type {
	case "":
		c.Type = "s3"
	case "s3", "memory":
	default:
		return trace.BadParameter("unknown store type %q, expected s3 or memory", c.Type)
	}
	if c.Type == "s3" && c.Bucket == "" {
		return trace.BadParameter("the s3 store requires a bucket")
	}
	return nil
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Severity is the minimum level: debug, info, warn or error.
	Severity string `yaml:"severity,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
	// Output is "stderr", "stdout" or a file path.
	Output string `yaml:"output,omitempty"`
}

// CheckAndSetDefaults validates the logging section.
func (c *LogConfig) CheckAndSetDefaults() error {
	switch c.Severity {
	case "":
		c.Severity = "info"
	case "debug", "info", "warn", "warning", "error":
	default:
		return trace.BadParameter("unknown log severity %q", c.Severity)
	}
	switch c.Format {
	case "":
		c.Format = "text"
	case "text", "json":
	default:
		return trace.BadParameter("unknown log format %q, expected text or json", c.Format)
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
	return nil
}

// PoolConfig sizes the shared worker pool.
type PoolConfig struct {
	// Workers is the worker count. Zero disables the shared pool.
	Workers int `yaml:"workers,omitempty"`
	// QueueDepth caps pending tasks before submission blocks.
	QueueDepth int `yaml:"queue_depth,omitempty"`
}

// PluginBlock is one entry of the plugins list: a type discriminator
// plus the type's free-form settings, decoded into the matching
// typed section by Decode.
type PluginBlock struct {
	Type     string
	Settings map[string]any
}

// UnmarshalYAML splits the discriminator from the settings so each
// plugin type can own its schema.
func (p *PluginBlock) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return trace.BadParameter("invalid plugin block: %v", err)
	}
	t, _ := raw["type"].(string)
	if t == "" {
		return trace.BadParameter("plugin block is missing the type field")
	}
	delete(raw, "type")
	p.Type = t
	p.Settings = raw
	return nil
}

// Decode maps the block's settings onto a typed section. Unknown keys
// are an error so typos fail the load instead of silently applying a
// default. Durations are strings ("90s", "2m"), byte sizes accept
// humanized values ("256MB").
func (p *PluginBlock) Decode(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			byteSizeHook,
		),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := dec.Decode(p.Settings); err != nil {
		return trace.BadParameter("invalid %v plugin block: %v", p.Type, err)
	}
	return nil
}

// byteSizeHook parses humanized byte sizes into uint64 fields, so
// "256MB" and "1024" both work for memory caps.
func byteSizeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Uint64 {
		return data, nil
	}
	n, err := humanize.ParseBytes(data.(string))
	if err != nil {
		return nil, trace.BadParameter("invalid byte size %q: %v", data, err)
	}
	return n, nil
}

// CacheSection is the file schema of a cache plugin block.
type CacheSection struct {
	// Driver is the cache backend declaration.
	Driver DriverSection `mapstructure:"driver"`
	// Include limits caching to the named resources.
	Include []string `mapstructure:"include"`
	// Exclude always wins over Include.
	Exclude []string `mapstructure:"exclude"`
	// IncludePluginCreated extends caching to plugin-created
	// resources.
	IncludePluginCreated bool `mapstructure:"include_plugin_created"`
	// IncludePartitions also clears partition-scoped entries on
	// writes.
	IncludePartitions bool `mapstructure:"include_partitions"`
	// CompressionThreshold is the encoded size above which entries
	// are stored compressed.
	CompressionThreshold uint64 `mapstructure:"compression_threshold"`
	// RetryAttempts bounds invalidation clear retries.
	RetryAttempts int `mapstructure:"retry_attempts"`
	// RetryDelay is the first invalidation retry backoff.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// DriverSection declares one cache driver. Multi-tier drivers nest
// their tiers, fastest first.
type DriverSection struct {
	// Type is the driver kind: memory, filesystem,
	// partition-filesystem, redis, s3 or multi-tier.
	Type string `mapstructure:"type"`

	// MaxItems caps memory driver entries.
	MaxItems int `mapstructure:"max_items"`
	// MaxMemory caps memory driver payload bytes ("256MB").
	MaxMemory uint64 `mapstructure:"max_memory"`
	// MaxMemoryPercent derives the byte cap from available memory.
	MaxMemoryPercent int `mapstructure:"max_memory_percent"`

	// Dir is the filesystem driver root.
	Dir string `mapstructure:"dir"`

	// Addr, Password, DB and KeyPrefix configure the redis driver.
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`

	// Prefix roots s3 driver entries inside the store.
	Prefix string `mapstructure:"prefix"`

	// Tiers, Strategy and FallbackOnError configure the multi-tier
	// driver.
	Tiers           []DriverSection `mapstructure:"tiers"`
	Strategy        string          `mapstructure:"strategy"`
	FallbackOnError bool            `mapstructure:"fallback_on_error"`
}

// TTLSection is the file schema of a ttl plugin block. The callback
// strategy needs a function and cannot be declared in a file.
type TTLSection struct {
	// Resources maps resource names to expiration rules.
	Resources map[string]TTLResourceSection `mapstructure:"resources"`
	// BatchSize caps entries processed per sweep tick.
	BatchSize int `mapstructure:"batch_size"`
	// IndexResource overrides the expiration index resource name.
	IndexResource string `mapstructure:"index_resource"`
	// Namespace scopes the plugin's internal resources.
	Namespace string `mapstructure:"namespace"`
}

// TTLResourceSection declares how one resource expires.
type TTLResourceSection struct {
	// TTL is the record lifetime past its base timestamp ("2m").
	TTL time.Duration `mapstructure:"ttl"`
	// Field is the record field the expiry is measured from.
	Field string `mapstructure:"field"`
	// OnExpire is the strategy: soft-delete, hard-delete or archive.
	OnExpire string `mapstructure:"on_expire"`
	// DeleteField is where soft-delete writes the deletion timestamp.
	DeleteField string `mapstructure:"delete_field"`
	// ArchiveResource receives archived records.
	ArchiveResource string `mapstructure:"archive_resource"`
	// KeepOriginalID makes archived copies reuse the original id.
	KeepOriginalID bool `mapstructure:"keep_original_id"`
}

// BackupSection is the file schema of a backup plugin block.
type BackupSection struct {
	// Resources restricts which resources are exported.
	Resources []string `mapstructure:"resources"`
	// Schedule runs incremental backups on a cron cadence.
	Schedule string `mapstructure:"schedule"`
	// KeepLast retains at most this many finished backups.
	KeepLast int `mapstructure:"keep_last"`
	// KeepDays removes finished backups older than this.
	KeepDays int `mapstructure:"keep_days"`
	// Workers sizes the plugin-owned export pool.
	Workers int `mapstructure:"workers"`
	// Namespace scopes the plugin's metadata store.
	Namespace string `mapstructure:"namespace"`
}

// QueueSection is the file schema of a queue plugin block.
type QueueSection struct {
	// Source is the queue kind: "sqs" or "memory".
	Source string `mapstructure:"source"`
	// QueueURL is the full SQS queue URL.
	QueueURL string `mapstructure:"queue_url"`
	// Region is the AWS region.
	Region string `mapstructure:"region"`
	// Endpoint overrides the SQS endpoint.
	Endpoint string `mapstructure:"endpoint"`
	// WaitTime is the long polling window per receive.
	WaitTime time.Duration `mapstructure:"wait_time"`
	// VisibilityTimeout hides received messages while in flight.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	// BatchSize caps messages fetched per receive.
	BatchSize int `mapstructure:"batch_size"`
	// Workers sizes the consumer pool.
	Workers int `mapstructure:"workers"`
	// Namespace scopes resource name resolution.
	Namespace string `mapstructure:"namespace"`
}

// ReadConfigFile loads and validates a YAML config file.
func ReadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("config file %v not found", path)
		}
		return nil, trace.ConvertSystemError(err)
	}
	fc, err := ReadConfig(bytes.NewReader(data))
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse %v", path)
	}
	return fc, nil
}

// ReadConfig parses a YAML config stream. Unknown fields are an
// error.
func ReadConfig(r io.Reader) (*FileConfig, error) {
	var fc FileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if err == io.EOF {
			return nil, trace.BadParameter("config is empty")
		}
		return nil, trace.BadParameter("invalid config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults validates the file and fills in defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	switch fc.Version {
	case "":
		fc.Version = Version
	case Version:
	default:
		return trace.BadParameter("unsupported config version %q, this build reads %q", fc.Version, Version)
	}
	if err := fc.Store.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := fc.Logging.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if fc.Pool.Workers < 0 || fc.Pool.QueueDepth < 0 {
		return trace.BadParameter("pool sizes must not be negative")
	}
	for name := range fc.Resources {
		if err := resource.ValidateName(name); err != nil {
			return trace.Wrap(err)
		}
	}
	for i, p := range fc.Plugins {
		switch p.Type {
		case "cache", "ttl", "backup", "queue":
		default:
			return trace.BadParameter("plugin block %v has unknown type %q", i, p.Type)
		}
	}
	return nil
}
