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

package ttl

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/resource"
)

// Strategy is what happens to a record once its TTL elapses.
type Strategy string

const (
	// SoftDelete marks the record deleted in place and keeps it.
	SoftDelete Strategy = "soft-delete"
	// HardDelete removes the record.
	HardDelete Strategy = "hard-delete"
	// Archive copies the record into another resource, then removes
	// the original.
	Archive Strategy = "archive"
	// Callback hands the record to a user function; a true return
	// proceeds with removal.
	Callback Strategy = "callback"
)

var strategies = []Strategy{SoftDelete, HardDelete, Archive, Callback}

// CallbackFunc decides the fate of an expired record. Returning true
// removes the record; returning false keeps it and retires its TTL.
type CallbackFunc func(ctx context.Context, rec resource.Record, r *resource.Resource) (bool, error)

// ResourceConfig declares how one resource expires.
type ResourceConfig struct {
	// TTL is how long a record lives past its base timestamp. Zero
	// means Field carries the absolute expiry itself.
	TTL time.Duration
	// Field is the record field the expiry is measured from. Defaults
	// to the created-at timestamp; records missing any other field are
	// not indexed.
	Field string
	// OnExpire selects the expiration strategy.
	OnExpire Strategy
	// DeleteField is where SoftDelete writes the deletion timestamp.
	DeleteField string
	// ArchiveResource receives expired records under the Archive
	// strategy.
	ArchiveResource string
	// KeepOriginalID makes archived copies reuse the original record
	// id instead of getting a fresh one.
	KeepOriginalID bool
	// Callback is the Callback strategy's decision function.
	Callback CallbackFunc
}

// CheckAndSetDefaults validates one resource's expiration rules.
func (c *ResourceConfig) CheckAndSetDefaults() error {
	if c.TTL < 0 {
		return trace.BadParameter("TTL must not be negative, got %v", c.TTL)
	}
	if c.TTL == 0 && c.Field == "" {
		return trace.BadParameter("either TTL or Field is required")
	}
	if c.Field == "" {
		c.Field = defaults.CreatedAtField
	}
	switch c.OnExpire {
	case SoftDelete, HardDelete, Archive, Callback:
	default:
		return trace.BadParameter("OnExpire must be one of %v, got %q", strategies, c.OnExpire)
	}
	if c.OnExpire == Archive && c.ArchiveResource == "" {
		return trace.BadParameter("the %v strategy requires ArchiveResource", Archive)
	}
	if c.OnExpire == Callback && c.Callback == nil {
		return trace.BadParameter("the %v strategy requires a Callback function", Callback)
	}
	if c.DeleteField == "" {
		c.DeleteField = "deletedAt"
	}
	return nil
}

// granularity is the cohort resolution of this resource's index
// entries. Field-only configurations get minute cohorts: the absolute
// expiry gives no length to coarsen by.
func (c *ResourceConfig) granularity() Granularity {
	return GranularityFor(c.TTL)
}

// Config configures the TTL engine plugin.
type Config struct {
	// Resources maps resource names to their expiration rules. Every
	// named resource must exist when the plugin installs.
	Resources map[string]ResourceConfig
	// IndexResource overrides the expiration index resource name.
	// Defaults to the namespaced plg_ttl_expiration_index.
	IndexResource string
	// BatchSize caps how many index entries one sweep tick processes
	// per cohort. Defaults to defaults.TTLBatchSize.
	BatchSize int
	// Namespace rewrites the internal resource name, letting several
	// instances coexist on one database.
	Namespace string
	// Clock is used for expiry arithmetic and sweep decisions.
	Clock clockwork.Clock
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	for name, rc := range c.Resources {
		if err := resource.ValidateName(name); err != nil {
			return trace.Wrap(err)
		}
		if err := rc.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "resource %q", name)
		}
		c.Resources[name] = rc
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.TTLBatchSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// activeGranularities lists the cohort resolutions the configured
// resources actually use, in sweep scheduling order.
func (c *Config) activeGranularities() []Granularity {
	active := make(map[Granularity]bool, len(granularities))
	for _, rc := range c.Resources {
		active[rc.granularity()] = true
	}
	out := make([]Granularity, 0, len(active))
	for _, g := range granularities {
		if active[g] {
			out = append(out, g)
		}
	}
	return out
}
