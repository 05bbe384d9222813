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

package backup

import (
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/workpool"
)

// RetentionPolicy prunes finished backups after each successful run.
// Both limits apply independently; a zero limit does not prune on that
// axis.
type RetentionPolicy struct {
	// KeepLast retains at most this many finished backups, newest
	// first.
	KeepLast int
	// KeepDays removes finished backups older than this many days.
	KeepDays int
}

func (p *RetentionPolicy) check() error {
	if p.KeepLast < 0 || p.KeepDays < 0 {
		return trace.BadParameter("retention limits must not be negative")
	}
	return nil
}

// Config configures the backup plugin.
type Config struct {
	// Resources restricts which resources are exported. Empty exports
	// every resource except the plugin's own metadata store.
	Resources []string
	// Retention prunes finished backups after each successful run. Nil
	// applies the defaults; an explicit zero policy keeps everything.
	Retention *RetentionPolicy
	// Schedule optionally runs incremental backups on a cron cadence.
	Schedule string
	// Pool runs resource exports. When nil the plugin owns a pool sized
	// by Workers.
	Pool *workpool.Pool
	// Workers sizes the plugin-owned pool when Pool is nil.
	Workers int
	// Namespace scopes the plugin's metadata store.
	Namespace string
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits engine logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	for _, name := range c.Resources {
		if name == "" {
			return trace.BadParameter("resource names must not be empty")
		}
	}
	if c.Retention == nil {
		c.Retention = &RetentionPolicy{
			KeepLast: defaults.BackupKeepLast,
			KeepDays: defaults.BackupKeepDays,
		}
	}
	if err := c.Retention.check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Workers <= 0 {
		c.Workers = defaults.WorkpoolSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
