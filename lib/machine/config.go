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

package machine

import (
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/stratadb/strata/lib/defaults"
	"github.com/stratadb/strata/lib/workpool"
)

// defaultPollSchedule is the cadence date and function triggers poll
// on when no Schedule is set.
const defaultPollSchedule = "* * * * *"

// Config configures the state machine plugin.
type Config struct {
	// Machines maps machine ids to definitions. Ids must not contain
	// underscores; they embed into state store keys.
	Machines map[string]Machine
	// Retry is the engine-wide retry policy. Machines and states
	// override it field by field.
	Retry RetryPolicy
	// LockTTL bounds how long a crashed transition keeps its entity
	// locked.
	LockTTL time.Duration
	// LockTimeout bounds how long a transition waits for a contended
	// entity. Negative fails contended sends immediately.
	LockTimeout time.Duration
	// StateCacheTTL bounds the in-process current-state cache.
	StateCacheTTL time.Duration
	// Pool runs event trigger executions. When nil the plugin owns a
	// pool sized by Workers.
	Pool *workpool.Pool
	// Workers sizes the plugin-owned pool when Pool is nil.
	Workers int
	// Namespace scopes the plugin's internal resources.
	Namespace string
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger emits engine logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Machines) == 0 {
		return trace.BadParameter("at least one machine is required")
	}
	for id, m := range c.Machines {
		if err := m.checkAndSetDefaults(id); err != nil {
			return trace.Wrap(err)
		}
		c.Machines[id] = m
	}
	if err := c.Retry.check(); err != nil {
		return trace.Wrap(err)
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.MachineLockTTL
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = defaults.MachineLockTimeout
	}
	if c.StateCacheTTL <= 0 {
		c.StateCacheTTL = defaults.MachineStateCacheTTL
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
