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

// Package cron defines the scheduler contract used by plugins for
// recurring work (TTL sweeps, scheduled state-machine triggers, backup
// schedules) and provides the production implementation on robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/gravitational/trace"
	cronv3 "github.com/robfig/cron/v3"

	"github.com/stratadb/strata"
)

// Job is a handle to one scheduled entry.
type Job interface {
	// Stop deregisters the entry. After Stop returns the job function
	// will not be invoked again.
	Stop()
}

// Option adjusts a single Schedule call.
type Option func(*Options)

// Options collects per-entry settings.
type Options struct {
	// Timezone is an IANA zone name the expression is evaluated in.
	// Ignored when the expression itself carries a CRON_TZ= prefix.
	Timezone string
	// Name identifies the entry in logs.
	Name string
}

// WithTimezone evaluates the cron expression in the named IANA zone.
func WithTimezone(tz string) Option {
	return func(o *Options) { o.Timezone = tz }
}

// WithName sets the entry name used in logs.
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// Scheduler registers functions to run on cron expressions. The
// scheduler never suppresses overlapping runs of the same entry;
// callers that must not overlap guard with their own flag.
type Scheduler interface {
	// Schedule registers fn to run on expr. Expressions use the
	// standard five fields with an optional leading seconds field, and
	// accept a CRON_TZ=<zone> prefix.
	Schedule(expr string, fn func(context.Context), opts ...Option) (Job, error)
	// Start begins dispatching.
	Start()
	// Stop halts dispatching and waits for in-flight runs to return.
	Stop()
}

// specParser accepts both 5-field and 6-field (leading seconds)
// expressions plus @descriptors.
var specParser = cronv3.NewParser(
	cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom |
		cronv3.Month | cronv3.Dow | cronv3.Descriptor,
)

// Config holds scheduler parameters.
type Config struct {
	// Context is the base context job invocations derive from; it is
	// canceled when the scheduler stops.
	Context context.Context
	// Logger reports entry registration and recovered panics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Context == nil {
		c.Context = context.Background()
	}
	if c.Logger == nil {
		c.Logger = slog.With(strata.ComponentKey, strata.ComponentCron)
	}
	return nil
}

// RobfigScheduler runs entries on robfig/cron with panic recovery per
// tick.
type RobfigScheduler struct {
	cfg      Config
	cron     *cronv3.Cron
	closeCtx context.Context
	cancel   context.CancelFunc
}

// NewRobfigScheduler returns a scheduler ready for Schedule calls; no
// entries fire until Start.
func NewRobfigScheduler(cfg Config) (*RobfigScheduler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	closeCtx, cancel := context.WithCancel(cfg.Context)
	s := &RobfigScheduler{
		cfg:      cfg,
		closeCtx: closeCtx,
		cancel:   cancel,
	}
	s.cron = cronv3.New(
		cronv3.WithParser(specParser),
		cronv3.WithChain(cronv3.Recover(&cronLogger{inner: cfg.Logger})),
	)
	return s, nil
}

// Schedule implements Scheduler.
func (s *RobfigScheduler) Schedule(expr string, fn func(context.Context), opts ...Option) (Job, error) {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}
	expr = ApplyTimezone(expr, options.Timezone)
	if _, err := specParser.Parse(expr); err != nil {
		return nil, trace.BadParameter("invalid cron expression %q: %v", expr, err)
	}

	j := &robfigJob{cron: s.cron}
	id, err := s.cron.AddFunc(expr, func() {
		if j.stopped.Load() {
			return
		}
		fn(s.closeCtx)
	})
	if err != nil {
		return nil, trace.BadParameter("invalid cron expression %q: %v", expr, err)
	}
	j.id = id
	s.cfg.Logger.DebugContext(s.closeCtx, "Scheduled cron entry.",
		"expr", expr, "name", options.Name)
	return j, nil
}

// Start implements Scheduler.
func (s *RobfigScheduler) Start() { s.cron.Start() }

// Stop implements Scheduler. It cancels the tick context, then waits
// for in-flight runs.
func (s *RobfigScheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

type robfigJob struct {
	id      cronv3.EntryID
	cron    *cronv3.Cron
	stopped atomic.Bool
}

// Stop implements Job. The stopped flag closes the window between
// Remove and a tick already queued by the cron runner.
func (j *robfigJob) Stop() {
	if j.stopped.CompareAndSwap(false, true) {
		j.cron.Remove(j.id)
	}
}

// ApplyTimezone prefixes expr with CRON_TZ=<tz> unless the expression
// already pins a zone or tz is empty.
func ApplyTimezone(expr, tz string) string {
	if tz == "" {
		return expr
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}

// cronLogger adapts slog to the cron.Logger interface used by the
// Recover chain.
type cronLogger struct {
	inner *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.inner.Error(msg, append(keysAndValues, "error", err)...)
}
