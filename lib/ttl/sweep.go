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
	"sort"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

// sweeper runs the periodic expiration pass for one granularity. The
// scheduler contract does not suppress overlapping runs, so the
// running flag does.
type sweeper struct {
	p           *Plugin
	granularity Granularity
	running     atomic.Bool
}

// tick is the cron entry point. A tick that finds the previous one
// still running returns immediately without work.
func (s *sweeper) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.p.Logger().DebugContext(ctx, "Previous sweep still running, skipping tick.",
			"granularity", s.granularity)
		return
	}
	defer s.running.Store(false)
	// Cohort failures were already logged and emitted inside the pass.
	_ = s.sweep(ctx)
}

// sweep runs one full pass over the recent cohorts. Cohort failures
// are logged and emitted as cleanup-error events as they happen; the
// aggregate is also returned for on-demand passes.
func (s *sweeper) sweep(ctx context.Context) error {
	start := s.p.cfg.Clock.Now()
	s.p.stats.scanStarted(start)
	ttlSweeps.WithLabelValues(string(s.granularity)).Inc()

	var errs []error
	for _, cohort := range LastCohorts(start, s.granularity) {
		if err := s.sweepCohort(ctx, cohort); err != nil {
			errs = append(errs, trace.Wrap(err, "cohort %q", cohort))
			s.p.stats.errors.Add(1)
			ttlErrors.WithLabelValues(string(s.granularity)).Inc()
			s.p.Logger().ErrorContext(ctx, "Expiration sweep failed.",
				"granularity", s.granularity, "cohort", cohort, "error", err)
			s.p.EmitEvent(ctx, EventCleanupError, CleanupError{
				Granularity: s.granularity,
				Cohort:      cohort,
				Error:       err.Error(),
			})
		}
	}
	s.p.stats.scanFinished(s.p.cfg.Clock.Now().Sub(start))
	return trace.NewAggregate(errs...)
}

// sweepCohort lists one cohort bucket and expires the entries that are
// due. The cohort is only an index: the decision to act is made on the
// exact expiry timestamp, never on bucket membership.
func (s *sweeper) sweepCohort(ctx context.Context, cohort string) error {
	entries, err := s.p.index.List(ctx,
		resource.WithPartition(partitionByCohort, map[string]any{fieldCohort: cohort}),
		resource.WithSkipCache(),
	)
	if err != nil {
		return trace.Wrap(err)
	}

	now := s.p.cfg.Clock.Now().UnixMilli()
	due := make([]resource.Record, 0, len(entries))
	for _, entry := range entries {
		name, _ := entry[fieldResourceName].(string)
		if _, managed := s.p.cfg.Resources[name]; !managed {
			continue
		}
		expiresAt, ok := asEpochMilli(entry[fieldExpiresAt])
		if !ok || now < expiresAt {
			continue
		}
		due = append(due, entry)
	}
	sort.Slice(due, func(i, j int) bool {
		a, _ := due[i]["id"].(string)
		b, _ := due[j]["id"].(string)
		return a < b
	})

	for batch := 0; batch < len(due); batch += s.p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		end := min(batch+s.p.cfg.BatchSize, len(due))
		for _, entry := range due[batch:end] {
			if err := s.expire(ctx, entry); err != nil {
				s.p.stats.errors.Add(1)
				s.p.Logger().WarnContext(ctx, "Failed to expire record.",
					"entry", entry["id"], "error", err)
			}
		}
	}
	return nil
}

// expire applies the configured strategy to one due index entry and
// retires the entry. A record that disappeared since indexing only
// retires the entry.
func (s *sweeper) expire(ctx context.Context, entry resource.Record) error {
	name, _ := entry[fieldResourceName].(string)
	recordID, _ := entry[fieldRecordID].(string)
	if name == "" || recordID == "" {
		return trace.BadParameter("malformed index entry %v", entry["id"])
	}
	rc := s.p.cfg.Resources[name]
	db := s.p.Database()
	if db == nil {
		return trace.BadParameter("plugin is not installed")
	}
	r, err := db.Resource(name)
	if err != nil {
		return trace.Wrap(err)
	}

	acted, err := s.apply(ctx, r, rc, recordID)
	if err != nil {
		return trace.Wrap(err)
	}
	if acted {
		s.p.stats.expired.Add(1)
		ttlExpired.WithLabelValues(name, string(rc.OnExpire)).Inc()
	}
	return trace.Wrap(s.p.removeEntry(ctx, name, recordID))
}

// apply runs one strategy. It reports whether the record was acted on;
// orphaned entries are not acted on and only get retired by the
// caller.
func (s *sweeper) apply(ctx context.Context, r *resource.Resource, rc ResourceConfig, recordID string) (bool, error) {
	now := s.p.cfg.Clock.Now()

	switch rc.OnExpire {
	case SoftDelete:
		_, err := r.Update(ctx, recordID, resource.Record{
			rc.DeleteField: utils.FormatTime(now),
			"isdeleted":    "true",
		})
		if trace.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, trace.Wrap(err)
		}
		s.p.stats.softDeleted.Add(1)
		return true, nil

	case HardDelete:
		if err := r.Delete(ctx, recordID); err != nil {
			if trace.IsNotFound(err) {
				return false, nil
			}
			return false, trace.Wrap(err)
		}
		s.p.stats.deleted.Add(1)
		return true, nil

	case Archive:
		rec, err := r.Get(ctx, recordID, resource.WithSkipCache())
		if trace.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, trace.Wrap(err)
		}
		archive, err := s.p.Database().Resource(rc.ArchiveResource)
		if err != nil {
			return false, trace.Wrap(err)
		}
		copied := archiveCopy(rec, r.Name(), recordID, rc, now)
		if _, err := archive.Insert(ctx, copied); err != nil && !trace.IsAlreadyExists(err) {
			return false, trace.Wrap(err)
		}
		if err := r.Delete(ctx, recordID); err != nil && !trace.IsNotFound(err) {
			return false, trace.Wrap(err)
		}
		s.p.stats.archived.Add(1)
		return true, nil

	case Callback:
		rec, err := r.Get(ctx, recordID, resource.WithSkipCache())
		if trace.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, trace.Wrap(err)
		}
		remove, err := rc.Callback(ctx, rec, r)
		if err != nil {
			return false, trace.Wrap(err)
		}
		s.p.stats.callbacks.Add(1)
		if remove {
			if err := r.Delete(ctx, recordID); err != nil && !trace.IsNotFound(err) {
				return false, trace.Wrap(err)
			}
			s.p.stats.deleted.Add(1)
		}
		return true, nil
	}
	return false, trace.BadParameter("unknown strategy %q", rc.OnExpire)
}

// archiveCopy builds the archived form of a record: user-facing fields
// only, plus the archive provenance fields. Without KeepOriginalID the
// copy gets a fresh id on insert.
func archiveCopy(rec resource.Record, from, originalID string, rc ResourceConfig, now time.Time) resource.Record {
	copied := make(resource.Record, len(rec)+3)
	for field, value := range rec {
		if field == "id" || resource.IsInternalField(field) {
			continue
		}
		copied[field] = value
	}
	copied["archivedAt"] = utils.FormatTime(now)
	copied["archivedFrom"] = from
	copied["originalId"] = originalID
	if rc.KeepOriginalID {
		copied["id"] = originalID
	}
	return copied
}

// asEpochMilli reads a persisted millisecond timestamp, which JSON
// decoding hands back as float64.
func asEpochMilli(v any) (int64, bool) {
	switch v := v.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
