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
	"fmt"
	"time"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/defaults"
)

// Granularity is the temporal resolution of an expiration cohort,
// chosen from the TTL length. Shorter TTLs get finer cohorts and a
// faster sweep cadence.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
	Week   Granularity = "week"
)

// granularities in ascending coarseness, the order sweeps are
// scheduled in.
var granularities = []Granularity{Minute, Hour, Day, Week}

// GranularityFor picks the cohort resolution for a TTL. The thresholds
// are one hour, one day and thirty days.
func GranularityFor(ttl time.Duration) Granularity {
	switch seconds := ttl.Seconds(); {
	case seconds < 3600:
		return Minute
	case seconds < 86400:
		return Hour
	case seconds < 2592000:
		return Day
	default:
		return Week
	}
}

// CohortFor renders the cohort bucket containing t. Minute, hour and
// day cohorts are time prefixes; week cohorts use the ISO 8601 week,
// so the last days of December can land in week 01 of the next year.
func CohortFor(t time.Time, g Granularity) string {
	t = t.UTC()
	switch g {
	case Minute:
		return t.Format("2006-01-02T15:04")
	case Hour:
		return t.Format("2006-01-02T15")
	case Day:
		return t.Format("2006-01-02")
	default:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
}

// cohortStep is the width of one cohort, used to walk backwards from
// the current one.
func cohortStep(g Granularity) time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// cohortDepth is how many cohorts a sweep tick scans, the current one
// included. Minute cohorts get one extra so a sweep cadence lagging a
// cohort boundary still covers fresh expirations.
func cohortDepth(g Granularity) int {
	if g == Minute {
		return 3
	}
	return 2
}

// LastCohorts lists the cohorts a sweep at now must scan: the current
// cohort and its predecessors, newest first.
func LastCohorts(now time.Time, g Granularity) []string {
	depth := cohortDepth(g)
	cohorts := make([]string, 0, depth)
	for i := 0; i < depth; i++ {
		cohorts = append(cohorts, CohortFor(now.Add(-time.Duration(i)*cohortStep(g)), g))
	}
	return cohorts
}

// sweepSchedule is the cron expression driving one granularity's
// sweep. Minute cohorts need a sub-minute cadence and use the
// six-field form.
func sweepSchedule(g Granularity) (string, error) {
	switch g {
	case Minute:
		return "*/10 * * * * *", nil
	case Hour:
		return "*/10 * * * *", nil
	case Day:
		return "0 * * * *", nil
	case Week:
		return "0 0 * * *", nil
	}
	return "", trace.BadParameter("unknown granularity %q", g)
}

// sweepInterval reports the nominal cadence of one granularity's
// sweep, used only for logging.
func sweepInterval(g Granularity) time.Duration {
	switch g {
	case Minute:
		return defaults.TTLMinuteSweepInterval
	case Hour:
		return defaults.TTLHourSweepInterval
	case Day:
		return defaults.TTLDaySweepInterval
	default:
		return defaults.TTLWeekSweepInterval
	}
}
