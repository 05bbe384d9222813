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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGranularityFor(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want Granularity
	}{
		{0, Minute},
		{30 * time.Second, Minute},
		{59*time.Minute + 59*time.Second, Minute},
		{time.Hour, Hour},
		{23*time.Hour + 59*time.Minute + 59*time.Second, Hour},
		{24 * time.Hour, Day},
		{29*24*time.Hour + 23*time.Hour, Day},
		{30 * 24 * time.Hour, Week},
		{365 * 24 * time.Hour, Week},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, GranularityFor(tt.ttl), "ttl %v", tt.ttl)
	}
}

func TestCohortFor(t *testing.T) {
	at := time.Date(2024, 3, 15, 12, 34, 56, 0, time.UTC)
	require.Equal(t, "2024-03-15T12:34", CohortFor(at, Minute))
	require.Equal(t, "2024-03-15T12", CohortFor(at, Hour))
	require.Equal(t, "2024-03-15", CohortFor(at, Day))
	require.Equal(t, "2024-W11", CohortFor(at, Week))

	// ISO weeks can cross calendar years in both directions.
	require.Equal(t, "2025-W01", CohortFor(time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), Week))
	require.Equal(t, "2020-W53", CohortFor(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), Week))

	// Non-UTC inputs bucket by their UTC instant.
	zone := time.FixedZone("east", 2*3600)
	require.Equal(t, "2024-03-15T10:34", CohortFor(at.In(zone), Minute))
}

func TestLastCohorts(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 30, 0, time.UTC)

	require.Equal(t,
		[]string{"2024-03-15T12:00", "2024-03-15T11:59", "2024-03-15T11:58"},
		LastCohorts(now, Minute))
	require.Equal(t,
		[]string{"2024-03-15T12", "2024-03-15T11"},
		LastCohorts(now, Hour))
	require.Equal(t,
		[]string{"2024-03-15", "2024-03-14"},
		LastCohorts(now, Day))
	require.Equal(t,
		[]string{"2024-W11", "2024-W10"},
		LastCohorts(now, Week))
}

func TestSweepSchedule(t *testing.T) {
	for _, g := range granularities {
		expr, err := sweepSchedule(g)
		require.NoError(t, err)
		require.NotEmpty(t, expr)
	}
	_, err := sweepSchedule(Granularity("fortnight"))
	require.Error(t, err)
}
