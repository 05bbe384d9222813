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

package utils

import (
	"time"

	"github.com/gravitational/trace"
)

// RFC3339Milli is the timestamp layout used everywhere a time value is
// persisted or hashed. Millisecond precision in UTC keeps values produced on
// different hosts byte-identical.
const RFC3339Milli = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical persisted layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(RFC3339Milli)
}

// ParseTime reads a timestamp in the canonical layout, falling back to
// the other RFC 3339 precisions for values written by older builds or
// other tools.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{RFC3339Milli, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, trace.BadParameter("cannot parse %q as a timestamp", s)
}

// CanonicalJSON serializes v so that equal values always produce identical
// bytes: map keys are sorted and every time.Time is normalized to UTC
// millisecond precision before marshaling. Used wherever serialized output
// feeds a hash.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := StableMarshal(normalizeTimes(v))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// normalizeTimes walks maps and slices replacing time values with their
// canonical string form. Other values pass through untouched; the stable
// marshaler handles key ordering.
func normalizeTimes(v any) any {
	switch val := v.(type) {
	case time.Time:
		return FormatTime(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return FormatTime(*val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeTimes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeTimes(item)
		}
		return out
	default:
		return v
	}
}
