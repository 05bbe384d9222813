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

package resource

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/utils"
)

// Record is a single persisted entity. The id lives under "id"; fields
// prefixed with InternalFieldPrefix are engine-owned.
type Record = map[string]any

// InternalFieldPrefix marks engine-owned fields such as "_createdAt".
const InternalFieldPrefix = "_"

// IsInternalField reports whether name is engine-owned.
func IsInternalField(name string) bool {
	return strings.HasPrefix(name, InternalFieldPrefix)
}

// Attribute describes one schema field. Validation of values against
// the declared type is out of scope; the schema is carried for
// consumers.
type Attribute struct {
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Partition derives object-store key segments from record fields so
// reads can prefix-scan a cluster instead of the whole resource. Fields
// maps a field name to its transform rule: "identity", "lowercase",
// "date:<go layout>" or "prefix:<n>".
type Partition struct {
	Fields map[string]string `json:"fields"`
}

// Schema describes a resource's shape.
type Schema struct {
	Attributes map[string]Attribute `json:"attributes,omitempty"`
	Partitions map[string]Partition `json:"partitions,omitempty"`
	// Timestamps maintains "_createdAt"/"_updatedAt" on writes.
	Timestamps bool `json:"timestamps,omitempty"`
	// CreatedBy is "user" or the slug of the plugin that owns the
	// resource.
	CreatedBy string `json:"createdBy,omitempty"`
}

// CreatedByUser marks resources created directly by the host's caller
// rather than by a plugin.
const CreatedByUser = "user"

// PluginCreated reports whether the resource was created by a plugin.
func (s Schema) PluginCreated() bool {
	return s.CreatedBy != "" && s.CreatedBy != CreatedByUser
}

var resourceNameRe = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)

// ValidateName checks the resource naming rule: lowercase, digits,
// underscores and dots, starting with a letter.
func ValidateName(name string) error {
	if !resourceNameRe.MatchString(name) {
		return trace.BadParameter("invalid resource name %q: must match %s", name, resourceNameRe)
	}
	return nil
}

// Partition names allow camelCase, e.g. "byExpiresAtCohort".
var partitionNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.]*$`)

// Validate checks partition definitions and transform rules.
func (s Schema) Validate() error {
	for name, partition := range s.Partitions {
		if !partitionNameRe.MatchString(name) {
			return trace.BadParameter("invalid partition name %q: must match %s", name, partitionNameRe)
		}
		if len(partition.Fields) == 0 {
			return trace.BadParameter("partition %q declares no fields", name)
		}
		for field, rule := range partition.Fields {
			if _, err := parseTransform(rule); err != nil {
				return trace.BadParameter("partition %q field %q: %v", name, field, err)
			}
		}
	}
	return nil
}

// transform converts a raw field value into a key segment.
type transform func(value any) (string, error)

func parseTransform(rule string) (transform, error) {
	switch {
	case rule == "" || rule == "identity":
		return stringify, nil
	case rule == "lowercase":
		return func(v any) (string, error) {
			s, err := stringify(v)
			if err != nil {
				return "", trace.Wrap(err)
			}
			return strings.ToLower(s), nil
		}, nil
	case strings.HasPrefix(rule, "date:"):
		layout := strings.TrimPrefix(rule, "date:")
		if layout == "" {
			return nil, trace.BadParameter("date transform requires a layout")
		}
		return func(v any) (string, error) {
			t, err := CoerceTime(v)
			if err != nil {
				return "", trace.Wrap(err)
			}
			return t.UTC().Format(layout), nil
		}, nil
	case strings.HasPrefix(rule, "prefix:"):
		n, err := strconv.Atoi(strings.TrimPrefix(rule, "prefix:"))
		if err != nil || n <= 0 {
			return nil, trace.BadParameter("prefix transform requires a positive length")
		}
		return func(v any) (string, error) {
			s, err := stringify(v)
			if err != nil {
				return "", trace.Wrap(err)
			}
			if r := []rune(s); len(r) > n {
				return string(r[:n]), nil
			}
			return s, nil
		}, nil
	default:
		return nil, trace.BadParameter("unknown transform rule %q", rule)
	}
}

// stringify renders scalar field values for key segments.
func stringify(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return utils.FormatTime(v), nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return "", trace.BadParameter("cannot derive key segment from %T", v)
	}
}

// CoerceTime accepts the value shapes a JSON record can carry a time
// in: time.Time, RFC3339 strings, or epoch milliseconds.
func CoerceTime(v any) (time.Time, error) {
	switch v := v.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		return *v, nil
	case string:
		t, err := utils.ParseTime(v)
		return t, trace.Wrap(err)
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	case int64:
		return time.UnixMilli(v).UTC(), nil
	case int:
		return time.UnixMilli(int64(v)).UTC(), nil
	default:
		return time.Time{}, trace.BadParameter("cannot interpret %T as a timestamp", v)
	}
}

// PartitionValue is one transformed field of a partition key, in
// lexicographic field order.
type PartitionValue struct {
	Field string
	Value string
}

// partitionPairs derives the ordered transformed field values for one
// record in one partition. Field order is lexicographic so keys are
// stable. A record participates in a partition only when every field
// is present and non-nil; ok is false otherwise. A present value the
// transform cannot render is an error, not a skip.
func partitionPairs(p Partition, rec Record) (pairs []PartitionValue, ok bool, err error) {
	fields := make([]string, 0, len(p.Fields))
	for field := range p.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		value, present := rec[field]
		if !present || value == nil {
			return nil, false, nil
		}
		fn, err := parseTransform(p.Fields[field])
		if err != nil {
			return nil, false, trace.Wrap(err)
		}
		rendered, err := fn(value)
		if err != nil {
			return nil, false, trace.BadParameter("partition field %q: %v", field, err)
		}
		pairs = append(pairs, PartitionValue{Field: field, Value: rendered})
	}
	return pairs, true, nil
}

// partitionQueryPairs derives pairs from caller-provided partition
// values (raw field values, transformed the same way writes are). All
// declared fields must be supplied.
func partitionQueryPairs(p Partition, values map[string]any) ([]PartitionValue, error) {
	pairs, ok, err := partitionPairs(p, values)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		missing := make([]string, 0, len(p.Fields))
		for field := range p.Fields {
			if v, present := values[field]; !present || v == nil {
				missing = append(missing, field)
			}
		}
		sort.Strings(missing)
		return nil, trace.BadParameter("partition values missing fields %v", missing)
	}
	return pairs, nil
}
