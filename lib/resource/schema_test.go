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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"users", "plg_ttl_expiration_index", "my.orders", "a1"} {
		require.NoError(t, ValidateName(name), "name %q", name)
	}
	for _, name := range []string{"", "Users", "1users", "users-2", "users/x", "_users"} {
		err := ValidateName(name)
		require.True(t, trace.IsBadParameter(err), "name %q should be rejected", name)
	}
}

func TestTransforms(t *testing.T) {
	ts := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		rule  string
		value any
		want  string
	}{
		{"identity", "Hello", "Hello"},
		{"", "Hello", "Hello"},
		{"identity", float64(42), "42"},
		{"identity", 42.5, "42.5"},
		{"identity", true, "true"},
		{"lowercase", "Bob@Example.COM", "bob@example.com"},
		{"date:2006-01-02", ts, "2024-03-15"},
		{"date:2006-01-02", "2024-03-15T09:30:00.000Z", "2024-03-15"},
		{"date:2006-01", float64(ts.UnixMilli()), "2024-03"},
		{"prefix:3", "abcdef", "abc"},
		{"prefix:10", "abc", "abc"},
	}
	for _, tt := range tests {
		fn, err := parseTransform(tt.rule)
		require.NoError(t, err, "rule %q", tt.rule)
		got, err := fn(tt.value)
		require.NoError(t, err, "rule %q value %v", tt.rule, tt.value)
		require.Equal(t, tt.want, got, "rule %q value %v", tt.rule, tt.value)
	}
}

func TestTransformErrors(t *testing.T) {
	for _, rule := range []string{"nope", "date:", "prefix:0", "prefix:x"} {
		_, err := parseTransform(rule)
		require.True(t, trace.IsBadParameter(err), "rule %q should be rejected", rule)
	}

	dateFn, err := parseTransform("date:2006-01-02")
	require.NoError(t, err)
	_, err = dateFn("yesterday")
	require.True(t, trace.IsBadParameter(err))

	idFn, err := parseTransform("identity")
	require.NoError(t, err)
	_, err = idFn([]string{"not", "scalar"})
	require.True(t, trace.IsBadParameter(err))
}

func TestSchemaValidate(t *testing.T) {
	ok := Schema{
		Partitions: map[string]Partition{
			"byemail":   {Fields: map[string]string{"email": "lowercase"}},
			"byDueDate": {Fields: map[string]string{"dueAt": "date:2006-01-02"}},
			"byday":     {Fields: map[string]string{"_createdAt": "date:2006-01-02"}},
		},
	}
	require.NoError(t, ok.Validate())

	badName := Schema{Partitions: map[string]Partition{
		"0day": {Fields: map[string]string{"email": "lowercase"}},
	}}
	require.True(t, trace.IsBadParameter(badName.Validate()))

	bad := Schema{Partitions: map[string]Partition{
		"byemail": {Fields: map[string]string{"email": "shout"}},
	}}
	require.True(t, trace.IsBadParameter(bad.Validate()))

	empty := Schema{Partitions: map[string]Partition{"p": {}}}
	require.True(t, trace.IsBadParameter(empty.Validate()))
}

func TestPartitionPairs(t *testing.T) {
	p := Partition{Fields: map[string]string{
		"region": "identity",
		"email":  "lowercase",
	}}

	pairs, ok, err := partitionPairs(p, Record{"email": "A@B.io", "region": "eu", "other": 1})
	require.NoError(t, err)
	require.True(t, ok)
	// Lexicographic field order regardless of declaration order.
	require.Equal(t, []PartitionValue{{"email", "a@b.io"}, {"region", "eu"}}, pairs)

	// Missing or nil field: the record does not participate.
	_, ok, err = partitionPairs(p, Record{"email": "a@b.io"})
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = partitionPairs(p, Record{"email": "a@b.io", "region": nil})
	require.NoError(t, err)
	require.False(t, ok)

	// Present but unrenderable value is an error, not a skip.
	_, _, err = partitionPairs(p, Record{"email": map[string]any{}, "region": "eu"})
	require.True(t, trace.IsBadParameter(err))
}

func TestPartitionQueryPairs(t *testing.T) {
	p := Partition{Fields: map[string]string{"email": "lowercase"}}

	pairs, err := partitionQueryPairs(p, map[string]any{"email": "Bob@X.io"})
	require.NoError(t, err)
	require.Equal(t, []PartitionValue{{"email", "bob@x.io"}}, pairs)

	_, err = partitionQueryPairs(p, map[string]any{})
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "email")
}

func TestIsInternalField(t *testing.T) {
	require.True(t, IsInternalField("_createdAt"))
	require.False(t, IsInternalField("name"))
}
