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

package cache

import (
	"regexp"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/lib/objstore"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

func newKeyTestResource(t *testing.T) *resource.Resource {
	t.Helper()
	store, err := objstore.NewMemory(objstore.MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	r, err := resource.New(resource.Config{
		Name: "users",
		Schema: resource.Schema{
			Partitions: map[string]resource.Partition{
				"byCountry": {Fields: map[string]string{"country": "lowercase"}},
			},
		},
		Client: store,
		Logger: utils.NewSlogLoggerForTests(),
	})
	require.NoError(t, err)
	return r
}

func TestKeyForScheme(t *testing.T) {
	r := newKeyTestResource(t)

	key, err := KeyFor(r, &resource.Call{Method: resource.MethodGet, ID: "42"})
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^resource=users/action=get/[0-9a-f]{16}\.json\.gz$`), key)

	// Parameterless calls carry no hash segment.
	key, err = KeyFor(r, &resource.Call{Method: resource.MethodCount})
	require.NoError(t, err)
	require.Equal(t, "resource=users/action=count.json.gz", key)

	key, err = KeyFor(r, &resource.Call{Method: resource.MethodGetAll})
	require.NoError(t, err)
	require.Equal(t, "resource=users/action=getAll.json.gz", key)
}

func TestKeyForDeterminism(t *testing.T) {
	r := newKeyTestResource(t)

	a, err := KeyFor(r, &resource.Call{
		Method: resource.MethodQuery,
		Filter: resource.Record{"status": "active", "plan": "pro"},
	})
	require.NoError(t, err)
	b, err := KeyFor(r, &resource.Call{
		Method: resource.MethodQuery,
		Filter: resource.Record{"plan": "pro", "status": "active"},
	})
	require.NoError(t, err)
	require.Equal(t, a, b, "key must not depend on filter field order")

	c, err := KeyFor(r, &resource.Call{
		Method: resource.MethodQuery,
		Filter: resource.Record{"status": "inactive", "plan": "pro"},
	})
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	// Dates hash the same whether given as time.Time or their
	// canonical string rendering.
	when := time.Date(2024, 3, 15, 12, 30, 45, 123e6, time.UTC)
	d, err := KeyFor(r, &resource.Call{
		Method: resource.MethodQuery,
		Filter: resource.Record{"since": when},
	})
	require.NoError(t, err)
	e, err := KeyFor(r, &resource.Call{
		Method: resource.MethodQuery,
		Filter: resource.Record{"since": utils.FormatTime(when)},
	})
	require.NoError(t, err)
	require.Equal(t, d, e)
}

func TestKeyForOptions(t *testing.T) {
	r := newKeyTestResource(t)

	page1, err := KeyFor(r, &resource.Call{
		Method:  resource.MethodPage,
		Options: resource.Options{Offset: 0, Size: 10},
	})
	require.NoError(t, err)
	page2, err := KeyFor(r, &resource.Call{
		Method:  resource.MethodPage,
		Options: resource.Options{Offset: 10, Size: 10},
	})
	require.NoError(t, err)
	require.NotEqual(t, page1, page2)

	unbounded, err := KeyFor(r, &resource.Call{Method: resource.MethodListIDs})
	require.NoError(t, err)
	bounded, err := KeyFor(r, &resource.Call{
		Method:  resource.MethodListIDs,
		Options: resource.Options{Limit: 5},
	})
	require.NoError(t, err)
	require.NotEqual(t, unbounded, bounded)
}

func TestKeyForPartition(t *testing.T) {
	r := newKeyTestResource(t)

	key, err := KeyFor(r, &resource.Call{
		Method: resource.MethodList,
		Options: resource.Options{
			Partition:       "byCountry",
			PartitionValues: map[string]any{"country": "NL"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "resource=users/action=list/partition:byCountry/country:nl.json.gz", key)

	// Missing partition fields make the call unkeyable.
	_, err = KeyFor(r, &resource.Call{
		Method:  resource.MethodList,
		Options: resource.Options{Partition: "byCountry"},
	})
	require.True(t, trace.IsBadParameter(err), "expected bad parameter, got %v", err)
}

func TestPartitionOf(t *testing.T) {
	for key, want := range map[string]string{
		"resource=users/action=list/partition:byCountry/country:nl.json.gz":                  "byCountry/country:nl",
		"resource=users/action=query/partition:byCountry/country:nl/0123456789abcdef.json.gz": "byCountry/country:nl",
		"resource=users/action=get/0123456789abcdef.json.gz":                                 "",
		"resource=users/action=count.json.gz":                                                "",
	} {
		require.Equal(t, want, partitionOf(key), "key %q", key)
	}
}
