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

package objstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := NewMemory(MemoryConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	_, err := m.GetObject(ctx, "a/b")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, m.PutObject(ctx, "a/b", []byte("hello"), PutOptions{}))

	data, err := m.GetObject(ctx, "a/b")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	info, err := m.HeadObject(ctx, "a/b")
	require.NoError(t, err)
	require.Equal(t, int64(5), info.Size)
	require.NotEmpty(t, info.ETag)

	// Deleting twice is fine, matching S3 semantics.
	require.NoError(t, m.DeleteObject(ctx, "a/b"))
	require.NoError(t, m.DeleteObject(ctx, "a/b"))

	_, err = m.GetObject(ctx, "a/b")
	require.True(t, trace.IsNotFound(err))
}

func TestMemoryConditionalCreate(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	require.NoError(t, m.PutObject(ctx, "lock", []byte("a"), PutOptions{IfNoneMatch: true}))
	err := m.PutObject(ctx, "lock", []byte("b"), PutOptions{IfNoneMatch: true})
	require.True(t, trace.IsAlreadyExists(err))

	// Unconditional put still overwrites.
	require.NoError(t, m.PutObject(ctx, "lock", []byte("c"), PutOptions{}))
	data, err := m.GetObject(ctx, "lock")
	require.NoError(t, err)
	require.Equal(t, []byte("c"), data)
}

func TestMemoryConditionalCreateIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	const attempts = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.PutObject(ctx, "contended", fmt.Appendf(nil, "%d", i), PutOptions{IfNoneMatch: true})
			if err == nil {
				wins.Add(1)
				return
			}
			if !trace.IsAlreadyExists(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestMemoryListPagination(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	for i := range 25 {
		key := fmt.Sprintf("data/%03d", i)
		require.NoError(t, m.PutObject(ctx, key, []byte("x"), PutOptions{}))
	}
	require.NoError(t, m.PutObject(ctx, "other/000", []byte("x"), PutOptions{}))

	var keys []string
	var startAfter string
	for {
		result, err := m.ListObjects(ctx, "data/", startAfter, 10)
		require.NoError(t, err)
		require.LessOrEqual(t, len(result.Objects), 10)
		for _, obj := range result.Objects {
			keys = append(keys, obj.Key)
		}
		if !result.Truncated {
			break
		}
		startAfter = result.NextToken
	}
	require.Len(t, keys, 25)
	require.IsIncreasing(t, keys)

	result, err := m.ListObjects(ctx, "missing/", "", 10)
	require.NoError(t, err)
	require.Empty(t, result.Objects)
	require.False(t, result.Truncated)
}

func TestDeletePrefix(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	for i := range 7 {
		require.NoError(t, m.PutObject(ctx, fmt.Sprintf("p/%d", i), []byte("x"), PutOptions{}))
	}
	require.NoError(t, m.PutObject(ctx, "q/keep", []byte("x"), PutOptions{}))

	n, err := DeletePrefix(ctx, m, "p/")
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, 1, m.Len())
}

func TestJoin(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"plg", "cache", "stats"}, "plg/cache/stats"},
		{[]string{"plg/", "/cache/"}, "plg/cache"},
		{[]string{"", "a", ""}, "a"},
		{nil, ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Join(tt.parts...))
	}
}
