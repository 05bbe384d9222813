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
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// memoryListLimit is the page size the memory client reports when the caller
// asks for NoLimit. Mirrors the S3 ListObjectsV2 maximum so pagination paths
// get exercised the same way in tests.
const memoryListLimit = 1000

// MemoryConfig configures the in-memory client.
type MemoryConfig struct {
	// Clock is used to stamp LastModified. Defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *MemoryConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Memory is an in-memory Client used by tests and by embedders that do not
// need durable storage. Conditional creates are atomic under the client
// mutex, so lock acquisition semantics match a store with if-none-match
// support.
type Memory struct {
	cfg MemoryConfig

	mu      sync.RWMutex
	objects map[string]memObject
	closed  bool
}

type memObject struct {
	data []byte
	info ObjectInfo
}

// NewMemory returns an empty in-memory client.
func NewMemory(cfg MemoryConfig) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Memory{
		cfg:     cfg,
		objects: make(map[string]memObject),
	}, nil
}

// Clock returns the clock used to stamp objects.
func (m *Memory) Clock() clockwork.Clock {
	return m.cfg.Clock
}

// PutObject stores body under key.
func (m *Memory) PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error {
	if key == "" {
		return trace.BadParameter("missing parameter key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return trace.ConnectionProblem(nil, "memory store is closed")
	}
	if opts.IfNoneMatch {
		if _, exists := m.objects[key]; exists {
			return trace.AlreadyExists("object %q already exists", key)
		}
	}
	data := make([]byte, len(body))
	copy(data, body)
	m.objects[key] = memObject{
		data: data,
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         fmt.Sprintf("%016x", xxhash.Sum64(data)),
			LastModified: m.cfg.Clock.Now().UTC(),
		},
	}
	return nil
}

// GetObject returns the stored body or NotFound.
func (m *Memory) GetObject(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, exists := m.objects[key]
	if !exists {
		return nil, trace.NotFound("object %q is not found", key)
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, nil
}

// DeleteObject removes the object. Missing keys are not an error, matching
// S3 delete semantics.
func (m *Memory) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// ListObjects returns a lexicographically ordered page of keys under prefix.
func (m *Memory) ListObjects(ctx context.Context, prefix, startAfter string, limit int) (*ListResult, error) {
	if limit <= 0 || limit > memoryListLimit {
		limit = memoryListLimit
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && key > startAfter {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	truncated := len(keys) > limit
	if truncated {
		keys = keys[:limit]
	}

	result := &ListResult{Truncated: truncated}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range keys {
		if obj, exists := m.objects[key]; exists {
			result.Objects = append(result.Objects, obj.info)
		}
	}
	if truncated && len(result.Objects) > 0 {
		result.NextToken = result.Objects[len(result.Objects)-1].Key
	}
	return result, nil
}

// HeadObject returns object metadata or NotFound.
func (m *Memory) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, exists := m.objects[key]
	if !exists {
		return nil, trace.NotFound("object %q is not found", key)
	}
	info := obj.info
	return &info, nil
}

// Len reports how many objects are stored. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Close marks the store closed. Further writes fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
