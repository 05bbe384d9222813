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

// Package objstore provides the object store abstraction layer every engine
// persists through. Keys are UTF-8 strings listed in lexicographic order.
package objstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Client implements abstraction over a keyed blob store. The S3 adapter is
// the production implementation; the memory client backs tests and
// embedding.
type Client interface {
	// PutObject stores body under key, creating or overwriting. When
	// opts.IfNoneMatch is set the put only succeeds if the key does not
	// exist yet and returns an AlreadyExists error otherwise.
	PutObject(ctx context.Context, key string, body []byte, opts PutOptions) error

	// GetObject returns the object body or a NotFound error.
	GetObject(ctx context.Context, key string) ([]byte, error)

	// DeleteObject removes the object. Deleting a missing key is not an
	// error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects returns up to limit objects whose keys begin with
	// prefix, in lexicographic order, skipping keys <= startAfter. A
	// truncated result carries NextToken to pass as the next startAfter.
	ListObjects(ctx context.Context, prefix, startAfter string, limit int) (*ListResult, error)

	// HeadObject returns object metadata without the body, or a NotFound
	// error.
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// Close releases resources held by the client.
	Close() error
}

// PutOptions modify a single put.
type PutOptions struct {
	// ContentType is stored alongside the object where the backing store
	// supports it.
	ContentType string
	// IfNoneMatch requests a conditional create. Acquiring distributed
	// locks is only correct on stores that honor it atomically.
	IfNoneMatch bool
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	// Key is the full object key.
	Key string
	// Size is the body length in bytes.
	Size int64
	// ETag is the store-assigned entity tag.
	ETag string
	// LastModified is the store-recorded modification time.
	LastModified time.Time
}

// ListResult is one page of a listing.
type ListResult struct {
	// Objects holds the page, ordered by key.
	Objects []ObjectInfo
	// NextToken, when Truncated, is the startAfter value for the next
	// page.
	NextToken string
	// Truncated reports whether more keys remain past this page.
	Truncated bool
}

// NoLimit asks ListObjects for the store's maximum page.
const NoLimit = 0

// ErrStopIteration halts a ForEachObject walk early without reporting
// an error.
var ErrStopIteration = errors.New("stop iteration")

// ForEachObject walks every object under prefix, following pagination until
// the listing is exhausted, fn returns ErrStopIteration, or fn fails.
func ForEachObject(ctx context.Context, clt Client, prefix string, fn func(ObjectInfo) error) error {
	var startAfter string
	for {
		result, err := clt.ListObjects(ctx, prefix, startAfter, NoLimit)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, obj := range result.Objects {
			switch err := fn(obj); {
			case errors.Is(err, ErrStopIteration):
				return nil
			case err != nil:
				return trace.Wrap(err)
			}
		}
		if !result.Truncated {
			return nil
		}
		startAfter = result.NextToken
	}
}

// DeletePrefix removes every object under prefix and returns how many were
// deleted. Missing objects raced away by a concurrent deleter are counted as
// deleted.
func DeletePrefix(ctx context.Context, clt Client, prefix string) (int, error) {
	var keys []string
	if err := ForEachObject(ctx, clt, prefix, func(obj ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	}); err != nil {
		return 0, trace.Wrap(err)
	}
	for i, key := range keys {
		if err := clt.DeleteObject(ctx, key); err != nil && !trace.IsNotFound(err) {
			return i, trace.Wrap(err)
		}
	}
	return len(keys), nil
}

// Join assembles a key from parts, dropping empties. Parts are joined with
// "/" and never gain a leading separator, matching S3 key conventions.
func Join(parts ...string) string {
	filtered := parts[:0:0]
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			filtered = append(filtered, p)
		}
	}
	return strings.Join(filtered, "/")
}
