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
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

// keySuffix terminates every cache key. Values are JSON result
// envelopes, gzip-compressed above the configured threshold.
const keySuffix = ".json.gz"

// KeyFor derives the cache key for one resource call:
//
//	resource=<name>/action=<method>[/partition:<p>/<f>:<v>...][/<hash16>].json.gz
//
// where hash16 is the first 16 hex characters of the xxhash64 digest
// over the canonical JSON of the call parameters. Calls without
// parameters (count, getAll) omit the hash segment. Partition-scoped
// calls with incomplete partition values are not keyable and return a
// BadParameter error.
func KeyFor(r *resource.Resource, call *resource.Call) (string, error) {
	parts := []string{"resource=" + r.Name(), "action=" + string(call.Method)}

	if name := call.Options.Partition; name != "" {
		pairs, ok, err := r.PartitionValues(name, resource.Record(call.Options.PartitionValues))
		if err != nil {
			return "", trace.Wrap(err)
		}
		if !ok {
			return "", trace.BadParameter("partition %q values are incomplete", name)
		}
		parts = append(parts, partitionSegments(name, pairs)...)
	}

	params := keyParams(call)
	if len(params) > 0 {
		canonical, err := utils.CanonicalJSON(params)
		if err != nil {
			return "", trace.Wrap(err)
		}
		parts = append(parts, fmt.Sprintf("%016x", xxhash.Sum64(canonical)))
	}
	return strings.Join(parts, "/") + keySuffix, nil
}

// ResourcePrefix is the key prefix covering every cached entry of one
// resource.
func ResourcePrefix(name string) string {
	return "resource=" + name + "/"
}

// ActionPrefix is the key prefix covering one action of one resource.
func ActionPrefix(name string, method resource.Method) string {
	return ResourcePrefix(name) + "action=" + string(method) + "/"
}

// partitionSegments renders the partition path segments of a key.
// Values are path-escaped the same way the object-store layout
// escapes them, so user data cannot break the key structure.
func partitionSegments(name string, pairs []resource.PartitionValue) []string {
	segs := make([]string, 0, len(pairs)+1)
	segs = append(segs, "partition:"+name)
	for _, pair := range pairs {
		segs = append(segs, pair.Field+":"+url.PathEscape(pair.Value))
	}
	return segs
}

// keyParams returns the parameters that discriminate results of the
// method. Two calls with equal parameters are served from the same
// entry.
func keyParams(call *resource.Call) map[string]any {
	params := make(map[string]any)
	switch call.Method {
	case resource.MethodGet, resource.MethodExists, resource.MethodContent,
		resource.MethodHasContent, resource.MethodGetFromPartition:
		params["id"] = call.ID
	case resource.MethodGetMany:
		params["ids"] = call.IDs
	case resource.MethodPage:
		params["offset"] = call.Options.Offset
		params["size"] = call.Options.Size
	case resource.MethodQuery:
		params["filter"] = call.Filter
		if call.Options.Limit > 0 {
			params["limit"] = call.Options.Limit
		}
		if call.Options.Offset > 0 {
			params["offset"] = call.Options.Offset
		}
	case resource.MethodListIDs:
		if call.Options.Limit > 0 {
			params["limit"] = call.Options.Limit
		}
	}
	return params
}

// partitionOf extracts the partition path from a cache key, e.g.
// "byCountry/country:nl", or "" for unpartitioned keys. The
// partition-aware filesystem driver attributes usage with it.
func partitionOf(key string) string {
	key = strings.TrimSuffix(key, keySuffix)
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		name, ok := strings.CutPrefix(seg, "partition:")
		if !ok {
			continue
		}
		fields := segs[i+1:]
		// The trailing segment is the parameter hash unless it is a
		// field pair.
		if n := len(fields); n > 0 && !strings.Contains(fields[n-1], ":") {
			fields = fields[:n-1]
		}
		return strings.Join(append([]string{name}, fields...), "/")
	}
	return ""
}
