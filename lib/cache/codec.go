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
	"bytes"
	"io"

	"github.com/gravitational/trace"
	"github.com/klauspost/compress/gzip"

	"github.com/stratadb/strata/lib/utils"
)

// gzip magic bytes, used to detect compressed values on read.
var gzipMagic = []byte{0x1f, 0x8b}

// Encode marshals v to JSON and gzip-compresses the payload when it
// exceeds threshold bytes. A threshold <= 0 disables compression.
// Every driver stores the encoded form, so the in-memory byte caps
// account for compressed sizes.
func Encode(v any, threshold int) ([]byte, error) {
	data, err := utils.FastMarshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if threshold <= 0 || len(data) <= threshold {
		return data, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := zw.Close(); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf.Bytes(), nil
}

// Decode unmarshals an encoded value into out, transparently
// decompressing gzip payloads.
func Decode(data []byte, out any) error {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return trace.Wrap(err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return trace.Wrap(err)
		}
	}
	return trace.Wrap(utils.FastUnmarshal(data, out))
}
