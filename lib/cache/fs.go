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
	"context"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
)

// FilesystemConfig configures the local-disk driver.
type FilesystemConfig struct {
	// Dir is the cache root directory, created if missing.
	Dir string
	// Logger emits structured logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FilesystemConfig) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Filesystem stores entries as files under a root directory, one file
// per key with key segments as subdirectories. Writes go through a
// temp file and rename, so readers never observe partial values.
type Filesystem struct {
	cfg FilesystemConfig
}

// NewFilesystem returns a filesystem driver rooted at cfg.Dir.
func NewFilesystem(cfg FilesystemConfig) (*Filesystem, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Filesystem{cfg: cfg}, nil
}

// Kind implements Driver.
func (f *Filesystem) Kind() DriverKind { return KindFilesystem }

// path maps a key to its file location. Each key segment is
// path-escaped so arbitrary keys cannot traverse outside the root.
func (f *Filesystem) path(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return filepath.Join(f.cfg.Dir, filepath.Join(segs...))
}

// keyFromRel recovers a key from a file path relative to the root.
func keyFromRel(rel string) (string, bool) {
	segs := strings.Split(filepath.ToSlash(rel), "/")
	for i, seg := range segs {
		unescaped, err := url.PathUnescape(seg)
		if err != nil {
			return "", false
		}
		segs[i] = unescaped
	}
	return strings.Join(segs, "/"), true
}

// Get implements Driver.
func (f *Filesystem) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("key %q is not cached", key)
		}
		return nil, trace.ConvertSystemError(err)
	}
	return data, nil
}

// Set implements Driver.
func (f *Filesystem) Set(_ context.Context, key string, value []byte) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := renameio.WriteFile(path, value, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Delete implements Driver.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// walk visits every stored entry. Dotfiles are skipped: rename temp
// files from in-flight writes live next to their targets.
func (f *Filesystem) walk(fn func(key, path string, entry fs.DirEntry) error) error {
	err := filepath.WalkDir(f.cfg.Dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return trace.ConvertSystemError(err)
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(f.cfg.Dir, path)
		if err != nil {
			return trace.Wrap(err)
		}
		key, ok := keyFromRel(rel)
		if !ok {
			return nil
		}
		return fn(key, path, entry)
	})
	return trace.Wrap(err)
}

// Clear implements Driver.
func (f *Filesystem) Clear(_ context.Context, prefix string) (int, error) {
	var matched []string
	err := f.walk(func(key, path string, _ fs.DirEntry) error {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, path)
		}
		return nil
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	removed := 0
	for _, path := range matched {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, trace.ConvertSystemError(err)
		}
		removed++
	}
	return removed, nil
}

// Keys implements Driver.
func (f *Filesystem) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := f.walk(func(key, _ string, _ fs.DirEntry) error {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements Driver.
func (f *Filesystem) Size(_ context.Context) (int, error) {
	count := 0
	err := f.walk(func(string, string, fs.DirEntry) error {
		count++
		return nil
	})
	return count, trace.Wrap(err)
}

// Close implements Driver.
func (f *Filesystem) Close() error { return nil }
