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

// Package utils holds shared helpers: retry strategies, canonical JSON
// serialization, prometheus registration and test logging.
package utils

import (
	"io"
	"log/slog"
	"os"

	"github.com/stratadb/strata"
)

// NewSlogLoggerForTests returns a logger that emits debug output when the
// debug env var is set and discards everything otherwise, keeping test output
// readable by default.
func NewSlogLoggerForTests() *slog.Logger {
	if os.Getenv(strata.DebugEnvVar) == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// InitLoggerForTests installs the test logger as the process default.
func InitLoggerForTests() {
	slog.SetDefault(NewSlogLoggerForTests())
}
