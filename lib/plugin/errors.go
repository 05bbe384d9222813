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

package plugin

import (
	"fmt"

	"github.com/gravitational/trace"
)

// OpError decorates a failure crossing an operator-facing boundary
// with the plugin and operation it came from, an HTTP-style status
// code, whether a retry can help, and a one-sentence remediation.
type OpError struct {
	PluginName string         `json:"pluginName"`
	Operation  string         `json:"operation"`
	StatusCode int            `json:"statusCode"`
	Retriable  bool           `json:"retriable"`
	Suggestion string         `json:"suggestion"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Err        error          `json:"-"`
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.PluginName, e.Operation, e.Err)
}

// Unwrap exposes the underlying error so trace predicates keep
// working through the decoration.
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError classifies err into an OpError. The caller may attach
// Metadata afterwards.
func NewOpError(pluginName, operation string, err error) *OpError {
	op := &OpError{
		PluginName: pluginName,
		Operation:  operation,
		StatusCode: trace.ErrorToCode(err),
		Err:        err,
	}
	switch {
	case trace.IsBadParameter(err):
		op.Suggestion = "Fix the rejected parameter in the plugin configuration."
	case trace.IsNotFound(err):
		op.Suggestion = "Verify the key or resource exists before operating on it."
	case trace.IsAlreadyExists(err):
		op.Suggestion = "Use a different id or update the existing record instead."
	case trace.IsLimitExceeded(err):
		op.Retriable = true
		op.Suggestion = "Back off and retry; a lock or pool is at capacity."
	case trace.IsConnectionProblem(err):
		op.Retriable = true
		op.Suggestion = "Retry; the object store did not respond."
	case trace.IsCompareFailed(err):
		op.Suggestion = "Ownership changed underneath the operation; re-acquire and retry."
	default:
		op.Suggestion = "Inspect the wrapped error; this failure is not classified."
	}
	return op
}
