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

// Package queue feeds messages from an external queue into resources.
// A Source supplies batches of messages; the consumer plugin decodes
// each one as a {resource, action, data} change envelope and applies it
// through the regular write path. Messages that fail to apply are not
// acknowledged, so the source's own redelivery policy governs retries
// and dead-lettering. Handling is at-least-once: envelopes should carry
// record ids so replays are no-ops.
package queue

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

// Message is one queue message.
type Message struct {
	// ID identifies the message within its source.
	ID string
	// Body is the raw payload.
	Body []byte
	// Attributes carries source-specific metadata.
	Attributes map[string]string

	// receipt is the deletion token of sources that need one beyond
	// the id.
	receipt string
}

// Source is a queue the consumer drains. Receive blocks up to the
// source's polling window and returns at most max messages; an empty
// batch is not an error. Delete acknowledges one message so it is not
// delivered again.
type Source interface {
	Receive(ctx context.Context, max int) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
}

// Change envelope actions.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// envelope is the wire form of one ingested change.
type envelope struct {
	Resource string          `json:"resource"`
	Action   string          `json:"action"`
	Data     resource.Record `json:"data"`
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := utils.FastUnmarshal(body, &env); err != nil {
		return nil, trace.BadParameter("message is not a change envelope: %v", err)
	}
	if env.Resource == "" {
		return nil, trace.BadParameter("envelope is missing the resource name")
	}
	switch env.Action {
	case ActionInsert, ActionUpdate, ActionDelete:
	default:
		return nil, trace.BadParameter("unknown envelope action %q", env.Action)
	}
	return &env, nil
}
