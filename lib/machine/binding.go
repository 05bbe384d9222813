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

package machine

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/resource"
)

// Binding is the machine API scoped to a bound resource: entity ids
// are record ids of that resource. Automatic transitions made by
// triggers keep the record's state field in sync; transitions made
// through Send do not touch the record.
type Binding struct {
	p         *Plugin
	machineID string
	resource  string
}

// Binding returns the bound-resource API for machineID. The machine
// must declare a Resource.
func (p *Plugin) Binding(machineID string) (*Binding, error) {
	m, err := p.machine(machineID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if m.Resource == "" {
		return nil, trace.BadParameter("machine %q is not bound to a resource", machineID)
	}
	return &Binding{p: p, machineID: machineID, resource: m.Resource}, nil
}

// MachineID returns the bound machine id.
func (b *Binding) MachineID() string { return b.machineID }

// Resource returns the bound resource name.
func (b *Binding) Resource() string { return b.resource }

// Send drives the record through event.
func (b *Binding) Send(ctx context.Context, recordID, event string, eventCtx resource.Record) (*Transition, error) {
	t, err := b.p.Send(ctx, b.machineID, recordID, event, eventCtx)
	return t, trace.Wrap(err)
}

// GetState returns the record's current state.
func (b *Binding) GetState(ctx context.Context, recordID string) (string, error) {
	state, err := b.p.GetState(ctx, b.machineID, recordID)
	return state, trace.Wrap(err)
}

// CanTransition reports whether the record's current state accepts the
// event.
func (b *Binding) CanTransition(ctx context.Context, recordID, event string) (bool, error) {
	ok, err := b.p.CanTransition(ctx, b.machineID, recordID, event)
	return ok, trace.Wrap(err)
}

// GetValidEvents returns the events the record's current state
// accepts.
func (b *Binding) GetValidEvents(ctx context.Context, recordID string) ([]string, error) {
	events, err := b.p.GetValidEvents(ctx, b.machineID, recordID)
	return events, trace.Wrap(err)
}

// InitializeEntity records the record in the machine's initial state.
func (b *Binding) InitializeEntity(ctx context.Context, recordID string, entityCtx resource.Record) (resource.Record, error) {
	rec, err := b.p.InitializeEntity(ctx, b.machineID, recordID, entityCtx)
	return rec, trace.Wrap(err)
}

// GetTransitionHistory returns the record's transitions, newest first.
func (b *Binding) GetTransitionHistory(ctx context.Context, recordID string, limit int) ([]resource.Record, error) {
	recs, err := b.p.GetTransitionHistory(ctx, b.machineID, recordID, limit)
	return recs, trace.Wrap(err)
}
