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
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/stratadb/strata/lib/plugin"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

// Send drives the entity through event. At most one transition per
// entity runs at a time: the protocol holds a per-entity lock while it
// resolves the current state, checks the event is accepted, consults
// the guard, runs the exit action, appends to the transition log,
// upserts the entity state, runs the entry action and emits the
// transition event. A contended lock surfaces as a LimitExceeded
// error after LockTimeout.
func (p *Plugin) Send(ctx context.Context, machineID, entityID, event string, eventCtx resource.Record) (*Transition, error) {
	t, err := p.send(ctx, machineID, entityID, event, eventCtx)
	if err != nil {
		op := plugin.NewOpError(p.Slug(), "send", err)
		op.Metadata = map[string]any{
			"machine": machineID,
			"entity":  entityID,
			"event":   event,
		}
		return nil, op
	}
	return t, nil
}

func (p *Plugin) send(ctx context.Context, machineID, entityID, event string, eventCtx resource.Record) (*Transition, error) {
	m, err := p.machine(machineID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	unlock, err := p.lockEntity(ctx, machineID, entityID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer unlock()
	t, err := p.sendLocked(ctx, m, machineID, entityID, event, eventCtx)
	return t, trace.Wrap(err)
}

// lockEntity serializes transitions per entity. The returned release
// never fails the transition; release errors are only logged.
func (p *Plugin) lockEntity(ctx context.Context, machineID, entityID string) (func(), error) {
	storage, err := p.Storage()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	timeout := p.cfg.LockTimeout
	if timeout < 0 {
		timeout = 0
	}
	name := "transition-" + machineID + "-" + entityID
	lock, err := storage.AcquireLock(ctx, name, plugin.LockParams{
		TTL:     p.cfg.LockTTL,
		Timeout: timeout,
	})
	if err != nil {
		if trace.IsLimitExceeded(err) {
			return nil, trace.Wrap(err, "a transition is already in flight for entity %q of machine %q", entityID, machineID)
		}
		return nil, trace.Wrap(err)
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			p.Logger().WarnContext(ctx, "Failed to release transition lock.",
				"lock", name, "error", err)
		}
	}, nil
}

func (p *Plugin) sendLocked(ctx context.Context, m Machine, machineID, entityID, event string, eventCtx resource.Record) (*Transition, error) {
	from, err := p.resolveState(ctx, m, machineID, entityID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	state, ok := m.States[from]
	if !ok {
		return nil, trace.BadParameter("entity %q of machine %q is in undeclared state %q", entityID, machineID, from)
	}
	to, ok := state.On[event]
	if !ok {
		return nil, trace.BadParameter("state %q of machine %q does not accept event %q, valid events: %v",
			from, machineID, event, state.validEvents())
	}
	if guardName, guarded := state.Guards[event]; guarded {
		allowed, guardErr := m.Guards[guardName](ctx, GuardRequest{
			MachineID: machineID,
			EntityID:  entityID,
			Event:     event,
			Context:   eventCtx,
		})
		if guardErr != nil || !allowed {
			machineGuardBlocks.WithLabelValues(machineID, event).Inc()
			return nil, trace.Wrap(&GuardBlockedError{
				MachineID: machineID,
				EntityID:  entityID,
				Event:     event,
				Guard:     guardName,
				Err:       guardErr,
			})
		}
	}

	exists, stamp, err := p.beginTransition(ctx, machineID, entityID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t := Transition{
		MachineID: machineID,
		EntityID:  entityID,
		From:      from,
		To:        to,
		Event:     event,
		Context:   eventCtx,
		Timestamp: stamp,
	}
	exitRetry := mergeRetry(&p.cfg.Retry, m.Retry, state.Retry)
	if state.Exit != nil {
		if err := p.retry(ctx, exitRetry, "exit action of "+from, func(ctx context.Context) error {
			return state.Exit(ctx, t)
		}); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := p.commit(ctx, t, exists, exitRetry); err != nil {
		return nil, trace.Wrap(err)
	}
	target := m.States[to]
	if target.Entry != nil {
		entryRetry := mergeRetry(&p.cfg.Retry, m.Retry, target.Retry)
		if err := p.retry(ctx, entryRetry, "entry action of "+to, func(ctx context.Context) error {
			return target.Entry(ctx, t)
		}); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	machineTransitions.WithLabelValues(machineID, from, to).Inc()
	p.EmitEvent(ctx, EventTransition, t)
	return &t, nil
}

// beginTransition stamps the move. The stamp is strictly monotonic per
// entity: moves within one clock tick still order in the transition
// log and the state store, both of which reuse it. Callers hold the
// entity lock.
func (p *Plugin) beginTransition(ctx context.Context, machineID, entityID string) (exists bool, stamp string, err error) {
	states := p.StateStore()
	if states == nil {
		return false, "", trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	at := p.cfg.Clock.Now()
	row, err := states.Get(ctx, stateID(machineID, entityID), resource.WithSkipCache())
	if trace.IsNotFound(err) {
		return false, utils.FormatTime(at), nil
	}
	if err != nil {
		return false, "", trace.Wrap(err)
	}
	if prev, parseErr := resource.CoerceTime(row[fieldUpdatedAt]); parseErr == nil && !at.After(prev) {
		at = prev.Add(time.Millisecond)
	}
	return true, utils.FormatTime(at), nil
}

// commit appends the transition to the log and upserts the entity
// state. Both writes get the full retry budget without error
// classification.
func (p *Plugin) commit(ctx context.Context, t Transition, exists bool, retry RetryPolicy) error {
	transitions := p.TransitionLog()
	if transitions == nil {
		return trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	persist := retry.persistence()
	if err := p.retry(ctx, persist, "transition log append", func(ctx context.Context) error {
		_, err := transitions.Insert(ctx, resource.Record{
			fieldMachineID: t.MachineID,
			fieldEntityID:  t.EntityID,
			fieldFromState: t.From,
			fieldToState:   t.To,
			fieldEvent:     t.Event,
			fieldContext:   t.Context,
			fieldTimestamp: t.Timestamp,
		})
		return trace.Wrap(err)
	}); err != nil {
		return trace.Wrap(err)
	}
	if err := p.retry(ctx, persist, "entity state upsert", func(ctx context.Context) error {
		return p.upsertState(ctx, t, exists)
	}); err != nil {
		return trace.Wrap(err)
	}
	p.cache.Set(stateID(t.MachineID, t.EntityID), t.To, gocache.DefaultExpiration)
	return nil
}

// upsertState writes the entity's state row: update when the row was
// seen at stamping time, insert otherwise, falling back to update when
// the insert loses a race with InitializeEntity.
func (p *Plugin) upsertState(ctx context.Context, t Transition, exists bool) error {
	states := p.StateStore()
	if states == nil {
		return trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	key := stateID(t.MachineID, t.EntityID)
	changes := resource.Record{
		fieldCurrentState: t.To,
		fieldContext:      t.Context,
		fieldLastTransition: resource.Record{
			"from":  t.From,
			"to":    t.To,
			"event": t.Event,
			"at":    t.Timestamp,
		},
		fieldUpdatedAt: t.Timestamp,
	}
	if exists {
		_, err := states.Update(ctx, key, changes)
		return trace.Wrap(err)
	}
	row := resource.Record{
		"id":               key,
		fieldMachineID:     t.MachineID,
		fieldEntityID:      t.EntityID,
		fieldTriggerCounts: resource.Record{},
	}
	for field, value := range changes {
		row[field] = value
	}
	_, err := states.Insert(ctx, row)
	if trace.IsAlreadyExists(err) {
		_, err = states.Update(ctx, key, changes)
	}
	return trace.Wrap(err)
}

// automaticTransition moves the entity without an event mapping,
// guard or exit action, on behalf of a trigger. The move is skipped
// when the entity already left the owning state by the time the lock
// is held.
func (p *Plugin) automaticTransition(ctx context.Context, m Machine, machineID, entityID, from, to, triggerName string) error {
	unlock, err := p.lockEntity(ctx, machineID, entityID)
	if err != nil {
		return trace.Wrap(err)
	}
	defer unlock()

	current, err := p.resolveState(ctx, m, machineID, entityID)
	if err != nil {
		return trace.Wrap(err)
	}
	if current != from {
		return nil
	}
	exists, stamp, err := p.beginTransition(ctx, machineID, entityID)
	if err != nil {
		return trace.Wrap(err)
	}
	t := Transition{
		MachineID: machineID,
		EntityID:  entityID,
		From:      from,
		To:        to,
		Event:     "trigger:" + triggerName,
		Timestamp: stamp,
	}
	retry := mergeRetry(&p.cfg.Retry, m.Retry, m.States[from].Retry)
	if err := p.commit(ctx, t, exists, retry); err != nil {
		return trace.Wrap(err)
	}
	if m.Resource != "" {
		if err := p.syncBoundState(ctx, m, entityID, to); err != nil {
			p.Logger().WarnContext(ctx, "Failed to sync bound record state field.",
				"machine", machineID, "entity", entityID, "error", err)
		}
	}
	target := m.States[to]
	if target.Entry != nil {
		entryRetry := mergeRetry(&p.cfg.Retry, m.Retry, target.Retry)
		if err := p.retry(ctx, entryRetry, "entry action of "+to, func(ctx context.Context) error {
			return target.Entry(ctx, t)
		}); err != nil {
			return trace.Wrap(err)
		}
	}
	machineTransitions.WithLabelValues(machineID, from, to).Inc()
	p.EmitEvent(ctx, EventTransition, t)
	return nil
}

// syncBoundState mirrors the entity's new state into the bound
// record's state field. A missing record is not an error: entities may
// outlive their records.
func (p *Plugin) syncBoundState(ctx context.Context, m Machine, entityID, state string) error {
	db := p.Database()
	if db == nil {
		return trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	bound, err := db.Resource(m.Resource)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = bound.Update(ctx, entityID, resource.Record{m.StateField: state})
	if trace.IsNotFound(err) {
		return nil
	}
	return trace.Wrap(err)
}
