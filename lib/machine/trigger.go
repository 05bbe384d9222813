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
	"sort"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/bus"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
)

// temporalTick is the cron callback shared by cron, date and function
// triggers: scan entities residing in the owning state, gate each one,
// execute. Per-entity failures are logged and do not abort siblings.
func (p *Plugin) temporalTick(machineID, stateName, triggerName string) func(context.Context) {
	return func(ctx context.Context) {
		m, err := p.machine(machineID)
		if err != nil {
			return
		}
		tr := m.States[stateName].Triggers[triggerName]
		entities, err := p.entitiesInState(ctx, machineID, stateName)
		if err != nil {
			p.Logger().ErrorContext(ctx, "Trigger scan failed.",
				"machine", machineID, "state", stateName, "trigger", triggerName, "error", err)
			return
		}
		for _, rec := range entities {
			if ctx.Err() != nil {
				return
			}
			entityID, _ := rec[fieldEntityID].(string)
			if entityID == "" {
				continue
			}
			if tr.Type == TriggerDate {
				due, err := p.dateDue(ctx, m, tr, entityID, rec)
				if err != nil {
					p.Logger().WarnContext(ctx, "Date trigger field unreadable.",
						"machine", machineID, "entity", entityID, "trigger", triggerName, "error", err)
					continue
				}
				if !due {
					continue
				}
			}
			if err := p.executeTrigger(ctx, m, machineID, stateName, triggerName, tr, entityID, rec); err != nil {
				p.Logger().WarnContext(ctx, "Trigger execution failed.",
					"machine", machineID, "entity", entityID, "trigger", triggerName, "error", err)
			}
		}
	}
}

// dateDue reports whether the trigger's date field has passed. The
// field is read from the bound record when the machine is bound, from
// the entity's stored context otherwise; an absent field is not due.
func (p *Plugin) dateDue(ctx context.Context, m Machine, tr Trigger, entityID string, stateRec resource.Record) (bool, error) {
	source := asRecord(stateRec[fieldContext])
	if m.Resource != "" {
		db := p.Database()
		if db == nil {
			return false, trace.BadParameter("plugin %q is not installed", p.Slug())
		}
		bound, err := db.Resource(m.Resource)
		if err != nil {
			return false, trace.Wrap(err)
		}
		rec, err := bound.Get(ctx, entityID)
		if trace.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, trace.Wrap(err)
		}
		source = rec
	}
	raw, ok := source[tr.Field]
	if !ok || raw == nil {
		return false, nil
	}
	due, err := resource.CoerceTime(raw)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return !p.cfg.Clock.Now().Before(due), nil
}

// entitiesInState lists state rows of entities currently in the state,
// ordered by entity id.
func (p *Plugin) entitiesInState(ctx context.Context, machineID, stateName string) ([]resource.Record, error) {
	states := p.StateStore()
	if states == nil {
		return nil, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	recs, err := states.Query(ctx,
		resource.Record{fieldCurrentState: stateName},
		resource.WithPartition(partitionByMachine, map[string]any{fieldMachineID: machineID}),
		resource.WithSkipCache(),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(recs, func(i, j int) bool {
		ei, _ := recs[i][fieldEntityID].(string)
		ej, _ := recs[j][fieldEntityID].(string)
		return ei < ej
	})
	return recs, nil
}

// executeTrigger gates and runs one trigger for one entity: condition
// first, then the per-entity count cap. Capped triggers claim their
// slot before running, so two overlapping executions cannot both pass
// the gate; a failed run releases the slot. Crossing the cap sends
// OnMaxTriggersReached exactly once.
func (p *Plugin) executeTrigger(ctx context.Context, m Machine, machineID, stateName, triggerName string, tr Trigger, entityID string, stateRec resource.Record) error {
	tc := TriggerContext{
		MachineID: machineID,
		EntityID:  entityID,
		State:     stateName,
		Trigger:   triggerName,
		Context:   asRecord(stateRec[fieldContext]),
	}
	if m.Resource != "" {
		if db := p.Database(); db != nil {
			if bound, err := db.Resource(m.Resource); err == nil {
				if rec, err := bound.Get(ctx, entityID); err == nil {
					tc.Record = rec
				}
			}
		}
	}
	if tr.Condition != nil {
		ok, err := tr.Condition(ctx, tc)
		if err != nil {
			return trace.Wrap(err, "condition of trigger %q", triggerName)
		}
		if !ok {
			return nil
		}
	}
	var newCount int
	if tr.MaxTriggers > 0 {
		n, ok, err := p.reserveTriggerSlot(ctx, machineID, entityID, triggerName, tr.MaxTriggers)
		if err != nil {
			return trace.Wrap(err)
		}
		if !ok {
			return nil
		}
		newCount = n
	}

	if err := p.runTriggerBody(ctx, m, machineID, stateName, triggerName, tr, entityID, tc); err != nil {
		if tr.MaxTriggers > 0 {
			if rerr := p.releaseTriggerSlot(ctx, machineID, entityID, triggerName); rerr != nil {
				p.Logger().WarnContext(ctx, "Failed to release trigger slot.",
					"machine", machineID, "entity", entityID,
					"trigger", triggerName, "error", rerr)
			}
		}
		return trace.Wrap(err)
	}
	machineTriggerRuns.WithLabelValues(machineID, triggerName).Inc()

	if tr.MaxTriggers > 0 {
		if newCount == tr.MaxTriggers && tr.OnMaxTriggersReached != "" {
			if _, err := p.send(ctx, machineID, entityID, tr.OnMaxTriggersReached, nil); err != nil {
				p.Logger().WarnContext(ctx, "Max-triggers event failed.",
					"machine", machineID, "entity", entityID,
					"event", tr.OnMaxTriggersReached, "error", err)
			}
		}
		return nil
	}
	if _, err := p.bumpTriggerCount(ctx, machineID, entityID, triggerName); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// runTriggerBody performs the trigger's effects in order: action under
// the merged retry policy, emitted event, sent event, automatic
// transition.
func (p *Plugin) runTriggerBody(ctx context.Context, m Machine, machineID, stateName, triggerName string, tr Trigger, entityID string, tc TriggerContext) error {
	if tr.Action != nil {
		retry := mergeRetry(&p.cfg.Retry, m.Retry, m.States[stateName].Retry)
		if err := p.retry(ctx, retry, "trigger "+triggerName, func(ctx context.Context) error {
			return tr.Action(ctx, tc)
		}); err != nil {
			return trace.Wrap(err)
		}
	}
	if tr.EmitEvent != "" {
		p.EmitEvent(ctx, tr.EmitEvent, tc)
	}
	if tr.SendEvent != "" {
		if _, err := p.send(ctx, machineID, entityID, tr.SendEvent, tc.Context); err != nil {
			return trace.Wrap(err)
		}
	}
	if tr.TargetState != "" {
		if err := p.automaticTransition(ctx, m, machineID, entityID, stateName, tr.TargetState, triggerName); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// eventHandler adapts a bus event into trigger executions. The bus is
// synchronous, so the work runs on the worker pool; Quiesce awaits the
// completions.
func (p *Plugin) eventHandler(machineID, stateName, triggerName string, tr Trigger) bus.Handler {
	return func(ctx context.Context, ev bus.Event) {
		if !p.Started() {
			return
		}
		p.mu.Lock()
		pool := p.pool
		p.mu.Unlock()
		if pool == nil {
			return
		}
		// The emitter's context may end right after Emit returns.
		detached := context.WithoutCancel(ctx)
		p.pending.Add(1)
		task := pool.Submit(detached, func(taskCtx context.Context) error {
			return trace.Wrap(p.fireEventTrigger(taskCtx, machineID, stateName, triggerName, tr, ev))
		})
		go func() {
			defer p.pending.Done()
			if err := task.Wait(detached); err != nil {
				p.Logger().WarnContext(detached, "Event trigger failed.",
					"machine", machineID, "state", stateName,
					"trigger", triggerName, "event", ev.Name, "error", err)
			}
		}()
	}
}

// fireEventTrigger resolves the candidate entities of a bus event and
// executes the trigger for those still in the owning state. A change
// event of the bound resource names its entity directly; anything else
// falls back to scanning the state.
func (p *Plugin) fireEventTrigger(ctx context.Context, machineID, stateName, triggerName string, tr Trigger, ev bus.Event) error {
	m, err := p.machine(machineID)
	if err != nil {
		return trace.Wrap(err)
	}
	var candidates []string
	fromChange := false
	if ce, ok := ev.Payload.(resource.ChangeEvent); ok && m.Resource != "" && ce.Resource == m.Resource {
		fromChange = true
		if ce.ID != "" {
			candidates = append(candidates, ce.ID)
		}
		candidates = append(candidates, ce.IDs...)
	}
	if !fromChange {
		recs, err := p.entitiesInState(ctx, machineID, stateName)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, rec := range recs {
			if id, _ := rec[fieldEntityID].(string); id != "" {
				candidates = append(candidates, id)
			}
		}
	}

	var errs []error
	for _, entityID := range candidates {
		if tr.EventName != nil && tr.EventName(entityID) != ev.Name {
			continue
		}
		current, err := p.resolveState(ctx, m, machineID, entityID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if current != stateName {
			continue
		}
		stateRec, err := p.stateRow(ctx, machineID, entityID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.executeTrigger(ctx, m, machineID, stateName, triggerName, tr, entityID, stateRec); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}

// stateRow fetches the entity's state row; entities still in the
// initial state may have none, which reads as an empty row.
func (p *Plugin) stateRow(ctx context.Context, machineID, entityID string) (resource.Record, error) {
	states := p.StateStore()
	if states == nil {
		return nil, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	rec, err := states.Get(ctx, stateID(machineID, entityID), resource.WithSkipCache())
	if trace.IsNotFound(err) {
		return resource.Record{}, nil
	}
	return rec, trace.Wrap(err)
}

// bumpTriggerCount increments the entity's counter for the trigger in
// the state store. The read-modify-write cycle is serialized in
// process; entities without a state row get one in the machine's
// initial state.
func (p *Plugin) bumpTriggerCount(ctx context.Context, machineID, entityID, trigger string) (int, error) {
	p.countMu.Lock()
	defer p.countMu.Unlock()
	return p.adjustTriggerCountLocked(ctx, machineID, entityID, trigger, 1)
}

// reserveTriggerSlot claims one execution of a capped trigger. The
// check against the cap and the increment happen under one lock, so
// concurrent executions of the same trigger cannot both pass the
// gate. Returns false when the cap is already reached.
func (p *Plugin) reserveTriggerSlot(ctx context.Context, machineID, entityID, trigger string, max int) (int, bool, error) {
	p.countMu.Lock()
	defer p.countMu.Unlock()

	states := p.StateStore()
	if states == nil {
		return 0, false, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	rec, err := states.Get(ctx, stateID(machineID, entityID), resource.WithSkipCache())
	if err != nil && !trace.IsNotFound(err) {
		return 0, false, trace.Wrap(err)
	}
	if readTriggerCount(rec, trigger) >= max {
		return 0, false, nil
	}
	n, err := p.adjustTriggerCountLocked(ctx, machineID, entityID, trigger, 1)
	if err != nil {
		return 0, false, trace.Wrap(err)
	}
	return n, true, nil
}

// releaseTriggerSlot returns a reserved slot after a failed run, so
// the cap counts successful executions only.
func (p *Plugin) releaseTriggerSlot(ctx context.Context, machineID, entityID, trigger string) error {
	p.countMu.Lock()
	defer p.countMu.Unlock()
	_, err := p.adjustTriggerCountLocked(ctx, machineID, entityID, trigger, -1)
	return trace.Wrap(err)
}

// adjustTriggerCountLocked applies a delta to the entity's counter.
// Callers hold countMu. Entities without a state row get one in the
// machine's initial state; the counter never goes below zero.
func (p *Plugin) adjustTriggerCountLocked(ctx context.Context, machineID, entityID, trigger string, delta int) (int, error) {
	states := p.StateStore()
	if states == nil {
		return 0, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	key := stateID(machineID, entityID)
	rec, err := states.Get(ctx, key, resource.WithSkipCache())
	if trace.IsNotFound(err) {
		if delta <= 0 {
			return 0, nil
		}
		m, mErr := p.machine(machineID)
		if mErr != nil {
			return 0, trace.Wrap(mErr)
		}
		_, err := states.Insert(ctx, resource.Record{
			"id":               key,
			fieldMachineID:     machineID,
			fieldEntityID:      entityID,
			fieldCurrentState:  m.InitialState,
			fieldTriggerCounts: resource.Record{trigger: delta},
			fieldUpdatedAt:     utils.FormatTime(p.cfg.Clock.Now()),
		})
		return delta, trace.Wrap(err)
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}
	counts := asRecord(rec[fieldTriggerCounts])
	if counts == nil {
		counts = resource.Record{}
	}
	n := readTriggerCount(rec, trigger) + delta
	if n < 0 {
		n = 0
	}
	counts[trigger] = n
	_, err = states.Update(ctx, key, resource.Record{fieldTriggerCounts: counts})
	return n, trace.Wrap(err)
}

// readTriggerCount reads the entity's counter for the trigger from its
// state row.
func readTriggerCount(stateRec resource.Record, trigger string) int {
	counts := asRecord(stateRec[fieldTriggerCounts])
	if counts == nil {
		return 0
	}
	switch n := counts[trigger].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

// asRecord reads a nested record field, nil when absent or not a map.
func asRecord(v any) resource.Record {
	m, _ := v.(map[string]any)
	return m
}
