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

// Package machine runs finite state machines over records. Each machine
// declares its states, the events moving entities between them, guards
// vetoing moves, and entry/exit actions. Per-entity state lives in an
// internal resource, every move is appended to a transition log, and
// conflicting moves are serialized by a per-entity lock.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gravitational/trace"

	"github.com/stratadb/strata/lib/resource"
)

// ActionFunc runs on state entry or exit. The transition describes the
// move being made; failures are retried per the effective retry policy.
type ActionFunc func(ctx context.Context, t Transition) error

// GuardFunc decides whether a transition may proceed. Returning false
// or an error blocks the move.
type GuardFunc func(ctx context.Context, req GuardRequest) (bool, error)

// GuardRequest carries what a guard needs to decide.
type GuardRequest struct {
	// MachineID is the machine the entity belongs to.
	MachineID string
	// EntityID identifies the entity being moved.
	EntityID string
	// Event is the event driving the transition.
	Event string
	// Context is the caller-supplied transition context.
	Context resource.Record
}

// Transition describes one state change. It is returned from Send,
// appended to the transition log and emitted on the event bus.
type Transition struct {
	// MachineID is the machine the entity belongs to.
	MachineID string `json:"machineId"`
	// EntityID identifies the moved entity.
	EntityID string `json:"entityId"`
	// From is the state the entity left.
	From string `json:"fromState"`
	// To is the state the entity entered.
	To string `json:"toState"`
	// Event is the event that drove the move. Automatic moves made by
	// triggers record "trigger:<name>".
	Event string `json:"event"`
	// Context is the caller-supplied transition context.
	Context resource.Record `json:"context,omitempty"`
	// Timestamp is when the move was recorded, RFC3339 with
	// millisecond precision.
	Timestamp string `json:"timestamp"`
}

// Machine declares one state machine.
type Machine struct {
	// InitialState is where entities without recorded state start.
	InitialState string
	// States maps state names to their definitions.
	States map[string]State
	// Guards maps guard names referenced by states to functions.
	Guards map[string]GuardFunc
	// Resource optionally binds the machine to a resource whose
	// records are the entities. Required for date triggers reading
	// record fields and for keeping StateField in sync.
	Resource string
	// StateField is the bound record field mirroring the entity state
	// on automatic transitions. Defaults to "state" when Resource is
	// set.
	StateField string
	// Retry overrides the engine retry policy for this machine.
	Retry *RetryPolicy
}

// State declares one state of a machine.
type State struct {
	// On maps accepted events to target states.
	On map[string]string
	// Guards maps events to the name of the guard vetting them.
	Guards map[string]string
	// Entry runs after an entity enters this state.
	Entry ActionFunc
	// Exit runs before an entity leaves this state.
	Exit ActionFunc
	// Final marks a terminal state. Final states accept no events and
	// declare no triggers.
	Final bool
	// Triggers fire while an entity resides in this state.
	Triggers map[string]Trigger
	// Retry overrides the machine retry policy for this state's
	// actions and triggers.
	Retry *RetryPolicy
}

// TriggerType selects how a trigger fires.
type TriggerType string

const (
	// TriggerCron fires on a cron schedule for every entity in the
	// state.
	TriggerCron TriggerType = "cron"
	// TriggerDate polls and fires once the entity's date field is due.
	TriggerDate TriggerType = "date"
	// TriggerFunction polls and fires while its condition holds.
	TriggerFunction TriggerType = "function"
	// TriggerEvent fires on matching bus events.
	TriggerEvent TriggerType = "event"
)

// TriggerContext is handed to trigger conditions and actions. It is
// also the payload of events a trigger emits.
type TriggerContext struct {
	// MachineID is the machine the entity belongs to.
	MachineID string `json:"machineId"`
	// EntityID identifies the entity the trigger fired for.
	EntityID string `json:"entityId"`
	// State is the state owning the trigger.
	State string `json:"state"`
	// Trigger is the trigger name.
	Trigger string `json:"trigger"`
	// Context is the entity's stored transition context.
	Context resource.Record `json:"context,omitempty"`
	// Record is the bound resource record, when the machine is bound.
	Record resource.Record `json:"record,omitempty"`
}

// ConditionFunc gates trigger execution.
type ConditionFunc func(ctx context.Context, tc TriggerContext) (bool, error)

// TriggerFunc is a trigger's action.
type TriggerFunc func(ctx context.Context, tc TriggerContext) error

// Trigger fires work for entities residing in a state. Exactly one of
// the effect fields (Action, EmitEvent, SendEvent, TargetState) is
// usually set, but they compose: action first, then event emission,
// then the machine event or automatic move.
type Trigger struct {
	// Type selects the trigger family.
	Type TriggerType
	// Cron is the schedule of cron triggers.
	Cron string
	// Schedule is the polling cadence of date and function triggers,
	// a cron expression. Defaults to every minute.
	Schedule string
	// Field is the record field date triggers compare against the
	// current time. Read from the bound resource record when the
	// machine is bound, from the entity context otherwise.
	Field string
	// Event is the exact bus event name event triggers fire on.
	Event string
	// EventPattern is the bus subscription pattern for event triggers
	// with dynamic names. Requires EventName.
	EventPattern string
	// EventName derives the per-entity event name an incoming event
	// must equal. Used with EventPattern.
	EventName func(entityID string) string
	// Condition gates execution. Required for function triggers,
	// optional elsewhere.
	Condition ConditionFunc
	// Action runs when the trigger fires.
	Action TriggerFunc
	// EmitEvent, when set, emits this plugin event after the action.
	EmitEvent string
	// SendEvent, when set, sends this machine event to the entity.
	SendEvent string
	// TargetState, when set, moves the entity there directly, without
	// an event mapping or guard.
	TargetState string
	// MaxTriggers caps how many times the trigger fires per entity.
	// Zero means unlimited.
	MaxTriggers int
	// OnMaxTriggersReached is a machine event sent exactly once when
	// the cap is reached. Requires MaxTriggers.
	OnMaxTriggersReached string
}

// GuardBlockedError reports a transition stopped by its guard, either
// because the guard declined or because it failed.
type GuardBlockedError struct {
	// MachineID is the machine the entity belongs to.
	MachineID string
	// EntityID identifies the blocked entity.
	EntityID string
	// Event is the event the guard vetted.
	Event string
	// Guard is the guard name.
	Guard string
	// Err is the guard's own error, nil when it merely declined.
	Err error
}

// Error implements the error interface.
func (e *GuardBlockedError) Error() string {
	msg := fmt.Sprintf("guard %q blocked event %q for entity %q of machine %q",
		e.Guard, e.Event, e.EntityID, e.MachineID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the guard's own error, if any.
func (e *GuardBlockedError) Unwrap() error { return e.Err }

// IsGuardBlocked reports whether err, however wrapped, is a guard
// rejection.
func IsGuardBlocked(err error) bool {
	var guardErr *GuardBlockedError
	return errors.As(err, &guardErr)
}

// checkAndSetDefaults validates the machine definition and fills
// defaults. id is the machine's key in the engine configuration.
func (m *Machine) checkAndSetDefaults(id string) error {
	if id == "" {
		return trace.BadParameter("machine id is required")
	}
	if strings.Contains(id, "_") {
		return trace.BadParameter("machine %q: id must not contain underscores", id)
	}
	if len(m.States) == 0 {
		return trace.BadParameter("machine %q: at least one state is required", id)
	}
	if m.InitialState == "" {
		return trace.BadParameter("machine %q: InitialState is required", id)
	}
	if _, ok := m.States[m.InitialState]; !ok {
		return trace.BadParameter("machine %q: initial state %q is not declared", id, m.InitialState)
	}
	if m.Resource == "" && m.StateField != "" {
		return trace.BadParameter("machine %q: StateField requires Resource", id)
	}
	if m.Resource != "" && m.StateField == "" {
		m.StateField = "state"
	}
	if m.Retry != nil {
		if err := m.Retry.check(); err != nil {
			return trace.Wrap(err, "machine %q", id)
		}
	}
	for name, state := range m.States {
		if err := m.checkState(id, name, &state); err != nil {
			return trace.Wrap(err)
		}
		m.States[name] = state
	}
	return nil
}

func (m *Machine) checkState(id, name string, s *State) error {
	if s.Final && (len(s.On) > 0 || len(s.Triggers) > 0) {
		return trace.BadParameter("machine %q: final state %q must not declare events or triggers", id, name)
	}
	for event, target := range s.On {
		if event == "" {
			return trace.BadParameter("machine %q: state %q declares an empty event", id, name)
		}
		if _, ok := m.States[target]; !ok {
			return trace.BadParameter("machine %q: state %q maps event %q to undeclared state %q", id, name, event, target)
		}
	}
	for event, guard := range s.Guards {
		if _, ok := s.On[event]; !ok {
			return trace.BadParameter("machine %q: state %q guards event %q it does not accept", id, name, event)
		}
		if _, ok := m.Guards[guard]; !ok {
			return trace.BadParameter("machine %q: state %q references undeclared guard %q", id, name, guard)
		}
	}
	if s.Retry != nil {
		if err := s.Retry.check(); err != nil {
			return trace.Wrap(err, "machine %q state %q", id, name)
		}
	}
	for tname, tr := range s.Triggers {
		if err := m.checkTrigger(id, name, tname, &tr); err != nil {
			return trace.Wrap(err)
		}
		s.Triggers[tname] = tr
	}
	return nil
}

func (m *Machine) checkTrigger(id, state, name string, tr *Trigger) error {
	if name == "" {
		return trace.BadParameter("machine %q: state %q declares an unnamed trigger", id, state)
	}
	switch tr.Type {
	case TriggerCron:
		if tr.Cron == "" {
			return trace.BadParameter("machine %q: cron trigger %q requires a Cron expression", id, name)
		}
	case TriggerDate:
		if tr.Field == "" {
			return trace.BadParameter("machine %q: date trigger %q requires Field", id, name)
		}
		if tr.Schedule == "" {
			tr.Schedule = defaultPollSchedule
		}
	case TriggerFunction:
		if tr.Condition == nil {
			return trace.BadParameter("machine %q: function trigger %q requires Condition", id, name)
		}
		if tr.Schedule == "" {
			tr.Schedule = defaultPollSchedule
		}
	case TriggerEvent:
		if tr.Event == "" && tr.EventPattern == "" {
			return trace.BadParameter("machine %q: event trigger %q requires Event or EventPattern", id, name)
		}
		if tr.EventPattern != "" && tr.EventName == nil {
			return trace.BadParameter("machine %q: event trigger %q with EventPattern requires EventName", id, name)
		}
		pattern := tr.Event
		if tr.EventPattern != "" {
			pattern = tr.EventPattern
		}
		if !strings.Contains(pattern, ":") {
			return trace.BadParameter("machine %q: event trigger %q pattern %q must be namespaced like \"resource:method\"", id, name, pattern)
		}
	default:
		return trace.BadParameter("machine %q: trigger %q has unknown type %q", id, name, tr.Type)
	}
	if tr.TargetState != "" {
		if _, ok := m.States[tr.TargetState]; !ok {
			return trace.BadParameter("machine %q: trigger %q targets undeclared state %q", id, name, tr.TargetState)
		}
	}
	if tr.MaxTriggers < 0 {
		return trace.BadParameter("machine %q: trigger %q MaxTriggers must not be negative", id, name)
	}
	if tr.OnMaxTriggersReached != "" && tr.MaxTriggers == 0 {
		return trace.BadParameter("machine %q: trigger %q OnMaxTriggersReached requires MaxTriggers", id, name)
	}
	return nil
}

// validEvents returns the sorted events a state accepts.
func (s State) validEvents() []string {
	events := make([]string, 0, len(s.On))
	for event := range s.On {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// stateID is the entity's key in the state store.
func stateID(machineID, entityID string) string {
	return machineID + "_" + entityID
}
