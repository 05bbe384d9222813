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
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratadb/strata/lib/database"
	"github.com/stratadb/strata/lib/plugin"
	"github.com/stratadb/strata/lib/resource"
	"github.com/stratadb/strata/lib/utils"
	"github.com/stratadb/strata/lib/workpool"
)

// EventTransition reports a committed transition, scoped as
// plg:state-machine:transition. The payload is the Transition.
const EventTransition = "transition"

// State store and transition log fields.
const (
	fieldMachineID      = "machineId"
	fieldEntityID       = "entityId"
	fieldCurrentState   = "currentState"
	fieldContext        = "context"
	fieldLastTransition = "lastTransition"
	fieldTriggerCounts  = "triggerCounts"
	fieldUpdatedAt      = "updatedAt"
	fieldFromState      = "fromState"
	fieldToState        = "toState"
	fieldEvent          = "event"
	fieldTimestamp      = "timestamp"
)

// partitionByMachine clusters both stores by machine so per-machine
// scans touch one prefix.
const partitionByMachine = "byMachine"

// partitionByDate clusters the transition log by day for audits.
const partitionByDate = "byDate"

var (
	machineTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machine_transitions_total",
			Help: "Number of committed state machine transitions.",
		},
		[]string{"machine", "from", "to"},
	)
	machineGuardBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machine_guard_blocks_total",
			Help: "Number of transitions vetoed by guards.",
		},
		[]string{"machine", "event"},
	)
	machineTriggerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "machine_trigger_runs_total",
			Help: "Number of state machine trigger executions.",
		},
		[]string{"machine", "trigger"},
	)
)

// Plugin is the state machine engine.
type Plugin struct {
	*plugin.Base
	cfg Config

	mu          sync.Mutex
	states      *resource.Resource
	transitions *resource.Resource
	pool        *workpool.Pool
	ownPool     bool

	// cache keeps entity states hot; drops on transition write.
	cache *gocache.Cache
	// pending counts event trigger executions in flight, for Quiesce.
	pending sync.WaitGroup
	// countMu serializes trigger count read-modify-write cycles.
	countMu sync.Mutex
}

// New returns a state machine plugin ready to be installed.
func New(cfg Config) (*Plugin, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(machineTransitions, machineGuardBlocks, machineTriggerRuns); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Plugin{
		cfg:   cfg,
		cache: gocache.New(cfg.StateCacheTTL, 2*cfg.StateCacheTTL),
	}
	base, err := plugin.NewBase(plugin.BaseConfig{
		Name:        "StateMachinePlugin",
		Namespace:   cfg.Namespace,
		OnInstall:   p.onInstall,
		OnStart:     p.onStart,
		OnStop:      p.onStop,
		OnUninstall: p.onUninstall,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.Base = base
	return p, nil
}

func (p *Plugin) statesName() string      { return p.ResolveName("entity_states") }
func (p *Plugin) transitionsName() string { return p.ResolveName("state_transitions") }

// StateStore returns the entity state resource, nil before install.
func (p *Plugin) StateStore() *resource.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states
}

// TransitionLog returns the transition log resource, nil before
// install.
func (p *Plugin) TransitionLog() *resource.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitions
}

func (p *Plugin) onInstall(ctx context.Context, db *database.Database) error {
	states, err := db.CreateResource(ctx, database.ResourceConfig{
		Name: p.statesName(),
		Schema: resource.Schema{
			Partitions: map[string]resource.Partition{
				partitionByMachine: {Fields: map[string]string{fieldMachineID: "identity"}},
			},
			CreatedBy: p.Slug(),
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	transitions, err := db.CreateResource(ctx, database.ResourceConfig{
		Name: p.transitionsName(),
		Schema: resource.Schema{
			Partitions: map[string]resource.Partition{
				partitionByMachine: {Fields: map[string]string{fieldMachineID: "identity"}},
				partitionByDate:    {Fields: map[string]string{fieldTimestamp: "date:" + time.DateOnly}},
			},
			CreatedBy: p.Slug(),
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	p.mu.Lock()
	p.states, p.transitions = states, transitions
	p.mu.Unlock()

	for _, id := range p.machineIDs() {
		m := p.cfg.Machines[id]
		if m.Resource != "" && !db.HasResource(m.Resource) {
			return trace.NotFound("machine %q is bound to resource %q which does not exist", id, m.Resource)
		}
		for _, sname := range stateNames(m) {
			s := m.States[sname]
			for _, tname := range triggerNames(s) {
				tr := s.Triggers[tname]
				if tr.Type != TriggerEvent {
					continue
				}
				pattern := tr.Event
				if tr.EventPattern != "" {
					pattern = tr.EventPattern
				}
				parts := strings.SplitN(pattern, ":", 2)
				handler := p.eventHandler(id, sname, tname, tr)
				if err := p.AddHook(parts[0], parts[1], handler); err != nil {
					return trace.Wrap(err)
				}
			}
		}
	}
	return nil
}

func (p *Plugin) onStart(ctx context.Context) error {
	pool, ownPool := p.cfg.Pool, false
	if pool == nil {
		var err error
		pool, err = workpool.NewPool(workpool.Config{
			Workers: p.cfg.Workers,
			Logger:  p.Logger(),
		})
		if err != nil {
			return trace.Wrap(err)
		}
		ownPool = true
	}
	p.mu.Lock()
	p.pool, p.ownPool = pool, ownPool
	p.mu.Unlock()

	for _, id := range p.machineIDs() {
		m := p.cfg.Machines[id]
		for _, sname := range stateNames(m) {
			s := m.States[sname]
			for _, tname := range triggerNames(s) {
				tr := s.Triggers[tname]
				var expr string
				switch tr.Type {
				case TriggerCron:
					expr = tr.Cron
				case TriggerDate, TriggerFunction:
					expr = tr.Schedule
				default:
					continue
				}
				cronID := "trigger-" + id + "-" + sname + "-" + tname
				if err := p.ScheduleCron(expr, p.temporalTick(id, sname, tname), cronID); err != nil {
					return trace.Wrap(err)
				}
			}
		}
	}
	return nil
}

func (p *Plugin) onStop(ctx context.Context) error {
	p.mu.Lock()
	pool, ownPool := p.pool, p.ownPool
	p.pool, p.ownPool = nil, false
	p.mu.Unlock()
	if ownPool && pool != nil {
		pool.Close()
	}
	return nil
}

func (p *Plugin) onUninstall(ctx context.Context, opts plugin.UninstallOptions) error {
	p.cache.Flush()
	if !opts.PurgeData {
		return nil
	}
	db := p.Database()
	for _, name := range []string{p.statesName(), p.transitionsName()} {
		if err := db.RemoveResource(ctx, name, true); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

// machine returns the definition for id.
func (p *Plugin) machine(id string) (Machine, error) {
	m, ok := p.cfg.Machines[id]
	if !ok {
		return Machine{}, trace.NotFound("machine %q is not registered", id)
	}
	return m, nil
}

func (p *Plugin) machineIDs() []string {
	ids := make([]string, 0, len(p.cfg.Machines))
	for id := range p.cfg.Machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func stateNames(m Machine) []string {
	names := make([]string, 0, len(m.States))
	for name := range m.States {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func triggerNames(s State) []string {
	names := make([]string, 0, len(s.Triggers))
	for name := range s.Triggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveState returns the entity's current state: the in-process
// cache first, the state store next, the machine's initial state when
// the entity has none recorded.
func (p *Plugin) resolveState(ctx context.Context, m Machine, machineID, entityID string) (string, error) {
	key := stateID(machineID, entityID)
	if cached, ok := p.cache.Get(key); ok {
		return cached.(string), nil
	}
	states := p.StateStore()
	if states == nil {
		return "", trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	rec, err := states.Get(ctx, key, resource.WithSkipCache())
	if trace.IsNotFound(err) {
		return m.InitialState, nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	current, _ := rec[fieldCurrentState].(string)
	if current == "" {
		return m.InitialState, nil
	}
	p.cache.Set(key, current, gocache.DefaultExpiration)
	return current, nil
}

// GetState returns the entity's current state. Entities never moved
// report the machine's initial state.
func (p *Plugin) GetState(ctx context.Context, machineID, entityID string) (string, error) {
	m, err := p.machine(machineID)
	if err != nil {
		return "", trace.Wrap(err)
	}
	state, err := p.resolveState(ctx, m, machineID, entityID)
	return state, trace.Wrap(err)
}

// CanTransition reports whether the entity's current state accepts the
// event. Guards are not consulted.
func (p *Plugin) CanTransition(ctx context.Context, machineID, entityID, event string) (bool, error) {
	m, err := p.machine(machineID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	current, err := p.resolveState(ctx, m, machineID, entityID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	_, ok := m.States[current].On[event]
	return ok, nil
}

// GetValidEvents returns the sorted events the entity's current state
// accepts.
func (p *Plugin) GetValidEvents(ctx context.Context, machineID, entityID string) ([]string, error) {
	m, err := p.machine(machineID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	current, err := p.resolveState(ctx, m, machineID, entityID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return m.States[current].validEvents(), nil
}

// InitializeEntity records the entity in the machine's initial state
// without a transition. Initializing an already tracked entity returns
// its existing state record.
func (p *Plugin) InitializeEntity(ctx context.Context, machineID, entityID string, entityCtx resource.Record) (resource.Record, error) {
	m, err := p.machine(machineID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	states := p.StateStore()
	if states == nil {
		return nil, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	key := stateID(machineID, entityID)
	existing, err := states.Get(ctx, key, resource.WithSkipCache())
	if err == nil {
		return existing, nil
	}
	if !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	rec, err := states.Insert(ctx, resource.Record{
		"id":               key,
		fieldMachineID:     machineID,
		fieldEntityID:      entityID,
		fieldCurrentState:  m.InitialState,
		fieldContext:       entityCtx,
		fieldTriggerCounts: resource.Record{},
		fieldUpdatedAt:     utils.FormatTime(p.cfg.Clock.Now()),
	})
	if trace.IsAlreadyExists(err) {
		existing, getErr := states.Get(ctx, key, resource.WithSkipCache())
		return existing, trace.Wrap(getErr)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.cache.Set(key, m.InitialState, gocache.DefaultExpiration)
	return rec, nil
}

// GetTransitionHistory returns the entity's transitions, newest first.
// limit <= 0 returns all of them.
func (p *Plugin) GetTransitionHistory(ctx context.Context, machineID, entityID string, limit int) ([]resource.Record, error) {
	if _, err := p.machine(machineID); err != nil {
		return nil, trace.Wrap(err)
	}
	transitions := p.TransitionLog()
	if transitions == nil {
		return nil, trace.BadParameter("plugin %q is not installed", p.Slug())
	}
	recs, err := transitions.Query(ctx,
		resource.Record{fieldMachineID: machineID, fieldEntityID: entityID},
		resource.WithPartition(partitionByMachine, map[string]any{fieldMachineID: machineID}),
		resource.WithSkipCache(),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(recs, func(i, j int) bool {
		ti, _ := recs[i][fieldTimestamp].(string)
		tj, _ := recs[j][fieldTimestamp].(string)
		if ti != tj {
			return ti > tj
		}
		si, _ := recs[i]["id"].(string)
		sj, _ := recs[j]["id"].(string)
		return si > sj
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Quiesce waits until no event trigger executions are in flight.
// timeout <= 0 waits on ctx alone.
func (p *Plugin) Quiesce(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(done)
	}()
	var expired <-chan time.Time
	if timeout > 0 {
		expired = p.cfg.Clock.After(timeout)
	}
	select {
	case <-done:
		return nil
	case <-expired:
		return trace.LimitExceeded("event triggers still running after %v", timeout)
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}
