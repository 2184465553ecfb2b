// Package scheduler implements the per-module execution state machine:
// Idle -> Prepared -> Computing -> Reducing -> Finished -> Idle, driven by
// EXECUTE/EXECUTIONPROGRESS messages and gated by the module's
// scheduling and reduce policies. Structured as a mutex-guarded map of live
// entities (here, modules) each owning a small per-entity struct with its
// own mutex for fine-grained state transitions.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/vistle-go/vistle/internal/message"
)

// State is one point in a module's execution lifecycle.
type State int

const (
	Idle State = iota
	Prepared
	Computing
	Reducing
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prepared:
		return "prepared"
	case Computing:
		return "computing"
	case Reducing:
		return "reducing"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Module is one module's execution state, with the policies last set via
// SetPolicies. The reduce policy is not pinned at Prepare time: a
// SetPolicies call mid-pipeline takes effect immediately, including for
// the ReadyForReduce checks of the run already in progress.
type Module struct {
	mu sync.Mutex

	id    int
	state State

	schedulingPolicy message.SchedulingPolicyKind
	reducePolicy     message.ReducePolicyKind

	ranksStarted  map[int]struct{}
	ranksFinished map[int]struct{}
	rankCount     int
}

// Scheduler owns the execution state for every module in a cluster manager.
type Scheduler struct {
	mu      sync.Mutex
	modules map[int]*Module
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{modules: make(map[int]*Module)}
}

// Register adds moduleID to the scheduler in state Idle, tracked across
// rankCount ranks. Calling Register again for an already-tracked module ID
// resets it — used when a module is respawned with the same ID is never
// expected in this design (IDs are not reused within a session) but keeps
// Register idempotent for tests.
func (s *Scheduler) Register(moduleID, rankCount int) *Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &Module{
		id:        moduleID,
		state:     Idle,
		rankCount: rankCount,
	}
	s.modules[moduleID] = m
	return m
}

// Unregister drops a module's execution state, e.g. on ModuleExit.
func (s *Scheduler) Unregister(moduleID int) {
	s.mu.Lock()
	delete(s.modules, moduleID)
	s.mu.Unlock()
}

// Get returns the tracked execution state for moduleID, or nil if unknown.
func (s *Scheduler) Get(moduleID int) *Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modules[moduleID]
}

// SetPolicies sets the module's scheduling and reduce policy, in effect
// from the moment it returns, whatever the current state; called when
// the corresponding SCHEDULINGPOLICY/REDUCEPOLICY messages are observed.
func (m *Module) SetPolicies(sched message.SchedulingPolicyKind, reduce message.ReducePolicyKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedulingPolicy = sched
	m.reducePolicy = reduce
}

// State returns the module's current execution state.
func (m *Module) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Prepare transitions Idle (or Finished) -> Prepared and resets the per-rank
// start/finish sets. It leaves the policies as they are.
func (m *Module) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle && m.state != Finished {
		return fmt.Errorf("scheduler: module %d: Prepare from state %s", m.id, m.state)
	}
	m.state = Prepared
	m.ranksStarted = make(map[int]struct{})
	m.ranksFinished = make(map[int]struct{})
	return nil
}

// StartExecute transitions Prepared -> Computing once the module's
// scheduling policy releases it (callers are expected to have already
// checked portmanager.ModuleInputsSatisfied / the scheduling-policy gang
// condition before calling this).
func (m *Module) StartExecute() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Prepared {
		return fmt.Errorf("scheduler: module %d: StartExecute from state %s", m.id, m.state)
	}
	m.state = Computing
	return nil
}

// NoteRankStarted records ExecutionProgress(Start) from one rank.
// AllRanksStarted reports whether every rank has now started, which the
// Gang/LazyGang scheduling policies use to gate a collective step.
func (m *Module) NoteRankStarted(rank int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ranksStarted == nil {
		m.ranksStarted = make(map[int]struct{})
	}
	m.ranksStarted[rank] = struct{}{}
}

func (m *Module) AllRanksStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ranksStarted) >= m.rankCount
}

// NoteRankFinished records ExecutionProgress(Finish) from one rank.
func (m *Module) NoteRankFinished(rank int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ranksFinished == nil {
		m.ranksFinished = make(map[int]struct{})
	}
	m.ranksFinished[rank] = struct{}{}
}

func (m *Module) AllRanksFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ranksFinished) >= m.rankCount
}

// ReadyForReduce reports whether the module's pinned reduce policy permits
// moving to Reducing right now. ReduceLocally never waits on the other
// ranks; the ordered/per-timestep policies require every rank to have
// finished computing first.
func (m *Module) ReadyForReduce() bool {
	m.mu.Lock()
	policy := m.reducePolicy
	m.mu.Unlock()

	switch policy {
	case message.ReduceNever:
		return false
	case message.ReduceLocally:
		return true
	default:
		return m.AllRanksFinished()
	}
}

// StartReduce transitions Computing -> Reducing.
func (m *Module) StartReduce() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Computing {
		return fmt.Errorf("scheduler: module %d: StartReduce from state %s", m.id, m.state)
	}
	m.state = Reducing
	return nil
}

// Finish transitions Computing or Reducing -> Finished. A module whose
// reduce policy is ReduceNever goes straight from Computing to Finished.
func (m *Module) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Computing && m.state != Reducing {
		return fmt.Errorf("scheduler: module %d: Finish from state %s", m.id, m.state)
	}
	m.state = Finished
	return nil
}

// Reset transitions Finished -> Idle, ready for the next Prepare.
func (m *Module) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Finished {
		return fmt.Errorf("scheduler: module %d: Reset from state %s", m.id, m.state)
	}
	m.state = Idle
	return nil
}
