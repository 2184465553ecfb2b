// Package clustermanager implements the per-node broker that sits between a
// hub and the module processes running on that node: one send/receive queue
// pair per module, AddObject delivery across hub boundaries, and the
// message routing that drives each module's scheduler.Module state machine.
// Grounded on the original ClusterManager's message path (see
// original_source/vistle/manager/clustermanager.cpp) and structured, like
// the rest of this codebase, as a map-of-mutex-guarded-entities pattern.
package clustermanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/vistle-go/vistle/internal/clusterbus"
	"github.com/vistle-go/vistle/internal/message"
	"github.com/vistle-go/vistle/internal/portmanager"
	"github.com/vistle-go/vistle/internal/router"
	"github.com/vistle-go/vistle/internal/scheduler"
	"github.com/vistle-go/vistle/internal/shmem"
	"github.com/vistle-go/vistle/internal/statetracker"
)

// queueDepth bounds each module's send/receive queue. A module that falls
// this far behind blocks its sender — the same backpressure the original
// design's bounded shared-memory queues provide.
const queueDepth = 256

// moduleQueues is the send/receive pair for one locally-running module, plus
// the local MPI-shaped bus standing in for that module's rank group. bus[0]
// is the handle this manager broadcasts control messages on; the other
// elements are drained by rankReader so a real Broadcast/RecvBroadcast round
// trip happens even though this harness runs every rank's module process as
// a single TCP connection rather than rankCount separate ones.
type moduleQueues struct {
	send chan message.Envelope // manager -> module
	recv chan message.Envelope // module -> manager

	bus  []clusterbus.Bus
	done chan struct{}
}

// HubLink is how the cluster manager reaches its owning hub: deliver a
// message upward for routing to other nodes/hubs. cmd/vistle-manager
// implements it over its TCP connection to the hub, hub.Hub satisfies it for
// an in-process manager, and a fake implementation backs clustermanager's
// own tests.
type HubLink interface {
	SendToHub(ctx context.Context, env message.Envelope) error
}

// Manager brokers messages between locally-running modules and the owning
// hub for one cluster node.
type Manager struct {
	nodeID int

	hub     HubLink
	tracker *statetracker.Tracker
	ports   *portmanager.Manager
	sched   *scheduler.Scheduler
	store   *shmem.Store

	mu      sync.Mutex
	modules map[int]*moduleQueues
}

// New creates a cluster manager for one node. tracker/ports/sched/store are
// typically shared with the owning hub process so the model stays
// consistent across every node-local component.
func New(nodeID int, hub HubLink, tracker *statetracker.Tracker, ports *portmanager.Manager, sched *scheduler.Scheduler, store *shmem.Store) *Manager {
	return &Manager{
		nodeID:  nodeID,
		hub:     hub,
		tracker: tracker,
		ports:   ports,
		sched:   sched,
		store:   store,
		modules: make(map[int]*moduleQueues),
	}
}

// RegisterModule creates the send/recv queue pair for a newly spawned
// module, registers its execution state with rankCount ranks, and stands up
// a local cluster bus of the same size so control-message fan-out to every
// rank exercises a real MPI-shaped broadcast rather than a single direct
// queue write.
func (m *Manager) RegisterModule(moduleID, rankCount int) {
	if rankCount < 1 {
		rankCount = 1
	}
	bus := clusterbus.NewLocalCluster(rankCount)
	done := make(chan struct{})
	for rank := range bus {
		go rankReader(bus[rank], done)
	}

	m.mu.Lock()
	m.modules[moduleID] = &moduleQueues{
		send: make(chan message.Envelope, queueDepth),
		recv: make(chan message.Envelope, queueDepth),
		bus:  bus,
		done: done,
	}
	m.mu.Unlock()
	m.sched.Register(moduleID, rankCount)
}

// rankReader drains one rank's broadcast channel for the lifetime of the
// module, standing in for the rankCount-1 processes a real multi-rank
// module would run (this harness funnels every rank through the same TCP
// connection, so there is nowhere else for those ranks' received broadcasts
// to go).
func rankReader(bus clusterbus.Bus, done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	for {
		if _, err := bus.RecvBroadcast(ctx); err != nil {
			return
		}
	}
}

// UnregisterModule drops a module's queues and execution state, called by
// cmd/vistle-manager when the module's connection closes. Any goroutine still draining the module's send channel should
// observe it closed and exit.
func (m *Manager) UnregisterModule(moduleID int) {
	m.mu.Lock()
	q, ok := m.modules[moduleID]
	delete(m.modules, moduleID)
	m.mu.Unlock()
	if ok {
		close(q.send)
		close(q.done)
	}
	m.sched.Unregister(moduleID)
}

func (m *Manager) queues(moduleID int) (*moduleQueues, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.modules[moduleID]
	return q, ok
}

// SendToModule enqueues env on moduleID's send queue (manager -> module).
// It blocks if the module's queue is full, applying backpressure to
// whatever produced env rather than growing memory without bound.
func (m *Manager) SendToModule(ctx context.Context, moduleID int, env message.Envelope) error {
	q, ok := m.queues(moduleID)
	if !ok {
		return fmt.Errorf("clustermanager: unknown module %d", moduleID)
	}
	select {
	case q.send <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchToModule is the entry point for a message addressed to moduleID
// that originates above the cluster manager (the owning hub, or the manager
// itself). For Execute messages it applies the Prepare/Reduce firing gates
// from portmanager and drives the module's scheduler.Scheduler state
// transition before the message ever reaches the module, then broadcasts
// the message over the module's local cluster bus (see RegisterModule) to
// simulate the MPI fan-out a multi-rank module would receive, and finally
// queues it on the module's send channel. Callers that don't need the
// scheduler/portmanager side effects (replies, bookkeeping-only types) can
// still use SendToModule directly.
func (m *Manager) DispatchToModule(ctx context.Context, moduleID int, env message.Envelope) error {
	if env.Type == message.Execute {
		m.applyExecuteGate(moduleID, env)
		m.broadcastToRanks(ctx, moduleID, env)
	}
	return m.SendToModule(ctx, moduleID, env)
}

// applyExecuteGate decodes an Execute message's phase and updates the
// module's scheduler/portmanager state accordingly. Failures are logged,
// not returned: an Execute message the scheduler can't apply cleanly (e.g.
// arriving out of order) still gets delivered to the module, which is the
// authority on its own state and will reject or tolerate it on its own terms
// — this harness has no separate channel to report a rejected transition
// back to the sender.
func (m *Manager) applyExecuteGate(moduleID int, env message.Envelope) {
	var p struct {
		What message.ExecuteWhat `json:"what"`
	}
	if json.Unmarshal(env.Payload, &p) != nil {
		return
	}
	mod := m.sched.Get(moduleID)

	switch p.What {
	case message.ExecutePrepare:
		for _, ref := range m.ports.InputPorts(moduleID) {
			m.ports.NoteReset(ref)
		}
		if !m.ports.ModuleReadyForPrepare(moduleID) {
			log.Printf("clustermanager: module %d: Prepare requested before every input reset, proceeding anyway", moduleID)
		}
		if mod != nil {
			if err := mod.Prepare(); err != nil {
				log.Printf("clustermanager: module %d: %v", moduleID, err)
			}
		}
	case message.ExecuteComputeExecute, message.ExecuteComputeObject:
		if mod != nil && mod.State() == scheduler.Prepared {
			if err := mod.StartExecute(); err != nil {
				log.Printf("clustermanager: module %d: %v", moduleID, err)
			}
		}
	case message.ExecuteReduce:
		for _, ref := range m.ports.InputPorts(moduleID) {
			m.ports.NoteFinish(ref)
		}
		if mod != nil {
			if !mod.ReadyForReduce() || !m.ports.ModuleReadyForReduce(moduleID) {
				log.Printf("clustermanager: module %d: Reduce requested before ready, proceeding anyway", moduleID)
			}
			if err := mod.StartReduce(); err != nil {
				log.Printf("clustermanager: module %d: %v", moduleID, err)
			}
		}
		for _, ref := range m.ports.InputPorts(moduleID) {
			m.ports.ClearPending(ref)
		}
	}
}

// broadcastToRanks fans env out over moduleID's local cluster bus, the same
// MPI_Bcast step the original cluster manager performs before a module's
// ranks begin a collective phase.
func (m *Manager) broadcastToRanks(ctx context.Context, moduleID int, env message.Envelope) {
	q, ok := m.queues(moduleID)
	if !ok || len(q.bus) == 0 {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("clustermanager: encode envelope for rank broadcast: %v", err)
		return
	}
	if err := q.bus[0].Broadcast(ctx, payload); err != nil {
		log.Printf("clustermanager: broadcast to ranks of module %d: %v", moduleID, err)
	}
}

// ModuleOutbox returns the channel a spawned module's transport adapter
// should read from to deliver messages to that module.
func (m *Manager) ModuleOutbox(moduleID int) (<-chan message.Envelope, bool) {
	q, ok := m.queues(moduleID)
	if !ok {
		return nil, false
	}
	return q.send, true
}

// ReceiveFromModule is called by a module's transport adapter for every
// message the module sends. It applies the message to the local scheduler
// and portmanager state, forwards it to the hub when the routing table
// marks it Track, Broadcast or Forward, and — for AddObject — additionally
// delivers it to every locally connected downstream module, and stamps a
// per-consumer destination onto remote deliveries, before the generic
// forward step runs. Forward is checked here in addition to Track/Broadcast
// because messages like AddObject/Execute/Kill carry only Forward (the
// cross-hub object-announcement step): skipping it left those messages
// stuck at the local cluster manager and unable to ever reach another hub.
func (m *Manager) ReceiveFromModule(ctx context.Context, moduleID int, env message.Envelope) error {
	switch env.Type {
	case message.ExecutionProgress:
		m.handleExecutionProgress(moduleID, env)
	case message.Busy, message.Idle:
		// Tracked centrally by the state tracker; no local scheduler action
		// needed beyond what Handle already does below.
	case message.AddObject:
		if err := m.deliverAddObject(ctx, moduleID, env); err != nil {
			return err
		}
	}

	f := router.For(env.Type)
	if f.Track {
		m.tracker.Handle(env, true)
	}
	// AddObject's remote-consumer fan-out already goes through the hub
	// per-destination inside deliverAddObject; forwarding it again here,
	// unaddressed, would just duplicate that delivery.
	if env.Type != message.AddObject && (f.Broadcast || f.Track || f.Forward) {
		if err := m.hub.SendToHub(ctx, env); err != nil {
			log.Printf("clustermanager: forward to hub failed: %v", err)
		}
	}
	return nil
}

func (m *Manager) handleExecutionProgress(moduleID int, env message.Envelope) {
	mod := m.sched.Get(moduleID)
	if mod == nil {
		return
	}
	var p struct {
		Kind message.ExecutionProgressKind `json:"kind"`
		Rank int                           `json:"rank"`
	}
	if json.Unmarshal(env.Payload, &p) != nil {
		return
	}
	switch p.Kind {
	case message.ProgressStart:
		mod.NoteRankStarted(p.Rank)
	case message.ProgressFinish:
		mod.NoteRankFinished(p.Rank)
	}
}

// deliverAddObject places the arriving object's handle on every local
// module connected downstream of the sender's output port, per the port
// graph, and notes one arrival on each. A downstream consumer that isn't
// registered locally lives on another node's cluster manager (or another
// hub entirely); for those, deliverAddObject stamps the consumer's module ID
// onto a copy of the envelope as DestID and hands it to the hub, which
// routes it onward (directly to its own cluster manager if the consumer is
// local to it, or via the bulk-data proxy if the consumer belongs to a
// different hub) — the cross-hub AddObject delivery step.
func (m *Manager) deliverAddObject(ctx context.Context, senderID int, env message.Envelope) error {
	var p struct {
		Port   string `json:"port"`
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("clustermanager: decode AddObject: %w", err)
	}

	out := portmanager.PortRef{ModuleID: senderID, Name: p.Port}
	peers := m.ports.ConnectedTo(out)
	for _, in := range peers {
		if _, local := m.queues(in.ModuleID); local {
			m.ports.NoteArrival(in)
			if err := m.SendToModule(ctx, in.ModuleID, env); err != nil {
				log.Printf("clustermanager: deliver AddObject to module %d: %v", in.ModuleID, err)
			}
			continue
		}

		remote := env
		remote.DestID = in.ModuleID
		if err := m.hub.SendToHub(ctx, remote); err != nil {
			log.Printf("clustermanager: forward AddObject to remote module %d: %v", in.ModuleID, err)
		}
	}
	return nil
}
