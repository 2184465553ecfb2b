// Package portmanager tracks the port and connection graph shared by every
// module in a session — which output ports feed which input ports — and the
// per-input arrival bookkeeping the execution scheduler consults to decide
// when a module has received enough objects to run. Mirrors the original
// PortTracker/portmanager design (see
// original_source/vistle/control/portmanager.h) in a mutex-guarded map of
// small per-entity structs: one coarse map mutex, finer per-instance
// mutexes underneath.
package portmanager

import "sync"

// PortRef identifies one port on one module.
type PortRef struct {
	ModuleID int
	Name     string
}

// Connection is a directed edge from an output port to an input port.
type Connection struct {
	From PortRef
	To   PortRef
}

type port struct {
	mu        sync.Mutex
	ref       PortRef
	isInput   bool
	combining bool      // a combining input never gates Prepare/Reduce firing
	peers     []PortRef // connected ports on the other side
	arrived   int       // objects arrived on this input since the last reset

	// pendingReset and pendingFinish are separate barrier counters from
	// arrived: arrived gates Compute firing (an object is present to
	// consume), while these two gate the Prepare/Reduce phase transitions
	// the scheduler drives across a whole module, independent of whether
	// any object has actually arrived yet.
	pendingReset  int
	pendingFinish int
}

// Manager owns the port graph for one cluster-manager instance.
type Manager struct {
	mu    sync.Mutex
	ports map[PortRef]*port
}

// New creates an empty port manager.
func New() *Manager {
	return &Manager{ports: make(map[PortRef]*port)}
}

// SetCombining marks ref as a combining input: a combining input never gates
// Prepare-firing or Reduce-firing (it is allowed to lag — the module
// combines whatever has arrived on it rather than waiting), per a module's
// ObjectReceivePolicy/SchedulingPolicy declaration at startup.
func (m *Manager) SetCombining(ref PortRef, combining bool) {
	m.mu.Lock()
	p, ok := m.ports[ref]
	m.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.combining = combining
	p.mu.Unlock()
}

// AddPort registers a port. isInput distinguishes input from output ports,
// since only inputs track object arrivals.
func (m *Manager) AddPort(ref PortRef, isInput bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ports[ref]; ok {
		return
	}
	m.ports[ref] = &port{ref: ref, isInput: isInput}
}

// RemovePort removes a port and every connection touching it.
func (m *Manager) RemovePort(ref PortRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[ref]
	if !ok {
		return
	}
	for _, peer := range p.peers {
		if pp, ok := m.ports[peer]; ok {
			pp.mu.Lock()
			pp.peers = removeRef(pp.peers, ref)
			pp.mu.Unlock()
		}
	}
	delete(m.ports, ref)
}

// Connect adds a directed edge from out to in. Both ports must already be
// registered via AddPort.
func (m *Manager) Connect(out, in PortRef) bool {
	m.mu.Lock()
	po, okO := m.ports[out]
	pi, okI := m.ports[in]
	m.mu.Unlock()
	if !okO || !okI {
		return false
	}
	po.mu.Lock()
	po.peers = append(po.peers, in)
	po.mu.Unlock()
	pi.mu.Lock()
	pi.peers = append(pi.peers, out)
	pi.mu.Unlock()
	return true
}

// Disconnect removes the directed edge from out to in, if present.
func (m *Manager) Disconnect(out, in PortRef) bool {
	m.mu.Lock()
	po, okO := m.ports[out]
	pi, okI := m.ports[in]
	m.mu.Unlock()
	if !okO || !okI {
		return false
	}
	po.mu.Lock()
	before := len(po.peers)
	po.peers = removeRef(po.peers, in)
	po.mu.Unlock()
	pi.mu.Lock()
	pi.peers = removeRef(pi.peers, out)
	pi.mu.Unlock()
	return before != len(po.peers)
}

// ConnectedTo returns the ports connected to ref, in connection order.
func (m *Manager) ConnectedTo(ref PortRef) []PortRef {
	m.mu.Lock()
	p, ok := m.ports[ref]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PortRef, len(p.peers))
	copy(out, p.peers)
	return out
}

// NoteArrival records that one object arrived on input port ref, and returns
// the new arrival count. Used by the execution scheduler to decide whether
// every connected input has received an object for the current step.
func (m *Manager) NoteArrival(ref PortRef) int {
	m.mu.Lock()
	p, ok := m.ports[ref]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	p.arrived++
	n := p.arrived
	p.mu.Unlock()
	return n
}

// ResetArrivals zeroes the arrival counter for ref, called once the
// scheduler has consumed the current batch (e.g. at ComputeExecute start).
func (m *Manager) ResetArrivals(ref PortRef) {
	m.mu.Lock()
	p, ok := m.ports[ref]
	m.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.arrived = 0
	p.mu.Unlock()
}

// Arrivals returns the current arrival count for input port ref.
func (m *Manager) Arrivals(ref PortRef) int {
	m.mu.Lock()
	p, ok := m.ports[ref]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arrived
}

// ModuleInputsSatisfied reports whether every one of moduleID's registered
// input ports that has at least one connected peer has also received at
// least one arrival since the last reset — the condition the scheduler
// waits for before releasing ComputeExecute.
func (m *Manager) ModuleInputsSatisfied(moduleID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, p := range m.ports {
		if ref.ModuleID != moduleID || !p.isInput {
			continue
		}
		p.mu.Lock()
		hasPeers := len(p.peers) > 0
		arrived := p.arrived
		p.mu.Unlock()
		if hasPeers && arrived == 0 {
			return false
		}
	}
	return true
}

// NoteReset records a pending reset marker on input port ref (sent down the
// graph at the start of an Execute(Prepare) step) and returns the new
// pending-reset count.
func (m *Manager) NoteReset(ref PortRef) int {
	m.mu.Lock()
	p, ok := m.ports[ref]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	p.pendingReset++
	n := p.pendingReset
	p.mu.Unlock()
	return n
}

// NoteFinish records a pending finish marker on input port ref (sent once an
// upstream rank completes its compute step) and returns the new
// pending-finish count.
func (m *Manager) NoteFinish(ref PortRef) int {
	m.mu.Lock()
	p, ok := m.ports[ref]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	p.pendingFinish++
	n := p.pendingFinish
	p.mu.Unlock()
	return n
}

// ClearPending zeroes both barrier counters for ref, called once the
// scheduler has consumed them for the firing they gated.
func (m *Manager) ClearPending(ref PortRef) {
	m.mu.Lock()
	p, ok := m.ports[ref]
	m.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.pendingReset = 0
	p.pendingFinish = 0
	p.mu.Unlock()
}

// InputPorts returns every input port registered for moduleID.
func (m *Manager) InputPorts(moduleID int) []PortRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PortRef
	for ref, p := range m.ports {
		if ref.ModuleID == moduleID && p.isInput {
			out = append(out, ref)
		}
	}
	return out
}

// ModuleReadyForPrepare reports whether every one of moduleID's non-combining
// input ports has at least one pending reset — the condition the port graph
// requires before a Prepare can fire for a module with connected inputs.
func (m *Manager) ModuleReadyForPrepare(moduleID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, p := range m.ports {
		if ref.ModuleID != moduleID || !p.isInput {
			continue
		}
		p.mu.Lock()
		ready := p.combining || len(p.peers) == 0 || p.pendingReset > 0
		p.mu.Unlock()
		if !ready {
			return false
		}
	}
	return true
}

// ModuleReadyForReduce reports whether every one of moduleID's non-combining
// input ports has at least one pending finish.
func (m *Manager) ModuleReadyForReduce(moduleID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, p := range m.ports {
		if ref.ModuleID != moduleID || !p.isInput {
			continue
		}
		p.mu.Lock()
		ready := p.combining || len(p.peers) == 0 || p.pendingFinish > 0
		p.mu.Unlock()
		if !ready {
			return false
		}
	}
	return true
}

func removeRef(s []PortRef, ref PortRef) []PortRef {
	out := s[:0]
	for _, r := range s {
		if r != ref {
			out = append(out, r)
		}
	}
	return out
}
