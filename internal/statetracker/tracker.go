// Package statetracker maintains each hub's eventually-consistent, in-memory
// model of session state — which modules are running, their parameters,
// ports, and connections — built up by replaying every tracked message in
// arrival order. It is the Go analogue of the original StateTracker/
// StateObserver pair (see original_source/vistle/core/statetracker.h):
// dispatch-and-handle drives the model forward, observers are notified of
// each delta, and a synchronous request/reply helper lets callers block for
// a specific reply keyed by the request's UUID (grounded on a demuxer's
// Call/recvLoop pattern).
package statetracker

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/vistle-go/vistle/internal/message"
	"github.com/vistle-go/vistle/internal/router"
)

// ModuleStateBit flags compose a module's reported state, matching
// StateObserver::ModuleStateBits.
type ModuleStateBit int

const (
	Initialized ModuleStateBit = 1 << iota
	Killed
	Busy
)

// Observer receives a callback for every state delta the tracker applies.
// A UI client or the hub's own replay-to-new-peer logic implements this to
// react to (or serialize) the model as it changes. Every method must return
// quickly — the tracker calls observers while holding its lock.
type Observer interface {
	ModuleAvailable(hub int, moduleName, path string)
	NewModule(moduleID int, spawnUUID uuid.UUID, moduleName string)
	DeleteModule(moduleID int)
	ModuleStateChanged(moduleID int, stateBits ModuleStateBit)
	NewParameter(moduleID int, name string)
	ParameterValueChanged(moduleID int, name string)
	ParameterChoicesChanged(moduleID int, name string)
	NewPort(moduleID int, portName string)
	NewConnection(fromID int, fromPort string, toID int, toPort string)
	DeleteConnection(fromID int, fromPort string, toID int, toPort string)
	Info(text string, textType message.TextType, senderID, senderRank int, refType message.Type, refUUID uuid.UUID)
	QuitRequested()
}

// Parameter is the tracked model of one module parameter.
type Parameter struct {
	Name    string
	Value   json.RawMessage
	Choices json.RawMessage
}

// Module is the tracked model of one running (or killed-but-not-yet-
// reaped) module.
type Module struct {
	Hub         int
	Initialized bool
	Killed      bool
	Busy        bool
	Name        string
	Parameters  map[string]*Parameter
	ParamOrder  []string

	ObjectPolicy      message.ObjectReceivePolicyKind
	SchedulingPolicy  message.SchedulingPolicyKind
	ReducePolicy      message.ReducePolicyKind
}

// State composes the module's flag bits the way Module::state() does.
func (m *Module) State() ModuleStateBit {
	var s ModuleStateBit
	if m.Initialized {
		s |= Initialized
	}
	if m.Killed {
		s |= Killed
	}
	if m.Busy {
		s |= Busy
	}
	return s
}

// AvailableModule describes a module binary a hub has announced it can
// spawn, whether found on disk or resolved through the module registry.
type AvailableModule struct {
	Hub  int
	Name string
	Path string
}

// Tracker is one hub's (or UI client's) replicated model of session state.
// All exported methods are safe for concurrent use; Observer callbacks run
// with the tracker's lock held, so observers must not call back into the
// tracker.
type Tracker struct {
	mu sync.Mutex

	name string

	running map[int]*Module
	busySet map[int]struct{}

	available []AvailableModule

	observers map[Observer]struct{}

	pending   map[uuid.UUID]chan message.Envelope
	pendingMu sync.Mutex

	replay     *replayLog
	replayOnce sync.Once

	ledger Appender
}

// Appender is the subset of sessionlog.Log's API the tracker needs to
// persist every tracked message to durable storage; satisfied by
// *sessionlog.Log without this package importing it directly.
type Appender interface {
	Append(env message.Envelope) error
}

// WithReplayLog attaches a durable ledger: every message Handle tracks is
// also appended to a, in addition to the in-memory replay buffer. Returns t
// so it can be chained onto New.
func (t *Tracker) WithReplayLog(a Appender) *Tracker {
	t.mu.Lock()
	t.ledger = a
	t.mu.Unlock()
	return t
}

// New creates an empty tracker identified by name (used only for logging).
func New(name string) *Tracker {
	return &Tracker{
		name:    name,
		running: make(map[int]*Module),
		busySet: make(map[int]struct{}),
		pending: make(map[uuid.UUID]chan message.Envelope),
	}
}

// RegisterObserver adds an observer that will be notified of future deltas.
// It is not retroactively replayed the current model — callers that need a
// consistent initial view should snapshot via RunningList/ModuleName/etc.
// under the same external lock they use to register, or use Replay (see
// replay.go) to catch up from a recorded log instead.
func (t *Tracker) RegisterObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.observers == nil {
		t.observers = make(map[Observer]struct{})
	}
	t.observers[o] = struct{}{}
}

// UnregisterObserver removes a previously registered observer.
func (t *Tracker) UnregisterObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observers, o)
}

func (t *Tracker) notify(fn func(Observer)) {
	for o := range t.observers {
		fn(o)
	}
}

// RunningList returns the IDs of every tracked, non-killed module.
func (t *Tracker) RunningList() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.running))
	for id, m := range t.running {
		if !m.Killed {
			out = append(out, id)
		}
	}
	return out
}

// BusyList returns the IDs of every module currently flagged Busy.
func (t *Tracker) BusyList() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.busySet))
	for id := range t.busySet {
		out = append(out, id)
	}
	return out
}

// Hub returns the owning hub ID for a tracked module, or 0 if unknown.
func (t *Tracker) Hub(id int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.running[id]; ok {
		return m.Hub
	}
	return 0
}

// ModuleName returns the tracked name for a module ID, or "" if unknown.
func (t *Tracker) ModuleName(id int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.running[id]; ok {
		return m.Name
	}
	return ""
}

// ModuleState returns the composed state bits for a module ID.
func (t *Tracker) ModuleState(id int) ModuleStateBit {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.running[id]; ok {
		return m.State()
	}
	return 0
}

// Parameters returns the ordered parameter names for a module.
func (t *Tracker) Parameters(id int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.running[id]; ok {
		out := make([]string, len(m.ParamOrder))
		copy(out, m.ParamOrder)
		return out
	}
	return nil
}

// Parameter returns the tracked parameter named name on module id, or nil.
func (t *Tracker) Parameter(id int, name string) *Parameter {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.running[id]
	if !ok {
		return nil
	}
	return m.Parameters[name]
}

// AvailableModules returns the hub's current module catalog.
func (t *Tracker) AvailableModules() []AvailableModule {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AvailableModule, len(t.available))
	copy(out, t.available)
	return out
}

// Handle applies msg to the model, notifying observers of whatever deltas
// result, and returns whether the message was recognized. When track is
// true (the default for messages arriving over the wire) and the router
// table marks msg's type as tracked, the message is also appended to the
// in-memory replay log and, if a sessionlog is attached via WithReplayLog,
// to that ledger. Handle does not satisfy a pending WaitForReply; that is
// HandleReply's job.
func (t *Tracker) Handle(env message.Envelope, track bool) bool {
	if track && router.ShouldTrack(env.Type) {
		t.appendReplay(env)
		t.mu.Lock()
		ledger := t.ledger
		t.mu.Unlock()
		if ledger != nil {
			if err := ledger.Append(env); err != nil {
				log.Printf("statetracker %s: append to replay ledger: %v", t.name, err)
			}
		}
	}

	switch env.Type {
	case message.ModuleAvailable:
		var p struct {
			Hub  int    `json:"hub"`
			Name string `json:"name"`
			Path string `json:"path"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleModuleAvailable(p.Hub, p.Name, p.Path)

	case message.Spawn:
		var p struct {
			ModuleID int    `json:"module_id"`
			Name     string `json:"name"`
			Hub      int    `json:"hub"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleSpawn(p.ModuleID, env.UUID, p.Name, p.Hub)

	case message.Started:
		var p struct{ ModuleID int `json:"module_id"` }
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleStarted(p.ModuleID)

	case message.ModuleExit:
		var p struct{ ModuleID int `json:"module_id"` }
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleModuleExit(p.ModuleID)

	case message.Kill:
		var p struct{ ModuleID int `json:"module_id"` }
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleKill(p.ModuleID)

	case message.Busy:
		var p struct{ ModuleID int `json:"module_id"` }
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleBusy(p.ModuleID, true)

	case message.Idle:
		var p struct{ ModuleID int `json:"module_id"` }
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleBusy(p.ModuleID, false)

	case message.AddPort:
		var p struct {
			ModuleID int    `json:"module_id"`
			Port     string `json:"port"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleAddPort(p.ModuleID, p.Port)

	case message.Connect:
		var p struct {
			FromID   int    `json:"from_id"`
			FromPort string `json:"from_port"`
			ToID     int    `json:"to_id"`
			ToPort   string `json:"to_port"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		t.mu.Lock()
		t.notify(func(o Observer) { o.NewConnection(p.FromID, p.FromPort, p.ToID, p.ToPort) })
		t.mu.Unlock()
		return true

	case message.Disconnect:
		var p struct {
			FromID   int    `json:"from_id"`
			FromPort string `json:"from_port"`
			ToID     int    `json:"to_id"`
			ToPort   string `json:"to_port"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		t.mu.Lock()
		t.notify(func(o Observer) { o.DeleteConnection(p.FromID, p.FromPort, p.ToID, p.ToPort) })
		t.mu.Unlock()
		return true

	case message.AddParameter:
		var p struct {
			ModuleID int    `json:"module_id"`
			Name     string `json:"name"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleAddParameter(p.ModuleID, p.Name)

	case message.SetParameter:
		var p struct {
			ModuleID int             `json:"module_id"`
			Name     string          `json:"name"`
			Value    json.RawMessage `json:"value"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleSetParameter(p.ModuleID, p.Name, p.Value)

	case message.SetParameterChoices:
		var p struct {
			ModuleID int             `json:"module_id"`
			Name     string          `json:"name"`
			Choices  json.RawMessage `json:"choices"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		return t.handleSetParameterChoices(p.ModuleID, p.Name, p.Choices)

	case message.SendText:
		var p struct {
			Text     string            `json:"text"`
			TextType message.TextType  `json:"text_type"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		t.mu.Lock()
		t.notify(func(o Observer) {
			o.Info(p.Text, p.TextType, env.SenderID, env.SenderRank, message.SendText, env.UUID)
		})
		t.mu.Unlock()
		return true

	case message.Quit:
		t.mu.Lock()
		t.notify(func(o Observer) { o.QuitRequested() })
		t.mu.Unlock()
		return true

	case message.ObjectReceivePolicy:
		var p struct {
			ModuleID int                                `json:"module_id"`
			Policy   message.ObjectReceivePolicyKind      `json:"policy"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		t.mu.Lock()
		if m, ok := t.running[p.ModuleID]; ok {
			m.ObjectPolicy = p.Policy
		}
		t.mu.Unlock()
		return true

	case message.SchedulingPolicy:
		var p struct {
			ModuleID int                             `json:"module_id"`
			Policy   message.SchedulingPolicyKind     `json:"policy"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		t.mu.Lock()
		if m, ok := t.running[p.ModuleID]; ok {
			m.SchedulingPolicy = p.Policy
		}
		t.mu.Unlock()
		return true

	case message.ReducePolicy:
		var p struct {
			ModuleID int                         `json:"module_id"`
			Policy   message.ReducePolicyKind     `json:"policy"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return false
		}
		t.mu.Lock()
		if m, ok := t.running[p.ModuleID]; ok {
			m.ReducePolicy = p.Policy
		}
		t.mu.Unlock()
		return true

	default:
		// Not every message type touches the model (Ping, SetID, bulk
		// object transfer, ...); this is expected, not an error.
		return true
	}
}

func (t *Tracker) handleModuleAvailable(hub int, name, path string) bool {
	t.mu.Lock()
	t.available = append(t.available, AvailableModule{Hub: hub, Name: name, Path: path})
	t.mu.Unlock()
	t.mu.Lock()
	t.notify(func(o Observer) { o.ModuleAvailable(hub, name, path) })
	t.mu.Unlock()
	return true
}

func (t *Tracker) handleSpawn(id int, spawnUUID uuid.UUID, name string, hub int) bool {
	t.mu.Lock()
	t.running[id] = &Module{
		Hub:        hub,
		Name:       name,
		Parameters: make(map[string]*Parameter),
	}
	t.notify(func(o Observer) { o.NewModule(id, spawnUUID, name) })
	t.mu.Unlock()
	return true
}

func (t *Tracker) handleStarted(id int) bool {
	t.mu.Lock()
	m, ok := t.running[id]
	if ok {
		m.Initialized = true
	}
	t.notify(func(o Observer) {
		if ok {
			o.ModuleStateChanged(id, m.State())
		}
	})
	t.mu.Unlock()
	return ok
}

func (t *Tracker) handleModuleExit(id int) bool {
	t.mu.Lock()
	delete(t.running, id)
	delete(t.busySet, id)
	t.notify(func(o Observer) { o.DeleteModule(id) })
	t.mu.Unlock()
	return true
}

func (t *Tracker) handleKill(id int) bool {
	t.mu.Lock()
	m, ok := t.running[id]
	if ok {
		m.Killed = true
	}
	t.notify(func(o Observer) {
		if ok {
			o.ModuleStateChanged(id, m.State())
		}
	})
	t.mu.Unlock()
	return ok
}

func (t *Tracker) handleBusy(id int, busy bool) bool {
	t.mu.Lock()
	m, ok := t.running[id]
	if ok {
		m.Busy = busy
		if busy {
			t.busySet[id] = struct{}{}
		} else {
			delete(t.busySet, id)
		}
	}
	t.notify(func(o Observer) {
		if ok {
			o.ModuleStateChanged(id, m.State())
		}
	})
	t.mu.Unlock()
	return ok
}

func (t *Tracker) handleAddPort(id int, port string) bool {
	t.mu.Lock()
	_, ok := t.running[id]
	t.notify(func(o Observer) {
		if ok {
			o.NewPort(id, port)
		}
	})
	t.mu.Unlock()
	return ok
}

func (t *Tracker) handleAddParameter(id int, name string) bool {
	t.mu.Lock()
	m, ok := t.running[id]
	if ok {
		if m.Parameters == nil {
			m.Parameters = make(map[string]*Parameter)
		}
		m.Parameters[name] = &Parameter{Name: name}
		m.ParamOrder = append(m.ParamOrder, name)
	}
	t.notify(func(o Observer) {
		if ok {
			o.NewParameter(id, name)
		}
	})
	t.mu.Unlock()
	return ok
}

func (t *Tracker) handleSetParameter(id int, name string, value json.RawMessage) bool {
	t.mu.Lock()
	m, ok := t.running[id]
	if ok {
		if p, found := m.Parameters[name]; found {
			p.Value = value
		}
	}
	t.notify(func(o Observer) {
		if ok {
			o.ParameterValueChanged(id, name)
		}
	})
	t.mu.Unlock()
	return ok
}

func (t *Tracker) handleSetParameterChoices(id int, name string, choices json.RawMessage) bool {
	t.mu.Lock()
	m, ok := t.running[id]
	if ok {
		if p, found := m.Parameters[name]; found {
			p.Choices = choices
		}
	}
	t.notify(func(o Observer) {
		if ok {
			o.ParameterChoicesChanged(id, name)
		}
	})
	t.mu.Unlock()
	return ok
}
