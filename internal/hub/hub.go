// Package hub implements the per-host control-plane process: it accepts UI
// and peer-hub connections, arbitrates master/slave identity, spawns module
// and cluster-manager processes, and relays the control-message wire
// protocol between everything attached to it. Grounded on
// original_source/vistle/hub/hub.cpp's accept-loop-plus-dispatch shape, and
// structured with one accept loop per listener feeding a single
// per-connection handler goroutine.
package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/vistle-go/vistle/internal/config"
	"github.com/vistle-go/vistle/internal/message"
	"github.com/vistle-go/vistle/internal/modreg"
	"github.com/vistle-go/vistle/internal/router"
	"github.com/vistle-go/vistle/internal/spawn"
	"github.com/vistle-go/vistle/internal/statetracker"
)

// Role distinguishes the one master hub in a federation from every slave
// hub attached to it.
type Role int

const (
	RoleMaster Role = iota
	RoleSlave
)

// PeerKind classifies what identified itself on a connection: a UI client, a
// peer/slave hub participating in federation, or the cluster-manager process
// this hub spawned for its own node. The identity handshake needs to route
// each of these differently; a bare accept loop that stamps every connection
// as the same kind of "peer" cannot, which is why Spawn/Kill/Execute/... need
// a dedicated managerPeer reference rather than going through the generic
// hub-to-hub broadcast path.
type PeerKind string

const (
	PeerUnknown PeerKind = ""
	PeerUI      PeerKind = "ui"
	PeerHub     PeerKind = "hub"
	PeerManager PeerKind = "manager"
)

type identifyPayload struct {
	Kind PeerKind `json:"kind"`
	Name string   `json:"name"`
}

// peer is one connected socket — a UI client, a slave hub, the local cluster
// manager, or (from a slave's perspective) the master hub — framed with the
// message package's binary envelope codec.
type peer struct {
	id   int      // hub ID once assigned; 0 until identified as a hub
	kind PeerKind // set once Identify is received; PeerUnknown until then
	name string
	conn net.Conn
	w    *bufio.Writer
	mu   sync.Mutex // serializes writes to w
}

func (p *peer) send(env message.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := message.Write(p.w, env); err != nil {
		return err
	}
	return p.w.Flush()
}

// Hub is one control-plane process. A master hub has Role == RoleMaster and
// assigns hub IDs; a slave hub connects outward to a master and is assigned
// an ID via SETID.
type Hub struct {
	role Role
	id   int // this hub's own ID (1 for the master; 0 for a slave until SetID)

	ln net.Listener

	tracker *statetracker.Tracker

	mu        sync.Mutex
	peers     map[net.Conn]*peer
	peersByID map[int]*peer
	nextHubID int
	nextModID int

	managerPeer *peer // the cluster manager identified to this hub, if any

	// cfg/resolver/mgrAddr are set once via SetSpawnConfig; a hub built
	// without that call (every existing test, and any hub that never
	// spawns anything) leaves cfg nil and handleSpawn becomes a pure
	// track-and-broadcast relay, same as before this field existed.
	cfg      *config.Config
	resolver *modreg.Resolver
	mgrAddr  string

	spawnMu sync.Mutex
	spawns  map[int]*spawn.Process
}

// New creates a hub. The master takes ID 1 for itself and assigns 2, 3, ...
// to slave hubs; a slave's ID is assigned later, by the master, over its
// first connection.
func New(role Role, tracker *statetracker.Tracker) *Hub {
	h := &Hub{
		role:      role,
		tracker:   tracker,
		peers:     make(map[net.Conn]*peer),
		peersByID: make(map[int]*peer),
		nextHubID: 1,
		spawns:    make(map[int]*spawn.Process),
	}
	if role == RoleMaster {
		h.id = 1
		h.nextHubID = 2
	}
	return h
}

// SetSpawnConfig wires the hub to actually launch module processes: cfg for
// binary lookup/logging/crash-loop parameters, resolver as the OCI fallback
// for reference-shaped module names, and managerAddr as the address of this
// hub's own cluster manager (the process module children dial into). A hub
// this is never called on (e.g. every hub package test) still routes Spawn
// messages through the tracker/broadcast path, it just never launches
// anything locally.
func (h *Hub) SetSpawnConfig(cfg *config.Config, resolver *modreg.Resolver, managerAddr string) {
	h.mu.Lock()
	h.cfg = cfg
	h.resolver = resolver
	h.mgrAddr = managerAddr
	h.mu.Unlock()
}

// Listen binds the hub's accept socket, trying successive ports starting at
// basePort until one succeeds — "base port 31093, increment until free", the
// same successive-port-probing convention a control-plane listener typically
// uses.
func Listen(basePort int) (net.Listener, int, error) {
	for port := basePort; port < basePort+1000; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("hub: no free port in range [%d, %d)", basePort, basePort+1000)
}

// Serve accepts connections on ln until ctx is done, dispatching each to its
// own handler goroutine — one accept loop feeding one handler per
// connection.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	h.ln = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("hub: accept: %w", err)
			}
		}
		p := &peer{conn: conn, w: bufio.NewWriter(conn)}
		h.mu.Lock()
		h.peers[conn] = p
		h.mu.Unlock()
		go h.handleConn(ctx, p)
	}
}

func (h *Hub) handleConn(ctx context.Context, p *peer) {
	defer h.dropPeer(p)
	r := bufio.NewReader(p.conn)
	for {
		env, err := message.Read(r)
		if err != nil {
			return
		}
		if err := h.dispatch(ctx, p, env); err != nil {
			log.Printf("hub: dispatch %s from %v: %v", env.Type, p.conn.RemoteAddr(), err)
		}
	}
}

func (h *Hub) dropPeer(p *peer) {
	p.conn.Close()
	h.mu.Lock()
	delete(h.peers, p.conn)
	if p.id != 0 {
		delete(h.peersByID, p.id)
	}
	if h.managerPeer == p {
		h.managerPeer = nil
	}
	h.mu.Unlock()
}

// dispatch applies the routing table to an incoming message: record it in
// the tracker when tracked, relay it to every other peer when broadcast,
// forward it to the local cluster manager when the table marks it Forward,
// and handle a handful of message types (Identify, AddHub, Spawn, Kill) that
// mutate hub bookkeeping or launch processes directly rather than only the
// tracked model.
func (h *Hub) dispatch(ctx context.Context, from *peer, env message.Envelope) error {
	switch env.Type {
	case message.Identify:
		return h.handleIdentify(from, env)
	case message.AddHub:
		return h.handleAddHub(from, env)
	case message.Spawn:
		return h.handleSpawn(ctx, from, env)
	case message.Kill:
		return h.handleKill(from, env)
	}

	f := router.For(env.Type)
	if f.Track {
		h.tracker.Handle(env, true)
	}
	if f.Broadcast {
		h.broadcastExcept(from, env)
	}
	if f.Forward {
		h.forwardToManager(from, env)
	}
	return nil
}

// forwardToManager hands env to the cluster manager this hub spawned, if
// one has identified itself — e.g. Execute/SetParameter/Connect originating
// from a UI and bound for a module. A message arriving FROM the manager
// itself is never forwarded back to it.
func (h *Hub) forwardToManager(from *peer, env message.Envelope) {
	h.mu.Lock()
	mgr := h.managerPeer
	h.mu.Unlock()
	if mgr == nil || mgr == from {
		return
	}
	if err := mgr.send(env); err != nil {
		log.Printf("hub: forward %s to cluster manager failed: %v", env.Type, err)
	}
}

func (h *Hub) handleIdentify(from *peer, env message.Envelope) error {
	var p identifyPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Kind == PeerUnknown {
		// Unrecognized or absent kind: treat as a generic UI-style client
		// rather than reject the connection outright.
		p.Kind = PeerUI
		if p.Name == "" {
			p.Name = string(env.Payload)
		}
	}

	from.kind = p.Kind
	from.name = p.Name

	switch p.Kind {
	case PeerManager:
		h.mu.Lock()
		h.managerPeer = from
		h.mu.Unlock()
		return nil
	case PeerUI:
		// UI clients observe the federation but are never federation
		// members themselves: no hub ID, no SetID round trip.
		return nil
	default: // PeerHub: a slave hub (or, from a slave's view, the master)
		h.mu.Lock()
		id := h.nextHubID
		h.nextHubID++
		from.id = id
		h.peersByID[id] = from
		h.mu.Unlock()

		reply := message.NewEnvelope(message.SetID, h.id, 0, []byte(fmt.Sprintf(`{"id":%d}`, id)))
		return from.send(reply)
	}
}

func (h *Hub) handleAddHub(from *peer, env message.Envelope) error {
	h.tracker.Handle(env, true)
	h.broadcastExcept(from, env)
	return nil
}

// spawnPayload is a Spawn (or SpawnPrepared) message's body: a module name
// a UI requested, the hub it should run on, and — once the master has
// stamped it — the module ID every receiver should register under.
type spawnPayload struct {
	HubID     int    `json:"hub_id"`
	Name      string `json:"name"`
	ModuleID  int    `json:"module_id"`
	RankCount int    `json:"rank_count"`
}

// handleSpawn implements the Spawn protocol: the master stamps a
// fresh module ID onto the request (UIs send ModuleID 0), tracks and
// broadcasts the stamped message so every hub and UI agrees on the
// assignment, then — if this hub owns the target — actually launches the
// module process via internal/spawn, resolving its binary through
// config.FindBinary first and internal/modreg second, and announces
// SpawnPrepared once the process is running.
func (h *Hub) handleSpawn(ctx context.Context, from *peer, env message.Envelope) error {
	var p spawnPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("hub: decode Spawn: %w", err)
	}

	if p.ModuleID == 0 {
		p.ModuleID = h.NextModuleID()
	}
	if p.RankCount == 0 {
		p.RankCount = 1
	}
	if p.HubID == 0 {
		p.HubID = h.id
	}

	stampedPayload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("hub: encode stamped Spawn: %w", err)
	}
	stamped := message.NewEnvelope(message.Spawn, env.SenderID, env.SenderRank, stampedPayload)

	h.tracker.Handle(stamped, true)
	h.broadcastExcept(from, stamped)

	h.mu.Lock()
	cfg, resolver, mgrAddr := h.cfg, h.resolver, h.mgrAddr
	selfID := h.id
	h.mu.Unlock()

	if cfg == nil || p.HubID != selfID {
		// Either this hub process was never configured to spawn anything
		// (e.g. tests, or a hub that only relays), or the target module
		// belongs to a different hub in the federation that will pick up
		// the broadcast above and launch it itself.
		return nil
	}
	return h.launchModule(ctx, cfg, resolver, mgrAddr, p)
}

func (h *Hub) launchModule(ctx context.Context, cfg *config.Config, resolver *modreg.Resolver, mgrAddr string, p spawnPayload) error {
	if mgrAddr == "" {
		return fmt.Errorf("hub: no cluster manager address configured, cannot spawn %q", p.Name)
	}

	binPath := config.FindBinary(p.Name, cfg.BinDir)
	if binPath == "" && modreg.LooksLikeReference(p.Name) && resolver != nil {
		resolved, err := resolver.Resolve(ctx, p.Name)
		if err != nil {
			return fmt.Errorf("hub: resolve module image %q: %w", p.Name, err)
		}
		binPath = resolved
	}
	if binPath == "" {
		binPath = config.FindBinary("vistle-module", cfg.BinDir)
	}
	if binPath == "" {
		return fmt.Errorf("hub: module binary %q not found", p.Name)
	}

	moduleID := p.ModuleID
	proc := &spawn.Process{
		Name: binPath,
		Args: []string{
			"-manager", mgrAddr,
			"-id", strconv.Itoa(moduleID),
			"-name", p.Name,
			"-rank", "0",
		},
		LogPath:     filepath.Join(cfg.DataDir, "logs", fmt.Sprintf("module-%d.log", moduleID)),
		CrashWindow: cfg.SpawnCrashWindow,
		CrashLimit:  cfg.SpawnCrashLimit,
		StopGrace:   cfg.SpawnStopGrace,
		OnExit: func(reason spawn.ExitReason, err error) {
			log.Printf("hub: module %d (%s) exited: reason=%v err=%v", moduleID, p.Name, reason, err)
		},
	}
	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("hub: spawn module %d (%s): %w", moduleID, p.Name, err)
	}

	h.spawnMu.Lock()
	h.spawns[moduleID] = proc
	h.spawnMu.Unlock()

	preparedPayload, _ := json.Marshal(spawnPayload{HubID: p.HubID, Name: p.Name, ModuleID: moduleID, RankCount: p.RankCount})
	prepared := message.NewEnvelope(message.SpawnPrepared, h.id, 0, preparedPayload)
	h.broadcastExcept(nil, prepared)
	return nil
}

// handleKill stops a locally-spawned module's process (if this hub launched
// it) and forwards the Kill message on, per router's {Forward, Queue}
// flags, so the cluster manager can also tear down its scheduler/portmanager
// bookkeeping for that module.
func (h *Hub) handleKill(from *peer, env message.Envelope) error {
	h.spawnMu.Lock()
	proc, ok := h.spawns[env.DestID]
	if ok {
		delete(h.spawns, env.DestID)
	}
	h.spawnMu.Unlock()
	if ok {
		proc.Stop()
	}
	h.forwardToManager(from, env)
	return nil
}

// DeliverBulk implements dataproxy.Local: a bulk-data message (RequestObject,
// SendObject, AddObjectCompleted, Identify) that arrived over a remote hub's
// proxy connection is handed to this hub's local cluster manager the same
// way a Forward-flagged control message is, so the bulk-data plane and the
// control plane converge on the same managerPeer connection instead of
// needing a second wiring path.
func (h *Hub) DeliverBulk(ctx context.Context, env message.Envelope) error {
	h.mu.Lock()
	mgr := h.managerPeer
	h.mu.Unlock()
	if mgr == nil {
		log.Printf("hub: no cluster manager registered, dropping bulk-data %s", env.Type)
		return nil
	}
	return mgr.send(env)
}

// broadcastExcept relays env to every connected peer other than from.
func (h *Hub) broadcastExcept(from *peer, env message.Envelope) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p != from {
			peers = append(peers, p)
		}
	}
	h.mu.Unlock()

	for _, p := range peers {
		if err := p.send(env); err != nil {
			log.Printf("hub: broadcast to %v failed: %v", p.conn.RemoteAddr(), err)
		}
	}
}

// NextModuleID allocates a fresh, session-unique module ID. IDs are never
// reused within a session, matching the original design's guarantee that a
// module ID uniquely identifies one spawn for the lifetime of the session.
func (h *Hub) NextModuleID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextModID++
	return h.nextModID
}

// BroadcastMessage sends env to every connected peer, used by local
// components (the cluster manager, the spawn supervisor) that originate a
// message rather than relay one received over the wire.
func (h *Hub) BroadcastMessage(env message.Envelope) {
	h.broadcastExcept(nil, env)
}

// SendToHub implements clustermanager.HubLink for the common case of a
// cluster manager embedded in the same process as its hub: it is simply a
// local dispatch through the same routing path a wire message takes.
func (h *Hub) SendToHub(ctx context.Context, env message.Envelope) error {
	return h.dispatch(ctx, nil, env)
}

// RequestIdentify sends this hub's identity to a newly dialed peer (used
// when this hub is a slave connecting outward to the master), carrying a
// fresh request UUID the caller can wait on via the tracker's
// RegisterRequest/WaitForReply pair for the SETID reply.
func RequestIdentify(ctx context.Context, conn net.Conn, selfDescription string) (uuid.UUID, error) {
	payload, err := json.Marshal(identifyPayload{Kind: PeerHub, Name: selfDescription})
	if err != nil {
		return uuid.Nil, fmt.Errorf("hub: encode Identify: %w", err)
	}
	env := message.NewEnvelope(message.Identify, 0, 0, payload)
	w := bufio.NewWriter(conn)
	if err := message.Write(w, env); err != nil {
		return uuid.Nil, fmt.Errorf("hub: send Identify: %w", err)
	}
	return env.UUID, w.Flush()
}
