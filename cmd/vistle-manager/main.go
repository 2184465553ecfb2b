// vistle-manager is the per-cluster broker process: one instance runs
// alongside a cluster's rank-0 process, brokering control messages between
// its owning hub and the MPI-parallel module processes running on that
// cluster.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vistle-go/vistle/internal/clustermanager"
	"github.com/vistle-go/vistle/internal/message"
	"github.com/vistle-go/vistle/internal/portmanager"
	"github.com/vistle-go/vistle/internal/scheduler"
	"github.com/vistle-go/vistle/internal/shmem"
	"github.com/vistle-go/vistle/internal/statetracker"
)

// netHubLink implements clustermanager.HubLink over a plain TCP connection
// to the owning hub's control port, framing every message with the same
// codec the hub itself uses for peer connections.
type netHubLink struct {
	conn net.Conn
	w    *bufio.Writer
}

func dialHub(addr string, connectTimeout time.Duration) (*netHubLink, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, err
	}
	return &netHubLink{conn: conn, w: bufio.NewWriter(conn)}, nil
}

func (h *netHubLink) SendToHub(ctx context.Context, env message.Envelope) error {
	if err := message.Write(h.w, env); err != nil {
		return err
	}
	return h.w.Flush()
}

// identifyPayload mirrors internal/hub's own (unexported) wire shape for the
// Identify handshake: a manager process identifies with kind "manager" so
// the hub routes Spawn/Kill/Execute/... to it instead of treating the
// connection as a generic UI client.
type identifyPayload struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	hubAddr := flag.String("hub", "", "owning hub control address (host:port)")
	listenAddr := flag.String("listen", ":0", "address to listen on for module connections")
	nodeID := flag.Int("node", 1, "this cluster node's ID")
	flag.Parse()

	if *hubAddr == "" {
		log.Fatal("-hub is required")
	}

	hub, err := dialHub(*hubAddr, 10*time.Second)
	if err != nil {
		log.Fatalf("connect to hub %s: %v", *hubAddr, err)
	}
	defer hub.conn.Close()

	identity, _ := json.Marshal(identifyPayload{Kind: "manager", Name: "vistle-manager"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hub.SendToHub(ctx, message.NewEnvelope(message.Identify, 0, 0, identity)); err != nil {
		log.Fatalf("identify to hub: %v", err)
	}

	tracker := statetracker.New("manager")
	ports := portmanager.New()
	sched := scheduler.New()
	store := shmem.New("manager")

	mgr := clustermanager.New(*nodeID, hub, tracker, ports, sched, store)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", *listenAddr, err)
	}
	defer ln.Close()

	go readHubMessages(ctx, hub.conn, mgr)
	go acceptModules(ctx, ln, mgr)

	log.Printf("vistle-manager (node %d) connected to hub %s, accepting modules on %s", *nodeID, *hubAddr, ln.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)
	cancel()
	log.Println("vistle-manager stopped")
}

// readHubMessages relays messages the hub sends down to this node (Spawn,
// Kill, Execute, SetParameter, ...) into the cluster manager's own dispatch
// path via DispatchToModule, so Execute messages pass through the scheduler/
// portmanager firing gates before reaching the module; bookkeeping-only
// messages with no locally-registered destination are logged and dropped
// rather than treated as a protocol error.
func readHubMessages(ctx context.Context, conn net.Conn, mgr *clustermanager.Manager) {
	r := bufio.NewReader(conn)
	for {
		env, err := message.Read(r)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("vistle-manager: read from hub: %v", err)
				return
			}
		}
		if err := mgr.DispatchToModule(ctx, env.DestID, env); err != nil {
			log.Printf("vistle-manager: route from hub: %v", err)
		}
	}
}

// acceptModules listens for incoming module-process connections. Each
// module's first message is always Started (see cmd/vistle-module),
// carrying its assigned module ID as SenderID; that registers the module
// with the cluster manager before any further message is processed.
func acceptModules(ctx context.Context, ln net.Listener, mgr *clustermanager.Manager) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("vistle-manager: accept module connection: %v", err)
				return
			}
		}
		go handleModuleConn(ctx, conn, mgr)
	}
}

// handleModuleConn drives one module process's connection for its entire
// lifetime: it registers the module on the first (Started) message, pumps
// further incoming messages into ReceiveFromModule, and mirrors the
// module's outbox (internal/clustermanager's manager -> module queue) back
// out over the same connection until either side closes it.
func handleModuleConn(ctx context.Context, conn net.Conn, mgr *clustermanager.Manager) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	first, err := message.Read(r)
	if err != nil {
		log.Printf("vistle-manager: read first message from module: %v", err)
		return
	}
	if first.Type != message.Started {
		log.Printf("vistle-manager: expected Started as a module's first message, got %s", first.Type)
		return
	}
	moduleID := first.SenderID
	mgr.RegisterModule(moduleID, 1)
	defer mgr.UnregisterModule(moduleID)

	if err := mgr.ReceiveFromModule(ctx, moduleID, first); err != nil {
		log.Printf("vistle-manager: module %d: handle Started: %v", moduleID, err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		w := bufio.NewWriter(conn)
		outbox, ok := mgr.ModuleOutbox(moduleID)
		if !ok {
			return
		}
		for {
			select {
			case env, ok := <-outbox:
				if !ok {
					return
				}
				if err := message.Write(w, env); err != nil {
					log.Printf("vistle-manager: module %d: write: %v", moduleID, err)
					return
				}
				if err := w.Flush(); err != nil {
					log.Printf("vistle-manager: module %d: flush: %v", moduleID, err)
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()

	for {
		env, err := message.Read(r)
		if err != nil {
			return
		}
		if err := mgr.ReceiveFromModule(ctx, moduleID, env); err != nil {
			log.Printf("vistle-manager: module %d: receive: %v", moduleID, err)
		}
	}
}
