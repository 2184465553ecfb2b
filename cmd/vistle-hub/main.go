// vistle-hub is the control-plane process: one per host, it accepts UI and
// peer-hub connections, owns the bulk-data proxy, spawns the cluster
// manager and module processes, and tracks the federation's pipeline
// state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vistle-go/vistle/internal/config"
	"github.com/vistle-go/vistle/internal/dataproxy"
	"github.com/vistle-go/vistle/internal/hub"
	"github.com/vistle-go/vistle/internal/modreg"
	"github.com/vistle-go/vistle/internal/sessionlog"
	"github.com/vistle-go/vistle/internal/spawn"
	"github.com/vistle-go/vistle/internal/statetracker"
	"github.com/vistle-go/vistle/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("vistle-hub %s", version.Version())

	role := flag.String("role", "master", "hub role: master or slave")
	masterAddr := flag.String("master", "", "master hub address (required when -role=slave)")
	name := flag.String("name", "hub", "this hub's display name")
	flag.Parse()

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("create directories: %v", err)
	}

	if *role == "slave" && *masterAddr == "" {
		log.Fatal("-master is required when -role=slave")
	}

	tracker := statetracker.New(*name)

	var ledger *sessionlog.Log
	if cfg.SessionLogPath != "" {
		var err error
		ledger, err = sessionlog.Open(cfg.SessionLogPath)
		if err != nil {
			log.Fatalf("open session ledger: %v", err)
		}
		defer ledger.Close()
		if n, err := ledger.Count(); err == nil && n > 0 {
			log.Printf("session ledger: %d recorded message(s) available for replay", n)
		}
		tracker.WithReplayLog(ledger)
	}

	hubRole := hub.RoleMaster
	if *role == "slave" {
		hubRole = hub.RoleSlave
	}
	h := hub.New(hubRole, tracker)

	ln, port, err := hub.Listen(cfg.BasePort)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("vistle-hub %q (%s) listening on port %d", *name, *role, port)

	dpLn, dpPort, err := dataproxy.Listen(cfg.DataPortRangeStart, cfg.DataPortRangeEnd)
	if err != nil {
		log.Fatalf("listen (data proxy): %v", err)
	}
	log.Printf("data proxy listening on port %d", dpPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := h.Serve(ctx, ln); err != nil {
			log.Printf("hub serve: %v", err)
		}
	}()

	// The data proxy hands every bulk-data message it relays straight to
	// the hub, which forwards it on to whichever cluster manager has
	// identified itself locally (internal/hub.DeliverBulk) — the same
	// managerPeer connection the control-plane Forward path uses.
	dp := dataproxy.New(h, cfg.DataProxyMinConns, cfg.DataProxyMaxConns, cfg.DataProxyCompress, cfg.ConnectTimeout)
	go func() {
		if err := dp.Serve(ctx, dpLn); err != nil {
			log.Printf("data proxy serve: %v", err)
		}
	}()

	resolver := modreg.New(cfg.ModuleCacheDir)
	managerAddr := fmt.Sprintf("127.0.0.1:%d", cfg.ManagerPort)
	h.SetSpawnConfig(cfg, resolver, managerAddr)

	managerProc := startClusterManager(ctx, cfg, managerAddr, port)
	if managerProc != nil {
		defer managerProc.Stop()
	}

	if *role == "slave" {
		if err := connectToMaster(ctx, *masterAddr, *name); err != nil {
			log.Printf("connect to master %s: %v", *masterAddr, err)
		}
	}

	pidPath := fmt.Sprintf("%s/vistle-hub.pid", cfg.DataDir)
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %v, shutting down", sig)

	cancel()

	log.Println("vistle-hub stopped")
}

// startClusterManager launches this hub's own vistle-manager child process,
// bound to cfg.ManagerPort, so there is somewhere for Spawn'd modules and
// Forward-flagged control/bulk-data messages to actually land. Returns nil
// (and only logs) when the binary can't be found, since a hub that never
// spawns anything locally (a pure relay/slave in a larger federation) is
// still a valid configuration.
func startClusterManager(ctx context.Context, cfg *config.Config, managerAddr string, hubPort int) *spawn.Process {
	binPath := config.FindBinary("vistle-manager", cfg.BinDir)
	if binPath == "" {
		log.Printf("vistle-hub: vistle-manager binary not found in PATH/%s, no local cluster manager will be started", cfg.BinDir)
		return nil
	}

	proc := &spawn.Process{
		Name: binPath,
		Args: []string{
			"-hub", fmt.Sprintf("127.0.0.1:%d", hubPort),
			"-listen", fmt.Sprintf(":%d", cfg.ManagerPort),
			"-node", "1",
		},
		LogPath:     filepath.Join(cfg.DataDir, "logs", "manager.log"),
		CrashWindow: cfg.SpawnCrashWindow,
		CrashLimit:  cfg.SpawnCrashLimit,
		StopGrace:   cfg.SpawnStopGrace,
		OnExit: func(reason spawn.ExitReason, err error) {
			log.Printf("vistle-hub: cluster manager exited: reason=%v err=%v", reason, err)
		},
	}
	if err := proc.Start(ctx); err != nil {
		log.Printf("vistle-hub: start cluster manager: %v", err)
		return nil
	}
	log.Printf("vistle-hub: cluster manager running, listening on %s", managerAddr)
	return proc
}

// connectToMaster dials a master hub's control port and sends this hub's
// Identify message, the first step of slave-hub registration in the
// hub-to-hub handshake. The dialed connection stays open but is never read,
// so the master's SetID reply is not processed and this hub's ID is not set
// over it.
func connectToMaster(ctx context.Context, addr, name string) error {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	if _, err := hub.RequestIdentify(ctx, conn, name); err != nil {
		conn.Close()
		return fmt.Errorf("send identify: %w", err)
	}
	return nil
}
