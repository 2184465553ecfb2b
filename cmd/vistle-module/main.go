// vistle-module is a minimal module-process harness: it connects to its
// owning cluster manager, sends Started, answers each incoming Execute
// message with an ExecutionProgress start/finish pair (plus one synthetic
// AddObject for ComputeObject) and a Kill with ModuleExit, the way a real
// compute module would. It keeps no execution state of its own. The actual
// per-object compute hook is out of scope — the visualization core never
// computes results itself, it only schedules and routes them — so this
// harness runs a no-op pass-through hook instead, letting the control-plane
// messages be exercised end to end without any real module logic.
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

	"github.com/vistle-go/vistle/internal/message"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	managerAddr := flag.String("manager", "", "owning cluster manager address (host:port)")
	moduleID := flag.Int("id", 0, "this module's assigned ID")
	name := flag.String("name", "module", "this module's name")
	rank := flag.Int("rank", 0, "this process's MPI rank")
	flag.Parse()

	if *managerAddr == "" || *moduleID == 0 {
		log.Fatal("-manager and -id are required")
	}

	conn, err := net.DialTimeout("tcp", *managerAddr, 10*time.Second)
	if err != nil {
		log.Fatalf("connect to manager %s: %v", *managerAddr, err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	send := func(t message.Type, payload []byte) error {
		env := message.NewEnvelope(t, *moduleID, *rank, payload)
		if err := message.Write(w, env); err != nil {
			return err
		}
		return w.Flush()
	}

	if err := send(message.Started, []byte(*name)); err != nil {
		log.Fatalf("send Started: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		r := bufio.NewReader(conn)
		for {
			env, err := message.Read(r)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					log.Printf("vistle-module: read: %v", err)
					cancel()
					return
				}
			}
			handleIncoming(env, send)
		}
	}()

	log.Printf("vistle-module %q (id=%d rank=%d) running", *name, *moduleID, *rank)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		log.Printf("received %v, shutting down", sig)
	case <-ctx.Done():
	}

	send(message.ModuleExit, nil)
}

type executePayload struct {
	What message.ExecuteWhat `json:"what"`
}

type progressPayload struct {
	Kind message.ExecutionProgressKind `json:"kind"`
	Rank int                           `json:"rank"`
}

// handleIncoming runs the no-op compute pass for an Execute message: it
// reports progress start/finish around the requested phase and, for
// ComputeObject, emits a single synthetic AddObject so the downstream
// port-arrival bookkeeping and data-plane delivery paths have something to
// exercise.
func handleIncoming(env message.Envelope, send func(message.Type, []byte) error) {
	switch env.Type {
	case message.Execute:
		var p executePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		startPayload, _ := json.Marshal(progressPayload{Kind: message.ProgressStart})
		send(message.ExecutionProgress, startPayload)

		if p.What == message.ExecuteComputeObject {
			addPayload, _ := json.Marshal(map[string]string{
				"port":   "data_out",
				"handle": "synthetic",
			})
			send(message.AddObject, addPayload)
		}

		finishPayload, _ := json.Marshal(progressPayload{Kind: message.ProgressFinish})
		send(message.ExecutionProgress, finishPayload)

	case message.Kill:
		send(message.ModuleExit, nil)
	}
}
