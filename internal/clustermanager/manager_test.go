package clustermanager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/vistle-go/vistle/internal/message"
	"github.com/vistle-go/vistle/internal/portmanager"
	"github.com/vistle-go/vistle/internal/scheduler"
	"github.com/vistle-go/vistle/internal/shmem"
	"github.com/vistle-go/vistle/internal/statetracker"
)

type fakeHub struct {
	mu  sync.Mutex
	got []message.Envelope
}

func (f *fakeHub) SendToHub(ctx context.Context, env message.Envelope) error {
	f.mu.Lock()
	f.got = append(f.got, env)
	f.mu.Unlock()
	return nil
}

func newTestManager() (*Manager, *fakeHub) {
	hub := &fakeHub{}
	tracker := statetracker.New("test")
	ports := portmanager.New()
	sched := scheduler.New()
	store := shmem.New("t")
	return New(1, hub, tracker, ports, sched, store), hub
}

func TestAddObjectDeliveredToLocalDownstreamModule(t *testing.T) {
	m, hub := newTestManager()
	m.RegisterModule(1, 1)
	m.RegisterModule(2, 1)

	out := portmanager.PortRef{ModuleID: 1, Name: "data_out"}
	in := portmanager.PortRef{ModuleID: 2, Name: "data_in"}
	m.ports.AddPort(out, false)
	m.ports.AddPort(in, true)
	m.ports.Connect(out, in)

	payload, _ := json.Marshal(map[string]string{"port": "data_out", "handle": "t_1"})
	env := message.NewEnvelope(message.AddObject, 1, 0, payload)

	if err := m.ReceiveFromModule(context.Background(), 1, env); err != nil {
		t.Fatalf("ReceiveFromModule: %v", err)
	}

	outbox, ok := m.ModuleOutbox(2)
	if !ok {
		t.Fatal("module 2 outbox missing")
	}
	select {
	case got := <-outbox:
		if got.Type != message.AddObject {
			t.Fatalf("delivered type = %v, want AddObject", got.Type)
		}
	default:
		t.Fatal("expected AddObject delivered to module 2's outbox")
	}

	if m.ports.Arrivals(in) != 1 {
		t.Fatalf("Arrivals(in) = %d, want 1", m.ports.Arrivals(in))
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.got) != 0 {
		t.Fatalf("AddObject with only a local consumer should not also be forwarded to the hub: got %d", len(hub.got))
	}
}

func TestAddObjectForwardedToHubForRemoteConsumer(t *testing.T) {
	m, hub := newTestManager()
	m.RegisterModule(1, 1)
	// Module 2 is never registered locally, modeling a downstream consumer
	// that lives on a different node/hub.

	out := portmanager.PortRef{ModuleID: 1, Name: "data_out"}
	in := portmanager.PortRef{ModuleID: 2, Name: "data_in"}
	m.ports.AddPort(out, false)
	m.ports.AddPort(in, true)
	m.ports.Connect(out, in)

	payload, _ := json.Marshal(map[string]string{"port": "data_out", "handle": "t_1"})
	env := message.NewEnvelope(message.AddObject, 1, 0, payload)

	if err := m.ReceiveFromModule(context.Background(), 1, env); err != nil {
		t.Fatalf("ReceiveFromModule: %v", err)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.got) != 1 {
		t.Fatalf("expected AddObject forwarded to hub for the remote consumer, got %d messages", len(hub.got))
	}
	if hub.got[0].DestID != 2 {
		t.Fatalf("forwarded AddObject DestID = %d, want 2 (the remote consumer's module ID)", hub.got[0].DestID)
	}
}

func TestSetParameterForwardedAndTrackedOnReceive(t *testing.T) {
	m, hub := newTestManager()
	m.RegisterModule(1, 1)

	payload, _ := json.Marshal(map[string]any{"module_id": 1, "name": "scale", "value": 1.0})
	env := message.NewEnvelope(message.SetParameter, 1, 0, payload)

	if err := m.ReceiveFromModule(context.Background(), 1, env); err != nil {
		t.Fatalf("ReceiveFromModule: %v", err)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.got) != 1 {
		t.Fatalf("expected SetParameter forwarded to hub, got %d messages", len(hub.got))
	}
	if got := m.tracker.Replay(); len(got) != 1 || got[0].Type != message.SetParameter {
		t.Fatalf("expected SetParameter recorded by the tracker, got %d tracked messages", len(got))
	}
}

func TestDispatchToModuleAppliesPrepareGate(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterModule(7, 1)

	payload, _ := json.Marshal(map[string]any{"what": message.ExecutePrepare})
	env := message.NewEnvelope(message.Execute, 0, 0, payload)

	if err := m.DispatchToModule(context.Background(), 7, env); err != nil {
		t.Fatalf("DispatchToModule: %v", err)
	}

	if got := m.sched.Get(7).State(); got != scheduler.Prepared {
		t.Fatalf("module 7 state = %v, want Prepared", got)
	}

	outbox, _ := m.ModuleOutbox(7)
	select {
	case got := <-outbox:
		if got.Type != message.Execute {
			t.Fatalf("delivered type = %v, want Execute", got.Type)
		}
	default:
		t.Fatal("expected Execute delivered to module 7's outbox")
	}
}

func TestUnregisterModuleClosesOutbox(t *testing.T) {
	m, _ := newTestManager()
	m.RegisterModule(5, 1)
	outbox, _ := m.ModuleOutbox(5)
	m.UnregisterModule(5)

	if _, ok := <-outbox; ok {
		t.Fatal("expected outbox to be closed after UnregisterModule")
	}
	if _, ok := m.ModuleOutbox(5); ok {
		t.Fatal("expected ModuleOutbox to report missing module after unregister")
	}
}
