package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/vistle-go/vistle/internal/message"
	"github.com/vistle-go/vistle/internal/statetracker"
)

func identify(t *testing.T, conn net.Conn, kind PeerKind, name string) {
	t.Helper()
	payload, err := json.Marshal(identifyPayload{Kind: kind, Name: name})
	if err != nil {
		t.Fatalf("marshal identify: %v", err)
	}
	w := bufio.NewWriter(conn)
	if err := message.Write(w, message.NewEnvelope(message.Identify, 0, 0, payload)); err != nil {
		t.Fatalf("write identify: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush identify: %v", err)
	}
}

func startTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	ln, port, err := Listen(0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	h := New(RoleMaster, statetracker.New("test"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Serve(ctx, ln)
	return h, ln.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestIdentifyAssignsIncreasingHubIDs(t *testing.T) {
	_, addr := startTestHub(t)

	conn1 := dial(t, addr)
	defer conn1.Close()
	if _, err := RequestIdentify(context.Background(), conn1, "slave-a"); err != nil {
		t.Fatalf("RequestIdentify: %v", err)
	}
	r1 := bufio.NewReader(conn1)
	reply1, err := message.Read(r1)
	if err != nil {
		t.Fatalf("read reply 1: %v", err)
	}
	if reply1.Type != message.SetID {
		t.Fatalf("reply1.Type = %v, want SetID", reply1.Type)
	}

	conn2 := dial(t, addr)
	defer conn2.Close()
	if _, err := RequestIdentify(context.Background(), conn2, "slave-b"); err != nil {
		t.Fatalf("RequestIdentify: %v", err)
	}
	r2 := bufio.NewReader(conn2)
	reply2, err := message.Read(r2)
	if err != nil {
		t.Fatalf("read reply 2: %v", err)
	}
	if reply2.Type != message.SetID {
		t.Fatalf("reply2.Type = %v, want SetID", reply2.Type)
	}
	if string(reply1.Payload) == string(reply2.Payload) {
		t.Fatalf("expected distinct assigned IDs, got %s twice", reply1.Payload)
	}
}

func TestBroadcastMessageReachesOtherPeers(t *testing.T) {
	_, addr := startTestHub(t)

	a := dial(t, addr)
	defer a.Close()
	b := dial(t, addr)
	defer b.Close()

	// Let the accept loop register both connections before sending from a.
	time.Sleep(50 * time.Millisecond)

	aw := bufio.NewWriter(a)
	env := message.NewEnvelope(message.SendText, 0, 0, []byte("hello"))
	if err := message.Write(aw, env); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(b)
	got, err := message.Read(br)
	if err != nil {
		t.Fatalf("expected broadcast to reach peer b: %v", err)
	}
	if got.Type != message.SendText {
		t.Fatalf("got.Type = %v, want SendText", got.Type)
	}
}

func TestManagerIdentifyRegistersAsManagerPeerWithoutHubID(t *testing.T) {
	h, addr := startTestHub(t)

	conn := dial(t, addr)
	defer conn.Close()
	identify(t, conn, PeerManager, "test-manager")

	// A manager identifying never receives a SetID reply: give the hub a
	// moment to process, then confirm forwardToManager actually reaches it.
	time.Sleep(50 * time.Millisecond)

	h.mu.Lock()
	got := h.managerPeer
	h.mu.Unlock()
	if got == nil {
		t.Fatal("expected managerPeer to be set after a manager Identify")
	}

	env := message.NewEnvelope(message.SetParameter, 1, 0, []byte(`{"module_id":1,"name":"x"}`))
	h.forwardToManager(nil, env)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	got2, err := message.Read(r)
	if err != nil {
		t.Fatalf("expected forwarded message at manager connection: %v", err)
	}
	if got2.Type != message.SetParameter {
		t.Fatalf("got2.Type = %v, want SetParameter", got2.Type)
	}
}

func TestUIIdentifyNeverAssignsHubID(t *testing.T) {
	_, addr := startTestHub(t)

	conn := dial(t, addr)
	defer conn.Close()
	identify(t, conn, PeerUI, "some-ui")

	// A UI peer should not get a SetID reply; assert no message arrives
	// within a short window instead.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	r := bufio.NewReader(conn)
	if _, err := message.Read(r); err == nil {
		t.Fatal("expected no SetID reply for a UI peer")
	}
}

func TestHandleSpawnStampsModuleIDAndBroadcasts(t *testing.T) {
	_, addr := startTestHub(t)

	a := dial(t, addr)
	defer a.Close()
	b := dial(t, addr)
	defer b.Close()
	time.Sleep(50 * time.Millisecond)

	payload, _ := json.Marshal(spawnPayload{Name: "Reader"})
	aw := bufio.NewWriter(a)
	if err := message.Write(aw, message.NewEnvelope(message.Spawn, 0, 0, payload)); err != nil {
		t.Fatalf("write spawn: %v", err)
	}
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(b)
	got, err := message.Read(br)
	if err != nil {
		t.Fatalf("expected stamped Spawn broadcast to peer b: %v", err)
	}
	if got.Type != message.Spawn {
		t.Fatalf("got.Type = %v, want Spawn", got.Type)
	}
	var p spawnPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("decode stamped spawn payload: %v", err)
	}
	if p.ModuleID == 0 {
		t.Fatal("expected a non-zero stamped module ID")
	}
	if p.RankCount != 1 {
		t.Fatalf("RankCount = %d, want 1 (default)", p.RankCount)
	}
}

func TestDeliverBulkRoutesToManagerPeer(t *testing.T) {
	h, addr := startTestHub(t)

	conn := dial(t, addr)
	defer conn.Close()
	identify(t, conn, PeerManager, "test-manager")
	time.Sleep(50 * time.Millisecond)

	env := message.NewEnvelope(message.SendObject, 1, 0, []byte("bulk-payload"))
	if err := h.DeliverBulk(context.Background(), env); err != nil {
		t.Fatalf("DeliverBulk: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	got, err := message.Read(r)
	if err != nil {
		t.Fatalf("expected bulk message delivered to manager peer: %v", err)
	}
	if got.Type != message.SendObject {
		t.Fatalf("got.Type = %v, want SendObject", got.Type)
	}
}

func TestDeliverBulkWithNoManagerPeerIsANoop(t *testing.T) {
	h, _ := startTestHub(t)
	env := message.NewEnvelope(message.SendObject, 1, 0, []byte("bulk-payload"))
	if err := h.DeliverBulk(context.Background(), env); err != nil {
		t.Fatalf("DeliverBulk with no manager peer should not error, got: %v", err)
	}
}

func TestNextModuleIDIsSessionUnique(t *testing.T) {
	h := New(RoleMaster, statetracker.New("test"))
	seen := make(map[int]struct{})
	for i := 0; i < 100; i++ {
		id := h.NextModuleID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate module ID %d", id)
		}
		seen[id] = struct{}{}
	}
}
