package dataproxy

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vistle-go/vistle/internal/message"
)

type fakeLocal struct {
	mu  sync.Mutex
	got []message.Envelope
}

func (f *fakeLocal) DeliverBulk(ctx context.Context, env message.Envelope) error {
	f.mu.Lock()
	f.got = append(f.got, env)
	f.mu.Unlock()
	return nil
}

func startProxy(t *testing.T, compress bool) (*Proxy, *fakeLocal, string) {
	t.Helper()
	local := &fakeLocal{}
	p := New(local, 1, 4, compress, 2*time.Second)
	ln, port, err := Listen(0, 1)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	_ = port
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go p.Serve(ctx, ln)
	return p, local, ln.Addr().String()
}

func TestForwardsRequestObjectFromLocalClient(t *testing.T) {
	_, local, addr := startProxy(t, false)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte(string(KindLocalBulkData) + "\n"))

	w := bufio.NewWriter(conn)
	env := message.NewEnvelope(message.RequestObject, 1, 0, []byte("obj-name"))
	if err := message.Write(w, env); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Flush()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		local.mu.Lock()
		n := len(local.got)
		local.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.got) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(local.got))
	}
	if local.got[0].Type != message.RequestObject {
		t.Fatalf("delivered type = %v, want RequestObject", local.got[0].Type)
	}
}

func TestRejectsUnidentifiedConnection(t *testing.T) {
	_, local, addr := startProxy(t, false)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte("GARBAGE\n"))

	time.Sleep(100 * time.Millisecond)

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.got) != 0 {
		t.Fatalf("expected no delivery for unidentified client, got %d", len(local.got))
	}
}

func TestRejectsNonForwardedType(t *testing.T) {
	_, local, addr := startProxy(t, false)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte(string(KindLocalBulkData) + "\n"))

	w := bufio.NewWriter(conn)
	env := message.NewEnvelope(message.Ping, 1, 0, nil)
	message.Write(w, env)
	w.Flush()

	time.Sleep(100 * time.Millisecond)

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.got) != 0 {
		t.Fatalf("expected Ping to be rejected as a protocol violation, got %d deliveries", len(local.got))
	}
}

func TestConnPoolAcquireReleaseReuses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go discardReads(conn)
		}
	}()

	pool := newConnPool(ln.Addr().String(), 1, 2, 2*time.Second)
	ctx := context.Background()

	c1, err := pool.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.release(c1)

	c2, err := pool.acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c2 != c1 {
		t.Fatal("expected released connection to be reused")
	}
	pool.release(c2)
}

func discardReads(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			conn.Close()
			return
		}
	}
}
