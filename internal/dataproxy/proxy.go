// Package dataproxy implements the bulk-data TCP multiplexer colocated
// with each hub: a separate acceptor from the control port that forwards
// RequestObject/SendObject/AddObjectCompleted/Identify messages between a
// local cluster manager and remote hubs' proxies, with an optional zstd
// compression pass over SendObject payloads, and a connection-pool-with-
// deadline shape (waitForAPI-style) for the pool's shared connect timeout.
package dataproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/vistle-go/vistle/internal/message"
)

// clientKind identifies what connected to the proxy acceptor, sent as the
// first line after connect ("identified by the first message after
// connect").
type clientKind string

const (
	KindLocalBulkData  clientKind = "LOCALBULKDATA"
	KindRemoteBulkData clientKind = "REMOTEBULKDATA"
)

// forwardedTypes is the small set of message types the proxy relays; every
// other type is a protocol violation and closes the connection.
var forwardedTypes = map[message.Type]bool{
	message.RequestObject:      true,
	message.SendObject:         true,
	message.AddObjectCompleted: true,
	message.Identify:           true,
}

// Local is the interface the proxy uses to reach the node-local cluster
// manager: deliver a message that arrived over a remote socket, addressed
// to a module on this node.
type Local interface {
	DeliverBulk(ctx context.Context, env message.Envelope) error
}

// Proxy is one hub's bulk-data acceptor plus its outbound connection pool
// to peer hubs' proxies.
type Proxy struct {
	local Local

	compress bool
	minConns int
	maxConns int

	connectTimeout time.Duration

	mu    sync.Mutex
	pools map[string]*connPool // keyed by remote proxy address
}

// New creates a proxy. minConns/maxConns bound the per-remote connection
// pool size; compress gates an optional zstd pass over SendObject payload
// bytes before they go on the wire.
func New(local Local, minConns, maxConns int, compress bool, connectTimeout time.Duration) *Proxy {
	if minConns < 1 {
		minConns = 1
	}
	if maxConns < minConns {
		maxConns = minConns
	}
	return &Proxy{
		local:          local,
		compress:       compress,
		minConns:       minConns,
		maxConns:       maxConns,
		connectTimeout: connectTimeout,
		pools:          make(map[string]*connPool),
	}
}

// Listen binds the proxy's accept socket, trying successive ports in
// [start, end) the same way internal/hub.Listen scans the control port
// range.
func Listen(start, end int) (net.Listener, int, error) {
	for port := start; port < end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("dataproxy: no free port in range [%d, %d)", start, end)
}

// Serve accepts connections until ctx is done, dispatching each to its own
// handler goroutine.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
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
				return fmt.Errorf("dataproxy: accept: %w", err)
			}
		}
		go p.handleConn(ctx, conn)
	}
}

// handleConn reads the client's identity line, then hands every forwarded
// message type it reads from the socket to Local for the lifetime of the
// connection, whether the client is local or remote. Nothing read here is
// sent back out over this proxy's connection pool; reaching a remote hub is
// left to callers of SendToRemote.
func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	kindLine, err := br.ReadString('\n')
	if err != nil {
		return
	}
	kind := clientKind(bytes.TrimSpace([]byte(kindLine)))
	if kind != KindLocalBulkData && kind != KindRemoteBulkData {
		log.Printf("dataproxy: protocol violation: unexpected identity %q", kindLine)
		return
	}

	for {
		env, err := message.Read(br)
		if err != nil {
			if err != io.EOF {
				log.Printf("dataproxy: read: %v", err)
			}
			return
		}
		if !forwardedTypes[env.Type] {
			log.Printf("dataproxy: protocol violation: unexpected type %s from %s", env.Type, kind)
			return
		}

		if env.Type == message.SendObject && p.compress {
			if kind == KindRemoteBulkData {
				env.Payload, err = decompressPayload(env.Payload)
			} else {
				env.Payload, err = compressPayload(env.Payload)
			}
			if err != nil {
				log.Printf("dataproxy: compress/decompress: %v", err)
				return
			}
		}

		if err := p.local.DeliverBulk(ctx, env); err != nil {
			log.Printf("dataproxy: deliver: %v", err)
		}
	}
}

// SendToRemote forwards env to the bulk-data proxy listening at addr,
// acquiring a pooled connection and returning it to the pool on success.
func (p *Proxy) SendToRemote(ctx context.Context, addr string, env message.Envelope) error {
	pool := p.poolFor(addr)
	conn, err := pool.acquire(ctx)
	if err != nil {
		return fmt.Errorf("dataproxy: acquire conn to %s: %w", addr, err)
	}

	w := bufio.NewWriter(conn)
	if err := message.Write(w, env); err != nil {
		pool.discard(conn)
		return fmt.Errorf("dataproxy: write: %w", err)
	}
	if err := w.Flush(); err != nil {
		pool.discard(conn)
		return fmt.Errorf("dataproxy: flush: %w", err)
	}
	pool.release(conn)
	return nil
}

func (p *Proxy) poolFor(addr string) *connPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.pools[addr]
	if !ok {
		pool = newConnPool(addr, p.minConns, p.maxConns, p.connectTimeout)
		p.pools[addr] = pool
	}
	return pool
}

func compressPayload(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressPayload(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
