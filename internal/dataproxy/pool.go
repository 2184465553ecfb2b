package dataproxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// connPool is a bounded pool of outbound connections to one remote proxy
// address. It starts empty and dials only when acquire finds no idle
// connection, up to maxConns; released connections stay idle for reuse and
// the pool never closes them itself. minConns is stored but not used: no
// connections are dialed in advance and no minimum number is kept open.
type connPool struct {
	addr           string
	minConns       int
	maxConns       int
	connectTimeout time.Duration

	mu    sync.Mutex
	idle  []net.Conn
	count int // total live connections, idle + checked out
	cond  *sync.Cond
}

func newConnPool(addr string, minConns, maxConns int, connectTimeout time.Duration) *connPool {
	p := &connPool{
		addr:           addr,
		minConns:       minConns,
		maxConns:       maxConns,
		connectTimeout: connectTimeout,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire returns an idle connection if one is available, dials a new one
// if the pool is below maxConns, or blocks until one of those becomes true
// or ctx is done.
func (p *connPool) acquire(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	for {
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return conn, nil
		}
		if p.count < p.maxConns {
			p.count++
			p.mu.Unlock()
			conn, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.count--
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}

		waitDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.cond.Broadcast()
			case <-waitDone:
			}
		}()
		p.cond.Wait()
		close(waitDone)

		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
}

func (p *connPool) dial(ctx context.Context) (net.Conn, error) {
	timeout := p.connectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.addr, err)
	}
	return conn, nil
}

// release returns conn to the idle set for reuse.
func (p *connPool) release(conn net.Conn) {
	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.cond.Signal()
}

// discard closes conn and removes it from the live count, used when a
// write/read on it failed and it should not be reused.
func (p *connPool) discard(conn net.Conn) {
	conn.Close()
	p.mu.Lock()
	p.count--
	p.mu.Unlock()
	p.cond.Signal()
}
