package clusterbus

import (
	"context"
	"fmt"
	"sync"
)

type rankMsg struct {
	rank    int
	payload []byte
}

// localGroup is the shared state backing every rank's localBus in one
// single-process cluster: the "network" here is just Go channels since all
// ranks live in the same process (used for tests and single-node
// development clusters).
type localGroup struct {
	mu        sync.Mutex
	size      int
	broadcast []chan []byte // one subscriber channel per rank, fed by rank 0
	toRank0   chan rankMsg
}

// NewLocalCluster creates size ranks of an in-process Bus group, sharing Go
// channels instead of any real interconnect. Rank 0 is always the first
// element of the returned slice.
func NewLocalCluster(size int) []Bus {
	g := &localGroup{
		size:    size,
		toRank0: make(chan rankMsg, 256),
	}
	for i := 0; i < size; i++ {
		g.broadcast = append(g.broadcast, make(chan []byte, 256))
	}

	buses := make([]Bus, size)
	for i := 0; i < size; i++ {
		buses[i] = &localBus{group: g, rank: i}
	}
	return buses
}

type localBus struct {
	group *localGroup
	rank  int
}

func (b *localBus) Rank() int { return b.rank }
func (b *localBus) Size() int { return b.group.size }

func (b *localBus) Broadcast(ctx context.Context, payload []byte) error {
	if b.rank != 0 {
		return fmt.Errorf("clusterbus: Broadcast called from non-root rank %d", b.rank)
	}
	for _, ch := range b.group.broadcast {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *localBus) RecvBroadcast(ctx context.Context) ([]byte, error) {
	select {
	case p := <-b.group.broadcast[b.rank]:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *localBus) SendToRank0(ctx context.Context, payload []byte) error {
	select {
	case b.group.toRank0 <- rankMsg{rank: b.rank, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *localBus) RecvFromAnyRank(ctx context.Context) ([]byte, int, error) {
	if b.rank != 0 {
		return nil, 0, fmt.Errorf("clusterbus: RecvFromAnyRank called from non-root rank %d", b.rank)
	}
	select {
	case m := <-b.group.toRank0:
		return m.payload, m.rank, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

func (b *localBus) Close() error { return nil }
