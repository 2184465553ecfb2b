// Package clusterbus defines the MPI-shaped transport abstraction the
// cluster manager uses to coordinate its ranks, without core logic ever
// knowing whether the ranks are goroutines in one process or separate OS
// processes. Modeled on a control-channel split: core code calls a small
// interface, and a backend-specific implementation owns the real transport.
package clusterbus

import "context"

// Bus is the contract every rank of a cluster-manager process uses to
// coordinate with its peers, standing in for the MPI primitives
// (MPI_Irecv(AnySource), MPI_Irecv(ToRank0), MPI_Bcast) the original design
// assumes are available to every process. Core cluster-manager logic only
// ever calls this interface — it never sees the underlying transport.
type Bus interface {
	// Rank returns this process's rank within the bus (0 is the root rank,
	// the only one with a direct connection to the hub).
	Rank() int

	// Size returns the total number of ranks on this bus.
	Size() int

	// Broadcast sends payload from rank 0 to every other rank. The local
	// backend also delivers it to rank 0's own RecvBroadcast; the process
	// backend's root never receives its own broadcasts. Calling Broadcast
	// from a non-zero rank is an error.
	Broadcast(ctx context.Context, payload []byte) error

	// RecvBroadcast blocks until the next broadcast payload is available.
	RecvBroadcast(ctx context.Context) ([]byte, error)

	// SendToRank0 sends payload from the calling rank to rank 0. Calling
	// SendToRank0 from rank 0 is a local delivery, not a network round
	// trip, matching MPI's handling of self-sends.
	SendToRank0(ctx context.Context, payload []byte) error

	// RecvFromAnyRank blocks until a payload sent via SendToRank0 is
	// available, returning it along with the sending rank. Only valid to
	// call from rank 0.
	RecvFromAnyRank(ctx context.Context) ([]byte, int, error)

	// Close releases any resources (goroutines, sockets) backing the bus.
	Close() error
}
