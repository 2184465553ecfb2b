package clusterbus

import (
	"context"
	"testing"
	"time"
)

func TestLocalClusterBroadcastReachesEveryRank(t *testing.T) {
	buses := NewLocalCluster(3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errCh := make(chan error, 3)
	for _, b := range buses {
		go func(b Bus) {
			_, err := b.RecvBroadcast(ctx)
			errCh <- err
		}(b)
	}

	if err := buses[0].Broadcast(ctx, []byte("hello")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("RecvBroadcast: %v", err)
		}
	}
}

func TestLocalClusterSendToRank0(t *testing.T) {
	buses := NewLocalCluster(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go buses[1].SendToRank0(ctx, []byte("ping"))

	payload, rank, err := buses[0].RecvFromAnyRank(ctx)
	if err != nil {
		t.Fatalf("RecvFromAnyRank: %v", err)
	}
	if rank != 1 || string(payload) != "ping" {
		t.Fatalf("got rank=%d payload=%q, want rank=1 payload=ping", rank, payload)
	}
}

func TestBroadcastFromNonRootErrors(t *testing.T) {
	buses := NewLocalCluster(2)
	ctx := context.Background()
	if err := buses[1].Broadcast(ctx, nil); err == nil {
		t.Fatal("expected error broadcasting from non-root rank")
	}
}
