package spawn

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestProcessRestartsOnCrash(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var reasons []ExitReason

	p := &Process{
		Name:        "sh",
		Args:        []string{"-c", "exit 1"},
		LogPath:     filepath.Join(dir, "out.log"),
		CrashWindow: time.Second,
		CrashLimit:  2,
		StopGrace:   time.Second,
		OnExit: func(reason ExitReason, err error) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reasons)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) == 0 {
		t.Fatal("expected at least one crash/give-up callback")
	}
	last := reasons[len(reasons)-1]
	if last != ExitCrashed && last != ExitGaveUp {
		t.Fatalf("last reason = %v, want ExitCrashed or ExitGaveUp", last)
	}
}

func TestProcessStopIsClean(t *testing.T) {
	dir := t.TempDir()

	stopped := make(chan ExitReason, 1)
	p := &Process{
		Name:      "sh",
		Args:      []string{"-c", "sleep 30"},
		LogPath:   filepath.Join(dir, "out.log"),
		StopGrace: time.Second,
		OnExit: func(reason ExitReason, err error) {
			stopped <- reason
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	p.Stop()

	select {
	case reason := <-stopped:
		if reason != ExitStopped {
			t.Fatalf("reason = %v, want ExitStopped", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not report exit in time")
	}
}
