package sessionlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vistle-go/vistle/internal/message"
)

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "session.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	env1 := message.Envelope{UUID: uuid.New(), Type: message.Spawn, Payload: []byte("a"), Timestamp: time.Now()}
	env2 := message.Envelope{UUID: uuid.New(), Type: message.Started, Payload: []byte("b"), Timestamp: time.Now()}

	if err := l.Append(env1); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if err := l.Append(env2); err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	n, err := l.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}

	replayed, err := l.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("Replay returned %d messages, want 2", len(replayed))
	}
	if replayed[0].Type != message.Spawn || replayed[1].Type != message.Started {
		t.Fatalf("replayed out of order: %v, %v", replayed[0].Type, replayed[1].Type)
	}
	if replayed[0].UUID != env1.UUID {
		t.Fatalf("replayed[0].UUID = %v, want %v", replayed[0].UUID, env1.UUID)
	}
}

func TestCountOnEmptyLedgerIsZero(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "session.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	n, err := l.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("Count = %d, want 0", n)
	}
}
