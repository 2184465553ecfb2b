package router

import (
	"testing"

	"github.com/vistle-go/vistle/internal/message"
)

func TestAddPortIsTrackedBroadcastAndLocked(t *testing.T) {
	f := For(message.AddPort)
	if !f.Track || !f.Broadcast || !f.Lock {
		t.Fatalf("AddPort flags = %+v, want Track=true Broadcast=true Lock=true", f)
	}
}

func TestPingIsUntracked(t *testing.T) {
	f := For(message.Ping)
	if f.Track || f.Broadcast || f.Forward || f.Lock || f.Queue {
		t.Fatalf("Ping flags = %+v, want all false", f)
	}
}

func TestExecuteIsForwardedAndQueued(t *testing.T) {
	f := For(message.Execute)
	if !f.Forward || !f.Queue {
		t.Fatalf("Execute flags = %+v, want Forward=true Queue=true", f)
	}
}

func TestUnknownTypeRoutesAllFalse(t *testing.T) {
	f := For(message.Type(12345))
	if f.Track || f.Broadcast || f.Forward || f.Lock || f.Queue {
		t.Fatalf("unknown type flags = %+v, want all false", f)
	}
}
