package statetracker

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vistle-go/vistle/internal/message"
)

// RegisterRequest marks id as a pending synchronous request: the next
// HandleReply call for a message carrying this UUID delivers it to a
// WaitForReply call blocked on it (Handle does not look at pending
// requests). Grounded on statetracker.h's registerRequest/
// waitForReply pair and on a demuxer's Call helper, which correlates a
// response to a blocked caller via a buffered channel keyed by request ID.
func (t *Tracker) RegisterRequest(id uuid.UUID) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	if _, exists := t.pending[id]; exists {
		return false
	}
	t.pending[id] = make(chan message.Envelope, 1)
	return true
}

// HandleReply delivers env to whatever WaitForReply call is blocked on
// env.UUID, if any. It returns false if nothing was waiting (the caller
// should still apply env to the model via Handle — HandleReply only
// satisfies the synchronous wait, it does not update tracked state).
func (t *Tracker) HandleReply(env message.Envelope) bool {
	t.pendingMu.Lock()
	ch, ok := t.pending[env.UUID]
	if ok {
		delete(t.pending, env.UUID)
	}
	t.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// WaitForReply blocks until a message carrying id arrives via HandleReply,
// ctx is done, or the request is abandoned via RemoveRequest. Callers
// register id with RegisterRequest before sending the request that will
// eventually be answered, to avoid a race between send and reply.
func (t *Tracker) WaitForReply(ctx context.Context, id uuid.UUID) (message.Envelope, error) {
	t.pendingMu.Lock()
	ch, ok := t.pending[id]
	t.pendingMu.Unlock()
	if !ok {
		return message.Envelope{}, fmt.Errorf("statetracker: no pending request for %s", id)
	}

	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		t.RemoveRequest(id)
		return message.Envelope{}, ctx.Err()
	}
}

// RemoveRequest abandons a pending request, e.g. because its sender gave up
// or the module it targeted exited before replying.
func (t *Tracker) RemoveRequest(id uuid.UUID) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}
