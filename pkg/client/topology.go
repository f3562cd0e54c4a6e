package client

import (
	"github.com/kjnchat/kjnchat/pkg/protocol"
)

// topology keeps the active broker subscription set converged to the
// invariant: {inbox, errors, typing} ∪ {public | group:{id}, from the active
// context}. Direct contexts add nothing; direct delivery rides the inbox.
//
// All methods are called from the session loop, so no locking. Convergence
// is idempotent: calling it twice with the same desired state neither
// duplicates subscriptions nor leaks handles.
type topology struct {
	conn   ConnectionInterface
	userID string
	logger Logger

	// active is the bookkeeping of channels believed subscribed on the
	// current transport. Cleared wholesale when the transport drops.
	active map[string]bool
}

func newTopology(conn ConnectionInterface, userID string, logger Logger) *topology {
	return &topology{
		conn:   conn,
		userID: userID,
		active: make(map[string]bool),
	}
}

func (t *topology) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}

// mandatory returns the three self-queues every connected session holds.
func (t *topology) mandatory() []string {
	return []string{
		protocol.InboxChannel(t.userID),
		protocol.ErrorChannel(t.userID),
		protocol.TypingChannel(t.userID),
	}
}

// desired computes the full subscription set for a context.
func (t *topology) desired(ctx ChatContext) map[string]bool {
	want := make(map[string]bool, 4)
	for _, ch := range t.mandatory() {
		want[ch] = true
	}
	if ch, ok := ctx.Channel(); ok {
		want[ch] = true
	}
	return want
}

// converge drives the active set to the desired set for ctx. Cancels first,
// then subscribes, so a context switch closes the old context channel before
// the new one opens.
func (t *topology) converge(ctx ChatContext) {
	want := t.desired(ctx)

	for ch := range t.active {
		if !want[ch] {
			t.cancel(ch)
		}
	}
	for ch := range want {
		if t.active[ch] {
			continue
		}
		if err := t.conn.Subscribe(ch); err != nil {
			t.logf("Subscribe %s failed: %v", ch, err)
			continue
		}
		t.active[ch] = true
	}
}

// cancel tears one subscription down defensively: a handle that the
// transport already invalidated must not propagate an error to the caller.
func (t *topology) cancel(ch string) {
	if !t.active[ch] {
		return
	}
	delete(t.active, ch)
	if err := t.conn.Unsubscribe(ch); err != nil {
		t.logf("Unsubscribe %s failed (ignored): %v", ch, err)
	}
}

// invalidate forgets all bookkeeping after a transport loss. The broker side
// of every subscription died with the socket; the desired state lives in the
// session's active context and is re-established on the next converge.
func (t *topology) invalidate() {
	t.active = make(map[string]bool)
}

// count reports how many subscriptions are currently held.
func (t *topology) count() int {
	return len(t.active)
}

// has reports whether a channel is currently subscribed.
func (t *topology) has(ch string) bool {
	return t.active[ch]
}
