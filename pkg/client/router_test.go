package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjnchat/kjnchat/pkg/protocol"
)

func directEnvelope(sender, recipient protocol.UserRef, content string) *protocol.Envelope {
	env := chatEnvelope(sender, content)
	env.Recipient = &recipient
	return env
}

func groupEnvelope(sender protocol.UserRef, group protocol.GroupRef, content string) *protocol.Envelope {
	env := chatEnvelope(sender, content)
	env.Group = &group
	return env
}

func typingEnvelope(sender protocol.UserRef) *protocol.Envelope {
	return &protocol.Envelope{
		Type:    protocol.KindTyping,
		Sender:  &sender,
		Content: sender.Username + " is typing...",
	}
}

func waitMessages(t *testing.T, sess *Session, n int) []protocol.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(sess.Messages()) >= n }, 2*time.Second, 5*time.Millisecond)
	return sess.Messages()
}

// Frames on the incoming channel are processed in order, so once a trailing
// marker frame shows up in the message list everything simulated before it
// has been routed. Tests for "this envelope is ignored" rely on that.

func TestPublicContextRouting(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, chatEnvelope(alice, "to everyone")))
	// Direct- and group-addressed traffic is not part of the public room.
	require.NoError(t, conn.SimulateMessage(protocol.InboxChannel("self"), directEnvelope(alice, testSelf, "to you")))
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, groupEnvelope(alice, devs, "to devs")))
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, chatEnvelope(bob, "marker")))

	msgs := waitMessages(t, sess, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "to everyone", msgs[0].Content)
	assert.Equal(t, "marker", msgs[1].Content)
}

func TestDirectContextRouting(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)
	require.NoError(t, sess.SelectContext(DirectContext(alice)))

	// Both directions of the conversation are relevant.
	require.NoError(t, conn.SimulateMessage(protocol.InboxChannel("self"), directEnvelope(alice, testSelf, "from peer")))
	require.NoError(t, conn.SimulateMessage(protocol.InboxChannel("self"), directEnvelope(testSelf, alice, "from me")))
	// A different peer's message is not.
	require.NoError(t, conn.SimulateMessage(protocol.InboxChannel("self"), directEnvelope(bob, testSelf, "wrong peer")))
	// Unaddressed traffic is not.
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, chatEnvelope(alice, "public noise")))
	require.NoError(t, conn.SimulateMessage(protocol.InboxChannel("self"), directEnvelope(alice, testSelf, "marker")))

	msgs := waitMessages(t, sess, 3)
	require.Len(t, msgs, 3)
	assert.Equal(t, "from peer", msgs[0].Content)
	assert.Equal(t, "from me", msgs[1].Content)
	assert.Equal(t, "marker", msgs[2].Content)
}

func TestGroupContextRouting(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)
	require.NoError(t, sess.SelectContext(GroupContext(devs)))

	other := protocol.GroupRef{ID: "g-ops", GroupName: "ops"}
	require.NoError(t, conn.SimulateMessage(protocol.GroupChannel("g-devs"), groupEnvelope(alice, devs, "for devs")))
	require.NoError(t, conn.SimulateMessage(protocol.GroupChannel("g-devs"), groupEnvelope(alice, other, "for ops")))
	require.NoError(t, conn.SimulateMessage(protocol.GroupChannel("g-devs"), chatEnvelope(alice, "unaddressed")))
	require.NoError(t, conn.SimulateMessage(protocol.GroupChannel("g-devs"), groupEnvelope(bob, devs, "marker")))

	msgs := waitMessages(t, sess, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "for devs", msgs[0].Content)
	assert.Equal(t, "marker", msgs[1].Content)
}

func TestJoinLeaveRenderedAsStatus(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	join := &protocol.Envelope{Type: protocol.KindJoin, Sender: &alice}
	leave := &protocol.Envelope{Type: protocol.KindLeave, Sender: &bob}
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, join))
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, leave))

	msgs := waitMessages(t, sess, 2)
	assert.Equal(t, "alice joined the chat.", msgs[0].Content)
	assert.Equal(t, "bob left the chat.", msgs[1].Content)
}

func TestJoinTriggersRosterRefresh(t *testing.T) {
	sess, conn, dir := newTestSession(t)
	startSession(t, sess)

	before, _, _, _ := dir.calls()
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, &protocol.Envelope{Type: protocol.KindJoin, Sender: &alice}))

	require.Eventually(t, func() bool {
		after, _, _, _ := dir.calls()
		return after > before
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGroupEventTriggersRefreshes(t *testing.T) {
	sess, conn, dir := newTestSession(t)
	startSession(t, sess)
	require.NoError(t, sess.SelectContext(GroupContext(devs)))

	// Let the membership fetch the context switch started finish first.
	require.Eventually(t, func() bool {
		_, _, members, _ := dir.calls()
		return members >= 1
	}, 2*time.Second, 5*time.Millisecond)
	_, groupsBefore, membersBefore, _ := dir.calls()

	// An event for a different group refreshes the group list only.
	other := &protocol.Envelope{
		Type:   protocol.KindGroupAdd,
		Sender: &alice,
		Group:  &protocol.GroupRef{ID: "g-ops", GroupName: "ops"},
	}
	require.NoError(t, conn.SimulateMessage(protocol.InboxChannel("self"), other))
	require.Eventually(t, func() bool {
		_, groups, _, _ := dir.calls()
		return groups > groupsBefore
	}, 2*time.Second, 5*time.Millisecond)
	_, _, members, _ := dir.calls()
	assert.Equal(t, membersBefore, members)

	// An event for the active group additionally refreshes its membership.
	active := &protocol.Envelope{Type: protocol.KindGroupRemove, Sender: &alice, Group: &devs}
	require.NoError(t, conn.SimulateMessage(protocol.InboxChannel("self"), active))
	require.Eventually(t, func() bool {
		_, _, members, _ := dir.calls()
		return members > membersBefore
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMalformedPayloadSurvivable(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	conn.SimulateRawMessage(protocol.PublicChannel, []byte("{not json"))
	conn.SimulateRawMessage(protocol.PublicChannel, []byte(`{"type":"EXPLODE","content":"x"}`))
	// Missing sender fails normalization.
	conn.SimulateRawMessage(protocol.PublicChannel, []byte(`{"type":"CHAT","content":"orphan"}`))

	// The session keeps routing afterwards.
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, chatEnvelope(alice, "still alive")))
	msgs := waitMessages(t, sess, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "still alive", msgs[0].Content)
}

func TestBrokerErrorSurfacesNotice(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	conn.SimulateBrokerError("no such group")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if n, ok := ev.(Notice); ok && n.Severity == SeverityError {
				return
			}
		case <-deadline:
			t.Fatal("no error notice observed")
		}
	}
}

func TestErrorQueueSurfacesNotice(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	conn.SimulateRawMessage(protocol.ErrorChannel("self"), []byte(`"message rejected"`))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if n, ok := ev.(Notice); ok && n.Severity == SeverityError {
				return
			}
		case <-deadline:
			t.Fatal("no error notice observed")
		}
	}
}

func TestDuplicateIDDropped(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	env := chatEnvelope(alice, "once")
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, env))
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, env))
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, chatEnvelope(bob, "marker")))

	msgs := waitMessages(t, sess, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "once", msgs[0].Content)
	assert.Equal(t, "marker", msgs[1].Content)
}

func TestTypingSignalLifecycle(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, typingEnvelope(alice)))
	require.Eventually(t, func() bool {
		users := sess.TypingUsers()
		return len(users) == 1 && users[0] == "alice"
	}, 2*time.Second, 5*time.Millisecond)

	// Expires on its own after the expiry window.
	require.Eventually(t, func() bool {
		return len(sess.TypingUsers()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTypingSignalRefreshExtends(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, typingEnvelope(alice)))
	require.Eventually(t, func() bool { return len(sess.TypingUsers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Keep refreshing at half the expiry window; the signal must survive
	// well past a single window.
	expiry := testConfig().TypingExpiry
	for i := 0; i < 4; i++ {
		require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, typingEnvelope(alice)))
		time.Sleep(expiry / 2)
		require.Len(t, sess.TypingUsers(), 1)
	}
}

func TestOwnTypingIgnored(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.NoError(t, conn.SimulateMessage(protocol.TypingChannel("self"), typingEnvelope(testSelf)))
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, typingEnvelope(alice)))

	require.Eventually(t, func() bool { return len(sess.TypingUsers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alice"}, sess.TypingUsers())
}

func TestTypingFromWrongContextIgnored(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)
	require.NoError(t, sess.SelectContext(DirectContext(alice)))

	// Only the active peer's typing shows in a direct context.
	require.NoError(t, conn.SimulateMessage(protocol.TypingChannel("self"), typingEnvelope(bob)))
	require.NoError(t, conn.SimulateMessage(protocol.TypingChannel("self"), typingEnvelope(alice)))

	require.Eventually(t, func() bool { return len(sess.TypingUsers()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"alice"}, sess.TypingUsers())
}

func TestContextSwitchClearsTyping(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, typingEnvelope(alice)))
	require.Eventually(t, func() bool { return len(sess.TypingUsers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sess.SelectContext(GroupContext(devs)))
	assert.Empty(t, sess.TypingUsers())
}
