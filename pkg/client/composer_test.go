package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjnchat/kjnchat/pkg/protocol"
)

func TestSendMessagePublicEcho(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.NoError(t, sess.SendMessage("  hello world  "))

	// The echo is in the list before SendMessage returns.
	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello world", msgs[0].Content)
	assert.Equal(t, "self", msgs[0].SenderID)
	assert.True(t, msgs[0].IsLocalEcho)

	published := conn.PublishedTo(protocol.DestSendPublic)
	require.Len(t, published, 1)
	assert.Equal(t, "hello world", published[0].Envelope.Content)
	assert.Nil(t, published[0].Envelope.Recipient)
	assert.Nil(t, published[0].Envelope.Group)
	assert.NotEmpty(t, published[0].Envelope.ID)
	assert.NotEmpty(t, published[0].Envelope.Timestamp)
}

func TestSendMessageDirectAddressing(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)
	require.NoError(t, sess.SelectContext(DirectContext(alice)))

	require.NoError(t, sess.SendMessage("hi alice"))

	published := conn.PublishedTo(protocol.DestSendDirect("u-alice"))
	require.Len(t, published, 1)
	require.NotNil(t, published[0].Envelope.Recipient)
	assert.Equal(t, "u-alice", published[0].Envelope.Recipient.ID)

	msgs := sess.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "u-alice", msgs[0].RecipientID)
}

func TestSendMessageGroupAddressing(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)
	require.NoError(t, sess.SelectContext(GroupContext(devs)))

	require.NoError(t, sess.SendMessage("hi devs"))

	published := conn.PublishedTo(protocol.DestSendGroup("g-devs"))
	require.Len(t, published, 1)
	require.NotNil(t, published[0].Envelope.Group)
	assert.Equal(t, "g-devs", published[0].Envelope.Group.ID)
}

func TestSendMessageEmptyRejected(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.ErrorIs(t, sess.SendMessage(""), ErrEmptyMessage)
	require.ErrorIs(t, sess.SendMessage("   \t\n"), ErrEmptyMessage)

	// Nothing hit the transport beyond the join announce, nothing was
	// appended.
	assert.Empty(t, conn.PublishedTo(protocol.DestSendPublic))
	assert.Empty(t, sess.Messages())
}

func TestSendMessageNotConnected(t *testing.T) {
	conn := NewMockConnection()
	sess := NewSession(conn, newStubDirectory(), testSelf, func() (string, bool) { return "token", true }, testConfig())
	t.Cleanup(func() { sess.Disconnect() })

	require.ErrorIs(t, sess.SendMessage("hello"), ErrNotConnected)
	assert.Empty(t, sess.Messages())
}

func TestSendMessageCredentialLoss(t *testing.T) {
	conn := NewMockConnection()
	valid := true
	creds := func() (string, bool) { return "token", valid }
	sess := NewSession(conn, newStubDirectory(), testSelf, creds, testConfig())

	failed := make(chan error, 1)
	sess.OnAuthFailure(func(err error) { failed <- err })
	require.NoError(t, sess.Start())

	valid = false
	require.ErrorIs(t, sess.SendMessage("hello"), ErrNotAuthenticated)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("auth failure handler never fired")
	}
	assert.Equal(t, StateClosed, sess.State())
}

func TestEchoReconciliation(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.NoError(t, sess.SendMessage("ping"))
	require.Len(t, sess.Messages(), 1)

	// The broker's copy comes back with a server-assigned identity.
	serverCopy := &protocol.Envelope{
		ID:        "server-1",
		Type:      protocol.KindChat,
		Sender:    &testSelf,
		Content:   "ping",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, serverCopy))

	require.Eventually(t, func() bool {
		msgs := sess.Messages()
		return len(msgs) == 1 && !msgs[0].IsLocalEcho
	}, 2*time.Second, 5*time.Millisecond)

	msgs := sess.Messages()
	assert.Equal(t, "server-1", msgs[0].ID, "server identity replaces the local one")
}

func TestEchoReconciliationEmitsConfirmed(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	require.NoError(t, sess.SendMessage("ping"))
	localID := sess.Messages()[0].ID

	serverCopy := &protocol.Envelope{
		ID:      "server-1",
		Type:    protocol.KindChat,
		Sender:  &testSelf,
		Content: "ping",
	}
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, serverCopy))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sess.Events():
			if c, ok := ev.(MessageConfirmed); ok {
				assert.Equal(t, "server-1", c.ID)
				assert.Equal(t, localID, c.LocalID)
				return
			}
		case <-deadline:
			t.Fatal("no confirmation event observed")
		}
	}
}

func TestUnmatchedSelfCopyAppends(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	// A self copy with no pending echo (sent from another device) is a
	// normal append.
	require.NoError(t, conn.SimulateMessage(protocol.PublicChannel, chatEnvelope(testSelf, "from elsewhere")))

	msgs := waitMessages(t, sess, 1)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsLocalEcho)
}

func TestTypingDebounceCollapses(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)

	// A burst of input activity produces exactly one indicator after the
	// quiet period.
	for i := 0; i < 5; i++ {
		sess.Typing()
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(conn.PublishedTo(protocol.DestTypingPublic)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// And stays at one: the debounce timer does not re-fire.
	time.Sleep(3 * testConfig().TypingDebounce)
	assert.Len(t, conn.PublishedTo(protocol.DestTypingPublic), 1)
}

func TestTypingTargetsActiveContext(t *testing.T) {
	sess, conn, _ := newTestSession(t)
	startSession(t, sess)
	require.NoError(t, sess.SelectContext(DirectContext(alice)))

	sess.Typing()
	require.Eventually(t, func() bool {
		return len(conn.PublishedTo(protocol.DestTypingDirect("u-alice"))) == 1
	}, 2*time.Second, 5*time.Millisecond)

	published := conn.PublishedTo(protocol.DestTypingDirect("u-alice"))
	assert.Equal(t, protocol.KindTyping, published[0].Envelope.Type)
	assert.Equal(t, "selfuser is typing...", published[0].Envelope.Content)
}

func TestTypingSuppressedWhileDisconnected(t *testing.T) {
	conn := NewMockConnection()
	sess := NewSession(conn, newStubDirectory(), testSelf, func() (string, bool) { return "token", true }, testConfig())
	t.Cleanup(func() { sess.Disconnect() })

	sess.Typing()
	time.Sleep(3 * testConfig().TypingDebounce)
	assert.Empty(t, conn.Published)
}
