package client

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kjnchat/kjnchat/pkg/protocol"
)

// destinationFor computes where an outgoing chat message goes from the
// active context: group-scoped, peer-scoped, or public.
func (s *Session) destinationFor() string {
	switch s.active.Scope() {
	case ScopeGroup:
		g, _ := s.active.Group()
		return protocol.DestSendGroup(g.ID)
	case ScopeDirect:
		peer, _ := s.active.Peer()
		return protocol.DestSendDirect(peer.ID)
	default:
		return protocol.DestSendPublic
	}
}

func (s *Session) typingDestination() string {
	switch s.active.Scope() {
	case ScopeGroup:
		g, _ := s.active.Group()
		return protocol.DestTypingGroup(g.ID)
	case ScopeDirect:
		peer, _ := s.active.Peer()
		return protocol.DestTypingDirect(peer.ID)
	default:
		return protocol.DestTypingPublic
	}
}

// addressEnvelope fills recipient/group from the active context.
func (s *Session) addressEnvelope(env *protocol.Envelope) {
	if peer, ok := s.active.Peer(); ok {
		env.Recipient = &peer
	}
	if g, ok := s.active.Group(); ok {
		env.Group = &g
	}
}

func (s *Session) countPublish(kind protocol.MessageKind) {
	if s.metrics != nil {
		s.metrics.Publishes.WithLabelValues(string(kind)).Inc()
	}
}

// SendMessage publishes a chat message to the active context and appends an
// optimistic local echo before the publish returns. Empty or whitespace-only
// content is rejected without contacting the transport; a missing credential
// fails closed and escalates as an auth failure.
func (s *Session) SendMessage(content string) error {
	var err error
	if doErr := s.do(func() { err = s.sendMessage(content) }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) sendMessage(content string) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ErrEmptyMessage
	}
	if _, ok := s.creds(); !ok {
		s.failAuth(ErrNotAuthenticated)
		return ErrNotAuthenticated
	}
	if s.state != StateConnected {
		return ErrNotConnected
	}

	now := s.clock()
	env := &protocol.Envelope{
		ID:        uuid.NewString(),
		Type:      protocol.KindChat,
		Sender:    &s.self,
		Content:   trimmed,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	s.addressEnvelope(env)

	// Local echo first: the UI must feel immediate.
	echo := protocol.Message{
		ID:          env.ID,
		SenderID:    s.self.ID,
		SenderName:  s.self.Username,
		Content:     trimmed,
		Timestamp:   now,
		Kind:        protocol.KindChat,
		IsLocalEcho: true,
	}
	if env.Recipient != nil {
		echo.RecipientID = env.Recipient.ID
		echo.RecipientName = env.Recipient.Username
	}
	if env.Group != nil {
		echo.GroupID = env.Group.ID
		echo.GroupName = env.Group.GroupName
	}
	s.messages = append(s.messages, echo)
	s.echoes = append(s.echoes, pendingEcho{
		localID:    env.ID,
		content:    trimmed,
		contextKey: s.active.Key(),
		at:         now,
	})
	s.emit(MessageAppended{Message: echo})

	if err := s.conn.Publish(s.destinationFor(), env); err != nil {
		if err == ErrNotAuthenticated {
			s.failAuth(err)
			return err
		}
		s.notice(SeverityWarning, "send failed", err)
		return nil
	}
	s.countPublish(protocol.KindChat)
	return nil
}

// Typing records input activity. Outbound typing indicators are
// trailing-edge debounced: continued activity keeps pushing the timer, and
// one indicator goes out after the activity pauses. Suppressed entirely
// while disconnected.
func (s *Session) Typing() {
	s.post(func() {
		if s.state != StateConnected {
			return
		}
		if s.debounce != nil {
			s.debounce.Reset(s.cfg.TypingDebounce)
			return
		}
		s.debounce = time.AfterFunc(s.cfg.TypingDebounce, func() {
			s.post(s.fireTyping)
		})
	})
}

func (s *Session) fireTyping() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.state != StateConnected {
		return
	}
	if _, ok := s.creds(); !ok {
		s.failAuth(ErrNotAuthenticated)
		return
	}

	env := &protocol.Envelope{
		Type:    protocol.KindTyping,
		Sender:  &s.self,
		Content: s.self.Username + " is typing...",
	}
	s.addressEnvelope(env)

	if err := s.conn.Publish(s.typingDestination(), env); err != nil {
		s.logf("Typing publish failed: %v", err)
		return
	}
	s.countPublish(protocol.KindTyping)
}

// publishJoin announces presence right after entering Connected.
func (s *Session) publishJoin() {
	env := &protocol.Envelope{
		Type:      protocol.KindJoin,
		Sender:    &s.self,
		Timestamp: s.clock().UTC().Format(time.RFC3339),
	}
	if err := s.conn.Publish(protocol.DestJoin, env); err != nil {
		s.notice(SeverityWarning, "join announce failed", err)
		return
	}
	s.countPublish(protocol.KindJoin)
}

// publishLeave announces departure on explicit logout. Best effort.
func (s *Session) publishLeave() {
	env := &protocol.Envelope{
		Type:      protocol.KindLeave,
		Sender:    &s.self,
		Timestamp: s.clock().UTC().Format(time.RFC3339),
	}
	if err := s.conn.Publish(protocol.DestLeave, env); err != nil {
		s.logf("Leave announce failed: %v", err)
		return
	}
	s.countPublish(protocol.KindLeave)
}
