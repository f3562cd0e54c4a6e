package client

import (
	"fmt"
	"time"

	"github.com/kjnchat/kjnchat/pkg/protocol"
)

// handleFrame classifies one broker frame. Malformed payloads are logged,
// counted and surfaced as advisory notices; they never propagate as a crash.
func (s *Session) handleFrame(frame *protocol.Frame) {
	switch frame.Op {
	case protocol.OpError:
		// Broker-level rejection of an action: surfaced, no state change.
		s.notice(SeverityError, "broker error: "+frame.Error, nil)
		return
	case protocol.OpMessage:
	default:
		s.logf("Ignoring frame op %q", frame.Op)
		return
	}

	if frame.Channel == protocol.ErrorChannel(s.self.ID) {
		// Server-pushed rejection delivered on the error queue.
		s.notice(SeverityError, "server rejected action: "+string(frame.Body), nil)
		return
	}

	env, err := protocol.DecodeEnvelope(frame.Body)
	if err != nil {
		s.dropMalformed(err)
		return
	}
	msg, err := env.Normalize(s.clock())
	if err != nil {
		s.dropMalformed(err)
		return
	}

	s.route(env, msg)
}

func (s *Session) dropMalformed(err error) {
	if s.metrics != nil {
		s.metrics.DecodeErrors.Inc()
	}
	s.notice(SeverityWarning, "malformed message dropped", err)
}

func (s *Session) countRouted(outcome string) {
	if s.metrics != nil {
		s.metrics.EnvelopesRouted.WithLabelValues(outcome).Inc()
	}
}

// route dispatches a decoded envelope: typing signal, message-list append,
// or ignore — plus the roster/group side effects that run regardless of
// display relevance. Typing signals that do not address the active context
// are dropped outright rather than tracked with a hidden expiry timer;
// switching contexts clears every signal, so an off-context timer could
// never surface.
func (s *Session) route(env *protocol.Envelope, msg protocol.Message) {
	if msg.Kind == protocol.KindTyping {
		if msg.SenderID != s.self.ID && s.typingMatches(env) {
			s.raiseTyping(msg)
			s.countRouted("typing")
		} else {
			s.countRouted("ignored")
		}
		return
	}

	if s.isRelevant(env, msg) {
		s.appendOrReconcile(msg)
	} else {
		s.countRouted("ignored")
	}

	s.dispatchSideEffects(msg)
}

// typingMatches reports whether a typing envelope addresses the active
// context: the sender is the direct peer, the group matches, or the
// envelope has no addressing while Public is active.
func (s *Session) typingMatches(env *protocol.Envelope) bool {
	switch s.active.Scope() {
	case ScopeDirect:
		peer, _ := s.active.Peer()
		return env.Sender != nil && env.Sender.ID == peer.ID
	case ScopeGroup:
		g, _ := s.active.Group()
		return env.Group != nil && env.Group.ID == g.ID
	default:
		return env.Recipient == nil && env.Group == nil
	}
}

// isRelevant decides whether a non-typing envelope belongs to the active
// context's message list.
//
// Direct relevance covers both directions of the conversation: the peer's
// messages addressed to this user, and this user's own messages addressed to
// the peer — the broker delivers the sender's copy back on the inbox queue.
func (s *Session) isRelevant(env *protocol.Envelope, msg protocol.Message) bool {
	switch s.active.Scope() {
	case ScopePublic:
		return env.Recipient == nil && env.Group == nil
	case ScopeDirect:
		if msg.Kind != protocol.KindChat || env.Recipient == nil {
			return false
		}
		peer, _ := s.active.Peer()
		fromPeer := msg.SenderID == peer.ID && env.Recipient.ID == s.self.ID
		fromSelf := msg.SenderID == s.self.ID && env.Recipient.ID == peer.ID
		return fromPeer || fromSelf
	case ScopeGroup:
		g, _ := s.active.Group()
		return msg.Kind == protocol.KindChat && env.Group != nil && env.Group.ID == g.ID
	}
	return false
}

// appendOrReconcile adds a relevant message to the list in arrival order.
// A CHAT from this user is first matched against pending local echoes and
// replaces its echo instead of duplicating it; anything else is appended,
// with an ID check covering copies that already arrived via the
// subscribe/history overlap window.
func (s *Session) appendOrReconcile(msg protocol.Message) {
	if msg.Kind == protocol.KindChat && msg.SenderID == s.self.ID {
		if s.reconcileEcho(msg) {
			s.countRouted("confirmed")
			return
		}
	}

	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.countRouted("duplicate")
			return
		}
	}

	if msg.Kind == protocol.KindJoin || msg.Kind == protocol.KindLeave {
		verb := "joined"
		if msg.Kind == protocol.KindLeave {
			verb = "left"
		}
		msg.Content = fmt.Sprintf("%s %s the chat.", msg.SenderName, verb)
	}

	s.messages = append(s.messages, msg)
	s.countRouted("appended")
	s.emit(MessageAppended{Message: msg})
}

// reconcileEcho matches a server-confirmed copy against pending local
// echoes by content and context within the echo window, replacing the echo
// in place. Returns false when nothing matched and the copy should be
// treated as a new message.
func (s *Session) reconcileEcho(msg protocol.Message) bool {
	now := s.clock()
	for i, echo := range s.echoes {
		if echo.content != msg.Content || echo.contextKey != s.active.Key() {
			continue
		}
		if now.Sub(echo.at) > s.cfg.EchoWindow {
			continue
		}

		s.echoes = append(s.echoes[:i], s.echoes[i+1:]...)
		for j := range s.messages {
			if s.messages[j].ID == echo.localID {
				confirmed := msg
				confirmed.IsLocalEcho = false
				s.messages[j] = confirmed
				if s.metrics != nil {
					s.metrics.EchoesReconciled.Inc()
				}
				s.emit(MessageConfirmed{ID: msg.ID, LocalID: echo.localID})
				return true
			}
		}
		// Echo left the list (context churn); treat the copy as new.
		return false
	}
	return false
}

// dispatchSideEffects runs the refreshes an event implies, independent of
// whether it was displayed: presence events invalidate the roster, group
// membership events invalidate the group list and, when they touch the
// active group, its membership and the user's admin standing.
func (s *Session) dispatchSideEffects(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindJoin, protocol.KindLeave:
		s.refreshRoster()
	case protocol.KindGroupAdd, protocol.KindGroupRemove:
		s.refreshGroups()
		if g, ok := s.active.Group(); ok && msg.GroupID == g.ID {
			s.refreshMembers(g.ID)
		}
	}
}

// raiseTyping creates or refreshes the signal for (sender, active context).
// Refreshing replaces the prior expiry timer; expiry posts back into the
// loop and is ignored if the signals were cleared in between.
func (s *Session) raiseTyping(msg protocol.Message) {
	key := typingKey{senderID: msg.SenderID, contextKey: s.active.Key()}
	gen := s.typingGen

	if entry, ok := s.typing[key]; ok {
		entry.timer.Stop()
		entry.timer = s.typingTimer(key, gen)
		if s.metrics != nil {
			s.metrics.TypingSignals.WithLabelValues("refreshed").Inc()
		}
		return
	}

	s.typing[key] = &typingEntry{
		username: msg.SenderName,
		timer:    s.typingTimer(key, gen),
	}
	if s.metrics != nil {
		s.metrics.TypingSignals.WithLabelValues("raised").Inc()
	}
	s.emit(TypingChanged{Users: s.typingUsers()})
}

func (s *Session) typingTimer(key typingKey, gen int) *time.Timer {
	return time.AfterFunc(s.cfg.TypingExpiry, func() {
		s.post(func() { s.expireTyping(key, gen) })
	})
}

func (s *Session) expireTyping(key typingKey, gen int) {
	if gen != s.typingGen {
		return
	}
	if _, ok := s.typing[key]; !ok {
		return
	}
	delete(s.typing, key)
	if s.metrics != nil {
		s.metrics.TypingSignals.WithLabelValues("expired").Inc()
	}
	s.emit(TypingChanged{Users: s.typingUsers()})
}

// clearTypingSignals discards all signals and their timers. The generation
// bump invalidates expiries already in flight.
func (s *Session) clearTypingSignals(notify bool) {
	for _, entry := range s.typing {
		entry.timer.Stop()
	}
	s.typing = make(map[typingKey]*typingEntry)
	s.typingGen++
	if notify {
		s.emit(TypingChanged{Users: nil})
	}
}
