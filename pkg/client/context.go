package client

import (
	"fmt"

	"github.com/kjnchat/kjnchat/pkg/protocol"
)

// ContextScope says which kind of conversation a ChatContext points at.
type ContextScope int

const (
	ScopePublic ContextScope = iota
	ScopeDirect
	ScopeGroup
)

func (s ContextScope) String() string {
	switch s {
	case ScopePublic:
		return "public"
	case ScopeDirect:
		return "direct"
	case ScopeGroup:
		return "group"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ChatContext is the conversation the user is currently viewing: the public
// room, one direct peer, or one group. Exactly one is active per session and
// only the session mutates it.
type ChatContext struct {
	scope ContextScope
	peer  protocol.UserRef
	group protocol.GroupRef
}

// PublicContext returns the public-room context.
func PublicContext() ChatContext {
	return ChatContext{scope: ScopePublic}
}

// DirectContext returns a one-to-one context with peer.
func DirectContext(peer protocol.UserRef) ChatContext {
	return ChatContext{scope: ScopeDirect, peer: peer}
}

// GroupContext returns a group context.
func GroupContext(group protocol.GroupRef) ChatContext {
	return ChatContext{scope: ScopeGroup, group: group}
}

// Scope returns which kind of conversation this context points at.
func (c ChatContext) Scope() ContextScope { return c.scope }

// Peer returns the direct peer when the scope is Direct.
func (c ChatContext) Peer() (protocol.UserRef, bool) {
	if c.scope != ScopeDirect {
		return protocol.UserRef{}, false
	}
	return c.peer, true
}

// Group returns the group when the scope is Group.
func (c ChatContext) Group() (protocol.GroupRef, bool) {
	if c.scope != ScopeGroup {
		return protocol.GroupRef{}, false
	}
	return c.group, true
}

// Key returns a stable identity for the context, used to key typing signals
// and pending local echoes.
func (c ChatContext) Key() string {
	switch c.scope {
	case ScopeDirect:
		return "direct:" + c.peer.ID
	case ScopeGroup:
		return "group:" + c.group.ID
	default:
		return "public"
	}
}

// Channel returns the broker channel this context needs beyond the mandatory
// self-queues. Direct contexts need none: direct delivery arrives on the
// sender's and recipient's inbox queues.
func (c ChatContext) Channel() (string, bool) {
	switch c.scope {
	case ScopePublic:
		return protocol.PublicChannel, true
	case ScopeGroup:
		return protocol.GroupChannel(c.group.ID), true
	default:
		return "", false
	}
}

func (c ChatContext) String() string {
	switch c.scope {
	case ScopeDirect:
		return fmt.Sprintf("direct(%s)", c.peer.Username)
	case ScopeGroup:
		return fmt.Sprintf("group(%s)", c.group.GroupName)
	default:
		return "public"
	}
}
