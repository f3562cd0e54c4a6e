package protocol

import "fmt"

// Channel names and publish destinations are a contract with the broker and
// must match exactly.

// PublicChannel carries every message addressed at the public room.
const PublicChannel = "public-broadcast"

// InboxChannel is the per-user queue that delivers direct messages, including
// the sender's own copy of an outgoing direct message.
func InboxChannel(userID string) string {
	return fmt.Sprintf("user:%s:inbox", userID)
}

// ErrorChannel delivers server-pushed rejections of this user's actions.
func ErrorChannel(userID string) string {
	return fmt.Sprintf("user:%s:errors", userID)
}

// TypingChannel delivers typing indicators addressed at this user.
func TypingChannel(userID string) string {
	return fmt.Sprintf("user:%s:typing", userID)
}

// GroupChannel carries every message addressed at one group.
func GroupChannel(groupID string) string {
	return fmt.Sprintf("group:%s:broadcast", groupID)
}

// Publish destinations.
const (
	DestJoin         = "chat.join"
	DestLeave        = "chat.leave"
	DestSendPublic   = "chat.send"
	DestTypingPublic = "chat.typing:public"
)

// DestSendDirect addresses a chat message at one peer.
func DestSendDirect(peerID string) string {
	return "chat.send:" + peerID
}

// DestSendGroup addresses a chat message at one group.
func DestSendGroup(groupID string) string {
	return "chat.sendGroup:" + groupID
}

// DestTypingDirect addresses a typing indicator at one peer.
func DestTypingDirect(peerID string) string {
	return "chat.typing:" + peerID
}

// DestTypingGroup addresses a typing indicator at one group.
func DestTypingGroup(groupID string) string {
	return "chat.typing:" + groupID
}
