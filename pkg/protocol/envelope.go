package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageKind is the wire-level event type carried by an envelope.
type MessageKind string

const (
	KindChat        MessageKind = "CHAT"
	KindJoin        MessageKind = "JOIN"
	KindLeave       MessageKind = "LEAVE"
	KindTyping      MessageKind = "TYPING"
	KindGroupAdd    MessageKind = "GROUP_ADD"
	KindGroupRemove MessageKind = "GROUP_REMOVE"
)

var (
	ErrEmptyEnvelope    = errors.New("empty envelope payload")
	ErrUnknownKind      = errors.New("unknown envelope type")
	ErrMissingSender    = errors.New("envelope has no sender")
	ErrAmbiguousAddress = errors.New("envelope addresses both a recipient and a group")
)

// KnownKind reports whether k is a kind this client understands.
func KnownKind(k MessageKind) bool {
	switch k {
	case KindChat, KindJoin, KindLeave, KindTyping, KindGroupAdd, KindGroupRemove:
		return true
	}
	return false
}

// ImageRef points at a server-stored avatar.
type ImageRef struct {
	ID          string `json:"id,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// UserRef identifies a user inside an envelope.
type UserRef struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Image    *ImageRef `json:"image,omitempty"`
}

// GroupRef identifies a group inside an envelope.
type GroupRef struct {
	ID        string `json:"id"`
	GroupName string `json:"groupname"`
}

// Envelope is the JSON unit exchanged with the broker. Every optional field
// may be absent on the wire; Normalize fills in the canonical defaults.
type Envelope struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageKind `json:"type"`
	Sender    *UserRef    `json:"sender,omitempty"`
	Recipient *UserRef    `json:"recipient,omitempty"`
	Group     *GroupRef   `json:"group,omitempty"`
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Message is the canonical internal form of an envelope. Fields are never
// mutated after creation except IsLocalEcho, which flips to false once a
// local echo is confirmed by the server copy.
type Message struct {
	ID              string
	SenderID        string
	SenderName      string
	SenderAvatarRef string
	RecipientID     string
	RecipientName   string
	GroupID         string
	GroupName       string
	Content         string
	Timestamp       time.Time
	Kind            MessageKind
	IsLocalEcho     bool
}

// DecodeEnvelope parses a wire envelope. A payload that is not valid JSON, or
// that carries an event type this client does not understand, is rejected;
// callers treat that as a recoverable decode error, never a crash.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEmptyEnvelope
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		env.Type = KindChat
	}
	if !KnownKind(env.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	return &env, nil
}

// Encode serializes the envelope to wire JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Normalize converts a decoded envelope into the canonical Message form.
// Missing sender names, timestamps and IDs get stable defaults so downstream
// code never has to re-check for absent fields. now supplies the fallback
// timestamp so callers control the clock.
func (e *Envelope) Normalize(now time.Time) (Message, error) {
	if e.Sender == nil || e.Sender.ID == "" {
		return Message{}, ErrMissingSender
	}
	if e.Type == KindChat && e.Recipient != nil && e.Group != nil {
		return Message{}, ErrAmbiguousAddress
	}

	msg := Message{
		ID:         e.ID,
		SenderID:   e.Sender.ID,
		SenderName: e.Sender.Username,
		Content:    e.Content,
		Kind:       e.Type,
	}
	if msg.SenderName == "" {
		msg.SenderName = "Unknown User"
	}
	if e.Sender.Image != nil {
		msg.SenderAvatarRef = e.Sender.Image.DownloadURL
	}
	if e.Recipient != nil {
		msg.RecipientID = e.Recipient.ID
		msg.RecipientName = e.Recipient.Username
	}
	if e.Group != nil {
		msg.GroupID = e.Group.ID
		msg.GroupName = e.Group.GroupName
	}

	msg.Timestamp = now
	if e.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			msg.Timestamp = ts
		}
	}

	if msg.ID == "" {
		msg.ID = FallbackID(msg.Timestamp, msg.SenderID)
	}
	return msg, nil
}

// FallbackID derives a message identity for envelopes the server did not
// assign one to: timestamp, sender and a short random suffix.
func FallbackID(ts time.Time, senderID string) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-%s-%s", ts.UTC().Format(time.RFC3339), senderID, suffix)
}
