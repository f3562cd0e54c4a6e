package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (1 MB)")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrUnknownOp     = errors.New("unknown frame op")
)

// Op is a broker frame operation.
type Op string

const (
	// Client → broker
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpSend        Op = "send"

	// Broker → client
	OpMessage Op = "message"
	OpError   Op = "error"
)

// Frame is one JSON unit on the broker connection. Subscribe/unsubscribe
// carry Channel, send carries Destination plus Body, message carries Channel
// plus Body, and error carries Error.
// Send frames additionally carry the bearer credential in Auth; the broker
// revalidates it per action.
type Frame struct {
	Op          Op              `json:"op"`
	Channel     string          `json:"channel,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Auth        string          `json:"auth,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// DecodeFrame parses a broker frame from raw bytes.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Op {
	case OpSubscribe, OpUnsubscribe, OpSend, OpMessage, OpError:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, f.Op)
	}
	return &f, nil
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// SubscribeFrame builds a subscribe frame for a channel.
func SubscribeFrame(channel string) *Frame {
	return &Frame{Op: OpSubscribe, Channel: channel}
}

// UnsubscribeFrame builds an unsubscribe frame for a channel.
func UnsubscribeFrame(channel string) *Frame {
	return &Frame{Op: OpUnsubscribe, Channel: channel}
}

// SendFrame builds a send frame addressed at a publish destination.
func SendFrame(destination string, env *Envelope) (*Frame, error) {
	body, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return &Frame{Op: OpSend, Destination: destination, Body: body}, nil
}
