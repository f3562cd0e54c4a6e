package client

import (
	"sync"

	"github.com/kjnchat/kjnchat/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface. It records
// every subscribe, unsubscribe and publish for verification and lets tests
// push frames, errors and state updates at the session.
type MockConnection struct {
	mu sync.RWMutex

	connected    bool
	connectErr   error
	publishErr   error
	subscribeErr error

	incoming    chan *protocol.Frame
	errors      chan error
	stateChange chan ConnectionStateUpdate

	Subscribed   []string
	Unsubscribed []string
	Published    []MockPublish

	closeOnce sync.Once
}

// MockPublish is one recorded Publish call.
type MockPublish struct {
	Destination string
	Envelope    *protocol.Envelope
}

// NewMockConnection creates a mock connection.
func NewMockConnection() *MockConnection {
	return &MockConnection{
		incoming:    make(chan *protocol.Frame, 100),
		errors:      make(chan error, 10),
		stateChange: make(chan ConnectionStateUpdate, 10),
	}
}

// Connect simulates connecting to the broker.
func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting.
func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Close closes the mock connection and its channels.
func (m *MockConnection) Close() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.closeOnce.Do(func() {
		close(m.incoming)
		close(m.errors)
		close(m.stateChange)
	})
}

// IsConnected returns the connection status.
func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Subscribe records a subscription.
func (m *MockConnection) Subscribe(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.Subscribed = append(m.Subscribed, channel)
	return nil
}

// Unsubscribe records a cancellation.
func (m *MockConnection) Unsubscribe(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Unsubscribed = append(m.Unsubscribed, channel)
	return nil
}

// Publish records an outgoing envelope.
func (m *MockConnection) Publish(destination string, env *protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.Published = append(m.Published, MockPublish{Destination: destination, Envelope: env})
	return nil
}

// Incoming returns the incoming frame channel.
func (m *MockConnection) Incoming() <-chan *protocol.Frame {
	return m.incoming
}

// Errors returns the error channel.
func (m *MockConnection) Errors() <-chan error {
	return m.errors
}

// StateChanges returns the state update channel.
func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate {
	return m.stateChange
}

// DisableAutoReconnect is a no-op for the mock.
func (m *MockConnection) DisableAutoReconnect() {}

// SetLogger is a no-op for the mock.
func (m *MockConnection) SetLogger(logger Logger) {}

// Test helpers

// SetConnectError sets an error to return from Connect.
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetPublishError sets an error to return from Publish.
func (m *MockConnection) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErr = err
}

// SetSubscribeError sets an error to return from Subscribe.
func (m *MockConnection) SetSubscribeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// SimulateMessage delivers an envelope to the session as a message frame on
// the given channel.
func (m *MockConnection) SimulateMessage(channel string, env *protocol.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	m.incoming <- &protocol.Frame{Op: protocol.OpMessage, Channel: channel, Body: body}
	return nil
}

// SimulateRawMessage delivers an arbitrary payload as a message frame.
func (m *MockConnection) SimulateRawMessage(channel string, body []byte) {
	m.incoming <- &protocol.Frame{Op: protocol.OpMessage, Channel: channel, Body: body}
}

// SimulateBrokerError delivers a broker-level error frame.
func (m *MockConnection) SimulateBrokerError(text string) {
	m.incoming <- &protocol.Frame{Op: protocol.OpError, Error: text}
}

// SimulateError pushes a transport error.
func (m *MockConnection) SimulateError(err error) {
	m.errors <- err
}

// SimulateStateChange pushes a connection state update.
func (m *MockConnection) SimulateStateChange(update ConnectionStateUpdate) {
	m.stateChange <- update
}

// SubscribeCount returns how many times channel was subscribed.
func (m *MockConnection) SubscribeCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ch := range m.Subscribed {
		if ch == channel {
			n++
		}
	}
	return n
}

// UnsubscribeCount returns how many times channel was cancelled.
func (m *MockConnection) UnsubscribeCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ch := range m.Unsubscribed {
		if ch == channel {
			n++
		}
	}
	return n
}

// PublishedTo returns the publishes recorded for one destination.
func (m *MockConnection) PublishedTo(destination string) []MockPublish {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MockPublish
	for _, p := range m.Published {
		if p.Destination == destination {
			out = append(out, p)
		}
	}
	return out
}
