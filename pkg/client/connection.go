package client

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kjnchat/kjnchat/pkg/protocol"
)

const (
	// DefaultHeartbeatInterval is the broker contract: a ping every 4s in
	// both directions, and no traffic for longer than the window means the
	// transport declares a timeout.
	DefaultHeartbeatInterval = 4000 * time.Millisecond

	// DefaultReconnectDelay is the fixed wait between reconnect attempts.
	// No backoff growth and no attempt ceiling.
	DefaultReconnectDelay = 5000 * time.Millisecond

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Connection is the persistent duplex link to the message broker. It owns
// the socket, the heartbeat, and the automatic reconnect cycle; the session
// layers subscriptions and routing on top of it.
type Connection struct {
	url    string
	userID string
	creds  CredentialFunc

	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	reconnecting bool
	closed       bool

	// Channels for communication
	incoming    chan *protocol.Frame
	outgoing    chan *protocol.Frame
	errors      chan error
	stateChange chan ConnectionStateUpdate
	flush       chan chan struct{}

	// Auto-reconnect settings
	autoReconnect  bool
	reconnectDelay time.Duration
	heartbeat      time.Duration

	lastDisconnectReason DisconnectReason

	logger Logger

	// Shutdown
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection creates a broker connection. url is the broker's WebSocket
// endpoint; userID rides along as a correlation header and creds supplies
// the bearer credential at connect time and per publish.
func NewConnection(url, userID string, creds CredentialFunc) *Connection {
	return &Connection{
		url:            url,
		userID:         userID,
		creds:          creds,
		incoming:       make(chan *protocol.Frame, 100),
		outgoing:       make(chan *protocol.Frame, 100),
		errors:         make(chan error, 10),
		stateChange:    make(chan ConnectionStateUpdate, 10),
		flush:          make(chan chan struct{}),
		autoReconnect:  true,
		reconnectDelay: DefaultReconnectDelay,
		heartbeat:      DefaultHeartbeatInterval,
		shutdown:       make(chan struct{}),
	}
}

// SetLogger sets a logger for debugging connection events.
func (c *Connection) SetLogger(logger Logger) {
	c.logger = logger
}

// SetHeartbeatInterval overrides the heartbeat window. Call before Connect.
func (c *Connection) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeat = d
}

// SetReconnectDelay overrides the fixed reconnect delay. Call before Connect.
func (c *Connection) SetReconnectDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectDelay = d
}

// DisableAutoReconnect disables automatic reconnection on connection loss.
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the broker connection, carrying the credential and the
// user identity as handshake headers. A missing credential fails closed with
// ErrNotAuthenticated and never retries; transport failures return an error
// and, when auto-reconnect is on, start the retry cycle.
func (c *Connection) Connect() error {
	err := c.connectOnce()
	if err != nil && !errors.Is(err, ErrNotAuthenticated) {
		c.maybeStartReconnect()
	}
	return err
}

func (c *Connection) connectOnce() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	heartbeat := c.heartbeat
	c.mu.Unlock()

	token, ok := c.creds()
	if !ok {
		return ErrNotAuthenticated
	}

	c.logf("Connecting to %s...", c.url)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-User-Id", c.userID)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(c.url, header)
	if err != nil {
		c.logf("Connect failed: %v", err)
		return fmt.Errorf("connect to broker: %w", err)
	}

	conn.SetReadLimit(protocol.MaxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * heartbeat))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected to %s", c.url)

	c.wg.Add(2)
	go c.readLoop(conn, heartbeat)
	go c.writeLoop(conn, heartbeat)

	return nil
}

// Disconnect closes the connection without starting the reconnect cycle.
// Queued outbound frames are flushed first, so a final announcement enqueued
// just before logout still reaches the broker.
func (c *Connection) Disconnect() {
	c.flushOutgoing(writeTimeout)
	c.disconnectWithReason(DisconnectUserRequested)
}

// flushOutgoing blocks until the write loop has drained the outgoing queue,
// bounded by timeout. A dropped or shut-down connection returns immediately.
func (c *Connection) flushOutgoing(timeout time.Duration) {
	if !c.IsConnected() {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	ack := make(chan struct{})
	select {
	case c.flush <- ack:
	case <-c.shutdown:
		return
	case <-timer.C:
		return
	}
	select {
	case <-ack:
	case <-c.shutdown:
	case <-timer.C:
	}
}

func (c *Connection) disconnectWithReason(reason DisconnectReason) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.logf("Disconnecting from %s (reason: %v)", c.url, reason)
	c.connected = false
	c.lastDisconnectReason = reason
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// Close shuts down the connection permanently and releases its channels.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()
	close(c.incoming)
	close(c.outgoing)
	close(c.errors)
	close(c.stateChange)
}

// IsConnected returns whether the connection is active.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Subscribe opens a broker subscription on a channel.
func (c *Connection) Subscribe(channel string) error {
	return c.send(protocol.SubscribeFrame(channel))
}

// Unsubscribe cancels a broker subscription. Safe to call for channels that
// are no longer subscribed; the broker treats that as a no-op.
func (c *Connection) Unsubscribe(channel string) error {
	return c.send(protocol.UnsubscribeFrame(channel))
}

// Publish sends an envelope to a destination. The current credential rides
// along on the frame; if none is available the action fails closed without
// touching the transport.
func (c *Connection) Publish(destination string, env *protocol.Envelope) error {
	token, ok := c.creds()
	if !ok {
		return ErrNotAuthenticated
	}
	frame, err := protocol.SendFrame(destination, env)
	if err != nil {
		return err
	}
	frame.Auth = token
	return c.send(frame)
}

// Incoming returns the channel delivering frames from the broker.
func (c *Connection) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Errors returns the channel for connection errors.
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates.
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

func (c *Connection) send(frame *protocol.Frame) error {
	select {
	case c.outgoing <- frame:
		return nil
	case <-c.shutdown:
		return ErrSessionClosed
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// readLoop reads frames until the connection drops. A missed read deadline
// is the transport-declared heartbeat timeout.
func (c *Connection) readLoop(conn *websocket.Conn, heartbeat time.Duration) {
	defer c.wg.Done()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(2 * heartbeat)); err != nil {
			c.handleDisconnect(DisconnectError, err)
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			reason := DisconnectError
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				reason = DisconnectHeartbeat
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				reason = DisconnectServerClosed
			}
			c.handleDisconnect(reason, err)
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			c.logf("Frame decode error: %v", err)
			select {
			case c.errors <- fmt.Errorf("read frame: %w", err):
			default:
			}
			continue
		}

		c.logf("← RECV: op=%s channel=%q len=%d", frame.Op, frame.Channel, len(frame.Body))

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends frames and outbound heartbeats.
func (c *Connection) writeLoop(conn *websocket.Conn, heartbeat time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.outgoing:
			if !c.writeFrame(conn, frame) {
				return
			}

		case ack := <-c.flush:
			ok := c.drainOutgoing(conn)
			close(ack)
			if !ok {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logf("Ping error: %v", err)
				c.handleDisconnect(DisconnectError, err)
				return
			}

		case <-c.shutdown:
			return
		}
	}
}

// writeFrame encodes and writes one frame. Returns false when the transport
// failed and the write loop must exit.
func (c *Connection) writeFrame(conn *websocket.Conn, frame *protocol.Frame) bool {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		c.logf("Encode error: %v", err)
		select {
		case c.errors <- fmt.Errorf("encode frame: %w", err):
		default:
		}
		return true
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logf("Write error: %v", err)
		select {
		case c.errors <- fmt.Errorf("write frame: %w", err):
		default:
		}
		c.handleDisconnect(DisconnectError, err)
		return false
	}

	c.logf("→ SEND: op=%s dest=%q len=%d", frame.Op, frame.Destination, len(frame.Body))
	return true
}

// drainOutgoing writes every frame already queued, leaving the queue empty.
func (c *Connection) drainOutgoing(conn *websocket.Conn) bool {
	for {
		select {
		case frame := <-c.outgoing:
			if !c.writeFrame(conn, frame) {
				return false
			}
		default:
			return true
		}
	}
}

// handleDisconnect handles an unexpected connection loss. All subscriptions
// are invalidated by the drop; the session's desired state is preserved and
// re-established once the reconnect cycle succeeds.
func (c *Connection) handleDisconnect(reason DisconnectReason, err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.lastDisconnectReason = reason
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	autoReconnect := c.autoReconnect
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.logf("Disconnected from broker (reason: %v): %v", reason, err)

	if autoReconnect {
		c.emitState(ConnectionStateUpdate{State: StateReconnecting, Reason: reason, Err: err})
		c.maybeStartReconnect()
	} else {
		c.emitState(ConnectionStateUpdate{State: StateDisconnected, Reason: reason, Err: err})
	}
}

func (c *Connection) maybeStartReconnect() {
	c.mu.Lock()
	if !c.autoReconnect || c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop retries at a fixed delay with no attempt ceiling. A missing
// credential ends the cycle: that failure is fatal, not retryable.
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	attempt := 1
	for {
		select {
		case <-c.shutdown:
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-time.After(c.reconnectDelay):
			if _, ok := c.creds(); !ok {
				c.logf("Reconnect aborted: credential no longer valid")
				c.emitState(ConnectionStateUpdate{State: StateClosed, Err: ErrNotAuthenticated})
				return
			}

			c.logf("Reconnect attempt %d to %s", attempt, c.url)
			c.emitState(ConnectionStateUpdate{State: StateConnecting, Attempt: attempt})

			if err := c.connectOnce(); err != nil {
				c.logf("Reconnect attempt %d failed: %v", attempt, err)
				if errors.Is(err, ErrNotAuthenticated) {
					c.emitState(ConnectionStateUpdate{State: StateClosed, Err: err})
					return
				}
				attempt++
				continue
			}

			c.logf("Reconnected after %d attempt(s)", attempt)
			c.emitState(ConnectionStateUpdate{State: StateConnected, Attempt: attempt})
			return
		}
	}
}

func (c *Connection) emitState(update ConnectionStateUpdate) {
	select {
	case c.stateChange <- update:
	default:
		c.logf("State update dropped (channel full): %v", update.State)
	}
}
