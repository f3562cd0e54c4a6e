package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kjnchat/kjnchat/pkg/protocol"
)

// SessionConfig carries the session's tunable durations.
type SessionConfig struct {
	// TypingExpiry is how long a typing signal stays live after its last
	// refresh.
	TypingExpiry time.Duration
	// TypingDebounce is the trailing-edge debounce window for outbound
	// typing indicators.
	TypingDebounce time.Duration
	// EchoWindow is how long a local echo stays eligible for
	// reconciliation with its server-confirmed copy.
	EchoWindow time.Duration
	// FetchTimeout bounds each collaborator call (history, roster,
	// groups, members).
	FetchTimeout time.Duration
}

// DefaultSessionConfig returns the production durations.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TypingExpiry:   3 * time.Second,
		TypingDebounce: 500 * time.Millisecond,
		EchoWindow:     10 * time.Second,
		FetchTimeout:   10 * time.Second,
	}
}

type typingKey struct {
	senderID   string
	contextKey string
}

type typingEntry struct {
	username string
	timer    *time.Timer
}

type pendingEcho struct {
	localID    string
	content    string
	contextKey string
	at         time.Time
}

// Session owns one authenticated chat session end to end: the connection
// lifecycle, the active ChatContext, the subscription topology, the message
// list with optimistic echoes, and the ephemeral typing state. All state is
// mutated on a single owner goroutine; public methods hand work to that loop,
// so callers never race each other.
type Session struct {
	conn  ConnectionInterface
	dir   Directory
	creds CredentialFunc
	self  protocol.UserRef
	cfg   SessionConfig

	logger  Logger
	metrics *Metrics
	store   StateInterface
	clock   func() time.Time

	onAuthFailure func(error)

	ops       chan func()
	done      chan struct{}
	loopDone  chan struct{}
	events    chan Event
	closeOnce sync.Once

	// Everything below is owned by the run loop.
	state       ConnectionState
	closeReason CloseReason
	active      ChatContext
	topo        *topology
	messages    []protocol.Message
	echoes      []pendingEcho
	typing      map[typingKey]*typingEntry
	typingGen   int
	debounce    *time.Timer
	historyGen  int
	roster      []User
	groups      []Group
	members     []User
	isAdmin     bool
}

// NewSession builds a session around a connection and the directory
// collaborator, and starts its owner loop. The session begins Disconnected;
// call Start to bring it up.
func NewSession(conn ConnectionInterface, dir Directory, self protocol.UserRef, creds CredentialFunc, cfg SessionConfig) *Session {
	s := &Session{
		conn:     conn,
		dir:      dir,
		creds:    creds,
		self:     self,
		cfg:      cfg,
		clock:    time.Now,
		ops:      make(chan func(), 64),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		events:   make(chan Event, 256),
		state:    StateDisconnected,
		active:   PublicContext(),
		typing:   make(map[typingKey]*typingEntry),
	}
	s.topo = newTopology(conn, self.ID, nil)
	go s.run()
	return s
}

// SetLogger sets a logger for session events. Call before Start.
func (s *Session) SetLogger(logger Logger) {
	s.logger = logger
	s.topo.logger = logger
}

// SetMetrics attaches metrics to the session. Call before Start.
func (s *Session) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetStateStore attaches persistent client state; the session records the
// last viewed context there. Call before Start.
func (s *Session) SetStateStore(store StateInterface) {
	s.store = store
}

// OnAuthFailure registers the boundary callback fired when the session hits
// an unrecoverable credential failure. The callback runs on its own
// goroutine; it typically forces navigation back to login.
func (s *Session) OnAuthFailure(fn func(error)) {
	s.onAuthFailure = fn
}

// Events returns the channel the session reports UI events on. It closes
// when the session reaches Closed.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// run is the owner loop: every state transition happens here, on discrete
// callback invocations. Ordering between independent sources (ops, inbound
// frames, timers) is arbitrary and the handlers tolerate any interleaving.
func (s *Session) run() {
	defer close(s.loopDone)
	defer close(s.events)

	incoming := s.conn.Incoming()
	errs := s.conn.Errors()
	states := s.conn.StateChanges()

	for {
		select {
		case <-s.done:
			return
		case fn := <-s.ops:
			fn()
		case frame, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			s.handleFrame(frame)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.notice(SeverityWarning, "connection error", err)
		case upd, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			s.handleStateUpdate(upd)
		}
	}
}

// post hands fn to the owner loop without waiting. Safe from timer
// callbacks: once the session is closed the work is dropped, so a timer
// firing after teardown cannot touch dead state.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// do runs fn on the owner loop and waits for it.
func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logf("Event dropped (channel full): %T", ev)
	}
}

func (s *Session) notice(severity Severity, text string, err error) {
	if err != nil {
		s.logf("%s: %v", text, err)
	} else {
		s.logf("%s", text)
	}
	s.emit(Notice{Severity: severity, Text: text, Err: err})
}

func (s *Session) setState(state ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	s.emit(StateChanged{State: state, Reason: s.closeReason})
}

// Start brings the session up: Disconnected → Connecting, then Connected on
// handshake success. A missing or expired credential is fatal and escalates
// through the auth-failure boundary; a transport failure is not — the
// reconnect cycle keeps retrying and Start returns nil.
func (s *Session) Start() error {
	var err error
	if doErr := s.do(func() { err = s.start() }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) start() error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.state != StateDisconnected {
		return ErrAlreadyStarted
	}
	if _, ok := s.creds(); !ok {
		s.failAuth(ErrNotAuthenticated)
		return ErrNotAuthenticated
	}

	s.setState(StateConnecting)
	if err := s.conn.Connect(); err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			s.failAuth(err)
			return err
		}
		s.notice(SeverityWarning, "connection failed, retrying", err)
		s.setState(StateReconnecting)
		if s.metrics != nil {
			s.metrics.Reconnects.Inc()
		}
		return nil
	}

	s.onConnected()
	return nil
}

// onConnected performs the once-per-transition side effects of entering
// Connected: converge subscriptions (mandatory self-queues plus the active
// context's channel), announce presence, then refresh collaborator state.
func (s *Session) onConnected() {
	s.setState(StateConnected)
	s.topo.converge(s.active)
	s.publishJoin()
	s.refreshRoster()
	s.refreshGroups()
	s.fetchHistory()
	if g, ok := s.active.Group(); ok {
		s.refreshMembers(g.ID)
	}
}

func (s *Session) handleStateUpdate(upd ConnectionStateUpdate) {
	if s.state == StateClosed {
		return
	}
	switch upd.State {
	case StateReconnecting:
		// Transport dropped. Broker-side subscriptions died with it;
		// the desired context is preserved for re-establishment.
		s.topo.invalidate()
		s.setState(StateReconnecting)
		if s.metrics != nil {
			s.metrics.Reconnects.Inc()
		}
		s.notice(SeverityWarning, "connection lost, reconnecting", upd.Err)
	case StateConnecting:
		s.setState(StateConnecting)
	case StateConnected:
		s.onConnected()
	case StateDisconnected:
		s.setState(StateDisconnected)
	case StateClosed:
		// The reconnect cycle hit a credential failure.
		s.failAuth(upd.Err)
	}
}

// failAuth is the only error class that crosses the session boundary:
// the session goes terminal and the auth-failure handler forces the user
// back to login.
func (s *Session) failAuth(err error) {
	if s.state == StateClosed {
		return
	}
	s.notice(SeverityError, "authentication failed", err)
	s.teardown(CloseAuthFailure)
	if s.onAuthFailure != nil {
		go s.onAuthFailure(err)
	}
}

// teardown moves the session to the terminal Closed state, stops every
// timer, and releases the connection. A new login builds a fresh session.
func (s *Session) teardown(reason CloseReason) {
	s.closeReason = reason
	s.clearTypingSignals(false)
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.historyGen++
	s.setState(StateClosed)
	s.closeOnce.Do(func() { close(s.done) })
	go s.conn.Close()
}

// SelectContext switches the active conversation. Atomic from the router's
// point of view: the message list, pending echoes and typing signals of the
// previous context are discarded in the same loop step that installs the new
// context, so no inbound envelope can be attributed across the switch.
func (s *Session) SelectContext(ctx ChatContext) error {
	var err error
	if doErr := s.do(func() { err = s.selectContext(ctx) }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) selectContext(ctx ChatContext) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	s.messages = nil
	s.echoes = nil
	s.members = nil
	s.isAdmin = false
	s.clearTypingSignals(true)
	s.active = ctx
	s.logf("Context switched to %s", ctx)

	if s.store != nil {
		if err := s.store.SetLastContextKey(ctx.Key()); err != nil {
			s.logf("Persist context failed: %v", err)
		}
	}

	if s.state == StateConnected {
		// Subscribe before fetching history so nothing lands in the
		// gap; anything that arrives during the overlap is
		// deduplicated by message ID when the history merge runs.
		s.topo.converge(ctx)
		s.fetchHistory()
		if g, ok := ctx.Group(); ok {
			s.refreshMembers(g.ID)
		}
	}
	return nil
}

// Disconnect is the explicit logout path: announce departure, then tear the
// session down to its terminal state.
func (s *Session) Disconnect() error {
	return s.do(func() {
		if s.state == StateClosed {
			return
		}
		if s.state == StateConnected {
			s.publishLeave()
		}
		s.conn.Disconnect()
		s.teardown(CloseLogout)
	})
}

// fetchHistory loads the active context's backlog off-loop and merges it in
// front of whatever arrived while the fetch ran. Stale results (context
// switched again, or a newer fetch started) are dropped by generation.
func (s *Session) fetchHistory() {
	s.historyGen++
	gen := s.historyGen
	chat := s.active

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
		defer cancel()
		history, err := s.dir.History(ctx, chat)
		s.post(func() {
			if gen != s.historyGen {
				return
			}
			if err != nil {
				s.notice(SeverityWarning, "history fetch failed", err)
				return
			}
			s.mergeHistory(history)
		})
	}()
}

func (s *Session) mergeHistory(history []protocol.Message) {
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		seen[m.ID] = true
	}
	merged := make([]protocol.Message, 0, len(history)+len(s.messages))
	merged = append(merged, history...)
	for _, m := range s.messages {
		if !seen[m.ID] {
			merged = append(merged, m)
		}
	}
	s.messages = merged
	s.emit(HistoryLoaded{ContextKey: s.active.Key(), Count: len(merged)})
}

func (s *Session) refreshRoster() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
		defer cancel()
		users, err := s.dir.ActiveUsers(ctx)
		s.post(func() {
			if err != nil {
				s.notice(SeverityWarning, "roster refresh failed", err)
				return
			}
			s.roster = users
			s.emit(RosterUpdated{Users: users})
		})
	}()
}

func (s *Session) refreshGroups() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
		defer cancel()
		groups, err := s.dir.UserGroups(ctx)
		s.post(func() {
			if err != nil {
				s.notice(SeverityWarning, "groups refresh failed", err)
				return
			}
			s.groups = groups
			s.emit(GroupsUpdated{Groups: groups})
		})
	}()
}

func (s *Session) refreshMembers(groupID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FetchTimeout)
		defer cancel()
		members, err := s.dir.GroupMembers(ctx, groupID)
		if err != nil {
			s.post(func() { s.notice(SeverityWarning, "membership refresh failed", err) })
			return
		}
		isAdmin, err := s.dir.IsGroupAdmin(ctx, groupID)
		if err != nil {
			s.post(func() { s.notice(SeverityWarning, "admin status refresh failed", err) })
			return
		}
		s.post(func() {
			g, ok := s.active.Group()
			if !ok || g.ID != groupID {
				return
			}
			s.members = members
			s.isAdmin = isAdmin
			s.emit(MembersUpdated{GroupID: groupID, Members: members, IsAdmin: isAdmin})
		})
	}()
}

// Snapshot accessors. Each one runs on the owner loop, so the values are a
// consistent cut of session state.

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	state := StateClosed
	s.do(func() { state = s.state })
	return state
}

// ActiveContext returns the conversation currently being viewed.
func (s *Session) ActiveContext() ChatContext {
	var ctx ChatContext
	s.do(func() { ctx = s.active })
	return ctx
}

// Messages returns a copy of the active context's message list.
func (s *Session) Messages() []protocol.Message {
	var out []protocol.Message
	s.do(func() {
		out = make([]protocol.Message, len(s.messages))
		copy(out, s.messages)
	})
	return out
}

// Roster returns the last fetched active-user list.
func (s *Session) Roster() []User {
	var out []User
	s.do(func() { out = append(out, s.roster...) })
	return out
}

// Groups returns the last fetched group list.
func (s *Session) Groups() []Group {
	var out []Group
	s.do(func() { out = append(out, s.groups...) })
	return out
}

// Members returns the active group's member list and whether the session
// user administers it.
func (s *Session) Members() ([]User, bool) {
	var out []User
	var admin bool
	s.do(func() {
		out = append(out, s.members...)
		admin = s.isAdmin
	})
	return out, admin
}

// TypingUsers returns who is currently typing in the active context, sorted
// by name.
func (s *Session) TypingUsers() []string {
	var out []string
	s.do(func() { out = s.typingUsers() })
	return out
}

func (s *Session) typingUsers() []string {
	names := make([]string, 0, len(s.typing))
	for _, entry := range s.typing {
		names = append(names, entry.username)
	}
	sort.Strings(names)
	return names
}
