package client

import (
	"context"

	"github.com/kjnchat/kjnchat/pkg/protocol"
)

// ConnectionInterface defines the transport boundary the session talks to.
// The real Connection implements it over a WebSocket; MockConnection
// implements it for tests.
type ConnectionInterface interface {
	// Connection management
	Connect() error
	Disconnect()
	Close()
	IsConnected() bool

	// Subscription and publish operations
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	Publish(destination string, env *protocol.Envelope) error

	// Channels for receiving data
	Incoming() <-chan *protocol.Frame
	Errors() <-chan error
	StateChanges() <-chan ConnectionStateUpdate

	// Configuration
	DisableAutoReconnect()
	SetLogger(logger Logger)
}

// Logger is the minimal logging surface the session and connection use.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...interface{})
}

// CredentialFunc returns the current bearer credential, or ok=false when
// none is available (absent or expired). The session never stores tokens
// itself; it asks on every action that needs one.
type CredentialFunc func() (token string, ok bool)

// User is a roster entry.
type User struct {
	ID        string
	Username  string
	Email     string
	Online    bool
	Status    string
	AvatarRef string
}

// Group is one of the user's groups.
type Group struct {
	ID        string
	GroupName string
	AvatarRef string
}

// Directory is the request/response collaborator the session consumes for
// roster, group and history data. The session owns none of its
// implementations; pkg/directory carries the HTTP one.
type Directory interface {
	ActiveUsers(ctx context.Context) ([]User, error)
	UserGroups(ctx context.Context) ([]Group, error)
	History(ctx context.Context, chat ChatContext) ([]protocol.Message, error)
	GroupMembers(ctx context.Context, groupID string) ([]User, error)
	IsGroupAdmin(ctx context.Context, groupID string) (bool, error)
}

// StateInterface is the persistent client-side state the session and the
// terminal frontend share. The real State is sqlite-backed.
type StateInterface interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	GetLastUsername() string
	SetLastUsername(username string) error
	GetLastServer() string
	SetLastServer(addr string) error
	GetLastContextKey() string
	SetLastContextKey(key string) error

	Close() error
}
