// Package directory talks to the user/group directory API: the request/response
// side of the chat system that the realtime broker does not carry. It serves
// rosters, group lists, membership and conversation history.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kjnchat/kjnchat/pkg/client"
	"github.com/kjnchat/kjnchat/pkg/protocol"
)

// ErrUnauthorized is returned when the directory rejects the credential.
// Callers treat it as an authentication failure, not a transient error.
var ErrUnauthorized = errors.New("directory rejected credentials")

// Client is an HTTP implementation of client.Directory.
type Client struct {
	baseURL string
	userID  string
	creds   client.CredentialFunc
	http    *http.Client
}

// NewClient creates a directory client. userID is the authenticated user,
// needed to address the private-history endpoint.
func NewClient(baseURL, userID string, creds client.CredentialFunc, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
	}
}

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Online   bool   `json:"online"`
	Status   string `json:"status"`
	Image    *struct {
		DownloadURL string `json:"downloadUrl"`
	} `json:"image"`
}

type groupPayload struct {
	ID        string `json:"id"`
	GroupName string `json:"groupname"`
	Image     *struct {
		DownloadURL string `json:"downloadUrl"`
	} `json:"image"`
}

// ActiveUsers returns all users known to the directory.
func (c *Client) ActiveUsers(ctx context.Context) ([]client.User, error) {
	var payload []userPayload
	if err := c.getJSON(ctx, "/users", nil, &payload); err != nil {
		return nil, err
	}
	users := make([]client.User, 0, len(payload))
	for _, p := range payload {
		u := client.User{
			ID:       p.ID,
			Username: p.Username,
			Email:    p.Email,
			Online:   p.Online,
			Status:   p.Status,
		}
		if p.Image != nil {
			u.AvatarRef = p.Image.DownloadURL
		}
		users = append(users, u)
	}
	return users, nil
}

// UserGroups returns the groups the authenticated user belongs to.
func (c *Client) UserGroups(ctx context.Context) ([]client.Group, error) {
	var payload []groupPayload
	if err := c.getJSON(ctx, "/users/groups", nil, &payload); err != nil {
		return nil, err
	}
	groups := make([]client.Group, 0, len(payload))
	for _, p := range payload {
		g := client.Group{ID: p.ID, GroupName: p.GroupName}
		if p.Image != nil {
			g.AvatarRef = p.Image.DownloadURL
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// History fetches stored messages for a conversation. The server returns wire
// envelopes; they are normalized into canonical messages here so the session
// merges history and live traffic in one shape.
func (c *Client) History(ctx context.Context, chat client.ChatContext) ([]protocol.Message, error) {
	var path string
	var query url.Values
	switch chat.Scope() {
	case client.ScopeDirect:
		peer, _ := chat.Peer()
		path = "/users/messages/private"
		query = url.Values{
			"user1Id": {c.userID},
			"user2Id": {peer.ID},
		}
	case client.ScopeGroup:
		group, _ := chat.Group()
		path = "/users/messages/group/" + url.PathEscape(group.ID)
	default:
		path = "/users/messages/public"
	}

	var payload []protocol.Envelope
	if err := c.getJSON(ctx, path, query, &payload); err != nil {
		return nil, err
	}

	now := time.Now()
	messages := make([]protocol.Message, 0, len(payload))
	for i := range payload {
		msg, err := payload[i].Normalize(now)
		if err != nil {
			// History entries the server stored malformed are skipped,
			// never fatal.
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// GroupMembers returns the members of a group.
func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]client.User, error) {
	var payload []userPayload
	if err := c.getJSON(ctx, "/groups/"+url.PathEscape(groupID)+"/members", nil, &payload); err != nil {
		return nil, err
	}
	members := make([]client.User, 0, len(payload))
	for _, p := range payload {
		m := client.User{
			ID:       p.ID,
			Username: p.Username,
			Email:    p.Email,
			Online:   p.Online,
			Status:   p.Status,
		}
		if p.Image != nil {
			m.AvatarRef = p.Image.DownloadURL
		}
		members = append(members, m)
	}
	return members, nil
}

// IsGroupAdmin reports whether the authenticated user administers the group.
func (c *Client) IsGroupAdmin(ctx context.Context, groupID string) (bool, error) {
	var isAdmin bool
	if err := c.getJSON(ctx, "/groups/"+url.PathEscape(groupID)+"/isAdmin", nil, &isAdmin); err != nil {
		return false, err
	}
	return isAdmin, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build directory request: %w", err)
	}
	token, ok := c.creds()
	if !ok {
		return ErrUnauthorized
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directory request %s: %s: %s", path, resp.Status, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode directory response %s: %w", path, err)
	}
	return nil
}
